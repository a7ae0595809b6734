package syncclient

import "fmt"

// Kind classifies a client engine failure the way the core distinguishes
// failure modes (§7), mirroring syncserver.Kind so callers on either side of
// the wire branch on outcome the same way.
type Kind int

const (
	KindTransient Kind = iota
	KindConflict
	KindSchemaMismatch
	KindValidation
	KindNotFound
	KindRateLimited
	KindFatal
)

func (k Kind) String() string {
	switch k {
	case KindTransient:
		return "transient"
	case KindConflict:
		return "conflict"
	case KindSchemaMismatch:
		return "schema_mismatch"
	case KindValidation:
		return "validation"
	case KindNotFound:
		return "not_found"
	case KindRateLimited:
		return "rate_limited"
	case KindFatal:
		return "fatal"
	default:
		return "unknown"
	}
}

// Error is the typed error every syncclient operation returns on failure.
type Error struct {
	Kind Kind
	Msg  string
	Err  error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Msg, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Msg)
}

func (e *Error) Unwrap() error { return e.Err }

// Retryable reports whether the outbox flush loop should back off and try
// again rather than surface the failure to the consumer.
func (e *Error) Retryable() bool { return e.Kind == KindTransient }

func newErr(k Kind, msg string, err error) *Error {
	return &Error{Kind: k, Msg: msg, Err: err}
}

// Sentinel errors returned by the transport for the status codes a caller
// commonly needs to branch on without unwrapping an *Error.
var (
	ErrUnauthorized = &Error{Kind: KindValidation, Msg: "unauthorized"}
	ErrForbidden    = &Error{Kind: KindValidation, Msg: "forbidden"}
	ErrNotFound     = &Error{Kind: KindNotFound, Msg: "not found"}
)
