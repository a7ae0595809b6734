package syncclient

import (
	"context"
	"crypto/rand"
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/marcus/tdsync/internal/wire"
)

// defaultOutboxBatchCap bounds how many outbox rows pushOnce bundles into a
// single commit, keeping one push's parameter count within the storage
// layer's batch limit even before the server-side split applies.
const defaultOutboxBatchCap = 200

// defaultPullLimitCommits mirrors the server's own default so a client that
// never overrides it still gets the documented page size.
const defaultPullLimitCommits = 500

// ConflictReport surfaces a rejected push to the consumer: the batch that
// was proposed together was rejected together (§4.2's all-or-nothing
// semantics), so every conflicting row is reported at once.
type ConflictReport struct {
	ClientCommitID string
	Conflicts      []wire.Conflict
}

// Engine is the client sync engine described in §4.4: single-threaded
// cooperative within one instance, at most one pull transaction and one
// push round-trip in flight at a time (§5).
type Engine struct {
	db        *sql.DB
	transport Transport
	clientID  string
	projectID string

	handlers       map[string]TableHandler
	outboxBatchCap int
	maxBatchParams int
	pullLimit      int

	opMu sync.Mutex // serializes pushOnce/pullOnce against the shared db handle

	mtMu               sync.RWMutex
	mutationTimestamps map[string]int64

	stopOnce sync.Once
	cancel   context.CancelFunc
	wg       sync.WaitGroup
}

// Config bundles the knobs an Engine needs beyond its db handle and
// transport, all defaulted the way api.LoadConfig defaults the server's
// equivalents.
type Config struct {
	ClientID         string
	ProjectID        string
	OutboxBatchCap   int
	MaxBatchParams   int
	PullLimitCommits int
	FlushInterval    time.Duration
	PullInterval     time.Duration
}

// NewEngine wires an Engine around an already-open local database handle
// (see OpenLocalStore) and a transport, registering table handlers by
// table name.
func NewEngine(db *sql.DB, transport Transport, cfg Config, handlers map[string]TableHandler) *Engine {
	if cfg.OutboxBatchCap <= 0 {
		cfg.OutboxBatchCap = defaultOutboxBatchCap
	}
	if cfg.MaxBatchParams <= 0 {
		cfg.MaxBatchParams = 900
	}
	if cfg.PullLimitCommits <= 0 {
		cfg.PullLimitCommits = defaultPullLimitCommits
	}
	return &Engine{
		db:                 db,
		transport:          transport,
		clientID:           cfg.ClientID,
		projectID:          cfg.ProjectID,
		handlers:           handlers,
		outboxBatchCap:     cfg.OutboxBatchCap,
		maxBatchParams:     cfg.MaxBatchParams,
		pullLimit:          cfg.PullLimitCommits,
		mutationTimestamps: make(map[string]int64),
	}
}

// Start launches the outbox flush loop and the subscription pull loop.
// Idempotent: a second call while already running is a no-op.
func (e *Engine) Start(ctx context.Context, flushInterval, pullInterval time.Duration) {
	if e.cancel != nil {
		return
	}
	runCtx, cancel := context.WithCancel(ctx)
	e.cancel = cancel

	e.wg.Add(2)
	go e.loop(runCtx, flushInterval, func(ctx context.Context) {
		e.opMu.Lock()
		_, err := e.pushOnce(ctx)
		e.opMu.Unlock()
		if err != nil {
			slog.Debug("syncclient: push", "err", err)
		}
	})
	go e.loop(runCtx, pullInterval, func(ctx context.Context) {
		e.opMu.Lock()
		err := e.pullOnce(ctx)
		e.opMu.Unlock()
		if err != nil {
			slog.Debug("syncclient: pull", "err", err)
		}
	})
}

// loop runs fn on a fixed tick until ctx is cancelled, never running fn
// concurrently with itself.
func (e *Engine) loop(ctx context.Context, interval time.Duration, fn func(ctx context.Context)) {
	defer e.wg.Done()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			fn(ctx)
		}
	}
}

// Stop is cooperative cancellation: it signals the loops to stop at their
// next suspension point and waits for any in-flight transaction to finish
// or roll back before returning, per §5's cancellation contract. It never
// interrupts a transaction mid-apply.
func (e *Engine) Stop() {
	e.stopOnce.Do(func() {
		if e.cancel != nil {
			e.cancel()
		}
	})
	e.wg.Wait()
}

// PushOnce attempts one flush cycle: drains the outbox up to the batch cap,
// calls the transport, and on accept removes the drained entries. On
// conflict it leaves the outbox untouched and returns a ConflictReport for
// the consumer to resolve (e.g. re-propose with a fresh base_version).
func (e *Engine) PushOnce(ctx context.Context) (*ConflictReport, error) {
	e.opMu.Lock()
	defer e.opMu.Unlock()
	return e.pushOnce(ctx)
}

func (e *Engine) pushOnce(ctx context.Context) (*ConflictReport, error) {
	batch, err := loadOutboxBatch(ctx, e.db, e.outboxBatchCap)
	if err != nil {
		return nil, newErr(KindTransient, "load outbox batch", err)
	}
	if len(batch) == 0 {
		return nil, nil
	}

	ops := make([]wire.Op, len(batch))
	seqs := make([]int64, len(batch))
	for i, r := range batch {
		var payload json.RawMessage
		if len(r.payload) > 0 {
			payload = json.RawMessage(r.payload)
		}
		ops[i] = wire.Op{Table: r.table, RowID: r.rowID, Op: r.op, Payload: payload, BaseVersion: r.baseVersion}
		seqs[i] = r.seq
	}

	clientCommitID := generateClientCommitID()
	req := wire.PushRequest{
		ClientID:       e.clientID,
		ClientCommitID: clientCommitID,
		Operations:     ops,
		SchemaVersion:  1,
	}

	resp, err := e.transport.Push(ctx, e.projectID, req)
	if err != nil {
		if bumpErr := bumpOutboxAttempts(ctx, e.db, seqs); bumpErr != nil {
			slog.Warn("syncclient: bump outbox attempts", "err", bumpErr)
		}
		return nil, err
	}

	if len(resp.Conflicts) > 0 {
		return &ConflictReport{ClientCommitID: clientCommitID, Conflicts: resp.Conflicts}, nil
	}

	if err := deleteOutboxRows(ctx, e.db, seqs); err != nil {
		return nil, newErr(KindTransient, "delete flushed outbox rows", err)
	}
	return nil, nil
}

// PullOnce issues one pull across every tracked subscription and applies
// the results in a single transaction.
func (e *Engine) PullOnce(ctx context.Context) error {
	e.opMu.Lock()
	defer e.opMu.Unlock()
	return e.pullOnce(ctx)
}

func (e *Engine) pullOnce(ctx context.Context) error {
	states, err := loadSubscriptionStates(ctx, e.db)
	if err != nil {
		return newErr(KindTransient, "load subscription state", err)
	}
	if len(states) == 0 {
		return nil
	}

	subs := make([]wire.Sub, len(states))
	for i, s := range states {
		subs[i] = wire.Sub{
			ID:             s.id,
			Table:          s.table,
			Scopes:         s.scopes,
			Params:         s.params,
			Cursor:         s.cursor,
			BootstrapState: s.bootstrapState,
		}
	}

	resp, err := e.transport.Pull(ctx, e.projectID, wire.PullRequest{
		ClientID:      e.clientID,
		Subscriptions: subs,
		LimitCommits:  e.pullLimit,
		DedupeRows:    true,
	})
	if err != nil {
		return err
	}

	return e.applyPullResponse(ctx, resp, states)
}

// SyncOnce runs PushOnce then PullOnce, matching syncOnce()'s description
// as one push followed by one pull; the server doesn't yet expose a single
// combined-envelope endpoint, so this issues two transport round-trips
// rather than one, preserving the push-before-pull ordering the operation
// name promises.
func (e *Engine) SyncOnce(ctx context.Context) (*ConflictReport, error) {
	e.opMu.Lock()
	defer e.opMu.Unlock()
	report, err := e.pushOnce(ctx)
	if err != nil {
		return report, err
	}
	if err := e.pullOnce(ctx); err != nil {
		return report, err
	}
	return report, nil
}

// ApplyLocalMutation writes the row locally via apply (caller-supplied,
// since the engine doesn't know the domain schema), enqueues an outbox
// entry with base_version = currentRowVersion, and records the mutation
// timestamp so later fingerprinting and conflict-gating can see it.
func (e *Engine) ApplyLocalMutation(ctx context.Context, table, rowID, op string, payload json.RawMessage, baseVersion *int64, apply func(tx *sql.Tx) error) error {
	tx, err := e.db.BeginTx(ctx, nil)
	if err != nil {
		return newErr(KindTransient, "begin mutation tx", err)
	}
	defer tx.Rollback()

	if apply != nil {
		if err := apply(tx); err != nil {
			return newErr(KindTransient, "apply local mutation", err)
		}
	}
	if err := enqueueOutbox(ctx, tx, table, rowID, op, payload, baseVersion); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return newErr(KindTransient, "commit mutation tx", err)
	}

	e.mtMu.Lock()
	e.mutationTimestamps[mutationKey(table, rowID)] = time.Now().UnixMilli()
	e.mtMu.Unlock()
	return nil
}

// GetMutationTimestamp returns 0 if (table, rowID) has no recorded local
// mutation, matching §4.4's getMutationTimestamp contract.
func (e *Engine) GetMutationTimestamp(table, rowID string) int64 {
	e.mtMu.RLock()
	defer e.mtMu.RUnlock()
	return e.mutationTimestamps[mutationKey(table, rowID)]
}

func mutationKey(table, rowID string) string { return table + "\x00" + rowID }

// generateClientCommitID derives a random commit id the way
// serverdb.generateID does on the server side, keeping the same
// crypto/rand-based idiom on both ends of the wire.
func generateClientCommitID() string {
	b := make([]byte, 16)
	if _, err := rand.Read(b); err != nil {
		return fmt.Sprintf("commit-%d", time.Now().UnixNano())
	}
	return hex.EncodeToString(b)
}
