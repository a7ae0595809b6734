package syncclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/marcus/tdsync/internal/wire"
)

// Transport is the sync engine's only dependency on the network. pushOnce
// and pullOnce each make one round-trip through it; tests substitute a fake
// to exercise the engine without an HTTP server.
type Transport interface {
	Push(ctx context.Context, projectID string, req wire.PushRequest) (wire.PushResponse, error)
	Pull(ctx context.Context, projectID string, req wire.PullRequest) (wire.PullResponse, error)
}

// HTTPTransport is the default Transport, calling the td-sync server's
// REST endpoints over HTTP, following the shape of the teacher's
// syncclient.Client: a bare-bones wrapper with a bearer token and a single
// doRequest helper that maps status codes onto sentinel errors.
type HTTPTransport struct {
	BaseURL string
	APIKey  string
	HTTP    *http.Client
}

// NewHTTPTransport builds a transport with a sane default timeout, matching
// the teacher's Client constructor.
func NewHTTPTransport(baseURL, apiKey string) *HTTPTransport {
	return &HTTPTransport{
		BaseURL: baseURL,
		APIKey:  apiKey,
		HTTP:    &http.Client{Timeout: 30 * time.Second},
	}
}

func (t *HTTPTransport) Push(ctx context.Context, projectID string, req wire.PushRequest) (wire.PushResponse, error) {
	var resp wire.PushResponse
	err := t.doRequest(ctx, http.MethodPost, "/v1/projects/"+projectID+"/sync/push", req, &resp)
	return resp, err
}

func (t *HTTPTransport) Pull(ctx context.Context, projectID string, req wire.PullRequest) (wire.PullResponse, error) {
	var resp wire.PullResponse
	err := t.doRequest(ctx, http.MethodPost, "/v1/projects/"+projectID+"/sync/pull", req, &resp)
	return resp, err
}

// apiError mirrors the server's writeError envelope.
type apiError struct {
	Error struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

func (t *HTTPTransport) doRequest(ctx context.Context, method, path string, body, out any) error {
	var bodyReader io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return newErr(KindValidation, "marshal request body", err)
		}
		bodyReader = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, t.BaseURL+path, bodyReader)
	if err != nil {
		return newErr(KindValidation, "build request", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if t.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+t.APIKey)
	}

	resp, err := t.HTTP.Do(req)
	if err != nil {
		return newErr(KindTransient, "transport call", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return newErr(KindTransient, "read response body", err)
	}

	if resp.StatusCode >= 400 {
		var ae apiError
		_ = json.Unmarshal(respBody, &ae)
		return mapStatusError(resp.StatusCode, ae.Error.Message)
	}

	if out != nil && len(respBody) > 0 {
		if err := json.Unmarshal(respBody, out); err != nil {
			return newErr(KindTransient, "decode response body", err)
		}
	}
	return nil
}

// mapStatusError maps an HTTP status code onto the typed errors a caller
// branches on, per §6's error-code mapping.
func mapStatusError(status int, msg string) error {
	switch status {
	case http.StatusUnauthorized:
		return ErrUnauthorized
	case http.StatusForbidden:
		return ErrForbidden
	case http.StatusNotFound:
		return ErrNotFound
	case http.StatusTooManyRequests:
		return newErr(KindRateLimited, msg, nil)
	case http.StatusConflict:
		return newErr(KindConflict, msg, nil)
	case http.StatusPreconditionFailed:
		return newErr(KindSchemaMismatch, msg, nil)
	case http.StatusBadRequest:
		return newErr(KindValidation, msg, nil)
	default:
		return newErr(KindTransient, fmt.Sprintf("status %d: %s", status, msg), nil)
	}
}
