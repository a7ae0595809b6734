package api

import (
	"bufio"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/marcus/tdsync/internal/syncserver"
	"github.com/marcus/tdsync/internal/wire"
)

const maxPushOperations = 1000

// syncServerFor builds a syncserver.Server bound to a project's partition
// database, sharing this api.Server's scope engine, broadcaster, instance
// id, and cross-partition write locks.
func (s *Server) syncServerFor(projectID string) (*syncserver.Server, error) {
	db, err := s.dbPool.Get(projectID)
	if err != nil {
		return nil, err
	}
	return syncserver.NewServer(db, s.scopes, s.broadcast, s.config.RealtimeInstanceID, projectID, s.locks), nil
}

// handleSyncPush handles POST /v1/projects/{id}/sync/push.
func (s *Server) handleSyncPush(w http.ResponseWriter, r *http.Request) {
	projectID := r.PathValue("id")

	var req wire.PushRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", "invalid json body")
		return
	}
	if len(req.Operations) > maxPushOperations {
		writeError(w, http.StatusBadRequest, "bad_request", fmt.Sprintf("batch size %d exceeds max %d", len(req.Operations), maxPushOperations))
		return
	}

	srv, err := s.syncServerFor(projectID)
	if err != nil {
		logFor(r.Context()).Error("open project partition", "project", projectID, "err", err)
		writeError(w, http.StatusInternalServerError, "internal_error", "failed to open project database")
		return
	}

	resp, err := srv.Push(r.Context(), req)
	if err != nil {
		writeSyncError(w, r, err)
		return
	}

	if len(resp.Conflicts) == 0 {
		s.metrics.RecordPushEvents(int64(len(req.Operations)))
	} else {
		s.metrics.RecordPushConflicts(int64(len(resp.Conflicts)))
	}
	writeJSON(w, http.StatusOK, resp)
}

// handleSyncPull handles POST /v1/projects/{id}/sync/pull.
func (s *Server) handleSyncPull(w http.ResponseWriter, r *http.Request) {
	s.metrics.RecordPullRequest()
	projectID := r.PathValue("id")

	var req wire.PullRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", "invalid json body")
		return
	}
	if req.LimitSnapshotRows <= 0 {
		req.LimitSnapshotRows = s.config.SnapshotPageRows
	}
	if req.MaxSnapshotPages <= 0 {
		req.MaxSnapshotPages = s.config.MaxSnapshotPages
	}

	srv, err := s.syncServerFor(projectID)
	if err != nil {
		logFor(r.Context()).Error("open project partition", "project", projectID, "err", err)
		writeError(w, http.StatusInternalServerError, "internal_error", "failed to open project database")
		return
	}

	resp, err := srv.Pull(r.Context(), req)
	if err != nil {
		writeSyncError(w, r, err)
		return
	}

	if req.ClientID != "" {
		if err := s.store.UpsertSyncCursor(projectID, req.ClientID, resp.Cursor); err != nil {
			logFor(r.Context()).Warn("update sync cursor telemetry", "project", projectID, "client", req.ClientID, "err", err)
		}
	}

	writeJSON(w, http.StatusOK, resp)
}

// ClientCursorResponse is one row of GET /v1/projects/{id}/sync/clients.
type ClientCursorResponse struct {
	ClientID   string     `json:"client_id"`
	LastCursor int64      `json:"last_cursor"`
	LastSyncAt *time.Time `json:"last_sync_at,omitempty"`
}

// handleSyncClients handles GET /v1/projects/{id}/sync/clients: an
// admin-facing view of every client's last-seen cursor, for spotting
// clients that have stopped syncing. Diagnostic only — never consulted by
// Push or Pull.
func (s *Server) handleSyncClients(w http.ResponseWriter, r *http.Request) {
	projectID := r.PathValue("id")

	cursors, err := s.store.ListSyncCursors(projectID)
	if err != nil {
		logFor(r.Context()).Error("list sync cursors", "project", projectID, "err", err)
		writeError(w, http.StatusInternalServerError, "internal_error", "database error")
		return
	}

	out := make([]ClientCursorResponse, 0, len(cursors))
	for _, c := range cursors {
		out = append(out, ClientCursorResponse{ClientID: c.ClientID, LastCursor: c.LastCursor, LastSyncAt: c.LastSyncAt})
	}
	writeJSON(w, http.StatusOK, out)
}

// SyncStatusResponse is the JSON response for GET /v1/projects/{id}/sync/status.
type SyncStatusResponse struct {
	CommitCount   int64 `json:"commit_count"`
	LastCommitSeq int64 `json:"last_commit_seq"`
}

// handleSyncStatus handles GET /v1/projects/{id}/sync/status.
func (s *Server) handleSyncStatus(w http.ResponseWriter, r *http.Request) {
	projectID := r.PathValue("id")

	db, err := s.dbPool.Get(projectID)
	if err != nil {
		logFor(r.Context()).Error("open project partition", "project", projectID, "err", err)
		writeError(w, http.StatusInternalServerError, "internal_error", "failed to open project database")
		return
	}

	var resp SyncStatusResponse
	err = db.QueryRowContext(r.Context(),
		`SELECT COUNT(*), COALESCE(MAX(commit_seq), 0) FROM sync_commits`,
	).Scan(&resp.CommitCount, &resp.LastCommitSeq)
	if err != nil {
		logFor(r.Context()).Error("query commit count", "err", err)
		writeError(w, http.StatusInternalServerError, "internal_error", "database error")
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

// handleSyncSubscribe handles GET /v1/projects/{id}/sync/subscribe: a
// Server-Sent-Events stream of this partition's realtime commit
// notifications, advisory only — a disconnected or slow client never loses
// data, since the client's next pull always recovers from its cursor.
func (s *Server) handleSyncSubscribe(w http.ResponseWriter, r *http.Request) {
	projectID := r.PathValue("id")
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "internal_error", "streaming unsupported")
		return
	}

	// No instance id: commits pushed through this process carry this
	// process's RealtimeInstanceID, and they are what this stream reports.
	events, cancel := s.broadcast.Subscribe("")
	defer cancel()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	bw := bufio.NewWriter(w)

	for {
		select {
		case <-r.Context().Done():
			return
		case evt, ok := <-events:
			if !ok {
				return
			}
			if evt.PartitionID != projectID {
				continue
			}
			payload, err := json.Marshal(evt)
			if err != nil {
				continue
			}
			fmt.Fprintf(bw, "event: %s\ndata: %s\n\n", evt.Type, payload)
			bw.Flush()
			flusher.Flush()
		}
	}
}

// writeSyncError maps a syncserver.Error's Kind onto an HTTP status.
func writeSyncError(w http.ResponseWriter, r *http.Request, err error) {
	se, ok := err.(*syncserver.Error)
	if !ok {
		logFor(r.Context()).Error("sync operation", "err", err)
		writeError(w, http.StatusInternalServerError, "internal_error", "sync operation failed")
		return
	}
	switch se.Kind {
	case syncserver.KindValidation:
		writeError(w, http.StatusBadRequest, "bad_request", se.Msg)
	case syncserver.KindNotFound:
		writeError(w, http.StatusNotFound, "not_found", se.Msg)
	case syncserver.KindRateLimited:
		writeError(w, http.StatusTooManyRequests, "rate_limited", se.Msg)
	case syncserver.KindSchemaMismatch:
		writeError(w, http.StatusPreconditionFailed, "schema_mismatch", se.Msg)
	case syncserver.KindConflict:
		writeError(w, http.StatusConflict, "conflict", se.Msg)
	default:
		logFor(r.Context()).Error("sync operation", "err", se)
		writeError(w, http.StatusInternalServerError, "internal_error", "sync operation failed")
	}
}
