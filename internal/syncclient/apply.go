package syncclient

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/marcus/tdsync/internal/wire"
)

// TableHandler is how a consumer teaches the engine to materialize one
// table's rows locally. The engine never interprets row payloads itself;
// it only sequences calls into the transaction per §4.4's apply-pull
// algorithm.
type TableHandler interface {
	// OnSnapshotStart is called once per subscription the first time a
	// fresh snapshot begins (the page with IsFirstPage true), before any
	// ApplySnapshot call for that subscription. A typical implementation
	// clears out stale local rows for the subscription's scope.
	OnSnapshotStart(ctx context.Context, tx *sql.Tx, subscriptionID string) error
	// ApplySnapshot inserts or replaces a page (or a batch-split slice of
	// a page) of authoritative rows.
	ApplySnapshot(ctx context.Context, tx *sql.Tx, rows []json.RawMessage) error
	// ApplyChange applies one tail change: upsert merges payload, delete
	// removes by row_id.
	ApplyChange(ctx context.Context, tx *sql.Tx, change wire.Change) error
}

// applyPullResponse runs the apply-pull transaction described in §4.4: one
// transaction per response, snapshot pages then tail changes, then
// subscription state and cursor updates, committed atomically.
func (e *Engine) applyPullResponse(ctx context.Context, resp wire.PullResponse, states []subscriptionState) error {
	byID := make(map[string]subscriptionState, len(states))
	for _, s := range states {
		byID[s.id] = s
	}

	tx, err := e.db.BeginTx(ctx, nil)
	if err != nil {
		return newErr(KindTransient, "begin apply tx", err)
	}
	defer tx.Rollback()

	startedSnapshot := make(map[string]bool)
	for _, snap := range resp.Snapshots {
		handler, ok := e.handlers[snap.Table]
		if !ok {
			return newErr(KindFatal, fmt.Sprintf("no table handler registered for %q", snap.Table), nil)
		}
		if snap.IsFirstPage && !startedSnapshot[snap.SubscriptionID] {
			if err := handler.OnSnapshotStart(ctx, tx, snap.SubscriptionID); err != nil {
				return newErr(KindTransient, "snapshot start", err)
			}
			startedSnapshot[snap.SubscriptionID] = true
		}
		for _, chunk := range chunkRawMessages(snap.Rows, e.maxBatchParams) {
			if err := handler.ApplySnapshot(ctx, tx, chunk); err != nil {
				return newErr(KindTransient, "apply snapshot", err)
			}
		}
	}

	for _, change := range resp.Changes {
		handler, ok := e.handlers[change.Table]
		if !ok {
			return newErr(KindFatal, fmt.Sprintf("no table handler registered for %q", change.Table), nil)
		}
		if err := handler.ApplyChange(ctx, tx, change); err != nil {
			return newErr(KindTransient, "apply change", err)
		}
	}

	for _, st := range resp.SubscriptionStates {
		s, ok := byID[st.ID]
		if !ok {
			continue
		}
		bootstrap := st.BootstrapState
		s.bootstrapState = &bootstrap
		// st.Cursor is this subscription's own safely-advanced boundary
		// (see wire.SubState), never the response-wide max: a caught-up
		// subscription whose own tail fetch was skipped or truncated this
		// round reports its unchanged previous cursor, not resp.Cursor.
		if st.BootstrapState == wire.BootstrapCaughtUp && st.Cursor > s.cursor {
			s.cursor = st.Cursor
		}
		if err := upsertSubscriptionState(ctx, tx, s); err != nil {
			return newErr(KindTransient, "update subscription state", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return newErr(KindTransient, "commit apply tx", err)
	}
	return nil
}

// chunkRawMessages splits rows into slices of at most size rows. The engine
// passes its MaxBatchParams as size, so a slice never holds more rows than
// that limit; a multi-column insert of one slice can still bind more
// parameters than that.
func chunkRawMessages(rows []json.RawMessage, size int) [][]json.RawMessage {
	if size <= 0 {
		size = len(rows)
	}
	if len(rows) == 0 {
		return nil
	}
	var out [][]json.RawMessage
	for start := 0; start < len(rows); start += size {
		end := start + size
		if end > len(rows) {
			end = len(rows)
		}
		out = append(out, rows[start:end])
	}
	return out
}
