// Package syncclient implements the client half of the sync engine (§4.4):
// an outbox that drains local mutations to the server, a pull loop that
// applies remote commits and snapshot pages through caller-supplied table
// handlers, an async-init registry guaranteeing a single local database
// handle per client id, and row fingerprinting for snapshot-skip decisions.
package syncclient

import (
	"context"
	"database/sql"
	"fmt"

	_ "github.com/mattn/go-sqlite3"
)

// localSchema creates the client-local bookkeeping tables: the outbox queue
// (§4.4 applyLocalMutation) and per-subscription bootstrap/cursor state
// (§4.3's state machine, tracked client-side).
const localSchema = `
CREATE TABLE IF NOT EXISTS sync_outbox (
	seq INTEGER PRIMARY KEY AUTOINCREMENT,
	"table" TEXT NOT NULL,
	row_id TEXT NOT NULL,
	op TEXT NOT NULL,
	payload TEXT,
	base_version INTEGER,
	attempts INTEGER NOT NULL DEFAULT 0,
	created_at TIMESTAMP NOT NULL
);

CREATE TABLE IF NOT EXISTS sync_subscription_state (
	id TEXT PRIMARY KEY,
	"table" TEXT NOT NULL,
	scopes TEXT NOT NULL,
	params TEXT,
	cursor INTEGER NOT NULL DEFAULT 0,
	bootstrap_state TEXT
);
`

// OpenLocalStore opens (creating if needed) the client's local SQLite
// database at path and ensures the bookkeeping schema exists. It uses the
// cgo mattn/go-sqlite3 driver rather than the server's modernc driver,
// matching the teacher's dual-driver split between server-side and
// client-facing code (see SPEC_FULL.md §12).
func OpenLocalStore(ctx context.Context, path string) (*sql.DB, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("open local store %s: %w", path, err)
	}
	if _, err := db.ExecContext(ctx, localSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("init local schema: %w", err)
	}
	return db, nil
}

// outboxRow mirrors one row of sync_outbox.
type outboxRow struct {
	seq         int64
	table       string
	rowID       string
	op          string
	payload     []byte
	baseVersion *int64
	attempts    int
}

// enqueueOutbox inserts one pending local mutation.
func enqueueOutbox(ctx context.Context, q querier, table, rowID, op string, payload []byte, baseVersion *int64) error {
	_, err := q.ExecContext(ctx,
		`INSERT INTO sync_outbox ("table", row_id, op, payload, base_version, created_at) VALUES (?, ?, ?, ?, ?, CURRENT_TIMESTAMP)`,
		table, rowID, op, string(payload), baseVersion,
	)
	if err != nil {
		return fmt.Errorf("enqueue outbox: %w", err)
	}
	return nil
}

// loadOutboxBatch reads up to limit pending outbox rows, oldest first.
func loadOutboxBatch(ctx context.Context, q querier, limit int) ([]outboxRow, error) {
	rows, err := q.QueryContext(ctx,
		`SELECT seq, "table", row_id, op, payload, base_version, attempts FROM sync_outbox ORDER BY seq ASC LIMIT ?`,
		limit,
	)
	if err != nil {
		return nil, fmt.Errorf("load outbox: %w", err)
	}
	defer rows.Close()

	var out []outboxRow
	for rows.Next() {
		var r outboxRow
		var payload sql.NullString
		var baseVersion sql.NullInt64
		if err := rows.Scan(&r.seq, &r.table, &r.rowID, &r.op, &payload, &baseVersion, &r.attempts); err != nil {
			return nil, fmt.Errorf("scan outbox row: %w", err)
		}
		if payload.Valid {
			r.payload = []byte(payload.String)
		}
		if baseVersion.Valid {
			v := baseVersion.Int64
			r.baseVersion = &v
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// deleteOutboxRows removes outbox entries by seq after a successful,
// accepted push.
func deleteOutboxRows(ctx context.Context, q querier, seqs []int64) error {
	for _, seq := range seqs {
		if _, err := q.ExecContext(ctx, `DELETE FROM sync_outbox WHERE seq = ?`, seq); err != nil {
			return fmt.Errorf("delete outbox row %d: %w", seq, err)
		}
	}
	return nil
}

// bumpOutboxAttempts records a failed transport attempt so the flush loop's
// backoff has something to key off of.
func bumpOutboxAttempts(ctx context.Context, q querier, seqs []int64) error {
	for _, seq := range seqs {
		if _, err := q.ExecContext(ctx, `UPDATE sync_outbox SET attempts = attempts + 1 WHERE seq = ?`, seq); err != nil {
			return fmt.Errorf("bump outbox attempts %d: %w", seq, err)
		}
	}
	return nil
}

// subscriptionState mirrors one row of sync_subscription_state.
type subscriptionState struct {
	id             string
	table          string
	scopes         []string
	params         map[string]string
	cursor         int64
	bootstrapState *string
}

// loadSubscriptionStates reads every tracked subscription.
func loadSubscriptionStates(ctx context.Context, q querier) ([]subscriptionState, error) {
	rows, err := q.QueryContext(ctx,
		`SELECT id, "table", scopes, params, cursor, bootstrap_state FROM sync_subscription_state`,
	)
	if err != nil {
		return nil, fmt.Errorf("load subscription state: %w", err)
	}
	defer rows.Close()

	var out []subscriptionState
	for rows.Next() {
		var s subscriptionState
		var scopesStr string
		var paramsStr, bootstrap sql.NullString
		if err := rows.Scan(&s.id, &s.table, &scopesStr, &paramsStr, &s.cursor, &bootstrap); err != nil {
			return nil, fmt.Errorf("scan subscription row: %w", err)
		}
		s.scopes = splitCSV(scopesStr)
		if paramsStr.Valid {
			s.params = parseParamsCSV(paramsStr.String)
		}
		if bootstrap.Valid {
			v := bootstrap.String
			s.bootstrapState = &v
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

// upsertSubscriptionState writes back a subscription's cursor and bootstrap
// state after a pull has applied its changes.
func upsertSubscriptionState(ctx context.Context, q querier, s subscriptionState) error {
	var bootstrap any
	if s.bootstrapState != nil {
		bootstrap = *s.bootstrapState
	}
	_, err := q.ExecContext(ctx,
		`INSERT INTO sync_subscription_state (id, "table", scopes, params, cursor, bootstrap_state) VALUES (?, ?, ?, ?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET cursor = excluded.cursor, bootstrap_state = excluded.bootstrap_state`,
		s.id, s.table, joinCSV(s.scopes), joinCSV(paramsToCSV(s.params)), s.cursor, bootstrap,
	)
	if err != nil {
		return fmt.Errorf("upsert subscription state %s: %w", s.id, err)
	}
	return nil
}

// querier is satisfied by both *sql.DB and *sql.Tx, matching
// internal/storage's Querier shape so the client's SQL helpers read the
// same against either.
type querier interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}
