package serverdb

import (
	"database/sql"
	"fmt"
	"time"
)

// SyncCursor is a best-effort "last seen" record for a (project, client)
// pair, refreshed whenever that client completes a pull. It exists for
// admin visibility into client sync lag; it is never consulted to decide
// what a pull actually returns, and it can lag or race the authoritative
// per-subscription cursors a project partition's sync_client_cursors table
// tracks.
type SyncCursor struct {
	ProjectID  string
	ClientID   string
	LastCursor int64
	LastSyncAt *time.Time
}

// UpsertSyncCursor records that clientID observed cursor lastCursor in
// projectID as of now. Overwrites any earlier, lower value: out-of-order
// delivery of a slow request must never regress this telemetry below what a
// faster concurrent request already reported.
func (db *ServerDB) UpsertSyncCursor(projectID, clientID string, lastCursor int64) error {
	now := time.Now().UTC()
	_, err := db.conn.Exec(`
		INSERT INTO sync_cursors (project_id, client_id, last_cursor, last_sync_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(project_id, client_id)
		DO UPDATE SET
			last_cursor = MAX(last_cursor, excluded.last_cursor),
			last_sync_at = excluded.last_sync_at
	`, projectID, clientID, lastCursor, now)
	if err != nil {
		return fmt.Errorf("upsert sync cursor: %w", err)
	}
	return nil
}

// GetSyncCursor returns the last reported cursor for a project/client pair,
// or nil if that client has never completed a pull.
func (db *ServerDB) GetSyncCursor(projectID, clientID string) (*SyncCursor, error) {
	c := &SyncCursor{}
	err := db.conn.QueryRow(
		`SELECT project_id, client_id, last_cursor, last_sync_at FROM sync_cursors WHERE project_id = ? AND client_id = ?`,
		projectID, clientID,
	).Scan(&c.ProjectID, &c.ClientID, &c.LastCursor, &c.LastSyncAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get sync cursor: %w", err)
	}
	return c, nil
}

// ListSyncCursors returns every client's last-seen cursor in a project,
// newest first, for an admin-facing lag report.
func (db *ServerDB) ListSyncCursors(projectID string) ([]*SyncCursor, error) {
	rows, err := db.conn.Query(
		`SELECT project_id, client_id, last_cursor, last_sync_at FROM sync_cursors WHERE project_id = ? ORDER BY last_sync_at DESC`,
		projectID,
	)
	if err != nil {
		return nil, fmt.Errorf("list sync cursors: %w", err)
	}
	defer rows.Close()

	var out []*SyncCursor
	for rows.Next() {
		c := &SyncCursor{}
		if err := rows.Scan(&c.ProjectID, &c.ClientID, &c.LastCursor, &c.LastSyncAt); err != nil {
			return nil, fmt.Errorf("scan sync cursor: %w", err)
		}
		out = append(out, c)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return out, nil
}
