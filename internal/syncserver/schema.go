package syncserver

import (
	"context"
	"database/sql"
	"fmt"
)

// SchemaVersion is the current partition database schema version.
const SchemaVersion = 1

const partitionSchema = `
CREATE TABLE IF NOT EXISTS sync_commits (
	commit_seq       INTEGER PRIMARY KEY AUTOINCREMENT,
	partition_id     TEXT NOT NULL,
	client_id        TEXT NOT NULL,
	client_commit_id TEXT NOT NULL,
	actor_id         TEXT NOT NULL DEFAULT '',
	created_at       DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
	UNIQUE(client_id, client_commit_id)
);

CREATE TABLE IF NOT EXISTS sync_changes (
	commit_seq    INTEGER NOT NULL,
	seq_in_commit INTEGER NOT NULL,
	"table"       TEXT NOT NULL,
	row_id        TEXT NOT NULL,
	op            TEXT NOT NULL CHECK(op IN ('upsert','delete')),
	row_json      TEXT,
	row_version   INTEGER NOT NULL,
	scope_keys    TEXT NOT NULL DEFAULT '',
	PRIMARY KEY (commit_seq, seq_in_commit),
	FOREIGN KEY (commit_seq) REFERENCES sync_commits(commit_seq)
);
CREATE INDEX IF NOT EXISTS idx_sync_changes_table_row ON sync_changes("table", row_id);
CREATE INDEX IF NOT EXISTS idx_sync_changes_seq ON sync_changes(commit_seq);

CREATE TABLE IF NOT EXISTS sync_row_versions (
	"table"     TEXT NOT NULL,
	row_id      TEXT NOT NULL,
	row_version INTEGER NOT NULL,
	tombstoned  INTEGER NOT NULL DEFAULT 0,
	PRIMARY KEY ("table", row_id)
);

CREATE TABLE IF NOT EXISTS sync_client_cursors (
	partition_id    TEXT NOT NULL,
	client_id       TEXT NOT NULL,
	cursor          INTEGER NOT NULL DEFAULT 0,
	actor_id        TEXT NOT NULL DEFAULT '',
	scopes          TEXT NOT NULL DEFAULT '',
	connection_mode TEXT NOT NULL DEFAULT '',
	activity_state  TEXT NOT NULL DEFAULT '',
	updated_at      DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
	PRIMARY KEY (partition_id, client_id)
);

CREATE TABLE IF NOT EXISTS sync_blob_uploads (
	id          TEXT PRIMARY KEY,
	status      TEXT NOT NULL DEFAULT 'pending',
	expires_at  DATETIME,
	created_at  DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
);
CREATE INDEX IF NOT EXISTS idx_sync_blob_uploads_status ON sync_blob_uploads(status);
CREATE INDEX IF NOT EXISTS idx_sync_blob_uploads_expires ON sync_blob_uploads(expires_at);

CREATE TABLE IF NOT EXISTS sync_blobs (
	hash        TEXT PRIMARY KEY,
	size_bytes  INTEGER NOT NULL,
	created_at  DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
);

CREATE TABLE IF NOT EXISTS schema_info (
	key   TEXT PRIMARY KEY,
	value TEXT NOT NULL
);
`

// Migration is a single versioned schema upgrade.
type Migration struct {
	Version     int
	Description string
	SQL         string
}

// Migrations holds upgrades applied in order after the base schema. Empty
// for schema version 1; future column/index additions land here.
var Migrations = []Migration{}

// InitSchema creates the partition's tables if they don't already exist and
// runs any pending migrations. Safe to call on every open.
func InitSchema(ctx context.Context, db *sql.DB) error {
	if _, err := db.ExecContext(ctx, partitionSchema); err != nil {
		return fmt.Errorf("create partition schema: %w", err)
	}
	return runMigrations(ctx, db)
}

func runMigrations(ctx context.Context, db *sql.DB) error {
	version := getSchemaVersion(ctx, db)
	if version >= SchemaVersion {
		return nil
	}
	for _, m := range Migrations {
		if m.Version <= version {
			continue
		}
		if _, err := db.ExecContext(ctx, m.SQL); err != nil {
			return fmt.Errorf("migration %d (%s): %w", m.Version, m.Description, err)
		}
		if err := setSchemaVersion(ctx, db, m.Version); err != nil {
			return err
		}
	}
	if version == 0 {
		return setSchemaVersion(ctx, db, SchemaVersion)
	}
	return nil
}

func getSchemaVersion(ctx context.Context, db *sql.DB) int {
	var raw string
	if err := db.QueryRowContext(ctx, `SELECT value FROM schema_info WHERE key = 'version'`).Scan(&raw); err != nil {
		return 0
	}
	var v int
	fmt.Sscanf(raw, "%d", &v)
	return v
}

func setSchemaVersion(ctx context.Context, db *sql.DB, version int) error {
	_, err := db.ExecContext(ctx,
		`INSERT OR REPLACE INTO schema_info (key, value) VALUES ('version', ?)`,
		fmt.Sprintf("%d", version))
	return err
}
