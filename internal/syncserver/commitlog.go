package syncserver

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/marcus/tdsync/internal/wire"
)

// Push validates and atomically appends a client-proposed batch of
// operations to the partition's commit log, following §4.2's algorithm:
// idempotent replay, per-row optimistic concurrency, atomic all-or-nothing
// conflict rejection, monotonic commit_seq/row_version allocation.
func (s *Server) Push(ctx context.Context, req wire.PushRequest) (wire.PushResponse, error) {
	if req.ClientID == "" {
		return wire.PushResponse{}, newErr(KindValidation, "clientId is required", nil)
	}
	if req.ClientCommitID == "" {
		return wire.PushResponse{}, newErr(KindValidation, "clientCommitId is required", nil)
	}
	if len(req.Operations) == 0 {
		return wire.PushResponse{}, newErr(KindValidation, "operations must be non-empty", nil)
	}
	if seen := duplicateRowInCommit(req.Operations); seen != "" {
		return wire.PushResponse{}, newErr(KindValidation, fmt.Sprintf("DuplicateRowInCommit: row_id %q appears twice", seen), nil)
	}

	// Step 1: serialize all commit-log writers for this partition.
	unlock := s.locks.Lock(s.PartitionID)
	defer unlock()

	tx, err := s.DB.BeginTx(ctx, nil)
	if err != nil {
		return wire.PushResponse{}, newErr(KindTransient, "begin tx", err)
	}
	defer tx.Rollback()

	// Step 2: idempotent replay check.
	if seq, ok, err := lookupPriorCommit(ctx, tx, req.ClientID, req.ClientCommitID); err != nil {
		return wire.PushResponse{}, newErr(KindTransient, "lookup prior commit", err)
	} else if ok {
		return wire.PushResponse{AcceptedCommitSeq: seq}, nil
	}

	// Step 3: per-row optimistic concurrency check; atomic all-or-nothing.
	var conflicts []wire.Conflict
	currentVersions := make(map[string]rowState, len(req.Operations))
	for _, op := range req.Operations {
		rs, err := currentRowState(ctx, tx, op.Table, op.RowID)
		if err != nil {
			return wire.PushResponse{}, newErr(KindTransient, "read row version", err)
		}
		currentVersions[rowKey(op.Table, op.RowID)] = rs

		if op.BaseVersion != nil && *op.BaseVersion != rs.version {
			conflicts = append(conflicts, wire.Conflict{
				RowID:               op.RowID,
				ExpectedBaseVersion: op.BaseVersion,
				ActualRowVersion:    rs.version,
			})
			continue
		}
		if op.Op == wire.OpDelete && op.BaseVersion != nil && rs.version == 0 {
			// Delete of a non-existent row with an explicit base_version:
			// treated as a conflict (there is nothing at that version).
			conflicts = append(conflicts, wire.Conflict{
				RowID:               op.RowID,
				ExpectedBaseVersion: op.BaseVersion,
				ActualRowVersion:    0,
			})
		}
	}
	if len(conflicts) > 0 {
		return wire.PushResponse{Conflicts: conflicts}, nil
	}

	// Step 4: allocate commit_seq (AUTOINCREMENT on sync_commits does this).
	now := time.Now().UTC()
	res, err := tx.ExecContext(ctx,
		`INSERT INTO sync_commits (partition_id, client_id, client_commit_id, actor_id, created_at) VALUES (?, ?, ?, ?, ?)`,
		s.PartitionID, req.ClientID, req.ClientCommitID, req.ClientID, now,
	)
	if err != nil {
		return wire.PushResponse{}, newErr(KindTransient, "insert commit", err)
	}
	commitSeq, err := res.LastInsertId()
	if err != nil {
		return wire.PushResponse{}, newErr(KindTransient, "last insert id", err)
	}

	// Step 5-6: write changes with dense seq_in_commit and assigned
	// row_version, then update sync_row_versions.
	scopeKeysByOp := make([][]string, len(req.Operations))
	for i, op := range req.Operations {
		rs := currentVersions[rowKey(op.Table, op.RowID)]
		newVersion := rs.version + 1
		tombstoned := op.Op == wire.OpDelete

		scopeKeys := s.scopeKeysFor(op)
		scopeKeysByOp[i] = scopeKeys

		var rowJSON any
		if op.Op == wire.OpUpsert {
			rowJSON = string(op.Payload)
		} else {
			rowJSON = nil
		}

		if _, err := tx.ExecContext(ctx,
			`INSERT INTO sync_changes (commit_seq, seq_in_commit, "table", row_id, op, row_json, row_version, scope_keys) VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
			commitSeq, i, op.Table, op.RowID, op.Op, rowJSON, newVersion, encodeScopeKeys(scopeKeys),
		); err != nil {
			return wire.PushResponse{}, newErr(KindTransient, "insert change", err)
		}

		if _, err := tx.ExecContext(ctx,
			`INSERT INTO sync_row_versions ("table", row_id, row_version, tombstoned) VALUES (?, ?, ?, ?)
			 ON CONFLICT("table", row_id) DO UPDATE SET row_version = excluded.row_version, tombstoned = excluded.tombstoned`,
			op.Table, op.RowID, newVersion, boolToInt(tombstoned),
		); err != nil {
			return wire.PushResponse{}, newErr(KindTransient, "upsert row version", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return wire.PushResponse{}, newErr(KindTransient, "commit tx", err)
	}

	// Step 8: best-effort realtime broadcast, fire-and-forget.
	if s.Broadcast != nil {
		var allScopes []string
		for _, ks := range scopeKeysByOp {
			allScopes = append(allScopes, ks...)
		}
		s.Broadcast.Publish(wire.RealtimeEvent{
			Type:             wire.EventCommit,
			CommitSeq:        commitSeq,
			PartitionID:      s.PartitionID,
			ScopeKeys:        dedupeStrings(allScopes),
			SourceInstanceID: s.InstanceID,
		})
	}

	return wire.PushResponse{AcceptedCommitSeq: commitSeq}, nil
}

func (s *Server) scopeKeysFor(op wire.Op) []string {
	if s.Scopes == nil || op.Op != wire.OpUpsert || len(op.Payload) == 0 {
		return nil
	}
	var row map[string]any
	if err := json.Unmarshal(op.Payload, &row); err != nil {
		return nil
	}
	return s.Scopes.ScopeKeysForRow(op.Table, row)
}

type rowState struct {
	version    int64
	tombstoned bool
}

func currentRowState(ctx context.Context, tx interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}, table, rowID string) (rowState, error) {
	var rs rowState
	var tomb int
	err := tx.QueryRowContext(ctx,
		`SELECT row_version, tombstoned FROM sync_row_versions WHERE "table" = ? AND row_id = ?`,
		table, rowID,
	).Scan(&rs.version, &tomb)
	if err == sql.ErrNoRows {
		return rowState{}, nil
	}
	if err != nil {
		return rowState{}, err
	}
	rs.tombstoned = tomb != 0
	return rs, nil
}

func lookupPriorCommit(ctx context.Context, tx interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}, clientID, clientCommitID string) (int64, bool, error) {
	var seq int64
	err := tx.QueryRowContext(ctx,
		`SELECT commit_seq FROM sync_commits WHERE client_id = ? AND client_commit_id = ?`,
		clientID, clientCommitID,
	).Scan(&seq)
	if err == sql.ErrNoRows {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, err
	}
	return seq, true, nil
}

func duplicateRowInCommit(ops []wire.Op) string {
	seen := make(map[string]struct{}, len(ops))
	for _, op := range ops {
		k := rowKey(op.Table, op.RowID)
		if _, ok := seen[k]; ok {
			return op.RowID
		}
		seen[k] = struct{}{}
	}
	return ""
}

func rowKey(table, rowID string) string { return table + "\x00" + rowID }

// encodeScopeKeys joins scope keys wrapped in leading/trailing commas so a
// membership test can use a plain SQL LIKE '%,key,%' without matching on
// partial key prefixes/suffixes.
func encodeScopeKeys(keys []string) string {
	if len(keys) == 0 {
		return ""
	}
	return "," + strings.Join(keys, ",") + ","
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func dedupeStrings(in []string) []string {
	seen := make(map[string]struct{}, len(in))
	var out []string
	for _, s := range in {
		if _, ok := seen[s]; ok {
			continue
		}
		seen[s] = struct{}{}
		out = append(out, s)
	}
	return out
}
