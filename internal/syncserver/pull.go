package syncserver

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"github.com/marcus/tdsync/internal/scope"
	"github.com/marcus/tdsync/internal/wire"
)

// Response-size defaults, overridable by the caller's request fields.
const (
	defaultLimitCommits     = 500
	defaultSnapshotPageRows = 500
	defaultMaxSnapshotPages = 4
)

// Pull advances every subscription in req one step: subscriptions still
// bootstrapping get the next snapshot page (or stay pending if this round's
// page budget is spent); caught-up subscriptions get their tail changes
// since their cursor. See §4.3 for the full state machine.
func (s *Server) Pull(ctx context.Context, req wire.PullRequest) (wire.PullResponse, error) {
	limitCommits := req.LimitCommits
	if limitCommits <= 0 {
		limitCommits = defaultLimitCommits
	}
	pageRows := req.LimitSnapshotRows
	if pageRows <= 0 {
		pageRows = defaultSnapshotPageRows
	}
	maxPages := req.MaxSnapshotPages
	if maxPages <= 0 {
		maxPages = defaultMaxSnapshotPages
	}

	var (
		resp            wire.PullResponse
		pagesUsed       int
		commitsUsed     int
		maxCursor       int64
		rawChanges      []wire.Change
		snapshotRowKeys = make(map[string]struct{})
	)

	for _, sub := range req.Subscriptions {
		effective, err := s.effectiveScopeSet(sub)
		if err != nil {
			return wire.PullResponse{}, newErr(KindValidation, fmt.Sprintf("subscription %s: %v", sub.ID, err), err)
		}

		phase, anchor, offset := parseBootstrapState(sub.BootstrapState)

		if phase != wire.BootstrapCaughtUp {
			if phase == "" {
				phase = wire.BootstrapNull
			}
			if phase == wire.BootstrapNull {
				a, err := currentMaxCommitSeq(ctx, s.DB)
				if err != nil {
					return wire.PullResponse{}, newErr(KindTransient, "read anchor commit", err)
				}
				anchor, offset = a, 0
			}

			if pagesUsed >= maxPages {
				resp.SubscriptionStates = append(resp.SubscriptionStates, wire.SubState{
					ID:             sub.ID,
					BootstrapState: encodeBootstrapState(wire.BootstrapPending, anchor, offset),
					Cursor:         sub.Cursor,
				})
				resp.More = true
				continue
			}

			rows, rowIDs, nextOffset, hasMore, err := s.fetchSnapshotPage(ctx, sub.Table, effective, anchor, offset, pageRows)
			if err != nil {
				return wire.PullResponse{}, newErr(KindTransient, "fetch snapshot page", err)
			}
			pagesUsed++
			for _, id := range rowIDs {
				snapshotRowKeys[rowKey(sub.Table, id)] = struct{}{}
			}

			resp.Snapshots = append(resp.Snapshots, wire.Snap{
				Table:           sub.Table,
				Rows:            rows,
				IsFirstPage:     offset == 0,
				IsLastPage:      !hasMore,
				SubscriptionID:  sub.ID,
				AnchorCommitSeq: anchor,
			})

			if hasMore {
				resp.More = true
				resp.SubscriptionStates = append(resp.SubscriptionStates, wire.SubState{
					ID:             sub.ID,
					BootstrapState: encodeBootstrapState(wire.BootstrapSnapInFly, anchor, nextOffset),
					Cursor:         sub.Cursor,
				})
			} else {
				resp.SubscriptionStates = append(resp.SubscriptionStates, wire.SubState{
					ID:             sub.ID,
					BootstrapState: wire.BootstrapCaughtUp,
					Cursor:         anchor,
				})
				if anchor > maxCursor {
					maxCursor = anchor
				}
			}
			continue
		}

		// Caught-up: stream tail changes since this subscription's cursor.
		// subCursor only ever advances to a commit_seq this subscription was
		// actually shown in full this round; it stays at sub.Cursor whenever
		// the shared commit budget was exhausted before reaching this
		// subscription, or the subscription's own fetch was truncated.
		remaining := limitCommits - commitsUsed
		if remaining <= 0 {
			resp.More = true
			resp.SubscriptionStates = append(resp.SubscriptionStates, wire.SubState{ID: sub.ID, BootstrapState: wire.BootstrapCaughtUp, Cursor: sub.Cursor})
			continue
		}
		changes, hasMore, err := s.fetchChangesSince(ctx, sub.Table, effective, sub.Cursor, remaining)
		if err != nil {
			return wire.PullResponse{}, newErr(KindTransient, "fetch tail changes", err)
		}
		commitsUsed += len(changes)
		if hasMore {
			resp.More = true
		}

		subCursor := safeSubscriptionCursor(sub.Cursor, changes, hasMore)
		if subCursor > maxCursor {
			maxCursor = subCursor
		}

		rawChanges = append(rawChanges, changes...)
		resp.SubscriptionStates = append(resp.SubscriptionStates, wire.SubState{ID: sub.ID, BootstrapState: wire.BootstrapCaughtUp, Cursor: subCursor})
	}

	resp.Changes = dedupeChanges(rawChanges, req.DedupeRows, snapshotRowKeys)
	resp.Cursor = maxCursor
	return resp, nil
}

// safeSubscriptionCursor computes the furthest commit_seq a subscription's
// own tail-change fetch can safely advance to this round. When the fetch
// wasn't truncated, that's simply the last change's commit_seq (or the
// subscription's existing cursor if there were no changes at all). When
// truncated, a commit's rows can straddle the page boundary (one push can
// touch several rows at the same commit_seq), so any trailing rows sharing
// the last-returned commit_seq are excluded from the boundary — they may be
// an incomplete slice of that commit, and fetchChangesSince will re-deliver
// the whole commit (idempotently) on the next pull once prior commits have
// advanced the cursor past it.
func safeSubscriptionCursor(prevCursor int64, changes []wire.Change, truncated bool) int64 {
	if len(changes) == 0 {
		return prevCursor
	}
	if !truncated {
		return changes[len(changes)-1].CommitSeq
	}
	last := changes[len(changes)-1].CommitSeq
	end := len(changes)
	for end > 0 && changes[end-1].CommitSeq == last {
		end--
	}
	if end == 0 {
		return prevCursor
	}
	return changes[end-1].CommitSeq
}

func (s *Server) effectiveScopeSet(sub wire.Sub) (map[string]struct{}, error) {
	if s.Scopes == nil || len(sub.Scopes) == 0 {
		return nil, nil
	}
	var bound [][]string
	for _, kind := range sub.Scopes {
		keys, err := s.Scopes.Bind(sub.Table, kind, sub.Params)
		if err != nil {
			return nil, err
		}
		bound = append(bound, keys)
	}
	return scope.EffectiveScopes(bound), nil
}

// parseBootstrapState decodes the bootstrap-state string a client echoed
// back. "snapshot-in-progress:<anchor>:<offset>" and
// "pending-snapshot:<anchor>:<offset>" carry the continuation point; a nil
// or empty value means the subscription has never bootstrapped.
func parseBootstrapState(raw *string) (phase string, anchor int64, offset int) {
	if raw == nil || *raw == "" {
		return wire.BootstrapNull, 0, 0
	}
	parts := strings.Split(*raw, ":")
	phase = parts[0]
	if len(parts) >= 3 {
		fmt.Sscanf(parts[1], "%d", &anchor)
		fmt.Sscanf(parts[2], "%d", &offset)
	}
	return phase, anchor, offset
}

func encodeBootstrapState(phase string, anchor int64, offset int) string {
	return fmt.Sprintf("%s:%d:%d", phase, anchor, offset)
}

func currentMaxCommitSeq(ctx context.Context, q interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}) (int64, error) {
	var seq sql.NullInt64
	if err := q.QueryRowContext(ctx, `SELECT MAX(commit_seq) FROM sync_commits`).Scan(&seq); err != nil {
		return 0, err
	}
	return seq.Int64, nil
}

// fetchSnapshotPage returns the current (non-tombstoned) state of rows in
// table as of anchor, ordered by row_id for deterministic paging, along
// with the row_id of each returned row so the caller can track which keys
// this response already delivered authoritatively via snapshot. It replays
// sync_changes rather than reading a live app table, since this engine's
// only durable record of row content is the commit log itself.
func (s *Server) fetchSnapshotPage(ctx context.Context, table string, effective map[string]struct{}, anchor int64, offset, limit int) ([]json.RawMessage, []string, int, bool, error) {
	where, args := scopeFilter(effective)
	query := fmt.Sprintf(`
		SELECT row_id, row_json FROM (
			SELECT row_id, row_json, op,
			       ROW_NUMBER() OVER (PARTITION BY row_id ORDER BY commit_seq DESC, seq_in_commit DESC) AS rn
			FROM sync_changes
			WHERE "table" = ? AND commit_seq <= ?%s
		) WHERE rn = 1 AND op = 'upsert'
		ORDER BY row_id
		LIMIT ? OFFSET ?`, where)

	queryArgs := append([]any{table, anchor}, args...)
	queryArgs = append(queryArgs, limit+1, offset)

	rows, err := s.DB.QueryContext(ctx, query, queryArgs...)
	if err != nil {
		return nil, nil, 0, false, err
	}
	defer rows.Close()

	var out []json.RawMessage
	var rowIDs []string
	for rows.Next() {
		var rowID string
		var rowJSON string
		if err := rows.Scan(&rowID, &rowJSON); err != nil {
			return nil, nil, 0, false, err
		}
		out = append(out, json.RawMessage(rowJSON))
		rowIDs = append(rowIDs, rowID)
	}
	if err := rows.Err(); err != nil {
		return nil, nil, 0, false, err
	}

	hasMore := len(out) > limit
	if hasMore {
		out = out[:limit]
		rowIDs = rowIDs[:limit]
	}
	return out, rowIDs, offset + len(out), hasMore, nil
}

// fetchChangesSince streams commits after cursor for table, filtered by the
// subscription's effective scope set, newest-last, up to limit rows.
func (s *Server) fetchChangesSince(ctx context.Context, table string, effective map[string]struct{}, cursor int64, limit int) ([]wire.Change, bool, error) {
	where, args := scopeFilter(effective)
	query := fmt.Sprintf(`
		SELECT commit_seq, seq_in_commit, "table", row_id, op, row_json, row_version, scope_keys
		FROM sync_changes
		WHERE "table" = ? AND commit_seq > ?%s
		ORDER BY commit_seq, seq_in_commit
		LIMIT ?`, where)

	queryArgs := append([]any{table, cursor}, args...)
	queryArgs = append(queryArgs, limit+1)

	rows, err := s.DB.QueryContext(ctx, query, queryArgs...)
	if err != nil {
		return nil, false, err
	}
	defer rows.Close()

	var out []wire.Change
	for rows.Next() {
		var c wire.Change
		var rowJSON sql.NullString
		var scopeKeys string
		if err := rows.Scan(&c.CommitSeq, &c.SeqInCommit, &c.Table, &c.RowID, &c.Op, &rowJSON, &c.RowVersion, &scopeKeys); err != nil {
			return nil, false, err
		}
		if rowJSON.Valid {
			c.RowJSON = json.RawMessage(rowJSON.String)
		}
		c.ScopeKeys = decodeScopeKeys(scopeKeys)
		out = append(out, c)
	}
	if err := rows.Err(); err != nil {
		return nil, false, err
	}

	hasMore := len(out) > limit
	if hasMore {
		out = out[:limit]
	}
	return out, hasMore, nil
}

// scopeFilter builds a SQL fragment matching rows whose scope_keys column
// (stored as ",k1,k2,") contains any key from effective. A nil/empty
// effective set means no scope filtering (the subscription wants the whole
// table).
func scopeFilter(effective map[string]struct{}) (string, []any) {
	if len(effective) == 0 {
		return "", nil
	}
	keys := make([]string, 0, len(effective))
	for k := range effective {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var clauses []string
	args := make([]any, 0, len(keys))
	for _, k := range keys {
		clauses = append(clauses, `scope_keys LIKE '%,' || ? || ',%'`)
		args = append(args, k)
	}
	return " AND (" + strings.Join(clauses, " OR ") + ")", args
}

func decodeScopeKeys(s string) []string {
	s = strings.Trim(s, ",")
	if s == "" {
		return nil
	}
	return strings.Split(s, ",")
}

// dedupeChanges keeps, per (table, row_id), only the highest-commit_seq
// change when dedupe is requested — overlapping subscriptions can otherwise
// deliver the same row twice in one response — and drops any change whose
// key was already delivered via a snapshot row in this same response: a
// snapshot page reflects the row's full current state, so a change row for
// the same key is redundant at best and stale at worst.
func dedupeChanges(changes []wire.Change, dedupe bool, snapshotRowKeys map[string]struct{}) []wire.Change {
	if !dedupe {
		sort.Slice(changes, func(i, j int) bool {
			if changes[i].CommitSeq != changes[j].CommitSeq {
				return changes[i].CommitSeq < changes[j].CommitSeq
			}
			return changes[i].SeqInCommit < changes[j].SeqInCommit
		})
		return changes
	}

	best := make(map[string]wire.Change, len(changes))
	for _, c := range changes {
		k := rowKey(c.Table, c.RowID)
		if _, snapshotted := snapshotRowKeys[k]; snapshotted {
			continue
		}
		if cur, ok := best[k]; !ok || c.CommitSeq > cur.CommitSeq {
			best[k] = c
		}
	}
	out := make([]wire.Change, 0, len(best))
	for _, c := range best {
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CommitSeq != out[j].CommitSeq {
			return out[i].CommitSeq < out[j].CommitSeq
		}
		return out[i].SeqInCommit < out[j].SeqInCommit
	})
	return out
}
