package syncclient

import (
	"context"
	"database/sql"
	"encoding/json"
	"path/filepath"
	"testing"

	"github.com/marcus/tdsync/internal/wire"
)

func newTestDB(t *testing.T) *sql.DB {
	t.Helper()
	path := filepath.Join(t.TempDir(), "client.db")
	db, err := OpenLocalStore(context.Background(), path)
	if err != nil {
		t.Fatalf("open local store: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

// fakeTransport is a Transport double that records calls and returns
// caller-scripted responses, so engine tests don't need a real HTTP server.
type fakeTransport struct {
	pushResp wire.PushResponse
	pushErr  error
	pushReqs []wire.PushRequest

	pullResp wire.PullResponse
	pullErr  error
	pullReqs []wire.PullRequest
}

func (f *fakeTransport) Push(ctx context.Context, projectID string, req wire.PushRequest) (wire.PushResponse, error) {
	f.pushReqs = append(f.pushReqs, req)
	return f.pushResp, f.pushErr
}

func (f *fakeTransport) Pull(ctx context.Context, projectID string, req wire.PullRequest) (wire.PullResponse, error) {
	f.pullReqs = append(f.pullReqs, req)
	return f.pullResp, f.pullErr
}

// fakeTableHandler records every call the engine dispatches to it.
type fakeTableHandler struct {
	snapshotStarts []string
	snapshotRows   [][]json.RawMessage
	changes        []wire.Change
}

func (h *fakeTableHandler) OnSnapshotStart(ctx context.Context, tx *sql.Tx, subscriptionID string) error {
	h.snapshotStarts = append(h.snapshotStarts, subscriptionID)
	return nil
}

func (h *fakeTableHandler) ApplySnapshot(ctx context.Context, tx *sql.Tx, rows []json.RawMessage) error {
	h.snapshotRows = append(h.snapshotRows, rows)
	return nil
}

func (h *fakeTableHandler) ApplyChange(ctx context.Context, tx *sql.Tx, change wire.Change) error {
	h.changes = append(h.changes, change)
	return nil
}

func TestApplyLocalMutationEnqueuesOutboxAndTimestamp(t *testing.T) {
	db := newTestDB(t)
	e := NewEngine(db, &fakeTransport{}, Config{ClientID: "c1", ProjectID: "p1"}, nil)

	if ts := e.GetMutationTimestamp("tasks", "t1"); ts != 0 {
		t.Fatalf("expected 0 for unknown mutation, got %d", ts)
	}

	err := e.ApplyLocalMutation(context.Background(), "tasks", "t1", wire.OpUpsert, json.RawMessage(`{"title":"x"}`), nil, nil)
	if err != nil {
		t.Fatal(err)
	}

	if ts := e.GetMutationTimestamp("tasks", "t1"); ts == 0 {
		t.Fatal("expected non-zero mutation timestamp after ApplyLocalMutation")
	}

	batch, err := loadOutboxBatch(context.Background(), db, 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(batch) != 1 || batch[0].rowID != "t1" {
		t.Fatalf("outbox batch = %+v", batch)
	}
}

func TestPushOnceDrainsOutboxOnAccept(t *testing.T) {
	db := newTestDB(t)
	transport := &fakeTransport{pushResp: wire.PushResponse{AcceptedCommitSeq: 5}}
	e := NewEngine(db, transport, Config{ClientID: "c1", ProjectID: "p1"}, nil)

	ctx := context.Background()
	if err := e.ApplyLocalMutation(ctx, "tasks", "t1", wire.OpUpsert, json.RawMessage(`{}`), nil, nil); err != nil {
		t.Fatal(err)
	}

	report, err := e.PushOnce(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if report != nil {
		t.Fatalf("expected no conflict report, got %+v", report)
	}
	if len(transport.pushReqs) != 1 || len(transport.pushReqs[0].Operations) != 1 {
		t.Fatalf("transport push calls = %+v", transport.pushReqs)
	}

	batch, err := loadOutboxBatch(ctx, db, 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(batch) != 0 {
		t.Fatalf("expected outbox drained after accepted push, got %d rows", len(batch))
	}
}

func TestPushOnceLeavesOutboxOnConflict(t *testing.T) {
	db := newTestDB(t)
	conflict := wire.Conflict{RowID: "t1", ActualRowVersion: 2}
	transport := &fakeTransport{pushResp: wire.PushResponse{Conflicts: []wire.Conflict{conflict}}}
	e := NewEngine(db, transport, Config{ClientID: "c1", ProjectID: "p1"}, nil)

	ctx := context.Background()
	one := int64(1)
	if err := e.ApplyLocalMutation(ctx, "tasks", "t1", wire.OpUpsert, json.RawMessage(`{}`), &one, nil); err != nil {
		t.Fatal(err)
	}

	report, err := e.PushOnce(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if report == nil || len(report.Conflicts) != 1 || report.Conflicts[0].RowID != "t1" {
		t.Fatalf("report = %+v", report)
	}

	batch, err := loadOutboxBatch(ctx, db, 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(batch) != 1 {
		t.Fatalf("expected conflicting outbox row to remain queued, got %d rows", len(batch))
	}
}

func TestPushOnceNoopWhenOutboxEmpty(t *testing.T) {
	db := newTestDB(t)
	transport := &fakeTransport{}
	e := NewEngine(db, transport, Config{ClientID: "c1", ProjectID: "p1"}, nil)

	report, err := e.PushOnce(context.Background())
	if err != nil || report != nil {
		t.Fatalf("expected no-op, got report=%+v err=%v", report, err)
	}
	if len(transport.pushReqs) != 0 {
		t.Fatal("expected no transport call for an empty outbox")
	}
}

func TestPullOnceAppliesSnapshotAndChanges(t *testing.T) {
	db := newTestDB(t)
	handler := &fakeTableHandler{}

	caughtUp := wire.BootstrapCaughtUp
	ctx := context.Background()
	if err := upsertSubscriptionState(ctx, db, subscriptionState{id: "sub1", table: "tasks", cursor: 0, bootstrapState: nil}); err != nil {
		t.Fatal(err)
	}

	transport := &fakeTransport{
		pullResp: wire.PullResponse{
			Snapshots: []wire.Snap{{
				Table: "tasks", SubscriptionID: "sub1", IsFirstPage: true, IsLastPage: true,
				Rows: []json.RawMessage{json.RawMessage(`{"id":"t1"}`)}, AnchorCommitSeq: 10,
			}},
			Changes:            []wire.Change{{Table: "tasks", RowID: "t2", Op: wire.OpUpsert, CommitSeq: 11}},
			Cursor:             11,
			SubscriptionStates: []wire.SubState{{ID: "sub1", BootstrapState: caughtUp, Cursor: 11}},
		},
	}

	e := NewEngine(db, transport, Config{ClientID: "c1", ProjectID: "p1"}, map[string]TableHandler{"tasks": handler})

	if err := e.PullOnce(ctx); err != nil {
		t.Fatal(err)
	}

	if len(handler.snapshotStarts) != 1 || handler.snapshotStarts[0] != "sub1" {
		t.Fatalf("snapshotStarts = %v", handler.snapshotStarts)
	}
	if len(handler.snapshotRows) != 1 || len(handler.snapshotRows[0]) != 1 {
		t.Fatalf("snapshotRows = %v", handler.snapshotRows)
	}
	if len(handler.changes) != 1 || handler.changes[0].RowID != "t2" {
		t.Fatalf("changes = %v", handler.changes)
	}

	states, err := loadSubscriptionStates(ctx, db)
	if err != nil {
		t.Fatal(err)
	}
	if len(states) != 1 || states[0].cursor != 11 || states[0].bootstrapState == nil || *states[0].bootstrapState != caughtUp {
		t.Fatalf("subscription state after pull = %+v", states[0])
	}
}

// A response carrying two subscriptions must advance each one's persisted
// cursor to its own reported SubState.Cursor, never to the response-wide
// resp.Cursor — otherwise a subscription whose own fetch was skipped or
// truncated this round (and so reports its unchanged previous cursor) gets
// dragged forward past commits it never received.
func TestPullOnceAdvancesEachSubscriptionToItsOwnCursor(t *testing.T) {
	db := newTestDB(t)
	handler := &fakeTableHandler{}
	ctx := context.Background()

	if err := upsertSubscriptionState(ctx, db, subscriptionState{id: "subA", table: "tasks", cursor: 5, bootstrapState: nil}); err != nil {
		t.Fatal(err)
	}
	if err := upsertSubscriptionState(ctx, db, subscriptionState{id: "subB", table: "tasks", cursor: 1, bootstrapState: nil}); err != nil {
		t.Fatal(err)
	}

	caughtUp := wire.BootstrapCaughtUp
	transport := &fakeTransport{
		pullResp: wire.PullResponse{
			Changes: []wire.Change{{Table: "tasks", RowID: "t9", Op: wire.OpUpsert, CommitSeq: 20}},
			Cursor:  20,
			SubscriptionStates: []wire.SubState{
				{ID: "subA", BootstrapState: caughtUp, Cursor: 20},
				{ID: "subB", BootstrapState: caughtUp, Cursor: 1},
			},
		},
	}

	e := NewEngine(db, transport, Config{ClientID: "c1", ProjectID: "p1"}, map[string]TableHandler{"tasks": handler})

	if err := e.PullOnce(ctx); err != nil {
		t.Fatal(err)
	}

	states, err := loadSubscriptionStates(ctx, db)
	if err != nil {
		t.Fatal(err)
	}
	byID := make(map[string]subscriptionState, len(states))
	for _, s := range states {
		byID[s.id] = s
	}
	if byID["subA"].cursor != 20 {
		t.Fatalf("subA cursor = %d, want 20", byID["subA"].cursor)
	}
	if byID["subB"].cursor != 1 {
		t.Fatalf("subB cursor = %d, want unchanged 1 (resp.Cursor=20 must not apply to it)", byID["subB"].cursor)
	}
}

func TestPullOnceNoSubscriptionsIsNoop(t *testing.T) {
	db := newTestDB(t)
	transport := &fakeTransport{}
	e := NewEngine(db, transport, Config{ClientID: "c1", ProjectID: "p1"}, nil)

	if err := e.PullOnce(context.Background()); err != nil {
		t.Fatal(err)
	}
	if len(transport.pullReqs) != 0 {
		t.Fatal("expected no transport call when there are no tracked subscriptions")
	}
}
