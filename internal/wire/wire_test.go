package wire

import (
	"encoding/json"
	"reflect"
	"testing"
)

func TestPushRequestRoundTrip(t *testing.T) {
	base := int64(3)
	req := PushRequest{
		ClientID:       "c1",
		ClientCommitID: "commit-1",
		SchemaVersion:  1,
		Operations: []Op{
			{Table: "tasks", RowID: "t1", Op: OpUpsert, Payload: json.RawMessage(`{"title":"x"}`), BaseVersion: &base},
			{Table: "tasks", RowID: "t2", Op: OpDelete, BaseVersion: nil},
		},
	}

	data, err := json.Marshal(req)
	if err != nil {
		t.Fatal(err)
	}
	var got PushRequest
	if err := json.Unmarshal(data, &got); err != nil {
		t.Fatal(err)
	}

	if got.ClientID != req.ClientID || got.ClientCommitID != req.ClientCommitID {
		t.Fatalf("got = %+v", got)
	}
	if len(got.Operations) != 2 {
		t.Fatalf("operations = %+v", got.Operations)
	}
	if got.Operations[0].BaseVersion == nil || *got.Operations[0].BaseVersion != 3 {
		t.Fatalf("op0 base version = %+v", got.Operations[0].BaseVersion)
	}
	if got.Operations[1].BaseVersion != nil {
		t.Fatalf("op1 base version = %+v, want nil", got.Operations[1].BaseVersion)
	}
}

// BaseVersion must round-trip as an explicit JSON null (not an omitted
// field), since the server distinguishes "no base version supplied"
// (create) from "base version 0" in the optimistic-concurrency check.
func TestOpBaseVersionSerializesAsExplicitNull(t *testing.T) {
	op := Op{Table: "tasks", RowID: "t1", Op: OpUpsert}
	data, err := json.Marshal(op)
	if err != nil {
		t.Fatal(err)
	}
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		t.Fatal(err)
	}
	v, ok := raw["base_version"]
	if !ok {
		t.Fatal("expected base_version key present in marshaled Op")
	}
	if string(v) != "null" {
		t.Fatalf("base_version = %s, want null", v)
	}
}

func TestPushResponseConflictsOmittedWhenEmpty(t *testing.T) {
	data, err := json.Marshal(PushResponse{AcceptedCommitSeq: 5})
	if err != nil {
		t.Fatal(err)
	}
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		t.Fatal(err)
	}
	if _, ok := raw["conflicts"]; ok {
		t.Fatal("expected conflicts key omitted when empty")
	}
}

func TestPullRequestRoundTrip(t *testing.T) {
	caughtUp := BootstrapCaughtUp
	req := PullRequest{
		ClientID: "c1",
		Subscriptions: []Sub{
			{ID: "sub1", Table: "tasks", Scopes: []string{"project"}, Params: map[string]string{"project_id": "p1"}, Cursor: 10, BootstrapState: &caughtUp},
		},
		LimitCommits:      500,
		LimitSnapshotRows: 100,
		DedupeRows:        true,
	}

	data, err := json.Marshal(req)
	if err != nil {
		t.Fatal(err)
	}
	var got PullRequest
	if err := json.Unmarshal(data, &got); err != nil {
		t.Fatal(err)
	}
	if len(got.Subscriptions) != 1 {
		t.Fatalf("subscriptions = %+v", got.Subscriptions)
	}
	sub := got.Subscriptions[0]
	if sub.BootstrapState == nil || *sub.BootstrapState != BootstrapCaughtUp {
		t.Fatalf("bootstrap state = %+v", sub.BootstrapState)
	}
	if sub.Cursor != 10 || !got.DedupeRows {
		t.Fatalf("got = %+v", got)
	}
}

func TestPullResponseRoundTrip(t *testing.T) {
	resp := PullResponse{
		Snapshots: []Snap{{Table: "tasks", SubscriptionID: "sub1", Rows: []json.RawMessage{json.RawMessage(`{"id":"t1"}`)}, IsFirstPage: true, IsLastPage: true, AnchorCommitSeq: 7}},
		Changes:   []Change{{CommitSeq: 8, Table: "tasks", RowID: "t2", Op: OpUpsert, ScopeKeys: []string{"project:p1"}}},
		Cursor:    8,
		SubscriptionStates: []SubState{
			{ID: "sub1", BootstrapState: BootstrapCaughtUp},
		},
	}

	data, err := json.Marshal(resp)
	if err != nil {
		t.Fatal(err)
	}
	var got PullResponse
	if err := json.Unmarshal(data, &got); err != nil {
		t.Fatal(err)
	}
	if len(got.Snapshots) != 1 || got.Snapshots[0].AnchorCommitSeq != 7 {
		t.Fatalf("snapshots = %+v", got.Snapshots)
	}
	if len(got.Changes) != 1 || got.Changes[0].CommitSeq != 8 {
		t.Fatalf("changes = %+v", got.Changes)
	}
	if got.Cursor != 8 {
		t.Fatalf("cursor = %d, want 8", got.Cursor)
	}
}

func TestCombinedRequestEnvelopeAllowsPushOnlyOrPullOnly(t *testing.T) {
	pushOnly := Request{ClientID: "c1", Push: &PushRequest{ClientID: "c1", ClientCommitID: "a"}}
	data, err := json.Marshal(pushOnly)
	if err != nil {
		t.Fatal(err)
	}
	var got Request
	if err := json.Unmarshal(data, &got); err != nil {
		t.Fatal(err)
	}
	if got.Push == nil || got.Pull != nil {
		t.Fatalf("got = %+v", got)
	}
}

func TestRealtimeEventRoundTrip(t *testing.T) {
	ev := RealtimeEvent{
		Type:             EventCommit,
		CommitSeq:        42,
		PartitionID:      "p1",
		ScopeKeys:        []string{"project:p1"},
		SourceInstanceID: "instance-a",
	}
	data, err := json.Marshal(ev)
	if err != nil {
		t.Fatal(err)
	}
	var got RealtimeEvent
	if err := json.Unmarshal(data, &got); err != nil {
		t.Fatal(err)
	}
	if !reflect.DeepEqual(got, ev) {
		t.Fatalf("got = %+v, want %+v", got, ev)
	}
}
