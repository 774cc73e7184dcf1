package store

import (
	"context"
	"path/filepath"
	"testing"

	"perpstrategy/pkg/types"
)

type snapshotValue struct {
	Name  string
	Count int
}

func openTestStore(t *testing.T) *Store {
	t.Helper()
	dir := t.TempDir()
	st, err := Open(filepath.Join(dir, "test.sqlite"))
	if err != nil {
		t.Fatalf("Open() error: %v", err)
	}
	t.Cleanup(func() { st.Close() })
	return st
}

func TestPersistAndLoadSnapshotRoundTrip(t *testing.T) {
	st := openTestStore(t)
	ctx := context.Background()

	want := snapshotValue{Name: "twap-1", Count: 3}
	if err := st.PersistSnapshot(ctx, types.KindTWAP, "id-1", want); err != nil {
		t.Fatalf("PersistSnapshot() error: %v", err)
	}

	var got snapshotValue
	ok, err := st.LoadSnapshot(ctx, types.KindTWAP, "id-1", &got)
	if err != nil {
		t.Fatalf("LoadSnapshot() error: %v", err)
	}
	if !ok {
		t.Fatalf("LoadSnapshot() ok=false, want true")
	}
	if got != want {
		t.Fatalf("LoadSnapshot() = %+v, want %+v", got, want)
	}
}

func TestPersistSnapshotOverwritesOnConflict(t *testing.T) {
	st := openTestStore(t)
	ctx := context.Background()

	if err := st.PersistSnapshot(ctx, types.KindTWAP, "id-1", snapshotValue{Name: "a", Count: 1}); err != nil {
		t.Fatalf("PersistSnapshot() error: %v", err)
	}
	if err := st.PersistSnapshot(ctx, types.KindTWAP, "id-1", snapshotValue{Name: "b", Count: 2}); err != nil {
		t.Fatalf("PersistSnapshot() error: %v", err)
	}

	var got snapshotValue
	ok, err := st.LoadSnapshot(ctx, types.KindTWAP, "id-1", &got)
	if err != nil || !ok {
		t.Fatalf("LoadSnapshot() ok=%v err=%v", ok, err)
	}
	if got.Name != "b" || got.Count != 2 {
		t.Fatalf("LoadSnapshot() = %+v, want the latest write", got)
	}
}

func TestLoadSnapshotMissingReturnsNotOK(t *testing.T) {
	st := openTestStore(t)
	var got snapshotValue
	ok, err := st.LoadSnapshot(context.Background(), types.KindTWAP, "nonexistent", &got)
	if err != nil {
		t.Fatalf("LoadSnapshot() error: %v", err)
	}
	if ok {
		t.Fatalf("LoadSnapshot() ok=true for a snapshot that was never persisted")
	}
}

func TestDeleteSnapshotRemovesRecord(t *testing.T) {
	st := openTestStore(t)
	ctx := context.Background()
	if err := st.PersistSnapshot(ctx, types.KindTrailStop, "tr-1", snapshotValue{Name: "x"}); err != nil {
		t.Fatalf("PersistSnapshot() error: %v", err)
	}
	if err := st.DeleteSnapshot(ctx, types.KindTrailStop, "tr-1"); err != nil {
		t.Fatalf("DeleteSnapshot() error: %v", err)
	}
	var got snapshotValue
	ok, err := st.LoadSnapshot(ctx, types.KindTrailStop, "tr-1", &got)
	if err != nil {
		t.Fatalf("LoadSnapshot() error: %v", err)
	}
	if ok {
		t.Fatalf("expected snapshot to be gone after Delete")
	}
}

func TestListSnapshotIDsStripsKindPrefixAndFiltersByKind(t *testing.T) {
	st := openTestStore(t)
	ctx := context.Background()

	if err := st.PersistSnapshot(ctx, types.KindTWAP, "abc", snapshotValue{Name: "1"}); err != nil {
		t.Fatal(err)
	}
	if err := st.PersistSnapshot(ctx, types.KindTWAP, "def", snapshotValue{Name: "2"}); err != nil {
		t.Fatal(err)
	}
	if err := st.PersistSnapshot(ctx, types.KindTrailStop, "abc", snapshotValue{Name: "3"}); err != nil {
		t.Fatal(err)
	}

	ids, err := st.ListSnapshotIDs(ctx, types.KindTWAP)
	if err != nil {
		t.Fatalf("ListSnapshotIDs() error: %v", err)
	}
	if len(ids) != 2 {
		t.Fatalf("ListSnapshotIDs() returned %d ids, want 2: %v", len(ids), ids)
	}
	seen := map[string]bool{}
	for _, id := range ids {
		seen[id] = true
		if id != "abc" && id != "def" {
			t.Fatalf("ListSnapshotIDs() returned unstripped or foreign id %q", id)
		}
	}
	if !seen["abc"] || !seen["def"] {
		t.Fatalf("ListSnapshotIDs() = %v, want [abc def]", ids)
	}
}

func TestRecordSentAndResultReconciliation(t *testing.T) {
	st := openTestStore(t)
	ctx := context.Background()

	env := types.CommandEnvelope{RequestID: 42, IdempotencyKey: "idem-1", Op: types.OpTrade, Payload: map[string]string{"a": "b"}}
	if err := st.RecordSent(ctx, env); err != nil {
		t.Fatalf("RecordSent() error: %v", err)
	}

	unreconciled, err := st.UnreconciledCommands(ctx)
	if err != nil {
		t.Fatalf("UnreconciledCommands() error: %v", err)
	}
	if len(unreconciled) != 1 || unreconciled[0].RequestID != 42 {
		t.Fatalf("UnreconciledCommands() = %+v, want one entry for request 42", unreconciled)
	}

	if err := st.RecordResult(ctx, 42, "accepted"); err != nil {
		t.Fatalf("RecordResult() error: %v", err)
	}

	unreconciled, err = st.UnreconciledCommands(ctx)
	if err != nil {
		t.Fatalf("UnreconciledCommands() error: %v", err)
	}
	if len(unreconciled) != 0 {
		t.Fatalf("UnreconciledCommands() = %+v, want empty after RecordResult", unreconciled)
	}
}
