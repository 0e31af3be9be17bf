package status

import (
	"path/filepath"
	"testing"

	"github.com/quantumlayer-platform/orchestrator-core/internal/storage"
	"github.com/quantumlayer-platform/orchestrator-core/internal/types"
)

type fakeSource struct {
	snap map[string]types.StatusSnapshot
}

func (f fakeSource) GetStatus(workflowID string) (types.StatusSnapshot, bool) {
	s, ok := f.snap[workflowID]
	return s, ok
}

func openTestStore(t *testing.T) *storage.Store {
	t.Helper()
	s, err := storage.Open(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("storage.Open failed: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestGetStatusReturnsKnownSnapshot(t *testing.T) {
	src := fakeSource{snap: map[string]types.StatusSnapshot{"wf1": {WorkflowID: "wf1", State: types.WorkflowRunning}}}
	a := New(src, openTestStore(t))

	snap, err := a.GetStatus("wf1")
	if err != nil {
		t.Fatalf("GetStatus failed: %v", err)
	}
	if snap.State != types.WorkflowRunning {
		t.Fatalf("expected running, got %s", snap.State)
	}
}

func TestGetStatusErrorsForUnknownWorkflow(t *testing.T) {
	a := New(fakeSource{snap: map[string]types.StatusSnapshot{}}, openTestStore(t))
	if _, err := a.GetStatus("unknown"); err == nil {
		t.Fatalf("expected an error for an unknown workflow")
	}
}

func TestGetResultErrorsBeforeTerminal(t *testing.T) {
	src := fakeSource{snap: map[string]types.StatusSnapshot{"wf1": {WorkflowID: "wf1", State: types.WorkflowRunning}}}
	a := New(src, openTestStore(t))
	if _, err := a.GetResult("wf1", "req1"); err == nil {
		t.Fatalf("expected an error for a non-terminal workflow")
	}
}

func TestGetResultReturnsPersistedManifestAfterSuccess(t *testing.T) {
	store := openTestStore(t)
	if err := store.SaveCapsule("req1", types.CapsuleManifest{CapsuleID: "cap1", RequestID: "req1"}); err != nil {
		t.Fatalf("SaveCapsule failed: %v", err)
	}
	src := fakeSource{snap: map[string]types.StatusSnapshot{"wf1": {WorkflowID: "wf1", State: types.WorkflowSucceeded}}}
	a := New(src, store)

	manifest, err := a.GetResult("wf1", "req1")
	if err != nil {
		t.Fatalf("GetResult failed: %v", err)
	}
	if manifest.CapsuleID != "cap1" {
		t.Fatalf("expected persisted capsule, got %+v", manifest)
	}
}

func TestGetResultErrorsWhenTerminalButNoCapsulePersisted(t *testing.T) {
	src := fakeSource{snap: map[string]types.StatusSnapshot{"wf1": {WorkflowID: "wf1", State: types.WorkflowFailed}}}
	a := New(src, openTestStore(t))
	if _, err := a.GetResult("wf1", "req1"); err == nil {
		t.Fatalf("expected an error when no capsule was ever persisted for a failed workflow")
	}
}
