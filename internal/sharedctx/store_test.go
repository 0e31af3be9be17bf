package sharedctx

import (
	"testing"

	"github.com/quantumlayer-platform/orchestrator-core/internal/types"
)

func TestPutGet(t *testing.T) {
	s := New()
	if _, ok := s.Get("missing"); ok {
		t.Fatalf("expected miss for unknown task")
	}
	s.Put(types.ContextSummary{TaskID: "a", Summary: "did a thing"})
	sum, ok := s.Get("a")
	if !ok || sum.Summary != "did a thing" {
		t.Fatalf("expected recorded summary, got %+v ok=%v", sum, ok)
	}
}

func TestSnapshotPreservesOrderAndSkipsMissing(t *testing.T) {
	s := New()
	s.Put(types.ContextSummary{TaskID: "a", Summary: "a-summary"})
	s.Put(types.ContextSummary{TaskID: "c", Summary: "c-summary"})
	snap := s.Snapshot([]string{"a", "b", "c"})
	if len(snap) != 2 {
		t.Fatalf("expected 2 entries (b missing), got %d", len(snap))
	}
	if snap[0].TaskID != "a" || snap[1].TaskID != "c" {
		t.Fatalf("expected order [a c], got %+v", snap)
	}
}

func TestAllReturnsDefensiveCopy(t *testing.T) {
	s := New()
	s.Put(types.ContextSummary{TaskID: "a", Summary: "orig"})
	all := s.All()
	all["a"] = types.ContextSummary{TaskID: "a", Summary: "mutated"}
	sum, _ := s.Get("a")
	if sum.Summary != "orig" {
		t.Fatalf("expected store to be unaffected by mutating the returned map, got %q", sum.Summary)
	}
}
