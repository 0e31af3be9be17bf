package storage

import (
	"path/filepath"
	"testing"
	"time"

	"go.etcd.io/bbolt"

	"github.com/quantumlayer-platform/orchestrator-core/internal/types"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestSaveAndGetCapsuleRoundTrip(t *testing.T) {
	s := openTestStore(t)
	manifest := types.CapsuleManifest{
		CapsuleID: "cap-1",
		RequestID: "req-1",
		Files:     []types.CapsuleFile{{Path: "main.go", Content: []byte("package main")}},
	}
	if err := s.SaveCapsule("req-1", manifest); err != nil {
		t.Fatalf("SaveCapsule failed: %v", err)
	}

	got, ok, err := s.GetCapsuleByRequestID("req-1")
	if err != nil || !ok {
		t.Fatalf("expected a persisted capsule, ok=%v err=%v", ok, err)
	}
	if got.CapsuleID != "cap-1" || len(got.Files) != 1 {
		t.Fatalf("unexpected manifest round-trip: %+v", got)
	}

	byID, ok := s.GetCapsule("cap-1")
	if !ok || byID.RequestID != "req-1" {
		t.Fatalf("expected GetCapsule to resolve by capsule_id, got %+v ok=%v", byID, ok)
	}
}

func TestSaveCapsuleIsIdempotentForSameRequestID(t *testing.T) {
	s := openTestStore(t)
	first := types.CapsuleManifest{CapsuleID: "cap-1", RequestID: "req-1", Files: []types.CapsuleFile{{Path: "a.go", Content: []byte("v1")}}}
	second := types.CapsuleManifest{CapsuleID: "cap-2", RequestID: "req-1", Files: []types.CapsuleFile{{Path: "a.go", Content: []byte("v2")}}}

	if err := s.SaveCapsule("req-1", first); err != nil {
		t.Fatalf("first SaveCapsule failed: %v", err)
	}
	if err := s.SaveCapsule("req-1", second); err != nil {
		t.Fatalf("second SaveCapsule failed: %v", err)
	}

	got, ok, err := s.GetCapsuleByRequestID("req-1")
	if err != nil || !ok {
		t.Fatalf("expected a persisted capsule, ok=%v err=%v", ok, err)
	}
	if got.CapsuleID != "cap-1" {
		t.Fatalf("expected the first submission's capsule_id to stick, got %s", got.CapsuleID)
	}
}

func TestGetCapsuleByRequestIDMissReturnsFalse(t *testing.T) {
	s := openTestStore(t)
	_, ok, err := s.GetCapsuleByRequestID("does-not-exist")
	if err != nil {
		t.Fatalf("unexpected error on miss: %v", err)
	}
	if ok {
		t.Fatalf("expected a miss for an unknown request_id")
	}
}

func TestSweepOrphanBlobsRemovesUnreferencedOldBlobs(t *testing.T) {
	s := openTestStore(t)
	manifest := types.CapsuleManifest{
		CapsuleID: "cap-1",
		RequestID: "req-1",
		Files:     []types.CapsuleFile{{Path: "a.go", Content: []byte("referenced")}},
	}
	if err := s.SaveCapsule("req-1", manifest); err != nil {
		t.Fatalf("SaveCapsule failed: %v", err)
	}

	// A blob touched well in the past but never referenced by any manifest.
	staleKey := []byte("orphan-hash")
	staleTime := time.Now().Add(-48 * time.Hour).UTC().Format(time.RFC3339)
	if err := s.db.Update(func(tx *bbolt.Tx) error {
		if err := tx.Bucket(bucketBlobs).Put(staleKey, []byte("orphaned-blob")); err != nil {
			return err
		}
		return tx.Bucket(bucketBlobTouched).Put(staleKey, []byte(staleTime))
	}); err != nil {
		t.Fatalf("seeding orphan blob failed: %v", err)
	}

	removed, err := s.SweepOrphanBlobs(24 * time.Hour)
	if err != nil {
		t.Fatalf("SweepOrphanBlobs failed: %v", err)
	}
	if removed != 1 {
		t.Fatalf("expected exactly 1 orphaned blob removed, got %d", removed)
	}

	err = s.db.View(func(tx *bbolt.Tx) error {
		if tx.Bucket(bucketBlobs).Get(staleKey) != nil {
			t.Fatalf("expected the orphan blob to be deleted")
		}
		return nil
	})
	if err != nil {
		t.Fatalf("view failed: %v", err)
	}
}
