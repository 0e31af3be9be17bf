// Package storage implements C10: atomic, idempotent persistence of
// capsules keyed by request_id, with content-addressed file blobs and a
// cron-scheduled orphan sweep. BoltDB usage is grounded directly on the
// teacher's WorkflowStore (persistence.go) — bucket layout, an
// in-memory hot cache alongside the db, and the same open/options
// pattern.
package storage

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"go.etcd.io/bbolt"
	"go.opentelemetry.io/otel"

	"github.com/quantumlayer-platform/orchestrator-core/internal/types"
)

var (
	bucketManifests   = []byte("capsule_manifests")
	bucketBlobs       = []byte("capsule_blobs")
	bucketRequestIdx  = []byte("request_to_capsule")
	bucketBlobTouched = []byte("blob_last_referenced")
)

// Store is the bbolt-backed persistence layer for capsules.
type Store struct {
	db           *bbolt.DB
	mu           sync.RWMutex
	manifestByID map[string]types.CapsuleManifest
}

// Open creates/opens the BoltDB file at dbPath and ensures buckets exist.
func Open(dbPath string) (*Store, error) {
	db, err := bbolt.Open(dbPath, 0600, &bbolt.Options{Timeout: 1 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("open boltdb: %w", err)
	}
	err = db.Update(func(tx *bbolt.Tx) error {
		for _, b := range [][]byte{bucketManifests, bucketBlobs, bucketRequestIdx, bucketBlobTouched} {
			if _, err := tx.CreateBucketIfNotExists(b); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("create buckets: %w", err)
	}
	return &Store{db: db, manifestByID: make(map[string]types.CapsuleManifest)}, nil
}

func (s *Store) Close() error { return s.db.Close() }

// DB exposes the underlying bbolt handle so other durable components
// (the workflow engine's history log) can share one database file
// instead of opening a second one.
func (s *Store) DB() *bbolt.DB { return s.db }

// GetCapsuleByRequestID looks up the capsule already persisted for
// request_id, if any — the idempotency check Submit relies on.
func (s *Store) GetCapsuleByRequestID(requestID string) (types.CapsuleManifest, bool, error) {
	var manifest types.CapsuleManifest
	found := false
	err := s.db.View(func(tx *bbolt.Tx) error {
		idx := tx.Bucket(bucketRequestIdx)
		capsuleID := idx.Get([]byte(requestID))
		if capsuleID == nil {
			return nil
		}
		raw := tx.Bucket(bucketManifests).Get(capsuleID)
		if raw == nil {
			return nil
		}
		found = true
		return json.Unmarshal(raw, &manifest)
	})
	return manifest, found, err
}

// SaveCapsule persists manifest's file blobs content-addressed by
// sha256, then commits the manifest record keyed by request_id,
// transactionally. A second call for the same request_id writes nothing
// and returns nil: the stored capsule and its capsule_id stay unchanged,
// the new manifest is dropped, and the existing capsule_id is not
// returned to the caller.
func (s *Store) SaveCapsule(requestID string, manifest types.CapsuleManifest) error {
	meter := otel.Meter("orchestrator-storage")
	writeLatency, _ := meter.Float64Histogram("qlp_orchestrator_storage_write_ms")
	start := time.Now()
	defer func() { writeLatency.Record(context.Background(), float64(time.Since(start).Milliseconds())) }()

	if existing, ok, err := s.GetCapsuleByRequestID(requestID); err == nil && ok {
		manifest.CapsuleID = existing.CapsuleID
		return nil
	}

	blobHashes := make(map[string]string, len(manifest.Files))
	for _, f := range manifest.Files {
		sum := sha256.Sum256(f.Content)
		blobHashes[f.Path] = hex.EncodeToString(sum[:])
	}

	return s.db.Update(func(tx *bbolt.Tx) error {
		blobs := tx.Bucket(bucketBlobs)
		touched := tx.Bucket(bucketBlobTouched)
		now := []byte(time.Now().UTC().Format(time.RFC3339))
		for _, f := range manifest.Files {
			hash := blobHashes[f.Path]
			if err := blobs.Put([]byte(hash), f.Content); err != nil {
				return err
			}
			if err := touched.Put([]byte(hash), now); err != nil {
				return err
			}
		}

		manifest.CreatedAt = time.Now()
		raw, err := json.Marshal(manifest)
		if err != nil {
			return err
		}
		if err := tx.Bucket(bucketManifests).Put([]byte(manifest.CapsuleID), raw); err != nil {
			return err
		}
		if err := tx.Bucket(bucketRequestIdx).Put([]byte(requestID), []byte(manifest.CapsuleID)); err != nil {
			return err
		}

		s.mu.Lock()
		s.manifestByID[manifest.CapsuleID] = manifest
		s.mu.Unlock()
		return nil
	})
}

// GetCapsule returns a persisted manifest by capsule_id.
func (s *Store) GetCapsule(capsuleID string) (types.CapsuleManifest, bool) {
	s.mu.RLock()
	if m, ok := s.manifestByID[capsuleID]; ok {
		s.mu.RUnlock()
		return m, true
	}
	s.mu.RUnlock()

	var manifest types.CapsuleManifest
	found := false
	_ = s.db.View(func(tx *bbolt.Tx) error {
		raw := tx.Bucket(bucketManifests).Get([]byte(capsuleID))
		if raw == nil {
			return nil
		}
		found = true
		return json.Unmarshal(raw, &manifest)
	})
	return manifest, found
}

// SweepOrphanBlobs deletes blobs last referenced more than age ago that
// no current manifest points to. Intended to run on a cron schedule
// (24h default per spec).
func (s *Store) SweepOrphanBlobs(age time.Duration) (int, error) {
	cutoff := time.Now().Add(-age)
	referenced := make(map[string]bool)

	err := s.db.View(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketManifests).ForEach(func(_, raw []byte) error {
			var m types.CapsuleManifest
			if err := json.Unmarshal(raw, &m); err != nil {
				return nil
			}
			for _, f := range m.Files {
				sum := sha256.Sum256(f.Content)
				referenced[hex.EncodeToString(sum[:])] = true
			}
			return nil
		})
	})
	if err != nil {
		return 0, err
	}

	removed := 0
	err = s.db.Update(func(tx *bbolt.Tx) error {
		blobs := tx.Bucket(bucketBlobs)
		touched := tx.Bucket(bucketBlobTouched)
		var staleKeys [][]byte
		err := touched.ForEach(func(k, v []byte) error {
			ts, err := time.Parse(time.RFC3339, string(v))
			if err != nil || ts.After(cutoff) {
				return nil
			}
			if referenced[string(k)] {
				return nil
			}
			staleKeys = append(staleKeys, append([]byte(nil), k...))
			return nil
		})
		if err != nil {
			return err
		}
		for _, k := range staleKeys {
			if err := blobs.Delete(k); err != nil {
				return err
			}
			if err := touched.Delete(k); err != nil {
				return err
			}
			removed++
		}
		return nil
	})
	return removed, err
}
