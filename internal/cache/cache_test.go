package cache

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/quantumlayer-platform/orchestrator-core/internal/types"
)

func TestPutRejectsFailedAndNondeterministicResults(t *testing.T) {
	c := New(time.Minute, time.Minute)
	c.Put("fp1", types.TaskResult{Status: types.StatusFailedPermanent}, false)
	if _, ok := c.Get("fp1"); ok {
		t.Fatalf("expected a failed result to never be cached")
	}
	c.Put("fp2", types.TaskResult{Status: types.StatusSucceeded, Metadata: types.TaskMetadata{Nondeterministic: true}}, false)
	if _, ok := c.Get("fp2"); ok {
		t.Fatalf("expected a nondeterministic result to never be cached")
	}
}

func TestPutGetRoundTrip(t *testing.T) {
	c := New(time.Minute, time.Minute)
	result := types.TaskResult{TaskID: "t1", Status: types.StatusSucceeded}
	c.Put("fp", result, false)
	got, ok := c.Get("fp")
	if !ok || got.TaskID != "t1" {
		t.Fatalf("expected cached result to round-trip, got %+v ok=%v", got, ok)
	}
}

func TestGetExpiresAfterTTL(t *testing.T) {
	c := New(20*time.Millisecond, 20*time.Millisecond)
	c.Put("fp", types.TaskResult{Status: types.StatusSucceeded}, false)
	time.Sleep(40 * time.Millisecond)
	if _, ok := c.Get("fp"); ok {
		t.Fatalf("expected entry to have expired")
	}
}

func TestComputeDeduplicatesConcurrentCallers(t *testing.T) {
	c := New(time.Minute, time.Minute)
	var calls int
	var mu sync.Mutex
	fn := func(_ context.Context) (types.TaskResult, error) {
		mu.Lock()
		calls++
		mu.Unlock()
		time.Sleep(30 * time.Millisecond)
		return types.TaskResult{TaskID: "computed", Status: types.StatusSucceeded}, nil
	}

	var wg sync.WaitGroup
	results := make([]types.TaskResult, 5)
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func(idx int) {
			defer wg.Done()
			res, _, err := c.Compute(context.Background(), "shared-fp", false, fn)
			if err != nil {
				t.Errorf("Compute failed: %v", err)
			}
			results[idx] = res
		}(i)
	}
	wg.Wait()

	mu.Lock()
	defer mu.Unlock()
	if calls != 1 {
		t.Fatalf("expected single-flight to collapse to 1 call, got %d", calls)
	}
	for _, r := range results {
		if r.TaskID != "computed" {
			t.Fatalf("expected every caller to receive the computed result, got %+v", r)
		}
	}
}

func TestFingerprintStableUnderWhitespaceAndCommentNoise(t *testing.T) {
	t1 := types.Task{Kind: types.KindImplement, Prompt: "Write a function\n# a comment\n  that adds two numbers  "}
	t2 := types.Task{Kind: types.KindImplement, Prompt: "write a function that adds two numbers"}
	fp1 := Fingerprint(t1, nil)
	fp2 := Fingerprint(t2, nil)
	if fp1 != fp2 {
		t.Fatalf("expected fingerprints to match after normalization, got %s != %s", fp1, fp2)
	}
}

func TestFingerprintDiffersOnConstraints(t *testing.T) {
	task := types.Task{Kind: types.KindImplement, Prompt: "do a thing"}
	fp1 := Fingerprint(task, map[string]string{"language": "go"})
	fp2 := Fingerprint(task, map[string]string{"language": "python"})
	if fp1 == fp2 {
		t.Fatalf("expected differing constraints to change the fingerprint")
	}
}

func TestCacheable(t *testing.T) {
	if Cacheable(0.8, false) {
		t.Fatalf("expected high temperature to be uncacheable")
	}
	if Cacheable(0.5, true) {
		t.Fatalf("expected nondeterministic tasks to be uncacheable regardless of temperature")
	}
	if !Cacheable(0.5, false) {
		t.Fatalf("expected low-temperature deterministic tasks to be cacheable")
	}
}
