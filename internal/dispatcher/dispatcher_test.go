package dispatcher

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/quantumlayer-platform/orchestrator-core/internal/apperr"
	"github.com/quantumlayer-platform/orchestrator-core/internal/types"
)

func TestSelectTier(t *testing.T) {
	cases := []struct {
		name     string
		task     types.Task
		override types.Tier
		want     types.Tier
	}{
		{"override wins", types.Task{Kind: types.KindDoc, TierHint: types.TierT1}, types.TierT3, types.TierT3},
		{"tier hint wins over kind", types.Task{Kind: types.KindDoc, TierHint: types.TierT2}, "", types.TierT2},
		{"doc defaults to T0", types.Task{Kind: types.KindDoc}, "", types.TierT0},
		{"implement defaults to T2", types.Task{Kind: types.KindImplement}, "", types.TierT2},
		{"review defaults to T3", types.Task{Kind: types.KindReview}, "", types.TierT3},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			if got := SelectTier(c.task, c.override); got != c.want {
				t.Errorf("SelectTier() = %s, want %s", got, c.want)
			}
		})
	}
}

type fakeExecutor struct {
	mu       sync.Mutex
	calls    int
	failN    int // fail the first failN calls
	permErr  error
}

func (f *fakeExecutor) Execute(_ context.Context, task types.Task, _ []types.ContextSummary, tier types.Tier, _ time.Duration) (types.TaskResult, error) {
	f.mu.Lock()
	f.calls++
	n := f.calls
	f.mu.Unlock()
	if f.permErr != nil {
		return types.TaskResult{}, f.permErr
	}
	if n <= f.failN {
		return types.TaskResult{}, context.DeadlineExceeded
	}
	return types.TaskResult{TaskID: task.TaskID, Status: types.StatusSucceeded, Metadata: types.TaskMetadata{TierUsed: tier}}, nil
}

type fakeLedger struct {
	mu      sync.Mutex
	records []types.UsageRecord
}

func (l *fakeLedger) AppendAsync(r types.UsageRecord) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.records = append(l.records, r)
}

func (l *fakeLedger) count() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.records)
}

func TestDispatchRetriesTransientFailureThenSucceeds(t *testing.T) {
	exec := &fakeExecutor{failN: 1}
	ledger := &fakeLedger{}
	d := New(exec, ledger, map[types.Tier]time.Duration{types.TierT1: time.Second})

	task := types.Task{TaskID: "t1", Kind: types.KindTest}
	result, err := d.Dispatch(context.Background(), task, nil, "", "internal", "fast", "wf1", "t1")
	if err != nil {
		t.Fatalf("expected Dispatch to succeed after one retry, got %v", err)
	}
	if result.Status != types.StatusSucceeded {
		t.Fatalf("expected succeeded status, got %s", result.Status)
	}
	if exec.calls != 2 {
		t.Fatalf("expected 2 executor calls, got %d", exec.calls)
	}
	time.Sleep(10 * time.Millisecond) // let the fire-and-forget ledger append land
	if ledger.count() != 1 {
		t.Fatalf("expected 1 usage record appended, got %d", ledger.count())
	}
}

func TestDispatchPolicyBlockedIsPermanentNoRetry(t *testing.T) {
	exec := &fakeExecutor{permErr: apperr.New(apperr.KindPolicyBlocked, "blocked")}
	d := New(exec, nil, map[types.Tier]time.Duration{types.TierT1: time.Second})

	task := types.Task{TaskID: "t1", Kind: types.KindTest}
	result, err := d.Dispatch(context.Background(), task, nil, "", "internal", "fast", "wf1", "t1")
	if err == nil {
		t.Fatalf("expected an error for a policy-blocked dispatch")
	}
	if result.Status != types.StatusFailedPermanent {
		t.Fatalf("expected failed_permanent status, got %s", result.Status)
	}
	if exec.calls != 1 {
		t.Fatalf("expected exactly 1 executor call (no retry on permanent failure), got %d", exec.calls)
	}
}

func TestDispatchOpenCircuitShortCircuits(t *testing.T) {
	// permErr is classified retryable (not policy_blocked/invalid_input), so
	// every executor call records a breaker failure and each Dispatch makes
	// up to 3 of them; DefaultConfig trips after 5 samples at a 50% failure
	// rate, so the breaker opens during the second Dispatch and every later
	// Dispatch is rejected before ever reaching the executor.
	exec := &fakeExecutor{permErr: context.DeadlineExceeded}
	d := New(exec, nil, map[types.Tier]time.Duration{types.TierT1: time.Second})
	task := types.Task{TaskID: "t1", Kind: types.KindTest}

	for i := 0; i < 5; i++ {
		if _, err := d.Dispatch(context.Background(), task, nil, "", "internal", "flaky", "wf1", "t1"); err == nil {
			t.Fatalf("expected dispatch %d to fail", i)
		}
	}
	callsBeforeTrip := exec.calls

	if _, err := d.Dispatch(context.Background(), task, nil, "", "internal", "flaky", "wf1", "t1"); !apperr.IsKind(err, apperr.KindRateLimited) {
		t.Fatalf("expected circuit-open dispatch to fail with rate_limited, got %v", err)
	}
	if exec.calls != callsBeforeTrip {
		t.Fatalf("expected the open-circuit call to never reach the executor")
	}
}
