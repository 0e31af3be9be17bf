package ledger

import (
	"testing"
	"time"

	"github.com/quantumlayer-platform/orchestrator-core/internal/apperr"
	"github.com/quantumlayer-platform/orchestrator-core/internal/types"
)

func waitUntil(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(500 * time.Millisecond)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	if !cond() {
		t.Fatalf("condition never became true")
	}
}

func TestCheckAdmissionAllowsWithinSoftLimit(t *testing.T) {
	l := New()
	l.SetQuota("t1", Quota{Resource: "tokens", Soft: 100, Hard: 200, Period: time.Hour})
	warn, err := l.CheckAdmission("t1", "tokens", 50)
	if err != nil || warn {
		t.Fatalf("expected admission within soft limit to pass without warning, warn=%v err=%v", warn, err)
	}
}

func TestCheckAdmissionWarnsAboveSoftLimit(t *testing.T) {
	l := New()
	l.SetQuota("t1", Quota{Resource: "tokens", Soft: 100, Hard: 200, Period: time.Hour})
	warn, err := l.CheckAdmission("t1", "tokens", 150)
	if err != nil || !warn {
		t.Fatalf("expected admission above soft limit to warn, warn=%v err=%v", warn, err)
	}
}

func TestCheckAdmissionRejectsAboveHardLimit(t *testing.T) {
	l := New()
	l.SetQuota("t1", Quota{Resource: "tokens", Soft: 100, Hard: 200, Period: time.Hour})
	_, err := l.CheckAdmission("t1", "tokens", 250)
	if !apperr.IsKind(err, apperr.KindQuotaExceeded) {
		t.Fatalf("expected a quota_exceeded error above the hard limit, got %v", err)
	}
}

func TestCheckAdmissionWithNoQuotaConfiguredAlwaysAllows(t *testing.T) {
	l := New()
	warn, err := l.CheckAdmission("unconfigured-tenant", "tokens", 1e9)
	if err != nil || warn {
		t.Fatalf("expected no configured quota to always admit, warn=%v err=%v", warn, err)
	}
}

func TestAppendAsyncBuildsAVerifiableChain(t *testing.T) {
	l := New()
	for i := 0; i < 5; i++ {
		l.AppendAsync(types.UsageRecord{WorkflowID: "wf1", TaskID: "t", TenantID: "tenant", CostUSD: 1.5})
	}
	waitUntil(t, func() bool { return l.TotalCost("wf1") == 7.5 })
	if !l.Verify() {
		t.Fatalf("expected the hash chain to verify after concurrent appends")
	}
}

func TestVerifyDetectsTamperedEntry(t *testing.T) {
	l := New()
	l.AppendAsync(types.UsageRecord{WorkflowID: "wf1", TenantID: "tenant", CostUSD: 1})
	waitUntil(t, func() bool { return l.TotalCost("wf1") == 1 })

	l.mu.Lock()
	l.entries[0].Record.CostUSD = 999
	l.mu.Unlock()

	if l.Verify() {
		t.Fatalf("expected tampering with a recorded field to break verification")
	}
}

func TestTotalCostOnlySumsMatchingWorkflow(t *testing.T) {
	l := New()
	l.AppendAsync(types.UsageRecord{WorkflowID: "wf1", CostUSD: 1})
	l.AppendAsync(types.UsageRecord{WorkflowID: "wf2", CostUSD: 5})
	waitUntil(t, func() bool { return l.TotalCost("wf1") == 1 && l.TotalCost("wf2") == 5 })
}

func TestRunAggregatorOnceProducesDailyUsage(t *testing.T) {
	l := New()
	now := time.Now()
	l.AppendAsync(types.UsageRecord{TenantID: "t1", TokensIn: 10, TokensOut: 20, CostUSD: 0.5, CreatedAt: now})
	l.AppendAsync(types.UsageRecord{TenantID: "t1", TokensIn: 5, TokensOut: 5, CostUSD: 0.25, CreatedAt: now})
	waitUntil(t, func() bool {
		l.mu.RLock()
		n := len(l.entries)
		l.mu.RUnlock()
		return n == 2
	})

	l.RunAggregatorOnce()

	date := now.UTC().Format("2006-01-02")
	tokens, cost := l.DailyUsage("t1", date)
	if tokens != 40 {
		t.Fatalf("expected 40 aggregated tokens, got %d", tokens)
	}
	if cost != 0.75 {
		t.Fatalf("expected 0.75 aggregated cost, got %v", cost)
	}
}
