package hap

import (
	"sync"

	"github.com/quantumlayer-platform/orchestrator-core/internal/types"
)

// ViolationLog is an in-memory append-only HAPViolation sink, the same
// shape as the cost ledger's chain but unhashed since violations are
// not a financial record requiring tamper-evidence here. Violations are
// kept only in memory; storage.Store does not persist them.
type ViolationLog struct {
	mu      sync.RWMutex
	entries []types.HAPViolation
}

// NewViolationLog builds an empty log.
func NewViolationLog() *ViolationLog { return &ViolationLog{} }

// AppendAsync satisfies ViolationSink; recording never blocks the
// moderation check that triggered it.
func (v *ViolationLog) AppendAsync(rec types.HAPViolation) {
	go func() {
		v.mu.Lock()
		defer v.mu.Unlock()
		v.entries = append(v.entries, rec)
	}()
}

// ByTenantUser returns every violation recorded for (tenantID, userID),
// the input to a derived risk score.
func (v *ViolationLog) ByTenantUser(tenantID, userID string) []types.HAPViolation {
	v.mu.RLock()
	defer v.mu.RUnlock()
	var out []types.HAPViolation
	for _, e := range v.entries {
		if e.TenantID == tenantID && e.UserID == userID {
			out = append(out, e)
		}
	}
	return out
}

// RiskScore derives a simple monotonically-increasing risk score from
// violation count weighted by severity; recorded as a first-class
// concept in spec's data model (hap_user_risk_scores) but left
// unspecified in its exact formula, so this favors a clear, cheap
// rule: count each severity level above clean, weighted by rank.
func (v *ViolationLog) RiskScore(tenantID, userID string) float64 {
	violations := v.ByTenantUser(tenantID, userID)
	var score float64
	for _, vi := range violations {
		switch vi.Severity {
		case types.SeverityLow:
			score += 1
		case types.SeverityMedium:
			score += 3
		case types.SeverityHigh:
			score += 7
		case types.SeverityCritical:
			score += 15
		}
	}
	return score
}
