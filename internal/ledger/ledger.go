// Package ledger implements C11: pre-admission quota checks and an
// append-only, hash-chained usage log with eventually-consistent
// aggregation views.
//
// The hash-chained entry shape is ported directly from the teacher's
// audit-trail AppendLog (Merkle-like chaining of sha256(prev_hash ||
// fields)); the aggregation loop is grounded on billing-service's
// ticker-driven revenue aggregation.
package ledger

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sync"
	"time"

	"github.com/quantumlayer-platform/orchestrator-core/internal/apperr"
	"github.com/quantumlayer-platform/orchestrator-core/internal/types"
)

// chainedEntry wraps a UsageRecord with its position in the hash chain.
type chainedEntry struct {
	Index    uint64
	Record   types.UsageRecord
	PrevHash string
	Hash     string
}

// Quota is a (tenant, resource, period) admission limit.
type Quota struct {
	Resource string
	Soft     float64
	Hard     float64
	Period   time.Duration
}

// Ledger tracks per-tenant usage and quota admission.
type Ledger struct {
	mu      sync.RWMutex
	entries []chainedEntry

	quotaMu sync.RWMutex
	quotas  map[string]Quota // key: tenant_id + "/" + resource

	usageMu sync.Mutex
	usage   map[string]float64 // key: tenant_id + "/" + resource; accumulates for the Ledger's lifetime and is never reset (Quota.Period only sets the reported reset time)

	dailyMu  sync.RWMutex
	daily    map[string]dailyAggregate // key: tenant_id + "/" + date (YYYY-MM-DD)
}

type dailyAggregate struct {
	TenantID     string
	Date         string
	TotalTokens  int
	TotalCostUSD float64
}

// New builds an empty Ledger.
func New() *Ledger {
	return &Ledger{
		quotas: make(map[string]Quota),
		usage:  make(map[string]float64),
		daily:  make(map[string]dailyAggregate),
	}
}

// SetQuota installs the admission limit for (tenantID, resource).
func (l *Ledger) SetQuota(tenantID string, q Quota) {
	l.quotaMu.Lock()
	defer l.quotaMu.Unlock()
	l.quotas[tenantID+"/"+q.Resource] = q
}

// CheckAdmission enforces the pre-admission quota check from spec §4.11.
// Hard-limit breach rejects with QuotaExceeded; soft-limit breach admits
// (caller should surface a warning).
func (l *Ledger) CheckAdmission(tenantID, resource string, amount float64) (warn bool, err error) {
	l.quotaMu.RLock()
	q, ok := l.quotas[tenantID+"/"+resource]
	l.quotaMu.RUnlock()
	if !ok {
		return false, nil
	}

	l.usageMu.Lock()
	key := tenantID + "/" + resource
	current := l.usage[key]
	projected := current + amount
	l.usageMu.Unlock()

	if q.Hard > 0 && projected > q.Hard {
		return false, apperr.QuotaExceeded(resource, current, q.Hard, time.Now().Add(q.Period).Format(time.RFC3339))
	}
	if q.Soft > 0 && projected > q.Soft {
		return true, nil
	}
	return false, nil
}

// AppendAsync records a UsageRecord asynchronously; failure to append
// must never fail the caller's operation (spec §4.11), so errors are
// swallowed after a best-effort attempt.
func (l *Ledger) AppendAsync(record types.UsageRecord) {
	go func() {
		if record.CreatedAt.IsZero() {
			record.CreatedAt = time.Now()
		}
		l.append(record)
	}()
}

func (l *Ledger) append(record types.UsageRecord) chainedEntry {
	l.mu.Lock()
	defer l.mu.Unlock()

	idx := uint64(len(l.entries))
	prev := ""
	if idx > 0 {
		prev = l.entries[idx-1].Hash
	}
	ent := chainedEntry{Index: idx, Record: record, PrevHash: prev}
	ent.Hash = hashEntry(ent)
	l.entries = append(l.entries, ent)

	l.usageMu.Lock()
	l.usage[record.TenantID+"/tokens"] += float64(record.TokensIn + record.TokensOut)
	l.usageMu.Unlock()

	return ent
}

func hashEntry(e chainedEntry) string {
	h := sha256.New()
	h.Write([]byte(e.PrevHash))
	h.Write([]byte(e.Record.WorkflowID))
	h.Write([]byte(e.Record.TaskID))
	h.Write([]byte(e.Record.TenantID))
	h.Write([]byte(e.Record.Provider))
	h.Write([]byte(e.Record.Model))
	fmt.Fprintf(h, "%d|%d|%g|%d", e.Record.TokensIn, e.Record.TokensOut, e.Record.CostUSD, e.Record.LatencyMS)
	h.Write([]byte(e.Record.CreatedAt.Format(time.RFC3339Nano)))
	return hex.EncodeToString(h.Sum(nil))
}

// Verify walks the chain checking every hash and link, used by audits.
func (l *Ledger) Verify() bool {
	l.mu.RLock()
	defer l.mu.RUnlock()
	for i := range l.entries {
		if hashEntry(l.entries[i]) != l.entries[i].Hash {
			return false
		}
		if i > 0 && l.entries[i-1].Hash != l.entries[i].PrevHash {
			return false
		}
	}
	return true
}

// TotalCost sums every UsageRecord's cost for workflowID, the ledger-side
// figure to compare with a capsule's cost summary (testable property 6).
func (l *Ledger) TotalCost(workflowID string) float64 {
	l.mu.RLock()
	defer l.mu.RUnlock()
	var total float64
	for _, e := range l.entries {
		if e.Record.WorkflowID == workflowID {
			total += e.Record.CostUSD
		}
	}
	return total
}

// RunAggregatorOnce recomputes the daily aggregation views from the
// current entry set. Intended to be driven by a cron schedule rather
// than a bare ticker, tolerating up to 5 minutes of staleness between
// runs per the eventually-consistent usage view.
func (l *Ledger) RunAggregatorOnce() {
	l.aggregateDaily()
}

func (l *Ledger) aggregateDaily() {
	l.mu.RLock()
	entries := append([]chainedEntry(nil), l.entries...)
	l.mu.RUnlock()

	agg := make(map[string]dailyAggregate)
	for _, e := range entries {
		date := e.Record.CreatedAt.UTC().Format("2006-01-02")
		key := e.Record.TenantID + "/" + date
		a := agg[key]
		a.TenantID = e.Record.TenantID
		a.Date = date
		a.TotalTokens += e.Record.TokensIn + e.Record.TokensOut
		a.TotalCostUSD += e.Record.CostUSD
		agg[key] = a
	}

	l.dailyMu.Lock()
	for k, v := range agg {
		l.daily[k] = v
	}
	l.dailyMu.Unlock()
}

// DailyUsage returns the aggregated tokens/cost for tenantID on date
// (YYYY-MM-DD), per the materialized view.
func (l *Ledger) DailyUsage(tenantID, date string) (tokens int, costUSD float64) {
	l.dailyMu.RLock()
	defer l.dailyMu.RUnlock()
	a := l.daily[tenantID+"/"+date]
	return a.TotalTokens, a.TotalCostUSD
}
