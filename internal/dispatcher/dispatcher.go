// Package dispatcher converts a ready Task into a TaskResult by invoking
// an external AgentExecutor, applying tier selection, timeouts, retries,
// circuit breaking, and rate limiting per (provider, model).
package dispatcher

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/quantumlayer-platform/orchestrator-core/internal/apperr"
	"github.com/quantumlayer-platform/orchestrator-core/internal/resilience"
	"github.com/quantumlayer-platform/orchestrator-core/internal/types"
)

// AgentExecutor is the out-of-process LLM adapter contract from spec §6.
type AgentExecutor interface {
	Execute(ctx context.Context, task types.Task, upstream []types.ContextSummary, tier types.Tier, timeout time.Duration) (types.TaskResult, error)
}

// LedgerSink receives fire-and-forget usage records; it must never block
// the happy path, so AppendAsync is expected to return immediately.
type LedgerSink interface {
	AppendAsync(record types.UsageRecord)
}

// Dispatcher owns per-(provider,model) circuit breakers and rate
// limiters, plus the retry policy applied around AgentExecutor calls.
type Dispatcher struct {
	executor AgentExecutor
	ledger   LedgerSink
	tracer   trace.Tracer

	tierTimeouts map[types.Tier]time.Duration

	mu         sync.Mutex
	breakers   map[string]*resilience.CircuitBreaker
	limiters   map[string]*resilience.RateLimiter
	newBreaker func(name string) *resilience.CircuitBreaker
	newLimiter func(name string) *resilience.RateLimiter
}

// New builds a Dispatcher. tierTimeouts supplies the per-tier default
// (overridable per task); breaker/limiter factories let callers tune
// defaults without the dispatcher hardcoding provider lists up front —
// instances are created lazily, keyed by "provider/model".
func New(executor AgentExecutor, ledger LedgerSink, tierTimeouts map[types.Tier]time.Duration) *Dispatcher {
	return &Dispatcher{
		executor:     executor,
		ledger:       ledger,
		tracer:       otel.Tracer("orchestrator-dispatcher"),
		tierTimeouts: tierTimeouts,
		breakers:     make(map[string]*resilience.CircuitBreaker),
		limiters:     make(map[string]*resilience.RateLimiter),
		newBreaker: func(name string) *resilience.CircuitBreaker {
			return resilience.NewCircuitBreaker(name, resilience.DefaultConfig())
		},
		newLimiter: func(name string) *resilience.RateLimiter {
			return resilience.NewRateLimiter(name, 20, 5, time.Minute, 300)
		},
	}
}

// SelectTier applies the heuristic from spec §4.4: tier_hint first,
// then a kind-based default, then options.tier_override, which wins over
// everything.
func SelectTier(task types.Task, override types.Tier) types.Tier {
	if override != "" {
		return override
	}
	if task.TierHint != "" {
		return task.TierHint
	}
	switch task.Kind {
	case types.KindDoc:
		return types.TierT0
	case types.KindTest:
		return types.TierT1
	case types.KindImplement:
		return types.TierT2
	case types.KindIntegrate, types.KindReview:
		return types.TierT3
	default:
		return types.TierT1
	}
}

func classify(err error) bool {
	switch {
	case apperr.IsKind(err, apperr.KindPolicyBlocked):
		return false
	case apperr.IsKind(err, apperr.KindInvalidInput):
		return false
	default:
		return true
	}
}

// Dispatch runs task through the full dispatch contract: tier selection,
// per-tier timeout, circuit breaker + rate limiter gating keyed by
// provider/model, and bounded retry. workflowID and tenantID are stamped
// onto the emitted UsageRecord so cost ledger lookups (TotalCost, the
// per-tenant quota key) actually match.
func (d *Dispatcher) Dispatch(ctx context.Context, task types.Task, upstream []types.ContextSummary, override types.Tier, provider, model, workflowID, tenantID string) (types.TaskResult, error) {
	ctx, span := d.tracer.Start(ctx, "dispatcher.dispatch",
		trace.WithAttributes(
			attribute.String("task_id", task.TaskID),
			attribute.String("kind", string(task.Kind)),
		),
	)
	defer span.End()

	tier := SelectTier(task, override)
	timeout := d.tierTimeouts[tier]
	if timeout == 0 {
		timeout = 60 * time.Second
	}
	if task.Timeout > 0 {
		timeout = task.Timeout
	}

	key := provider + "/" + model
	breaker := d.breakerFor(key)
	limiter := d.limiterFor(key)

	if !breaker.Allow() {
		return types.TaskResult{}, apperr.Newf(apperr.KindRateLimited, "circuit open for %s", key)
	}
	if !limiter.Allow() {
		cooldown := limiter.Cooldown(1)
		return types.TaskResult{}, apperr.Newf(apperr.KindRateLimited, "rate limited for %s, retry after %s", key, cooldown)
	}

	policy := resilience.Policy{
		MaxAttempts: 3,
		BaseDelay:   750 * time.Millisecond,
		MaxDelay:    10 * time.Second,
		Classify:    classify,
	}

	start := time.Now()
	result, err := resilience.Retry(ctx, policy, func() (types.TaskResult, error) {
		callCtx, cancel := context.WithTimeout(ctx, timeout)
		defer cancel()
		r, err := d.executor.Execute(callCtx, task, upstream, tier, timeout)
		breaker.Record(err == nil)
		return r, err
	})
	latency := time.Since(start)

	if d.ledger != nil {
		d.ledger.AppendAsync(types.UsageRecord{
			WorkflowID: workflowID,
			TaskID:     task.TaskID,
			TenantID:   tenantID,
			Provider:   provider,
			Model:      model,
			TokensIn:   result.Metadata.TokensIn,
			TokensOut:  result.Metadata.TokensOut,
			CostUSD:    result.Metadata.CostUSD,
			LatencyMS:  latency.Milliseconds(),
			CreatedAt:  time.Now(),
		})
	}

	if err != nil {
		if apperr.IsKind(err, apperr.KindPolicyBlocked) || apperr.IsKind(err, apperr.KindInvalidInput) {
			result.Status = types.StatusFailedPermanent
		} else {
			result.Status = types.StatusFailedRetryable
		}
		result.TaskID = task.TaskID
		if result.Error == nil {
			result.Error = &types.TaskError{Kind: fmt.Sprintf("%v", err), Message: err.Error()}
		}
		return result, err
	}

	result.Metadata.TierUsed = tier
	result.Metadata.LatencyMS = latency.Milliseconds()
	return result, nil
}

func (d *Dispatcher) breakerFor(key string) *resilience.CircuitBreaker {
	d.mu.Lock()
	defer d.mu.Unlock()
	if b, ok := d.breakers[key]; ok {
		return b
	}
	b := d.newBreaker(key)
	d.breakers[key] = b
	return b
}

func (d *Dispatcher) limiterFor(key string) *resilience.RateLimiter {
	d.mu.Lock()
	defer d.mu.Unlock()
	if l, ok := d.limiters[key]; ok {
		return l
	}
	l := d.newLimiter(key)
	d.limiters[key] = l
	return l
}
