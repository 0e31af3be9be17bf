package resilience

import (
	"context"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
)

// RateLimiter is a token bucket with a secondary sliding-window cap, used
// to enforce spec's "outbound LLM calls are rate-limited per (provider,
// model) using a token bucket" requirement plus a hard per-window ceiling.
type RateLimiter struct {
	mu           sync.Mutex
	capacity     int64
	fillRate     float64
	available    float64
	lastRefill   time.Time
	windowStart  time.Time
	windowDur    time.Duration
	windowCount  int64
	maxPerWindow int64
	name         string
}

// NewRateLimiter creates a combined token-bucket + sliding-window limiter.
func NewRateLimiter(name string, capacity int64, fillRate float64, windowDur time.Duration, maxPerWindow int64) *RateLimiter {
	return &RateLimiter{
		name:         name,
		capacity:     capacity,
		fillRate:     fillRate,
		available:    float64(capacity),
		lastRefill:   time.Now(),
		windowStart:  time.Now(),
		windowDur:    windowDur,
		maxPerWindow: maxPerWindow,
	}
}

// Allow reports whether one token can be consumed now.
func (r *RateLimiter) Allow() bool { return r.AllowN(1) }

// AllowN attempts to consume n tokens.
func (r *RateLimiter) AllowN(n int64) bool {
	if n <= 0 {
		return true
	}
	now := time.Now()
	meter := otel.GetMeterProvider().Meter("orchestrator-resilience")

	r.mu.Lock()
	defer r.mu.Unlock()

	if elapsed := now.Sub(r.lastRefill).Seconds(); elapsed > 0 {
		r.available = minFloat(float64(r.capacity), r.available+elapsed*r.fillRate)
		r.lastRefill = now
	}

	if now.Sub(r.windowStart) >= r.windowDur {
		r.windowStart = now
		r.windowCount = 0
	}

	if r.maxPerWindow > 0 && r.windowCount+n > r.maxPerWindow {
		counter, _ := meter.Int64Counter("qlp_orchestrator_ratelimit_window_drops_total")
		counter.Add(context.Background(), 1)
		return false
	}

	if float64(n) <= r.available {
		r.available -= float64(n)
		r.windowCount += n
		return true
	}
	counter, _ := meter.Int64Counter("qlp_orchestrator_ratelimit_token_drops_total")
	counter.Add(context.Background(), 1)
	return false
}

// Cooldown reports the duration until n tokens are available. It only
// computes the wait: it neither blocks nor reserves tokens. The scheduler
// calls it after a rate-limited error but does not wait on the result,
// so no tier-wide cooldown follows a 429 response.
func (r *RateLimiter) Cooldown(n int64) time.Duration {
	if n <= 0 {
		return 0
	}
	now := time.Now()

	r.mu.Lock()
	defer r.mu.Unlock()

	if elapsed := now.Sub(r.lastRefill).Seconds(); elapsed > 0 {
		r.available = minFloat(float64(r.capacity), r.available+elapsed*r.fillRate)
		r.lastRefill = now
	}

	need := float64(n)
	if r.available >= need {
		return 0
	}
	shortfall := need - r.available
	return time.Duration(shortfall / r.fillRate * float64(time.Second))
}

func minFloat(a, b float64) float64 {
	if a < b {
		return a
	}
	return b
}
