package resilience

import (
	"context"
	"errors"
	"math"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
)

// ErrCircuitOpen is returned by Allow when the breaker is open.
var ErrCircuitOpen = errors.New("circuit breaker open")

type breakerState int

const (
	stateClosed breakerState = iota
	stateOpen
	stateHalfOpen
)

// CircuitBreaker opens based on the failure rate observed over a rolling
// window and supports half-open probes, one per (provider, model) pair
// in the Agent Dispatcher.
type CircuitBreaker struct {
	mu sync.Mutex

	minSamples        int
	failureRateOpen   float64
	halfOpenAfter     time.Duration
	maxHalfOpenProbes int
	adaptive          bool
	minAdaptiveOpen   float64
	maxAdaptiveOpen   float64
	lastEval          time.Time
	evalInterval      time.Duration
	dynamicThreshold  float64

	openedAt       time.Time
	state          breakerState
	halfOpenProbes int
	window         *slidingWindow

	name string
}

// Config tunes a CircuitBreaker instance.
type Config struct {
	MinSamples        int
	FailureRateOpen   float64
	HalfOpenAfter     time.Duration
	MaxHalfOpenProbes int
	Adaptive          bool
	WindowSize        time.Duration
	WindowBuckets     int
}

// DefaultConfig matches the dispatcher's per-tier sensitivity: trip after
// at least 5 samples with a 50% failure rate, cool down for 30s.
func DefaultConfig() Config {
	return Config{
		MinSamples:        5,
		FailureRateOpen:    0.5,
		HalfOpenAfter:      30 * time.Second,
		MaxHalfOpenProbes:  3,
		Adaptive:           true,
		WindowSize:         60 * time.Second,
		WindowBuckets:      12,
	}
}

// NewCircuitBreaker builds a breaker named for metrics/trace attribution.
func NewCircuitBreaker(name string, cfg Config) *CircuitBreaker {
	if cfg.WindowBuckets <= 0 {
		cfg.WindowBuckets = 12
	}
	if cfg.WindowSize <= 0 {
		cfg.WindowSize = 60 * time.Second
	}
	return &CircuitBreaker{
		name:              name,
		minSamples:        cfg.MinSamples,
		failureRateOpen:   cfg.FailureRateOpen,
		halfOpenAfter:      cfg.HalfOpenAfter,
		maxHalfOpenProbes: cfg.MaxHalfOpenProbes,
		adaptive:          cfg.Adaptive,
		minAdaptiveOpen:   0.2,
		maxAdaptiveOpen:   0.8,
		dynamicThreshold:  cfg.FailureRateOpen,
		evalInterval:      10 * time.Second,
		window:            newSlidingWindow(cfg.WindowSize, cfg.WindowBuckets),
	}
}

// Allow reports whether a call should proceed. When the breaker is open
// and the cool-down has elapsed, it transitions to half-open and allows
// a single probe.
func (c *CircuitBreaker) Allow() bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	switch c.state {
	case stateClosed:
		return true
	case stateOpen:
		if time.Since(c.openedAt) >= c.halfOpenAfter {
			c.state = stateHalfOpen
			c.halfOpenProbes = 1
			return true
		}
		return false
	case stateHalfOpen:
		if c.halfOpenProbes < c.maxHalfOpenProbes {
			c.halfOpenProbes++
			return true
		}
		return false
	}
	return true
}

// Record reports the outcome of a call previously allowed by Allow.
func (c *CircuitBreaker) Record(success bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.window.add(success)

	if c.adaptive && time.Since(c.lastEval) >= c.evalInterval {
		total, failures := c.window.stats()
		if total > 0 {
			fr := float64(failures) / float64(total)
			if fr > c.failureRateOpen {
				c.dynamicThreshold = math.Max(c.minAdaptiveOpen, c.dynamicThreshold*0.7)
			} else {
				c.dynamicThreshold = math.Min(c.maxAdaptiveOpen, c.dynamicThreshold*1.05)
			}
		}
		c.lastEval = time.Now()
	}

	switch c.state {
	case stateClosed:
		total, failures := c.window.stats()
		if total >= c.minSamples {
			threshold := c.failureRateOpen
			if c.adaptive {
				threshold = c.dynamicThreshold
			}
			if float64(failures)/float64(total) >= threshold {
				c.transitionToOpen()
			}
		}
	case stateHalfOpen:
		if !success {
			c.transitionToOpen()
		} else if c.halfOpenProbes >= c.maxHalfOpenProbes {
			c.reset()
		}
	case stateOpen:
		// Allow() handles the timing transition.
	}
}

func (c *CircuitBreaker) transitionToOpen() {
	meter := otel.GetMeterProvider().Meter("orchestrator-resilience")
	c.state = stateOpen
	c.openedAt = time.Now()
	counter, _ := meter.Int64Counter("qlp_orchestrator_circuit_open_total")
	counter.Add(context.Background(), 1)
}

func (c *CircuitBreaker) reset() {
	meter := otel.GetMeterProvider().Meter("orchestrator-resilience")
	c.state = stateClosed
	c.openedAt = time.Time{}
	c.window.reset()
	counter, _ := meter.Int64Counter("qlp_orchestrator_circuit_closed_total")
	counter.Add(context.Background(), 1)
}

// slidingWindow implements fixed-size time buckets storing success/failure
// counts. A slot is cleared only when the clock has rolled over into a new
// generation of that slot, not on every add — otherwise rapid successive
// calls landing in the same slot would erase each other's counts.
type slidingWindow struct {
	size     time.Duration
	buckets  int
	interval time.Duration
	data     []bucket
	gen      []int64
}

type bucket struct{ success, fail int }

func newSlidingWindow(size time.Duration, buckets int) *slidingWindow {
	return &slidingWindow{
		size:     size,
		buckets:  buckets,
		interval: size / time.Duration(buckets),
		data:     make([]bucket, buckets),
		gen:      make([]int64, buckets),
	}
}

func (w *slidingWindow) currentIndex(now time.Time) (idx int, generation int64) {
	slot := now.UnixNano() / w.interval.Nanoseconds()
	return int(slot % int64(w.buckets)), slot
}

func (w *slidingWindow) add(success bool) {
	idx, generation := w.currentIndex(time.Now())
	if w.gen[idx] != generation {
		w.data[idx] = bucket{}
		w.gen[idx] = generation
	}
	if success {
		w.data[idx].success++
	} else {
		w.data[idx].fail++
	}
}

func (w *slidingWindow) stats() (total int, failures int) {
	oldestValidGen := time.Now().UnixNano()/w.interval.Nanoseconds() - int64(w.buckets) + 1
	for i, b := range w.data {
		if w.gen[i] < oldestValidGen {
			continue
		}
		total += b.success + b.fail
		failures += b.fail
	}
	return
}

func (w *slidingWindow) reset() {
	for i := range w.data {
		w.data[i] = bucket{}
	}
}
