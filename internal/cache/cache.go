// Package cache implements the fingerprint-keyed result cache: a TTL'd
// store of successful, deterministic TaskResults with a single-flight
// guarantee across concurrent requesters for the same fingerprint. The
// TTL/eviction shape is grounded on the teacher's ResultCache
// (dag_engine.go); single-flight is new, using x/sync/singleflight in
// place of the teacher's bare mutex-guarded map. singleflight coalesces
// concurrent computes within this process only; callers in other
// processes sharing a fingerprint are not coalesced.
package cache

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"sort"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/quantumlayer-platform/orchestrator-core/internal/types"
)

type entry struct {
	result    types.TaskResult
	expiresAt time.Time
}

// Cache is the fingerprint -> TaskResult store.
type Cache struct {
	mu      sync.RWMutex
	entries map[string]entry
	group   singleflight.Group

	ttlDeterministic time.Duration
	ttlEmbedding     time.Duration
}

// New creates a Cache with the given default TTLs.
func New(ttlDeterministic, ttlEmbedding time.Duration) *Cache {
	c := &Cache{
		entries:          make(map[string]entry),
		ttlDeterministic: ttlDeterministic,
		ttlEmbedding:     ttlEmbedding,
	}
	go c.janitor()
	return c
}

func (c *Cache) janitor() {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()
	for range ticker.C {
		now := time.Now()
		c.mu.Lock()
		for k, e := range c.entries {
			if now.After(e.expiresAt) {
				delete(c.entries, k)
			}
		}
		c.mu.Unlock()
	}
}

// Get looks up fingerprint. A corrupted entry is never stored in the
// first place (Put validates before inserting), so the only miss paths
// are absence and expiry.
func (c *Cache) Get(fingerprint string) (types.TaskResult, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	e, ok := c.entries[fingerprint]
	if !ok || time.Now().After(e.expiresAt) {
		return types.TaskResult{}, false
	}
	return e.result, true
}

// Put stores result under fingerprint, but only when result is a
// successful, deterministic outcome — cache soundness (spec testable
// property 5).
func (c *Cache) Put(fingerprint string, result types.TaskResult, embedding bool) {
	if result.Status != types.StatusSucceeded {
		return
	}
	if result.Metadata.Nondeterministic {
		return
	}
	ttl := c.ttlDeterministic
	if embedding {
		ttl = c.ttlEmbedding
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[fingerprint] = entry{result: result, expiresAt: time.Now().Add(ttl)}
}

// Compute consults the cache, and on miss uses single-flight to ensure
// at most one concurrent compute per fingerprint; followers block and
// receive the same result rather than recomputing.
func (c *Cache) Compute(ctx context.Context, fingerprint string, embedding bool, fn func(context.Context) (types.TaskResult, error)) (types.TaskResult, bool, error) {
	if res, hit := c.Get(fingerprint); hit {
		return res, true, nil
	}

	v, err, _ := c.group.Do(fingerprint, func() (interface{}, error) {
		res, err := fn(ctx)
		if err != nil {
			return types.TaskResult{}, err
		}
		c.Put(fingerprint, res, embedding)
		return res, nil
	})
	if err != nil {
		return types.TaskResult{}, false, err
	}
	return v.(types.TaskResult), false, nil
}

// Fingerprint computes the cache key: hash(kind || normalized(prompt) ||
// tier || inputs_digest || constraints-digest).
func Fingerprint(task types.Task, constraints map[string]string) string {
	h := sha256.New()
	h.Write([]byte(string(task.Kind)))
	h.Write([]byte{0})
	h.Write([]byte(NormalizePrompt(task.Prompt)))
	h.Write([]byte{0})
	h.Write([]byte(task.TierHint))
	h.Write([]byte{0})
	h.Write([]byte(task.InputsDigest))
	h.Write([]byte{0})
	h.Write([]byte(constraintsDigest(constraints)))
	return hex.EncodeToString(h.Sum(nil))
}

// NormalizePrompt lowercases, collapses whitespace, and strips
// comment-only lines (leading '#' or '//') so textually-equivalent
// prompts fingerprint identically.
func NormalizePrompt(prompt string) string {
	lines := strings.Split(strings.ToLower(prompt), "\n")
	kept := make([]string, 0, len(lines))
	for _, ln := range lines {
		trimmed := strings.TrimSpace(ln)
		if trimmed == "" {
			continue
		}
		if strings.HasPrefix(trimmed, "#") || strings.HasPrefix(trimmed, "//") {
			continue
		}
		kept = append(kept, collapseWhitespace(trimmed))
	}
	return strings.Join(kept, " ")
}

func collapseWhitespace(s string) string {
	return strings.Join(strings.Fields(s), " ")
}

func constraintsDigest(constraints map[string]string) string {
	keys := make([]string, 0, len(constraints))
	for k := range constraints {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	var b strings.Builder
	for _, k := range keys {
		b.WriteString(k)
		b.WriteByte('=')
		b.WriteString(constraints[k])
		b.WriteByte(';')
	}
	return b.String()
}

// Cacheable reports whether a task may be cached at all: creative
// generation above the temperature threshold is excluded per spec.
func Cacheable(temperature float64, nondeterministic bool) bool {
	if nondeterministic {
		return false
	}
	return temperature <= 0.7
}
