// Package sharedctx implements the per-workflow shared context store: a
// compact snapshot of each completed task's summary, written only by the
// scheduler. Reads take a shared read lock; they are not lock-free.
package sharedctx

import (
	"sync"

	"github.com/quantumlayer-platform/orchestrator-core/internal/types"
)

// Store holds one workflow's summaries in memory. The teacher's
// WorkflowExecution.Context map plays the same role but as a bare
// map[string]interface{} guarded by a shared mutex; here writes are
// restricted to Put so the single-writer invariant is structural, not
// just documented.
type Store struct {
	mu        sync.RWMutex
	summaries map[string]types.ContextSummary
}

// New creates an empty per-workflow store.
func New() *Store {
	return &Store{summaries: make(map[string]types.ContextSummary)}
}

// Put records task's summary. Only the scheduler should call this, and
// only once a task reaches a terminal status.
func (s *Store) Put(summary types.ContextSummary) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.summaries[summary.TaskID] = summary
}

// Get returns the summary for taskID, if present.
func (s *Store) Get(taskID string) (types.ContextSummary, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sum, ok := s.summaries[taskID]
	return sum, ok
}

// Snapshot returns the summaries for the given task_ids, in order,
// skipping any not yet recorded. Used by the scheduler to assemble
// upstream context for a task about to run.
func (s *Store) Snapshot(taskIDs []string) []types.ContextSummary {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]types.ContextSummary, 0, len(taskIDs))
	for _, id := range taskIDs {
		if sum, ok := s.summaries[id]; ok {
			out = append(out, sum)
		}
	}
	return out
}

// All returns a defensive copy of every recorded summary.
func (s *Store) All() map[string]types.ContextSummary {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[string]types.ContextSummary, len(s.summaries))
	for k, v := range s.summaries {
		out[k] = v
	}
	return out
}
