// Package scheduler fans the task graph out across a bounded worker
// pool, respecting dependencies, priority, the fingerprint cache, and
// fail-fast cancellation of dependents. The worker-pool-plus-coordinator
// shape is grounded on the teacher's executeDAG (dag_engine.go); the
// priority queue and single-flight/cache consultation are new, since the
// teacher dispatches ready tasks in arrival order with no cache layer.
package scheduler

import (
	"container/heap"
	"context"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/quantumlayer-platform/orchestrator-core/internal/apperr"
	"github.com/quantumlayer-platform/orchestrator-core/internal/cache"
	"github.com/quantumlayer-platform/orchestrator-core/internal/graph"
	"github.com/quantumlayer-platform/orchestrator-core/internal/resilience"
	"github.com/quantumlayer-platform/orchestrator-core/internal/sharedctx"
	"github.com/quantumlayer-platform/orchestrator-core/internal/types"
)

// TaskRunner executes one task end to end: dispatch, optional
// validation, post-output HAP. It is supplied by the workflow engine
// binding so the scheduler stays free of dispatcher/validation/hap
// concrete types.
type TaskRunner interface {
	Run(ctx context.Context, task types.Task, upstream []types.ContextSummary) (types.TaskResult, error)
}

// Scheduler executes one workflow's graph.
type Scheduler struct {
	graph      *graph.Graph
	runner     TaskRunner
	cache      *cache.Cache
	ctxStore   *sharedctx.Store
	constraints map[string]string

	concurrency int
	tracer      trace.Tracer

	tierCooldown *resilience.RateLimiter

	mu        sync.Mutex
	cancelled bool
	results   map[string]types.TaskResult
	attempts  map[string]int
}

// Config tunes one Scheduler run.
type Config struct {
	Concurrency int // 0 selects min(50, tasks/2+1)
}

// New builds a Scheduler for g, executed via runner, consulting cache
// and recording summaries into ctxStore as tasks complete.
func New(g *graph.Graph, runner TaskRunner, c *cache.Cache, ctxStore *sharedctx.Store, constraints map[string]string, cfg Config) *Scheduler {
	n := cfg.Concurrency
	if n <= 0 {
		n = len(g.Nodes)/2 + 1
		if n > 50 {
			n = 50
		}
		if n < 1 {
			n = 1
		}
	}
	return &Scheduler{
		graph:        g,
		runner:       runner,
		cache:        c,
		ctxStore:     ctxStore,
		constraints:  constraints,
		concurrency:  n,
		tracer:       otel.Tracer("orchestrator-scheduler"),
		tierCooldown: resilience.NewRateLimiter("scheduler-tier-cooldown", 1000, 1000, time.Minute, 0),
		results:      make(map[string]types.TaskResult),
		attempts:     make(map[string]int),
	}
}

// item is one entry in the ready priority queue.
type item struct {
	taskID string
}

type readyQueue struct {
	items []item
	nodes map[string]*graph.Node
}

func (q *readyQueue) Len() int { return len(q.items) }
func (q *readyQueue) Less(i, j int) bool {
	a, b := q.nodes[q.items[i].taskID].Task, q.nodes[q.items[j].taskID].Task
	if a.Priority != b.Priority {
		return a.Priority < b.Priority
	}
	ao, bo := types.KindOrder(a.Kind), types.KindOrder(b.Kind)
	if ao != bo {
		return ao < bo
	}
	return a.TaskID < b.TaskID
}
func (q *readyQueue) Swap(i, j int) { q.items[i], q.items[j] = q.items[j], q.items[i] }
func (q *readyQueue) Push(x interface{}) { q.items = append(q.items, x.(item)) }
func (q *readyQueue) Pop() interface{} {
	old := q.items
	n := len(old)
	it := old[n-1]
	q.items = old[:n-1]
	return it
}

// Cancel sets the terminal cancellation flag; in-flight work is allowed
// to finish (per spec's recommendation to let activities run to their
// deadline rather than aborting remote calls), but no new work is
// issued.
func (s *Scheduler) Cancel() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cancelled = true
}

func (s *Scheduler) isCancelled() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cancelled
}

// Run drives the graph to completion: every task reaches a terminal
// status or a fatal signal (context cancellation or an explicit Cancel)
// stops issuing new work.
func (s *Scheduler) Run(ctx context.Context) (map[string]types.TaskResult, error) {
	ctx, span := s.tracer.Start(ctx, "scheduler.run")
	defer span.End()

	inDegree := make(map[string]int, len(s.graph.Nodes))
	for id, n := range s.graph.Nodes {
		inDegree[id] = n.InDegree
	}

	rq := &readyQueue{nodes: s.graph.Nodes}
	heap.Init(rq)
	for _, id := range s.graph.Roots() {
		heap.Push(rq, item{taskID: id})
	}

	type outcome struct {
		taskID string
		result types.TaskResult
		err    error
	}

	sem := make(chan struct{}, s.concurrency)
	outcomes := make(chan outcome, len(s.graph.Nodes))
	active := 0
	done := 0
	total := len(s.graph.Nodes)

	launch := func(taskID string) {
		active++
		sem <- struct{}{}
		go func() {
			defer func() { <-sem }()
			node := s.graph.Nodes[taskID]
			result, err := s.execute(ctx, node.Task)
			outcomes <- outcome{taskID: taskID, result: result, err: err}
		}()
	}

	for rq.Len() > 0 && active < s.concurrency {
		it := heap.Pop(rq).(item)
		launch(it.taskID)
	}

	for done < total {
		if s.isCancelled() && rq.Len() > 0 {
			// Drain remaining ready tasks as cancelled without launching them.
			for rq.Len() > 0 {
				it := heap.Pop(rq).(item)
				s.recordCancelled(it.taskID)
				done++
			}
			if done >= total {
				break
			}
		}

		if s.isCancelled() && active == 0 {
			// Nothing in flight will unlock the rest: record every task
			// that has not reached a terminal status as cancelled.
			for id := range s.graph.Nodes {
				if !s.alreadyTerminal(id) {
					s.recordCancelled(id)
					done++
				}
			}
			break
		}

		select {
		case <-ctx.Done():
			return s.snapshot(), ctx.Err()
		case oc := <-outcomes:
			active--
			done++
			s.mu.Lock()
			s.results[oc.taskID] = oc.result
			s.mu.Unlock()

			node := s.graph.Nodes[oc.taskID]
			summary := types.ContextSummary{
				TaskID:    oc.taskID,
				Status:    oc.result.Status,
				UpdatedAt: time.Now(),
			}
			for path := range oc.result.Outputs {
				summary.Files = append(summary.Files, path)
			}
			s.ctxStore.Put(summary)

			if oc.result.Status == types.StatusFailedPermanent {
				s.cancelDependents(node, &done)
			} else if oc.result.Status == types.StatusFailedRetryable {
				s.mu.Lock()
				s.attempts[oc.taskID]++
				attempt := s.attempts[oc.taskID]
				s.mu.Unlock()
				if attempt < node.Task.MaxRetries {
					done--
					launch(oc.taskID)
					continue
				}
				s.mu.Lock()
				s.results[oc.taskID] = types.TaskResult{TaskID: oc.taskID, Status: types.StatusFailedPermanent, Error: oc.result.Error}
				s.mu.Unlock()
				s.cancelDependents(node, &done)
			}

			if !s.isCancelled() {
				for _, child := range node.Children {
					inDegree[child.Task.TaskID]--
					if inDegree[child.Task.TaskID] == 0 {
						if s.alreadyTerminal(child.Task.TaskID) {
							continue
						}
						heap.Push(rq, item{taskID: child.Task.TaskID})
					}
				}
			}

			for rq.Len() > 0 && active < s.concurrency && !s.isCancelled() {
				it := heap.Pop(rq).(item)
				launch(it.taskID)
			}
		}
	}

	span.SetAttributes(attribute.Int("tasks_total", total))
	return s.snapshot(), nil
}

func (s *Scheduler) alreadyTerminal(taskID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.results[taskID]
	return ok
}

// cancelDependents transitively marks taskID's children cancelled,
// fail-fast policy, incrementing done for each newly-terminal node.
func (s *Scheduler) cancelDependents(node *graph.Node, done *int) {
	var walk func(n *graph.Node)
	walk = func(n *graph.Node) {
		for _, child := range n.Children {
			if s.alreadyTerminal(child.Task.TaskID) {
				continue
			}
			s.recordCancelled(child.Task.TaskID)
			*done++
			walk(child)
		}
	}
	walk(node)
}

func (s *Scheduler) recordCancelled(taskID string) {
	s.mu.Lock()
	s.results[taskID] = types.TaskResult{TaskID: taskID, Status: types.StatusCancelled}
	s.mu.Unlock()
	s.ctxStore.Put(types.ContextSummary{TaskID: taskID, Status: types.StatusCancelled, UpdatedAt: time.Now()})
}

func (s *Scheduler) snapshot() map[string]types.TaskResult {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]types.TaskResult, len(s.results))
	for k, v := range s.results {
		out[k] = v
	}
	return out
}

// execute consults the cache, and on miss delegates to runner via the
// cache's single-flight Compute so concurrent equivalent tasks that use
// this cache, within this process, share one invocation.
func (s *Scheduler) execute(ctx context.Context, task types.Task) (types.TaskResult, error) {
	fp := cache.Fingerprint(task, s.constraints)
	upstream := s.ctxStore.Snapshot(task.DependsOn)

	result, hit, err := s.cache.Compute(ctx, fp, false, func(ctx context.Context) (types.TaskResult, error) {
		return s.runner.Run(ctx, task, upstream)
	})
	if hit {
		result.Status = types.StatusSkippedCached
		return result, nil
	}
	if err != nil {
		if apperr.IsKind(err, apperr.KindRateLimited) {
			s.tierCooldown.Cooldown(1)
		}
		return result, err
	}
	return result, nil
}
