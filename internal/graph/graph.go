// Package graph builds and validates the DAG of tasks produced by
// decomposing an ExecutionRequest, the same responsibility the teacher's
// dag_engine.go folds into buildDAG but split out here as its own stage
// ahead of scheduling.
package graph

import (
	"context"
	"fmt"
	"sort"

	"time"

	"github.com/quantumlayer-platform/orchestrator-core/internal/apperr"
	"github.com/quantumlayer-platform/orchestrator-core/internal/resilience"
	"github.com/quantumlayer-platform/orchestrator-core/internal/types"
)

// MaxTasks bounds a single decomposition. The bound is fixed: Build
// rejects any task list longer than this, and no caller can change it.
const MaxTasks = 50

// Node wraps a Task with dependency bookkeeping resolved at build time.
type Node struct {
	Task     types.Task
	Children []*Node
	InDegree int
}

// Graph is the validated, acyclic result of a decomposition.
type Graph struct {
	Nodes map[string]*Node
	Order []string // topological tie-break order computed at build time
}

// Decomposer turns free-text + constraints into a draft task list. It is
// the external collaborator; Decompose below wraps it with validation,
// retry, and prompt-evolution policy.
type Decomposer interface {
	Decompose(ctx context.Context, req types.ExecutionRequest) ([]types.Task, error)
}

// MetaPromptEngine evolves a task's prompt once, before scheduling starts.
// A zero-value (empty) return means "no change" per spec policy.
type MetaPromptEngine interface {
	Evolve(ctx context.Context, task types.Task, req types.ExecutionRequest) (string, error)
}

// Decompose builds a Graph from req using d, retrying transient failures
// once, then evolves prompts via pe (if non-nil) before returning.
func Decompose(ctx context.Context, d Decomposer, pe MetaPromptEngine, req types.ExecutionRequest) (*Graph, error) {
	policy := resilience.Policy{
		MaxAttempts: 2,
		BaseDelay:   500 * time.Millisecond,
		Classify:    func(error) bool { return true },
	}
	tasks, err := resilience.Retry(ctx, policy, func() ([]types.Task, error) {
		return d.Decompose(ctx, req)
	})
	if err != nil {
		return nil, apperr.Wrap(err, apperr.KindDecompositionFailed, "decomposition failed after retry")
	}

	if pe != nil {
		for i := range tasks {
			evolved, err := pe.Evolve(ctx, tasks[i], req)
			if err != nil {
				continue // prompt evolution is best-effort, never fails the graph
			}
			if evolved != "" && !tasks[i].PromptEvolved {
				tasks[i].Prompt = evolved
				tasks[i].PromptEvolved = true
			}
		}
	}

	return Build(tasks)
}

// Build validates tasks and constructs the Graph: rejects zero-task
// input, duplicate task_ids, dangling edges, and cycles.
func Build(tasks []types.Task) (*Graph, error) {
	if len(tasks) == 0 {
		return nil, apperr.New(apperr.KindDecompositionFailed, "decomposition produced zero tasks")
	}
	if len(tasks) > MaxTasks {
		return nil, apperr.Newf(apperr.KindDecompositionFailed, "decomposition produced %d tasks, exceeds max %d", len(tasks), MaxTasks)
	}

	nodes := make(map[string]*Node, len(tasks))
	for _, t := range tasks {
		if _, dup := nodes[t.TaskID]; dup {
			return nil, apperr.Newf(apperr.KindDecompositionFailed, "duplicate task_id %q", t.TaskID)
		}
		nodes[t.TaskID] = &Node{Task: t, InDegree: len(t.DependsOn)}
	}

	for _, n := range nodes {
		for _, depID := range n.Task.DependsOn {
			parent, ok := nodes[depID]
			if !ok {
				return nil, apperr.Newf(apperr.KindDecompositionFailed, "task %s depends on non-existent task %s", n.Task.TaskID, depID)
			}
			parent.Children = append(parent.Children, n)
		}
	}

	order, err := topoOrder(nodes)
	if err != nil {
		return nil, err
	}

	return &Graph{Nodes: nodes, Order: order}, nil
}

// topoOrder runs Kahn's algorithm with the spec's tie-break
// (priority asc, kind order, task_id lex) and rejects any remaining
// cycle once the ready queue runs dry before all nodes are visited.
func topoOrder(nodes map[string]*Node) ([]string, error) {
	inDegree := make(map[string]int, len(nodes))
	for id, n := range nodes {
		inDegree[id] = n.InDegree
	}

	var ready []string
	for id, d := range inDegree {
		if d == 0 {
			ready = append(ready, id)
		}
	}

	order := make([]string, 0, len(nodes))
	for len(ready) > 0 {
		sort.Slice(ready, func(i, j int) bool {
			return lessTaskID(nodes[ready[i]].Task, nodes[ready[j]].Task)
		})
		next := ready[0]
		ready = ready[1:]
		order = append(order, next)

		for _, child := range nodes[next].Children {
			inDegree[child.Task.TaskID]--
			if inDegree[child.Task.TaskID] == 0 {
				ready = append(ready, child.Task.TaskID)
			}
		}
	}

	if len(order) != len(nodes) {
		return nil, apperr.New(apperr.KindDecompositionFailed, "decomposition graph contains a cycle")
	}
	return order, nil
}

func lessTaskID(a, b types.Task) bool {
	if a.Priority != b.Priority {
		return a.Priority < b.Priority
	}
	ao, bo := types.KindOrder(a.Kind), types.KindOrder(b.Kind)
	if ao != bo {
		return ao < bo
	}
	return a.TaskID < b.TaskID
}

// Roots returns task_ids with no dependencies, the scheduler's initial
// ready-set.
func (g *Graph) Roots() []string {
	var roots []string
	for id, n := range g.Nodes {
		if n.InDegree == 0 {
			roots = append(roots, id)
		}
	}
	sort.Slice(roots, func(i, j int) bool {
		return lessTaskID(g.Nodes[roots[i]].Task, g.Nodes[roots[j]].Task)
	})
	return roots
}

// Validate re-checks acyclicity, useful after an external mutation (e.g. a
// human-in-the-loop feedback signal injects a new task).
func (g *Graph) Validate() error {
	_, err := topoOrder(g.Nodes)
	return err
}

func (g *Graph) String() string {
	return fmt.Sprintf("graph{tasks=%d}", len(g.Nodes))
}
