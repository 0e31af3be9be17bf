// Package workflow binds graph decomposition, scheduling, validation,
// HAP, and capsule assembly into one workflow run and appends its event
// log to bbolt as a history record. Side effects are called directly,
// not through an activity wrapper with at-least-once retries, and the
// history is never replayed, so a run interrupted by a crash is not
// resumed.
//
// Durability shape (event log + in-memory live registry + signal
// channels) is grounded on the teacher's persistence.go (WorkflowStore)
// and cancellation.go (CancellationManager); this package folds both
// responsibilities into one engine since spec treats them as a single
// component (C8).
package workflow

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"go.etcd.io/bbolt"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/quantumlayer-platform/orchestrator-core/internal/apperr"
	"github.com/quantumlayer-platform/orchestrator-core/internal/capsule"
	"github.com/quantumlayer-platform/orchestrator-core/internal/dispatcher"
	"github.com/quantumlayer-platform/orchestrator-core/internal/graph"
	"github.com/quantumlayer-platform/orchestrator-core/internal/hap"
	"github.com/quantumlayer-platform/orchestrator-core/internal/scheduler"
	"github.com/quantumlayer-platform/orchestrator-core/internal/sharedctx"
	"github.com/quantumlayer-platform/orchestrator-core/internal/storage"
	"github.com/quantumlayer-platform/orchestrator-core/internal/types"
)

var bucketHistory = []byte("workflow_history")

// SignalKind enumerates the four supported signals from spec §4.8.
type SignalKind string

const (
	SignalCancel         SignalKind = "cancel"
	SignalPause          SignalKind = "pause"
	SignalResume         SignalKind = "resume"
	SignalInjectFeedback SignalKind = "inject_feedback"
)

// Signal is a payload delivered to a running workflow.
type Signal struct {
	Kind    SignalKind
	Payload string
}

// Notifier fans terminal workflow status (succeeded or failed) out
// best-effort (e.g. NATS); signals are not published. A nil Notifier is
// a valid no-op.
type Notifier interface {
	Publish(ctx context.Context, subject string, payload []byte)
}

// live tracks one in-flight workflow's cancellation and signal plumbing.
type live struct {
	cancel  context.CancelFunc
	signals chan Signal
	sched   *scheduler.Scheduler
	status  types.StatusSnapshot
	mu      sync.Mutex
}

// Engine is the durable workflow coordinator.
type Engine struct {
	db       *bbolt.DB
	store    *storage.Store
	notifier Notifier
	tracer   trace.Tracer
	log      *slog.Logger

	decomposer graph.Decomposer
	promptEng  graph.MetaPromptEngine
	dispatch   *dispatcher.Dispatcher
	validator  ValidationRunner
	checker    hap.Checker
	assembler  *capsule.Assembler
	ledger     AdmissionLedger

	deadline      time.Duration
	cancelGrace   time.Duration

	mu   sync.Mutex
	live map[string]*live
}

// ValidationRunner scores a task's outputs; satisfied by
// *validation.Coordinator but kept as an interface so the engine doesn't
// import the concrete package's external ValidationService dependency.
type ValidationRunner interface {
	Evaluate(ctx context.Context, mode types.Mode, outputs map[string][]byte, language, tenantID, userID string) (types.ValidationSummary, bool, error)
}

// AdmissionLedger is the pre-admission quota gate from spec §4.11,
// satisfied by *ledger.Ledger. Kept as an interface so the engine
// doesn't import the ledger package's quota/usage bookkeeping types.
type AdmissionLedger interface {
	CheckAdmission(tenantID, resource string, amount float64) (warn bool, err error)
}

// Deps bundles the Engine's collaborators.
type Deps struct {
	DB         *bbolt.DB
	Store      *storage.Store
	Notifier   Notifier
	Decomposer graph.Decomposer
	PromptEng  graph.MetaPromptEngine
	Dispatch   *dispatcher.Dispatcher
	Validator  ValidationRunner
	Checker    hap.Checker
	Assembler  *capsule.Assembler
	Ledger     AdmissionLedger
	Log        *slog.Logger
	Deadline   time.Duration
	CancelGrace time.Duration
}

// NewEngine opens (or reuses) the history bucket and returns an Engine.
func NewEngine(d Deps) (*Engine, error) {
	err := d.DB.Update(func(tx *bbolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucketHistory)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("open workflow history bucket: %w", err)
	}
	deadline := d.Deadline
	if deadline == 0 {
		deadline = 30 * time.Minute
	}
	grace := d.CancelGrace
	if grace == 0 {
		grace = 30 * time.Second
	}
	log := d.Log
	if log == nil {
		log = slog.Default()
	}
	return &Engine{
		db:          d.DB,
		store:       d.Store,
		notifier:    d.Notifier,
		tracer:      otel.Tracer("orchestrator-workflow"),
		log:         log,
		decomposer:  d.Decomposer,
		promptEng:   d.PromptEng,
		dispatch:    d.Dispatch,
		validator:   d.Validator,
		checker:     d.Checker,
		assembler:   d.Assembler,
		ledger:      d.Ledger,
		deadline:    deadline,
		cancelGrace: grace,
		live:        make(map[string]*live),
	}, nil
}

// WorkflowID derives a deterministic id from request_id, so resubmission
// of the same request always maps to the same workflow.
func WorkflowID(requestID string) string {
	sum := sha256.Sum256([]byte("workflow:" + requestID))
	return hex.EncodeToString(sum[:])[:32]
}

type historyEvent struct {
	WorkflowID string          `json:"workflow_id"`
	Kind       string          `json:"kind"`
	At         time.Time       `json:"at"`
	Detail     json.RawMessage `json:"detail,omitempty"`
}

func (e *Engine) appendHistory(workflowID, kind string, detail interface{}) {
	raw, _ := json.Marshal(detail)
	ev := historyEvent{WorkflowID: workflowID, Kind: kind, At: time.Now(), Detail: raw}
	payload, _ := json.Marshal(ev)
	_ = e.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket(bucketHistory)
		seq, _ := b.NextSequence()
		key := fmt.Sprintf("%s/%020d", workflowID, seq)
		return b.Put([]byte(key), payload)
	})
}

// Submit starts (or rejoins, if already persisted) the workflow for req
// and runs it to completion or cancellation. Idempotent: a second
// Submit for the same request_id returns the existing workflow_id
// without re-running anything that already produced a capsule.
func (e *Engine) Submit(ctx context.Context, req types.ExecutionRequest) (string, error) {
	workflowID := WorkflowID(req.RequestID)

	if existing, ok, err := e.store.GetCapsuleByRequestID(req.RequestID); err == nil && ok {
		_ = existing
		return workflowID, nil
	}

	if e.ledger != nil {
		// amount=0 asks only "has this tenant already blown through its
		// hard quota" — the real spend isn't known until decomposition
		// and dispatch run, so this is a pre-flight gate, not a reservation.
		warn, err := e.ledger.CheckAdmission(req.TenantID, "tokens", 0)
		if err != nil {
			return "", err
		}
		if warn {
			e.log.Warn("tenant above soft quota, admitting with warning",
				"tenant_id", req.TenantID, "request_id", req.RequestID)
		}
	}

	runCtx, cancel := context.WithTimeout(context.Background(), e.deadline)
	l := &live{
		cancel:  cancel,
		signals: make(chan Signal, 8),
		status:  types.StatusSnapshot{WorkflowID: workflowID, State: types.WorkflowPending},
	}
	e.mu.Lock()
	e.live[workflowID] = l
	e.mu.Unlock()

	e.appendHistory(workflowID, "submitted", req)
	go e.run(runCtx, workflowID, req, l)
	return workflowID, nil
}

func (e *Engine) run(ctx context.Context, workflowID string, req types.ExecutionRequest, l *live) {
	ctx, span := e.tracer.Start(ctx, "workflow.run", trace.WithAttributes(attribute.String("workflow_id", workflowID)))
	defer span.End()
	defer l.cancel()

	l.setState(types.WorkflowRunning, "decomposing", 0, 0)

	checkResult, checkErr := mustCheck(ctx, e.checker, req.Description, types.ContextUserRequest, req.TenantID, req.UserID)
	if _, err := hap.Gate(types.ContextUserRequest, checkResult, checkErr); err != nil {
		e.fail(workflowID, l, err)
		return
	}

	g, err := graph.Decompose(ctx, e.decomposer, e.promptEng, req)
	if err != nil {
		e.fail(workflowID, l, err)
		return
	}
	e.appendHistory(workflowID, "decomposed", map[string]int{"tasks": len(g.Nodes)})

	ctxStore := sharedctx.New()
	runner := &taskRunner{engine: e, workflowID: workflowID, req: req, checker: e.checker}
	sched := scheduler.New(g, runner, runner.taskCache(), ctxStore, req.Constraints, scheduler.Config{})
	l.mu.Lock()
	l.sched = sched
	l.mu.Unlock()

	go e.watchSignals(l)

	l.setState(types.WorkflowRunning, "scheduling", 0, len(g.Nodes))
	results, err := sched.Run(ctx)
	if err != nil && ctx.Err() != nil {
		l.setState(types.WorkflowCancelled, "cancelled", percentDone(results), len(g.Nodes))
		e.appendHistory(workflowID, "cancelled", nil)
		return
	}

	failed := false
	for _, r := range results {
		if r.Status == types.StatusFailedPermanent {
			failed = true
		}
	}

	if failed && req.Options.Mode == types.ModeRobust {
		e.fail(workflowID, l, apperr.New(apperr.KindValidationFailed, "one or more tasks failed permanently"))
		return
	}

	manifest, err := e.assembler.Assemble(req, g, results)
	if err != nil {
		if failed {
			e.fail(workflowID, l, err)
			return
		}
		e.fail(workflowID, l, apperr.Wrap(err, apperr.KindCapsulePersistenceFailed, "capsule assembly failed"))
		return
	}
	manifest.Partial = failed

	if err := e.store.SaveCapsule(req.RequestID, manifest); err != nil {
		e.fail(workflowID, l, apperr.Wrap(err, apperr.KindCapsulePersistenceFailed, "capsule persistence failed"))
		return
	}

	l.setState(types.WorkflowSucceeded, "done", 100, len(g.Nodes))
	e.appendHistory(workflowID, "succeeded", map[string]string{"capsule_id": manifest.CapsuleID})
	e.notify(workflowID, "succeeded")
}

func percentDone(results map[string]types.TaskResult) float64 {
	if len(results) == 0 {
		return 0
	}
	done := 0
	for _, r := range results {
		if r.Status != types.StatusPending && r.Status != types.StatusRunning {
			done++
		}
	}
	return 100 * float64(done) / float64(len(results))
}

func (e *Engine) fail(workflowID string, l *live, err error) {
	l.setState(types.WorkflowFailed, "failed", 0, 0)
	l.mu.Lock()
	l.status.Message = err.Error()
	l.mu.Unlock()
	e.appendHistory(workflowID, "failed", map[string]string{"error": err.Error()})
	e.notify(workflowID, "failed")
}

func (e *Engine) notify(workflowID, state string) {
	if e.notifier == nil {
		return
	}
	e.notifier.Publish(context.Background(), "workflow."+workflowID+".status", []byte(state))
}

func mustCheck(ctx context.Context, checker hap.Checker, content string, hapCtx types.HAPContext, tenantID, userID string) (hap.CheckResult, error) {
	if checker == nil {
		return hap.CheckResult{Severity: types.SeverityClean}, nil
	}
	return checker.Check(ctx, content, hapCtx, tenantID, userID)
}

// Signal delivers a signal to a live workflow; a no-op if the workflow
// is not currently running (e.g. already terminal).
func (e *Engine) Signal(workflowID string, sig Signal) error {
	e.mu.Lock()
	l, ok := e.live[workflowID]
	e.mu.Unlock()
	if !ok {
		return apperr.Newf(apperr.KindInvalidInput, "workflow %s is not running", workflowID)
	}
	select {
	case l.signals <- sig:
		return nil
	default:
		return apperr.Newf(apperr.KindInternal, "signal queue full for workflow %s", workflowID)
	}
}

func (e *Engine) watchSignals(l *live) {
	for sig := range l.signals {
		switch sig.Kind {
		case SignalCancel:
			l.mu.Lock()
			sched := l.sched
			l.mu.Unlock()
			if sched != nil {
				sched.Cancel()
			}
			l.cancel()
			return
		case SignalPause, SignalResume, SignalInjectFeedback:
			// Best-effort hooks for human-in-the-loop; the scheduler
			// itself has no pause primitive yet, so these are recorded
			// but do not change execution.
			l.mu.Lock()
			workflowID := l.status.WorkflowID
			l.mu.Unlock()
			e.appendHistory(workflowID, "signal_"+string(sig.Kind), map[string]string{"payload": sig.Payload})
		}
	}
}

func (l *live) setState(state types.WorkflowState, step string, percent float64, total int) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.status.State = state
	l.status.CurrentStep = step
	l.status.PercentComplete = percent
	l.status.TasksTotal = total
}

// GetStatus answers a get-status query.
func (e *Engine) GetStatus(workflowID string) (types.StatusSnapshot, bool) {
	e.mu.Lock()
	l, ok := e.live[workflowID]
	e.mu.Unlock()
	if !ok {
		return types.StatusSnapshot{}, false
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.status, true
}
