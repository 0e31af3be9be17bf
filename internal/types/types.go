// Package types holds the core domain records shared across every
// orchestrator component: requests, tasks, results, and the final capsule.
package types

import "time"

// Mode controls how aggressively the pipeline validates and retries.
type Mode string

const (
	ModeBasic    Mode = "basic"
	ModeComplete Mode = "complete"
	ModeRobust   Mode = "robust"
)

// Tier identifies the LLM capability class a task is dispatched to.
type Tier string

const (
	TierT0 Tier = "T0"
	TierT1 Tier = "T1"
	TierT2 Tier = "T2"
	TierT3 Tier = "T3"
)

// TaskKind enumerates the node kinds in a decomposition graph. Order here
// is also the tie-break order used by the scheduler's priority queue.
type TaskKind string

const (
	KindDesign    TaskKind = "design"
	KindImplement TaskKind = "implement"
	KindTest      TaskKind = "test"
	KindDoc       TaskKind = "doc"
	KindIntegrate TaskKind = "integrate"
	KindReview    TaskKind = "review"
)

// KindOrder returns the tie-break rank for k (lower sorts first).
func KindOrder(k TaskKind) int {
	switch k {
	case KindDesign:
		return 0
	case KindImplement:
		return 1
	case KindTest:
		return 2
	case KindDoc:
		return 3
	case KindIntegrate:
		return 4
	case KindReview:
		return 5
	default:
		return 99
	}
}

// TaskStatus is the lifecycle state of a single task within a workflow.
type TaskStatus string

const (
	StatusPending        TaskStatus = "pending"
	StatusRunning         TaskStatus = "running"
	StatusSucceeded       TaskStatus = "succeeded"
	StatusFailedPermanent TaskStatus = "failed_permanent"
	StatusFailedRetryable TaskStatus = "failed_retryable"
	StatusCancelled       TaskStatus = "cancelled"
	StatusSkippedCached   TaskStatus = "skipped_cached"
)

// Severity is the HAP moderation severity ordering, clean < ... < critical.
type Severity string

const (
	SeverityClean    Severity = "clean"
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

var severityRank = map[Severity]int{
	SeverityClean:    0,
	SeverityLow:      1,
	SeverityMedium:   2,
	SeverityHigh:     3,
	SeverityCritical: 4,
}

// SeverityAtLeast reports whether got is ranked at or above want.
func SeverityAtLeast(got, want Severity) bool {
	return severityRank[got] >= severityRank[want]
}

// SeverityDemote steps sev down by one level, floored at clean.
func SeverityDemote(sev Severity) Severity {
	for s, r := range severityRank {
		if r == severityRank[sev]-1 {
			return s
		}
	}
	return SeverityClean
}

// HAPContext distinguishes the two moderation checkpoints.
type HAPContext string

const (
	ContextUserRequest HAPContext = "user_request"
	ContextAgentOutput HAPContext = "agent_output"
)

// RequestOptions carries the per-request policy knobs from §6.
type RequestOptions struct {
	Mode             Mode
	TierOverride     Tier
	ValidationStrict bool
	ValidationSec    bool
	ValidationPerf   bool
	DeliveryFormat   string
	DeliveryMethod   string
}

// ExecutionRequest is the immutable submission. request_id is the
// idempotency key for the whole pipeline.
type ExecutionRequest struct {
	RequestID    string
	TenantID     string
	UserID       string
	Description  string
	Requirements string
	Constraints  map[string]string
	Options      RequestOptions
	CreatedAt    time.Time
}

// Task is a node in the decomposition DAG.
type Task struct {
	TaskID       string
	Kind         TaskKind
	Title        string
	Prompt       string
	TierHint     Tier
	Priority     int
	DependsOn    []string
	InputsDigest string
	MaxRetries   int
	Timeout      time.Duration

	// PromptEvolved records whether MetaPromptEngine already replaced
	// Prompt once; further evolution attempts are ignored.
	PromptEvolved bool
}

// TaskError is the compact error carried on a TaskResult.
type TaskError struct {
	Kind    string
	Message string
}

// TaskMetadata is the observability/cost envelope attached to every result.
type TaskMetadata struct {
	TierUsed         Tier
	TokensIn         int
	TokensOut        int
	LatencyMS        int64
	CostUSD          float64
	HAPSeverity      Severity
	ValidationScore  float64
	Attempt          int
	Nondeterministic bool
}

// TaskResult is the output of one task attempt.
type TaskResult struct {
	TaskID   string
	Status   TaskStatus
	Outputs  map[string][]byte // relative path -> file content
	Metadata TaskMetadata
	Error    *TaskError
}

// ContextSummary is the compact per-task entry stored in SharedContext;
// full result bytes live in the task-result store, not here.
type ContextSummary struct {
	TaskID    string
	Status    TaskStatus
	Summary   string
	Files     []string
	UpdatedAt time.Time
}

// ValidationStage is one stage's verdict from the Validation Coordinator.
type ValidationStage struct {
	Name        string
	Passed      bool
	Score       float64
	Weight      float64
	Details     string
	Suggestions []string
}

// ValidationSummary aggregates the 5-stage (+content_safety) pipeline.
type ValidationSummary struct {
	OverallScore  float64
	Stages        []ValidationStage
	RuntimeSkipped bool
}

// CostSummary totals what a workflow spent.
type CostSummary struct {
	TotalTokensIn  int
	TotalTokensOut int
	TotalCostUSD   float64
}

// CapsuleManifest is the final persisted artifact.
type CapsuleManifest struct {
	CapsuleID         string
	RequestID         string
	Files             []CapsuleFile
	Languages         []string
	EntryPoints       []string
	ValidationSummary ValidationSummary
	CostSummary       CostSummary
	Partial           bool
	CreatedAt         time.Time
}

// CapsuleFile is one ordered entry of the manifest's file tree.
type CapsuleFile struct {
	Path    string
	Content []byte
}

// UsageRecord is an append-only per-call cost ledger entry.
type UsageRecord struct {
	WorkflowID string
	TaskID     string
	TenantID   string
	Provider   string
	Model      string
	TokensIn   int
	TokensOut  int
	CostUSD    float64
	LatencyMS  int64
	CreatedAt  time.Time
}

// HAPViolation is an append-only moderation log row.
type HAPViolation struct {
	WorkflowID  string
	Context     HAPContext
	Severity    Severity
	Categories  []string
	ContentHash string
	TenantID    string
	UserID      string
	CreatedAt   time.Time
}

// WorkflowState is the coarse lifecycle state exposed by the status API.
type WorkflowState string

const (
	WorkflowPending   WorkflowState = "pending"
	WorkflowRunning   WorkflowState = "running"
	WorkflowSucceeded WorkflowState = "succeeded"
	WorkflowFailed    WorkflowState = "failed"
	WorkflowCancelled WorkflowState = "cancelled"
)

// StatusSnapshot answers a get-status query.
type StatusSnapshot struct {
	WorkflowID      string
	State           WorkflowState
	PercentComplete float64
	CurrentStep     string
	TasksTotal      int
	TasksDone       int
	Message         string
}
