// Package validation coordinates the multi-stage scoring pipeline: five
// stages delegated to an external ValidationService plus a sixth,
// in-process content_safety stage backed by the HAP checker.
package validation

import (
	"context"

	"github.com/quantumlayer-platform/orchestrator-core/internal/apperr"
	"github.com/quantumlayer-platform/orchestrator-core/internal/hap"
	"github.com/quantumlayer-platform/orchestrator-core/internal/types"
)

// ValidationService is the external collaborator from spec §6.
type ValidationService interface {
	Validate(ctx context.Context, files map[string][]byte, language string, context string) (types.ValidationSummary, error)
}

// Coordinator aggregates ValidationService's five stages with the
// content_safety stage and applies the mode-dependent pass/fail policy.
type Coordinator struct {
	service ValidationService
	checker hap.Checker

	thresholdComplete float64
	thresholdRobust   float64
}

// New builds a Coordinator with the default/robust thresholds.
func New(service ValidationService, checker hap.Checker, thresholdComplete, thresholdRobust float64) *Coordinator {
	return &Coordinator{service: service, checker: checker, thresholdComplete: thresholdComplete, thresholdRobust: thresholdRobust}
}

// Evaluate runs the pipeline for one task's outputs and returns the
// aggregated summary plus whether it passes under mode's policy.
// basic mode skips validation entirely (always passes, with a summary
// whose OverallScore is 1.0 and which holds no stage results).
func (c *Coordinator) Evaluate(ctx context.Context, mode types.Mode, outputs map[string][]byte, language string, tenantID, userID string) (types.ValidationSummary, bool, error) {
	if mode == types.ModeBasic {
		return types.ValidationSummary{OverallScore: 1.0}, true, nil
	}

	summary, err := c.service.Validate(ctx, outputs, language, "task_output")
	if err != nil {
		// ValidationService unavailable: treat as a skipped-runtime-like
		// degradation, not a hard failure; the content_safety stage
		// still gates below.
		summary = types.ValidationSummary{OverallScore: 0, RuntimeSkipped: true}
	}

	contentStage, severity, err := c.contentSafetyStage(ctx, outputs, tenantID, userID)
	if err != nil {
		return summary, false, err
	}
	summary.Stages = append(summary.Stages, contentStage)
	summary.OverallScore = reweight(summary.Stages)

	if types.SeverityAtLeast(severity, types.SeverityHigh) {
		// A content-policy block is terminal, not a scoring failure: the
		// runner must mark the task failed_permanent rather than burn a
		// retry budget re-running a task that will fail the same way.
		return summary, false, apperr.PolicyBlocked(string(types.ContextAgentOutput), string(severity), nil)
	}

	threshold := c.thresholdComplete
	if mode == types.ModeRobust {
		threshold = c.thresholdRobust
	}
	return summary, summary.OverallScore >= threshold, nil
}

func (c *Coordinator) contentSafetyStage(ctx context.Context, outputs map[string][]byte, tenantID, userID string) (types.ValidationStage, types.Severity, error) {
	var combined []byte
	for _, content := range outputs {
		combined = append(combined, content...)
	}
	result, err := c.checker.Check(ctx, string(combined), types.ContextAgentOutput, tenantID, userID)
	if err != nil {
		// HAP checker fails open for outputs per spec §4.6.
		return types.ValidationStage{Name: "content_safety", Passed: true, Score: 1.0, Weight: 1.0}, types.SeverityClean, nil
	}
	score := 1.0
	if types.SeverityAtLeast(result.Severity, types.SeverityMedium) {
		score = 0.0
	}
	return types.ValidationStage{
		Name:    "content_safety",
		Passed:  !types.SeverityAtLeast(result.Severity, types.SeverityHigh),
		Score:   score,
		Weight:  1.0,
		Details: result.Explanation,
	}, result.Severity, nil
}

// reweight computes Σ(score·weight)/Σweight, skipping zero-weight stages
// (the runtime stage removes itself from the denominator by reporting
// weight 0 when skipped).
func reweight(stages []types.ValidationStage) float64 {
	var num, den float64
	for _, s := range stages {
		num += s.Score * s.Weight
		den += s.Weight
	}
	if den == 0 {
		return 0
	}
	return num / den
}
