package validation

import (
	"context"
	"testing"

	"github.com/quantumlayer-platform/orchestrator-core/internal/apperr"
	"github.com/quantumlayer-platform/orchestrator-core/internal/hap"
	"github.com/quantumlayer-platform/orchestrator-core/internal/types"
)

type fakeValidationService struct {
	summary types.ValidationSummary
	err     error
}

func (f fakeValidationService) Validate(_ context.Context, _ map[string][]byte, _ string, _ string) (types.ValidationSummary, error) {
	return f.summary, f.err
}

type fakeChecker struct {
	result hap.CheckResult
	err    error
}

func (f fakeChecker) Check(_ context.Context, _ string, _ types.HAPContext, _, _ string) (hap.CheckResult, error) {
	return f.result, f.err
}

func TestBasicModeAlwaysPasses(t *testing.T) {
	c := New(fakeValidationService{}, nil, 0.8, 0.9)
	summary, pass, err := c.Evaluate(context.Background(), types.ModeBasic, nil, "go", "tenant", "user")
	if err != nil || !pass {
		t.Fatalf("expected basic mode to always pass, got pass=%v err=%v", pass, err)
	}
	if summary.OverallScore != 1.0 {
		t.Fatalf("expected overall score 1.0, got %v", summary.OverallScore)
	}
}

func TestEvaluatePassesAboveThreshold(t *testing.T) {
	svc := fakeValidationService{summary: types.ValidationSummary{
		Stages: []types.ValidationStage{
			{Name: "syntax", Score: 1.0, Weight: 1.0},
			{Name: "style", Score: 1.0, Weight: 1.0},
		},
	}}
	checker := fakeChecker{result: hap.CheckResult{Severity: types.SeverityClean}}
	c := New(svc, checker, 0.8, 0.9)

	summary, pass, err := c.Evaluate(context.Background(), types.ModeComplete, map[string][]byte{"a.go": []byte("x")}, "go", "t1", "u1")
	if err != nil {
		t.Fatalf("Evaluate failed: %v", err)
	}
	if !pass {
		t.Fatalf("expected a clean, fully-passing summary to pass, got score %v", summary.OverallScore)
	}
}

func TestEvaluateFailsWhenHAPSeverityHigh(t *testing.T) {
	svc := fakeValidationService{summary: types.ValidationSummary{
		Stages: []types.ValidationStage{{Name: "syntax", Score: 1.0, Weight: 1.0}},
	}}
	checker := fakeChecker{result: hap.CheckResult{Severity: types.SeverityCritical}}
	c := New(svc, checker, 0.1, 0.1) // low threshold, so only HAP can fail this

	_, pass, err := c.Evaluate(context.Background(), types.ModeComplete, map[string][]byte{"a.go": []byte("bad")}, "go", "t1", "u1")
	if !apperr.IsKind(err, apperr.KindPolicyBlocked) {
		t.Fatalf("expected critical HAP severity to surface a policy_blocked error (terminal, not retryable), got %v", err)
	}
	if pass {
		t.Fatalf("expected critical HAP severity to force a fail regardless of score threshold")
	}
}

func TestEvaluateFailsOpenOnHAPCheckerError(t *testing.T) {
	svc := fakeValidationService{summary: types.ValidationSummary{
		Stages: []types.ValidationStage{{Name: "syntax", Score: 1.0, Weight: 1.0}},
	}}
	checker := fakeChecker{err: context.DeadlineExceeded}
	c := New(svc, checker, 0.5, 0.9)

	summary, pass, err := c.Evaluate(context.Background(), types.ModeComplete, map[string][]byte{"a.go": []byte("x")}, "go", "t1", "u1")
	if err != nil {
		t.Fatalf("expected HAP checker outage to fail open for outputs, got error %v", err)
	}
	if !pass {
		t.Fatalf("expected fail-open content_safety stage plus passing syntax score to pass overall, got %v", summary.OverallScore)
	}
}

func TestEvaluateUsesRobustThresholdInRobustMode(t *testing.T) {
	svc := fakeValidationService{summary: types.ValidationSummary{
		Stages: []types.ValidationStage{{Name: "syntax", Score: 0.85, Weight: 1.0}},
	}}
	checker := fakeChecker{result: hap.CheckResult{Severity: types.SeverityClean}}
	c := New(svc, checker, 0.8, 0.95)

	_, passComplete, _ := c.Evaluate(context.Background(), types.ModeComplete, map[string][]byte{"a.go": []byte("x")}, "go", "t1", "u1")
	_, passRobust, _ := c.Evaluate(context.Background(), types.ModeRobust, map[string][]byte{"a.go": []byte("x")}, "go", "t1", "u1")
	if !passComplete {
		t.Fatalf("expected the 0.925 score (0.85 syntax averaged with a clean content_safety 1.0) to pass the 0.8 complete threshold")
	}
	if passRobust {
		t.Fatalf("expected the same score to fail the stricter 0.95 robust threshold")
	}
}

func TestReweightSkipsZeroWeightStages(t *testing.T) {
	stages := []types.ValidationStage{
		{Name: "syntax", Score: 1.0, Weight: 1.0},
		{Name: "runtime", Score: 0, Weight: 0}, // skipped
		{Name: "style", Score: 0.5, Weight: 1.0},
	}
	got := reweight(stages)
	want := (1.0*1.0 + 0.5*1.0) / 2.0
	if got != want {
		t.Fatalf("reweight() = %v, want %v", got, want)
	}
}

func TestReweightEmptyIsZero(t *testing.T) {
	if got := reweight(nil); got != 0 {
		t.Fatalf("expected reweight of no stages to be 0, got %v", got)
	}
}
