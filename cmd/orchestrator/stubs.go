package main

import (
	"context"
	"fmt"
	"time"

	"github.com/quantumlayer-platform/orchestrator-core/internal/types"
)

// The Agent Factory, Validation Mesh, and decomposition LLM are
// deliberately out of scope: real deployments wire HTTP/gRPC clients
// implementing these interfaces. These stand-ins let the orchestrator
// binary start standalone and exercise the pipeline end to end with a
// trivial, deterministic decomposition.

type stubDecomposer struct{}

func (stubDecomposer) Decompose(_ context.Context, req types.ExecutionRequest) ([]types.Task, error) {
	return []types.Task{
		{
			TaskID:     "implement-1",
			Kind:       types.KindImplement,
			Title:      "Implement " + req.Description,
			Prompt:     req.Description,
			Priority:   1,
			MaxRetries: 3,
			Timeout:    120 * time.Second,
		},
	}, nil
}

type stubAgentExecutor struct{}

func (stubAgentExecutor) Execute(_ context.Context, task types.Task, _ []types.ContextSummary, tier types.Tier, _ time.Duration) (types.TaskResult, error) {
	return types.TaskResult{
		TaskID: task.TaskID,
		Status: types.StatusSucceeded,
		Outputs: map[string][]byte{
			fmt.Sprintf("%s.txt", task.TaskID): []byte(task.Prompt),
		},
		Metadata: types.TaskMetadata{TierUsed: tier},
	}, nil
}

type stubValidationService struct{}

func (stubValidationService) Validate(_ context.Context, files map[string][]byte, _ string, _ string) (types.ValidationSummary, error) {
	return types.ValidationSummary{
		OverallScore: 0.85,
		Stages: []types.ValidationStage{
			{Name: "syntax", Passed: true, Score: 1.0, Weight: 1.0},
			{Name: "style", Passed: true, Score: 0.8, Weight: 1.0},
			{Name: "security", Passed: true, Score: 1.0, Weight: 1.0},
			{Name: "types", Passed: true, Score: 1.0, Weight: 1.0},
			{Name: "runtime", Passed: true, Score: 0.8, Weight: 1.0, Details: fmt.Sprintf("%d files", len(files))},
		},
	}, nil
}
