package workflow

import (
	"context"
	"time"

	"github.com/quantumlayer-platform/orchestrator-core/internal/apperr"
	"github.com/quantumlayer-platform/orchestrator-core/internal/cache"
	"github.com/quantumlayer-platform/orchestrator-core/internal/hap"
	"github.com/quantumlayer-platform/orchestrator-core/internal/types"
)

// taskRunner implements scheduler.TaskRunner by chaining dispatch,
// validation, and post-output HAP for one task. It is constructed fresh
// per workflow run since it closes over the request's tenant/mode.
type taskRunner struct {
	engine     *Engine
	workflowID string
	req        types.ExecutionRequest
	checker    hap.Checker
	cache      *cache.Cache
}

func (e *Engine) newTaskCache() *cache.Cache {
	return cache.New(1*time.Hour, 24*time.Hour)
}

func (r *taskRunner) taskCache() *cache.Cache {
	if r.cache == nil {
		r.cache = r.engine.newTaskCache()
	}
	return r.cache
}

// Run executes task: dispatch to the agent, then (unless mode=basic)
// validate the outputs and re-check HAP on the result.
func (r *taskRunner) Run(ctx context.Context, task types.Task, upstream []types.ContextSummary) (types.TaskResult, error) {
	provider, model := providerForTier(task.TierHint)
	result, err := r.engine.dispatch.Dispatch(ctx, task, upstream, r.req.Options.TierOverride, provider, model, r.workflowID, r.req.TenantID)
	if err != nil {
		return result, err
	}

	if r.req.Options.Mode == types.ModeBasic {
		result.Status = types.StatusSucceeded
		return result, nil
	}

	language := r.req.Constraints["language"]
	summary, passed, err := r.engine.validator.Evaluate(ctx, r.req.Options.Mode, result.Outputs, language, r.req.TenantID, r.req.UserID)
	if err != nil {
		if apperr.IsKind(err, apperr.KindPolicyBlocked) {
			result.Status = types.StatusFailedPermanent
			result.Error = &types.TaskError{Kind: string(apperr.KindPolicyBlocked), Message: err.Error()}
			return result, nil
		}
		return result, err
	}
	result.Metadata.ValidationScore = summary.OverallScore

	if !passed {
		result.Status = types.StatusFailedRetryable
		result.Error = &types.TaskError{Kind: string(apperr.KindValidationFailed), Message: "validation score below threshold"}
		return result, nil
	}

	result.Status = types.StatusSucceeded
	return result, nil
}

// providerForTier maps a tier to a default (provider, model) pair. Real
// deployments configure this per tenant; the default table keeps the
// dispatcher's circuit breakers/rate limiters partitioned sensibly out
// of the box.
func providerForTier(tier types.Tier) (string, string) {
	switch tier {
	case types.TierT0:
		return "internal", "fast-small"
	case types.TierT1:
		return "internal", "balanced"
	case types.TierT2:
		return "internal", "capable"
	case types.TierT3:
		return "internal", "frontier"
	default:
		return "internal", "balanced"
	}
}
