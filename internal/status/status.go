// Package status exposes the read-only GetStatus/GetResult queries
// (C12) over the workflow engine's live state and the persisted
// capsule store.
package status

import (
	"github.com/quantumlayer-platform/orchestrator-core/internal/apperr"
	"github.com/quantumlayer-platform/orchestrator-core/internal/storage"
	"github.com/quantumlayer-platform/orchestrator-core/internal/types"
)

// StatusSource is satisfied by *workflow.Engine.
type StatusSource interface {
	GetStatus(workflowID string) (types.StatusSnapshot, bool)
}

// API answers status/result queries.
type API struct {
	source StatusSource
	store  *storage.Store
}

// New builds a status API over source and store.
func New(source StatusSource, store *storage.Store) *API {
	return &API{source: source, store: store}
}

// GetStatus is always available once the request is admitted.
func (a *API) GetStatus(workflowID string) (types.StatusSnapshot, error) {
	snap, ok := a.source.GetStatus(workflowID)
	if !ok {
		return types.StatusSnapshot{}, apperr.Newf(apperr.KindInvalidInput, "unknown workflow %s", workflowID)
	}
	return snap, nil
}

// GetResult returns the persisted CapsuleManifest, 404-equivalent until
// terminal (surfaced as KindInvalidInput so the caller maps it to a 404).
func (a *API) GetResult(workflowID, requestID string) (types.CapsuleManifest, error) {
	snap, ok := a.source.GetStatus(workflowID)
	if !ok || (snap.State != types.WorkflowSucceeded && snap.State != types.WorkflowFailed && snap.State != types.WorkflowCancelled) {
		return types.CapsuleManifest{}, apperr.Newf(apperr.KindInvalidInput, "workflow %s not yet terminal", workflowID)
	}
	manifest, found, err := a.store.GetCapsuleByRequestID(requestID)
	if err != nil {
		return types.CapsuleManifest{}, err
	}
	if !found {
		return types.CapsuleManifest{}, apperr.Newf(apperr.KindInvalidInput, "no result for workflow %s", workflowID)
	}
	return manifest, nil
}
