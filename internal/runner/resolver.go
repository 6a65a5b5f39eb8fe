package runner

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/dfirlabs/forensicd/internal/store"
	"github.com/dfirlabs/forensicd/pkg/models"
)

// Resolver settles a job's pending privileged action. Confirm re-attempts
// the operation exactly once under a bounded timeout; Deny refuses it. Both
// are no-ops unless the job is awaiting confirmation.
type Resolver struct {
	store   store.Store
	timeout time.Duration
}

// NewResolver creates a Resolver with the given per-attempt timeout.
func NewResolver(st store.Store, timeout time.Duration) *Resolver {
	return &Resolver{store: st, timeout: timeout}
}

// Confirm re-attempts the pending privileged operation. On success the job
// returns to pending with its state reset, ready for a fresh restart; on
// failure it is marked failed with the operation's error. Returns false when
// the job is not awaiting confirmation.
func (r *Resolver) Confirm(ctx context.Context, jobID uuid.UUID) (bool, error) {
	job, err := r.store.GetJob(ctx, jobID)
	if err != nil {
		return false, err
	}
	if job.Status != models.JobStatusAwaitingConfirmation || job.PendingAction == nil {
		return false, nil
	}

	if err := r.attempt(job.PendingAction); err != nil {
		uerr := r.store.UpdateJobStatus(ctx, jobID, models.JobStatusFailed,
			store.WithErrorMessage(err.Error()), store.ClearPendingAction())
		return true, uerr
	}

	return true, r.store.UpdateJobStatus(ctx, jobID, models.JobStatusPending,
		store.ClearPendingAction(), store.ResetForRestart())
}

// Deny refuses the pending operation and fails the job. Returns false when
// the job is not awaiting confirmation.
func (r *Resolver) Deny(ctx context.Context, jobID uuid.UUID) (bool, error) {
	job, err := r.store.GetJob(ctx, jobID)
	if err != nil {
		return false, err
	}
	if job.Status != models.JobStatusAwaitingConfirmation {
		return false, nil
	}

	return true, r.store.UpdateJobStatus(ctx, jobID, models.JobStatusFailed,
		store.WithErrorMessage("privileged cleanup denied by user"), store.ClearPendingAction())
}

func (r *Resolver) attempt(pa *models.PendingAction) error {
	switch pa.ActionType {
	case models.ActionForceRemove:
		return clearDestination(pa.TargetPath, r.timeout)
	default:
		return fmt.Errorf("unknown pending action type %q", pa.ActionType)
	}
}
