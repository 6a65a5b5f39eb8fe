// Package jobs is the control-plane service over the job store and the
// runner pool: job creation, lifecycle pokes (cancel, restart, archive,
// delete), pending-action resolution, and bulk application of those
// operations.
package jobs

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/dfirlabs/forensicd/internal/cache"
	"github.com/dfirlabs/forensicd/internal/progress"
	"github.com/dfirlabs/forensicd/internal/store"
	"github.com/dfirlabs/forensicd/pkg/models"
)

var (
	ErrNotCancellable = errors.New("job cannot be cancelled in its current state")
	ErrNotRestartable = errors.New("job cannot be restarted in its current state")
	ErrNotArchivable  = errors.New("only finished jobs can be archived")
	ErrJobRunning     = errors.New("cannot delete a running job")
	ErrNotAwaiting    = errors.New("job is not awaiting confirmation")
)

// defaultRequiredPhases is the standard pipeline when a job does not name
// the phases it wants validated.
var defaultRequiredPhases = []string{
	progress.PhaseIdentification,
	progress.PhaseCollection,
	progress.PhaseProcessing,
	progress.PhaseAnalysis,
}

// Submitter is the slice of the runner pool the service needs.
type Submitter interface {
	Submit(ctx context.Context, jobID uuid.UUID) (string, error)
	Revoke(taskID string) bool
}

// PendingResolver settles a job's pending privileged action.
type PendingResolver interface {
	Confirm(ctx context.Context, jobID uuid.UUID) (bool, error)
	Deny(ctx context.Context, jobID uuid.UUID) (bool, error)
}

// Service wires the store, the runner pool, the resolver and the status
// cache behind one API for handlers and the bulk coordinator.
type Service struct {
	store    store.Store
	pool     Submitter
	resolver PendingResolver
	cache    cache.Cache
}

// NewService creates a Service. cache may be nil; status caching is then
// skipped.
func NewService(st store.Store, pool Submitter, resolver PendingResolver, ca cache.Cache) *Service {
	return &Service{store: st, pool: pool, resolver: resolver, cache: ca}
}

// CreateParams holds validated parameters for a new job.
type CreateParams struct {
	CaseID          string
	SourcePaths     []string
	DestinationPath string
	Overwrite       bool
	RequiredPhases  []string
}

// Create persists a pending job and enqueues it on the runner pool.
func (s *Service) Create(ctx context.Context, p CreateParams) (*models.Job, error) {
	required := p.RequiredPhases
	if len(required) == 0 {
		required = defaultRequiredPhases
	}

	now := time.Now().UTC()
	job := &models.Job{
		ID:              uuid.New(),
		CaseID:          p.CaseID,
		SourcePaths:     p.SourcePaths,
		DestinationPath: p.DestinationPath,
		Status:          models.JobStatusPending,
		Log:             []string{},
		Overwrite:       p.Overwrite,
		RequiredPhases:  required,
		CreatedAt:       now,
		UpdatedAt:       now,
	}

	if err := s.store.CreateJob(ctx, job); err != nil {
		return nil, fmt.Errorf("creating job: %w", err)
	}

	if _, err := s.pool.Submit(ctx, job.ID); err != nil {
		// Roll the row back rather than leaving a pending job nothing
		// will ever pick up.
		_ = s.store.DeleteJob(ctx, job.ID)
		return nil, fmt.Errorf("enqueue job: %w", err)
	}

	s.cacheStatus(ctx, job.ID, models.JobStatusPending)
	return s.store.GetJob(ctx, job.ID)
}

func (s *Service) Get(ctx context.Context, id uuid.UUID) (*models.Job, error) {
	return s.store.GetJob(ctx, id)
}

func (s *Service) List(ctx context.Context, filter store.JobFilter) ([]*models.Job, int, error) {
	return s.store.ListJobs(ctx, filter)
}

// Status returns the job's status, served from the cache when possible.
func (s *Service) Status(ctx context.Context, id uuid.UUID) (string, error) {
	if s.cache != nil {
		if status, ok, err := s.cache.GetJobStatus(ctx, id); err == nil && ok {
			return status, nil
		}
	}
	job, err := s.store.GetJob(ctx, id)
	if err != nil {
		return "", err
	}
	return job.Status, nil
}

// Cancel cooperatively cancels a job. A queued or lock-waiting job stops
// before spawning anything; a running job has its subprocess terminated via
// the pool's revoke.
func (s *Service) Cancel(ctx context.Context, id uuid.UUID) error {
	job, err := s.store.GetJob(ctx, id)
	if err != nil {
		return err
	}

	switch job.Status {
	case models.JobStatusPending, models.JobStatusRunning, models.JobStatusAwaitingConfirmation:
	default:
		return fmt.Errorf("%w: status is %s", ErrNotCancellable, job.Status)
	}

	if err := s.store.UpdateJobStatus(ctx, id, models.JobStatusCancelled, store.ClearPendingAction()); err != nil {
		return err
	}
	if job.RunnerTaskID != nil {
		s.pool.Revoke(*job.RunnerTaskID)
	}
	s.cacheStatus(ctx, id, models.JobStatusCancelled)
	return nil
}

// Restart resets a finished job (or a confirmed-pending one with no queued
// task) and re-enqueues it. Progress, log, result and error are cleared.
func (s *Service) Restart(ctx context.Context, id uuid.UUID) error {
	job, err := s.store.GetJob(ctx, id)
	if err != nil {
		return err
	}

	restartable := models.IsTerminal(job.Status) ||
		(job.Status == models.JobStatusPending && job.RunnerTaskID == nil)
	if !restartable {
		return fmt.Errorf("%w: status is %s", ErrNotRestartable, job.Status)
	}

	if err := s.store.UpdateJobStatus(ctx, id, models.JobStatusPending,
		store.ClearPendingAction(), store.ResetForRestart()); err != nil {
		return err
	}
	if _, err := s.pool.Submit(ctx, id); err != nil {
		return fmt.Errorf("enqueue job: %w", err)
	}
	s.cacheStatus(ctx, id, models.JobStatusPending)
	return nil
}

// Archive parks a finished job.
func (s *Service) Archive(ctx context.Context, id uuid.UUID) error {
	job, err := s.store.GetJob(ctx, id)
	if err != nil {
		return err
	}
	if !models.IsTerminal(job.Status) {
		return fmt.Errorf("%w: status is %s", ErrNotArchivable, job.Status)
	}
	if err := s.store.UpdateJobStatus(ctx, id, models.JobStatusArchived); err != nil {
		return err
	}
	s.cacheStatus(ctx, id, models.JobStatusArchived)
	return nil
}

// Delete removes a job record. Running jobs must be cancelled first.
func (s *Service) Delete(ctx context.Context, id uuid.UUID) error {
	job, err := s.store.GetJob(ctx, id)
	if err != nil {
		return err
	}
	if job.Status == models.JobStatusRunning {
		return ErrJobRunning
	}
	return s.store.DeleteJob(ctx, id)
}

// Confirm approves the job's pending privileged action.
func (s *Service) Confirm(ctx context.Context, id uuid.UUID) error {
	acted, err := s.resolver.Confirm(ctx, id)
	if err != nil {
		return err
	}
	if !acted {
		return ErrNotAwaiting
	}
	s.refreshCachedStatus(ctx, id)
	return nil
}

// Deny refuses the job's pending privileged action.
func (s *Service) Deny(ctx context.Context, id uuid.UUID) error {
	acted, err := s.resolver.Deny(ctx, id)
	if err != nil {
		return err
	}
	if !acted {
		return ErrNotAwaiting
	}
	s.refreshCachedStatus(ctx, id)
	return nil
}

// refreshCachedStatus re-reads the job after a resolver settled it; the
// resolver decides the resulting status, not the caller.
func (s *Service) refreshCachedStatus(ctx context.Context, id uuid.UUID) {
	if s.cache == nil {
		return
	}
	if job, err := s.store.GetJob(ctx, id); err == nil {
		s.cacheStatus(ctx, id, job.Status)
	}
}

func (s *Service) cacheStatus(ctx context.Context, id uuid.UUID, status string) {
	if s.cache != nil {
		_ = s.cache.SetJobStatus(ctx, id, status, cache.JobStatusTTL)
	}
}
