package store

import (
	"context"
	"errors"

	"github.com/google/uuid"

	"github.com/dfirlabs/forensicd/pkg/models"
)

var ErrNotFound = errors.New("resource not found")
var ErrDuplicateKey = errors.New("duplicate key violation")
var ErrInvalidTransition = errors.New("invalid job status transition")

// Store is the data access interface. All database operations go through here.
//
// Per-job write ownership is split in two: SaveJob persists the fields the
// owning worker mutates (progress, log, result, timestamps) and never touches
// status; UpdateJobStatus persists out-of-band status pokes and pending-action
// changes. The two field sets are disjoint, so last-writer-wins on the row is
// safe under concurrent runner/poke writes.
type Store interface {
	Ping(ctx context.Context) error

	CreateJob(ctx context.Context, job *models.Job) error
	GetJob(ctx context.Context, id uuid.UUID) (*models.Job, error)
	ListJobs(ctx context.Context, filter JobFilter) ([]*models.Job, int, error)
	DeleteJob(ctx context.Context, id uuid.UUID) error
	SaveJob(ctx context.Context, job *models.Job) error
	UpdateJobStatus(ctx context.Context, id uuid.UUID, status string, opts ...JobUpdateOption) error
	SetRunnerTaskID(ctx context.Context, id uuid.UUID, taskID string) error

	GetAPIKeyByPrefix(ctx context.Context, prefix string) ([]*models.APIKey, error)
	UpdateAPIKeyLastUsed(ctx context.Context, id uuid.UUID) error
	CreateAPIKey(ctx context.Context, key *models.APIKey) error
	ListAPIKeys(ctx context.Context) ([]*models.APIKey, error)
	RevokeAPIKey(ctx context.Context, id uuid.UUID) error
}

type JobFilter struct {
	Status string
	CaseID string
	Page   int
	Limit  int
}

type jobUpdateParams struct {
	ErrorMessage       *string
	PendingAction      *models.PendingAction
	ClearPendingAction bool
	ResetForRestart    bool
}

type JobUpdateOption func(*jobUpdateParams)

func WithErrorMessage(msg string) JobUpdateOption {
	return func(p *jobUpdateParams) {
		p.ErrorMessage = &msg
	}
}

func WithPendingAction(pa models.PendingAction) JobUpdateOption {
	return func(p *jobUpdateParams) {
		p.PendingAction = &pa
	}
}

func ClearPendingAction() JobUpdateOption {
	return func(p *jobUpdateParams) {
		p.ClearPendingAction = true
	}
}

// ResetForRestart clears progress, error, result and log so a restarted job
// begins fresh.
func ResetForRestart() JobUpdateOption {
	return func(p *jobUpdateParams) {
		p.ResetForRestart = true
	}
}

// validTransitions encodes the job state machine. Setting a job to the
// status it already has is a no-op, not an error, so repeated out-of-band
// pokes stay idempotent.
var validTransitions = map[string][]string{
	models.JobStatusPending: {models.JobStatusRunning, models.JobStatusCancelled},
	models.JobStatusRunning: {
		models.JobStatusCompleted, models.JobStatusFailed,
		models.JobStatusCancelled, models.JobStatusAwaitingConfirmation,
	},
	models.JobStatusAwaitingConfirmation: {
		models.JobStatusPending, models.JobStatusFailed, models.JobStatusCancelled,
	},
	models.JobStatusCompleted: {models.JobStatusPending, models.JobStatusArchived},
	models.JobStatusFailed:    {models.JobStatusPending, models.JobStatusArchived},
	models.JobStatusCancelled: {models.JobStatusPending, models.JobStatusArchived},
	models.JobStatusArchived:  {},
}

func transitionAllowed(from, to string) bool {
	if from == to {
		return true
	}
	for _, s := range validTransitions[from] {
		if s == to {
			return true
		}
	}
	return false
}
