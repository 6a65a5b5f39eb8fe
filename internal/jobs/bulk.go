package jobs

import (
	"context"
	"fmt"

	"github.com/google/uuid"
)

// Bulk operations.
const (
	OpCancel  = "cancel"
	OpRestart = "restart"
	OpArchive = "archive"
	OpDelete  = "delete"
)

// OpResult reports the outcome of one bulk operation item.
type OpResult struct {
	JobID   uuid.UUID `json:"job_id"`
	Success bool      `json:"success"`
	Error   string    `json:"error,omitempty"`
}

// Coordinator applies a lifecycle operation across a set of job ids. Every
// id is attempted; a precondition failure on one job is reported per item
// and never aborts the rest (all-attempted, partial-success).
type Coordinator struct {
	svc *Service
}

// NewCoordinator creates a Coordinator over the given service.
func NewCoordinator(svc *Service) *Coordinator {
	return &Coordinator{svc: svc}
}

// Apply runs operation against each job id independently and returns one
// result per id, in input order. An unknown operation is rejected up front.
func (c *Coordinator) Apply(ctx context.Context, operation string, ids []uuid.UUID) ([]OpResult, error) {
	var fn func(context.Context, uuid.UUID) error
	switch operation {
	case OpCancel:
		fn = c.svc.Cancel
	case OpRestart:
		fn = c.svc.Restart
	case OpArchive:
		fn = c.svc.Archive
	case OpDelete:
		fn = c.svc.Delete
	default:
		return nil, fmt.Errorf("unknown bulk operation %q", operation)
	}

	results := make([]OpResult, 0, len(ids))
	for _, id := range ids {
		res := OpResult{JobID: id, Success: true}
		if err := fn(ctx, id); err != nil {
			res.Success = false
			res.Error = err.Error()
		}
		results = append(results, res)
	}
	return results, nil
}
