package handler

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/dfirlabs/forensicd/internal/api/response"
	"github.com/dfirlabs/forensicd/internal/jobs"
	"github.com/dfirlabs/forensicd/internal/store"
	"github.com/dfirlabs/forensicd/pkg/models"
)

// JobService is the interface the job handlers depend on.
type JobService interface {
	Create(ctx context.Context, p jobs.CreateParams) (*models.Job, error)
	Get(ctx context.Context, id uuid.UUID) (*models.Job, error)
	List(ctx context.Context, filter store.JobFilter) ([]*models.Job, int, error)
	Status(ctx context.Context, id uuid.UUID) (string, error)
	Cancel(ctx context.Context, id uuid.UUID) error
	Restart(ctx context.Context, id uuid.UUID) error
	Archive(ctx context.Context, id uuid.UUID) error
	Delete(ctx context.Context, id uuid.UUID) error
	Confirm(ctx context.Context, id uuid.UUID) error
	Deny(ctx context.Context, id uuid.UUID) error
}

// BulkApplier applies one operation across many job ids.
type BulkApplier interface {
	Apply(ctx context.Context, operation string, ids []uuid.UUID) ([]jobs.OpResult, error)
}

// NewCreateJobHandler returns an http.HandlerFunc for POST /api/v1/jobs.
func NewCreateJobHandler(svc JobService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			CaseID          string   `json:"case_id"`
			SourcePaths     []string `json:"source_paths"`
			DestinationPath string   `json:"destination_path"`
			Overwrite       bool     `json:"overwrite"`
			RequiredPhases  []string `json:"required_phases"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			response.Error(w, http.StatusBadRequest, "INVALID_REQUEST", "Invalid JSON body", nil)
			return
		}

		if req.CaseID == "" {
			response.Error(w, http.StatusBadRequest, "INVALID_REQUEST", "case_id is required", nil)
			return
		}
		if len(req.SourcePaths) == 0 {
			response.Error(w, http.StatusBadRequest, "INVALID_REQUEST", "at least one source path is required", nil)
			return
		}
		if req.DestinationPath == "" {
			response.Error(w, http.StatusBadRequest, "INVALID_REQUEST", "destination_path is required", nil)
			return
		}

		job, err := svc.Create(r.Context(), jobs.CreateParams{
			CaseID:          req.CaseID,
			SourcePaths:     req.SourcePaths,
			DestinationPath: req.DestinationPath,
			Overwrite:       req.Overwrite,
			RequiredPhases:  req.RequiredPhases,
		})
		if err != nil {
			writeJobError(w, err)
			return
		}
		response.Created(w, job)
	}
}

// NewListJobsHandler returns an http.HandlerFunc for GET /api/v1/jobs.
func NewListJobsHandler(svc JobService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		page, _ := strconv.Atoi(q.Get("page"))
		limit, _ := strconv.Atoi(q.Get("limit"))

		filter := store.JobFilter{
			Status: q.Get("status"),
			CaseID: q.Get("case_id"),
			Page:   page,
			Limit:  limit,
		}

		list, total, err := svc.List(r.Context(), filter)
		if err != nil {
			writeJobError(w, err)
			return
		}
		if list == nil {
			list = []*models.Job{}
		}

		if filter.Limit <= 0 {
			filter.Limit = 20
		}
		if filter.Page <= 0 {
			filter.Page = 1
		}
		response.Collection(w, list, response.PaginationMeta{
			Page:    filter.Page,
			Limit:   filter.Limit,
			Total:   total,
			HasNext: filter.Page*filter.Limit < total,
		})
	}
}

// NewGetJobHandler returns an http.HandlerFunc for GET /api/v1/jobs/{jobID}.
func NewGetJobHandler(svc JobService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, ok := jobIDParam(w, r)
		if !ok {
			return
		}
		job, err := svc.Get(r.Context(), id)
		if err != nil {
			writeJobError(w, err)
			return
		}
		response.JSON(w, job)
	}
}

// NewJobStatusHandler returns an http.HandlerFunc for GET /api/v1/jobs/{jobID}/status.
// It reads through the status cache, so pollers stay off the database.
func NewJobStatusHandler(svc JobService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, ok := jobIDParam(w, r)
		if !ok {
			return
		}
		status, err := svc.Status(r.Context(), id)
		if err != nil {
			writeJobError(w, err)
			return
		}
		response.JSON(w, map[string]any{
			"job_id": id,
			"status": status,
		})
	}
}

// NewDeleteJobHandler returns an http.HandlerFunc for DELETE /api/v1/jobs/{jobID}.
func NewDeleteJobHandler(svc JobService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, ok := jobIDParam(w, r)
		if !ok {
			return
		}
		if err := svc.Delete(r.Context(), id); err != nil {
			writeJobError(w, err)
			return
		}
		response.NoContent(w)
	}
}

// NewJobActionHandler returns a handler applying a single lifecycle action
// (cancel, restart, archive) to one job.
func NewJobActionHandler(action func(context.Context, uuid.UUID) error) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, ok := jobIDParam(w, r)
		if !ok {
			return
		}
		if err := action(r.Context(), id); err != nil {
			writeJobError(w, err)
			return
		}
		response.Accepted(w, map[string]any{"job_id": id})
	}
}

// NewPendingActionHandler returns an http.HandlerFunc for
// POST /api/v1/jobs/{jobID}/pending-action.
func NewPendingActionHandler(svc JobService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, ok := jobIDParam(w, r)
		if !ok {
			return
		}

		var req struct {
			Decision string `json:"decision"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			response.Error(w, http.StatusBadRequest, "INVALID_REQUEST", "Invalid JSON body", nil)
			return
		}

		var err error
		switch req.Decision {
		case "confirm":
			err = svc.Confirm(r.Context(), id)
		case "deny":
			err = svc.Deny(r.Context(), id)
		default:
			response.Error(w, http.StatusBadRequest, "INVALID_REQUEST",
				"decision must be confirm or deny", nil)
			return
		}
		if err != nil {
			writeJobError(w, err)
			return
		}

		job, err := svc.Get(r.Context(), id)
		if err != nil {
			writeJobError(w, err)
			return
		}
		response.JSON(w, job)
	}
}

// NewBulkJobsHandler returns an http.HandlerFunc for POST /api/v1/jobs/bulk.
func NewBulkJobsHandler(bulk BulkApplier) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			Operation string   `json:"operation"`
			JobIDs    []string `json:"job_ids"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			response.Error(w, http.StatusBadRequest, "INVALID_REQUEST", "Invalid JSON body", nil)
			return
		}
		if len(req.JobIDs) == 0 {
			response.Error(w, http.StatusBadRequest, "INVALID_REQUEST", "job_ids is required", nil)
			return
		}

		ids := make([]uuid.UUID, 0, len(req.JobIDs))
		for _, raw := range req.JobIDs {
			id, err := uuid.Parse(raw)
			if err != nil {
				response.Error(w, http.StatusBadRequest, "INVALID_REQUEST",
					"job_ids must be valid UUIDs", map[string]string{"job_id": raw})
				return
			}
			ids = append(ids, id)
		}

		results, err := bulk.Apply(r.Context(), req.Operation, ids)
		if err != nil {
			response.Error(w, http.StatusBadRequest, "INVALID_REQUEST", err.Error(), nil)
			return
		}
		response.JSON(w, results)
	}
}

func jobIDParam(w http.ResponseWriter, r *http.Request) (uuid.UUID, bool) {
	id, err := uuid.Parse(chi.URLParam(r, "jobID"))
	if err != nil {
		response.Error(w, http.StatusBadRequest, "INVALID_REQUEST", "Invalid job id", nil)
		return uuid.Nil, false
	}
	return id, true
}

func writeJobError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, store.ErrNotFound):
		response.Error(w, http.StatusNotFound, "NOT_FOUND", "Job not found", nil)
	case errors.Is(err, jobs.ErrNotCancellable),
		errors.Is(err, jobs.ErrNotRestartable),
		errors.Is(err, jobs.ErrNotArchivable),
		errors.Is(err, jobs.ErrJobRunning),
		errors.Is(err, jobs.ErrNotAwaiting),
		errors.Is(err, store.ErrInvalidTransition):
		response.Error(w, http.StatusConflict, "CONFLICT", err.Error(), nil)
	default:
		response.Error(w, http.StatusInternalServerError, "INTERNAL_ERROR",
			"An unexpected error occurred", nil)
	}
}
