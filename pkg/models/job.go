package models

import (
	"time"

	"github.com/google/uuid"
)

const (
	JobStatusPending              = "pending"
	JobStatusRunning              = "running"
	JobStatusAwaitingConfirmation = "awaiting_confirmation"
	JobStatusCompleted            = "completed"
	JobStatusFailed               = "failed"
	JobStatusCancelled            = "cancelled"
	JobStatusArchived             = "archived"
)

// TerminalStatuses are the resting states of a finished run. Archive is
// reachable only from these; restart re-enters pending from any of them.
var TerminalStatuses = []string{JobStatusCompleted, JobStatusFailed, JobStatusCancelled}

// IsTerminal reports whether status is a resting state. Archived jobs are
// parked, not terminal in this sense.
func IsTerminal(status string) bool {
	for _, s := range TerminalStatuses {
		if s == status {
			return true
		}
	}
	return false
}

// PendingAction is an outstanding privileged operation a job is suspended
// on. It is resolved by exactly one confirm or deny.
type PendingAction struct {
	ActionType string `json:"action_type"`
	TargetPath string `json:"target_path"`
	Message    string `json:"message"`
}

const ActionForceRemove = "force_remove"

// Job is one request to run the external analysis binary against one or
// more evidence images. The job row is the only externally observable
// effect of a run: the owning worker writes progress/log/result, and
// out-of-band pokes (cancel, confirm, deny) write status/pending_action.
type Job struct {
	ID              uuid.UUID      `db:"id"               json:"id"`
	CaseID          string         `db:"case_id"          json:"case_id"`
	SourcePaths     []string       `db:"source_paths"     json:"source_paths"`
	DestinationPath string         `db:"destination_path" json:"destination_path"`
	Status          string         `db:"status"           json:"status"`
	Progress        int            `db:"progress"         json:"progress"`
	Log             []string       `db:"log"              json:"log"`
	Result          map[string]any `db:"result"           json:"result,omitempty"`
	ErrorMessage    *string        `db:"error_message"    json:"error_message,omitempty"`
	PendingAction   *PendingAction `db:"pending_action"   json:"pending_action,omitempty"`
	RunnerTaskID    *string        `db:"runner_task_id"   json:"runner_task_id,omitempty"`
	Overwrite       bool           `db:"overwrite"        json:"overwrite"`
	RequiredPhases  []string       `db:"required_phases"  json:"required_phases"`
	CreatedAt       time.Time      `db:"created_at"       json:"created_at"`
	StartedAt       *time.Time     `db:"started_at"       json:"started_at,omitempty"`
	CompletedAt     *time.Time     `db:"completed_at"     json:"completed_at,omitempty"`
	UpdatedAt       time.Time      `db:"updated_at"       json:"updated_at"`
}

// LogLine renders one timestamped job log entry. The log is append-only
// and never reordered, so the timestamp is baked into the string.
func LogLine(ts time.Time, msg string) string {
	return ts.UTC().Format("2006-01-02 15:04:05") + " | " + msg
}

// ImageLock is the value stored under an image-lock key. The TTL lives on
// the key itself so a crashed worker cannot starve future jobs.
type ImageLock struct {
	OwnerJobID string    `json:"owner_job_id"`
	AcquiredAt time.Time `json:"acquired_at"`
}
