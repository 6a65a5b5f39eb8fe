// Package runner executes analysis jobs: it acquires image locks, spawns and
// supervises the external analyzer process, streams its output through the
// progress parser into the job record, and finalizes status on every exit
// path. Errors never escape Run; the job's status and error fields are the
// only surface callers observe.
package runner

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"strings"
	"syscall"
	"time"

	"github.com/google/uuid"

	"github.com/dfirlabs/forensicd/internal/cache"
	"github.com/dfirlabs/forensicd/internal/config"
	"github.com/dfirlabs/forensicd/internal/locker"
	"github.com/dfirlabs/forensicd/internal/progress"
	"github.com/dfirlabs/forensicd/internal/store"
	"github.com/dfirlabs/forensicd/pkg/models"
)

// Runner runs one job at a time on the calling goroutine. It is safe to
// share one Runner across pool workers; per-job state lives in Run.
type Runner struct {
	store        store.Store
	locks        *locker.Manager
	cache        cache.Cache
	analyzer     config.AnalyzerConfig
	lockTimeout  time.Duration
	persistEvery int
}

// NewRunner creates a Runner. ca may be nil; status caching is then skipped.
func NewRunner(st store.Store, locks *locker.Manager, ca cache.Cache, analyzer config.AnalyzerConfig, lockTimeout time.Duration, persistEvery int) *Runner {
	if persistEvery < 1 {
		persistEvery = 1
	}
	return &Runner{
		store:        st,
		locks:        locks,
		cache:        ca,
		analyzer:     analyzer,
		lockTimeout:  lockTimeout,
		persistEvery: persistEvery,
	}
}

// Run executes the job end to end. ctx bounds the subprocess and the lock
// wait; cancelling it is the revoke-with-terminate path. Store writes use a
// background context so finalization still lands after a revoke.
func (r *Runner) Run(ctx context.Context, jobID uuid.UUID) {
	bg := context.Background()

	defer func() {
		if rec := recover(); rec != nil {
			slog.Error("panic in job runner", "job_id", jobID, "error", rec)
			r.finalize(bg, jobID, models.JobStatusFailed, fmt.Sprintf("internal error: %v", rec))
		}
	}()

	job, err := r.store.GetJob(bg, jobID)
	if err != nil {
		if !errors.Is(err, store.ErrNotFound) {
			slog.Error("load job", "job_id", jobID, "error", err)
		}
		return
	}
	if job.Status != models.JobStatusPending {
		slog.Warn("job not pending, skipping run", "job_id", jobID, "status", job.Status)
		return
	}

	held, ok, err := r.locks.Acquire(ctx, jobID, job.SourcePaths, r.lockTimeout, r.cancelledCheck(jobID))
	if err != nil {
		r.finalize(bg, jobID, models.JobStatusFailed, fmt.Sprintf("acquire image locks: %v", err))
		return
	}
	if !ok {
		// Timed out or cancelled while waiting. No process was spawned and
		// no work was lost, so this is a clean cancellation, not a failure.
		r.finalize(bg, jobID, models.JobStatusCancelled, "")
		return
	}
	defer r.locks.Release(bg, held)

	if err := r.store.UpdateJobStatus(bg, jobID, models.JobStatusRunning); err != nil {
		// An out-of-band poke moved the job while we were locking.
		slog.Warn("job left pending state before start", "job_id", jobID, "error", err)
		return
	}
	r.cacheStatus(bg, jobID, models.JobStatusRunning)

	if job.Overwrite {
		if err := clearDestination(job.DestinationPath, r.analyzer.CleanupTimeout); err != nil {
			// Not a failure: suspend and escalate to a human decision.
			pa := models.PendingAction{
				ActionType: models.ActionForceRemove,
				TargetPath: job.DestinationPath,
				Message:    fmt.Sprintf("pre-flight cleanup of %s did not finish: %v; confirm to force removal", job.DestinationPath, err),
			}
			if uerr := r.store.UpdateJobStatus(bg, jobID, models.JobStatusAwaitingConfirmation, store.WithPendingAction(pa)); uerr != nil {
				slog.Error("suspend job for confirmation", "job_id", jobID, "error", uerr)
				return
			}
			r.cacheStatus(bg, jobID, models.JobStatusAwaitingConfirmation)
			return
		}
	}

	r.supervise(ctx, bg, job)
}

// supervise spawns the analyzer and drives the output loop until exit.
func (r *Runner) supervise(ctx, bg context.Context, job *models.Job) {
	pr, pw, err := os.Pipe()
	if err != nil {
		r.finalize(bg, job.ID, models.JobStatusFailed, fmt.Sprintf("create output pipe: %v", err))
		return
	}

	cmd := r.buildCommand(ctx, job)
	cmd.Stdout = pw
	cmd.Stderr = pw

	start := time.Now()
	if err := cmd.Start(); err != nil {
		pr.Close()
		pw.Close()
		r.finalize(bg, job.ID, models.JobStatusFailed, fmt.Sprintf("spawn analyzer: %v", err))
		return
	}
	// Close the parent's write end so the read loop sees EOF on exit.
	pw.Close()

	parser := progress.New(len(job.SourcePaths), job.RequiredPhases)

	// The scanner runs on its own goroutine so a revoke is never held
	// hostage by analyzer descendants that keep the pipe's write end open.
	lines := make(chan string)
	scanRes := make(chan error, 1)
	go func() {
		scanner := bufio.NewScanner(pr)
		scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
		for scanner.Scan() {
			lines <- scanner.Text()
		}
		scanRes <- scanner.Err()
		close(lines)
	}()

	var readErr error
	sinceSave := 0
read:
	for {
		select {
		case <-ctx.Done():
			break read
		case raw, ok := <-lines:
			if !ok {
				readErr = <-scanRes
				break read
			}
			line := strings.TrimSpace(raw)
			ev := parser.Consume(line)
			if line != "" && !ev.Duplicate {
				job.Log = append(job.Log, models.LogLine(time.Now(), line))
			}
			job.Progress = ev.Progress

			sinceSave++
			if sinceSave >= r.persistEvery {
				if err := r.store.SaveJob(bg, job); err != nil {
					slog.Warn("persist job progress", "job_id", job.ID, "error", err)
				}
				sinceSave = 0
			}
		}
	}

	// A read error means nobody drains the pipe anymore while the analyzer
	// may still be writing into it; kill the whole group before reaping, or
	// Wait blocks behind a full pipe.
	if readErr != nil {
		killProcessGroup(cmd)
	}
	pr.Close()
	for range lines {
	}

	waitErr := cmd.Wait()

	if ctx.Err() != nil {
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			job.Log = append(job.Log, models.LogLine(time.Now(), "job deadline exceeded; analyzer terminated"))
			r.saveAndFinalize(bg, job, models.JobStatusFailed,
				fmt.Sprintf("job timed out after %s", time.Since(start).Round(time.Second)))
			return
		}
		job.Log = append(job.Log, models.LogLine(time.Now(), "job cancelled; analyzer terminated"))
		r.saveAndFinalize(bg, job, models.JobStatusCancelled, "")
		return
	}

	if readErr != nil {
		r.saveAndFinalize(bg, job, models.JobStatusFailed,
			fmt.Sprintf("read analyzer output: %v", readErr))
		return
	}

	if waitErr != nil {
		code := -1
		var exitErr *exec.ExitError
		if errors.As(waitErr, &exitErr) {
			code = exitErr.ExitCode()
		}
		r.saveAndFinalize(bg, job, models.JobStatusFailed,
			fmt.Sprintf("analyzer exited with code %d", code))
		return
	}

	// A zero exit is necessary but not sufficient: every requested phase
	// must have reported completion.
	if missing := parser.MissingRequired(); len(missing) > 0 {
		r.saveAndFinalize(bg, job, models.JobStatusFailed,
			fmt.Sprintf("analyzer exited 0 but required phases never completed: %s", strings.Join(missing, ", ")))
		return
	}

	job.Progress = 100
	job.Result = map[string]any{
		"output_path":      job.DestinationPath,
		"duration_seconds": int(time.Since(start).Seconds()),
		"phases_completed": parser.PhasesCompleted(),
	}
	r.saveAndFinalize(bg, job, models.JobStatusCompleted, "")
}

// buildCommand assembles the analyzer argv: flags derived from job options,
// then case id, source paths and destination, all translated into the
// subprocess's filesystem view.
func (r *Runner) buildCommand(ctx context.Context, job *models.Job) *exec.Cmd {
	args := make([]string, 0, len(job.SourcePaths)+6)
	if job.Overwrite {
		args = append(args, "--overwrite")
	}
	if len(job.RequiredPhases) > 0 {
		args = append(args, "--phases", strings.Join(job.RequiredPhases, ","))
	}
	args = append(args, job.CaseID)
	for _, p := range job.SourcePaths {
		args = append(args, r.translatePath(p))
	}
	args = append(args, r.translatePath(job.DestinationPath))

	cmd := exec.CommandContext(ctx, r.analyzer.BinaryPath, args...)
	// The analyzer gets its own process group so termination reaches any
	// children it spawned, not just the direct child.
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	cmd.Cancel = func() error { return killProcessGroup(cmd) }
	cmd.Env = append(os.Environ(),
		"FORENSIC_DEST_ROOT="+r.analyzer.DestinationRoot,
		"FORENSIC_NONINTERACTIVE=1",
	)
	return cmd
}

func (r *Runner) translatePath(p string) string {
	if r.analyzer.PathPrefixFrom != "" && strings.HasPrefix(p, r.analyzer.PathPrefixFrom) {
		return r.analyzer.PathPrefixTo + strings.TrimPrefix(p, r.analyzer.PathPrefixFrom)
	}
	return p
}

// cancelledCheck is polled by the lock manager between acquisition retries.
func (r *Runner) cancelledCheck(jobID uuid.UUID) locker.CancelledCheck {
	return func(ctx context.Context) bool {
		job, err := r.store.GetJob(context.Background(), jobID)
		if err != nil {
			return errors.Is(err, store.ErrNotFound)
		}
		return job.Status == models.JobStatusCancelled
	}
}

func (r *Runner) saveAndFinalize(ctx context.Context, job *models.Job, status, errMsg string) {
	if err := r.store.SaveJob(ctx, job); err != nil {
		slog.Warn("persist job before finalize", "job_id", job.ID, "error", err)
	}
	r.finalize(ctx, job.ID, status, errMsg)
}

func (r *Runner) finalize(ctx context.Context, jobID uuid.UUID, status, errMsg string) {
	opts := []store.JobUpdateOption{}
	if errMsg != "" {
		opts = append(opts, store.WithErrorMessage(errMsg))
	}
	if err := r.store.UpdateJobStatus(ctx, jobID, status, opts...); err != nil {
		slog.Error("finalize job status", "job_id", jobID, "status", status, "error", err)
		return
	}
	r.cacheStatus(ctx, jobID, status)
}

func (r *Runner) cacheStatus(ctx context.Context, jobID uuid.UUID, status string) {
	if r.cache == nil {
		return
	}
	if err := r.cache.SetJobStatus(ctx, jobID, status, cache.JobStatusTTL); err != nil {
		slog.Warn("cache job status", "job_id", jobID, "error", err)
	}
}

// killProcessGroup forcefully terminates the analyzer along with every
// descendant that inherited its process group.
func killProcessGroup(cmd *exec.Cmd) error {
	if cmd.Process == nil {
		return nil
	}
	if err := syscall.Kill(-cmd.Process.Pid, syscall.SIGKILL); err != nil {
		return cmd.Process.Kill()
	}
	return nil
}
