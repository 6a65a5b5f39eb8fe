package runner

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/dfirlabs/forensicd/internal/store"
)

// ErrQueueFull is returned by Submit when the task queue is at capacity.
var ErrQueueFull = errors.New("job queue is full")

type task struct {
	id    string
	jobID uuid.UUID
}

// Pool runs jobs on a bounded set of workers, giving a configurable maximum
// of concurrently running jobs system-wide. Each queued task gets an id the
// job record carries as runner_task_id; Revoke cancels that task's context,
// which kills the subprocess (revoke-with-terminate).
type Pool struct {
	runner     *Runner
	store      store.Store
	tasks      chan task
	jobTimeout time.Duration

	mu      sync.Mutex
	cancels map[string]context.CancelFunc

	baseCtx context.Context
	stop    context.CancelFunc
	wg      sync.WaitGroup
}

// NewPool creates a Pool and starts its workers.
func NewPool(r *Runner, st store.Store, concurrency, queueDepth int, jobTimeout time.Duration) *Pool {
	if concurrency < 1 {
		concurrency = 1
	}
	if queueDepth < 1 {
		queueDepth = 1
	}
	ctx, stop := context.WithCancel(context.Background())
	p := &Pool{
		runner:     r,
		store:      st,
		tasks:      make(chan task, queueDepth),
		jobTimeout: jobTimeout,
		cancels:    make(map[string]context.CancelFunc),
		baseCtx:    ctx,
		stop:       stop,
	}
	for i := 0; i < concurrency; i++ {
		p.wg.Add(1)
		go p.worker()
	}
	return p
}

// Submit queues a job for execution and records the task id on the job
// record so out-of-band cancellation can find it.
func (p *Pool) Submit(ctx context.Context, jobID uuid.UUID) (string, error) {
	taskID := uuid.NewString()
	if err := p.store.SetRunnerTaskID(ctx, jobID, taskID); err != nil {
		return "", err
	}
	select {
	case p.tasks <- task{id: taskID, jobID: jobID}:
		return taskID, nil
	default:
		return "", ErrQueueFull
	}
}

// Revoke cancels the task's context, forcefully terminating its subprocess
// if one is running. Returns false if the task is not currently executing.
func (p *Pool) Revoke(taskID string) bool {
	p.mu.Lock()
	cancel, ok := p.cancels[taskID]
	p.mu.Unlock()
	if ok {
		cancel()
	}
	return ok
}

// Close stops the workers and waits for in-flight jobs to finalize. Jobs
// still queued are left pending; a restart of the service resubmits them.
func (p *Pool) Close() {
	p.stop()
	p.wg.Wait()
}

func (p *Pool) worker() {
	defer p.wg.Done()
	for {
		select {
		case <-p.baseCtx.Done():
			return
		case t := <-p.tasks:
			p.runTask(t)
		}
	}
}

func (p *Pool) runTask(t task) {
	ctx, cancel := context.WithTimeout(p.baseCtx, p.jobTimeout)
	defer cancel()

	p.mu.Lock()
	p.cancels[t.id] = cancel
	p.mu.Unlock()
	defer func() {
		p.mu.Lock()
		delete(p.cancels, t.id)
		p.mu.Unlock()
	}()

	p.runner.Run(ctx, t.jobID)
}
