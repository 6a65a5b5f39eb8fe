package runner_test

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dfirlabs/forensicd/internal/cache"
	"github.com/dfirlabs/forensicd/internal/config"
	"github.com/dfirlabs/forensicd/internal/locker"
	"github.com/dfirlabs/forensicd/internal/runner"
	"github.com/dfirlabs/forensicd/internal/store"
	"github.com/dfirlabs/forensicd/pkg/models"
)

// recordingCache captures every status write for assertions.
type recordingCache struct {
	mu       sync.Mutex
	statuses map[uuid.UUID][]string
}

func newRecordingCache() *recordingCache {
	return &recordingCache{statuses: make(map[uuid.UUID][]string)}
}

func (c *recordingCache) Ping(_ context.Context) error { return nil }

func (c *recordingCache) SetJobStatus(_ context.Context, jobID uuid.UUID, status string, _ time.Duration) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.statuses[jobID] = append(c.statuses[jobID], status)
	return nil
}

func (c *recordingCache) GetJobStatus(_ context.Context, jobID uuid.UUID) (string, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	seen := c.statuses[jobID]
	if len(seen) == 0 {
		return "", false, nil
	}
	return seen[len(seen)-1], true, nil
}

func (c *recordingCache) IncrWithExpiry(_ context.Context, _ string, _ time.Duration) (int64, error) {
	return 1, nil
}

func (c *recordingCache) seen(jobID uuid.UUID) []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.statuses[jobID]...)
}

var _ cache.Cache = (*recordingCache)(nil)

// writeScript writes an executable shell script standing in for the analyzer.
func writeScript(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "analyzer.sh")
	script := "#!/bin/sh\n" + body + "\n"
	require.NoError(t, os.WriteFile(path, []byte(script), 0o755))
	return path
}

type runnerFixture struct {
	store     *store.MemoryStore
	lockStore *locker.MemoryStore
	locks     *locker.Manager
	runner    *runner.Runner
}

func newRunnerFixture(t *testing.T, analyzer config.AnalyzerConfig, lockTimeout time.Duration) *runnerFixture {
	t.Helper()
	st := store.NewMemoryStore()
	ls := locker.NewMemoryStore()
	locks := locker.NewManager(ls, time.Minute, 10*time.Millisecond)
	if analyzer.CleanupTimeout == 0 {
		analyzer.CleanupTimeout = 5 * time.Second
	}
	return &runnerFixture{
		store:     st,
		lockStore: ls,
		locks:     locks,
		runner:    runner.NewRunner(st, locks, nil, analyzer, lockTimeout, 1),
	}
}

func (f *runnerFixture) createJob(t *testing.T, job *models.Job) *models.Job {
	t.Helper()
	if job.ID == uuid.Nil {
		job.ID = uuid.New()
	}
	if job.CaseID == "" {
		job.CaseID = "CASE-001"
	}
	if job.Status == "" {
		job.Status = models.JobStatusPending
	}
	if len(job.SourcePaths) == 0 {
		job.SourcePaths = []string{"/evidence/disk.E01"}
	}
	if job.DestinationPath == "" {
		job.DestinationPath = filepath.Join(t.TempDir(), "out")
	}
	job.CreatedAt = time.Now().UTC()
	require.NoError(t, f.store.CreateJob(context.Background(), job))
	return job
}

func TestRun_CompletesWhenRequiredPhasesFinish(t *testing.T) {
	bin := writeScript(t, `
echo "commencing collection phase"
echo "collecting '/fs/etc/passwd'"
echo "completed collection phase"
exit 0`)
	f := newRunnerFixture(t, config.AnalyzerConfig{BinaryPath: bin}, time.Second)
	job := f.createJob(t, &models.Job{RequiredPhases: []string{"collection"}})

	f.runner.Run(context.Background(), job.ID)

	got, err := f.store.GetJob(context.Background(), job.ID)
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusCompleted, got.Status)
	assert.Equal(t, 100, got.Progress)
	assert.Nil(t, got.ErrorMessage)
	require.NotNil(t, got.Result)
	assert.Equal(t, got.DestinationPath, got.Result["output_path"])
	assert.NotNil(t, got.StartedAt)
	assert.NotNil(t, got.CompletedAt)

	// Locks are released on completion.
	_, held, err := f.lockStore.Get(context.Background(), locker.KeyFor(job.SourcePaths[0]))
	require.NoError(t, err)
	assert.False(t, held)
}

func TestRun_FailsWhenRequiredPhaseNeverCompletes(t *testing.T) {
	// Exit 0 alone is not success: the requested phase never reported done.
	bin := writeScript(t, `
echo "commencing collection phase"
exit 0`)
	f := newRunnerFixture(t, config.AnalyzerConfig{BinaryPath: bin}, time.Second)
	job := f.createJob(t, &models.Job{RequiredPhases: []string{"collection", "analysis"}})

	f.runner.Run(context.Background(), job.ID)

	got, err := f.store.GetJob(context.Background(), job.ID)
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusFailed, got.Status)
	require.NotNil(t, got.ErrorMessage)
	assert.Contains(t, *got.ErrorMessage, "required phases never completed")
	assert.Contains(t, *got.ErrorMessage, "collection")
	assert.Contains(t, *got.ErrorMessage, "analysis")
}

func TestRun_FailsOnNonZeroExit(t *testing.T) {
	bin := writeScript(t, `
echo "commencing collection phase"
exit 3`)
	f := newRunnerFixture(t, config.AnalyzerConfig{BinaryPath: bin}, time.Second)
	job := f.createJob(t, &models.Job{RequiredPhases: []string{"collection"}})

	f.runner.Run(context.Background(), job.ID)

	got, err := f.store.GetJob(context.Background(), job.ID)
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusFailed, got.Status)
	require.NotNil(t, got.ErrorMessage)
	assert.Contains(t, *got.ErrorMessage, "exited with code 3")

	_, held, err := f.lockStore.Get(context.Background(), locker.KeyFor(job.SourcePaths[0]))
	require.NoError(t, err)
	assert.False(t, held, "locks leaked on failure path")
}

func TestRun_FailsOnSpawnError(t *testing.T) {
	f := newRunnerFixture(t, config.AnalyzerConfig{
		BinaryPath: "/nonexistent/analyzer-binary",
	}, time.Second)
	job := f.createJob(t, &models.Job{})

	f.runner.Run(context.Background(), job.ID)

	got, err := f.store.GetJob(context.Background(), job.ID)
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusFailed, got.Status)
	require.NotNil(t, got.ErrorMessage)
	assert.Contains(t, *got.ErrorMessage, "spawn analyzer")
}

func TestRun_SkipsJobNotPending(t *testing.T) {
	bin := writeScript(t, "exit 0")
	f := newRunnerFixture(t, config.AnalyzerConfig{BinaryPath: bin}, time.Second)
	job := f.createJob(t, &models.Job{Status: models.JobStatusCompleted})

	f.runner.Run(context.Background(), job.ID)

	got, err := f.store.GetJob(context.Background(), job.ID)
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusCompleted, got.Status)
	assert.Nil(t, got.StartedAt, "completed job was re-run")
}

func TestRun_CancelledWhileRunning(t *testing.T) {
	bin := writeScript(t, `
echo "commencing collection phase"
sleep 30`)
	f := newRunnerFixture(t, config.AnalyzerConfig{BinaryPath: bin}, time.Second)
	job := f.createJob(t, &models.Job{})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		f.runner.Run(ctx, job.ID)
		close(done)
	}()

	require.Eventually(t, func() bool {
		j, err := f.store.GetJob(context.Background(), job.ID)
		return err == nil && j.Status == models.JobStatusRunning
	}, 5*time.Second, 10*time.Millisecond)

	cancel()
	select {
	case <-done:
	case <-time.After(10 * time.Second):
		t.Fatal("runner did not return after cancellation")
	}

	got, err := f.store.GetJob(context.Background(), job.ID)
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusCancelled, got.Status)

	_, held, err := f.lockStore.Get(context.Background(), locker.KeyFor(job.SourcePaths[0]))
	require.NoError(t, err)
	assert.False(t, held, "locks leaked after cancellation")
}

func TestRun_CancelKillsAnalyzerDescendants(t *testing.T) {
	// The analyzer forks a child that inherits the output pipe. Cancellation
	// must still complete promptly instead of waiting out the grandchild.
	bin := writeScript(t, `
echo "commencing collection phase"
sleep 30 &
wait`)
	f := newRunnerFixture(t, config.AnalyzerConfig{BinaryPath: bin}, time.Second)
	job := f.createJob(t, &models.Job{})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		f.runner.Run(ctx, job.ID)
		close(done)
	}()

	require.Eventually(t, func() bool {
		j, err := f.store.GetJob(context.Background(), job.ID)
		return err == nil && j.Status == models.JobStatusRunning
	}, 5*time.Second, 10*time.Millisecond)

	cancel()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("runner held up by surviving analyzer children")
	}

	got, err := f.store.GetJob(context.Background(), job.ID)
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusCancelled, got.Status)

	_, held, err := f.lockStore.Get(context.Background(), locker.KeyFor(job.SourcePaths[0]))
	require.NoError(t, err)
	assert.False(t, held, "locks leaked after cancellation")
}

func TestRun_FailsOnOversizedOutputLine(t *testing.T) {
	// A single line past the scanner limit must fail the job, not leave it
	// running behind a wedged pipe.
	bin := writeScript(t, `
echo "commencing collection phase"
head -c 2097152 /dev/zero | tr '\0' 'x'
echo ""
echo "completed collection phase"
exit 0`)
	f := newRunnerFixture(t, config.AnalyzerConfig{BinaryPath: bin}, time.Second)
	job := f.createJob(t, &models.Job{RequiredPhases: []string{"collection"}})

	done := make(chan struct{})
	go func() {
		f.runner.Run(context.Background(), job.ID)
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(10 * time.Second):
		t.Fatal("runner stuck on oversized analyzer output")
	}

	got, err := f.store.GetJob(context.Background(), job.ID)
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusFailed, got.Status)
	require.NotNil(t, got.ErrorMessage)
	assert.Contains(t, *got.ErrorMessage, "analyzer output")

	_, held, err := f.lockStore.Get(context.Background(), locker.KeyFor(job.SourcePaths[0]))
	require.NoError(t, err)
	assert.False(t, held, "locks leaked after output failure")
}

func TestRun_DeadlineExceededFailsJob(t *testing.T) {
	bin := writeScript(t, `
echo "commencing collection phase"
sleep 30`)
	f := newRunnerFixture(t, config.AnalyzerConfig{BinaryPath: bin}, time.Second)
	job := f.createJob(t, &models.Job{})

	ctx, cancel := context.WithTimeout(context.Background(), 300*time.Millisecond)
	defer cancel()

	done := make(chan struct{})
	go func() {
		f.runner.Run(ctx, job.ID)
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(10 * time.Second):
		t.Fatal("runner did not return after the deadline")
	}

	// A deadline is a wedged or overlong run, not a user cancellation.
	got, err := f.store.GetJob(context.Background(), job.ID)
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusFailed, got.Status)
	require.NotNil(t, got.ErrorMessage)
	assert.Contains(t, *got.ErrorMessage, "timed out after")
}

func TestRun_LockWaitTimeoutCancelsJob(t *testing.T) {
	bin := writeScript(t, "exit 0")
	f := newRunnerFixture(t, config.AnalyzerConfig{BinaryPath: bin}, 50*time.Millisecond)
	job := f.createJob(t, &models.Job{SourcePaths: []string{"/evidence/busy.E01"}})

	// Another job holds the image.
	_, ok, err := f.locks.Acquire(context.Background(), uuid.New(),
		[]string{"/evidence/busy.E01"}, time.Second, nil)
	require.NoError(t, err)
	require.True(t, ok)

	f.runner.Run(context.Background(), job.ID)

	got, err := f.store.GetJob(context.Background(), job.ID)
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusCancelled, got.Status)
	assert.Nil(t, got.StartedAt, "job started despite never holding its locks")
}

func TestRun_CancelledWhileWaitingForLocks(t *testing.T) {
	bin := writeScript(t, "exit 0")
	f := newRunnerFixture(t, config.AnalyzerConfig{BinaryPath: bin}, time.Hour)
	job := f.createJob(t, &models.Job{SourcePaths: []string{"/evidence/busy.E01"}})

	_, ok, err := f.locks.Acquire(context.Background(), uuid.New(),
		[]string{"/evidence/busy.E01"}, time.Second, nil)
	require.NoError(t, err)
	require.True(t, ok)

	done := make(chan struct{})
	go func() {
		f.runner.Run(context.Background(), job.ID)
		close(done)
	}()

	// An out-of-band cancel lands while the runner polls for the lock.
	time.Sleep(30 * time.Millisecond)
	require.NoError(t, f.store.UpdateJobStatus(context.Background(), job.ID, models.JobStatusCancelled))

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("runner did not observe the cancellation")
	}

	got, err := f.store.GetJob(context.Background(), job.ID)
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusCancelled, got.Status)
}

func TestRun_OverwriteClearsDestination(t *testing.T) {
	bin := writeScript(t, `
echo "commencing collection phase"
echo "completed collection phase"
exit 0`)
	f := newRunnerFixture(t, config.AnalyzerConfig{BinaryPath: bin}, time.Second)

	dest := filepath.Join(t.TempDir(), "out")
	require.NoError(t, os.MkdirAll(dest, 0o755))
	stale := filepath.Join(dest, "stale.txt")
	require.NoError(t, os.WriteFile(stale, []byte("old run"), 0o644))

	job := f.createJob(t, &models.Job{
		DestinationPath: dest,
		Overwrite:       true,
		RequiredPhases:  []string{"collection"},
	})

	f.runner.Run(context.Background(), job.ID)

	got, err := f.store.GetJob(context.Background(), job.ID)
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusCompleted, got.Status)

	_, err = os.Stat(stale)
	assert.True(t, os.IsNotExist(err), "stale output survived overwrite")
	info, err := os.Stat(dest)
	require.NoError(t, err)
	assert.True(t, info.IsDir(), "destination not recreated")
}

func TestRun_OverwriteCleanupFailureSuspendsJob(t *testing.T) {
	bin := writeScript(t, "exit 0")
	f := newRunnerFixture(t, config.AnalyzerConfig{BinaryPath: bin}, time.Second)

	// The root path is refused by the cleanup guard, standing in for a
	// permission failure on the destination.
	job := f.createJob(t, &models.Job{
		DestinationPath: "/",
		Overwrite:       true,
	})

	f.runner.Run(context.Background(), job.ID)

	got, err := f.store.GetJob(context.Background(), job.ID)
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusAwaitingConfirmation, got.Status)
	require.NotNil(t, got.PendingAction)
	assert.Equal(t, models.ActionForceRemove, got.PendingAction.ActionType)
	assert.Equal(t, "/", got.PendingAction.TargetPath)
	assert.NotEmpty(t, got.PendingAction.Message)
}

func TestRun_TranslatesPathsForSubprocess(t *testing.T) {
	// The script echoes its argv; the translated source path must appear.
	bin := writeScript(t, `echo "args: $@"`)
	f := newRunnerFixture(t, config.AnalyzerConfig{
		BinaryPath:     bin,
		PathPrefixFrom: "/mnt/evidence",
		PathPrefixTo:   "/data",
	}, time.Second)
	job := f.createJob(t, &models.Job{
		SourcePaths: []string{"/mnt/evidence/disk.E01"},
	})

	f.runner.Run(context.Background(), job.ID)

	got, err := f.store.GetJob(context.Background(), job.ID)
	require.NoError(t, err)
	found := false
	for _, line := range got.Log {
		if strings.Contains(line, "/data/disk.E01") {
			found = true
		}
		assert.NotContains(t, line, "/mnt/evidence/disk.E01")
	}
	assert.True(t, found, "translated path missing from analyzer argv: %v", got.Log)
}

func TestRun_DeduplicatesRepeatedLogLines(t *testing.T) {
	bin := writeScript(t, `
echo "commencing collection phase"
for i in 1 2 3 4 5; do echo "collecting '/x/y'"; done
echo "completed collection phase"
exit 0`)
	f := newRunnerFixture(t, config.AnalyzerConfig{BinaryPath: bin}, time.Second)
	job := f.createJob(t, &models.Job{RequiredPhases: []string{"collection"}})

	f.runner.Run(context.Background(), job.ID)

	got, err := f.store.GetJob(context.Background(), job.ID)
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusCompleted, got.Status)

	count := 0
	for _, line := range got.Log {
		if strings.Contains(line, "collecting '/x/y'") {
			count++
		}
	}
	assert.Equal(t, 1, count, "duplicate action lines appended to log")
}

func TestRun_UpdatesStatusCache(t *testing.T) {
	// Pollers read the cache, so it must track the runner's own
	// transitions, not only the out-of-band pokes.
	bin := writeScript(t, `
echo "commencing collection phase"
echo "completed collection phase"
exit 0`)
	st := store.NewMemoryStore()
	locks := locker.NewManager(locker.NewMemoryStore(), time.Minute, 10*time.Millisecond)
	rc := newRecordingCache()
	r := runner.NewRunner(st, locks, rc, config.AnalyzerConfig{
		BinaryPath:     bin,
		CleanupTimeout: 5 * time.Second,
	}, time.Second, 1)

	job := &models.Job{
		ID:              uuid.New(),
		CaseID:          "CASE-001",
		Status:          models.JobStatusPending,
		SourcePaths:     []string{"/evidence/disk.E01"},
		DestinationPath: filepath.Join(t.TempDir(), "out"),
		RequiredPhases:  []string{"collection"},
		CreatedAt:       time.Now().UTC(),
	}
	require.NoError(t, st.CreateJob(context.Background(), job))

	r.Run(context.Background(), job.ID)

	assert.Equal(t, []string{models.JobStatusRunning, models.JobStatusCompleted}, rc.seen(job.ID))

	status, ok, err := rc.GetJobStatus(context.Background(), job.ID)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, models.JobStatusCompleted, status)
}
