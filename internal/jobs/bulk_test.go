package jobs_test

import (
	"context"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dfirlabs/forensicd/internal/jobs"
	"github.com/dfirlabs/forensicd/internal/store"
	"github.com/dfirlabs/forensicd/pkg/models"
)

func TestApply_UnknownOperationRejected(t *testing.T) {
	f := newServiceFixture()
	coord := jobs.NewCoordinator(f.svc)

	_, err := coord.Apply(context.Background(), "explode", []uuid.UUID{uuid.New()})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown bulk operation")
}

func TestApply_PartialSuccess(t *testing.T) {
	// Deleting [running, failed] must attempt both: the running job is
	// refused, the failed one is removed.
	f := newServiceFixture()
	coord := jobs.NewCoordinator(f.svc)

	running := f.createJob(t, models.JobStatusRunning)
	failed := f.createJob(t, models.JobStatusFailed)

	results, err := coord.Apply(context.Background(), jobs.OpDelete,
		[]uuid.UUID{running.ID, failed.ID})
	require.NoError(t, err)
	require.Len(t, results, 2)

	assert.Equal(t, running.ID, results[0].JobID)
	assert.False(t, results[0].Success)
	assert.Contains(t, results[0].Error, "running")

	assert.Equal(t, failed.ID, results[1].JobID)
	assert.True(t, results[1].Success)
	assert.Empty(t, results[1].Error)

	// The refused job is untouched, the other is gone.
	_, err = f.store.GetJob(context.Background(), running.ID)
	assert.NoError(t, err)
	_, err = f.store.GetJob(context.Background(), failed.ID)
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestApply_ResultsInInputOrder(t *testing.T) {
	f := newServiceFixture()
	coord := jobs.NewCoordinator(f.svc)

	a := f.createJob(t, models.JobStatusCompleted)
	b := f.createJob(t, models.JobStatusCompleted)
	c := f.createJob(t, models.JobStatusCompleted)

	results, err := coord.Apply(context.Background(), jobs.OpArchive,
		[]uuid.UUID{c.ID, a.ID, b.ID})
	require.NoError(t, err)
	require.Len(t, results, 3)
	assert.Equal(t, c.ID, results[0].JobID)
	assert.Equal(t, a.ID, results[1].JobID)
	assert.Equal(t, b.ID, results[2].JobID)
	for _, res := range results {
		assert.True(t, res.Success)
	}
}

func TestApply_CancelMixedStates(t *testing.T) {
	f := newServiceFixture()
	coord := jobs.NewCoordinator(f.svc)

	pending := f.createJob(t, models.JobStatusPending)
	completed := f.createJob(t, models.JobStatusCompleted)
	missing := uuid.New()

	results, err := coord.Apply(context.Background(), jobs.OpCancel,
		[]uuid.UUID{pending.ID, completed.ID, missing})
	require.NoError(t, err)
	require.Len(t, results, 3)

	assert.True(t, results[0].Success)
	assert.False(t, results[1].Success)
	assert.False(t, results[2].Success)

	got, err := f.store.GetJob(context.Background(), pending.ID)
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusCancelled, got.Status)
}

func TestApply_RestartBatch(t *testing.T) {
	f := newServiceFixture()
	coord := jobs.NewCoordinator(f.svc)

	failed := f.createJob(t, models.JobStatusFailed)
	cancelled := f.createJob(t, models.JobStatusCancelled)

	results, err := coord.Apply(context.Background(), jobs.OpRestart,
		[]uuid.UUID{failed.ID, cancelled.ID})
	require.NoError(t, err)
	for _, res := range results {
		assert.True(t, res.Success, "restart of %s failed: %s", res.JobID, res.Error)
	}

	for _, id := range []uuid.UUID{failed.ID, cancelled.ID} {
		got, err := f.store.GetJob(context.Background(), id)
		require.NoError(t, err)
		assert.Equal(t, models.JobStatusPending, got.Status)
	}
}
