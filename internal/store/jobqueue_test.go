package store

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"boa/internal/errs"
)

func TestJobLifecycle(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	j, err := s.EnqueueJob(ctx, JobPropose, map[string]any{"n": 4.0}, "")
	require.NoError(t, err)
	require.Equal(t, JobPending, j.Status)

	claimed, err := s.DequeueJob(ctx)
	require.NoError(t, err)
	require.NotNil(t, claimed)
	require.Equal(t, j.ID, claimed.ID)
	require.Equal(t, JobRunning, claimed.Status)
	require.NotNil(t, claimed.StartedAt)

	// A second dequeue sees nothing.
	next, err := s.DequeueJob(ctx)
	require.NoError(t, err)
	require.Nil(t, next)

	require.NoError(t, s.CompleteJob(ctx, j.ID, map[string]any{"proposals": 1.0}))
	done, err := s.GetJob(ctx, j.ID)
	require.NoError(t, err)
	require.Equal(t, JobCompleted, done.Status)
	require.NotNil(t, done.Progress)
	require.Equal(t, 1.0, *done.Progress)
	require.NotNil(t, done.CompletedAt)
	require.Equal(t, 1.0, done.Result["proposals"])

	// Cancel on a terminal job is a no-op.
	require.NoError(t, s.CancelJob(ctx, j.ID))
	still, err := s.GetJob(ctx, j.ID)
	require.NoError(t, err)
	require.Equal(t, JobCompleted, still.Status)
}

func TestCancelBeforeDequeue(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	j, err := s.EnqueueJob(ctx, JobExport, nil, "")
	require.NoError(t, err)
	require.NoError(t, s.CancelJob(ctx, j.ID))

	got, err := s.GetJob(ctx, j.ID)
	require.NoError(t, err)
	require.Equal(t, JobCancelled, got.Status)

	// The cancelled job never runs.
	claimed, err := s.DequeueJob(ctx)
	require.NoError(t, err)
	require.Nil(t, claimed)
}

func TestCancelRunningJobFails(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	j, err := s.EnqueueJob(ctx, JobBenchmark, nil, "")
	require.NoError(t, err)
	_, err = s.DequeueJob(ctx)
	require.NoError(t, err)

	err = s.CancelJob(ctx, j.ID)
	require.Equal(t, errs.JobAlreadyRunning, errs.KindOf(err))
}

func TestDequeueFIFOOrder(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	j1, err := s.EnqueueJob(ctx, JobPropose, nil, "")
	require.NoError(t, err)
	j2, err := s.EnqueueJob(ctx, JobPropose, nil, "")
	require.NoError(t, err)

	first, err := s.DequeueJob(ctx)
	require.NoError(t, err)
	require.Equal(t, j1.ID, first.ID)

	second, err := s.DequeueJob(ctx)
	require.NoError(t, err)
	require.Equal(t, j2.ID, second.ID)
}

func TestDequeueEmptyQueue(t *testing.T) {
	s := openTestStore(t)
	j, err := s.DequeueJob(context.Background())
	require.NoError(t, err)
	require.Nil(t, j)
}

func TestUpdateJobProgressClamps(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	j, err := s.EnqueueJob(ctx, JobPropose, nil, "")
	require.NoError(t, err)

	require.NoError(t, s.UpdateJobProgress(ctx, j.ID, 1.7))
	got, err := s.GetJob(ctx, j.ID)
	require.NoError(t, err)
	require.Equal(t, 1.0, *got.Progress)

	require.NoError(t, s.UpdateJobProgress(ctx, j.ID, -0.3))
	got, err = s.GetJob(ctx, j.ID)
	require.NoError(t, err)
	require.Equal(t, 0.0, *got.Progress)

	err = s.UpdateJobProgress(ctx, "missing", 0.5)
	require.Equal(t, errs.JobNotFound, errs.KindOf(err))
}

func TestJobListFilters(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	c := createTestCampaign(t, s)

	_, err := s.EnqueueJob(ctx, JobPropose, nil, c.ID)
	require.NoError(t, err)
	_, err = s.EnqueueJob(ctx, JobExport, nil, c.ID)
	require.NoError(t, err)
	_, err = s.EnqueueJob(ctx, JobPropose, nil, "")
	require.NoError(t, err)

	byCampaign, err := s.ListJobs(ctx, c.ID, "", "", 0, 0)
	require.NoError(t, err)
	require.Len(t, byCampaign, 2)

	byType, err := s.ListJobs(ctx, "", "", JobPropose, 0, 0)
	require.NoError(t, err)
	require.Len(t, byType, 2)

	pending, err := s.CountJobs(ctx, JobPending)
	require.NoError(t, err)
	require.Equal(t, 3, pending)

	running, err := s.CountJobs(ctx, JobRunning)
	require.NoError(t, err)
	require.Equal(t, 0, running)
}

func TestCleanupStaleJobs(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	j, err := s.EnqueueJob(ctx, JobPropose, nil, "")
	require.NoError(t, err)
	_, err = s.DequeueJob(ctx)
	require.NoError(t, err)

	// Zero max age makes any RUNNING job stale immediately.
	time.Sleep(5 * time.Millisecond)
	n, err := s.CleanupStaleJobs(ctx, 0)
	require.NoError(t, err)
	require.Equal(t, 1, n)

	got, err := s.GetJob(ctx, j.ID)
	require.NoError(t, err)
	require.Equal(t, JobFailed, got.Status)
	require.Contains(t, got.Error, "stale")
}

func TestCleanupCompletedJobsKeepsRecent(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	var ids []string
	for i := 0; i < 4; i++ {
		j, err := s.EnqueueJob(ctx, JobPropose, nil, "")
		require.NoError(t, err)
		_, err = s.DequeueJob(ctx)
		require.NoError(t, err)
		require.NoError(t, s.CompleteJob(ctx, j.ID, nil))
		ids = append(ids, j.ID)
		time.Sleep(2 * time.Millisecond)
	}

	removed, err := s.CleanupCompletedJobs(ctx, 2)
	require.NoError(t, err)
	require.Equal(t, 2, removed)

	_, err = s.GetJob(ctx, ids[0])
	require.Equal(t, errs.JobNotFound, errs.KindOf(err))
	_, err = s.GetJob(ctx, ids[3])
	require.NoError(t, err)
}

func TestFailedJobKeepsLastProgress(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	j, err := s.EnqueueJob(ctx, JobPropose, nil, "")
	require.NoError(t, err)
	_, err = s.DequeueJob(ctx)
	require.NoError(t, err)
	require.NoError(t, s.UpdateJobProgress(ctx, j.ID, 0.4))

	require.NoError(t, s.FailJob(ctx, j.ID, "objective evaluation crashed"))
	failed, err := s.GetJob(ctx, j.ID)
	require.NoError(t, err)
	require.Equal(t, JobFailed, failed.Status)
	require.NotNil(t, failed.Progress)
	require.Equal(t, 0.4, *failed.Progress)
}
