package sqlite

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ternarybob/crawlcore/internal/interfaces"
	"github.com/ternarybob/crawlcore/internal/models"
)

func createJob(t *testing.T, jobs interfaces.JobStorage, id, tenantID string, status models.JobStatus, createdAt, updatedAt time.Time) {
	t.Helper()

	require.NoError(t, jobs.CreateJob(context.Background(), &models.Job{
		ID:        id,
		TenantID:  tenantID,
		Task:      models.JobTaskCrawl,
		Status:    status,
		CreatedAt: createdAt,
		UpdatedAt: updatedAt,
	}))
}

func createRun(t *testing.T, jobs interfaces.JobStorage, id, jobID, tenantID string, pages *int) {
	t.Helper()

	require.NoError(t, jobs.CreateCrawlRun(context.Background(), &models.CrawlRun{
		ID:           id,
		JobID:        jobID,
		TenantID:     tenantID,
		WebsiteID:    "site-1",
		PagesCrawled: pages,
	}))
}

func TestMarkJobStartedIsCompareAndSwap(t *testing.T) {
	m := newTestManager(t)
	seedTenant(t, m, "tenant-a")
	jobs := m.JobStorage()
	ctx := context.Background()

	createJob(t, jobs, "job-1", "tenant-a", models.JobStatusQueued, time.Time{}, time.Time{})

	started, err := jobs.MarkJobStarted(ctx, "job-1")
	require.NoError(t, err)
	assert.True(t, started)

	// A second worker losing the race must not start the job again
	started, err = jobs.MarkJobStarted(ctx, "job-1")
	require.NoError(t, err)
	assert.False(t, started)

	job, err := jobs.GetJob(ctx, "job-1")
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusInProgress, job.Status)
}

func TestMarkJobFailedIfRunningPreemptionRace(t *testing.T) {
	m := newTestManager(t)
	seedTenant(t, m, "tenant-a")
	jobs := m.JobStorage()
	ctx := context.Background()

	createJob(t, jobs, "job-1", "tenant-a", models.JobStatusQueued, time.Time{}, time.Time{})
	_, err := jobs.MarkJobStarted(ctx, "job-1")
	require.NoError(t, err)

	affected, err := jobs.MarkJobFailedIfRunning(ctx, "job-1", "preempted")
	require.NoError(t, err)
	assert.Equal(t, int64(1), affected)

	// The loser of the race sees zero rows and must not touch the terminal state
	affected, err = jobs.MarkJobFailedIfRunning(ctx, "job-1", "preempted again")
	require.NoError(t, err)
	assert.Equal(t, int64(0), affected)

	job, err := jobs.GetJob(ctx, "job-1")
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusFailed, job.Status)
	assert.Equal(t, "preempted", job.ErrorMessage)
}

func TestMarkJobFailedIfRunningSkipsCompleted(t *testing.T) {
	m := newTestManager(t)
	seedTenant(t, m, "tenant-a")
	jobs := m.JobStorage()
	ctx := context.Background()

	createJob(t, jobs, "job-1", "tenant-a", models.JobStatusQueued, time.Time{}, time.Time{})
	_, err := jobs.MarkJobStarted(ctx, "job-1")
	require.NoError(t, err)
	require.NoError(t, jobs.MarkJobComplete(ctx, "job-1"))

	affected, err := jobs.MarkJobFailedIfRunning(ctx, "job-1", "too late")
	require.NoError(t, err)
	assert.Equal(t, int64(0), affected)

	job, err := jobs.GetJob(ctx, "job-1")
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusComplete, job.Status)
}

func TestCountActiveCrawlJobs(t *testing.T) {
	m := newTestManager(t)
	seedTenant(t, m, "tenant-a")
	seedTenant(t, m, "tenant-b")
	jobs := m.JobStorage()
	ctx := context.Background()

	createJob(t, jobs, "job-1", "tenant-a", models.JobStatusQueued, time.Time{}, time.Time{})
	createJob(t, jobs, "job-2", "tenant-a", models.JobStatusInProgress, time.Time{}, time.Time{})
	createJob(t, jobs, "job-3", "tenant-a", models.JobStatusComplete, time.Time{}, time.Time{})
	createJob(t, jobs, "job-4", "tenant-b", models.JobStatusQueued, time.Time{}, time.Time{})

	count, err := jobs.CountActiveCrawlJobs(ctx, "tenant-a")
	require.NoError(t, err)
	assert.Equal(t, int64(2), count)
}

func TestSweepFailsExpiredJobs(t *testing.T) {
	m := newTestManager(t)
	seedTenant(t, m, "tenant-a")
	jobs := m.JobStorage()
	ctx := context.Background()

	now := time.Now()
	old := now.Add(-48 * time.Hour)

	// Expired QUEUED job with a crawl run: failed and collected for slot release
	createJob(t, jobs, "job-old", "tenant-a", models.JobStatusQueued, old, now)
	createRun(t, jobs, "run-old", "job-old", "tenant-a", nil)

	// Expired QUEUED job without a run: failed but produces no release pair
	createJob(t, jobs, "job-old-norun", "tenant-a", models.JobStatusQueued, old, now)

	// Fresh job stays untouched
	createJob(t, jobs, "job-fresh", "tenant-a", models.JobStatusInProgress, now, now)
	createRun(t, jobs, "run-fresh", "job-fresh", "tenant-a", intPtr(5))

	result, err := jobs.Sweep(ctx, interfaces.WatchdogThresholds{
		Now:         now,
		MaxAge:      24 * time.Hour,
		QueuedStale: 30 * time.Minute,
		EarlyZombie: 30 * time.Minute,
		LongRunning: 12 * time.Hour,
	})
	require.NoError(t, err)

	require.Len(t, result.Expired, 1)
	assert.Equal(t, "job-old", result.Expired[0].JobID)
	assert.Equal(t, "tenant-a", result.Expired[0].TenantID)

	for _, id := range []string{"job-old", "job-old-norun"} {
		job, err := jobs.GetJob(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, models.JobStatusFailed, job.Status)
		assert.Equal(t, "job expired: exceeded maximum age", job.ErrorMessage)
	}

	fresh, err := jobs.GetJob(ctx, "job-fresh")
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusInProgress, fresh.Status)
}

func TestSweepLeavesHealthyInProgressJobPastMaxAge(t *testing.T) {
	m := newTestManager(t)
	seedTenant(t, m, "tenant-a")
	jobs := m.JobStorage()
	ctx := context.Background()

	now := time.Now()

	// Created three hours ago, heartbeating and making progress. Age alone
	// never fails a running crawl; only the heartbeat phases may.
	createJob(t, jobs, "job-long", "tenant-a", models.JobStatusInProgress,
		now.Add(-3*time.Hour), now.Add(-30*time.Second))
	createRun(t, jobs, "run-long", "job-long", "tenant-a", intPtr(50))

	result, err := jobs.Sweep(ctx, interfaces.WatchdogThresholds{
		Now:         now,
		MaxAge:      2 * time.Hour,
		QueuedStale: 30 * time.Minute,
		EarlyZombie: 15 * time.Minute,
		LongRunning: 12 * time.Hour,
	})
	require.NoError(t, err)

	assert.Empty(t, result.Expired)
	assert.Empty(t, result.EarlyZombies)
	assert.Empty(t, result.LongRunning)

	job, err := jobs.GetJob(ctx, "job-long")
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusInProgress, job.Status)
}

func TestSweepRescuesStaleQueuedJobs(t *testing.T) {
	m := newTestManager(t)
	seedTenant(t, m, "tenant-a")
	jobs := m.JobStorage()
	ctx := context.Background()

	now := time.Now()
	stale := now.Add(-45 * time.Minute)

	createJob(t, jobs, "job-stale", "tenant-a", models.JobStatusQueued, stale, stale)
	createJob(t, jobs, "job-recent", "tenant-a", models.JobStatusQueued, now, now)

	thresholds := interfaces.WatchdogThresholds{
		Now:         now,
		MaxAge:      24 * time.Hour,
		QueuedStale: 30 * time.Minute,
		EarlyZombie: 30 * time.Minute,
		LongRunning: 12 * time.Hour,
	}

	result, err := jobs.Sweep(ctx, thresholds)
	require.NoError(t, err)

	require.Len(t, result.Rescued, 1)
	assert.Equal(t, "job-stale", result.Rescued[0].JobID)
	assert.Equal(t, string(models.JobTaskCrawl), result.Rescued[0].Task)

	// The rescued job stays QUEUED but its updated_at advanced, so an
	// immediate second sweep does not rescue it again.
	job, err := jobs.GetJob(ctx, "job-stale")
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusQueued, job.Status)

	result, err = jobs.Sweep(ctx, thresholds)
	require.NoError(t, err)
	assert.Empty(t, result.Rescued)
}

func TestSweepFailsEarlyZombies(t *testing.T) {
	m := newTestManager(t)
	seedTenant(t, m, "tenant-a")
	jobs := m.JobStorage()
	ctx := context.Background()

	now := time.Now()
	stale := now.Add(-45 * time.Minute)

	// Stalled before the first page: NULL and 0 both count
	createJob(t, jobs, "job-null", "tenant-a", models.JobStatusInProgress, stale, stale)
	createRun(t, jobs, "run-null", "job-null", "tenant-a", nil)
	createJob(t, jobs, "job-zero", "tenant-a", models.JobStatusInProgress, stale, stale)
	createRun(t, jobs, "run-zero", "job-zero", "tenant-a", intPtr(0))

	// Progressing job with the same stale heartbeat is left to phase 3
	createJob(t, jobs, "job-progress", "tenant-a", models.JobStatusInProgress, stale, stale)
	createRun(t, jobs, "run-progress", "job-progress", "tenant-a", intPtr(12))

	result, err := jobs.Sweep(ctx, interfaces.WatchdogThresholds{
		Now:         now,
		MaxAge:      24 * time.Hour,
		QueuedStale: 30 * time.Minute,
		EarlyZombie: 30 * time.Minute,
		LongRunning: 12 * time.Hour,
	})
	require.NoError(t, err)

	ids := make([]string, 0, len(result.EarlyZombies))
	for _, p := range result.EarlyZombies {
		ids = append(ids, p.JobID)
	}
	assert.ElementsMatch(t, []string{"job-null", "job-zero"}, ids)

	job, err := jobs.GetJob(ctx, "job-null")
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusFailed, job.Status)
	assert.Equal(t, "crawl stalled before first page", job.ErrorMessage)

	progressing, err := jobs.GetJob(ctx, "job-progress")
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusInProgress, progressing.Status)
}

func TestSweepFailsLongRunningJobs(t *testing.T) {
	m := newTestManager(t)
	seedTenant(t, m, "tenant-a")
	jobs := m.JobStorage()
	ctx := context.Background()

	now := time.Now()
	abandoned := now.Add(-14 * time.Hour)

	createJob(t, jobs, "job-abandoned", "tenant-a", models.JobStatusInProgress, abandoned, abandoned)
	createRun(t, jobs, "run-abandoned", "job-abandoned", "tenant-a", intPtr(200))

	result, err := jobs.Sweep(ctx, interfaces.WatchdogThresholds{
		Now:         now,
		MaxAge:      24 * time.Hour,
		QueuedStale: 30 * time.Minute,
		EarlyZombie: 30 * time.Minute,
		LongRunning: 12 * time.Hour,
	})
	require.NoError(t, err)

	// Phase 3.5 skips it (pages > 0); phase 3 catches it
	assert.Empty(t, result.EarlyZombies)
	require.Len(t, result.LongRunning, 1)
	assert.Equal(t, "job-abandoned", result.LongRunning[0].JobID)

	job, err := jobs.GetJob(ctx, "job-abandoned")
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusFailed, job.Status)
	assert.Equal(t, "job abandoned: no heartbeat", job.ErrorMessage)
}

func TestCrawlRunProgressAndDeltaToken(t *testing.T) {
	m := newTestManager(t)
	seedTenant(t, m, "tenant-a")
	jobs := m.JobStorage()
	ctx := context.Background()

	createJob(t, jobs, "job-1", "tenant-a", models.JobStatusQueued, time.Time{}, time.Time{})
	createRun(t, jobs, "run-1", "job-1", "tenant-a", nil)

	run, err := jobs.GetCrawlRunByJobID(ctx, "job-1")
	require.NoError(t, err)
	assert.Nil(t, run.PagesCrawled)

	require.NoError(t, jobs.UpdatePagesCrawled(ctx, "job-1", 7))
	require.NoError(t, jobs.SetDeltaToken(ctx, "job-1", "delta-abc"))

	run, err = jobs.GetCrawlRunByJobID(ctx, "job-1")
	require.NoError(t, err)
	require.NotNil(t, run.PagesCrawled)
	assert.Equal(t, 7, *run.PagesCrawled)
	assert.Equal(t, "delta-abc", run.DeltaToken)
}

func TestTouchJobMissingIsNoOp(t *testing.T) {
	m := newTestManager(t)
	jobs := m.JobStorage()

	assert.NoError(t, jobs.TouchJob(context.Background(), "no-such-job"))
}

func intPtr(v int) *int {
	return &v
}
