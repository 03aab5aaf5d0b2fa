package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/ternarybob/arbor"
	"github.com/ternarybob/crawlcore/internal/interfaces"
	"github.com/ternarybob/crawlcore/internal/models"
)

// unixToTime converts Unix timestamp to time.Time
func unixToTime(unix int64) time.Time {
	return time.Unix(unix, 0)
}

// placeholders builds a "?, ?, ?" list for an IN clause
func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?, ", n), ", ")
}

// JobStorage implements SQLite storage for jobs and crawl runs
type JobStorage struct {
	db     *SQLiteDB
	logger arbor.ILogger
	mu     sync.Mutex
}

// NewJobStorage creates a new job storage instance
func NewJobStorage(db *SQLiteDB, logger arbor.ILogger) interfaces.JobStorage {
	return &JobStorage{
		db:     db,
		logger: logger,
	}
}

// CreateJob inserts a new job in QUEUED state
func (s *JobStorage) CreateJob(ctx context.Context, job *models.Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now()
	if job.CreatedAt.IsZero() {
		job.CreatedAt = now
	}
	if job.UpdatedAt.IsZero() {
		job.UpdatedAt = now
	}
	if job.Status == "" {
		job.Status = models.JobStatusQueued
	}

	query := `
		INSERT INTO jobs (id, tenant_id, task, status, user_id, error_message, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`

	_, err := s.db.DB().ExecContext(ctx, query,
		job.ID, job.TenantID, string(job.Task), string(job.Status), job.UserID,
		job.ErrorMessage, job.CreatedAt.Unix(), job.UpdatedAt.Unix())
	if err != nil {
		return fmt.Errorf("failed to create job: %w", err)
	}

	return nil
}

// GetJob retrieves a job by ID
func (s *JobStorage) GetJob(ctx context.Context, jobID string) (*models.Job, error) {
	query := `
		SELECT id, tenant_id, task, status, user_id, error_message, created_at, updated_at
		FROM jobs WHERE id = ?`

	var job models.Job
	var task, status string
	var createdAt, updatedAt int64

	err := s.db.DB().QueryRowContext(ctx, query, jobID).Scan(
		&job.ID, &job.TenantID, &task, &status, &job.UserID,
		&job.ErrorMessage, &createdAt, &updatedAt)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("job not found: %s", jobID)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get job: %w", err)
	}

	job.Task = models.JobTask(task)
	job.Status = models.JobStatus(status)
	job.CreatedAt = unixToTime(createdAt)
	job.UpdatedAt = unixToTime(updatedAt)
	return &job, nil
}

// TouchJob advances updated_at to now. Missing jobs are a no-op so heartbeats
// never fail a worker whose job was already swept.
func (s *JobStorage) TouchJob(ctx context.Context, jobID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.DB().ExecContext(ctx,
		"UPDATE jobs SET updated_at = ? WHERE id = ?", time.Now().Unix(), jobID)
	if err != nil {
		return fmt.Errorf("failed to touch job: %w", err)
	}
	return nil
}

// MarkJobStarted transitions QUEUED -> IN_PROGRESS. Returns false when the
// compare-and-swap found the job in any other state.
func (s *JobStorage) MarkJobStarted(ctx context.Context, jobID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	result, err := s.db.DB().ExecContext(ctx,
		"UPDATE jobs SET status = ?, updated_at = ? WHERE id = ? AND status = ?",
		string(models.JobStatusInProgress), time.Now().Unix(), jobID, string(models.JobStatusQueued))
	if err != nil {
		return false, fmt.Errorf("failed to mark job started: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return false, err
	}
	return rows > 0, nil
}

// MarkJobComplete transitions the job to COMPLETE
func (s *JobStorage) MarkJobComplete(ctx context.Context, jobID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.DB().ExecContext(ctx,
		"UPDATE jobs SET status = ?, updated_at = ? WHERE id = ? AND status = ?",
		string(models.JobStatusComplete), time.Now().Unix(), jobID, string(models.JobStatusInProgress))
	if err != nil {
		return fmt.Errorf("failed to mark job complete: %w", err)
	}
	return nil
}

// MarkJobFailed transitions the job to FAILED with an error message
func (s *JobStorage) MarkJobFailed(ctx context.Context, jobID string, errorMessage string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.DB().ExecContext(ctx,
		"UPDATE jobs SET status = ?, error_message = ?, updated_at = ? WHERE id = ?",
		string(models.JobStatusFailed), errorMessage, time.Now().Unix(), jobID)
	if err != nil {
		return fmt.Errorf("failed to mark job failed: %w", err)
	}
	return nil
}

// MarkJobFailedIfRunning fails the job only while it is QUEUED or IN_PROGRESS.
// The rows-affected return lets preemption callers know whether they won the
// race against a completing worker.
func (s *JobStorage) MarkJobFailedIfRunning(ctx context.Context, jobID string, errorMessage string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	result, err := s.db.DB().ExecContext(ctx,
		"UPDATE jobs SET status = ?, error_message = ?, updated_at = ? WHERE id = ? AND status IN (?, ?)",
		string(models.JobStatusFailed), errorMessage, time.Now().Unix(), jobID,
		string(models.JobStatusQueued), string(models.JobStatusInProgress))
	if err != nil {
		return 0, fmt.Errorf("failed to mark job failed: %w", err)
	}

	return result.RowsAffected()
}

// CountActiveCrawlJobs counts QUEUED and IN_PROGRESS crawl jobs for a tenant.
// This is the database truth the watchdog reconciles slot counters against.
func (s *JobStorage) CountActiveCrawlJobs(ctx context.Context, tenantID string) (int64, error) {
	var count int64
	err := s.db.DB().QueryRowContext(ctx,
		"SELECT COUNT(*) FROM jobs WHERE tenant_id = ? AND task = ? AND status IN (?, ?)",
		tenantID, string(models.JobTaskCrawl),
		string(models.JobStatusQueued), string(models.JobStatusInProgress)).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("failed to count active crawl jobs: %w", err)
	}
	return count, nil
}

// Sweep runs the watchdog phases in one transaction:
//
//	Phase 1:   fail QUEUED jobs older than MaxAge
//	Phase 2:   collect QUEUED jobs stale past QueuedStale for re-dispatch
//	Phase 3.5: fail IN_PROGRESS jobs stalled before their first page
//	Phase 3:   fail IN_PROGRESS jobs past the long-running cutoff
//
// Later phases see earlier updates, so a job failed by phase 1 is never
// rescued by phase 2. Slot release happens post-commit from the returned
// pairs; a crash between commit and release is healed by the counter TTL.
func (s *JobStorage) Sweep(ctx context.Context, t interfaces.WatchdogThresholds) (*interfaces.SweepResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to begin sweep transaction: %w", err)
	}
	defer tx.Rollback()

	now := t.Now.Unix()
	result := &interfaces.SweepResult{}

	// Phase 1: expired QUEUED jobs, measured from the immutable created_at so
	// a rescue loop cannot keep a dead job alive forever. IN_PROGRESS jobs are
	// left to the heartbeat phases. Slot-release pairs come from the
	// crawl_runs join; a job that never got a run is failed but produces no
	// release.
	expiredCutoff := t.Now.Add(-t.MaxAge).Unix()

	rows, err := tx.QueryContext(ctx, `
		SELECT j.id, j.tenant_id FROM jobs j
		JOIN crawl_runs r ON r.job_id = j.id
		WHERE j.status = ? AND j.created_at < ?`,
		string(models.JobStatusQueued), expiredCutoff)
	if err != nil {
		return nil, fmt.Errorf("failed to query expired jobs: %w", err)
	}
	result.Expired, err = scanJobTenants(rows)
	if err != nil {
		return nil, err
	}

	_, err = tx.ExecContext(ctx, `
		UPDATE jobs SET status = ?, error_message = ?, updated_at = ?
		WHERE status = ? AND created_at < ?`,
		string(models.JobStatusFailed), "job expired: exceeded maximum age", now,
		string(models.JobStatusQueued), expiredCutoff)
	if err != nil {
		return nil, fmt.Errorf("failed to fail expired jobs: %w", err)
	}

	// Phase 2: stale QUEUED jobs whose pool entry was likely lost. Bump
	// updated_at inside the transaction so one rescue per threshold window;
	// the caller re-enqueues the returned descriptors after commit.
	staleCutoff := t.Now.Add(-t.QueuedStale).Unix()

	rows, err = tx.QueryContext(ctx, `
		SELECT id, tenant_id, task FROM jobs
		WHERE status = ? AND updated_at < ?`,
		string(models.JobStatusQueued), staleCutoff)
	if err != nil {
		return nil, fmt.Errorf("failed to query stale queued jobs: %w", err)
	}
	result.Rescued, err = scanDescriptors(rows, t.Now)
	if err != nil {
		return nil, err
	}

	if len(result.Rescued) > 0 {
		_, err = tx.ExecContext(ctx,
			"UPDATE jobs SET updated_at = ? WHERE status = ? AND updated_at < ?",
			now, string(models.JobStatusQueued), staleCutoff)
		if err != nil {
			return nil, fmt.Errorf("failed to bump rescued jobs: %w", err)
		}
	}

	// Phase 3.5: early zombies. IN_PROGRESS, no heartbeat past the stale
	// threshold, and no page progress recorded (NULL and 0 both count).
	zombieCutoff := t.Now.Add(-t.EarlyZombie).Unix()

	rows, err = tx.QueryContext(ctx, `
		SELECT j.id, j.tenant_id FROM jobs j
		JOIN crawl_runs r ON r.job_id = j.id
		WHERE j.status = ? AND j.updated_at < ?
		  AND (r.pages_crawled IS NULL OR r.pages_crawled = 0)`,
		string(models.JobStatusInProgress), zombieCutoff)
	if err != nil {
		return nil, fmt.Errorf("failed to query early zombies: %w", err)
	}
	result.EarlyZombies, err = scanJobTenants(rows)
	if err != nil {
		return nil, err
	}

	if err := failJobsTx(ctx, tx, result.EarlyZombies, "crawl stalled before first page", now); err != nil {
		return nil, err
	}

	// Phase 3: long-running jobs with no heartbeat past the cutoff
	longCutoff := t.Now.Add(-t.LongRunning).Unix()

	rows, err = tx.QueryContext(ctx, `
		SELECT id, tenant_id FROM jobs
		WHERE status = ? AND updated_at < ?`,
		string(models.JobStatusInProgress), longCutoff)
	if err != nil {
		return nil, fmt.Errorf("failed to query long-running jobs: %w", err)
	}
	result.LongRunning, err = scanJobTenants(rows)
	if err != nil {
		return nil, err
	}

	if err := failJobsTx(ctx, tx, result.LongRunning, "job abandoned: no heartbeat", now); err != nil {
		return nil, err
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit sweep: %w", err)
	}

	return result, nil
}

func scanJobTenants(rows *sql.Rows) ([]interfaces.JobTenant, error) {
	defer rows.Close()

	var pairs []interfaces.JobTenant
	for rows.Next() {
		var p interfaces.JobTenant
		if err := rows.Scan(&p.JobID, &p.TenantID); err != nil {
			return nil, fmt.Errorf("failed to scan job pair: %w", err)
		}
		pairs = append(pairs, p)
	}
	return pairs, rows.Err()
}

func scanDescriptors(rows *sql.Rows, now time.Time) ([]models.JobDescriptor, error) {
	defer rows.Close()

	var descriptors []models.JobDescriptor
	for rows.Next() {
		var d models.JobDescriptor
		if err := rows.Scan(&d.JobID, &d.TenantID, &d.Task); err != nil {
			return nil, fmt.Errorf("failed to scan job descriptor: %w", err)
		}
		d.EnqueuedAt = now
		descriptors = append(descriptors, d)
	}
	return descriptors, rows.Err()
}

func failJobsTx(ctx context.Context, tx *sql.Tx, pairs []interfaces.JobTenant, message string, now int64) error {
	if len(pairs) == 0 {
		return nil
	}

	args := make([]interface{}, 0, len(pairs)+3)
	args = append(args, string(models.JobStatusFailed), message, now)
	for _, p := range pairs {
		args = append(args, p.JobID)
	}

	query := fmt.Sprintf(
		"UPDATE jobs SET status = ?, error_message = ?, updated_at = ? WHERE id IN (%s)",
		placeholders(len(pairs)))
	if _, err := tx.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("failed to fail jobs: %w", err)
	}
	return nil
}

// CreateCrawlRun inserts the job's companion crawl run record
func (s *JobStorage) CreateCrawlRun(ctx context.Context, run *models.CrawlRun) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now()
	if run.CreatedAt.IsZero() {
		run.CreatedAt = now
	}
	if run.UpdatedAt.IsZero() {
		run.UpdatedAt = now
	}

	var pages sql.NullInt64
	if run.PagesCrawled != nil {
		pages.Valid = true
		pages.Int64 = int64(*run.PagesCrawled)
	}

	query := `
		INSERT INTO crawl_runs (id, job_id, tenant_id, website_id, pages_crawled, delta_token, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`

	_, err := s.db.DB().ExecContext(ctx, query,
		run.ID, run.JobID, run.TenantID, run.WebsiteID, pages, run.DeltaToken,
		run.CreatedAt.Unix(), run.UpdatedAt.Unix())
	if err != nil {
		return fmt.Errorf("failed to create crawl run: %w", err)
	}

	return nil
}

// GetCrawlRunByJobID retrieves the crawl run linked to a job
func (s *JobStorage) GetCrawlRunByJobID(ctx context.Context, jobID string) (*models.CrawlRun, error) {
	query := `
		SELECT id, job_id, tenant_id, website_id, pages_crawled, delta_token, created_at, updated_at
		FROM crawl_runs WHERE job_id = ?`

	var run models.CrawlRun
	var pages sql.NullInt64
	var createdAt, updatedAt int64

	err := s.db.DB().QueryRowContext(ctx, query, jobID).Scan(
		&run.ID, &run.JobID, &run.TenantID, &run.WebsiteID, &pages,
		&run.DeltaToken, &createdAt, &updatedAt)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("crawl run not found for job: %s", jobID)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get crawl run: %w", err)
	}

	if pages.Valid {
		p := int(pages.Int64)
		run.PagesCrawled = &p
	}
	run.CreatedAt = unixToTime(createdAt)
	run.UpdatedAt = unixToTime(updatedAt)
	return &run, nil
}

// UpdatePagesCrawled records crawl progress for a job's run
func (s *JobStorage) UpdatePagesCrawled(ctx context.Context, jobID string, pages int) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.DB().ExecContext(ctx,
		"UPDATE crawl_runs SET pages_crawled = ?, updated_at = ? WHERE job_id = ?",
		pages, time.Now().Unix(), jobID)
	if err != nil {
		return fmt.Errorf("failed to update pages crawled: %w", err)
	}
	return nil
}

// SetDeltaToken stores the SharePoint delta token for the next incremental sync
func (s *JobStorage) SetDeltaToken(ctx context.Context, jobID string, token string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.DB().ExecContext(ctx,
		"UPDATE crawl_runs SET delta_token = ?, updated_at = ? WHERE job_id = ?",
		token, time.Now().Unix(), jobID)
	if err != nil {
		return fmt.Errorf("failed to set delta token: %w", err)
	}
	return nil
}
