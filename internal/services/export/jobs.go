package export

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/ternarybob/crawlcore/internal/common"
	"github.com/ternarybob/crawlcore/internal/coordinator"
	"github.com/ternarybob/crawlcore/internal/interfaces"
	"github.com/ternarybob/crawlcore/internal/models"
)

// ErrTooManyExports rejects a new export while the tenant already has the
// maximum number of jobs in flight
var ErrTooManyExports = fmt.Errorf("too many concurrent export jobs for tenant")

// StartExport creates a background export job and launches its worker
// goroutine. The job state lives in the coordinator under
// audit_export:<tenant>:<job_id> and expires with the job.
func (s *Service) StartExport(ctx context.Context, tenantID string, format models.ExportFormat, filter interfaces.AuditFilter) (*models.ExportJob, error) {
	active, err := s.countActiveJobs(ctx, tenantID)
	if err != nil {
		return nil, err
	}
	if active >= s.config.MaxConcurrent {
		return nil, ErrTooManyExports
	}

	now := time.Now()
	job := &models.ExportJob{
		JobID:     common.NewExportID(),
		TenantID:  tenantID,
		Status:    models.ExportStatusPending,
		Format:    format,
		CreatedAt: now,
		ExpiresAt: now.Add(time.Duration(s.config.MaxAgeHours) * time.Hour),
	}

	if err := s.saveJob(ctx, job); err != nil {
		return nil, err
	}

	common.SafeGo(s.logger, "audit-export", func() {
		s.runJob(job, filter)
	})

	return job, nil
}

// GetJob loads an export job's current state
func (s *Service) GetJob(ctx context.Context, tenantID, jobID string) (*models.ExportJob, error) {
	raw, found, err := s.coord.Get(ctx, coordinator.ExportJobKey(tenantID, jobID))
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, fmt.Errorf("export job not found: %s", jobID)
	}
	return models.ExportJobFromJSON(raw)
}

// CancelJob flags a running export for cancellation. A pending job that has
// not started moves straight to cancelled; a processing job notices the flag
// at its next progress interval.
func (s *Service) CancelJob(ctx context.Context, tenantID, jobID string) error {
	job, err := s.GetJob(ctx, tenantID, jobID)
	if err != nil {
		return err
	}
	if job.Status.IsTerminal() {
		return fmt.Errorf("export job %s already %s", jobID, job.Status)
	}

	job.Cancelled = true
	if job.Status == models.ExportStatusPending {
		job.Status = models.ExportStatusCancelled
		now := time.Now()
		job.CompletedAt = &now
	}
	return s.saveJob(ctx, job)
}

// runJob executes one background export end to end
func (s *Service) runJob(job *models.ExportJob, filter interfaces.AuditFilter) {
	ctx := context.Background()

	// Re-read in case a cancel landed between creation and start
	current, err := s.GetJob(ctx, job.TenantID, job.JobID)
	if err == nil {
		job = current
	}
	if job.Cancelled || job.Status.IsTerminal() {
		return
	}

	now := time.Now()
	job.Status = models.ExportStatusProcessing
	job.StartedAt = &now
	if err := s.saveJob(ctx, job); err != nil {
		s.logger.Error().Err(err).Str("export_id", job.JobID).Msg("Failed to persist export start")
		return
	}

	if err := os.MkdirAll(s.config.Dir, 0755); err != nil {
		s.failJob(ctx, job, fmt.Errorf("failed to create export directory: %w", err))
		return
	}
	path := filepath.Join(s.config.Dir, fmt.Sprintf("audit_%s_%s.%s", job.TenantID, job.JobID, job.Format))

	progress := func(processed, total int64) {
		job.ProcessedRecords = int(processed)
		job.TotalRecords = int(total)
		job.Progress = progressPercent(processed, total)
		if err := s.saveJob(ctx, job); err != nil {
			s.logger.Warn().Err(err).Str("export_id", job.JobID).Msg("Failed to persist export progress")
		}
	}

	cancelledCheck := func() bool {
		current, err := s.GetJob(ctx, job.TenantID, job.JobID)
		if err != nil {
			s.logger.Warn().Err(err).Str("export_id", job.JobID).Msg("Failed to read export state for cancellation check")
			return false
		}
		return current.Cancelled
	}

	processed, cancelled, err := s.StreamToFile(ctx, path, job.Format, filter, progress, cancelledCheck)

	finished := time.Now()
	job.ProcessedRecords = int(processed)
	job.CompletedAt = &finished

	switch {
	case cancelled:
		job.Status = models.ExportStatusCancelled
		job.Cancelled = true
		s.logger.Info().Str("export_id", job.JobID).Int64("processed", processed).Msg("Export cancelled")
	case err != nil:
		job.Status = models.ExportStatusFailed
		job.ErrorMessage = err.Error()
		s.logger.Error().Err(err).Str("export_id", job.JobID).Msg("Export failed")
	default:
		job.Status = models.ExportStatusCompleted
		job.Progress = 100
		job.FilePath = path
		if info, serr := os.Stat(path); serr == nil {
			job.FileSizeBytes = info.Size()
		}
		s.logger.Info().Str("export_id", job.JobID).Int64("rows", processed).Str("path", path).Msg("Export completed")
		s.recordExportAudit(ctx, job)
	}

	if err := s.saveJob(ctx, job); err != nil {
		s.logger.Error().Err(err).Str("export_id", job.JobID).Msg("Failed to persist export result")
	}
}

func (s *Service) failJob(ctx context.Context, job *models.ExportJob, err error) {
	now := time.Now()
	job.Status = models.ExportStatusFailed
	job.ErrorMessage = err.Error()
	job.CompletedAt = &now
	s.logger.Error().Err(err).Str("export_id", job.JobID).Msg("Export failed")
	if serr := s.saveJob(ctx, job); serr != nil {
		s.logger.Error().Err(serr).Str("export_id", job.JobID).Msg("Failed to persist export failure")
	}
}

// countActiveJobs counts the tenant's pending and processing exports
func (s *Service) countActiveJobs(ctx context.Context, tenantID string) (int, error) {
	keys, err := s.coord.ScanKeys(ctx, coordinator.ExportJobPattern(tenantID), 100)
	if err != nil {
		return 0, err
	}

	active := 0
	for _, key := range keys {
		raw, found, err := s.coord.Get(ctx, key)
		if err != nil || !found {
			continue
		}
		job, err := models.ExportJobFromJSON(raw)
		if err != nil {
			continue
		}
		if !job.Status.IsTerminal() {
			active++
		}
	}
	return active, nil
}

func (s *Service) saveJob(ctx context.Context, job *models.ExportJob) error {
	raw, err := job.ToJSON()
	if err != nil {
		return err
	}

	ttl := time.Until(job.ExpiresAt)
	if ttl <= 0 {
		ttl = time.Minute
	}
	return s.coord.Set(ctx, coordinator.ExportJobKey(job.TenantID, job.JobID), raw, ttl)
}

// recordExportAudit appends the compliance trail entry for a completed export
func (s *Service) recordExportAudit(ctx context.Context, job *models.ExportJob) {
	err := s.audit.Append(ctx, &models.AuditLog{
		ID:          common.NewID(),
		TenantID:    job.TenantID,
		ActorType:   models.ActorTypeSystem,
		Action:      models.ActionAuditExported,
		EntityType:  "audit_export",
		EntityID:    job.JobID,
		Description: fmt.Sprintf("exported %d audit records as %s", job.ProcessedRecords, job.Format),
		Outcome:     models.OutcomeSuccess,
		Metadata: map[string]interface{}{
			"format":          string(job.Format),
			"total_records":   job.TotalRecords,
			"file_size_bytes": job.FileSizeBytes,
		},
	})
	if err != nil {
		s.logger.Warn().Err(err).Str("export_id", job.JobID).Msg("Failed to record export audit entry")
	}
}

// progressPercent maps processed/total to 0..99; only completion reaches 100
func progressPercent(processed, total int64) int {
	if total <= 0 {
		return 0
	}
	pct := int(processed * 100 / total)
	if pct > 99 {
		pct = 99
	}
	return pct
}
