package retention

import (
	"context"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/ternarybob/arbor"

	"github.com/ternarybob/crawlcore/internal/common"
	"github.com/ternarybob/crawlcore/internal/interfaces"
	"github.com/ternarybob/crawlcore/internal/models"
)

// AuditRecorder emits the compliance trail entry after each sweep
type AuditRecorder interface {
	Record(ctx context.Context, entry *models.AuditLog)
}

// Service runs the scheduled hard-delete sweep over conversation history and
// app runs. The effective retention period resolves leaf-first (assistant or
// app, then space, then tenant); rows exactly at the boundary survive.
type Service struct {
	storage interfaces.RetentionStorage
	audit   AuditRecorder
	config  common.RetentionConfig
	logger  arbor.ILogger
	cron    *cron.Cron
}

// NewService creates a retention service
func NewService(storage interfaces.RetentionStorage, audit AuditRecorder, config common.RetentionConfig, logger arbor.ILogger) *Service {
	return &Service{
		storage: storage,
		audit:   audit,
		config:  config,
		logger:  logger,
	}
}

// Start schedules the sweep. A disabled config is a no-op.
func (s *Service) Start() error {
	if !s.config.Enabled {
		s.logger.Info().Msg("Retention sweep disabled")
		return nil
	}

	s.cron = cron.New()
	_, err := s.cron.AddFunc(s.config.Schedule, func() {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Minute)
		defer cancel()
		if err := s.RunOnce(ctx); err != nil {
			s.logger.Error().Err(err).Msg("Retention sweep failed")
		}
	})
	if err != nil {
		return fmt.Errorf("invalid retention schedule %q: %w", s.config.Schedule, err)
	}

	s.cron.Start()
	s.logger.Info().Str("schedule", s.config.Schedule).Msg("Retention sweep scheduled")
	return nil
}

// Stop halts the scheduler, waiting for a running sweep to finish
func (s *Service) Stop() {
	if s.cron != nil {
		<-s.cron.Stop().Done()
	}
}

// RunOnce executes one full sweep
func (s *Service) RunOnce(ctx context.Context) error {
	now := time.Now()

	questions, err := s.storage.DeleteOldQuestions(ctx, now)
	if err != nil {
		return fmt.Errorf("question sweep failed: %w", err)
	}

	appRuns, err := s.storage.DeleteOldAppRuns(ctx, now)
	if err != nil {
		return fmt.Errorf("app run sweep failed: %w", err)
	}

	s.logger.Info().
		Int64("questions_deleted", questions).
		Int64("app_runs_deleted", appRuns).
		Msg("Retention sweep completed")

	if s.audit != nil && (questions > 0 || appRuns > 0) {
		s.audit.Record(ctx, &models.AuditLog{
			ID:          common.NewID(),
			TenantID:    "system",
			ActorType:   models.ActorTypeSystem,
			Action:      models.ActionRetentionSweepRan,
			EntityType:  "retention_sweep",
			Description: fmt.Sprintf("deleted %d questions and %d app runs past retention", questions, appRuns),
			Outcome:     models.OutcomeSuccess,
			Metadata: map[string]interface{}{
				"questions_deleted": questions,
				"app_runs_deleted":  appRuns,
			},
		})
	}

	return nil
}
