package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"sync"
	"time"

	"github.com/ternarybob/arbor"
	"github.com/ternarybob/crawlcore/internal/interfaces"
	"github.com/ternarybob/crawlcore/internal/models"
)

// RetentionStorage implements SQLite storage for the content hierarchy and
// the retention sweeps that prune it.
type RetentionStorage struct {
	db     *SQLiteDB
	logger arbor.ILogger
	mu     sync.Mutex
}

// NewRetentionStorage creates a new retention storage instance
func NewRetentionStorage(db *SQLiteDB, logger arbor.ILogger) interfaces.RetentionStorage {
	return &RetentionStorage{
		db:     db,
		logger: logger,
	}
}

// CreateSpace inserts a space
func (s *RetentionStorage) CreateSpace(ctx context.Context, space *models.Space) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := stampTimes(&space.CreatedAt, &space.UpdatedAt)
	_, err := s.db.DB().ExecContext(ctx,
		"INSERT INTO spaces (id, tenant_id, name, data_retention_days, created_at, updated_at) VALUES (?, ?, ?, ?, ?, ?)",
		space.ID, space.TenantID, space.Name, nullableInt(space.DataRetentionDays),
		space.CreatedAt.Unix(), now)
	if err != nil {
		return fmt.Errorf("failed to create space: %w", err)
	}
	return nil
}

// CreateAssistant inserts an assistant
func (s *RetentionStorage) CreateAssistant(ctx context.Context, assistant *models.Assistant) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := stampTimes(&assistant.CreatedAt, &assistant.UpdatedAt)
	_, err := s.db.DB().ExecContext(ctx,
		"INSERT INTO assistants (id, tenant_id, space_id, name, data_retention_days, created_at, updated_at) VALUES (?, ?, ?, ?, ?, ?, ?)",
		assistant.ID, assistant.TenantID, assistant.SpaceID, assistant.Name,
		nullableInt(assistant.DataRetentionDays), assistant.CreatedAt.Unix(), now)
	if err != nil {
		return fmt.Errorf("failed to create assistant: %w", err)
	}
	return nil
}

// CreateApp inserts an app
func (s *RetentionStorage) CreateApp(ctx context.Context, app *models.App) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := stampTimes(&app.CreatedAt, &app.UpdatedAt)
	_, err := s.db.DB().ExecContext(ctx,
		"INSERT INTO apps (id, tenant_id, space_id, name, data_retention_days, created_at, updated_at) VALUES (?, ?, ?, ?, ?, ?, ?)",
		app.ID, app.TenantID, app.SpaceID, app.Name,
		nullableInt(app.DataRetentionDays), app.CreatedAt.Unix(), now)
	if err != nil {
		return fmt.Errorf("failed to create app: %w", err)
	}
	return nil
}

// CreateQuestion inserts a conversation-history row
func (s *RetentionStorage) CreateQuestion(ctx context.Context, question *models.Question) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if question.CreatedAt.IsZero() {
		question.CreatedAt = time.Now()
	}
	_, err := s.db.DB().ExecContext(ctx,
		"INSERT INTO questions (id, tenant_id, assistant_id, user_id, created_at) VALUES (?, ?, ?, ?, ?)",
		question.ID, question.TenantID, question.AssistantID, question.UserID, question.CreatedAt.Unix())
	if err != nil {
		return fmt.Errorf("failed to create question: %w", err)
	}
	return nil
}

// CreateAppRun inserts an app execution row
func (s *RetentionStorage) CreateAppRun(ctx context.Context, run *models.AppRun) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if run.CreatedAt.IsZero() {
		run.CreatedAt = time.Now()
	}
	_, err := s.db.DB().ExecContext(ctx,
		"INSERT INTO app_runs (id, tenant_id, app_id, user_id, created_at) VALUES (?, ?, ?, ?, ?)",
		run.ID, run.TenantID, run.AppID, run.UserID, run.CreatedAt.Unix())
	if err != nil {
		return fmt.Errorf("failed to create app run: %w", err)
	}
	return nil
}

// CountQuestions returns the tenant's remaining question count
func (s *RetentionStorage) CountQuestions(ctx context.Context, tenantID string) (int64, error) {
	var count int64
	err := s.db.DB().QueryRowContext(ctx,
		"SELECT COUNT(*) FROM questions WHERE tenant_id = ?", tenantID).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("failed to count questions: %w", err)
	}
	return count, nil
}

// CountAppRuns returns the tenant's remaining app run count
func (s *RetentionStorage) CountAppRuns(ctx context.Context, tenantID string) (int64, error) {
	var count int64
	err := s.db.DB().QueryRowContext(ctx,
		"SELECT COUNT(*) FROM app_runs WHERE tenant_id = ?", tenantID).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("failed to count app runs: %w", err)
	}
	return count, nil
}

// DeleteOldQuestions prunes questions past their effective retention. The
// effective period resolves assistant override, then space, then tenant
// default, entirely in SQL so one statement covers every tenant. The tenant
// term only participates while conversation retention is enabled; assistant
// and space overrides apply regardless of the flag. Rows exactly at the
// boundary survive (strict <); rows with no resolvable period are untouched.
func (s *RetentionStorage) DeleteOldQuestions(ctx context.Context, now time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	query := `
		DELETE FROM questions WHERE id IN (
			SELECT q.id FROM questions q
			JOIN assistants a ON a.id = q.assistant_id
			JOIN spaces sp ON sp.id = a.space_id
			JOIN tenants t ON t.id = q.tenant_id
			WHERE COALESCE(a.data_retention_days, sp.data_retention_days,
					CASE WHEN t.conversation_retention_enabled = 1 THEN t.conversation_retention_days END) IS NOT NULL
			  AND q.created_at < ? - COALESCE(a.data_retention_days, sp.data_retention_days,
					CASE WHEN t.conversation_retention_enabled = 1 THEN t.conversation_retention_days END) * 86400
		)`

	result, err := s.db.DB().ExecContext(ctx, query, now.Unix())
	if err != nil {
		return 0, fmt.Errorf("failed to delete old questions: %w", err)
	}
	return result.RowsAffected()
}

// DeleteOldAppRuns prunes app runs with the same resolution as questions,
// using the app's override in place of the assistant's.
func (s *RetentionStorage) DeleteOldAppRuns(ctx context.Context, now time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	query := `
		DELETE FROM app_runs WHERE id IN (
			SELECT r.id FROM app_runs r
			JOIN apps ap ON ap.id = r.app_id
			JOIN spaces sp ON sp.id = ap.space_id
			JOIN tenants t ON t.id = r.tenant_id
			WHERE COALESCE(ap.data_retention_days, sp.data_retention_days,
					CASE WHEN t.conversation_retention_enabled = 1 THEN t.conversation_retention_days END) IS NOT NULL
			  AND r.created_at < ? - COALESCE(ap.data_retention_days, sp.data_retention_days,
					CASE WHEN t.conversation_retention_enabled = 1 THEN t.conversation_retention_days END) * 86400
		)`

	result, err := s.db.DB().ExecContext(ctx, query, now.Unix())
	if err != nil {
		return 0, fmt.Errorf("failed to delete old app runs: %w", err)
	}
	return result.RowsAffected()
}

func stampTimes(createdAt, updatedAt *time.Time) int64 {
	now := time.Now()
	if createdAt.IsZero() {
		*createdAt = now
	}
	*updatedAt = now
	return now.Unix()
}

func nullableInt(v *int) sql.NullInt64 {
	if v == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Valid: true, Int64: int64(*v)}
}
