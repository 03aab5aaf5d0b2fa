package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/ternarybob/arbor"
	"github.com/ternarybob/crawlcore/internal/interfaces"
	"github.com/ternarybob/crawlcore/internal/models"
)

// AuditStorage implements append-only SQLite storage for audit logs and the
// per-tenant audit configuration table.
type AuditStorage struct {
	db     *SQLiteDB
	logger arbor.ILogger
	mu     sync.Mutex
}

// NewAuditStorage creates a new audit storage instance
func NewAuditStorage(db *SQLiteDB, logger arbor.ILogger) interfaces.AuditStorage {
	return &AuditStorage{
		db:     db,
		logger: logger,
	}
}

// Append inserts an audit entry. There is no update path; rows are immutable
// once written.
func (s *AuditStorage) Append(ctx context.Context, entry *models.AuditLog) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if entry.Timestamp.IsZero() {
		entry.Timestamp = time.Now()
	}

	var metadata sql.NullString
	if len(entry.Metadata) > 0 {
		data, err := json.Marshal(entry.Metadata)
		if err != nil {
			return fmt.Errorf("failed to serialize audit metadata: %w", err)
		}
		metadata = sql.NullString{Valid: true, String: string(data)}
	}

	query := `
		INSERT INTO audit_logs (id, tenant_id, actor_id, actor_type, action, entity_type,
			entity_id, description, outcome, error_message, metadata, timestamp)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`

	_, err := s.db.DB().ExecContext(ctx, query,
		entry.ID, entry.TenantID, entry.ActorID, string(entry.ActorType), string(entry.Action),
		entry.EntityType, entry.EntityID, entry.Description, string(entry.Outcome),
		entry.ErrorMessage, metadata, entry.Timestamp.Unix())
	if err != nil {
		return fmt.Errorf("failed to append audit log: %w", err)
	}

	return nil
}

// Count returns the number of rows matching the filter
func (s *AuditStorage) Count(ctx context.Context, filter interfaces.AuditFilter) (int64, error) {
	where, args := buildAuditWhere(filter)

	var count int64
	err := s.db.DB().QueryRowContext(ctx,
		"SELECT COUNT(*) FROM audit_logs"+where, args...).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("failed to count audit logs: %w", err)
	}
	return count, nil
}

// QueryBatch returns up to limit rows ordered newest first, starting strictly
// after the (afterTimestamp, afterID) cursor. Seek pagination keeps memory
// flat regardless of export size.
func (s *AuditStorage) QueryBatch(ctx context.Context, filter interfaces.AuditFilter, afterTimestamp time.Time, afterID string, limit int) ([]models.AuditLog, error) {
	where, args := buildAuditWhere(filter)

	if !afterTimestamp.IsZero() {
		where += " AND (timestamp < ? OR (timestamp = ? AND id < ?))"
		ts := afterTimestamp.Unix()
		args = append(args, ts, ts, afterID)
	}

	query := "SELECT id, tenant_id, actor_id, actor_type, action, entity_type, entity_id, " +
		"description, outcome, error_message, metadata, timestamp FROM audit_logs" +
		where + " ORDER BY timestamp DESC, id DESC LIMIT ?"
	args = append(args, limit)

	rows, err := s.db.DB().QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query audit logs: %w", err)
	}
	defer rows.Close()

	var entries []models.AuditLog
	for rows.Next() {
		var entry models.AuditLog
		var actorType, action, outcome string
		var metadata sql.NullString
		var timestamp int64

		err := rows.Scan(&entry.ID, &entry.TenantID, &entry.ActorID, &actorType, &action,
			&entry.EntityType, &entry.EntityID, &entry.Description, &outcome,
			&entry.ErrorMessage, &metadata, &timestamp)
		if err != nil {
			return nil, fmt.Errorf("failed to scan audit log: %w", err)
		}

		entry.ActorType = models.ActorType(actorType)
		entry.Action = models.AuditAction(action)
		entry.Outcome = models.AuditOutcome(outcome)
		entry.Timestamp = unixToTime(timestamp)
		if metadata.Valid && metadata.String != "" {
			if err := json.Unmarshal([]byte(metadata.String), &entry.Metadata); err != nil {
				return nil, fmt.Errorf("failed to parse audit metadata: %w", err)
			}
		}
		entries = append(entries, entry)
	}
	return entries, rows.Err()
}

// DeleteOlderThan removes a tenant's audit rows with timestamp strictly before
// the cutoff. Used only by the retention sweep.
func (s *AuditStorage) DeleteOlderThan(ctx context.Context, tenantID string, before time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	result, err := s.db.DB().ExecContext(ctx,
		"DELETE FROM audit_logs WHERE tenant_id = ? AND timestamp < ?",
		tenantID, before.Unix())
	if err != nil {
		return 0, fmt.Errorf("failed to delete audit logs: %w", err)
	}
	return result.RowsAffected()
}

// GetAuditConfig loads a tenant's setting for one category. A missing row is
// not an error; the caller applies the enabled-by-default rule.
func (s *AuditStorage) GetAuditConfig(ctx context.Context, tenantID string, category models.AuditCategory) (*models.AuditConfigEntry, error) {
	var entry models.AuditConfigEntry
	var enabled int
	var overrides string
	var updatedAt int64

	err := s.db.DB().QueryRowContext(ctx,
		"SELECT enabled, action_overrides, updated_at FROM audit_config WHERE tenant_id = ? AND category = ?",
		tenantID, string(category)).Scan(&enabled, &overrides, &updatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get audit config: %w", err)
	}

	entry.TenantID = tenantID
	entry.Category = category
	entry.Enabled = enabled != 0
	entry.UpdatedAt = unixToTime(updatedAt)
	if overrides != "" && overrides != "{}" {
		if err := json.Unmarshal([]byte(overrides), &entry.ActionOverrides); err != nil {
			return nil, fmt.Errorf("failed to parse action overrides: %w", err)
		}
	}
	return &entry, nil
}

// SaveAuditConfig upserts a tenant's category setting
func (s *AuditStorage) SaveAuditConfig(ctx context.Context, entry *models.AuditConfigEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	overrides := "{}"
	if len(entry.ActionOverrides) > 0 {
		data, err := json.Marshal(entry.ActionOverrides)
		if err != nil {
			return fmt.Errorf("failed to serialize action overrides: %w", err)
		}
		overrides = string(data)
	}

	query := `
		INSERT INTO audit_config (tenant_id, category, enabled, action_overrides, updated_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(tenant_id, category) DO UPDATE SET
			enabled = excluded.enabled,
			action_overrides = excluded.action_overrides,
			updated_at = excluded.updated_at`

	_, err := s.db.DB().ExecContext(ctx, query,
		entry.TenantID, string(entry.Category), boolToInt(entry.Enabled), overrides, time.Now().Unix())
	if err != nil {
		return fmt.Errorf("failed to save audit config: %w", err)
	}
	return nil
}

func buildAuditWhere(filter interfaces.AuditFilter) (string, []interface{}) {
	where := " WHERE tenant_id = ?"
	args := []interface{}{filter.TenantID}

	if len(filter.Actions) > 0 {
		where += fmt.Sprintf(" AND action IN (%s)", placeholders(len(filter.Actions)))
		for _, a := range filter.Actions {
			args = append(args, a)
		}
	}
	if filter.ActorID != "" {
		where += " AND actor_id = ?"
		args = append(args, filter.ActorID)
	}
	if filter.Outcome != "" {
		where += " AND outcome = ?"
		args = append(args, filter.Outcome)
	}
	if !filter.From.IsZero() {
		where += " AND timestamp >= ?"
		args = append(args, filter.From.Unix())
	}
	if !filter.To.IsZero() {
		where += " AND timestamp <= ?"
		args = append(args, filter.To.Unix())
	}

	return where, args
}
