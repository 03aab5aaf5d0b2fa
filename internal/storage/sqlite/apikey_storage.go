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

// APIKeyStorage implements SQLite storage for tenant API keys
type APIKeyStorage struct {
	db     *SQLiteDB
	logger arbor.ILogger
	mu     sync.Mutex
}

// NewAPIKeyStorage creates a new API key storage instance
func NewAPIKeyStorage(db *SQLiteDB, logger arbor.ILogger) interfaces.APIKeyStorage {
	return &APIKeyStorage{
		db:     db,
		logger: logger,
	}
}

const apiKeyColumns = `id, tenant_id, key, name, key_type, scope_type, scope_id, creator_id,
	admin_access, allowed_origins, allowed_ips, rate_limit, resource_permissions,
	expires_at, suspended_at, revoked_at, created_at, updated_at`

// SaveKey creates or updates an API key
func (s *APIKeyStorage) SaveKey(ctx context.Context, key *models.APIKey) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now()
	if key.CreatedAt.IsZero() {
		key.CreatedAt = now
	}
	key.UpdatedAt = now

	origins, err := json.Marshal(orEmpty(key.AllowedOrigins))
	if err != nil {
		return fmt.Errorf("failed to serialize allowed origins: %w", err)
	}
	ips, err := json.Marshal(orEmpty(key.AllowedIPs))
	if err != nil {
		return fmt.Errorf("failed to serialize allowed ips: %w", err)
	}

	permissions := "{}"
	if len(key.ResourcePermissions) > 0 {
		data, err := json.Marshal(key.ResourcePermissions)
		if err != nil {
			return fmt.Errorf("failed to serialize resource permissions: %w", err)
		}
		permissions = string(data)
	}

	query := `
		INSERT INTO api_keys (` + apiKeyColumns + `)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			name = excluded.name,
			allowed_origins = excluded.allowed_origins,
			allowed_ips = excluded.allowed_ips,
			rate_limit = excluded.rate_limit,
			resource_permissions = excluded.resource_permissions,
			expires_at = excluded.expires_at,
			suspended_at = excluded.suspended_at,
			revoked_at = excluded.revoked_at,
			updated_at = excluded.updated_at`

	_, err = s.db.DB().ExecContext(ctx, query,
		key.ID, key.TenantID, key.Key, key.Name, string(key.Type), string(key.ScopeType),
		key.ScopeID, key.CreatorID, boolToInt(key.AdminAccess), string(origins), string(ips),
		nullableInt(key.RateLimit), permissions,
		nullableTime(key.ExpiresAt), nullableTime(key.SuspendedAt), nullableTime(key.RevokedAt),
		key.CreatedAt.Unix(), key.UpdatedAt.Unix())
	if err != nil {
		return fmt.Errorf("failed to save api key: %w", err)
	}

	return nil
}

// GetKey retrieves an API key by its key string
func (s *APIKeyStorage) GetKey(ctx context.Context, keyString string) (*models.APIKey, error) {
	query := "SELECT " + apiKeyColumns + " FROM api_keys WHERE key = ?"

	key, err := scanAPIKey(s.db.DB().QueryRowContext(ctx, query, keyString))
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("api key not found")
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get api key: %w", err)
	}
	return key, nil
}

// ListTenantKeys returns a tenant's keys ordered by creation time
func (s *APIKeyStorage) ListTenantKeys(ctx context.Context, tenantID string) ([]*models.APIKey, error) {
	query := "SELECT " + apiKeyColumns + " FROM api_keys WHERE tenant_id = ? ORDER BY created_at"

	rows, err := s.db.DB().QueryContext(ctx, query, tenantID)
	if err != nil {
		return nil, fmt.Errorf("failed to list api keys: %w", err)
	}
	defer rows.Close()

	var keys []*models.APIKey
	for rows.Next() {
		key, err := scanAPIKey(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan api key: %w", err)
		}
		keys = append(keys, key)
	}
	return keys, rows.Err()
}

func scanAPIKey(row rowScanner) (*models.APIKey, error) {
	var key models.APIKey
	var keyType, scopeType, origins, ips, permissions string
	var adminAccess int
	var rateLimit sql.NullInt64
	var expiresAt, suspendedAt, revokedAt sql.NullInt64
	var createdAt, updatedAt int64

	err := row.Scan(&key.ID, &key.TenantID, &key.Key, &key.Name, &keyType, &scopeType,
		&key.ScopeID, &key.CreatorID, &adminAccess, &origins, &ips, &rateLimit,
		&permissions, &expiresAt, &suspendedAt, &revokedAt, &createdAt, &updatedAt)
	if err != nil {
		return nil, err
	}

	key.Type = models.APIKeyType(keyType)
	key.ScopeType = models.APIKeyScopeType(scopeType)
	key.AdminAccess = adminAccess != 0
	key.CreatedAt = unixToTime(createdAt)
	key.UpdatedAt = unixToTime(updatedAt)

	if err := json.Unmarshal([]byte(origins), &key.AllowedOrigins); err != nil {
		return nil, fmt.Errorf("failed to parse allowed origins: %w", err)
	}
	if err := json.Unmarshal([]byte(ips), &key.AllowedIPs); err != nil {
		return nil, fmt.Errorf("failed to parse allowed ips: %w", err)
	}
	if permissions != "" && permissions != "{}" {
		if err := json.Unmarshal([]byte(permissions), &key.ResourcePermissions); err != nil {
			return nil, fmt.Errorf("failed to parse resource permissions: %w", err)
		}
	}

	if rateLimit.Valid {
		v := int(rateLimit.Int64)
		key.RateLimit = &v
	}
	key.ExpiresAt = timeFromNullable(expiresAt)
	key.SuspendedAt = timeFromNullable(suspendedAt)
	key.RevokedAt = timeFromNullable(revokedAt)

	return &key, nil
}

func orEmpty(list []string) []string {
	if list == nil {
		return []string{}
	}
	return list
}

func nullableTime(t *time.Time) sql.NullInt64 {
	if t == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Valid: true, Int64: t.Unix()}
}

func timeFromNullable(v sql.NullInt64) *time.Time {
	if !v.Valid {
		return nil
	}
	t := unixToTime(v.Int64)
	return &t
}
