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

// TenantStorage implements SQLite storage for tenants
type TenantStorage struct {
	db     *SQLiteDB
	logger arbor.ILogger
	mu     sync.Mutex
}

// NewTenantStorage creates a new tenant storage instance
func NewTenantStorage(db *SQLiteDB, logger arbor.ILogger) interfaces.TenantStorage {
	return &TenantStorage{
		db:     db,
		logger: logger,
	}
}

const tenantColumns = `id, name, display_name, state, quota_limit, api_credentials,
	federation_config, crawler_settings, api_key_policy,
	conversation_retention_enabled, conversation_retention_days, created_at, updated_at`

// CreateTenant inserts a new tenant
func (s *TenantStorage) CreateTenant(ctx context.Context, tenant *models.Tenant) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now()
	if tenant.CreatedAt.IsZero() {
		tenant.CreatedAt = now
	}
	tenant.UpdatedAt = now
	if tenant.State == "" {
		tenant.State = models.TenantStateActive
	}

	creds, federation, settings, policy, retentionDays, err := serializeTenant(tenant)
	if err != nil {
		return err
	}

	query := `
		INSERT INTO tenants (` + tenantColumns + `)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`

	_, err = s.db.DB().ExecContext(ctx, query,
		tenant.ID, tenant.Name, tenant.DisplayName, string(tenant.State), tenant.QuotaLimit,
		creds, federation, settings, policy,
		boolToInt(tenant.ConversationRetentionEnabled), retentionDays,
		tenant.CreatedAt.Unix(), tenant.UpdatedAt.Unix())
	if err != nil {
		return fmt.Errorf("failed to create tenant: %w", err)
	}

	return nil
}

// GetTenant retrieves a tenant by ID
func (s *TenantStorage) GetTenant(ctx context.Context, tenantID string) (*models.Tenant, error) {
	query := "SELECT " + tenantColumns + " FROM tenants WHERE id = ?"
	return s.scanTenant(s.db.DB().QueryRowContext(ctx, query, tenantID), tenantID)
}

// GetTenantByName retrieves a tenant by its unique name
func (s *TenantStorage) GetTenantByName(ctx context.Context, name string) (*models.Tenant, error) {
	query := "SELECT " + tenantColumns + " FROM tenants WHERE name = ?"
	return s.scanTenant(s.db.DB().QueryRowContext(ctx, query, name), name)
}

// UpdateTenant persists tenant changes
func (s *TenantStorage) UpdateTenant(ctx context.Context, tenant *models.Tenant) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tenant.UpdatedAt = time.Now()

	creds, federation, settings, policy, retentionDays, err := serializeTenant(tenant)
	if err != nil {
		return err
	}

	query := `
		UPDATE tenants SET
			name = ?, display_name = ?, state = ?, quota_limit = ?,
			api_credentials = ?, federation_config = ?, crawler_settings = ?, api_key_policy = ?,
			conversation_retention_enabled = ?, conversation_retention_days = ?, updated_at = ?
		WHERE id = ?`

	result, err := s.db.DB().ExecContext(ctx, query,
		tenant.Name, tenant.DisplayName, string(tenant.State), tenant.QuotaLimit,
		creds, federation, settings, policy,
		boolToInt(tenant.ConversationRetentionEnabled), retentionDays,
		tenant.UpdatedAt.Unix(), tenant.ID)
	if err != nil {
		return fmt.Errorf("failed to update tenant: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return fmt.Errorf("tenant not found: %s", tenant.ID)
	}
	return nil
}

// ListTenants returns tenants in the given state, ordered by name
func (s *TenantStorage) ListTenants(ctx context.Context, state models.TenantState) ([]*models.Tenant, error) {
	query := "SELECT " + tenantColumns + " FROM tenants WHERE state = ? ORDER BY name"

	rows, err := s.db.DB().QueryContext(ctx, query, string(state))
	if err != nil {
		return nil, fmt.Errorf("failed to list tenants: %w", err)
	}
	defer rows.Close()

	var tenants []*models.Tenant
	for rows.Next() {
		tenant, err := s.scanTenantRow(rows)
		if err != nil {
			return nil, err
		}
		tenants = append(tenants, tenant)
	}
	return tenants, rows.Err()
}

// SoftDeleteTenant marks the tenant deleted without removing its rows
func (s *TenantStorage) SoftDeleteTenant(ctx context.Context, tenantID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.DB().ExecContext(ctx,
		"UPDATE tenants SET state = ?, updated_at = ? WHERE id = ?",
		string(models.TenantStateDeleted), time.Now().Unix(), tenantID)
	if err != nil {
		return fmt.Errorf("failed to delete tenant: %w", err)
	}
	return nil
}

// TenantSettings returns the tenant's crawler setting overrides. Reads the
// current row on every call so setting changes take effect immediately.
func (s *TenantStorage) TenantSettings(ctx context.Context, tenantID string) (models.TenantSettings, error) {
	var raw string
	err := s.db.DB().QueryRowContext(ctx,
		"SELECT crawler_settings FROM tenants WHERE id = ?", tenantID).Scan(&raw)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("tenant not found: %s", tenantID)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load tenant settings: %w", err)
	}

	settings := models.TenantSettings{}
	if raw != "" && raw != "{}" {
		if err := json.Unmarshal([]byte(raw), &settings); err != nil {
			return nil, fmt.Errorf("failed to parse tenant settings: %w", err)
		}
	}
	return settings, nil
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func (s *TenantStorage) scanTenant(row rowScanner, ref string) (*models.Tenant, error) {
	tenant, err := scanTenantFields(row)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("tenant not found: %s", ref)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get tenant: %w", err)
	}
	return tenant, nil
}

func (s *TenantStorage) scanTenantRow(rows *sql.Rows) (*models.Tenant, error) {
	tenant, err := scanTenantFields(rows)
	if err != nil {
		return nil, fmt.Errorf("failed to scan tenant: %w", err)
	}
	return tenant, nil
}

func scanTenantFields(row rowScanner) (*models.Tenant, error) {
	var tenant models.Tenant
	var state, creds, settings string
	var federation, policy sql.NullString
	var retentionEnabled int
	var retentionDays sql.NullInt64
	var createdAt, updatedAt int64

	err := row.Scan(
		&tenant.ID, &tenant.Name, &tenant.DisplayName, &state, &tenant.QuotaLimit,
		&creds, &federation, &settings, &policy,
		&retentionEnabled, &retentionDays, &createdAt, &updatedAt)
	if err != nil {
		return nil, err
	}

	tenant.State = models.TenantState(state)
	tenant.ConversationRetentionEnabled = retentionEnabled != 0
	if retentionDays.Valid {
		d := int(retentionDays.Int64)
		tenant.ConversationRetentionDays = &d
	}
	tenant.CreatedAt = unixToTime(createdAt)
	tenant.UpdatedAt = unixToTime(updatedAt)

	tenant.APICredentials, err = models.CredentialsFromJSON(creds)
	if err != nil {
		return nil, fmt.Errorf("failed to parse tenant credentials: %w", err)
	}

	if settings != "" && settings != "{}" {
		if err := json.Unmarshal([]byte(settings), &tenant.CrawlerSettings); err != nil {
			return nil, fmt.Errorf("failed to parse crawler settings: %w", err)
		}
	}

	if federation.Valid && federation.String != "" {
		var f models.FederationRecord
		if err := json.Unmarshal([]byte(federation.String), &f); err != nil {
			return nil, fmt.Errorf("failed to parse federation config: %w", err)
		}
		tenant.Federation = &f
	}

	if policy.Valid && policy.String != "" {
		var p models.APIKeyPolicy
		if err := json.Unmarshal([]byte(policy.String), &p); err != nil {
			return nil, fmt.Errorf("failed to parse api key policy: %w", err)
		}
		tenant.APIKeyPolicy = &p
	}

	return &tenant, nil
}

func serializeTenant(tenant *models.Tenant) (creds string, federation sql.NullString, settings string, policy sql.NullString, retentionDays sql.NullInt64, err error) {
	creds, err = models.CredentialsToJSON(tenant.APICredentials)
	if err != nil {
		err = fmt.Errorf("failed to serialize credentials: %w", err)
		return
	}

	settings = "{}"
	if len(tenant.CrawlerSettings) > 0 {
		data, merr := json.Marshal(tenant.CrawlerSettings)
		if merr != nil {
			err = fmt.Errorf("failed to serialize crawler settings: %w", merr)
			return
		}
		settings = string(data)
	}

	if tenant.Federation != nil {
		data, merr := json.Marshal(tenant.Federation)
		if merr != nil {
			err = fmt.Errorf("failed to serialize federation config: %w", merr)
			return
		}
		federation = sql.NullString{Valid: true, String: string(data)}
	}

	if tenant.APIKeyPolicy != nil {
		data, merr := json.Marshal(tenant.APIKeyPolicy)
		if merr != nil {
			err = fmt.Errorf("failed to serialize api key policy: %w", merr)
			return
		}
		policy = sql.NullString{Valid: true, String: string(data)}
	}

	if tenant.ConversationRetentionDays != nil {
		retentionDays = sql.NullInt64{Valid: true, Int64: int64(*tenant.ConversationRetentionDays)}
	}

	return
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
