package auditconfig

import (
	"context"
	"strconv"
	"time"

	"github.com/ternarybob/arbor"

	"github.com/ternarybob/crawlcore/internal/coordinator"
	"github.com/ternarybob/crawlcore/internal/interfaces"
	"github.com/ternarybob/crawlcore/internal/models"
)

// cacheTTL bounds how long a stale flag can serve after a config change
// that was not explicitly invalidated
const cacheTTL = 60 * time.Second

// Service decides, per (tenant, action), whether an audit entry is
// persisted. Resolution order: explicit action override, then the action's
// category flag, then enabled-by-default. Coordinator failures always
// resolve to "log it".
type Service struct {
	audit  interfaces.AuditStorage
	coord  *coordinator.Client
	logger arbor.ILogger
}

// NewService creates an audit config service
func NewService(audit interfaces.AuditStorage, coord *coordinator.Client, logger arbor.ILogger) *Service {
	return &Service{
		audit:  audit,
		coord:  coord,
		logger: logger,
	}
}

// ShouldLog reports whether the action is audited for the tenant
func (s *Service) ShouldLog(ctx context.Context, tenantID string, action models.AuditAction) bool {
	if enabled, found := s.cachedFlag(ctx, coordinator.AuditActionKey(tenantID, string(action))); found {
		return enabled
	}

	enabled := s.resolve(ctx, tenantID, action)
	s.cacheFlag(ctx, coordinator.AuditActionKey(tenantID, string(action)), enabled)
	return enabled
}

// resolve walks the override hierarchy against the stored config
func (s *Service) resolve(ctx context.Context, tenantID string, action models.AuditAction) bool {
	category := CategoryOf(action)

	entry, err := s.audit.GetAuditConfig(ctx, tenantID, category)
	if err != nil {
		s.logger.Warn().Err(err).Str("tenant_id", tenantID).Msg("Failed to load audit config, logging by default")
		return true
	}
	if entry == nil {
		return true
	}

	if override, ok := entry.ActionOverrides[string(action)]; ok {
		return override
	}
	return entry.Enabled
}

// CategoryEnabled reports whether a whole category is audited for the tenant
func (s *Service) CategoryEnabled(ctx context.Context, tenantID string, category models.AuditCategory) bool {
	if enabled, found := s.cachedFlag(ctx, coordinator.AuditCategoryKey(tenantID, string(category))); found {
		return enabled
	}

	enabled := true
	entry, err := s.audit.GetAuditConfig(ctx, tenantID, category)
	if err != nil {
		s.logger.Warn().Err(err).Str("tenant_id", tenantID).Msg("Failed to load audit config, logging by default")
		return true
	}
	if entry != nil {
		enabled = entry.Enabled
	}

	s.cacheFlag(ctx, coordinator.AuditCategoryKey(tenantID, string(category)), enabled)
	return enabled
}

// UpdateCategory persists a tenant's category setting and invalidates the
// cached category flag plus every action flag belonging to the category, so
// the change is visible before the TTL would expire.
func (s *Service) UpdateCategory(ctx context.Context, entry *models.AuditConfigEntry) error {
	if err := s.audit.SaveAuditConfig(ctx, entry); err != nil {
		return err
	}

	s.invalidate(ctx, coordinator.AuditCategoryKey(entry.TenantID, string(entry.Category)))
	for _, action := range ActionsInCategory(entry.Category) {
		s.invalidate(ctx, coordinator.AuditActionKey(entry.TenantID, string(action)))
	}

	return nil
}

// Record persists an audit entry when the tenant's config allows it.
// Recording is best effort: storage failures are logged, never propagated.
func (s *Service) Record(ctx context.Context, entry *models.AuditLog) {
	if !s.ShouldLog(ctx, entry.TenantID, entry.Action) {
		return
	}
	if err := s.audit.Append(ctx, entry); err != nil {
		s.logger.Error().
			Err(err).
			Str("tenant_id", entry.TenantID).
			Str("action", string(entry.Action)).
			Msg("Failed to persist audit entry")
	}
}

func (s *Service) cachedFlag(ctx context.Context, key string) (enabled, found bool) {
	raw, found, err := s.coord.Get(ctx, key)
	if err != nil || !found {
		return false, false
	}
	enabled, err = strconv.ParseBool(raw)
	if err != nil {
		return false, false
	}
	return enabled, true
}

func (s *Service) cacheFlag(ctx context.Context, key string, enabled bool) {
	if err := s.coord.Set(ctx, key, strconv.FormatBool(enabled), cacheTTL); err != nil {
		s.logger.Debug().Err(err).Str("key", key).Msg("Failed to cache audit flag")
	}
}

func (s *Service) invalidate(ctx context.Context, key string) {
	if err := s.coord.Delete(ctx, key); err != nil {
		s.logger.Warn().Err(err).Str("key", key).Msg("Failed to invalidate audit flag cache")
	}
}
