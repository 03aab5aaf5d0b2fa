package capacity

import (
	"context"
	"time"

	"github.com/ternarybob/arbor"

	"github.com/ternarybob/crawlcore/internal/common"
	"github.com/ternarybob/crawlcore/internal/coordinator"
	"github.com/ternarybob/crawlcore/internal/metrics"
	"github.com/ternarybob/crawlcore/internal/models"
)

// SettingsSource resolves a tenant's crawler setting overrides. The capacity
// manager never caches what it returns; each call sees the current row.
type SettingsSource interface {
	TenantSettings(ctx context.Context, tenantID string) (models.TenantSettings, error)
}

// Manager is the sole mutator of tenant slot counters. Every counter write
// goes through a coordinator-side script, so concurrent workers can never
// observe a torn increment-then-check.
type Manager struct {
	coord    *coordinator.Client
	settings SettingsSource
	tenants  common.TenantsConfig
	feeder   common.FeederConfig
	logger   arbor.ILogger
}

// NewManager creates a capacity manager
func NewManager(coord *coordinator.Client, settings SettingsSource, tenants common.TenantsConfig, feeder common.FeederConfig, logger arbor.ILogger) *Manager {
	return &Manager{
		coord:    coord,
		settings: settings,
		tenants:  tenants,
		feeder:   feeder,
		logger:   logger,
	}
}

// MaxConcurrent resolves the tenant's slot cap with global fallback
func (m *Manager) MaxConcurrent(settings models.TenantSettings) int {
	return settings.Int(models.SettingWorkerConcurrencyLimit, m.tenants.WorkerConcurrencyLimit)
}

// SlotTTL resolves the tenant's slot counter TTL with global fallback
func (m *Manager) SlotTTL(settings models.TenantSettings) time.Duration {
	seconds := settings.Int(models.SettingWorkerSemaphoreTTL, m.tenants.WorkerSemaphoreTTLSeconds)
	return time.Duration(seconds) * time.Second
}

// TryAcquireSlot attempts to atomically take one slot for the tenant.
// Coordinator failures fail closed: the tenant waits for the next tick.
func (m *Manager) TryAcquireSlot(ctx context.Context, tenantID string, settings models.TenantSettings) bool {
	key := coordinator.TenantSlotKey(tenantID)
	acquired, err := m.coord.AcquireSlot(ctx, key, m.MaxConcurrent(settings), m.SlotTTL(settings))
	if err != nil {
		metrics.SlotAcquires.WithLabelValues("error").Inc()
		m.logger.Warn().Err(err).Str("tenant_id", tenantID).Msg("Slot acquire failed, treating tenant as at capacity")
		return false
	}
	if acquired {
		metrics.SlotAcquires.WithLabelValues("acquired").Inc()
	} else {
		metrics.SlotAcquires.WithLabelValues("refused").Inc()
	}
	return acquired
}

// ReleaseSlot returns one slot. Best effort: coordinator errors are logged
// and swallowed so a release can never block a commit. A missed release is
// healed by the watchdog's counter reconciliation or by the key TTL.
func (m *Manager) ReleaseSlot(ctx context.Context, tenantID string, settings models.TenantSettings) {
	key := coordinator.TenantSlotKey(tenantID)
	if _, err := m.coord.ReleaseSlot(ctx, key, m.SlotTTL(settings)); err != nil {
		metrics.SlotReleases.WithLabelValues("error").Inc()
		m.logger.Warn().Err(err).Str("tenant_id", tenantID).Msg("Slot release failed, next reconciliation will correct the counter")
		return
	}
	metrics.SlotReleases.WithLabelValues("released").Inc()
}

// AvailableCapacity returns max_concurrent - current, or 0 on error
// (conservative: an unreachable coordinator admits no work).
func (m *Manager) AvailableCapacity(ctx context.Context, tenantID string, settings models.TenantSettings) int {
	current, err := m.coord.GetInt(ctx, coordinator.TenantSlotKey(tenantID))
	if err != nil {
		m.logger.Warn().Err(err).Str("tenant_id", tenantID).Msg("Failed to read slot counter")
		return 0
	}
	available := m.MaxConcurrent(settings) - int(current)
	if available < 0 {
		return 0
	}
	return available
}

// SlotCount reads the tenant's current slot counter
func (m *Manager) SlotCount(ctx context.Context, tenantID string) (int64, error) {
	return m.coord.GetInt(ctx, coordinator.TenantSlotKey(tenantID))
}

// MarkSlotPreacquired stores the tenant marker so the watchdog can release
// the right counter even when it fails the job. Errors propagate: a dispatch
// without a marker would leak its slot on preemption.
func (m *Manager) MarkSlotPreacquired(ctx context.Context, jobID, tenantID string, settings models.TenantSettings) error {
	return m.coord.Set(ctx, coordinator.JobPreacquiredKey(jobID), tenantID, m.SlotTTL(settings))
}

// ClearPreacquiredFlag removes the marker. Best effort.
func (m *Manager) ClearPreacquiredFlag(ctx context.Context, jobID string) {
	if err := m.coord.Delete(ctx, coordinator.JobPreacquiredKey(jobID)); err != nil {
		m.logger.Warn().Err(err).Str("job_id", jobID).Msg("Failed to clear preacquired flag")
	}
}

// PreacquiredTenant returns the tenant id stored for a job's pre-acquired
// slot, or false when no marker exists.
func (m *Manager) PreacquiredTenant(ctx context.Context, jobID string) (string, bool, error) {
	return m.coord.Get(ctx, coordinator.JobPreacquiredKey(jobID))
}

// ReconcileCounter applies the compare-and-swap reconciliation used by the
// watchdog: the counter is overwritten with actual only when it still holds
// expected. Returns false on mismatch (another worker updated it first).
func (m *Manager) ReconcileCounter(ctx context.Context, tenantID string, expected, actual int64, settings models.TenantSettings) (bool, error) {
	key := coordinator.TenantSlotKey(tenantID)
	_, swapped, err := m.coord.CompareAndSwapCounter(ctx, key, expected, actual, m.SlotTTL(settings))
	if err != nil {
		return false, err
	}
	if swapped {
		metrics.ZombieCorrections.Inc()
	}
	return swapped, nil
}

// MinimumFeederInterval scans for tenants with at least one pending item and
// returns the minimum crawl_feeder_interval_seconds across them and the
// global default. SCAN errors fall back to the global default; a failed
// settings fetch skips that tenant. The returned value is NOT floored here;
// the feeder clamps at its call site.
func (m *Manager) MinimumFeederInterval(ctx context.Context) int {
	minInterval := m.feeder.IntervalSeconds

	keys, err := m.coord.ScanKeys(ctx, coordinator.TenantPendingPattern, 100)
	if err != nil {
		m.logger.Warn().Err(err).Msg("Pending queue scan failed, using global feeder interval")
		return minInterval
	}

	for _, key := range keys {
		tenantID := coordinator.TenantIDFromPendingKey(key)
		if tenantID == "" {
			continue
		}

		depth, err := m.coord.ListLen(ctx, key)
		if err != nil || depth == 0 {
			continue
		}

		settings, err := m.settings.TenantSettings(ctx, tenantID)
		if err != nil {
			m.logger.Warn().Err(err).Str("tenant_id", tenantID).Msg("Failed to load tenant settings, skipping for interval resolution")
			continue
		}

		interval := settings.Int(models.SettingFeederInterval, m.feeder.IntervalSeconds)
		if interval < minInterval {
			minInterval = interval
		}
	}

	return minInterval
}
