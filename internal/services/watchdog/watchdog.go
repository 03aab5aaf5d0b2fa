package watchdog

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/ternarybob/arbor"

	"github.com/ternarybob/crawlcore/internal/capacity"
	"github.com/ternarybob/crawlcore/internal/common"
	"github.com/ternarybob/crawlcore/internal/coordinator"
	"github.com/ternarybob/crawlcore/internal/interfaces"
	"github.com/ternarybob/crawlcore/internal/metrics"
	"github.com/ternarybob/crawlcore/internal/models"
)

// AuditRecorder emits audit entries for watchdog actions. Recording is best
// effort and never blocks a sweep.
type AuditRecorder interface {
	Record(ctx context.Context, entry *models.AuditLog)
}

// Pool is the worker pool surface used to re-dispatch rescued jobs
type Pool interface {
	Enqueue(ctx context.Context, msg models.QueueMessage) error
}

// Watchdog heals orphaned jobs and drifted slot counters. One instance runs
// at a time behind a coordinator leader lease; every successful sweep stamps
// a liveness key that external monitors alert on.
type Watchdog struct {
	coord    *coordinator.Client
	jobs     interfaces.JobStorage
	capacity *capacity.Manager
	settings capacity.SettingsSource
	pool     Pool
	audit    AuditRecorder
	config   common.WatchdogConfig
	logger   arbor.ILogger
	leaderID string
}

// NewWatchdog creates a watchdog
func NewWatchdog(coord *coordinator.Client, jobs interfaces.JobStorage, cap *capacity.Manager, settings capacity.SettingsSource, pool Pool, audit AuditRecorder, config common.WatchdogConfig, logger arbor.ILogger) *Watchdog {
	return &Watchdog{
		coord:    coord,
		jobs:     jobs,
		capacity: cap,
		settings: settings,
		pool:     pool,
		audit:    audit,
		config:   config,
		logger:   logger,
		leaderID: common.NewID(),
	}
}

// Run drives the watchdog loop until the context is cancelled
func (w *Watchdog) Run(ctx context.Context) {
	interval := time.Duration(w.config.IntervalSeconds) * time.Second

	w.logger.Info().
		Int("interval_seconds", w.config.IntervalSeconds).
		Msg("Orphan watchdog started")

	for {
		if w.acquireLease(ctx) {
			if err := w.RunOnce(ctx); err != nil {
				metrics.WatchdogTicks.WithLabelValues("error").Inc()
				w.logger.Error().Err(err).Msg("Watchdog sweep failed")
			} else {
				metrics.WatchdogTicks.WithLabelValues("success").Inc()
				w.stampLiveness(ctx)
			}
		}

		select {
		case <-ctx.Done():
			w.logger.Info().Msg("Orphan watchdog stopped")
			return
		case <-time.After(interval):
		}
	}
}

// RunOnce executes one full sweep: counter reconciliation, then the job
// phases inside a single transaction, then post-commit slot releases and
// re-dispatch of rescued jobs.
func (w *Watchdog) RunOnce(ctx context.Context) error {
	w.reconcileCounters(ctx)

	result, err := w.jobs.Sweep(ctx, interfaces.WatchdogThresholds{
		Now:         time.Now(),
		MaxAge:      time.Duration(w.config.JobMaxAgeSeconds) * time.Second,
		QueuedStale: time.Duration(w.config.QueuedStaleMinutes) * time.Minute,
		EarlyZombie: time.Duration(w.config.EarlyZombieFailureMinutes) * time.Minute,
		LongRunning: time.Duration(w.config.OrphanTimeoutHours) * time.Hour,
	})
	if err != nil {
		return err
	}

	metrics.WatchdogPhaseActions.WithLabelValues("expired").Add(float64(len(result.Expired)))
	metrics.WatchdogPhaseActions.WithLabelValues("rescued").Add(float64(len(result.Rescued)))
	metrics.WatchdogPhaseActions.WithLabelValues("early_zombie").Add(float64(len(result.EarlyZombies)))
	metrics.WatchdogPhaseActions.WithLabelValues("long_running").Add(float64(len(result.LongRunning)))

	w.releaseFailedSlots(ctx, result.Expired, "job expired: exceeded maximum age")
	w.releaseFailedSlots(ctx, result.EarlyZombies, "crawl stalled before first page")
	w.releaseFailedSlots(ctx, result.LongRunning, "job abandoned: no heartbeat")

	w.redispatch(ctx, result.Rescued)

	if n := len(result.Expired) + len(result.Rescued) + len(result.EarlyZombies) + len(result.LongRunning); n > 0 {
		w.logger.Info().
			Int("expired", len(result.Expired)).
			Int("rescued", len(result.Rescued)).
			Int("early_zombies", len(result.EarlyZombies)).
			Int("long_running", len(result.LongRunning)).
			Msg("Watchdog sweep applied corrections")
	}

	return nil
}

// reconcileCounters walks every tenant slot counter and compares it with the
// database's active-job count. Counters above the truth are corrected with a
// compare-and-swap so a concurrent acquire is never clobbered.
func (w *Watchdog) reconcileCounters(ctx context.Context) {
	keys, err := w.coord.ScanKeys(ctx, coordinator.TenantSlotPattern, int64(w.config.ReconcileScanCount))
	if err != nil {
		w.logger.Warn().Err(err).Msg("Slot counter scan failed, skipping reconciliation")
		return
	}

	for _, key := range keys {
		tenantID := coordinator.TenantIDFromSlotKey(key)
		if tenantID == "" {
			continue
		}

		expected, err := w.coord.GetInt(ctx, key)
		if err != nil {
			w.logger.Warn().Err(err).Str("tenant_id", tenantID).Msg("Failed to read slot counter")
			continue
		}

		actual, err := w.jobs.CountActiveCrawlJobs(ctx, tenantID)
		if err != nil {
			w.logger.Warn().Err(err).Str("tenant_id", tenantID).Msg("Failed to count active jobs")
			continue
		}

		if expected <= actual {
			continue
		}

		settings, err := w.settings.TenantSettings(ctx, tenantID)
		if err != nil {
			settings = models.TenantSettings{}
		}

		swapped, err := w.capacity.ReconcileCounter(ctx, tenantID, expected, actual, settings)
		if err != nil {
			w.logger.Warn().Err(err).Str("tenant_id", tenantID).Msg("Counter reconciliation failed")
			continue
		}
		if swapped {
			w.logger.Info().
				Str("tenant_id", tenantID).
				Int64("was", expected).
				Int64("now", actual).
				Msg("Corrected drifted slot counter")
		}
	}
}

// releaseFailedSlots returns slots for jobs the sweep failed. The release key
// comes from the job's pre-acquired marker when present; a pair without a
// marker was never holding a dispatched slot, so the TTL handles any
// residue.
func (w *Watchdog) releaseFailedSlots(ctx context.Context, pairs []interfaces.JobTenant, reason string) {
	for _, pair := range pairs {
		tenantID := pair.TenantID

		markerTenant, found, err := w.capacity.PreacquiredTenant(ctx, pair.JobID)
		if err != nil {
			w.logger.Warn().Err(err).Str("job_id", pair.JobID).Msg("Failed to read preacquired marker")
		} else if found {
			tenantID = markerTenant
		}

		settings, err := w.settings.TenantSettings(ctx, tenantID)
		if err != nil {
			settings = models.TenantSettings{}
		}

		if found {
			w.capacity.ReleaseSlot(ctx, tenantID, settings)
			w.capacity.ClearPreacquiredFlag(ctx, pair.JobID)
		}

		if w.audit != nil {
			w.audit.Record(ctx, &models.AuditLog{
				ID:          common.NewID(),
				TenantID:    pair.TenantID,
				ActorType:   models.ActorTypeSystem,
				Action:      models.ActionCrawlPreempted,
				EntityType:  "job",
				EntityID:    pair.JobID,
				Description: fmt.Sprintf("watchdog failed job: %s", reason),
				Outcome:     models.OutcomeSuccess,
			})
		}
	}
}

// redispatch puts rescued QUEUED jobs back into the worker pool. A duplicate
// means the pool entry was never lost; anything else waits for the next tick.
func (w *Watchdog) redispatch(ctx context.Context, rescued []models.JobDescriptor) {
	for _, d := range rescued {
		err := w.pool.Enqueue(ctx, models.QueueMessage{
			JobID:    d.JobID,
			TenantID: d.TenantID,
			Task:     d.Task,
			Payload:  d.Payload,
		})
		if err != nil && err != models.ErrDuplicateJob {
			w.logger.Warn().Err(err).Str("job_id", d.JobID).Msg("Failed to re-dispatch rescued job")
			continue
		}
		w.logger.Info().Str("job_id", d.JobID).Msg("Rescued stale queued job")
	}
}

// stampLiveness records the epoch of the last successful sweep. The TTL is
// generous enough that one missed tick does not page anyone.
func (w *Watchdog) stampLiveness(ctx context.Context) {
	ttl := 2 * time.Duration(w.config.IntervalSeconds) * time.Second
	if floor := time.Duration(w.config.LivenessKeyMinTTLSeconds) * time.Second; ttl < floor {
		ttl = floor
	}

	epoch := strconv.FormatInt(time.Now().Unix(), 10)
	if err := w.coord.Set(ctx, coordinator.WatchdogLivenessKey, epoch, ttl); err != nil {
		w.logger.Warn().Err(err).Msg("Failed to stamp watchdog liveness")
	}
}

// acquireLease takes or refreshes the singleton leader lease
func (w *Watchdog) acquireLease(ctx context.Context) bool {
	ttl := time.Duration(w.config.LeaderLeaseSeconds) * time.Second

	claimed, err := w.coord.SetNX(ctx, coordinator.WatchdogLeaderKey, w.leaderID, ttl)
	if err != nil {
		w.logger.Warn().Err(err).Msg("Leader lease check failed")
		return false
	}
	if claimed {
		return true
	}

	holder, found, err := w.coord.Get(ctx, coordinator.WatchdogLeaderKey)
	if err != nil || !found || holder != w.leaderID {
		return false
	}

	if err := w.coord.Set(ctx, coordinator.WatchdogLeaderKey, w.leaderID, ttl); err != nil {
		return false
	}
	return true
}
