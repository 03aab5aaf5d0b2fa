package feeder

import (
	"context"
	"encoding/json"
	"errors"
	"math/rand"
	"time"

	"github.com/ternarybob/arbor"
	"golang.org/x/time/rate"

	"github.com/ternarybob/crawlcore/internal/capacity"
	"github.com/ternarybob/crawlcore/internal/common"
	"github.com/ternarybob/crawlcore/internal/coordinator"
	"github.com/ternarybob/crawlcore/internal/metrics"
	"github.com/ternarybob/crawlcore/internal/models"
)

// minTickSeconds is the hard floor for the adaptive tick interval
const minTickSeconds = 5

// Pool is the worker pool surface the feeder dispatches into
type Pool interface {
	Enqueue(ctx context.Context, msg models.QueueMessage) error
}

// Feeder drains tenant pending queues into the worker pool, respecting each
// tenant's slot cap. Only one instance feeds at a time; contenders wait on a
// coordinator leader lease.
type Feeder struct {
	coord    *coordinator.Client
	capacity *capacity.Manager
	settings capacity.SettingsSource
	pool     Pool
	config   common.FeederConfig
	limiter  *rate.Limiter
	logger   arbor.ILogger
	leaderID string
}

// NewFeeder creates a feeder
func NewFeeder(coord *coordinator.Client, cap *capacity.Manager, settings capacity.SettingsSource, pool Pool, config common.FeederConfig, logger arbor.ILogger) *Feeder {
	var limiter *rate.Limiter
	if config.EnqueuesPerSecond > 0 {
		limiter = rate.NewLimiter(rate.Limit(config.EnqueuesPerSecond), config.EnqueuesPerSecond)
	}

	return &Feeder{
		coord:    coord,
		capacity: cap,
		settings: settings,
		pool:     pool,
		config:   config,
		limiter:  limiter,
		logger:   logger,
		leaderID: common.NewID(),
	}
}

// Run drives the feeder loop until the context is cancelled. Each iteration
// takes or refreshes the leader lease, feeds every pending tenant, then
// sleeps for the adaptive interval. Shutdown mid-tick finishes the current
// tenant before returning.
func (f *Feeder) Run(ctx context.Context) {
	f.logger.Info().
		Int("interval_seconds", f.config.IntervalSeconds).
		Int("batch_size", f.config.BatchSize).
		Msg("Crawl feeder started")

	for {
		interval := f.config.IntervalSeconds

		if f.acquireLease(ctx) {
			f.Tick(ctx)
			interval = f.nextInterval(ctx)
		}

		select {
		case <-ctx.Done():
			f.releaseLease()
			f.logger.Info().Msg("Crawl feeder stopped")
			return
		case <-time.After(time.Duration(interval) * time.Second):
		}
	}
}

// Submit appends a job descriptor to its tenant's pending queue. The job
// waits there until a feeder tick finds a free slot for it.
func (f *Feeder) Submit(ctx context.Context, d *models.JobDescriptor) error {
	if d.EnqueuedAt.IsZero() {
		d.EnqueuedAt = time.Now()
	}
	raw, err := d.ToJSON()
	if err != nil {
		return err
	}
	return f.coord.PushTail(ctx, coordinator.TenantPendingKey(d.TenantID), raw)
}

// Tick feeds every tenant with pending work once. Tenants are visited in a
// tick-seeded shuffle so no tenant ID is structurally favored.
func (f *Feeder) Tick(ctx context.Context) {
	metrics.FeederTicks.Inc()

	keys, err := f.coord.ScanKeys(ctx, coordinator.TenantPendingPattern, 100)
	if err != nil {
		f.logger.Warn().Err(err).Msg("Pending queue scan failed, skipping tick")
		return
	}

	tenantIDs := make([]string, 0, len(keys))
	for _, key := range keys {
		if id := coordinator.TenantIDFromPendingKey(key); id != "" {
			tenantIDs = append(tenantIDs, id)
		}
	}

	rng := rand.New(rand.NewSource(time.Now().UnixNano()))
	rng.Shuffle(len(tenantIDs), func(i, j int) {
		tenantIDs[i], tenantIDs[j] = tenantIDs[j], tenantIDs[i]
	})

	for _, tenantID := range tenantIDs {
		f.feedTenant(ctx, tenantID)
		if ctx.Err() != nil {
			return
		}
	}
}

// feedTenant dispatches up to one batch for a tenant, stopping early when the
// tenant's slots run out or its pending queue drains.
func (f *Feeder) feedTenant(ctx context.Context, tenantID string) {
	settings, err := f.settings.TenantSettings(ctx, tenantID)
	if err != nil {
		f.logger.Warn().Err(err).Str("tenant_id", tenantID).Msg("Failed to load tenant settings, skipping tenant")
		return
	}

	batch := settings.Int(models.SettingFeederBatchSize, f.config.BatchSize)
	if available := f.capacity.AvailableCapacity(ctx, tenantID, settings); available < batch {
		batch = available
	}

	pendingKey := coordinator.TenantPendingKey(tenantID)

	for i := 0; i < batch; i++ {
		raw, found, err := f.coord.PopHead(ctx, pendingKey)
		if err != nil {
			f.logger.Warn().Err(err).Str("tenant_id", tenantID).Msg("Failed to pop pending job")
			return
		}
		if !found {
			return
		}

		descriptor, err := models.DescriptorFromJSON(raw)
		if err != nil {
			f.logger.Error().Err(err).Str("tenant_id", tenantID).Msg("Dropping malformed pending descriptor")
			continue
		}

		if !f.capacity.TryAcquireSlot(ctx, tenantID, settings) {
			// At capacity. Put the job back where it was and move on.
			f.requeue(ctx, pendingKey, raw, descriptor.JobID)
			return
		}

		if err := f.dispatch(ctx, descriptor, settings); err != nil {
			if errors.Is(err, models.ErrDuplicateJob) {
				// The pool entry from the earlier dispatch owns a slot
				// already; hand this one back and keep feeding.
				f.capacity.ReleaseSlot(ctx, tenantID, settings)
				f.capacity.ClearPreacquiredFlag(ctx, descriptor.JobID)
				continue
			}
			f.capacity.ReleaseSlot(ctx, tenantID, settings)
			f.capacity.ClearPreacquiredFlag(ctx, descriptor.JobID)
			f.requeue(ctx, pendingKey, raw, descriptor.JobID)
			metrics.FeederDispatches.WithLabelValues("requeued").Inc()
			f.logger.Warn().Err(err).Str("job_id", descriptor.JobID).Msg("Dispatch failed, job returned to pending queue")
			return
		}
	}
}

// dispatch marks the slot pre-acquired and hands the job to the worker pool.
// A duplicate pool entry means an earlier dispatch already owns a slot for
// this job, so the one just taken is handed back by the caller.
func (f *Feeder) dispatch(ctx context.Context, d *models.JobDescriptor, settings models.TenantSettings) error {
	if err := f.capacity.MarkSlotPreacquired(ctx, d.JobID, d.TenantID, settings); err != nil {
		return err
	}

	if f.limiter != nil {
		if err := f.limiter.Wait(ctx); err != nil {
			return err
		}
	}

	payload := d.Payload
	if payload == nil {
		payload = json.RawMessage("{}")
	}

	err := f.pool.Enqueue(ctx, models.QueueMessage{
		JobID:    d.JobID,
		TenantID: d.TenantID,
		Task:     d.Task,
		Payload:  payload,
	})
	if errors.Is(err, models.ErrDuplicateJob) {
		metrics.FeederDispatches.WithLabelValues("duplicate").Inc()
		f.logger.Info().Str("job_id", d.JobID).Msg("Job already in worker pool")
		return err
	}
	if err != nil {
		return err
	}

	metrics.FeederDispatches.WithLabelValues("enqueued").Inc()
	f.logger.Info().
		Str("job_id", d.JobID).
		Str("tenant_id", d.TenantID).
		Str("task", d.Task).
		Msg("Job dispatched to worker pool")
	return nil
}

// requeue pushes a raw descriptor back to the head of a pending queue
func (f *Feeder) requeue(ctx context.Context, pendingKey, raw, jobID string) {
	if err := f.coord.PushHead(ctx, pendingKey, raw); err != nil {
		f.logger.Error().Err(err).Str("job_id", jobID).Msg("Failed to requeue pending job; watchdog will rescue it")
	}
}

// nextInterval resolves the adaptive tick interval: the minimum configured
// interval across tenants with pending work, floored to keep a buggy
// override from spinning the loop.
func (f *Feeder) nextInterval(ctx context.Context) int {
	interval := f.capacity.MinimumFeederInterval(ctx)
	if interval < minTickSeconds {
		interval = minTickSeconds
	}
	return interval
}

// acquireLease takes or refreshes the singleton leader lease
func (f *Feeder) acquireLease(ctx context.Context) bool {
	ttl := time.Duration(f.config.LeaderLeaseSeconds) * time.Second

	claimed, err := f.coord.SetNX(ctx, coordinator.FeederLeaderKey, f.leaderID, ttl)
	if err != nil {
		f.logger.Warn().Err(err).Msg("Leader lease check failed")
		return false
	}
	if claimed {
		return true
	}

	holder, found, err := f.coord.Get(ctx, coordinator.FeederLeaderKey)
	if err != nil || !found || holder != f.leaderID {
		return false
	}

	// Still the leader; refresh the lease
	if err := f.coord.Set(ctx, coordinator.FeederLeaderKey, f.leaderID, ttl); err != nil {
		f.logger.Warn().Err(err).Msg("Leader lease refresh failed")
		return false
	}
	return true
}

// releaseLease drops the lease on shutdown so a standby can take over quickly
func (f *Feeder) releaseLease() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	holder, found, err := f.coord.Get(ctx, coordinator.FeederLeaderKey)
	if err != nil || !found || holder != f.leaderID {
		return
	}
	_ = f.coord.Delete(ctx, coordinator.FeederLeaderKey)
}
