package worker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/ternarybob/arbor"

	"github.com/ternarybob/crawlcore/internal/capacity"
	"github.com/ternarybob/crawlcore/internal/common"
	"github.com/ternarybob/crawlcore/internal/interfaces"
	"github.com/ternarybob/crawlcore/internal/metrics"
	"github.com/ternarybob/crawlcore/internal/models"
	"github.com/ternarybob/crawlcore/internal/queue"
)

// Executor interface for job execution
type Executor interface {
	Execute(ctx context.Context, jobID string, payload []byte) error
}

// WorkerPool manages a pool of workers that process dispatched jobs. Each
// worker claims the job with a compare-and-swap start, heartbeats while the
// executor runs, records the terminal state, and releases the tenant's slot.
type WorkerPool struct {
	queueMgr   *queue.Manager
	jobs       interfaces.JobStorage
	capacity   *capacity.Manager
	settings   capacity.SettingsSource
	executors  map[string]Executor
	config     common.WorkerConfig
	logger     arbor.ILogger
	wg         sync.WaitGroup
	ctx        context.Context
	cancel     context.CancelFunc
}

// NewWorkerPool creates a worker pool
func NewWorkerPool(queueMgr *queue.Manager, jobs interfaces.JobStorage, cap *capacity.Manager, settings capacity.SettingsSource, config common.WorkerConfig, logger arbor.ILogger) *WorkerPool {
	ctx, cancel := context.WithCancel(context.Background())

	return &WorkerPool{
		queueMgr:  queueMgr,
		jobs:      jobs,
		capacity:  cap,
		settings:  settings,
		executors: make(map[string]Executor),
		config:    config,
		logger:    logger,
		ctx:       ctx,
		cancel:    cancel,
	}
}

// RegisterExecutor registers an executor for a job task
func (wp *WorkerPool) RegisterExecutor(task string, executor Executor) {
	wp.executors[task] = executor
	wp.logger.Info().
		Str("task", task).
		Msg("Executor registered")
}

// Start starts the worker pool
func (wp *WorkerPool) Start() {
	wp.logger.Info().
		Int("num_workers", wp.config.Concurrency).
		Msg("Starting worker pool")

	for i := 0; i < wp.config.Concurrency; i++ {
		wp.wg.Add(1)
		go wp.worker(i)
	}
}

// Stop stops the worker pool gracefully
func (wp *WorkerPool) Stop() {
	wp.logger.Info().Msg("Stopping worker pool...")
	wp.cancel()
	wp.wg.Wait()
	wp.logger.Info().Msg("Worker pool stopped")
}

// worker is the main worker loop
func (wp *WorkerPool) worker(workerID int) {
	defer wp.wg.Done()

	wp.logger.Debug().
		Int("worker_id", workerID).
		Msg("Worker started")

	for {
		select {
		case <-wp.ctx.Done():
			wp.logger.Debug().
				Int("worker_id", workerID).
				Msg("Worker stopping")
			return
		default:
			wp.processNextJob(workerID)
		}
	}
}

// processNextJob processes the next message from the pool. An empty pool
// waits one poll interval before the worker loops again.
func (wp *WorkerPool) processNextJob(workerID int) {
	msg, done, err := wp.queueMgr.Receive(wp.ctx)
	if err != nil {
		if !errors.Is(err, models.ErrNoMessage) && wp.ctx.Err() == nil {
			wp.logger.Warn().Err(err).Msg("Failed to receive from worker pool")
		}
		wp.idle()
		return
	}

	wp.logger.Info().
		Int("worker_id", workerID).
		Str("job_id", msg.JobID).
		Str("tenant_id", msg.TenantID).
		Str("task", msg.Task).
		Msg("Processing job")

	// Claim the job. Losing the compare-and-swap means the watchdog preempted
	// it (already FAILED, slot released) or another worker has it.
	started, err := wp.jobs.MarkJobStarted(wp.ctx, msg.JobID)
	if err != nil {
		wp.logger.Error().
			Err(err).
			Str("job_id", msg.JobID).
			Msg("Failed to claim job, leaving message for redelivery")
		return
	}
	if !started {
		wp.logger.Info().
			Str("job_id", msg.JobID).
			Msg("Job no longer queued, discarding pool entry")
		if err := done(); err != nil {
			wp.logger.Error().Err(err).Msg("Failed to delete message")
		}
		return
	}

	executor, ok := wp.executors[msg.Task]
	if !ok {
		errMsg := fmt.Sprintf("no executor registered for task: %s", msg.Task)
		wp.logger.Error().
			Str("task", msg.Task).
			Str("job_id", msg.JobID).
			Msg(errMsg)

		wp.finishJob(msg, errors.New(errMsg))
		if err := done(); err != nil {
			wp.logger.Error().Err(err).Msg("Failed to delete message")
		}
		return
	}

	// Heartbeat keeps updated_at fresh so the watchdog leaves the job alone.
	// Too many consecutive heartbeat failures abort the job; a worker that
	// cannot prove liveness will be preempted anyway.
	jobCtx, cancelJob := context.WithCancel(wp.ctx)
	heartbeatDone := make(chan struct{})
	common.SafeGo(wp.logger, "job-heartbeat", func() {
		wp.heartbeat(jobCtx, msg.JobID, cancelJob, heartbeatDone)
	})

	execErr := executor.Execute(jobCtx, msg.JobID, msg.Payload)

	cancelJob()
	<-heartbeatDone

	wp.finishJob(msg, execErr)

	if err := done(); err != nil {
		wp.logger.Error().
			Err(err).
			Str("job_id", msg.JobID).
			Msg("Failed to delete message from pool")
	}
}

// idle waits one poll interval or until shutdown
func (wp *WorkerPool) idle() {
	interval := time.Duration(wp.config.PollIntervalMs) * time.Millisecond
	if interval <= 0 {
		interval = 500 * time.Millisecond
	}
	select {
	case <-wp.ctx.Done():
	case <-time.After(interval):
	}
}

// heartbeat touches the job row until the job context ends
func (wp *WorkerPool) heartbeat(ctx context.Context, jobID string, abort context.CancelFunc, done chan<- struct{}) {
	defer close(done)

	interval := time.Duration(wp.config.HeartbeatIntervalSec) * time.Second
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	failures := 0
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := wp.jobs.TouchJob(ctx, jobID); err != nil {
				failures++
				wp.logger.Warn().
					Err(err).
					Str("job_id", jobID).
					Int("failures", failures).
					Msg("Heartbeat failed")
				if failures >= wp.config.HeartbeatMaxFailures {
					wp.logger.Error().
						Str("job_id", jobID).
						Msg("Heartbeat failure limit reached, aborting job")
					abort()
					return
				}
				continue
			}
			failures = 0
		}
	}
}

// finishJob records the terminal state and releases the tenant's slot
func (wp *WorkerPool) finishJob(msg *models.QueueMessage, execErr error) {
	// Terminal transitions use a background context so shutdown cannot strand
	// a finished job in IN_PROGRESS
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if execErr != nil {
		wp.logger.Error().
			Err(execErr).
			Str("job_id", msg.JobID).
			Msg("Job failed")
		metrics.WorkerJobs.WithLabelValues("failed").Inc()

		if err := wp.jobs.MarkJobFailed(ctx, msg.JobID, execErr.Error()); err != nil {
			wp.logger.Error().Err(err).Str("job_id", msg.JobID).Msg("Failed to record job failure")
		}
	} else {
		wp.logger.Info().
			Str("job_id", msg.JobID).
			Msg("Job completed")
		metrics.WorkerJobs.WithLabelValues("complete").Inc()

		if err := wp.jobs.MarkJobComplete(ctx, msg.JobID); err != nil {
			wp.logger.Error().Err(err).Str("job_id", msg.JobID).Msg("Failed to record job completion")
		}
	}

	if models.JobTask(msg.Task) == models.JobTaskCrawl {
		wp.releaseSlot(ctx, msg)
	}
}

// releaseSlot returns the tenant's slot and clears the pre-acquired marker.
// A failed release is healed by the counter TTL or the next reconciliation.
func (wp *WorkerPool) releaseSlot(ctx context.Context, msg *models.QueueMessage) {
	settings, err := wp.settings.TenantSettings(ctx, msg.TenantID)
	if err != nil {
		wp.logger.Warn().
			Err(err).
			Str("tenant_id", msg.TenantID).
			Msg("Failed to load tenant settings for slot release, using defaults")
		settings = models.TenantSettings{}
	}

	wp.capacity.ReleaseSlot(ctx, msg.TenantID, settings)
	wp.capacity.ClearPreacquiredFlag(ctx, msg.JobID)
}
