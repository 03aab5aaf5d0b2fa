// Package metrics holds the prometheus collectors shared across the
// orchestration components. Collectors are registered on the default
// registry and exposed by the server's /metrics endpoint.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// SlotAcquires counts slot acquisition attempts by outcome
	// (acquired, refused, error).
	SlotAcquires = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "crawlcore_slot_acquires_total",
		Help: "Slot acquisition attempts by outcome",
	}, []string{"outcome"})

	// SlotReleases counts slot releases by outcome (released, error)
	SlotReleases = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "crawlcore_slot_releases_total",
		Help: "Slot releases by outcome",
	}, []string{"outcome"})

	// FeederDispatches counts jobs dispatched into the worker pool by outcome
	// (enqueued, duplicate, requeued).
	FeederDispatches = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "crawlcore_feeder_dispatches_total",
		Help: "Feeder dispatch attempts by outcome",
	}, []string{"outcome"})

	// FeederTicks counts feeder loop iterations
	FeederTicks = promauto.NewCounter(prometheus.CounterOpts{
		Name: "crawlcore_feeder_ticks_total",
		Help: "Feeder loop iterations",
	})

	// WatchdogPhaseActions counts rows affected per watchdog phase
	WatchdogPhaseActions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "crawlcore_watchdog_phase_actions_total",
		Help: "Jobs acted on per watchdog phase",
	}, []string{"phase"})

	// WatchdogTicks counts watchdog runs by outcome (success, error)
	WatchdogTicks = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "crawlcore_watchdog_ticks_total",
		Help: "Watchdog runs by outcome",
	}, []string{"outcome"})

	// ZombieCorrections counts Phase 0 counter reconciliations applied
	ZombieCorrections = promauto.NewCounter(prometheus.CounterOpts{
		Name: "crawlcore_zombie_counter_corrections_total",
		Help: "Slot counters corrected down to the database truth",
	})

	// ExportRows counts rows written by the audit export service
	ExportRows = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "crawlcore_export_rows_total",
		Help: "Audit export rows written by format",
	}, []string{"format"})

	// WorkerJobs counts worker pool job completions by result
	// (complete, failed).
	WorkerJobs = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "crawlcore_worker_jobs_total",
		Help: "Worker pool job completions by result",
	}, []string{"result"})
)
