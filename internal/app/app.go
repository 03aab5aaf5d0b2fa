package app

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/ternarybob/arbor"

	"github.com/ternarybob/crawlcore/internal/capacity"
	"github.com/ternarybob/crawlcore/internal/common"
	"github.com/ternarybob/crawlcore/internal/coordinator"
	"github.com/ternarybob/crawlcore/internal/interfaces"
	"github.com/ternarybob/crawlcore/internal/queue"
	"github.com/ternarybob/crawlcore/internal/services/apikeys"
	"github.com/ternarybob/crawlcore/internal/services/auditconfig"
	"github.com/ternarybob/crawlcore/internal/services/credentials"
	"github.com/ternarybob/crawlcore/internal/services/export"
	"github.com/ternarybob/crawlcore/internal/services/feeder"
	"github.com/ternarybob/crawlcore/internal/services/ratelimit"
	"github.com/ternarybob/crawlcore/internal/services/retention"
	"github.com/ternarybob/crawlcore/internal/services/watchdog"
	"github.com/ternarybob/crawlcore/internal/services/webhooks"
	"github.com/ternarybob/crawlcore/internal/storage/sqlite"
	"github.com/ternarybob/crawlcore/internal/worker"
)

// App holds all application components and dependencies
type App struct {
	Config         *common.Config
	Logger         arbor.ILogger
	StorageManager interfaces.StorageManager

	Coordinator     *coordinator.Client
	CapacityManager *capacity.Manager
	QueueManager    *queue.Manager
	WorkerPool      *worker.WorkerPool

	Feeder   *feeder.Feeder
	Watchdog *watchdog.Watchdog

	Encryptor        *credentials.Encryptor
	AuditConfig      *auditconfig.Service
	ExportService    *export.Service
	APIKeyPolicy     *apikeys.Service
	RetentionService *retention.Service
	RateLimiter      *ratelimit.Limiter
	WebhookProcessor *webhooks.Processor

	httpServer *http.Server
	ctx        context.Context
	cancelCtx  context.CancelFunc
}

// New initializes the application with all dependencies
func New(cfg *common.Config, logger arbor.ILogger) (*App, error) {
	app := &App{
		Config: cfg,
		Logger: logger,
	}

	if err := app.initStorage(); err != nil {
		return nil, fmt.Errorf("failed to initialize storage: %w", err)
	}

	if err := app.initServices(); err != nil {
		return nil, fmt.Errorf("failed to initialize services: %w", err)
	}

	logger.Info().
		Bool("credentials_enabled", cfg.Tenants.CredentialsEnabled).
		Bool("retention_enabled", cfg.Retention.Enabled).
		Msg("Application initialization complete")

	return app, nil
}

// initStorage initializes the durable store and the ephemeral coordinator
func (a *App) initStorage() error {
	storageManager, err := sqlite.NewManager(a.Logger, &a.Config.Storage.SQLite)
	if err != nil {
		return fmt.Errorf("failed to create storage manager: %w", err)
	}
	a.StorageManager = storageManager

	a.Logger.Debug().
		Str("storage", "sqlite").
		Str("path", a.Config.Storage.SQLite.Path).
		Msg("Storage layer initialized")

	coord, err := coordinator.NewClient(a.Logger, &a.Config.Coordinator)
	if err != nil {
		return fmt.Errorf("failed to connect coordinator: %w", err)
	}
	a.Coordinator = coord

	return nil
}

// initServices initializes all components in dependency order
func (a *App) initServices() error {
	tenants := a.StorageManager.TenantStorage()
	jobs := a.StorageManager.JobStorage()
	audit := a.StorageManager.AuditStorage()

	// Capacity manager owns every slot counter mutation
	a.CapacityManager = capacity.NewManager(a.Coordinator, tenants, a.Config.Tenants, a.Config.Feeder, a.Logger)

	// Worker pool queue, backed by the same sqlite database
	sqliteManager, ok := a.StorageManager.(*sqlite.Manager)
	if !ok {
		return fmt.Errorf("storage manager is not sqlite-backed (got %T)", a.StorageManager)
	}
	queueMgr, err := queue.NewManager(sqliteManager.DB().DB(), a.Config.Queue.Name, a.Coordinator)
	if err != nil {
		return fmt.Errorf("failed to initialize queue manager: %w", err)
	}
	a.QueueManager = queueMgr
	a.Logger.Debug().Str("queue_name", a.Config.Queue.Name).Msg("Queue manager initialized")

	// Credential envelope encryption. Strict tenant credential mode requires
	// a key; the resolver refuses plaintext reads when encryption is on.
	a.Encryptor, err = credentials.NewEncryptor(a.Config.Encryption)
	if err != nil {
		return fmt.Errorf("failed to initialize credential encryption: %w", err)
	}

	// Audit config gates every audit write and doubles as the recorder
	// handed to the components that emit audit entries.
	a.AuditConfig = auditconfig.NewService(audit, a.Coordinator, a.Logger)

	a.WorkerPool = worker.NewWorkerPool(queueMgr, jobs, a.CapacityManager, tenants, a.Config.Worker, a.Logger)

	a.Feeder = feeder.NewFeeder(a.Coordinator, a.CapacityManager, tenants, queueMgr, a.Config.Feeder, a.Logger)
	a.Watchdog = watchdog.NewWatchdog(a.Coordinator, jobs, a.CapacityManager, tenants, queueMgr, a.AuditConfig, a.Config.Watchdog, a.Logger)

	a.ExportService = export.NewService(audit, a.Coordinator, a.Config.Export, a.Logger)
	a.APIKeyPolicy = apikeys.NewService(a.AuditConfig, a.Logger)
	a.RetentionService = retention.NewService(a.StorageManager.RetentionStorage(), a.AuditConfig, a.Config.Retention, a.Logger)
	a.RateLimiter = ratelimit.NewLimiter(a.Coordinator, a.Logger)
	a.WebhookProcessor = webhooks.NewProcessor(
		a.StorageManager.SubscriptionStorage(),
		jobs,
		a.Feeder,
		a.Coordinator,
		a.AuditConfig,
		a.Logger,
	)

	return nil
}

// RegisterExecutor registers a job executor with the worker pool. The
// embedding crawler registers its executors before Start.
func (a *App) RegisterExecutor(task string, executor worker.Executor) {
	a.WorkerPool.RegisterExecutor(task, executor)
}

// CredentialResolver builds a resolver bound to one tenant's current row
func (a *App) CredentialResolver(ctx context.Context, tenantID string) (*credentials.Resolver, error) {
	tenant, err := a.StorageManager.TenantStorage().GetTenant(ctx, tenantID)
	if err != nil {
		return nil, fmt.Errorf("failed to load tenant %s: %w", tenantID, err)
	}
	return credentials.NewResolver(tenant, a.Config, a.Encryptor), nil
}

// Start launches the background loops and the metrics listener
func (a *App) Start() error {
	a.ctx, a.cancelCtx = context.WithCancel(context.Background())

	a.WorkerPool.Start()

	common.SafeGo(a.Logger, "crawl_feeder", func() {
		a.Feeder.Run(a.ctx)
	})
	common.SafeGo(a.Logger, "crawl_watchdog", func() {
		a.Watchdog.Run(a.ctx)
	})

	if err := a.RetentionService.Start(); err != nil {
		return fmt.Errorf("failed to start retention service: %w", err)
	}

	a.startHTTP()

	return nil
}

// startHTTP serves /metrics and /health on the configured port
func (a *App) startHTTP() {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()

		sqliteManager, ok := a.StorageManager.(*sqlite.Manager)
		if ok {
			if err := sqliteManager.DB().Ping(ctx); err != nil {
				http.Error(w, "storage unavailable", http.StatusServiceUnavailable)
				return
			}
		}
		if err := a.Coordinator.Redis().Ping(ctx).Err(); err != nil {
			http.Error(w, "coordinator unavailable", http.StatusServiceUnavailable)
			return
		}

		w.WriteHeader(http.StatusOK)
		fmt.Fprintln(w, "ok")
	})

	addr := fmt.Sprintf("%s:%d", a.Config.Server.Host, a.Config.Server.Port)
	a.httpServer = &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	common.SafeGo(a.Logger, "http_listener", func() {
		a.Logger.Info().Str("addr", addr).Msg("Metrics listener started")
		if err := a.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			a.Logger.Error().Err(err).Msg("Metrics listener failed")
		}
	})
}

// Close stops background loops and closes all application resources
func (a *App) Close() error {
	if a.cancelCtx != nil {
		a.cancelCtx()
	}

	if a.httpServer != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := a.httpServer.Shutdown(ctx); err != nil {
			a.Logger.Warn().Err(err).Msg("Metrics listener shutdown failed")
		}
	}

	if a.RetentionService != nil {
		a.RetentionService.Stop()
	}

	if a.WorkerPool != nil {
		a.WorkerPool.Stop()
	}

	if a.QueueManager != nil {
		if err := a.QueueManager.Close(); err != nil {
			a.Logger.Warn().Err(err).Msg("Failed to close queue manager")
		}
	}

	if a.Coordinator != nil {
		if err := a.Coordinator.Close(); err != nil {
			a.Logger.Warn().Err(err).Msg("Failed to close coordinator connection")
		}
	}

	if a.StorageManager != nil {
		if err := a.StorageManager.Close(); err != nil {
			return fmt.Errorf("failed to close storage: %w", err)
		}
		a.Logger.Info().Msg("Storage closed")
	}

	return nil
}
