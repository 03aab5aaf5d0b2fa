package interfaces

import (
	"context"
	"time"

	"github.com/ternarybob/crawlcore/internal/models"
)

// JobTenant pairs a failed job with its tenant for post-commit slot release
type JobTenant struct {
	JobID    string
	TenantID string
}

// WatchdogThresholds carries the cutoffs for one watchdog sweep
type WatchdogThresholds struct {
	Now         time.Time
	MaxAge      time.Duration // Phase 1: expiry measured from created_at
	QueuedStale time.Duration // Phase 2: re-queue threshold on updated_at
	EarlyZombie time.Duration // Phase 3.5: stalled-startup threshold
	LongRunning time.Duration // Phase 3: long-running cutoff
}

// SweepResult reports what one watchdog sweep changed. Expired, EarlyZombies
// and LongRunning feed the post-commit slot release; Rescued descriptors are
// re-enqueued into the worker pool after the transaction commits.
type SweepResult struct {
	Expired      []JobTenant
	Rescued      []models.JobDescriptor
	EarlyZombies []JobTenant
	LongRunning  []JobTenant
}

// JobStorage is the persistent job-state layer and the only component allowed
// to transition job state. All transitions are atomic compare-and-swap
// updates.
type JobStorage interface {
	CreateJob(ctx context.Context, job *models.Job) error
	GetJob(ctx context.Context, jobID string) (*models.Job, error)

	// TouchJob advances updated_at; missing rows are a no-op
	TouchJob(ctx context.Context, jobID string) error

	// MarkJobStarted transitions QUEUED -> IN_PROGRESS; false when the job
	// was not in QUEUED (already started, preempted, or missing).
	MarkJobStarted(ctx context.Context, jobID string) (bool, error)

	MarkJobComplete(ctx context.Context, jobID string) error
	MarkJobFailed(ctx context.Context, jobID string, errorMessage string) error

	// MarkJobFailedIfRunning fails the job only while it is QUEUED or
	// IN_PROGRESS. Returns rows affected (0 or 1) so callers can distinguish
	// winners of a preemption race.
	MarkJobFailedIfRunning(ctx context.Context, jobID string, errorMessage string) (int64, error)

	// CountActiveCrawlJobs counts QUEUED/IN_PROGRESS crawl jobs for a tenant
	CountActiveCrawlJobs(ctx context.Context, tenantID string) (int64, error)

	// Sweep runs watchdog phases 1, 2, 3.5 and 3 inside one transaction
	Sweep(ctx context.Context, thresholds WatchdogThresholds) (*SweepResult, error)

	CreateCrawlRun(ctx context.Context, run *models.CrawlRun) error
	GetCrawlRunByJobID(ctx context.Context, jobID string) (*models.CrawlRun, error)
	UpdatePagesCrawled(ctx context.Context, jobID string, pages int) error
	SetDeltaToken(ctx context.Context, jobID string, token string) error
}

// TenantStorage persists tenants
type TenantStorage interface {
	CreateTenant(ctx context.Context, tenant *models.Tenant) error
	GetTenant(ctx context.Context, tenantID string) (*models.Tenant, error)
	GetTenantByName(ctx context.Context, name string) (*models.Tenant, error)
	UpdateTenant(ctx context.Context, tenant *models.Tenant) error
	ListTenants(ctx context.Context, state models.TenantState) ([]*models.Tenant, error)
	SoftDeleteTenant(ctx context.Context, tenantID string) error

	// TenantSettings returns the tenant's crawler setting overrides
	TenantSettings(ctx context.Context, tenantID string) (models.TenantSettings, error)
}

// AuditFilter bounds an audit log query
type AuditFilter struct {
	TenantID   string
	Actions    []string
	ActorID    string
	Outcome    string
	From       time.Time
	To         time.Time
	MaxRecords int
}

// AuditStorage is the append-only audit log layer. Rows are never updated;
// only the retention sweep deletes them.
type AuditStorage interface {
	Append(ctx context.Context, entry *models.AuditLog) error
	Count(ctx context.Context, filter AuditFilter) (int64, error)

	// QueryBatch returns up to limit rows ordered by (timestamp DESC, id DESC),
	// starting strictly after the given cursor. Pass zero values to start at
	// the newest row.
	QueryBatch(ctx context.Context, filter AuditFilter, afterTimestamp time.Time, afterID string, limit int) ([]models.AuditLog, error)

	DeleteOlderThan(ctx context.Context, tenantID string, before time.Time) (int64, error)

	GetAuditConfig(ctx context.Context, tenantID string, category models.AuditCategory) (*models.AuditConfigEntry, error)
	SaveAuditConfig(ctx context.Context, entry *models.AuditConfigEntry) error
}

// RetentionStorage runs the hierarchical retention sweeps and holds the
// content rows they act on.
type RetentionStorage interface {
	CreateSpace(ctx context.Context, space *models.Space) error
	CreateAssistant(ctx context.Context, assistant *models.Assistant) error
	CreateApp(ctx context.Context, app *models.App) error
	CreateQuestion(ctx context.Context, question *models.Question) error
	CreateAppRun(ctx context.Context, run *models.AppRun) error

	CountQuestions(ctx context.Context, tenantID string) (int64, error)
	CountAppRuns(ctx context.Context, tenantID string) (int64, error)

	// DeleteOldQuestions deletes questions past their effective retention,
	// resolved assistant -> space -> tenant. Strict < boundary.
	DeleteOldQuestions(ctx context.Context, now time.Time) (int64, error)
	DeleteOldAppRuns(ctx context.Context, now time.Time) (int64, error)
}

// APIKeyStorage persists tenant API keys
type APIKeyStorage interface {
	SaveKey(ctx context.Context, key *models.APIKey) error
	GetKey(ctx context.Context, key string) (*models.APIKey, error)
	ListTenantKeys(ctx context.Context, tenantID string) ([]*models.APIKey, error)
}

// SubscriptionStorage persists SharePoint webhook subscriptions
type SubscriptionStorage interface {
	SaveSubscription(ctx context.Context, sub *models.SharePointSubscription) error
	GetSubscription(ctx context.Context, subscriptionID string) (*models.SharePointSubscription, error)
	SetSubscriptionDeltaToken(ctx context.Context, subscriptionID string, token string) error
	DeleteSubscription(ctx context.Context, subscriptionID string) error
}

// StorageManager aggregates the storage interfaces over one database
type StorageManager interface {
	JobStorage() JobStorage
	TenantStorage() TenantStorage
	AuditStorage() AuditStorage
	RetentionStorage() RetentionStorage
	APIKeyStorage() APIKeyStorage
	SubscriptionStorage() SubscriptionStorage
	Close() error
}
