package auditconfig

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ternarybob/crawlcore/internal/common"
	"github.com/ternarybob/crawlcore/internal/coordinator"
	"github.com/ternarybob/crawlcore/internal/interfaces"
	"github.com/ternarybob/crawlcore/internal/models"
	"github.com/ternarybob/crawlcore/internal/storage/sqlite"
)

type serviceFixture struct {
	service *Service
	storage *sqlite.Manager
	mr      *miniredis.Miniredis
}

func newFixture(t *testing.T) *serviceFixture {
	t.Helper()

	logger := common.GetLogger()

	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })
	coord := coordinator.NewClientFromRedis(rdb, logger)

	db, err := sqlite.NewSQLiteDB(logger, &common.SQLiteConfig{
		Path:          filepath.Join(t.TempDir(), "crawlcore.db"),
		CacheSizeMB:   16,
		BusyTimeoutMS: 5000,
	})
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	storage := sqlite.NewManagerWithDB(db, logger)

	require.NoError(t, storage.TenantStorage().CreateTenant(context.Background(), &models.Tenant{
		ID:   "tenant-a",
		Name: "tenant-a",
	}))

	return &serviceFixture{
		service: NewService(storage.AuditStorage(), coord, logger),
		storage: storage,
		mr:      mr,
	}
}

func TestShouldLogDefaultsToEnabled(t *testing.T) {
	fx := newFixture(t)
	assert.True(t, fx.service.ShouldLog(context.Background(), "tenant-a", models.ActionCrawlStarted))
}

func TestShouldLogHonorsCategoryFlag(t *testing.T) {
	fx := newFixture(t)
	ctx := context.Background()

	require.NoError(t, fx.service.UpdateCategory(ctx, &models.AuditConfigEntry{
		TenantID: "tenant-a",
		Category: models.CategoryCrawl,
		Enabled:  false,
	}))

	assert.False(t, fx.service.ShouldLog(ctx, "tenant-a", models.ActionCrawlStarted))
	// Other categories are untouched
	assert.True(t, fx.service.ShouldLog(ctx, "tenant-a", models.ActionLoginSuccess))
}

func TestShouldLogActionOverrideBeatsCategory(t *testing.T) {
	fx := newFixture(t)
	ctx := context.Background()

	require.NoError(t, fx.service.UpdateCategory(ctx, &models.AuditConfigEntry{
		TenantID: "tenant-a",
		Category: models.CategoryCrawl,
		Enabled:  false,
		ActionOverrides: map[string]bool{
			string(models.ActionCrawlFailed): true,
		},
	}))

	assert.True(t, fx.service.ShouldLog(ctx, "tenant-a", models.ActionCrawlFailed))
	assert.False(t, fx.service.ShouldLog(ctx, "tenant-a", models.ActionCrawlStarted))
}

func TestShouldLogCachesItsDecision(t *testing.T) {
	fx := newFixture(t)
	ctx := context.Background()

	assert.True(t, fx.service.ShouldLog(ctx, "tenant-a", models.ActionCrawlStarted))

	// Flip the stored config behind the cache's back
	require.NoError(t, fx.storage.AuditStorage().SaveAuditConfig(ctx, &models.AuditConfigEntry{
		TenantID: "tenant-a",
		Category: models.CategoryCrawl,
		Enabled:  false,
	}))

	// The cached flag still serves until the TTL expires
	assert.True(t, fx.service.ShouldLog(ctx, "tenant-a", models.ActionCrawlStarted))

	fx.mr.FastForward(61 * time.Second)
	assert.False(t, fx.service.ShouldLog(ctx, "tenant-a", models.ActionCrawlStarted))
}

func TestUpdateCategoryInvalidatesCachedFlags(t *testing.T) {
	fx := newFixture(t)
	ctx := context.Background()

	// Prime both the category and action caches
	assert.True(t, fx.service.CategoryEnabled(ctx, "tenant-a", models.CategoryCrawl))
	assert.True(t, fx.service.ShouldLog(ctx, "tenant-a", models.ActionCrawlStarted))

	require.NoError(t, fx.service.UpdateCategory(ctx, &models.AuditConfigEntry{
		TenantID: "tenant-a",
		Category: models.CategoryCrawl,
		Enabled:  false,
	}))

	// The change is visible immediately, not after the TTL
	assert.False(t, fx.service.CategoryEnabled(ctx, "tenant-a", models.CategoryCrawl))
	assert.False(t, fx.service.ShouldLog(ctx, "tenant-a", models.ActionCrawlStarted))
}

func TestRecordPersistsWhenAllowed(t *testing.T) {
	fx := newFixture(t)
	ctx := context.Background()

	fx.service.Record(ctx, &models.AuditLog{
		ID:          "a1",
		TenantID:    "tenant-a",
		ActorType:   models.ActorTypeSystem,
		Action:      models.ActionCrawlPreempted,
		EntityType:  "job",
		EntityID:    "job-1",
		Description: "watchdog failed job",
		Outcome:     models.OutcomeSuccess,
	})

	count, err := fx.storage.AuditStorage().Count(ctx, interfaces.AuditFilter{TenantID: "tenant-a"})
	require.NoError(t, err)
	assert.Equal(t, int64(1), count)
}

func TestRecordDropsDisabledActions(t *testing.T) {
	fx := newFixture(t)
	ctx := context.Background()

	require.NoError(t, fx.service.UpdateCategory(ctx, &models.AuditConfigEntry{
		TenantID: "tenant-a",
		Category: models.CategoryCrawl,
		Enabled:  false,
	}))

	fx.service.Record(ctx, &models.AuditLog{
		ID:        "a1",
		TenantID:  "tenant-a",
		ActorType: models.ActorTypeSystem,
		Action:    models.ActionCrawlStarted,
		Outcome:   models.OutcomeSuccess,
	})

	count, err := fx.storage.AuditStorage().Count(ctx, interfaces.AuditFilter{TenantID: "tenant-a"})
	require.NoError(t, err)
	assert.Equal(t, int64(0), count)
}

// failingAuditStorage simulates a broken database for the fail-open path
type failingAuditStorage struct {
	interfaces.AuditStorage
}

func (f failingAuditStorage) GetAuditConfig(ctx context.Context, tenantID string, category models.AuditCategory) (*models.AuditConfigEntry, error) {
	return nil, errors.New("database unavailable")
}

func TestShouldLogFailsOpen(t *testing.T) {
	logger := common.GetLogger()

	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })
	coord := coordinator.NewClientFromRedis(rdb, logger)

	service := NewService(failingAuditStorage{}, coord, logger)

	assert.True(t, service.ShouldLog(context.Background(), "tenant-a", models.ActionCrawlStarted))
	assert.True(t, service.CategoryEnabled(context.Background(), "tenant-a", models.CategoryCrawl))
}

func TestCategoryOfUnknownActionIsCompliance(t *testing.T) {
	assert.Equal(t, models.CategoryCompliance, CategoryOf(models.AuditAction("SOMETHING_NEW")))
	assert.Equal(t, models.CategoryCrawl, CategoryOf(models.ActionCrawlStarted))
}

func TestActionsInCategoryCoversCatalog(t *testing.T) {
	actions := ActionsInCategory(models.CategoryCrawl)
	assert.Contains(t, actions, models.ActionCrawlPreempted)
	assert.Contains(t, actions, models.ActionSharePointSync)
	assert.NotContains(t, actions, models.ActionLoginSuccess)
}
