package capacity

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ternarybob/crawlcore/internal/common"
	"github.com/ternarybob/crawlcore/internal/coordinator"
	"github.com/ternarybob/crawlcore/internal/models"
)

type staticSettings struct {
	settings models.TenantSettings
}

func (s staticSettings) TenantSettings(ctx context.Context, tenantID string) (models.TenantSettings, error) {
	return s.settings, nil
}

func newTestManager(t *testing.T) (*Manager, *miniredis.Miniredis) {
	t.Helper()

	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })

	coord := coordinator.NewClientFromRedis(rdb, common.GetLogger())
	tenants := common.TenantsConfig{
		WorkerConcurrencyLimit:    3,
		WorkerSemaphoreTTLSeconds: 600,
	}
	feeder := common.FeederConfig{IntervalSeconds: 60}

	return NewManager(coord, staticSettings{}, tenants, feeder, common.GetLogger()), mr
}

func TestTryAcquireSlotStopsAtCap(t *testing.T) {
	m, _ := newTestManager(t)
	ctx := context.Background()
	settings := models.TenantSettings{}

	for i := 0; i < 3; i++ {
		assert.True(t, m.TryAcquireSlot(ctx, "tenant-a", settings))
	}
	assert.False(t, m.TryAcquireSlot(ctx, "tenant-a", settings))

	count, err := m.SlotCount(ctx, "tenant-a")
	require.NoError(t, err)
	assert.Equal(t, int64(3), count)
}

func TestTryAcquireSlotNeverOversubscribesUnderConcurrency(t *testing.T) {
	m, _ := newTestManager(t)
	ctx := context.Background()
	settings := models.TenantSettings{}

	var acquired int64
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if m.TryAcquireSlot(ctx, "tenant-a", settings) {
				atomic.AddInt64(&acquired, 1)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int64(3), acquired)

	count, err := m.SlotCount(ctx, "tenant-a")
	require.NoError(t, err)
	assert.Equal(t, int64(3), count)
}

func TestTenantOverrideRaisesCap(t *testing.T) {
	m, _ := newTestManager(t)
	ctx := context.Background()
	settings := models.TenantSettings{
		models.SettingWorkerConcurrencyLimit: float64(5),
	}

	for i := 0; i < 5; i++ {
		assert.True(t, m.TryAcquireSlot(ctx, "tenant-a", settings))
	}
	assert.False(t, m.TryAcquireSlot(ctx, "tenant-a", settings))
}

func TestReleaseSlotClampsAtZero(t *testing.T) {
	m, _ := newTestManager(t)
	ctx := context.Background()
	settings := models.TenantSettings{}

	// Release with no prior acquire must not push the counter negative
	m.ReleaseSlot(ctx, "tenant-a", settings)

	count, err := m.SlotCount(ctx, "tenant-a")
	require.NoError(t, err)
	assert.Equal(t, int64(0), count)

	require.True(t, m.TryAcquireSlot(ctx, "tenant-a", settings))
	m.ReleaseSlot(ctx, "tenant-a", settings)
	m.ReleaseSlot(ctx, "tenant-a", settings)

	count, err = m.SlotCount(ctx, "tenant-a")
	require.NoError(t, err)
	assert.Equal(t, int64(0), count)
}

func TestAvailableCapacity(t *testing.T) {
	m, _ := newTestManager(t)
	ctx := context.Background()
	settings := models.TenantSettings{}

	assert.Equal(t, 3, m.AvailableCapacity(ctx, "tenant-a", settings))

	require.True(t, m.TryAcquireSlot(ctx, "tenant-a", settings))
	require.True(t, m.TryAcquireSlot(ctx, "tenant-a", settings))
	assert.Equal(t, 1, m.AvailableCapacity(ctx, "tenant-a", settings))

	require.True(t, m.TryAcquireSlot(ctx, "tenant-a", settings))
	assert.Equal(t, 0, m.AvailableCapacity(ctx, "tenant-a", settings))
}

func TestSlotCountersAreTenantScoped(t *testing.T) {
	m, _ := newTestManager(t)
	ctx := context.Background()
	settings := models.TenantSettings{}

	for i := 0; i < 3; i++ {
		require.True(t, m.TryAcquireSlot(ctx, "tenant-a", settings))
	}
	assert.False(t, m.TryAcquireSlot(ctx, "tenant-a", settings))
	assert.True(t, m.TryAcquireSlot(ctx, "tenant-b", settings))
}

func TestPreacquiredMarkerRoundTrip(t *testing.T) {
	m, _ := newTestManager(t)
	ctx := context.Background()
	settings := models.TenantSettings{}

	_, found, err := m.PreacquiredTenant(ctx, "job-1")
	require.NoError(t, err)
	assert.False(t, found)

	require.NoError(t, m.MarkSlotPreacquired(ctx, "job-1", "tenant-a", settings))

	tenantID, found, err := m.PreacquiredTenant(ctx, "job-1")
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, "tenant-a", tenantID)

	m.ClearPreacquiredFlag(ctx, "job-1")

	_, found, err = m.PreacquiredTenant(ctx, "job-1")
	require.NoError(t, err)
	assert.False(t, found)
}

func TestReconcileCounterIsCompareAndSwap(t *testing.T) {
	m, mr := newTestManager(t)
	ctx := context.Background()
	settings := models.TenantSettings{}

	mr.Set(coordinator.TenantSlotKey("tenant-a"), "3")

	// Mismatched expectation means another writer got there first
	swapped, err := m.ReconcileCounter(ctx, "tenant-a", 2, 0, settings)
	require.NoError(t, err)
	assert.False(t, swapped)

	count, err := m.SlotCount(ctx, "tenant-a")
	require.NoError(t, err)
	assert.Equal(t, int64(3), count)

	swapped, err = m.ReconcileCounter(ctx, "tenant-a", 3, 1, settings)
	require.NoError(t, err)
	assert.True(t, swapped)

	count, err = m.SlotCount(ctx, "tenant-a")
	require.NoError(t, err)
	assert.Equal(t, int64(1), count)
}

func TestSlotCounterCarriesTTL(t *testing.T) {
	m, mr := newTestManager(t)
	ctx := context.Background()
	settings := models.TenantSettings{}

	require.True(t, m.TryAcquireSlot(ctx, "tenant-a", settings))

	ttl := mr.TTL(coordinator.TenantSlotKey("tenant-a"))
	assert.Greater(t, ttl, time.Duration(0))
}

func TestMinimumFeederInterval(t *testing.T) {
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })

	coord := coordinator.NewClientFromRedis(rdb, common.GetLogger())
	settings := staticSettings{settings: models.TenantSettings{
		models.SettingFeederInterval: float64(15),
	}}
	m := NewManager(coord, settings,
		common.TenantsConfig{WorkerConcurrencyLimit: 3, WorkerSemaphoreTTLSeconds: 600},
		common.FeederConfig{IntervalSeconds: 60}, common.GetLogger())

	ctx := context.Background()

	// No pending queues: global default
	assert.Equal(t, 60, m.MinimumFeederInterval(ctx))

	require.NoError(t, coord.PushTail(ctx, coordinator.TenantPendingKey("tenant-a"), "{}"))
	assert.Equal(t, 15, m.MinimumFeederInterval(ctx))
}
