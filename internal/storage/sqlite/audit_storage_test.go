package sqlite

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ternarybob/crawlcore/internal/interfaces"
	"github.com/ternarybob/crawlcore/internal/models"
)

func appendEntry(t *testing.T, m *Manager, id, tenantID string, action models.AuditAction, ts time.Time) {
	t.Helper()

	require.NoError(t, m.AuditStorage().Append(context.Background(), &models.AuditLog{
		ID:          id,
		TenantID:    tenantID,
		ActorID:     "user-1",
		ActorType:   models.ActorTypeUser,
		Action:      action,
		EntityType:  "job",
		EntityID:    "job-1",
		Description: "test entry",
		Outcome:     models.OutcomeSuccess,
		Timestamp:   ts,
	}))
}

func TestAuditAppendAndCount(t *testing.T) {
	m := newTestManager(t)
	seedTenant(t, m, "tenant-a")
	seedTenant(t, m, "tenant-b")
	ctx := context.Background()

	now := time.Now().Truncate(time.Second)
	appendEntry(t, m, "a1", "tenant-a", models.ActionCrawlStarted, now)
	appendEntry(t, m, "a2", "tenant-a", models.ActionCrawlCompleted, now)
	appendEntry(t, m, "b1", "tenant-b", models.ActionCrawlStarted, now)

	count, err := m.AuditStorage().Count(ctx, interfaces.AuditFilter{TenantID: "tenant-a"})
	require.NoError(t, err)
	assert.Equal(t, int64(2), count)

	count, err = m.AuditStorage().Count(ctx, interfaces.AuditFilter{
		TenantID: "tenant-a",
		Actions:  []string{string(models.ActionCrawlStarted)},
	})
	require.NoError(t, err)
	assert.Equal(t, int64(1), count)
}

func TestAuditMetadataRoundTrip(t *testing.T) {
	m := newTestManager(t)
	seedTenant(t, m, "tenant-a")
	ctx := context.Background()

	require.NoError(t, m.AuditStorage().Append(ctx, &models.AuditLog{
		ID:          "a1",
		TenantID:    "tenant-a",
		ActorType:   models.ActorTypeSystem,
		Action:      models.ActionSharePointSync,
		EntityType:  "subscription",
		EntityID:    "sub-1",
		Description: "sync queued",
		Outcome:     models.OutcomeSuccess,
		Metadata:    map[string]interface{}{"job_id": "job-1", "scope": "file"},
	}))

	entries, err := m.AuditStorage().QueryBatch(ctx, interfaces.AuditFilter{TenantID: "tenant-a"}, time.Time{}, "", 10)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "job-1", entries[0].Metadata["job_id"])
	assert.Equal(t, "file", entries[0].Metadata["scope"])
	assert.False(t, entries[0].Timestamp.IsZero())
}

func TestAuditQueryBatchSeekPagination(t *testing.T) {
	m := newTestManager(t)
	seedTenant(t, m, "tenant-a")
	ctx := context.Background()

	base := time.Now().Add(-time.Hour).Truncate(time.Second)
	// Two entries share a timestamp to exercise the ID tiebreaker
	appendEntry(t, m, "a1", "tenant-a", models.ActionCrawlStarted, base)
	appendEntry(t, m, "a2", "tenant-a", models.ActionCrawlStarted, base.Add(time.Minute))
	appendEntry(t, m, "a3", "tenant-a", models.ActionCrawlStarted, base.Add(2*time.Minute))
	appendEntry(t, m, "a4", "tenant-a", models.ActionCrawlStarted, base.Add(2*time.Minute))

	filter := interfaces.AuditFilter{TenantID: "tenant-a"}

	page, err := m.AuditStorage().QueryBatch(ctx, filter, time.Time{}, "", 2)
	require.NoError(t, err)
	require.Len(t, page, 2)
	assert.Equal(t, "a4", page[0].ID)
	assert.Equal(t, "a3", page[1].ID)

	cursor := page[len(page)-1]
	page, err = m.AuditStorage().QueryBatch(ctx, filter, cursor.Timestamp, cursor.ID, 2)
	require.NoError(t, err)
	require.Len(t, page, 2)
	assert.Equal(t, "a2", page[0].ID)
	assert.Equal(t, "a1", page[1].ID)

	cursor = page[len(page)-1]
	page, err = m.AuditStorage().QueryBatch(ctx, filter, cursor.Timestamp, cursor.ID, 2)
	require.NoError(t, err)
	assert.Empty(t, page)
}

func TestAuditQueryBatchTimeWindow(t *testing.T) {
	m := newTestManager(t)
	seedTenant(t, m, "tenant-a")
	ctx := context.Background()

	base := time.Now().Add(-3 * time.Hour).Truncate(time.Second)
	appendEntry(t, m, "old", "tenant-a", models.ActionCrawlStarted, base)
	appendEntry(t, m, "mid", "tenant-a", models.ActionCrawlStarted, base.Add(time.Hour))
	appendEntry(t, m, "new", "tenant-a", models.ActionCrawlStarted, base.Add(2*time.Hour))

	entries, err := m.AuditStorage().QueryBatch(ctx, interfaces.AuditFilter{
		TenantID: "tenant-a",
		From:     base.Add(30 * time.Minute),
		To:       base.Add(90 * time.Minute),
	}, time.Time{}, "", 10)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "mid", entries[0].ID)
}

func TestAuditDeleteOlderThanIsStrict(t *testing.T) {
	m := newTestManager(t)
	seedTenant(t, m, "tenant-a")
	seedTenant(t, m, "tenant-b")
	ctx := context.Background()

	cutoff := time.Now().Add(-24 * time.Hour).Truncate(time.Second)
	appendEntry(t, m, "before", "tenant-a", models.ActionCrawlStarted, cutoff.Add(-time.Second))
	appendEntry(t, m, "exact", "tenant-a", models.ActionCrawlStarted, cutoff)
	appendEntry(t, m, "after", "tenant-a", models.ActionCrawlStarted, cutoff.Add(time.Second))
	appendEntry(t, m, "other", "tenant-b", models.ActionCrawlStarted, cutoff.Add(-time.Hour))

	deleted, err := m.AuditStorage().DeleteOlderThan(ctx, "tenant-a", cutoff)
	require.NoError(t, err)
	assert.Equal(t, int64(1), deleted)

	remaining, err := m.AuditStorage().QueryBatch(ctx, interfaces.AuditFilter{TenantID: "tenant-a"}, time.Time{}, "", 10)
	require.NoError(t, err)
	ids := make([]string, 0, len(remaining))
	for _, e := range remaining {
		ids = append(ids, e.ID)
	}
	assert.ElementsMatch(t, []string{"exact", "after"}, ids)

	count, err := m.AuditStorage().Count(ctx, interfaces.AuditFilter{TenantID: "tenant-b"})
	require.NoError(t, err)
	assert.Equal(t, int64(1), count)
}

func TestAuditConfigUpsert(t *testing.T) {
	m := newTestManager(t)
	seedTenant(t, m, "tenant-a")
	ctx := context.Background()

	// Missing row is not an error
	entry, err := m.AuditStorage().GetAuditConfig(ctx, "tenant-a", models.CategoryCrawl)
	require.NoError(t, err)
	assert.Nil(t, entry)

	require.NoError(t, m.AuditStorage().SaveAuditConfig(ctx, &models.AuditConfigEntry{
		TenantID: "tenant-a",
		Category: models.CategoryCrawl,
		Enabled:  false,
		ActionOverrides: map[string]bool{
			string(models.ActionCrawlFailed): true,
		},
	}))

	entry, err = m.AuditStorage().GetAuditConfig(ctx, "tenant-a", models.CategoryCrawl)
	require.NoError(t, err)
	require.NotNil(t, entry)
	assert.False(t, entry.Enabled)
	assert.True(t, entry.ActionOverrides[string(models.ActionCrawlFailed)])

	// Second save replaces the row instead of erroring
	require.NoError(t, m.AuditStorage().SaveAuditConfig(ctx, &models.AuditConfigEntry{
		TenantID: "tenant-a",
		Category: models.CategoryCrawl,
		Enabled:  true,
	}))

	entry, err = m.AuditStorage().GetAuditConfig(ctx, "tenant-a", models.CategoryCrawl)
	require.NoError(t, err)
	require.NotNil(t, entry)
	assert.True(t, entry.Enabled)
	assert.Empty(t, entry.ActionOverrides)
}

func TestAuditAppendManyKeepsOrder(t *testing.T) {
	m := newTestManager(t)
	seedTenant(t, m, "tenant-a")
	ctx := context.Background()

	base := time.Now().Add(-time.Hour).Truncate(time.Second)
	for i := 0; i < 25; i++ {
		appendEntry(t, m, fmt.Sprintf("e%02d", i), "tenant-a", models.ActionCrawlStarted, base.Add(time.Duration(i)*time.Second))
	}

	entries, err := m.AuditStorage().QueryBatch(ctx, interfaces.AuditFilter{TenantID: "tenant-a"}, time.Time{}, "", 100)
	require.NoError(t, err)
	require.Len(t, entries, 25)
	assert.Equal(t, "e24", entries[0].ID)
	assert.Equal(t, "e00", entries[len(entries)-1].ID)
}
