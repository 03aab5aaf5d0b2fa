package webhooks

import (
	"context"
	"encoding/json"
	"errors"
	"path/filepath"
	"sync"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ternarybob/crawlcore/internal/common"
	"github.com/ternarybob/crawlcore/internal/coordinator"
	"github.com/ternarybob/crawlcore/internal/models"
	"github.com/ternarybob/crawlcore/internal/storage/sqlite"
)

type fakeSubmitter struct {
	mu          sync.Mutex
	descriptors []*models.JobDescriptor
	failWith    error
}

func (f *fakeSubmitter) Submit(ctx context.Context, d *models.JobDescriptor) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failWith != nil {
		return f.failWith
	}
	f.descriptors = append(f.descriptors, d)
	return nil
}

type fakeAudit struct {
	mu      sync.Mutex
	entries []*models.AuditLog
}

func (a *fakeAudit) Record(ctx context.Context, entry *models.AuditLog) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.entries = append(a.entries, entry)
}

type processorFixture struct {
	processor *Processor
	storage   *sqlite.Manager
	submitter *fakeSubmitter
	audit     *fakeAudit
	mr        *miniredis.Miniredis
}

func newFixture(t *testing.T) *processorFixture {
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

	submitter := &fakeSubmitter{}
	audit := &fakeAudit{}
	processor := NewProcessor(storage.SubscriptionStorage(), storage.JobStorage(), submitter, coord, audit, logger)

	return &processorFixture{
		processor: processor,
		storage:   storage,
		submitter: submitter,
		audit:     audit,
		mr:        mr,
	}
}

func (fx *processorFixture) saveSubscription(t *testing.T, sub models.SharePointSubscription) {
	t.Helper()
	require.NoError(t, fx.storage.SubscriptionStorage().SaveSubscription(context.Background(), &sub))
}

func siteRootSubscription() models.SharePointSubscription {
	return models.SharePointSubscription{
		ID:            "sub-1",
		TenantID:      "tenant-a",
		IntegrationID: "int-1",
		Scope:         models.SharePointScopeSiteRoot,
		ClientState:   "shared-secret",
	}
}

func notification(changeKey string) models.SharePointNotification {
	return models.SharePointNotification{
		SubscriptionID: "sub-1",
		ClientState:    "shared-secret",
		ChangeKey:      changeKey,
		Resource:       "sites/root/drive/items/item-9",
		ItemID:         "item-9",
	}
}

func TestProcessQueuesFullPullWithoutDeltaToken(t *testing.T) {
	fx := newFixture(t)
	ctx := context.Background()

	fx.saveSubscription(t, siteRootSubscription())

	require.NoError(t, fx.processor.Process(ctx, notification("ck-1")))

	require.Len(t, fx.submitter.descriptors, 1)
	d := fx.submitter.descriptors[0]
	assert.Equal(t, "tenant-a", d.TenantID)
	assert.Equal(t, string(models.JobTaskPullSharePointContent), d.Task)

	var payload syncPayload
	require.NoError(t, json.Unmarshal(d.Payload, &payload))
	assert.Equal(t, "sub-1", payload.SubscriptionID)
	assert.Equal(t, "int-1", payload.IntegrationID)
	assert.Equal(t, "item-9", payload.ItemID)
	assert.Empty(t, payload.DeltaToken)

	job, err := fx.storage.JobStorage().GetJob(ctx, d.JobID)
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusQueued, job.Status)
	assert.Equal(t, models.JobTaskPullSharePointContent, job.Task)
	assert.Equal(t, "system", job.UserID)
}

func TestProcessQueuesDeltaSyncWithToken(t *testing.T) {
	fx := newFixture(t)
	ctx := context.Background()

	sub := siteRootSubscription()
	sub.DeltaToken = "delta-42"
	fx.saveSubscription(t, sub)

	require.NoError(t, fx.processor.Process(ctx, notification("ck-1")))

	require.Len(t, fx.submitter.descriptors, 1)
	assert.Equal(t, string(models.JobTaskSyncSharePointDelta), fx.submitter.descriptors[0].Task)

	var payload syncPayload
	require.NoError(t, json.Unmarshal(fx.submitter.descriptors[0].Payload, &payload))
	assert.Equal(t, "delta-42", payload.DeltaToken)
}

func TestProcessRejectsUnknownSubscription(t *testing.T) {
	fx := newFixture(t)

	err := fx.processor.Process(context.Background(), notification("ck-1"))
	assert.ErrorIs(t, err, ErrUnknownSubscription)
	assert.Empty(t, fx.submitter.descriptors)
}

func TestProcessRejectsClientStateMismatch(t *testing.T) {
	fx := newFixture(t)
	ctx := context.Background()

	fx.saveSubscription(t, siteRootSubscription())

	n := notification("ck-1")
	n.ClientState = "wrong-secret"
	assert.ErrorIs(t, fx.processor.Process(ctx, n), ErrClientStateMismatch)

	// An empty stored secret can never be satisfied
	sub := siteRootSubscription()
	sub.ClientState = ""
	fx.saveSubscription(t, sub)

	n.ClientState = ""
	assert.ErrorIs(t, fx.processor.Process(ctx, n), ErrClientStateMismatch)
	assert.Empty(t, fx.submitter.descriptors)
}

func TestProcessDropsDuplicateChangeKey(t *testing.T) {
	fx := newFixture(t)
	ctx := context.Background()

	fx.saveSubscription(t, siteRootSubscription())

	require.NoError(t, fx.processor.Process(ctx, notification("ck-1")))
	require.NoError(t, fx.processor.Process(ctx, notification("ck-1")))

	assert.Len(t, fx.submitter.descriptors, 1)

	// A different ChangeKey is a new change
	require.NoError(t, fx.processor.Process(ctx, notification("ck-2")))
	assert.Len(t, fx.submitter.descriptors, 2)
}

func TestProcessWithoutChangeKeySkipsDedup(t *testing.T) {
	fx := newFixture(t)
	ctx := context.Background()

	fx.saveSubscription(t, siteRootSubscription())

	require.NoError(t, fx.processor.Process(ctx, notification("")))
	require.NoError(t, fx.processor.Process(ctx, notification("")))

	assert.Len(t, fx.submitter.descriptors, 2)
}

func TestProcessFileScopeFiltersOtherItems(t *testing.T) {
	fx := newFixture(t)
	ctx := context.Background()

	sub := siteRootSubscription()
	sub.Scope = models.SharePointScopeFile
	sub.ItemID = "item-9"
	fx.saveSubscription(t, sub)

	// The watched file itself
	require.NoError(t, fx.processor.Process(ctx, notification("ck-1")))
	assert.Len(t, fx.submitter.descriptors, 1)

	// Another item is dropped without error
	n := notification("ck-2")
	n.ItemID = "item-other"
	require.NoError(t, fx.processor.Process(ctx, n))
	assert.Len(t, fx.submitter.descriptors, 1)

	// No item id at all still syncs the watched file
	n = notification("ck-3")
	n.ItemID = ""
	require.NoError(t, fx.processor.Process(ctx, n))
	assert.Len(t, fx.submitter.descriptors, 2)
}

func TestProcessFolderScopeDelegatesFiltering(t *testing.T) {
	fx := newFixture(t)
	ctx := context.Background()

	sub := siteRootSubscription()
	sub.Scope = models.SharePointScopeFolder
	sub.ItemID = "folder-1"
	fx.saveSubscription(t, sub)

	n := notification("ck-1")
	n.ItemID = "item-anywhere"
	require.NoError(t, fx.processor.Process(ctx, n))
	assert.Len(t, fx.submitter.descriptors, 1)
}

func TestProcessSubmitFailureFailsJob(t *testing.T) {
	fx := newFixture(t)
	ctx := context.Background()

	fx.saveSubscription(t, siteRootSubscription())
	fx.submitter.failWith = errors.New("queue unavailable")

	err := fx.processor.Process(ctx, notification("ck-1"))
	require.Error(t, err)
	assert.Empty(t, fx.audit.entries)
}

func TestProcessEmitsSyncAudit(t *testing.T) {
	fx := newFixture(t)
	ctx := context.Background()

	fx.saveSubscription(t, siteRootSubscription())
	require.NoError(t, fx.processor.Process(ctx, notification("ck-1")))

	require.Len(t, fx.audit.entries, 1)
	entry := fx.audit.entries[0]
	assert.Equal(t, models.ActionSharePointSync, entry.Action)
	assert.Equal(t, "sub-1", entry.EntityID)
	assert.Equal(t, "int-1", entry.Metadata["integration_id"])
	assert.Equal(t, "site_root", entry.Metadata["scope"])
	assert.NotEmpty(t, entry.Metadata["job_id"])
}
