package sqlite

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/ternarybob/crawlcore/internal/common"
	"github.com/ternarybob/crawlcore/internal/models"
)

func newTestManager(t *testing.T) *Manager {
	t.Helper()

	cfg := &common.SQLiteConfig{
		Path:          filepath.Join(t.TempDir(), "crawlcore.db"),
		CacheSizeMB:   16,
		BusyTimeoutMS: 5000,
		WALMode:       false,
	}

	db, err := NewSQLiteDB(common.GetLogger(), cfg)
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	return NewManagerWithDB(db, common.GetLogger())
}

func seedTenant(t *testing.T, m *Manager, id string) *models.Tenant {
	t.Helper()

	tenant := &models.Tenant{
		ID:   id,
		Name: id,
	}
	require.NoError(t, m.TenantStorage().CreateTenant(context.Background(), tenant))
	return tenant
}
