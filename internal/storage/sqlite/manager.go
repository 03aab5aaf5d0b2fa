package sqlite

import (
	"github.com/ternarybob/arbor"
	"github.com/ternarybob/crawlcore/internal/common"
	"github.com/ternarybob/crawlcore/internal/interfaces"
)

// Manager aggregates the storage implementations over one SQLite database
type Manager struct {
	db            *SQLiteDB
	jobs          interfaces.JobStorage
	tenants       interfaces.TenantStorage
	audit         interfaces.AuditStorage
	retention     interfaces.RetentionStorage
	apiKeys       interfaces.APIKeyStorage
	subscriptions interfaces.SubscriptionStorage
}

// NewManager opens the database, runs migrations, and wires the storage
// implementations.
func NewManager(logger arbor.ILogger, config *common.SQLiteConfig) (*Manager, error) {
	db, err := NewSQLiteDB(logger, config)
	if err != nil {
		return nil, err
	}
	return NewManagerWithDB(db, logger), nil
}

// NewManagerWithDB wires the storage implementations over an existing
// connection. Used by tests that open their own database.
func NewManagerWithDB(db *SQLiteDB, logger arbor.ILogger) *Manager {
	return &Manager{
		db:            db,
		jobs:          NewJobStorage(db, logger),
		tenants:       NewTenantStorage(db, logger),
		audit:         NewAuditStorage(db, logger),
		retention:     NewRetentionStorage(db, logger),
		apiKeys:       NewAPIKeyStorage(db, logger),
		subscriptions: NewSubscriptionStorage(db, logger),
	}
}

// DB returns the underlying database handle
func (m *Manager) DB() *SQLiteDB {
	return m.db
}

// JobStorage returns the job storage
func (m *Manager) JobStorage() interfaces.JobStorage {
	return m.jobs
}

// TenantStorage returns the tenant storage
func (m *Manager) TenantStorage() interfaces.TenantStorage {
	return m.tenants
}

// AuditStorage returns the audit storage
func (m *Manager) AuditStorage() interfaces.AuditStorage {
	return m.audit
}

// RetentionStorage returns the retention storage
func (m *Manager) RetentionStorage() interfaces.RetentionStorage {
	return m.retention
}

// APIKeyStorage returns the API key storage
func (m *Manager) APIKeyStorage() interfaces.APIKeyStorage {
	return m.apiKeys
}

// SubscriptionStorage returns the webhook subscription storage
func (m *Manager) SubscriptionStorage() interfaces.SubscriptionStorage {
	return m.subscriptions
}

// Close closes the database connection
func (m *Manager) Close() error {
	return m.db.Close()
}
