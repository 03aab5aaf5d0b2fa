package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"sync"
	"time"

	"github.com/ternarybob/arbor"
	"github.com/ternarybob/crawlcore/internal/interfaces"
	"github.com/ternarybob/crawlcore/internal/models"
)

// SubscriptionStorage implements SQLite storage for SharePoint webhook
// subscriptions.
type SubscriptionStorage struct {
	db     *SQLiteDB
	logger arbor.ILogger
	mu     sync.Mutex
}

// NewSubscriptionStorage creates a new subscription storage instance
func NewSubscriptionStorage(db *SQLiteDB, logger arbor.ILogger) interfaces.SubscriptionStorage {
	return &SubscriptionStorage{
		db:     db,
		logger: logger,
	}
}

// SaveSubscription creates or updates a subscription
func (s *SubscriptionStorage) SaveSubscription(ctx context.Context, sub *models.SharePointSubscription) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now().Unix()
	query := `
		INSERT INTO sharepoint_subscriptions (id, tenant_id, integration_id, scope, item_id, client_state, delta_token, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			scope = excluded.scope,
			item_id = excluded.item_id,
			client_state = excluded.client_state,
			delta_token = excluded.delta_token,
			updated_at = excluded.updated_at`

	_, err := s.db.DB().ExecContext(ctx, query,
		sub.ID, sub.TenantID, sub.IntegrationID, string(sub.Scope), sub.ItemID,
		sub.ClientState, sub.DeltaToken, now, now)
	if err != nil {
		return fmt.Errorf("failed to save subscription: %w", err)
	}
	return nil
}

// GetSubscription retrieves a subscription by ID. A missing row is not an
// error; callers treat nil as an unknown subscription.
func (s *SubscriptionStorage) GetSubscription(ctx context.Context, subscriptionID string) (*models.SharePointSubscription, error) {
	var sub models.SharePointSubscription
	var scope string

	err := s.db.DB().QueryRowContext(ctx, `
		SELECT id, tenant_id, integration_id, scope, item_id, client_state, delta_token
		FROM sharepoint_subscriptions WHERE id = ?`, subscriptionID).Scan(
		&sub.ID, &sub.TenantID, &sub.IntegrationID, &scope, &sub.ItemID,
		&sub.ClientState, &sub.DeltaToken)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get subscription: %w", err)
	}

	sub.Scope = models.SharePointScope(scope)
	return &sub, nil
}

// SetSubscriptionDeltaToken stores the token for the next incremental sync
func (s *SubscriptionStorage) SetSubscriptionDeltaToken(ctx context.Context, subscriptionID string, token string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.DB().ExecContext(ctx,
		"UPDATE sharepoint_subscriptions SET delta_token = ?, updated_at = ? WHERE id = ?",
		token, time.Now().Unix(), subscriptionID)
	if err != nil {
		return fmt.Errorf("failed to set subscription delta token: %w", err)
	}
	return nil
}

// DeleteSubscription removes a subscription
func (s *SubscriptionStorage) DeleteSubscription(ctx context.Context, subscriptionID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.DB().ExecContext(ctx,
		"DELETE FROM sharepoint_subscriptions WHERE id = ?", subscriptionID)
	if err != nil {
		return fmt.Errorf("failed to delete subscription: %w", err)
	}
	return nil
}
