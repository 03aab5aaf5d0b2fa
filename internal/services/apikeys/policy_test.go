package apikeys

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ternarybob/crawlcore/internal/common"
	"github.com/ternarybob/crawlcore/internal/models"
)

type fakeAudit struct {
	mu      sync.Mutex
	entries []*models.AuditLog
}

func (a *fakeAudit) Record(ctx context.Context, entry *models.AuditLog) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.entries = append(a.entries, entry)
}

func newService() (*Service, *fakeAudit) {
	audit := &fakeAudit{}
	return NewService(audit, common.GetLogger()), audit
}

func timePtr(v time.Time) *time.Time { return &v }
func intPtr(v int) *int              { return &v }

func basePublishableKey() *models.APIKey {
	return &models.APIKey{
		ID:             "key-1",
		TenantID:       "tenant-a",
		Key:            "pk_live_abc123",
		Name:           "widget",
		Type:           models.APIKeyTypePublishable,
		ScopeType:      models.ScopeApp,
		ScopeID:        "app-1",
		AllowedOrigins: []string{"https://app.example.com"},
	}
}

func baseSecretKey() *models.APIKey {
	return &models.APIKey{
		ID:        "key-2",
		TenantID:  "tenant-a",
		Key:       "sk_live_def456",
		Name:      "backend",
		Type:      models.APIKeyTypeSecret,
		ScopeType: models.ScopeTenant,
	}
}

func admin() CreatorContext {
	return CreatorContext{UserID: "user-1", TenantAdmin: true}
}

func TestValidateCreateTaxonomy(t *testing.T) {
	s, _ := newService()
	tenant := &models.Tenant{ID: "tenant-a"}

	require.NoError(t, s.ValidateCreate(tenant, basePublishableKey(), admin()))
	require.NoError(t, s.ValidateCreate(tenant, baseSecretKey(), admin()))

	// No recognizable prefix
	bad := basePublishableKey()
	bad.Key = "key_without_prefix"
	assert.Error(t, s.ValidateCreate(tenant, bad, admin()))

	// Prefix and declared type disagree
	bad = basePublishableKey()
	bad.Key = "sk_live_abc"
	assert.Error(t, s.ValidateCreate(tenant, bad, admin()))

	// Publishable keys can never be admin
	bad = basePublishableKey()
	bad.AdminAccess = true
	assert.Error(t, s.ValidateCreate(tenant, bad, admin()))

	// Publishable without origins
	bad = basePublishableKey()
	bad.AllowedOrigins = nil
	assert.Error(t, s.ValidateCreate(tenant, bad, admin()))

	// IP allowlists are a secret-key feature
	bad = basePublishableKey()
	bad.AllowedIPs = []string{"10.0.0.1"}
	assert.Error(t, s.ValidateCreate(tenant, bad, admin()))

	// Origin allowlists are a publishable-key feature
	badSecret := baseSecretKey()
	badSecret.AllowedOrigins = []string{"https://app.example.com"}
	assert.Error(t, s.ValidateCreate(tenant, badSecret, admin()))
}

func TestValidateCreateScopeRules(t *testing.T) {
	s, _ := newService()
	tenant := &models.Tenant{ID: "tenant-a"}

	// Tenant scope must not carry a scope_id
	bad := baseSecretKey()
	bad.ScopeID = "space-1"
	assert.Error(t, s.ValidateCreate(tenant, bad, admin()))

	// Narrow scopes require one
	bad = basePublishableKey()
	bad.ScopeID = ""
	assert.Error(t, s.ValidateCreate(tenant, bad, admin()))

	// Tenant scope requires tenant admin
	key := baseSecretKey()
	err := s.ValidateCreate(tenant, key, CreatorContext{UserID: "user-1", ScopePermission: true})
	assert.Error(t, err)

	// Narrow scope accepts scope permission without tenant admin
	key = basePublishableKey()
	require.NoError(t, s.ValidateCreate(tenant, key, CreatorContext{UserID: "user-1", ScopePermission: true}))
}

func TestValidateCreateTenantPolicy(t *testing.T) {
	s, _ := newService()
	tenant := &models.Tenant{
		ID: "tenant-a",
		APIKeyPolicy: &models.APIKeyPolicy{
			AllowedOrigins:    []string{"*.example.com"},
			RequireExpiration: true,
			MaxExpirationDays: 30,
		},
	}

	// Policy requires an expiration
	key := basePublishableKey()
	key.AllowedOrigins = []string{"https://app.example.com"}
	assert.Error(t, s.ValidateCreate(tenant, key, admin()))

	// Within the maximum
	key.ExpiresAt = timePtr(time.Now().Add(10 * 24 * time.Hour))
	require.NoError(t, s.ValidateCreate(tenant, key, admin()))

	// Past the maximum
	key.ExpiresAt = timePtr(time.Now().Add(60 * 24 * time.Hour))
	assert.Error(t, s.ValidateCreate(tenant, key, admin()))

	// Origin outside the tenant's patterns
	key = basePublishableKey()
	key.AllowedOrigins = []string{"https://evil.other.com"}
	key.ExpiresAt = timePtr(time.Now().Add(10 * 24 * time.Hour))
	assert.Error(t, s.ValidateCreate(tenant, key, admin()))
}

func TestValidateCreateRateLimit(t *testing.T) {
	s, _ := newService()
	tenant := &models.Tenant{
		ID:           "tenant-a",
		APIKeyPolicy: &models.APIKeyPolicy{MaxRateLimitOverride: 1000},
	}

	key := baseSecretKey()
	key.RateLimit = intPtr(500)
	require.NoError(t, s.ValidateCreate(tenant, key, admin()))

	key.RateLimit = intPtr(5000)
	assert.Error(t, s.ValidateCreate(tenant, key, admin()))

	key.RateLimit = intPtr(0)
	assert.Error(t, s.ValidateCreate(tenant, key, admin()))

	// Unlimited is admin only
	key.RateLimit = intPtr(-1)
	require.NoError(t, s.ValidateCreate(tenant, key, admin()))

	narrow := basePublishableKey()
	narrow.RateLimit = intPtr(-1)
	err := s.ValidateCreate(tenant, narrow, CreatorContext{UserID: "user-1", ScopePermission: true})
	assert.Error(t, err)
}

func TestValidateCreateIPAllowlist(t *testing.T) {
	s, _ := newService()
	tenant := &models.Tenant{ID: "tenant-a"}

	key := baseSecretKey()
	key.AllowedIPs = []string{"10.0.0.1", "192.168.0.0/16", "2001:db8::1"}
	require.NoError(t, s.ValidateCreate(tenant, key, admin()))

	key.AllowedIPs = []string{"not-an-ip"}
	assert.Error(t, s.ValidateCreate(tenant, key, admin()))
}

func TestOriginWildcardMatchesExactlyOneLabel(t *testing.T) {
	patterns := []string{"*.example.com"}

	assert.True(t, originAllowed("https://app.example.com", patterns))
	assert.True(t, originAllowed("https://api.example.com:8443", patterns))
	assert.False(t, originAllowed("https://example.com", patterns))
	assert.False(t, originAllowed("https://a.b.example.com", patterns))
	assert.False(t, originAllowed("https://example.com.evil.com", patterns))
}

func TestOriginExactMatchIgnoresSchemeAndPort(t *testing.T) {
	patterns := []string{"https://app.example.com"}

	assert.True(t, originAllowed("https://app.example.com", patterns))
	assert.True(t, originAllowed("https://APP.example.com:443", patterns))
	assert.False(t, originAllowed("https://other.example.com", patterns))
}

func TestRequiredLevel(t *testing.T) {
	assert.Equal(t, models.PermissionRead, RequiredLevel("GET", false))
	assert.Equal(t, models.PermissionRead, RequiredLevel("HEAD", false))
	assert.Equal(t, models.PermissionRead, RequiredLevel("OPTIONS", false))
	assert.Equal(t, models.PermissionWrite, RequiredLevel("POST", false))
	assert.Equal(t, models.PermissionRead, RequiredLevel("POST", true))
	assert.Equal(t, models.PermissionWrite, RequiredLevel("PATCH", false))
	assert.Equal(t, models.PermissionWrite, RequiredLevel("PUT", false))
	assert.Equal(t, models.PermissionAdmin, RequiredLevel("DELETE", false))
	assert.Equal(t, models.PermissionAdmin, RequiredLevel("TRACE", false))
}

func TestAuthorizeDeniesNonActiveStates(t *testing.T) {
	s, audit := newService()
	tenant := &models.Tenant{ID: "tenant-a"}
	ctx := context.Background()
	req := Request{Method: "GET", Path: "/api/v1/apps"}

	revoked := baseSecretKey()
	revoked.RevokedAt = timePtr(time.Now())
	err := s.Authorize(ctx, tenant, revoked, req)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "revoked")

	suspended := baseSecretKey()
	suspended.SuspendedAt = timePtr(time.Now())
	assert.Error(t, s.Authorize(ctx, tenant, suspended, req))

	expired := baseSecretKey()
	expired.ExpiresAt = timePtr(time.Now().Add(-time.Hour))
	assert.Error(t, s.Authorize(ctx, tenant, expired, req))

	// Revocation wins over suspension
	both := baseSecretKey()
	both.RevokedAt = timePtr(time.Now())
	both.SuspendedAt = timePtr(time.Now())
	err = s.Authorize(ctx, tenant, both, req)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "revoked")

	assert.Len(t, audit.entries, 4)
}

func TestAuthorizePublishableOriginIntersection(t *testing.T) {
	s, _ := newService()
	ctx := context.Background()

	tenant := &models.Tenant{
		ID:           "tenant-a",
		APIKeyPolicy: &models.APIKeyPolicy{AllowedOrigins: []string{"*.example.com"}},
	}
	key := basePublishableKey()
	key.AllowedOrigins = []string{"https://app.example.com", "https://widget.other.com"}

	// In both lists
	require.NoError(t, s.Authorize(ctx, tenant, key, Request{
		Method: "GET", Path: "/", Origin: "https://app.example.com",
	}))

	// In the key's list but outside the tenant's patterns
	assert.Error(t, s.Authorize(ctx, tenant, key, Request{
		Method: "GET", Path: "/", Origin: "https://widget.other.com",
	}))

	// Missing origin entirely
	assert.Error(t, s.Authorize(ctx, tenant, key, Request{Method: "GET", Path: "/"}))
}

func TestAuthorizeSecretKeyIPAllowlist(t *testing.T) {
	s, _ := newService()
	tenant := &models.Tenant{ID: "tenant-a"}
	ctx := context.Background()

	key := baseSecretKey()
	key.AllowedIPs = []string{"10.0.0.0/8"}

	require.NoError(t, s.Authorize(ctx, tenant, key, Request{
		Method: "GET", Path: "/", ClientIP: "10.1.2.3",
	}))
	assert.Error(t, s.Authorize(ctx, tenant, key, Request{
		Method: "GET", Path: "/", ClientIP: "192.168.0.1",
	}))
}

func TestAuthorizeResourcePermissions(t *testing.T) {
	s, audit := newService()
	tenant := &models.Tenant{ID: "tenant-a"}
	ctx := context.Background()

	key := baseSecretKey()
	key.ResourcePermissions = map[string]string{"apps": "read"}

	require.NoError(t, s.Authorize(ctx, tenant, key, Request{
		Method: "GET", Path: "/api/v1/apps", ResourceType: "apps",
	}))

	err := s.Authorize(ctx, tenant, key, Request{
		Method: "DELETE", Path: "/api/v1/apps/app-1", ResourceType: "apps",
	})
	require.Error(t, err)

	require.Len(t, audit.entries, 1)
	entry := audit.entries[0]
	assert.Equal(t, models.ActionAPIKeyAuthFailed, entry.Action)
	assert.Equal(t, models.ActorTypeAPIKey, entry.ActorType)
	assert.Equal(t, key.ID, entry.EntityID)
	denial, ok := entry.Metadata["denial"].(map[string]interface{})
	require.True(t, ok)
	assert.Equal(t, "admin", denial["required_level"])
	assert.Equal(t, "read", denial["granted_level"])

	// A resource the key grants nothing for
	assert.Error(t, s.Authorize(ctx, tenant, key, Request{
		Method: "GET", Path: "/api/v1/assistants", ResourceType: "assistants",
	}))
}
