package models

import (
	"strings"
	"time"
)

// APIKeyType is derived from the key prefix
type APIKeyType string

const (
	APIKeyTypePublishable APIKeyType = "publishable" // pk_ prefix
	APIKeyTypeSecret      APIKeyType = "secret"      // sk_ prefix
)

// KeyTypeFromPrefix derives the key type from the key string
func KeyTypeFromPrefix(key string) (APIKeyType, bool) {
	switch {
	case strings.HasPrefix(key, "pk_"):
		return APIKeyTypePublishable, true
	case strings.HasPrefix(key, "sk_"):
		return APIKeyTypeSecret, true
	}
	return "", false
}

// APIKeyState is the stored lifecycle state; the effective state is derived
// at read time from the revoked/suspended/expires fields.
type APIKeyState string

const (
	APIKeyStateActive    APIKeyState = "active"
	APIKeyStateSuspended APIKeyState = "suspended"
	APIKeyStateRevoked   APIKeyState = "revoked"
	APIKeyStateExpired   APIKeyState = "expired"
)

// APIKeyScopeType bounds what a key may touch
type APIKeyScopeType string

const (
	ScopeTenant    APIKeyScopeType = "tenant" // requires ScopeID == ""
	ScopeSpace     APIKeyScopeType = "space"
	ScopeAssistant APIKeyScopeType = "assistant"
	ScopeApp       APIKeyScopeType = "app"
)

// PermissionLevel orders resource access levels
type PermissionLevel int

const (
	PermissionNone PermissionLevel = iota
	PermissionRead
	PermissionWrite
	PermissionAdmin
)

// String returns the canonical name of the level
func (p PermissionLevel) String() string {
	switch p {
	case PermissionRead:
		return "read"
	case PermissionWrite:
		return "write"
	case PermissionAdmin:
		return "admin"
	}
	return "none"
}

// ParsePermissionLevel maps a stored string to a level (unknown -> none)
func ParsePermissionLevel(s string) PermissionLevel {
	switch s {
	case "read":
		return PermissionRead
	case "write":
		return PermissionWrite
	case "admin":
		return PermissionAdmin
	}
	return PermissionNone
}

// APIKey is a tenant-issued credential for programmatic access
type APIKey struct {
	ID          string          `json:"id"`
	TenantID    string          `json:"tenant_id"`
	Key         string          `json:"key"` // pk_... or sk_...
	Name        string          `json:"name"`
	Type        APIKeyType      `json:"type"`
	ScopeType   APIKeyScopeType `json:"scope_type"`
	ScopeID     string          `json:"scope_id,omitempty"`
	CreatorID   string          `json:"creator_id"`
	AdminAccess bool            `json:"admin_access"`

	AllowedOrigins []string `json:"allowed_origins,omitempty"` // pk_ only
	AllowedIPs     []string `json:"allowed_ips,omitempty"`     // sk_ only; IP or CIDR

	// RateLimit: nil = unset, -1 = unlimited (admin only), positive = override
	RateLimit *int `json:"rate_limit,omitempty"`

	// ResourcePermissions maps resource type (apps, assistants, groups, ...)
	// to a permission level name.
	ResourcePermissions map[string]string `json:"resource_permissions,omitempty"`

	ExpiresAt   *time.Time `json:"expires_at,omitempty"`
	SuspendedAt *time.Time `json:"suspended_at,omitempty"`
	RevokedAt   *time.Time `json:"revoked_at,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at"`
}

// EffectiveState derives the key state at read time. Revocation wins over
// suspension, which wins over expiry.
func (k *APIKey) EffectiveState(now time.Time) APIKeyState {
	if k.RevokedAt != nil {
		return APIKeyStateRevoked
	}
	if k.SuspendedAt != nil {
		return APIKeyStateSuspended
	}
	if k.ExpiresAt != nil && !k.ExpiresAt.After(now) {
		return APIKeyStateExpired
	}
	return APIKeyStateActive
}

// APIKeyPolicy is a tenant's guardrail configuration for key issuance
type APIKeyPolicy struct {
	AllowedOrigins       []string `json:"allowed_origins,omitempty"` // Patterns; *.example.com matches one level
	MaxExpirationDays    int      `json:"max_expiration_days,omitempty"`
	RequireExpiration    bool     `json:"require_expiration"`
	MaxRateLimitOverride int      `json:"max_rate_limit_override,omitempty"`
}
