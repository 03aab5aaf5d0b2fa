package models

import (
	"encoding/json"
	"strconv"
	"time"
)

// TenantState represents the lifecycle state of a tenant
type TenantState string

const (
	TenantStateActive   TenantState = "active"
	TenantStateInactive TenantState = "inactive"
	TenantStateDeleted  TenantState = "deleted"
)

// TenantSettings holds per-tenant crawler setting overrides, keyed by setting
// name. Values come from the tenants.crawler_settings JSON column and are
// resolved against global defaults by the caller.
type TenantSettings map[string]interface{}

// Int resolves an integer setting with a fallback for missing or malformed values.
// JSON numbers arrive as float64; string values are parsed for robustness.
func (s TenantSettings) Int(key string, fallback int) int {
	if s == nil {
		return fallback
	}
	v, ok := s[key]
	if !ok || v == nil {
		return fallback
	}
	switch n := v.(type) {
	case float64:
		return int(n)
	case int:
		return n
	case int64:
		return int(n)
	case string:
		if parsed, err := strconv.Atoi(n); err == nil {
			return parsed
		}
	}
	return fallback
}

// Tenant represents a logical customer. Every user, job, audit log, and
// credential belongs to exactly one tenant.
type Tenant struct {
	ID              string                `json:"id"`
	Name            string                `json:"name"` // Unique tenant-wide
	DisplayName     string                `json:"display_name"`
	State           TenantState           `json:"state"`
	QuotaLimit      int64                 `json:"quota_limit"` // Bytes of storage, >= 0
	APICredentials  map[string]Credential `json:"api_credentials,omitempty"`
	Federation      *FederationRecord     `json:"federation_config,omitempty"`
	CrawlerSettings TenantSettings        `json:"crawler_settings,omitempty"`
	APIKeyPolicy    *APIKeyPolicy         `json:"api_key_policy,omitempty"`

	ConversationRetentionEnabled bool `json:"conversation_retention_enabled"`
	ConversationRetentionDays    *int `json:"conversation_retention_days,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Credential returns the credential record for a provider, or false when the
// tenant has not configured one.
func (t *Tenant) Credential(provider string) (Credential, bool) {
	if t == nil || t.APICredentials == nil {
		return Credential{}, false
	}
	cred, ok := t.APICredentials[provider]
	return cred, ok
}

// FederationRecord holds a tenant's IdP configuration. The client secret is
// stored envelope-wrapped; CanonicalPublicOrigin is stored without a trailing
// slash and must be https (http://localhost allowed in development).
type FederationRecord struct {
	Provider              string   `json:"provider"`
	ClientID              string   `json:"client_id"`
	ClientSecret          string   `json:"client_secret"` // Envelope-wrapped
	DiscoveryEndpoint     string   `json:"discovery_endpoint"`
	CanonicalPublicOrigin string   `json:"canonical_public_origin"`
	AllowedDomains        []string `json:"allowed_domains,omitempty"`
	RedirectPath          string   `json:"redirect_path,omitempty"`
}

// ToJSON serializes the tenant's credential map for storage
func CredentialsToJSON(creds map[string]Credential) (string, error) {
	if len(creds) == 0 {
		return "{}", nil
	}
	data, err := json.Marshal(creds)
	if err != nil {
		return "", err
	}
	return string(data), nil
}

// CredentialsFromJSON deserializes a stored credential map
func CredentialsFromJSON(raw string) (map[string]Credential, error) {
	if raw == "" || raw == "{}" {
		return map[string]Credential{}, nil
	}
	var creds map[string]Credential
	if err := json.Unmarshal([]byte(raw), &creds); err != nil {
		return nil, err
	}
	return creds, nil
}
