package models

import "time"

// AuditConfigEntry is a tenant's per-category audit setting. ActionOverrides
// pins individual actions regardless of the category flag.
type AuditConfigEntry struct {
	TenantID        string          `json:"tenant_id"`
	Category        AuditCategory   `json:"category"`
	Enabled         bool            `json:"enabled"`
	ActionOverrides map[string]bool `json:"action_overrides,omitempty"`
	UpdatedAt       time.Time       `json:"updated_at"`
}
