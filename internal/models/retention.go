package models

import "time"

// Space is a content container with an optional retention override.
// DataRetentionDays is constrained to 1..2555 at the schema level.
type Space struct {
	ID                string    `json:"id"`
	TenantID          string    `json:"tenant_id"`
	Name              string    `json:"name"`
	DataRetentionDays *int      `json:"data_retention_days,omitempty"`
	CreatedAt         time.Time `json:"created_at"`
	UpdatedAt         time.Time `json:"updated_at"`
}

// Assistant lives inside a space; its retention override wins over the
// space's and the tenant's.
type Assistant struct {
	ID                string    `json:"id"`
	TenantID          string    `json:"tenant_id"`
	SpaceID           string    `json:"space_id"`
	Name              string    `json:"name"`
	DataRetentionDays *int      `json:"data_retention_days,omitempty"`
	CreatedAt         time.Time `json:"created_at"`
	UpdatedAt         time.Time `json:"updated_at"`
}

// App mirrors Assistant for app runs
type App struct {
	ID                string    `json:"id"`
	TenantID          string    `json:"tenant_id"`
	SpaceID           string    `json:"space_id"`
	Name              string    `json:"name"`
	DataRetentionDays *int      `json:"data_retention_days,omitempty"`
	CreatedAt         time.Time `json:"created_at"`
	UpdatedAt         time.Time `json:"updated_at"`
}

// Question is a conversation-history row subject to the retention sweep
type Question struct {
	ID          string    `json:"id"`
	TenantID    string    `json:"tenant_id"`
	AssistantID string    `json:"assistant_id"`
	UserID      string    `json:"user_id"`
	CreatedAt   time.Time `json:"created_at"`
}

// AppRun is an app execution row subject to the retention sweep
type AppRun struct {
	ID        string    `json:"id"`
	TenantID  string    `json:"tenant_id"`
	AppID     string    `json:"app_id"`
	UserID    string    `json:"user_id"`
	CreatedAt time.Time `json:"created_at"`
}
