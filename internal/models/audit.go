package models

import (
	"time"
)

// ActorType identifies who performed an audited action
type ActorType string

const (
	ActorTypeUser   ActorType = "user"
	ActorTypeSystem ActorType = "system"
	ActorTypeAPIKey ActorType = "api_key"
)

// AuditOutcome records whether the audited operation succeeded
type AuditOutcome string

const (
	OutcomeSuccess AuditOutcome = "success"
	OutcomeFailure AuditOutcome = "failure"
)

// AuditCategory groups actions for tenant-level enable flags
type AuditCategory string

const (
	CategoryAuth       AuditCategory = "auth"
	CategoryTenant     AuditCategory = "tenant"
	CategoryUser       AuditCategory = "user"
	CategoryContent    AuditCategory = "content"
	CategoryCrawl      AuditCategory = "crawl"
	CategoryAPIKey     AuditCategory = "api_key"
	CategoryCompliance AuditCategory = "compliance"
)

// AuditAction is one of the enumerated action kinds
type AuditAction string

const (
	// auth
	ActionLoginSuccess       AuditAction = "LOGIN_SUCCESS"
	ActionLoginFailed        AuditAction = "LOGIN_FAILED"
	ActionLogout             AuditAction = "LOGOUT"
	ActionPasswordChanged    AuditAction = "PASSWORD_CHANGED"
	ActionFederationUpdated  AuditAction = "FEDERATION_UPDATED"
	ActionOIDCStateExpired   AuditAction = "OIDC_STATE_EXPIRED"
	ActionSessionCreated     AuditAction = "SESSION_CREATED"
	ActionSessionRevoked     AuditAction = "SESSION_REVOKED"

	// tenant
	ActionTenantCreated          AuditAction = "TENANT_CREATED"
	ActionTenantUpdated          AuditAction = "TENANT_UPDATED"
	ActionTenantDeleted          AuditAction = "TENANT_DELETED"
	ActionTenantQuotaChanged     AuditAction = "TENANT_QUOTA_CHANGED"
	ActionTenantSettingsChanged  AuditAction = "TENANT_SETTINGS_CHANGED"
	ActionCredentialConfigured   AuditAction = "CREDENTIAL_CONFIGURED"
	ActionCredentialRemoved      AuditAction = "CREDENTIAL_REMOVED"

	// user
	ActionUserCreated     AuditAction = "USER_CREATED"
	ActionUserUpdated     AuditAction = "USER_UPDATED"
	ActionUserDeleted     AuditAction = "USER_DELETED"
	ActionUserRoleChanged AuditAction = "USER_ROLE_CHANGED"
	ActionUserSuspended   AuditAction = "USER_SUSPENDED"

	// content
	ActionSpaceCreated      AuditAction = "SPACE_CREATED"
	ActionSpaceUpdated      AuditAction = "SPACE_UPDATED"
	ActionSpaceDeleted      AuditAction = "SPACE_DELETED"
	ActionAssistantCreated  AuditAction = "ASSISTANT_CREATED"
	ActionAssistantUpdated  AuditAction = "ASSISTANT_UPDATED"
	ActionAssistantDeleted  AuditAction = "ASSISTANT_DELETED"
	ActionAppCreated        AuditAction = "APP_CREATED"
	ActionAppUpdated        AuditAction = "APP_UPDATED"
	ActionAppDeleted        AuditAction = "APP_DELETED"
	ActionAppRun            AuditAction = "APP_RUN"
	ActionQuestionAsked     AuditAction = "QUESTION_ASKED"
	ActionDocumentUploaded  AuditAction = "DOCUMENT_UPLOADED"
	ActionDocumentDeleted   AuditAction = "DOCUMENT_DELETED"

	// crawl
	ActionCrawlRequested  AuditAction = "CRAWL_REQUESTED"
	ActionCrawlStarted    AuditAction = "CRAWL_STARTED"
	ActionCrawlCompleted  AuditAction = "CRAWL_COMPLETED"
	ActionCrawlFailed     AuditAction = "CRAWL_FAILED"
	ActionCrawlPreempted  AuditAction = "CRAWL_PREEMPTED"
	ActionWebsiteCreated  AuditAction = "WEBSITE_CREATED"
	ActionWebsiteUpdated  AuditAction = "WEBSITE_UPDATED"
	ActionWebsiteDeleted  AuditAction = "WEBSITE_DELETED"
	ActionSharePointSync  AuditAction = "SHAREPOINT_SYNC"

	// api_key
	ActionAPIKeyCreated    AuditAction = "API_KEY_CREATED"
	ActionAPIKeyUpdated    AuditAction = "API_KEY_UPDATED"
	ActionAPIKeyRevoked    AuditAction = "API_KEY_REVOKED"
	ActionAPIKeySuspended  AuditAction = "API_KEY_SUSPENDED"
	ActionAPIKeyAuthFailed AuditAction = "API_KEY_AUTH_FAILED"

	// compliance
	ActionAuditExported         AuditAction = "AUDIT_EXPORTED"
	ActionAuditExportCancelled  AuditAction = "AUDIT_EXPORT_CANCELLED"
	ActionAuditConfigChanged    AuditAction = "AUDIT_CONFIG_CHANGED"
	ActionRetentionPolicyChanged AuditAction = "RETENTION_POLICY_CHANGED"
	ActionRetentionSweepRan     AuditAction = "RETENTION_SWEEP_RAN"
	ActionDataExported          AuditAction = "DATA_EXPORTED"
)

// AuditLog is an append-only record of a mutating operation. Rows are never
// updated; they are deleted only by the retention sweep.
type AuditLog struct {
	ID           string                 `json:"id"`
	TenantID     string                 `json:"tenant_id"`
	ActorID      string                 `json:"actor_id,omitempty"`
	ActorType    ActorType              `json:"actor_type"`
	Action       AuditAction            `json:"action"`
	EntityType   string                 `json:"entity_type"`
	EntityID     string                 `json:"entity_id"`
	Description  string                 `json:"description"`
	Outcome      AuditOutcome           `json:"outcome"`
	ErrorMessage string                 `json:"error_message,omitempty"`
	Metadata     map[string]interface{} `json:"metadata,omitempty"`
	Timestamp    time.Time              `json:"timestamp"`
}
