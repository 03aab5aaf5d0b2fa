package auditconfig

import "github.com/ternarybob/crawlcore/internal/models"

// ActionInfo is static, build-time metadata for one audit action
type ActionInfo struct {
	Category    models.AuditCategory
	Name        string
	Description string
}

// actionCatalog maps every audit action to its category and display
// metadata. The mapping is fixed at build time; tenant configuration only
// toggles whether actions are persisted.
var actionCatalog = map[models.AuditAction]ActionInfo{
	models.ActionLoginSuccess:      {models.CategoryAuth, "Login succeeded", "A user authenticated successfully"},
	models.ActionLoginFailed:       {models.CategoryAuth, "Login failed", "An authentication attempt was rejected"},
	models.ActionLogout:            {models.CategoryAuth, "Logout", "A user ended their session"},
	models.ActionPasswordChanged:   {models.CategoryAuth, "Password changed", "A user changed their password"},
	models.ActionFederationUpdated: {models.CategoryAuth, "Federation updated", "A tenant's identity provider configuration changed"},
	models.ActionOIDCStateExpired:  {models.CategoryAuth, "OIDC state expired", "An OIDC login state expired before completion"},
	models.ActionSessionCreated:    {models.CategoryAuth, "Session created", "A new session was issued"},
	models.ActionSessionRevoked:    {models.CategoryAuth, "Session revoked", "A session was revoked"},

	models.ActionTenantCreated:         {models.CategoryTenant, "Tenant created", "A tenant was provisioned"},
	models.ActionTenantUpdated:         {models.CategoryTenant, "Tenant updated", "Tenant settings changed"},
	models.ActionTenantDeleted:         {models.CategoryTenant, "Tenant deleted", "A tenant was removed"},
	models.ActionTenantQuotaChanged:    {models.CategoryTenant, "Quota changed", "A tenant's storage quota changed"},
	models.ActionTenantSettingsChanged: {models.CategoryTenant, "Settings changed", "A tenant's crawler settings changed"},
	models.ActionCredentialConfigured:  {models.CategoryTenant, "Credential configured", "A provider credential was stored for a tenant"},
	models.ActionCredentialRemoved:     {models.CategoryTenant, "Credential removed", "A provider credential was removed"},

	models.ActionUserCreated:     {models.CategoryUser, "User created", "A user account was created"},
	models.ActionUserUpdated:     {models.CategoryUser, "User updated", "A user account was updated"},
	models.ActionUserDeleted:     {models.CategoryUser, "User deleted", "A user account was deleted"},
	models.ActionUserRoleChanged: {models.CategoryUser, "Role changed", "A user's role assignment changed"},
	models.ActionUserSuspended:   {models.CategoryUser, "User suspended", "A user account was suspended"},

	models.ActionSpaceCreated:     {models.CategoryContent, "Space created", "A content space was created"},
	models.ActionSpaceUpdated:     {models.CategoryContent, "Space updated", "A content space was updated"},
	models.ActionSpaceDeleted:     {models.CategoryContent, "Space deleted", "A content space was deleted"},
	models.ActionAssistantCreated: {models.CategoryContent, "Assistant created", "An assistant was created"},
	models.ActionAssistantUpdated: {models.CategoryContent, "Assistant updated", "An assistant was updated"},
	models.ActionAssistantDeleted: {models.CategoryContent, "Assistant deleted", "An assistant was deleted"},
	models.ActionAppCreated:       {models.CategoryContent, "App created", "An app was created"},
	models.ActionAppUpdated:       {models.CategoryContent, "App updated", "An app was updated"},
	models.ActionAppDeleted:       {models.CategoryContent, "App deleted", "An app was deleted"},
	models.ActionAppRun:           {models.CategoryContent, "App run", "An app was executed"},
	models.ActionQuestionAsked:    {models.CategoryContent, "Question asked", "A question was submitted to an assistant"},
	models.ActionDocumentUploaded: {models.CategoryContent, "Document uploaded", "A document was uploaded"},
	models.ActionDocumentDeleted:  {models.CategoryContent, "Document deleted", "A document was deleted"},

	models.ActionCrawlRequested: {models.CategoryCrawl, "Crawl requested", "A crawl job was requested"},
	models.ActionCrawlStarted:   {models.CategoryCrawl, "Crawl started", "A crawl job started"},
	models.ActionCrawlCompleted: {models.CategoryCrawl, "Crawl completed", "A crawl job completed"},
	models.ActionCrawlFailed:    {models.CategoryCrawl, "Crawl failed", "A crawl job failed"},
	models.ActionCrawlPreempted: {models.CategoryCrawl, "Crawl preempted", "A crawl job was failed by the watchdog"},
	models.ActionWebsiteCreated: {models.CategoryCrawl, "Website created", "A website source was registered"},
	models.ActionWebsiteUpdated: {models.CategoryCrawl, "Website updated", "A website source was updated"},
	models.ActionWebsiteDeleted: {models.CategoryCrawl, "Website deleted", "A website source was removed"},
	models.ActionSharePointSync: {models.CategoryCrawl, "SharePoint sync", "A SharePoint sync was triggered"},

	models.ActionAPIKeyCreated:    {models.CategoryAPIKey, "API key created", "An API key was issued"},
	models.ActionAPIKeyUpdated:    {models.CategoryAPIKey, "API key updated", "An API key was updated"},
	models.ActionAPIKeyRevoked:    {models.CategoryAPIKey, "API key revoked", "An API key was revoked"},
	models.ActionAPIKeySuspended:  {models.CategoryAPIKey, "API key suspended", "An API key was suspended"},
	models.ActionAPIKeyAuthFailed: {models.CategoryAPIKey, "API key auth failed", "A request was denied by API key policy"},

	models.ActionAuditExported:          {models.CategoryCompliance, "Audit exported", "Audit logs were exported"},
	models.ActionAuditExportCancelled:   {models.CategoryCompliance, "Export cancelled", "An audit export was cancelled"},
	models.ActionAuditConfigChanged:     {models.CategoryCompliance, "Audit config changed", "Audit logging configuration changed"},
	models.ActionRetentionPolicyChanged: {models.CategoryCompliance, "Retention policy changed", "A data retention policy changed"},
	models.ActionRetentionSweepRan:      {models.CategoryCompliance, "Retention sweep ran", "The retention sweep deleted expired rows"},
	models.ActionDataExported:           {models.CategoryCompliance, "Data exported", "Tenant data was exported"},
}

// CategoryOf returns the action's category; unknown actions map to
// compliance so they are never silently dropped by a category toggle.
func CategoryOf(action models.AuditAction) models.AuditCategory {
	if info, ok := actionCatalog[action]; ok {
		return info.Category
	}
	return models.CategoryCompliance
}

// ActionsInCategory lists every action belonging to a category
func ActionsInCategory(category models.AuditCategory) []models.AuditAction {
	var actions []models.AuditAction
	for action, info := range actionCatalog {
		if info.Category == category {
			actions = append(actions, action)
		}
	}
	return actions
}

// Metadata returns the display metadata for an action
func Metadata(action models.AuditAction) (ActionInfo, bool) {
	info, ok := actionCatalog[action]
	return info, ok
}
