package models

// SharePointScope identifies what a webhook subscription watches
type SharePointScope string

const (
	SharePointScopeSiteRoot SharePointScope = "site_root"
	SharePointScopeFolder   SharePointScope = "folder"
	SharePointScopeFile     SharePointScope = "file"
	SharePointScopeDrive    SharePointScope = "drive"
)

// SharePointSubscription is a registered webhook subscription for one
// integration. ClientState is the shared secret echoed in notifications.
type SharePointSubscription struct {
	ID            string          `json:"id"`
	TenantID      string          `json:"tenant_id"`
	IntegrationID string          `json:"integration_id"`
	Scope         SharePointScope `json:"scope"`
	ItemID        string          `json:"item_id,omitempty"` // Set for file/folder scope
	ClientState   string          `json:"client_state"`
	DeltaToken    string          `json:"delta_token,omitempty"`
}

// SharePointNotification is one change notification delivered to the webhook
type SharePointNotification struct {
	SubscriptionID string `json:"subscriptionId"`
	ClientState    string `json:"clientState"`
	ChangeKey      string `json:"changeKey"`
	Resource       string `json:"resource"`
	ItemID         string `json:"itemId,omitempty"`
	TenantID       string `json:"tenantId"`
}
