package coordinator

import "fmt"

// Coordinator key schema. Keep every key pattern in one place so SCAN
// patterns and writers cannot drift apart.

// TenantSlotKey holds the tenant's active slot counter (int, semaphore TTL)
func TenantSlotKey(tenantID string) string {
	return fmt.Sprintf("tenant:%s:active_jobs", tenantID)
}

// TenantSlotPattern matches every tenant slot counter
const TenantSlotPattern = "tenant:*:active_jobs"

// TenantPendingKey holds the tenant's FIFO of job descriptors awaiting dispatch
func TenantPendingKey(tenantID string) string {
	return fmt.Sprintf("tenant:%s:crawl_pending", tenantID)
}

// TenantPendingPattern matches every tenant pending queue
const TenantPendingPattern = "tenant:*:crawl_pending"

// JobPreacquiredKey marks a job's pre-acquired slot with its tenant id as value
func JobPreacquiredKey(jobID string) string {
	return fmt.Sprintf("job:%s:slot_preacquired", jobID)
}

// PoolDedupKey marks a job as present in the shared worker pool
func PoolDedupKey(jobID string) string {
	return fmt.Sprintf("pool:job:%s", jobID)
}

// ExportJobKey holds the JSON state of one audit export job
func ExportJobKey(tenantID, jobID string) string {
	return fmt.Sprintf("audit_export:%s:%s", tenantID, jobID)
}

// ExportJobPattern matches all export jobs of one tenant
func ExportJobPattern(tenantID string) string {
	return fmt.Sprintf("audit_export:%s:*", tenantID)
}

// AuditCategoryKey caches a tenant's category enable flag (60 s TTL)
func AuditCategoryKey(tenantID, category string) string {
	return fmt.Sprintf("audit_config:%s:%s", tenantID, category)
}

// AuditActionKey caches a tenant's action enable flag (60 s TTL)
func AuditActionKey(tenantID, action string) string {
	return fmt.Sprintf("audit_action:%s:%s", tenantID, action)
}

// AuditSessionRateKey is the sliding-window counter for audit session creation
func AuditSessionRateKey(userID, tenantID string) string {
	return fmt.Sprintf("rate_limit:audit_session:%s:%s", userID, tenantID)
}

// ChangeKeyDedupKey marks a processed SharePoint ChangeKey
func ChangeKeyDedupKey(tenantID, changeKey string) string {
	return fmt.Sprintf("sharepoint:%s:changekey:%s", tenantID, changeKey)
}

// WatchdogLivenessKey is written on every successful watchdog tick; its
// absence is the monitoring signal for a dead watchdog.
const WatchdogLivenessKey = "crawl_watchdog:last_success_epoch"

// FeederLeaderKey is the singleton lease for the feeder loop
const FeederLeaderKey = "crawl_feeder:leader"

// WatchdogLeaderKey is the singleton lease for the watchdog
const WatchdogLeaderKey = "crawl_watchdog:leader"

// TenantIDFromSlotKey extracts the tenant id from a slot counter key.
// Returns "" when the key does not match the schema.
func TenantIDFromSlotKey(key string) string {
	return tenantIDBetween(key, "tenant:", ":active_jobs")
}

// TenantIDFromPendingKey extracts the tenant id from a pending queue key
func TenantIDFromPendingKey(key string) string {
	return tenantIDBetween(key, "tenant:", ":crawl_pending")
}

func tenantIDBetween(key, prefix, suffix string) string {
	if len(key) <= len(prefix)+len(suffix) {
		return ""
	}
	if key[:len(prefix)] != prefix || key[len(key)-len(suffix):] != suffix {
		return ""
	}
	return key[len(prefix) : len(key)-len(suffix)]
}
