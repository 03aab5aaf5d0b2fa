package models

// Per-tenant crawler setting keys. Tenants may override these in their
// crawler_settings map; anything absent falls back to the global default.
const (
	SettingWorkerConcurrencyLimit = "tenant_worker_concurrency_limit"
	SettingWorkerSemaphoreTTL     = "tenant_worker_semaphore_ttl_seconds"
	SettingFeederInterval         = "crawl_feeder_interval_seconds"
	SettingFeederBatchSize        = "crawl_feeder_batch_size"
	SettingCrawlMaxLength         = "crawl_max_length"
	SettingStaleThresholdMinutes  = "crawl_stale_threshold_minutes"
	SettingHeartbeatInterval      = "crawl_heartbeat_interval_seconds"
	SettingQueuedStaleMinutes     = "queued_stale_threshold_minutes"
)
