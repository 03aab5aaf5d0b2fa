package sqlite

// schemaSQL defines the initial database schema. Timestamps are stored as
// Unix seconds (SQLite integers). JSON columns hold serialized maps.
const schemaSQL = `
CREATE TABLE IF NOT EXISTS tenants (
	id TEXT PRIMARY KEY,
	name TEXT NOT NULL UNIQUE,
	display_name TEXT NOT NULL DEFAULT '',
	state TEXT NOT NULL DEFAULT 'active' CHECK (state IN ('active', 'inactive', 'deleted')),
	quota_limit INTEGER NOT NULL DEFAULT 0 CHECK (quota_limit >= 0),
	api_credentials TEXT NOT NULL DEFAULT '{}',
	federation_config TEXT,
	crawler_settings TEXT NOT NULL DEFAULT '{}',
	api_key_policy TEXT,
	conversation_retention_enabled INTEGER NOT NULL DEFAULT 0,
	conversation_retention_days INTEGER CHECK (conversation_retention_days BETWEEN 1 AND 2555),
	created_at INTEGER NOT NULL,
	updated_at INTEGER NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_tenants_state ON tenants(state);

CREATE TABLE IF NOT EXISTS jobs (
	id TEXT PRIMARY KEY,
	tenant_id TEXT NOT NULL REFERENCES tenants(id),
	task TEXT NOT NULL,
	status TEXT NOT NULL DEFAULT 'QUEUED' CHECK (status IN ('QUEUED', 'IN_PROGRESS', 'COMPLETE', 'FAILED')),
	user_id TEXT NOT NULL DEFAULT '',
	error_message TEXT NOT NULL DEFAULT '',
	created_at INTEGER NOT NULL,
	updated_at INTEGER NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_jobs_tenant_status ON jobs(tenant_id, status);
CREATE INDEX IF NOT EXISTS idx_jobs_status_updated ON jobs(status, updated_at);
CREATE INDEX IF NOT EXISTS idx_jobs_status_created ON jobs(status, created_at);

CREATE TABLE IF NOT EXISTS crawl_runs (
	id TEXT PRIMARY KEY,
	job_id TEXT NOT NULL UNIQUE REFERENCES jobs(id),
	tenant_id TEXT NOT NULL REFERENCES tenants(id),
	website_id TEXT NOT NULL DEFAULT '',
	pages_crawled INTEGER,
	delta_token TEXT NOT NULL DEFAULT '',
	created_at INTEGER NOT NULL,
	updated_at INTEGER NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_crawl_runs_tenant ON crawl_runs(tenant_id);

CREATE TABLE IF NOT EXISTS audit_logs (
	id TEXT PRIMARY KEY,
	tenant_id TEXT NOT NULL,
	actor_id TEXT NOT NULL DEFAULT '',
	actor_type TEXT NOT NULL DEFAULT 'system',
	action TEXT NOT NULL,
	entity_type TEXT NOT NULL DEFAULT '',
	entity_id TEXT NOT NULL DEFAULT '',
	description TEXT NOT NULL DEFAULT '',
	outcome TEXT NOT NULL DEFAULT 'success' CHECK (outcome IN ('success', 'failure')),
	error_message TEXT NOT NULL DEFAULT '',
	metadata TEXT,
	timestamp INTEGER NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_audit_tenant_timestamp ON audit_logs(tenant_id, timestamp DESC, id DESC);
CREATE INDEX IF NOT EXISTS idx_audit_tenant_action ON audit_logs(tenant_id, action);

CREATE TABLE IF NOT EXISTS audit_config (
	tenant_id TEXT NOT NULL,
	category TEXT NOT NULL,
	enabled INTEGER NOT NULL DEFAULT 1,
	action_overrides TEXT NOT NULL DEFAULT '{}',
	updated_at INTEGER NOT NULL,
	PRIMARY KEY (tenant_id, category)
);

CREATE TABLE IF NOT EXISTS spaces (
	id TEXT PRIMARY KEY,
	tenant_id TEXT NOT NULL REFERENCES tenants(id),
	name TEXT NOT NULL DEFAULT '',
	data_retention_days INTEGER CHECK (data_retention_days BETWEEN 1 AND 2555),
	created_at INTEGER NOT NULL,
	updated_at INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS assistants (
	id TEXT PRIMARY KEY,
	tenant_id TEXT NOT NULL REFERENCES tenants(id),
	space_id TEXT NOT NULL REFERENCES spaces(id),
	name TEXT NOT NULL DEFAULT '',
	data_retention_days INTEGER CHECK (data_retention_days BETWEEN 1 AND 2555),
	created_at INTEGER NOT NULL,
	updated_at INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS apps (
	id TEXT PRIMARY KEY,
	tenant_id TEXT NOT NULL REFERENCES tenants(id),
	space_id TEXT NOT NULL REFERENCES spaces(id),
	name TEXT NOT NULL DEFAULT '',
	data_retention_days INTEGER CHECK (data_retention_days BETWEEN 1 AND 2555),
	created_at INTEGER NOT NULL,
	updated_at INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS questions (
	id TEXT PRIMARY KEY,
	tenant_id TEXT NOT NULL REFERENCES tenants(id),
	assistant_id TEXT NOT NULL REFERENCES assistants(id),
	user_id TEXT NOT NULL DEFAULT '',
	created_at INTEGER NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_questions_assistant_created ON questions(assistant_id, created_at);

CREATE TABLE IF NOT EXISTS app_runs (
	id TEXT PRIMARY KEY,
	tenant_id TEXT NOT NULL REFERENCES tenants(id),
	app_id TEXT NOT NULL REFERENCES apps(id),
	user_id TEXT NOT NULL DEFAULT '',
	created_at INTEGER NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_app_runs_app_created ON app_runs(app_id, created_at);

CREATE TABLE IF NOT EXISTS api_keys (
	id TEXT PRIMARY KEY,
	tenant_id TEXT NOT NULL REFERENCES tenants(id),
	key TEXT NOT NULL UNIQUE,
	name TEXT NOT NULL DEFAULT '',
	key_type TEXT NOT NULL CHECK (key_type IN ('publishable', 'secret')),
	scope_type TEXT NOT NULL CHECK (scope_type IN ('tenant', 'space', 'assistant', 'app')),
	scope_id TEXT NOT NULL DEFAULT '',
	creator_id TEXT NOT NULL DEFAULT '',
	admin_access INTEGER NOT NULL DEFAULT 0,
	allowed_origins TEXT NOT NULL DEFAULT '[]',
	allowed_ips TEXT NOT NULL DEFAULT '[]',
	rate_limit INTEGER,
	resource_permissions TEXT NOT NULL DEFAULT '{}',
	expires_at INTEGER,
	suspended_at INTEGER,
	revoked_at INTEGER,
	created_at INTEGER NOT NULL,
	updated_at INTEGER NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_api_keys_tenant ON api_keys(tenant_id);
`
