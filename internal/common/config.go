package common

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/pelletier/go-toml/v2"
)

// Config represents the application configuration
type Config struct {
	Environment string           `toml:"environment"` // "development" or "production" - controls redirect URI scheme validation
	Server      ServerConfig     `toml:"server"`
	Storage     StorageConfig    `toml:"storage"`
	Coordinator CoordConfig      `toml:"coordinator"`
	Queue       QueueConfig      `toml:"queue"`
	Worker      WorkerConfig     `toml:"worker"`
	Feeder      FeederConfig     `toml:"feeder"`
	Watchdog    WatchdogConfig   `toml:"watchdog"`
	Tenants     TenantsConfig    `toml:"tenants"`
	Federation  FederationConfig `toml:"federation"`
	Export      ExportConfig     `toml:"export"`
	Encryption  EncryptionConfig `toml:"encryption"`
	Retention   RetentionConfig  `toml:"retention"`
	Logging     LoggingConfig    `toml:"logging"`
}

type ServerConfig struct {
	Port int    `toml:"port"` // Metrics/health listener
	Host string `toml:"host"`
}

type StorageConfig struct {
	SQLite SQLiteConfig `toml:"sqlite"`
}

// SQLiteConfig represents SQLite-specific configuration
type SQLiteConfig struct {
	Path          string `toml:"path"`            // Database file path
	CacheSizeMB   int    `toml:"cache_size_mb"`   // Page cache size
	WALMode       bool   `toml:"wal_mode"`        // Write-ahead logging
	BusyTimeoutMS int    `toml:"busy_timeout_ms"` // Busy handler timeout
}

// CoordConfig represents the ephemeral coordinator (Redis) configuration
type CoordConfig struct {
	Addr         string `toml:"addr"`
	Password     string `toml:"password"`
	DB           int    `toml:"db"`
	DialTimeoutS int    `toml:"dial_timeout_seconds"`
}

type QueueConfig struct {
	Name              string `toml:"name"`               // Worker pool queue name
	PollInterval      string `toml:"poll_interval"`      // e.g., "1s" - how often workers poll for messages
	VisibilityTimeout string `toml:"visibility_timeout"` // e.g., "5m" - message visibility timeout for redelivery
	MaxReceive        int    `toml:"max_receive"`        // Max times a message can be received before dead-letter
}

type WorkerConfig struct {
	Concurrency          int `toml:"concurrency"`                // Number of concurrent workers per process
	PollIntervalMs       int `toml:"poll_interval_ms"`           // Idle wait between empty pool polls
	HeartbeatIntervalSec int `toml:"heartbeat_interval_seconds"` // How often running jobs touch updated_at
	HeartbeatMaxFailures int `toml:"heartbeat_max_failures"`     // Missed heartbeats before a job counts as dead
}

type FeederConfig struct {
	IntervalSeconds      int `toml:"interval_seconds" validate:"min=1"` // Default tick interval (tenant overrides drive the minimum)
	BatchSize            int `toml:"batch_size" validate:"min=1"`       // Max jobs dispatched per tenant per tick
	EnqueuesPerSecond    int `toml:"enqueues_per_second"`               // Pool enqueue throttle (0 = unlimited)
	LeaderLeaseSeconds   int `toml:"leader_lease_seconds"`              // Singleton lease TTL
	ConcurrencyLimit     int `toml:"-"`                                 // Resolved from Tenants section
	SlotTTLSeconds       int `toml:"-"`                                 // Resolved from Tenants section
	MinIntervalFloorSecs int `toml:"-"`                                 // Hard floor applied to the adaptive interval
}

type WatchdogConfig struct {
	IntervalSeconds           int `toml:"interval_seconds"`             // Tick cadence
	JobMaxAgeSeconds          int `toml:"job_max_age_seconds"`          // Phase 1: expiry from created_at
	QueuedStaleMinutes        int `toml:"queued_stale_minutes"`         // Phase 2: default re-queue threshold (clamped 5..60)
	OrphanTimeoutHours        int `toml:"orphan_timeout_hours"`         // Phase 3: long-running cutoff
	StaleThresholdMinutes     int `toml:"stale_threshold_minutes"`      // General staleness floor (clamped 5..1440)
	LivenessKeyMinTTLSeconds  int `toml:"liveness_key_min_ttl_seconds"` // Floor for the liveness key TTL
	LeaderLeaseSeconds        int `toml:"leader_lease_seconds"`
	ReconcileScanCount        int `toml:"reconcile_scan_count"` // SCAN page size for Phase 0
	EarlyZombieFailureMinutes int `toml:"-"`                    // Derived: heartbeat interval x max failures
}

// TenantsConfig holds multi-tenancy operating mode and global per-tenant defaults
type TenantsConfig struct {
	CredentialsEnabled        bool `toml:"credentials_enabled"`          // Strict per-tenant credential mode
	FederationPerTenant       bool `toml:"federation_per_tenant"`        // Strict per-tenant IdP mode
	WorkerConcurrencyLimit    int  `toml:"worker_concurrency_limit"`     // Default per-tenant slot cap
	WorkerSemaphoreTTLSeconds int  `toml:"worker_semaphore_ttl_seconds"` // Slot counter TTL
}

type FederationConfig struct {
	PublicOrigin             string `toml:"public_origin"` // Global canonical origin (single-tenant mode)
	OIDCClientID             string `toml:"oidc_client_id"`
	OIDCClientSecret         string `toml:"oidc_client_secret"`
	OIDCDiscoveryEndpoint    string `toml:"oidc_discovery_endpoint"`
	StateTTLSeconds          int    `toml:"state_ttl_seconds"`
	RedirectGraceSeconds     int    `toml:"redirect_grace_period_seconds"` // Clamped to state TTL
	StrictRedirectValidation bool   `toml:"strict_redirect_validation"`
	DefaultRedirectPath      string `toml:"default_redirect_path"`
}

type ExportConfig struct {
	BatchSize        int    `toml:"batch_size" validate:"min=1,max=5000"`
	BufferSize       int    `toml:"buffer_size" validate:"min=1,max=10000"`
	ProgressInterval int    `toml:"progress_interval" validate:"min=1"`
	MemoryLimit      int    `toml:"memory_limit"` // Max rows for in-memory exports
	MaxConcurrent    int    `toml:"max_concurrent"`
	MaxAgeHours      int    `toml:"max_age_hours"` // Export job state TTL
	Dir              string `toml:"dir"`           // Target directory for file exports
}

type EncryptionConfig struct {
	Enabled bool   `toml:"enabled"`
	Key     string `toml:"key"` // Base64-encoded 256-bit key; required when tenants.credentials_enabled
}

type RetentionConfig struct {
	Schedule string `toml:"schedule"` // Cron schedule for the sweep
	Enabled  bool   `toml:"enabled"`
}

type LoggingConfig struct {
	Level  string   `toml:"level"`  // "debug", "info", "warn", "error"
	Format string   `toml:"format"` // "json" or "text"
	Output []string `toml:"output"` // "stdout", "file"
}

// NewDefaultConfig returns a Config populated with defaults
func NewDefaultConfig() *Config {
	return &Config{
		Environment: "production",
		Server: ServerConfig{
			Port: 9110,
			Host: "0.0.0.0",
		},
		Storage: StorageConfig{
			SQLite: SQLiteConfig{
				Path:          "./data/crawlcore.db",
				CacheSizeMB:   64,
				WALMode:       true,
				BusyTimeoutMS: 5000,
			},
		},
		Coordinator: CoordConfig{
			Addr:         "localhost:6379",
			DB:           0,
			DialTimeoutS: 5,
		},
		Queue: QueueConfig{
			Name:              "crawl_pool",
			PollInterval:      "1s",
			VisibilityTimeout: "5m",
			MaxReceive:        3,
		},
		Worker: WorkerConfig{
			Concurrency:          4,
			PollIntervalMs:       500,
			HeartbeatIntervalSec: 60,
			HeartbeatMaxFailures: 15,
		},
		Feeder: FeederConfig{
			IntervalSeconds:    10,
			BatchSize:          10,
			EnqueuesPerSecond:  50,
			LeaderLeaseSeconds: 30,
		},
		Watchdog: WatchdogConfig{
			IntervalSeconds:          60,
			JobMaxAgeSeconds:         7200,
			QueuedStaleMinutes:       15,
			OrphanTimeoutHours:       12,
			StaleThresholdMinutes:    15,
			LivenessKeyMinTTLSeconds: 300,
			LeaderLeaseSeconds:       120,
			ReconcileScanCount:       100,
		},
		Tenants: TenantsConfig{
			CredentialsEnabled:        false,
			FederationPerTenant:       false,
			WorkerConcurrencyLimit:    10,
			WorkerSemaphoreTTLSeconds: 300,
		},
		Federation: FederationConfig{
			StateTTLSeconds:      600,
			RedirectGraceSeconds: 300,
			DefaultRedirectPath:  "/login/callback",
		},
		Export: ExportConfig{
			BatchSize:        1000,
			BufferSize:       1000,
			ProgressInterval: 100,
			MemoryLimit:      100000,
			MaxConcurrent:    3,
			MaxAgeHours:      24,
			Dir:              "./data/exports",
		},
		Retention: RetentionConfig{
			Schedule: "0 3 * * *",
			Enabled:  true,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
			Output: []string{"stdout"},
		},
	}
}

// LoadFromFile loads configuration with priority: default -> file -> env
func LoadFromFile(path string) (*Config, error) {
	if path == "" {
		return LoadFromFiles()
	}
	return LoadFromFiles(path)
}

// LoadFromFiles loads configuration from multiple files. Later files override
// earlier files; environment variables override everything.
func LoadFromFiles(paths ...string) (*Config, error) {
	config := NewDefaultConfig()

	for i, path := range paths {
		if path == "" {
			continue
		}

		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
		}

		if err := toml.Unmarshal(data, config); err != nil {
			return nil, fmt.Errorf("failed to parse config file %s (file %d of %d): %w", path, i+1, len(paths), err)
		}
	}

	applyEnvOverrides(config)

	if err := config.Validate(); err != nil {
		return nil, err
	}

	return config, nil
}

// Validate checks cross-field constraints and clamps ranged values.
func (c *Config) Validate() error {
	v := validator.New()
	if err := v.Struct(c); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	// Missing encryption key in strict mode is fatal at boot.
	if c.Tenants.CredentialsEnabled && c.Encryption.Key == "" {
		return fmt.Errorf("encryption.key is required when tenants.credentials_enabled is set")
	}

	// Redirect grace period never exceeds the OIDC state TTL.
	if c.Federation.RedirectGraceSeconds > c.Federation.StateTTLSeconds {
		c.Federation.RedirectGraceSeconds = c.Federation.StateTTLSeconds
	}

	c.Watchdog.QueuedStaleMinutes = ClampInt(c.Watchdog.QueuedStaleMinutes, 5, 60)
	c.Watchdog.StaleThresholdMinutes = ClampInt(c.Watchdog.StaleThresholdMinutes, 5, 1440)

	// A worker that misses every allowed heartbeat is a zombie. Floored at
	// one minute so pathological worker settings cannot zero the threshold.
	zombieMinutes := c.Worker.HeartbeatIntervalSec * c.Worker.HeartbeatMaxFailures / 60
	if zombieMinutes < 1 {
		zombieMinutes = 1
	}
	c.Watchdog.EarlyZombieFailureMinutes = zombieMinutes

	return nil
}

// applyEnvOverrides applies environment variable overrides to config
func applyEnvOverrides(config *Config) {
	if env := os.Getenv("CRAWLCORE_ENV"); env != "" {
		config.Environment = env
	} else if env := os.Getenv("GO_ENV"); env != "" {
		config.Environment = env
	}

	if port := os.Getenv("CRAWLCORE_SERVER_PORT"); port != "" {
		if p, err := strconv.Atoi(port); err == nil {
			config.Server.Port = p
		}
	}
	if host := os.Getenv("CRAWLCORE_SERVER_HOST"); host != "" {
		config.Server.Host = host
	}

	if path := os.Getenv("CRAWLCORE_SQLITE_PATH"); path != "" {
		config.Storage.SQLite.Path = path
	}

	if addr := os.Getenv("CRAWLCORE_COORDINATOR_ADDR"); addr != "" {
		config.Coordinator.Addr = addr
	}
	if password := os.Getenv("CRAWLCORE_COORDINATOR_PASSWORD"); password != "" {
		config.Coordinator.Password = password
	}

	if concurrency := os.Getenv("CRAWLCORE_WORKER_CONCURRENCY"); concurrency != "" {
		if c, err := strconv.Atoi(concurrency); err == nil {
			config.Worker.Concurrency = c
		}
	}

	if interval := os.Getenv("CRAWLCORE_FEEDER_INTERVAL_SECONDS"); interval != "" {
		if i, err := strconv.Atoi(interval); err == nil {
			config.Feeder.IntervalSeconds = i
		}
	}
	if batch := os.Getenv("CRAWLCORE_FEEDER_BATCH_SIZE"); batch != "" {
		if b, err := strconv.Atoi(batch); err == nil {
			config.Feeder.BatchSize = b
		}
	}

	if maxAge := os.Getenv("CRAWLCORE_CRAWL_JOB_MAX_AGE_SECONDS"); maxAge != "" {
		if m, err := strconv.Atoi(maxAge); err == nil {
			config.Watchdog.JobMaxAgeSeconds = m
		}
	}
	if hours := os.Getenv("CRAWLCORE_ORPHAN_TIMEOUT_HOURS"); hours != "" {
		if h, err := strconv.Atoi(hours); err == nil {
			config.Watchdog.OrphanTimeoutHours = h
		}
	}

	if enabled := os.Getenv("CRAWLCORE_TENANT_CREDENTIALS_ENABLED"); enabled != "" {
		if b, err := strconv.ParseBool(enabled); err == nil {
			config.Tenants.CredentialsEnabled = b
		}
	}
	if enabled := os.Getenv("CRAWLCORE_FEDERATION_PER_TENANT"); enabled != "" {
		if b, err := strconv.ParseBool(enabled); err == nil {
			config.Tenants.FederationPerTenant = b
		}
	}
	if limit := os.Getenv("CRAWLCORE_TENANT_WORKER_CONCURRENCY_LIMIT"); limit != "" {
		if l, err := strconv.Atoi(limit); err == nil {
			config.Tenants.WorkerConcurrencyLimit = l
		}
	}
	if ttl := os.Getenv("CRAWLCORE_TENANT_WORKER_SEMAPHORE_TTL_SECONDS"); ttl != "" {
		if t, err := strconv.Atoi(ttl); err == nil {
			config.Tenants.WorkerSemaphoreTTLSeconds = t
		}
	}

	if key := os.Getenv("CRAWLCORE_ENCRYPTION_KEY"); key != "" {
		config.Encryption.Key = key
		config.Encryption.Enabled = true
	}
	if origin := os.Getenv("CRAWLCORE_PUBLIC_ORIGIN"); origin != "" {
		config.Federation.PublicOrigin = origin
	}

	if level := os.Getenv("CRAWLCORE_LOG_LEVEL"); level != "" {
		config.Logging.Level = level
	}
	if output := os.Getenv("CRAWLCORE_LOG_OUTPUT"); output != "" {
		outputs := []string{}
		for _, o := range strings.Split(output, ",") {
			trimmed := strings.TrimSpace(o)
			if trimmed != "" {
				outputs = append(outputs, trimmed)
			}
		}
		if len(outputs) > 0 {
			config.Logging.Output = outputs
		}
	}
}

// ClampInt bounds v to the inclusive range [lo, hi]
func ClampInt(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
