package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the root configuration structure.
// It is read-only after Load() returns and thread-safe for concurrent reads.
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Database  DatabaseConfig  `yaml:"database"`
	Webhook   WebhookConfig   `yaml:"webhook"`
	Remote    RemoteConfig    `yaml:"remote"`
	Engine    EngineConfig    `yaml:"engine"`
	Reconcile ReconcileConfig `yaml:"reconcile"`
	Allowlist AllowlistConfig `yaml:"allowlist"`
	Retention RetentionConfig `yaml:"retention"`
	Storage   StorageConfig   `yaml:"storage"`
	Notify    NotifyConfig    `yaml:"notify"`
	Auth      AuthConfig      `yaml:"auth"`
	Log       LogConfig       `yaml:"log"`
}

// ServerConfig contains HTTP server settings.
type ServerConfig struct {
	Port            int      `yaml:"port"`
	ReadTimeout     Duration `yaml:"read_timeout"`
	WriteTimeout    Duration `yaml:"write_timeout"`
	ShutdownTimeout Duration `yaml:"shutdown_timeout"`
}

// DatabaseConfig contains database settings.
type DatabaseConfig struct {
	Path string `yaml:"path"`
}

// WebhookConfig contains inbound webhook authentication settings.
// The secrets are env-only and never read from YAML.
type WebhookConfig struct {
	Secret          string   `yaml:"-"` // env-only, never in YAML
	SecondarySecret string   `yaml:"-"` // env-only, never in YAML
	MaxBodyBytes    int64    `yaml:"max_body_bytes"`
	PastTolerance   Duration `yaml:"past_tolerance"`
	FutureTolerance Duration `yaml:"future_tolerance"`
	ReplayTTL       Duration `yaml:"replay_ttl"`
}

// RemoteConfig contains settings for the system-of-record API client.
type RemoteConfig struct {
	APIKey     string   `yaml:"-"` // env-only, never in YAML
	BaseURL    string   `yaml:"base_url"`
	BaseID     string   `yaml:"base_id"`
	Table      string   `yaml:"table"`
	TagsTable  string   `yaml:"tags_table"`
	PageSize   int      `yaml:"page_size"`
	Timeout    Duration `yaml:"timeout"`
	MaxRetries int      `yaml:"max_retries"`
}

// EngineConfig contains upsert engine and ingestion queue settings.
type EngineConfig struct {
	LockTTL    Duration `yaml:"lock_ttl"`
	Workers    int      `yaml:"workers"`
	QueueDepth int      `yaml:"queue_depth"`
}

// ReconcileConfig contains nightly reconciliation settings.
type ReconcileConfig struct {
	Interval Duration `yaml:"interval"`
	MaxItems int      `yaml:"max_items"`
}

// AllowlistConfig contains tag allow-list refresh settings.
type AllowlistConfig struct {
	RefreshInterval Duration `yaml:"refresh_interval"`
}

// RetentionConfig contains housekeeping settings.
type RetentionConfig struct {
	SweepInterval Duration `yaml:"sweep_interval"`
	LogDays       int      `yaml:"log_days"`
}

// StorageConfig contains object storage settings for materialized files.
// An empty bucket disables mirroring.
type StorageConfig struct {
	AccessKey string `yaml:"-"` // env-only, never in YAML
	SecretKey string `yaml:"-"` // env-only, never in YAML
	Endpoint  string `yaml:"endpoint"`
	Region    string `yaml:"region"`
	Bucket    string `yaml:"bucket"`
	UseSSL    bool   `yaml:"use_ssl"`
}

// NotifyConfig contains run-summary notification settings.
type NotifyConfig struct {
	WebhookURL string `yaml:"webhook_url"`
}

// AuthConfig contains admin API authentication settings.
type AuthConfig struct {
	AdminAPIKey string `yaml:"-"` // env-only, never in YAML
}

// LogConfig contains logging settings.
type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Duration is a wrapper around time.Duration that supports YAML string parsing.
type Duration time.Duration

// UnmarshalYAML implements yaml.Unmarshaler for Duration.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", s, err)
	}
	*d = Duration(parsed)
	return nil
}

// MarshalYAML implements yaml.Marshaler for Duration.
func (d Duration) MarshalYAML() (interface{}, error) {
	return time.Duration(d).String(), nil
}

// Load loads configuration with precedence: defaults → YAML file → env vars.
// Returns an immutable Config suitable for concurrent read access.
func Load() (*Config, error) {
	cfg := newDefaults()

	configPath := getEnv("RSYNC_CONFIG_PATH", "config/resourcesync.yaml")

	// Missing file is not an error; defaults plus env carry a minimal setup
	if err := loadYAMLFile(cfg, configPath); err != nil {
		return nil, err
	}

	applyEnvOverrides(cfg)

	if err := cfg.validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// LoadFromFile loads configuration from a specific path.
// Used for testing and explicit path specification.
func LoadFromFile(path string) (*Config, error) {
	cfg := newDefaults()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	applyEnvOverrides(cfg)

	if err := cfg.validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// newDefaults returns a Config with all default values.
func newDefaults() *Config {
	return &Config{
		Server: ServerConfig{
			Port:            8080,
			ReadTimeout:     Duration(30 * time.Second),
			WriteTimeout:    Duration(30 * time.Second),
			ShutdownTimeout: Duration(15 * time.Second),
		},
		Database: DatabaseConfig{
			Path: "data/resourcesync.db",
		},
		Webhook: WebhookConfig{
			MaxBodyBytes:    1 << 20,
			PastTolerance:   Duration(300 * time.Second),
			FutureTolerance: Duration(60 * time.Second),
			ReplayTTL:       Duration(300 * time.Second),
		},
		Remote: RemoteConfig{
			BaseURL:    "https://api.airtable.com/v0",
			Table:      "Resources",
			TagsTable:  "Tags",
			PageSize:   100,
			Timeout:    Duration(15 * time.Second),
			MaxRetries: 3,
		},
		Engine: EngineConfig{
			LockTTL:    Duration(120 * time.Second),
			Workers:    4,
			QueueDepth: 256,
		},
		Reconcile: ReconcileConfig{
			Interval: Duration(24 * time.Hour),
			MaxItems: 5000,
		},
		Allowlist: AllowlistConfig{
			RefreshInterval: Duration(1 * time.Hour),
		},
		Retention: RetentionConfig{
			SweepInterval: Duration(24 * time.Hour),
			LogDays:       90,
		},
		Storage: StorageConfig{
			Endpoint: "s3.wasabisys.com",
			Region:   "us-east-1",
			UseSSL:   true,
		},
		Log: LogConfig{
			Level:  "info",
			Format: "json",
		},
	}
}

// loadYAMLFile loads configuration from a YAML file if it exists.
// Missing file is not an error; we just use defaults.
func loadYAMLFile(cfg *Config, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("reading config file: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("parsing config file: %w", err)
	}

	return nil
}

// applyEnvOverrides applies environment variable overrides to the config.
// Only non-empty env vars override config values.
func applyEnvOverrides(cfg *Config) {
	// Server
	if v := os.Getenv("RSYNC_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			cfg.Server.Port = port
		}
	}
	if v := os.Getenv("RSYNC_READ_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Server.ReadTimeout = Duration(d)
		}
	}
	if v := os.Getenv("RSYNC_WRITE_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Server.WriteTimeout = Duration(d)
		}
	}
	if v := os.Getenv("RSYNC_SHUTDOWN_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Server.ShutdownTimeout = Duration(d)
		}
	}

	// Database
	if v := os.Getenv("RSYNC_DB_PATH"); v != "" {
		cfg.Database.Path = v
	}

	// Webhook
	if v := os.Getenv("RSYNC_WEBHOOK_SECRET"); v != "" {
		cfg.Webhook.Secret = v
	}
	if v := os.Getenv("RSYNC_WEBHOOK_SECRET_SECONDARY"); v != "" {
		cfg.Webhook.SecondarySecret = v
	}
	if v := os.Getenv("RSYNC_MAX_BODY_BYTES"); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			cfg.Webhook.MaxBodyBytes = n
		}
	}
	if v := os.Getenv("RSYNC_PAST_TOLERANCE"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Webhook.PastTolerance = Duration(d)
		}
	}
	if v := os.Getenv("RSYNC_FUTURE_TOLERANCE"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Webhook.FutureTolerance = Duration(d)
		}
	}
	if v := os.Getenv("RSYNC_REPLAY_TTL"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Webhook.ReplayTTL = Duration(d)
		}
	}

	// Remote
	if v := os.Getenv("RSYNC_REMOTE_API_KEY"); v != "" {
		cfg.Remote.APIKey = v
	}
	if v := os.Getenv("RSYNC_REMOTE_BASE_URL"); v != "" {
		cfg.Remote.BaseURL = v
	}
	if v := os.Getenv("RSYNC_REMOTE_BASE_ID"); v != "" {
		cfg.Remote.BaseID = v
	}
	if v := os.Getenv("RSYNC_REMOTE_TABLE"); v != "" {
		cfg.Remote.Table = v
	}
	if v := os.Getenv("RSYNC_REMOTE_TAGS_TABLE"); v != "" {
		cfg.Remote.TagsTable = v
	}
	if v := os.Getenv("RSYNC_REMOTE_PAGE_SIZE"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Remote.PageSize = n
		}
	}

	// Engine
	if v := os.Getenv("RSYNC_LOCK_TTL"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Engine.LockTTL = Duration(d)
		}
	}
	if v := os.Getenv("RSYNC_WORKERS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Engine.Workers = n
		}
	}
	if v := os.Getenv("RSYNC_QUEUE_DEPTH"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Engine.QueueDepth = n
		}
	}

	// Reconcile
	if v := os.Getenv("RSYNC_RECONCILE_INTERVAL"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Reconcile.Interval = Duration(d)
		}
	}
	if v := os.Getenv("RSYNC_RECONCILE_MAX_ITEMS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Reconcile.MaxItems = n
		}
	}

	// Allowlist
	if v := os.Getenv("RSYNC_ALLOWLIST_REFRESH_INTERVAL"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Allowlist.RefreshInterval = Duration(d)
		}
	}

	// Retention
	if v := os.Getenv("RSYNC_LOG_RETENTION_DAYS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Retention.LogDays = n
		}
	}

	// Storage
	if v := os.Getenv("RSYNC_S3_ACCESS_KEY"); v != "" {
		cfg.Storage.AccessKey = v
	}
	if v := os.Getenv("RSYNC_S3_SECRET_KEY"); v != "" {
		cfg.Storage.SecretKey = v
	}
	if v := os.Getenv("RSYNC_S3_ENDPOINT"); v != "" {
		cfg.Storage.Endpoint = v
	}
	if v := os.Getenv("RSYNC_S3_REGION"); v != "" {
		cfg.Storage.Region = v
	}
	if v := os.Getenv("RSYNC_S3_BUCKET"); v != "" {
		cfg.Storage.Bucket = v
	}

	// Notify
	if v := os.Getenv("RSYNC_NOTIFY_WEBHOOK_URL"); v != "" {
		cfg.Notify.WebhookURL = v
	}

	// Auth
	if v := os.Getenv("RSYNC_ADMIN_API_KEY"); v != "" {
		cfg.Auth.AdminAPIKey = v
	}

	// Log
	if v := os.Getenv("RSYNC_LOG_LEVEL"); v != "" {
		cfg.Log.Level = v
	}
	if v := os.Getenv("RSYNC_LOG_FORMAT"); v != "" {
		cfg.Log.Format = v
	}
}

// validate checks that required configuration values are set.
// In dev mode (RSYNC_DEV_MODE=true), secret validation is skipped.
func (c *Config) validate() error {
	if os.Getenv("RSYNC_DEV_MODE") == "true" {
		return nil
	}

	if c.Webhook.Secret == "" {
		return errors.New("RSYNC_WEBHOOK_SECRET is required")
	}
	if c.Auth.AdminAPIKey == "" {
		return errors.New("RSYNC_ADMIN_API_KEY is required")
	}
	return nil
}

// getEnv returns the value of an environment variable or a default.
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}
