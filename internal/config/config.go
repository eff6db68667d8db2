package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/hyperengineering/reliefsync/internal/conflict"
	"github.com/hyperengineering/reliefsync/internal/types"
)

// Config is the root configuration structure.
// It is read-only after Load() returns and thread-safe for concurrent reads.
type Config struct {
	Server       ServerConfig          `yaml:"server"`
	Database     DatabaseConfig        `yaml:"database"`
	Auth         AuthConfig            `yaml:"auth"`
	Sync         SyncConfig            `yaml:"sync"`
	Connectivity ConnectivityConfig    `yaml:"connectivity"`
	Dispatch     DispatchConfig        `yaml:"dispatch"`
	Snapshot     SnapshotStorageConfig `yaml:"snapshot"`
	Log          LogConfig             `yaml:"log"`
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

// AuthConfig contains authentication settings.
type AuthConfig struct {
	APIKey string `yaml:"-"` // env-only, never in YAML
}

// SyncConfig controls log replay and the emergency queue.
type SyncConfig struct {
	BatchSize           int            `yaml:"batch_size"`
	MaxRetries          int            `yaml:"max_retries"`
	RetryDelay          Duration       `yaml:"retry_delay"`
	ConflictResolution  types.Strategy `yaml:"conflict_resolution_strategy"`
	Interval            Duration       `yaml:"interval"`
	MaxOfflineQueueSize int            `yaml:"max_offline_queue_size"`
	MaxEntryAttempts    int            `yaml:"max_entry_attempts"`
}

// ConnectivityConfig selects how reachability is probed.
type ConnectivityConfig struct {
	Probe   string   `yaml:"probe"`  // "dns" or "http"
	Target  string   `yaml:"target"` // host for dns, URL for http
	Timeout Duration `yaml:"timeout"`
}

// DispatchConfig selects the emergency call collaborator.
type DispatchConfig struct {
	Mode             string `yaml:"mode"` // "log" or "twilio"
	TwilioAccountSID string `yaml:"-"`    // env-only
	TwilioAuthToken  string `yaml:"-"`    // env-only
	TwilioFromNumber string `yaml:"twilio_from_number"`
	TwilioBaseURL    string `yaml:"twilio_base_url"`

	// TransportRetries re-sends a call request only when it never reached
	// the provider. Queue retries are separate (sync.max_retries).
	TransportRetries int `yaml:"transport_retries"`
}

// SnapshotStorageConfig contains snapshot generation and S3 upload settings.
// An empty Bucket keeps snapshots local.
type SnapshotStorageConfig struct {
	Interval  Duration `yaml:"interval"`
	Path      string   `yaml:"path"`
	Bucket    string   `yaml:"bucket"`
	Endpoint  string   `yaml:"endpoint"`
	Region    string   `yaml:"region"`
	AccessKey string   `yaml:"-"` // env-only
	SecretKey string   `yaml:"-"` // env-only
	UseSSL    *bool    `yaml:"use_ssl"`
	URLExpiry Duration `yaml:"url_expiry"`
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
func Load() (*Config, error) {
	cfg := newDefaults()

	configPath := getEnv("RELIEFSYNC_CONFIG_PATH", "config/reliefsync.yaml")

	// Missing file is not an error
	if err := loadYAMLFile(cfg, configPath); err != nil {
		return nil, err
	}

	applyEnvOverrides(cfg)

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadFromFile loads configuration from a specific path, which must exist.
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

// LoadDatabaseConfig resolves only the database settings, using the same
// precedence as Load but without validation. Offline CLI commands use it so
// they work without an API key.
func LoadDatabaseConfig() (DatabaseConfig, error) {
	cfg := newDefaults()
	if err := loadYAMLFile(cfg, getEnv("RELIEFSYNC_CONFIG_PATH", "config/reliefsync.yaml")); err != nil {
		return DatabaseConfig{}, err
	}
	envString("RELIEFSYNC_DB_PATH", &cfg.Database.Path)
	return cfg.Database, nil
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
			Path: "data/reliefsync.db",
		},
		Sync: SyncConfig{
			BatchSize:           50,
			MaxRetries:          3,
			RetryDelay:          Duration(time.Second),
			ConflictResolution:  types.StrategyLatestWins,
			Interval:            Duration(5 * time.Minute),
			MaxOfflineQueueSize: 1000,
			MaxEntryAttempts:    5,
		},
		Connectivity: ConnectivityConfig{
			Probe:   "dns",
			Target:  "www.google.com",
			Timeout: Duration(5 * time.Second),
		},
		Dispatch: DispatchConfig{
			Mode: "log",
		},
		Snapshot: SnapshotStorageConfig{
			Interval:  Duration(time.Hour),
			Path:      "data/snapshots/current.db",
			URLExpiry: Duration(15 * time.Minute),
		},
		Log: LogConfig{
			Level:  "info",
			Format: "json",
		},
	}
}

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
	envInt("RELIEFSYNC_PORT", &cfg.Server.Port)
	envDuration("RELIEFSYNC_READ_TIMEOUT", &cfg.Server.ReadTimeout)
	envDuration("RELIEFSYNC_WRITE_TIMEOUT", &cfg.Server.WriteTimeout)
	envDuration("RELIEFSYNC_SHUTDOWN_TIMEOUT", &cfg.Server.ShutdownTimeout)

	// Database
	envString("RELIEFSYNC_DB_PATH", &cfg.Database.Path)

	// Auth
	envString("RELIEFSYNC_API_KEY", &cfg.Auth.APIKey)

	// Sync
	envInt("RELIEFSYNC_SYNC_BATCH_SIZE", &cfg.Sync.BatchSize)
	envInt("RELIEFSYNC_SYNC_MAX_RETRIES", &cfg.Sync.MaxRetries)
	envDuration("RELIEFSYNC_SYNC_RETRY_DELAY", &cfg.Sync.RetryDelay)
	if v := os.Getenv("RELIEFSYNC_CONFLICT_STRATEGY"); v != "" {
		cfg.Sync.ConflictResolution = types.Strategy(v)
	}
	envDuration("RELIEFSYNC_SYNC_INTERVAL", &cfg.Sync.Interval)
	envInt("RELIEFSYNC_MAX_OFFLINE_QUEUE_SIZE", &cfg.Sync.MaxOfflineQueueSize)
	envInt("RELIEFSYNC_MAX_ENTRY_ATTEMPTS", &cfg.Sync.MaxEntryAttempts)

	// Connectivity
	envString("RELIEFSYNC_CONNECTIVITY_PROBE", &cfg.Connectivity.Probe)
	envString("RELIEFSYNC_CONNECTIVITY_TARGET", &cfg.Connectivity.Target)
	envDuration("RELIEFSYNC_CONNECTIVITY_TIMEOUT", &cfg.Connectivity.Timeout)

	// Dispatch (TWILIO_* follow the provider's convention)
	envString("RELIEFSYNC_DISPATCH_MODE", &cfg.Dispatch.Mode)
	envString("TWILIO_ACCOUNT_SID", &cfg.Dispatch.TwilioAccountSID)
	envString("TWILIO_AUTH_TOKEN", &cfg.Dispatch.TwilioAuthToken)
	envString("TWILIO_PHONE_NUMBER", &cfg.Dispatch.TwilioFromNumber)
	envInt("RELIEFSYNC_DISPATCH_TRANSPORT_RETRIES", &cfg.Dispatch.TransportRetries)

	// Snapshot
	envDuration("RELIEFSYNC_SNAPSHOT_INTERVAL", &cfg.Snapshot.Interval)
	envString("RELIEFSYNC_SNAPSHOT_PATH", &cfg.Snapshot.Path)
	envString("RELIEFSYNC_SNAPSHOT_BUCKET", &cfg.Snapshot.Bucket)
	envString("RELIEFSYNC_S3_ENDPOINT", &cfg.Snapshot.Endpoint)
	envString("RELIEFSYNC_S3_REGION", &cfg.Snapshot.Region)
	envString("RELIEFSYNC_S3_ACCESS_KEY", &cfg.Snapshot.AccessKey)
	envString("RELIEFSYNC_S3_SECRET_KEY", &cfg.Snapshot.SecretKey)
	if v := os.Getenv("RELIEFSYNC_S3_USE_SSL"); v != "" {
		useSSL := v == "true" || v == "1"
		cfg.Snapshot.UseSSL = &useSSL
	}
	envDuration("RELIEFSYNC_S3_URL_EXPIRY", &cfg.Snapshot.URLExpiry)

	// Log
	envString("RELIEFSYNC_LOG_LEVEL", &cfg.Log.Level)
	envString("RELIEFSYNC_LOG_FORMAT", &cfg.Log.Format)
}

func envString(key string, dst *string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func envInt(key string, dst *int) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func envDuration(key string, dst *Duration) {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			*dst = Duration(d)
		}
	}
}

// validate checks required values and sync limits.
// In dev mode (RELIEFSYNC_DEV_MODE=true), API key validation is skipped.
func (c *Config) validate() error {
	if _, err := conflict.New(c.Sync.ConflictResolution); err != nil {
		return err
	}
	if c.Sync.BatchSize <= 0 {
		return errors.New("sync.batch_size must be positive")
	}
	if c.Sync.MaxRetries <= 0 {
		return errors.New("sync.max_retries must be positive")
	}
	if c.Sync.Interval <= 0 {
		return errors.New("sync.interval must be positive")
	}
	switch c.Connectivity.Probe {
	case "dns", "http":
	default:
		return fmt.Errorf("connectivity.probe must be dns or http, got %q", c.Connectivity.Probe)
	}
	switch c.Dispatch.Mode {
	case "log", "twilio":
	default:
		return fmt.Errorf("dispatch.mode must be log or twilio, got %q", c.Dispatch.Mode)
	}
	if c.Dispatch.TransportRetries < 0 {
		return errors.New("dispatch.transport_retries must not be negative")
	}

	if os.Getenv("RELIEFSYNC_DEV_MODE") == "true" {
		return nil
	}
	if c.Auth.APIKey == "" {
		return errors.New("RELIEFSYNC_API_KEY is required")
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
