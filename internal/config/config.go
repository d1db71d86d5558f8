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
	Server     ServerConfig     `yaml:"server"`
	Database   DatabaseConfig   `yaml:"database"`
	Auth       AuthConfig       `yaml:"auth"`
	Remote     RemoteConfig     `yaml:"remote"`
	Network    NetworkConfig    `yaml:"network"`
	Sync       SyncConfig       `yaml:"sync"`
	Validation ValidationConfig `yaml:"validation"`
	Worker     WorkerConfig     `yaml:"worker"`
	Backup     BackupConfig     `yaml:"backup"`
	Log        LogConfig        `yaml:"log"`
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

// AuthConfig contains authentication settings for the local API.
type AuthConfig struct {
	APIKey string `yaml:"-"` // env-only, never in YAML
}

// RemoteConfig points at the aggregate data server.
type RemoteConfig struct {
	BaseURL string   `yaml:"base_url"`
	Token   string   `yaml:"-"` // env-only, never in YAML
	Timeout Duration `yaml:"timeout"`
}

// NetworkConfig controls connectivity probing.
type NetworkConfig struct {
	ProbeTimeout Duration `yaml:"probe_timeout"`
}

// SyncConfig controls the sync queue manager.
type SyncConfig struct {
	MinInterval       Duration `yaml:"min_interval"`
	Burst             int      `yaml:"burst"`
	Concurrency       int      `yaml:"concurrency"`
	StagingRetryDelay Duration `yaml:"staging_retry_delay"`
}

// ValidationConfig bounds rule evaluation.
type ValidationConfig struct {
	Timeout   Duration `yaml:"timeout"`
	MaxDepth  int      `yaml:"max_depth"`
	CacheSize int      `yaml:"cache_size"`
	CacheTTL  Duration `yaml:"cache_ttl"`
}

// WorkerConfig contains background worker settings.
type WorkerConfig struct {
	SyncDrainInterval Duration `yaml:"sync_drain_interval"`
	BackupInterval    Duration `yaml:"backup_interval"`
	BackupPath        string   `yaml:"backup_path"`
}

// BackupConfig contains S3-compatible backup storage settings.
// An empty bucket disables uploads.
type BackupConfig struct {
	Bucket    string `yaml:"bucket"`
	Endpoint  string `yaml:"endpoint"`
	Region    string `yaml:"region"`
	UseSSL    *bool  `yaml:"use_ssl"`
	Prefix    string `yaml:"prefix"`
	Device    string `yaml:"device"` // defaults to the host name
	AccessKey string `yaml:"-"`      // env-only, never in YAML
	SecretKey string `yaml:"-"`      // env-only, never in YAML
}

// LogConfig contains logging settings.
type LogConfig struct {
	Level      string `yaml:"level"`
	Format     string `yaml:"format"`
	File       string `yaml:"file"`
	MaxSizeMB  int    `yaml:"max_size_mb"`
	MaxBackups int    `yaml:"max_backups"`
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

	configPath := getEnv("FIELDKIT_CONFIG_PATH", "config/fieldkit.yaml")

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

// LoadLocal loads configuration for commands that do not serve the HTTP
// API, so no API key is required. An empty path falls back to
// FIELDKIT_CONFIG_PATH and the default location.
func LoadLocal(path string) (*Config, error) {
	cfg := newDefaults()

	if path == "" {
		path = getEnv("FIELDKIT_CONFIG_PATH", "config/fieldkit.yaml")
		if err := loadYAMLFile(cfg, path); err != nil {
			return nil, err
		}
	} else {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("reading config file: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parsing config file: %w", err)
		}
	}

	applyEnvOverrides(cfg)

	if err := cfg.validateCore(); err != nil {
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
			WriteTimeout:    Duration(60 * time.Second),
			ShutdownTimeout: Duration(15 * time.Second),
		},
		Database: DatabaseConfig{
			Path: "data/fieldkit.db",
		},
		Remote: RemoteConfig{
			Timeout: Duration(30 * time.Second),
		},
		Network: NetworkConfig{
			ProbeTimeout: Duration(3 * time.Second),
		},
		Sync: SyncConfig{
			MinInterval:       Duration(10 * time.Second),
			Burst:             1,
			Concurrency:       4,
			StagingRetryDelay: Duration(500 * time.Millisecond),
		},
		Validation: ValidationConfig{
			Timeout:   Duration(10 * time.Second),
			MaxDepth:  256,
			CacheSize: 128,
			CacheTTL:  Duration(10 * time.Minute),
		},
		Worker: WorkerConfig{
			SyncDrainInterval: Duration(30 * time.Second),
			BackupInterval:    Duration(1 * time.Hour),
			BackupPath:        "data/backup/fieldkit.db",
		},
		Log: LogConfig{
			Level:      "info",
			Format:     "json",
			MaxSizeMB:  50,
			MaxBackups: 3,
		},
	}
}

// loadYAMLFile loads configuration from a YAML file if it exists.
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
// Only non-empty, parseable env vars override config values.
func applyEnvOverrides(cfg *Config) {
	// Server
	envInt("FIELDKIT_PORT", &cfg.Server.Port)
	envDuration("FIELDKIT_READ_TIMEOUT", &cfg.Server.ReadTimeout)
	envDuration("FIELDKIT_WRITE_TIMEOUT", &cfg.Server.WriteTimeout)
	envDuration("FIELDKIT_SHUTDOWN_TIMEOUT", &cfg.Server.ShutdownTimeout)

	// Database
	envString("FIELDKIT_DB_PATH", &cfg.Database.Path)

	// Auth
	envString("FIELDKIT_API_KEY", &cfg.Auth.APIKey)

	// Remote
	envString("FIELDKIT_REMOTE_URL", &cfg.Remote.BaseURL)
	envString("FIELDKIT_REMOTE_TOKEN", &cfg.Remote.Token)
	envDuration("FIELDKIT_REMOTE_TIMEOUT", &cfg.Remote.Timeout)

	// Network
	envDuration("FIELDKIT_PROBE_TIMEOUT", &cfg.Network.ProbeTimeout)

	// Sync
	envDuration("FIELDKIT_SYNC_MIN_INTERVAL", &cfg.Sync.MinInterval)
	envInt("FIELDKIT_SYNC_BURST", &cfg.Sync.Burst)
	envInt("FIELDKIT_SYNC_CONCURRENCY", &cfg.Sync.Concurrency)
	envDuration("FIELDKIT_STAGING_RETRY_DELAY", &cfg.Sync.StagingRetryDelay)

	// Validation
	envDuration("FIELDKIT_VALIDATION_TIMEOUT", &cfg.Validation.Timeout)
	envInt("FIELDKIT_VALIDATION_MAX_DEPTH", &cfg.Validation.MaxDepth)

	// Worker
	envDuration("FIELDKIT_SYNC_DRAIN_INTERVAL", &cfg.Worker.SyncDrainInterval)
	envDuration("FIELDKIT_BACKUP_INTERVAL", &cfg.Worker.BackupInterval)
	envString("FIELDKIT_BACKUP_PATH", &cfg.Worker.BackupPath)

	// Backup storage
	envString("FIELDKIT_BACKUP_BUCKET", &cfg.Backup.Bucket)
	envString("FIELDKIT_S3_ENDPOINT", &cfg.Backup.Endpoint)
	envString("FIELDKIT_S3_REGION", &cfg.Backup.Region)
	envString("FIELDKIT_S3_ACCESS_KEY", &cfg.Backup.AccessKey)
	envString("FIELDKIT_S3_SECRET_KEY", &cfg.Backup.SecretKey)
	envString("FIELDKIT_DEVICE_ID", &cfg.Backup.Device)
	if v := os.Getenv("FIELDKIT_S3_USE_SSL"); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			cfg.Backup.UseSSL = &b
		}
	}

	// Log
	envString("FIELDKIT_LOG_LEVEL", &cfg.Log.Level)
	envString("FIELDKIT_LOG_FORMAT", &cfg.Log.Format)
	envString("FIELDKIT_LOG_FILE", &cfg.Log.File)
}

// validate checks that required configuration values are set.
// In dev mode (FIELDKIT_DEV_MODE=true), API key validation is skipped.
func (c *Config) validate() error {
	if err := c.validateCore(); err != nil {
		return err
	}

	if os.Getenv("FIELDKIT_DEV_MODE") == "true" {
		return nil
	}
	if c.Auth.APIKey == "" {
		return errors.New("FIELDKIT_API_KEY is required")
	}
	return nil
}

func (c *Config) validateCore() error {
	if c.Remote.BaseURL == "" {
		return errors.New("remote.base_url (FIELDKIT_REMOTE_URL) is required")
	}
	if c.Sync.Concurrency < 1 {
		return fmt.Errorf("sync.concurrency must be at least 1, got %d", c.Sync.Concurrency)
	}
	if c.Sync.Burst < 1 {
		return fmt.Errorf("sync.burst must be at least 1, got %d", c.Sync.Burst)
	}
	if c.Validation.MaxDepth < 1 {
		return fmt.Errorf("validation.max_depth must be at least 1, got %d", c.Validation.MaxDepth)
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
