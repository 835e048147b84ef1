package config

import (
	"errors"
	"fmt"
	"os"
	"slices"
	"strconv"
	"time"

	"github.com/callivate/syncd/internal/engine"
	callsync "github.com/callivate/syncd/internal/sync"
	"gopkg.in/yaml.v3"
)

// Supported database drivers.
const (
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
)

// DevJWTSecret signs tokens in dev mode when SYNCD_JWT_SECRET is unset.
const DevJWTSecret = "syncd-dev-secret"

// Config is the root configuration structure.
// It is read-only after Load() returns and thread-safe for concurrent reads.
type Config struct {
	Server   ServerConfig   `yaml:"server"`
	Database DatabaseConfig `yaml:"database"`
	Auth     AuthConfig     `yaml:"auth"`
	Sync     SyncConfig     `yaml:"sync"`
	Log      LogConfig      `yaml:"log"`

	// DevMode relaxes secret validation (SYNCD_DEV_MODE=true).
	DevMode bool `yaml:"-"`
}

// ServerConfig contains HTTP server settings.
type ServerConfig struct {
	Port            int      `yaml:"port"`
	ReadTimeout     Duration `yaml:"read_timeout"`
	WriteTimeout    Duration `yaml:"write_timeout"`
	ShutdownTimeout Duration `yaml:"shutdown_timeout"`
}

// DatabaseConfig selects and tunes the store backend.
type DatabaseConfig struct {
	Driver          string   `yaml:"driver"`
	Path            string   `yaml:"path"`
	URL             string   `yaml:"-"` // env-only, never in YAML
	MaxConns        int32    `yaml:"max_conns"`
	MinConns        int32    `yaml:"min_conns"`
	MaxConnLifetime Duration `yaml:"max_conn_lifetime"`
	MaxConnIdleTime Duration `yaml:"max_conn_idle_time"`
}

// AuthConfig contains bearer token settings.
type AuthConfig struct {
	JWTSecret string   `yaml:"-"` // env-only, never in YAML
	Issuer    string   `yaml:"issuer"`
	Audience  string   `yaml:"audience"`
	Leeway    Duration `yaml:"leeway"`
}

// SyncConfig contains engine and background worker settings.
type SyncConfig struct {
	DefaultPolicy        string   `yaml:"default_policy"`
	MaxRetries           int      `yaml:"max_retries"`
	PollInterval         Duration `yaml:"poll_interval"`
	BatchSize            int      `yaml:"batch_size"`
	MaxConcurrentBatches int      `yaml:"max_concurrent_batches"`
	RetentionDays        int      `yaml:"retention_days"`
	RetentionInterval    Duration `yaml:"retention_interval"`
	ClaimTimeout         Duration `yaml:"claim_timeout"`
	ProcessOnEnqueue     bool     `yaml:"process_on_enqueue"`
}

// LogConfig contains logging settings. File enables rotated file output.
type LogConfig struct {
	Level      string `yaml:"level"`
	Format     string `yaml:"format"`
	File       string `yaml:"file"`
	MaxSizeMB  int    `yaml:"max_size_mb"`
	MaxBackups int    `yaml:"max_backups"`
	MaxAgeDays int    `yaml:"max_age_days"`
	Compress   bool   `yaml:"compress"`
}

// EngineOptions converts the sync section into engine options.
func (c *Config) EngineOptions() engine.Options {
	return engine.Options{
		DefaultPolicy:        callsync.ConflictPolicy(c.Sync.DefaultPolicy),
		MaxRetries:           c.Sync.MaxRetries,
		PollInterval:         c.Sync.PollInterval.Std(),
		BatchSize:            c.Sync.BatchSize,
		MaxConcurrentBatches: c.Sync.MaxConcurrentBatches,
		Retention:            time.Duration(c.Sync.RetentionDays) * 24 * time.Hour,
		RetentionInterval:    c.Sync.RetentionInterval.Std(),
		ClaimTimeout:         c.Sync.ClaimTimeout.Std(),
		ProcessOnEnqueue:     c.Sync.ProcessOnEnqueue,
	}
}

// Duration is a wrapper around time.Duration that supports YAML string parsing.
type Duration time.Duration

// Std returns d as a time.Duration.
func (d Duration) Std() time.Duration {
	return time.Duration(d)
}

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

	configPath := getEnv("SYNCD_CONFIG_PATH", "config/syncd.yaml")

	// Load YAML file if it exists (missing file is not an error)
	if err := loadYAMLFile(cfg, configPath); err != nil {
		return nil, err
	}

	return finish(cfg, true)
}

// LoadWithoutSecrets loads configuration for offline tooling that never
// serves requests. The JWT secret may be empty.
func LoadWithoutSecrets() (*Config, error) {
	cfg := newDefaults()
	if err := loadYAMLFile(cfg, getEnv("SYNCD_CONFIG_PATH", "config/syncd.yaml")); err != nil {
		return nil, err
	}
	return finish(cfg, false)
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

	return finish(cfg, true)
}

func finish(cfg *Config, requireSecret bool) (*Config, error) {
	applyEnvOverrides(cfg)

	if cfg.DevMode && cfg.Auth.JWTSecret == "" {
		cfg.Auth.JWTSecret = DevJWTSecret
	}

	if requireSecret && !cfg.DevMode && cfg.Auth.JWTSecret == "" {
		return nil, errors.New("SYNCD_JWT_SECRET is required")
	}
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
			Driver:          DriverSQLite,
			Path:            "data/syncd.db",
			MaxConns:        10,
			MaxConnLifetime: Duration(time.Hour),
			MaxConnIdleTime: Duration(30 * time.Minute),
		},
		Auth: AuthConfig{
			Leeway: Duration(30 * time.Second),
		},
		Sync: SyncConfig{
			DefaultPolicy:        string(callsync.PolicyServerWins),
			MaxRetries:           3,
			PollInterval:         Duration(30 * time.Second),
			BatchSize:            50,
			MaxConcurrentBatches: 5,
			RetentionDays:        engine.DefaultCleanupDays,
			RetentionInterval:    Duration(24 * time.Hour),
			ClaimTimeout:         Duration(10 * time.Minute),
			ProcessOnEnqueue:     true,
		},
		Log: LogConfig{
			Level:      "info",
			Format:     "json",
			MaxSizeMB:  100,
			MaxBackups: 5,
			MaxAgeDays: 28,
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
// Only non-empty env vars override config values; unparsable values are ignored.
func applyEnvOverrides(cfg *Config) {
	cfg.DevMode = os.Getenv("SYNCD_DEV_MODE") == "true"

	// Server
	envInt("SYNCD_PORT", &cfg.Server.Port)
	envDuration("SYNCD_READ_TIMEOUT", &cfg.Server.ReadTimeout)
	envDuration("SYNCD_WRITE_TIMEOUT", &cfg.Server.WriteTimeout)
	envDuration("SYNCD_SHUTDOWN_TIMEOUT", &cfg.Server.ShutdownTimeout)

	// Database
	envString("SYNCD_DB_DRIVER", &cfg.Database.Driver)
	envString("SYNCD_DB_PATH", &cfg.Database.Path)
	envString("SYNCD_DATABASE_URL", &cfg.Database.URL)

	// Auth
	envString("SYNCD_JWT_SECRET", &cfg.Auth.JWTSecret)
	envString("SYNCD_JWT_ISSUER", &cfg.Auth.Issuer)
	envString("SYNCD_JWT_AUDIENCE", &cfg.Auth.Audience)

	// Sync
	envString("SYNCD_DEFAULT_POLICY", &cfg.Sync.DefaultPolicy)
	envInt("SYNCD_MAX_RETRIES", &cfg.Sync.MaxRetries)
	envDuration("SYNCD_POLL_INTERVAL", &cfg.Sync.PollInterval)
	envInt("SYNCD_BATCH_SIZE", &cfg.Sync.BatchSize)
	envInt("SYNCD_MAX_CONCURRENT_BATCHES", &cfg.Sync.MaxConcurrentBatches)
	envInt("SYNCD_RETENTION_DAYS", &cfg.Sync.RetentionDays)
	envDuration("SYNCD_CLAIM_TIMEOUT", &cfg.Sync.ClaimTimeout)
	if v := os.Getenv("SYNCD_PROCESS_ON_ENQUEUE"); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			cfg.Sync.ProcessOnEnqueue = b
		}
	}

	// Log
	envString("SYNCD_LOG_LEVEL", &cfg.Log.Level)
	envString("SYNCD_LOG_FORMAT", &cfg.Log.Format)
	envString("SYNCD_LOG_FILE", &cfg.Log.File)
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

// validate checks that configuration values are sane.
func (c *Config) validate() error {
	switch c.Database.Driver {
	case DriverSQLite:
		if c.Database.Path == "" {
			return errors.New("database.path is required for sqlite")
		}
	case DriverPostgres:
		if c.Database.URL == "" {
			return errors.New("SYNCD_DATABASE_URL is required for postgres")
		}
	default:
		return fmt.Errorf("database.driver must be %q or %q, got %q", DriverSQLite, DriverPostgres, c.Database.Driver)
	}

	if !slices.Contains(callsync.Policies, c.Sync.DefaultPolicy) {
		return fmt.Errorf("sync.default_policy %q is not a conflict policy", c.Sync.DefaultPolicy)
	}
	if c.Sync.MaxRetries < 1 {
		return errors.New("sync.max_retries must be at least 1")
	}
	if c.Sync.BatchSize < 1 || c.Sync.MaxConcurrentBatches < 1 {
		return errors.New("sync.batch_size and sync.max_concurrent_batches must be positive")
	}
	if c.Sync.RetentionDays < 1 {
		return errors.New("sync.retention_days must be at least 1")
	}
	if c.Sync.PollInterval <= 0 || c.Sync.ClaimTimeout <= 0 || c.Sync.RetentionInterval <= 0 {
		return errors.New("sync intervals must be positive")
	}

	switch c.Log.Format {
	case "json", "text":
	default:
		return fmt.Errorf("log.format must be json or text, got %q", c.Log.Format)
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
