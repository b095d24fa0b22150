// Package config handles configuration loading, validation, and hot
// reloading for echopin clients.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"
)

// Config holds the complete client tuning configuration.
type Config struct {
	// Query configuration for nearby searches.
	Query QueryConfig `toml:"query" json:"query" yaml:"query"`

	// Debounce configuration for camera movement.
	Debounce DebounceConfig `toml:"debounce" json:"debounce" yaml:"debounce"`

	// Retry configuration for network operations.
	Retry RetryConfig `toml:"retry" json:"retry" yaml:"retry"`

	// Cache configuration for spatial results.
	Cache CacheConfig `toml:"cache" json:"cache" yaml:"cache"`

	// Audio configuration for playback and recording.
	Audio AudioConfig `toml:"audio" json:"audio" yaml:"audio"`

	// Logging configuration.
	Logging LoggingConfig `toml:"logging" json:"logging" yaml:"logging"`
}

// QueryConfig holds nearby query tuning.
type QueryConfig struct {
	// SearchRadiusMeters is the radius requested around the viewport center.
	SearchRadiusMeters float64 `toml:"search_radius_meters" json:"search_radius_meters" yaml:"search_radius_meters"`

	// DetailConcurrency bounds concurrent detail lookups per result set.
	DetailConcurrency int `toml:"detail_concurrency" json:"detail_concurrency" yaml:"detail_concurrency"`

	// FetchTimeoutSec bounds a full fetch cycle, retries included.
	FetchTimeoutSec int `toml:"fetch_timeout_sec" json:"fetch_timeout_sec" yaml:"fetch_timeout_sec"`
}

// DebounceConfig holds camera settling tuning.
type DebounceConfig struct {
	// DelayMs is how long the camera must be quiet before a query fires.
	DelayMs int `toml:"delay_ms" json:"delay_ms" yaml:"delay_ms"`

	// ThresholdPx is the minimum screen-space movement that counts.
	ThresholdPx float64 `toml:"threshold_px" json:"threshold_px" yaml:"threshold_px"`

	// ZoomEpsilon is the minimum zoom delta that counts.
	ZoomEpsilon float64 `toml:"zoom_epsilon" json:"zoom_epsilon" yaml:"zoom_epsilon"`
}

// RetryConfig holds backoff tuning for transient network failures.
type RetryConfig struct {
	// MaxAttempts is the total attempt budget per operation.
	MaxAttempts int `toml:"max_attempts" json:"max_attempts" yaml:"max_attempts"`

	// InitialDelayMs is the delay before the first retry.
	InitialDelayMs int `toml:"initial_delay_ms" json:"initial_delay_ms" yaml:"initial_delay_ms"`

	// MaxDelayMs caps the backoff delay.
	MaxDelayMs int `toml:"max_delay_ms" json:"max_delay_ms" yaml:"max_delay_ms"`

	// BackoffMultiplier scales the delay between attempts.
	BackoffMultiplier float64 `toml:"backoff_multiplier" json:"backoff_multiplier" yaml:"backoff_multiplier"`

	// JitterFraction is the +/- fraction applied to each delay.
	JitterFraction float64 `toml:"jitter_fraction" json:"jitter_fraction" yaml:"jitter_fraction"`
}

// CacheConfig holds spatial cache tuning.
type CacheConfig struct {
	// TTLSec is how long a committed result set stays fresh.
	TTLSec int `toml:"ttl_sec" json:"ttl_sec" yaml:"ttl_sec"`

	// CenterToleranceMeters is how far two query centers may drift
	// while still being treated as the same area.
	CenterToleranceMeters float64 `toml:"center_tolerance_meters" json:"center_tolerance_meters" yaml:"center_tolerance_meters"`

	// ReservationTTLSec bounds how long an in-flight fetch may hold
	// a reservation before it is considered abandoned.
	ReservationTTLSec int `toml:"reservation_ttl_sec" json:"reservation_ttl_sec" yaml:"reservation_ttl_sec"`
}

// AudioConfig holds playback and recording arbitration tuning.
type AudioConfig struct {
	// PlaybackInterruptible allows recording to preempt active playback.
	PlaybackInterruptible bool `toml:"playback_interruptible" json:"playback_interruptible" yaml:"playback_interruptible"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	// Level is the minimum log level: "debug", "info", "warn", "error".
	Level string `toml:"level" json:"level" yaml:"level"`

	// Format is the output format: "text" or "json".
	Format string `toml:"format" json:"format" yaml:"format"`
}

// DefaultConfig returns a configuration with sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		Query: QueryConfig{
			SearchRadiusMeters: 5000,
			DetailConcurrency:  4,
			FetchTimeoutSec:    15,
		},
		Debounce: DebounceConfig{
			DelayMs:     400,
			ThresholdPx: 75,
			ZoomEpsilon: 0.1,
		},
		Retry: RetryConfig{
			MaxAttempts:       3,
			InitialDelayMs:    1000,
			MaxDelayMs:        30000,
			BackoffMultiplier: 2.0,
			JitterFraction:    0.1,
		},
		Cache: CacheConfig{
			TTLSec:                300,
			CenterToleranceMeters: 250,
			ReservationTTLSec:     60,
		},
		Audio: AudioConfig{
			PlaybackInterruptible: true,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
		},
	}
}

// ConfigPath returns the default configuration file path.
func ConfigPath() string {
	if dir := os.Getenv("ECHOPIN_CONFIG_DIR"); dir != "" {
		return filepath.Join(dir, "echopin.toml")
	}
	base, err := os.UserConfigDir()
	if err != nil {
		base = "."
	}
	return filepath.Join(base, "echopin", "echopin.toml")
}

// Load reads configuration from the specified path.
// If the file doesn't exist, returns default configuration.
// Supports TOML, JSON, and YAML formats based on file extension.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()

	if path == "" {
		path = ConfigPath()
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return nil, fmt.Errorf("read config file: %w", err)
	}

	if err := decode(path, data, cfg); err != nil {
		return nil, err
	}

	cfg.ApplyEnvOverrides()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func decode(path string, data []byte, cfg *Config) error {
	switch filepath.Ext(path) {
	case ".toml":
		if _, err := toml.Decode(string(data), cfg); err != nil {
			return fmt.Errorf("decode TOML: %w", err)
		}
	case ".json":
		if err := ValidateDocument(data); err != nil {
			return err
		}
		if err := json.Unmarshal(data, cfg); err != nil {
			return fmt.Errorf("decode JSON: %w", err)
		}
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return fmt.Errorf("decode YAML: %w", err)
		}
	default:
		// Try TOML by default
		if _, err := toml.Decode(string(data), cfg); err != nil {
			return fmt.Errorf("decode config (unknown format): %w", err)
		}
	}
	return nil
}

// ApplyEnvOverrides applies environment variable overrides.
// Variables are prefixed with ECHOPIN_ and use underscores.
func (c *Config) ApplyEnvOverrides() {
	if v := os.Getenv("ECHOPIN_LOG_LEVEL"); v != "" {
		c.Logging.Level = v
	}
	if v := os.Getenv("ECHOPIN_LOG_FORMAT"); v != "" {
		c.Logging.Format = v
	}
	if v := os.Getenv("ECHOPIN_SEARCH_RADIUS_METERS"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			c.Query.SearchRadiusMeters = f
		}
	}
	if v := os.Getenv("ECHOPIN_DEBOUNCE_DELAY_MS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.Debounce.DelayMs = n
		}
	}
	if v := os.Getenv("ECHOPIN_RETRY_MAX_ATTEMPTS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.Retry.MaxAttempts = n
		}
	}
	if v := os.Getenv("ECHOPIN_CACHE_TTL_SEC"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.Cache.TTLSec = n
		}
	}
}

// ValidationError represents a configuration validation error.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("config: %s: %s", e.Field, e.Message)
}

// ValidationErrors is a collection of validation errors.
type ValidationErrors []ValidationError

func (e ValidationErrors) Error() string {
	if len(e) == 0 {
		return ""
	}
	var msgs []string
	for _, err := range e {
		msgs = append(msgs, err.Error())
	}
	return strings.Join(msgs, "; ")
}

// Validate checks the configuration for invalid values.
func (c *Config) Validate() error {
	var errs ValidationErrors

	if c.Query.SearchRadiusMeters <= 0 {
		errs = append(errs, ValidationError{"query.search_radius_meters", "must be positive"})
	}
	if c.Query.DetailConcurrency < 1 {
		errs = append(errs, ValidationError{"query.detail_concurrency", "must be at least 1"})
	}
	if c.Query.FetchTimeoutSec <= 0 {
		errs = append(errs, ValidationError{"query.fetch_timeout_sec", "must be positive"})
	}
	if c.Debounce.DelayMs < 0 {
		errs = append(errs, ValidationError{"debounce.delay_ms", "must not be negative"})
	}
	if c.Debounce.ThresholdPx < 0 {
		errs = append(errs, ValidationError{"debounce.threshold_px", "must not be negative"})
	}
	if c.Debounce.ZoomEpsilon < 0 {
		errs = append(errs, ValidationError{"debounce.zoom_epsilon", "must not be negative"})
	}
	if c.Retry.MaxAttempts < 1 {
		errs = append(errs, ValidationError{"retry.max_attempts", "must be at least 1"})
	}
	if c.Retry.InitialDelayMs <= 0 {
		errs = append(errs, ValidationError{"retry.initial_delay_ms", "must be positive"})
	}
	if c.Retry.MaxDelayMs < c.Retry.InitialDelayMs {
		errs = append(errs, ValidationError{"retry.max_delay_ms", "must be at least initial_delay_ms"})
	}
	if c.Retry.BackoffMultiplier < 1 {
		errs = append(errs, ValidationError{"retry.backoff_multiplier", "must be at least 1"})
	}
	if c.Retry.JitterFraction < 0 || c.Retry.JitterFraction >= 1 {
		errs = append(errs, ValidationError{"retry.jitter_fraction", "must be in [0, 1)"})
	}
	if c.Cache.TTLSec <= 0 {
		errs = append(errs, ValidationError{"cache.ttl_sec", "must be positive"})
	}
	if c.Cache.CenterToleranceMeters < 0 {
		errs = append(errs, ValidationError{"cache.center_tolerance_meters", "must not be negative"})
	}
	if c.Cache.ReservationTTLSec <= 0 {
		errs = append(errs, ValidationError{"cache.reservation_ttl_sec", "must be positive"})
	}
	switch c.Logging.Level {
	case "debug", "info", "warn", "error":
	default:
		errs = append(errs, ValidationError{"logging.level", fmt.Sprintf("unknown level %q", c.Logging.Level)})
	}
	switch c.Logging.Format {
	case "text", "json":
	default:
		errs = append(errs, ValidationError{"logging.format", fmt.Sprintf("unknown format %q", c.Logging.Format)})
	}

	if len(errs) > 0 {
		return errs
	}
	return nil
}

// Clone returns a deep copy of the configuration.
func (c *Config) Clone() *Config {
	clone := *c
	return &clone
}

// Save writes the configuration to the given path as TOML.
func (c *Config) Save(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create config directory: %w", err)
	}
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("create config file: %w", err)
	}
	defer f.Close()
	if err := toml.NewEncoder(f).Encode(c); err != nil {
		return fmt.Errorf("encode config: %w", err)
	}
	return nil
}

// FetchTimeout returns the query timeout as a duration.
func (c *Config) FetchTimeout() time.Duration {
	return time.Duration(c.Query.FetchTimeoutSec) * time.Second
}
