// Package config provides configuration loading and parsing for gemini-relay.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/omarluq/gemini-relay/internal/cache"
	"github.com/omarluq/gemini-relay/internal/health"
	"github.com/rs/zerolog"
	"github.com/samber/mo"
)

// Configuration errors.
var (
	ErrNoAPIKeys = errors.New("config: at least one API key is required")
)

// RuntimeConfig defines the interface for accessing runtime configuration that supports hot-reload.
// Components that need to observe config changes should use this interface instead of
// holding a direct *Config pointer, which would become stale after hot-reload.
//
// Usage pattern:
//
//	func (p *Pool) someOperation() {
//		cfg := p.runtime.Get()
//		model := cfg.Models.EffectiveTestModel()
//		// Use model for this operation...
//	}
type RuntimeConfig interface {
	Get() *Config
}

// Log level constants.
const (
	LevelDebug = "debug"
	LevelInfo  = "info"
	LevelWarn  = "warn"
	LevelError = "error"
)

// Config represents the complete gemini-relay configuration.
type Config struct {
	Keys     KeysConfig    `yaml:"keys" toml:"keys"`
	Registry RegistryConfig `yaml:"registry" toml:"registry"`
	Pool     PoolConfig    `yaml:"pool" toml:"pool"`
	Models   ModelsConfig  `yaml:"models" toml:"models"`
	Retry    RetryConfig   `yaml:"retry" toml:"retry"`
	Admin    AdminConfig   `yaml:"admin" toml:"admin"`
	Logging  LoggingConfig `yaml:"logging" toml:"logging"`
	Server   ServerConfig  `yaml:"server" toml:"server"`
	Health   health.Config `yaml:"health" toml:"health"`
	Cache    cache.Config  `yaml:"cache" toml:"cache"`
}

// KeysConfig holds the upstream credential pools. VertexAPIKeys is a
// separate list rather than a field on the same credentials because
// the two pools authenticate against distinct upstream surfaces
// (generativelanguage vs. Vertex) and must never be cross-substituted.
type KeysConfig struct {
	APIKeys       []string `yaml:"api_keys" toml:"api_keys"`
	VertexAPIKeys []string `yaml:"vertex_api_keys" toml:"vertex_api_keys"`
}

// AllCredentials returns the combined credential list across both pools.
func (k *KeysConfig) AllCredentials() []string {
	all := make([]string, 0, len(k.APIKeys)+len(k.VertexAPIKeys))
	all = append(all, k.APIKeys...)
	all = append(all, k.VertexAPIKeys...)
	return all
}

// RegistryConfig controls the key registry's eviction threshold and
// quota-reset cadence.
type RegistryConfig struct {
	MaxFailures    int    `yaml:"max_failures" toml:"max_failures"`
	QuotaResetHour int    `yaml:"quota_reset_hour" toml:"quota_reset_hour"` // 0-23
	Timezone       string `yaml:"timezone" toml:"timezone"`                 // IANA name
}

// Location parses Timezone, falling back to UTC if empty or invalid.
func (r *RegistryConfig) Location() *time.Location {
	if r.Timezone == "" {
		return time.UTC
	}
	loc, err := time.LoadLocation(r.Timezone)
	if err != nil {
		return time.UTC
	}
	return loc
}

// PoolConfig controls the valid key pool's capacity, refill
// thresholds, and verification concurrency.
type PoolConfig struct {
	Enabled                    bool `yaml:"enabled" toml:"enabled"`
	Size                       int  `yaml:"size" toml:"size"`
	MinThreshold               int  `yaml:"min_threshold" toml:"min_threshold"`
	EmergencyRefillCount       int  `yaml:"emergency_refill_count" toml:"emergency_refill_count"`
	ConcurrentVerifications    int  `yaml:"concurrent_verifications" toml:"concurrent_verifications"`
	KeyTTLHours                int  `yaml:"key_ttl_hours" toml:"key_ttl_hours"`
	MaintenanceIntervalMinutes int  `yaml:"maintenance_interval_minutes" toml:"maintenance_interval_minutes"`
}

// TTL returns the configured base TTL as a duration.
func (p *PoolConfig) TTL() time.Duration {
	if p.KeyTTLHours <= 0 {
		return 24 * time.Hour
	}
	return time.Duration(p.KeyTTLHours) * time.Hour
}

// MaintenanceInterval returns the configured maintenance cadence as a duration.
func (p *PoolConfig) MaintenanceInterval() time.Duration {
	if p.MaintenanceIntervalMinutes <= 0 {
		return 15 * time.Minute
	}
	return time.Duration(p.MaintenanceIntervalMinutes) * time.Minute
}

// ModelsConfig controls per-model usage caps and the synthetic model
// used to probe a credential during verification.
type ModelsConfig struct {
	ProModels         []string `yaml:"pro_models" toml:"pro_models"`
	ProModelMaxUsage  int      `yaml:"pro_model_max_usage" toml:"pro_model_max_usage"`
	NonProModelMaxUsage int    `yaml:"non_pro_model_max_usage" toml:"non_pro_model_max_usage"`
	TestModel         string   `yaml:"test_model" toml:"test_model"`
}

// EffectiveTestModel returns TestModel with a sane default.
func (m *ModelsConfig) EffectiveTestModel() string {
	if m.TestModel == "" {
		return "gemini-2.0-flash"
	}
	return m.TestModel
}

// RetryConfig controls the client-facing retry driver and the
// stream-retry engine's mid-stream recovery behavior.
type RetryConfig struct {
	MaxRetries                int           `yaml:"max_retries" toml:"max_retries"`
	MaxStreamRetries          int           `yaml:"max_stream_retries" toml:"max_stream_retries"`
	StreamRetryDelayMS        int           `yaml:"stream_retry_delay_ms" toml:"stream_retry_delay_ms"`
	SwallowThoughtsAfterRetry bool          `yaml:"swallow_thoughts_after_retry" toml:"swallow_thoughts_after_retry"`
}

// StreamRetryDelay returns the configured delay as a duration.
func (r *RetryConfig) StreamRetryDelay() time.Duration {
	if r.StreamRetryDelayMS <= 0 {
		return 500 * time.Millisecond
	}
	return time.Duration(r.StreamRetryDelayMS) * time.Millisecond
}

// AdminConfig defines the admin HTTP surface's listen address and
// cookie-based authentication.
type AdminConfig struct {
	Listen      string `yaml:"listen" toml:"listen"`
	CookieName  string `yaml:"cookie_name" toml:"cookie_name"`
	Secret      string `yaml:"secret" toml:"secret"`
	EnableHTTP2 bool   `yaml:"enable_http2" toml:"enable_http2"`
}

// EffectiveCookieName returns CookieName with a sane default.
func (a *AdminConfig) EffectiveCookieName() string {
	if a.CookieName == "" {
		return "admin_session"
	}
	return a.CookieName
}

// ServerConfig defines the upstream-facing client timeouts.
type ServerConfig struct {
	TimeoutMS     int `yaml:"timeout_ms" toml:"timeout_ms"`
	MaxConcurrent int `yaml:"max_concurrent" toml:"max_concurrent"`
}

// GetTimeoutOption returns the timeout as an Option.
// Returns None if TimeoutMS is zero (use default).
func (s *ServerConfig) GetTimeoutOption() mo.Option[time.Duration] {
	if s.TimeoutMS <= 0 {
		return mo.None[time.Duration]()
	}
	return mo.Some(time.Duration(s.TimeoutMS) * time.Millisecond)
}

// GetMaxConcurrentOption returns the max concurrent setting as an Option.
// Returns None if MaxConcurrent is zero (unlimited).
func (s *ServerConfig) GetMaxConcurrentOption() mo.Option[int] {
	if s.MaxConcurrent <= 0 {
		return mo.None[int]()
	}
	return mo.Some(s.MaxConcurrent)
}

// LoggingConfig defines logging behavior.
type LoggingConfig struct {
	Level        string       `yaml:"level" toml:"level"`                 // debug, info, warn, error
	Format       string       `yaml:"format" toml:"format"`               // json, console
	Output       string       `yaml:"output" toml:"output"`               // stdout, stderr, or file path
	Pretty       bool         `yaml:"pretty" toml:"pretty"`               // enable colored console output
	DebugOptions DebugOptions `yaml:"debug_options" toml:"debug_options"` // granular debug logging controls
}

// ParseLevel converts a string log level to zerolog.Level.
// Returns zerolog.InfoLevel if the level string is invalid.
func (l *LoggingConfig) ParseLevel() zerolog.Level {
	switch strings.ToLower(l.Level) {
	case LevelDebug:
		return zerolog.DebugLevel
	case LevelInfo:
		return zerolog.InfoLevel
	case LevelWarn:
		return zerolog.WarnLevel
	case LevelError:
		return zerolog.ErrorLevel
	default:
		return zerolog.InfoLevel
	}
}

// EnableAllDebugOptions turns on all debug logging features.
// Used by --debug CLI flag shortcut.
func (l *LoggingConfig) EnableAllDebugOptions() {
	l.Level = LevelDebug
	l.DebugOptions = DebugOptions{
		LogRequestBody:     true,
		LogResponseHeaders: true,
		LogTLSMetrics:      true,
		MaxBodyLogSize:     1000,
	}
}

// DebugOptions defines granular debug logging controls.
type DebugOptions struct {
	// LogRequestBody enables logging of request body in debug mode.
	// Body is truncated to MaxBodyLogSize to prevent massive logs.
	LogRequestBody bool `yaml:"log_request_body" toml:"log_request_body"`

	// LogResponseHeaders enables logging of response headers in debug mode.
	LogResponseHeaders bool `yaml:"log_response_headers" toml:"log_response_headers"`

	// LogTLSMetrics enables logging of TLS connection metrics (version, handshake time, reuse).
	LogTLSMetrics bool `yaml:"log_tls_metrics" toml:"log_tls_metrics"`

	// MaxBodyLogSize is the maximum number of bytes to log from request/response bodies.
	// Default: 1000 bytes. Set to 0 for unlimited (not recommended).
	MaxBodyLogSize int `yaml:"max_body_log_size" toml:"max_body_log_size"`
}

// GetMaxBodyLogSize returns the effective max body log size with default fallback.
func (d *DebugOptions) GetMaxBodyLogSize() int {
	if d.MaxBodyLogSize <= 0 {
		return 1000 // Default: 1KB
	}
	return d.MaxBodyLogSize
}

// IsEnabled returns true if any debug option is enabled.
func (d *DebugOptions) IsEnabled() bool {
	return d.LogRequestBody || d.LogResponseHeaders || d.LogTLSMetrics
}

// GetMaxBodyLogSizeOption returns the max body log size as an Option.
// Returns None if the value is not explicitly set (zero or negative).
func (d *DebugOptions) GetMaxBodyLogSizeOption() mo.Option[int] {
	if d.MaxBodyLogSize <= 0 {
		return mo.None[int]()
	}
	return mo.Some(d.MaxBodyLogSize)
}

// applyDefaults fills zero-valued fields with the defaults spec.md §6
// describes, so a minimal config file (just API_KEYS) is enough to run.
func (c *Config) applyDefaults() {
	if c.Registry.MaxFailures <= 0 {
		c.Registry.MaxFailures = 3
	}
	if c.Registry.QuotaResetHour == 0 {
		c.Registry.QuotaResetHour = 0
	}
	if c.Pool.Size <= 0 {
		c.Pool.Size = 10
	}
	if c.Pool.MinThreshold <= 0 {
		c.Pool.MinThreshold = 3
	}
	if c.Pool.EmergencyRefillCount <= 0 {
		c.Pool.EmergencyRefillCount = 5
	}
	if c.Pool.ConcurrentVerifications <= 0 {
		c.Pool.ConcurrentVerifications = 3
	}
	if c.Models.NonProModelMaxUsage <= 0 {
		c.Models.NonProModelMaxUsage = 100
	}
	if c.Models.ProModelMaxUsage <= 0 {
		c.Models.ProModelMaxUsage = 20
	}
	if c.Retry.MaxRetries <= 0 {
		c.Retry.MaxRetries = 3
	}
	if c.Retry.MaxStreamRetries <= 0 {
		c.Retry.MaxStreamRetries = 3
	}
	if c.Admin.Listen == "" {
		c.Admin.Listen = ":8081"
	}
}

// String implements fmt.Stringer with credentials redacted, for safe logging.
func (c *Config) String() string {
	return fmt.Sprintf("Config{keys=%d+%d, pool_size=%d, max_failures=%d, admin=%s}",
		len(c.Keys.APIKeys), len(c.Keys.VertexAPIKeys), c.Pool.Size, c.Registry.MaxFailures, c.Admin.Listen)
}
