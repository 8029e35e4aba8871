// Package config provides configuration loading, parsing, and validation for gemini-relay.
package config

import (
	"time"
)

var validLogLevels = map[string]bool{
	LevelDebug: true, LevelInfo: true, LevelWarn: true, LevelError: true,
}

var validLogFormats = map[string]bool{
	"json": true, "console": true,
}

// Validate checks the configuration for internal consistency and
// returns a ValidationError aggregating every problem found, so a
// misconfigured deployment fails fast with a complete report instead
// of one error at a time.
func (c *Config) Validate() error {
	verr := &ValidationError{}

	c.validateKeys(verr)
	c.validateRegistry(verr)
	c.validatePool(verr)
	c.validateModels(verr)
	c.validateRetry(verr)
	c.validateLogging(verr)

	return verr.ToError()
}

func (c *Config) validateKeys(verr *ValidationError) {
	if len(c.Keys.APIKeys) == 0 && len(c.Keys.VertexAPIKeys) == 0 {
		verr.Add(ErrNoAPIKeys.Error())
	}
	for i, k := range c.Keys.APIKeys {
		if k == "" {
			verr.Addf("keys.api_keys[%d]: must not be empty", i)
		}
	}
	for i, k := range c.Keys.VertexAPIKeys {
		if k == "" {
			verr.Addf("keys.vertex_api_keys[%d]: must not be empty", i)
		}
	}
}

func (c *Config) validateRegistry(verr *ValidationError) {
	if c.Registry.MaxFailures <= 0 {
		verr.Addf("registry.max_failures: must be positive, got %d", c.Registry.MaxFailures)
	}
	if c.Registry.QuotaResetHour < 0 || c.Registry.QuotaResetHour > 23 {
		verr.Addf("registry.quota_reset_hour: must be 0-23, got %d", c.Registry.QuotaResetHour)
	}
	if c.Registry.Timezone != "" {
		if _, err := time.LoadLocation(c.Registry.Timezone); err != nil {
			verr.Addf("registry.timezone: invalid IANA name %q: %v", c.Registry.Timezone, err)
		}
	}
}

func (c *Config) validatePool(verr *ValidationError) {
	if !c.Pool.Enabled {
		return
	}
	if c.Pool.Size <= 0 {
		verr.Addf("pool.size: must be positive, got %d", c.Pool.Size)
	}
	if c.Pool.MinThreshold < 0 {
		verr.Addf("pool.min_threshold: must be >= 0, got %d", c.Pool.MinThreshold)
	}
	if c.Pool.EmergencyRefillCount <= 0 {
		verr.Addf("pool.emergency_refill_count: must be positive, got %d", c.Pool.EmergencyRefillCount)
	}
	if c.Pool.ConcurrentVerifications <= 0 {
		verr.Addf("pool.concurrent_verifications: must be positive, got %d", c.Pool.ConcurrentVerifications)
	}
	if c.Pool.KeyTTLHours < 0 {
		verr.Addf("pool.key_ttl_hours: must be >= 0, got %d", c.Pool.KeyTTLHours)
	}
}

func (c *Config) validateModels(verr *ValidationError) {
	if c.Models.ProModelMaxUsage < 0 {
		verr.Addf("models.pro_model_max_usage: must be >= 0, got %d", c.Models.ProModelMaxUsage)
	}
	if c.Models.NonProModelMaxUsage < 0 {
		verr.Addf("models.non_pro_model_max_usage: must be >= 0, got %d", c.Models.NonProModelMaxUsage)
	}
}

func (c *Config) validateRetry(verr *ValidationError) {
	if c.Retry.MaxRetries < 0 {
		verr.Addf("retry.max_retries: must be >= 0, got %d", c.Retry.MaxRetries)
	}
	if c.Retry.MaxStreamRetries < 0 {
		verr.Addf("retry.max_stream_retries: must be >= 0, got %d", c.Retry.MaxStreamRetries)
	}
	if c.Retry.StreamRetryDelayMS < 0 {
		verr.Addf("retry.stream_retry_delay_ms: must be >= 0, got %d", c.Retry.StreamRetryDelayMS)
	}
}

func (c *Config) validateLogging(verr *ValidationError) {
	if c.Logging.Level != "" && !validLogLevels[c.Logging.Level] {
		verr.Addf("logging.level: invalid level %q", c.Logging.Level)
	}
	if c.Logging.Format != "" && !validLogFormats[c.Logging.Format] {
		verr.Addf("logging.format: invalid format %q", c.Logging.Format)
	}
}
