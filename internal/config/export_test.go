package config

import (
	"github.com/omarluq/gemini-relay/internal/cache"
	"github.com/omarluq/gemini-relay/internal/health"
)

// DetectFormat exports detectFormat for testing.
var DetectFormat = detectFormat

// Test helpers with all fields initialized for exhaustruct compliance.

// MakeTestConfig returns a minimal valid Config with all fields set.
func MakeTestConfig() *Config {
	return &Config{
		Keys:     KeysConfig{APIKeys: []string{"test-key"}},
		Registry: MakeTestRegistryConfig(),
		Pool:     MakeTestPoolConfig(),
		Models:   MakeTestModelsConfig(),
		Retry:    MakeTestRetryConfig(),
		Admin:    MakeTestAdminConfig(),
		Logging:  MakeTestLoggingConfig(),
		Server:   MakeTestServerConfig(),
		Health:   MakeTestHealthConfig(),
		Cache:    MakeTestCacheConfig(),
	}
}

// MakeTestRegistryConfig returns a minimal RegistryConfig with all fields set.
func MakeTestRegistryConfig() RegistryConfig {
	return RegistryConfig{
		MaxFailures:    3,
		QuotaResetHour: 0,
		Timezone:       "UTC",
	}
}

// MakeTestPoolConfig returns a minimal PoolConfig with all fields set.
func MakeTestPoolConfig() PoolConfig {
	return PoolConfig{
		Enabled:                    true,
		Size:                       10,
		MinThreshold:               3,
		EmergencyRefillCount:       5,
		ConcurrentVerifications:    3,
		KeyTTLHours:                24,
		MaintenanceIntervalMinutes: 15,
	}
}

// MakeTestModelsConfig returns a minimal ModelsConfig with all fields set.
func MakeTestModelsConfig() ModelsConfig {
	return ModelsConfig{
		ProModels:           []string{"gemini-2.5-pro"},
		ProModelMaxUsage:     20,
		NonProModelMaxUsage: 100,
		TestModel:           "gemini-2.0-flash",
	}
}

// MakeTestRetryConfig returns a minimal RetryConfig with all fields set.
func MakeTestRetryConfig() RetryConfig {
	return RetryConfig{
		MaxRetries:                3,
		MaxStreamRetries:          3,
		StreamRetryDelayMS:        500,
		SwallowThoughtsAfterRetry: true,
	}
}

// MakeTestAdminConfig returns a minimal AdminConfig with all fields set.
func MakeTestAdminConfig() AdminConfig {
	return AdminConfig{
		Listen:      ":8081",
		CookieName:  "admin_session",
		Secret:      "test-secret",
		EnableHTTP2: false,
	}
}

// MakeTestServerConfig returns a minimal ServerConfig with all fields set.
func MakeTestServerConfig() ServerConfig {
	return ServerConfig{
		TimeoutMS:     60000,
		MaxConcurrent: 0,
	}
}

// MakeTestLoggingConfig returns a minimal LoggingConfig with all fields set.
func MakeTestLoggingConfig() LoggingConfig {
	return LoggingConfig{
		Level:        "info",
		Format:       "json",
		Output:       "stdout",
		Pretty:       false,
		DebugOptions: MakeTestDebugOptions(),
	}
}

// MakeTestDebugOptions returns a minimal DebugOptions with all fields set.
func MakeTestDebugOptions() DebugOptions {
	return DebugOptions{
		LogRequestBody:     false,
		LogResponseHeaders: false,
		LogTLSMetrics:      false,
		MaxBodyLogSize:     1000,
	}
}

// MakeTestHealthConfig returns a minimal health.Config with all fields set.
func MakeTestHealthConfig() health.Config {
	return health.Config{
		HealthCheck: health.CheckConfig{
			Enabled:    boolPtr(true),
			IntervalMS: 10000,
		},
		CircuitBreaker: health.CircuitBreakerConfig{
			OpenDurationMS:   30000,
			FailureThreshold: 5,
			HalfOpenProbes:   3,
		},
	}
}

// MakeTestCacheConfig returns a minimal cache.Config with all fields set.
func MakeTestCacheConfig() cache.Config {
	return cache.Config{
		Mode:      cache.ModeDisabled,
		Olric:     cache.DefaultOlricConfig(),
		Ristretto: cache.DefaultRistrettoConfig(),
	}
}

// MakeTestValidationError returns a ValidationError with Errors initialized.
func MakeTestValidationError() *ValidationError {
	return &ValidationError{
		Errors: []string{},
	}
}

// boolPtr returns a pointer to a bool.
func boolPtr(b bool) *bool {
	return &b
}
