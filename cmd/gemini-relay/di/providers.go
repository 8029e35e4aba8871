package di

import (
	"context"
	"fmt"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/samber/do/v2"

	"github.com/omarluq/gemini-relay/internal/adminapi"
	"github.com/omarluq/gemini-relay/internal/cache"
	"github.com/omarluq/gemini-relay/internal/config"
	"github.com/omarluq/gemini-relay/internal/health"
	"github.com/omarluq/gemini-relay/internal/keyregistry"
	"github.com/omarluq/gemini-relay/internal/logging"
	"github.com/omarluq/gemini-relay/internal/streamretry"
	"github.com/omarluq/gemini-relay/internal/upstream"
	"github.com/omarluq/gemini-relay/internal/validpool"
)

// upstreamHealthName is the single circuit-breaker name gemini-relay
// tracks: one upstream, one breaker, shared by the pool's failure
// reporting and the periodic health checker.
const upstreamHealthName = "upstream"

// Service wrapper types for DI registration.
// These provide type safety and allow distinguishing between similar types.

// ConfigService wraps the loaded configuration with hot-reload support.
// It uses atomic.Pointer for lock-free config reads, allowing in-flight
// requests to continue uninterrupted while new requests use reloaded config.
//
//nolint:govet // Field order optimized for readability over memory alignment
type ConfigService struct {
	config atomic.Pointer[config.Config]

	watcher *config.Watcher

	path string

	// Config is the initial config pointer (kept for backward compatibility).
	//
	// Deprecated: Use Get() for thread-safe access.
	Config *config.Config
}

// Get returns the current configuration via atomic load (lock-free read).
func (c *ConfigService) Get() *config.Config {
	return c.config.Load()
}

// StartWatching begins watching the config file for changes.
func (c *ConfigService) StartWatching(ctx context.Context) {
	if c.watcher == nil {
		return
	}

	c.watcher.OnReload(func(newCfg *config.Config) error {
		c.config.Store(newCfg)
		log.Info().Str("path", c.path).Msg("config hot-reloaded successfully")
		return nil
	})

	go func() {
		if err := c.watcher.Watch(ctx); err != nil {
			log.Error().Err(err).Msg("config watcher error")
		}
	}()

	log.Info().Str("path", c.path).Msg("config file watcher started")
}

// Shutdown implements do.Shutdowner for graceful watcher cleanup.
func (c *ConfigService) Shutdown() error {
	if c.watcher != nil {
		return c.watcher.Close()
	}
	return nil
}

// LoggerService wraps the zerolog logger for DI.
type LoggerService struct {
	Logger *zerolog.Logger
}

// CacheService wraps the cache implementation.
type CacheService struct {
	Cache cache.Cache
}

// RegistryService wraps the key registry for DI.
type RegistryService struct {
	Registry *keyregistry.Registry
}

// GeneratorService wraps the upstream generator/verifier for DI.
type GeneratorService struct {
	Generator *upstream.HTTPGenerator
}

// PoolService wraps the valid key pool for DI. Nil when pooling is
// disabled in config - callers must check before use.
type PoolService struct {
	Pool *validpool.Pool
}

// EngineService wraps the stream retry engine for DI.
type EngineService struct {
	Engine *streamretry.Engine
}

// HealthTrackerService wraps the health tracker for DI.
type HealthTrackerService struct {
	Tracker *health.Tracker
}

// CheckerService wraps the health checker for DI.
type CheckerService struct {
	Checker *health.Checker
}

// Shutdown implements do.Shutdowner for graceful checker cleanup.
func (h *CheckerService) Shutdown() error {
	if h.Checker != nil {
		h.Checker.Stop()
	}
	return nil
}

// AdminAuthService wraps the admin bearer-cookie authenticator.
type AdminAuthService struct {
	Auth *adminapi.CookieAuthenticator
}

// AdminHandlerService wraps the admin HTTP mux.
type AdminHandlerService struct {
	Handler http.Handler
}

// AdminServerService wraps the admin HTTP server.
type AdminServerService struct {
	Server *adminapi.Server
}

// RegisterSingletons registers all service providers as singletons.
// Services are registered in dependency order:
// 1. Config (no dependencies)
// 2. Logger (depends on Config)
// 3. Cache (depends on Config)
// 4. Registry (depends on Config)
// 5. Generator (depends on Config)
// 6. Pool (depends on Registry, Generator, Config, HealthTracker)
// 7. Engine (depends on Generator, Config)
// 8. HealthTracker (depends on Config, Logger)
// 9. Checker (depends on HealthTracker, Config, Logger)
// 10. AdminAuth (depends on Config)
// 11. AdminHandler (depends on Registry, Pool, AdminAuth, HealthTracker)
// 12. AdminServer (depends on AdminHandler, Config).
//
// do/v2 resolves dependencies lazily by first access, not by
// registration order, so Pool (registered before HealthTracker here)
// can still invoke *HealthTrackerService from within its constructor.
func RegisterSingletons(i do.Injector) {
	do.Provide(i, NewConfig)
	do.Provide(i, NewLogger)
	do.Provide(i, NewCache)
	do.Provide(i, NewRegistry)
	do.Provide(i, NewGenerator)
	do.Provide(i, NewPool)
	do.Provide(i, NewEngine)
	do.Provide(i, NewHealthTracker)
	do.Provide(i, NewChecker)
	do.Provide(i, NewAdminAuth)
	do.Provide(i, NewAdminHandler)
	do.Provide(i, NewAdminServer)
}

// NewConfig loads the configuration from the config path and creates a watcher.
// The watcher is created but not started - call StartWatching() after container init.
func NewConfig(i do.Injector) (*ConfigService, error) {
	path := do.MustInvokeNamed[string](i, ConfigPathKey)

	cfg, err := config.Load(path)
	if err != nil {
		return nil, fmt.Errorf("failed to load config from %s: %w", path, err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config %s is invalid: %w", path, err)
	}

	svc := &ConfigService{
		Config: cfg,
		path:   path,
	}
	svc.config.Store(cfg)

	watcher, err := config.NewWatcher(path)
	if err != nil {
		log.Warn().Err(err).Str("path", path).Msg("config watcher creation failed, hot-reload disabled")
	} else {
		svc.watcher = watcher
	}

	return svc, nil
}

// NewLogger creates the zerolog logger from configuration.
func NewLogger(i do.Injector) (*LoggerService, error) {
	cfgSvc := do.MustInvoke[*ConfigService](i)

	logger, err := logging.New(cfgSvc.Config.Logging)
	if err != nil {
		return nil, fmt.Errorf("failed to create logger: %w", err)
	}

	return &LoggerService{Logger: &logger}, nil
}

// NewCache creates the state-mirroring cache based on configuration.
func NewCache(i do.Injector) (*CacheService, error) {
	cfgSvc := do.MustInvoke[*ConfigService](i)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	c, err := cache.New(ctx, &cfgSvc.Config.Cache)
	if err != nil {
		return nil, fmt.Errorf("failed to create cache: %w", err)
	}

	return &CacheService{Cache: c}, nil
}

// NewRegistry creates the key registry over every configured
// credential, attaching the cache service as a cross-instance state
// mirror whenever caching is enabled.
func NewRegistry(i do.Injector) (*RegistryService, error) {
	cfgSvc := do.MustInvoke[*ConfigService](i)
	cacheSvc := do.MustInvoke[*CacheService](i)
	cfg := cfgSvc.Config

	creds := make([]keyregistry.Credential, 0, len(cfg.Keys.AllCredentials()))
	for _, c := range cfg.Keys.AllCredentials() {
		creds = append(creds, keyregistry.Credential(c))
	}

	reg := keyregistry.New(creds, keyregistry.Config{
		MaxFailures:    cfg.Registry.MaxFailures,
		QuotaResetHour: cfg.Registry.QuotaResetHour,
		Timezone:       cfg.Registry.Timezone,
	})

	if cfg.Cache.Mode != cache.ModeDisabled {
		reg.WithMirror(cacheSvc.Cache)
	}

	return &RegistryService{Registry: reg}, nil
}

// NewGenerator creates the HTTP generator used to reach the upstream
// generative-AI API and to verify credentials for the pool.
func NewGenerator(i do.Injector) (*GeneratorService, error) {
	gen := upstream.NewHTTPGenerator(upstream.DefaultBaseURL, &http.Client{})
	return &GeneratorService{Generator: gen}, nil
}

// NewPool creates the valid key pool when pooling is enabled in
// config. Returns a service wrapping a nil Pool when disabled;
// callers (admin routes, serve loop) must check before use.
func NewPool(i do.Injector) (*PoolService, error) {
	cfgSvc := do.MustInvoke[*ConfigService](i)
	regSvc := do.MustInvoke[*RegistryService](i)
	genSvc := do.MustInvoke[*GeneratorService](i)
	trackerSvc := do.MustInvoke[*HealthTrackerService](i)
	cfg := cfgSvc.Config

	if !cfg.Pool.Enabled {
		return &PoolService{Pool: nil}, nil
	}

	pool, err := validpool.New(regSvc.Registry, genSvc.Generator, validpool.Config{
		Size:                    cfg.Pool.Size,
		MinThreshold:            cfg.Pool.MinThreshold,
		EmergencyRefillCount:    cfg.Pool.EmergencyRefillCount,
		ConcurrentVerifications: cfg.Pool.ConcurrentVerifications,
		KeyTTL:                  cfg.Pool.TTL(),
		TestModel:               cfg.Models.EffectiveTestModel(),
		ProModels:               cfg.Models.ProModels,
		ProModelMaxUsage:        cfg.Models.ProModelMaxUsage,
		NonProModelMaxUsage:     cfg.Models.NonProModelMaxUsage,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create valid key pool: %w", err)
	}

	pool.WithHealth(upstreamHealthName, trackerSvc.Tracker)

	return &PoolService{Pool: pool}, nil
}

// NewEngine creates the stream retry engine that drives one
// client-facing request across as many upstream attempts as needed.
func NewEngine(i do.Injector) (*EngineService, error) {
	cfgSvc := do.MustInvoke[*ConfigService](i)
	genSvc := do.MustInvoke[*GeneratorService](i)
	cfg := cfgSvc.Config

	engine := streamretry.New(genSvc.Generator, streamretry.Config{
		MaxRetries:           cfg.Retry.MaxStreamRetries,
		RetryDelay:           cfg.Retry.StreamRetryDelay(),
		SwallowThoughtsAfter: cfg.Retry.SwallowThoughtsAfterRetry,
	})

	return &EngineService{Engine: engine}, nil
}

// NewHealthTracker creates the health tracker from configuration.
func NewHealthTracker(i do.Injector) (*HealthTrackerService, error) {
	cfgSvc := do.MustInvoke[*ConfigService](i)
	loggerSvc := do.MustInvoke[*LoggerService](i)

	tracker := health.NewTracker(
		cfgSvc.Config.Health.CircuitBreaker,
		loggerSvc.Logger,
	)
	return &HealthTrackerService{Tracker: tracker}, nil
}

// NewChecker creates the health checker and registers the single
// upstream for periodic probing.
func NewChecker(i do.Injector) (*CheckerService, error) {
	cfgSvc := do.MustInvoke[*ConfigService](i)
	trackerSvc := do.MustInvoke[*HealthTrackerService](i)
	loggerSvc := do.MustInvoke[*LoggerService](i)

	checker := health.NewChecker(
		trackerSvc.Tracker,
		cfgSvc.Config.Health.HealthCheck,
		loggerSvc.Logger,
	)

	healthCheck := health.NewProviderHealthCheck(upstreamHealthName, upstream.DefaultBaseURL, nil)
	checker.RegisterProvider(healthCheck)

	return &CheckerService{Checker: checker}, nil
}

// NewAdminAuth creates the constant-time bearer-cookie authenticator
// guarding the admin surface.
func NewAdminAuth(i do.Injector) (*AdminAuthService, error) {
	cfgSvc := do.MustInvoke[*ConfigService](i)
	cfg := cfgSvc.Config.Admin

	return &AdminAuthService{
		Auth: adminapi.NewCookieAuthenticator(cfg.EffectiveCookieName(), cfg.Secret),
	}, nil
}

// NewAdminHandler builds the admin mux wiring the registry, pool, and
// authenticator into its five routes.
func NewAdminHandler(i do.Injector) (*AdminHandlerService, error) {
	regSvc := do.MustInvoke[*RegistryService](i)
	poolSvc := do.MustInvoke[*PoolService](i)
	authSvc := do.MustInvoke[*AdminAuthService](i)
	trackerSvc := do.MustInvoke[*HealthTrackerService](i)

	mux := adminapi.SetupRoutes(adminapi.Options{
		Registry:     regSvc.Registry,
		Pool:         poolSvc.Pool,
		Auth:         authSvc.Auth,
		Tracker:      trackerSvc.Tracker,
		UpstreamName: upstreamHealthName,
	})

	return &AdminHandlerService{Handler: mux}, nil
}

// NewAdminServer creates the admin HTTP server.
func NewAdminServer(i do.Injector) (*AdminServerService, error) {
	cfgSvc := do.MustInvoke[*ConfigService](i)
	handlerSvc := do.MustInvoke[*AdminHandlerService](i)
	cfg := cfgSvc.Config.Admin

	srv := adminapi.NewServer(cfg.Listen, handlerSvc.Handler, cfg.EnableHTTP2)

	return &AdminServerService{Server: srv}, nil
}
