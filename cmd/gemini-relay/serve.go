package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/omarluq/gemini-relay/cmd/gemini-relay/di"
	"github.com/omarluq/gemini-relay/internal/adminapi"
)

var (
	logLevel  string
	logFormat string
	debugMode bool
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the gemini-relay admin surface and pool maintenance loop",
	Long: `Start the credential pool: load and hot-reload config, run the
background valid-key-pool maintenance cycle, and expose the admin HTTP
surface (key status, pool statistics, maintenance trigger, health).`,
	RunE: runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)

	serveCmd.Flags().StringVar(&logLevel, "log-level", "",
		"log level (debug, info, warn, error) - overrides config")
	serveCmd.Flags().StringVar(&logFormat, "log-format", "",
		"log format (json, pretty, console) - overrides config")
	serveCmd.Flags().BoolVar(&debugMode, "debug", false,
		"enable debug mode (sets log level to debug and enables all debug options)")
}

func runServe(cmd *cobra.Command, _ []string) error {
	configPath := resolveConfigPath()

	container, err := di.NewContainer(configPath)
	if err != nil {
		log.Error().Err(err).Str("path", configPath).Msg("failed to initialize services")
		return err
	}

	cfgSvc := di.MustInvoke[*di.ConfigService](container)
	cfg := cfgSvc.Config

	if debugMode {
		cfg.Logging.EnableAllDebugOptions()
	}
	if logLevel != "" {
		cfg.Logging.Level = logLevel
	}
	if logFormat != "" {
		cfg.Logging.Format = logFormat
	}

	loggerSvc := di.MustInvoke[*di.LoggerService](container)
	logger := loggerSvc.Logger

	log.Logger = *logger
	zerolog.DefaultContextLogger = logger

	if debugMode || logLevel != "" || logFormat != "" {
		log.Info().Msg("logging overridden via CLI flags")
	}

	poolSvc, err := di.Invoke[*di.PoolService](container)
	if err != nil {
		log.Error().Err(err).Msg("failed to initialize valid key pool")
		return err
	}

	adminServerSvc, err := di.Invoke[*di.AdminServerService](container)
	if err != nil {
		log.Error().Err(err).Msg("failed to initialize admin server")
		return err
	}

	checkerSvc := di.MustInvoke[*di.CheckerService](container)
	checkerSvc.Checker.Start()

	ctx, cancel := context.WithCancel(cmd.Context())
	defer cancel()

	cfgSvc.StartWatching(ctx)

	if poolSvc.Pool != nil {
		go runMaintenanceLoop(ctx, poolSvc.Pool.Maintain, cfg.Pool.MaintenanceInterval())
	}

	return runWithGracefulShutdown(adminServerSvc.Server, container, cfg.Admin.Listen)
}

// runMaintenanceLoop invokes maintain on a fixed interval until ctx is
// canceled. The first run happens immediately so the pool isn't empty
// for a full interval after startup.
func runMaintenanceLoop(ctx context.Context, maintain func(context.Context), interval time.Duration) {
	maintain(ctx)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			maintain(ctx)
		}
	}
}

// runWithGracefulShutdown handles signal-based graceful shutdown of the
// admin server and the DI container's services.
func runWithGracefulShutdown(server *adminapi.Server, container *di.Container, listenAddr string) error {
	done := make(chan struct{})
	go func() {
		sigint := make(chan os.Signal, 1)
		signal.Notify(sigint, os.Interrupt, syscall.SIGTERM)
		<-sigint

		log.Info().Msg("shutting down...")

		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		if err := server.Shutdown(ctx); err != nil {
			log.Error().Err(err).Msg("admin server shutdown error")
		}

		if err := container.ShutdownWithContext(ctx); err != nil {
			log.Error().Err(err).Msg("service shutdown error")
		}

		close(done)
	}()

	log.Info().Str("listen", listenAddr).Msg("starting gemini-relay admin surface")

	if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		log.Error().Err(err).Msg("admin server error")
		return err
	}

	<-done
	log.Info().Msg("server stopped")

	return nil
}
