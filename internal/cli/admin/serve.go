package admin

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/cloo-solutions/regaudit/internal/api/handlers"
	"github.com/cloo-solutions/regaudit/internal/config"
	"github.com/cloo-solutions/regaudit/internal/intake"
	"github.com/cloo-solutions/regaudit/internal/logging"
	"github.com/cloo-solutions/regaudit/internal/server"
	"github.com/cloo-solutions/regaudit/internal/telemetry"
)

const shutdownTimeout = 30 * time.Second

// ServeCmd returns the serve command
func ServeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the API server and workers",
		Long:  "Start the regaudit API server, the case workers and the indexing worker",
		RunE:  runServe,
	}

	cmd.Flags().StringP("port", "p", "", "Port to listen on (overrides REGAUDIT_PORT)")
	cmd.Flags().Bool("no-migrate", false, "Skip automatic database migrations on startup")

	return cmd
}

// loadConfig loads the configuration and sets up the global logger
func loadConfig() (*config.Config, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	logging.Setup(cfg.LogLevel, cfg.LogFormat, cfg.Debug)
	return cfg, nil
}

func runServe(cmd *cobra.Command, args []string) error {
	ctx, cancel := context.WithCancel(cmd.Context())
	defer cancel()

	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	sampleRate := 0.1
	if cfg.Environment == "development" {
		sampleRate = 1.0
	}
	shutdownTelemetry, err := telemetry.Init(telemetry.Config{
		DSN:              cfg.SentryDSN,
		Environment:      cfg.Environment,
		TracesSampleRate: sampleRate,
		Debug:            cfg.Debug,
	})
	if err != nil {
		log.Warn().Err(err).Msg("telemetry init failed, continuing without tracing")
	} else {
		defer shutdownTelemetry()
	}

	if port, _ := cmd.Flags().GetString("port"); port != "" {
		cfg.Port = port
	}
	noMigrate, _ := cmd.Flags().GetBool("no-migrate")

	a, err := newApp(ctx, cfg, appOptions{Workers: cfg.WorkerCount, Migrate: !noMigrate})
	if err != nil {
		return err
	}
	defer a.Close()

	if err := a.queue.Start(ctx); err != nil {
		return fmt.Errorf("failed to start case queue: %w", err)
	}
	log.Info().Int("workers", cfg.WorkerCount).Msg("case queue started")

	indexer := a.indexingWorker()
	if indexer != nil {
		go indexer.Start(ctx)
	}

	intakeSvc := intake.NewService(a.events, a.repos, a.orchestrator, a.queue)

	var reports handlers.ReportLinker
	if a.archiver != nil {
		reports = a.archiver
	}
	if cfg.WebhookSecret == "" {
		log.Warn().Msg("REGAUDIT_WEBHOOK_SECRET is not set: GitHub webhooks are disabled")
	}

	router := server.NewRouter(server.RouterConfig{
		CaseHandler:   handlers.NewCaseHandler(a.orchestrator, reports),
		EventHandler:  handlers.NewEventHandler(intakeSvc, cfg.WebhookSecret),
		SourceHandler: handlers.NewSourceHandler(a.ingest, a.registry, a.repos),
	})

	srv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	serveErr := make(chan error, 1)
	go func() {
		log.Info().Str("port", cfg.Port).Msg("starting server")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	select {
	case sig := <-quit:
		log.Info().Str("signal", sig.String()).Msg("shutting down")
	case err := <-serveErr:
		if err != nil {
			return fmt.Errorf("server failed: %w", err)
		}
	}

	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancelShutdown()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("server forced to shutdown")
	}
	if indexer != nil {
		indexer.Stop()
	}
	if err := a.queue.Stop(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("case queue did not stop cleanly")
	}

	log.Info().Msg("server exited")
	return nil
}
