package admin

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/cloo-solutions/crewbot/internal/api/handlers"
	"github.com/cloo-solutions/crewbot/internal/config"
	"github.com/cloo-solutions/crewbot/internal/jobs"
	"github.com/cloo-solutions/crewbot/internal/server"
	"github.com/cloo-solutions/crewbot/internal/service"
	"github.com/cloo-solutions/crewbot/internal/storage"
	"github.com/cloo-solutions/crewbot/internal/telemetry"
	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/postgres"
	_ "github.com/golang-migrate/migrate/v4/source/file"
	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/spf13/cobra"
)

// ServeCmd returns the serve command
func ServeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the webhook server",
		Long:  "Start the crewbot webhook server. Retrieval dependencies are opened on the first message that needs them.",
		RunE:  runServe,
	}

	cmd.Flags().StringP("port", "p", "", "Port to listen on (overrides CREWBOT_PORT)")
	cmd.Flags().Bool("no-migrate", false, "Skip database migrations on startup")
	cmd.Flags().String("migrations", "migrations", "Directory holding the SQL migrations")

	return cmd
}

func runServe(cmd *cobra.Command, args []string) error {
	ctx := context.Background()

	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	logger := setupLogger(cfg)

	shutdownTelemetry, err := telemetry.Init(telemetry.Config{
		DSN:              cfg.SentryDSN,
		Environment:      cfg.Environment,
		TracesSampleRate: sampleRate(cfg.Environment),
		Debug:            cfg.Debug,
	})
	if err != nil {
		logger.Warn("telemetry init failed, continuing without tracing", "error", err)
	} else {
		defer shutdownTelemetry()
	}

	if port, _ := cmd.Flags().GetString("port"); port != "" {
		cfg.Port = port
	}

	// Migration failures are not fatal: the bot keeps answering from the
	// fallback bank and retrieval degrades until the database is fixed.
	noMigrate, _ := cmd.Flags().GetBool("no-migrate")
	if !noMigrate && !cfg.UsesSQLite() && cfg.DatabaseURL != "" {
		dir, _ := cmd.Flags().GetString("migrations")
		if err := runMigrations(cfg.DatabaseURL, dir); err != nil {
			logger.Error("migrations failed, retrieval may be degraded", "error", err)
		}
	}

	backend := newBackend(cfg)
	defer backend.close()

	loader := service.NewRetrieverLoader(backend.buildRetriever, service.LoaderConfig{
		InitTimeout:   cfg.LoaderInitTimeout,
		RetryCooldown: cfg.LoaderRetryCooldown,
		MaxAttempts:   cfg.LoaderMaxAttempts,
	})
	defer loader.Close()

	responder := service.NewResponderWithConfig(loader, service.ResponderConfig{
		RetrievalK:       cfg.RetrievalK,
		RetrievalTimeout: cfg.RetrievalTimeout,
	})

	messageHandler := handlers.NewMessageHandler(responder, cfg.ReplyWindow)
	if !cfg.UsesSQLite() && cfg.DatabaseURL != "" {
		messageHandler.WithReplyLog(replyLog{backend: backend})
	}

	var syncWorker *jobs.Worker
	if cfg.SyncEnabled() {
		syncWorker, err = newSyncWorker(ctx, cfg, backend)
		if err != nil {
			return err
		}
		go syncWorker.Start(ctx)
	}

	router := server.NewRouter(server.RouterConfig{
		MessageHandler: messageHandler,
		Retrieval:      loader,
		Logger:         logger,
	})

	srv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           router,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       bodyReadTimeout(cfg.ReplyWindow),
	}

	serveErr := make(chan error, 1)
	go func() {
		logger.Info("starting server",
			"port", cfg.Port,
			"store", cfg.StoreDriver,
			"reply_window", cfg.ReplyWindow.String(),
			"retrieval_configured", cfg.HasStore() && cfg.HasOpenAI(),
		)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	select {
	case <-quit:
	case err := <-serveErr:
		if err != nil {
			return fmt.Errorf("server failed: %w", err)
		}
	}
	logger.Info("shutting down")

	if syncWorker != nil {
		syncWorker.Stop()
	}

	shutdownCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server forced to shutdown: %w", err)
	}
	messageHandler.Wait()

	logger.Info("server exited")
	return nil
}

func newSyncWorker(ctx context.Context, cfg *config.Config, backend *backend) (*jobs.Worker, error) {
	targets, err := jobs.ParseSyncTargets(cfg.SyncTargets)
	if err != nil {
		return nil, err
	}
	source, err := newS3Source(ctx, cfg)
	if err != nil {
		return nil, err
	}
	processor := jobs.NewSyncWorker(backend.syncIngester, source, "s3", targets)
	return jobs.NewWorker("document-sync", processor, cfg.SyncInterval).RunOnStart(), nil
}

func newS3Source(ctx context.Context, cfg *config.Config) (*storage.S3Client, error) {
	client, err := storage.NewS3Client(ctx, storage.S3ClientConfig{
		Endpoint:        cfg.S3Endpoint,
		Region:          cfg.S3Region,
		AccessKeyID:     cfg.S3AccessKey,
		SecretAccessKey: cfg.S3SecretKey,
		Bucket:          cfg.S3Bucket,
		UsePathStyle:    true,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create S3 client: %w", err)
	}
	return client, nil
}

// setupLogger installs the process-wide slog logger. Development gets text
// output, everything else JSON.
func setupLogger(cfg *config.Config) *slog.Logger {
	level := slog.LevelInfo
	if cfg.Debug {
		level = slog.LevelDebug
	}
	opts := &slog.HandlerOptions{Level: level}

	var handler slog.Handler
	if cfg.Environment == "development" {
		handler = slog.NewTextHandler(os.Stderr, opts)
	} else {
		handler = slog.NewJSONHandler(os.Stderr, opts)
	}
	logger := slog.New(handler).With("service", "crewbot")
	slog.SetDefault(logger)
	return logger
}

// bodyReadTimeout leaves a quarter of the reply window for answering once the
// request has been read.
func bodyReadTimeout(window time.Duration) time.Duration {
	return window - window/4
}

// sampleRate traces everything in development and 10% elsewhere.
func sampleRate(environment string) float64 {
	if environment == "development" {
		return 1.0
	}
	return 0.1
}

func runMigrations(databaseURL, dir string) error {
	db, err := sql.Open("pgx", databaseURL)
	if err != nil {
		return fmt.Errorf("failed to open database for migrations: %w", err)
	}
	defer db.Close()

	driver, err := postgres.WithInstance(db, &postgres.Config{})
	if err != nil {
		return fmt.Errorf("failed to create migration driver: %w", err)
	}

	m, err := migrate.NewWithDatabaseInstance("file://"+dir, "postgres", driver)
	if err != nil {
		return fmt.Errorf("failed to create migrate instance: %w", err)
	}

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("failed to apply migrations: %w", err)
	}

	version, dirty, err := m.Version()
	switch {
	case errors.Is(err, migrate.ErrNilVersion):
		slog.Info("migrations: no migrations applied")
	case err != nil:
		return fmt.Errorf("failed to get migration version: %w", err)
	case dirty:
		return fmt.Errorf("migration version %d is dirty - manual intervention required", version)
	default:
		slog.Info("migrations: database is up to date", "version", version)
	}
	return nil
}
