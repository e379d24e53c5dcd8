package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/golang-migrate/migrate/v4"
	_ "github.com/golang-migrate/migrate/v4/database/postgres"
	_ "github.com/golang-migrate/migrate/v4/source/file"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"

	"github.com/telhawk-systems/telhawk-events/internal/breaker"
	"github.com/telhawk-systems/telhawk-events/internal/config"
	"github.com/telhawk-systems/telhawk-events/internal/delivery"
	"github.com/telhawk-systems/telhawk-events/internal/dlq"
	"github.com/telhawk-systems/telhawk-events/internal/handlers"
	"github.com/telhawk-systems/telhawk-events/internal/publisher"
	"github.com/telhawk-systems/telhawk-events/internal/repository"
	"github.com/telhawk-systems/telhawk-events/internal/server"
	"github.com/telhawk-systems/telhawk-events/internal/signing"
	"github.com/telhawk-systems/telhawk-events/internal/stream"
)

var (
	cfgFile  string
	inMemory bool
)

var rootCmd = &cobra.Command{
	Use:   "events",
	Short: "TelHawk event distribution service",
	Long: `events accepts platform domain events (logins, MFA challenges,
role changes, security alerts) and distributes them to registered
webhooks and live subscribers, with per-webhook circuit breaking,
bounded retry, and a dead letter store.`,
	Version: "0.1.0",
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the event distribution service",
	RunE: func(cmd *cobra.Command, args []string) error {
		return serve()
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "path to config file")
	serveCmd.Flags().BoolVar(&inMemory, "in-memory", false, "use the in-memory repository (no PostgreSQL)")
	rootCmd.AddCommand(serveCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func serve() error {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	logger := newLogger(cfg.Logging)
	slog.SetDefault(logger)

	repo, err := openRepository(cfg, logger)
	if err != nil {
		return err
	}
	defer repo.Close()

	statsStore, err := openStatsStore(cfg, logger)
	if err != nil {
		return err
	}

	var broadcaster publisher.Broadcaster
	if cfg.NATS.Enabled {
		b, err := stream.Connect(stream.Config{URL: cfg.NATS.URL, Name: cfg.NATS.Name}, logger)
		if err != nil {
			return fmt.Errorf("failed to connect broadcast bridge: %w", err)
		}
		defer b.Close()
		broadcaster = b
		logger.Info("nats broadcast bridge connected", "url", cfg.NATS.URL)
	}

	breakers := breaker.NewRegistry(breaker.Config{
		FailureThreshold: cfg.Breaker.FailureThreshold,
		RecoveryTimeout:  cfg.Breaker.RecoveryTimeout,
		MonitoringPeriod: cfg.Breaker.MonitoringPeriod,
	})

	engine := delivery.NewEngine(repo, breakers, signing.NewSigner(), nil, logger)
	dlqStore := dlq.NewStore(repo, engine, statsStore, dlq.Config{
		MaxRetentionDays: cfg.DLQ.MaxRetentionDays,
		MaxRetryAttempts: cfg.DLQ.MaxRetryAttempts,
		BatchSize:        cfg.DLQ.BatchSize,
		FailureCeiling:   cfg.DLQ.FailureCeiling,
	}, logger)
	engine.SetDeadLetterSink(dlqStore)

	retention := time.Duration(cfg.Retention.EventRetentionDays) * 24 * time.Hour
	pub := publisher.New(repo, engine, broadcaster, retention, logger)

	// Background loops
	loopCtx, stopLoops := context.WithCancel(context.Background())
	defer stopLoops()
	go engine.RunDrainLoop(loopCtx, cfg.Delivery.DrainInterval)
	go engine.RunRetryLoop(loopCtx, cfg.Delivery.RetryPollInterval)
	go dlqStore.RunRetrySweep(loopCtx, cfg.DLQ.ProcessingInterval)
	go dlqStore.RunCleanupLoop(loopCtx, cfg.DLQ.CleanupInterval)
	go pub.RunRetentionSweep(loopCtx, cfg.Retention.SweepInterval)

	handler := handlers.NewHandler(pub, dlqStore, breakers, engine, logger)
	srv := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      server.NewRouter(handler),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	go func() {
		logger.Info("events service listening", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("server error", "error", err)
			os.Exit(1)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("shutting down")
	stopLoops()

	ctx, cancel := context.WithTimeout(context.Background(), cfg.Server.WriteTimeout)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		return fmt.Errorf("server forced to shutdown: %w", err)
	}

	logger.Info("server stopped")
	return nil
}

// openRepository connects PostgreSQL (running migrations first) or falls
// back to the in-memory repository when --in-memory is set.
func openRepository(cfg *config.Config, logger *slog.Logger) (repository.Repository, error) {
	if inMemory {
		logger.Warn("using in-memory repository; events will not survive restarts")
		return repository.NewInMemoryRepository(), nil
	}

	connString := cfg.Database.Postgres.ConnString()

	logger.Info("running database migrations")
	m, err := migrate.New("file://migrations", connString)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize migrations: %w", err)
	}
	if err := m.Up(); err != nil && err != migrate.ErrNoChange {
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}

	repo, err := repository.NewPostgresRepository(context.Background(), connString)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to PostgreSQL: %w", err)
	}
	return repo, nil
}

// openStatsStore connects Redis for dead letter statistics when enabled;
// otherwise counters stay in process memory.
func openStatsStore(cfg *config.Config, logger *slog.Logger) (*dlq.StatsStore, error) {
	if !cfg.Redis.Enabled {
		return dlq.NewStatsStore(nil, false), nil
	}

	opts, err := redis.ParseURL(cfg.Redis.URL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse redis url: %w", err)
	}
	client := redis.NewClient(opts)
	if err := client.Ping(context.Background()).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}

	logger.Info("redis stats store connected")
	return dlq.NewStatsStore(client, true), nil
}

func newLogger(cfg config.LoggingConfig) *slog.Logger {
	var level slog.Level
	switch cfg.Level {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{Level: level}
	var handler slog.Handler
	if cfg.Format == "text" {
		handler = slog.NewTextHandler(os.Stdout, opts)
	} else {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	}
	return slog.New(handler)
}
