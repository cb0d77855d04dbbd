package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"bot-rental-engine/config"
	"bot-rental-engine/internal/api"
	"bot-rental-engine/internal/database"
	"bot-rental-engine/internal/locks"
	"bot-rental-engine/internal/notify"
	"bot-rental-engine/internal/pipeline"
	"bot-rental-engine/internal/queue"
	"bot-rental-engine/internal/risk"
	"bot-rental-engine/internal/scheduler"
	"bot-rental-engine/internal/strategy"
	"bot-rental-engine/internal/symbols"
	"bot-rental-engine/internal/vault"
)

func main() {
	// .env is optional, real deployments set the environment directly
	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	logger := newLogger(cfg.LoggingConfig)
	logger.Info().Msg("starting bot rental engine")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Database
	db, err := database.NewDB(cfg.DatabaseConfig)
	if err != nil {
		logger.Fatal().Err(err).Msg("connect database")
	}
	defer db.Close()
	if err := db.RunMigrations(ctx); err != nil {
		logger.Fatal().Err(err).Msg("run migrations")
	}
	repo := database.NewRepository(db)

	// Redis backs both the lock service and the work queues
	redisClient := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisConfig.Address,
		Password: cfg.RedisConfig.Password,
		DB:       cfg.RedisConfig.DB,
		PoolSize: cfg.RedisConfig.PoolSize,
	})
	if err := redisClient.Ping(ctx).Err(); err != nil {
		logger.Fatal().Err(err).Msg("connect redis")
	}
	defer redisClient.Close()

	locker := locks.NewRedisLocker(redisClient, logger)
	broker := queue.NewBroker(redisClient, logger)

	// Credentials
	vaultClient, err := vault.NewClient(cfg.VaultConfig)
	if err != nil {
		logger.Fatal().Err(err).Msg("connect vault")
	}

	// Notification sinks
	var sinks []notify.Sink
	if cfg.NotificationConfig.Enabled {
		telegramSink, err := notify.NewTelegramSink(cfg.NotificationConfig.Telegram)
		if err != nil {
			logger.Fatal().Err(err).Msg("connect telegram")
		}
		sinks = append(sinks, telegramSink, notify.NewWebhookSink(cfg.NotificationConfig.WebhookURL))
	}
	dispatcher := notify.NewDispatcher(broker, logger, sinks...)

	// Pipeline and its collaborators
	gate := risk.NewGate(cfg.RiskConfig.FailOpen, logger)
	selector := symbols.NewSelector(repo, logger)
	registry := strategy.NewRegistry()
	pipe := pipeline.New(cfg.PipelineConfig, cfg.ExchangeConfig, repo, locker, selector, registry, vaultClient, gate, dispatcher, logger)

	// Worker pools, one consumer per queue
	hardTimeout := cfg.PipelineConfig.HardTimeout
	consumers := []*queue.Consumer{
		queue.NewConsumer(broker, queue.QueueActiveBots, cfg.PipelineConfig.ActiveWorkers, pipe.Handler(), logger).WithJobTimeout(hardTimeout),
		queue.NewConsumer(broker, queue.QueueSignalBots, cfg.PipelineConfig.SignalWorkers, pipe.Handler(), logger).WithJobTimeout(hardTimeout),
		queue.NewConsumer(broker, queue.QueueRPABots, cfg.PipelineConfig.RPAWorkers, pipe.Handler(), logger).WithJobTimeout(hardTimeout),
		queue.NewConsumer(broker, queue.QueueNotify, cfg.PipelineConfig.NotifyWorkers, dispatcher.Handler(), logger),
	}
	for _, c := range consumers {
		c.Start()
	}

	// Scheduler loop
	sched := scheduler.New(cfg.SchedulerConfig, repo, broker, logger)
	if cfg.SchedulerConfig.Enabled {
		sched.Start(ctx)
		logger.Info().
			Dur("scan_interval", cfg.SchedulerConfig.ScanInterval).
			Msg("scheduler started")
	} else {
		logger.Warn().Msg("scheduler disabled, engine will only serve the ops API")
	}

	// Ops server
	server := api.NewServer(cfg.ServerConfig, sched, repo, broker, map[string]api.HealthChecker{
		"database": repo.HealthCheck,
		"redis": func(ctx context.Context) error {
			return redisClient.Ping(ctx).Err()
		},
		"vault": vaultClient.Health,
	}, logger)
	go func() {
		if err := server.Start(); err != nil {
			logger.Error().Err(err).Msg("ops server stopped")
			cancel()
		}
	}()

	// Shutdown: stop scheduling first, drain workers, then close the
	// listener. Locks held by interrupted runs expire by TTL.
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	select {
	case sig := <-sigChan:
		logger.Info().Str("signal", sig.String()).Msg("shutting down")
	case <-ctx.Done():
	}

	if cfg.SchedulerConfig.Enabled {
		sched.Stop()
	}
	cancel()
	for _, c := range consumers {
		c.Stop()
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(),
		time.Duration(cfg.ServerConfig.ShutdownTimeout)*time.Second)
	defer shutdownCancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("ops server shutdown")
	}

	logger.Info().Msg("shutdown complete")
}

func newLogger(cfg config.LoggingConfig) zerolog.Logger {
	level, err := zerolog.ParseLevel(cfg.Level)
	if err != nil || cfg.Level == "" {
		level = zerolog.InfoLevel
	}

	var logger zerolog.Logger
	if cfg.Pretty {
		logger = zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339})
	} else {
		logger = zerolog.New(os.Stderr)
	}
	return logger.Level(level).With().Timestamp().Logger()
}
