package main

import (
	"context"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"chatsync/internal/auth"
	"chatsync/internal/config"
	"chatsync/internal/constants"
	"chatsync/internal/database"
	"chatsync/internal/metrics"
	"chatsync/internal/models"
	"chatsync/internal/queue"
	"chatsync/internal/retry"
	"chatsync/internal/service"
	"chatsync/internal/tracing"
	"chatsync/internal/transport"

	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
)

func main() {
	configPath := flag.String("config", defaultConfigPath(), "path to the configuration file")
	flag.Parse()

	logger := logrus.New()
	logger.SetFormatter(&logrus.JSONFormatter{})

	if err := run(*configPath, logger); err != nil {
		logger.WithError(err).Fatal("Server exited with error")
	}
}

func defaultConfigPath() string {
	if path := os.Getenv("CHATSYNC_CONFIG"); path != "" {
		return path
	}
	return "config.json"
}

func run(configPath string, logger *logrus.Logger) error {
	cfg, err := config.LoadConfig(configPath)
	if err != nil {
		return err
	}

	if level, err := logrus.ParseLevel(cfg.LogLevel); err == nil {
		logger.SetLevel(level)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	metrics.Register()

	tracingManager := tracing.NewManager(tracing.Config{
		ServiceName:    cfg.Tracing.ServiceName,
		ServiceVersion: cfg.Tracing.ServiceVersion,
		Environment:    cfg.Tracing.Environment,
		OTLPEndpoint:   cfg.Tracing.OTLPEndpoint,
		SampleRate:     cfg.Tracing.SampleRate,
		Enabled:        cfg.Tracing.Enabled,
		UseStdout:      cfg.Tracing.UseStdout,
	}, logger)
	if err := tracingManager.Initialize(ctx); err != nil {
		logger.WithError(err).Warn("Tracing initialization failed, continuing without tracing")
	}

	db, err := openDatabase(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer func() {
		if err := db.Close(); err != nil {
			logger.WithError(err).Warn("Failed to close database")
		}
	}()

	redisClient := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	defer func() {
		if err := redisClient.Close(); err != nil {
			logger.WithError(err).Warn("Failed to close redis client")
		}
	}()

	pingCtx, cancel := context.WithTimeout(ctx, time.Duration(cfg.Redis.OpTimeoutSec)*time.Second)
	defer cancel()
	if err := redisClient.Ping(pingCtx).Err(); err != nil {
		return err
	}

	buffers := queue.New(redisClient, queue.Config{
		MessageTTL:      time.Duration(cfg.Queue.MessageTTLDays) * 24 * time.Hour,
		NotificationTTL: time.Duration(cfg.Queue.NotificationTTLDays) * 24 * time.Hour,
		PresenceTTL:     time.Duration(cfg.Presence.TTLMinutes) * time.Minute,
		MaxBuffered:     int64(cfg.Queue.MaxBuffered),
	}, logger)

	tokens := auth.NewTokenManager(cfg.Auth.JWTSecret, time.Duration(cfg.Auth.TokenTTLHour)*time.Hour)

	hub := transport.NewHub(logger)
	delivery := service.NewDeliveryService(buffers, hub, logger)
	messages := service.NewMessageService(db, delivery, logger)

	wsHandler := transport.NewHandler(hub, tokens, messages, delivery, buffers, transport.Config{
		HeartbeatInterval: time.Duration(cfg.Transport.HeartbeatIntervalSec) * time.Second,
		WriteTimeout:      time.Duration(cfg.Transport.WriteTimeoutSec) * time.Second,
		OutboundQueueSize: cfg.Transport.OutboundQueueSize,
	}, logger)

	scheduler := service.NewSchedulerService(db, logger, cfg.RetentionDays,
		time.Duration(cfg.Server.CleanupIntervalHours)*time.Hour)
	scheduler.Start(ctx)
	defer scheduler.Stop()

	server := NewServer(cfg, messages, wsHandler, tokens, logger)

	errCh := make(chan error, constants.ServerErrorChannelSize)
	go func() {
		if err := server.Start(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		logger.Info("Shutdown signal received")
	}

	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(),
		time.Duration(constants.DefaultGracefulShutdownSec)*time.Second)
	defer cancelShutdown()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.WithError(err).Warn("HTTP server shutdown failed")
	}
	if err := tracingManager.Shutdown(shutdownCtx); err != nil {
		logger.WithError(err).Warn("Tracing shutdown failed")
	}

	logger.Info("Server stopped")
	return nil
}

// openDatabase retries initialization with backoff; on startup the volume
// holding the sqlite file may not be ready yet.
func openDatabase(ctx context.Context, cfg *models.Config, logger *logrus.Logger) (*database.Database, error) {
	backoff := retry.NewBackoff(retry.BackoffConfig{
		InitialDelay: time.Duration(cfg.Retry.InitialBackoffMs) * time.Millisecond,
		MaxDelay:     time.Duration(cfg.Retry.MaxBackoffMs) * time.Millisecond,
		Multiplier:   2.0,
		MaxAttempts:  cfg.Retry.MaxAttempts,
		Jitter:       true,
	})

	var db *database.Database
	err := backoff.Retry(ctx, func() error {
		var openErr error
		db, openErr = database.New(cfg.Database.Path)
		if openErr != nil {
			logger.WithError(openErr).Warn("Database initialization failed, retrying")
		}
		return openErr
	})
	if err != nil {
		return nil, err
	}
	logger.WithField("path", cfg.Database.Path).Info("Database initialized")
	return db, nil
}
