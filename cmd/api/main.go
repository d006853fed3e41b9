package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/dunamismax/pixelbatch/internal/api"
	"github.com/dunamismax/pixelbatch/internal/batch"
	"github.com/dunamismax/pixelbatch/internal/config"
	"github.com/dunamismax/pixelbatch/internal/queue"
	"github.com/dunamismax/pixelbatch/internal/sheet"
	"github.com/dunamismax/pixelbatch/internal/store"
	"github.com/dunamismax/pixelbatch/internal/telemetry"
)

type dispatcher interface {
	batch.Dispatcher
	Close() error
}

func main() {
	cfg, err := config.Load()
	if err != nil {
		bootLogger := zerolog.New(os.Stderr)
		bootLogger.Fatal().Err(err).Msg("load config")
	}
	logger := telemetry.NewLogger(cfg.Log.Level, cfg.Log.Format, "api")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	shutdownTracing, err := telemetry.SetupTracing(ctx, telemetry.TraceConfig{
		ServiceName:  "pixelbatch-api",
		Exporter:     cfg.Tracing.Exporter,
		OTLPEndpoint: cfg.Tracing.OTLPEndpoint,
		OTLPInsecure: cfg.Tracing.OTLPInsecure,
		SampleRatio:  cfg.Tracing.SampleRatio,
	}, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("setup tracing")
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTracing(shutdownCtx); err != nil {
			logger.Error().Err(err).Msg("tracing shutdown")
		}
	}()

	jobStore, closeStore, err := store.Open(ctx, cfg.Store.Driver, cfg.Store.DSN)
	if err != nil {
		logger.Fatal().Err(err).Str("driver", cfg.Store.Driver).Msg("open job store")
	}
	defer func() {
		if err := closeStore(); err != nil {
			logger.Error().Err(err).Msg("job store close")
		}
	}()

	readiness := map[string]api.Checker{"store": jobStore.Ping}

	var queueClient dispatcher
	switch cfg.Queue.Backend {
	case config.QueueBackendKafka:
		queueClient = queue.NewKafkaDispatcher(cfg.Queue.KafkaBrokers, cfg.Queue.KafkaTopic)
	default:
		queueClient = queue.NewClient(cfg.Queue.RedisClientOpt(), cfg.Queue.Name, cfg.Queue.MaxRetry, cfg.Queue.TaskTimeout)

		rdb := redis.NewClient(&redis.Options{
			Addr:     cfg.Queue.RedisAddr,
			Password: cfg.Queue.RedisPassword,
			DB:       cfg.Queue.RedisDB,
		})
		defer rdb.Close()
		readiness["redis"] = api.RedisChecker(rdb)
	}
	defer func() {
		if err := queueClient.Close(); err != nil {
			logger.Error().Err(err).Msg("queue client close")
		}
	}()

	svc := batch.NewService(jobStore, queueClient, logger, sheet.ParseOptions{
		Delimiter: cfg.Ingest.Delimiter,
		MaxBytes:  cfg.Ingest.MaxBytes,
	})
	app := api.NewServer(logger, svc, api.Options{
		MaxUploadBytes: cfg.API.MaxUploadBytes,
		Readiness:      readiness,
	})

	httpServer := &http.Server{
		Addr:         cfg.API.Addr,
		Handler:      app.Handler(),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info().
			Str("addr", cfg.API.Addr).
			Str("queue_backend", cfg.Queue.Backend).
			Str("store_driver", cfg.Store.Driver).
			Msg("listening")
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
	case err := <-errCh:
		logger.Error().Err(err).Msg("server failed")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	logger.Info().Msg("shutting down")
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("graceful shutdown failed")
	}
}
