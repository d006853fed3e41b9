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

	"github.com/dunamismax/pixelbatch/internal/batch"
	"github.com/dunamismax/pixelbatch/internal/config"
	"github.com/dunamismax/pixelbatch/internal/pipeline"
	"github.com/dunamismax/pixelbatch/internal/storage"
	"github.com/dunamismax/pixelbatch/internal/store"
	"github.com/dunamismax/pixelbatch/internal/telemetry"
	"github.com/dunamismax/pixelbatch/internal/webhook"
	"github.com/dunamismax/pixelbatch/internal/worker"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		bootLogger := zerolog.New(os.Stderr)
		bootLogger.Fatal().Err(err).Msg("load config")
	}
	logger := telemetry.NewLogger(cfg.Log.Level, cfg.Log.Format, "worker")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	shutdownTracing, err := telemetry.SetupTracing(ctx, telemetry.TraceConfig{
		ServiceName:  "pixelbatch-worker",
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

	transformCfg := pipeline.Config{
		Mode:         cfg.Transform.Mode,
		From:         cfg.Transform.From,
		To:           cfg.Transform.To,
		Width:        cfg.Transform.Width,
		Format:       cfg.Transform.Format,
		Quality:      cfg.Transform.Quality,
		FetchTimeout: cfg.Transform.FetchTimeout,
	}

	var objects pipeline.ObjectWriter
	if cfg.Transform.Mode == pipeline.ModeObjectStore {
		storageClient, err := storage.NewClient(storage.Config{
			Endpoint:      cfg.Storage.Endpoint,
			Access:        cfg.Storage.AccessKey,
			Secret:        cfg.Storage.SecretKey,
			Bucket:        cfg.Storage.Bucket,
			UseSSL:        cfg.Storage.UseSSL,
			PublicBaseURL: cfg.Storage.PublicBaseURL,
		})
		if err != nil {
			logger.Fatal().Err(err).Msg("initialize storage client")
		}
		if err := storageClient.EnsureBucket(ctx); err != nil {
			logger.Fatal().Err(err).Str("bucket", storageClient.Bucket()).Msg("ensure output bucket")
		}
		objects = storageClient
	}

	transformer, err := pipeline.New(transformCfg, objects)
	if err != nil {
		logger.Fatal().Err(err).Msg("initialize transformer")
	}

	notifier := webhook.NewClient(webhook.Config{
		SigningSecret: cfg.Webhook.SigningSecret,
		Timeout:       cfg.Webhook.Timeout,
		MaxAttempts:   cfg.Webhook.MaxAttempts,
	})

	executor := batch.NewExecutor(jobStore, transformer, notifier, logger)
	srv, err := worker.NewServer(logger, cfg.Queue, cfg.Worker, executor)
	if err != nil {
		logger.Fatal().Err(err).Msg("initialize worker")
	}

	metricsServer := &http.Server{
		Addr:              cfg.Worker.MetricsAddr,
		Handler:           srv.MetricsHandler(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		if err := metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error().Err(err).Msg("metrics server failed")
		}
	}()

	logger.Info().
		Str("queue_backend", cfg.Queue.Backend).
		Str("queue", cfg.Queue.Name).
		Int("concurrency", cfg.Worker.Concurrency).
		Int("max_active_jobs", cfg.Worker.MaxActiveJobs).
		Str("transform_mode", cfg.Transform.Mode).
		Msg("starting worker")

	if err := srv.Run(ctx); err != nil {
		logger.Error().Err(err).Msg("worker failed")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := metricsServer.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("metrics server shutdown")
	}
}
