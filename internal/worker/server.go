package worker

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/hibiken/asynq"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/dunamismax/pixelbatch/internal/batch"
	"github.com/dunamismax/pixelbatch/internal/config"
	"github.com/dunamismax/pixelbatch/internal/queue"
)

const (
	outcomeSkipped = "skipped"
	outcomeError   = "error"
)

type executor interface {
	Execute(ctx context.Context, payload queue.ProcessImagePayload) (batch.Result, error)
}

// Server pulls image jobs from asynq or a Kafka consumer group and runs them
// through the executor, bounded by a shared semaphore.
type Server struct {
	logger   zerolog.Logger
	server   *asynq.Server
	consumer *queue.KafkaConsumer
	sem      chan struct{}
	executor executor
	metrics  *metrics
	tracer   trace.Tracer
}

func NewServer(
	logger zerolog.Logger,
	queueCfg config.QueueConfig,
	workerCfg config.WorkerConfig,
	exec executor,
) (*Server, error) {
	if exec == nil {
		return nil, fmt.Errorf("executor is required")
	}

	s := newServer(logger, workerCfg, exec)

	switch queueCfg.Backend {
	case config.QueueBackendKafka:
		s.consumer = queue.NewKafkaConsumer(queue.KafkaConsumerConfig{
			Brokers:     queueCfg.KafkaBrokers,
			Topic:       queueCfg.KafkaTopic,
			GroupID:     queueCfg.KafkaGroupID,
			Concurrency: workerCfg.Concurrency,
			MaxAttempts: queueCfg.MaxRetry + 1,
		}, logger)
	default:
		s.server = asynq.NewServer(
			queueCfg.RedisClientOpt(),
			asynq.Config{
				Concurrency: workerCfg.Concurrency,
				Queues: map[string]int{
					queueCfg.Name: 1,
				},
				Logger:   asynqLogger{logger: logger.With().Str("component", "asynq").Logger()},
				LogLevel: asynq.InfoLevel,
				ErrorHandler: asynq.ErrorHandlerFunc(func(ctx context.Context, task *asynq.Task, err error) {
					retried, _ := asynq.GetRetryCount(ctx)
					maxRetry, _ := asynq.GetMaxRetry(ctx)
					logger.Error().
						Err(err).
						Str("task_type", task.Type()).
						Int("retry", retried).
						Int("max_retry", maxRetry).
						Msg("task failed")
				}),
			},
		)
	}
	return s, nil
}

func newServer(logger zerolog.Logger, workerCfg config.WorkerConfig, exec executor) *Server {
	return &Server{
		logger:   logger,
		sem:      make(chan struct{}, max(1, workerCfg.MaxActiveJobs)),
		executor: exec,
		metrics:  newMetrics(),
		tracer:   otel.Tracer("pixelbatch/worker"),
	}
}

// Run blocks until ctx is cancelled, then drains in-flight work.
func (s *Server) Run(ctx context.Context) error {
	if s.consumer != nil {
		return s.consumer.Run(ctx, s.process)
	}

	mux := asynq.NewServeMux()
	mux.HandleFunc(queue.TypeProcessImage, s.handleProcessImage)
	if err := s.server.Start(mux); err != nil {
		return fmt.Errorf("start asynq server: %w", err)
	}

	<-ctx.Done()
	s.server.Shutdown()
	return nil
}

func (s *Server) MetricsHandler() http.Handler {
	return s.metrics.Handler()
}

func (s *Server) handleProcessImage(ctx context.Context, task *asynq.Task) error {
	payload, err := queue.ParseProcessImagePayload(task)
	if err != nil {
		s.metrics.jobsTotal.WithLabelValues(outcomeError).Inc()
		return fmt.Errorf("parse payload: %v: %w", err, asynq.SkipRetry)
	}
	return s.process(ctx, payload)
}

func (s *Server) process(ctx context.Context, payload queue.ProcessImagePayload) error {
	startedAt := time.Now()
	outcome := outcomeError

	ctx, span := s.tracer.Start(ctx, "worker.process_image", trace.WithSpanKind(trace.SpanKindConsumer))
	span.SetAttributes(
		attribute.Int64("job.id", payload.JobID),
		attribute.String("batch.id", payload.BatchID),
	)
	defer span.End()
	defer func() {
		s.metrics.jobDuration.WithLabelValues(outcome).Observe(time.Since(startedAt).Seconds())
		s.metrics.jobsTotal.WithLabelValues(outcome).Inc()
	}()

	select {
	case s.sem <- struct{}{}:
	case <-ctx.Done():
		return ctx.Err()
	}
	s.metrics.activeJobs.Inc()
	defer func() {
		<-s.sem
		s.metrics.activeJobs.Dec()
	}()

	res, err := s.executor.Execute(ctx, payload)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "execute failed")
		return err
	}

	outcome = string(res.Status)
	if res.Skipped {
		outcome = outcomeSkipped
	}
	span.SetAttributes(attribute.String("job.outcome", outcome))
	span.SetStatus(codes.Ok, "processed")
	return nil
}

// asynqLogger routes asynq's internal logging onto zerolog.
type asynqLogger struct {
	logger zerolog.Logger
}

func (l asynqLogger) Debug(args ...any) { l.logger.Debug().Msg(fmt.Sprint(args...)) }
func (l asynqLogger) Info(args ...any)  { l.logger.Info().Msg(fmt.Sprint(args...)) }
func (l asynqLogger) Warn(args ...any)  { l.logger.Warn().Msg(fmt.Sprint(args...)) }
func (l asynqLogger) Error(args ...any) { l.logger.Error().Msg(fmt.Sprint(args...)) }
func (l asynqLogger) Fatal(args ...any) { l.logger.Fatal().Msg(fmt.Sprint(args...)) }
