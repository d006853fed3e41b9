package batch

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/dunamismax/pixelbatch/internal/domain"
	"github.com/dunamismax/pixelbatch/internal/pipeline"
	"github.com/dunamismax/pixelbatch/internal/queue"
	"github.com/dunamismax/pixelbatch/internal/store"
)

const (
	EventBatchCompleted = "batch.completed"
	EventBatchFailed    = "batch.failed"
)

var errEmptyOutput = errors.New("transformer returned no output")

// Notifier delivers batch lifecycle events to a caller supplied URL.
type Notifier interface {
	Send(ctx context.Context, endpoint, event string, payload any) error
}

// Result describes what one execution did to its job.
type Result struct {
	Status domain.JobStatus
	// Skipped is set when the message was stale or a duplicate and nothing was
	// written.
	Skipped bool
}

type Executor struct {
	store       store.JobStore
	transformer pipeline.Transformer
	notifier    Notifier
	logger      zerolog.Logger
	now         func() time.Time
}

func NewExecutor(jobStore store.JobStore, transformer pipeline.Transformer, notifier Notifier, logger zerolog.Logger) *Executor {
	return &Executor{
		store:       jobStore,
		transformer: transformer,
		notifier:    notifier,
		logger:      logger,
		now:         func() time.Time { return time.Now().UTC() },
	}
}

// Execute runs one dispatched job to a terminal status. Transformation
// failures are recorded on the job and not returned; store errors are returned
// so the substrate redelivers the message.
func (e *Executor) Execute(ctx context.Context, payload queue.ProcessImagePayload) (Result, error) {
	logger := e.logger.With().Int64("job_id", payload.JobID).Str("batch_id", payload.BatchID).Logger()

	job, ok, err := e.store.GetJob(ctx, payload.JobID)
	if err != nil {
		return Result{}, fmt.Errorf("load job %d: %w", payload.JobID, err)
	}
	if !ok {
		logger.Warn().Msg("job not found, dropping message")
		return Result{Skipped: true}, nil
	}
	if job.Status.Terminal() {
		logger.Info().Str("status", string(job.Status)).Msg("job already finished")
		return Result{Status: job.Status, Skipped: true}, nil
	}

	if job.Status != domain.JobStatusProcessing {
		job.Status = domain.JobStatusProcessing
		updated, err := e.store.UpdateJob(ctx, job)
		if errors.Is(err, store.ErrStaleTransition) {
			logger.Info().Str("status", string(updated.Status)).Msg("job finished concurrently")
			return Result{Status: updated.Status, Skipped: true}, nil
		}
		if err != nil {
			return Result{}, fmt.Errorf("mark job processing: %w", err)
		}
		job = updated
	}

	logger.Debug().Str("input_url", job.InputURL).Msg("transforming")

	output, err := e.transformer.Transform(ctx, job.InputURL)
	if err == nil && strings.TrimSpace(output) == "" {
		err = errEmptyOutput
	}
	if err != nil {
		logger.Warn().Err(err).Msg("transform failed")
		job.Fail()
	} else {
		job.Complete(output)
	}

	written, err := e.store.UpdateJob(ctx, job)
	if errors.Is(err, store.ErrStaleTransition) {
		logger.Info().Str("status", string(written.Status)).Msg("job finished concurrently")
		return Result{Status: written.Status, Skipped: true}, nil
	}
	if err != nil {
		return Result{}, fmt.Errorf("record job result: %w", err)
	}

	logger.Info().Str("status", string(written.Status)).Msg("job finished")
	e.settleBatch(ctx, logger, written.BatchID)
	return Result{Status: written.Status}, nil
}

// settleBatch refreshes the batch status and, once every job has finished,
// notifies the batch webhook. Redelivery may notify more than once.
func (e *Executor) settleBatch(ctx context.Context, logger zerolog.Logger, batchID string) {
	b, jobs, err := refresh(ctx, e.store, logger, batchID)
	if err != nil {
		logger.Warn().Err(err).Msg("refresh batch status")
		return
	}
	if !b.Status.Terminal() || b.WebhookURL == "" || e.notifier == nil {
		return
	}

	done, failed := 0, 0
	for _, job := range jobs {
		switch job.Status {
		case domain.JobStatusDone:
			done++
		case domain.JobStatusFailed:
			failed++
		default:
			return
		}
	}

	event := EventBatchCompleted
	if b.Status == domain.BatchStatusFailed {
		event = EventBatchFailed
	}

	err = e.notifier.Send(ctx, b.WebhookURL, event, map[string]any{
		"batch_id":    b.ID,
		"status":      b.Status,
		"jobs":        len(jobs),
		"done":        done,
		"failed":      failed,
		"finished_at": e.now(),
	})
	if err != nil {
		logger.Warn().Err(err).Str("event", event).Msg("webhook delivery failed")
		return
	}
	logger.Info().Str("event", event).Msg("webhook delivered")
}
