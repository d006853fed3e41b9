// Package batch turns uploaded spreadsheets into image jobs and reports on
// their progress.
package batch

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/dunamismax/pixelbatch/internal/domain"
	"github.com/dunamismax/pixelbatch/internal/id"
	"github.com/dunamismax/pixelbatch/internal/queue"
	"github.com/dunamismax/pixelbatch/internal/sheet"
	"github.com/dunamismax/pixelbatch/internal/store"
)

// Dispatcher hands a job to the execution substrate. Delivery may be repeated.
type Dispatcher interface {
	Enqueue(ctx context.Context, payload queue.ProcessImagePayload) error
}

type SubmitRequest struct {
	File       io.Reader
	WebhookURL string
}

type SubmitResult struct {
	Batch           domain.Batch
	Jobs            int
	EnqueueFailures int
}

type Service struct {
	store      store.JobStore
	dispatcher Dispatcher
	logger     zerolog.Logger
	parseOpts  sheet.ParseOptions
	newID      func() string
	now        func() time.Time
}

func NewService(jobStore store.JobStore, dispatcher Dispatcher, logger zerolog.Logger, parseOpts sheet.ParseOptions) *Service {
	return &Service{
		store:      jobStore,
		dispatcher: dispatcher,
		logger:     logger,
		parseOpts:  parseOpts,
		newID:      id.New,
		now:        func() time.Time { return time.Now().UTC() },
	}
}

// Submit validates the upload, persists the batch with one job per image URL
// and dispatches every job. Nothing is written when validation fails, and a
// partially written batch is removed when the store fails mid-way.
func (s *Service) Submit(ctx context.Context, req SubmitRequest) (SubmitResult, error) {
	if req.File == nil {
		return SubmitResult{}, domain.Invalidf("file is required")
	}

	rows, err := sheet.Parse(req.File, s.parseOpts)
	if err != nil {
		return SubmitResult{}, err
	}

	// Once writes begin the batch must be fully dispatched or rolled back,
	// even if the caller goes away.
	ctx = context.WithoutCancel(ctx)

	now := s.now()
	b := domain.Batch{
		ID:         s.newID(),
		Status:     domain.BatchStatusPending,
		WebhookURL: strings.TrimSpace(req.WebhookURL),
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	logger := s.logger.With().Str("batch_id", b.ID).Logger()

	if err := s.store.CreateBatch(ctx, b); err != nil {
		return SubmitResult{}, &domain.PersistenceError{Op: "create batch", Err: err}
	}

	jobs := make([]domain.ImageJob, 0, len(rows))
	for _, row := range rows {
		if len(row.InputURLs) == 0 {
			logger.Warn().
				Int("line", row.Line).
				Str("product_name", row.ProductName).
				Msg("row has no image urls")
			continue
		}
		for _, inputURL := range row.InputURLs {
			job, err := s.store.CreateJob(ctx, domain.ImageJob{
				BatchID:      b.ID,
				SerialNumber: row.SerialNumber,
				ProductName:  row.ProductName,
				InputURL:     inputURL,
				Status:       domain.JobStatusPending,
				CreatedAt:    now,
				UpdatedAt:    now,
			})
			if err != nil {
				s.rollback(ctx, logger, b.ID)
				return SubmitResult{}, &domain.PersistenceError{Op: "create image job", Err: err}
			}
			jobs = append(jobs, job)
		}
	}
	if len(jobs) == 0 {
		logger.Warn().Msg("batch has no image jobs and will stay pending")
	}

	failures := 0
	for _, job := range jobs {
		err := s.dispatcher.Enqueue(ctx, queue.ProcessImagePayload{
			JobID:       job.ID,
			BatchID:     job.BatchID,
			InputURL:    job.InputURL,
			RequestedAt: now,
		})
		if err == nil {
			continue
		}

		failures++
		logger.Error().Err(err).Int64("job_id", job.ID).Msg("enqueue failed, marking job failed")
		job.Fail()
		if _, err := s.store.UpdateJob(ctx, job); err != nil && !errors.Is(err, store.ErrStaleTransition) {
			logger.Error().Err(err).Int64("job_id", job.ID).Msg("record enqueue failure")
		}
	}

	logger.Info().
		Int("rows", len(rows)).
		Int("jobs", len(jobs)).
		Int("enqueue_failures", failures).
		Msg("batch submitted")

	return SubmitResult{Batch: b, Jobs: len(jobs), EnqueueFailures: failures}, nil
}

func (s *Service) rollback(ctx context.Context, logger zerolog.Logger, batchID string) {
	if err := s.store.DeleteBatch(ctx, batchID); err != nil {
		logger.Error().Err(err).Msg("rollback partially created batch")
		return
	}
	logger.Warn().Msg("rolled back partially created batch")
}

// Status recomputes the batch status from its jobs and caches the result.
func (s *Service) Status(ctx context.Context, batchID string) (domain.BatchView, error) {
	b, jobs, err := refresh(ctx, s.store, s.logger, batchID)
	if err != nil {
		return domain.BatchView{}, err
	}

	view := domain.BatchView{
		BatchID:   b.ID,
		Status:    b.Status,
		CreatedAt: b.CreatedAt,
		Jobs:      make([]domain.JobView, 0, len(jobs)),
	}
	for _, job := range jobs {
		view.Jobs = append(view.Jobs, domain.NewJobView(job))
	}
	return view, nil
}

// Export renders one result row per product, in the order products first
// appear among the batch's jobs.
func (s *Service) Export(ctx context.Context, batchID string) ([]byte, error) {
	_, jobs, err := load(ctx, s.store, batchID)
	if err != nil {
		return nil, err
	}

	var (
		rows  []sheet.ResultRow
		index = make(map[string]int)
	)
	for _, job := range jobs {
		i, ok := index[job.ProductName]
		if !ok {
			i = len(rows)
			index[job.ProductName] = i
			rows = append(rows, sheet.ResultRow{ProductName: job.ProductName})
		}
		rows[i].InputURLs = append(rows[i].InputURLs, job.InputURL)
		if job.OutputURL != "" {
			rows[i].OutputURLs = append(rows[i].OutputURLs, job.OutputURL)
		}
	}

	data, err := sheet.Write(rows)
	if err != nil {
		return nil, fmt.Errorf("render export: %w", err)
	}
	return data, nil
}

func load(ctx context.Context, jobStore store.JobStore, batchID string) (domain.Batch, []domain.ImageJob, error) {
	b, ok, err := jobStore.GetBatch(ctx, batchID)
	if err != nil {
		return domain.Batch{}, nil, &domain.PersistenceError{Op: "load batch", Err: err}
	}
	if !ok {
		return domain.Batch{}, nil, &domain.NotFoundError{Kind: "batch", ID: batchID}
	}

	jobs, err := jobStore.ListJobsByBatch(ctx, batchID)
	if err != nil {
		return domain.Batch{}, nil, &domain.PersistenceError{Op: "list image jobs", Err: err}
	}
	return b, jobs, nil
}

// refresh loads a batch and writes back its derived status when it changed.
// The cached value is advisory, so a failed write is only logged.
func refresh(ctx context.Context, jobStore store.JobStore, logger zerolog.Logger, batchID string) (domain.Batch, []domain.ImageJob, error) {
	b, jobs, err := load(ctx, jobStore, batchID)
	if err != nil {
		return domain.Batch{}, nil, err
	}

	statuses := make([]domain.JobStatus, 0, len(jobs))
	for _, job := range jobs {
		statuses = append(statuses, job.Status)
	}

	status := domain.AggregateStatus(statuses)
	if status != b.Status {
		b.Status = status
		if err := jobStore.UpdateBatch(ctx, b); err != nil {
			logger.Warn().Err(err).Str("batch_id", b.ID).Msg("cache batch status")
		}
	}
	return b, jobs, nil
}
