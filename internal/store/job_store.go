package store

import (
	"context"
	"errors"

	"github.com/dunamismax/pixelbatch/internal/domain"
)

var (
	ErrBatchNotFound = errors.New("batch not found")
	ErrJobNotFound   = errors.New("job not found")
	// ErrStaleTransition is returned when an update would move a job backwards.
	ErrStaleTransition = errors.New("job status transition rejected")
)

// JobStore persists batches and their image jobs. Implementations must apply
// UpdateJob atomically with respect to domain.CanTransition.
type JobStore interface {
	CreateBatch(ctx context.Context, batch domain.Batch) error
	GetBatch(ctx context.Context, id string) (domain.Batch, bool, error)
	UpdateBatch(ctx context.Context, batch domain.Batch) error
	DeleteBatch(ctx context.Context, id string) error

	// CreateJob stores the job and returns it with its assigned ID.
	CreateJob(ctx context.Context, job domain.ImageJob) (domain.ImageJob, error)
	GetJob(ctx context.Context, id int64) (domain.ImageJob, bool, error)
	ListJobsByBatch(ctx context.Context, batchID string) ([]domain.ImageJob, error)
	// UpdateJob writes status and output URL. It returns ErrStaleTransition when
	// the stored status may not move to job.Status.
	UpdateJob(ctx context.Context, job domain.ImageJob) (domain.ImageJob, error)

	Ping(ctx context.Context) error
}
