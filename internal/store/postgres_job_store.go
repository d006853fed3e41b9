package store

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"io/fs"
	"time"

	"github.com/lib/pq"
	"github.com/pressly/goose/v3"

	"github.com/dunamismax/pixelbatch/internal/domain"
)

//go:embed migrations/*.sql
var migrationFiles embed.FS

const jobColumns = `id, batch_id, serial_number, product_name, input_url, output_url, status, created_at, updated_at`

type PostgresJobStore struct {
	db  *sql.DB
	now func() time.Time
}

func NewPostgresJobStore(ctx context.Context, dsn string) (*PostgresJobStore, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres connection: %w", err)
	}

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}

	store := newPostgresJobStore(db)
	if err := store.Migrate(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}

	return store, nil
}

func newPostgresJobStore(db *sql.DB) *PostgresJobStore {
	return &PostgresJobStore{
		db:  db,
		now: func() time.Time { return time.Now().UTC() },
	}
}

// Migrate applies the embedded goose migrations.
func (s *PostgresJobStore) Migrate(ctx context.Context) error {
	migrations, err := fs.Sub(migrationFiles, "migrations")
	if err != nil {
		return fmt.Errorf("load migrations: %w", err)
	}

	provider, err := goose.NewProvider(goose.DialectPostgres, s.db, migrations)
	if err != nil {
		return fmt.Errorf("init migrations: %w", err)
	}
	if _, err := provider.Up(ctx); err != nil {
		return fmt.Errorf("apply migrations: %w", err)
	}
	return nil
}

func (s *PostgresJobStore) Close() error {
	return s.db.Close()
}

func (s *PostgresJobStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *PostgresJobStore) CreateBatch(ctx context.Context, batch domain.Batch) error {
	_, err := s.db.ExecContext(
		ctx,
		`INSERT INTO batches (id, status, webhook_url, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5)`,
		batch.ID,
		string(batch.Status),
		batch.WebhookURL,
		batch.CreatedAt,
		batch.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert batch: %w", err)
	}
	return nil
}

func (s *PostgresJobStore) GetBatch(ctx context.Context, id string) (domain.Batch, bool, error) {
	row := s.db.QueryRowContext(
		ctx,
		`SELECT id, status, webhook_url, created_at, updated_at
		 FROM batches
		 WHERE id = $1`,
		id,
	)

	var (
		batch  domain.Batch
		status string
	)
	if err := row.Scan(&batch.ID, &status, &batch.WebhookURL, &batch.CreatedAt, &batch.UpdatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return domain.Batch{}, false, nil
		}
		return domain.Batch{}, false, fmt.Errorf("query batch: %w", err)
	}
	batch.Status = domain.BatchStatus(status)
	return batch, true, nil
}

func (s *PostgresJobStore) UpdateBatch(ctx context.Context, batch domain.Batch) error {
	res, err := s.db.ExecContext(
		ctx,
		`UPDATE batches
		 SET status = $1, updated_at = $2
		 WHERE id = $3`,
		string(batch.Status),
		s.now(),
		batch.ID,
	)
	if err != nil {
		return fmt.Errorf("update batch status: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return ErrBatchNotFound
	}
	return nil
}

func (s *PostgresJobStore) DeleteBatch(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM batches WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("delete batch: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return ErrBatchNotFound
	}
	return nil
}

func (s *PostgresJobStore) CreateJob(ctx context.Context, job domain.ImageJob) (domain.ImageJob, error) {
	err := s.db.QueryRowContext(
		ctx,
		`INSERT INTO image_jobs (batch_id, serial_number, product_name, input_url, output_url, status, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		 RETURNING id`,
		job.BatchID,
		job.SerialNumber,
		job.ProductName,
		job.InputURL,
		nullString(job.OutputURL),
		string(job.Status),
		job.CreatedAt,
		job.UpdatedAt,
	).Scan(&job.ID)
	if err != nil {
		return domain.ImageJob{}, fmt.Errorf("insert image job: %w", err)
	}
	return job, nil
}

func (s *PostgresJobStore) GetJob(ctx context.Context, id int64) (domain.ImageJob, bool, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+jobColumns+` FROM image_jobs WHERE id = $1`, id)
	job, err := scanJob(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return domain.ImageJob{}, false, nil
		}
		return domain.ImageJob{}, false, fmt.Errorf("query image job: %w", err)
	}
	return job, true, nil
}

func (s *PostgresJobStore) ListJobsByBatch(ctx context.Context, batchID string) ([]domain.ImageJob, error) {
	rows, err := s.db.QueryContext(
		ctx,
		`SELECT `+jobColumns+` FROM image_jobs WHERE batch_id = $1 ORDER BY id`,
		batchID,
	)
	if err != nil {
		return nil, fmt.Errorf("query image jobs: %w", err)
	}
	defer rows.Close()

	var jobs []domain.ImageJob
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("scan image job: %w", err)
		}
		jobs = append(jobs, job)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate image jobs: %w", err)
	}
	return jobs, nil
}

// UpdateJob only matches rows whose current status may move to job.Status, so
// concurrent duplicate workers cannot regress a finished job.
func (s *PostgresJobStore) UpdateJob(ctx context.Context, job domain.ImageJob) (domain.ImageJob, error) {
	output := ""
	if job.Status == domain.JobStatusDone {
		output = job.OutputURL
	}

	allowed := domain.AllowedFrom(job.Status)
	from := make([]string, 0, len(allowed))
	for _, status := range allowed {
		from = append(from, string(status))
	}

	row := s.db.QueryRowContext(
		ctx,
		`UPDATE image_jobs
		 SET status = $1, output_url = $2, updated_at = $3
		 WHERE id = $4 AND status = ANY($5)
		 RETURNING `+jobColumns,
		string(job.Status),
		nullString(output),
		s.now(),
		job.ID,
		pq.Array(from),
	)
	updated, err := scanJob(row)
	if err == nil {
		return updated, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return domain.ImageJob{}, fmt.Errorf("update image job: %w", err)
	}

	current, ok, err := s.GetJob(ctx, job.ID)
	if err != nil {
		return domain.ImageJob{}, err
	}
	if !ok {
		return domain.ImageJob{}, ErrJobNotFound
	}
	return current, fmt.Errorf("%w: %s -> %s", ErrStaleTransition, current.Status, job.Status)
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanJob(row rowScanner) (domain.ImageJob, error) {
	var (
		job    domain.ImageJob
		output sql.NullString
		status string
	)
	if err := row.Scan(
		&job.ID,
		&job.BatchID,
		&job.SerialNumber,
		&job.ProductName,
		&job.InputURL,
		&output,
		&status,
		&job.CreatedAt,
		&job.UpdatedAt,
	); err != nil {
		return domain.ImageJob{}, err
	}
	job.OutputURL = output.String
	job.Status = domain.JobStatus(status)
	return job, nil
}

func nullString(v string) sql.NullString {
	return sql.NullString{String: v, Valid: v != ""}
}
