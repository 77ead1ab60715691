package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgconn"
	"github.com/jackc/pgx/v4"
	"github.com/jackc/pgx/v4/pgxpool"
)

// Queryer is the subset of *pgxpool.Pool the store uses.
type Queryer interface {
	Exec(ctx context.Context, sql string, arguments ...interface{}) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...interface{}) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...interface{}) pgx.Row
}

const schema = `
CREATE TABLE IF NOT EXISTS training_jobs (
	id           TEXT PRIMARY KEY,
	kind         TEXT NOT NULL,
	state        TEXT NOT NULL,
	stage        TEXT NOT NULL DEFAULT '',
	dataset_dir  TEXT NOT NULL,
	params       JSONB NOT NULL,
	created_at   TIMESTAMPTZ NOT NULL,
	started_at   TIMESTAMPTZ,
	finished_at  TIMESTAMPTZ,
	epoch        INTEGER NOT NULL DEFAULT 0,
	epochs_total INTEGER NOT NULL DEFAULT 0,
	last_metrics JSONB,
	best_val_acc DOUBLE PRECISION NOT NULL DEFAULT 0,
	saved        BOOLEAN NOT NULL DEFAULT FALSE,
	version      TEXT NOT NULL DEFAULT '',
	error        TEXT NOT NULL DEFAULT ''
)`

const columns = `id, kind, state, stage, dataset_dir, params, created_at, started_at, finished_at,
	epoch, epochs_total, last_metrics, best_val_acc, saved, version, error`

type PostgresStore struct {
	db Queryer
}

// NewPostgresStore wraps an open pool and makes sure the table exists.
func NewPostgresStore(ctx context.Context, db Queryer) (*PostgresStore, error) {
	if _, err := db.Exec(ctx, schema); err != nil {
		return nil, fmt.Errorf("failed to create training_jobs: %w", err)
	}
	return &PostgresStore{db: db}, nil
}

// ConnectPostgres opens a pool for url. The caller closes it.
func ConnectPostgres(ctx context.Context, url string) (*pgxpool.Pool, *PostgresStore, error) {
	pool, err := pgxpool.Connect(ctx, url)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to connect to postgres: %w", err)
	}
	store, err := NewPostgresStore(ctx, pool)
	if err != nil {
		pool.Close()
		return nil, nil, err
	}
	return pool, store, nil
}

type row struct {
	params  []byte
	metrics []byte
}

func encode(job Job) (row, error) {
	var r row
	var err error
	if r.params, err = json.Marshal(job.Params); err != nil {
		return r, err
	}
	if job.LastMetrics != nil {
		if r.metrics, err = json.Marshal(job.LastMetrics); err != nil {
			return r, err
		}
	}
	return r, nil
}

func (s *PostgresStore) Create(ctx context.Context, job Job) error {
	r, err := encode(job)
	if err != nil {
		return err
	}
	tag, err := s.db.Exec(
		ctx,
		`INSERT INTO training_jobs (`+columns+`)
		VALUES ($1, $2, $3, $4, $5, $6::jsonb, $7, $8, $9, $10, $11, $12::jsonb, $13, $14, $15, $16)
		ON CONFLICT (id) DO NOTHING`,
		job.ID, string(job.Kind), string(job.State), string(job.Stage), job.DatasetDir,
		string(r.params), job.CreatedAt, job.StartedAt, job.FinishedAt,
		job.Epoch, job.EpochsTotal, nullableJSON(r.metrics), job.BestValAcc, job.Saved, job.Version, job.Error,
	)
	if err != nil {
		return fmt.Errorf("failed to insert job %s: %w", job.ID, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: %s", ErrDuplicate, job.ID)
	}
	return nil
}

func (s *PostgresStore) Update(ctx context.Context, job Job) error {
	r, err := encode(job)
	if err != nil {
		return err
	}
	tag, err := s.db.Exec(
		ctx,
		`UPDATE training_jobs SET
			kind = $2, state = $3, stage = $4, dataset_dir = $5, params = $6::jsonb,
			created_at = $7, started_at = $8, finished_at = $9, epoch = $10, epochs_total = $11,
			last_metrics = $12::jsonb, best_val_acc = $13, saved = $14, version = $15, error = $16
		WHERE id = $1`,
		job.ID, string(job.Kind), string(job.State), string(job.Stage), job.DatasetDir,
		string(r.params), job.CreatedAt, job.StartedAt, job.FinishedAt,
		job.Epoch, job.EpochsTotal, nullableJSON(r.metrics), job.BestValAcc, job.Saved, job.Version, job.Error,
	)
	if err != nil {
		return fmt.Errorf("failed to update job %s: %w", job.ID, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: %s", ErrNotFound, job.ID)
	}
	return nil
}

func (s *PostgresStore) Get(ctx context.Context, id string) (Job, error) {
	job, err := scan(s.db.QueryRow(ctx, `SELECT `+columns+` FROM training_jobs WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return Job{}, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return job, err
}

func (s *PostgresStore) List(ctx context.Context) ([]Job, error) {
	rows, err := s.db.Query(ctx, `SELECT `+columns+` FROM training_jobs ORDER BY created_at DESC, id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	jobs := []Job{}
	for rows.Next() {
		job, err := scan(rows)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, job)
	}
	return jobs, rows.Err()
}

func scan(r pgx.Row) (Job, error) {
	var (
		job                   Job
		kind, state, stage    string
		params, metrics       []byte
		startedAt, finishedAt *time.Time
	)
	if err := r.Scan(
		&job.ID, &kind, &state, &stage, &job.DatasetDir, &params, &job.CreatedAt, &startedAt, &finishedAt,
		&job.Epoch, &job.EpochsTotal, &metrics, &job.BestValAcc, &job.Saved, &job.Version, &job.Error,
	); err != nil {
		return Job{}, err
	}
	job.Kind, job.State, job.Stage = Kind(kind), State(state), Stage(stage)
	job.StartedAt, job.FinishedAt = startedAt, finishedAt
	if err := json.Unmarshal(params, &job.Params); err != nil {
		return Job{}, fmt.Errorf("broken params of job %s: %w", job.ID, err)
	}
	if len(metrics) > 0 {
		job.LastMetrics = &Metrics{}
		if err := json.Unmarshal(metrics, job.LastMetrics); err != nil {
			return Job{}, fmt.Errorf("broken metrics of job %s: %w", job.ID, err)
		}
	}
	return job, nil
}

func nullableJSON(b []byte) *string {
	if b == nil {
		return nil
	}
	s := string(b)
	return &s
}
