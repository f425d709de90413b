package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	_ "modernc.org/sqlite"

	"github.com/dunamismax/hueshift/internal/domain"
)

// Timestamps are stored as unix nanoseconds; SQLite has no native time type.
const sqliteSchemaSQL = `
CREATE TABLE IF NOT EXISTS jobs (
	id TEXT PRIMARY KEY,
	user_id TEXT NOT NULL DEFAULT '',
	status TEXT NOT NULL,
	source_type TEXT NOT NULL,
	webhook_url TEXT NOT NULL DEFAULT '',
	pipeline TEXT NOT NULL,
	object_key TEXT NOT NULL,
	error TEXT NOT NULL DEFAULT '',
	created_at INTEGER NOT NULL,
	updated_at INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS usage_logs (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	user_id TEXT NOT NULL,
	job_id TEXT NOT NULL,
	outputs INTEGER NOT NULL,
	pixels_processed INTEGER NOT NULL,
	bytes_saved INTEGER NOT NULL,
	compute_time_ms INTEGER NOT NULL,
	created_at INTEGER NOT NULL
);

CREATE INDEX IF NOT EXISTS usage_logs_user_id_idx ON usage_logs (user_id);
CREATE UNIQUE INDEX IF NOT EXISTS usage_logs_job_id_idx ON usage_logs (job_id);
`

// SQLiteJobStore keeps jobs in a single SQLite file, for single-node setups
// and the CLI. The path ":memory:" gives a private in-memory database.
type SQLiteJobStore struct {
	db *sql.DB
}

func NewSQLiteJobStore(ctx context.Context, path string) (*SQLiteJobStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite database: %w", err)
	}
	// One connection serialises writers and keeps ":memory:" a single database.
	db.SetMaxOpenConns(1)

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping sqlite: %w", err)
	}
	if _, err := db.ExecContext(ctx, `PRAGMA busy_timeout = 5000`); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("configure sqlite: %w", err)
	}
	if _, err := db.ExecContext(ctx, sqliteSchemaSQL); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ensure sqlite schema: %w", err)
	}

	return &SQLiteJobStore{db: db}, nil
}

func (s *SQLiteJobStore) Close() error {
	return s.db.Close()
}

func (s *SQLiteJobStore) Create(ctx context.Context, job domain.Job) error {
	pipelineJSON, err := json.Marshal(job.Pipeline)
	if err != nil {
		return fmt.Errorf("marshal job pipeline: %w", err)
	}

	_, err = s.db.ExecContext(
		ctx,
		`INSERT INTO jobs (id, user_id, status, source_type, webhook_url, pipeline, object_key, error, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		job.ID,
		job.UserID,
		job.Status,
		job.SourceType,
		job.WebhookURL,
		string(pipelineJSON),
		job.ObjectKey,
		job.Error,
		job.CreatedAt.UnixNano(),
		job.UpdatedAt.UnixNano(),
	)
	if err != nil {
		return fmt.Errorf("insert job: %w", err)
	}
	return nil
}

func (s *SQLiteJobStore) Get(ctx context.Context, id string) (domain.Job, bool, error) {
	row := s.db.QueryRowContext(
		ctx,
		`SELECT id, user_id, status, source_type, webhook_url, pipeline, object_key, error, created_at, updated_at
		 FROM jobs
		 WHERE id = ?`,
		id,
	)

	var (
		job                  domain.Job
		pipelineJSON         string
		createdAt, updatedAt int64
	)
	if err := row.Scan(
		&job.ID,
		&job.UserID,
		&job.Status,
		&job.SourceType,
		&job.WebhookURL,
		&pipelineJSON,
		&job.ObjectKey,
		&job.Error,
		&createdAt,
		&updatedAt,
	); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return domain.Job{}, false, nil
		}
		return domain.Job{}, false, fmt.Errorf("query job: %w", err)
	}

	if err := json.Unmarshal([]byte(pipelineJSON), &job.Pipeline); err != nil {
		return domain.Job{}, false, fmt.Errorf("unmarshal job pipeline: %w", err)
	}
	job.CreatedAt = fromUnixNano(createdAt)
	job.UpdatedAt = fromUnixNano(updatedAt)

	return job, true, nil
}

func (s *SQLiteJobStore) UpdateStatus(ctx context.Context, id, status string) (domain.Job, error) {
	return s.update(ctx, id,
		`UPDATE jobs SET status = ?, updated_at = ? WHERE id = ?`,
		status, time.Now().UTC().UnixNano(), id,
	)
}

func (s *SQLiteJobStore) MarkFailed(ctx context.Context, id, reason string) (domain.Job, error) {
	return s.update(ctx, id,
		`UPDATE jobs SET status = ?, error = ?, updated_at = ? WHERE id = ?`,
		domain.JobStatusFailed, reason, time.Now().UTC().UnixNano(), id,
	)
}

func (s *SQLiteJobStore) update(ctx context.Context, id, query string, args ...any) (domain.Job, error) {
	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return domain.Job{}, fmt.Errorf("update job status: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return domain.Job{}, ErrJobNotFound
	}

	job, ok, err := s.Get(ctx, id)
	if err != nil {
		return domain.Job{}, err
	}
	if !ok {
		return domain.Job{}, ErrJobNotFound
	}
	return job, nil
}

func (s *SQLiteJobStore) CreateUsageLog(ctx context.Context, usage domain.UsageLog) error {
	_, err := s.db.ExecContext(
		ctx,
		`INSERT INTO usage_logs (user_id, job_id, outputs, pixels_processed, bytes_saved, compute_time_ms, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT (job_id) DO NOTHING`,
		usage.UserID,
		usage.JobID,
		usage.Outputs,
		usage.PixelsProcessed,
		usage.BytesSaved,
		usage.ComputeTimeMS,
		usage.CreatedAt.UnixNano(),
	)
	if err != nil {
		return fmt.Errorf("insert usage log: %w", err)
	}
	return nil
}

func (s *SQLiteJobStore) ListUsage(ctx context.Context, userID string) ([]domain.UsageLog, error) {
	rows, err := s.db.QueryContext(
		ctx,
		`SELECT user_id, job_id, outputs, pixels_processed, bytes_saved, compute_time_ms, created_at
		 FROM usage_logs
		 WHERE user_id = ?
		 ORDER BY id`,
		userID,
	)
	if err != nil {
		return nil, fmt.Errorf("query usage logs: %w", err)
	}
	defer rows.Close()

	var out []domain.UsageLog
	for rows.Next() {
		var (
			u         domain.UsageLog
			createdAt int64
		)
		if err := rows.Scan(&u.UserID, &u.JobID, &u.Outputs, &u.PixelsProcessed, &u.BytesSaved, &u.ComputeTimeMS, &createdAt); err != nil {
			return nil, fmt.Errorf("scan usage log: %w", err)
		}
		u.CreatedAt = fromUnixNano(createdAt)
		out = append(out, u)
	}
	return out, rows.Err()
}

func fromUnixNano(n int64) time.Time {
	return time.Unix(0, n).UTC()
}
