// Package history archives terminal jobs to Postgres for operational
// inspection. Entirely optional: the registry remains the source of truth
// while a job is live, and the service runs without a database configured.
package history

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"

	"beatflo/internal/models"
)

// Store wraps pgxpool for the job-history archive.
type Store struct {
	pool *pgxpool.Pool
}

// New creates a pooled connection to Postgres.
func New(ctx context.Context, dsn string) (*Store, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	return &Store{pool: pool}, nil
}

func (s *Store) Close() {
	if s.pool != nil {
		s.pool.Close()
	}
}

// Entry is one archived job row.
type Entry struct {
	JobID       string        `json:"job_id"`
	Kind        string        `json:"kind"`
	Status      string        `json:"status"`
	Title       string        `json:"title,omitempty"`
	Filename    string        `json:"filename,omitempty"`
	Error       *string       `json:"error,omitempty"`
	Items       []models.Item `json:"items,omitempty"`
	Elapsed     time.Duration `json:"elapsed"`
	CompletedAt time.Time     `json:"completed_at"`
}

// Record archives a terminal job. Re-recording the same id is a no-op so a
// retried insert never duplicates rows.
func (s *Store) Record(ctx context.Context, job models.Job) error {
	if !models.IsTerminal(job.Status) {
		return fmt.Errorf("job %s is not terminal (status %s)", job.ID, job.Status)
	}

	itemsJSON, err := json.Marshal(job.Items)
	if err != nil {
		return fmt.Errorf("marshal items: %w", err)
	}

	_, err = s.pool.Exec(ctx, `
		INSERT INTO job_history (job_id, kind, status, title, filename, error, items, elapsed_ms, completed_at)
		VALUES ($1, $2, $3, $4, $5, NULLIF($6, ''), $7, $8, $9)
		ON CONFLICT (job_id) DO NOTHING
	`, job.ID, string(job.Kind), job.Status, job.Title, job.Filename, job.Error,
		itemsJSON, job.UpdatedAt.Sub(job.CreatedAt).Milliseconds(), job.UpdatedAt)
	if err != nil {
		return fmt.Errorf("insert history: %w", err)
	}
	return nil
}

// ListRecent returns the newest archived jobs, most recent first.
func (s *Store) ListRecent(ctx context.Context, limit int) ([]Entry, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.pool.Query(ctx, `
		SELECT job_id, kind, status, title, filename, error, items, elapsed_ms, completed_at
		FROM job_history
		ORDER BY completed_at DESC
		LIMIT $1
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("query history: %w", err)
	}
	defer rows.Close()

	var entries []Entry
	for rows.Next() {
		var e Entry
		var errText pgtype.Text
		var itemsJSON []byte
		var elapsedMS int64
		if err := rows.Scan(&e.JobID, &e.Kind, &e.Status, &e.Title, &e.Filename, &errText, &itemsJSON, &elapsedMS, &e.CompletedAt); err != nil {
			return nil, fmt.Errorf("scan history: %w", err)
		}
		if errText.Valid {
			e.Error = &errText.String
		}
		if len(itemsJSON) > 0 {
			if err := json.Unmarshal(itemsJSON, &e.Items); err != nil {
				return nil, fmt.Errorf("unmarshal items: %w", err)
			}
		}
		e.Elapsed = time.Duration(elapsedMS) * time.Millisecond
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// Get fetches one archived job by id.
func (s *Store) Get(ctx context.Context, jobID string) (Entry, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT job_id, kind, status, title, filename, error, items, elapsed_ms, completed_at
		FROM job_history WHERE job_id = $1
	`, jobID)

	var e Entry
	var errText pgtype.Text
	var itemsJSON []byte
	var elapsedMS int64
	if err := row.Scan(&e.JobID, &e.Kind, &e.Status, &e.Title, &e.Filename, &errText, &itemsJSON, &elapsedMS, &e.CompletedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Entry{}, fmt.Errorf("history entry not found: %w", err)
		}
		return Entry{}, fmt.Errorf("scan history: %w", err)
	}
	if errText.Valid {
		e.Error = &errText.String
	}
	if len(itemsJSON) > 0 {
		if err := json.Unmarshal(itemsJSON, &e.Items); err != nil {
			return Entry{}, fmt.Errorf("unmarshal items: %w", err)
		}
	}
	e.Elapsed = time.Duration(elapsedMS) * time.Millisecond
	return e, nil
}
