package batchjob

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

type DB interface {
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

type PostgresStore struct {
	db DB
}

func NewPostgresStore(db DB) Store {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) CreateJob(ctx context.Context, job *Job) error {
	requests, manifest, err := encodePayloads(job)
	if err != nil {
		return err
	}

	query := `
		INSERT INTO batch_jobs (id, tenant_id, model, status, retry_of, error, requests, manifest, deadline, created_at, updated_at, completed_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
	`
	_, err = s.db.Exec(ctx, query,
		job.ID, job.TenantID, job.Model, string(job.Status), job.RetryOf, job.Error,
		requests, manifest, job.Deadline, job.CreatedAt, job.UpdatedAt, job.CompletedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to create batch job: %w", err)
	}
	return nil
}

func (s *PostgresStore) UpdateJob(ctx context.Context, job *Job) error {
	requests, manifest, err := encodePayloads(job)
	if err != nil {
		return err
	}

	query := `
		UPDATE batch_jobs
		SET status = $2, error = $3, requests = $4, manifest = $5, updated_at = $6, completed_at = $7
		WHERE id = $1
	`
	tag, err := s.db.Exec(ctx, query,
		job.ID, string(job.Status), job.Error, requests, manifest, job.UpdatedAt, job.CompletedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to update batch job: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *PostgresStore) GetJob(ctx context.Context, id string) (*Job, error) {
	query := `
		SELECT id, tenant_id, model, status, retry_of, error, requests, manifest, deadline, created_at, updated_at, completed_at
		FROM batch_jobs
		WHERE id = $1
	`
	job, err := scanJob(s.db.QueryRow(ctx, query, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to get batch job: %w", err)
	}
	return job, nil
}

func (s *PostgresStore) ListJobs(ctx context.Context, tenantID string) ([]*Job, error) {
	query := `
		SELECT id, tenant_id, model, status, retry_of, error, requests, manifest, deadline, created_at, updated_at, completed_at
		FROM batch_jobs
		WHERE ($1 = '' OR tenant_id = $1)
		ORDER BY created_at DESC
	`
	rows, err := s.db.Query(ctx, query, tenantID)
	if err != nil {
		return nil, fmt.Errorf("failed to query batch jobs: %w", err)
	}
	defer rows.Close()

	var jobs []*Job
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan batch job: %w", err)
		}
		jobs = append(jobs, job)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating batch jobs: %w", err)
	}
	return jobs, nil
}

func encodePayloads(job *Job) ([]byte, []byte, error) {
	requests, err := json.Marshal(job.Requests)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to encode batch requests: %w", err)
	}
	manifest, err := json.Marshal(job.Manifest)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to encode batch manifest: %w", err)
	}
	return requests, manifest, nil
}

func scanJob(row pgx.Row) (*Job, error) {
	var (
		job      Job
		status   string
		requests []byte
		manifest []byte
	)
	err := row.Scan(
		&job.ID, &job.TenantID, &job.Model, &status, &job.RetryOf, &job.Error,
		&requests, &manifest, &job.Deadline, &job.CreatedAt, &job.UpdatedAt, &job.CompletedAt,
	)
	if err != nil {
		return nil, err
	}
	job.Status = Status(status)
	if err := json.Unmarshal(requests, &job.Requests); err != nil {
		return nil, fmt.Errorf("failed to decode batch requests: %w", err)
	}
	if len(manifest) > 0 {
		if err := json.Unmarshal(manifest, &job.Manifest); err != nil {
			return nil, fmt.Errorf("failed to decode batch manifest: %w", err)
		}
	}
	return &job, nil
}
