package batchjob

import (
	"context"
	"errors"
)

var ErrNotFound = errors.New("batch job not found")

type Store interface {
	CreateJob(ctx context.Context, job *Job) error
	UpdateJob(ctx context.Context, job *Job) error
	GetJob(ctx context.Context, id string) (*Job, error)
	ListJobs(ctx context.Context, tenantID string) ([]*Job, error)
}
