// Package repository defines the result store contract shared by the worker,
// the status endpoint and the webhook receiver.
package repository

import (
	"context"
	"errors"

	"evaluation-service/internal/entity"
)

var ErrNotFound = errors.New("not found")

type ResultStore interface {
	Upsert(ctx context.Context, res entity.EvaluationResult) error
	GetByRequestID(ctx context.Context, requestID string) (*entity.EvaluationResult, error)
	GetByJobID(ctx context.Context, jobID string) (*entity.EvaluationResult, error)
}
