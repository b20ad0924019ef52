package postgresql

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"evaluation-service/internal/entity"
	"evaluation-service/internal/repository"
)

// DBTX is the subset of pgxpool.Pool used by the repository.
type DBTX interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

type ResultRepository struct {
	db DBTX
}

func NewResultRepository(db DBTX) *ResultRepository {
	return &ResultRepository{db: db}
}

// Upsert writes the result keyed by request_id. Concurrent writers for the
// same key are serialized by the row lock taken in ON CONFLICT; the last
// committed write wins.
func (r *ResultRepository) Upsert(ctx context.Context, res entity.EvaluationResult) error {
	const q = `
INSERT INTO evaluation_results
	(request_id, job_id, score, feedback, what_changed, practice_rule, duration_ms, tokens_used)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
ON CONFLICT (request_id) DO UPDATE SET
	job_id        = EXCLUDED.job_id,
	score         = EXCLUDED.score,
	feedback      = EXCLUDED.feedback,
	what_changed  = EXCLUDED.what_changed,
	practice_rule = EXCLUDED.practice_rule,
	duration_ms   = EXCLUDED.duration_ms,
	tokens_used   = EXCLUDED.tokens_used,
	updated_at    = now();
`
	_, err := r.db.Exec(ctx, q,
		res.RequestID,
		res.JobID,
		res.Score,
		res.Feedback,
		res.WhatChanged,
		res.PracticeRule,
		res.DurationMs,
		res.TokensUsed,
	)
	if err != nil {
		return fmt.Errorf("upsert result %s: %w", res.RequestID, err)
	}
	return nil
}

const selectResult = `
SELECT request_id, job_id, score, feedback, what_changed, practice_rule, duration_ms, tokens_used, created_at
FROM evaluation_results
`

func (r *ResultRepository) GetByRequestID(ctx context.Context, requestID string) (*entity.EvaluationResult, error) {
	return r.get(ctx, selectResult+"WHERE request_id = $1;", requestID)
}

// GetByJobID returns the most recently written result for the job.
func (r *ResultRepository) GetByJobID(ctx context.Context, jobID string) (*entity.EvaluationResult, error) {
	return r.get(ctx, selectResult+"WHERE job_id = $1 ORDER BY updated_at DESC LIMIT 1;", jobID)
}

func (r *ResultRepository) get(ctx context.Context, q, key string) (*entity.EvaluationResult, error) {
	var res entity.EvaluationResult
	if err := r.db.QueryRow(ctx, q, key).Scan(
		&res.RequestID,
		&res.JobID,
		&res.Score,
		&res.Feedback,
		&res.WhatChanged,
		&res.PracticeRule,
		&res.DurationMs,
		&res.TokensUsed, // NULL => nil
		&res.CreatedAt,
	); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, repository.ErrNotFound
		}
		return nil, err
	}
	return &res, nil
}
