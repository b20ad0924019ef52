// Package memory is a process-local result store for single-binary runs and tests.
package memory

import (
	"context"
	"sync"
	"time"

	"evaluation-service/internal/entity"
	"evaluation-service/internal/repository"
)

type ResultStore struct {
	mu        sync.RWMutex
	byRequest map[string]entity.EvaluationResult
	byJob     map[string]string // job id -> request id
}

func NewResultStore() *ResultStore {
	return &ResultStore{
		byRequest: make(map[string]entity.EvaluationResult),
		byJob:     make(map[string]string),
	}
}

func (s *ResultStore) Upsert(_ context.Context, res entity.EvaluationResult) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	res.CreatedAt = time.Now().UTC()
	if prev, ok := s.byRequest[res.RequestID]; ok {
		res.CreatedAt = prev.CreatedAt
		if prev.JobID != res.JobID {
			delete(s.byJob, prev.JobID)
		}
	}
	s.byRequest[res.RequestID] = cloneResult(res)
	s.byJob[res.JobID] = res.RequestID
	return nil
}

func (s *ResultStore) GetByRequestID(_ context.Context, requestID string) (*entity.EvaluationResult, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	res, ok := s.byRequest[requestID]
	if !ok {
		return nil, repository.ErrNotFound
	}
	out := cloneResult(res)
	return &out, nil
}

func (s *ResultStore) GetByJobID(ctx context.Context, jobID string) (*entity.EvaluationResult, error) {
	s.mu.RLock()
	requestID, ok := s.byJob[jobID]
	s.mu.RUnlock()
	if !ok {
		return nil, repository.ErrNotFound
	}
	return s.GetByRequestID(ctx, requestID)
}

// Len reports how many distinct request ids have a stored result.
func (s *ResultStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.byRequest)
}

func cloneResult(r entity.EvaluationResult) entity.EvaluationResult {
	if r.TokensUsed != nil {
		v := *r.TokensUsed
		r.TokensUsed = &v
	}
	return r
}
