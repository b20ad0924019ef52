package service

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"evaluation-service/internal/entity"
)

// MemoryQueue is a process-local Queue with the same semantics as the Redis
// queue. Claims that are never acked can be requeued with RequeueStale.
type MemoryQueue struct {
	mu         sync.Mutex
	jobs       map[string]*entity.EvaluationJob
	requests   map[string]string
	pending    []string
	processing map[string]time.Time
	notify     chan struct{}
	visibility time.Duration
}

func NewMemoryQueue(visibility time.Duration) *MemoryQueue {
	return &MemoryQueue{
		jobs:       make(map[string]*entity.EvaluationJob),
		requests:   make(map[string]string),
		processing: make(map[string]time.Time),
		notify:     make(chan struct{}, 1),
		visibility: visibility,
	}
}

func (q *MemoryQueue) Enqueue(_ context.Context, req entity.EvaluationRequest) (string, bool, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if id, ok := q.requests[req.RequestID]; ok {
		return id, false, nil
	}
	now := time.Now().UTC()
	id := uuid.NewString()
	q.jobs[id] = &entity.EvaluationJob{
		ID:        id,
		RequestID: req.RequestID,
		Request:   req,
		State:     entity.StateQueued,
		CreatedAt: now,
		UpdatedAt: now,
	}
	q.requests[req.RequestID] = id
	q.pending = append(q.pending, id)
	q.signal()
	return id, true, nil
}

// Redeliver pushes an already known job id again, as a crashed consumer's
// claim would be.
func (q *MemoryQueue) Redeliver(jobID string) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.pending = append(q.pending, jobID)
	q.signal()
}

// Evict drops a job as the retention policy would.
func (q *MemoryQueue) Evict(jobID string) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if job, ok := q.jobs[jobID]; ok {
		delete(q.requests, job.RequestID)
	}
	delete(q.jobs, jobID)
}

func (q *MemoryQueue) signal() {
	select {
	case q.notify <- struct{}{}:
	default:
	}
}

// ClaimBlocking returns redis.Nil on timeout so callers can treat both
// backends the same way.
func (q *MemoryQueue) ClaimBlocking(ctx context.Context, timeout time.Duration) (string, error) {
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	for {
		q.mu.Lock()
		if len(q.pending) > 0 {
			id := q.pending[0]
			q.pending = q.pending[1:]
			q.processing[id] = time.Now()
			if len(q.pending) > 0 {
				q.signal()
			}
			q.mu.Unlock()
			return id, nil
		}
		q.mu.Unlock()

		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-timer.C:
			return "", redis.Nil
		case <-q.notify:
		}
	}
}

func (q *MemoryQueue) Ack(_ context.Context, jobID string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	delete(q.processing, jobID)
	return nil
}

func (q *MemoryQueue) RequeueStale(_ context.Context, max int64) (int64, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	cutoff := time.Now().Add(-q.visibility)
	var moved int64
	for id, claimed := range q.processing {
		if moved >= max {
			break
		}
		if claimed.Before(cutoff) {
			delete(q.processing, id)
			q.pending = append([]string{id}, q.pending...)
			moved++
		}
	}
	if moved > 0 {
		q.signal()
	}
	return moved, nil
}

func (q *MemoryQueue) update(jobID string, fn func(j *entity.EvaluationJob)) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	job, ok := q.jobs[jobID]
	if !ok {
		return ErrJobNotFound
	}
	if job.State.Terminal() {
		return ErrJobTerminal
	}
	fn(job)
	job.UpdatedAt = time.Now().UTC()
	if _, claimed := q.processing[jobID]; claimed {
		q.processing[jobID] = time.Now()
	}
	return nil
}

func (q *MemoryQueue) MarkActive(_ context.Context, jobID string) error {
	return q.update(jobID, func(j *entity.EvaluationJob) { j.State = entity.StateActive })
}

func (q *MemoryQueue) SetProgress(_ context.Context, jobID string, progress int) error {
	err := q.update(jobID, func(j *entity.EvaluationJob) {
		if p := clampProgress(progress); j.State == entity.StateActive && p > j.Progress {
			j.Progress = p
		}
	})
	if err == ErrJobTerminal {
		return nil
	}
	return err
}

func (q *MemoryQueue) RecordAttempt(_ context.Context, jobID string, attempt int) error {
	return q.update(jobID, func(j *entity.EvaluationJob) { j.Attempts = attempt })
}

func (q *MemoryQueue) Complete(_ context.Context, jobID string, result entity.EvaluationResult) error {
	return q.update(jobID, func(j *entity.EvaluationJob) {
		rv := result
		now := time.Now().UTC()
		j.State = entity.StateCompleted
		j.Progress = 100
		j.ReturnValue = &rv
		j.FinishedAt = &now
	})
}

func (q *MemoryQueue) Fail(_ context.Context, jobID string, jobErr entity.JobError) error {
	return q.update(jobID, func(j *entity.EvaluationJob) {
		je := jobErr
		now := time.Now().UTC()
		j.State = entity.StateFailed
		j.Error = &je
		j.FinishedAt = &now
	})
}

func (q *MemoryQueue) GetJob(_ context.Context, jobID string) (*entity.EvaluationJob, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	job, ok := q.jobs[jobID]
	if !ok {
		return nil, ErrJobNotFound
	}
	cp := *job
	return &cp, nil
}

func (q *MemoryQueue) GetState(ctx context.Context, jobID string) (entity.JobState, error) {
	job, err := q.GetJob(ctx, jobID)
	if err != nil {
		return "", err
	}
	return job.State, nil
}

func (q *MemoryQueue) LookupRequest(_ context.Context, requestID string) (string, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	id, ok := q.requests[requestID]
	if !ok {
		return "", ErrJobNotFound
	}
	return id, nil
}

var _ Queue = (*MemoryQueue)(nil)
