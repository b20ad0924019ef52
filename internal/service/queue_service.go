package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"evaluation-service/internal/entity"
)

var (
	ErrJobNotFound = errors.New("job not found")
	// ErrJobTerminal is returned when a transition targets a completed or failed job.
	ErrJobTerminal = errors.New("job already terminal")
)

// JobQueue is the submission/read side of the queue.
type JobQueue interface {
	Enqueue(ctx context.Context, req entity.EvaluationRequest) (jobID string, created bool, err error)
	GetJob(ctx context.Context, jobID string) (*entity.EvaluationJob, error)
	GetState(ctx context.Context, jobID string) (entity.JobState, error)
	LookupRequest(ctx context.Context, requestID string) (string, error)
}

// Queue is the full contract used by workers.
type Queue interface {
	JobQueue
	ClaimBlocking(ctx context.Context, timeout time.Duration) (string, error)
	Ack(ctx context.Context, jobID string) error
	RequeueStale(ctx context.Context, max int64) (int64, error)

	MarkActive(ctx context.Context, jobID string) error
	SetProgress(ctx context.Context, jobID string, progress int) error
	RecordAttempt(ctx context.Context, jobID string, attempt int) error
	Complete(ctx context.Context, jobID string, result entity.EvaluationResult) error
	Fail(ctx context.Context, jobID string, jobErr entity.JobError) error
}

type RedisQueueOptions struct {
	KeyPrefix         string
	VisibilityTimeout time.Duration
	Retention         time.Duration
}

// redisQueue is a reliable queue on Redis lists.
// Claim:   BRPOPLPUSH queue -> processing, claim time recorded in a sorted set
// Ack:     LREM processing + ZREM claims
// Reaper:  claims older than the visibility timeout go back to the queue;
//          processing entries without a claim time are adopted first
// Job metadata lives in a hash per job; transitions run as Lua scripts so a
// terminal job is never modified.
type redisQueue struct {
	rdb redis.UniversalClient

	queueKey      string
	processingKey string
	claimsKey     string
	prefix        string

	visibility time.Duration
	retention  time.Duration
}

func NewRedisQueue(rdb redis.UniversalClient, opts RedisQueueOptions) Queue {
	if opts.KeyPrefix == "" {
		opts.KeyPrefix = "evaluations"
	}
	if opts.VisibilityTimeout <= 0 {
		opts.VisibilityTimeout = 5 * time.Minute
	}
	if opts.Retention <= 0 {
		opts.Retention = 24 * time.Hour
	}
	p := opts.KeyPrefix
	return &redisQueue{
		rdb:           rdb,
		queueKey:      p + ":queue",
		processingKey: p + ":processing",
		claimsKey:     p + ":claims",
		prefix:        p,
		visibility:    opts.VisibilityTimeout,
		retention:     opts.Retention,
	}
}

func (q *redisQueue) jobKey(id string) string     { return q.prefix + ":job:" + id }
func (q *redisQueue) requestKey(id string) string { return q.prefix + ":request:" + id }

var enqueueScript = redis.NewScript(`
local existing = redis.call('GET', KEYS[1])
if existing then
	return {existing, 0}
end
redis.call('SET', KEYS[1], ARGV[1])
redis.call('HSET', KEYS[2],
	'id', ARGV[1], 'request_id', ARGV[2], 'request', ARGV[3],
	'state', 'queued', 'progress', 0, 'attempts', 0,
	'created_at', ARGV[4], 'updated_at', ARGV[4])
redis.call('LPUSH', KEYS[3], ARGV[1])
return {ARGV[1], 1}
`)

// Enqueue atomically registers the request id, writes the job hash and pushes
// the job id. A request id that was already submitted returns its job id.
func (q *redisQueue) Enqueue(ctx context.Context, req entity.EvaluationRequest) (string, bool, error) {
	payload, err := json.Marshal(req)
	if err != nil {
		return "", false, err
	}
	jobID := uuid.NewString()
	now := time.Now().UTC().Format(time.RFC3339Nano)

	res, err := enqueueScript.Run(ctx, q.rdb,
		[]string{q.requestKey(req.RequestID), q.jobKey(jobID), q.queueKey},
		jobID, req.RequestID, string(payload), now,
	).Slice()
	if err != nil {
		return "", false, fmt.Errorf("enqueue %s: %w", req.RequestID, err)
	}
	if len(res) != 2 {
		return "", false, fmt.Errorf("enqueue %s: unexpected reply %v", req.RequestID, res)
	}
	id, _ := res[0].(string)
	created, _ := res[1].(int64)
	return id, created == 1, nil
}

func (q *redisQueue) ClaimBlocking(ctx context.Context, timeout time.Duration) (string, error) {
	id, err := q.rdb.BRPopLPush(ctx, q.queueKey, q.processingKey, timeout).Result()
	if err != nil {
		return "", err
	}
	// an id left untracked here is adopted by the next RequeueStale
	if err := q.rdb.ZAdd(ctx, q.claimsKey, redis.Z{Score: nowScore(), Member: id}).Err(); err != nil {
		return "", err
	}
	return id, nil
}

func (q *redisQueue) Ack(ctx context.Context, jobID string) error {
	_, err := q.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.LRem(ctx, q.processingKey, 1, jobID)
		pipe.ZRem(ctx, q.claimsKey, jobID)
		return nil
	})
	return err
}

var requeueScript = redis.NewScript(`
local n = redis.call('LREM', KEYS[1], 1, ARGV[1])
redis.call('ZREM', KEYS[3], ARGV[1])
if n > 0 then
	redis.call('RPUSH', KEYS[2], ARGV[1])
end
return n
`)

// adoptScript gives a claim time to the oldest processing entries that have
// none, as left by a consumer that died between the move and the ZADD.
// NX keeps a claim time a live consumer already wrote.
var adoptScript = redis.NewScript(`
local ids = redis.call('LRANGE', KEYS[1], -tonumber(ARGV[2]), -1)
local n = 0
for _, id in ipairs(ids) do
	n = n + redis.call('ZADD', KEYS[2], 'NX', ARGV[1], id)
end
return n
`)

// RequeueStale moves claims older than the visibility timeout back to the
// queue, then adopts untracked processing entries so they age out the same
// way. Delivery is at-least-once; the worker's idempotency check absorbs
// duplicates.
func (q *redisQueue) RequeueStale(ctx context.Context, max int64) (int64, error) {
	if max <= 0 {
		max = 100
	}
	moved, err := q.requeueExpired(ctx, max)
	if err != nil {
		return moved, err
	}
	if err := adoptScript.Run(ctx, q.rdb, []string{q.processingKey, q.claimsKey}, nowScore(), max).Err(); err != nil {
		return moved, fmt.Errorf("adopt untracked claims: %w", err)
	}
	return moved, nil
}

func (q *redisQueue) requeueExpired(ctx context.Context, max int64) (int64, error) {
	cutoff := float64(time.Now().Add(-q.visibility).UnixMilli())
	ids, err := q.rdb.ZRangeByScore(ctx, q.claimsKey, &redis.ZRangeBy{
		Min:   "-inf",
		Max:   strconv.FormatFloat(cutoff, 'f', 0, 64),
		Count: max,
	}).Result()
	if err != nil {
		return 0, err
	}

	var moved int64
	for _, id := range ids {
		n, err := requeueScript.Run(ctx, q.rdb, []string{q.processingKey, q.queueKey, q.claimsKey}, id).Int64()
		if err != nil {
			return moved, err
		}
		moved += n
	}
	return moved, nil
}

var transitionScript = redis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 0 then
	return -1
end
local cur = redis.call('HGET', KEYS[1], 'state')
if cur == 'completed' or cur == 'failed' then
	return 0
end
redis.call('HSET', KEYS[1], 'state', ARGV[1], 'updated_at', ARGV[2])
for i = 3, #ARGV, 2 do
	redis.call('HSET', KEYS[1], ARGV[i], ARGV[i + 1])
end
return 1
`)

func (q *redisQueue) transition(ctx context.Context, jobID string, state entity.JobState, fields ...any) error {
	args := append([]any{string(state), time.Now().UTC().Format(time.RFC3339Nano)}, fields...)
	n, err := transitionScript.Run(ctx, q.rdb, []string{q.jobKey(jobID)}, args...).Int64()
	if err != nil {
		return fmt.Errorf("transition %s -> %s: %w", jobID, state, err)
	}
	switch n {
	case -1:
		return ErrJobNotFound
	case 0:
		return ErrJobTerminal
	}
	return nil
}

func (q *redisQueue) MarkActive(ctx context.Context, jobID string) error {
	if err := q.transition(ctx, jobID, entity.StateActive); err != nil {
		return err
	}
	return q.touch(ctx, jobID)
}

var progressScript = redis.NewScript(`
if redis.call('HGET', KEYS[1], 'state') ~= 'active' then
	return 0
end
local cur = tonumber(redis.call('HGET', KEYS[1], 'progress') or '0')
if tonumber(ARGV[1]) > cur then
	redis.call('HSET', KEYS[1], 'progress', ARGV[1], 'updated_at', ARGV[2])
	return 1
end
return 0
`)

// SetProgress raises the job's progress; lower values are ignored.
func (q *redisQueue) SetProgress(ctx context.Context, jobID string, progress int) error {
	progress = clampProgress(progress)
	now := time.Now().UTC().Format(time.RFC3339Nano)
	if err := progressScript.Run(ctx, q.rdb, []string{q.jobKey(jobID)}, progress, now).Err(); err != nil {
		return err
	}
	return q.touch(ctx, jobID)
}

func (q *redisQueue) RecordAttempt(ctx context.Context, jobID string, attempt int) error {
	if err := q.rdb.HSet(ctx, q.jobKey(jobID), "attempts", attempt).Err(); err != nil {
		return err
	}
	return q.touch(ctx, jobID)
}

// touch extends the visibility window of a claimed job.
func (q *redisQueue) touch(ctx context.Context, jobID string) error {
	return q.rdb.ZAddXX(ctx, q.claimsKey, redis.Z{Score: nowScore(), Member: jobID}).Err()
}

func (q *redisQueue) Complete(ctx context.Context, jobID string, result entity.EvaluationResult) error {
	rv, err := json.Marshal(result)
	if err != nil {
		return err
	}
	now := time.Now().UTC().Format(time.RFC3339Nano)
	if err := q.transition(ctx, jobID, entity.StateCompleted,
		"return_value", string(rv), "progress", 100, "finished_at", now,
	); err != nil {
		return err
	}
	return q.expire(ctx, jobID, result.RequestID)
}

func (q *redisQueue) Fail(ctx context.Context, jobID string, jobErr entity.JobError) error {
	ev, err := json.Marshal(jobErr)
	if err != nil {
		return err
	}
	now := time.Now().UTC().Format(time.RFC3339Nano)
	if err := q.transition(ctx, jobID, entity.StateFailed, "error", string(ev), "finished_at", now); err != nil {
		return err
	}
	requestID, err := q.rdb.HGet(ctx, q.jobKey(jobID), "request_id").Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return err
	}
	return q.expire(ctx, jobID, requestID)
}

// expire applies the retention policy to a terminal job. After eviction the
// result store is authoritative.
func (q *redisQueue) expire(ctx context.Context, jobID, requestID string) error {
	_, err := q.rdb.Pipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Expire(ctx, q.jobKey(jobID), q.retention)
		if requestID != "" {
			pipe.Expire(ctx, q.requestKey(requestID), q.retention)
		}
		return nil
	})
	return err
}

func (q *redisQueue) GetJob(ctx context.Context, jobID string) (*entity.EvaluationJob, error) {
	h, err := q.rdb.HGetAll(ctx, q.jobKey(jobID)).Result()
	if err != nil {
		return nil, err
	}
	if len(h) == 0 {
		return nil, ErrJobNotFound
	}
	return jobFromHash(h)
}

func (q *redisQueue) GetState(ctx context.Context, jobID string) (entity.JobState, error) {
	st, err := q.rdb.HGet(ctx, q.jobKey(jobID), "state").Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return "", ErrJobNotFound
		}
		return "", err
	}
	return entity.JobState(st), nil
}

func (q *redisQueue) LookupRequest(ctx context.Context, requestID string) (string, error) {
	id, err := q.rdb.Get(ctx, q.requestKey(requestID)).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return "", ErrJobNotFound
		}
		return "", err
	}
	return id, nil
}

// jobFromHash decodes the Redis hash layout written by the scripts above.
func jobFromHash(h map[string]string) (*entity.EvaluationJob, error) {
	job := &entity.EvaluationJob{
		ID:        h["id"],
		RequestID: h["request_id"],
		State:     entity.JobState(h["state"]),
	}
	if job.ID == "" || job.State == "" {
		return nil, fmt.Errorf("corrupt job hash: %v", h)
	}
	if raw := h["request"]; raw != "" {
		if err := json.Unmarshal([]byte(raw), &job.Request); err != nil {
			return nil, fmt.Errorf("decode request of job %s: %w", job.ID, err)
		}
	}
	job.Progress, _ = strconv.Atoi(h["progress"])
	job.Attempts, _ = strconv.Atoi(h["attempts"])

	if raw := h["return_value"]; raw != "" {
		var rv entity.EvaluationResult
		if err := json.Unmarshal([]byte(raw), &rv); err != nil {
			return nil, fmt.Errorf("decode return value of job %s: %w", job.ID, err)
		}
		job.ReturnValue = &rv
	}
	if raw := h["error"]; raw != "" {
		var je entity.JobError
		if err := json.Unmarshal([]byte(raw), &je); err != nil {
			return nil, fmt.Errorf("decode error of job %s: %w", job.ID, err)
		}
		job.Error = &je
	}

	job.CreatedAt, _ = time.Parse(time.RFC3339Nano, h["created_at"])
	job.UpdatedAt, _ = time.Parse(time.RFC3339Nano, h["updated_at"])
	if raw := h["finished_at"]; raw != "" {
		if ts, err := time.Parse(time.RFC3339Nano, raw); err == nil {
			job.FinishedAt = &ts
		}
	}
	return job, nil
}

func clampProgress(p int) int {
	if p < 0 {
		return 0
	}
	if p > 100 {
		return 100
	}
	return p
}

func nowScore() float64 {
	return float64(time.Now().UnixMilli())
}
