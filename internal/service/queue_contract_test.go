package service

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"evaluation-service/internal/entity"
)

// ---- helpers ----

type backend struct {
	name string
	new  func(t *testing.T, visibility time.Duration) Queue
}

func backends() []backend {
	return []backend{
		{name: "memory", new: func(_ *testing.T, visibility time.Duration) Queue {
			return NewMemoryQueue(visibility)
		}},
		{name: "redis", new: func(t *testing.T, visibility time.Duration) Queue {
			q, _ := newMiniredisQueue(t, visibility)
			return q
		}},
	}
}

func newMiniredisQueue(t *testing.T, visibility time.Duration) (*redisQueue, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	return NewRedisQueue(rdb, RedisQueueOptions{VisibilityTimeout: visibility}).(*redisQueue), mr
}

func claim(t *testing.T, q Queue) string {
	t.Helper()
	id, err := q.ClaimBlocking(context.Background(), time.Second)
	require.NoError(t, err)
	return id
}

// ---- tests ----

func TestQueue_EnqueueDedupsByRequestID(t *testing.T) {
	for _, b := range backends() {
		t.Run(b.name, func(t *testing.T) {
			ctx := context.Background()
			q := b.new(t, time.Minute)

			first, created, err := q.Enqueue(ctx, entity.EvaluationRequest{RequestID: "r1", Text: "answer"})
			require.NoError(t, err)
			assert.True(t, created)

			second, created, err := q.Enqueue(ctx, entity.EvaluationRequest{RequestID: "r1", Text: "other answer"})
			require.NoError(t, err)
			assert.False(t, created)
			assert.Equal(t, first, second)

			id, err := q.LookupRequest(ctx, "r1")
			require.NoError(t, err)
			assert.Equal(t, first, id)

			job, err := q.GetJob(ctx, first)
			require.NoError(t, err)
			assert.Equal(t, entity.StateQueued, job.State)
			assert.Equal(t, "answer", job.Request.Text)

			// one push only
			assert.Equal(t, first, claim(t, q))
			_, err = q.ClaimBlocking(ctx, time.Second)
			assert.ErrorIs(t, err, redis.Nil)
		})
	}
}

func TestQueue_TerminalJobRejectsTransitions(t *testing.T) {
	finish := map[string]func(ctx context.Context, q Queue, id string) error{
		"completed": func(ctx context.Context, q Queue, id string) error {
			return q.Complete(ctx, id, entity.EvaluationResult{RequestID: "r1", JobID: id, Score: 70})
		},
		"failed": func(ctx context.Context, q Queue, id string) error {
			return q.Fail(ctx, id, entity.JobError{Code: "audio_too_long", Message: "too long"})
		},
	}

	for _, b := range backends() {
		for state, fn := range finish {
			t.Run(b.name+"/"+state, func(t *testing.T) {
				ctx := context.Background()
				q := b.new(t, time.Minute)

				id, _, err := q.Enqueue(ctx, entity.EvaluationRequest{RequestID: "r1", Text: "answer"})
				require.NoError(t, err)
				require.NoError(t, q.MarkActive(ctx, id))
				require.NoError(t, fn(ctx, q, id))

				assert.ErrorIs(t, q.MarkActive(ctx, id), ErrJobTerminal)
				assert.ErrorIs(t, q.Complete(ctx, id, entity.EvaluationResult{RequestID: "r1", JobID: id, Score: 1}), ErrJobTerminal)
				assert.ErrorIs(t, q.Fail(ctx, id, entity.JobError{Code: "network_error"}), ErrJobTerminal)

				st, err := q.GetState(ctx, id)
				require.NoError(t, err)
				assert.Equal(t, entity.JobState(state), st)
			})
		}
	}
}

func TestQueue_UnknownJob(t *testing.T) {
	for _, b := range backends() {
		t.Run(b.name, func(t *testing.T) {
			ctx := context.Background()
			q := b.new(t, time.Minute)

			assert.ErrorIs(t, q.MarkActive(ctx, "missing"), ErrJobNotFound)
			_, err := q.GetJob(ctx, "missing")
			assert.ErrorIs(t, err, ErrJobNotFound)
			_, err = q.GetState(ctx, "missing")
			assert.ErrorIs(t, err, ErrJobNotFound)
			_, err = q.LookupRequest(ctx, "missing")
			assert.ErrorIs(t, err, ErrJobNotFound)
		})
	}
}

func TestQueue_SetProgressIsMonotonicAndActiveOnly(t *testing.T) {
	for _, b := range backends() {
		t.Run(b.name, func(t *testing.T) {
			ctx := context.Background()
			q := b.new(t, time.Minute)

			id, _, err := q.Enqueue(ctx, entity.EvaluationRequest{RequestID: "r1", Text: "answer"})
			require.NoError(t, err)

			progress := func() int {
				job, err := q.GetJob(ctx, id)
				require.NoError(t, err)
				return job.Progress
			}

			require.NoError(t, q.SetProgress(ctx, id, 30))
			assert.Equal(t, 0, progress(), "queued job keeps its progress")

			require.NoError(t, q.MarkActive(ctx, id))
			for _, step := range []struct {
				set, want int
			}{
				{40, 40},
				{20, 40},
				{40, 40},
				{75, 75},
				{250, 100},
			} {
				require.NoError(t, q.SetProgress(ctx, id, step.set))
				assert.Equal(t, step.want, progress(), "after SetProgress(%d)", step.set)
			}
		})
	}
}

func TestQueue_RequeueStaleOnlyExpiredClaims(t *testing.T) {
	const visibility = 200 * time.Millisecond

	for _, b := range backends() {
		t.Run(b.name, func(t *testing.T) {
			ctx := context.Background()
			q := b.new(t, visibility)

			stale, _, err := q.Enqueue(ctx, entity.EvaluationRequest{RequestID: "r-stale", Text: "a"})
			require.NoError(t, err)
			fresh, _, err := q.Enqueue(ctx, entity.EvaluationRequest{RequestID: "r-fresh", Text: "b"})
			require.NoError(t, err)
			acked, _, err := q.Enqueue(ctx, entity.EvaluationRequest{RequestID: "r-acked", Text: "c"})
			require.NoError(t, err)

			require.Equal(t, stale, claim(t, q))
			require.Equal(t, fresh, claim(t, q))
			require.Equal(t, acked, claim(t, q))
			require.NoError(t, q.Ack(ctx, acked))

			n, err := q.RequeueStale(ctx, 10)
			require.NoError(t, err)
			assert.Zero(t, n, "nothing is past the visibility timeout yet")

			time.Sleep(visibility + 100*time.Millisecond)
			require.NoError(t, q.SetProgress(ctx, fresh, 10)) // refreshes the claim

			n, err = q.RequeueStale(ctx, 10)
			require.NoError(t, err)
			assert.Equal(t, int64(1), n)

			assert.Equal(t, stale, claim(t, q))
			_, err = q.ClaimBlocking(ctx, time.Second)
			assert.ErrorIs(t, err, redis.Nil)
		})
	}
}

func TestRedisQueue_AdoptsUntrackedProcessingEntry(t *testing.T) {
	const visibility = 200 * time.Millisecond
	ctx := context.Background()
	q, _ := newMiniredisQueue(t, visibility)

	// moved by BRPOPLPUSH, consumer gone before the claim time was written
	require.NoError(t, q.rdb.LPush(ctx, q.processingKey, "job-1").Err())

	tracked, _, err := q.Enqueue(ctx, entity.EvaluationRequest{RequestID: "r2", Text: "answer"})
	require.NoError(t, err)
	require.Equal(t, tracked, claim(t, q))
	trackedScore, err := q.rdb.ZScore(ctx, q.claimsKey, tracked).Result()
	require.NoError(t, err)

	n, err := q.RequeueStale(ctx, 10)
	require.NoError(t, err)
	assert.Zero(t, n)

	_, err = q.rdb.ZScore(ctx, q.claimsKey, "job-1").Result()
	require.NoError(t, err, "untracked entry gets a claim time")
	score, err := q.rdb.ZScore(ctx, q.claimsKey, tracked).Result()
	require.NoError(t, err)
	assert.Equal(t, trackedScore, score, "existing claim time is kept")

	time.Sleep(visibility + 100*time.Millisecond)
	require.NoError(t, q.Ack(ctx, tracked))

	n, err = q.RequeueStale(ctx, 10)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	queued, err := q.rdb.LRange(ctx, q.queueKey, 0, -1).Result()
	require.NoError(t, err)
	assert.Equal(t, []string{"job-1"}, queued)
	processing, err := q.rdb.LLen(ctx, q.processingKey).Result()
	require.NoError(t, err)
	assert.Zero(t, processing)
}

func TestRedisQueue_TerminalJobGetsRetention(t *testing.T) {
	ctx := context.Background()
	q, mr := newMiniredisQueue(t, time.Minute)

	id, _, err := q.Enqueue(ctx, entity.EvaluationRequest{RequestID: "r1", Text: "answer"})
	require.NoError(t, err)
	assert.Zero(t, mr.TTL(q.jobKey(id)))

	require.NoError(t, q.MarkActive(ctx, id))
	require.NoError(t, q.Complete(ctx, id, entity.EvaluationResult{RequestID: "r1", JobID: id, Score: 90}))

	assert.Equal(t, 24*time.Hour, mr.TTL(q.jobKey(id)))
	assert.Equal(t, 24*time.Hour, mr.TTL(q.requestKey("r1")))

	job, err := q.GetJob(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, 100, job.Progress)
	require.NotNil(t, job.ReturnValue)
	assert.Equal(t, 90, job.ReturnValue.Score)
}
