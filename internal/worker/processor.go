package worker

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"

	"evaluation-service/internal/analytics"
	"evaluation-service/internal/entity"
	"evaluation-service/internal/evaluator"
	"evaluation-service/internal/failure"
	"evaluation-service/internal/metrics"
	"evaluation-service/internal/repository"
	"evaluation-service/internal/service"
)

// Notifier delivers terminal job payloads to a callback URL.
type Notifier interface {
	Deliver(ctx context.Context, callbackURL string, payload entity.WebhookPayload) error
}

type ProcessorOptions struct {
	MaxAttempts    int
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
	AttemptTimeout time.Duration
	PollAfter      time.Duration
}

type Processor struct {
	queue     service.Queue
	results   repository.ResultStore
	evaluator evaluator.Evaluator
	events    analytics.Sink
	notifier  Notifier
	metrics   *metrics.Metrics
	logger    *zap.Logger
	opts      ProcessorOptions
}

// NewProcessor wires a processor. events, notifier and m may be nil.
func NewProcessor(queue service.Queue, results repository.ResultStore, ev evaluator.Evaluator, events analytics.Sink, notifier Notifier, m *metrics.Metrics, logger *zap.Logger, opts ProcessorOptions) *Processor {
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = 3
	}
	if opts.InitialBackoff <= 0 {
		opts.InitialBackoff = 2 * time.Second
	}
	if opts.MaxBackoff < opts.InitialBackoff {
		opts.MaxBackoff = opts.InitialBackoff
	}
	if events == nil {
		events = analytics.Multi{}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Processor{
		queue:     queue,
		results:   results,
		evaluator: ev,
		events:    events,
		notifier:  notifier,
		metrics:   m,
		logger:    logger.Named("worker"),
		opts:      opts,
	}
}

// Process runs one delivery of a job. A nil return means the claim can be
// acked: the job is terminal, gone, or was already handled. Any other error
// leaves the claim for the reaper.
func (p *Processor) Process(ctx context.Context, jobID string) error {
	start := time.Now()
	log := p.logger.With(zap.String("job_id", jobID))

	job, err := p.queue.GetJob(ctx, jobID)
	if errors.Is(err, service.ErrJobNotFound) {
		log.Warn("job evicted before processing")
		return nil
	}
	if err != nil {
		return fmt.Errorf("get job: %w", err)
	}
	log = log.With(zap.String("request_id", job.RequestID))

	cached, err := p.results.GetByRequestID(ctx, job.RequestID)
	switch {
	case err == nil:
		return p.completeCached(ctx, log, job, cached, start)
	case !errors.Is(err, repository.ErrNotFound):
		return fmt.Errorf("idempotency check: %w", err)
	}

	if job.State.Terminal() {
		log.Info("redelivered terminal job skipped", zap.String("state", string(job.State)))
		return nil
	}

	if err := p.queue.MarkActive(ctx, job.ID); err != nil {
		if errors.Is(err, service.ErrJobTerminal) {
			return nil
		}
		return fmt.Errorf("mark active: %w", err)
	}
	p.setProgress(ctx, log, job.ID, 10)

	eval, attempts, evalErr := p.evaluate(ctx, log, job)
	if evalErr != nil {
		if ctx.Err() != nil {
			// shutting down; the reaper hands the job to another worker
			return ctx.Err()
		}
		return p.fail(ctx, log, job, evalErr, attempts, start)
	}

	result := entity.EvaluationResult{
		RequestID:    job.RequestID,
		JobID:        job.ID,
		Score:        eval.Score.Score,
		Feedback:     eval.Feedback,
		WhatChanged:  eval.WhatChanged,
		PracticeRule: eval.PracticeRule,
		DurationMs:   time.Since(start).Milliseconds(),
		TokensUsed:   eval.TokensUsed,
	}
	if err := p.results.Upsert(ctx, result); err != nil {
		return fmt.Errorf("persist result: %w", err)
	}
	if err := p.queue.Complete(ctx, job.ID, result); err != nil && !errors.Is(err, service.ErrJobTerminal) {
		return fmt.Errorf("complete: %w", err)
	}

	log.Info("evaluation completed",
		zap.Int("score", result.Score),
		zap.Int("attempts", attempts),
		zap.Int64("duration_ms", result.DurationMs),
	)
	p.finished("completed", "", start)
	p.track(ctx, log, analytics.Event{
		Name:       analytics.EventCompleted,
		JobID:      job.ID,
		RequestID:  job.RequestID,
		Score:      result.Score,
		DurationMs: result.DurationMs,
		Attempts:   attempts,
	})
	p.notify(ctx, log, job, entity.ClientCompleted, &result, nil)
	return nil
}

// evaluate calls the evaluator until it succeeds, a non-retryable cause is
// classified, or the attempt ceiling is reached.
func (p *Processor) evaluate(ctx context.Context, log *zap.Logger, job *entity.EvaluationJob) (evaluator.Evaluation, int, error) {
	var (
		eval     evaluator.Evaluation
		attempts int
	)
	progress := func(v int) { p.setProgress(ctx, log, job.ID, v) }

	op := func() error {
		attempts++
		if err := p.queue.RecordAttempt(ctx, job.ID, job.Attempts+attempts); err != nil {
			log.Warn("record attempt failed", zap.Error(err))
		}

		actx := ctx
		if p.opts.AttemptTimeout > 0 {
			var cancel context.CancelFunc
			actx, cancel = context.WithTimeout(ctx, p.opts.AttemptTimeout)
			defer cancel()
		}

		res, err := p.evaluator.Evaluate(actx, job.Request, progress)
		if err == nil {
			eval = res
			p.attempt("ok")
			return nil
		}
		if ctx.Err() != nil {
			return backoff.Permanent(ctx.Err())
		}

		outcome := failure.Classify(err)
		p.attempt(string(outcome.Kind))
		log.Warn("evaluation attempt failed",
			zap.Int("attempt", attempts),
			zap.String("kind", string(outcome.Kind)),
			zap.String("code", string(outcome.Code)),
			zap.Error(err),
		)
		if outcome.Code == failure.CodeUnclassified {
			log.Error("failure cause is not in the taxonomy", zap.Error(err))
		}
		if !outcome.Retryable {
			return backoff.Permanent(err)
		}
		return err
	}

	err := backoff.Retry(op, p.backoff(ctx))
	return eval, attempts, err
}

func (p *Processor) backoff(ctx context.Context) backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = p.opts.InitialBackoff
	b.MaxInterval = p.opts.MaxBackoff
	b.MaxElapsedTime = 0
	return backoff.WithContext(backoff.WithMaxRetries(b, uint64(p.opts.MaxAttempts-1)), ctx)
}

func (p *Processor) completeCached(ctx context.Context, log *zap.Logger, job *entity.EvaluationJob, cached *entity.EvaluationResult, start time.Time) error {
	if !job.State.Terminal() {
		if err := p.queue.Complete(ctx, job.ID, *cached); err != nil && !errors.Is(err, service.ErrJobTerminal) {
			return fmt.Errorf("complete cached: %w", err)
		}
		p.finished("cached", "", start)
	}
	log.Info("result already stored, evaluator skipped", zap.String("state", string(job.State)))
	p.track(ctx, log, analytics.Event{
		Name:       analytics.EventCached,
		JobID:      job.ID,
		RequestID:  job.RequestID,
		Score:      cached.Score,
		DurationMs: cached.DurationMs,
		Attempts:   job.Attempts,
	})
	return nil
}

func (p *Processor) fail(ctx context.Context, log *zap.Logger, job *entity.EvaluationJob, cause error, attempts int, start time.Time) error {
	outcome := failure.Classify(cause)
	jobErr := outcome.JobError()
	if err := p.queue.Fail(ctx, job.ID, *jobErr); err != nil && !errors.Is(err, service.ErrJobTerminal) {
		return fmt.Errorf("fail: %w", err)
	}

	log.Warn("evaluation failed",
		zap.String("kind", string(outcome.Kind)),
		zap.String("code", string(outcome.Code)),
		zap.Int("attempts", attempts),
		zap.Int64("duration_ms", time.Since(start).Milliseconds()),
	)
	p.finished("failed", string(outcome.Code), start)
	p.track(ctx, log, analytics.Event{
		Name:       analytics.EventFailed,
		JobID:      job.ID,
		RequestID:  job.RequestID,
		DurationMs: time.Since(start).Milliseconds(),
		Attempts:   attempts,
		Code:       string(outcome.Code),
	})
	p.notify(ctx, log, job, entity.ClientFailed, nil, jobErr)
	return nil
}

func (p *Processor) setProgress(ctx context.Context, log *zap.Logger, jobID string, v int) {
	if err := p.queue.SetProgress(ctx, jobID, v); err != nil {
		log.Debug("progress update failed", zap.Int("progress", v), zap.Error(err))
	}
}

// track never fails the job.
func (p *Processor) track(ctx context.Context, log *zap.Logger, ev analytics.Event) {
	ev.At = time.Now().UTC()
	if err := p.events.Track(ctx, ev); err != nil {
		log.Warn("analytics event dropped", zap.String("event", ev.Name), zap.Error(err))
	}
}

func (p *Processor) notify(ctx context.Context, log *zap.Logger, job *entity.EvaluationJob, status entity.ClientStatus, result *entity.EvaluationResult, jobErr *entity.JobError) {
	if p.notifier == nil || job.Request.CallbackURL == "" {
		return
	}
	payload := entity.WebhookPayload{
		JobID:       job.ID,
		RequestID:   job.RequestID,
		Status:      status,
		Result:      result,
		Error:       jobErr,
		PollAfterMs: p.opts.PollAfter.Milliseconds(),
	}
	if err := p.notifier.Deliver(ctx, job.Request.CallbackURL, payload); err != nil {
		outcome := failure.Classify(err)
		log.Warn("webhook delivery failed",
			zap.String("code", string(outcome.Code)),
			zap.Error(err),
		)
	}
}

func (p *Processor) attempt(result string) {
	if p.metrics != nil {
		p.metrics.Attempts.WithLabelValues(result).Inc()
	}
}

func (p *Processor) finished(outcome, code string, start time.Time) {
	if p.metrics == nil {
		return
	}
	p.metrics.JobsFinished.WithLabelValues(outcome, code).Inc()
	p.metrics.JobDuration.Observe(time.Since(start).Seconds())
}
