package worker

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/lthibault/jitterbug"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"evaluation-service/internal/metrics"
	"evaluation-service/internal/service"
)

type PoolOptions struct {
	Workers        int
	ClaimTimeout   time.Duration
	ReaperInterval time.Duration
	ReaperBatch    int64
}

type Pool struct {
	queue     service.Queue
	processor *Processor
	metrics   *metrics.Metrics
	logger    *zap.Logger
	opts      PoolOptions
}

func NewPool(queue service.Queue, processor *Processor, m *metrics.Metrics, logger *zap.Logger, opts PoolOptions) *Pool {
	if opts.Workers <= 0 {
		opts.Workers = 4
	}
	if opts.ClaimTimeout <= 0 {
		opts.ClaimTimeout = 5 * time.Second
	}
	if opts.ReaperBatch <= 0 {
		opts.ReaperBatch = 100
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Pool{
		queue:     queue,
		processor: processor,
		metrics:   m,
		logger:    logger.Named("pool"),
		opts:      opts,
	}
}

// Run claims jobs until ctx is cancelled and waits for in-flight jobs.
func (p *Pool) Run(ctx context.Context) {
	p.logger.Info("worker pool started", zap.Int("workers", p.opts.Workers))

	jobCh := make(chan string)
	var wg sync.WaitGroup

	for i := 0; i < p.opts.Workers; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			for jobID := range jobCh {
				p.handle(ctx, n, jobID)
			}
		}(i + 1)
	}

	if p.opts.ReaperInterval > 0 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			p.reap(ctx)
		}()
	}

	p.claim(ctx, jobCh)
	close(jobCh)
	wg.Wait()
	p.logger.Info("worker pool stopped")
}

func (p *Pool) claim(ctx context.Context, jobCh chan<- string) {
	for {
		if ctx.Err() != nil {
			return
		}
		jobID, err := p.queue.ClaimBlocking(ctx, p.opts.ClaimTimeout)
		if err != nil {
			if !errors.Is(err, redis.Nil) && ctx.Err() == nil {
				p.logger.Warn("claim failed", zap.Error(err))
				select {
				case <-ctx.Done():
				case <-time.After(time.Second):
				}
			}
			continue
		}
		select {
		case jobCh <- jobID:
		case <-ctx.Done():
			return
		}
	}
}

func (p *Pool) handle(ctx context.Context, n int, jobID string) {
	if err := p.processor.Process(ctx, jobID); err != nil {
		// unacked claims come back through the reaper
		p.logger.Warn("job left for redelivery",
			zap.Int("worker", n),
			zap.String("job_id", jobID),
			zap.Error(err),
		)
		return
	}
	if err := p.queue.Ack(context.WithoutCancel(ctx), jobID); err != nil {
		p.logger.Warn("ack failed", zap.Int("worker", n), zap.String("job_id", jobID), zap.Error(err))
	}
}

// reap periodically returns claims past the visibility timeout to the queue.
func (p *Pool) reap(ctx context.Context) {
	ticker := jitterbug.New(p.opts.ReaperInterval, &jitterbug.Norm{Stdev: p.opts.ReaperInterval / 10})
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			moved, err := p.queue.RequeueStale(ctx, p.opts.ReaperBatch)
			if err != nil {
				if ctx.Err() == nil {
					p.logger.Warn("requeue stale claims failed", zap.Error(err))
				}
				continue
			}
			if moved > 0 {
				p.logger.Info("stale claims requeued", zap.Int64("count", moved))
				if p.metrics != nil {
					p.metrics.Requeued.Add(float64(moved))
				}
			}
		}
	}
}
