// Package app builds the shared object graph for the api and worker binaries.
package app

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"evaluation-service/internal/analytics"
	"evaluation-service/internal/config"
	"evaluation-service/internal/evaluator"
	"evaluation-service/internal/evaluator/gemini"
	"evaluation-service/internal/metrics"
	"evaluation-service/internal/repository"
	"evaluation-service/internal/repository/memory"
	"evaluation-service/internal/repository/postgresql"
	"evaluation-service/internal/scrub"
	"evaluation-service/internal/service"
	"evaluation-service/internal/stream"
	"evaluation-service/internal/webhook"
	"evaluation-service/internal/worker"
)

// Deps is everything both binaries share. Close releases the connections.
type Deps struct {
	Config   *config.Config
	Logger   *zap.Logger
	Registry *prometheus.Registry
	Metrics  *metrics.Metrics
	Results  repository.ResultStore
	Queue    service.Queue
	Scrubber scrub.Scrubber

	closers []func()
}

func (d *Deps) Close() {
	for i := len(d.closers) - 1; i >= 0; i-- {
		d.closers[i]()
	}
}

func New(ctx context.Context, cfg *config.Config, logger *zap.Logger) (*Deps, error) {
	reg := prometheus.NewRegistry()
	d := &Deps{
		Config:   cfg,
		Logger:   logger,
		Registry: reg,
		Metrics:  metrics.New(reg),
		Scrubber: scrub.NewPatternScrubber(),
	}

	if err := d.openResults(ctx); err != nil {
		d.Close()
		return nil, err
	}
	if err := d.openQueue(ctx); err != nil {
		d.Close()
		return nil, err
	}
	return d, nil
}

func (d *Deps) openResults(ctx context.Context) error {
	cfg := d.Config.Postgres
	if cfg.ResultStore == "memory" {
		d.Logger.Warn("using in-memory result store; results are lost on restart")
		d.Results = memory.NewResultStore()
		return nil
	}

	pool, err := postgresql.NewPool(ctx, cfg.DSN, cfg.MaxConns)
	if err != nil {
		return fmt.Errorf("pg: %w", err)
	}
	d.closers = append(d.closers, pool.Close)

	if err := postgresql.EnsureSchema(ctx, pool); err != nil {
		return err
	}
	d.Results = postgresql.NewResultRepository(pool)
	d.Logger.Info("result store ready", zap.String("postgres_dsn", config.RedactDSN(cfg.DSN)))
	return nil
}

func (d *Deps) openQueue(ctx context.Context) error {
	cfg := d.Config.Redis
	if cfg.Backend == "memory" {
		d.Logger.Warn("using in-memory job queue; api and worker must share the process")
		d.Queue = service.NewMemoryQueue(cfg.VisibilityTimeout)
		return nil
	}

	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	d.closers = append(d.closers, func() { _ = rdb.Close() })
	if err := rdb.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("redis: %w", err)
	}

	d.Queue = service.NewRedisQueue(rdb, service.RedisQueueOptions{
		KeyPrefix:         cfg.KeyPrefix,
		VisibilityTimeout: cfg.VisibilityTimeout,
		Retention:         cfg.Retention,
	})
	d.Logger.Info("job queue ready", zap.String("redis_addr", cfg.Addr), zap.String("prefix", cfg.KeyPrefix))
	return nil
}

func (d *Deps) EvaluationService() *service.EvaluationService {
	return service.NewEvaluationService(d.Queue, d.Results, d.Scrubber, d.Metrics, d.Logger, service.EvaluationServiceOptions{
		MaxTextChars: d.Config.Limits.MaxTextChars,
		PollAfter:    d.Config.HTTP.PollAfter,
	})
}

func (d *Deps) Streamer(reader stream.StatusReader) *stream.Streamer {
	sc := d.Config.Stream
	var tips stream.TipSource = stream.DefaultTips
	if sc.TipsFile != "" {
		tips = stream.FileTips{Path: sc.TipsFile}
	}
	return stream.NewStreamer(reader, tips, stream.Schedule{
		EvaluatingDelay: sc.EvaluatingDelay,
		TipStart:        sc.TipStart,
		TipInterval:     sc.TipInterval,
		MaxTips:         sc.MaxTips,
		ChipInterval:    sc.ChipInterval,
		MaxChips:        sc.MaxChips,
		PollInterval:    sc.PollInterval,
		MaxPolls:        sc.MaxPolls,
	}, d.Metrics, d.Logger)
}

func (d *Deps) Receiver() *webhook.Receiver {
	if d.Config.Webhook.Secret == "" {
		d.Logger.Warn("WEBHOOK_SECRET is empty; inbound webhooks are rejected")
	}
	return webhook.NewReceiver(d.Config.Webhook.Secret, d.Results, d.Logger)
}

// WorkerPool builds the evaluator and the worker pool on top of the shared
// queue and result store.
func (d *Deps) WorkerPool(ctx context.Context) (*worker.Pool, error) {
	cfg := d.Config
	if cfg.Gemini.APIKey == "" {
		return nil, errors.New("GEMINI_API_KEY is required to run workers")
	}

	fetcher := gemini.NewAudioFetcher(30*time.Second, cfg.Limits.MaxAudioBytes)
	client, err := gemini.NewClient(ctx, cfg.Gemini.APIKey, cfg.Gemini.Model, fetcher)
	if err != nil {
		return nil, fmt.Errorf("gemini: %w", err)
	}

	ev := evaluator.NewService(client, client, d.Scrubber, evaluator.Limits{
		MaxTextChars:    cfg.Limits.MaxTextChars,
		MaxAudioSeconds: cfg.Limits.MaxAudioSeconds,
	}, d.Logger)

	events := analytics.Multi{
		analytics.NewLogSink(d.Logger),
		analytics.NewMetricsSink(d.Metrics),
	}

	notifier := webhook.NewDispatcher(webhook.DispatcherOptions{
		Secret:     cfg.Webhook.Secret,
		Timeout:    cfg.Webhook.Timeout,
		MaxElapsed: cfg.Webhook.MaxElapsed,
	}, d.Metrics, d.Logger)

	processor := worker.NewProcessor(d.Queue, d.Results, ev, events, notifier, d.Metrics, d.Logger, worker.ProcessorOptions{
		MaxAttempts:    cfg.Worker.MaxAttempts,
		InitialBackoff: cfg.Worker.InitialBackoff,
		MaxBackoff:     cfg.Worker.MaxBackoff,
		AttemptTimeout: cfg.Worker.AttemptTimeout,
		PollAfter:      cfg.HTTP.PollAfter,
	})

	d.Logger.Info("evaluator ready", zap.String("model", client.Model()))
	return worker.NewPool(d.Queue, processor, d.Metrics, d.Logger, worker.PoolOptions{
		Workers:        cfg.Worker.Count,
		ClaimTimeout:   cfg.Worker.ClaimTimeout,
		ReaperInterval: cfg.Redis.ReaperInterval,
		ReaperBatch:    cfg.Redis.ReaperBatch,
	}), nil
}
