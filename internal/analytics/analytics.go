// Package analytics forwards pipeline domain events to external sinks.
// Delivery is best effort: callers log and drop sink errors.
package analytics

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"evaluation-service/internal/metrics"
)

const (
	EventCompleted = "evaluation.completed"
	EventCached    = "evaluation.cached"
	EventFailed    = "evaluation.failed"
)

type Event struct {
	Name       string
	JobID      string
	RequestID  string
	Score      int
	DurationMs int64
	Attempts   int
	Code       string
	At         time.Time
}

type Sink interface {
	Track(ctx context.Context, ev Event) error
}

type LogSink struct {
	logger *zap.Logger
}

func NewLogSink(logger *zap.Logger) *LogSink {
	return &LogSink{logger: logger.Named("analytics")}
}

func (s *LogSink) Track(_ context.Context, ev Event) error {
	s.logger.Info(ev.Name,
		zap.String("job_id", ev.JobID),
		zap.String("request_id", ev.RequestID),
		zap.Int("score", ev.Score),
		zap.Int64("duration_ms", ev.DurationMs),
		zap.Int("attempts", ev.Attempts),
		zap.String("code", ev.Code),
		zap.Time("at", ev.At),
	)
	return nil
}

type MetricsSink struct {
	m *metrics.Metrics
}

func NewMetricsSink(m *metrics.Metrics) *MetricsSink {
	return &MetricsSink{m: m}
}

func (s *MetricsSink) Track(_ context.Context, ev Event) error {
	s.m.Events.WithLabelValues(ev.Name).Inc()
	return nil
}

// Multi fans an event out to every sink and joins their errors.
type Multi []Sink

func (ms Multi) Track(ctx context.Context, ev Event) error {
	var errs []error
	for _, s := range ms {
		if err := s.Track(ctx, ev); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
