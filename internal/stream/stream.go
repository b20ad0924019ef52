// Package stream produces the frame sequence of a progress stream: synthetic
// progress, tip and chip frames on a timer, raced against a poller that
// watches for the real outcome.
package stream

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"evaluation-service/internal/entity"
	"evaluation-service/internal/metrics"
)

type FrameType string

const (
	FrameProgress FrameType = "progress"
	FrameTip      FrameType = "tip"
	FrameChip     FrameType = "chip"
	FrameComplete FrameType = "complete"
	FrameError    FrameType = "error"
)

// Terminal reports whether nothing may follow a frame of this type.
func (t FrameType) Terminal() bool {
	return t == FrameComplete || t == FrameError
}

type Frame struct {
	Type FrameType `json:"type"`
	Data any       `json:"data"`
	// Timestamp is milliseconds since the Unix epoch.
	Timestamp int64 `json:"timestamp"`
}

type ProgressData struct {
	Stage   string `json:"stage"`
	Message string `json:"message"`
}

type TipData struct {
	Index int    `json:"index"`
	Text  string `json:"text"`
}

type ChipData struct {
	Index int    `json:"index"`
	Label string `json:"label"`
}

type CompleteData struct {
	SubmissionID string                   `json:"submissionId,omitempty"`
	Result       *entity.EvaluationResult `json:"result"`
}

const CodeStreamTimeout = "stream_timeout"

// StatusReader is the read side the poller consults.
type StatusReader interface {
	GetStatus(ctx context.Context, submissionID string) (*entity.EvaluationStatus, error)
	ResultByRequest(ctx context.Context, requestID string) (*entity.EvaluationResult, error)
}

// EmitFunc writes one frame to the client. An error ends the stream.
type EmitFunc func(Frame) error

type Streamer struct {
	reader  StatusReader
	tips    TipSource
	sched   Schedule
	metrics *metrics.Metrics
	logger  *zap.Logger
}

func NewStreamer(reader StatusReader, tips TipSource, sched Schedule, m *metrics.Metrics, logger *zap.Logger) *Streamer {
	if tips == nil {
		tips = DefaultTips
	}
	if sched.PollInterval <= 0 {
		sched.PollInterval = time.Second
	}
	if sched.MaxPolls <= 0 {
		sched.MaxPolls = 1
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Streamer{reader: reader, tips: tips, sched: sched, metrics: m, logger: logger.Named("stream")}
}

// Run emits frames for one connection until a complete or error frame has
// been written, emit fails, or ctx is done. All frames are written from the
// calling goroutine.
func (s *Streamer) Run(ctx context.Context, jobID, requestID string, emit EmitFunc) error {
	if s.metrics != nil {
		s.metrics.ActiveStreams.Inc()
		defer s.metrics.ActiveStreams.Dec()
	}
	log := s.logger.With(zap.String("job_id", jobID), zap.String("request_id", requestID))

	start := time.Now()
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	send := func(f Frame) error {
		f.Timestamp = time.Now().UnixMilli()
		return emit(f)
	}

	// The first scheduled frame goes out before any I/O.
	sched := NewScheduler(s.sched, nil)
	first, _ := sched.Next()
	if err := send(first.Frame); err != nil {
		return err
	}

	outcome := make(chan Frame, 1)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		outcome <- s.poll(gctx, log, jobID, requestID)
		return nil
	})

	tips, err := s.tips.Tips(ctx)
	if err != nil {
		log.Warn("tips unavailable", zap.Error(err))
	}
	sched.tips = tips

	runErr := s.loop(ctx, start, sched, outcome, send)
	cancel()
	_ = g.Wait()

	if runErr != nil && !errors.Is(runErr, context.Canceled) {
		return runErr
	}
	if runErr != nil {
		log.Debug("stream closed by client")
	}
	return nil
}

func (s *Streamer) loop(ctx context.Context, start time.Time, sched *Scheduler, outcome <-chan Frame, send EmitFunc) error {
	finish := func(f Frame) error {
		if f.Type == "" {
			return ctx.Err()
		}
		return send(f)
	}

	var timer *time.Timer
	next, ok := sched.Next()
	if ok {
		timer = time.NewTimer(time.Until(start.Add(next.At)))
		defer timer.Stop()
	}

	for {
		var tick <-chan time.Time
		if ok {
			tick = timer.C
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case f := <-outcome:
			return finish(f)
		case <-tick:
			// an outcome ready at the same time wins over a synthetic frame
			select {
			case f := <-outcome:
				return finish(f)
			default:
			}
			if err := send(next.Frame); err != nil {
				return err
			}
			if next, ok = sched.Next(); ok {
				timer.Reset(time.Until(start.Add(next.At)))
			}
		}
	}
}

// poll returns the terminal frame: complete, failed, or a timeout once the
// poll budget is spent. It returns early with an empty frame when ctx ends.
func (s *Streamer) poll(ctx context.Context, log *zap.Logger, jobID, requestID string) Frame {
	ticker := time.NewTicker(s.sched.PollInterval)
	defer ticker.Stop()

	for i := 0; i < s.sched.MaxPolls; i++ {
		if f, done := s.check(ctx, log, jobID, requestID); done {
			return f
		}
		select {
		case <-ctx.Done():
			return Frame{}
		case <-ticker.C:
		}
	}
	return Frame{Type: FrameError, Data: entity.JobError{
		Code:    CodeStreamTimeout,
		Message: "the evaluation is still running; poll the status endpoint for the result",
	}}
}

func (s *Streamer) check(ctx context.Context, log *zap.Logger, jobID, requestID string) (Frame, bool) {
	if jobID != "" {
		st, err := s.reader.GetStatus(ctx, jobID)
		switch {
		case err != nil:
			if ctx.Err() == nil {
				log.Debug("status poll failed", zap.Error(err))
			}
		case st.Status == entity.ClientCompleted && st.Result != nil:
			return Frame{Type: FrameComplete, Data: CompleteData{SubmissionID: st.SubmissionID, Result: st.Result}}, true
		case st.Status == entity.ClientFailed:
			jobErr := entity.JobError{Code: "unclassified", Message: "the evaluation failed"}
			if st.Error != nil {
				jobErr = *st.Error
			}
			return Frame{Type: FrameError, Data: jobErr}, true
		}
	}
	if requestID != "" {
		if res, err := s.reader.ResultByRequest(ctx, requestID); err == nil {
			return Frame{Type: FrameComplete, Data: CompleteData{SubmissionID: res.JobID, Result: res}}, true
		}
	}
	return Frame{}, false
}
