package stream

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"evaluation-service/internal/entity"
)

type fakeReader struct {
	mu          sync.Mutex
	polls       atomic.Int32
	completeAt  int32
	failAt      int32
	result      *entity.EvaluationResult
	byRequest   *entity.EvaluationResult
	statusCalls int
}

func (f *fakeReader) GetStatus(_ context.Context, id string) (*entity.EvaluationStatus, error) {
	n := f.polls.Add(1)
	f.mu.Lock()
	f.statusCalls++
	f.mu.Unlock()
	switch {
	case f.completeAt > 0 && n >= f.completeAt:
		return &entity.EvaluationStatus{SubmissionID: id, Status: entity.ClientCompleted, Progress: 100, Result: f.result}, nil
	case f.failAt > 0 && n >= f.failAt:
		return &entity.EvaluationStatus{SubmissionID: id, Status: entity.ClientFailed,
			Error: &entity.JobError{Code: "audio_too_long", Message: "too long"}}, nil
	}
	return &entity.EvaluationStatus{SubmissionID: id, Status: entity.ClientProcessing, Progress: 40}, nil
}

func (f *fakeReader) ResultByRequest(context.Context, string) (*entity.EvaluationResult, error) {
	if f.byRequest == nil {
		return nil, errors.New("not found")
	}
	return f.byRequest, nil
}

type recorder struct {
	mu     sync.Mutex
	start  time.Time
	frames []Frame
	at     []time.Duration
}

func newRecorder() *recorder { return &recorder{start: time.Now()} }

func (r *recorder) emit(f Frame) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.frames = append(r.frames, f)
	r.at = append(r.at, time.Since(r.start))
	return nil
}

func (r *recorder) types() []FrameType {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]FrameType, len(r.frames))
	for i, f := range r.frames {
		out[i] = f.Type
	}
	return out
}

func fastSchedule() Schedule {
	return Schedule{
		EvaluatingDelay: 5 * time.Millisecond,
		TipStart:        10 * time.Millisecond,
		TipInterval:     10 * time.Millisecond,
		MaxTips:         2,
		ChipInterval:    5 * time.Millisecond,
		MaxChips:        3,
		PollInterval:    10 * time.Millisecond,
		MaxPolls:        50,
	}
}

func TestRun_CompletesWithOrderedFrames(t *testing.T) {
	reader := &fakeReader{completeAt: 5, result: &entity.EvaluationResult{RequestID: "r1", JobID: "j1", Score: 81, Feedback: "good"}}
	s := NewStreamer(reader, StaticTips{"tip a", "tip b", "tip c"}, fastSchedule(), nil, nil)
	rec := newRecorder()

	require.NoError(t, s.Run(context.Background(), "j1", "r1", rec.emit))

	types := rec.types()
	require.NotEmpty(t, types)
	assert.Equal(t, FrameProgress, types[0])
	assert.Less(t, rec.at[0], 500*time.Millisecond)
	assert.Equal(t, FrameComplete, types[len(types)-1])

	for i, typ := range types[:len(types)-1] {
		assert.False(t, typ.Terminal(), "terminal frame at %d before the end", i)
	}
	seenProgress := false
	for _, typ := range types {
		if typ == FrameProgress {
			seenProgress = true
		}
		if typ == FrameTip {
			assert.True(t, seenProgress, "tip before first progress")
		}
	}

	last := rec.frames[len(rec.frames)-1].Data.(CompleteData)
	assert.Equal(t, 81, last.Result.Score)
	assert.Equal(t, "j1", last.SubmissionID)

	for i := 1; i < len(rec.frames); i++ {
		assert.GreaterOrEqual(t, rec.frames[i].Timestamp, rec.frames[i-1].Timestamp)
	}
}

func TestRun_FailureEmitsErrorFrame(t *testing.T) {
	reader := &fakeReader{failAt: 2}
	s := NewStreamer(reader, StaticTips{}, fastSchedule(), nil, nil)
	rec := newRecorder()

	require.NoError(t, s.Run(context.Background(), "j1", "", rec.emit))

	last := rec.frames[len(rec.frames)-1]
	require.Equal(t, FrameError, last.Type)
	assert.Equal(t, "audio_too_long", last.Data.(entity.JobError).Code)
}

func TestRun_TimesOutAfterPollBudget(t *testing.T) {
	sched := fastSchedule()
	sched.MaxPolls = 3
	reader := &fakeReader{}
	s := NewStreamer(reader, StaticTips{"t"}, sched, nil, nil)
	rec := newRecorder()

	require.NoError(t, s.Run(context.Background(), "j1", "r1", rec.emit))

	last := rec.frames[len(rec.frames)-1]
	require.Equal(t, FrameError, last.Type)
	assert.Equal(t, CodeStreamTimeout, last.Data.(entity.JobError).Code)
	assert.Equal(t, int32(3), reader.polls.Load())
}

func TestRun_FallsBackToResultByRequest(t *testing.T) {
	reader := &fakeReader{byRequest: &entity.EvaluationResult{RequestID: "r9", JobID: "j9", Score: 12}}
	s := NewStreamer(reader, nil, fastSchedule(), nil, nil)
	rec := newRecorder()

	require.NoError(t, s.Run(context.Background(), "", "r9", rec.emit))

	last := rec.frames[len(rec.frames)-1]
	require.Equal(t, FrameComplete, last.Type)
	assert.Equal(t, "j9", last.Data.(CompleteData).SubmissionID)
	assert.Zero(t, reader.polls.Load())
}

func TestRun_ClientDisconnectStopsPolling(t *testing.T) {
	sched := fastSchedule()
	sched.MaxPolls = 1000
	reader := &fakeReader{}
	s := NewStreamer(reader, StaticTips{"t"}, sched, nil, nil)
	rec := newRecorder()

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx, "j1", "r1", rec.emit) }()

	time.Sleep(30 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("stream did not stop after disconnect")
	}

	polls := reader.polls.Load()
	emitted := len(rec.types())
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, polls, reader.polls.Load(), "poller kept running")
	assert.Equal(t, emitted, len(rec.types()), "frames emitted after disconnect")
}

func TestRun_EmitErrorEndsStream(t *testing.T) {
	reader := &fakeReader{}
	s := NewStreamer(reader, nil, fastSchedule(), nil, nil)
	broken := errors.New("broken pipe")

	err := s.Run(context.Background(), "j1", "", func(Frame) error { return broken })
	require.ErrorIs(t, err, broken)
}

func TestScheduler_SequenceIsFiniteAndOrdered(t *testing.T) {
	sched := NewScheduler(fastSchedule(), []string{"a", "b", "c"})

	var items []Item
	for {
		it, ok := sched.Next()
		if !ok {
			break
		}
		items = append(items, it)
	}

	// 2 progress + 2 tips (capped) + 3 chips (capped)
	require.Len(t, items, 7)
	assert.Equal(t, "processing", items[0].Frame.Data.(ProgressData).Stage)
	assert.Equal(t, "evaluating", items[1].Frame.Data.(ProgressData).Stage)
	for i := 2; i < len(items); i++ {
		assert.GreaterOrEqual(t, items[i].At, items[i-1].At)
	}

	_, ok := sched.Next()
	assert.False(t, ok, "exhausted scheduler restarted")
}

func TestScheduler_DefaultTipsStartWithinOneSecond(t *testing.T) {
	sched := NewScheduler(DefaultSchedule(), DefaultTips)
	for {
		it, ok := sched.Next()
		require.True(t, ok, "no tip scheduled")
		if it.Frame.Type == FrameTip {
			assert.Less(t, it.At, time.Second)
			return
		}
	}
}

func TestFileTips(t *testing.T) {
	path := filepath.Join(t.TempDir(), "tips.txt")
	require.NoError(t, os.WriteFile(path, []byte("# header\nfirst tip\n\n  second tip  \n"), 0o600))

	tips, err := FileTips{Path: path}.Tips(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"first tip", "second tip"}, tips)

	_, err = FileTips{Path: filepath.Join(t.TempDir(), "missing")}.Tips(context.Background())
	require.Error(t, err)
}
