package stream

import "time"

type Schedule struct {
	EvaluatingDelay time.Duration
	TipStart        time.Duration
	TipInterval     time.Duration
	MaxTips         int
	ChipInterval    time.Duration
	MaxChips        int
	PollInterval    time.Duration
	MaxPolls        int
}

// DefaultSchedule keeps the first frame immediate and the first tip well
// inside one second.
func DefaultSchedule() Schedule {
	return Schedule{
		EvaluatingDelay: 300 * time.Millisecond,
		TipStart:        800 * time.Millisecond,
		TipInterval:     3 * time.Second,
		MaxTips:         3,
		ChipInterval:    600 * time.Millisecond,
		MaxChips:        4,
		PollInterval:    time.Second,
		MaxPolls:        120,
	}
}

var defaultChips = []string{
	"Structure",
	"Specificity",
	"Impact",
	"Clarity",
	"Ownership",
	"Conciseness",
}

// Item is one synthetic frame and its offset from connection open.
type Item struct {
	At    time.Duration
	Frame Frame
}

// Scheduler yields the synthetic frames of one connection in order. Frames
// are built on demand; once exhausted it stays exhausted.
type Scheduler struct {
	sched Schedule
	tips  []string
	chips []string

	step  int
	tipN  int
	chipN int
	done  bool
}

func NewScheduler(sched Schedule, tips []string) *Scheduler {
	return &Scheduler{sched: sched, tips: tips, chips: defaultChips}
}

func (s *Scheduler) Next() (Item, bool) {
	if s.done {
		return Item{}, false
	}

	switch s.step {
	case 0:
		s.step++
		return Item{At: 0, Frame: Frame{Type: FrameProgress, Data: ProgressData{Stage: "processing", Message: "Processing your response"}}}, true
	case 1:
		s.step++
		return Item{At: s.sched.EvaluatingDelay, Frame: Frame{Type: FrameProgress, Data: ProgressData{Stage: "evaluating", Message: "Evaluating against the rubric"}}}, true
	}

	tipOK := s.tipN < min(s.sched.MaxTips, len(s.tips))
	chipOK := s.chipN < min(s.sched.MaxChips, len(s.chips))
	tipAt := s.sched.TipStart + time.Duration(s.tipN)*s.sched.TipInterval
	chipAt := s.sched.EvaluatingDelay + time.Duration(s.chipN+1)*s.sched.ChipInterval

	switch {
	case tipOK && (!chipOK || tipAt <= chipAt):
		it := Item{At: tipAt, Frame: Frame{Type: FrameTip, Data: TipData{Index: s.tipN, Text: s.tips[s.tipN]}}}
		s.tipN++
		return it, true
	case chipOK:
		it := Item{At: chipAt, Frame: Frame{Type: FrameChip, Data: ChipData{Index: s.chipN, Label: s.chips[s.chipN]}}}
		s.chipN++
		return it, true
	}

	s.done = true
	return Item{}, false
}
