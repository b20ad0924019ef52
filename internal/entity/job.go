package entity

import (
	"time"
)

type JobState string

const (
	StateQueued    JobState = "queued"
	StateActive    JobState = "active"
	StateCompleted JobState = "completed"
	StateFailed    JobState = "failed"
)

// Terminal reports whether no further transition is allowed out of s.
func (s JobState) Terminal() bool {
	return s == StateCompleted || s == StateFailed
}

// JobError is the client-facing error descriptor. It never carries stack traces.
type JobError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// EvaluationJob is the queue's runtime view of one EvaluationRequest.
type EvaluationJob struct {
	ID          string            `json:"jobId"`
	RequestID   string            `json:"requestId"`
	Request     EvaluationRequest `json:"request"`
	State       JobState          `json:"state"`
	Progress    int               `json:"progress"`
	Attempts    int               `json:"attempts"`
	ReturnValue *EvaluationResult `json:"returnValue,omitempty"`
	Error       *JobError         `json:"error,omitempty"`
	CreatedAt   time.Time         `json:"createdAt"`
	UpdatedAt   time.Time         `json:"updatedAt"`
	FinishedAt  *time.Time        `json:"finishedAt,omitempty"`
}
