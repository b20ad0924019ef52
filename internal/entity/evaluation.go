package entity

import (
	"errors"
	"strings"
	"time"
)

var (
	ErrInputMissing   = errors.New("one of text or audioUrl is required")
	ErrInputAmbiguous = errors.New("text and audioUrl are mutually exclusive")
)

// EvaluationRequest identifies one evaluation attempt. RequestID is the
// idempotency key and never changes after submission.
type EvaluationRequest struct {
	RequestID   string `json:"requestId"`
	Text        string `json:"text,omitempty"`
	AudioURL    string `json:"audioUrl,omitempty"`
	CallbackURL string `json:"callbackUrl,omitempty"`
}

func (r EvaluationRequest) IsAudio() bool {
	return strings.TrimSpace(r.AudioURL) != ""
}

// CheckInput enforces that exactly one of Text or AudioURL is set.
func (r EvaluationRequest) CheckInput() error {
	hasText := strings.TrimSpace(r.Text) != ""
	hasAudio := r.IsAudio()
	switch {
	case hasText && hasAudio:
		return ErrInputAmbiguous
	case !hasText && !hasAudio:
		return ErrInputMissing
	}
	return nil
}

// EvaluationResult is the durable artifact; at most one exists per RequestID.
type EvaluationResult struct {
	RequestID    string `json:"requestId" validate:"required,max=128"`
	JobID        string `json:"jobId" validate:"required,max=128"`
	Score        int    `json:"score" validate:"min=0,max=100"`
	Feedback     string `json:"feedback"`
	WhatChanged  string `json:"whatChanged"`
	PracticeRule string `json:"practiceRule"`
	DurationMs   int64  `json:"durationMs" validate:"min=0"`
	TokensUsed   *int64 `json:"tokensUsed,omitempty" validate:"omitempty,min=0"`

	// CreatedAt is set by the result store on first write.
	CreatedAt time.Time `json:"-"`
}
