// Package evaluator scores interview responses. Audio input is transcribed
// first and the transcript is scored like free text.
package evaluator

import (
	"context"
	"fmt"
	"math"
	"strings"
	"unicode/utf8"

	"go.uber.org/zap"

	"evaluation-service/internal/entity"
	"evaluation-service/internal/failure"
	"evaluation-service/internal/logger"
	"evaluation-service/internal/scrub"
)

type Transcript struct {
	Text            string
	DurationSeconds float64
}

type Score struct {
	Score        int
	Feedback     string
	WhatChanged  string
	PracticeRule string
	// TokensUsed is nil when the provider did not report usage.
	TokensUsed *int64
}

type Transcriber interface {
	Transcribe(ctx context.Context, audioURL string) (Transcript, error)
}

type Scorer interface {
	Score(ctx context.Context, text string) (Score, error)
}

// ProgressFunc receives coarse progress percentages while an evaluation runs.
type ProgressFunc func(progress int)

type Evaluation struct {
	Score
	Transcript string
}

type Evaluator interface {
	Evaluate(ctx context.Context, req entity.EvaluationRequest, progress ProgressFunc) (Evaluation, error)
}

type Limits struct {
	MaxTextChars    int
	MaxAudioSeconds int
}

type Service struct {
	transcriber Transcriber
	scorer      Scorer
	scrubber    scrub.Scrubber
	limits      Limits
	logger      *zap.Logger
}

// NewService wires the pipeline. transcriber may be nil when only text input
// is supported.
func NewService(transcriber Transcriber, scorer Scorer, scrubber scrub.Scrubber, limits Limits, logger *zap.Logger) *Service {
	if scrubber == nil {
		scrubber = scrub.Nop{}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{
		transcriber: transcriber,
		scorer:      scorer,
		scrubber:    scrubber,
		limits:      limits,
		logger:      logger.Named("evaluator"),
	}
}

func (s *Service) Evaluate(ctx context.Context, req entity.EvaluationRequest, progress ProgressFunc) (Evaluation, error) {
	if progress == nil {
		progress = func(int) {}
	}
	if err := req.CheckInput(); err != nil {
		return Evaluation{}, failure.Wrap(failure.CodeInvalidInput, err.Error(), err)
	}

	text := req.Text
	if req.IsAudio() {
		tr, err := s.transcribe(ctx, req.AudioURL)
		if err != nil {
			return Evaluation{}, err
		}
		text = tr
		progress(50)
	}

	if s.limits.MaxTextChars > 0 {
		if n := utf8.RuneCountInString(text); n > s.limits.MaxTextChars {
			return Evaluation{}, failure.Newf(failure.CodeInputTooLong,
				"response has %d characters, the limit is %d", n, s.limits.MaxTextChars)
		}
	}

	score, err := s.scorer.Score(ctx, text)
	if err != nil {
		return Evaluation{}, fmt.Errorf("score: %w", err)
	}
	if score.TokensUsed == nil {
		s.logger.Debug("scoring usage missing",
			zap.String("code", string(failure.CodeUsageUnavailable)),
			zap.String("kind", string(failure.KindOf(failure.CodeUsageUnavailable))),
		)
	}
	progress(90)

	return Evaluation{Score: score, Transcript: text}, nil
}

func (s *Service) transcribe(ctx context.Context, audioURL string) (string, error) {
	if s.transcriber == nil {
		return "", failure.New(failure.CodeInvalidInput, "audio evaluation is not enabled")
	}
	tr, err := s.transcriber.Transcribe(ctx, audioURL)
	if err != nil {
		return "", fmt.Errorf("transcribe: %w", err)
	}
	if limit := s.limits.MaxAudioSeconds; limit > 0 && tr.DurationSeconds > float64(limit) {
		return "", failure.Newf(failure.CodeAudioTooLong,
			"recording is %ds long, the limit is %ds", int(math.Ceil(tr.DurationSeconds)), limit)
	}
	text := strings.TrimSpace(tr.Text)
	if text == "" {
		return "", failure.New(failure.CodeEmptyTranscription, "no speech was detected in the recording")
	}
	text = s.scrubber.Scrub(text)
	s.logger.Debug("transcribed",
		zap.Float64("duration_seconds", tr.DurationSeconds),
		zap.String("preview", logger.Truncate(text, 80)),
	)
	return text, nil
}
