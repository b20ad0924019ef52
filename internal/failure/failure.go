// Package failure holds the error taxonomy shared by the evaluator, worker,
// webhook dispatcher and HTTP surfaces.
package failure

import (
	"errors"
	"fmt"

	"evaluation-service/internal/entity"
)

type Kind string

const (
	KindPermanent Kind = "PERMANENT"
	KindTransient Kind = "TRANSIENT"
	KindInfo      Kind = "INFO"
)

type Code string

const (
	CodeInvalidInput       Code = "invalid_input"
	CodeInputTooLong       Code = "input_too_long"
	CodeAudioTooLong       Code = "audio_too_long"
	CodeEmptyTranscription Code = "empty_transcription"
	CodeAuthFailed         Code = "auth_failed"

	CodeNetwork             Code = "network_error"
	CodeProviderTimeout     Code = "provider_timeout"
	CodeRateLimited         Code = "rate_limited"
	CodeMalformedOutput     Code = "malformed_output"
	CodeProviderUnavailable Code = "provider_unavailable"
	CodeWebhookDelivery     Code = "webhook_delivery_failed"
	CodeUnclassified        Code = "unclassified"

	CodeUsageUnavailable Code = "usage_unavailable"
)

var kinds = map[Code]Kind{
	CodeInvalidInput:       KindPermanent,
	CodeInputTooLong:       KindPermanent,
	CodeAudioTooLong:       KindPermanent,
	CodeEmptyTranscription: KindPermanent,
	CodeAuthFailed:         KindPermanent,

	CodeNetwork:             KindTransient,
	CodeProviderTimeout:     KindTransient,
	CodeRateLimited:         KindTransient,
	CodeMalformedOutput:     KindTransient,
	CodeProviderUnavailable: KindTransient,
	CodeWebhookDelivery:     KindTransient,
	CodeUnclassified:        KindTransient,

	CodeUsageUnavailable: KindInfo,
}

// KindOf returns the taxonomy kind of a code. Unknown codes are treated as
// unclassified.
func KindOf(c Code) Kind {
	if k, ok := kinds[c]; ok {
		return k
	}
	return kinds[CodeUnclassified]
}

// Error is a failure cause tagged with a taxonomy code.
type Error struct {
	Code    Code
	Message string
	Err     error
}

func New(code Code, msg string) *Error {
	return &Error{Code: code, Message: msg}
}

func Newf(code Code, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

func Wrap(code Code, msg string, err error) *Error {
	return &Error{Code: code, Message: msg, Err: err}
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error { return e.Err }

// Outcome is the classification of one failure.
type Outcome struct {
	Kind      Kind
	Code      Code
	Retryable bool
	Message   string
}

// JobError renders the outcome as the {code, message} descriptor exposed to clients.
func (o Outcome) JobError() *entity.JobError {
	return &entity.JobError{Code: string(o.Code), Message: o.Message}
}

// IsCode reports whether err carries the given taxonomy code.
func IsCode(err error, code Code) bool {
	var fe *Error
	return errors.As(err, &fe) && fe.Code == code
}
