package failure_test

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"testing"

	"github.com/stretchr/testify/assert"

	"evaluation-service/internal/failure"
)

type timeoutErr struct{}

func (timeoutErr) Error() string   { return "i/o timeout" }
func (timeoutErr) Timeout() bool   { return true }
func (timeoutErr) Temporary() bool { return true }

func TestClassify(t *testing.T) {
	var syntaxErr error
	{
		var v map[string]any
		syntaxErr = json.Unmarshal([]byte(`{"score":`), &v)
	}

	tests := []struct {
		name      string
		err       error
		kind      failure.Kind
		code      failure.Code
		retryable bool
	}{
		{"audio too long", failure.New(failure.CodeAudioTooLong, "recording is 400s"), failure.KindPermanent, failure.CodeAudioTooLong, false},
		{"wrapped permanent", fmt.Errorf("evaluate: %w", failure.New(failure.CodeEmptyTranscription, "")), failure.KindPermanent, failure.CodeEmptyTranscription, false},
		{"input too long", failure.New(failure.CodeInputTooLong, ""), failure.KindPermanent, failure.CodeInputTooLong, false},
		{"auth", failure.New(failure.CodeAuthFailed, ""), failure.KindPermanent, failure.CodeAuthFailed, false},
		{"rate limited", failure.New(failure.CodeRateLimited, ""), failure.KindTransient, failure.CodeRateLimited, true},
		{"deadline", fmt.Errorf("score: %w", context.DeadlineExceeded), failure.KindTransient, failure.CodeProviderTimeout, true},
		{"net timeout", timeoutErr{}, failure.KindTransient, failure.CodeProviderTimeout, true},
		{"net op", &net.OpError{Op: "dial", Err: errors.New("connection refused")}, failure.KindTransient, failure.CodeNetwork, true},
		{"json syntax", syntaxErr, failure.KindTransient, failure.CodeMalformedOutput, true},
		{"webhook", failure.New(failure.CodeWebhookDelivery, ""), failure.KindTransient, failure.CodeWebhookDelivery, true},
		{"unknown", errors.New("boom"), failure.KindTransient, failure.CodeUnclassified, true},
		{"unknown code", failure.New(failure.Code("bogus"), ""), failure.KindTransient, failure.CodeUnclassified, true},
		{"info", failure.New(failure.CodeUsageUnavailable, ""), failure.KindInfo, failure.CodeUsageUnavailable, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			out := failure.Classify(tt.err)
			assert.Equal(t, tt.kind, out.Kind)
			assert.Equal(t, tt.code, out.Code)
			assert.Equal(t, tt.retryable, out.Retryable)
			assert.NotEmpty(t, out.Message)
		})
	}
}

func TestClassify_RetryableFollowsKind(t *testing.T) {
	codes := []failure.Code{
		failure.CodeInvalidInput, failure.CodeInputTooLong, failure.CodeAudioTooLong,
		failure.CodeEmptyTranscription, failure.CodeAuthFailed, failure.CodeNetwork,
		failure.CodeProviderTimeout, failure.CodeRateLimited, failure.CodeMalformedOutput,
		failure.CodeProviderUnavailable, failure.CodeWebhookDelivery, failure.CodeUnclassified,
		failure.CodeUsageUnavailable,
	}
	for _, c := range codes {
		out := failure.Classify(failure.New(c, "x"))
		assert.Equal(t, c, out.Code)
		assert.Equal(t, out.Kind == failure.KindTransient, out.Retryable, "code %s", c)
	}
}

func TestClassify_NilIsNotAFailure(t *testing.T) {
	assert.Equal(t, failure.Outcome{}, failure.Classify(nil))
	assert.Equal(t, failure.KindInfo, failure.KindOf(failure.CodeUsageUnavailable))
}

func TestOutcome_JobError(t *testing.T) {
	out := failure.Classify(failure.New(failure.CodeAudioTooLong, "recording exceeds 180s"))
	je := out.JobError()
	assert.Equal(t, "audio_too_long", je.Code)
	assert.Equal(t, "recording exceeds 180s", je.Message)
}
