package failure

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/url"
)

var defaultMessages = map[Code]string{
	CodeInvalidInput:        "the submission is not valid",
	CodeInputTooLong:        "the response exceeds the maximum length",
	CodeAudioTooLong:        "the recording exceeds the maximum duration",
	CodeEmptyTranscription:  "no speech was detected in the recording",
	CodeAuthFailed:          "the scoring provider rejected our credentials",
	CodeNetwork:             "a network error occurred",
	CodeProviderTimeout:     "the scoring provider timed out",
	CodeRateLimited:         "the scoring provider is rate limiting requests",
	CodeMalformedOutput:     "the scoring provider returned an unreadable answer",
	CodeProviderUnavailable: "the scoring provider is unavailable",
	CodeWebhookDelivery:     "the webhook could not be delivered",
	CodeUnclassified:        "the evaluation failed unexpectedly",
	CodeUsageUnavailable:    "token usage is not available",
}

// Classify maps a failure cause onto exactly one taxonomy entry.
// A nil error is not a failure and yields the zero Outcome.
func Classify(err error) Outcome {
	if err == nil {
		return Outcome{}
	}
	code := codeOf(err)
	kind := KindOf(code)

	msg := defaultMessages[code]
	var fe *Error
	if errors.As(err, &fe) && fe.Message != "" {
		msg = fe.Message
	}

	return Outcome{
		Kind:      kind,
		Code:      code,
		Retryable: kind == KindTransient,
		Message:   msg,
	}
}

func codeOf(err error) Code {
	var fe *Error
	if errors.As(err, &fe) {
		if _, ok := kinds[fe.Code]; ok {
			return fe.Code
		}
		return CodeUnclassified
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return CodeProviderTimeout
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		if netErr.Timeout() {
			return CodeProviderTimeout
		}
		return CodeNetwork
	}
	var urlErr *url.Error
	if errors.As(err, &urlErr) {
		return CodeNetwork
	}

	var syntaxErr *json.SyntaxError
	var typeErr *json.UnmarshalTypeError
	if errors.As(err, &syntaxErr) || errors.As(err, &typeErr) {
		return CodeMalformedOutput
	}

	return CodeUnclassified
}
