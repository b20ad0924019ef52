package entity

import "time"

// ClientStatus is what pollers, streams and webhooks see.
type ClientStatus string

const (
	ClientQueued     ClientStatus = "queued"
	ClientProcessing ClientStatus = "processing"
	ClientCompleted  ClientStatus = "completed"
	ClientFailed     ClientStatus = "failed"
)

// StatusFromState maps a queue state onto the client-facing status.
func StatusFromState(s JobState) ClientStatus {
	switch s {
	case StateCompleted:
		return ClientCompleted
	case StateFailed:
		return ClientFailed
	case StateActive:
		return ClientProcessing
	default:
		return ClientQueued
	}
}

type EvaluationStatus struct {
	SubmissionID string            `json:"submissionId"`
	RequestID    string            `json:"requestId,omitempty"`
	Status       ClientStatus      `json:"status"`
	Progress     int               `json:"progress"`
	Result       *EvaluationResult `json:"result"`
	Error        *JobError         `json:"error,omitempty"`
	CreatedAt    *time.Time        `json:"createdAt"`
}

// WebhookPayload is delivered to callback URLs and accepted by the receiver.
type WebhookPayload struct {
	JobID       string            `json:"jobId" validate:"required"`
	RequestID   string            `json:"requestId" validate:"required"`
	Status      ClientStatus      `json:"status" validate:"required,oneof=queued processing completed failed"`
	Result      *EvaluationResult `json:"result"`
	Error       *JobError         `json:"error"`
	PollAfterMs int64             `json:"poll_after_ms"`
}
