package httptransport

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"evaluation-service/internal/auth"
	"evaluation-service/internal/entity"
	"evaluation-service/internal/service"
	"evaluation-service/internal/stream"
	"evaluation-service/internal/webhook"
)

type Handler struct {
	evaluations *service.EvaluationService
	streamer    *stream.Streamer
	receiver    *webhook.Receiver
	opts        HandlerOptions
	logger      *zap.Logger
}

// HandlerOptions bounds request bodies in bytes.
type HandlerOptions struct {
	MaxSubmitBody  int64
	MaxWebhookBody int64
}

func NewHandler(evaluations *service.EvaluationService, streamer *stream.Streamer, receiver *webhook.Receiver, opts HandlerOptions, logger *zap.Logger) *Handler {
	if opts.MaxSubmitBody <= 0 {
		opts.MaxSubmitBody = 64 << 10
	}
	if opts.MaxWebhookBody <= 0 {
		opts.MaxWebhookBody = 64 << 10
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Handler{
		evaluations: evaluations,
		streamer:    streamer,
		receiver:    receiver,
		opts:        opts,
		logger:      logger.Named("handler"),
	}
}

type submitDTO struct {
	RequestID   string `json:"requestId,omitempty"`
	Text        string `json:"text,omitempty"`
	AudioURL    string `json:"audioUrl,omitempty"`
	CallbackURL string `json:"callbackUrl,omitempty"`
}

type submitResp struct {
	SubmissionID string              `json:"submissionId"`
	RequestID    string              `json:"requestId"`
	Status       entity.ClientStatus `json:"status"`
	PollAfterMs  int64               `json:"poll_after_ms"`
}

type webhookAck struct {
	OK bool `json:"ok"`
}

// Submit godoc
// @Summary Submit a response for evaluation
// @Description Enqueues an evaluation. Exactly one of text or audioUrl is required. Resubmitting a requestId returns the existing submission.
// @Tags evaluations
// @Accept json
// @Produce json
// @Param request body submitDTO true "evaluation request"
// @Success 202 {object} submitResp
// @Success 200 {object} submitResp "requestId already submitted"
// @Failure 400 {object} apiError
// @Failure 401 {object} apiError
// @Failure 413 {object} apiError
// @Failure 500 {object} apiError
// @Router /v1/evaluations [post]
func (h *Handler) Submit(w http.ResponseWriter, r *http.Request) {
	var dto submitDTO
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, h.opts.MaxSubmitBody)).Decode(&dto); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeErr(w, http.StatusRequestEntityTooLarge, codeInvalidRequest, "payload too large")
			return
		}
		writeErr(w, http.StatusBadRequest, codeInvalidRequest, "invalid json")
		return
	}

	sub, err := h.evaluations.Submit(r.Context(), service.SubmitRequest{
		RequestID:   dto.RequestID,
		Text:        dto.Text,
		AudioURL:    dto.AudioURL,
		CallbackURL: dto.CallbackURL,
	})
	if err != nil {
		if errors.Is(err, service.ErrInvalidSubmission) {
			writeErr(w, http.StatusBadRequest, codeInvalidRequest, err.Error())
			return
		}
		h.logger.Error("submit failed", zap.Error(err))
		writeErr(w, http.StatusInternalServerError, codeInternal, "could not enqueue the evaluation")
		return
	}

	if id, ok := auth.FromContext(r.Context()); ok {
		h.logger.Debug("submitted", zap.String("subject", id.Subject), zap.String("job_id", sub.JobID))
	}

	resp := submitResp{
		SubmissionID: sub.JobID,
		RequestID:    sub.RequestID,
		Status:       entity.ClientQueued,
		PollAfterMs:  sub.PollAfterMs,
	}
	if sub.Created {
		writeJSON(w, http.StatusAccepted, resp)
		return
	}
	if st, err := h.evaluations.GetStatus(r.Context(), sub.JobID); err == nil {
		resp.Status = st.Status
	}
	writeJSON(w, http.StatusOK, resp)
}

// GetStatus godoc
// @Summary Get evaluation status
// @Description Reconciles queue state with the result store. A job evicted from the queue is still reported as completed when its result is stored.
// @Tags evaluations
// @Produce json
// @Param submissionId path string true "submission id (== job id)"
// @Success 200 {object} entity.EvaluationStatus
// @Failure 401 {object} apiError
// @Failure 404 {object} apiError
// @Failure 500 {object} apiError
// @Router /v1/evaluations/{submissionId} [get]
func (h *Handler) GetStatus(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "submissionId")
	if strings.TrimSpace(id) == "" {
		writeErr(w, http.StatusBadRequest, codeInvalidRequest, "invalid id")
		return
	}

	st, err := h.evaluations.GetStatus(r.Context(), id)
	if err != nil {
		if errors.Is(err, service.ErrJobNotFound) {
			writeErr(w, http.StatusNotFound, codeNotFound, "submission not found")
			return
		}
		h.logger.Error("status read failed", zap.String("job_id", id), zap.Error(err))
		writeErr(w, http.StatusInternalServerError, codeInternal, "could not read the submission status")
		return
	}
	writeJSON(w, http.StatusOK, st)
}

// Stream godoc
// @Summary Stream evaluation progress
// @Description Server-Sent Events. Emits progress, tip and chip frames, then exactly one complete or error frame before closing.
// @Tags evaluations
// @Produce text/event-stream
// @Param jobId query string false "job id"
// @Param requestId query string false "request id"
// @Success 200 {object} stream.Frame
// @Failure 400 {object} apiError
// @Failure 401 {object} apiError
// @Router /v1/evaluations/stream [get]
func (h *Handler) Stream(w http.ResponseWriter, r *http.Request) {
	jobID := strings.TrimSpace(r.URL.Query().Get("jobId"))
	requestID := strings.TrimSpace(r.URL.Query().Get("requestId"))
	if jobID == "" && requestID == "" {
		writeErr(w, http.StatusBadRequest, codeInvalidRequest, "jobId or requestId is required")
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		writeErr(w, http.StatusInternalServerError, codeInternal, "streaming unsupported")
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	_, _ = io.WriteString(w, ": connected\n\n")
	flusher.Flush()

	// the server's write timeout would cut long evaluations short
	_ = http.NewResponseController(w).SetWriteDeadline(time.Time{})

	ctx := r.Context()
	if resolvedJob, resolvedReq, err := h.evaluations.Resolve(ctx, jobID, requestID); err == nil {
		jobID, requestID = resolvedJob, resolvedReq
	} else {
		h.logger.Warn("stream id resolution failed", zap.Error(err))
	}

	emit := func(f stream.Frame) error {
		data, err := json.Marshal(f)
		if err != nil {
			return fmt.Errorf("marshal frame: %w", err)
		}
		if _, err := fmt.Fprintf(w, "event: %s\ndata: %s\n\n", f.Type, data); err != nil {
			return err
		}
		flusher.Flush()
		return nil
	}

	if err := h.streamer.Run(ctx, jobID, requestID, emit); err != nil {
		h.logger.Debug("stream ended early", zap.String("job_id", jobID), zap.Error(err))
	}
}

// ReceiveWebhook godoc
// @Summary Receive an evaluation webhook
// @Description Authenticated by the X-Webhook-Secret header. Completed payloads are upserted into the result store; redelivery is safe.
// @Tags webhooks
// @Accept json
// @Produce json
// @Param X-Webhook-Secret header string true "shared secret"
// @Param payload body entity.WebhookPayload true "delivery"
// @Success 200 {object} webhookAck
// @Failure 400 {object} apiError
// @Failure 401 {object} apiError
// @Failure 413 {object} apiError
// @Failure 500 {object} apiError
// @Router /v1/webhooks/evaluations [post]
func (h *Handler) ReceiveWebhook(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, h.opts.MaxWebhookBody))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeErr(w, http.StatusRequestEntityTooLarge, codeInvalidRequest, "payload too large")
			return
		}
		writeErr(w, http.StatusBadRequest, codeInvalidRequest, "could not read body")
		return
	}

	err = h.receiver.Receive(r.Context(), r.Header.Get(webhook.HeaderSecret), body)
	switch {
	case err == nil:
		writeJSON(w, http.StatusOK, webhookAck{OK: true})
	case errors.Is(err, webhook.ErrUnauthorized):
		writeErr(w, http.StatusUnauthorized, codeUnauthorized, "invalid webhook secret")
	case errors.Is(err, webhook.ErrInvalidPayload):
		writeErr(w, http.StatusBadRequest, codeInvalidRequest, err.Error())
	default:
		h.logger.Error("webhook store failed", zap.Error(err))
		writeErr(w, http.StatusInternalServerError, codeInternal, "could not store the delivery")
	}
}
