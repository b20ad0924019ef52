package webhook

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/go-playground/validator/v10"
	"go.uber.org/zap"

	"evaluation-service/internal/entity"
	"evaluation-service/internal/repository"
)

var (
	ErrUnauthorized   = errors.New("webhook secret missing or wrong")
	ErrInvalidPayload = errors.New("invalid webhook payload")
)

// Receiver accepts deliveries and writes completed results through the same
// upsert the worker uses, so a redelivery converges on one record.
type Receiver struct {
	secret   []byte
	store    repository.ResultStore
	validate *validator.Validate
	logger   *zap.Logger
}

// NewReceiver builds a receiver. An empty secret rejects every delivery.
func NewReceiver(secret string, store repository.ResultStore, logger *zap.Logger) *Receiver {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Receiver{
		secret:   []byte(secret),
		store:    store,
		validate: validator.New(),
		logger:   logger.Named("webhook-receiver"),
	}
}

// Receive authenticates, decodes and stores one delivery. Nothing is read
// from or written to storage before the secret matches.
func (r *Receiver) Receive(ctx context.Context, providedSecret string, body []byte) error {
	if len(r.secret) == 0 || subtle.ConstantTimeCompare([]byte(providedSecret), r.secret) != 1 {
		return ErrUnauthorized
	}

	var p entity.WebhookPayload
	if err := json.Unmarshal(body, &p); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidPayload, err)
	}
	if err := r.validate.Struct(p); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidPayload, err)
	}

	if p.Status != entity.ClientCompleted {
		r.logger.Debug("non-completed delivery acknowledged",
			zap.String("job_id", p.JobID),
			zap.String("status", string(p.Status)),
		)
		return nil
	}

	if p.Result == nil {
		return fmt.Errorf("%w: completed delivery without result", ErrInvalidPayload)
	}
	if err := r.validate.Struct(p.Result); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidPayload, err)
	}
	if p.Result.RequestID != p.RequestID || p.Result.JobID != p.JobID {
		return fmt.Errorf("%w: result ids do not match the delivery", ErrInvalidPayload)
	}

	if err := r.store.Upsert(ctx, *p.Result); err != nil {
		return fmt.Errorf("store delivered result: %w", err)
	}
	r.logger.Info("delivered result stored",
		zap.String("job_id", p.JobID),
		zap.String("request_id", p.RequestID),
		zap.Int("score", p.Result.Score),
	)
	return nil
}
