// Package webhook delivers terminal job payloads to callback URLs and accepts
// them back on the receiving side.
package webhook

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"

	"evaluation-service/internal/entity"
	"evaluation-service/internal/failure"
	"evaluation-service/internal/metrics"
)

// HeaderSecret carries the shared secret on every delivery.
const HeaderSecret = "X-Webhook-Secret"

type DispatcherOptions struct {
	Secret         string
	Timeout        time.Duration
	InitialBackoff time.Duration
	MaxElapsed     time.Duration
}

type Dispatcher struct {
	client  *http.Client
	opts    DispatcherOptions
	metrics *metrics.Metrics
	logger  *zap.Logger
}

func NewDispatcher(opts DispatcherOptions, m *metrics.Metrics, logger *zap.Logger) *Dispatcher {
	if opts.Timeout <= 0 {
		opts.Timeout = 5 * time.Second
	}
	if opts.InitialBackoff <= 0 {
		opts.InitialBackoff = 500 * time.Millisecond
	}
	if opts.MaxElapsed <= 0 {
		opts.MaxElapsed = 30 * time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Dispatcher{
		client:  &http.Client{Timeout: opts.Timeout},
		opts:    opts,
		metrics: m,
		logger:  logger.Named("webhook"),
	}
}

// Deliver POSTs payload to url until the receiver answers 2xx, answers with a
// client error, or the retry budget runs out.
func (d *Dispatcher) Deliver(ctx context.Context, url string, payload entity.WebhookPayload) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal webhook payload: %w", err)
	}

	attempts := 0
	op := func() error {
		attempts++
		return d.post(ctx, url, body)
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = d.opts.InitialBackoff
	b.MaxElapsedTime = d.opts.MaxElapsed

	if err := backoff.Retry(op, backoff.WithContext(b, ctx)); err != nil {
		d.count("failed")
		return failure.Wrap(failure.CodeWebhookDelivery,
			fmt.Sprintf("delivery to callback gave up after %d attempts", attempts), err)
	}

	d.count("delivered")
	d.logger.Debug("webhook delivered",
		zap.String("job_id", payload.JobID),
		zap.String("status", string(payload.Status)),
		zap.Int("attempts", attempts),
	)
	return nil
}

func (d *Dispatcher) post(ctx context.Context, url string, body []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return backoff.Permanent(err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(HeaderSecret, d.opts.Secret)

	resp, err := d.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4<<10))

	switch {
	case resp.StatusCode < 300:
		return nil
	case resp.StatusCode == http.StatusRequestTimeout, resp.StatusCode == http.StatusTooManyRequests, resp.StatusCode >= 500:
		return fmt.Errorf("receiver answered %d", resp.StatusCode)
	default:
		return backoff.Permanent(fmt.Errorf("receiver rejected delivery with %d", resp.StatusCode))
	}
}

func (d *Dispatcher) count(result string) {
	if d.metrics != nil {
		d.metrics.WebhookSends.WithLabelValues(result).Inc()
	}
}
