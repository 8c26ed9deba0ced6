// Copyright 2025 James Ross
package eventhooks

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/jamesross/mediaforge/internal/config"
	"github.com/jamesross/mediaforge/internal/job"
	"github.com/jamesross/mediaforge/internal/obs"
)

// WebhookDeliverer fires a job's webhook on the events it subscribed to.
// Delivery is per-job (the subscription lives on the Job record itself,
// there is no separate subscription registry) and failures never affect
// job status — they are logged and dropped after the configured attempts.
type WebhookDeliverer struct {
	cfg    config.Webhook
	client *http.Client
	log    *zap.Logger
}

func NewWebhookDeliverer(cfg config.Webhook, log *zap.Logger) *WebhookDeliverer {
	return &WebhookDeliverer{
		cfg:    cfg,
		client: &http.Client{Timeout: cfg.AttemptTimeout},
		log:    log,
	}
}

// Deliver sends e for j if j subscribed to it, blocking through the full
// retry schedule. Callers run this in a goroutine; it never returns an
// error because webhook delivery is fire-and-forget from the job's
// perspective.
func (d *WebhookDeliverer) Deliver(ctx context.Context, j job.Job, e EventType) {
	if !subscribed(j, e) {
		return
	}
	evt := newJobEvent(e, j)
	payload, err := json.Marshal(evt)
	if err != nil {
		d.log.Warn("webhook payload marshal failed", obs.String("job_id", j.ID.String()), obs.Err(err))
		return
	}

	attempts := d.cfg.MaxAttempts
	if attempts < 1 {
		attempts = 1
	}
	for attempt := 1; attempt <= attempts; attempt++ {
		ok, retryable := d.attempt(ctx, j, payload, evt, attempt)
		if ok {
			return
		}
		if !retryable || attempt == attempts {
			break
		}
		select {
		case <-time.After(backoffFor(d.cfg.BackoffSteps, attempt)):
		case <-ctx.Done():
			return
		}
	}
	d.log.Warn("webhook delivery exhausted retries",
		obs.String("job_id", j.ID.String()), obs.String("event", string(e)), obs.String("url", j.WebhookURL))
}

func backoffFor(steps []time.Duration, attempt int) time.Duration {
	idx := attempt - 1
	if idx >= 0 && idx < len(steps) {
		return steps[idx]
	}
	if len(steps) > 0 {
		return steps[len(steps)-1]
	}
	return time.Second
}

// attempt performs one delivery attempt, returning (success, retryable).
func (d *WebhookDeliverer) attempt(ctx context.Context, j job.Job, payload []byte, evt JobEvent, attemptNum int) (bool, bool) {
	reqCtx, cancel := context.WithTimeout(ctx, d.cfg.AttemptTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(reqCtx, http.MethodPost, j.WebhookURL, bytes.NewReader(payload))
	if err != nil {
		d.log.Warn("webhook request construction failed", obs.String("job_id", j.ID.String()), obs.Err(err))
		return false, false
	}
	d.setHeaders(req, payload, evt)

	start := time.Now()
	resp, err := d.client.Do(req)
	if err != nil {
		d.log.Warn("webhook delivery attempt failed",
			obs.String("job_id", j.ID.String()), obs.Int("attempt", attemptNum), obs.Err(err))
		return false, true
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		d.log.Debug("webhook delivered",
			obs.String("job_id", j.ID.String()), obs.Int("attempt", attemptNum),
			zap.Duration("duration", time.Since(start)))
		return true, false
	}

	retryable := IsTemporaryError(resp.StatusCode)
	d.log.Warn("webhook delivery rejected",
		obs.String("job_id", j.ID.String()), obs.Int("attempt", attemptNum),
		obs.Int("status_code", resp.StatusCode), zap.Bool("retryable", retryable))
	return false, retryable
}

func (d *WebhookDeliverer) setHeaders(req *http.Request, payload []byte, evt JobEvent) {
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", "mediaforge/1.0")
	req.Header.Set("X-Webhook-Delivery", uuid.NewString())
	req.Header.Set("X-Webhook-Event", string(evt.Event))
	req.Header.Set("X-Webhook-Job-ID", evt.JobID.String())
	if d.cfg.Secret != "" {
		req.Header.Set("X-Webhook-Signature", signPayload(payload, d.cfg.Secret))
	}
}

func signPayload(payload []byte, secret string) string {
	h := hmac.New(sha256.New, []byte(secret))
	h.Write(payload)
	return fmt.Sprintf("sha256=%x", h.Sum(nil))
}
