// Copyright 2025 James Ross
package eventhooks

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/jamesross/mediaforge/internal/config"
	"github.com/jamesross/mediaforge/internal/job"
)

func newTestJob(url string, events ...job.WebhookEvent) job.Job {
	j := job.New("tenant-a", "local:///in.mp4", "local:///out.mp4", job.PriorityNormal, job.QueueDefault,
		[]job.Operation{{Type: job.OpTranscode, Params: job.TranscodeParams{VideoCodec: "h264"}}},
		job.Options{Container: "mp4"})
	j.WebhookURL = url
	j.WebhookEvents = events
	return j
}

func TestWebhookDeliverSkipsUnsubscribedEvent(t *testing.T) {
	var hits int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&hits, 1)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	j := newTestJob(srv.URL, job.WebhookComplete)
	log, _ := zap.NewDevelopment()
	d := NewWebhookDeliverer(config.Webhook{AttemptTimeout: time.Second, MaxAttempts: 3}, log)

	d.Deliver(context.Background(), j, EventProgress)
	if hits != 0 {
		t.Fatalf("expected no delivery for unsubscribed event, got %d", hits)
	}
}

func TestWebhookDeliverSucceedsOnFirstAttempt(t *testing.T) {
	var gotSig string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotSig = r.Header.Get("X-Webhook-Signature")
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	j := newTestJob(srv.URL, job.WebhookComplete)
	log, _ := zap.NewDevelopment()
	d := NewWebhookDeliverer(config.Webhook{AttemptTimeout: time.Second, MaxAttempts: 3, Secret: "s3cr3t"}, log)

	d.Deliver(context.Background(), j, EventCompleted)
	if gotSig == "" {
		t.Fatal("expected an HMAC signature header to be set")
	}
}

func TestWebhookDeliverRetriesOnServerErrorThenSucceeds(t *testing.T) {
	var attempts int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := atomic.AddInt32(&attempts, 1)
		if n < 3 {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	j := newTestJob(srv.URL, job.WebhookComplete)
	log, _ := zap.NewDevelopment()
	d := NewWebhookDeliverer(config.Webhook{
		AttemptTimeout: time.Second,
		MaxAttempts:    3,
		BackoffSteps:   []time.Duration{10 * time.Millisecond, 10 * time.Millisecond, 10 * time.Millisecond},
	}, log)

	d.Deliver(context.Background(), j, EventCompleted)
	if attempts != 3 {
		t.Fatalf("expected 3 attempts, got %d", attempts)
	}
}

func TestWebhookDeliverStopsRetryingOnNonRetryableStatus(t *testing.T) {
	var attempts int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&attempts, 1)
		w.WriteHeader(http.StatusBadRequest)
	}))
	defer srv.Close()

	j := newTestJob(srv.URL, job.WebhookComplete)
	log, _ := zap.NewDevelopment()
	d := NewWebhookDeliverer(config.Webhook{
		AttemptTimeout: time.Second,
		MaxAttempts:    3,
		BackoffSteps:   []time.Duration{10 * time.Millisecond},
	}, log)

	d.Deliver(context.Background(), j, EventCompleted)
	if attempts != 1 {
		t.Fatalf("expected exactly 1 attempt for a non-retryable status, got %d", attempts)
	}
}
