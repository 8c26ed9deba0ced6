// Copyright 2025 James Ross
package eventhooks

import (
	"context"

	"go.uber.org/zap"

	"github.com/jamesross/mediaforge/internal/job"
)

// Sink implements worker.EventSink: it is the single fan-out point a
// worker calls into on every progress tick and on terminal transition. It
// broadcasts to SSE subscribers immediately and kicks off webhook
// delivery in its own goroutine so a slow or unreachable endpoint never
// holds up the worker loop.
type Sink struct {
	hub      *Hub
	webhooks *WebhookDeliverer
	log      *zap.Logger
}

func NewSink(hub *Hub, webhooks *WebhookDeliverer, log *zap.Logger) *Sink {
	return &Sink{hub: hub, webhooks: webhooks, log: log}
}

// Progress is called by the worker on every throttled progress update.
func (s *Sink) Progress(ctx context.Context, j job.Job) {
	s.hub.Broadcast(newJobEvent(EventProgress, j))
	go s.webhooks.Deliver(context.Background(), j, EventProgress)
}

// Terminal is called exactly once per job, on its transition to
// completed/failed/cancelled.
func (s *Sink) Terminal(ctx context.Context, j job.Job) {
	evt := eventForStatus(j.Status)
	s.hub.Broadcast(newJobEvent(evt, j))
	go s.webhooks.Deliver(context.Background(), j, evt)
}
