// Copyright 2025 James Ross
package eventhooks

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"go.uber.org/zap"

	"github.com/jamesross/mediaforge/internal/job"
	"github.com/jamesross/mediaforge/internal/obs"
)

// Hub multiplexes a job's progress to every concurrently-connected SSE
// subscriber. It is a low-latency shortcut: subscribers also poll the Job
// Store directly, so a dropped or missed broadcast is caught on the next
// poll tick rather than ever causing a subscriber to stall.
type Hub struct {
	mu   sync.Mutex
	subs map[uuid.UUID]map[chan JobEvent]struct{}
}

func NewHub() *Hub {
	return &Hub{subs: map[uuid.UUID]map[chan JobEvent]struct{}{}}
}

func (h *Hub) subscribe(jobID uuid.UUID) chan JobEvent {
	ch := make(chan JobEvent, 8)
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.subs[jobID] == nil {
		h.subs[jobID] = map[chan JobEvent]struct{}{}
	}
	h.subs[jobID][ch] = struct{}{}
	return ch
}

func (h *Hub) unsubscribe(jobID uuid.UUID, ch chan JobEvent) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.subs[jobID], ch)
	if len(h.subs[jobID]) == 0 {
		delete(h.subs, jobID)
	}
}

// Broadcast fans evt out to every current subscriber of evt.JobID. A
// subscriber whose buffer is full is skipped rather than blocked — the
// poll fallback in the SSE handler keeps it from stalling permanently.
func (h *Hub) Broadcast(evt JobEvent) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for ch := range h.subs[evt.JobID] {
		select {
		case ch <- evt:
		default:
		}
	}
}

// JobReader is the narrow read access the SSE handler needs from the Job
// Store: the current row, re-read on every poll tick.
type JobReader interface {
	Get(ctx context.Context, id uuid.UUID, tenantKey string) (job.Job, error)
}

// SSEHandler serves GET /jobs/{id}/events: a per-connection stream that
// emits a `progress` event on every observed change and exactly one
// terminal event (`completed`/`failed`/`cancelled`) before closing. A
// client that connects after the job is already terminal gets that one
// event immediately and the stream closes.
type SSEHandler struct {
	hub          *Hub
	store        JobReader
	pollInterval time.Duration
	log          *zap.Logger
}

func NewSSEHandler(hub *Hub, store JobReader, pollInterval time.Duration, log *zap.Logger) *SSEHandler {
	if pollInterval <= 0 {
		pollInterval = 500 * time.Millisecond
	}
	return &SSEHandler{hub: hub, store: store, pollInterval: pollInterval, log: log}
}

// jobIDAndTenant extracts the path/query parameters this handler needs.
// Kept as a function (not a method) so the route-parsing convention can
// be swapped without touching the streaming logic.
func jobIDAndTenant(r *http.Request) (uuid.UUID, string, error) {
	idStr := mux.Vars(r)["id"]
	id, err := uuid.Parse(idStr)
	if err != nil {
		return uuid.Nil, "", fmt.Errorf("invalid job id: %w", err)
	}
	return id, r.URL.Query().Get("tenant_key"), nil
}

func (h *SSEHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	jobID, tenantKey, err := jobIDAndTenant(r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}

	j, err := h.store.Get(r.Context(), jobID, tenantKey)
	if err != nil {
		http.Error(w, "job not found", http.StatusNotFound)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)

	if j.Status.Terminal() {
		writeSSEEvent(w, newJobEvent(eventForStatus(j.Status), j))
		flusher.Flush()
		return
	}

	ch := h.hub.subscribe(jobID)
	defer h.hub.unsubscribe(jobID, ch)

	ticker := time.NewTicker(h.pollInterval)
	defer ticker.Stop()

	lastPct := -1.0
	for {
		select {
		case <-r.Context().Done():
			return
		case evt := <-ch:
			if evt.Event == EventProgress && evt.Progress <= lastPct {
				continue
			}
			lastPct = evt.Progress
			writeSSEEvent(w, evt)
			flusher.Flush()
			if evt.Event != EventProgress {
				return
			}
		case <-ticker.C:
			cur, err := h.store.Get(r.Context(), jobID, tenantKey)
			if err != nil {
				h.log.Warn("sse poll failed", obs.String("job_id", jobID.String()), obs.Err(err))
				continue
			}
			evtType := EventProgress
			if cur.Status.Terminal() {
				evtType = eventForStatus(cur.Status)
			} else if cur.Progress <= lastPct {
				continue
			}
			lastPct = cur.Progress
			writeSSEEvent(w, newJobEvent(evtType, cur))
			flusher.Flush()
			if evtType != EventProgress {
				return
			}
		}
	}
}

func writeSSEEvent(w http.ResponseWriter, evt JobEvent) {
	body, err := json.Marshal(evt)
	if err != nil {
		return
	}
	fmt.Fprintf(w, "event: %s\ndata: %s\n\n", evt.Event, body)
}
