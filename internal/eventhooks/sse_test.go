// Copyright 2025 James Ross
package eventhooks

import (
	"bufio"
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"go.uber.org/zap"

	"github.com/jamesross/mediaforge/internal/job"
)

type fakeJobReader struct {
	mu  sync.Mutex
	job job.Job
}

func (r *fakeJobReader) Get(ctx context.Context, id uuid.UUID, tenantKey string) (job.Job, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.job, nil
}

func (r *fakeJobReader) set(j job.Job) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.job = j
}

func newStreamingJob() job.Job {
	return job.New("tenant-a", "local:///in.mp4", "local:///out.mp4", job.PriorityNormal, job.QueueDefault,
		[]job.Operation{{Type: job.OpTranscode, Params: job.TranscodeParams{VideoCodec: "h264"}}},
		job.Options{Container: "mp4"})
}

func TestSSEHandlerEmitsImmediateTerminalEventForLateSubscriber(t *testing.T) {
	j := newStreamingJob()
	j.Status = job.StatusCompleted
	j.Progress = 100
	reader := &fakeJobReader{job: j}
	log, _ := zap.NewDevelopment()
	handler := NewSSEHandler(NewHub(), reader, 20*time.Millisecond, log)

	router := mux.NewRouter()
	router.Handle("/jobs/{id}/events", handler)

	req := httptest.NewRequest(http.MethodGet, "/jobs/"+j.ID.String()+"/events", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	body := rec.Body.String()
	if !strings.Contains(body, "event: completed") {
		t.Fatalf("expected an immediate completed event, got body: %q", body)
	}
}

func TestSSEHandlerStreamsProgressThenTerminalViaPoll(t *testing.T) {
	j := newStreamingJob()
	j.Status = job.StatusProcessing
	j.Progress = 10
	reader := &fakeJobReader{job: j}
	log, _ := zap.NewDevelopment()
	handler := NewSSEHandler(NewHub(), reader, 10*time.Millisecond, log)

	router := mux.NewRouter()
	router.Handle("/jobs/{id}/events", handler)

	ctx, cancel := context.WithTimeout(context.Background(), 500*time.Millisecond)
	defer cancel()
	req := httptest.NewRequest(http.MethodGet, "/jobs/"+j.ID.String()+"/events", nil)
	req = req.WithContext(ctx)
	rec := httptest.NewRecorder()

	go func() {
		time.Sleep(30 * time.Millisecond)
		advanced := j
		advanced.Progress = 50
		reader.set(advanced)
		time.Sleep(30 * time.Millisecond)
		done := j
		done.Status = job.StatusCompleted
		done.Progress = 100
		reader.set(done)
	}()

	router.ServeHTTP(rec, req)

	body := rec.Body.String()
	if !strings.Contains(body, "event: progress") {
		t.Fatalf("expected at least one progress event, got: %q", body)
	}
	if !strings.Contains(body, "event: completed") {
		t.Fatalf("expected a terminal completed event, got: %q", body)
	}
	if strings.Index(body, "event: completed") < strings.LastIndex(body, "event: progress") {
		t.Fatal("expected the terminal event to be the last event written")
	}
}

func TestHubBroadcastDropsOnFullBufferWithoutBlocking(t *testing.T) {
	h := NewHub()
	jobID := uuid.New()
	ch := h.subscribe(jobID)
	defer h.unsubscribe(jobID, ch)

	done := make(chan struct{})
	go func() {
		for i := 0; i < 100; i++ {
			h.Broadcast(JobEvent{JobID: jobID, Event: EventProgress, Progress: float64(i)})
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("broadcast blocked on a full subscriber buffer")
	}
}

func TestSSEReadBufio(t *testing.T) {
	// sanity check that writeSSEEvent produces frames a standard SSE
	// client (bufio-scanned on blank lines) can parse.
	rec := httptest.NewRecorder()
	writeSSEEvent(rec, JobEvent{JobID: uuid.New(), Event: EventProgress, Progress: 42})
	scanner := bufio.NewScanner(rec.Body)
	var lines []string
	for scanner.Scan() {
		lines = append(lines, scanner.Text())
	}
	if len(lines) < 2 || !strings.HasPrefix(lines[0], "event: progress") {
		t.Fatalf("unexpected SSE frame: %v", lines)
	}
}
