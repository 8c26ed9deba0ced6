package worker

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/jamesross/mediaforge/internal/config"
	"github.com/jamesross/mediaforge/internal/job"
	"github.com/jamesross/mediaforge/internal/storage"
)

type fakeStore struct {
	mu       sync.Mutex
	jobs     map[uuid.UUID]job.Job
	progress []float64
	terminal job.Status
	decrCalls int
}

func newFakeStore(j job.Job) *fakeStore {
	return &fakeStore{jobs: map[uuid.UUID]job.Job{j.ID: j}}
}

func (s *fakeStore) Get(ctx context.Context, id uuid.UUID, tenantKey string) (job.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[id]
	if !ok {
		return job.Job{}, fmt.Errorf("not found")
	}
	return j, nil
}

func (s *fakeStore) TransitionToProcessing(ctx context.Context, id uuid.UUID, workerID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	j := s.jobs[id]
	j.Status = job.StatusProcessing
	j.WorkerID = workerID
	s.jobs[id] = j
	return nil
}

func (s *fakeStore) UpdateProgress(ctx context.Context, id uuid.UUID, pct float64, stage string, fps, etaSeconds *float64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.progress = append(s.progress, pct)
	return nil
}

func (s *fakeStore) TransitionTerminal(ctx context.Context, id uuid.UUID, status job.Status, errorMessage string, quality *job.Quality, decr func(ctx context.Context, tenantKey string) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.terminal = status
	if decr != nil {
		s.decrCalls++
	}
	return nil
}

type fakeCanceller struct {
	mu   sync.Mutex
	chs  map[uuid.UUID]chan struct{}
}

func newFakeCanceller() *fakeCanceller {
	return &fakeCanceller{chs: map[uuid.UUID]chan struct{}{}}
}

func (c *fakeCanceller) Register(id uuid.UUID) <-chan struct{} {
	c.mu.Lock()
	defer c.mu.Unlock()
	ch := make(chan struct{})
	c.chs[id] = ch
	return ch
}

func (c *fakeCanceller) Unregister(id uuid.UUID) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.chs, id)
}

func (c *fakeCanceller) cancel(id uuid.UUID) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if ch, ok := c.chs[id]; ok {
		close(ch)
		delete(c.chs, id)
	}
}

type fakeSink struct {
	mu        sync.Mutex
	progress  []job.Job
	terminals []job.Job
}

func (s *fakeSink) Progress(ctx context.Context, j job.Job) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.progress = append(s.progress, j)
}

func (s *fakeSink) Terminal(ctx context.Context, j job.Job) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.terminals = append(s.terminals, j)
}

// writeScript writes an executable shell script standing in for the media
// toolchain binary, so tests exercise the real subprocess/progress-parsing
// path without a real ffmpeg on the test machine.
func writeScript(t *testing.T, dir, name, body string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, []byte("#!/bin/sh\n"+body), 0o755); err != nil {
		t.Fatalf("write script %s: %v", name, err)
	}
	return path
}

func setupWorker(t *testing.T, j job.Job, toolBody string) (*Worker, *fakeStore, *fakeSink, *fakeCanceller) {
	t.Helper()
	dir := t.TempDir()
	reg := storage.NewRegistry("local")
	backend, err := storage.NewLocalBackend(filepath.Join(dir, "data"))
	if err != nil {
		t.Fatalf("new local backend: %v", err)
	}
	reg.Register("local", backend)

	if err := os.WriteFile(filepath.Join(dir, "data", "in.mp4"), []byte("fake input bytes"), 0o644); err != nil {
		t.Fatalf("seed input: %v", err)
	}

	toolPath := writeScript(t, dir, "tool.sh", toolBody)
	probePath := writeScript(t, dir, "probe.sh", `echo '{"format":{"duration":"5.0"}}'`)

	cfg, err := config.Load("nonexistent.yaml")
	if err != nil {
		t.Fatal(err)
	}
	cfg.Worker.TempDirRoot = filepath.Join(dir, "tmp")
	cfg.Worker.ToolPath = toolPath
	cfg.Worker.ProbePath = probePath
	cfg.Worker.JobTimeout = 5 * time.Second
	cfg.Worker.KillGrace = 1 * time.Second
	cfg.Worker.ProgressMinInterval = 0
	cfg.Worker.ProgressMinDelta = 0
	cfg.Worker.ToolLogPath = ""

	st := newFakeStore(j)
	sink := &fakeSink{}
	canceller := newFakeCanceller()
	log, _ := zap.NewDevelopment()

	w := &Worker{
		cfg: cfg, log: log, store: st, registry: reg, canceller: canceller,
		sink: sink, decrTenant: st.decrement, toolLog: io.Discard,
	}
	return w, st, sink, canceller
}

func (s *fakeStore) decrement(ctx context.Context, tenantKey string) error { return nil }

func newTestJob() job.Job {
	j := job.New("tenant-a", "local:///in.mp4", "local:///out.mp4", job.PriorityNormal, job.QueueDefault,
		[]job.Operation{{Type: job.OpTranscode, Params: job.TranscodeParams{VideoCodec: "h264"}}},
		job.Options{Container: "mp4"})
	return j
}

func TestProcessJobCompletesSuccessfully(t *testing.T) {
	j := newTestJob()
	w, st, sink, _ := setupWorker(t, j, `
echo "frame=1 fps=25 time=00:00:02.50 bitrate=100kbits/s speed=1.0x" >&2
echo "frame=1 fps=25 time=00:00:05.00 bitrate=100kbits/s speed=1.0x" >&2
# last arg is the output path
eval out=\$$#
echo "fake output bytes" > "$out"
`)

	status := w.processJob(context.Background(), "w1", j.ID)
	if status != job.StatusCompleted {
		t.Fatalf("expected completed, got %s", status)
	}
	if st.terminal != job.StatusCompleted {
		t.Fatalf("store did not see terminal completed, got %s", st.terminal)
	}
	if st.decrCalls != 1 {
		t.Fatalf("expected tenant decrement to be invoked once, got %d", st.decrCalls)
	}
	if len(sink.terminals) != 1 || sink.terminals[0].Status != job.StatusCompleted {
		t.Fatalf("expected one completed terminal event, got %+v", sink.terminals)
	}
	if len(st.progress) == 0 {
		t.Fatal("expected at least one progress update")
	}
}

func TestProcessJobToolFailureTransitionsToFailed(t *testing.T) {
	j := newTestJob()
	w, st, _, _ := setupWorker(t, j, `exit 1`)

	status := w.processJob(context.Background(), "w1", j.ID)
	if status != job.StatusFailed {
		t.Fatalf("expected failed, got %s", status)
	}
	if st.terminal != job.StatusFailed {
		t.Fatalf("store did not see terminal failed, got %s", st.terminal)
	}
}

func TestProcessJobExplicitCancelTransitionsToCancelled(t *testing.T) {
	j := newTestJob()
	w, st, _, canceller := setupWorker(t, j, `sleep 5`)

	go func() {
		time.Sleep(100 * time.Millisecond)
		canceller.cancel(j.ID)
	}()

	status := w.processJob(context.Background(), "w1", j.ID)
	if status != job.StatusCancelled {
		t.Fatalf("expected cancelled, got %s", status)
	}
	if st.terminal != job.StatusCancelled {
		t.Fatalf("store did not see terminal cancelled, got %s", st.terminal)
	}
}

func TestProcessJobTimeoutTransitionsToFailed(t *testing.T) {
	j := newTestJob()
	w, st, _, _ := setupWorker(t, j, `sleep 5`)
	w.cfg.Worker.JobTimeout = 50 * time.Millisecond

	status := w.processJob(context.Background(), "w1", j.ID)
	if status != job.StatusFailed {
		t.Fatalf("expected failed on timeout, got %s", status)
	}
	if st.terminal != job.StatusFailed {
		t.Fatalf("store did not see terminal failed, got %s", st.terminal)
	}
}

func TestQueuesServed(t *testing.T) {
	cfg, err := config.Load("nonexistent.yaml")
	if err != nil {
		t.Fatal(err)
	}
	w := &Worker{cfg: cfg}
	qs := w.queuesServed()
	if len(qs) != len(cfg.Worker.Queues) {
		t.Fatalf("expected %d queues, got %d", len(cfg.Worker.Queues), len(qs))
	}
}
