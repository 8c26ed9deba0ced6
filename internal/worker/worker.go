// Copyright 2025 James Ross
package worker

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"regexp"
	"strconv"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/jamesross/mediaforge/internal/breaker"
	"github.com/jamesross/mediaforge/internal/command"
	"github.com/jamesross/mediaforge/internal/config"
	"github.com/jamesross/mediaforge/internal/hwaccel"
	"github.com/jamesross/mediaforge/internal/job"
	"github.com/jamesross/mediaforge/internal/mediaerr"
	"github.com/jamesross/mediaforge/internal/obs"
	"github.com/jamesross/mediaforge/internal/progress"
	"github.com/jamesross/mediaforge/internal/storage"
)

func execCommand(ctx context.Context, name string, args ...string) *exec.Cmd {
	return exec.CommandContext(ctx, name, args...)
}

// Store is the narrow slice of store.Store the worker needs, kept as an
// interface so tests can exercise processJob against a fake.
type Store interface {
	Get(ctx context.Context, id uuid.UUID, tenantKey string) (job.Job, error)
	TransitionToProcessing(ctx context.Context, id uuid.UUID, workerID string) error
	UpdateProgress(ctx context.Context, id uuid.UUID, pct float64, stage string, fps, etaSeconds *float64) error
	TransitionTerminal(ctx context.Context, id uuid.UUID, status job.Status, errorMessage string, quality *job.Quality, decr func(ctx context.Context, tenantKey string) error) error
}

// Dequeuer is the scheduler capability the worker polls against.
type Dequeuer interface {
	Dequeue(ctx context.Context, queues []job.Queue, procList string) (uuid.UUID, string, bool)
}

// Canceller delivers cancel signals from the scheduler to whichever
// worker owns a job.
type Canceller interface {
	Register(jobID uuid.UUID) <-chan struct{}
	Unregister(jobID uuid.UUID)
}

// EventSink forwards progress and terminal transitions to the Event
// Fan-out component (C7); the worker never talks to SSE/webhook
// machinery directly.
type EventSink interface {
	Progress(ctx context.Context, j job.Job)
	Terminal(ctx context.Context, j job.Job)
}

// TenantDecrementer decrements a tenant's active-job counter on terminal
// transition; injected so the worker need not import the scheduler's
// concrete tenant counter.
type TenantDecrementer func(ctx context.Context, tenantKey string) error

type Worker struct {
	cfg       *config.Config
	rdb       *redis.Client
	log       *zap.Logger
	cb        *breaker.CircuitBreaker
	baseID    string
	store     Store
	registry  *storage.Registry
	sched     Dequeuer
	canceller Canceller
	sink      EventSink
	caps      hwaccel.Capabilities
	decrTenant TenantDecrementer
	toolLog   io.Writer
}

func New(cfg *config.Config, rdb *redis.Client, log *zap.Logger, st Store, registry *storage.Registry, sched Dequeuer, canceller Canceller, sink EventSink, caps hwaccel.Capabilities, decrTenant TenantDecrementer) *Worker {
	cb := breaker.New(cfg.CircuitBreaker.Window, cfg.CircuitBreaker.CooldownPeriod, cfg.CircuitBreaker.FailureThreshold, cfg.CircuitBreaker.MinSamples)
	host, _ := os.Hostname()
	pid := os.Getpid()
	now := time.Now().UnixNano()
	randSfx := fmt.Sprintf("%04x", now&0xffff)
	base := fmt.Sprintf("%s-%d-%d-%s", host, pid, now, randSfx)

	var toolLog io.Writer = io.Discard
	if cfg.Worker.ToolLogPath != "" {
		toolLog = &lumberjack.Logger{
			Filename:   cfg.Worker.ToolLogPath,
			MaxSize:    cfg.Worker.ToolLogMaxSizeMB,
			MaxBackups: cfg.Worker.ToolLogMaxBackups,
		}
	}

	return &Worker{
		cfg: cfg, rdb: rdb, log: log, cb: cb, baseID: base,
		store: st, registry: registry, sched: sched, canceller: canceller,
		sink: sink, caps: caps, decrTenant: decrTenant, toolLog: toolLog,
	}
}

func (w *Worker) Run(ctx context.Context) error {
	var wg sync.WaitGroup
	for i := 0; i < w.cfg.Worker.Count; i++ {
		wg.Add(1)
		id := fmt.Sprintf("%s-%d", w.baseID, i)
		go func(workerID string) {
			defer wg.Done()
			obs.WorkerActive.Inc()
			defer obs.WorkerActive.Dec()
			w.runOne(ctx, workerID)
		}(id)
	}

	go func() {
		ticker := time.NewTicker(2 * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				switch w.cb.State() {
				case breaker.Closed:
					obs.CircuitBreakerState.Set(0)
				case breaker.HalfOpen:
					obs.CircuitBreakerState.Set(1)
				case breaker.Open:
					obs.CircuitBreakerState.Set(2)
				}
			}
		}
	}()

	wg.Wait()
	return nil
}

func (w *Worker) queuesServed() []job.Queue {
	out := make([]job.Queue, 0, len(w.cfg.Worker.Queues))
	for _, q := range w.cfg.Worker.Queues {
		out = append(out, job.Queue(q))
	}
	return out
}

func (w *Worker) runOne(ctx context.Context, workerID string) {
	procList := fmt.Sprintf(w.cfg.Worker.ProcessingListPattern, workerID)
	hbKey := fmt.Sprintf(w.cfg.Worker.HeartbeatKeyPattern, workerID)
	queues := w.queuesServed()

	for ctx.Err() == nil {
		if !w.cb.Allow() {
			time.Sleep(w.cfg.Worker.BreakerPause)
			continue
		}

		id, _, ok := w.sched.Dequeue(ctx, queues, procList)
		if !ok {
			continue
		}

		obs.JobsConsumed.Inc()
		if err := w.rdb.Set(ctx, hbKey, id.String(), w.cfg.Worker.HeartbeatTTL).Err(); err != nil {
			w.log.Warn("heartbeat set failed", obs.Err(err))
		}
		hbCtx, hbCancel := context.WithCancel(ctx)
		go w.refreshHeartbeat(hbCtx, hbKey, id)

		start := time.Now()
		status := w.processJob(ctx, workerID, id)
		hbCancel()
		obs.JobProcessingDuration.Observe(time.Since(start).Seconds())

		if err := w.rdb.LRem(ctx, procList, 1, id.String()).Err(); err != nil {
			w.log.Warn("LREM processing failed", obs.Err(err))
		}
		if err := w.rdb.Del(ctx, hbKey).Err(); err != nil {
			w.log.Warn("DEL heartbeat failed", obs.Err(err))
		}

		prev := w.cb.State()
		w.cb.Record(status == job.StatusCompleted)
		curr := w.cb.State()
		if prev != curr && curr == breaker.Open {
			obs.CircuitBreakerTrips.Inc()
		}
		switch status {
		case job.StatusCompleted:
			obs.JobsCompleted.Inc()
		case job.StatusFailed:
			obs.JobsFailed.Inc()
		case job.StatusCancelled:
			obs.JobsCancelled.Inc()
		}
	}
}

func (w *Worker) refreshHeartbeat(ctx context.Context, hbKey string, id uuid.UUID) {
	interval := w.cfg.Worker.HeartbeatTTL / 2
	if interval <= 0 {
		interval = 10 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			w.rdb.Set(ctx, hbKey, id.String(), w.cfg.Worker.HeartbeatTTL)
		}
	}
}

// processJob runs the full 9-step pipeline for one dequeued job id and
// returns the terminal status reached.
func (w *Worker) processJob(ctx context.Context, workerID string, id uuid.UUID) job.Status {
	j, err := w.store.Get(ctx, id, "")
	if err != nil {
		w.log.Error("dequeued job not found in store", obs.String("id", id.String()), obs.Err(err))
		return job.StatusFailed
	}

	// Step 1: transition to processing, record worker_id/started_at.
	if err := w.store.TransitionToProcessing(ctx, id, workerID); err != nil {
		w.log.Warn("transition to processing failed", obs.String("id", id.String()), obs.Err(err))
		return job.StatusFailed
	}
	j.Status = job.StatusProcessing
	j.WorkerID = workerID
	w.sink.Progress(ctx, j)

	cancelCh := w.canceller.Register(id)
	defer w.canceller.Unregister(id)

	runCtx, cancelRun := context.WithTimeout(ctx, w.cfg.Worker.JobTimeout)
	defer cancelRun()

	var explicitCancel atomic.Bool
	watchDone := make(chan struct{})
	go func() {
		defer close(watchDone)
		select {
		case <-cancelCh:
			explicitCancel.Store(true)
			cancelRun()
		case <-runCtx.Done():
		}
	}()

	runCtx, span := obs.ContextWithJobSpan(runCtx, j)
	defer span.End()
	obs.AddSpanAttributes(runCtx, obs.KeyValue("worker.id", workerID))

	// Step 2: scoped temp directory, guaranteed removal on every exit path.
	tmpDir, release, err := scopedTempDir(w.cfg.Worker.TempDirRoot, workerID, id)
	if err != nil {
		return w.finish(trace.ContextWithSpan(ctx, span), &j, job.StatusFailed, mediaerr.Internal("create temp dir failed", err))
	}
	defer release()

	status, finishErr := w.runPipeline(runCtx, &j, tmpDir, &explicitCancel)
	<-watchDone
	// finish persists against ctx (not runCtx, which may already be
	// cancelled by the timeout that just ended the pipeline) but keeps
	// the span alive so the outcome still lands on the right trace.
	spanCtx := trace.ContextWithSpan(ctx, span)
	return w.finish(spanCtx, &j, status, finishErr)
}

// runPipeline performs steps 3-8: download, probe, build, execute,
// upload. Returns the terminal status and, for non-completed outcomes,
// the error driving it.
func (w *Worker) runPipeline(ctx context.Context, j *job.Job, tmpDir string, explicitCancel *atomic.Bool) (job.Status, error) {
	j.Stage = "downloading"
	w.sink.Progress(ctx, *j)

	inputLocal, err := w.downloadInput(ctx, *j, tmpDir)
	if err != nil {
		return terminalForErr(ctx, explicitCancel, err)
	}

	j.Stage = "analyzing"
	w.sink.Progress(ctx, *j)
	duration, _ := w.probeDuration(ctx, inputLocal)

	outputLocal := filepath.Join(tmpDir, "output", "out"+outputExt(j.OutputURI, j.Options.Container))
	if err := os.MkdirAll(filepath.Dir(outputLocal), 0o755); err != nil {
		return terminalForErr(ctx, explicitCancel, mediaerr.Internal("mkdir output dir failed", err))
	}

	passLogPrefix := filepath.Join(tmpDir, "passlog")
	built, err := command.Build(j.Operations, j.Options, inputLocal, outputLocal, w.caps, passLogPrefix)
	if err != nil {
		return terminalForErr(ctx, explicitCancel, err)
	}

	j.Stage = "processing"
	quality := &job.Quality{}
	haveQuality := false
	for i, pass := range built.Passes {
		isPass1 := built.TwoPass && i == 0
		parser := &progress.Parser{TotalDuration: duration, TwoPass: built.TwoPass && !isPass1}
		passQuality, err := w.runPass(ctx, j, pass, parser, isPass1, duration)
		if err != nil {
			return terminalForErr(ctx, explicitCancel, err)
		}
		if passQuality != nil {
			quality = passQuality
			haveQuality = true
		}
	}

	j.Stage = "uploading"
	w.sink.Progress(ctx, *j)
	if err := w.uploadOutput(ctx, *j, outputLocal); err != nil {
		return terminalForErr(ctx, explicitCancel, err)
	}

	if haveQuality {
		j.Quality = quality
	}
	j.Stage = "complete"
	return job.StatusCompleted, nil
}

// terminalForErr maps a pipeline error to the terminal status spec.md
// §4.5 step 7 requires: explicit cancellation wins, then context-deadline
// timeout, then a generic tool/transport failure.
func terminalForErr(ctx context.Context, explicitCancel *atomic.Bool, err error) (job.Status, error) {
	if explicitCancel.Load() {
		return job.StatusCancelled, err
	}
	if ctx.Err() != nil {
		return job.StatusFailed, mediaerr.Timeout("job exceeded its wall-clock ceiling")
	}
	return job.StatusFailed, err
}

// finish performs step 9: terminal transition, quality persistence, and
// sink notification. Any store error here is logged but does not change
// the status already decided by the pipeline.
func (w *Worker) finish(ctx context.Context, j *job.Job, status job.Status, pipelineErr error) job.Status {
	errMsg := ""
	if pipelineErr != nil {
		if merr, ok := pipelineErr.(*mediaerr.Error); ok {
			errMsg = merr.ClientMessage()
		} else {
			errMsg = "internal error"
		}
		w.log.Error("job pipeline error", obs.String("id", j.ID.String()), obs.Err(pipelineErr))
		obs.RecordError(ctx, pipelineErr)
	}

	if err := w.store.TransitionTerminal(ctx, j.ID, status, errMsg, j.Quality, w.decrTenant); err != nil {
		w.log.Error("terminal transition failed", obs.String("id", j.ID.String()), obs.Err(err))
	}
	j.Status = status
	j.ErrorMessage = errMsg
	if status == job.StatusCompleted {
		j.Progress = 100
		obs.SetSpanSuccess(ctx)
	}
	w.sink.Terminal(ctx, *j)
	return status
}

func scopedTempDir(root, workerID string, id uuid.UUID) (string, func(), error) {
	dir := filepath.Join(root, workerID, id.String())
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", func() {}, err
	}
	return dir, func() { os.RemoveAll(dir) }, nil
}

func (w *Worker) downloadInput(ctx context.Context, j job.Job, tmpDir string) (string, error) {
	backend, path, err := w.registry.Resolve(j.InputURI)
	if err != nil {
		return "", err
	}
	rc, err := backend.ReadStream(ctx, path)
	if err != nil {
		return "", err
	}
	defer rc.Close()

	localDir := filepath.Join(tmpDir, "input")
	if err := os.MkdirAll(localDir, 0o755); err != nil {
		return "", mediaerr.Internal("mkdir input dir failed", err)
	}
	local := filepath.Join(localDir, filepath.Base(path))
	f, err := os.Create(local)
	if err != nil {
		return "", mediaerr.Internal("create local input failed", err)
	}
	defer f.Close()
	if _, err := io.Copy(f, rc); err != nil {
		return "", mediaerr.Internal("download input failed", err)
	}
	return local, nil
}

func (w *Worker) uploadOutput(ctx context.Context, j job.Job, localPath string) error {
	backend, path, err := w.registry.Resolve(j.OutputURI)
	if err != nil {
		return err
	}
	f, err := os.Open(localPath)
	if err != nil {
		return mediaerr.Internal("open local output failed", err)
	}
	defer f.Close()
	if _, err := backend.WriteStream(ctx, path, f); err != nil {
		return err
	}
	return nil
}

type probeFormat struct {
	Format struct {
		Duration string `json:"duration"`
	} `json:"format"`
}

func (w *Worker) probeDuration(ctx context.Context, inputPath string) (float64, error) {
	cmd := execCommand(ctx, w.cfg.Worker.ProbePath, "-v", "quiet", "-print_format", "json", "-show_format", inputPath)
	out, err := cmd.Output()
	if err != nil {
		return 0, mediaerr.ToolFailure("probe failed", err)
	}
	var parsed probeFormat
	if err := json.Unmarshal(out, &parsed); err != nil {
		return 0, mediaerr.ToolFailure("probe output parse failed", err)
	}
	d, err := strconv.ParseFloat(parsed.Format.Duration, 64)
	if err != nil {
		return 0, nil
	}
	return d, nil
}

var vmafRe = regexp.MustCompile(`VMAF score:\s*([\d.]+)`)

// runPass executes one subprocess invocation, streaming stderr through
// the progress parser and the rotated raw-tool log, throttling Job Store
// writes per spec.md §4.5 step 6. cmd.Cancel/WaitDelay implement the
// terminate-then-grace-then-kill sequence of step 7.
func (w *Worker) runPass(ctx context.Context, j *job.Job, pass command.Pass, parser *progress.Parser, isPass1 bool, totalDuration float64) (*job.Quality, error) {
	cmd := execCommand(ctx, w.cfg.Worker.ToolPath, pass.Args...)
	cmd.Cancel = func() error { return cmd.Process.Signal(syscall.SIGTERM) }
	cmd.WaitDelay = w.cfg.Worker.KillGrace

	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, mediaerr.Internal("stderr pipe failed", err)
	}
	if err := cmd.Start(); err != nil {
		return nil, mediaerr.ToolFailure("failed to start tool", err)
	}

	var quality *job.Quality
	lastFlush := time.Time{}
	lastPct := -1.0

	scanner := bufio.NewScanner(stderr)
	scanner.Split(progress.ScanLines)
	for scanner.Scan() {
		line := scanner.Text()
		fmt.Fprintln(w.toolLog, line)

		if m := vmafRe.FindStringSubmatch(line); m != nil {
			if v, err := strconv.ParseFloat(m[1], 64); err == nil {
				quality = &job.Quality{VMAF: &v}
			}
		}

		rec, ok := parser.ParseLine(line)
		if !ok {
			continue
		}
		pct := 0.0
		if isPass1 && rec.TimeSeconds != nil && totalDuration > 0 {
			pct = progress.Pass1Percentage(int64(*rec.TimeSeconds*1000), int64(totalDuration*1000))
		} else if rec.Percentage != nil {
			pct = *rec.Percentage
		} else {
			continue
		}

		due := time.Since(lastFlush) >= w.cfg.Worker.ProgressMinInterval
		delta := pct - lastPct
		if delta < 0 {
			delta = -delta
		}
		if due || delta >= w.cfg.Worker.ProgressMinDelta {
			j.Progress = pct
			if rec.FPS != nil {
				j.FPS = rec.FPS
			}
			if err := w.store.UpdateProgress(ctx, j.ID, pct, j.Stage, j.FPS, j.ETASeconds); err != nil {
				w.log.Warn("progress update failed", obs.Err(err))
			}
			w.sink.Progress(ctx, *j)
			lastFlush = time.Now()
			lastPct = pct
		}
	}

	err = cmd.Wait()
	if err != nil {
		if ctx.Err() != nil {
			return quality, ctx.Err()
		}
		return quality, mediaerr.ToolFailure("tool exited with an error", err)
	}
	return quality, nil
}

func outputExt(outputURI, container string) string {
	if ext := filepath.Ext(outputURI); ext != "" {
		return ext
	}
	if container != "" {
		return "." + container
	}
	return ".mp4"
}
