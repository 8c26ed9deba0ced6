// Package scheduler implements the Job Scheduler & Queue (C6): a
// prioritized, tenant-aware multi-queue over Redis lists. Three named
// queues (default, analysis, streaming) address worker affinity; within
// each queue, three priority bands (high, normal, low) serve FIFO within
// a band, dispatched via BRPopLPush into a per-worker processing list —
// the same primitive the worker package uses, generalized from one queue
// to nine (3 queues x 3 priorities).
package scheduler

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/jamesross/mediaforge/internal/job"
	"github.com/jamesross/mediaforge/internal/mediaerr"
	"github.com/jamesross/mediaforge/internal/obs"
)

// TenantCounter reconciles and bounds per-tenant concurrency.
type TenantCounter interface {
	// Increment atomically increments the tenant's active count if it is
	// below cap, returning ok=false without mutating state if the cap is
	// already reached.
	Increment(ctx context.Context, tenantKey string, cap int) (ok bool, err error)
	Decrement(ctx context.Context, tenantKey string) error
	// Reconcile sets the tenant's counter to match an externally-known
	// non-terminal count, used at scheduler startup to recover state
	// across restarts (the counter itself is not durable).
	Reconcile(ctx context.Context, tenantKey string, nonTerminalCount int64) error
}

// CapLookup resolves a tenant's configured concurrency cap.
type CapLookup func(tenantKey string) int

// Scheduler is the top-level queue owned by the runtime. It holds no
// global state; the Redis client, tenant counter, and cap lookup are all
// injected at construction.
type Scheduler struct {
	rdb       *redis.Client
	counter   TenantCounter
	capOf     CapLookup
	keyPrefix string // e.g. "mediaforge:queue:%s:%s"
	queues    []job.Queue
	priorities []job.Priority

	dequeueTimeout time.Duration
}

type Options struct {
	KeyPattern     string
	Queues         []job.Queue
	Priorities     []job.Priority
	DequeueTimeout time.Duration
}

func New(rdb *redis.Client, counter TenantCounter, capOf CapLookup, opts Options) *Scheduler {
	if opts.DequeueTimeout == 0 {
		opts.DequeueTimeout = 1 * time.Second
	}
	if len(opts.Queues) == 0 {
		opts.Queues = []job.Queue{job.QueueDefault, job.QueueAnalysis, job.QueueStreaming}
	}
	if len(opts.Priorities) == 0 {
		opts.Priorities = []job.Priority{job.PriorityHigh, job.PriorityNormal, job.PriorityLow}
	}
	return &Scheduler{
		rdb: rdb, counter: counter, capOf: capOf,
		keyPrefix: opts.KeyPattern, queues: opts.Queues, priorities: opts.Priorities,
		dequeueTimeout: opts.DequeueTimeout,
	}
}

func (s *Scheduler) queueKey(q job.Queue, p job.Priority) string {
	return fmt.Sprintf(s.keyPrefix, q, p)
}

// Enqueue performs the tenant cap re-check atomically (the submit path
// has already checked, but the scheduler re-checks to linearize
// concurrent submits from the same tenant) and pushes the job id onto the
// named queue's priority band.
func (s *Scheduler) Enqueue(ctx context.Context, j job.Job) error {
	cap := s.capOf(j.TenantKey)
	ok, err := s.counter.Increment(ctx, j.TenantKey, cap)
	if err != nil {
		return mediaerr.EnqueueFailed("tenant counter increment failed", err)
	}
	if !ok {
		return mediaerr.RateLimit(fmt.Sprintf("tenant %s is at its concurrency cap of %d", j.TenantKey, cap))
	}
	key := s.queueKey(j.Queue, j.Priority)
	if err := s.rdb.LPush(ctx, key, j.ID.String()).Err(); err != nil {
		_ = s.counter.Decrement(ctx, j.TenantKey)
		return mediaerr.EnqueueFailed("redis LPUSH failed", err)
	}
	obs.JobsProduced.Inc()
	return nil
}

// Dequeue blocks with a bounded wait across all (queue, priority) lists
// this worker serves, in high->normal->low order within each queue,
// pushing the popped id onto procList (the worker's processing list) so a
// crashed worker's in-flight jobs are recoverable by the Reaper.
func (s *Scheduler) Dequeue(ctx context.Context, queues []job.Queue, procList string) (uuid.UUID, string, bool) {
	for _, q := range queues {
		for _, p := range s.priorities {
			key := s.queueKey(q, p)
			v, err := s.rdb.BRPopLPush(ctx, key, procList, s.dequeueTimeout).Result()
			if err == redis.Nil {
				continue
			}
			if err != nil {
				return uuid.Nil, "", false
			}
			id, err := uuid.Parse(v)
			if err != nil {
				continue
			}
			return id, key, true
		}
	}
	return uuid.Nil, "", false
}

// CancelQueued removes a job id from every (queue, priority) list it could
// be sitting in. Returns whether it was found and removed.
func (s *Scheduler) CancelQueued(ctx context.Context, jobID uuid.UUID) (bool, error) {
	removed := false
	for _, q := range s.queues {
		for _, p := range s.priorities {
			key := s.queueKey(q, p)
			n, err := s.rdb.LRem(ctx, key, 0, jobID.String()).Result()
			if err != nil {
				return removed, mediaerr.Internal("LREM failed during cancel_queued", err)
			}
			if n > 0 {
				removed = true
			}
		}
	}
	return removed, nil
}

// RunningCanceller delivers a cancellation signal to whichever worker
// currently owns a job, keyed by job id. The scheduler holds no direct
// reference to worker goroutines; workers register a cancel channel here
// and the scheduler closes it on CancelRunning.
type RunningCanceller struct {
	mu      sync.Mutex
	signals map[uuid.UUID]chan struct{}
}

func NewRunningCanceller() *RunningCanceller {
	return &RunningCanceller{signals: map[uuid.UUID]chan struct{}{}}
}

func (c *RunningCanceller) Register(jobID uuid.UUID) <-chan struct{} {
	c.mu.Lock()
	defer c.mu.Unlock()
	ch := make(chan struct{})
	c.signals[jobID] = ch
	return ch
}

func (c *RunningCanceller) Unregister(jobID uuid.UUID) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.signals, jobID)
}

// CancelRunning signals the worker owning jobID, if any registered
// channel exists. No-op if none (the job may be queued, not running, or
// already terminal).
func (c *RunningCanceller) CancelRunning(jobID uuid.UUID) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	ch, ok := c.signals[jobID]
	if !ok {
		return false
	}
	close(ch)
	delete(c.signals, jobID)
	return true
}
