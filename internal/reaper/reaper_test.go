package reaper

import (
	"context"
	"fmt"
	"sync"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/jamesross/mediaforge/internal/config"
	"github.com/jamesross/mediaforge/internal/job"
)

type fakeLookup struct {
	mu        sync.Mutex
	jobs      map[uuid.UUID]job.Job
	requeued  []uuid.UUID
}

func newFakeLookup() *fakeLookup {
	return &fakeLookup{jobs: map[uuid.UUID]job.Job{}}
}

func (f *fakeLookup) Get(ctx context.Context, id uuid.UUID, tenantKey string) (job.Job, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	j, ok := f.jobs[id]
	if !ok {
		return job.Job{}, fmt.Errorf("not found")
	}
	return j, nil
}

func (f *fakeLookup) RequeueToQueued(ctx context.Context, id uuid.UUID) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.requeued = append(f.requeued, id)
	return nil
}

func TestReaperRequeuesWithoutHeartbeat(t *testing.T) {
	mr, _ := miniredis.Run()
	defer mr.Close()
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	cfg, err := config.Load("nonexistent.yaml")
	if err != nil {
		t.Fatal(err)
	}
	cfg.Redis.Addr = mr.Addr()
	log, _ := zap.NewDevelopment()
	lookup := newFakeLookup()
	rep := New(cfg, rdb, lookup, log)

	ctx := context.Background()
	workerID := "w1"
	plist := fmt.Sprintf(cfg.Worker.ProcessingListPattern, workerID)

	id := uuid.New()
	j := job.New("tenant-a", "local:///in.mp4", "local:///out.mp4", job.PriorityLow, job.QueueDefault, nil, job.Options{})
	j.ID = id
	lookup.jobs[id] = j

	if err := rdb.LPush(ctx, plist, id.String()).Err(); err != nil {
		t.Fatal(err)
	}

	rep.scanOnce(ctx)

	destKey := fmt.Sprintf(cfg.Scheduler.QueueKeyPattern, job.QueueDefault, job.PriorityLow)
	n, _ := rdb.LLen(ctx, destKey).Result()
	if n != 1 {
		t.Fatalf("expected 1 job in %s, got %d", destKey, n)
	}
	if len(lookup.requeued) != 1 || lookup.requeued[0] != id {
		t.Fatalf("expected store requeue for %s, got %v", id, lookup.requeued)
	}
}

func TestReaperSkipsHealthyWorker(t *testing.T) {
	mr, _ := miniredis.Run()
	defer mr.Close()
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	cfg, err := config.Load("nonexistent.yaml")
	if err != nil {
		t.Fatal(err)
	}
	cfg.Redis.Addr = mr.Addr()
	log, _ := zap.NewDevelopment()
	lookup := newFakeLookup()
	rep := New(cfg, rdb, lookup, log)

	ctx := context.Background()
	workerID := "w2"
	plist := fmt.Sprintf(cfg.Worker.ProcessingListPattern, workerID)
	hbKey := fmt.Sprintf(cfg.Worker.HeartbeatKeyPattern, workerID)

	id := uuid.New()
	rdb.LPush(ctx, plist, id.String())
	rdb.Set(ctx, hbKey, "alive", 0)

	rep.scanOnce(ctx)

	n, _ := rdb.LLen(ctx, plist).Result()
	if n != 1 {
		t.Fatalf("expected job to remain in processing list for a healthy worker, got len %d", n)
	}
	if len(lookup.requeued) != 0 {
		t.Fatal("expected no requeue for a healthy worker")
	}
}

func TestExtractWorkerID(t *testing.T) {
	id, ok := extractWorkerID("mediaforge:worker:%s:processing", "mediaforge:worker:w1:processing")
	if !ok || id != "w1" {
		t.Fatalf("expected w1, got %q ok=%v", id, ok)
	}
	_, ok = extractWorkerID("mediaforge:worker:%s:processing", "unrelated:key")
	if ok {
		t.Fatal("expected no match for unrelated key")
	}
}
