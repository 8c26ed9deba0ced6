// Copyright 2025 James Ross
package reaper

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/jamesross/mediaforge/internal/config"
	"github.com/jamesross/mediaforge/internal/job"
	"github.com/jamesross/mediaforge/internal/obs"
)

// JobLookup is the narrow slice of store.Store the reaper needs, kept as
// an interface so it can be exercised against a fake in tests without a
// real Postgres instance.
type JobLookup interface {
	Get(ctx context.Context, id uuid.UUID, tenantKey string) (job.Job, error)
	RequeueToQueued(ctx context.Context, id uuid.UUID) error
}

// Reaper recovers jobs left in a worker's processing list after that
// worker dies and its heartbeat key expires: it requeues each
// orphaned job id back onto its original (queue, priority) list and
// reverts the Job Store row from processing back to queued.
type Reaper struct {
	cfg   *config.Config
	rdb   *redis.Client
	store JobLookup
	log   *zap.Logger
}

func New(cfg *config.Config, rdb *redis.Client, st JobLookup, log *zap.Logger) *Reaper {
	return &Reaper{cfg: cfg, rdb: rdb, store: st, log: log}
}

func (r *Reaper) Run(ctx context.Context) {
	ticker := time.NewTicker(5 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.scanOnce(ctx)
		}
	}
}

func (r *Reaper) scanOnce(ctx context.Context) {
	pattern := strings.Replace(r.cfg.Worker.ProcessingListPattern, "%s", "*", 1)
	var cursor uint64
	for {
		keys, cur, err := r.rdb.Scan(ctx, cursor, pattern, 100).Result()
		if err != nil {
			r.log.Warn("reaper scan error", obs.Err(err))
			return
		}
		cursor = cur
		for _, plist := range keys {
			workerID, ok := extractWorkerID(r.cfg.Worker.ProcessingListPattern, plist)
			if !ok {
				continue
			}
			hbKey := fmt.Sprintf(r.cfg.Worker.HeartbeatKeyPattern, workerID)
			exists, _ := r.rdb.Exists(ctx, hbKey).Result()
			if exists == 1 {
				continue // worker still heartbeating
			}
			r.drainProcessingList(ctx, plist)
		}
		if cursor == 0 {
			break
		}
	}
}

func (r *Reaper) drainProcessingList(ctx context.Context, plist string) {
	for {
		raw, err := r.rdb.RPop(ctx, plist).Result()
		if err == redis.Nil {
			return
		}
		if err != nil {
			r.log.Warn("reaper rpop error", obs.Err(err))
			return
		}
		id, err := uuid.Parse(raw)
		if err != nil {
			continue
		}
		j, err := r.store.Get(ctx, id, "")
		if err != nil {
			r.log.Warn("reaper: orphaned job not found in store", obs.String("id", id.String()), obs.Err(err))
			continue
		}
		dest := fmt.Sprintf(r.cfg.Scheduler.QueueKeyPattern, j.Queue, j.Priority)
		if err := r.rdb.LPush(ctx, dest, id.String()).Err(); err != nil {
			r.log.Error("reaper: requeue push failed", obs.Err(err))
			continue
		}
		if err := r.store.RequeueToQueued(ctx, id); err != nil {
			r.log.Error("reaper: store requeue failed", obs.Err(err))
			continue
		}
		obs.ReaperRecovered.Inc()
		r.log.Warn("requeued abandoned job", obs.String("id", id.String()), obs.String("to", dest))
	}
}

// extractWorkerID pulls the %s placeholder's value out of a concrete key
// produced by pattern, e.g. pattern "mediaforge:worker:%s:processing" and
// key "mediaforge:worker:w1:processing" yields ("w1", true).
func extractWorkerID(pattern, key string) (string, bool) {
	idx := strings.Index(pattern, "%s")
	if idx < 0 {
		return "", false
	}
	prefix, suffix := pattern[:idx], pattern[idx+2:]
	if !strings.HasPrefix(key, prefix) || !strings.HasSuffix(key, suffix) {
		return "", false
	}
	return key[len(prefix) : len(key)-len(suffix)], true
}
