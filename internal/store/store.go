// Package store implements the Job Store (C8): durable Job records,
// progress, and terminal state on top of PostgreSQL, grounded on the
// pgxpool/golang-migrate pattern used by the compliance storage package
// in the TheEntropyCollective-noisefs example.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/postgres"
	_ "github.com/golang-migrate/migrate/v4/source/file"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	_ "github.com/lib/pq"

	"github.com/jamesross/mediaforge/internal/job"
	"github.com/jamesross/mediaforge/internal/mediaerr"
)

type Config struct {
	DSN            string
	MaxConnections int32
	MigrationsPath string
}

// Store presents submit/update/get/list-by-tenant/terminal-transition on
// top of a pgxpool connection pool.
type Store struct {
	pool *pgxpool.Pool
	dsn  string
}

func Open(ctx context.Context, cfg Config) (*Store, error) {
	if cfg.DSN == "" {
		return nil, fmt.Errorf("store: dsn is required")
	}
	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("store: parse dsn: %w", err)
	}
	if cfg.MaxConnections > 0 {
		poolCfg.MaxConns = cfg.MaxConnections
	}
	poolCfg.MaxConnLifetime = 1 * time.Hour
	poolCfg.MaxConnIdleTime = 30 * time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("store: connect: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("store: ping: %w", err)
	}
	return &Store{pool: pool, dsn: cfg.DSN}, nil
}

func (s *Store) Close() {
	if s.pool != nil {
		s.pool.Close()
	}
}

// Migrate applies all pending schema migrations from migrationsPath
// (a "file://" source URL).
func (s *Store) Migrate(migrationsPath string) error {
	db, err := sql.Open("postgres", s.dsn)
	if err != nil {
		return fmt.Errorf("store: open migration connection: %w", err)
	}
	defer db.Close()

	driver, err := postgres.WithInstance(db, &postgres.Config{})
	if err != nil {
		return fmt.Errorf("store: migration driver: %w", err)
	}
	m, err := migrate.NewWithDatabaseInstance(migrationsPath, "postgres", driver)
	if err != nil {
		return fmt.Errorf("store: migrator: %w", err)
	}
	if err := m.Up(); err != nil && err != migrate.ErrNoChange {
		return fmt.Errorf("store: apply migrations: %w", err)
	}
	return nil
}

// Submit inserts a new Job row. The Operations list must already be the
// validated canonical form (invariant I4).
func (s *Store) Submit(ctx context.Context, j job.Job) error {
	opsJSON, err := json.Marshal(j.Operations)
	if err != nil {
		return mediaerr.Internal("marshal operations", err)
	}
	optsJSON, err := json.Marshal(j.Options)
	if err != nil {
		return mediaerr.Internal("marshal options", err)
	}
	webhookEventsJSON, _ := json.Marshal(j.WebhookEvents)

	_, err = s.pool.Exec(ctx, `
		INSERT INTO jobs (
			id, status, priority, queue, tenant_key, input_uri, output_uri,
			operations, options, progress, stage, worker_id,
			created_at, error_message, retry_count,
			webhook_url, webhook_events, batch_id, batch_index
		) VALUES (
			$1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18,$19
		)`,
		j.ID, j.Status, j.Priority, j.Queue, j.TenantKey, j.InputURI, j.OutputURI,
		opsJSON, optsJSON, j.Progress, j.Stage, j.WorkerID,
		j.CreatedAt, j.ErrorMessage, j.RetryCount,
		j.WebhookURL, webhookEventsJSON, j.BatchID, j.BatchIndex,
	)
	if err != nil {
		return mediaerr.Internal("insert job", err)
	}
	return nil
}

// UpdateProgress is the worker's sole-writer path while status=processing.
// It may be issued outside a transaction (spec.md §4.8).
func (s *Store) UpdateProgress(ctx context.Context, id uuid.UUID, pct float64, stage string, fps, etaSeconds *float64) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE jobs SET progress=$2, stage=$3, fps=$4, eta_seconds=$5
		WHERE id=$1`, id, pct, stage, fps, etaSeconds)
	if err != nil {
		return mediaerr.Internal("update progress", err)
	}
	return nil
}

// TransitionToProcessing records worker ownership and started_at,
// enforcing invariant I2 (worker_id set iff status=processing).
func (s *Store) TransitionToProcessing(ctx context.Context, id uuid.UUID, workerID string) error {
	now := time.Now().UTC()
	tag, err := s.pool.Exec(ctx, `
		UPDATE jobs SET status=$2, worker_id=$3, started_at=$4
		WHERE id=$1 AND status=$5`,
		id, job.StatusProcessing, workerID, now, job.StatusQueued)
	if err != nil {
		return mediaerr.Internal("transition to processing", err)
	}
	if tag.RowsAffected() == 0 {
		return mediaerr.NotFound("job not found or not in queued state")
	}
	return nil
}

// TransitionTerminal moves a job to one of the three terminal states and
// decrements the tenant counter in the same transaction, per spec.md
// §4.8's "(b) terminal transition + tenant-count decrement" rule. decr is
// the caller's tenant-counter decrement callback (injected so the store
// need not import the scheduler package).
func (s *Store) TransitionTerminal(ctx context.Context, id uuid.UUID, status job.Status, errorMessage string, quality *job.Quality, decr func(ctx context.Context, tenantKey string) error) error {
	if !status.Terminal() {
		return mediaerr.Internal("TransitionTerminal requires a terminal status", nil)
	}
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return mediaerr.Internal("begin transaction", err)
	}
	defer tx.Rollback(ctx)

	now := time.Now().UTC()
	progress := 0.0
	if status == job.StatusCompleted {
		progress = 100
	}
	var qualityJSON []byte
	if quality != nil {
		qualityJSON, _ = json.Marshal(quality)
	}

	var tenantKey string
	row := tx.QueryRow(ctx, `
		UPDATE jobs SET status=$2, completed_at=$3, progress=$4, worker_id='',
			error_message=$5, quality=$6
		WHERE id=$1
		RETURNING tenant_key`, id, status, now, progress, errorMessage, nullJSON(qualityJSON))
	if err := row.Scan(&tenantKey); err != nil {
		if err == pgx.ErrNoRows {
			return mediaerr.NotFound("job not found")
		}
		return mediaerr.Internal("transition to terminal", err)
	}

	if decr != nil {
		if err := decr(ctx, tenantKey); err != nil {
			return mediaerr.Internal("decrement tenant counter", err)
		}
	}
	if err := tx.Commit(ctx); err != nil {
		return mediaerr.Internal("commit terminal transition", err)
	}
	return nil
}

// RequeueToQueued reverts an orphaned in-flight job back to queued,
// clearing worker ownership, for the reaper's abandoned-job recovery path
// (spec.md §4.5's worker-crash recovery case). It is a no-op (RowsAffected
// 0 is not an error) if the job already moved on by the time the reaper
// gets to it.
func (s *Store) RequeueToQueued(ctx context.Context, id uuid.UUID) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE jobs SET status=$2, worker_id='', started_at=NULL
		WHERE id=$1 AND status=$3`,
		id, job.StatusQueued, job.StatusProcessing)
	if err != nil {
		return mediaerr.Internal("requeue to queued", err)
	}
	return nil
}

// Delete removes a job row outright. Used only to roll back a Submit when
// the subsequent scheduler enqueue fails, keeping submit transactional
// across the Postgres/Redis boundary (spec.md §7: "enqueue failure rolls
// back the Job Store insert").
func (s *Store) Delete(ctx context.Context, id uuid.UUID) error {
	_, err := s.pool.Exec(ctx, `DELETE FROM jobs WHERE id=$1`, id)
	if err != nil {
		return mediaerr.Internal("delete job", err)
	}
	return nil
}

func nullString(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}

func nullJSON(b []byte) interface{} {
	if len(b) == 0 {
		return nil
	}
	return b
}
