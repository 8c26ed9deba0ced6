package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/jamesross/mediaforge/internal/job"
	"github.com/jamesross/mediaforge/internal/mediaerr"
)

// Get fetches a single job, ownership-scoped to tenantKey when non-empty.
func (s *Store) Get(ctx context.Context, id uuid.UUID, tenantKey string) (job.Job, error) {
	query := `SELECT id, status, priority, queue, tenant_key, input_uri, output_uri,
		operations, options, progress, stage, fps, eta_seconds, quality, worker_id,
		created_at, started_at, completed_at, error_message, retry_count,
		webhook_url, webhook_events, batch_id, batch_index
		FROM jobs WHERE id=$1`
	args := []interface{}{id}
	if tenantKey != "" {
		query += " AND tenant_key=$2"
		args = append(args, tenantKey)
	}
	row := s.pool.QueryRow(ctx, query, args...)
	j, err := scanJob(row)
	if err != nil {
		if err == pgx.ErrNoRows {
			return job.Job{}, mediaerr.NotFound("job not found")
		}
		return job.Job{}, mediaerr.Internal("get job", err)
	}
	return j, nil
}

// ListFilter bounds a ListByTenant query.
type ListFilter struct {
	TenantKey string
	Status    *job.Status
	SortBy    string // whitelisted: created_at, priority, status
	Page      int
	PageSize  int
}

var sortWhitelist = map[string]bool{"created_at": true, "priority": true, "status": true}

const maxPageSize = 200

// ListByTenant returns a page of jobs owned by a tenant, optionally
// filtered by status, sorted by a whitelisted field.
func (s *Store) ListByTenant(ctx context.Context, f ListFilter) ([]job.Job, error) {
	sortBy := f.SortBy
	if sortBy == "" || !sortWhitelist[sortBy] {
		sortBy = "created_at"
	}
	pageSize := f.PageSize
	if pageSize <= 0 || pageSize > maxPageSize {
		pageSize = maxPageSize
	}
	page := f.Page
	if page < 0 {
		page = 0
	}

	query := fmt.Sprintf(`SELECT id, status, priority, queue, tenant_key, input_uri, output_uri,
		operations, options, progress, stage, fps, eta_seconds, quality, worker_id,
		created_at, started_at, completed_at, error_message, retry_count,
		webhook_url, webhook_events, batch_id, batch_index
		FROM jobs WHERE tenant_key=$1`)
	args := []interface{}{f.TenantKey}
	if f.Status != nil {
		query += " AND status=$2"
		args = append(args, *f.Status)
	}
	query += fmt.Sprintf(" ORDER BY %s DESC LIMIT %d OFFSET %d", sortBy, pageSize, page*pageSize)

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, mediaerr.Internal("list jobs", err)
	}
	defer rows.Close()

	var out []job.Job
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, mediaerr.Internal("scan job row", err)
		}
		out = append(out, j)
	}
	return out, rows.Err()
}

// CountNonTerminal returns the count of a tenant's non-terminal jobs, used
// to reconcile the scheduler's in-memory/Redis counter at startup.
func (s *Store) CountNonTerminal(ctx context.Context, tenantKey string) (int64, error) {
	var n int64
	err := s.pool.QueryRow(ctx, `SELECT count(*) FROM jobs WHERE tenant_key=$1 AND status IN ($2,$3)`,
		tenantKey, job.StatusQueued, job.StatusProcessing).Scan(&n)
	if err != nil {
		return 0, mediaerr.Internal("count non-terminal jobs", err)
	}
	return n, nil
}

// Cleanup removes terminal-state jobs older than retention. In dry-run
// mode it reports the rows that would be removed without deleting them.
func (s *Store) Cleanup(ctx context.Context, retention time.Duration, dryRun bool) (int64, error) {
	cutoff := time.Now().UTC().Add(-retention)
	if dryRun {
		var n int64
		err := s.pool.QueryRow(ctx, `SELECT count(*) FROM jobs
			WHERE status IN ($1,$2,$3) AND completed_at < $4`,
			job.StatusCompleted, job.StatusFailed, job.StatusCancelled, cutoff).Scan(&n)
		if err != nil {
			return 0, mediaerr.Internal("cleanup dry-run count", err)
		}
		return n, nil
	}
	tag, err := s.pool.Exec(ctx, `DELETE FROM jobs
		WHERE status IN ($1,$2,$3) AND completed_at < $4`,
		job.StatusCompleted, job.StatusFailed, job.StatusCancelled, cutoff)
	if err != nil {
		return 0, mediaerr.Internal("cleanup delete", err)
	}
	return tag.RowsAffected(), nil
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanJob(row rowScanner) (job.Job, error) {
	var j job.Job
	var opsJSON, optsJSON, webhookEventsJSON, qualityJSON []byte
	var workerID, errorMessage, webhookURL *string
	var fps, eta *float64

	err := row.Scan(
		&j.ID, &j.Status, &j.Priority, &j.Queue, &j.TenantKey, &j.InputURI, &j.OutputURI,
		&opsJSON, &optsJSON, &j.Progress, &j.Stage, &fps, &eta, &qualityJSON, &workerID,
		&j.CreatedAt, &j.StartedAt, &j.CompletedAt, &errorMessage, &j.RetryCount,
		&webhookURL, &webhookEventsJSON, &j.BatchID, &j.BatchIndex,
	)
	if err != nil {
		return job.Job{}, err
	}
	if workerID != nil {
		j.WorkerID = *workerID
	}
	if errorMessage != nil {
		j.ErrorMessage = *errorMessage
	}
	if webhookURL != nil {
		j.WebhookURL = *webhookURL
	}
	j.FPS = fps
	j.ETASeconds = eta

	if len(opsJSON) > 0 {
		ops, err := job.DecodeOperations(opsJSON)
		if err != nil {
			return job.Job{}, err
		}
		j.Operations = ops
	}
	if len(optsJSON) > 0 {
		_ = json.Unmarshal(optsJSON, &j.Options)
	}
	if len(webhookEventsJSON) > 0 {
		_ = json.Unmarshal(webhookEventsJSON, &j.WebhookEvents)
	}
	if len(qualityJSON) > 0 {
		var q job.Quality
		if err := json.Unmarshal(qualityJSON, &q); err == nil {
			j.Quality = &q
		}
	}
	return j, nil
}
