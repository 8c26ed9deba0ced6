// Copyright 2025 James Ross
package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/jamesross/mediaforge/internal/job"
	"github.com/jamesross/mediaforge/internal/mediaerr"
	"github.com/jamesross/mediaforge/internal/obs"
	"github.com/jamesross/mediaforge/internal/validate"
)

// buildJob runs a ConvertRequest through the validator and returns the
// queued-state Job it canonicalizes to. It performs no I/O.
func (s *Server) buildJob(req ConvertRequest) (job.Job, error) {
	if req.TenantKey == "" {
		return job.Job{}, mediaerr.Validation("tenant_key", "tenant_key is required")
	}
	if req.InputURI == "" || req.OutputURI == "" {
		return job.Job{}, mediaerr.Validation("input_uri/output_uri", "input_uri and output_uri are required")
	}
	if err := validate.ScreenWebhookURL(req.WebhookURL); err != nil {
		return job.Job{}, err
	}
	ops, err := validate.Canonicalize(req.Operations, req.Options.Container, validate.Options{MaxOperations: s.cfg.Validation.MaxOperations})
	if err != nil {
		return job.Job{}, err
	}
	priority := req.Priority
	if priority == "" {
		priority = job.PriorityNormal
	}
	queue := req.Queue
	if queue == "" {
		queue = job.QueueDefault
	}
	j := job.New(req.TenantKey, req.InputURI, req.OutputURI, priority, queue, ops, req.Options)
	j.WebhookURL = req.WebhookURL
	j.WebhookEvents = req.WebhookEvents
	return j, nil
}

func (s *Server) resourceURL(id uuid.UUID) string {
	return fmt.Sprintf("/jobs/%s", id)
}

// Convert handles POST /convert: Validator then Job Store insert then
// Scheduler.enqueue, rolling the insert back on enqueue failure so submit
// is transactional end to end (spec.md §7).
func (s *Server) Convert(w http.ResponseWriter, r *http.Request) {
	var req ConvertRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeErr(w, mediaerr.Validation("body", "malformed JSON"))
		return
	}
	j, err := s.buildJob(req)
	if err != nil {
		writeErr(w, err)
		return
	}
	if err := s.submitOne(r.Context(), j); err != nil {
		writeErr(w, err)
		return
	}
	s.logReq(r, "job submitted", obs.String("job_id", j.ID.String()), obs.String("tenant_key", j.TenantKey))
	writeJSON(w, http.StatusCreated, ConvertResponse{JobID: j.ID, URL: s.resourceURL(j.ID)})
}

// submitOne persists j to the Job Store and enqueues it on the Scheduler,
// deleting the just-inserted row if the enqueue fails.
func (s *Server) submitOne(ctx context.Context, j job.Job) error {
	if err := s.store.Submit(ctx, j); err != nil {
		return err
	}
	if err := s.sched.Enqueue(ctx, j); err != nil {
		if delErr := s.store.Delete(ctx, j.ID); delErr != nil {
			s.log.Error("rollback delete failed after enqueue failure",
				obs.String("job_id", j.ID.String()), obs.Err(delErr))
		}
		return err
	}
	return nil
}

// Batch handles POST /batch: every job is validated before any is
// persisted (all-or-nothing), a shared batch id is assigned, and each job
// is submitted in order. If any step fails partway through, the jobs
// already submitted in this batch are rolled back so a partial batch never
// lands (spec.md §6 "all-or-nothing on the whole batch").
func (s *Server) Batch(w http.ResponseWriter, r *http.Request) {
	var req BatchRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeErr(w, mediaerr.Validation("body", "malformed JSON"))
		return
	}
	if len(req.Jobs) == 0 {
		writeErr(w, mediaerr.Validation("jobs", "batch must contain at least one job"))
		return
	}

	jobs := make([]job.Job, 0, len(req.Jobs))
	for i, jr := range req.Jobs {
		j, err := s.buildJob(jr)
		if err != nil {
			writeErr(w, fmt.Errorf("jobs[%d]: %w", i, err))
			return
		}
		jobs = append(jobs, j)
	}

	ctx := r.Context()
	for i := range jobs {
		if err := s.store.Submit(ctx, jobs[i]); err != nil {
			s.rollback(ctx, jobs[:i])
			writeErr(w, err)
			return
		}
	}

	batchID, err := s.sched.SubmitBatch(ctx, jobs)
	if err != nil {
		s.rollback(ctx, jobs)
		writeErr(w, mediaerr.EnqueueFailed("batch enqueue failed", err))
		return
	}

	resp := BatchResponse{BatchID: batchID, Jobs: make([]ConvertResponse, len(jobs))}
	for i, j := range jobs {
		resp.Jobs[i] = ConvertResponse{JobID: j.ID, URL: s.resourceURL(j.ID)}
	}
	writeJSON(w, http.StatusCreated, resp)
}

// rollback deletes every already-inserted job row, best-effort, logging
// (never returning) failures — the caller is already on its own error
// path and has nothing useful to do with a second error.
func (s *Server) rollback(ctx context.Context, jobs []job.Job) {
	for _, j := range jobs {
		if err := s.store.Delete(ctx, j.ID); err != nil {
			s.log.Error("batch rollback delete failed", obs.String("job_id", j.ID.String()), obs.Err(err))
		}
	}
}

// GetJob handles GET /jobs/{id}.
func (s *Server) GetJob(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		writeErr(w, mediaerr.Validation("id", "invalid job id"))
		return
	}
	tenantKey := r.URL.Query().Get("tenant_key")
	j, err := s.store.Get(r.Context(), id, tenantKey)
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, j)
}

// ListJobs handles GET /jobs: a paginated, tenant-scoped listing.
func (s *Server) ListJobs(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	tenantKey := q.Get("tenant_key")
	if tenantKey == "" {
		writeErr(w, mediaerr.Validation("tenant_key", "tenant_key is required"))
		return
	}
	f := listFilterFromQuery(q, tenantKey)
	jobs, err := s.store.ListByTenant(r.Context(), f)
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, ListResponse{Jobs: jobs, Page: f.Page, PageSize: f.PageSize})
}

// CancelJob handles DELETE /jobs/{id}: tries cancel_queued first, falling
// back to cancel_running. Re-cancelling an already-terminal job is a
// no-op, not an error (spec.md §8).
func (s *Server) CancelJob(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		writeErr(w, mediaerr.Validation("id", "invalid job id"))
		return
	}
	tenantKey := r.URL.Query().Get("tenant_key")
	j, err := s.store.Get(r.Context(), id, tenantKey)
	if err != nil {
		writeErr(w, err)
		return
	}
	if j.Status.Terminal() {
		writeJSON(w, http.StatusOK, CancelResponse{Cancelled: false, Status: string(j.Status)})
		return
	}

	removed, err := s.sched.CancelQueued(r.Context(), id)
	if err != nil {
		writeErr(w, err)
		return
	}
	if removed {
		writeJSON(w, http.StatusOK, CancelResponse{Cancelled: true, Status: "cancel_queued"})
		return
	}

	signalled := s.canceller.CancelRunning(id)
	status := "not_running"
	if signalled {
		status = "cancel_running"
	}
	writeJSON(w, http.StatusOK, CancelResponse{Cancelled: signalled, Status: status})
}

// Events handles GET /jobs/{id}/events, delegating to the SSE handler.
func (s *Server) Events(w http.ResponseWriter, r *http.Request) {
	s.sse.ServeHTTP(w, r)
}

func (s *Server) logReq(r *http.Request, msg string, fields ...zap.Field) {
	s.log.Info(msg, append([]zap.Field{obs.String("method", r.Method), obs.String("path", r.URL.Path)}, fields...)...)
}
