// Package api implements the HTTP collaborator boundary (spec.md §6): the
// surface other systems use to submit, inspect, stream, and cancel jobs.
// It is deliberately thin — every handler's job is to parse the request,
// call into the Validator/Scheduler/Job Store/Event Fan-out, and translate
// the result, never to hold business logic of its own. Routing follows the
// teacher's admin-api package (http.ServeMux + method-gated handlers),
// swapped to gorilla/mux for path-parameter extraction ({id} segments).
package api

import (
	"context"
	"net/http"
	"strconv"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"go.uber.org/zap"

	"github.com/jamesross/mediaforge/internal/config"
	"github.com/jamesross/mediaforge/internal/eventhooks"
	"github.com/jamesross/mediaforge/internal/job"
	"github.com/jamesross/mediaforge/internal/store"
)

// Store is the narrow slice of store.Store the API needs.
type Store interface {
	Submit(ctx context.Context, j job.Job) error
	Get(ctx context.Context, id uuid.UUID, tenantKey string) (job.Job, error)
	ListByTenant(ctx context.Context, f store.ListFilter) ([]job.Job, error)
	Delete(ctx context.Context, id uuid.UUID) error
}

// Scheduler is the narrow slice of scheduler.Scheduler the API needs.
type Scheduler interface {
	Enqueue(ctx context.Context, j job.Job) error
	SubmitBatch(ctx context.Context, jobs []job.Job) (uuid.UUID, error)
	CancelQueued(ctx context.Context, jobID uuid.UUID) (bool, error)
}

// RunningCanceller is the narrow slice of scheduler.RunningCanceller the
// API needs.
type RunningCanceller interface {
	CancelRunning(jobID uuid.UUID) bool
}

// Server holds the handler dependencies, all injected so handlers can be
// exercised against fakes in tests without a live Postgres/Redis.
type Server struct {
	cfg       *config.Config
	store     Store
	sched     Scheduler
	canceller RunningCanceller
	sse       *eventhooks.SSEHandler
	log       *zap.Logger
}

func NewServer(cfg *config.Config, st Store, sched Scheduler, canceller RunningCanceller, sse *eventhooks.SSEHandler, log *zap.Logger) *Server {
	return &Server{cfg: cfg, store: st, sched: sched, canceller: canceller, sse: sse, log: log}
}

// Router builds the full route table.
func (s *Server) Router() http.Handler {
	r := mux.NewRouter()
	r.HandleFunc("/convert", s.Convert).Methods(http.MethodPost)
	r.HandleFunc("/batch", s.Batch).Methods(http.MethodPost)
	r.HandleFunc("/jobs/{id}/events", s.Events).Methods(http.MethodGet)
	r.HandleFunc("/jobs/{id}", s.GetJob).Methods(http.MethodGet)
	r.HandleFunc("/jobs/{id}", s.CancelJob).Methods(http.MethodDelete)
	r.HandleFunc("/jobs", s.ListJobs).Methods(http.MethodGet)
	return r
}

func pathID(r *http.Request) (uuid.UUID, error) {
	return uuid.Parse(mux.Vars(r)["id"])
}

// listFilterFromQuery translates GET /jobs's query parameters into a
// store.ListFilter. Unrecognized or out-of-range values fall back to the
// store's own defaults rather than erroring, since pagination/sort are
// conveniences, not contract.
func listFilterFromQuery(q map[string][]string, tenantKey string) store.ListFilter {
	get := func(k string) string {
		if v, ok := q[k]; ok && len(v) > 0 {
			return v[0]
		}
		return ""
	}
	f := store.ListFilter{TenantKey: tenantKey, SortBy: get("sort_by")}
	if v := get("status"); v != "" {
		st := job.Status(v)
		f.Status = &st
	}
	if v := get("page"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			f.Page = n
		}
	}
	if v := get("page_size"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			f.PageSize = n
		}
	}
	return f
}
