// Copyright 2025 James Ross
package api

import (
	"github.com/google/uuid"

	"github.com/jamesross/mediaforge/internal/job"
)

// ConvertRequest is the body of POST /convert.
type ConvertRequest struct {
	TenantKey     string             `json:"tenant_key"`
	InputURI      string             `json:"input_uri"`
	OutputURI     string             `json:"output_uri"`
	Operations    []job.RawOperation `json:"operations"`
	Options       job.Options        `json:"options"`
	Priority      job.Priority       `json:"priority"`
	Queue         job.Queue          `json:"queue"`
	WebhookURL    string             `json:"webhook_url,omitempty"`
	WebhookEvents []job.WebhookEvent `json:"webhook_events,omitempty"`
}

// ConvertResponse is returned by POST /convert and each member of a batch.
type ConvertResponse struct {
	JobID uuid.UUID `json:"job_id"`
	URL   string    `json:"url"`
}

// BatchRequest is the body of POST /batch: a list of otherwise-independent
// convert requests that share a batch_id once accepted.
type BatchRequest struct {
	Jobs []ConvertRequest `json:"jobs"`
}

// BatchResponse reports the shared batch id and the per-job ids in
// submission order.
type BatchResponse struct {
	BatchID uuid.UUID         `json:"batch_id"`
	Jobs    []ConvertResponse `json:"jobs"`
}

// JobResponse is the wire shape of a single Job, returned by GET /jobs/{id}
// and as an element of the GET /jobs listing.
type JobResponse struct {
	job.Job
	BatchStatus job.BatchStatus `json:"batch_status,omitempty"`
}

// ListResponse is the body of GET /jobs.
type ListResponse struct {
	Jobs     []job.Job `json:"jobs"`
	Page     int       `json:"page"`
	PageSize int       `json:"page_size"`
}

// CancelResponse reports which cancellation path (queued vs running) took
// effect, if any.
type CancelResponse struct {
	Cancelled bool   `json:"cancelled"`
	Status    string `json:"status"`
}

// errorResponse is the wire shape of every non-2xx response.
type errorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code"`
	Field string `json:"field,omitempty"`
}
