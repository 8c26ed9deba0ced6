// Copyright 2025 James Ross
package eventhooks

import (
	"time"

	"github.com/google/uuid"

	"github.com/jamesross/mediaforge/internal/job"
)

// EventType is the kind of job lifecycle event delivered to SSE
// subscribers and webhook endpoints.
type EventType string

const (
	EventProgress  EventType = "progress"
	EventCompleted EventType = "completed"
	EventFailed    EventType = "failed"
	EventCancelled EventType = "cancelled"
)

// webhookEventFor maps an internal EventType onto the job's subscribed
// WebhookEvent vocabulary (the `{start, progress, complete, error}` set).
func webhookEventFor(e EventType) job.WebhookEvent {
	switch e {
	case EventProgress:
		return job.WebhookProgress
	case EventCompleted:
		return job.WebhookComplete
	case EventFailed, EventCancelled:
		return job.WebhookError
	default:
		return ""
	}
}

// subscribed reports whether j opted into webhook delivery for e.
func subscribed(j job.Job, e EventType) bool {
	if j.WebhookURL == "" {
		return false
	}
	want := webhookEventFor(e)
	for _, ev := range j.WebhookEvents {
		if ev == want {
			return true
		}
	}
	return false
}

// JobEvent is the wire shape delivered to both SSE subscribers and
// webhook endpoints: a small, stable snapshot of a job's state at the
// moment the event fired, not the full Job record.
type JobEvent struct {
	Event      EventType  `json:"event"`
	Timestamp  time.Time  `json:"timestamp"`
	JobID      uuid.UUID  `json:"job_id"`
	TenantKey  string     `json:"tenant_key"`
	Status     job.Status `json:"status"`
	Progress   float64    `json:"progress"`
	Stage      string     `json:"stage"`
	FPS        *float64   `json:"fps,omitempty"`
	ETASeconds *float64   `json:"eta_seconds,omitempty"`
	Error      string     `json:"error,omitempty"`
}

func newJobEvent(e EventType, j job.Job) JobEvent {
	return JobEvent{
		Event:      e,
		Timestamp:  time.Now(),
		JobID:      j.ID,
		TenantKey:  j.TenantKey,
		Status:     j.Status,
		Progress:   j.Progress,
		Stage:      j.Stage,
		FPS:        j.FPS,
		ETASeconds: j.ETASeconds,
		Error:      j.ErrorMessage,
	}
}

func eventForStatus(status job.Status) EventType {
	switch status {
	case job.StatusCompleted:
		return EventCompleted
	case job.StatusCancelled:
		return EventCancelled
	default:
		return EventFailed
	}
}
