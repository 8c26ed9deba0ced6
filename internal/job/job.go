// Package job defines the central Job/Operation/Batch data model shared by
// the validator, command builder, scheduler, worker, and job store.
package job

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Status is one of the five lifecycle states a Job passes through.
type Status string

const (
	StatusQueued     Status = "queued"
	StatusProcessing Status = "processing"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
	StatusCancelled  Status = "cancelled"
)

// Terminal reports whether s is one of the three terminal states. Terminal
// transitions are one-way: a job never returns to queued or processing.
func (s Status) Terminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusCancelled:
		return true
	default:
		return false
	}
}

// Priority affects dispatch order only, never correctness.
type Priority string

const (
	PriorityLow    Priority = "low"
	PriorityNormal Priority = "normal"
	PriorityHigh   Priority = "high"
)

// Queue is a named dispatch stream carrying worker affinity.
type Queue string

const (
	QueueDefault   Queue = "default"
	QueueAnalysis  Queue = "analysis"
	QueueStreaming Queue = "streaming"
)

// OperationType enumerates the closed set of recognized operation kinds.
type OperationType string

const (
	OpTranscode  OperationType = "transcode"
	OpTrim       OperationType = "trim"
	OpWatermark  OperationType = "watermark"
	OpFilter     OperationType = "filter"
	OpScale      OperationType = "scale"
	OpCrop       OperationType = "crop"
	OpRotate     OperationType = "rotate"
	OpFlip       OperationType = "flip"
	OpAudio      OperationType = "audio"
	OpSubtitle   OperationType = "subtitle"
	OpThumbnail  OperationType = "thumbnail"
	OpConcat     OperationType = "concat"
	OpStream     OperationType = "stream"
)

// OperationParams is implemented by exactly one params struct per
// OperationType. It exists purely to let Operation carry a closed,
// type-switchable payload instead of a loosely-typed map.
type OperationParams interface {
	opType() OperationType
}

// Operation is a tagged union: {type, params}. The Validator is the sole
// producer of Operation values from untrusted input; the Command Builder
// type-switches on Params and returns an internal error for an unhandled
// params type.
type Operation struct {
	Type   OperationType   `json:"type"`
	Params OperationParams `json:"params"`
}

// RawOperation is the untrusted, loosely-typed shape a submission arrives
// in, before Canonicalize has validated and typed it.
type RawOperation map[string]interface{}

// MarshalJSON flattens Operation back into {"type": ..., <params fields>...}
// so the persisted/returned JSON shape matches what was submitted.
func (o Operation) MarshalJSON() ([]byte, error) {
	paramsJSON, err := json.Marshal(o.Params)
	if err != nil {
		return nil, err
	}
	var flat map[string]interface{}
	if err := json.Unmarshal(paramsJSON, &flat); err != nil {
		return nil, err
	}
	if flat == nil {
		flat = map[string]interface{}{}
	}
	flat["type"] = string(o.Type)
	return json.Marshal(flat)
}

// Options carries output-global settings: container format, metadata, and
// thread/two-pass knobs that apply to the whole job rather than one
// operation.
type Options struct {
	Container     string            `json:"container,omitempty"`
	Metadata      map[string]string `json:"metadata,omitempty"`
	Threads       int               `json:"threads,omitempty"`
	TwoPass       bool              `json:"two_pass,omitempty"`
	AllowLossless bool              `json:"allow_lossless,omitempty"`
}

// Quality holds optional post-run perceptual quality scores.
type Quality struct {
	VMAF *float64 `json:"vmaf,omitempty"`
	PSNR *float64 `json:"psnr,omitempty"`
	SSIM *float64 `json:"ssim,omitempty"`
}

// WebhookEvent is one of the event kinds a job may subscribe to.
type WebhookEvent string

const (
	WebhookStart    WebhookEvent = "start"
	WebhookProgress WebhookEvent = "progress"
	WebhookComplete WebhookEvent = "complete"
	WebhookError    WebhookEvent = "error"
)

// Job is the central entity: see invariants I1-I6 in the data model.
type Job struct {
	ID         uuid.UUID  `json:"id"`
	Status     Status     `json:"status"`
	Priority   Priority   `json:"priority"`
	Queue      Queue      `json:"queue"`
	TenantKey  string     `json:"tenant_key"`
	InputURI   string     `json:"input_uri"`
	OutputURI  string     `json:"output_uri"`
	Operations []Operation `json:"operations"`
	Options    Options    `json:"options"`

	Progress   float64 `json:"progress"`
	Stage      string  `json:"stage"`
	FPS        *float64 `json:"fps,omitempty"`
	ETASeconds *float64 `json:"eta_seconds,omitempty"`
	Quality    *Quality `json:"quality,omitempty"`

	WorkerID string `json:"worker_id,omitempty"`

	CreatedAt   time.Time  `json:"created_at"`
	StartedAt   *time.Time `json:"started_at,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`

	ErrorMessage string `json:"error_message,omitempty"`
	RetryCount   int    `json:"retry_count"`

	WebhookURL    string         `json:"webhook_url,omitempty"`
	WebhookEvents []WebhookEvent `json:"webhook_events,omitempty"`

	BatchID    *uuid.UUID `json:"batch_id,omitempty"`
	BatchIndex *int       `json:"batch_index,omitempty"`
}

// New constructs a Job in the queued state with a fresh identifier. The
// caller must have already run the operations through Canonicalize.
func New(tenantKey, inputURI, outputURI string, priority Priority, queue Queue, ops []Operation, opts Options) Job {
	return Job{
		ID:         uuid.New(),
		Status:     StatusQueued,
		Priority:   priority,
		Queue:      queue,
		TenantKey:  tenantKey,
		InputURI:   inputURI,
		OutputURI:  outputURI,
		Operations: ops,
		Options:    opts,
		Progress:   0,
		Stage:      "queued",
		CreatedAt:  time.Now().UTC(),
	}
}

// Validate checks the invariants that must hold for any Job value taken
// from storage or about to be persisted. It does not re-run operation
// validation; that is the Validator's job.
func (j Job) Validate() error {
	if j.ID == uuid.Nil {
		return fmt.Errorf("job: id must not be nil")
	}
	if j.Status.Terminal() && j.CompletedAt == nil {
		return fmt.Errorf("job %s: terminal status %s requires completed_at", j.ID, j.Status)
	}
	if !j.Status.Terminal() && j.CompletedAt != nil {
		return fmt.Errorf("job %s: non-terminal status %s must not have completed_at", j.ID, j.Status)
	}
	if (j.WorkerID != "") != (j.Status == StatusProcessing) {
		return fmt.Errorf("job %s: worker_id set iff status=processing", j.ID)
	}
	if j.Progress == 100 && j.Status != StatusCompleted {
		return fmt.Errorf("job %s: progress=100 requires status=completed", j.ID)
	}
	if j.Status == StatusCompleted && j.Progress != 100 {
		return fmt.Errorf("job %s: status=completed requires progress=100", j.ID)
	}
	return nil
}

// BatchStatus is the computed aggregate status of a set of jobs sharing a
// batch_id. There is no separate persistent Batch record.
type BatchStatus string

const (
	BatchQueued         BatchStatus = "queued"
	BatchProcessing     BatchStatus = "processing"
	BatchCompleted      BatchStatus = "completed"
	BatchFailed         BatchStatus = "failed"
	BatchPartialSuccess BatchStatus = "partial_success"
)

// ComputeBatchStatus derives a batch's status from its member jobs'
// statuses, per spec.md §4.6.
func ComputeBatchStatus(jobs []Job) BatchStatus {
	if len(jobs) == 0 {
		return BatchQueued
	}
	allCompleted, allFailed, anyNonTerminal, mixedTerminal := true, true, false, false
	seenTerminalKind := map[Status]bool{}
	for _, j := range jobs {
		if !j.Status.Terminal() {
			anyNonTerminal = true
		} else {
			seenTerminalKind[j.Status] = true
		}
		if j.Status != StatusCompleted {
			allCompleted = false
		}
		if j.Status != StatusFailed {
			allFailed = false
		}
	}
	if allCompleted {
		return BatchCompleted
	}
	if allFailed {
		return BatchFailed
	}
	if anyNonTerminal {
		return BatchProcessing
	}
	mixedTerminal = len(seenTerminalKind) > 1
	if mixedTerminal {
		return BatchPartialSuccess
	}
	return BatchPartialSuccess
}
