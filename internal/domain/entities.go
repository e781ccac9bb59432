// Package domain holds the core entities and ports of the batch
// inference orchestrator. Adapters (Postgres catalog, filestore, engine,
// GPU probe) implement the ports; usecases and the worker depend only on
// this package.
package domain

import (
	"context"
	"errors"
	"time"
)

// Error taxonomy (sentinels)
var (
	ErrInvalidInput      = errors.New("invalid input")
	ErrQueueFull         = errors.New("queue full")
	ErrCapacityExhausted = errors.New("capacity exhausted")
	ErrGPUUnhealthy      = errors.New("gpu unhealthy")
	ErrWorkerUnavailable = errors.New("worker unavailable")
	ErrNotFound          = errors.New("not found")
	ErrConflict          = errors.New("conflict")
	ErrAlreadyRetried    = errors.New("already retried")
	ErrInternal          = errors.New("internal error")
)

// Stable error kinds exposed in the API, FailedRequest rows and webhook
// dead letters. These strings are part of the external contract.
const (
	KindInvalidInput          = "invalid_input"
	KindQueueFull             = "queue_full"
	KindCapacityExhausted     = "capacity_exhausted"
	KindGPUUnhealthy          = "gpu_unhealthy"
	KindWorkerUnavailable     = "worker_unavailable"
	KindModelLoadFailed       = "model_load_failed"
	KindEngineFailure         = "engine_failure"
	KindRequestFailed         = "request_failed"
	KindCancelled             = "cancelled"
	KindWebhookDeliveryFailed = "webhook_delivery_failed"
	KindAlreadyRetried        = "already_retried"
)

// JobStatus enumerates batch job lifecycle states.
type JobStatus string

const (
	JobValidating JobStatus = "validating"
	JobPending    JobStatus = "pending"
	JobInProgress JobStatus = "in_progress"
	JobCompleted  JobStatus = "completed"
	JobFailed     JobStatus = "failed"
	JobCancelled  JobStatus = "cancelled"
	JobExpired    JobStatus = "expired"
)

// Terminal reports whether the status is a sink in the lifecycle DAG.
func (s JobStatus) Terminal() bool {
	switch s {
	case JobCompleted, JobFailed, JobCancelled, JobExpired:
		return true
	}
	return false
}

// CanTransition reports whether from->to is an edge of the allowed
// lifecycle DAG. Terminal states never transition; expiry is reachable
// only from non-terminal, non-running states.
func CanTransition(from, to JobStatus) bool {
	if from.Terminal() {
		return false
	}
	switch from {
	case JobValidating:
		return to == JobPending || to == JobExpired
	case JobPending:
		return to == JobInProgress || to == JobCancelled || to == JobExpired
	case JobInProgress:
		return to == JobCompleted || to == JobFailed
	}
	return false
}

// Webhook event names; the set is closed and anything else is rejected
// at admission.
const (
	EventCompleted = "completed"
	EventFailed    = "failed"
	EventProgress  = "progress"
)

// ValidWebhookEvent reports membership in the closed event set.
func ValidWebhookEvent(e string) bool {
	return e == EventCompleted || e == EventFailed || e == EventProgress
}

// WebhookConfig is the per-job webhook delivery configuration. A nil
// Events slice means all events.
type WebhookConfig struct {
	URL      string
	Secret   string
	Events   []string
	Retries  int
	TimeoutS int
}

// WantsEvent reports whether the configuration subscribes to the event.
func (w WebhookConfig) WantsEvent(event string) bool {
	if len(w.Events) == 0 {
		return true
	}
	for _, e := range w.Events {
		if e == event {
			return true
		}
	}
	return false
}

// BatchJob is a client-submitted collection of inference requests
// sharing one model.
//
// Invariants: CompletedRequests+FailedRequests <= TotalRequests;
// OutputFileID is set once, on the first result append, and never
// rewritten; at most one job per host is in_progress.
type BatchJob struct {
	ID                string
	Model             string
	InputFileID       string
	OutputFileID      string
	Status            JobStatus
	ErrorKind         string
	TotalRequests     int
	CompletedRequests int
	FailedRequests    int
	CreatedAt         time.Time
	StartedAt         *time.Time
	CompletedAt       *time.Time
	ExpiresAt         time.Time
	Webhook           *WebhookConfig
	Metadata          map[string]string
}

// FailedRequest is an append-only record of a per-request engine error.
type FailedRequest struct {
	JobID        string
	CustomID     string
	ErrorKind    string
	ErrorMessage string
	RetryCount   int
	CreatedAt    time.Time
}

// HeartbeatStatus enumerates worker states surfaced via the heartbeat row.
type HeartbeatStatus string

const (
	WorkerIdle      HeartbeatStatus = "idle"
	WorkerLoading   HeartbeatStatus = "loading"
	WorkerRunning   HeartbeatStatus = "running"
	WorkerUnloading HeartbeatStatus = "unloading"
)

// WorkerHeartbeat is the single liveness row per host. LastSeen is
// monotonically non-decreasing for readers.
type WorkerHeartbeat struct {
	HostID           string
	Status           HeartbeatStatus
	CurrentJobID     string
	LoadedModel      string
	GPUMemoryPercent *float64
	GPUTemperatureC  *float64
	LastSeen         time.Time
}

// Fresh reports whether the heartbeat was updated within the deadline.
func (h WorkerHeartbeat) Fresh(now time.Time, deadline time.Duration) bool {
	return !h.LastSeen.IsZero() && now.Sub(h.LastSeen) <= deadline
}

// WebhookDeadLetter records a webhook delivery that exhausted all
// retries. Payload holds the exact bytes of the final attempt so that a
// manual re-drive can resend them verbatim.
type WebhookDeadLetter struct {
	ID            int64
	JobID         string
	URL           string
	Event         string
	Payload       []byte
	ErrorMessage  string
	AttemptCount  int
	RetrySuccess  bool
	Forced        bool
	CreatedAt     time.Time
	LastRetriedAt *time.Time
}

// ChatMessage is one OpenAI-shaped chat message.
type ChatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Sampling carries the request-level sampling knobs forwarded to the
// engine.
type Sampling struct {
	MaxTokens   int
	Temperature *float64
	TopP        *float64
}

// Prompt is one element of a Generate call.
type Prompt struct {
	CustomID string
	Model    string
	Messages []ChatMessage
	Sampling Sampling
}

// RequestError is a per-request engine error that does not abort the
// chunk.
type RequestError struct {
	Kind    string
	Message string
}

// Completion is the engine's answer for one prompt; Err is set instead
// of Content when the prompt failed individually.
type Completion struct {
	CustomID         string
	Content          string
	PromptTokens     int
	CompletionTokens int
	Err              *RequestError
}

// GPUHealth is a best-effort snapshot from the GPU probe.
type GPUHealth struct {
	MemoryPercent      float64
	UtilizationPercent float64
	TemperatureC       float64
	FreeBytes          int64
}

// FileInfo describes a stored input or output file.
type FileInfo struct {
	ID        string
	Bytes     int64
	Purpose   string
	CreatedAt time.Time
}

// Context is an alias so the domain does not import std context at every
// call site; adapters and usecases pass context.Context through.
type Context = context.Context
