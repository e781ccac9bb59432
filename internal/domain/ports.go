package domain

import (
	"io"
	"time"
)

// StatusStamp carries the timestamps and error kind written alongside a
// status CAS.
type StatusStamp struct {
	StartedAt   *time.Time
	CompletedAt *time.Time
	ErrorKind   string
}

// AdmissionCaps are the queue limits checked transactionally with the
// pending insert.
type AdmissionCaps struct {
	MaxQueueDepth          int
	MaxTotalQueuedRequests int
}

// JobRepository is the catalog port for batch jobs.
//
// CasStatus is serialised per job: two workers can never both promote the
// same row. InsertAdmitted checks the caps and inserts in one
// transaction so that no partial admit is observable.
type JobRepository interface {
	InsertAdmitted(ctx Context, j BatchJob, caps AdmissionCaps) error
	Get(ctx Context, id string) (BatchJob, error)
	List(ctx Context, status string, limit int) ([]BatchJob, error)
	CasStatus(ctx Context, id string, from, to JobStatus, stamp StatusStamp) (bool, error)
	IncrementCounters(ctx Context, id string, completedDelta, failedDelta int) error
	SetOutputFile(ctx Context, id, fileID string) error
	NextPending(ctx Context) (BatchJob, error)
	RunningJob(ctx Context) (BatchJob, error)
	QueueDepth(ctx Context) (int, error)
	QueuedRequestTotal(ctx Context) (int, error)
	QueuePosition(ctx Context, id string) (int, error)
	ExpireOverdue(ctx Context, now time.Time) (int, error)
}

// FailedRequestRepository persists per-request engine errors.
type FailedRequestRepository interface {
	Insert(ctx Context, fr FailedRequest) error
	ListByJob(ctx Context, jobID string) ([]FailedRequest, error)
}

// HeartbeatRepository persists the single worker liveness row per host.
// Heartbeat writes must never block job CAS transactions.
type HeartbeatRepository interface {
	Upsert(ctx Context, hb WorkerHeartbeat) error
	Get(ctx Context, hostID string) (WorkerHeartbeat, error)
	Latest(ctx Context) (WorkerHeartbeat, error)
}

// DeadLetterRepository persists exhausted webhook deliveries.
type DeadLetterRepository interface {
	Insert(ctx Context, dl WebhookDeadLetter) (int64, error)
	Get(ctx Context, id int64) (WebhookDeadLetter, error)
	List(ctx Context, limit int) ([]WebhookDeadLetter, error)
	MarkRetried(ctx Context, id int64, success, forced bool, at time.Time) error
}

// FileStore is the content store port. Inputs are immutable once stored;
// outputs are append-only and flushed before the executor advances its
// cursor.
type FileStore interface {
	PutInput(ctx Context, r io.Reader) (FileInfo, error)
	OpenInput(ctx Context, id string) (io.ReadCloser, error)
	StatInput(ctx Context, id string) (FileInfo, error)
	AppendOutput(ctx Context, jobID string, lines [][]byte) error
	OpenOutput(ctx Context, jobID string) (io.ReadCloser, error)
	CountOutputLines(ctx Context, jobID string) (int, error)
	TruncateOutputLines(ctx Context, jobID string, lines int) error
}

// GPUProbe returns best-effort GPU telemetry. Errors mean "unknown", not
// "unhealthy"; callers skip GPU gates when the probe fails.
type GPUProbe interface {
	Probe(ctx Context) (GPUHealth, error)
}

// Engine is the inference engine adapter port.
//
// Generate is synchronous and returns one Completion per prompt, in
// input order, with per-element errors for prompts that failed
// individually. Load is idempotent for the same model id. The adapter
// owns GPU memory exclusively between Load and Unload.
type Engine interface {
	Load(ctx Context, model string) error
	Unload(ctx Context) error
	Generate(ctx Context, prompts []Prompt) ([]Completion, error)
	LoadedModel() string
}
