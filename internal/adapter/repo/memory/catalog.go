// Package memory implements the catalog ports in process memory. It
// backs unit tests and the dev mode of the binaries; the Postgres
// adapter is the production catalog.
package memory

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/fairyhunter13/llm-batchd/internal/domain"
)

// state holds every catalog table behind one mutex. The coarse lock
// mirrors the serialisation the Postgres adapter gets from row locks and
// the admission advisory lock.
type state struct {
	mu          sync.Mutex
	jobs        map[string]*domain.BatchJob
	failed      []domain.FailedRequest
	heartbeats  map[string]domain.WorkerHeartbeat
	deadLetters map[int64]*domain.WebhookDeadLetter
	nextDLID    int64
}

// Catalog bundles one in-memory view per repository port, all sharing
// the same state.
type Catalog struct {
	Jobs        *JobRepo
	Failed      *FailedRequestRepo
	Heartbeats  *HeartbeatRepo
	DeadLetters *DeadLetterRepo
}

// NewCatalog returns an empty in-memory catalog.
func NewCatalog() *Catalog {
	s := &state{
		jobs:        map[string]*domain.BatchJob{},
		heartbeats:  map[string]domain.WorkerHeartbeat{},
		deadLetters: map[int64]*domain.WebhookDeadLetter{},
	}
	return &Catalog{
		Jobs:        &JobRepo{s: s},
		Failed:      &FailedRequestRepo{s: s},
		Heartbeats:  &HeartbeatRepo{s: s},
		DeadLetters: &DeadLetterRepo{s: s},
	}
}

// JobRepo is the in-memory batch_jobs table.
type JobRepo struct{ s *state }

// InsertAdmitted checks the caps and inserts the pending row atomically.
func (r *JobRepo) InsertAdmitted(_ domain.Context, j domain.BatchJob, caps domain.AdmissionCaps) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	depth, queued := 0, 0
	for _, ex := range r.s.jobs {
		if ex.Status == domain.JobPending || ex.Status == domain.JobInProgress {
			depth++
		}
		if !ex.Status.Terminal() {
			queued += ex.TotalRequests - ex.CompletedRequests - ex.FailedRequests
		}
	}
	if caps.MaxQueueDepth > 0 && depth >= caps.MaxQueueDepth {
		return fmt.Errorf("op=job.insert_admitted: %d jobs queued: %w", depth, domain.ErrQueueFull)
	}
	if caps.MaxTotalQueuedRequests > 0 && queued+j.TotalRequests > caps.MaxTotalQueuedRequests {
		return fmt.Errorf("op=job.insert_admitted: %d requests queued: %w", queued, domain.ErrCapacityExhausted)
	}
	cp := j
	cp.Status = domain.JobPending
	r.s.jobs[j.ID] = &cp
	return nil
}

// Get loads a job by id.
func (r *JobRepo) Get(_ domain.Context, id string) (domain.BatchJob, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	j, ok := r.s.jobs[id]
	if !ok {
		return domain.BatchJob{}, fmt.Errorf("op=job.get: %w", domain.ErrNotFound)
	}
	return *j, nil
}

// List returns jobs, newest first, optionally filtered by status.
func (r *JobRepo) List(_ domain.Context, status string, limit int) ([]domain.BatchJob, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	if limit <= 0 {
		limit = 100
	}
	var out []domain.BatchJob
	for _, j := range r.s.jobs {
		if status != "" && string(j.Status) != status {
			continue
		}
		out = append(out, *j)
	}
	sort.Slice(out, func(i, k int) bool { return out[i].CreatedAt.After(out[k].CreatedAt) })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// CasStatus transitions the job iff it is in the expected state.
func (r *JobRepo) CasStatus(_ domain.Context, id string, from, to domain.JobStatus, stamp domain.StatusStamp) (bool, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	if !domain.CanTransition(from, to) {
		return false, fmt.Errorf("op=job.cas_status %s->%s: %w", from, to, domain.ErrConflict)
	}
	j, ok := r.s.jobs[id]
	if !ok || j.Status != from {
		return false, nil
	}
	j.Status = to
	if stamp.StartedAt != nil {
		j.StartedAt = stamp.StartedAt
	}
	if stamp.CompletedAt != nil {
		j.CompletedAt = stamp.CompletedAt
	}
	if stamp.ErrorKind != "" {
		j.ErrorKind = stamp.ErrorKind
	}
	return true, nil
}

// IncrementCounters adds chunk progress to the job's counters.
func (r *JobRepo) IncrementCounters(_ domain.Context, id string, completedDelta, failedDelta int) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	j, ok := r.s.jobs[id]
	if !ok {
		return fmt.Errorf("op=job.increment_counters: %w", domain.ErrNotFound)
	}
	j.CompletedRequests += completedDelta
	j.FailedRequests += failedDelta
	return nil
}

// SetOutputFile records the output file id once.
func (r *JobRepo) SetOutputFile(_ domain.Context, id, fileID string) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	j, ok := r.s.jobs[id]
	if !ok {
		return fmt.Errorf("op=job.set_output_file: %w", domain.ErrNotFound)
	}
	if j.OutputFileID == "" {
		j.OutputFileID = fileID
	}
	return nil
}

// NextPending returns the oldest pending job.
func (r *JobRepo) NextPending(_ domain.Context) (domain.BatchJob, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	var oldest *domain.BatchJob
	for _, j := range r.s.jobs {
		if j.Status != domain.JobPending {
			continue
		}
		if oldest == nil || j.CreatedAt.Before(oldest.CreatedAt) {
			oldest = j
		}
	}
	if oldest == nil {
		return domain.BatchJob{}, fmt.Errorf("op=job.next_pending: %w", domain.ErrNotFound)
	}
	return *oldest, nil
}

// RunningJob returns the in_progress job, if any.
func (r *JobRepo) RunningJob(_ domain.Context) (domain.BatchJob, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	for _, j := range r.s.jobs {
		if j.Status == domain.JobInProgress {
			return *j, nil
		}
	}
	return domain.BatchJob{}, fmt.Errorf("op=job.running: %w", domain.ErrNotFound)
}

// QueueDepth counts pending and in_progress jobs.
func (r *JobRepo) QueueDepth(_ domain.Context) (int, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	n := 0
	for _, j := range r.s.jobs {
		if j.Status == domain.JobPending || j.Status == domain.JobInProgress {
			n++
		}
	}
	return n, nil
}

// QueuedRequestTotal sums the remaining requests over non-terminal jobs.
func (r *JobRepo) QueuedRequestTotal(_ domain.Context) (int, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	n := 0
	for _, j := range r.s.jobs {
		if !j.Status.Terminal() {
			n += j.TotalRequests - j.CompletedRequests - j.FailedRequests
		}
	}
	return n, nil
}

// QueuePosition counts pending jobs admitted before the given one.
func (r *JobRepo) QueuePosition(_ domain.Context, id string) (int, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	j, ok := r.s.jobs[id]
	if !ok {
		return 0, fmt.Errorf("op=job.queue_position: %w", domain.ErrNotFound)
	}
	n := 0
	for _, other := range r.s.jobs {
		if other.Status == domain.JobPending && other.CreatedAt.Before(j.CreatedAt) {
			n++
		}
	}
	return n, nil
}

// ExpireOverdue marks validating/pending jobs past expires_at as expired.
func (r *JobRepo) ExpireOverdue(_ domain.Context, now time.Time) (int, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	n := 0
	for _, j := range r.s.jobs {
		if (j.Status == domain.JobValidating || j.Status == domain.JobPending) && j.ExpiresAt.Before(now) {
			j.Status = domain.JobExpired
			at := now
			j.CompletedAt = &at
			n++
		}
	}
	return n, nil
}

// FailedRequestRepo is the in-memory failed_requests table.
type FailedRequestRepo struct{ s *state }

// Insert appends a failed request row.
func (r *FailedRequestRepo) Insert(_ domain.Context, fr domain.FailedRequest) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	r.s.failed = append(r.s.failed, fr)
	return nil
}

// ListByJob returns the failed requests of a job in insertion order.
func (r *FailedRequestRepo) ListByJob(_ domain.Context, jobID string) ([]domain.FailedRequest, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	var out []domain.FailedRequest
	for _, fr := range r.s.failed {
		if fr.JobID == jobID {
			out = append(out, fr)
		}
	}
	return out, nil
}

// HeartbeatRepo is the in-memory worker_heartbeats table.
type HeartbeatRepo struct{ s *state }

// Upsert writes the heartbeat row; LastSeen never regresses.
func (r *HeartbeatRepo) Upsert(_ domain.Context, hb domain.WorkerHeartbeat) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	if prev, ok := r.s.heartbeats[hb.HostID]; ok && hb.LastSeen.Before(prev.LastSeen) {
		hb.LastSeen = prev.LastSeen
	}
	r.s.heartbeats[hb.HostID] = hb
	return nil
}

// Get loads the heartbeat row for a host.
func (r *HeartbeatRepo) Get(_ domain.Context, hostID string) (domain.WorkerHeartbeat, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	hb, ok := r.s.heartbeats[hostID]
	if !ok {
		return domain.WorkerHeartbeat{}, fmt.Errorf("op=heartbeat.get: %w", domain.ErrNotFound)
	}
	return hb, nil
}

// Latest returns the most recently seen heartbeat across hosts.
func (r *HeartbeatRepo) Latest(_ domain.Context) (domain.WorkerHeartbeat, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	var latest domain.WorkerHeartbeat
	found := false
	for _, hb := range r.s.heartbeats {
		if !found || hb.LastSeen.After(latest.LastSeen) {
			latest = hb
			found = true
		}
	}
	if !found {
		return domain.WorkerHeartbeat{}, fmt.Errorf("op=heartbeat.latest: %w", domain.ErrNotFound)
	}
	return latest, nil
}

// DeadLetterRepo is the in-memory webhook_dead_letters table.
type DeadLetterRepo struct{ s *state }

// Insert stores a dead letter and returns its id.
func (r *DeadLetterRepo) Insert(_ domain.Context, dl domain.WebhookDeadLetter) (int64, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	r.s.nextDLID++
	cp := dl
	cp.ID = r.s.nextDLID
	r.s.deadLetters[cp.ID] = &cp
	return cp.ID, nil
}

// Get loads a dead letter by id.
func (r *DeadLetterRepo) Get(_ domain.Context, id int64) (domain.WebhookDeadLetter, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	dl, ok := r.s.deadLetters[id]
	if !ok {
		return domain.WebhookDeadLetter{}, fmt.Errorf("op=dead_letter.get: %w", domain.ErrNotFound)
	}
	return *dl, nil
}

// List returns dead letters, newest first.
func (r *DeadLetterRepo) List(_ domain.Context, limit int) ([]domain.WebhookDeadLetter, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	if limit <= 0 {
		limit = 100
	}
	var out []domain.WebhookDeadLetter
	for _, dl := range r.s.deadLetters {
		out = append(out, *dl)
	}
	sort.Slice(out, func(i, k int) bool { return out[i].CreatedAt.After(out[k].CreatedAt) })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// MarkRetried records the outcome of a manual re-drive.
func (r *DeadLetterRepo) MarkRetried(_ domain.Context, id int64, success, forced bool, at time.Time) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	dl, ok := r.s.deadLetters[id]
	if !ok {
		return fmt.Errorf("op=dead_letter.mark_retried: %w", domain.ErrNotFound)
	}
	dl.RetrySuccess = success
	dl.Forced = forced
	dl.LastRetriedAt = &at
	dl.AttemptCount++
	return nil
}
