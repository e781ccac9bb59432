package postgres

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"go.opentelemetry.io/otel"

	"github.com/fairyhunter13/llm-batchd/internal/domain"
)

// advisoryLockAdmission serialises admission transactions so that the
// depth/capacity reads and the pending insert are one atomic step.
const advisoryLockAdmission = 0x6261746368 // "batch"

// JobRepo persists batch jobs in PostgreSQL.
type JobRepo struct{ Pool PgxPool }

// NewJobRepo constructs a JobRepo with the given pool.
func NewJobRepo(p PgxPool) *JobRepo { return &JobRepo{Pool: p} }

const jobColumns = `id, model, input_file_id, output_file_id, status, error_kind,
	total_requests, completed_requests, failed_requests,
	created_at, started_at, completed_at, expires_at,
	webhook_url, webhook_secret, webhook_events, webhook_retries, webhook_timeout_s, metadata`

// InsertAdmitted checks the queue caps and inserts the pending row in a
// single transaction guarded by an advisory lock, so no partial admit is
// observable and two concurrent submissions cannot both squeeze past a
// cap.
func (r *JobRepo) InsertAdmitted(ctx domain.Context, j domain.BatchJob, caps domain.AdmissionCaps) error {
	tracer := otel.Tracer("repo.jobs")
	ctx, span := tracer.Start(ctx, "jobs.InsertAdmitted")
	defer span.End()

	tx, err := r.Pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return fmt.Errorf("op=job.insert_admitted: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if _, err := tx.Exec(ctx, `SELECT pg_advisory_xact_lock($1)`, advisoryLockAdmission); err != nil {
		return fmt.Errorf("op=job.insert_admitted: %w", err)
	}

	var depth int
	if err := tx.QueryRow(ctx,
		`SELECT count(*) FROM batch_jobs WHERE status IN ('pending','in_progress')`).Scan(&depth); err != nil {
		return fmt.Errorf("op=job.insert_admitted: %w", err)
	}
	if caps.MaxQueueDepth > 0 && depth >= caps.MaxQueueDepth {
		return fmt.Errorf("op=job.insert_admitted: %d jobs queued: %w", depth, domain.ErrQueueFull)
	}

	var queued int
	if err := tx.QueryRow(ctx,
		`SELECT COALESCE(SUM(total_requests - completed_requests - failed_requests), 0)
		   FROM batch_jobs WHERE status IN ('validating','pending','in_progress')`).Scan(&queued); err != nil {
		return fmt.Errorf("op=job.insert_admitted: %w", err)
	}
	if caps.MaxTotalQueuedRequests > 0 && queued+j.TotalRequests > caps.MaxTotalQueuedRequests {
		return fmt.Errorf("op=job.insert_admitted: %d requests queued: %w", queued, domain.ErrCapacityExhausted)
	}

	meta, err := json.Marshal(metadataOrEmpty(j.Metadata))
	if err != nil {
		return fmt.Errorf("op=job.insert_admitted: %w", err)
	}
	var whURL, whSecret string
	var whEvents []string
	var whRetries, whTimeout int
	if j.Webhook != nil {
		whURL, whSecret = j.Webhook.URL, j.Webhook.Secret
		whEvents = j.Webhook.Events
		whRetries, whTimeout = j.Webhook.Retries, j.Webhook.TimeoutS
	}
	_, err = tx.Exec(ctx, `INSERT INTO batch_jobs
		(id, model, input_file_id, status, total_requests, created_at, expires_at,
		 webhook_url, webhook_secret, webhook_events, webhook_retries, webhook_timeout_s, metadata)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13)`,
		j.ID, j.Model, j.InputFileID, domain.JobPending, j.TotalRequests, j.CreatedAt, j.ExpiresAt,
		whURL, whSecret, whEvents, whRetries, whTimeout, meta)
	if err != nil {
		return fmt.Errorf("op=job.insert_admitted: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("op=job.insert_admitted: %w", err)
	}
	return nil
}

// Get loads a job by id.
func (r *JobRepo) Get(ctx domain.Context, id string) (domain.BatchJob, error) {
	tracer := otel.Tracer("repo.jobs")
	ctx, span := tracer.Start(ctx, "jobs.Get")
	defer span.End()
	row := r.Pool.QueryRow(ctx, `SELECT `+jobColumns+` FROM batch_jobs WHERE id=$1`, id)
	j, err := scanJob(row)
	if err != nil {
		if err == pgx.ErrNoRows {
			return domain.BatchJob{}, fmt.Errorf("op=job.get: %w", domain.ErrNotFound)
		}
		return domain.BatchJob{}, fmt.Errorf("op=job.get: %w", err)
	}
	return j, nil
}

// List returns jobs, newest first, optionally filtered by status.
func (r *JobRepo) List(ctx domain.Context, status string, limit int) ([]domain.BatchJob, error) {
	tracer := otel.Tracer("repo.jobs")
	ctx, span := tracer.Start(ctx, "jobs.List")
	defer span.End()
	if limit <= 0 {
		limit = 100
	}
	q := `SELECT ` + jobColumns + ` FROM batch_jobs`
	args := []any{}
	if status != "" {
		q += ` WHERE status=$1 ORDER BY created_at DESC LIMIT $2`
		args = append(args, status, limit)
	} else {
		q += ` ORDER BY created_at DESC LIMIT $1`
		args = append(args, limit)
	}
	rows, err := r.Pool.Query(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("op=job.list: %w", err)
	}
	defer rows.Close()
	var out []domain.BatchJob
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("op=job.list: %w", err)
		}
		out = append(out, j)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("op=job.list: %w", err)
	}
	return out, nil
}

// CasStatus transitions the job from one status to another, stamping
// timestamps and error kind. Returns false when the row was not in the
// expected state; the UPDATE's WHERE clause is what serialises
// concurrent promotions.
func (r *JobRepo) CasStatus(ctx domain.Context, id string, from, to domain.JobStatus, stamp domain.StatusStamp) (bool, error) {
	tracer := otel.Tracer("repo.jobs")
	ctx, span := tracer.Start(ctx, "jobs.CasStatus")
	defer span.End()
	if !domain.CanTransition(from, to) {
		return false, fmt.Errorf("op=job.cas_status %s->%s: %w", from, to, domain.ErrConflict)
	}
	tag, err := r.Pool.Exec(ctx, `UPDATE batch_jobs
		SET status=$3,
		    started_at=COALESCE($4, started_at),
		    completed_at=COALESCE($5, completed_at),
		    error_kind=CASE WHEN $6 <> '' THEN $6 ELSE error_kind END
		WHERE id=$1 AND status=$2`,
		id, from, to, stamp.StartedAt, stamp.CompletedAt, stamp.ErrorKind)
	if err != nil {
		return false, fmt.Errorf("op=job.cas_status: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

// IncrementCounters adds chunk progress to the job's counters.
func (r *JobRepo) IncrementCounters(ctx domain.Context, id string, completedDelta, failedDelta int) error {
	tracer := otel.Tracer("repo.jobs")
	ctx, span := tracer.Start(ctx, "jobs.IncrementCounters")
	defer span.End()
	_, err := r.Pool.Exec(ctx, `UPDATE batch_jobs
		SET completed_requests = completed_requests + $2,
		    failed_requests = failed_requests + $3
		WHERE id=$1`, id, completedDelta, failedDelta)
	if err != nil {
		return fmt.Errorf("op=job.increment_counters: %w", err)
	}
	return nil
}

// SetOutputFile records the output file id once; it is never rewritten.
func (r *JobRepo) SetOutputFile(ctx domain.Context, id, fileID string) error {
	tracer := otel.Tracer("repo.jobs")
	ctx, span := tracer.Start(ctx, "jobs.SetOutputFile")
	defer span.End()
	_, err := r.Pool.Exec(ctx,
		`UPDATE batch_jobs SET output_file_id=$2 WHERE id=$1 AND output_file_id=''`, id, fileID)
	if err != nil {
		return fmt.Errorf("op=job.set_output_file: %w", err)
	}
	return nil
}

// NextPending returns the oldest pending job (FIFO by created_at).
func (r *JobRepo) NextPending(ctx domain.Context) (domain.BatchJob, error) {
	tracer := otel.Tracer("repo.jobs")
	ctx, span := tracer.Start(ctx, "jobs.NextPending")
	defer span.End()
	row := r.Pool.QueryRow(ctx, `SELECT `+jobColumns+` FROM batch_jobs
		WHERE status='pending' ORDER BY created_at ASC LIMIT 1`)
	j, err := scanJob(row)
	if err != nil {
		if err == pgx.ErrNoRows {
			return domain.BatchJob{}, fmt.Errorf("op=job.next_pending: %w", domain.ErrNotFound)
		}
		return domain.BatchJob{}, fmt.Errorf("op=job.next_pending: %w", err)
	}
	return j, nil
}

// RunningJob returns the in_progress job, if any.
func (r *JobRepo) RunningJob(ctx domain.Context) (domain.BatchJob, error) {
	tracer := otel.Tracer("repo.jobs")
	ctx, span := tracer.Start(ctx, "jobs.RunningJob")
	defer span.End()
	row := r.Pool.QueryRow(ctx, `SELECT `+jobColumns+` FROM batch_jobs
		WHERE status='in_progress' LIMIT 1`)
	j, err := scanJob(row)
	if err != nil {
		if err == pgx.ErrNoRows {
			return domain.BatchJob{}, fmt.Errorf("op=job.running: %w", domain.ErrNotFound)
		}
		return domain.BatchJob{}, fmt.Errorf("op=job.running: %w", err)
	}
	return j, nil
}

// QueueDepth counts pending and in_progress jobs.
func (r *JobRepo) QueueDepth(ctx domain.Context) (int, error) {
	var n int
	err := r.Pool.QueryRow(ctx,
		`SELECT count(*) FROM batch_jobs WHERE status IN ('pending','in_progress')`).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("op=job.queue_depth: %w", err)
	}
	return n, nil
}

// QueuedRequestTotal sums the remaining requests over non-terminal jobs.
func (r *JobRepo) QueuedRequestTotal(ctx domain.Context) (int, error) {
	var n int
	err := r.Pool.QueryRow(ctx,
		`SELECT COALESCE(SUM(total_requests - completed_requests - failed_requests), 0)
		   FROM batch_jobs WHERE status IN ('validating','pending','in_progress')`).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("op=job.queued_requests: %w", err)
	}
	return n, nil
}

// QueuePosition counts pending jobs admitted before the given one.
func (r *JobRepo) QueuePosition(ctx domain.Context, id string) (int, error) {
	var n int
	err := r.Pool.QueryRow(ctx, `SELECT count(*) FROM batch_jobs
		WHERE status='pending'
		  AND created_at < (SELECT created_at FROM batch_jobs WHERE id=$1)`, id).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("op=job.queue_position: %w", err)
	}
	return n, nil
}

// ExpireOverdue marks validating/pending jobs past expires_at as
// expired. Running jobs are never interrupted by expiry.
func (r *JobRepo) ExpireOverdue(ctx domain.Context, now time.Time) (int, error) {
	tracer := otel.Tracer("repo.jobs")
	ctx, span := tracer.Start(ctx, "jobs.ExpireOverdue")
	defer span.End()
	tag, err := r.Pool.Exec(ctx, `UPDATE batch_jobs
		SET status='expired', completed_at=$1
		WHERE status IN ('validating','pending') AND expires_at < $1`, now)
	if err != nil {
		return 0, fmt.Errorf("op=job.expire_overdue: %w", err)
	}
	return int(tag.RowsAffected()), nil
}

func scanJob(row pgx.Row) (domain.BatchJob, error) {
	var j domain.BatchJob
	var events []string
	var whURL, whSecret string
	var whRetries, whTimeout int
	var meta []byte
	err := row.Scan(&j.ID, &j.Model, &j.InputFileID, &j.OutputFileID, &j.Status, &j.ErrorKind,
		&j.TotalRequests, &j.CompletedRequests, &j.FailedRequests,
		&j.CreatedAt, &j.StartedAt, &j.CompletedAt, &j.ExpiresAt,
		&whURL, &whSecret, &events, &whRetries, &whTimeout, &meta)
	if err != nil {
		return domain.BatchJob{}, err
	}
	if whURL != "" {
		j.Webhook = &domain.WebhookConfig{URL: whURL, Secret: whSecret, Events: events, Retries: whRetries, TimeoutS: whTimeout}
	}
	if len(meta) > 0 {
		if err := json.Unmarshal(meta, &j.Metadata); err != nil {
			return domain.BatchJob{}, err
		}
	}
	return j, nil
}

func metadataOrEmpty(m map[string]string) map[string]string {
	if m == nil {
		return map[string]string{}
	}
	return m
}
