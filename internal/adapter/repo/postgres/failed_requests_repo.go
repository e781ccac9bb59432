package postgres

import (
	"fmt"

	"go.opentelemetry.io/otel"

	"github.com/fairyhunter13/llm-batchd/internal/domain"
)

// FailedRequestRepo persists per-request engine errors. Rows are
// append-only per job.
type FailedRequestRepo struct{ Pool PgxPool }

// NewFailedRequestRepo constructs a FailedRequestRepo with the given pool.
func NewFailedRequestRepo(p PgxPool) *FailedRequestRepo { return &FailedRequestRepo{Pool: p} }

// Insert appends a failed request row.
func (r *FailedRequestRepo) Insert(ctx domain.Context, fr domain.FailedRequest) error {
	tracer := otel.Tracer("repo.failed_requests")
	ctx, span := tracer.Start(ctx, "failed_requests.Insert")
	defer span.End()
	_, err := r.Pool.Exec(ctx, `INSERT INTO failed_requests
		(job_id, custom_id, error_kind, error_message, retry_count, created_at)
		VALUES ($1,$2,$3,$4,$5,$6)`,
		fr.JobID, fr.CustomID, fr.ErrorKind, fr.ErrorMessage, fr.RetryCount, fr.CreatedAt)
	if err != nil {
		return fmt.Errorf("op=failed_request.insert: %w", err)
	}
	return nil
}

// ListByJob returns the failed requests of a job in insertion order.
func (r *FailedRequestRepo) ListByJob(ctx domain.Context, jobID string) ([]domain.FailedRequest, error) {
	tracer := otel.Tracer("repo.failed_requests")
	ctx, span := tracer.Start(ctx, "failed_requests.ListByJob")
	defer span.End()
	rows, err := r.Pool.Query(ctx, `SELECT job_id, custom_id, error_kind, error_message, retry_count, created_at
		FROM failed_requests WHERE job_id=$1 ORDER BY id ASC`, jobID)
	if err != nil {
		return nil, fmt.Errorf("op=failed_request.list: %w", err)
	}
	defer rows.Close()
	var out []domain.FailedRequest
	for rows.Next() {
		var fr domain.FailedRequest
		if err := rows.Scan(&fr.JobID, &fr.CustomID, &fr.ErrorKind, &fr.ErrorMessage, &fr.RetryCount, &fr.CreatedAt); err != nil {
			return nil, fmt.Errorf("op=failed_request.list: %w", err)
		}
		out = append(out, fr)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("op=failed_request.list: %w", err)
	}
	return out, nil
}
