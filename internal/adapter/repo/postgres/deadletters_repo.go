package postgres

import (
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"go.opentelemetry.io/otel"

	"github.com/fairyhunter13/llm-batchd/internal/domain"
)

// DeadLetterRepo persists webhook deliveries that exhausted all retries.
type DeadLetterRepo struct{ Pool PgxPool }

// NewDeadLetterRepo constructs a DeadLetterRepo with the given pool.
func NewDeadLetterRepo(p PgxPool) *DeadLetterRepo { return &DeadLetterRepo{Pool: p} }

// Insert stores a dead letter and returns its id.
func (r *DeadLetterRepo) Insert(ctx domain.Context, dl domain.WebhookDeadLetter) (int64, error) {
	tracer := otel.Tracer("repo.dead_letters")
	ctx, span := tracer.Start(ctx, "dead_letters.Insert")
	defer span.End()
	var id int64
	err := r.Pool.QueryRow(ctx, `INSERT INTO webhook_dead_letters
		(job_id, url, event, payload, error_message, attempt_count, created_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7) RETURNING id`,
		dl.JobID, dl.URL, dl.Event, dl.Payload, dl.ErrorMessage, dl.AttemptCount, dl.CreatedAt).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("op=dead_letter.insert: %w", err)
	}
	return id, nil
}

// Get loads a dead letter by id.
func (r *DeadLetterRepo) Get(ctx domain.Context, id int64) (domain.WebhookDeadLetter, error) {
	row := r.Pool.QueryRow(ctx, `SELECT id, job_id, url, event, payload, error_message,
		attempt_count, retry_success, forced, created_at, last_retried_at
		FROM webhook_dead_letters WHERE id=$1`, id)
	dl, err := scanDeadLetter(row)
	if err != nil {
		if err == pgx.ErrNoRows {
			return domain.WebhookDeadLetter{}, fmt.Errorf("op=dead_letter.get: %w", domain.ErrNotFound)
		}
		return domain.WebhookDeadLetter{}, fmt.Errorf("op=dead_letter.get: %w", err)
	}
	return dl, nil
}

// List returns dead letters, newest first.
func (r *DeadLetterRepo) List(ctx domain.Context, limit int) ([]domain.WebhookDeadLetter, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := r.Pool.Query(ctx, `SELECT id, job_id, url, event, payload, error_message,
		attempt_count, retry_success, forced, created_at, last_retried_at
		FROM webhook_dead_letters ORDER BY created_at DESC LIMIT $1`, limit)
	if err != nil {
		return nil, fmt.Errorf("op=dead_letter.list: %w", err)
	}
	defer rows.Close()
	var out []domain.WebhookDeadLetter
	for rows.Next() {
		dl, err := scanDeadLetter(rows)
		if err != nil {
			return nil, fmt.Errorf("op=dead_letter.list: %w", err)
		}
		out = append(out, dl)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("op=dead_letter.list: %w", err)
	}
	return out, nil
}

// MarkRetried records the outcome of a manual re-drive.
func (r *DeadLetterRepo) MarkRetried(ctx domain.Context, id int64, success, forced bool, at time.Time) error {
	_, err := r.Pool.Exec(ctx, `UPDATE webhook_dead_letters
		SET retry_success=$2, forced=$3, last_retried_at=$4, attempt_count=attempt_count+1
		WHERE id=$1`, id, success, forced, at)
	if err != nil {
		return fmt.Errorf("op=dead_letter.mark_retried: %w", err)
	}
	return nil
}

func scanDeadLetter(row pgx.Row) (domain.WebhookDeadLetter, error) {
	var dl domain.WebhookDeadLetter
	err := row.Scan(&dl.ID, &dl.JobID, &dl.URL, &dl.Event, &dl.Payload, &dl.ErrorMessage,
		&dl.AttemptCount, &dl.RetrySuccess, &dl.Forced, &dl.CreatedAt, &dl.LastRetriedAt)
	if err != nil {
		return domain.WebhookDeadLetter{}, err
	}
	return dl, nil
}
