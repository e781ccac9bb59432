package usecase

import (
	"fmt"
	"time"

	"github.com/fairyhunter13/llm-batchd/internal/domain"
)

// DeadLetterSender resends a dead-lettered payload verbatim, signing it
// with a fresh timestamp. One attempt, no retry loop.
type DeadLetterSender interface {
	Resend(ctx domain.Context, dl domain.WebhookDeadLetter, secret string, timeoutS int) error
}

// DeadLetterService lists dead letters and drives manual re-deliveries.
type DeadLetterService struct {
	Letters domain.DeadLetterRepository
	Jobs    domain.JobRepository
	Sender  DeadLetterSender
	Now     func() time.Time
}

// NewDeadLetterService constructs a DeadLetterService.
func NewDeadLetterService(letters domain.DeadLetterRepository, jobs domain.JobRepository, sender DeadLetterSender) *DeadLetterService {
	return &DeadLetterService{Letters: letters, Jobs: jobs, Sender: sender, Now: time.Now}
}

// List returns dead letters, newest first.
func (s *DeadLetterService) List(ctx domain.Context, limit int) ([]domain.WebhookDeadLetter, error) {
	return s.Letters.List(ctx, limit)
}

// Get loads one dead letter.
func (s *DeadLetterService) Get(ctx domain.Context, id int64) (domain.WebhookDeadLetter, error) {
	return s.Letters.Get(ctx, id)
}

// Redrive resends the stored payload once. A letter that already
// re-delivered successfully is refused unless force is set; the outcome
// is recorded either way.
func (s *DeadLetterService) Redrive(ctx domain.Context, id int64, force bool) (domain.WebhookDeadLetter, error) {
	dl, err := s.Letters.Get(ctx, id)
	if err != nil {
		return domain.WebhookDeadLetter{}, err
	}
	if dl.RetrySuccess && !force {
		return domain.WebhookDeadLetter{}, fmt.Errorf("%w: dead letter %d already delivered", domain.ErrAlreadyRetried, id)
	}

	job, err := s.Jobs.Get(ctx, dl.JobID)
	if err != nil {
		return domain.WebhookDeadLetter{}, fmt.Errorf("op=dead_letter.redrive: %w", err)
	}
	if job.Webhook == nil {
		return domain.WebhookDeadLetter{}, fmt.Errorf("%w: job %s has no webhook config", domain.ErrConflict, dl.JobID)
	}

	// A failed send is an outcome, not an error: the attempt is recorded
	// and surfaced as retry_success=false.
	sendErr := s.Sender.Resend(ctx, dl, job.Webhook.Secret, job.Webhook.TimeoutS)
	if err := s.Letters.MarkRetried(ctx, id, sendErr == nil, force, s.Now().UTC()); err != nil {
		return domain.WebhookDeadLetter{}, err
	}
	return s.Letters.Get(ctx, id)
}
