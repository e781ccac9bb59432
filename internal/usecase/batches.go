package usecase

import (
	"fmt"
	"io"
	"time"

	"github.com/fairyhunter13/llm-batchd/internal/domain"
)

// BatchService serves job lifecycle queries and the cancel operation.
type BatchService struct {
	Jobs   domain.JobRepository
	Failed domain.FailedRequestRepository
	Store  domain.FileStore
	Now    func() time.Time
}

// NewBatchService constructs a BatchService.
func NewBatchService(jobs domain.JobRepository, failed domain.FailedRequestRepository, store domain.FileStore) *BatchService {
	return &BatchService{Jobs: jobs, Failed: failed, Store: store, Now: time.Now}
}

// JobView is a job plus its queue position; Position is meaningful only
// while the job is pending.
type JobView struct {
	Job      domain.BatchJob
	Position int
}

// Get loads a job and, while it is pending, its FIFO queue position.
func (s *BatchService) Get(ctx domain.Context, id string) (JobView, error) {
	job, err := s.Jobs.Get(ctx, id)
	if err != nil {
		return JobView{}, err
	}
	view := JobView{Job: job}
	if job.Status == domain.JobPending {
		pos, err := s.Jobs.QueuePosition(ctx, id)
		if err == nil {
			view.Position = pos + 1
		}
	}
	return view, nil
}

// List returns jobs, newest first, optionally filtered by status.
func (s *BatchService) List(ctx domain.Context, status string, limit int) ([]domain.BatchJob, error) {
	if status != "" {
		switch domain.JobStatus(status) {
		case domain.JobValidating, domain.JobPending, domain.JobInProgress,
			domain.JobCompleted, domain.JobFailed, domain.JobCancelled, domain.JobExpired:
		default:
			return nil, fmt.Errorf("%w: unknown status %q", domain.ErrInvalidInput, status)
		}
	}
	return s.Jobs.List(ctx, status, limit)
}

// Cancel moves a pending job to cancelled. A running or terminal job is
// a conflict; the executor never observes a cancel mid-flight.
func (s *BatchService) Cancel(ctx domain.Context, id string) (domain.BatchJob, error) {
	job, err := s.Jobs.Get(ctx, id)
	if err != nil {
		return domain.BatchJob{}, err
	}
	now := s.Now().UTC()
	ok, err := s.Jobs.CasStatus(ctx, id, domain.JobPending, domain.JobCancelled,
		domain.StatusStamp{CompletedAt: &now, ErrorKind: domain.KindCancelled})
	if err != nil {
		return domain.BatchJob{}, err
	}
	if !ok {
		return domain.BatchJob{}, fmt.Errorf("%w: job %s is %s, only pending jobs cancel", domain.ErrConflict, id, job.Status)
	}
	return s.Jobs.Get(ctx, id)
}

// FailedRequests lists the per-request errors recorded for a job.
func (s *BatchService) FailedRequests(ctx domain.Context, id string) ([]domain.FailedRequest, error) {
	if _, err := s.Jobs.Get(ctx, id); err != nil {
		return nil, err
	}
	return s.Failed.ListByJob(ctx, id)
}

// OpenOutput streams the job's output file. Results are served only
// once the job is terminal; a growing tail is never exposed to clients.
func (s *BatchService) OpenOutput(ctx domain.Context, id string) (io.ReadCloser, error) {
	job, err := s.Jobs.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if !job.Status.Terminal() {
		return nil, fmt.Errorf("%w: job %s is %s, results are available once terminal", domain.ErrConflict, id, job.Status)
	}
	if job.OutputFileID == "" {
		return nil, fmt.Errorf("%w: job %s produced no output", domain.ErrNotFound, id)
	}
	return s.Store.OpenOutput(ctx, id)
}
