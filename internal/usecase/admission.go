package usecase

import (
	"errors"
	"fmt"
	"net/url"
	"time"

	"github.com/google/uuid"

	"github.com/fairyhunter13/llm-batchd/internal/batchfile"
	"github.com/fairyhunter13/llm-batchd/internal/domain"
)

// AdmissionConfig carries the admission gate thresholds.
type AdmissionConfig struct {
	MaxRequestsPerJob        int
	MaxQueueDepth            int
	MaxTotalQueuedRequests   int
	GPUMemoryRejectThreshold float64
	GPUTempRejectThreshold   float64
	WorkerLivenessDeadline   time.Duration
	JobTTL                   time.Duration
	WebhookDefaultRetries    int
	WebhookDefaultTimeoutS   int
}

// AdmissionService gates job creation. A job is admitted only when the
// input parses, the queue has room, the GPU is not saturated and a live
// worker exists; the caps and the insert happen in one catalog
// transaction so admission is atomic.
type AdmissionService struct {
	Jobs       domain.JobRepository
	Heartbeats domain.HeartbeatRepository
	Store      domain.FileStore
	GPU        domain.GPUProbe
	Cfg        AdmissionConfig
	Now        func() time.Time
}

// NewAdmissionService constructs an AdmissionService.
func NewAdmissionService(jobs domain.JobRepository, hbs domain.HeartbeatRepository, store domain.FileStore, gpu domain.GPUProbe, cfg AdmissionConfig) *AdmissionService {
	return &AdmissionService{Jobs: jobs, Heartbeats: hbs, Store: store, GPU: gpu, Cfg: cfg, Now: time.Now}
}

// SubmitRequest is the admission input taken from the create-batch call.
type SubmitRequest struct {
	InputFileID string
	Model       string
	Webhook     *domain.WebhookConfig
	Metadata    map[string]string
}

// Submit runs every admission gate in order and inserts the pending job.
// Gate failures map to the sentinel errors so the transport can pick the
// right status code and error kind.
func (s *AdmissionService) Submit(ctx domain.Context, req SubmitRequest) (domain.BatchJob, error) {
	if req.Model == "" {
		return domain.BatchJob{}, fmt.Errorf("%w: model is required", domain.ErrInvalidInput)
	}
	if err := validateWebhook(req.Webhook); err != nil {
		return domain.BatchJob{}, err
	}

	// Gate 1: the input file must exist, parse as JSONL chat requests and
	// respect the per-job cap.
	rc, err := s.Store.OpenInput(ctx, req.InputFileID)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			return domain.BatchJob{}, fmt.Errorf("%w: input file %s not found", domain.ErrInvalidInput, req.InputFileID)
		}
		return domain.BatchJob{}, fmt.Errorf("op=admission.submit: %w", err)
	}
	lines, parseErr := batchfile.ParseInput(rc, s.Cfg.MaxRequestsPerJob)
	_ = rc.Close()
	if parseErr != nil {
		return domain.BatchJob{}, parseErr
	}
	for _, l := range lines {
		if l.Body.Model != req.Model {
			return domain.BatchJob{}, fmt.Errorf("%w: custom_id %s requests model %q, job model is %q", domain.ErrInvalidInput, l.CustomID, l.Body.Model, req.Model)
		}
	}

	// Gates 2 and 3: cheap pre-checks so the reported reason follows the
	// gate order when several caps trip at once. InsertAdmitted re-checks
	// both atomically with the insert.
	if s.Cfg.MaxQueueDepth > 0 {
		depth, err := s.Jobs.QueueDepth(ctx)
		if err != nil {
			return domain.BatchJob{}, fmt.Errorf("op=admission.submit: %w", err)
		}
		if depth >= s.Cfg.MaxQueueDepth {
			return domain.BatchJob{}, fmt.Errorf("%w: %d jobs queued, limit %d", domain.ErrQueueFull, depth, s.Cfg.MaxQueueDepth)
		}
	}
	if s.Cfg.MaxTotalQueuedRequests > 0 {
		queued, err := s.Jobs.QueuedRequestTotal(ctx)
		if err != nil {
			return domain.BatchJob{}, fmt.Errorf("op=admission.submit: %w", err)
		}
		if queued+len(lines) > s.Cfg.MaxTotalQueuedRequests {
			return domain.BatchJob{}, fmt.Errorf("%w: %d requests queued, adding %d exceeds %d", domain.ErrCapacityExhausted, queued, len(lines), s.Cfg.MaxTotalQueuedRequests)
		}
	}

	// Gate 4: GPU saturation, strictly above the thresholds. Probe errors
	// mean unknown, not unhealthy, so the gate is skipped when the probe
	// fails.
	if health, err := s.GPU.Probe(ctx); err == nil {
		overMem := s.Cfg.GPUMemoryRejectThreshold > 0 && health.MemoryPercent > s.Cfg.GPUMemoryRejectThreshold
		overTemp := s.Cfg.GPUTempRejectThreshold > 0 && health.TemperatureC > s.Cfg.GPUTempRejectThreshold
		if overMem || overTemp {
			return domain.BatchJob{}, fmt.Errorf("%w: memory %.0f%%, temperature %.0fC", domain.ErrGPUUnhealthy, health.MemoryPercent, health.TemperatureC)
		}
	}

	// Gate 5: a worker must have heartbeated recently.
	now := s.Now().UTC()
	hb, err := s.Heartbeats.Latest(ctx)
	if err != nil || !hb.Fresh(now, s.Cfg.WorkerLivenessDeadline) {
		return domain.BatchJob{}, fmt.Errorf("%w: no worker heartbeat within %s", domain.ErrWorkerUnavailable, s.Cfg.WorkerLivenessDeadline)
	}

	job := domain.BatchJob{
		ID:            "batch_" + uuid.NewString(),
		Model:         req.Model,
		InputFileID:   req.InputFileID,
		Status:        domain.JobPending,
		TotalRequests: len(lines),
		CreatedAt:     now,
		ExpiresAt:     now.Add(s.Cfg.JobTTL),
		Webhook:       req.Webhook,
		Metadata:      req.Metadata,
	}
	if job.Webhook != nil {
		job.Webhook.Retries, job.Webhook.TimeoutS = clampWebhook(job.Webhook.Retries, job.Webhook.TimeoutS, s.Cfg.WebhookDefaultRetries, s.Cfg.WebhookDefaultTimeoutS)
	}

	// Gate 6: the depth and total-request caps are re-checked atomically
	// with the pending insert, closing the race left by the pre-checks.
	caps := domain.AdmissionCaps{
		MaxQueueDepth:          s.Cfg.MaxQueueDepth,
		MaxTotalQueuedRequests: s.Cfg.MaxTotalQueuedRequests,
	}
	if err := s.Jobs.InsertAdmitted(ctx, job, caps); err != nil {
		return domain.BatchJob{}, err
	}
	return job, nil
}

func validateWebhook(w *domain.WebhookConfig) error {
	if w == nil {
		return nil
	}
	u, err := url.Parse(w.URL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return fmt.Errorf("%w: webhook url must be absolute http(s)", domain.ErrInvalidInput)
	}
	if w.Secret == "" {
		return fmt.Errorf("%w: webhook secret is required", domain.ErrInvalidInput)
	}
	for _, e := range w.Events {
		if !domain.ValidWebhookEvent(e) {
			return fmt.Errorf("%w: unknown webhook event %q", domain.ErrInvalidInput, e)
		}
	}
	return nil
}

func clampWebhook(retries, timeoutS, defRetries, defTimeoutS int) (int, int) {
	if retries == 0 {
		retries = defRetries
	}
	if retries < 1 {
		retries = 1
	}
	if retries > 10 {
		retries = 10
	}
	if timeoutS == 0 {
		timeoutS = defTimeoutS
	}
	if timeoutS < 5 {
		timeoutS = 5
	}
	if timeoutS > 300 {
		timeoutS = 300
	}
	return retries, timeoutS
}
