package worker

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/fairyhunter13/llm-batchd/internal/adapter/observability"
	"github.com/fairyhunter13/llm-batchd/internal/domain"
	"github.com/fairyhunter13/llm-batchd/internal/hooks"
)

// SchedulerConfig carries the scheduling knobs.
type SchedulerConfig struct {
	HostID                 string
	PollInterval           time.Duration
	ModelSwapCooldown      time.Duration
	WorkerLivenessDeadline time.Duration
}

// Scheduler owns the single execution slot of the host. Each tick it
// refreshes the heartbeat, then tries to promote the oldest pending job;
// the CAS guarantees that even with several workers polling, a job runs
// exactly once at a time.
type Scheduler struct {
	Jobs       domain.JobRepository
	Heartbeats domain.HeartbeatRepository
	Engine     domain.Engine
	GPU        domain.GPUProbe
	Executor   *Executor
	Hooks      *hooks.Registry
	Cfg        SchedulerConfig
	Log        *slog.Logger
	Now        func() time.Time
}

// NewScheduler constructs a Scheduler.
func NewScheduler(jobs domain.JobRepository, hbs domain.HeartbeatRepository, engine domain.Engine, gpu domain.GPUProbe, ex *Executor, reg *hooks.Registry, cfg SchedulerConfig, log *slog.Logger) *Scheduler {
	return &Scheduler{
		Jobs: jobs, Heartbeats: hbs, Engine: engine, GPU: gpu,
		Executor: ex, Hooks: reg, Cfg: cfg, Log: log, Now: time.Now,
	}
}

// Run polls until ctx is cancelled. An in_progress job left over from a
// crash is resumed before the normal loop starts.
func (s *Scheduler) Run(ctx context.Context) error {
	// Resume before the first heartbeat: the ownership check reads the
	// latest heartbeat, and our own fresh row would mask a live foreign
	// worker's.
	s.resumeOrphan(ctx)
	s.heartbeat(ctx, domain.WorkerIdle, "")

	ticker := time.NewTicker(s.Cfg.PollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			s.Log.Info("scheduler stopping")
			return ctx.Err()
		case <-ticker.C:
			s.heartbeat(ctx, domain.WorkerIdle, "")
			s.tick(ctx)
		}
	}
}

// tick promotes and runs at most one job.
func (s *Scheduler) tick(ctx context.Context) {
	job, err := s.Jobs.NextPending(ctx)
	if err != nil {
		if !errors.Is(err, domain.ErrNotFound) {
			s.Log.Error("next pending lookup failed", slog.Any("error", err))
		}
		return
	}

	now := s.Now().UTC()
	ok, err := s.Jobs.CasStatus(ctx, job.ID, domain.JobPending, domain.JobInProgress,
		domain.StatusStamp{StartedAt: &now})
	if err != nil {
		s.Log.Error("promotion failed", slog.String("job_id", job.ID), slog.Any("error", err))
		return
	}
	if !ok {
		// Lost the race, or the job was cancelled or expired between the
		// read and the CAS.
		return
	}
	job.Status = domain.JobInProgress
	job.StartedAt = &now
	s.execute(ctx, job)
}

// resumeOrphan picks up an in_progress job left by a previous process.
// A fresh heartbeat from another host means that worker is still alive
// and owns the job.
func (s *Scheduler) resumeOrphan(ctx context.Context) {
	job, err := s.Jobs.RunningJob(ctx)
	if err != nil {
		if !errors.Is(err, domain.ErrNotFound) {
			s.Log.Error("running job lookup failed", slog.Any("error", err))
		}
		return
	}
	if hb, err := s.Heartbeats.Latest(ctx); err == nil {
		if hb.HostID != s.Cfg.HostID && hb.Fresh(s.Now().UTC(), s.Cfg.WorkerLivenessDeadline) {
			s.Log.Info("in_progress job owned by live worker, skipping",
				slog.String("job_id", job.ID), slog.String("owner", hb.HostID))
			return
		}
	}
	s.Log.Info("resuming orphaned job", slog.String("job_id", job.ID))
	s.execute(ctx, job)
}

// execute runs one in_progress job to a terminal state.
func (s *Scheduler) execute(ctx context.Context, job domain.BatchJob) {
	log := s.Log.With(slog.String("job_id", job.ID), slog.String("model", job.Model))

	if err := s.ensureModel(ctx, job); err != nil {
		log.Error("model load failed", slog.Any("error", err))
		s.finish(ctx, job, domain.JobFailed, domain.KindModelLoadFailed)
		return
	}

	s.heartbeat(ctx, domain.WorkerRunning, job.ID)
	log.Info("job started", slog.Int("total_requests", job.TotalRequests))

	outcome, err := s.Executor.Run(ctx, job)
	if err != nil {
		// Context cancellation or a storage fault: leave the job
		// in_progress so the next start resumes it.
		log.Warn("execution interrupted", slog.Any("error", err))
		return
	}
	if outcome.ErrorKind != "" {
		log.Error("job failed",
			slog.String("error_kind", outcome.ErrorKind), slog.String("message", outcome.Message))
		s.finish(ctx, job, domain.JobFailed, outcome.ErrorKind)
		return
	}
	log.Info("job completed",
		slog.Int("completed", outcome.Completed), slog.Int("failed", outcome.Failed))
	s.finish(ctx, job, domain.JobCompleted, "")
}

// ensureModel hot-swaps the engine onto the job's model when needed.
// The unload fully releases GPU memory before the cooldown; the load
// happens only after it.
func (s *Scheduler) ensureModel(ctx context.Context, job domain.BatchJob) error {
	loaded := s.Engine.LoadedModel()
	if loaded == job.Model {
		return nil
	}
	if loaded != "" {
		s.heartbeat(ctx, domain.WorkerUnloading, job.ID)
		if err := s.Engine.Unload(ctx); err != nil {
			return err
		}
		observability.ModelSwapsTotal.Inc()
		select {
		case <-time.After(s.Cfg.ModelSwapCooldown):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	s.heartbeat(ctx, domain.WorkerLoading, job.ID)
	start := s.Now()
	if err := s.Engine.Load(ctx, job.Model); err != nil {
		return err
	}
	observability.ModelLoadDuration.Observe(s.Now().Sub(start).Seconds())
	return nil
}

// finish moves the job to its terminal state and fires the handler chain.
func (s *Scheduler) finish(ctx context.Context, job domain.BatchJob, to domain.JobStatus, errorKind string) {
	now := s.Now().UTC()
	ok, err := s.Jobs.CasStatus(ctx, job.ID, domain.JobInProgress, to,
		domain.StatusStamp{CompletedAt: &now, ErrorKind: errorKind})
	if err != nil || !ok {
		s.Log.Error("terminal transition failed",
			slog.String("job_id", job.ID), slog.String("to", string(to)), slog.Any("error", err))
		return
	}
	observability.JobsFinishedTotal.WithLabelValues(string(to)).Inc()
	s.heartbeat(ctx, domain.WorkerIdle, "")

	fresh, err := s.Jobs.Get(ctx, job.ID)
	if err != nil {
		fresh = job
		fresh.Status = to
	}
	event := domain.EventCompleted
	if to == domain.JobFailed {
		event = domain.EventFailed
	}
	s.Hooks.Fire(ctx, fresh, event)
}

// heartbeat upserts the liveness row with a best-effort GPU snapshot.
func (s *Scheduler) heartbeat(ctx context.Context, status domain.HeartbeatStatus, jobID string) {
	hb := domain.WorkerHeartbeat{
		HostID:       s.Cfg.HostID,
		Status:       status,
		CurrentJobID: jobID,
		LoadedModel:  s.Engine.LoadedModel(),
		LastSeen:     s.Now().UTC(),
	}
	if health, err := s.GPU.Probe(ctx); err == nil {
		hb.GPUMemoryPercent = &health.MemoryPercent
		hb.GPUTemperatureC = &health.TemperatureC
		observability.ObserveGPU(health.MemoryPercent, health.TemperatureC)
	}
	if err := s.Heartbeats.Upsert(ctx, hb); err != nil {
		s.Log.Error("heartbeat upsert failed", slog.Any("error", err))
	}
}

// ProgressNotifier returns the executor progress callback wired to the
// handler chain.
func (s *Scheduler) ProgressNotifier() func(ctx domain.Context, job domain.BatchJob) {
	return func(ctx domain.Context, job domain.BatchJob) {
		s.heartbeat(ctx, domain.WorkerRunning, job.ID)
		s.Hooks.Fire(ctx, job, domain.EventProgress)
	}
}
