package app

import (
	"context"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/fairyhunter13/llm-batchd/internal/domain"
)

// ExpirySweeper periodically marks overdue queued jobs as expired. A
// running job is never expired; the TTL only bounds time spent waiting
// in the queue.
type ExpirySweeper struct {
	jobs     domain.JobRepository
	interval time.Duration
}

// NewExpirySweeper constructs a sweeper; a nil repo disables it.
func NewExpirySweeper(jobs domain.JobRepository, interval time.Duration) *ExpirySweeper {
	if jobs == nil {
		return nil
	}
	if interval <= 0 {
		interval = time.Minute
	}
	return &ExpirySweeper{jobs: jobs, interval: interval}
}

// Run sweeps until ctx is cancelled.
func (s *ExpirySweeper) Run(ctx context.Context) {
	if s == nil || s.jobs == nil {
		return
	}

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	s.sweepOnce(ctx)

	for {
		select {
		case <-ctx.Done():
			slog.Info("expiry sweeper stopping")
			return
		case <-ticker.C:
			s.sweepOnce(ctx)
		}
	}
}

func (s *ExpirySweeper) sweepOnce(ctx context.Context) {
	tracer := otel.Tracer("jobs.expiry")
	ctx, span := tracer.Start(ctx, "ExpirySweeper.sweepOnce")
	defer span.End()

	n, err := s.jobs.ExpireOverdue(ctx, time.Now().UTC())
	if err != nil {
		slog.Error("expiry sweep failed", slog.Any("error", err))
		return
	}
	span.SetAttributes(attribute.Int("jobs.expired", n))
	if n > 0 {
		slog.Info("expired overdue jobs", slog.Int("count", n))
	}
}
