package memory_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fairyhunter13/llm-batchd/internal/adapter/repo/memory"
	"github.com/fairyhunter13/llm-batchd/internal/domain"
)

func insertJob(t *testing.T, cat *memory.Catalog, id string, createdAt, expiresAt time.Time) {
	t.Helper()
	require.NoError(t, cat.Jobs.InsertAdmitted(context.Background(), domain.BatchJob{
		ID: id, Model: "llama-3-8b", InputFileID: "file-aa",
		TotalRequests: 5, CreatedAt: createdAt, ExpiresAt: expiresAt,
	}, domain.AdmissionCaps{}))
}

func TestCasStatus_StaleStateIsNotAnError(t *testing.T) {
	t.Parallel()
	cat := memory.NewCatalog()
	now := time.Now().UTC()
	insertJob(t, cat, "batch_a", now, now.Add(time.Hour))

	// Promote once.
	ok, err := cat.Jobs.CasStatus(context.Background(), "batch_a", domain.JobPending, domain.JobInProgress, domain.StatusStamp{StartedAt: &now})
	require.NoError(t, err)
	require.True(t, ok)

	// A second promoter loses the race: ok=false, no error.
	ok, err = cat.Jobs.CasStatus(context.Background(), "batch_a", domain.JobPending, domain.JobInProgress, domain.StatusStamp{StartedAt: &now})
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestCasStatus_IllegalTransitionConflicts(t *testing.T) {
	t.Parallel()
	cat := memory.NewCatalog()
	now := time.Now().UTC()
	insertJob(t, cat, "batch_a", now, now.Add(time.Hour))

	_, err := cat.Jobs.CasStatus(context.Background(), "batch_a", domain.JobPending, domain.JobCompleted, domain.StatusStamp{CompletedAt: &now})
	require.Error(t, err)
	assert.True(t, errors.Is(err, domain.ErrConflict))
}

func TestExpireOverdue(t *testing.T) {
	t.Parallel()
	cat := memory.NewCatalog()
	ctx := context.Background()
	now := time.Now().UTC()

	insertJob(t, cat, "batch_overdue", now.Add(-25*time.Hour), now.Add(-time.Hour))
	insertJob(t, cat, "batch_fresh", now, now.Add(24*time.Hour))
	insertJob(t, cat, "batch_running", now.Add(-25*time.Hour), now.Add(-time.Hour))
	ok, err := cat.Jobs.CasStatus(ctx, "batch_running", domain.JobPending, domain.JobInProgress, domain.StatusStamp{StartedAt: &now})
	require.NoError(t, err)
	require.True(t, ok)

	n, err := cat.Jobs.ExpireOverdue(ctx, now)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	expired, err := cat.Jobs.Get(ctx, "batch_overdue")
	require.NoError(t, err)
	assert.Equal(t, domain.JobExpired, expired.Status)
	require.NotNil(t, expired.CompletedAt)

	// Fresh and running jobs are untouched; the TTL only bounds queue time.
	fresh, err := cat.Jobs.Get(ctx, "batch_fresh")
	require.NoError(t, err)
	assert.Equal(t, domain.JobPending, fresh.Status)
	running, err := cat.Jobs.Get(ctx, "batch_running")
	require.NoError(t, err)
	assert.Equal(t, domain.JobInProgress, running.Status)
}

func TestHeartbeat_LastSeenNeverRegresses(t *testing.T) {
	t.Parallel()
	cat := memory.NewCatalog()
	ctx := context.Background()
	now := time.Now().UTC()

	require.NoError(t, cat.Heartbeats.Upsert(ctx, domain.WorkerHeartbeat{
		HostID: "gpu-1", Status: domain.WorkerRunning, LastSeen: now,
	}))
	// A delayed write with an older timestamp keeps the newer LastSeen.
	require.NoError(t, cat.Heartbeats.Upsert(ctx, domain.WorkerHeartbeat{
		HostID: "gpu-1", Status: domain.WorkerIdle, LastSeen: now.Add(-time.Minute),
	}))

	hb, err := cat.Heartbeats.Get(ctx, "gpu-1")
	require.NoError(t, err)
	assert.Equal(t, now, hb.LastSeen)
	assert.Equal(t, domain.WorkerIdle, hb.Status)
}

func TestQueueAccounting(t *testing.T) {
	t.Parallel()
	cat := memory.NewCatalog()
	ctx := context.Background()
	now := time.Now().UTC()

	insertJob(t, cat, "batch_a", now, now.Add(time.Hour))
	insertJob(t, cat, "batch_b", now.Add(time.Second), now.Add(time.Hour))
	require.NoError(t, cat.Jobs.IncrementCounters(ctx, "batch_a", 2, 1))

	depth, err := cat.Jobs.QueueDepth(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, depth)

	// Remaining work only: 5-2-1 for batch_a plus 5 for batch_b.
	total, err := cat.Jobs.QueuedRequestTotal(ctx)
	require.NoError(t, err)
	assert.Equal(t, 7, total)
}
