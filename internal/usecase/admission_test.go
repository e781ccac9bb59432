package usecase_test

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fairyhunter13/llm-batchd/internal/adapter/filestore"
	"github.com/fairyhunter13/llm-batchd/internal/adapter/gpu"
	"github.com/fairyhunter13/llm-batchd/internal/adapter/repo/memory"
	"github.com/fairyhunter13/llm-batchd/internal/domain"
	"github.com/fairyhunter13/llm-batchd/internal/usecase"
)

func inputJSONL(model string, n int) string {
	var sb strings.Builder
	for i := 0; i < n; i++ {
		sb.WriteString(fmt.Sprintf(
			`{"custom_id":"req-%d","method":"POST","url":"/v1/chat/completions","body":{"model":"%s","messages":[{"role":"user","content":"hi"}]}}`,
			i, model))
		sb.WriteString("\n")
	}
	return sb.String()
}

type admissionFixture struct {
	cat   *memory.Catalog
	store *filestore.Local
	probe *gpu.Static
	svc   *usecase.AdmissionService
}

func newAdmissionFixture(t *testing.T) *admissionFixture {
	t.Helper()
	cat := memory.NewCatalog()
	store, err := filestore.New(t.TempDir())
	require.NoError(t, err)
	probe := &gpu.Static{Health: domain.GPUHealth{MemoryPercent: 30, TemperatureC: 50, FreeBytes: 16 << 30}}
	svc := usecase.NewAdmissionService(cat.Jobs, cat.Heartbeats, store, probe, usecase.AdmissionConfig{
		MaxRequestsPerJob:        100,
		MaxQueueDepth:            2,
		MaxTotalQueuedRequests:   150,
		GPUMemoryRejectThreshold: 95,
		GPUTempRejectThreshold:   85,
		WorkerLivenessDeadline:   time.Minute,
		JobTTL:                   24 * time.Hour,
		WebhookDefaultRetries:    3,
		WebhookDefaultTimeoutS:   30,
	})
	// A live worker by default; tests override as needed.
	require.NoError(t, cat.Heartbeats.Upsert(context.Background(), domain.WorkerHeartbeat{
		HostID: "gpu-1", Status: domain.WorkerIdle, LastSeen: time.Now().UTC(),
	}))
	return &admissionFixture{cat: cat, store: store, probe: probe, svc: svc}
}

func (f *admissionFixture) upload(t *testing.T, content string) string {
	t.Helper()
	info, err := f.store.PutInput(context.Background(), strings.NewReader(content))
	require.NoError(t, err)
	return info.ID
}

func TestSubmit_Admitted(t *testing.T) {
	t.Parallel()
	f := newAdmissionFixture(t)
	fileID := f.upload(t, inputJSONL("llama-3-8b", 5))

	job, err := f.svc.Submit(context.Background(), usecase.SubmitRequest{
		InputFileID: fileID,
		Model:       "llama-3-8b",
		Metadata:    map[string]string{"team": "search"},
	})
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(job.ID, "batch_"))
	assert.Equal(t, domain.JobPending, job.Status)
	assert.Equal(t, 5, job.TotalRequests)
	assert.Equal(t, fileID, job.InputFileID)
	assert.True(t, job.ExpiresAt.After(job.CreatedAt))

	stored, err := f.cat.Jobs.Get(context.Background(), job.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.JobPending, stored.Status)
}

func TestSubmit_ModelMismatch(t *testing.T) {
	t.Parallel()
	f := newAdmissionFixture(t)
	fileID := f.upload(t, inputJSONL("mistral-7b", 2))

	_, err := f.svc.Submit(context.Background(), usecase.SubmitRequest{InputFileID: fileID, Model: "llama-3-8b"})
	require.Error(t, err)
	assert.True(t, errors.Is(err, domain.ErrInvalidInput))
}

func TestSubmit_MissingInputFile(t *testing.T) {
	t.Parallel()
	f := newAdmissionFixture(t)
	_, err := f.svc.Submit(context.Background(), usecase.SubmitRequest{
		InputFileID: "file-00000000000000000000000000000000", Model: "llama-3-8b",
	})
	require.Error(t, err)
	assert.True(t, errors.Is(err, domain.ErrInvalidInput))
}

func TestSubmit_TooManyRequests(t *testing.T) {
	t.Parallel()
	f := newAdmissionFixture(t)
	fileID := f.upload(t, inputJSONL("llama-3-8b", 101))

	_, err := f.svc.Submit(context.Background(), usecase.SubmitRequest{InputFileID: fileID, Model: "llama-3-8b"})
	require.Error(t, err)
	assert.True(t, errors.Is(err, domain.ErrInvalidInput))
}

func TestSubmit_QueueFull(t *testing.T) {
	t.Parallel()
	f := newAdmissionFixture(t)
	for i := 0; i < 2; i++ {
		fileID := f.upload(t, inputJSONL("llama-3-8b", i+1))
		_, err := f.svc.Submit(context.Background(), usecase.SubmitRequest{InputFileID: fileID, Model: "llama-3-8b"})
		require.NoError(t, err)
	}

	fileID := f.upload(t, inputJSONL("llama-3-8b", 3))
	_, err := f.svc.Submit(context.Background(), usecase.SubmitRequest{InputFileID: fileID, Model: "llama-3-8b"})
	require.Error(t, err)
	assert.True(t, errors.Is(err, domain.ErrQueueFull))
}

func TestSubmit_CapacityExhausted(t *testing.T) {
	t.Parallel()
	f := newAdmissionFixture(t)
	fileID := f.upload(t, inputJSONL("llama-3-8b", 100))
	_, err := f.svc.Submit(context.Background(), usecase.SubmitRequest{InputFileID: fileID, Model: "llama-3-8b"})
	require.NoError(t, err)

	fileID = f.upload(t, inputJSONL("llama-3-8b", 51))
	_, err = f.svc.Submit(context.Background(), usecase.SubmitRequest{InputFileID: fileID, Model: "llama-3-8b"})
	require.Error(t, err)
	assert.True(t, errors.Is(err, domain.ErrCapacityExhausted))
}

func TestSubmit_GPUUnhealthy(t *testing.T) {
	t.Parallel()
	f := newAdmissionFixture(t)
	f.probe.Health = domain.GPUHealth{MemoryPercent: 97, TemperatureC: 60}
	fileID := f.upload(t, inputJSONL("llama-3-8b", 1))

	_, err := f.svc.Submit(context.Background(), usecase.SubmitRequest{InputFileID: fileID, Model: "llama-3-8b"})
	require.Error(t, err)
	assert.True(t, errors.Is(err, domain.ErrGPUUnhealthy))
}

func TestSubmit_GPUAtThresholdAdmits(t *testing.T) {
	t.Parallel()
	f := newAdmissionFixture(t)
	// Rejection is strictly above the thresholds.
	f.probe.Health = domain.GPUHealth{MemoryPercent: 95, TemperatureC: 85}
	fileID := f.upload(t, inputJSONL("llama-3-8b", 1))

	_, err := f.svc.Submit(context.Background(), usecase.SubmitRequest{InputFileID: fileID, Model: "llama-3-8b"})
	require.NoError(t, err)
}

func TestSubmit_QueueFullWinsOverGPU(t *testing.T) {
	t.Parallel()
	f := newAdmissionFixture(t)
	for i := 0; i < 2; i++ {
		fileID := f.upload(t, inputJSONL("llama-3-8b", i+1))
		_, err := f.svc.Submit(context.Background(), usecase.SubmitRequest{InputFileID: fileID, Model: "llama-3-8b"})
		require.NoError(t, err)
	}
	// Queue depth and GPU saturation trip together; the depth gate runs
	// first and names the rejection.
	f.probe.Health = domain.GPUHealth{MemoryPercent: 99, TemperatureC: 95}

	fileID := f.upload(t, inputJSONL("llama-3-8b", 3))
	_, err := f.svc.Submit(context.Background(), usecase.SubmitRequest{InputFileID: fileID, Model: "llama-3-8b"})
	require.Error(t, err)
	assert.True(t, errors.Is(err, domain.ErrQueueFull))
}

func TestSubmit_ProbeFailureSkipsGPUGate(t *testing.T) {
	t.Parallel()
	f := newAdmissionFixture(t)
	f.probe.Err = errors.New("nvidia-smi not found")
	fileID := f.upload(t, inputJSONL("llama-3-8b", 1))

	_, err := f.svc.Submit(context.Background(), usecase.SubmitRequest{InputFileID: fileID, Model: "llama-3-8b"})
	require.NoError(t, err)
}

func TestSubmit_WorkerUnavailable(t *testing.T) {
	t.Parallel()
	f := newAdmissionFixture(t)
	cat := memory.NewCatalog()
	stale := domain.WorkerHeartbeat{HostID: "gpu-1", Status: domain.WorkerIdle, LastSeen: time.Now().UTC().Add(-5 * time.Minute)}
	require.NoError(t, cat.Heartbeats.Upsert(context.Background(), stale))
	svc := usecase.NewAdmissionService(cat.Jobs, cat.Heartbeats, f.store, f.probe, usecase.AdmissionConfig{
		MaxRequestsPerJob:      100,
		MaxQueueDepth:          2,
		MaxTotalQueuedRequests: 150,
		WorkerLivenessDeadline: time.Minute,
		JobTTL:                 24 * time.Hour,
	})
	fileID := f.upload(t, inputJSONL("llama-3-8b", 1))

	_, err := svc.Submit(context.Background(), usecase.SubmitRequest{InputFileID: fileID, Model: "llama-3-8b"})
	require.Error(t, err)
	assert.True(t, errors.Is(err, domain.ErrWorkerUnavailable))
}

func TestSubmit_WebhookValidation(t *testing.T) {
	t.Parallel()
	f := newAdmissionFixture(t)
	fileID := f.upload(t, inputJSONL("llama-3-8b", 1))

	cases := []struct {
		name string
		w    *domain.WebhookConfig
	}{
		{"relative url", &domain.WebhookConfig{URL: "/hook", Secret: "s3cr3t-s3cr3t"}},
		{"bad scheme", &domain.WebhookConfig{URL: "ftp://x/hook", Secret: "s3cr3t-s3cr3t"}},
		{"missing secret", &domain.WebhookConfig{URL: "https://x/hook"}},
		{"unknown event", &domain.WebhookConfig{URL: "https://x/hook", Secret: "s3cr3t-s3cr3t", Events: []string{"started"}}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := f.svc.Submit(context.Background(), usecase.SubmitRequest{
				InputFileID: fileID, Model: "llama-3-8b", Webhook: tc.w,
			})
			require.Error(t, err)
			assert.True(t, errors.Is(err, domain.ErrInvalidInput))
		})
	}
}

func TestSubmit_WebhookDefaultsClamped(t *testing.T) {
	t.Parallel()
	f := newAdmissionFixture(t)
	fileID := f.upload(t, inputJSONL("llama-3-8b", 1))

	job, err := f.svc.Submit(context.Background(), usecase.SubmitRequest{
		InputFileID: fileID, Model: "llama-3-8b",
		Webhook: &domain.WebhookConfig{URL: "https://example.com/hook", Secret: "s3cr3t-s3cr3t", Retries: 99, TimeoutS: 1},
	})
	require.NoError(t, err)
	require.NotNil(t, job.Webhook)
	assert.Equal(t, 10, job.Webhook.Retries)
	assert.Equal(t, 5, job.Webhook.TimeoutS)

	job2, err := f.svc.Submit(context.Background(), usecase.SubmitRequest{
		InputFileID: fileID, Model: "llama-3-8b",
		Webhook: &domain.WebhookConfig{URL: "https://example.com/hook", Secret: "s3cr3t-s3cr3t"},
	})
	require.NoError(t, err)
	assert.Equal(t, 3, job2.Webhook.Retries)
	assert.Equal(t, 30, job2.Webhook.TimeoutS)
}
