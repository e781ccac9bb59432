package webhook_test

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fairyhunter13/llm-batchd/internal/adapter/repo/memory"
	"github.com/fairyhunter13/llm-batchd/internal/domain"
	"github.com/fairyhunter13/llm-batchd/internal/webhook"
)

type attempt struct {
	signature string
	timestamp int64
	event     string
	body      []byte
}

// hookReceiver scripts status codes per attempt and records headers.
type hookReceiver struct {
	mu       sync.Mutex
	statuses []int
	attempts []attempt
}

func (h *hookReceiver) handler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		h.mu.Lock()
		defer h.mu.Unlock()
		body, _ := io.ReadAll(r.Body)
		ts, _ := strconv.ParseInt(r.Header.Get(webhook.HeaderTimestamp), 10, 64)
		h.attempts = append(h.attempts, attempt{
			signature: r.Header.Get(webhook.HeaderSignature),
			timestamp: ts,
			event:     r.Header.Get(webhook.HeaderEvent),
			body:      body,
		})
		status := http.StatusInternalServerError
		if len(h.attempts) <= len(h.statuses) {
			status = h.statuses[len(h.attempts)-1]
		}
		w.WriteHeader(status)
	}
}

func (h *hookReceiver) count() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.attempts)
}

func testJob(url string, retries int) domain.BatchJob {
	return domain.BatchJob{
		ID: "batch_a", Model: "llama-3-8b", Status: domain.JobCompleted,
		TotalRequests: 2, CompletedRequests: 2,
		Webhook: &domain.WebhookConfig{
			URL: url, Secret: "s3cr3t-s3cr3t", Retries: retries, TimeoutS: 5,
		},
	}
}

func newDispatcher(cat *memory.Catalog) *webhook.Dispatcher {
	return webhook.NewDispatcher(cat.DeadLetters, 10*time.Millisecond, 16, slog.Default())
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("condition not met in time")
}

func TestDispatcher_RetriesThenDelivers(t *testing.T) {
	t.Parallel()
	recv := &hookReceiver{statuses: []int{500, 500, 200}}
	srv := httptest.NewServer(recv.handler())
	defer srv.Close()

	cat := memory.NewCatalog()
	d := newDispatcher(cat)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	d.Start(ctx)

	d.Notify(testJob(srv.URL, 3), domain.EventCompleted)
	waitFor(t, func() bool { return recv.count() == 3 })

	// Every attempt carries a valid signature over its own timestamp, and
	// the body timestamp matches the header of that attempt.
	recv.mu.Lock()
	for _, a := range recv.attempts {
		assert.True(t, webhook.Verify("s3cr3t-s3cr3t", a.timestamp, a.body, a.signature))
		assert.Equal(t, domain.EventCompleted, a.event)
		var p webhook.Payload
		require.NoError(t, json.Unmarshal(a.body, &p))
		assert.Equal(t, "batch_a", p.BatchID)
		assert.Equal(t, string(domain.JobCompleted), p.Status)
		assert.Equal(t, 2, p.TotalRequests)
		assert.Equal(t, 2, p.CompletedRequests)
		assert.Equal(t, a.timestamp, p.Timestamp)
	}
	recv.mu.Unlock()

	// Delivered: no dead letter.
	letters, err := cat.DeadLetters.List(context.Background(), 10)
	require.NoError(t, err)
	assert.Empty(t, letters)
}

func TestDispatcher_DeadLettersOnExhaustion(t *testing.T) {
	t.Parallel()
	recv := &hookReceiver{} // always 500
	srv := httptest.NewServer(recv.handler())
	defer srv.Close()

	cat := memory.NewCatalog()
	d := newDispatcher(cat)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	d.Start(ctx)

	d.Notify(testJob(srv.URL, 2), domain.EventFailed)
	waitFor(t, func() bool {
		letters, _ := cat.DeadLetters.List(context.Background(), 10)
		return len(letters) == 1
	})

	assert.Equal(t, 3, recv.count()) // initial attempt + 2 retries
	letters, err := cat.DeadLetters.List(context.Background(), 10)
	require.NoError(t, err)
	dl := letters[0]
	assert.Equal(t, "batch_a", dl.JobID)
	assert.Equal(t, domain.EventFailed, dl.Event)
	assert.Equal(t, 3, dl.AttemptCount)
	assert.False(t, dl.RetrySuccess)

	var payload webhook.Payload
	require.NoError(t, json.Unmarshal(dl.Payload, &payload))
	assert.Equal(t, domain.EventFailed, payload.Event)
	assert.Equal(t, "batch_a", payload.BatchID)
	assert.NotZero(t, payload.Timestamp)
}

func TestDispatcher_EventFilter(t *testing.T) {
	t.Parallel()
	recv := &hookReceiver{statuses: []int{200}}
	srv := httptest.NewServer(recv.handler())
	defer srv.Close()

	cat := memory.NewCatalog()
	d := newDispatcher(cat)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	d.Start(ctx)

	job := testJob(srv.URL, 1)
	job.Webhook.Events = []string{domain.EventCompleted}
	d.Notify(job, domain.EventProgress) // filtered out
	d.Notify(job, domain.EventCompleted)
	waitFor(t, func() bool { return recv.count() == 1 })

	recv.mu.Lock()
	defer recv.mu.Unlock()
	assert.Equal(t, domain.EventCompleted, recv.attempts[0].event)
}

func TestDispatcher_NoWebhookConfigIsNoop(t *testing.T) {
	t.Parallel()
	cat := memory.NewCatalog()
	d := newDispatcher(cat)
	job := domain.BatchJob{ID: "batch_a", Status: domain.JobCompleted}
	d.Notify(job, domain.EventCompleted) // must not panic or enqueue
}

func TestDispatcher_Resend(t *testing.T) {
	t.Parallel()
	recv := &hookReceiver{statuses: []int{200}}
	srv := httptest.NewServer(recv.handler())
	defer srv.Close()

	cat := memory.NewCatalog()
	d := newDispatcher(cat)

	dl := domain.WebhookDeadLetter{
		JobID: "batch_a", URL: srv.URL, Event: domain.EventCompleted,
		Payload: []byte(`{"event":"completed","batch_id":"batch_a","timestamp":1700000000}`),
	}
	require.NoError(t, d.Resend(context.Background(), dl, "s3cr3t-s3cr3t", 5))
	require.Equal(t, 1, recv.count())

	recv.mu.Lock()
	defer recv.mu.Unlock()
	a := recv.attempts[0]
	assert.Equal(t, dl.Payload, a.body)
	assert.True(t, webhook.Verify("s3cr3t-s3cr3t", a.timestamp, a.body, a.signature))
}
