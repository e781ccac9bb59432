package hooks

import (
	"log/slog"

	"github.com/fairyhunter13/llm-batchd/internal/domain"
	"github.com/fairyhunter13/llm-batchd/internal/webhook"
)

// WebhookHandler forwards job events to the webhook dispatcher. It runs
// late in the chain so internal handlers observe the event first.
type WebhookHandler struct {
	Dispatcher *webhook.Dispatcher
}

// Name implements Handler.
func (h *WebhookHandler) Name() string { return "webhook" }

// Priority implements Handler.
func (h *WebhookHandler) Priority() int { return 100 }

// Enabled implements Handler.
func (h *WebhookHandler) Enabled() bool { return h.Dispatcher != nil }

// Handle enqueues the event; delivery is asynchronous.
func (h *WebhookHandler) Handle(_ domain.Context, job domain.BatchJob, event string) error {
	h.Dispatcher.Notify(job, event)
	return nil
}

// OnError implements Handler; enqueueing never fails so this is a no-op.
func (h *WebhookHandler) OnError(domain.Context, domain.BatchJob, string, error) {}

// AuditLogHandler writes one structured log line per job event. First in
// the chain so every event is recorded even when later handlers fail.
type AuditLogHandler struct {
	Log *slog.Logger
}

// Name implements Handler.
func (h *AuditLogHandler) Name() string { return "audit_log" }

// Priority implements Handler.
func (h *AuditLogHandler) Priority() int { return 0 }

// Enabled implements Handler.
func (h *AuditLogHandler) Enabled() bool { return h.Log != nil }

// Handle logs the event.
func (h *AuditLogHandler) Handle(_ domain.Context, job domain.BatchJob, event string) error {
	h.Log.Info("job event",
		slog.String("job_id", job.ID),
		slog.String("event", event),
		slog.String("status", string(job.Status)),
		slog.String("model", job.Model),
		slog.Int("completed", job.CompletedRequests),
		slog.Int("failed", job.FailedRequests),
		slog.Int("total", job.TotalRequests))
	return nil
}

// OnError implements Handler.
func (h *AuditLogHandler) OnError(domain.Context, domain.BatchJob, string, error) {}
