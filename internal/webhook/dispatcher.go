package webhook

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/fairyhunter13/llm-batchd/internal/adapter/observability"
	"github.com/fairyhunter13/llm-batchd/internal/domain"
)

// Payload is the JSON body POSTed to the webhook URL. Timestamp is the
// Unix-seconds instant of the attempt and always matches the
// X-Webhook-Timestamp header, so the body is re-marshalled per attempt.
type Payload struct {
	Event             string            `json:"event"`
	BatchID           string            `json:"batch_id"`
	Status            string            `json:"status"`
	Model             string            `json:"model"`
	TotalRequests     int               `json:"total_requests"`
	CompletedRequests int               `json:"completed_requests"`
	FailedRequests    int               `json:"failed_requests"`
	Timestamp         int64             `json:"timestamp"`
	ErrorKind         string            `json:"error_kind,omitempty"`
	OutputFileID      string            `json:"output_file_id,omitempty"`
	Metadata          map[string]string `json:"metadata,omitempty"`
}

type delivery struct {
	cfg     domain.WebhookConfig
	jobID   string
	event   string
	payload Payload
}

// Dispatcher delivers signed webhooks asynchronously. Deliveries are
// serialised through one goroutine; a full queue drops the event with a
// log line rather than blocking the worker.
type Dispatcher struct {
	Letters     domain.DeadLetterRepository
	Client      *http.Client
	BackoffBase time.Duration
	Log         *slog.Logger

	queue chan delivery
	wg    sync.WaitGroup
	once  sync.Once
}

// NewDispatcher constructs a Dispatcher with the given dead-letter store.
func NewDispatcher(letters domain.DeadLetterRepository, backoffBase time.Duration, queueSize int, log *slog.Logger) *Dispatcher {
	if queueSize <= 0 {
		queueSize = 256
	}
	return &Dispatcher{
		Letters:     letters,
		Client:      &http.Client{Transport: otelhttp.NewTransport(http.DefaultTransport)},
		BackoffBase: backoffBase,
		Log:         log,
		queue:       make(chan delivery, queueSize),
	}
}

// Start launches the delivery loop. The loop drains the queue after ctx
// is cancelled so enqueued events still get their attempts.
func (d *Dispatcher) Start(ctx context.Context) {
	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		for {
			select {
			case dv := <-d.queue:
				d.deliver(ctx, dv)
			case <-ctx.Done():
				for {
					select {
					case dv := <-d.queue:
						d.deliver(context.Background(), dv)
					default:
						return
					}
				}
			}
		}
	}()
}

// Close waits for the delivery loop to finish.
func (d *Dispatcher) Close() { d.wg.Wait() }

// Notify enqueues an event for the job if its webhook config subscribes
// to it. Never blocks.
func (d *Dispatcher) Notify(job domain.BatchJob, event string) {
	if job.Webhook == nil || !job.Webhook.WantsEvent(event) {
		return
	}
	p := Payload{
		Event:             event,
		BatchID:           job.ID,
		Status:            string(job.Status),
		Model:             job.Model,
		TotalRequests:     job.TotalRequests,
		CompletedRequests: job.CompletedRequests,
		FailedRequests:    job.FailedRequests,
		ErrorKind:         job.ErrorKind,
		OutputFileID:      job.OutputFileID,
		Metadata:          job.Metadata,
	}
	dv := delivery{cfg: *job.Webhook, jobID: job.ID, event: event, payload: p}
	select {
	case d.queue <- dv:
	default:
		d.Log.Warn("webhook queue full, dropping event",
			slog.String("job_id", job.ID), slog.String("event", event))
	}
}

// deliver runs the retry loop for one event. The body, signature and
// timestamp are built inside each attempt so receivers with freshness
// windows never see a stale timestamp on a retried delivery.
func (d *Dispatcher) deliver(ctx context.Context, dv delivery) {
	attempts := 0
	var lastBody []byte
	op := func() error {
		attempts++
		now := time.Now().Unix()
		p := dv.payload
		p.Timestamp = now
		body, mErr := json.Marshal(p)
		if mErr != nil {
			return backoff.Permanent(fmt.Errorf("op=webhook.marshal: %w", mErr))
		}
		lastBody = body
		return d.post(ctx, dv.cfg.URL, dv.cfg.Secret, dv.event, body, now, dv.cfg.TimeoutS)
	}
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = d.BackoffBase
	policy := backoff.WithContext(backoff.WithMaxRetries(bo, uint64(dv.cfg.Retries)), ctx)

	err := backoff.Retry(op, policy)
	if err == nil {
		observability.WebhookAttemptsTotal.WithLabelValues("delivered").Inc()
		d.Log.Info("webhook delivered",
			slog.String("job_id", dv.jobID), slog.String("event", dv.event), slog.Int("attempts", attempts))
		return
	}

	observability.WebhookAttemptsTotal.WithLabelValues("exhausted").Inc()
	observability.WebhookDeadLettersTotal.Inc()
	d.Log.Error("webhook delivery exhausted, dead-lettering",
		slog.String("job_id", dv.jobID), slog.String("event", dv.event),
		slog.Int("attempts", attempts), slog.Any("error", err))
	_, dlErr := d.Letters.Insert(ctx, domain.WebhookDeadLetter{
		JobID:        dv.jobID,
		URL:          dv.cfg.URL,
		Event:        dv.event,
		Payload:      lastBody,
		ErrorMessage: err.Error(),
		AttemptCount: attempts,
		CreatedAt:    time.Now().UTC(),
	})
	if dlErr != nil {
		d.Log.Error("dead letter insert failed", slog.String("job_id", dv.jobID), slog.Any("error", dlErr))
	}
}

// Resend re-delivers a dead-lettered payload verbatim with a fresh
// signature and header timestamp; the stored body keeps its original
// timestamp field. Single attempt; the caller records the outcome.
func (d *Dispatcher) Resend(ctx domain.Context, dl domain.WebhookDeadLetter, secret string, timeoutS int) error {
	return d.post(ctx, dl.URL, secret, dl.Event, dl.Payload, time.Now().Unix(), timeoutS)
}

func (d *Dispatcher) post(ctx context.Context, url, secret, event string, payload []byte, now int64, timeoutS int) error {
	if timeoutS <= 0 {
		timeoutS = 30
	}
	ctx, cancel := context.WithTimeout(ctx, time.Duration(timeoutS)*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return backoff.Permanent(fmt.Errorf("op=webhook.post: %w", err))
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(HeaderEvent, event)
	req.Header.Set(HeaderTimestamp, fmt.Sprintf("%d", now))
	req.Header.Set(HeaderSignature, Sign(secret, now, payload))

	resp, err := d.Client.Do(req)
	if err != nil {
		observability.WebhookAttemptsTotal.WithLabelValues("error").Inc()
		return fmt.Errorf("op=webhook.post: %w", err)
	}
	defer func() {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
		_ = resp.Body.Close()
	}()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		observability.WebhookAttemptsTotal.WithLabelValues("rejected").Inc()
		return fmt.Errorf("op=webhook.post: receiver returned %d", resp.StatusCode)
	}
	return nil
}
