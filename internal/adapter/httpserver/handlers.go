package httpserver

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"

	"github.com/fairyhunter13/llm-batchd/internal/config"
	"github.com/fairyhunter13/llm-batchd/internal/domain"
	"github.com/fairyhunter13/llm-batchd/internal/usecase"
)

var (
	vld     *validator.Validate
	vldOnce sync.Once
)

func getValidator() *validator.Validate {
	vldOnce.Do(func() { vld = validator.New() })
	return vld
}

// Server bundles the usecases behind the HTTP handlers.
type Server struct {
	Cfg         config.Config
	Files       usecase.FileService
	Admission   *usecase.AdmissionService
	Batches     *usecase.BatchService
	DeadLetters *usecase.DeadLetterService
	Heartbeats  domain.HeartbeatRepository
	Jobs        domain.JobRepository
	GPU         domain.GPUProbe
	DBCheck     func(ctx domain.Context) error
	Now         func() time.Time
}

// NewServer constructs an HTTP server with all handlers wired.
func NewServer(cfg config.Config, files usecase.FileService, admission *usecase.AdmissionService, batches *usecase.BatchService, letters *usecase.DeadLetterService, hbs domain.HeartbeatRepository, jobs domain.JobRepository, gpu domain.GPUProbe, dbCheck func(domain.Context) error) *Server {
	return &Server{
		Cfg: cfg, Files: files, Admission: admission, Batches: batches,
		DeadLetters: letters, Heartbeats: hbs, Jobs: jobs, GPU: gpu,
		DBCheck: dbCheck, Now: time.Now,
	}
}

// UploadFileHandler accepts a multipart batch input file.
func (s *Server) UploadFileHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if !strings.Contains(r.Header.Get("Content-Type"), "multipart/form-data") {
			writeError(w, r, fmt.Errorf("%w: content-type must be multipart/form-data", domain.ErrInvalidInput), nil)
			return
		}
		maxBytes := s.Cfg.MaxUploadMB << 20
		r.Body = http.MaxBytesReader(w, r.Body, maxBytes+(1<<20))
		if err := r.ParseMultipartForm(32 << 20); err != nil {
			if strings.Contains(strings.ToLower(err.Error()), "too large") {
				w.Header().Set("Content-Type", "application/json; charset=utf-8")
				w.WriteHeader(http.StatusRequestEntityTooLarge)
				_ = json.NewEncoder(w).Encode(errorEnvelope{Error: apiError{
					Code: domain.KindInvalidInput, Message: "payload too large",
					Details: map[string]any{"max_mb": s.Cfg.MaxUploadMB}}})
				return
			}
			writeError(w, r, fmt.Errorf("%w: %v", domain.ErrInvalidInput, err), nil)
			return
		}
		if p := r.FormValue("purpose"); p != "" && p != "batch" {
			writeError(w, r, fmt.Errorf("%w: purpose must be batch", domain.ErrInvalidInput), map[string]string{"purpose": p})
			return
		}
		f, _, err := r.FormFile("file")
		if err != nil {
			writeError(w, r, fmt.Errorf("%w: file field required", domain.ErrInvalidInput), map[string]string{"field": "file"})
			return
		}
		defer func() { _ = f.Close() }()

		info, err := s.Files.Upload(r.Context(), f)
		if err != nil {
			writeError(w, r, err, nil)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"id":      info.ID,
			"bytes":   info.Bytes,
			"purpose": "batch",
		})
	}
}

// FileContentHandler streams a stored file: input files by their
// content-addressed id, output files by the owning batch id.
func (s *Server) FileContentHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")
		var (
			rc  io.ReadCloser
			err error
		)
		switch {
		case strings.HasPrefix(id, "file-"):
			rc, err = s.Files.OpenInput(r.Context(), id)
		case strings.HasPrefix(id, "batch_"):
			rc, err = s.Batches.OpenOutput(r.Context(), id)
		default:
			err = fmt.Errorf("%w: unknown file id %q", domain.ErrNotFound, id)
		}
		if err != nil {
			writeError(w, r, err, nil)
			return
		}
		defer func() { _ = rc.Close() }()
		w.Header().Set("Content-Type", "application/x-ndjson")
		_, _ = io.Copy(w, rc)
	}
}

type webhookBody struct {
	URL      string   `json:"url" validate:"required,url"`
	Secret   string   `json:"secret" validate:"required,min=8"`
	Events   []string `json:"events" validate:"omitempty,dive,oneof=completed failed progress"`
	Retries  int      `json:"retries" validate:"omitempty,min=0,max=10"`
	TimeoutS int      `json:"timeout_s" validate:"omitempty,min=0,max=300"`
}

type createBatchBody struct {
	InputFileID      string            `json:"input_file_id" validate:"required"`
	Endpoint         string            `json:"endpoint" validate:"omitempty,oneof=/v1/chat/completions"`
	CompletionWindow string            `json:"completion_window" validate:"omitempty,oneof=24h"`
	Model            string            `json:"model" validate:"required"`
	Metadata         map[string]string `json:"metadata" validate:"omitempty,max=16"`
	Webhook          *webhookBody      `json:"webhook"`
}

// CreateBatchHandler runs admission and returns the pending job.
func (s *Server) CreateBatchHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var body createBatchBody
		dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20))
		dec.DisallowUnknownFields()
		if err := dec.Decode(&body); err != nil {
			writeError(w, r, fmt.Errorf("%w: %v", domain.ErrInvalidInput, err), nil)
			return
		}
		if err := getValidator().Struct(body); err != nil {
			writeError(w, r, fmt.Errorf("%w: %v", domain.ErrInvalidInput, err), nil)
			return
		}

		req := usecase.SubmitRequest{
			InputFileID: body.InputFileID,
			Model:       body.Model,
			Metadata:    body.Metadata,
		}
		if body.Webhook != nil {
			req.Webhook = &domain.WebhookConfig{
				URL:      body.Webhook.URL,
				Secret:   body.Webhook.Secret,
				Events:   body.Webhook.Events,
				Retries:  body.Webhook.Retries,
				TimeoutS: body.Webhook.TimeoutS,
			}
		}
		job, err := s.Admission.Submit(r.Context(), req)
		if err != nil {
			writeError(w, r, err, nil)
			return
		}
		pos, _ := s.Jobs.QueuePosition(r.Context(), job.ID)
		writeJSON(w, http.StatusCreated, toJobEnvelope(job, pos+1))
	}
}

// GetBatchHandler returns one job with its queue position while pending.
func (s *Server) GetBatchHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		view, err := s.Batches.Get(r.Context(), chi.URLParam(r, "id"))
		if err != nil {
			writeError(w, r, err, nil)
			return
		}
		writeJSON(w, http.StatusOK, toJobEnvelope(view.Job, view.Position))
	}
}

// ListBatchesHandler lists jobs, newest first.
func (s *Server) ListBatchesHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		limit := 100
		if v := r.URL.Query().Get("limit"); v != "" {
			n, err := strconv.Atoi(v)
			if err != nil || n < 1 || n > 1000 {
				writeError(w, r, fmt.Errorf("%w: limit must be 1..1000", domain.ErrInvalidInput), nil)
				return
			}
			limit = n
		}
		jobs, err := s.Batches.List(r.Context(), r.URL.Query().Get("status"), limit)
		if err != nil {
			writeError(w, r, err, nil)
			return
		}
		out := make([]jobEnvelope, 0, len(jobs))
		for _, j := range jobs {
			out = append(out, toJobEnvelope(j, 0))
		}
		writeJSON(w, http.StatusOK, map[string]any{"batches": out, "count": len(out)})
	}
}

// CancelBatchHandler cancels a pending job.
func (s *Server) CancelBatchHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		_, err := s.Batches.Cancel(r.Context(), chi.URLParam(r, "id"))
		if err != nil {
			writeError(w, r, err, nil)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}
}

// BatchResultsHandler streams the output file of a terminal job.
func (s *Server) BatchResultsHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		rc, err := s.Batches.OpenOutput(r.Context(), chi.URLParam(r, "id"))
		if err != nil {
			writeError(w, r, err, nil)
			return
		}
		defer func() { _ = rc.Close() }()
		w.Header().Set("Content-Type", "application/x-ndjson")
		_, _ = io.Copy(w, rc)
	}
}

// BatchFailedHandler lists the per-request errors of a job.
func (s *Server) BatchFailedHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		frs, err := s.Batches.FailedRequests(r.Context(), chi.URLParam(r, "id"))
		if err != nil {
			writeError(w, r, err, nil)
			return
		}
		out := make([]map[string]any, 0, len(frs))
		for _, fr := range frs {
			out = append(out, map[string]any{
				"custom_id":     fr.CustomID,
				"error_kind":    fr.ErrorKind,
				"error_message": fr.ErrorMessage,
				"retry_count":   fr.RetryCount,
			})
		}
		writeJSON(w, http.StatusOK, map[string]any{"failed": out, "count": len(out)})
	}
}

// RetryDeadLetterHandler re-drives a dead-lettered webhook delivery.
func (s *Server) RetryDeadLetterHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
		if err != nil {
			writeError(w, r, fmt.Errorf("%w: dead letter id must be numeric", domain.ErrInvalidInput), nil)
			return
		}
		force := r.URL.Query().Get("force") == "true"
		dl, err := s.DeadLetters.Redrive(r.Context(), id, force)
		if err != nil {
			writeError(w, r, err, nil)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"retry_success": dl.RetrySuccess, "forced": dl.Forced})
	}
}

// ListDeadLettersHandler lists webhook dead letters, newest first.
func (s *Server) ListDeadLettersHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		letters, err := s.DeadLetters.List(r.Context(), 100)
		if err != nil {
			writeError(w, r, err, nil)
			return
		}
		out := make([]map[string]any, 0, len(letters))
		for _, dl := range letters {
			out = append(out, map[string]any{
				"id":            dl.ID,
				"job_id":        dl.JobID,
				"event":         dl.Event,
				"url":           dl.URL,
				"attempt_count": dl.AttemptCount,
				"retry_success": dl.RetrySuccess,
				"forced":        dl.Forced,
				"created_at":    dl.CreatedAt,
			})
		}
		writeJSON(w, http.StatusOK, map[string]any{"dead_letters": out, "count": len(out)})
	}
}

// HealthHandler aggregates worker, GPU and queue health.
func (s *Server) HealthHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()
		now := s.Now().UTC()
		resp := map[string]any{"status": "ok"}

		worker := map[string]any{"status": "unknown"}
		if hb, err := s.Heartbeats.Latest(ctx); err == nil {
			worker = map[string]any{
				"status":       string(hb.Status),
				"host_id":      hb.HostID,
				"loaded_model": hb.LoadedModel,
				"age_seconds":  int(now.Sub(hb.LastSeen).Seconds()),
				"alive":        hb.Fresh(now, s.Cfg.WorkerLivenessDeadline),
			}
		}
		resp["worker"] = worker

		gpu := map[string]any{"status": "unknown"}
		if health, err := s.GPU.Probe(ctx); err == nil {
			gpu = map[string]any{
				"memory_percent":      health.MemoryPercent,
				"utilization_percent": health.UtilizationPercent,
				"temperature_c":       health.TemperatureC,
				"free_bytes":          health.FreeBytes,
			}
		}
		resp["gpu"] = gpu

		queue := map[string]any{}
		if depth, err := s.Jobs.QueueDepth(ctx); err == nil {
			queue["depth"] = depth
		}
		if total, err := s.Jobs.QueuedRequestTotal(ctx); err == nil {
			queue["queued_requests"] = total
		}
		resp["queue"] = queue

		if s.DBCheck != nil {
			if err := s.DBCheck(ctx); err != nil {
				resp["status"] = "degraded"
				resp["db"] = err.Error()
				writeJSON(w, http.StatusServiceUnavailable, resp)
				return
			}
		}
		writeJSON(w, http.StatusOK, resp)
	}
}
