// Package httpserver contains the HTTP handlers and middleware of the
// batch API. It translates between the OpenAI-shaped wire format and
// the usecases; no business logic lives here.
package httpserver

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/fairyhunter13/llm-batchd/internal/domain"
)

type errorEnvelope struct {
	Error apiError `json:"error"`
}

type apiError struct {
	Code    string      `json:"code"`
	Message string      `json:"message"`
	Details interface{} `json:"details"`
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// writeError maps the sentinel errors to statuses and stable error
// kinds. Capacity-style rejections carry a Retry-After hint so clients
// back off instead of hammering admission.
func writeError(w http.ResponseWriter, _ *http.Request, err error, details interface{}) {
	code := http.StatusInternalServerError
	kind := "internal_error"
	switch {
	case errors.Is(err, domain.ErrInvalidInput):
		code = http.StatusBadRequest
		kind = domain.KindInvalidInput
	case errors.Is(err, domain.ErrNotFound):
		code = http.StatusNotFound
		kind = "not_found"
	case errors.Is(err, domain.ErrConflict):
		code = http.StatusConflict
		kind = "conflict"
	case errors.Is(err, domain.ErrAlreadyRetried):
		code = http.StatusBadRequest
		kind = domain.KindAlreadyRetried
	case errors.Is(err, domain.ErrQueueFull):
		code = http.StatusServiceUnavailable
		kind = domain.KindQueueFull
	case errors.Is(err, domain.ErrCapacityExhausted):
		code = http.StatusServiceUnavailable
		kind = domain.KindCapacityExhausted
	case errors.Is(err, domain.ErrGPUUnhealthy):
		code = http.StatusServiceUnavailable
		kind = domain.KindGPUUnhealthy
	case errors.Is(err, domain.ErrWorkerUnavailable):
		code = http.StatusServiceUnavailable
		kind = domain.KindWorkerUnavailable
	}
	if code == http.StatusServiceUnavailable {
		w.Header().Set("Retry-After", "30")
	}
	writeJSON(w, code, errorEnvelope{Error: apiError{Code: kind, Message: err.Error(), Details: details}})
}

// jobEnvelope is the wire shape of a batch job.
type jobEnvelope struct {
	ID                string            `json:"batch_id"`
	Status            string            `json:"status"`
	Model             string            `json:"model"`
	InputFileID       string            `json:"input_file_id"`
	OutputFileID      string            `json:"output_file_id,omitempty"`
	ErrorKind         string            `json:"error_kind,omitempty"`
	TotalRequests     int               `json:"total_requests"`
	CompletedRequests int               `json:"completed_requests"`
	FailedRequests    int               `json:"failed_requests"`
	QueuePosition     int               `json:"queue_position,omitempty"`
	CreatedAt         time.Time         `json:"created_at"`
	StartedAt         *time.Time        `json:"started_at,omitempty"`
	CompletedAt       *time.Time        `json:"completed_at,omitempty"`
	ExpiresAt         time.Time         `json:"expires_at"`
	Metadata          map[string]string `json:"metadata,omitempty"`
}

func toJobEnvelope(j domain.BatchJob, position int) jobEnvelope {
	return jobEnvelope{
		ID:                j.ID,
		Status:            string(j.Status),
		Model:             j.Model,
		InputFileID:       j.InputFileID,
		OutputFileID:      j.OutputFileID,
		ErrorKind:         j.ErrorKind,
		TotalRequests:     j.TotalRequests,
		CompletedRequests: j.CompletedRequests,
		FailedRequests:    j.FailedRequests,
		QueuePosition:     position,
		CreatedAt:         j.CreatedAt,
		StartedAt:         j.StartedAt,
		CompletedAt:       j.CompletedAt,
		ExpiresAt:         j.ExpiresAt,
		Metadata:          j.Metadata,
	}
}
