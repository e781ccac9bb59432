package observability

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
)

var (
	HTTPRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"route", "method", "status"},
	)
	HTTPRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5},
		},
		[]string{"route", "method"},
	)

	JobsAdmittedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "batch_jobs_admitted_total",
			Help: "Total number of batch jobs admitted to the queue",
		},
	)
	JobsRejectedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "batch_jobs_rejected_total",
			Help: "Total number of batch jobs rejected at admission by error kind",
		},
		[]string{"kind"},
	)
	JobsFinishedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "batch_jobs_finished_total",
			Help: "Total number of batch jobs reaching a terminal state",
		},
		[]string{"status"},
	)
	QueueDepth = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "batch_queue_depth",
			Help: "Number of pending and in_progress batch jobs",
		},
	)

	ChunksProcessedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "batch_chunks_processed_total",
			Help: "Total number of executor chunks processed",
		},
	)
	RequestsProcessedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "batch_requests_processed_total",
			Help: "Total number of inference requests processed by outcome",
		},
		[]string{"outcome"},
	)
	ModelSwapsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "batch_model_swaps_total",
			Help: "Total number of model hot swaps performed by the worker",
		},
	)
	ModelLoadDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "batch_model_load_duration_seconds",
			Help:    "Model load duration in seconds",
			Buckets: []float64{1, 5, 15, 30, 60, 120, 300},
		},
	)

	WebhookAttemptsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "webhook_attempts_total",
			Help: "Total number of webhook delivery attempts by outcome",
		},
		[]string{"outcome"},
	)
	WebhookDeadLettersTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "webhook_dead_letters_total",
			Help: "Total number of webhook deliveries dead-lettered",
		},
	)

	GPUMemoryPercent = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "gpu_memory_percent",
			Help: "GPU memory utilisation percent from the last probe",
		},
	)
	GPUTemperatureC = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "gpu_temperature_celsius",
			Help: "GPU temperature from the last probe",
		},
	)
)

func InitMetrics() {
	prometheus.MustRegister(HTTPRequestsTotal)
	prometheus.MustRegister(HTTPRequestDuration)
	prometheus.MustRegister(JobsAdmittedTotal)
	prometheus.MustRegister(JobsRejectedTotal)
	prometheus.MustRegister(JobsFinishedTotal)
	prometheus.MustRegister(QueueDepth)
	prometheus.MustRegister(ChunksProcessedTotal)
	prometheus.MustRegister(RequestsProcessedTotal)
	prometheus.MustRegister(ModelSwapsTotal)
	prometheus.MustRegister(ModelLoadDuration)
	prometheus.MustRegister(WebhookAttemptsTotal)
	prometheus.MustRegister(WebhookDeadLettersTotal)
	prometheus.MustRegister(GPUMemoryPercent)
	prometheus.MustRegister(GPUTemperatureC)
}

// HTTPMetricsMiddleware records Prometheus metrics for each request.
func HTTPMetricsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		dur := time.Since(start).Seconds()
		// Route pattern may be unavailable outside chi router; guard nil
		var route string
		if rc := chi.RouteContext(r.Context()); rc != nil {
			route = rc.RoutePattern()
		}
		if route == "" {
			route = r.URL.Path
		}
		method := r.Method
		status := ww.Status()
		HTTPRequestsTotal.WithLabelValues(route, method, http.StatusText(status)).Inc()
		HTTPRequestDuration.WithLabelValues(route, method).Observe(dur)
	})
}

// ObserveGPU publishes the latest probe snapshot.
func ObserveGPU(memoryPercent, temperatureC float64) {
	GPUMemoryPercent.Set(memoryPercent)
	GPUTemperatureC.Set(temperatureC)
}
