// Command worker runs the GPU-host scheduler and executor.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/fairyhunter13/llm-batchd/internal/adapter/engine"
	"github.com/fairyhunter13/llm-batchd/internal/adapter/filestore"
	"github.com/fairyhunter13/llm-batchd/internal/adapter/gpu"
	"github.com/fairyhunter13/llm-batchd/internal/adapter/observability"
	"github.com/fairyhunter13/llm-batchd/internal/adapter/repo/postgres"
	"github.com/fairyhunter13/llm-batchd/internal/config"
	"github.com/fairyhunter13/llm-batchd/internal/domain"
	"github.com/fairyhunter13/llm-batchd/internal/hooks"
	"github.com/fairyhunter13/llm-batchd/internal/webhook"
	"github.com/fairyhunter13/llm-batchd/internal/worker"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		panic(err)
	}

	logger := observability.SetupLogger(cfg)
	slog.SetDefault(logger)

	observability.InitMetrics()

	shutdownTracer, err := observability.SetupTracing(cfg)
	if err != nil {
		slog.Error("failed to setup tracing", slog.Any("error", err))
	}
	defer func() {
		if shutdownTracer != nil {
			_ = shutdownTracer(context.Background())
		}
	}()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	pool, err := postgres.NewPool(ctx, cfg.DBURL)
	if err != nil {
		slog.Error("db connect failed", slog.Any("error", err))
		os.Exit(1)
	}
	defer pool.Close()
	if err := postgres.Migrate(ctx, pool); err != nil {
		slog.Error("db migrate failed", slog.Any("error", err))
		os.Exit(1)
	}

	jobRepo := postgres.NewJobRepo(pool)
	failedRepo := postgres.NewFailedRequestRepo(pool)
	hbRepo := postgres.NewHeartbeatRepo(pool)
	dlRepo := postgres.NewDeadLetterRepo(pool)

	store, err := filestore.New(cfg.FileStoreRoot)
	if err != nil {
		slog.Error("filestore init failed", slog.Any("error", err))
		os.Exit(1)
	}

	var probe domain.GPUProbe
	var eng domain.Engine
	if cfg.EngineMode == "stub" {
		probe = &gpu.Static{Health: domain.GPUHealth{MemoryPercent: 20, TemperatureC: 40, FreeBytes: 16 << 30}}
		eng = engine.NewStub()
		slog.Info("stub engine enabled")
	} else {
		probe = gpu.NewNvidiaSMI()
		eng = engine.NewHTTP(cfg.EngineBaseURL, cfg.EngineParallel, cfg.EngineTimeout)
	}

	hostID := cfg.HostID
	if hostID == "" {
		hostID, _ = os.Hostname()
	}

	// Webhook dispatch and the result-handler chain
	dispatcher := webhook.NewDispatcher(dlRepo, cfg.WebhookBackoffBase, cfg.WebhookQueueSize, logger)
	dispatcher.Start(ctx)

	registry := hooks.NewRegistry(logger)
	registry.Register(&hooks.AuditLogHandler{Log: logger})
	registry.Register(&hooks.WebhookHandler{Dispatcher: dispatcher})
	if err := registry.LoadOverrides(cfg.HooksConfigPath); err != nil {
		slog.Error("hooks config load failed", slog.Any("error", err))
		os.Exit(1)
	}

	executor := &worker.Executor{
		Jobs:   jobRepo,
		Failed: failedRepo,
		Store:  store,
		Engine: eng,
		GPU:    probe,
		Cfg: worker.ExecutorConfig{
			ChunkSize:               cfg.ChunkSize,
			ChunkSizeFloor:          cfg.ChunkSizeFloor,
			GPUMemoryChunkThreshold: cfg.GPUMemoryChunkThreshold,
			GPUFreeBytesFloor:       cfg.GPUFreeBytesFloor,
		},
		Log: logger,
	}
	scheduler := worker.NewScheduler(jobRepo, hbRepo, eng, probe, executor, registry, worker.SchedulerConfig{
		HostID:                 hostID,
		PollInterval:           cfg.PollInterval,
		ModelSwapCooldown:      cfg.ModelSwapCooldown,
		WorkerLivenessDeadline: cfg.WorkerLivenessDeadline,
	}, logger)
	executor.Progress = scheduler.ProgressNotifier()

	// Worker-side metrics endpoint
	metricsSrv := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.WorkerMetricsPort),
		Handler:           promhttp.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		slog.Info("worker metrics listening", slog.Int("port", cfg.WorkerMetricsPort))
		if err := metricsSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("metrics server error", slog.Any("error", err))
		}
	}()

	slog.Info("worker starting", slog.String("host_id", hostID), slog.String("engine_mode", cfg.EngineMode))
	if err := scheduler.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		slog.Error("scheduler stopped", slog.Any("error", err))
	}

	// In-flight webhook deliveries drain before exit; the running job, if
	// any, stays in_progress for the next start to resume.
	dispatcher.Close()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ServerShutdownTimeout)
	defer cancel()
	_ = metricsSrv.Shutdown(shutdownCtx)
}
