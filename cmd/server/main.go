// Command server starts the batch orchestrator HTTP API.
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

	"github.com/fairyhunter13/llm-batchd/internal/adapter/filestore"
	"github.com/fairyhunter13/llm-batchd/internal/adapter/gpu"
	httpserver "github.com/fairyhunter13/llm-batchd/internal/adapter/httpserver"
	"github.com/fairyhunter13/llm-batchd/internal/adapter/observability"
	"github.com/fairyhunter13/llm-batchd/internal/adapter/repo/postgres"
	"github.com/fairyhunter13/llm-batchd/internal/app"
	"github.com/fairyhunter13/llm-batchd/internal/config"
	"github.com/fairyhunter13/llm-batchd/internal/domain"
	"github.com/fairyhunter13/llm-batchd/internal/usecase"
	"github.com/fairyhunter13/llm-batchd/internal/webhook"
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

	// Infra: DB pool and schema
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

	// Repositories and adapters
	jobRepo := postgres.NewJobRepo(pool)
	failedRepo := postgres.NewFailedRequestRepo(pool)
	hbRepo := postgres.NewHeartbeatRepo(pool)
	dlRepo := postgres.NewDeadLetterRepo(pool)

	store, err := filestore.New(cfg.FileStoreRoot)
	if err != nil {
		slog.Error("filestore init failed", slog.Any("error", err))
		os.Exit(1)
	}
	probe := gpu.NewNvidiaSMI()

	// Webhook dispatcher backs the manual re-drive path on the API side.
	dispatcher := webhook.NewDispatcher(dlRepo, cfg.WebhookBackoffBase, cfg.WebhookQueueSize, logger)

	// Usecases
	fileSvc := usecase.NewFileService(store, cfg.MaxUploadMB)
	admissionSvc := usecase.NewAdmissionService(jobRepo, hbRepo, store, probe, usecase.AdmissionConfig{
		MaxRequestsPerJob:        cfg.MaxRequestsPerJob,
		MaxQueueDepth:            cfg.MaxQueueDepth,
		MaxTotalQueuedRequests:   cfg.MaxTotalQueuedRequests,
		GPUMemoryRejectThreshold: cfg.GPUMemoryRejectThreshold,
		GPUTempRejectThreshold:   cfg.GPUTempRejectThreshold,
		WorkerLivenessDeadline:   cfg.WorkerLivenessDeadline,
		JobTTL:                   cfg.JobTTL,
		WebhookDefaultRetries:    cfg.WebhookDefaultRetries,
		WebhookDefaultTimeoutS:   cfg.WebhookDefaultTimeoutS,
	})
	batchSvc := usecase.NewBatchService(jobRepo, failedRepo, store)
	dlSvc := usecase.NewDeadLetterService(dlRepo, jobRepo, dispatcher)

	dbCheck := func(ctx domain.Context) error {
		ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
		defer cancel()
		return pool.Ping(ctx)
	}

	srv := httpserver.NewServer(cfg, fileSvc, admissionSvc, batchSvc, dlSvc, hbRepo, jobRepo, probe, dbCheck)
	handler := app.BuildRouter(cfg, srv)

	// Background: queued jobs past their TTL become expired.
	sweeper := app.NewExpirySweeper(jobRepo, cfg.ExpirySweepInterval)
	go sweeper.Run(ctx)

	srvHTTP := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Port),
		Handler:           handler,
		ReadTimeout:       cfg.HTTPReadTimeout,
		WriteTimeout:      cfg.HTTPWriteTimeout,
		IdleTimeout:       cfg.HTTPIdleTimeout,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("http server starting", slog.Int("port", cfg.Port))
		errCh <- srvHTTP.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		slog.Info("shutdown signal received")
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("server error", slog.Any("error", err))
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ServerShutdownTimeout)
	defer cancel()
	_ = srvHTTP.Shutdown(shutdownCtx)
}
