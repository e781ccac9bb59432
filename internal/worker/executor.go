// Package worker runs batch jobs on the local GPU host: a single-slot
// scheduler promotes pending jobs and a chunked executor streams results
// into the append-only output file.
package worker

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/fairyhunter13/llm-batchd/internal/adapter/observability"
	"github.com/fairyhunter13/llm-batchd/internal/batchfile"
	"github.com/fairyhunter13/llm-batchd/internal/domain"
	obsctx "github.com/fairyhunter13/llm-batchd/internal/observability"
)

// ExecutorConfig carries the chunking knobs.
type ExecutorConfig struct {
	ChunkSize               int
	ChunkSizeFloor          int
	GPUMemoryChunkThreshold float64
	GPUFreeBytesFloor       int64
}

// Outcome is the executor's verdict on one job run.
type Outcome struct {
	Completed int
	Failed    int
	// ErrorKind is set when the run was fatal; empty means the job ran to
	// the end of its input.
	ErrorKind string
	Message   string
}

// Executor processes one job's input file chunk by chunk. Results are
// appended and flushed before counters advance, so a crash at any point
// resumes without losing acknowledged work; requests in flight at the
// crash are re-run (at-least-once).
type Executor struct {
	Jobs   domain.JobRepository
	Failed domain.FailedRequestRepository
	Store  domain.FileStore
	Engine domain.Engine
	GPU    domain.GPUProbe
	Cfg    ExecutorConfig
	Log    *slog.Logger

	// Progress is called after each flushed chunk with the refreshed job.
	Progress func(ctx domain.Context, job domain.BatchJob)
}

// Run executes the job from wherever the output file left off.
func (e *Executor) Run(ctx domain.Context, job domain.BatchJob) (Outcome, error) {
	ctx = obsctx.ContextWithJobID(ctx, job.ID)
	log := e.Log.With(slog.String("job_id", job.ID), slog.String("model", job.Model))

	lines, err := e.loadInput(ctx, job)
	if err != nil {
		return Outcome{ErrorKind: domain.KindInvalidInput, Message: err.Error()}, nil
	}

	resume, err := e.resumeOffset(ctx, job.ID)
	if err != nil {
		return Outcome{}, err
	}
	if resume > len(lines) {
		// Output longer than input means the file was tampered with.
		return Outcome{ErrorKind: domain.KindInvalidInput, Message: fmt.Sprintf("output has %d lines for %d requests", resume, len(lines))}, nil
	}
	if resume > 0 {
		log.Info("resuming from offset", slog.Int("offset", resume))
		if err := e.reconcileCounters(ctx, job, resume); err != nil {
			return Outcome{}, err
		}
	}

	completed, failed := 0, 0
	outputSet := job.OutputFileID != ""
	for cursor := resume; cursor < len(lines); {
		size := e.chunkSize(ctx)
		end := cursor + size
		if end > len(lines) {
			end = len(lines)
		}
		chunk := lines[cursor:end]

		prompts := make([]domain.Prompt, len(chunk))
		for i, l := range chunk {
			prompts[i] = l.Prompt()
		}
		results, err := e.Engine.Generate(ctx, prompts)
		if err != nil {
			return Outcome{Completed: completed, Failed: failed,
				ErrorKind: domain.KindEngineFailure, Message: err.Error()}, nil
		}

		out := make([][]byte, 0, len(results))
		chunkCompleted, chunkFailed := 0, 0
		var failures []domain.FailedRequest
		for _, res := range results {
			if res.Err != nil {
				line, mErr := batchfile.ErrorLine(res.CustomID, res.Err.Kind, res.Err.Message)
				if mErr != nil {
					return Outcome{}, mErr
				}
				out = append(out, line)
				chunkFailed++
				failures = append(failures, domain.FailedRequest{
					JobID:        job.ID,
					CustomID:     res.CustomID,
					ErrorKind:    res.Err.Kind,
					ErrorMessage: res.Err.Message,
					CreatedAt:    nowUTC(),
				})
				continue
			}
			line, mErr := batchfile.SuccessLine(res.CustomID, res.Content, res.PromptTokens, res.CompletionTokens)
			if mErr != nil {
				return Outcome{}, mErr
			}
			out = append(out, line)
			chunkCompleted++
		}

		// Append and flush before anything acknowledges the chunk.
		if err := e.Store.AppendOutput(ctx, job.ID, out); err != nil {
			return Outcome{}, fmt.Errorf("op=executor.append: %w", err)
		}
		if !outputSet {
			if err := e.Jobs.SetOutputFile(ctx, job.ID, job.ID); err != nil {
				return Outcome{}, err
			}
			outputSet = true
		}
		for _, fr := range failures {
			if err := e.Failed.Insert(ctx, fr); err != nil {
				log.Error("failed request insert failed", slog.String("custom_id", fr.CustomID), slog.Any("error", err))
			}
		}
		if err := e.Jobs.IncrementCounters(ctx, job.ID, chunkCompleted, chunkFailed); err != nil {
			return Outcome{}, err
		}
		completed += chunkCompleted
		failed += chunkFailed
		cursor = end
		observability.ChunksProcessedTotal.Inc()
		observability.RequestsProcessedTotal.WithLabelValues("completed").Add(float64(chunkCompleted))
		observability.RequestsProcessedTotal.WithLabelValues("failed").Add(float64(chunkFailed))

		// A chunk where every request failed individually means the engine
		// is broken, not the requests.
		if chunkFailed == len(chunk) && len(chunk) > 1 {
			return Outcome{Completed: completed, Failed: failed,
				ErrorKind: domain.KindEngineFailure,
				Message:   fmt.Sprintf("all %d requests in chunk failed", len(chunk))}, nil
		}

		if e.Progress != nil {
			if fresh, gErr := e.Jobs.Get(ctx, job.ID); gErr == nil {
				e.Progress(ctx, fresh)
			}
		}
		if err := ctx.Err(); err != nil {
			return Outcome{Completed: completed, Failed: failed}, err
		}
	}
	return Outcome{Completed: completed, Failed: failed}, nil
}

// loadInput parses the input file and cross-checks the admitted count.
func (e *Executor) loadInput(ctx domain.Context, job domain.BatchJob) ([]batchfile.InputLine, error) {
	rc, err := e.Store.OpenInput(ctx, job.InputFileID)
	if err != nil {
		return nil, fmt.Errorf("input file %s: %w", job.InputFileID, err)
	}
	defer func() { _ = rc.Close() }()
	lines, err := batchfile.ParseInput(rc, 0)
	if err != nil {
		return nil, err
	}
	if len(lines) != job.TotalRequests {
		return nil, fmt.Errorf("input has %d requests, job admitted %d", len(lines), job.TotalRequests)
	}
	return lines, nil
}

// resumeOffset trims any partial trailing line and returns the count of
// complete output lines.
func (e *Executor) resumeOffset(ctx domain.Context, jobID string) (int, error) {
	n, err := e.Store.CountOutputLines(ctx, jobID)
	if err != nil {
		return 0, fmt.Errorf("op=executor.resume: %w", err)
	}
	if err := e.Store.TruncateOutputLines(ctx, jobID, n); err != nil {
		if !errors.Is(err, domain.ErrNotFound) {
			return 0, fmt.Errorf("op=executor.resume: %w", err)
		}
	}
	return n, nil
}

// reconcileCounters replays the flushed output so the counters match the
// file. Lines are flushed before counters advance, so the correction is
// always non-negative.
func (e *Executor) reconcileCounters(ctx domain.Context, job domain.BatchJob, resume int) error {
	rc, err := e.Store.OpenOutput(ctx, job.ID)
	if err != nil {
		return fmt.Errorf("op=executor.reconcile: %w", err)
	}
	defer func() { _ = rc.Close() }()

	completed, failed := 0, 0
	dec := json.NewDecoder(rc)
	for i := 0; i < resume; i++ {
		var line batchfile.OutputLine
		if err := dec.Decode(&line); err != nil {
			return fmt.Errorf("op=executor.reconcile: line %d: %w", i+1, err)
		}
		if line.Error != nil {
			failed++
		} else {
			completed++
		}
	}
	dc := completed - job.CompletedRequests
	df := failed - job.FailedRequests
	if dc < 0 || df < 0 {
		return nil
	}
	if dc == 0 && df == 0 {
		return nil
	}
	return e.Jobs.IncrementCounters(ctx, job.ID, dc, df)
}

// chunkSize reassesses GPU pressure before each chunk and cuts the size
// by a factor of 10, clamped to the floor, when memory is tight.
func (e *Executor) chunkSize(ctx domain.Context) int {
	size := e.Cfg.ChunkSize
	health, err := e.GPU.Probe(ctx)
	if err != nil {
		return size
	}
	observability.ObserveGPU(health.MemoryPercent, health.TemperatureC)
	if health.MemoryPercent > e.Cfg.GPUMemoryChunkThreshold || health.FreeBytes < e.Cfg.GPUFreeBytesFloor {
		size /= 10
		if size < e.Cfg.ChunkSizeFloor {
			size = e.Cfg.ChunkSizeFloor
		}
	}
	return size
}

func nowUTC() time.Time { return time.Now().UTC() }
