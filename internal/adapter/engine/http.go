// Package engine adapts an external single-GPU inference server to the
// domain Engine port. The HTTP adapter targets an OpenAI-compatible
// server (vLLM behind a model-swap sidecar) exposing
// /v1/chat/completions plus /admin/load and /admin/unload for model
// lifecycle.
package engine

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/fairyhunter13/llm-batchd/internal/adapter/engine/tokencount"
	"github.com/fairyhunter13/llm-batchd/internal/domain"
)

// HTTPEngine drives an OpenAI-compatible inference server. Generate
// fans prompts out with bounded concurrency so the server can batch them
// on the GPU; results are returned in input order with per-element
// errors.
type HTTPEngine struct {
	baseURL  string
	client   *http.Client
	parallel int

	mu     sync.Mutex
	loaded string
}

// NewHTTP constructs an HTTPEngine. parallel bounds in-flight requests
// per chunk; timeout bounds a single completion call.
func NewHTTP(baseURL string, parallel int, timeout time.Duration) *HTTPEngine {
	if parallel <= 0 {
		parallel = 8
	}
	return &HTTPEngine{
		baseURL: baseURL,
		client: &http.Client{
			Timeout:   timeout,
			Transport: otelhttp.NewTransport(http.DefaultTransport),
		},
		parallel: parallel,
	}
}

type adminRequest struct {
	Model string `json:"model"`
}

// Load instructs the server to load the model. Idempotent for the model
// already loaded.
func (e *HTTPEngine) Load(ctx domain.Context, model string) error {
	e.mu.Lock()
	if e.loaded == model {
		e.mu.Unlock()
		return nil
	}
	e.mu.Unlock()

	if err := e.admin(ctx, "/admin/load", adminRequest{Model: model}); err != nil {
		return fmt.Errorf("op=engine.load model=%s: %w", model, err)
	}
	e.mu.Lock()
	e.loaded = model
	e.mu.Unlock()
	return nil
}

// Unload releases the GPU. A no-op when nothing is loaded.
func (e *HTTPEngine) Unload(ctx domain.Context) error {
	e.mu.Lock()
	if e.loaded == "" {
		e.mu.Unlock()
		return nil
	}
	e.mu.Unlock()

	if err := e.admin(ctx, "/admin/unload", adminRequest{}); err != nil {
		return fmt.Errorf("op=engine.unload: %w", err)
	}
	e.mu.Lock()
	e.loaded = ""
	e.mu.Unlock()
	return nil
}

// LoadedModel returns the currently loaded model id, or empty.
func (e *HTTPEngine) LoadedModel() string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.loaded
}

func (e *HTTPEngine) admin(ctx domain.Context, path string, body adminRequest) error {
	b, _ := json.Marshal(body)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, e.baseURL+path, bytes.NewReader(b))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := e.client.Do(req)
	if err != nil {
		return err
	}
	defer func() { _, _ = io.Copy(io.Discard, resp.Body); _ = resp.Body.Close() }()
	if resp.StatusCode/100 != 2 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return fmt.Errorf("status %d: %s", resp.StatusCode, string(msg))
	}
	return nil
}

type chatRequest struct {
	Model       string               `json:"model"`
	Messages    []domain.ChatMessage `json:"messages"`
	MaxTokens   int                  `json:"max_tokens,omitempty"`
	Temperature *float64             `json:"temperature,omitempty"`
	TopP        *float64             `json:"top_p,omitempty"`
	Stream      bool                 `json:"stream"`
}

type chatResponse struct {
	Choices []struct {
		Message struct {
			Role    string `json:"role"`
			Content string `json:"content"`
		} `json:"message"`
	} `json:"choices"`
	Usage struct {
		PromptTokens     int `json:"prompt_tokens"`
		CompletionTokens int `json:"completion_tokens"`
	} `json:"usage"`
	Error *struct {
		Message string `json:"message"`
		Type    string `json:"type"`
	} `json:"error"`
}

// Generate runs one chunk of prompts. The whole call fails only when no
// model is loaded or the context is cancelled; individual request
// failures are reported per element.
func (e *HTTPEngine) Generate(ctx domain.Context, prompts []domain.Prompt) ([]domain.Completion, error) {
	if e.LoadedModel() == "" {
		return nil, fmt.Errorf("op=engine.generate: no model loaded: %w", domain.ErrInternal)
	}
	results := make([]domain.Completion, len(prompts))
	sem := make(chan struct{}, e.parallel)
	var wg sync.WaitGroup
	for i := range prompts {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			sem <- struct{}{}
			defer func() { <-sem }()
			results[i] = e.complete(ctx, prompts[i])
		}(i)
	}
	wg.Wait()
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("op=engine.generate: %w", err)
	}
	return results, nil
}

func (e *HTTPEngine) complete(ctx domain.Context, p domain.Prompt) domain.Completion {
	out := domain.Completion{CustomID: p.CustomID}
	body := chatRequest{
		Model:       p.Model,
		Messages:    p.Messages,
		MaxTokens:   p.Sampling.MaxTokens,
		Temperature: p.Sampling.Temperature,
		TopP:        p.Sampling.TopP,
	}
	b, err := json.Marshal(body)
	if err != nil {
		out.Err = &domain.RequestError{Kind: domain.KindRequestFailed, Message: err.Error()}
		return out
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, e.baseURL+"/v1/chat/completions", bytes.NewReader(b))
	if err != nil {
		out.Err = &domain.RequestError{Kind: domain.KindRequestFailed, Message: err.Error()}
		return out
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := e.client.Do(req)
	if err != nil {
		out.Err = &domain.RequestError{Kind: domain.KindRequestFailed, Message: err.Error()}
		return out
	}
	defer func() { _ = resp.Body.Close() }()

	var cr chatResponse
	if err := json.NewDecoder(resp.Body).Decode(&cr); err != nil {
		out.Err = &domain.RequestError{Kind: domain.KindRequestFailed, Message: fmt.Sprintf("decode: %v", err)}
		return out
	}
	if resp.StatusCode/100 != 2 || cr.Error != nil {
		msg := fmt.Sprintf("status %d", resp.StatusCode)
		if cr.Error != nil {
			msg = cr.Error.Message
		}
		out.Err = &domain.RequestError{Kind: domain.KindRequestFailed, Message: msg}
		return out
	}
	if len(cr.Choices) == 0 {
		out.Err = &domain.RequestError{Kind: domain.KindRequestFailed, Message: "empty choices"}
		return out
	}
	out.Content = cr.Choices[0].Message.Content
	out.PromptTokens = cr.Usage.PromptTokens
	out.CompletionTokens = cr.Usage.CompletionTokens
	// Some servers omit usage on batched paths; fall back to a local
	// tiktoken estimate so output lines always carry token counts.
	if out.PromptTokens == 0 {
		out.PromptTokens = tokencount.EstimateChat(p.Messages, p.Model)
	}
	if out.CompletionTokens == 0 && out.Content != "" {
		out.CompletionTokens = tokencount.Estimate(out.Content, p.Model)
	}
	return out
}
