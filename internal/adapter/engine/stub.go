package engine

import (
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/fairyhunter13/llm-batchd/internal/domain"
)

// Stub is a fast, deterministic engine for tests and GPU-less
// development. Per-custom-id failures and whole-call failures can be
// scripted.
type Stub struct {
	mu     sync.Mutex
	loaded string

	// Latency is added per Generate call to resemble real work.
	Latency time.Duration
	// FailCustomIDs provokes per-request errors for these ids.
	FailCustomIDs map[string]bool
	// FailLoad makes Load return an error.
	FailLoad bool
	// FailGenerate makes Generate return a fatal error.
	FailGenerate bool
	// Loads counts Load calls that actually switched models.
	Loads int
	// Unloads counts Unload calls that released a model.
	Unloads int
}

// NewStub returns an empty stub engine.
func NewStub() *Stub { return &Stub{} }

// Load records the model; idempotent for the same id.
func (s *Stub) Load(_ domain.Context, model string) error {
	if s.FailLoad {
		return fmt.Errorf("op=engine.load model=%s: stub load failure", model)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.loaded != model {
		s.loaded = model
		s.Loads++
	}
	return nil
}

// Unload clears the loaded model.
func (s *Stub) Unload(domain.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.loaded != "" {
		s.loaded = ""
		s.Unloads++
	}
	return nil
}

// LoadedModel returns the currently loaded model id, or empty.
func (s *Stub) LoadedModel() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.loaded
}

// Generate answers every prompt deterministically; scripted ids fail
// with a per-request error.
func (s *Stub) Generate(ctx domain.Context, prompts []domain.Prompt) ([]domain.Completion, error) {
	if s.FailGenerate {
		return nil, fmt.Errorf("op=engine.generate: stub engine failure")
	}
	if s.LoadedModel() == "" {
		return nil, fmt.Errorf("op=engine.generate: no model loaded: %w", domain.ErrInternal)
	}
	if s.Latency > 0 {
		select {
		case <-time.After(s.Latency):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	out := make([]domain.Completion, len(prompts))
	for i, p := range prompts {
		c := domain.Completion{CustomID: p.CustomID}
		if s.FailCustomIDs[p.CustomID] {
			c.Err = &domain.RequestError{Kind: domain.KindRequestFailed, Message: "stub scripted failure"}
		} else {
			var last string
			if len(p.Messages) > 0 {
				last = p.Messages[len(p.Messages)-1].Content
			}
			c.Content = fmt.Sprintf("echo(%s): %s", p.Model, last)
			c.PromptTokens = len(strings.Fields(last)) + 3
			c.CompletionTokens = len(strings.Fields(c.Content))
		}
		out[i] = c
	}
	return out, nil
}
