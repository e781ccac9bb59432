// Package hooks runs result handlers when a job changes state. Handlers
// fire in priority order; a failing handler logs and never aborts the
// chain or the job.
package hooks

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"sort"
	"sync"

	"gopkg.in/yaml.v3"

	"github.com/fairyhunter13/llm-batchd/internal/domain"
)

// Handler reacts to a job event.
type Handler interface {
	Name() string
	Priority() int
	Enabled() bool
	Handle(ctx domain.Context, job domain.BatchJob, event string) error
	OnError(ctx domain.Context, job domain.BatchJob, event string, err error)
}

// Override adjusts one handler from the YAML config file.
type Override struct {
	Name     string `yaml:"name"`
	Enabled  *bool  `yaml:"enabled"`
	Priority *int   `yaml:"priority"`
}

type overridesFile struct {
	Handlers []Override `yaml:"handlers"`
}

// Registry holds the ordered handler chain.
type Registry struct {
	mu        sync.RWMutex
	handlers  []Handler
	overrides map[string]Override
	log       *slog.Logger
}

// NewRegistry constructs an empty registry.
func NewRegistry(log *slog.Logger) *Registry {
	return &Registry{overrides: map[string]Override{}, log: log}
}

// LoadOverrides reads the optional YAML override file. A missing path is
// not an error; a malformed file is.
func (r *Registry) LoadOverrides(path string) error {
	if path == "" {
		return nil
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("op=hooks.load_overrides: %w", err)
	}
	var f overridesFile
	if err := yaml.Unmarshal(raw, &f); err != nil {
		return fmt.Errorf("op=hooks.load_overrides: %w", err)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, o := range f.Handlers {
		r.overrides[o.Name] = o
	}
	return nil
}

// Register appends a handler to the chain.
func (r *Registry) Register(h Handler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers = append(r.handlers, h)
}

// Fire runs every enabled handler for the event, lowest priority value
// first. Registration order breaks ties, so the chain is stable.
func (r *Registry) Fire(ctx context.Context, job domain.BatchJob, event string) {
	r.mu.RLock()
	type entry struct {
		h        Handler
		priority int
		index    int
	}
	var chain []entry
	for i, h := range r.handlers {
		enabled := h.Enabled()
		priority := h.Priority()
		if o, ok := r.overrides[h.Name()]; ok {
			if o.Enabled != nil {
				enabled = *o.Enabled
			}
			if o.Priority != nil {
				priority = *o.Priority
			}
		}
		if !enabled {
			continue
		}
		chain = append(chain, entry{h: h, priority: priority, index: i})
	}
	r.mu.RUnlock()

	sort.SliceStable(chain, func(i, k int) bool {
		if chain[i].priority != chain[k].priority {
			return chain[i].priority < chain[k].priority
		}
		return chain[i].index < chain[k].index
	})

	for _, e := range chain {
		if err := e.h.Handle(ctx, job, event); err != nil {
			r.log.Error("result handler failed",
				slog.String("handler", e.h.Name()),
				slog.String("job_id", job.ID),
				slog.String("event", event),
				slog.Any("error", err))
			e.h.OnError(ctx, job, event, err)
		}
	}
}
