package hooks_test

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fairyhunter13/llm-batchd/internal/domain"
	"github.com/fairyhunter13/llm-batchd/internal/hooks"
)

// recorder appends its name to a shared trace when fired.
type recorder struct {
	name     string
	priority int
	enabled  bool
	err      error
	trace    *[]string
	onErr    int
}

func (r *recorder) Name() string   { return r.name }
func (r *recorder) Priority() int  { return r.priority }
func (r *recorder) Enabled() bool  { return r.enabled }
func (r *recorder) Handle(_ domain.Context, _ domain.BatchJob, _ string) error {
	*r.trace = append(*r.trace, r.name)
	return r.err
}
func (r *recorder) OnError(domain.Context, domain.BatchJob, string, error) { r.onErr++ }

func TestFire_PriorityOrder(t *testing.T) {
	t.Parallel()
	var trace []string
	reg := hooks.NewRegistry(slog.Default())
	reg.Register(&recorder{name: "late", priority: 100, enabled: true, trace: &trace})
	reg.Register(&recorder{name: "early", priority: 0, enabled: true, trace: &trace})
	reg.Register(&recorder{name: "mid", priority: 50, enabled: true, trace: &trace})

	reg.Fire(context.Background(), domain.BatchJob{ID: "batch_a"}, domain.EventCompleted)
	assert.Equal(t, []string{"early", "mid", "late"}, trace)
}

func TestFire_RegistrationOrderBreaksTies(t *testing.T) {
	t.Parallel()
	var trace []string
	reg := hooks.NewRegistry(slog.Default())
	reg.Register(&recorder{name: "first", priority: 10, enabled: true, trace: &trace})
	reg.Register(&recorder{name: "second", priority: 10, enabled: true, trace: &trace})

	reg.Fire(context.Background(), domain.BatchJob{ID: "batch_a"}, domain.EventCompleted)
	assert.Equal(t, []string{"first", "second"}, trace)
}

func TestFire_FailureNeverAbortsChain(t *testing.T) {
	t.Parallel()
	var trace []string
	failing := &recorder{name: "boom", priority: 0, enabled: true, err: errors.New("boom"), trace: &trace}
	reg := hooks.NewRegistry(slog.Default())
	reg.Register(failing)
	reg.Register(&recorder{name: "after", priority: 1, enabled: true, trace: &trace})

	reg.Fire(context.Background(), domain.BatchJob{ID: "batch_a"}, domain.EventFailed)
	assert.Equal(t, []string{"boom", "after"}, trace)
	assert.Equal(t, 1, failing.onErr)
}

func TestFire_SkipsDisabled(t *testing.T) {
	t.Parallel()
	var trace []string
	reg := hooks.NewRegistry(slog.Default())
	reg.Register(&recorder{name: "off", priority: 0, enabled: false, trace: &trace})
	reg.Register(&recorder{name: "on", priority: 1, enabled: true, trace: &trace})

	reg.Fire(context.Background(), domain.BatchJob{ID: "batch_a"}, domain.EventCompleted)
	assert.Equal(t, []string{"on"}, trace)
}

func TestLoadOverrides(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "hooks.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`handlers:
  - name: noisy
    enabled: false
  - name: late
    priority: -1
`), 0o600))

	var trace []string
	reg := hooks.NewRegistry(slog.Default())
	require.NoError(t, reg.LoadOverrides(path))
	reg.Register(&recorder{name: "noisy", priority: 0, enabled: true, trace: &trace})
	reg.Register(&recorder{name: "late", priority: 100, enabled: true, trace: &trace})
	reg.Register(&recorder{name: "plain", priority: 10, enabled: true, trace: &trace})

	reg.Fire(context.Background(), domain.BatchJob{ID: "batch_a"}, domain.EventCompleted)
	// "noisy" disabled by override, "late" pulled ahead of "plain".
	assert.Equal(t, []string{"late", "plain"}, trace)
}

func TestLoadOverrides_MissingFileOK(t *testing.T) {
	t.Parallel()
	reg := hooks.NewRegistry(slog.Default())
	require.NoError(t, reg.LoadOverrides(filepath.Join(t.TempDir(), "absent.yaml")))
	require.NoError(t, reg.LoadOverrides(""))
}

func TestLoadOverrides_MalformedYAML(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "hooks.yaml")
	require.NoError(t, os.WriteFile(path, []byte("handlers: [unclosed"), 0o600))
	reg := hooks.NewRegistry(slog.Default())
	require.Error(t, reg.LoadOverrides(path))
}
