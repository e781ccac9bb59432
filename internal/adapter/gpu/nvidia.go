// Package gpu provides best-effort GPU telemetry for admission gating
// and chunk sizing. Probe errors mean "unknown": callers skip GPU gates
// instead of rejecting work.
package gpu

import (
	"context"
	"fmt"
	"os/exec"
	"strconv"
	"strings"
	"time"

	"github.com/fairyhunter13/llm-batchd/internal/domain"
)

const nvidiaSMIQuery = "--query-gpu=memory.used,memory.total,utilization.gpu,temperature.gpu"

// NvidiaSMI probes GPU 0 by executing nvidia-smi with a CSV query.
type NvidiaSMI struct {
	// Binary overrides the nvidia-smi path; empty means $PATH lookup.
	Binary  string
	Timeout time.Duration
}

// NewNvidiaSMI returns a probe with a 5 second exec timeout.
func NewNvidiaSMI() *NvidiaSMI {
	return &NvidiaSMI{Timeout: 5 * time.Second}
}

// Probe runs nvidia-smi and parses the first GPU's row.
func (p *NvidiaSMI) Probe(ctx domain.Context) (domain.GPUHealth, error) {
	bin := p.Binary
	if bin == "" {
		bin = "nvidia-smi"
	}
	if p.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.Timeout)
		defer cancel()
	}
	out, err := exec.CommandContext(ctx, bin, nvidiaSMIQuery, "--format=csv,noheader,nounits").Output()
	if err != nil {
		return domain.GPUHealth{}, fmt.Errorf("op=gpu.probe: %w", err)
	}
	return ParseSMIOutput(string(out))
}

// ParseSMIOutput parses one CSV row of
// "memory.used, memory.total, utilization.gpu, temperature.gpu" with
// memory in MiB.
func ParseSMIOutput(out string) (domain.GPUHealth, error) {
	line := strings.TrimSpace(strings.SplitN(out, "\n", 2)[0])
	fields := strings.Split(line, ",")
	if len(fields) != 4 {
		return domain.GPUHealth{}, fmt.Errorf("op=gpu.parse: unexpected output %q", line)
	}
	vals := make([]float64, 4)
	for i, f := range fields {
		v, err := strconv.ParseFloat(strings.TrimSpace(f), 64)
		if err != nil {
			return domain.GPUHealth{}, fmt.Errorf("op=gpu.parse: field %d: %w", i, err)
		}
		vals[i] = v
	}
	usedMiB, totalMiB := vals[0], vals[1]
	health := domain.GPUHealth{
		UtilizationPercent: vals[2],
		TemperatureC:       vals[3],
	}
	if totalMiB > 0 {
		health.MemoryPercent = usedMiB / totalMiB * 100
		health.FreeBytes = int64((totalMiB - usedMiB) * 1024 * 1024)
	}
	return health, nil
}

// Static is a fixed-value probe for tests and GPU-less development.
type Static struct {
	Health domain.GPUHealth
	Err    error
}

// Probe returns the configured snapshot.
func (s *Static) Probe(domain.Context) (domain.GPUHealth, error) {
	return s.Health, s.Err
}
