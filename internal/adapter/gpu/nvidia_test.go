package gpu_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fairyhunter13/llm-batchd/internal/adapter/gpu"
)

func TestParseSMIOutput(t *testing.T) {
	t.Parallel()
	h, err := gpu.ParseSMIOutput("20480, 81920, 37, 61\n")
	require.NoError(t, err)
	assert.InDelta(t, 25.0, h.MemoryPercent, 0.01)
	assert.Equal(t, 37.0, h.UtilizationPercent)
	assert.Equal(t, 61.0, h.TemperatureC)
	assert.Equal(t, int64(61440)*1024*1024, h.FreeBytes)
}

func TestParseSMIOutput_FirstRowOnly(t *testing.T) {
	t.Parallel()
	h, err := gpu.ParseSMIOutput("1024, 8192, 10, 50\n2048, 8192, 90, 70\n")
	require.NoError(t, err)
	assert.InDelta(t, 12.5, h.MemoryPercent, 0.01)
}

func TestParseSMIOutput_Malformed(t *testing.T) {
	t.Parallel()
	_, err := gpu.ParseSMIOutput("not, enough\n")
	require.Error(t, err)

	_, err = gpu.ParseSMIOutput("a, b, c, d\n")
	require.Error(t, err)
}
