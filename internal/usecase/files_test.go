package usecase_test

import (
	"bytes"
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fairyhunter13/llm-batchd/internal/adapter/filestore"
	"github.com/fairyhunter13/llm-batchd/internal/domain"
	"github.com/fairyhunter13/llm-batchd/internal/usecase"
)

func newFileService(t *testing.T) usecase.FileService {
	t.Helper()
	store, err := filestore.New(t.TempDir())
	require.NoError(t, err)
	return usecase.NewFileService(store, 1)
}

func TestFileUpload_Text(t *testing.T) {
	t.Parallel()
	svc := newFileService(t)
	info, err := svc.Upload(context.Background(), strings.NewReader(inputJSONL("llama-3-8b", 2)))
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(info.ID, "file-"))
	assert.Greater(t, info.Bytes, int64(0))

	rc, err := svc.OpenInput(context.Background(), info.ID)
	require.NoError(t, err)
	_ = rc.Close()
}

func TestFileUpload_EmptyRejected(t *testing.T) {
	t.Parallel()
	svc := newFileService(t)
	_, err := svc.Upload(context.Background(), strings.NewReader(""))
	require.Error(t, err)
	assert.True(t, errors.Is(err, domain.ErrInvalidInput))
}

func TestFileUpload_BinaryRejected(t *testing.T) {
	t.Parallel()
	svc := newFileService(t)
	// PNG magic bytes
	payload := append([]byte{0x89, 0x50, 0x4E, 0x47, 0x0D, 0x0A, 0x1A, 0x0A}, bytes.Repeat([]byte{0x00}, 64)...)
	_, err := svc.Upload(context.Background(), bytes.NewReader(payload))
	require.Error(t, err)
	assert.True(t, errors.Is(err, domain.ErrInvalidInput))
}

func TestFileUpload_OversizeRejected(t *testing.T) {
	t.Parallel()
	svc := newFileService(t) // 1 MB cap
	big := strings.Repeat("a", (1<<20)+64)
	_, err := svc.Upload(context.Background(), strings.NewReader(big))
	require.Error(t, err)
	assert.True(t, errors.Is(err, domain.ErrInvalidInput))
}
