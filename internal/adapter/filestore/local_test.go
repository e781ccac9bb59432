package filestore_test

import (
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fairyhunter13/llm-batchd/internal/adapter/filestore"
	"github.com/fairyhunter13/llm-batchd/internal/domain"
)

func newStore(t *testing.T) *filestore.Local {
	t.Helper()
	s, err := filestore.New(t.TempDir())
	require.NoError(t, err)
	return s
}

func TestPutInput_ContentAddressed(t *testing.T) {
	t.Parallel()
	s := newStore(t)
	ctx := context.Background()

	info, err := s.PutInput(ctx, strings.NewReader("line-1\n"))
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(info.ID, "file-"))
	assert.Equal(t, int64(7), info.Bytes)

	// Same bytes produce the same id.
	again, err := s.PutInput(ctx, strings.NewReader("line-1\n"))
	require.NoError(t, err)
	assert.Equal(t, info.ID, again.ID)

	other, err := s.PutInput(ctx, strings.NewReader("line-2\n"))
	require.NoError(t, err)
	assert.NotEqual(t, info.ID, other.ID)
}

func TestOpenInput_RoundTrip(t *testing.T) {
	t.Parallel()
	s := newStore(t)
	ctx := context.Background()

	info, err := s.PutInput(ctx, strings.NewReader("payload\n"))
	require.NoError(t, err)

	rc, err := s.OpenInput(ctx, info.ID)
	require.NoError(t, err)
	defer func() { _ = rc.Close() }()
	b, err := io.ReadAll(rc)
	require.NoError(t, err)
	assert.Equal(t, "payload\n", string(b))
}

func TestOpenInput_RejectsTraversal(t *testing.T) {
	t.Parallel()
	s := newStore(t)
	ctx := context.Background()

	_, err := s.OpenInput(ctx, "../../etc/passwd")
	require.Error(t, err)
	assert.True(t, errors.Is(err, domain.ErrNotFound))

	_, err = s.StatInput(ctx, "file-../../x")
	require.Error(t, err)
}

func TestOpenInput_Missing(t *testing.T) {
	t.Parallel()
	s := newStore(t)
	_, err := s.OpenInput(context.Background(), "file-00000000000000000000000000000000")
	require.Error(t, err)
	assert.True(t, errors.Is(err, domain.ErrNotFound))
}

func TestAppendOutput_CountAndRead(t *testing.T) {
	t.Parallel()
	s := newStore(t)
	ctx := context.Background()

	n, err := s.CountOutputLines(ctx, "batch_x")
	require.NoError(t, err)
	assert.Equal(t, 0, n)

	require.NoError(t, s.AppendOutput(ctx, "batch_x", [][]byte{[]byte(`{"a":1}`), []byte(`{"b":2}`)}))
	require.NoError(t, s.AppendOutput(ctx, "batch_x", [][]byte{[]byte(`{"c":3}`)}))

	n, err = s.CountOutputLines(ctx, "batch_x")
	require.NoError(t, err)
	assert.Equal(t, 3, n)

	rc, err := s.OpenOutput(ctx, "batch_x")
	require.NoError(t, err)
	defer func() { _ = rc.Close() }()
	b, err := io.ReadAll(rc)
	require.NoError(t, err)
	assert.Equal(t, "{\"a\":1}\n{\"b\":2}\n{\"c\":3}\n", string(b))
}

func TestTruncateOutputLines_TrimsPartialTail(t *testing.T) {
	t.Parallel()
	root := t.TempDir()
	s, err := filestore.New(root)
	require.NoError(t, err)
	ctx := context.Background()

	require.NoError(t, s.AppendOutput(ctx, "batch_y", [][]byte{[]byte(`{"a":1}`), []byte(`{"b":2}`)}))

	// Simulate a crash mid-write: a partial line without trailing newline.
	path := filepath.Join(root, "outputs", "batch_y.jsonl")
	f, err := os.OpenFile(path, os.O_APPEND|os.O_WRONLY, 0o644)
	require.NoError(t, err)
	_, err = f.WriteString(`{"c":`)
	require.NoError(t, err)
	require.NoError(t, f.Close())

	// Count ignores the partial tail; truncate drops it.
	n, err := s.CountOutputLines(ctx, "batch_y")
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	require.NoError(t, s.TruncateOutputLines(ctx, "batch_y", n))

	rc, err := s.OpenOutput(ctx, "batch_y")
	require.NoError(t, err)
	defer func() { _ = rc.Close() }()
	rest, err := io.ReadAll(rc)
	require.NoError(t, err)
	assert.Equal(t, "{\"a\":1}\n{\"b\":2}\n", string(rest))
}

func TestTruncateOutputLines_MissingFileZeroLines(t *testing.T) {
	t.Parallel()
	s := newStore(t)
	require.NoError(t, s.TruncateOutputLines(context.Background(), "batch_missing", 0))
}
