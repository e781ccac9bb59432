// Package filestore implements the content store on the local
// filesystem. Inputs are content-addressed and immutable; outputs are
// append-only JSONL files flushed with fsync before the executor
// advances, which is the crash-safety foundation of resume.
package filestore

import (
	"bufio"
	"bytes"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/zeebo/blake3"

	"github.com/fairyhunter13/llm-batchd/internal/domain"
)

const (
	inputPrefix = "file-"
	inputsDir   = "inputs"
	outputsDir  = "outputs"
)

// Local stores files under a root directory:
//
//	<root>/inputs/file-<blake3>.jsonl
//	<root>/outputs/<job-id>.jsonl
type Local struct {
	root string
}

// New creates the store directories and returns a Local store.
func New(root string) (*Local, error) {
	for _, d := range []string{inputsDir, outputsDir} {
		if err := os.MkdirAll(filepath.Join(root, d), 0o755); err != nil {
			return nil, fmt.Errorf("op=filestore.new: %w", err)
		}
	}
	return &Local{root: root}, nil
}

// PutInput stores an uploaded input file. The id is derived from the
// blake3 hash of the content, so re-uploading identical bytes yields the
// same id and the stored file is never rewritten.
func (s *Local) PutInput(_ domain.Context, r io.Reader) (domain.FileInfo, error) {
	tmp, err := os.CreateTemp(filepath.Join(s.root, inputsDir), "upload-*")
	if err != nil {
		return domain.FileInfo{}, fmt.Errorf("op=filestore.put_input: %w", err)
	}
	defer func() { _ = os.Remove(tmp.Name()); _ = tmp.Close() }()

	h := blake3.New()
	n, err := io.Copy(io.MultiWriter(tmp, h), r)
	if err != nil {
		return domain.FileInfo{}, fmt.Errorf("op=filestore.put_input: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		return domain.FileInfo{}, fmt.Errorf("op=filestore.put_input: %w", err)
	}

	id := inputPrefix + hex.EncodeToString(h.Sum(nil))[:32]
	dst := s.inputPath(id)
	if _, err := os.Stat(dst); err == nil {
		// Same content already stored; the temp copy is discarded.
		return domain.FileInfo{ID: id, Bytes: n, Purpose: "batch", CreatedAt: time.Now().UTC()}, nil
	}
	if err := os.Rename(tmp.Name(), dst); err != nil {
		return domain.FileInfo{}, fmt.Errorf("op=filestore.put_input: %w", err)
	}
	return domain.FileInfo{ID: id, Bytes: n, Purpose: "batch", CreatedAt: time.Now().UTC()}, nil
}

// OpenInput opens a stored input file for reading.
func (s *Local) OpenInput(_ domain.Context, id string) (io.ReadCloser, error) {
	if !validInputID(id) {
		return nil, fmt.Errorf("op=filestore.open_input: %w", domain.ErrNotFound)
	}
	f, err := os.Open(s.inputPath(id))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("op=filestore.open_input: %w", domain.ErrNotFound)
		}
		return nil, fmt.Errorf("op=filestore.open_input: %w", err)
	}
	return f, nil
}

// StatInput returns metadata for a stored input file.
func (s *Local) StatInput(_ domain.Context, id string) (domain.FileInfo, error) {
	if !validInputID(id) {
		return domain.FileInfo{}, fmt.Errorf("op=filestore.stat_input: %w", domain.ErrNotFound)
	}
	fi, err := os.Stat(s.inputPath(id))
	if err != nil {
		if os.IsNotExist(err) {
			return domain.FileInfo{}, fmt.Errorf("op=filestore.stat_input: %w", domain.ErrNotFound)
		}
		return domain.FileInfo{}, fmt.Errorf("op=filestore.stat_input: %w", err)
	}
	return domain.FileInfo{ID: id, Bytes: fi.Size(), Purpose: "batch", CreatedAt: fi.ModTime().UTC()}, nil
}

// AppendOutput appends result lines to the job's output file and fsyncs
// before returning. The file is created on first append.
func (s *Local) AppendOutput(_ domain.Context, jobID string, lines [][]byte) error {
	if len(lines) == 0 {
		return nil
	}
	f, err := os.OpenFile(s.outputPath(jobID), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("op=filestore.append_output: %w", err)
	}
	defer func() { _ = f.Close() }()

	var buf bytes.Buffer
	for _, l := range lines {
		buf.Write(l)
		buf.WriteByte('\n')
	}
	if _, err := f.Write(buf.Bytes()); err != nil {
		return fmt.Errorf("op=filestore.append_output: %w", err)
	}
	if err := f.Sync(); err != nil {
		return fmt.Errorf("op=filestore.append_output: %w", err)
	}
	return nil
}

// OpenOutput opens the job's output file for reading. Readers must
// tolerate a growing tail while the job is in progress.
func (s *Local) OpenOutput(_ domain.Context, jobID string) (io.ReadCloser, error) {
	f, err := os.Open(s.outputPath(jobID))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("op=filestore.open_output: %w", domain.ErrNotFound)
		}
		return nil, fmt.Errorf("op=filestore.open_output: %w", err)
	}
	return f, nil
}

// CountOutputLines returns the number of newline-terminated lines in the
// job's output file, or 0 when the file does not exist. A trailing
// partial line (no newline) is not counted; resume truncates it.
func (s *Local) CountOutputLines(_ domain.Context, jobID string) (int, error) {
	f, err := os.Open(s.outputPath(jobID))
	if err != nil {
		if os.IsNotExist(err) {
			return 0, nil
		}
		return 0, fmt.Errorf("op=filestore.count_output: %w", err)
	}
	defer func() { _ = f.Close() }()

	n := 0
	br := bufio.NewReader(f)
	for {
		chunk, err := br.ReadSlice('\n')
		if err == nil {
			n++
			continue
		}
		if err == io.EOF {
			_ = chunk
			return n, nil
		}
		if err == bufio.ErrBufferFull {
			continue
		}
		return 0, fmt.Errorf("op=filestore.count_output: %w", err)
	}
}

// TruncateOutputLines trims the output file to exactly the given number
// of complete lines, discarding a partially written final line after a
// crash.
func (s *Local) TruncateOutputLines(_ domain.Context, jobID string, lines int) error {
	path := s.outputPath(jobID)
	f, err := os.OpenFile(path, os.O_RDWR, 0o644)
	if err != nil {
		if os.IsNotExist(err) && lines == 0 {
			return nil
		}
		return fmt.Errorf("op=filestore.truncate_output: %w", err)
	}
	defer func() { _ = f.Close() }()

	var offset int64
	seen := 0
	br := bufio.NewReader(f)
	for seen < lines {
		chunk, err := br.ReadSlice('\n')
		offset += int64(len(chunk))
		if err == bufio.ErrBufferFull {
			continue
		}
		if err != nil {
			return fmt.Errorf("op=filestore.truncate_output: only %d lines present: %w", seen, domain.ErrInvalidInput)
		}
		seen++
	}
	if err := f.Truncate(offset); err != nil {
		return fmt.Errorf("op=filestore.truncate_output: %w", err)
	}
	if err := f.Sync(); err != nil {
		return fmt.Errorf("op=filestore.truncate_output: %w", err)
	}
	return nil
}

func (s *Local) inputPath(id string) string {
	return filepath.Join(s.root, inputsDir, id+".jsonl")
}

func (s *Local) outputPath(jobID string) string {
	return filepath.Join(s.root, outputsDir, jobID+".jsonl")
}

// validInputID guards against path traversal through file ids.
func validInputID(id string) bool {
	if !strings.HasPrefix(id, inputPrefix) {
		return false
	}
	rest := strings.TrimPrefix(id, inputPrefix)
	if len(rest) == 0 {
		return false
	}
	for _, c := range rest {
		if !(c >= 'a' && c <= 'f' || c >= '0' && c <= '9') {
			return false
		}
	}
	return true
}
