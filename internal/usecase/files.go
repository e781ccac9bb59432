// Package usecase contains the application services: file ingestion, job
// admission, job lifecycle queries and dead-letter re-drives. Services
// depend only on the domain ports.
package usecase

import (
	"bytes"
	"fmt"
	"io"
	"strings"

	"github.com/gabriel-vasile/mimetype"

	"github.com/fairyhunter13/llm-batchd/internal/domain"
)

// FileService ingests batch input files and serves stored content.
type FileService struct {
	Store       domain.FileStore
	MaxUploadMB int64
}

// NewFileService constructs a FileService with the given store.
func NewFileService(store domain.FileStore, maxUploadMB int64) FileService {
	return FileService{Store: store, MaxUploadMB: maxUploadMB}
}

// Upload sniffs, size-caps and stores a batch input file, returning its
// content-addressed id. Only text-shaped content is accepted; binary
// uploads are rejected before any parsing happens.
func (s FileService) Upload(ctx domain.Context, r io.Reader) (domain.FileInfo, error) {
	maxBytes := s.MaxUploadMB << 20
	limited := io.LimitReader(r, maxBytes+1)

	head := make([]byte, 512)
	n, err := io.ReadFull(limited, head)
	if err != nil && err != io.ErrUnexpectedEOF && err != io.EOF {
		return domain.FileInfo{}, fmt.Errorf("op=file.upload: %w", err)
	}
	head = head[:n]
	if n == 0 {
		return domain.FileInfo{}, fmt.Errorf("%w: empty upload", domain.ErrInvalidInput)
	}
	mt := mimetype.Detect(head)
	if !strings.HasPrefix(mt.String(), "text/") && !strings.Contains(mt.String(), "json") {
		return domain.FileInfo{}, fmt.Errorf("%w: unsupported content type %s", domain.ErrInvalidInput, mt.String())
	}

	body := io.MultiReader(bytes.NewReader(head), limited)
	info, err := s.Store.PutInput(ctx, body)
	if err != nil {
		return domain.FileInfo{}, fmt.Errorf("op=file.upload: %w", err)
	}
	if info.Bytes > maxBytes {
		return domain.FileInfo{}, fmt.Errorf("%w: upload exceeds %d MB", domain.ErrInvalidInput, s.MaxUploadMB)
	}
	return info, nil
}

// StatInput returns metadata for a stored input file.
func (s FileService) StatInput(ctx domain.Context, id string) (domain.FileInfo, error) {
	return s.Store.StatInput(ctx, id)
}

// OpenInput streams a stored input file.
func (s FileService) OpenInput(ctx domain.Context, id string) (io.ReadCloser, error) {
	return s.Store.OpenInput(ctx, id)
}
