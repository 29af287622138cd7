package sink

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"go.uber.org/zap"

	"github.com/masahif/politecrawl/internal/crawler"
)

// FileSink appends each batch to a file as a single JSON line.
type FileSink struct {
	path   string
	logger *zap.Logger

	mu     sync.Mutex
	file   *os.File
	closed bool
}

// NewFileSink opens path for appending, creating it and its directory if needed.
func NewFileSink(path string, logger *zap.Logger) (*FileSink, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("failed to create output directory: %w", err)
		}
	}

	file, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("failed to open output file: %w", err)
	}

	return &FileSink{
		path:   path,
		logger: logger.Named("sink").With(zap.String("path", path)),
		file:   file,
	}, nil
}

// Save writes pages as {"pages":[...]} followed by a newline and syncs the file.
func (s *FileSink) Save(_ context.Context, pages []crawler.Page) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return os.ErrClosed
	}

	line, err := encodeBatch(pages)
	if err != nil {
		return fmt.Errorf("failed to encode batch: %w", err)
	}
	if _, err := s.file.Write(line); err != nil {
		return fmt.Errorf("failed to write batch: %w", err)
	}
	if err := s.file.Sync(); err != nil {
		return fmt.Errorf("failed to sync output file: %w", err)
	}

	s.logger.Debug("batch written", zap.Int("pages", len(pages)))
	return nil
}

// Close closes the output file. Subsequent calls are no-ops.
func (s *FileSink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil
	}
	s.closed = true
	return s.file.Close()
}

var _ crawler.Sink = (*FileSink)(nil)
