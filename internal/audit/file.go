package audit

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"

	"go.uber.org/zap"
)

// FileSink appends one JSON line per record to a file or writer. A
// mutex serializes writers so two records never interleave.
type FileSink struct {
	mu     sync.Mutex
	w      io.Writer
	closer io.Closer // nil when the sink does not own the writer
	logger *zap.Logger
}

// NewFileSink opens (creating if needed) the file at path for append.
func NewFileSink(path string, logger *zap.Logger) (*FileSink, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("audit: create dir: %w", err)
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("audit: open %s: %w", path, err)
	}
	return &FileSink{w: f, closer: f, logger: logger}, nil
}

// NewWriterSink wraps an existing writer (e.g. stdout). The caller
// keeps ownership of the writer.
func NewWriterSink(w io.Writer, logger *zap.Logger) *FileSink {
	return &FileSink{w: w, logger: logger}
}

// Write appends the record. Encoding or I/O failures are logged and
// dropped; they never affect the decision the record describes.
func (s *FileSink) Write(r *Record) {
	data, err := json.Marshal(r)
	if err != nil {
		s.logger.Error("audit record marshal failed",
			zap.String("id", r.ID),
			zap.Error(err),
		)
		return
	}
	data = append(data, '\n')

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, err := s.w.Write(data); err != nil {
		s.logger.Error("audit record write failed",
			zap.String("id", r.ID),
			zap.Error(err),
		)
	}
}

// Close closes the underlying file if the sink owns it.
func (s *FileSink) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closer != nil {
		_ = s.closer.Close()
		s.closer = nil
	}
}
