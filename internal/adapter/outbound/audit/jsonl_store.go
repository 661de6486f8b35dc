// Package audit provides outbound implementations of
// internal/domain/audit.AuditStore: newline-delimited JSON written to
// stdout or to a file, per the audit.output config value.
package audit

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"

	"github.com/mcprouter/mcprouter/internal/domain/audit"
)

// JSONLStore writes one JSON object per line per audit record to an
// io.Writer. Safe for concurrent Append calls.
type JSONLStore struct {
	mu     sync.Mutex
	w      io.Writer
	closer io.Closer
}

// NewFromOutput builds a JSONLStore from the audit.output config value:
// "stdout" or "file://<absolute-path>", matching
// internal/config.validateAuditOutput's accepted forms.
func NewFromOutput(output string) (*JSONLStore, error) {
	if output == "stdout" || output == "" {
		return &JSONLStore{w: os.Stdout}, nil
	}
	if path, ok := strings.CutPrefix(output, "file://"); ok {
		f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
		if err != nil {
			return nil, fmt.Errorf("opening audit output file %q: %w", path, err)
		}
		return &JSONLStore{w: f, closer: f}, nil
	}
	return nil, fmt.Errorf("unsupported audit output %q", output)
}

// Append writes each record as one JSON line. Appends are serialized under
// a mutex so concurrent sessions never interleave partial lines.
func (s *JSONLStore) Append(ctx context.Context, records ...audit.AuditRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, rec := range records {
		line, err := json.Marshal(rec)
		if err != nil {
			return fmt.Errorf("marshaling audit record: %w", err)
		}
		line = append(line, '\n')
		if _, err := s.w.Write(line); err != nil {
			return fmt.Errorf("writing audit record: %w", err)
		}
	}
	return nil
}

// Flush is a no-op: every Append already writes synchronously. Present to
// satisfy AuditStore, which expects a shutdown-time flush hook for stores
// that buffer.
func (s *JSONLStore) Flush(ctx context.Context) error { return nil }

// Close releases the underlying file, if any. A no-op for stdout.
func (s *JSONLStore) Close() error {
	if s.closer != nil {
		return s.closer.Close()
	}
	return nil
}

var _ audit.AuditStore = (*JSONLStore)(nil)
