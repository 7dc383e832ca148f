package eventbus

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/klauspost/compress/gzip"
)

// NDJSONSink appends every published event as one JSON line to a rotating,
// gzip-compressed log segment, for offline audit/benchmark replay separate
// from the Store's queryable rows.
type NDJSONSink struct {
	dir         string
	maxSegBytes int64

	mu      sync.Mutex
	file    *os.File
	gz      *gzip.Writer
	written int64
	segment int
}

const defaultMaxSegBytes = 10 * 1024 * 1024

// NewNDJSONSink opens (creating if needed) a sink rooted at dir.
func NewNDJSONSink(dir string) (*NDJSONSink, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("ndjson sink: %w", err)
	}
	s := &NDJSONSink{dir: dir, maxSegBytes: defaultMaxSegBytes}
	if err := s.openSegment(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *NDJSONSink) openSegment() error {
	path := filepath.Join(s.dir, fmt.Sprintf("events-%04d.ndjson.gz", s.segment))
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("ndjson sink: open segment: %w", err)
	}
	s.file = f
	s.gz = gzip.NewWriter(f)
	s.written = 0
	return nil
}

// Write appends e as one JSON line, rotating to a fresh gzip segment once
// the current one crosses maxSegBytes (checked pre-compression, so segment
// sizes are approximate, not exact).
func (s *NDJSONSink) Write(e Event) error {
	data, err := json.Marshal(struct {
		SessionID string `json:"sessionId"`
		Type      string `json:"type"`
		Data      string `json:"data"`
	}{SessionID: e.SessionID, Type: string(e.Type), Data: e.DataJSON})
	if err != nil {
		return fmt.Errorf("ndjson sink: marshal: %w", err)
	}
	data = append(data, '\n')

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.written > 0 && s.written+int64(len(data)) > s.maxSegBytes {
		if err := s.rotateLocked(); err != nil {
			return err
		}
	}
	n, err := s.gz.Write(data)
	s.written += int64(n)
	if err != nil {
		return fmt.Errorf("ndjson sink: write: %w", err)
	}
	return s.gz.Flush()
}

func (s *NDJSONSink) rotateLocked() error {
	if err := s.gz.Close(); err != nil {
		return fmt.Errorf("ndjson sink: close segment: %w", err)
	}
	if err := s.file.Close(); err != nil {
		return fmt.Errorf("ndjson sink: close segment file: %w", err)
	}
	s.segment++
	return s.openSegment()
}

// Close flushes and closes the current segment.
func (s *NDJSONSink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.gz.Close(); err != nil {
		return err
	}
	return s.file.Close()
}
