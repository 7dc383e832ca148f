package eventbus

import (
	"compress/gzip"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestNDJSONSinkWritesGzippedLines(t *testing.T) {
	dir := t.TempDir()
	sink, err := NewNDJSONSink(dir)
	if err != nil {
		t.Fatalf("new sink: %v", err)
	}
	if err := sink.Write(Event{SessionID: "s1", Type: "result", DataJSON: `{"ok":true}`}); err != nil {
		t.Fatalf("write: %v", err)
	}
	if err := sink.Write(Event{SessionID: "s1", Type: "error", DataJSON: `{"msg":"boom"}`}); err != nil {
		t.Fatalf("write: %v", err)
	}
	if err := sink.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	f, err := os.Open(filepath.Join(dir, "events-0000.ndjson.gz"))
	if err != nil {
		t.Fatalf("open segment: %v", err)
	}
	defer f.Close()
	gr, err := gzip.NewReader(f)
	if err != nil {
		t.Fatalf("gzip reader: %v", err)
	}
	raw, err := io.ReadAll(gr)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	lines := strings.Split(strings.TrimSpace(string(raw)), "\n")
	if len(lines) != 2 {
		t.Fatalf("expected 2 lines, got %d: %q", len(lines), raw)
	}
}
