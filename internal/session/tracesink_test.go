package session

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/rmlconsulting/tracewait/internal/tracebus"
)

func TestFileTraceSink_WritesUnderDayDirectory(t *testing.T) {
	dir := t.TempDir()
	sink := NewFileTraceSink(dir, "run1")
	now := time.Date(2026, 3, 5, 14, 30, 0, 0, time.UTC)
	sink.clock = func() time.Time { return now }

	sink.Write(tracebus.TraceRecord{Source: tracebus.SourceStdout, Text: "hello"})
	if err := sink.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	dayDir := filepath.Join(dir, "202603", "20260305")
	entries, err := os.ReadDir(dayDir)
	if err != nil {
		t.Fatalf("ReadDir: %v", err)
	}
	if len(entries) != 1 {
		t.Fatalf("expected exactly one log file, got %d", len(entries))
	}
	if !strings.HasSuffix(entries[0].Name(), "_run1.log") {
		t.Errorf("unexpected log file name %q", entries[0].Name())
	}

	data, err := os.ReadFile(filepath.Join(dayDir, entries[0].Name()))
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}
	if !strings.Contains(string(data), "[stdout] hello") {
		t.Errorf("log file missing expected line, got %q", data)
	}
}

func TestFileTraceSink_RotatesOnDayChange(t *testing.T) {
	dir := t.TempDir()
	sink := NewFileTraceSink(dir, "run1")
	day1 := time.Date(2026, 3, 5, 23, 59, 0, 0, time.UTC)
	sink.clock = func() time.Time { return day1 }
	sink.Write(tracebus.TraceRecord{Source: tracebus.SourceStdout, Text: "day one"})

	day2 := time.Date(2026, 3, 6, 0, 1, 0, 0, time.UTC)
	sink.clock = func() time.Time { return day2 }
	sink.Write(tracebus.TraceRecord{Source: tracebus.SourceStdout, Text: "day two"})

	if err := sink.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	for _, day := range []string{"20260305", "20260306"} {
		dayDir := filepath.Join(dir, "202603", day)
		entries, err := os.ReadDir(dayDir)
		if err != nil {
			t.Fatalf("ReadDir(%s): %v", day, err)
		}
		if len(entries) != 1 {
			t.Fatalf("expected one log file under %s, got %d", day, len(entries))
		}
	}
}

func TestFileTraceSink_CloseIdempotent(t *testing.T) {
	sink := NewFileTraceSink(t.TempDir(), "run1")
	if err := sink.Close(); err != nil {
		t.Fatalf("Close on unopened sink: %v", err)
	}
	sink.Write(tracebus.TraceRecord{Source: tracebus.SourceStdout, Text: "x"})
	if err := sink.Close(); err != nil {
		t.Fatalf("first Close: %v", err)
	}
	if err := sink.Close(); err != nil {
		t.Fatalf("second Close: %v", err)
	}
}
