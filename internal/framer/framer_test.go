package framer

import (
	"strings"
	"testing"

	"github.com/rmlconsulting/tracewait/internal/tracebus"
)

func texts(recs []tracebus.TraceRecord) []string {
	out := make([]string, len(recs))
	for i, r := range recs {
		out[i] = r.Text
	}
	return out
}

func assertEqual(t *testing.T, got, want []string) {
	t.Helper()
	if len(got) != len(want) {
		t.Fatalf("got %d records %v, want %d %v", len(got), got, len(want), want)
	}
	for i := range got {
		if got[i] != want[i] {
			t.Fatalf("record %d: got %q, want %q (all: got=%v want=%v)", i, got[i], want[i], got, want)
		}
	}
}

func TestFeed_SingleChunk_LFTerminated(t *testing.T) {
	f := New(tracebus.SourceStdout, nil)
	recs := f.Feed([]byte("hello\nworld\n"))
	assertEqual(t, texts(recs), []string{"hello", "world"})
}

func TestFeed_CRLF(t *testing.T) {
	f := New(tracebus.SourceStdout, nil)
	recs := f.Feed([]byte("hello\r\nworld\r\n"))
	assertEqual(t, texts(recs), []string{"hello", "world"})
}

func TestFeed_BareCR(t *testing.T) {
	f := New(tracebus.SourceStdout, nil)
	recs := f.Feed([]byte("hello\rworld\r"))
	assertEqual(t, texts(recs), []string{"hello", "world"})
}

func TestFeed_CRLFSplitAcrossChunks_NoSpuriousEmptyRecord(t *testing.T) {
	f := New(tracebus.SourceStdout, nil)
	recs1 := f.Feed([]byte("hello\r"))
	assertEqual(t, texts(recs1), []string{"hello"})

	recs2 := f.Feed([]byte("\nworld\n"))
	assertEqual(t, texts(recs2), []string{"world"})
}

func TestFeed_PartialLineAcrossChunks(t *testing.T) {
	f := New(tracebus.SourceStdout, nil)
	recs1 := f.Feed([]byte("hel"))
	if len(recs1) != 0 {
		t.Fatalf("expected no records yet, got %v", recs1)
	}
	recs2 := f.Feed([]byte("lo\n"))
	assertEqual(t, texts(recs2), []string{"hello"})
}

func TestFeed_ChunkIndependence(t *testing.T) {
	// Feeding the same logical stream in different chunk sizes must produce
	// the same records regardless of where the boundaries fall.
	input := "alpha\nbeta\r\ngamma\rdelta\n"
	want := []string{"alpha", "beta", "gamma", "delta"}

	whole := New(tracebus.SourceStdout, nil)
	gotWhole := texts(whole.Feed([]byte(input)))
	assertEqual(t, gotWhole, want)

	byteAtATime := New(tracebus.SourceStdout, nil)
	var gotByte []string
	for i := 0; i < len(input); i++ {
		gotByte = append(gotByte, texts(byteAtATime.Feed([]byte{input[i]}))...)
	}
	assertEqual(t, gotByte, want)
}

func TestFeed_StripANSI(t *testing.T) {
	f := New(tracebus.SourceStdout, nil, WithStripANSI())
	recs := f.Feed([]byte("\x1b[31mred text\x1b[0m\n"))
	assertEqual(t, texts(recs), []string{"red text"})
}

func TestFeed_InvalidUTF8Replaced(t *testing.T) {
	f := New(tracebus.SourceStdout, nil)
	recs := f.Feed([]byte{'o', 'k', 0xff, '\n'})
	if len(recs) != 1 {
		t.Fatalf("want 1 record, got %d", len(recs))
	}
	if !strings.HasPrefix(recs[0].Text, "ok") {
		t.Errorf("want prefix %q, got %q", "ok", recs[0].Text)
	}
}

func TestClose_FlushesTrailingUnterminatedBytes(t *testing.T) {
	f := New(tracebus.SourceStdout, nil)
	f.Feed([]byte("no newline at end"))

	rec, ok := f.Close()
	if !ok {
		t.Fatal("expected a final record on Close")
	}
	if rec.Text != "no newline at end" {
		t.Errorf("got %q, want %q", rec.Text, "no newline at end")
	}
}

func TestClose_EmptyBufferReturnsFalse(t *testing.T) {
	f := New(tracebus.SourceStdout, nil)
	f.Feed([]byte("complete\n"))

	_, ok := f.Close()
	if ok {
		t.Fatal("expected no final record when buffer is already fully flushed")
	}
}

func TestFeed_SourceTag(t *testing.T) {
	f := New(tracebus.SourceStderr, nil)
	recs := f.Feed([]byte("oops\n"))
	if recs[0].Source != tracebus.SourceStderr {
		t.Errorf("Source: got %q, want %q", recs[0].Source, tracebus.SourceStderr)
	}
}

func TestFeed_ClockStampsTimestamp(t *testing.T) {
	var now int64 = 42
	f := New(tracebus.SourceStdout, func() int64 { return now })
	recs := f.Feed([]byte("line\n"))
	if recs[0].Timestamp != 42 {
		t.Errorf("Timestamp: got %d, want %d", recs[0].Timestamp, 42)
	}
}
