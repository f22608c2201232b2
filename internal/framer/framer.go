// Package framer turns a stream of raw bytes into tracebus.TraceRecords,
// one per line. It tolerates chunk boundaries that fall anywhere — mid-line,
// mid-terminator, or mid-UTF-8-rune — by holding a rolling buffer across
// Feed calls.
//
// Grounded on xunzhou-muxctl/internal/pty/pty.go's StartReadLoop: that loop
// hands raw byte chunks off a PTY master to a channel without any line
// assembly. Framer generalizes the same "read whatever showed up" byte
// handling into line assembly, since the Process Controller's stdout/stderr
// pipes deliver chunks with exactly the same arbitrary-boundary behavior a
// PTY master fd does.
package framer

import (
	"regexp"
	"strings"
	"time"

	"github.com/rmlconsulting/tracewait/internal/tracebus"
)

// ansiEscape strips terminal control sequences. Grounded on
// original_source/stdout_capture/stdout_capture.py's ansi_escape pattern.
var ansiEscape = regexp.MustCompile(`(\x9B|\x1B\[)[0-?]*[ -/]*[@-~]`)

// clockEpoch anchors the default Clock's monotonic readings.
var clockEpoch = time.Now()

// Clock returns the current time as monotonic nanoseconds. Overridable in
// tests; when nil, the Framer uses monotonic nanoseconds elapsed since
// this package was initialized.
type Clock func() int64

// Framer assembles TraceRecords from a byte stream. Not safe for concurrent
// Feed calls — the Process Controller owns one Framer per stream (stdout,
// stderr) and feeds it from a single reader goroutine.
type Framer struct {
	source    tracebus.Source
	clock     Clock
	stripANSI bool

	buf       []byte
	pendingCR bool
}

// Option configures a Framer.
type Option func(*Framer)

// WithStripANSI enables ANSI escape-sequence stripping on framed lines,
// mirroring stdout_capture.py's always-on behavior for terminal-attached
// child processes.
func WithStripANSI() Option {
	return func(f *Framer) { f.stripANSI = true }
}

// WithClock overrides the timestamp source (for deterministic tests).
func WithClock(c Clock) Option {
	return func(f *Framer) { f.clock = c }
}

// New creates a Framer tagging every produced record with source.
func New(source tracebus.Source, clock Clock, opts ...Option) *Framer {
	f := &Framer{source: source, clock: clock}
	for _, opt := range opts {
		opt(f)
	}
	return f
}

// Feed appends data to the rolling buffer and returns every complete line
// terminated since the last call. A line terminator is "\n", "\r\n", or a
// bare "\r" not immediately followed by "\n" (checked across call
// boundaries via pendingCR, so a "\r" at the very end of one chunk and a
// "\n" at the start of the next still produce a single empty-free record
// rather than two, one of them spurious and empty).
func (f *Framer) Feed(data []byte) []tracebus.TraceRecord {
	f.buf = append(f.buf, data...)

	var records []tracebus.TraceRecord
	start := 0
	buf := f.buf

	// A trailing "\r" from the previous Feed call is resolved against this
	// chunk's first byte before the main scan: a leading "\n" pairs with it
	// as one CRLF terminator (already emitted last call) and is consumed
	// without producing a spurious empty record; anything else means the
	// previous "\r" was a bare terminator on its own, already final.
	if f.pendingCR {
		f.pendingCR = false
		if len(buf) > 0 && buf[0] == '\n' {
			start = 1
		}
	}

	for i := start; i < len(buf); i++ {
		switch buf[i] {
		case '\n':
			records = append(records, f.emit(buf[start:i]))
			start = i + 1
		case '\r':
			if i+1 < len(buf) && buf[i+1] == '\n' {
				records = append(records, f.emit(buf[start:i]))
				start = i + 2
				i++
			} else if i == len(buf)-1 {
				// Trailing "\r": might be the first half of a CRLF split
				// across chunks. Emit now; if a lone "\n" arrives next,
				// the case above absorbs it as an empty continuation.
				records = append(records, f.emit(buf[start:i]))
				start = i + 1
				f.pendingCR = true
			} else {
				records = append(records, f.emit(buf[start:i]))
				start = i + 1
			}
		}
	}

	f.buf = append([]byte{}, buf[start:]...)
	return records
}

// Close flushes any remaining unterminated bytes as a final record. Returns
// false if the remaining buffer is empty (nothing to flush).
func (f *Framer) Close() (tracebus.TraceRecord, bool) {
	if len(f.buf) == 0 {
		return tracebus.TraceRecord{}, false
	}
	rec := f.emit(f.buf)
	f.buf = nil
	return rec, true
}

func (f *Framer) emit(raw []byte) tracebus.TraceRecord {
	text := strings.ToValidUTF8(string(raw), "�")
	if f.stripANSI {
		text = ansiEscape.ReplaceAllString(text, "")
	}
	var ts int64
	if f.clock != nil {
		ts = f.clock()
	} else {
		ts = time.Since(clockEpoch).Nanoseconds()
	}
	return tracebus.TraceRecord{
		Text:      text,
		Timestamp: ts,
		Source:    f.source,
	}
}
