// Package tracebus implements the Trace Bus: a thread-safe, capacity-bounded
// backlog of TraceRecords that broadcasts every append to a set of live
// subscribers.
//
// The Bus never blocks an appender on a slow subscriber — a subscriber whose
// mailbox is full loses the newest record and has its own drop counter
// incremented, rather than back-pressuring the producer.
package tracebus

import "fmt"

// Source tags the transport a TraceRecord was framed from.
type Source string

const (
	SourceStdout Source = "stdout"
	SourceStderr Source = "stderr"
	SourceDevice Source = "device"
	SourceRTT    Source = "rtt"
	SourceWS     Source = "ws"
)

// TraceRecord is a single framed line observed from a transport.
type TraceRecord struct {
	// Text is the decoded line with trailing line terminators stripped.
	Text string
	// Timestamp is monotonic nanoseconds at framing time (terminator
	// observation, not first-byte arrival).
	Timestamp int64
	// Source indicates which stream produced this record.
	Source Source
	// Sequence is a strictly increasing integer assigned by the Bus at
	// append time. Unique per Session.
	Sequence uint64
}

func (r TraceRecord) String() string {
	return fmt.Sprintf("#%d [%s] %s", r.Sequence, r.Source, r.Text)
}
