// Package session implements the Session facade (spec.md §4.H, §6): it
// owns exactly one Transport Adapter, one Line Framer, one Trace Bus, and
// one Event Map, and exposes the public device-session operations
// (StartCapturing/StopCapturing, SendCmd, WaitForTrace, WaitForEvent,
// SetEventMap, RawQueue).
//
// Grounded in internal/supervisor/scanner.go's Scanner struct (one
// struct owning Mux + Cache + Metrics, one entry point per unit of work)
// and original_source/device_comms/device_comms_base.py's
// DeviceCommsBase (hardware mutex, idempotent start/stop, send_cmd write
// path, set_event_map).
package session

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/trace"

	"github.com/rmlconsulting/tracewait/internal/eventmap"
	"github.com/rmlconsulting/tracewait/internal/framer"
	"github.com/rmlconsulting/tracewait/internal/otelx"
	"github.com/rmlconsulting/tracewait/internal/tracebus"
	"github.com/rmlconsulting/tracewait/internal/transport"
	"github.com/rmlconsulting/tracewait/internal/waiter"
)

// Options configures a Session at construction time.
type Options struct {
	// BusCapacity bounds the Trace Bus backlog. 0 means unbounded.
	BusCapacity int
	// LineTerminator is appended to every SendCmd payload. Defaults to
	// "\n" (spec.md §4.H).
	LineTerminator string
	// StripANSI enables ANSI-escape stripping on framed lines.
	StripANSI bool
	// Clock overrides the Framer's timestamp source (tests only).
	Clock framer.Clock
	// RecoveryDelay is slept after a successful write, mirroring
	// device_comms_base.py's hardware_recovery_time_sec — some
	// serial/JTAG peers need a settling period after being written to
	// before the next command is safe to issue. Zero disables it.
	RecoveryDelay time.Duration
	// Sink, if set, receives every appended TraceRecord in addition to
	// the Bus (see FileTraceSink).
	Sink TraceSink
	// Tracer and Metrics are forwarded to waiter.Wait for span/metric
	// instrumentation. Both may be nil.
	Tracer  trace.Tracer
	Metrics *otelx.Metrics
}

// Session owns one Transport + Framer + Bus + EventMap and serializes
// writes and waits against them.
type Session struct {
	id        string
	transport transport.Adapter
	opts      Options

	events *eventmap.Map

	mu        sync.Mutex // guards capturing state and the fields below
	capturing bool
	bus       *tracebus.Bus
	fr        *framer.Framer
	stopCh    chan struct{}
	doneCh    chan struct{}

	writeMu sync.Mutex // serializes Transport.Write calls
	waitMu  sync.Mutex // serializes WaitForTrace/WaitForEvent (spec.md §9: concurrent waits on one Session are forbidden)
}

// New creates a Session over the given Transport Adapter. The Bus is
// created lazily on first StartCapturing, per spec.md §3's lifecycle.
func New(t transport.Adapter, opts Options) *Session {
	if opts.LineTerminator == "" {
		opts.LineTerminator = "\n"
	}
	return &Session{
		id:        uuid.NewString(),
		transport: t,
		opts:      opts,
		events:    eventmap.New(),
	}
}

// ID returns this Session's correlation ID, attached to OTEL spans the
// way Scanner.SessionID groups a supervisor run's scans.
func (s *Session) ID() string { return s.id }

// IsCapturing reports whether the producer is currently running.
func (s *Session) IsCapturing() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.capturing
}

// StartCapturing opens the transport and starts the background producer.
// Idempotent: a second call while already capturing is a no-op, matching
// device_comms_base.py's start_capturing_traces early return.
func (s *Session) StartCapturing(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.capturing {
		return nil
	}

	if err := s.transport.Open(ctx); err != nil {
		return fmt.Errorf("session: opening transport: %w", err)
	}

	if s.bus == nil {
		s.bus = tracebus.New(s.opts.BusCapacity)
	}

	var fopts []framer.Option
	if s.opts.StripANSI {
		fopts = append(fopts, framer.WithStripANSI())
	}
	if s.opts.Clock != nil {
		fopts = append(fopts, framer.WithClock(s.opts.Clock))
	}
	s.fr = framer.New(s.transport.SourceTag(), s.opts.Clock, fopts...)

	s.stopCh = make(chan struct{})
	s.doneCh = make(chan struct{})
	s.capturing = true

	go s.produce(s.stopCh, s.doneCh, s.fr)

	return nil
}

// StopCapturing halts the producer, closes the transport, and closes the
// Bus (so outstanding waiters observe TransportClosed). Idempotent.
//
// The transport is closed first to unblock the producer's in-flight
// blocking Read call (spec.md's "drains the producer before releasing
// the transport" is honored in spirit: by the time this call returns, the
// producer goroutine has exited and appended its final flush, so no
// record is produced after StopCapturing returns even though the close
// call that unblocks the read happens before the drain completes).
func (s *Session) StopCapturing() error {
	s.mu.Lock()
	if !s.capturing {
		s.mu.Unlock()
		return nil
	}
	s.capturing = false
	doneCh := s.doneCh
	s.mu.Unlock()

	closeErr := s.transport.Close()
	<-doneCh

	s.mu.Lock()
	bus := s.bus
	s.mu.Unlock()
	if bus != nil {
		bus.Close()
	}

	if s.opts.Sink != nil {
		_ = s.opts.Sink.Close()
	}

	if closeErr != nil {
		return fmt.Errorf("session: closing transport: %w", closeErr)
	}
	return nil
}

// produce is the background task that pulls bytes from the transport,
// frames them, and appends every resulting record to the Bus. Grounded
// in internal/events/collector.go's readLoop: a single append path
// feeding the shared store, run until the transport reports closed.
func (s *Session) produce(stopCh, doneCh chan struct{}, fr *framer.Framer) {
	defer close(doneCh)
	for {
		select {
		case <-stopCh:
			s.flushFinal(fr)
			return
		default:
		}

		// A non-nil error (ErrClosed, ErrTimeout with no deadline set
		// meaning the adapter gave up, or any other transport failure)
		// is treated uniformly: the producer has nothing left to read.
		data, err := s.transport.Read(context.Background(), time.Time{})
		if err != nil {
			s.flushFinal(fr)
			return
		}

		for _, rec := range fr.Feed(data) {
			s.append(rec)
		}
	}
}

func (s *Session) flushFinal(fr *framer.Framer) {
	if rec, ok := fr.Close(); ok {
		s.append(rec)
	}
}

func (s *Session) append(rec tracebus.TraceRecord) {
	s.mu.Lock()
	bus := s.bus
	s.mu.Unlock()
	if bus == nil {
		return
	}
	rec = bus.Append(rec)
	if s.opts.Sink != nil {
		s.opts.Sink.Write(rec)
	}
}

// SendCmd appends the configured line terminator and writes atomically to
// the transport. Satisfies waiter.CommandSender so Wait can issue a
// command itself after subscribing.
func (s *Session) SendCmd(ctx context.Context, text string) error {
	s.mu.Lock()
	capturing := s.capturing
	s.mu.Unlock()
	if !capturing {
		return fmt.Errorf("session: send_cmd: capture has not been started")
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	if err := s.transport.Write(ctx, []byte(text+s.opts.LineTerminator)); err != nil {
		return fmt.Errorf("session: send_cmd: %w", err)
	}
	if s.opts.RecoveryDelay > 0 {
		time.Sleep(s.opts.RecoveryDelay)
	}
	return nil
}

// SetEventMap installs a new tag->pattern registry, atomically, without
// affecting any wait already in flight (eventmap.Map is copy-on-write).
func (s *Session) SetEventMap(patterns map[eventmap.EventTag]string) error {
	return s.events.Set(patterns)
}

// RawQueue returns a new Subscription over this Session's Bus, for
// callers (e.g. internal/monitor) that want to consume traces directly
// rather than through WaitForTrace/WaitForEvent.
func (s *Session) RawQueue(startFrom tracebus.StartFrom) (*tracebus.Subscription, error) {
	s.mu.Lock()
	bus := s.bus
	s.mu.Unlock()
	if bus == nil {
		return nil, fmt.Errorf("session: raw_queue: capture has not been started")
	}
	return bus.Subscribe(startFrom), nil
}

// WaitOptions configures one WaitForTrace/WaitForEvent call. ResponseFormat
// is a pointer so Session can apply wait_for_trace's RAW default and
// wait_for_event's PROCESSED default (spec.md §4.F "Defaults") when the
// caller leaves it unset, without RAW's zero value masking that choice.
type WaitOptions struct {
	Cmd                string
	HasCmd             bool
	TimeoutMS          int64
	CollectPattern     waiter.CollectPattern
	ResponseFormat     *waiter.ResponseFormat
	ReturnOnFirstMatch bool
	UseBacklog         bool
	RunToCompletion    bool
}

// ProcessedResult is the PROCESSED response-format projection of one
// waiter.Result: the matched record's text, the matching pattern's named
// captures and source, and (for wait_for_event) the originating event tag.
type ProcessedResult struct {
	Text     string
	Captures map[string]string
	Pattern  string
	EventTag eventmap.EventTag
}

// Outcome is the Session-level projection of a waiter.WaitOutcome. Per
// spec.md §4.F "Response formats", RAW outcomes carry Results as line
// text; PROCESSED outcomes carry full match detail. Exactly one of Raw or
// Processed is populated, selected by Format.
type Outcome struct {
	Successful        bool
	Format            waiter.ResponseFormat
	Raw               []string
	Processed         []ProcessedResult
	RequiredRemaining []eventmap.PatternRef
	TerminatedBy      waiter.TerminatedBy
}

func (s *Session) wait(ctx context.Context, required, avoided []eventmap.PatternRef, opts WaitOptions, defaultFormat waiter.ResponseFormat) (*Outcome, error) {
	s.mu.Lock()
	bus := s.bus
	s.mu.Unlock()
	if bus == nil {
		return nil, fmt.Errorf("session: wait: capture has not been started")
	}

	s.waitMu.Lock()
	defer s.waitMu.Unlock()

	format := defaultFormat
	if opts.ResponseFormat != nil {
		format = *opts.ResponseFormat
	}

	wo, err := waiter.Wait(ctx, waiter.Deps{
		Bus:     bus,
		Events:  s.events,
		Sender:  s,
		Tracer:  s.opts.Tracer,
		Metrics: s.opts.Metrics,
	}, waiter.Options{
		Cmd:                opts.Cmd,
		HasCmd:             opts.HasCmd,
		Required:           required,
		Avoided:            avoided,
		TimeoutMS:          opts.TimeoutMS,
		CollectPattern:     opts.CollectPattern,
		ResponseFormat:     format,
		ReturnOnFirstMatch: opts.ReturnOnFirstMatch,
		UseBacklog:         opts.UseBacklog,
		RunToCompletion:    opts.RunToCompletion,
	})
	if err != nil {
		return nil, err
	}

	return project(wo, format), nil
}

func project(wo *waiter.WaitOutcome, format waiter.ResponseFormat) *Outcome {
	out := &Outcome{
		Successful:        wo.Successful,
		Format:            format,
		RequiredRemaining: wo.RequiredRemaining,
		TerminatedBy:      wo.TerminatedBy,
	}
	switch format {
	case waiter.ResponseProcessed:
		out.Processed = make([]ProcessedResult, 0, len(wo.Results))
		for _, r := range wo.Results {
			pr := ProcessedResult{Text: r.Text()}
			if r.Match != nil {
				pr.Captures = r.Match.NamedCaptures
				pr.Pattern = r.Match.Pattern.Source
				pr.EventTag = r.Match.EventTag
			}
			out.Processed = append(out.Processed, pr)
		}
	default:
		out.Raw = make([]string, 0, len(wo.Results))
		for _, r := range wo.Results {
			out.Raw = append(out.Raw, r.Text())
		}
	}
	return out
}

// WaitForTrace blocks until required is satisfied, an avoided pattern
// matches, or timeout expires. Defaults to RAW response format (spec.md
// §4.F "Defaults").
func (s *Session) WaitForTrace(ctx context.Context, required, avoided []eventmap.PatternRef, opts WaitOptions) (*Outcome, error) {
	return s.wait(ctx, required, avoided, opts, waiter.ResponseRaw)
}

// WaitForEvent is WaitForTrace with PatternRefs resolved by EventTag.
// Defaults to PROCESSED response format (spec.md §4.F "Defaults") so
// the originating event tag round-trips into the result (matching
// device_comms_base.py's wait_for_event, which always maps the matched
// regex back to its event via the bidict event map).
func (s *Session) WaitForEvent(ctx context.Context, required, avoided []eventmap.EventTag, opts WaitOptions) (*Outcome, error) {
	reqRefs := make([]eventmap.PatternRef, len(required))
	for i, tag := range required {
		reqRefs[i] = eventmap.Tagged(tag)
	}
	avoidRefs := make([]eventmap.PatternRef, len(avoided))
	for i, tag := range avoided {
		avoidRefs[i] = eventmap.Tagged(tag)
	}
	return s.wait(ctx, reqRefs, avoidRefs, opts, waiter.ResponseProcessed)
}
