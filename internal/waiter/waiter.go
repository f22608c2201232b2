// Package waiter implements the Waiter: the state machine that
// synchronously combines a Trace Bus subscription with required/avoided
// pattern evaluation to produce a single WaitOutcome.
//
// Grounded line-for-line in
// original_source/device_comms/device_comms_base.py's wait_for_trace (the
// required/avoided accounting loop, MATCHING/ALL/LAST_ONLY collection,
// return_on_first_match short-circuit) and
// original_source/run_process/run_process.py's start() (run-to-completion,
// the timeout-vs-process-exit race, teardown on every exit path). OTEL
// spans follow internal/supervisor/scanner.go's
// tracer.Start("evaluate_pane", ...) pattern.
package waiter

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/rmlconsulting/tracewait/internal/eventmap"
	"github.com/rmlconsulting/tracewait/internal/matcher"
	"github.com/rmlconsulting/tracewait/internal/otelx"
	"github.com/rmlconsulting/tracewait/internal/tracebus"
)

// CollectPattern selects how matched/seen records are accumulated into a
// WaitOutcome's Results.
type CollectPattern int

const (
	// CollectMatching appends one Result per required-pattern match.
	CollectMatching CollectPattern = iota
	// CollectAll appends exactly one Result per record observed, matching
	// or not.
	CollectAll
	// CollectLastOnly retains only the most recently matching record.
	CollectLastOnly
)

// ResponseFormat selects the level of detail callers of Session expect in
// projected results. The Waiter itself always populates the full Result
// (Record plus, when matched, a *matcher.MatchResult); Session's
// WaitForTrace/WaitForEvent project down to RAW text or PROCESSED captures
// at the call boundary rather than the Waiter filtering internally.
type ResponseFormat int

const (
	ResponseRaw ResponseFormat = iota
	ResponseProcessed
)

// TerminatedByKind enumerates the terminal states of a wait.
type TerminatedByKind int

const (
	Accepted TerminatedByKind = iota
	Rejected
	Timeout
	Cancelled
	TransportClosed
	ProcessExited
)

func (k TerminatedByKind) String() string {
	switch k {
	case Accepted:
		return "accepted"
	case Rejected:
		return "rejected"
	case Timeout:
		return "timeout"
	case Cancelled:
		return "cancelled"
	case TransportClosed:
		return "transport_closed"
	case ProcessExited:
		return "process_exited"
	default:
		return "unknown"
	}
}

// MarshalJSON renders the kind by name, so `session wait-trace`/
// `wait-event`'s JSON output reports e.g. "timeout" rather than a bare
// enum integer.
func (k TerminatedByKind) MarshalJSON() ([]byte, error) {
	return json.Marshal(k.String())
}

// CancelReason distinguishes the two ways a wait can be Cancelled.
type CancelReason int

const (
	// CancelExplicit means the caller's context was cancelled.
	CancelExplicit CancelReason = iota
	// CancelOverflow means the Bus dropped one or more records for this
	// subscriber's mailbox during the wait, making any other outcome
	// unreliable.
	CancelOverflow
)

// TerminatedBy describes why a wait stopped.
type TerminatedBy struct {
	Kind     TerminatedByKind
	Pattern  *eventmap.CompiledPattern // set when Kind == Rejected
	Reason   CancelReason              // set when Kind == Cancelled
	ExitCode int                       // set when Kind == ProcessExited
}

// Result is one entry of a WaitOutcome's Results. Match is nil for records
// collected under CollectAll that did not match any required pattern.
type Result struct {
	Record tracebus.TraceRecord
	Match  *matcher.MatchResult
}

// Text returns the record's raw line text (the RAW response format view).
func (r Result) Text() string { return r.Record.Text }

// Captures returns the named captures of the matching pattern, or nil if
// this Result did not come from a match.
func (r Result) Captures() map[string]string {
	if r.Match == nil {
		return nil
	}
	return r.Match.NamedCaptures
}

// EventTag returns the event tag of the matching pattern, or "" if this
// Result did not come from a tagged match.
func (r Result) EventTag() eventmap.EventTag {
	if r.Match == nil {
		return ""
	}
	return r.Match.EventTag
}

// WaitOutcome is the terminal result of a Wait call.
type WaitOutcome struct {
	Successful        bool
	Results           []Result
	RequiredRemaining []eventmap.PatternRef
	TerminatedBy      TerminatedBy
}

// ProcessResult is delivered on Deps.ProcessDone when the backing process
// (run-to-completion mode) exits.
type ProcessResult struct {
	ExitCode int
	Err      error
}

// CommandSender is the write path a Wait call uses to issue its optional
// command after subscribing, per spec's subscribe-before-send ordering.
type CommandSender interface {
	SendCmd(ctx context.Context, text string) error
}

// Deps are the collaborators a Wait call needs. Sender, ProcessDone,
// Tracer, and Metrics may all be nil.
type Deps struct {
	Bus         *tracebus.Bus
	Events      *eventmap.Map
	Sender      CommandSender
	ProcessDone <-chan ProcessResult
	Tracer      trace.Tracer
	Metrics     *otelx.Metrics
}

// Options configures one Wait call. See spec §4.F.
type Options struct {
	Cmd                string
	HasCmd             bool
	Required           []eventmap.PatternRef
	Avoided            []eventmap.PatternRef
	TimeoutMS          int64
	CollectPattern     CollectPattern
	ResponseFormat     ResponseFormat
	ReturnOnFirstMatch bool
	UseBacklog         bool
	RunToCompletion    bool
}

type resolvedPattern struct {
	Ref eventmap.PatternRef
	CP  eventmap.CompiledPattern
}

// resolveList resolves refs against snap, collapsing duplicate patterns
// (by compiled regex source) to one entry each, per spec §9's "duplicates
// are collapsed at resolution time."
func resolveList(snap *eventmap.Snapshot, refs []eventmap.PatternRef) ([]resolvedPattern, error) {
	seen := make(map[string]bool, len(refs))
	out := make([]resolvedPattern, 0, len(refs))
	for _, ref := range refs {
		cp, err := snap.Resolve(ref)
		if err != nil {
			return nil, err
		}
		if seen[cp.Source] {
			continue
		}
		seen[cp.Source] = true
		out = append(out, resolvedPattern{Ref: ref, CP: cp})
	}
	return out, nil
}

// Wait runs one wait-for-trace(-or-event) cycle to completion.
func Wait(ctx context.Context, deps Deps, opts Options) (*WaitOutcome, error) {
	snap := deps.Events.Snapshot()

	required, err := resolveList(snap, opts.Required)
	if err != nil {
		return nil, &ConfigurationError{Err: err}
	}
	avoided, err := resolveList(snap, opts.Avoided)
	if err != nil {
		return nil, &ConfigurationError{Err: err}
	}

	if !opts.UseBacklog {
		deps.Bus.ClearBacklog()
	}
	startFrom := tracebus.Live
	if opts.UseBacklog {
		startFrom = tracebus.ReplayAll
	}
	sub := deps.Bus.Subscribe(startFrom)
	defer sub.Unsubscribe()

	if deps.Tracer != nil {
		var span trace.Span
		ctx, span = deps.Tracer.Start(ctx, "waiter.wait", trace.WithAttributes(
			attribute.Int("waiter.required_count", len(required)),
			attribute.Int("waiter.avoided_count", len(avoided)),
			attribute.Bool("waiter.return_on_first_match", opts.ReturnOnFirstMatch),
			attribute.Bool("waiter.run_to_completion", opts.RunToCompletion),
		))
		defer span.End()
	}

	start := time.Now()

	if opts.HasCmd {
		if deps.Sender == nil {
			return nil, &ConfigurationError{Err: fmt.Errorf("cmd specified but no CommandSender configured")}
		}
		if err := deps.Sender.SendCmd(ctx, opts.Cmd); err != nil {
			return nil, &TransportError{Err: err}
		}
	}

	var deadline time.Time
	if opts.TimeoutMS > 0 {
		deadline = time.Now().Add(time.Duration(opts.TimeoutMS) * time.Millisecond)
	}

	outcome := runLoop(ctx, sub, required, avoided, opts, deadline, deps.ProcessDone)

	if deps.Metrics != nil {
		deps.Metrics.RecordOutcome(ctx, outcome.TerminatedBy.Kind.String())
		deps.Metrics.RecordWaitDuration(ctx, float64(time.Since(start).Milliseconds()))
		if outcome.TerminatedBy.Kind == Cancelled && outcome.TerminatedBy.Reason == CancelOverflow {
			deps.Metrics.RecordSubscriberDrop(ctx)
		}
	}

	return outcome, nil
}

// runLoop is the consume-until-terminal core, split out from Wait so the
// degenerate-empty-required short circuit and the command-issuance setup
// above it stay easy to read.
func runLoop(ctx context.Context, sub *tracebus.Subscription, required, avoided []resolvedPattern, opts Options, deadline time.Time, processDone <-chan ProcessResult) *WaitOutcome {
	// Open Question #1 (spec §9): required=[] and run_to_completion=false
	// returns Accepted immediately, without consuming a single record —
	// matches device_comms_base.py's wait_for_trace else-branch, which sets
	// stop_processing=True on the very first loop iteration.
	if len(required) == 0 && !opts.RunToCompletion {
		return &WaitOutcome{
			Successful:   true,
			TerminatedBy: TerminatedBy{Kind: Accepted},
		}
	}

	var results []Result
	var lastOnly *Result
	var terminal TerminatedBy

	for {
		if !deadline.IsZero() && !time.Now().Before(deadline) {
			terminal = TerminatedBy{Kind: Timeout}
			break
		}

		if opts.RunToCompletion && processDone != nil {
			rec, status, exited, pr := nextOrProcessDone(ctx, sub, deadline, processDone)
			if exited {
				terminal = TerminatedBy{Kind: ProcessExited, ExitCode: pr.ExitCode}
				break
			}
			if t := handleStatus(ctx, status, &terminal); t {
				break
			}
			if status != tracebus.NextOK {
				continue
			}
			if t := evaluateRecord(rec, avoided, &required, opts, &results, &lastOnly); t != nil {
				terminal = *t
				break
			}
			continue
		}

		rec, status := sub.Next(ctx, deadline)
		if t := handleStatus(ctx, status, &terminal); t {
			break
		}
		if status != tracebus.NextOK {
			continue
		}
		if t := evaluateRecord(rec, avoided, &required, opts, &results, &lastOnly); t != nil {
			terminal = *t
			break
		}
	}

	if terminal.Kind != Rejected && sub.Drops() > 0 {
		terminal = TerminatedBy{Kind: Cancelled, Reason: CancelOverflow}
	}

	successful := terminal.Kind == Accepted
	if terminal.Kind == ProcessExited {
		successful = terminal.ExitCode == 0
	}

	var finalResults []Result
	if opts.CollectPattern == CollectLastOnly {
		if lastOnly != nil {
			finalResults = []Result{*lastOnly}
		}
	} else {
		finalResults = results
	}

	remaining := make([]eventmap.PatternRef, len(required))
	for i, rp := range required {
		remaining[i] = rp.Ref
	}

	return &WaitOutcome{
		Successful:        successful,
		Results:           finalResults,
		RequiredRemaining: remaining,
		TerminatedBy:      terminal,
	}
}

// handleStatus translates a non-NextOK Subscription status into a terminal
// state. Returns true when the loop should stop.
func handleStatus(ctx context.Context, status tracebus.NextStatus, terminal *TerminatedBy) bool {
	switch status {
	case tracebus.NextClosed:
		*terminal = TerminatedBy{Kind: TransportClosed}
		return true
	case tracebus.NextTimeout:
		if ctx.Err() != nil {
			*terminal = TerminatedBy{Kind: Cancelled, Reason: CancelExplicit}
		} else {
			*terminal = TerminatedBy{Kind: Timeout}
		}
		return true
	default:
		return false
	}
}

// nextOrProcessDone races a Subscription.Next call against processDone, for
// run-to-completion waits where the terminal condition may be the child
// process exiting rather than a trace arriving. The Next call runs in a
// goroutine against a context derived from ctx so that when processDone
// wins, cancelling that derived context unblocks the goroutine promptly
// instead of leaking it for the rest of the process's lifetime.
func nextOrProcessDone(ctx context.Context, sub *tracebus.Subscription, deadline time.Time, processDone <-chan ProcessResult) (tracebus.TraceRecord, tracebus.NextStatus, bool, ProcessResult) {
	nextCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	type nextMsg struct {
		rec    tracebus.TraceRecord
		status tracebus.NextStatus
	}
	ch := make(chan nextMsg, 1)
	go func() {
		rec, status := sub.Next(nextCtx, deadline)
		ch <- nextMsg{rec, status}
	}()

	select {
	case pr := <-processDone:
		return tracebus.TraceRecord{}, tracebus.NextOK, true, pr
	case m := <-ch:
		return m.rec, m.status, false, ProcessResult{}
	}
}

// evaluateRecord applies one record to the avoided/required pattern sets,
// mutating results/lastOnly/required in place per the collection mode, and
// returns a non-nil TerminatedBy when this record concludes the wait.
//
// Avoided patterns are checked first (avoided-wins tie-break, spec §4.F):
// any avoided match is terminal regardless of what the record's required
// matches would otherwise have produced.
func evaluateRecord(rec tracebus.TraceRecord, avoided []resolvedPattern, required *[]resolvedPattern, opts Options, results *[]Result, lastOnly **Result) *TerminatedBy {
	for _, ap := range avoided {
		if m, ok := matcher.Match(rec, ap.CP); ok {
			*results = append(*results, Result{Record: rec, Match: &m})
			cp := ap.CP
			return &TerminatedBy{Kind: Rejected, Pattern: &cp}
		}
	}

	remaining := *required
	stillRemaining := make([]resolvedPattern, 0, len(remaining))
	var matched []matcher.MatchResult
	returnNow := false

	for i := 0; i < len(remaining); i++ {
		rp := remaining[i]
		m, ok := matcher.Match(rec, rp.CP)
		if !ok {
			stillRemaining = append(stillRemaining, rp)
			continue
		}
		matched = append(matched, m)
		if opts.CollectPattern == CollectMatching {
			mm := m
			*results = append(*results, Result{Record: rec, Match: &mm})
		}
		if opts.ReturnOnFirstMatch {
			stillRemaining = append(stillRemaining, remaining[i+1:]...)
			returnNow = true
			break
		}
	}
	*required = stillRemaining

	switch opts.CollectPattern {
	case CollectAll:
		if len(matched) > 0 {
			mm := matched[0]
			*results = append(*results, Result{Record: rec, Match: &mm})
		} else {
			*results = append(*results, Result{Record: rec})
		}
	case CollectLastOnly:
		if len(matched) > 0 {
			mm := matched[0]
			*lastOnly = &Result{Record: rec, Match: &mm}
		}
	}

	if returnNow {
		return &TerminatedBy{Kind: Accepted}
	}
	// Only a required list that started non-empty and is now fully
	// satisfied counts as Accepted. A vacuously-empty required list (valid
	// under RunToCompletion, where the terminal condition is process exit
	// rather than pattern satisfaction) must not short-circuit here.
	if len(remaining) > 0 && len(*required) == 0 {
		return &TerminatedBy{Kind: Accepted}
	}
	return nil
}
