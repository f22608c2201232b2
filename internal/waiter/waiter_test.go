package waiter

import (
	"context"
	"testing"
	"time"

	"github.com/rmlconsulting/tracewait/internal/eventmap"
	"github.com/rmlconsulting/tracewait/internal/tracebus"
)

// fakeSender appends a fixed set of lines to the bus when SendCmd is
// called, standing in for a real Transport write + Process Controller
// stdout framing in these unit tests. Grounded in
// internal/supervisor/scanner_test.go's fake-transport-plus-assert-verdict
// style.
type fakeSender struct {
	bus   *tracebus.Bus
	lines []string
}

func (s *fakeSender) SendCmd(ctx context.Context, text string) error {
	for _, l := range s.lines {
		s.bus.Append(tracebus.TraceRecord{Text: l, Source: tracebus.SourceStdout})
	}
	return nil
}

func resultTexts(rs []Result) []string {
	out := make([]string, len(rs))
	for i, r := range rs {
		out[i] = r.Text()
	}
	return out
}

func assertTexts(t *testing.T, got, want []string) {
	t.Helper()
	if len(got) != len(want) {
		t.Fatalf("results: got %v, want %v", got, want)
	}
	for i := range got {
		if got[i] != want[i] {
			t.Fatalf("results[%d]: got %q, want %q (all: got=%v want=%v)", i, got[i], want[i], got, want)
		}
	}
}

// Scenario 1 (spec §8): three required patterns, MATCHING collection.
func TestWait_Scenario1_MatchingCollectsOnePerPattern(t *testing.T) {
	bus := tracebus.New(0)
	sender := &fakeSender{bus: bus, lines: []string{"foo1", "bar2", "baz3"}}

	out, err := Wait(context.Background(), Deps{Bus: bus, Events: eventmap.New(), Sender: sender}, Options{
		Cmd:            "echo foo1; echo bar2; echo baz3",
		HasCmd:         true,
		Required:       []eventmap.PatternRef{eventmap.Raw(`foo\d`), eventmap.Raw(`bar\d`), eventmap.Raw(`baz\d`)},
		CollectPattern: CollectMatching,
		UseBacklog:     true,
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !out.Successful {
		t.Fatal("want successful=true")
	}
	assertTexts(t, resultTexts(out.Results), []string{"foo1", "bar2", "baz3"})
	if len(out.RequiredRemaining) != 0 {
		t.Errorf("RequiredRemaining: want empty, got %v", out.RequiredRemaining)
	}
	if out.TerminatedBy.Kind != Accepted {
		t.Errorf("TerminatedBy: want Accepted, got %v", out.TerminatedBy.Kind)
	}
}

// Scenario 2 (spec §8): same as above but LAST_ONLY collection.
func TestWait_Scenario2_LastOnlyKeepsMostRecentMatch(t *testing.T) {
	bus := tracebus.New(0)
	sender := &fakeSender{bus: bus, lines: []string{"foo1", "bar2", "baz3"}}

	out, err := Wait(context.Background(), Deps{Bus: bus, Events: eventmap.New(), Sender: sender}, Options{
		Cmd:            "echo foo1; echo bar2; echo baz3",
		HasCmd:         true,
		Required:       []eventmap.PatternRef{eventmap.Raw(`foo\d`), eventmap.Raw(`bar\d`), eventmap.Raw(`baz\d`)},
		CollectPattern: CollectLastOnly,
		UseBacklog:     true,
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	assertTexts(t, resultTexts(out.Results), []string{"baz3"})
}

// Scenario 3 (spec §8): return_on_first_match leaves the rest of the run in
// the backlog for a subsequent backlog-only wait, without re-issuing cmd.
func TestWait_Scenario3_ReturnOnFirstMatchThenBacklogReplay(t *testing.T) {
	bus := tracebus.New(0)
	sender := &fakeSender{bus: bus, lines: []string{"foo1", "bar2", "baz3"}}

	out1, err := Wait(context.Background(), Deps{Bus: bus, Events: eventmap.New(), Sender: sender}, Options{
		Cmd:                "echo foo1; echo bar2; echo baz3",
		HasCmd:             true,
		Required:           []eventmap.PatternRef{eventmap.Raw(`foo`)},
		CollectPattern:     CollectMatching,
		ReturnOnFirstMatch: true,
		UseBacklog:         true,
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	assertTexts(t, resultTexts(out1.Results), []string{"foo1"})

	out2, err := Wait(context.Background(), Deps{Bus: bus, Events: eventmap.New()}, Options{
		Required:       []eventmap.PatternRef{eventmap.Raw(`bar\d`)},
		CollectPattern: CollectMatching,
		UseBacklog:     true,
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	assertTexts(t, resultTexts(out2.Results), []string{"bar2"})
}

// Scenario 4 (spec §8): avoided-wins, terminates before any timeout.
func TestWait_Scenario4_AvoidedWinsOverRequired(t *testing.T) {
	bus := tracebus.New(0)
	sender := &fakeSender{bus: bus, lines: []string{"Unknown host"}}

	out, err := Wait(context.Background(), Deps{Bus: bus, Events: eventmap.New(), Sender: sender}, Options{
		Cmd:        "ping 192.168.1.100",
		HasCmd:     true,
		Required:   []eventmap.PatternRef{eventmap.Raw(`\d+ bytes from`)},
		Avoided:    []eventmap.PatternRef{eventmap.Raw(`Unknown host`), eventmap.Raw(`Request timeout`)},
		TimeoutMS:  60000,
		UseBacklog: true,
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if out.Successful {
		t.Fatal("want successful=false")
	}
	if out.TerminatedBy.Kind != Rejected {
		t.Fatalf("TerminatedBy: want Rejected, got %v", out.TerminatedBy.Kind)
	}
	if out.TerminatedBy.Pattern == nil || out.TerminatedBy.Pattern.Source != `Unknown host` {
		t.Errorf("TerminatedBy.Pattern: got %+v", out.TerminatedBy.Pattern)
	}
}

// Scenario 5 (spec §8): run-to-completion wait that times out before the
// process exits.
func TestWait_Scenario5_RunToCompletionTimesOut(t *testing.T) {
	bus := tracebus.New(0)
	processDone := make(chan ProcessResult) // never fires

	start := time.Now()
	out, err := Wait(context.Background(), Deps{Bus: bus, Events: eventmap.New(), ProcessDone: processDone}, Options{
		TimeoutMS:       40,
		RunToCompletion: true,
		UseBacklog:      true,
	})
	elapsed := time.Since(start)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if out.Successful {
		t.Fatal("want successful=false")
	}
	if out.TerminatedBy.Kind != Timeout {
		t.Fatalf("TerminatedBy: want Timeout, got %v", out.TerminatedBy.Kind)
	}
	if elapsed < 40*time.Millisecond {
		t.Errorf("elapsed %v: want >= 40ms", elapsed)
	}
}

// Run-to-completion wait that succeeds because the process exits cleanly
// before the timeout.
func TestWait_RunToCompletion_ProcessExitsZero(t *testing.T) {
	bus := tracebus.New(0)
	processDone := make(chan ProcessResult, 1)
	processDone <- ProcessResult{ExitCode: 0}

	out, err := Wait(context.Background(), Deps{Bus: bus, Events: eventmap.New(), ProcessDone: processDone}, Options{
		TimeoutMS:       5000,
		RunToCompletion: true,
		UseBacklog:      true,
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !out.Successful {
		t.Fatal("want successful=true")
	}
	if out.TerminatedBy.Kind != ProcessExited {
		t.Fatalf("TerminatedBy: want ProcessExited, got %v", out.TerminatedBy.Kind)
	}
}

// Run-to-completion wait that reports failure because the process exits
// non-zero.
func TestWait_RunToCompletion_ProcessExitsNonZero(t *testing.T) {
	bus := tracebus.New(0)
	processDone := make(chan ProcessResult, 1)
	processDone <- ProcessResult{ExitCode: 1}

	out, err := Wait(context.Background(), Deps{Bus: bus, Events: eventmap.New(), ProcessDone: processDone}, Options{
		TimeoutMS:       5000,
		RunToCompletion: true,
		UseBacklog:      true,
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if out.Successful {
		t.Fatal("want successful=false")
	}
	if out.TerminatedBy.ExitCode != 1 {
		t.Errorf("ExitCode: got %d, want 1", out.TerminatedBy.ExitCode)
	}
}

// Scenario 6 (spec §8): PROCESSED format exposes named captures.
func TestWait_Scenario6_ProcessedFormatCaptures(t *testing.T) {
	bus := tracebus.New(0)
	sender := &fakeSender{bus: bus, lines: []string{"VERSION:1.2.3"}}

	out, err := Wait(context.Background(), Deps{Bus: bus, Events: eventmap.New(), Sender: sender}, Options{
		Cmd:            "echo VERSION:1.2.3",
		HasCmd:         true,
		Required:       []eventmap.PatternRef{eventmap.Raw(`VERSION:\s*v?(?P<major>\d+)\.(?P<minor>\d+)\.(?P<patch>\d+)`)},
		CollectPattern: CollectMatching,
		ResponseFormat: ResponseProcessed,
		UseBacklog:     true,
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(out.Results) != 1 {
		t.Fatalf("want 1 result, got %d", len(out.Results))
	}
	captures := out.Results[0].Captures()
	if captures["major"] != "1" || captures["minor"] != "2" || captures["patch"] != "3" {
		t.Errorf("captures: got %v", captures)
	}
}

// Open Question #1 (spec §9): empty required, no run-to-completion returns
// Accepted immediately without consuming the backlog.
func TestWait_EmptyRequiredNoRunToCompletion(t *testing.T) {
	bus := tracebus.New(0)
	bus.Append(tracebus.TraceRecord{Text: "noise", Source: tracebus.SourceStdout})

	out, err := Wait(context.Background(), Deps{Bus: bus, Events: eventmap.New()}, Options{
		TimeoutMS:  5000,
		UseBacklog: true,
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !out.Successful || out.TerminatedBy.Kind != Accepted {
		t.Fatalf("want immediate Accepted, got successful=%v terminatedBy=%v", out.Successful, out.TerminatedBy.Kind)
	}
	if len(out.Results) != 0 {
		t.Errorf("Results: want empty, got %v", out.Results)
	}
}

func TestWait_UnknownTag_ConfigurationError(t *testing.T) {
	bus := tracebus.New(0)
	_, err := Wait(context.Background(), Deps{Bus: bus, Events: eventmap.New()}, Options{
		Required:  []eventmap.PatternRef{eventmap.Tagged("boot-complete")},
		TimeoutMS: 100,
	})
	if err == nil {
		t.Fatal("expected error for unknown tag")
	}
	if _, ok := err.(*ConfigurationError); !ok {
		t.Fatalf("want *ConfigurationError, got %T", err)
	}
}

func TestWait_DuplicatePatternsCollapsed(t *testing.T) {
	bus := tracebus.New(0)
	sender := &fakeSender{bus: bus, lines: []string{"boot ok"}}

	out, err := Wait(context.Background(), Deps{Bus: bus, Events: eventmap.New(), Sender: sender}, Options{
		Cmd:            "boot",
		HasCmd:         true,
		Required:       []eventmap.PatternRef{eventmap.Raw(`boot ok`), eventmap.Raw(`boot ok`)},
		CollectPattern: CollectMatching,
		UseBacklog:     true,
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !out.Successful {
		t.Fatal("want successful=true")
	}
	assertTexts(t, resultTexts(out.Results), []string{"boot ok"})
}

func TestWait_TimeoutWhenRequiredNeverMatches(t *testing.T) {
	bus := tracebus.New(0)

	start := time.Now()
	out, err := Wait(context.Background(), Deps{Bus: bus, Events: eventmap.New()}, Options{
		Required:   []eventmap.PatternRef{eventmap.Raw(`never`)},
		TimeoutMS:  40,
		UseBacklog: true,
	})
	elapsed := time.Since(start)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if out.Successful {
		t.Fatal("want successful=false")
	}
	if out.TerminatedBy.Kind != Timeout {
		t.Fatalf("TerminatedBy: want Timeout, got %v", out.TerminatedBy.Kind)
	}
	if len(out.RequiredRemaining) != 1 {
		t.Errorf("RequiredRemaining: want 1 entry, got %v", out.RequiredRemaining)
	}
	if elapsed < 40*time.Millisecond {
		t.Errorf("elapsed %v: want >= 40ms", elapsed)
	}
}

func TestWait_TransportClosed(t *testing.T) {
	bus := tracebus.New(0)
	bus.Close()

	out, err := Wait(context.Background(), Deps{Bus: bus, Events: eventmap.New()}, Options{
		Required:   []eventmap.PatternRef{eventmap.Raw(`x`)},
		TimeoutMS:  1000,
		UseBacklog: true,
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if out.TerminatedBy.Kind != TransportClosed {
		t.Fatalf("TerminatedBy: want TransportClosed, got %v", out.TerminatedBy.Kind)
	}
}

func TestWait_ReturnOnFirstMatch_ResultsLenAtMostOne(t *testing.T) {
	bus := tracebus.New(0)
	sender := &fakeSender{bus: bus, lines: []string{"foo1", "foo2"}}

	out, err := Wait(context.Background(), Deps{Bus: bus, Events: eventmap.New(), Sender: sender}, Options{
		Cmd:                "echo foo1; echo foo2",
		HasCmd:             true,
		Required:           []eventmap.PatternRef{eventmap.Raw(`foo\d`)},
		CollectPattern:     CollectMatching,
		ReturnOnFirstMatch: true,
		UseBacklog:         true,
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(out.Results) > 1 {
		t.Fatalf("return_on_first_match: want len(results) <= 1, got %d", len(out.Results))
	}
}
