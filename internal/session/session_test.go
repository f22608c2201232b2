package session

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/rmlconsulting/tracewait/internal/eventmap"
	"github.com/rmlconsulting/tracewait/internal/tracebus"
	"github.com/rmlconsulting/tracewait/internal/transport"
	"github.com/rmlconsulting/tracewait/internal/waiter"
)

func shellSession(t *testing.T, script string) *Session {
	t.Helper()
	p := &transport.Process{Argv: []string{"/bin/sh", "-c", script}}
	s := New(p, Options{})
	if err := s.StartCapturing(context.Background()); err != nil {
		t.Fatalf("StartCapturing: %v", err)
	}
	t.Cleanup(func() { _ = s.StopCapturing() })
	return s
}

func TestStartCapturing_Idempotent(t *testing.T) {
	s := shellSession(t, "cat")
	if err := s.StartCapturing(context.Background()); err != nil {
		t.Fatalf("second StartCapturing: %v", err)
	}
	if !s.IsCapturing() {
		t.Error("expected IsCapturing true")
	}
}

func TestStopCapturing_Idempotent(t *testing.T) {
	p := &transport.Process{Argv: []string{"/bin/sh", "-c", "echo hi"}}
	s := New(p, Options{})
	if err := s.StartCapturing(context.Background()); err != nil {
		t.Fatalf("StartCapturing: %v", err)
	}
	if err := s.StopCapturing(); err != nil {
		t.Fatalf("StopCapturing: %v", err)
	}
	if err := s.StopCapturing(); err != nil {
		t.Fatalf("second StopCapturing: %v", err)
	}
	if s.IsCapturing() {
		t.Error("expected IsCapturing false after stop")
	}
}

func TestWaitForTrace_RawDefault(t *testing.T) {
	s := shellSession(t, "cat")

	out, err := s.WaitForTrace(context.Background(),
		[]eventmap.PatternRef{eventmap.Raw(`^hello$`)}, nil,
		WaitOptions{Cmd: "hello", HasCmd: true, TimeoutMS: 2000})
	if err != nil {
		t.Fatalf("WaitForTrace: %v", err)
	}
	if !out.Successful {
		t.Fatalf("expected success, got terminated_by=%v", out.TerminatedBy.Kind)
	}
	if out.Format != waiter.ResponseRaw {
		t.Errorf("expected RAW default format")
	}
	if len(out.Raw) != 1 || out.Raw[0] != "hello" {
		t.Errorf("Raw = %v, want [hello]", out.Raw)
	}
}

func TestWaitForEvent_ProcessedDefault(t *testing.T) {
	s := shellSession(t, "cat")
	if err := s.SetEventMap(map[eventmap.EventTag]string{
		"version": `VERSION:(?P<major>\d+)\.(?P<minor>\d+)`,
	}); err != nil {
		t.Fatalf("SetEventMap: %v", err)
	}

	out, err := s.WaitForEvent(context.Background(),
		[]eventmap.EventTag{"version"}, nil,
		WaitOptions{Cmd: "VERSION:1.2", HasCmd: true, TimeoutMS: 2000})
	if err != nil {
		t.Fatalf("WaitForEvent: %v", err)
	}
	if !out.Successful {
		t.Fatalf("expected success, got terminated_by=%v", out.TerminatedBy.Kind)
	}
	if out.Format != waiter.ResponseProcessed {
		t.Errorf("expected PROCESSED default format")
	}
	if len(out.Processed) != 1 {
		t.Fatalf("Processed = %v, want 1 entry", out.Processed)
	}
	if out.Processed[0].EventTag != "version" {
		t.Errorf("EventTag = %q, want version", out.Processed[0].EventTag)
	}
	if out.Processed[0].Captures["major"] != "1" || out.Processed[0].Captures["minor"] != "2" {
		t.Errorf("Captures = %v, want major=1 minor=2", out.Processed[0].Captures)
	}
}

func TestWaitForEvent_UnknownTagIsConfigurationError(t *testing.T) {
	s := shellSession(t, "cat")

	_, err := s.WaitForEvent(context.Background(), []eventmap.EventTag{"nope"}, nil, WaitOptions{TimeoutMS: 100})
	if err == nil {
		t.Fatal("expected ConfigurationError for unknown tag")
	}
	var cfgErr *waiter.ConfigurationError
	if !errors.As(err, &cfgErr) {
		t.Errorf("expected *waiter.ConfigurationError, got %T: %v", err, err)
	}
}

func TestRawQueue_RequiresCaptureStarted(t *testing.T) {
	p := &transport.Process{Argv: []string{"/bin/sh", "-c", "cat"}}
	s := New(p, Options{})
	if _, err := s.RawQueue(tracebus.Live); err == nil {
		t.Error("expected error before StartCapturing")
	}
}

func TestSendCmd_AppendsLineTerminator(t *testing.T) {
	s := shellSession(t, "cat")
	sub, err := s.RawQueue(tracebus.Live)
	if err != nil {
		t.Fatalf("RawQueue: %v", err)
	}
	defer sub.Unsubscribe()

	if err := s.SendCmd(context.Background(), "ping"); err != nil {
		t.Fatalf("SendCmd: %v", err)
	}

	rec, status := sub.Next(context.Background(), time.Now().Add(2*time.Second))
	if status != tracebus.NextOK {
		t.Fatalf("Next status = %v, want NextOK", status)
	}
	if rec.Text != "ping" {
		t.Errorf("Text = %q, want %q", rec.Text, "ping")
	}
}
