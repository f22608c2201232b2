// Package transport defines the Transport Adapter contract (spec §4.A,
// §6): a byte-duplex channel with non-blocking-by-deadline reads, a
// serialized write path, and a source tag identifying which kind of
// channel framed records came from.
//
// Ships one concrete adapter, Process, grounded in
// xunzhou-muxctl/internal/pty.go's StartReadLoop/OutputChan/ErrorChan: a
// single blocking-read goroutine handing byte chunks off to a channel,
// adapted here from a PTY master fd to a spawned command's stdout/stdin
// pipes. Serial, JTAG/RTT, and WebSocket are named out-of-scope external
// collaborators (spec §1) — deliberately interface-only, so an external
// driver can satisfy Adapter without this module depending on
// go.bug.st/serial, a JTAG SDK, or a websocket client library.
package transport

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os/exec"
	"sync"
	"time"

	"github.com/rmlconsulting/tracewait/internal/tracebus"
)

// ErrTimeout is returned by Read when the deadline elapses before data
// arrives.
var ErrTimeout = errors.New("transport: read timeout")

// ErrClosed is returned by Read and Write after Close.
var ErrClosed = errors.New("transport: closed")

// Adapter is the capability set every transport (spawned-process-pipes,
// serial, RTT-over-JTAG, WebSocket) must implement. Each adapter is
// single-producer/single-consumer on its read side; Write may be called
// from any goroutine and must serialize internally.
type Adapter interface {
	// Open establishes the underlying channel.
	Open(ctx context.Context) error
	// Read blocks until bytes are available, the deadline (if non-zero)
	// elapses (ErrTimeout), or the adapter is closed (ErrClosed).
	Read(ctx context.Context, deadline time.Time) ([]byte, error)
	// Write sends bytes to the channel. Safe for concurrent callers.
	Write(ctx context.Context, data []byte) error
	// Close releases the underlying channel. Idempotent.
	Close() error
	// SourceTag identifies which TraceRecord.Source framed output from
	// this adapter should carry.
	SourceTag() tracebus.Source
}

// Process is an Adapter that spawns a command and treats its stdin/stdout
// as the duplex channel, tagging framed records as SourceDevice by
// default. Useful for device simulators or CLI tools that speak an ASCII
// protocol over stdio the way a real serial/RTT/WebSocket peer would.
//
// Unlike internal/procctl (which owns full process-tree lifecycle and
// timeout/kill escalation for the process-runner CLI surface), Process
// here is a thin duplex-channel view for the device-session side of the
// spec — no process-group teardown, no stderr framing, just Open/Read/
// Write/Close over one child's stdio.
type Process struct {
	Argv []string
	Cwd  string
	Env  []string
	Tag  tracebus.Source

	cmd    *exec.Cmd
	stdin  io.WriteCloser
	stdout io.ReadCloser

	readCh  chan []byte
	errCh   chan error
	closeCh chan struct{}

	mu     sync.Mutex
	closed bool
}

// Open spawns the configured command. Grounded in pty.go's StartReadLoop:
// one goroutine performs blocking reads and hands chunks off to a
// channel so Read can honor a deadline independently of the underlying
// blocking call.
func (p *Process) Open(ctx context.Context) error {
	if len(p.Argv) == 0 {
		return fmt.Errorf("transport: empty argv")
	}
	if p.Tag == "" {
		p.Tag = tracebus.SourceDevice
	}

	cmd := exec.CommandContext(ctx, p.Argv[0], p.Argv[1:]...)
	if p.Cwd != "" {
		cmd.Dir = p.Cwd
	}
	if p.Env != nil {
		cmd.Env = p.Env
	}

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return fmt.Errorf("transport: stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return fmt.Errorf("transport: stdout pipe: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("transport: start: %w", err)
	}

	p.cmd = cmd
	p.stdin = stdin
	p.stdout = stdout
	p.readCh = make(chan []byte, 256)
	p.errCh = make(chan error, 1)
	p.closeCh = make(chan struct{})

	go p.readLoop()

	return nil
}

func (p *Process) readLoop() {
	buf := make([]byte, 64*1024)
	for {
		n, err := p.stdout.Read(buf)
		if n > 0 {
			data := make([]byte, n)
			copy(data, buf[:n])
			select {
			case p.readCh <- data:
			case <-p.closeCh:
				return
			}
		}
		if err != nil {
			select {
			case p.errCh <- err:
			case <-p.closeCh:
			}
			return
		}
	}
}

// Read returns the next chunk of bytes, ErrTimeout if deadline elapses
// first or ctx is done, ErrClosed once the underlying stdout is exhausted
// (io.EOF) or the adapter is closed, or a wrapped error for any other read
// failure.
func (p *Process) Read(ctx context.Context, deadline time.Time) ([]byte, error) {
	var timerCh <-chan time.Time
	if !deadline.IsZero() {
		d := time.Until(deadline)
		if d <= 0 {
			return nil, ErrTimeout
		}
		timer := time.NewTimer(d)
		defer timer.Stop()
		timerCh = timer.C
	}

	select {
	case data := <-p.readCh:
		return data, nil
	case err := <-p.errCh:
		if errors.Is(err, io.EOF) {
			return nil, ErrClosed
		}
		return nil, fmt.Errorf("transport: read: %w", err)
	case <-p.closeCh:
		return nil, ErrClosed
	case <-timerCh:
		return nil, ErrTimeout
	case <-ctx.Done():
		return nil, ErrTimeout
	}
}

// Write sends data to the child's stdin. Safe for concurrent callers.
func (p *Process) Write(ctx context.Context, data []byte) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return ErrClosed
	}
	_, err := p.stdin.Write(data)
	if err != nil {
		return fmt.Errorf("transport: write: %w", err)
	}
	return nil
}

// Close terminates the child process and releases its pipes. Idempotent.
func (p *Process) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	p.mu.Unlock()

	close(p.closeCh)
	_ = p.stdin.Close()
	if p.cmd != nil && p.cmd.Process != nil {
		_ = p.cmd.Process.Kill()
		_ = p.cmd.Wait()
	}
	return nil
}

// SourceTag reports the TraceRecord.Source this adapter's output is
// framed under.
func (p *Process) SourceTag() tracebus.Source {
	if p.Tag == "" {
		return tracebus.SourceDevice
	}
	return p.Tag
}
