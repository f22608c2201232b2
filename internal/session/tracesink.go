package session

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/rmlconsulting/tracewait/internal/tracebus"
)

// TraceSink receives every TraceRecord a Session appends to its Bus, in
// addition to the Bus itself. Used to persist traces alongside the
// in-memory backlog (which is bounded and does not survive process
// restarts — spec.md §1 names cross-restart persistence a non-goal for
// the core, but a session-level logging hook is an ambient concern the
// original implementation carried).
type TraceSink interface {
	Write(rec tracebus.TraceRecord)
	Close() error
}

// FileTraceSink writes every record to a file, rotating into a new file
// when the day changes. Grounded in
// original_source/stdout_capture/stdout_capture.py's
// _get_logging_subdir_structure/log_to_new_file, which buckets log files
// under logs/{YYYYMM}/{YYYYMMDD}/ and starts a fresh file per run;
// re-expressed here with Go's reference-layout time.Format instead of
// strftime codes, rotating per calendar day rather than per run.
type FileTraceSink struct {
	baseDir string
	clock   func() time.Time

	mu      sync.Mutex
	day     string
	file    *os.File
	runName string
}

// NewFileTraceSink creates a sink rooted at baseDir. runName identifies
// this capture session in the log file name (e.g. a Session ID).
func NewFileTraceSink(baseDir, runName string) *FileTraceSink {
	return &FileTraceSink{baseDir: baseDir, runName: runName, clock: time.Now}
}

// Write appends one formatted line to the current day's log file, opening
// a new file if the calendar day (in local time) has changed since the
// last write.
func (s *FileTraceSink) Write(rec tracebus.TraceRecord) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.clock()
	day := now.Format("20060102")
	if day != s.day || s.file == nil {
		if err := s.rotate(now, day); err != nil {
			fmt.Fprintf(os.Stderr, "tracesink: rotate: %v\n", err)
			return
		}
	}

	fmt.Fprintf(s.file, "%s [%s] %s\n", now.Format(time.RFC3339Nano), rec.Source, rec.Text)
}

func (s *FileTraceSink) rotate(now time.Time, day string) error {
	if s.file != nil {
		_ = s.file.Close()
	}

	dir := filepath.Join(s.baseDir, now.Format("200601"), day)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("mkdir %s: %w", dir, err)
	}

	name := fmt.Sprintf("%s_%s.log", now.Format("150405"), s.runName)
	f, err := os.OpenFile(filepath.Join(dir, name), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("open log file: %w", err)
	}

	s.file = f
	s.day = day
	return nil
}

// Close closes the currently open log file, if any.
func (s *FileTraceSink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.file == nil {
		return nil
	}
	err := s.file.Close()
	s.file = nil
	return err
}
