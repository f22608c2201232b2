// Package cmd implements tracewait's CLI surface: the legacy process-runner
// flags as the default command (SPEC_FULL.md §6, preserved exactly from
// spec.md §6) plus a "session" subcommand group for the device-comms
// surface (monitor, wait-trace, wait-event).
//
// Grounded in the teacher's cmd/root.go (persistent-flag wiring, env-var
// fallback via envOrDefault) and cmd/scan.go (JSON output encoder
// pattern), generalized from LLM-provider flags to tracewait's transport
// and pattern-matching flags.
package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/rmlconsulting/tracewait/internal/config"
	"github.com/rmlconsulting/tracewait/internal/eventmap"
	"github.com/rmlconsulting/tracewait/internal/otelx"
	"github.com/rmlconsulting/tracewait/internal/procctl"
	"github.com/rmlconsulting/tracewait/internal/tracebus"
	"github.com/rmlconsulting/tracewait/internal/waiter"
)

// Version is set by the linker at build time (-X github.com/rmlconsulting/tracewait/cmd.Version=...).
var Version = "dev"

// Exit codes, preserved exactly from spec.md §6.
const (
	exitSuccess            = 0
	exitRequiredNotFound   = 1
	exitAvoidedSeen        = 2
	exitTimeout            = 3
	exitTransportError     = 4
	exitConfigurationError = 5
)

var (
	flagCmd             string
	flagRequired        []string
	flagAvoid           []string
	flagTimeoutMS       int64
	flagFirstMatch      bool
	flagRunToCompletion bool
	flagAccumulate      bool
	flagQuiet           bool
)

var rootCmd = &cobra.Command{
	Use:   "tracewait",
	Short: "Run a command and wait for pattern-matched trace output",
	Long: `tracewait spawns a command, frames its stdout/stderr into timestamped
trace records, and blocks until a required pattern is matched, an avoided
pattern is matched, the child exits, or a timeout expires.

See the "session" subcommand for driving a bidirectional ASCII channel over
a configured transport (spawned process, serial, JTAG/SWD RTT, WebSocket)
instead of a one-shot child command.`,
	RunE: runProcessRunner,
}

// Execute runs the root command. The process-runner and session
// subcommands exit directly with their own taxonomy; this only covers
// cobra-level failures such as a bad flag.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(exitConfigurationError)
	}
}

func init() {
	rootCmd.Flags().StringVarP(&flagCmd, "cmd", "c", "", "command to run")
	rootCmd.Flags().StringSliceVarP(&flagRequired, "required", "r", nil, "required response patterns (comma-separated regexes)")
	rootCmd.Flags().StringSliceVarP(&flagAvoid, "avoid", "a", nil, "avoided response patterns (comma-separated regexes)")
	rootCmd.Flags().Int64VarP(&flagTimeoutMS, "timeout-ms", "t", 10000, "timeout in milliseconds (0 = no timeout)")
	rootCmd.Flags().BoolVarP(&flagFirstMatch, "first-match", "f", false, "return as soon as any required pattern matches")
	rootCmd.Flags().BoolVar(&flagRunToCompletion, "run-to-completion", false, "wait for the child process to exit instead of stopping once required patterns match")
	rootCmd.Flags().BoolVar(&flagAccumulate, "accumulate", false, "collect every observed record, matching or not, instead of only the most recent match")
	rootCmd.Flags().BoolVar(&flagQuiet, "quiet", false, "do not stream the child's stdout/stderr to this process's own")

	rootCmd.AddCommand(sessionCmd)
}

func toPatternRefs(patterns []string) []eventmap.PatternRef {
	refs := make([]eventmap.PatternRef, len(patterns))
	for i, p := range patterns {
		refs[i] = eventmap.Raw(p)
	}
	return refs
}

// runProcessRunner implements the process-runner CLI surface. It exits
// the process directly (rather than returning an error for cobra to
// print) because the exit code taxonomy here is driven by WaitOutcome,
// not by Go error values.
func runProcessRunner(cmd *cobra.Command, args []string) error {
	if flagCmd == "" {
		return cmd.Help()
	}

	ctx, cancel := context.WithCancel(cmd.Context())
	defer cancel()

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(exitConfigurationError)
	}
	if !cmd.Flags().Changed("timeout-ms") {
		flagTimeoutMS = cfg.DefaultTimeoutMS
	}

	tel, err := otelx.Init(ctx, otelx.OTELConfig{Endpoint: cfg.OTELEndpoint, Headers: cfg.OTELHeaders})
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(exitConfigurationError)
	}
	defer tel.Shutdown(context.Background())

	bus := tracebus.New(0)
	ctrl := &procctl.Controller{GraceMS: cfg.GraceMS}

	handle, err := ctrl.Start(ctx, []string{"/bin/sh", "-c", flagCmd}, "", nil, bus)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(exitTransportError)
	}

	if !flagQuiet {
		go streamToStdout(ctx, bus)
	}

	// handle.Done fires exactly once and Controller.Terminate reads it
	// directly (to block until a signaled process is actually gone). In
	// run-to-completion mode the forwarder below also reads it, so it puts
	// the result back on handle.Done after forwarding it; Terminate can
	// then still observe the exit whichever of the two reads it first.
	var processDone chan waiter.ProcessResult
	if flagRunToCompletion {
		processDone = make(chan waiter.ProcessResult, 1)
		go func() {
			res := <-handle.Done
			processDone <- waiter.ProcessResult{ExitCode: res.ExitCode, Err: res.Err}
			handle.Done <- res
		}()
	}

	collect := waiter.CollectLastOnly
	if flagAccumulate {
		collect = waiter.CollectAll
	}

	outcome, waitErr := waiter.Wait(ctx, waiter.Deps{
		Bus:         bus,
		Events:      eventmap.New(),
		ProcessDone: processDone,
		Tracer:      tel.Tracer,
		Metrics:     tel.Metrics,
	}, waiter.Options{
		Required:           toPatternRefs(flagRequired),
		Avoided:            toPatternRefs(flagAvoid),
		TimeoutMS:          flagTimeoutMS,
		CollectPattern:     collect,
		ReturnOnFirstMatch: flagFirstMatch,
		UseBacklog:         true,
		RunToCompletion:    flagRunToCompletion,
	})

	ctrl.Recover()
	// A child that already exited makes this a no-op; one still running
	// (any outcome other than ProcessExited, including a run-to-completion
	// Timeout) is terminated along with its process tree.
	_ = ctrl.Terminate(handle)

	if waitErr != nil {
		fmt.Fprintln(os.Stderr, waitErr)
		var cfgErr *waiter.ConfigurationError
		if errors.As(waitErr, &cfgErr) {
			os.Exit(exitConfigurationError)
		}
		os.Exit(exitTransportError)
	}

	os.Exit(exitCodeForOutcome(outcome))
	return nil
}

// exitCodeForOutcome maps a terminal WaitOutcome onto spec.md §6's exit
// code taxonomy. ProcessExited propagates the child's own exit code
// directly, since run-to-completion mode mirrors the process it waited
// on. exitRequiredNotFound has no WaitOutcome.Kind of its own: a child
// that exits early, before required is satisfied, without
// --run-to-completion requested, is simply never observed by the Waiter
// and runs out the clock as an ordinary Timeout.
func exitCodeForOutcome(o *waiter.WaitOutcome) int {
	switch o.TerminatedBy.Kind {
	case waiter.Accepted:
		return exitSuccess
	case waiter.ProcessExited:
		return o.TerminatedBy.ExitCode
	case waiter.Rejected:
		return exitAvoidedSeen
	case waiter.Timeout:
		return exitTimeout
	case waiter.Cancelled, waiter.TransportClosed:
		return exitTransportError
	default:
		return exitTransportError
	}
}

// streamToStdout echoes every record appended to bus to this process's
// own stdout, in real time, for the default (non-quiet) mode — matching
// run_process.py's unconditional print(line) per trace line.
func streamToStdout(ctx context.Context, bus *tracebus.Bus) {
	sub := bus.Subscribe(tracebus.ReplayAll)
	defer sub.Unsubscribe()
	for {
		rec, status := sub.Next(ctx, time.Time{})
		if status != tracebus.NextOK {
			return
		}
		fmt.Println(rec.Text)
	}
}
