// session.go implements the "session" subcommand group: the
// device-communications surface (SPEC_FULL.md §6) layered over
// internal/session.Session rather than the one-shot process-runner above
// it. Grounded in the teacher's cmd/check.go (single-result JSON-indent
// encoder) and cmd/scan.go (persistent config-path flag), generalized
// from pane verdicts to wait outcomes.
package cmd

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/rmlconsulting/tracewait/internal/config"
	"github.com/rmlconsulting/tracewait/internal/eventmap"
	"github.com/rmlconsulting/tracewait/internal/monitor"
	"github.com/rmlconsulting/tracewait/internal/otelx"
	"github.com/rmlconsulting/tracewait/internal/session"
	"github.com/rmlconsulting/tracewait/internal/tracebus"
	"github.com/rmlconsulting/tracewait/internal/transport"
	"github.com/rmlconsulting/tracewait/internal/waiter"
)

var flagConfigFile string
var flagLogDir string

var sessionCmd = &cobra.Command{
	Use:   "session",
	Short: "Drive a device-communications session over a configured transport",
}

var (
	flagWaitCmd             string
	flagWaitRequired        []string
	flagWaitAvoid           []string
	flagWaitTimeoutMS       int64
	flagWaitFirstMatch      bool
	flagWaitAccumulate      bool
	flagWaitRunToCompletion bool
	flagWaitRaw             bool
	flagMonitorTitle        string
	flagMonitorReplay       bool
	flagMonitorExclude      []string
)

func init() {
	sessionCmd.PersistentFlags().StringVar(&flagConfigFile, "config", "", "path to a transport config file (defaults to the usual search order)")
	sessionCmd.PersistentFlags().StringVar(&flagLogDir, "log-dir", "", "directory to mirror every trace record into, rotated per calendar day (disabled when empty)")

	monitorCmd := &cobra.Command{
		Use:   "monitor",
		Short: "Open the configured transport and show a live, scrolling trace view",
		RunE:  runSessionMonitor,
	}
	monitorCmd.Flags().StringVar(&flagMonitorTitle, "title", "tracewait session monitor", "title shown in the monitor header")
	monitorCmd.Flags().BoolVar(&flagMonitorReplay, "replay", false, "replay the current backlog before streaming live records")
	monitorCmd.Flags().StringSliceVar(&flagMonitorExclude, "exclude", nil, "source names to hide (comma-separated; trailing * matches by prefix), e.g. stderr")

	waitTraceCmd := &cobra.Command{
		Use:   "wait-trace",
		Short: "Open the configured transport, optionally send a command, and wait for raw patterns",
		RunE:  runSessionWaitTrace,
	}
	waitEventCmd := &cobra.Command{
		Use:   "wait-event",
		Short: "Open the configured transport, optionally send a command, and wait for named events",
		RunE:  runSessionWaitEvent,
	}
	for _, c := range []*cobra.Command{waitTraceCmd, waitEventCmd} {
		c.Flags().StringVar(&flagWaitCmd, "cmd", "", "command text to send after subscribing")
		c.Flags().StringSliceVarP(&flagWaitRequired, "required", "r", nil, "required patterns/tags (comma-separated)")
		c.Flags().StringSliceVarP(&flagWaitAvoid, "avoid", "a", nil, "avoided patterns/tags (comma-separated)")
		c.Flags().Int64VarP(&flagWaitTimeoutMS, "timeout-ms", "t", 10000, "timeout in milliseconds (0 = no timeout)")
		c.Flags().BoolVarP(&flagWaitFirstMatch, "first-match", "f", false, "return as soon as any required pattern matches")
		c.Flags().BoolVar(&flagWaitAccumulate, "accumulate", false, "collect every observed record, matching or not, instead of only the most recent match")
		c.Flags().BoolVar(&flagWaitRunToCompletion, "run-to-completion", false, "wait for the underlying process transport to exit (process transport only)")
	}
	waitTraceCmd.Flags().BoolVar(&flagWaitRaw, "processed", false, "use PROCESSED response format instead of wait-trace's RAW default")
	waitEventCmd.Flags().BoolVar(&flagWaitRaw, "raw", false, "use RAW response format instead of wait-event's PROCESSED default")

	sessionCmd.AddCommand(monitorCmd, waitTraceCmd, waitEventCmd)
}

// loadSessionConfig loads the transport configuration, honoring --config
// when set and falling back to config.Load's usual file+env search order
// otherwise.
func loadSessionConfig() (*config.Config, error) {
	if flagConfigFile != "" {
		return config.LoadFile(flagConfigFile)
	}
	return config.Load()
}

// openSession builds the one Transport Adapter tracewait actually
// implements (Process; spec.md §6's Serial/RTT/WebSocket kinds are
// config-schema-only, per SPEC_FULL.md's domain-stack notes), wires it
// into a Session, and starts capturing.
func openSession(ctx context.Context, cfg *config.Config, tel *otelx.Telemetry) (*session.Session, error) {
	if cfg.Transport.Kind != config.TransportProcess {
		return nil, fmt.Errorf("session: transport kind %q has no adapter implementation in this build", cfg.Transport.Kind)
	}
	pc := cfg.Transport.Process
	if pc == nil || len(pc.Argv) == 0 {
		return nil, errors.New("session: process transport requires a non-empty argv")
	}
	env := make([]string, 0, len(pc.Env))
	for k, v := range pc.Env {
		env = append(env, k+"="+v)
	}

	adapter := &transport.Process{Argv: pc.Argv, Cwd: pc.Cwd, Env: env}

	sessionOpts := session.Options{
		Tracer:  tel.Tracer,
		Metrics: tel.Metrics,
	}
	if flagLogDir != "" {
		sessionOpts.Sink = session.NewFileTraceSink(flagLogDir, uuid.NewString())
	}

	s := session.New(adapter, sessionOpts)
	if len(cfg.Events) > 0 {
		patterns := make(map[eventmap.EventTag]string, len(cfg.Events))
		for tag, pattern := range cfg.Events {
			patterns[eventmap.EventTag(tag)] = pattern
		}
		if err := s.SetEventMap(patterns); err != nil {
			return nil, fmt.Errorf("session: set event map: %w", err)
		}
	}
	if err := s.StartCapturing(ctx); err != nil {
		return nil, fmt.Errorf("session: start capturing: %w", err)
	}
	return s, nil
}

func initTelemetry(ctx context.Context, cfg *config.Config) (*otelx.Telemetry, error) {
	endpoint, headers := "", ""
	if cfg != nil {
		endpoint, headers = cfg.OTELEndpoint, cfg.OTELHeaders
	}
	return otelx.Init(ctx, otelx.OTELConfig{Endpoint: endpoint, Headers: headers})
}

func runSessionMonitor(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()

	cfg, err := loadSessionConfig()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(exitConfigurationError)
	}
	tel, err := initTelemetry(ctx, cfg)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(exitConfigurationError)
	}
	defer tel.Shutdown(context.Background())

	s, err := openSession(ctx, cfg, tel)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(exitConfigurationError)
	}
	defer s.StopCapturing()

	startFrom := tracebus.Live
	if flagMonitorReplay {
		startFrom = tracebus.ReplayAll
	}
	if err := monitor.Run(ctx, s, monitor.Options{Title: flagMonitorTitle, StartFrom: startFrom, ExcludeSources: flagMonitorExclude}); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(exitTransportError)
	}
	return nil
}

func sessionExitCode(outcome *session.Outcome) int {
	switch outcome.TerminatedBy.Kind {
	case waiter.Accepted:
		return exitSuccess
	case waiter.Rejected:
		return exitAvoidedSeen
	case waiter.Timeout:
		return exitTimeout
	case waiter.ProcessExited:
		return outcome.TerminatedBy.ExitCode
	default:
		return exitTransportError
	}
}

func encodeOutcome(outcome *session.Outcome) {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	_ = enc.Encode(outcome)
}

func runSessionWaitTrace(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()

	cfg, err := loadSessionConfig()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(exitConfigurationError)
	}
	tel, err := initTelemetry(ctx, cfg)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(exitConfigurationError)
	}
	defer tel.Shutdown(context.Background())

	s, err := openSession(ctx, cfg, tel)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(exitConfigurationError)
	}
	defer s.StopCapturing()

	collect := waiter.CollectLastOnly
	if flagWaitAccumulate {
		collect = waiter.CollectAll
	}
	var format *waiter.ResponseFormat
	if flagWaitRaw {
		f := waiter.ResponseProcessed
		format = &f
	}

	outcome, err := s.WaitForTrace(ctx,
		toPatternRefs(flagWaitRequired), toPatternRefs(flagWaitAvoid),
		session.WaitOptions{
			Cmd:                flagWaitCmd,
			HasCmd:             flagWaitCmd != "",
			TimeoutMS:          flagWaitTimeoutMS,
			CollectPattern:     collect,
			ResponseFormat:     format,
			ReturnOnFirstMatch: flagWaitFirstMatch,
			UseBacklog:         true,
			RunToCompletion:    flagWaitRunToCompletion,
		})
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		var cfgErr *waiter.ConfigurationError
		if errors.As(err, &cfgErr) {
			os.Exit(exitConfigurationError)
		}
		os.Exit(exitTransportError)
	}

	encodeOutcome(outcome)
	os.Exit(sessionExitCode(outcome))
	return nil
}

func runSessionWaitEvent(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()

	cfg, err := loadSessionConfig()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(exitConfigurationError)
	}
	tel, err := initTelemetry(ctx, cfg)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(exitConfigurationError)
	}
	defer tel.Shutdown(context.Background())

	s, err := openSession(ctx, cfg, tel)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(exitConfigurationError)
	}
	defer s.StopCapturing()

	collect := waiter.CollectLastOnly
	if flagWaitAccumulate {
		collect = waiter.CollectAll
	}
	var format *waiter.ResponseFormat
	if flagWaitRaw {
		f := waiter.ResponseRaw
		format = &f
	}

	required := make([]eventmap.EventTag, len(flagWaitRequired))
	for i, t := range flagWaitRequired {
		required[i] = eventmap.EventTag(t)
	}
	avoided := make([]eventmap.EventTag, len(flagWaitAvoid))
	for i, t := range flagWaitAvoid {
		avoided[i] = eventmap.EventTag(t)
	}

	outcome, err := s.WaitForEvent(ctx, required, avoided,
		session.WaitOptions{
			Cmd:                flagWaitCmd,
			HasCmd:             flagWaitCmd != "",
			TimeoutMS:          flagWaitTimeoutMS,
			CollectPattern:     collect,
			ResponseFormat:     format,
			ReturnOnFirstMatch: flagWaitFirstMatch,
			UseBacklog:         true,
			RunToCompletion:    flagWaitRunToCompletion,
		})
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		var cfgErr *waiter.ConfigurationError
		if errors.As(err, &cfgErr) {
			os.Exit(exitConfigurationError)
		}
		os.Exit(exitTransportError)
	}

	encodeOutcome(outcome)
	os.Exit(sessionExitCode(outcome))
	return nil
}
