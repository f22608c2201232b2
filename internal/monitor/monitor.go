// Package monitor implements a live, scrolling view of a Session's Trace
// Bus: the "session monitor" CLI surface named in SPEC_FULL.md's domain
// stack, exercising Session.RawQueue as a real consumer rather than an
// internal implementation detail.
//
// Grounded in internal/supervisor/tui.go's bubbletea Model/Update/View
// structure (tea.NewProgram(..., tea.WithAltScreen()), a tea.Cmd that
// performs one blocking unit of work and resolves to a Msg, chained by
// issuing the next such Cmd from Update) and internal/supervisor/theme.go's
// lipgloss styling conventions, generalized here from "verdict row"
// rendering to "trace line, colored by source" rendering.
package monitor

import (
	"context"
	"fmt"
	"time"

	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/rmlconsulting/tracewait/internal/config"
	"github.com/rmlconsulting/tracewait/internal/tracebus"
)

var (
	titleStyle = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("12"))
	helpStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("8"))
	errorStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("9"))

	sourceStyles = map[tracebus.Source]lipgloss.Style{
		tracebus.SourceStdout: lipgloss.NewStyle().Foreground(lipgloss.Color("10")),
		tracebus.SourceStderr: lipgloss.NewStyle().Foreground(lipgloss.Color("9")),
		tracebus.SourceDevice: lipgloss.NewStyle().Foreground(lipgloss.Color("14")),
		tracebus.SourceRTT:    lipgloss.NewStyle().Foreground(lipgloss.Color("13")),
		tracebus.SourceWS:     lipgloss.NewStyle().Foreground(lipgloss.Color("11")),
	}
	defaultSourceStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("15"))
)

func styleFor(src tracebus.Source) lipgloss.Style {
	if s, ok := sourceStyles[src]; ok {
		return s
	}
	return defaultSourceStyle
}

// Source is the minimal surface monitor needs from a Session: a raw
// Subscription over its Trace Bus. Accepting this interface rather than
// *session.Session keeps monitor testable against a fake and avoids a
// dependency on session's SendCmd/wait machinery, neither of which the
// monitor view uses.
type Source interface {
	RawQueue(startFrom tracebus.StartFrom) (*tracebus.Subscription, error)
}

// Options configures Run.
type Options struct {
	Title     string
	StartFrom tracebus.StartFrom
	MaxLines  int

	// ExcludeSources drops TraceRecords whose Source name matches any of
	// these patterns (config.MatchesExcludeList semantics: a trailing "*"
	// matches by prefix, otherwise exact match), e.g. "stderr" to hide a
	// noisy diagnostic stream.
	ExcludeSources []string
}

const defaultMaxLines = 2000

// Run subscribes to src's Bus and blocks, rendering incoming TraceRecords
// in a scrolling viewport until the user quits (q/ctrl+c/esc). Cancelling
// ctx or closing the Bus stops the record feed and shows a "transport
// closed" status; the view stays open until the user quits.
func Run(ctx context.Context, src Source, opts Options) error {
	sub, err := src.RawQueue(opts.StartFrom)
	if err != nil {
		return fmt.Errorf("monitor: %w", err)
	}
	defer sub.Unsubscribe()

	maxLines := opts.MaxLines
	if maxLines <= 0 {
		maxLines = defaultMaxLines
	}

	m := &model{
		ctx:      ctx,
		sub:      sub,
		title:    opts.Title,
		maxLines: maxLines,
		exclude:  opts.ExcludeSources,
		vp:       viewport.New(80, 20),
	}

	p := tea.NewProgram(m, tea.WithAltScreen())
	_, err = p.Run()
	return err
}

type recordMsg tracebus.TraceRecord

type closedMsg struct{}

type model struct {
	ctx      context.Context
	sub      *tracebus.Subscription
	title    string
	maxLines int
	exclude  []string

	vp     viewport.Model
	lines  []string
	status string
	ready  bool
}

func (m *model) Init() tea.Cmd {
	return waitForNext(m.ctx, m.sub)
}

// waitForNext returns a tea.Cmd that performs one blocking
// Subscription.Next call and resolves to the corresponding Msg, chained
// by Update issuing the next waitForNext call after handling this one.
// Grounded in tui.go's doScan, generalized from "one scan" to "one
// record."
func waitForNext(ctx context.Context, sub *tracebus.Subscription) tea.Cmd {
	return func() tea.Msg {
		rec, status := sub.Next(ctx, time.Time{})
		switch status {
		case tracebus.NextOK:
			return recordMsg(rec)
		case tracebus.NextClosed:
			return closedMsg{}
		default:
			// No deadline was armed, so NextTimeout here only means ctx
			// was cancelled (Run's caller shutting the monitor down).
			return closedMsg{}
		}
	}
}

func (m *model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.vp.Width = msg.Width
		m.vp.Height = msg.Height - 3
		m.ready = true
		m.vp.SetContent(m.renderLines())
		m.vp.GotoBottom()
		return m, nil

	case tea.KeyMsg:
		switch msg.String() {
		case "q", "ctrl+c", "esc":
			return m, tea.Quit
		}
		var cmd tea.Cmd
		m.vp, cmd = m.vp.Update(msg)
		return m, cmd

	case recordMsg:
		rec := tracebus.TraceRecord(msg)
		if config.MatchesExcludeList(string(rec.Source), m.exclude) {
			return m, waitForNext(m.ctx, m.sub)
		}
		line := styleFor(rec.Source).Render(fmt.Sprintf("[%s] %s", rec.Source, rec.Text))
		m.lines = append(m.lines, line)
		if m.maxLines > 0 && len(m.lines) > m.maxLines {
			m.lines = m.lines[len(m.lines)-m.maxLines:]
		}
		if m.ready {
			m.vp.SetContent(m.renderLines())
			m.vp.GotoBottom()
		}
		return m, waitForNext(m.ctx, m.sub)

	case closedMsg:
		m.status = "transport closed"
		return m, nil
	}

	var cmd tea.Cmd
	m.vp, cmd = m.vp.Update(msg)
	return m, cmd
}

func (m *model) renderLines() string {
	out := ""
	for i, l := range m.lines {
		if i > 0 {
			out += "\n"
		}
		out += l
	}
	return out
}

func (m *model) View() string {
	if !m.ready {
		return "initializing...\n"
	}
	header := titleStyle.Render(m.title)
	footer := helpStyle.Render("q: quit  ↑/↓: scroll")
	if m.status != "" {
		footer = errorStyle.Render(m.status) + "  " + footer
	}
	return fmt.Sprintf("%s\n%s\n%s", header, m.vp.View(), footer)
}
