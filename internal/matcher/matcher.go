// Package matcher implements the Matcher: a pure, reentrant evaluator that
// checks a TraceRecord against a CompiledPattern and extracts named
// captures.
//
// Grounded on internal/mux/tmux.go's regexp.Compile/MatchString use for
// session-name filtering, generalized here to whole-string (not anchored)
// search with named-capture extraction.
package matcher

import (
	"github.com/rmlconsulting/tracewait/internal/eventmap"
	"github.com/rmlconsulting/tracewait/internal/tracebus"
)

// MatchResult is the outcome of a successful match.
type MatchResult struct {
	Record         tracebus.TraceRecord
	Pattern        eventmap.CompiledPattern
	NamedCaptures  map[string]string
	EventTag       eventmap.EventTag // empty unless the pattern came from a tag
}

// Match evaluates pattern against record.Text using whole-string (not
// anchored) search. Returns the match and true on success, or the zero
// value and false when the pattern does not match.
func Match(record tracebus.TraceRecord, pattern eventmap.CompiledPattern) (MatchResult, bool) {
	idx := pattern.Regexp.FindStringSubmatchIndex(record.Text)
	if idx == nil {
		return MatchResult{}, false
	}

	captures := make(map[string]string)
	names := pattern.Regexp.SubexpNames()
	for i, name := range names {
		if name == "" || 2*i+1 >= len(idx) || idx[2*i] < 0 {
			continue
		}
		captures[name] = record.Text[idx[2*i]:idx[2*i+1]]
	}

	return MatchResult{
		Record:        record,
		Pattern:       pattern,
		NamedCaptures: captures,
		EventTag:      pattern.FromTag,
	}, true
}
