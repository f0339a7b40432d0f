// Package gateway contains the front door's path matching, access decision
// and upstream proxy machinery.
package gateway

import (
	"fmt"
	"strings"

	"github.com/mwhitford/aegis/internal/models"
)

// Pattern is a compiled path pattern. Segments are matched one to one:
//
//	literal  matches itself
//	*        matches exactly one segment
//	{name}   matches exactly one segment and captures it
//	**       matches the whole remainder, zero or more segments
//
// "**" is only meaningful as the final segment.
type Pattern struct {
	raw      string
	segments []segment
	tailWild bool
}

type segment struct {
	literal string
	param   string // capture name, empty unless {name}
	any     bool   // single-segment wildcard
}

// Compile parses a path pattern. Patterns must begin with "/" and may only
// use "**" as their last segment.
func Compile(raw string) (*Pattern, error) {
	if !strings.HasPrefix(raw, "/") {
		return nil, fmt.Errorf("pattern %q must start with /", raw)
	}
	parts := splitPath(raw)
	p := &Pattern{raw: raw}
	for i, part := range parts {
		switch {
		case part == "**":
			if i != len(parts)-1 {
				return nil, fmt.Errorf("pattern %q: ** must be the last segment", raw)
			}
			p.tailWild = true
		case part == "*":
			p.segments = append(p.segments, segment{any: true})
		case strings.HasPrefix(part, "{") && strings.HasSuffix(part, "}"):
			name := part[1 : len(part)-1]
			if name == "" {
				return nil, fmt.Errorf("pattern %q: empty parameter name", raw)
			}
			p.segments = append(p.segments, segment{param: name})
		default:
			p.segments = append(p.segments, segment{literal: part})
		}
	}
	return p, nil
}

// String returns the original pattern text.
func (p *Pattern) String() string { return p.raw }

// Match tests a request path against the pattern. On success it returns the
// captured {name} parameters, which may be empty.
func (p *Pattern) Match(path string) (map[string]string, bool) {
	parts := splitPath(path)

	if len(parts) < len(p.segments) {
		return nil, false
	}
	if len(parts) > len(p.segments) && !p.tailWild {
		return nil, false
	}

	var params map[string]string
	for i, seg := range p.segments {
		switch {
		case seg.any:
		case seg.param != "":
			if params == nil {
				params = make(map[string]string)
			}
			params[seg.param] = parts[i]
		case seg.literal != parts[i]:
			return nil, false
		}
	}
	return params, true
}

// splitPath breaks a slash path into its non-empty segments. "/" yields an
// empty slice, as does "".
func splitPath(s string) []string {
	s = strings.Trim(s, "/")
	if s == "" {
		return nil
	}
	return strings.Split(s, "/")
}

// Matcher selects the winning policy for a request path. Policies are held
// in evaluation order; the store is expected to deliver them sorted by
// priority descending with creation order breaking ties, so the first
// pattern hit wins.
type Matcher struct {
	entries []matchEntry
}

type matchEntry struct {
	pattern *Pattern
	policy  *models.PolicyView
}

// NewMatcher compiles the given policies. Records with invalid patterns are
// rejected outright rather than silently skipped.
func NewMatcher(policies []*models.PolicyView) (*Matcher, error) {
	m := &Matcher{entries: make([]matchEntry, 0, len(policies))}
	for _, pol := range policies {
		pat, err := Compile(pol.PathPattern)
		if err != nil {
			return nil, fmt.Errorf("policy %s: %w", pol.ID, err)
		}
		m.entries = append(m.entries, matchEntry{pattern: pat, policy: pol})
	}
	return m, nil
}

// Lookup returns the first policy whose pattern matches path, plus any
// captured parameters. ok is false when nothing matches.
func (m *Matcher) Lookup(path string) (*models.PolicyView, map[string]string, bool) {
	for _, e := range m.entries {
		if params, ok := e.pattern.Match(path); ok {
			return e.policy, params, true
		}
	}
	return nil, nil, false
}
