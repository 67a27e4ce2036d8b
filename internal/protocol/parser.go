// Package protocol parses terminal directives out of agent chat output.
package protocol

import (
	"encoding/json"
	"strings"
)

// DirectiveType classifies a parsed terminal directive.
type DirectiveType string

const (
	DirectiveDone      DirectiveType = "done"
	DirectiveFailed    DirectiveType = "failed"
	DirectiveWaiting   DirectiveType = "waiting"
	DirectiveMalformed DirectiveType = "malformed"
)

// IsTerminal reports whether the directive ends a task. Malformed payloads
// do not count as terminals: the executor keeps waiting.
func (t DirectiveType) IsTerminal() bool {
	return t == DirectiveDone || t == DirectiveFailed || t == DirectiveWaiting
}

// Directive is one parsed marker with its optional payload.
type Directive struct {
	Type DirectiveType
	// Payload holds the decoded JSON object when the marker was followed
	// by one.
	Payload map[string]any
	// Text holds the raw non-JSON remainder; for waiting directives this
	// is the question posed to the human.
	Text string
	// Raw is the full source line, kept for event logs.
	Raw string
}

// Question returns the free-text question of a waiting directive.
func (d Directive) Question() string {
	if d.Type != DirectiveWaiting {
		return ""
	}
	return d.Text
}

var markers = []struct {
	token string
	typ   DirectiveType
}{
	{"[TASK_DONE]", DirectiveDone},
	{"[TASK_FAILED]", DirectiveFailed},
	{"[TASK_WAITING]", DirectiveWaiting},
}

// Parse scans message texts line by line and returns directives in order of
// appearance. A line carries at most one marker; the remainder of the line
// after the marker is the payload. Payloads starting with "{" must be valid
// JSON objects, otherwise the directive degrades to malformed.
func Parse(messages ...string) []Directive {
	var out []Directive
	for _, msg := range messages {
		for _, line := range strings.Split(msg, "\n") {
			if d, ok := parseLine(line); ok {
				out = append(out, d)
			}
		}
	}
	return out
}

// FirstTerminal returns the first terminal directive in a message burst.
// Later directives from the same burst are ignored so a session cannot
// terminate a task twice.
func FirstTerminal(messages ...string) (Directive, bool) {
	for _, d := range Parse(messages...) {
		if d.Type.IsTerminal() {
			return d, true
		}
	}
	return Directive{}, false
}

func parseLine(line string) (Directive, bool) {
	for _, m := range markers {
		idx := strings.Index(line, m.token)
		if idx < 0 {
			continue
		}
		rest := strings.TrimSpace(line[idx+len(m.token):])
		d := Directive{Type: m.typ, Raw: line}
		switch {
		case rest == "":
		case strings.HasPrefix(rest, "{"):
			var payload map[string]any
			if err := json.Unmarshal([]byte(rest), &payload); err != nil {
				d.Type = DirectiveMalformed
				d.Text = rest
			} else {
				d.Payload = payload
			}
		default:
			d.Text = rest
		}
		return d, true
	}
	return Directive{}, false
}
