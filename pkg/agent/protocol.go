// Package agent parses the structured signals that agent subprocesses emit
// on their stdout stream. Unknown signals are reported as such rather than
// failing, so agent updates can introduce new signals without breaking the
// engine.
package agent

import (
	"encoding/json"
	"strings"
)

// SignalKind tags a recognized line in an agent's output stream.
type SignalKind string

const (
	SignalNone             SignalKind = ""
	SignalReadyForReview   SignalKind = "ready_for_review"
	SignalApproved         SignalKind = "approved"
	SignalChangesRequested SignalKind = "changes_requested"
	SignalNeedFile         SignalKind = "need_file"
	SignalNeedDoc          SignalKind = "need_doc"
	SignalError            SignalKind = "error"
)

// Signal is one parsed agent signal.
type Signal struct {
	Kind SignalKind
	// Arg holds the path for NEED_FILE, the slug for NEED_DOC, or the
	// first feedback line for CHANGES_REQUESTED.
	Arg string
	// ErrorKind and Message are set for structured error lines.
	ErrorKind string
	Message   string
}

// errorLine is the structured final line an implementer may emit on failure.
type errorLine struct {
	Type    string `json:"type"`
	Kind    string `json:"kind"`
	Message string `json:"message"`
}

// ParseLine classifies a single output line. It returns SignalNone for
// ordinary output.
func ParseLine(line string) Signal {
	trimmed := strings.TrimSpace(line)
	switch {
	case trimmed == "READY_FOR_REVIEW":
		return Signal{Kind: SignalReadyForReview}
	case trimmed == "APPROVED":
		return Signal{Kind: SignalApproved}
	case strings.HasPrefix(trimmed, "CHANGES_REQUESTED:"):
		return Signal{
			Kind: SignalChangesRequested,
			Arg:  strings.TrimSpace(strings.TrimPrefix(trimmed, "CHANGES_REQUESTED:")),
		}
	case trimmed == "CHANGES_REQUESTED":
		return Signal{Kind: SignalChangesRequested}
	case strings.HasPrefix(trimmed, "NEED_FILE:"):
		return Signal{
			Kind: SignalNeedFile,
			Arg:  strings.TrimSpace(strings.TrimPrefix(trimmed, "NEED_FILE:")),
		}
	case strings.HasPrefix(trimmed, "NEED_DOC:"):
		return Signal{
			Kind: SignalNeedDoc,
			Arg:  strings.TrimSpace(strings.TrimPrefix(trimmed, "NEED_DOC:")),
		}
	}

	if strings.HasPrefix(trimmed, "{") {
		var el errorLine
		if err := json.Unmarshal([]byte(trimmed), &el); err == nil && el.Type == "error" {
			return Signal{Kind: SignalError, ErrorKind: el.Kind, Message: el.Message}
		}
	}
	return Signal{Kind: SignalNone}
}

// Verdict is the reviewer's final judgement.
type Verdict string

const (
	VerdictNone             Verdict = ""
	VerdictApproved         Verdict = "approved"
	VerdictChangesRequested Verdict = "changes_requested"
)

// ReviewParser accumulates a reviewer's stream. CHANGES_REQUESTED feedback
// is multiline: the first line follows the marker, and every subsequent
// line is part of the feedback.
type ReviewParser struct {
	verdict  Verdict
	feedback []string
}

// Feed consumes one reviewer output line.
func (p *ReviewParser) Feed(line string) {
	if p.verdict == VerdictChangesRequested {
		p.feedback = append(p.feedback, line)
		return
	}
	if p.verdict != VerdictNone {
		return
	}
	switch sig := ParseLine(line); sig.Kind {
	case SignalApproved:
		p.verdict = VerdictApproved
	case SignalChangesRequested:
		p.verdict = VerdictChangesRequested
		if sig.Arg != "" {
			p.feedback = append(p.feedback, sig.Arg)
		}
	}
}

// Verdict returns the verdict seen so far; VerdictNone means the reviewer
// terminated without one, which callers treat as a crash.
func (p *ReviewParser) Verdict() Verdict {
	return p.verdict
}

// Feedback returns the accumulated CHANGES_REQUESTED feedback text.
func (p *ReviewParser) Feedback() string {
	return strings.TrimSpace(strings.Join(p.feedback, "\n"))
}
