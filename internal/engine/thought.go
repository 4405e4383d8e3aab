package engine

import (
	"encoding/json"
	"fmt"
	"strings"
	"unicode/utf8"
)

// Thought is one inbound submission: the caller's current reasoning step
// plus the bookkeeping that binds it to a session and loop.
type Thought struct {
	// Thought is the submission text, possibly carrying fenced code.
	Thought string `json:"thought"`
	// ThoughtNumber is the caller's position in its thinking sequence.
	ThoughtNumber int `json:"thoughtNumber"`
	// TotalThoughts is the caller's current estimate of the sequence
	// length; raised to ThoughtNumber when the caller overshoots.
	TotalThoughts int `json:"totalThoughts"`
	// NextThoughtNeeded is the caller's intent to continue. The engine
	// overrides it on the way out when completion is decided.
	NextThoughtNeeded bool `json:"nextThoughtNeeded"`

	// IsRevision and RevisesThought mark a rework of an earlier thought.
	IsRevision     bool `json:"isRevision,omitempty"`
	RevisesThought int  `json:"revisesThought,omitempty"`
	// BranchFromThought and BranchID fork an alternative line of thought;
	// BranchID doubles as the audit session key.
	BranchFromThought int    `json:"branchFromThought,omitempty"`
	BranchID          string `json:"branchId,omitempty"`
	// LoopID binds iterations to a reusable reviewer context.
	LoopID string `json:"loopId,omitempty"`
	// NeedsMoreThoughts is accepted and recorded but has no semantic
	// effect on the audit loop.
	NeedsMoreThoughts bool `json:"needsMoreThoughts,omitempty"`
}

// ParseThought decodes tool-call arguments into a Thought, rejecting
// payloads that are missing required fields or carry the wrong types.
// Presence is checked through pointer probes; after a plain unmarshal a
// missing integer and a zero one look the same.
func ParseThought(raw json.RawMessage) (Thought, error) {
	var probe struct {
		Thought           *string `json:"thought"`
		ThoughtNumber     *int    `json:"thoughtNumber"`
		TotalThoughts     *int    `json:"totalThoughts"`
		NextThoughtNeeded *bool   `json:"nextThoughtNeeded"`
	}
	if err := json.Unmarshal(raw, &probe); err != nil {
		return Thought{}, fmt.Errorf("invalid arguments: %w", err)
	}
	switch {
	case probe.Thought == nil:
		return Thought{}, fmt.Errorf("missing required field: thought")
	case probe.ThoughtNumber == nil:
		return Thought{}, fmt.Errorf("missing required field: thoughtNumber")
	case probe.TotalThoughts == nil:
		return Thought{}, fmt.Errorf("missing required field: totalThoughts")
	case probe.NextThoughtNeeded == nil:
		return Thought{}, fmt.Errorf("missing required field: nextThoughtNeeded")
	}

	var t Thought
	if err := json.Unmarshal(raw, &t); err != nil {
		return Thought{}, fmt.Errorf("invalid arguments: %w", err)
	}
	if err := t.Validate(); err != nil {
		return Thought{}, err
	}
	return t, nil
}

// Validate checks the value constraints on an already-decoded Thought.
func (t *Thought) Validate() error {
	if strings.TrimSpace(t.Thought) == "" {
		return fmt.Errorf("thought must be a non-empty string")
	}
	if t.ThoughtNumber < 1 {
		return fmt.Errorf("thoughtNumber must be at least 1, got %d", t.ThoughtNumber)
	}
	if t.TotalThoughts < 1 {
		return fmt.Errorf("totalThoughts must be at least 1, got %d", t.TotalThoughts)
	}
	if t.IsRevision && t.RevisesThought < 1 {
		return fmt.Errorf("isRevision requires revisesThought of at least 1")
	}
	return nil
}

// Preview returns the first n bytes of the thought flattened to one line,
// for log output. The cut backs off to a rune boundary.
func (t *Thought) Preview(n int) string {
	s := strings.Join(strings.Fields(t.Thought), " ")
	if len(s) <= n {
		return s
	}
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return s[:n] + "..."
}
