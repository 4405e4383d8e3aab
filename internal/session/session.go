// Package session holds the durable per-session audit record and its
// on-disk store. One session tracks one candidate's improvement loop:
// every audited thought appends an iteration, and completion flags stop
// the loop once the candidate is good enough or clearly stuck.
package session

import (
	"fmt"
	"time"

	"github.com/DRCubix/GansAuditor-Codex-sub000/internal/review"
)

// Scope selects which slice of the repository the reviewer sees.
type Scope string

const (
	// ScopeDiff audits the working-tree diff.
	ScopeDiff Scope = "diff"
	// ScopePaths audits an explicit list of files.
	ScopePaths Scope = "paths"
	// ScopeWorkspace audits a bounded walk of the whole tree.
	ScopeWorkspace Scope = "workspace"
)

// Valid reports whether s names a known scope.
func (s Scope) Valid() bool {
	switch s {
	case ScopeDiff, ScopePaths, ScopeWorkspace:
		return true
	}
	return false
}

// Config is the resolved audit configuration for one session. Inline
// gan-config blocks overlay these values thought by thought.
type Config struct {
	Task       string   `json:"task"`
	Scope      Scope    `json:"scope"`
	Paths      []string `json:"paths,omitempty"`
	Threshold  int      `json:"threshold"`
	Judges     []string `json:"judges"`
	MaxCycles  int      `json:"maxCycles"`
	Candidates int      `json:"candidates"`
	ApplyFixes bool     `json:"applyFixes"`
}

// DefaultConfig returns the session configuration used when a thought
// carries no inline overrides.
func DefaultConfig() Config {
	return Config{
		Task:       "Audit and improve the provided candidate",
		Scope:      ScopeDiff,
		Threshold:  85,
		Judges:     []string{"internal"},
		MaxCycles:  1,
		Candidates: 1,
	}
}

// Normalize clamps out-of-range values back to their defaults and
// returns a human-readable warning for each correction.
func (c *Config) Normalize() []string {
	var warnings []string
	def := DefaultConfig()

	if c.Task == "" {
		c.Task = def.Task
	}
	if !c.Scope.Valid() {
		warnings = append(warnings, fmt.Sprintf("unknown scope %q, using %q", c.Scope, def.Scope))
		c.Scope = def.Scope
	}
	if c.Scope == ScopePaths && len(c.Paths) == 0 {
		warnings = append(warnings, "scope \"paths\" requires a paths list, using \"diff\"")
		c.Scope = ScopeDiff
	}
	if c.Threshold < 0 || c.Threshold > 100 {
		warnings = append(warnings, fmt.Sprintf("threshold %d outside 0-100, using %d", c.Threshold, def.Threshold))
		c.Threshold = def.Threshold
	}
	if c.Threshold == 0 {
		c.Threshold = def.Threshold
	}
	c.Judges = dedupe(c.Judges)
	if len(c.Judges) == 0 {
		c.Judges = append([]string(nil), def.Judges...)
	}
	if c.MaxCycles < 1 {
		if c.MaxCycles != 0 {
			warnings = append(warnings, fmt.Sprintf("maxCycles %d below 1, using %d", c.MaxCycles, def.MaxCycles))
		}
		c.MaxCycles = def.MaxCycles
	}
	if c.MaxCycles > 25 {
		warnings = append(warnings, fmt.Sprintf("maxCycles %d above the hard loop limit, using 25", c.MaxCycles))
		c.MaxCycles = 25
	}
	if c.Candidates < 1 {
		if c.Candidates != 0 {
			warnings = append(warnings, fmt.Sprintf("candidates %d below 1, using %d", c.Candidates, def.Candidates))
		}
		c.Candidates = def.Candidates
	}

	return warnings
}

// dedupe drops empty and repeated entries, keeping first-seen order.
func dedupe(values []string) []string {
	seen := make(map[string]bool, len(values))
	out := values[:0]
	for _, v := range values {
		if v == "" || seen[v] {
			continue
		}
		seen[v] = true
		out = append(out, v)
	}
	return out
}

// Iteration is one completed audit cycle.
type Iteration struct {
	ThoughtNumber int `json:"thoughtNumber"`
	// CodeFingerprint is the normalized code extraction for this cycle.
	// Stagnation detection compares these pairwise, so the full text is
	// kept rather than a digest.
	CodeFingerprint string        `json:"codeFingerprint"`
	Review          review.Review `json:"review"`
	TimestampMs     int64         `json:"timestampMs"`
}

// StagnationInfo records a detected lack of progress. Once set it stays
// set until the session terminates.
type StagnationInfo struct {
	IsStagnant      bool    `json:"isStagnant"`
	DetectedAtLoop  int     `json:"detectedAtLoop"`
	SimilarityScore float64 `json:"similarityScore"`
	Recommendation  string  `json:"recommendation"`
}

// State is the durable record for one audit session.
type State struct {
	ID     string `json:"id"`
	LoopID string `json:"loopId,omitempty"`
	Config Config `json:"config"`
	// Iterations is append-only and ordered by insertion.
	Iterations  []Iteration `json:"iterations"`
	CurrentLoop int         `json:"currentLoop"`

	CodexContextID     string `json:"codexContextId,omitempty"`
	CodexContextActive bool   `json:"codexContextActive"`

	StagnationInfo *StagnationInfo `json:"stagnationInfo,omitempty"`

	IsComplete       bool   `json:"isComplete"`
	CompletionReason string `json:"completionReason,omitempty"`

	CreatedAtMs int64 `json:"createdAtMs"`
	UpdatedAtMs int64 `json:"updatedAtMs"`

	// LastError records the most recent audit failure, if any.
	LastError string `json:"lastError,omitempty"`
}

func newState(id, loopID string) *State {
	now := time.Now().UnixMilli()
	return &State{
		ID:          id,
		LoopID:      loopID,
		Config:      DefaultConfig(),
		Iterations:  []Iteration{},
		CreatedAtMs: now,
		UpdatedAtMs: now,
	}
}

// Append adds one audit cycle to the in-memory state. Completed sessions
// refuse further iterations. Timestamps are kept non-decreasing even if
// the wall clock steps backwards. The caller persists the state afterwards.
func (s *State) Append(iter Iteration) error {
	if s.IsComplete {
		return fmt.Errorf("session %s is complete (%s); no further iterations", s.ID, s.CompletionReason)
	}
	if n := len(s.Iterations); n > 0 && iter.TimestampMs < s.Iterations[n-1].TimestampMs {
		iter.TimestampMs = s.Iterations[n-1].TimestampMs
	}
	s.Iterations = append(s.Iterations, iter)
	s.CurrentLoop = len(s.Iterations)
	s.UpdatedAtMs = time.Now().UnixMilli()
	return nil
}

// LastReview returns the most recent iteration's review, or nil when the
// session has none.
func (s *State) LastReview() *review.Review {
	if len(s.Iterations) == 0 {
		return nil
	}
	return &s.Iterations[len(s.Iterations)-1].Review
}

// FailureRate is the fraction of iterations the reviewer rejected.
// An empty session has a failure rate of zero.
func (s *State) FailureRate() float64 {
	if len(s.Iterations) == 0 {
		return 0
	}
	rejects := 0
	for _, it := range s.Iterations {
		if it.Review.Verdict == review.VerdictReject {
			rejects++
		}
	}
	return float64(rejects) / float64(len(s.Iterations))
}

// CriticalIssues collects CRITICAL inline comments from the last window
// iterations, newest last.
func (s *State) CriticalIssues(window int) []string {
	start := len(s.Iterations) - window
	if start < 0 {
		start = 0
	}
	var issues []string
	for _, it := range s.Iterations[start:] {
		issues = append(issues, it.Review.CriticalComments()...)
	}
	return issues
}

// SetContext records an active reviewer context handle.
func (s *State) SetContext(handle string) {
	s.CodexContextID = handle
	s.CodexContextActive = handle != ""
}

// ClearContext drops the reviewer context handle.
func (s *State) ClearContext() {
	s.CodexContextID = ""
	s.CodexContextActive = false
}
