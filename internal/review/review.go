// Package review defines the verdict and scoring types produced by the
// external reviewer. The reviewer returns a single JSON document; the
// types here mirror its wire format so parsing is a plain unmarshal.
package review

import (
	"fmt"
	"strings"
	"time"
)

// Verdict is the reviewer's overall judgement on a candidate.
type Verdict string

const (
	// VerdictPass means the candidate is acceptable as-is.
	VerdictPass Verdict = "pass"
	// VerdictRevise means the candidate needs changes before acceptance.
	VerdictRevise Verdict = "revise"
	// VerdictReject means the candidate should be discarded.
	VerdictReject Verdict = "reject"
)

// Valid reports whether v is one of the recognized verdicts.
func (v Verdict) Valid() bool {
	switch v {
	case VerdictPass, VerdictRevise, VerdictReject:
		return true
	}
	return false
}

// ParseVerdict normalizes and validates a verdict string from reviewer
// output. Case and surrounding whitespace are tolerated.
func ParseVerdict(s string) (Verdict, error) {
	v := Verdict(strings.ToLower(strings.TrimSpace(s)))
	if !v.Valid() {
		return "", fmt.Errorf("unknown verdict %q (expected pass, revise, or reject)", s)
	}
	return v, nil
}

// Dimension is a named per-axis score.
type Dimension struct {
	Name  string `json:"name"`
	Score int    `json:"score"`
}

// InlineComment is a reviewer remark anchored to a file location.
type InlineComment struct {
	Path    string `json:"path"`
	Line    int    `json:"line"`
	Comment string `json:"comment"`
}

// Detail carries the prose portion of a review.
type Detail struct {
	Summary   string          `json:"summary"`
	Inline    []InlineComment `json:"inline,omitempty"`
	Citations []string        `json:"citations,omitempty"`
}

// JudgeCard records one judge model's contribution to the aggregate.
type JudgeCard struct {
	Model string `json:"model"`
	Score int    `json:"score"`
	Notes string `json:"notes,omitempty"`
}

// Review is the reviewer's complete answer for one audit cycle.
type Review struct {
	// Overall is the aggregate score, 0-100.
	Overall int `json:"overall"`
	// Verdict is the pass/revise/reject judgement.
	Verdict Verdict `json:"verdict"`
	// Dimensions are the per-axis scores behind Overall.
	Dimensions []Dimension `json:"dimensions"`
	// Detail holds the summary, inline comments, and citations.
	Detail Detail `json:"review"`
	// ProposedDiff is an optional unified diff the reviewer suggests.
	ProposedDiff *string `json:"proposedDiff,omitempty"`
	// Iterations is the reviewer's internal cycle count. Informational
	// only; loop control never reads it.
	Iterations int `json:"iterations,omitempty"`
	// JudgeCards lists the individual judge contributions.
	JudgeCards []JudgeCard `json:"judgeCards,omitempty"`
}

// Validate checks the fields the engine depends on. It does not verify
// presence (a zero Overall is indistinguishable from a missing one after
// unmarshal); the parser handles presence separately.
func (r *Review) Validate() error {
	if r.Overall < 0 || r.Overall > 100 {
		return fmt.Errorf("overall score %d outside 0-100", r.Overall)
	}
	if !r.Verdict.Valid() {
		return fmt.Errorf("invalid verdict %q", r.Verdict)
	}
	return nil
}

// CriticalComments returns the inline comments flagged CRITICAL,
// formatted with their file anchors.
func (r *Review) CriticalComments() []string {
	var out []string
	for _, c := range r.Detail.Inline {
		if !strings.Contains(c.Comment, "CRITICAL") {
			continue
		}
		if c.Path != "" {
			out = append(out, fmt.Sprintf("%s:%d: %s", c.Path, c.Line, c.Comment))
		} else {
			out = append(out, c.Comment)
		}
	}
	return out
}

// Fallback returns the conservative review used when the reviewer could
// not produce a verdict (timeout, unavailable binary, unparseable reply).
// The middling score and revise verdict keep the loop going without
// rewarding or punishing the candidate for infrastructure trouble. The
// cause becomes the review summary so the caller sees what went wrong.
func Fallback(cause string) Review {
	return Review{
		Overall:    50,
		Verdict:    VerdictRevise,
		Dimensions: []Dimension{},
		Detail:     Detail{Summary: cause},
	}
}

// TimeoutFallback is the Fallback for a reviewer that missed the audit
// deadline.
func TimeoutFallback(timeout time.Duration) Review {
	return Fallback(fmt.Sprintf("Audit timed out after %s. The candidate was not evaluated; continue iterating and the next submission will be re-audited.", timeout))
}
