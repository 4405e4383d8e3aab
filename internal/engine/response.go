package engine

import (
	"fmt"

	"github.com/DRCubix/GansAuditor-Codex-sub000/internal/review"
)

// Response is the outbound envelope for one processed thought. The
// baseline fields echo the caller's bookkeeping; the audit fields are
// populated only when a synchronous audit ran.
type Response struct {
	ThoughtNumber        int      `json:"thoughtNumber"`
	TotalThoughts        int      `json:"totalThoughts"`
	NextThoughtNeeded    bool     `json:"nextThoughtNeeded"`
	Branches             []string `json:"branches"`
	ThoughtHistoryLength int      `json:"thoughtHistoryLength"`

	SessionID        string            `json:"sessionId,omitempty"`
	Gan              *review.Review    `json:"gan,omitempty"`
	CompletionStatus *CompletionStatus `json:"completionStatus,omitempty"`
	LoopInfo         *LoopInfo         `json:"loopInfo,omitempty"`
	Feedback         *Feedback         `json:"feedback,omitempty"`
	TerminationInfo  *TerminationInfo  `json:"terminationInfo,omitempty"`
}

// ErrorResponse is the envelope for a rejected thought. Nothing else is
// echoed; the submission never touched state.
type ErrorResponse struct {
	Error  string `json:"error"`
	Status string `json:"status"`
}

// CompletionStatus reports where the audit loop stands after this call.
type CompletionStatus struct {
	IsComplete  bool             `json:"isComplete"`
	Reason      CompletionReason `json:"reason"`
	CurrentLoop int              `json:"currentLoop"`
	Score       int              `json:"score"`
	Message     string           `json:"message"`
}

// LoopInfo carries the loop counter and the stagnation observations.
type LoopInfo struct {
	CurrentLoop        int      `json:"currentLoop"`
	StagnationDetected bool     `json:"stagnationDetected"`
	SimilarityScore    *float64 `json:"similarityScore,omitempty"`
	Recommendation     string   `json:"recommendation,omitempty"`
}

// Feedback is the structured guidance distilled from the review.
type Feedback struct {
	Summary      string   `json:"summary,omitempty"`
	Improvements []string `json:"improvements"`
	Warnings     []string `json:"warnings,omitempty"`
	Citations    []string `json:"citations,omitempty"`
	ProposedDiff *string  `json:"proposedDiff,omitempty"`
}

// TerminationInfo explains a forced stop to the caller.
type TerminationInfo struct {
	Reason          string   `json:"reason"`
	FailureRate     float64  `json:"failureRate"`
	CriticalIssues  []string `json:"criticalIssues"`
	FinalAssessment string   `json:"finalAssessment"`
}

// auditOutcome is everything one audit pass produced, handed to the
// response builder.
type auditOutcome struct {
	sessionID   string
	review      *review.Review
	completion  CompletionResult
	termination TerminationResult
	loopInfo    LoopInfo
	warnings    []string
	threshold   int
	cached      bool
	timedOut    bool
}

// buildResponse merges the baseline echo with an audit outcome. It is a
// pure function; a failure here sends the engine down the degraded path.
func buildResponse(base Response, out *auditOutcome) (Response, error) {
	if out == nil {
		return Response{}, fmt.Errorf("no audit outcome to build from")
	}
	if out.review != nil && !out.review.Verdict.Valid() {
		return Response{}, fmt.Errorf("audit outcome carries invalid verdict %q", out.review.Verdict)
	}

	resp := base
	resp.SessionID = out.sessionID
	resp.Gan = out.review
	resp.NextThoughtNeeded = out.completion.NextThoughtNeeded

	score := 0
	if out.review != nil {
		score = out.review.Overall
	}
	resp.CompletionStatus = &CompletionStatus{
		IsComplete:  out.completion.IsComplete,
		Reason:      out.completion.Reason,
		CurrentLoop: out.loopInfo.CurrentLoop,
		Score:       score,
		Message:     out.completion.Message,
	}

	loop := out.loopInfo
	resp.LoopInfo = &loop
	resp.Feedback = buildFeedback(out)

	if out.termination.ShouldTerminate {
		resp.TerminationInfo = &TerminationInfo{
			Reason:          out.termination.Reason,
			FailureRate:     out.termination.FailureRate,
			CriticalIssues:  out.termination.CriticalIssues,
			FinalAssessment: out.termination.FinalAssessment,
		}
	}
	return resp, nil
}

// degradedResponse is the fallback when the full builder fails: baseline
// echo plus the raw review, nothing derived.
func degradedResponse(base Response, out *auditOutcome) Response {
	resp := base
	if out != nil {
		resp.SessionID = out.sessionID
		resp.Gan = out.review
	}
	return resp
}

// buildFeedback distills the review into actionable items: every inline
// comment, plus each scored dimension sitting below the session threshold.
func buildFeedback(out *auditOutcome) *Feedback {
	fb := &Feedback{Improvements: []string{}, Warnings: out.warnings}
	if out.review == nil {
		return fb
	}

	rev := out.review
	fb.Summary = rev.Detail.Summary
	fb.Citations = rev.Detail.Citations
	fb.ProposedDiff = rev.ProposedDiff

	for _, c := range rev.Detail.Inline {
		if c.Path != "" {
			fb.Improvements = append(fb.Improvements, fmt.Sprintf("%s:%d: %s", c.Path, c.Line, c.Comment))
		} else {
			fb.Improvements = append(fb.Improvements, c.Comment)
		}
	}
	for _, d := range rev.Dimensions {
		if d.Score < out.threshold {
			fb.Improvements = append(fb.Improvements, fmt.Sprintf("Raise %s (scored %d, session threshold %d)", d.Name, d.Score, out.threshold))
		}
	}
	return fb
}
