package engine

import (
	"fmt"

	"github.com/DRCubix/GansAuditor-Codex-sub000/internal/session"
)

// CompletionReason names the terminal (or non-terminal) condition an
// evaluation landed on.
type CompletionReason string

const (
	// ReasonScore95At10 is tier 1: score >= 95 at loop >= 10.
	ReasonScore95At10 CompletionReason = "score_95_at_10"
	// ReasonScore90At15 is tier 2: score >= 90 at loop >= 15.
	ReasonScore90At15 CompletionReason = "score_90_at_15"
	// ReasonScore85At20 is tier 3: score >= 85 at loop >= 20.
	ReasonScore85At20 CompletionReason = "score_85_at_20"
	// ReasonStagnation means recent iterations stopped changing.
	ReasonStagnation CompletionReason = "stagnation_detected"
	// ReasonMaxLoops is the kill switch at the hard loop limit.
	ReasonMaxLoops CompletionReason = "max_loops_reached"
	// ReasonInProgress means the loop should continue.
	ReasonInProgress CompletionReason = "in_progress"
)

// CompletionResult is the evaluator's verdict on whether the loop is done.
type CompletionResult struct {
	IsComplete        bool             `json:"isComplete"`
	Reason            CompletionReason `json:"reason"`
	NextThoughtNeeded bool             `json:"nextThoughtNeeded"`
	Message           string           `json:"message"`
}

// TerminationResult reports whether a session must stop regardless of the
// per-call completion verdict, and why.
type TerminationResult struct {
	ShouldTerminate bool     `json:"shouldTerminate"`
	Reason          string   `json:"reason"`
	FailureRate     float64  `json:"failureRate"`
	CriticalIssues  []string `json:"criticalIssues"`
	FinalAssessment string   `json:"finalAssessment"`
}

// tier is one acceptance threshold: a score floor paired with the minimum
// loop at which it applies.
type tier struct {
	score   int
	minLoop int
	reason  CompletionReason
}

// killSwitchLoop is the hard stop: a session never runs past this many
// iterations whatever the score.
const killSwitchLoop = 25

// criticalIssueWindow is how many recent iterations are scanned for
// CRITICAL inline comments when composing a termination report.
const criticalIssueWindow = 5

// Evaluator applies the tiered completion thresholds. Tiers are ordered
// most to least ambitious; the first satisfied tier wins.
type Evaluator struct {
	tiers []tier
}

// NewEvaluator returns an Evaluator with the standard tiers: 95@10,
// 90@15, 85@20, hard stop at 25.
func NewEvaluator() *Evaluator {
	return &Evaluator{
		tiers: []tier{
			{score: 95, minLoop: 10, reason: ReasonScore95At10},
			{score: 90, minLoop: 15, reason: ReasonScore90At15},
			{score: 85, minLoop: 20, reason: ReasonScore85At20},
		},
	}
}

// Evaluate decides completion for one (score, loop) observation. The
// result is monotone: once a pair completes, raising either the score or
// the loop keeps it complete.
func (ev *Evaluator) Evaluate(score, loop int) CompletionResult {
	for _, t := range ev.tiers {
		if score >= t.score && loop >= t.minLoop {
			return CompletionResult{
				IsComplete: true,
				Reason:     t.reason,
				Message:    fmt.Sprintf("Completion criteria met: score %d at loop %d satisfies the %d-at-%d tier.", score, loop, t.score, t.minLoop),
			}
		}
	}
	if loop >= killSwitchLoop {
		return CompletionResult{
			IsComplete: true,
			Reason:     ReasonMaxLoops,
			Message:    fmt.Sprintf("Maximum loops (%d) reached without achieving completion criteria.", killSwitchLoop),
		}
	}
	return CompletionResult{
		Reason:            ReasonInProgress,
		NextThoughtNeeded: true,
		Message:           ev.progressMessage(score, loop),
	}
}

// progressMessage names the piece still missing: the loop minimum when the
// score already qualifies for some tier, the score gap otherwise.
func (ev *Evaluator) progressMessage(score, loop int) string {
	// Most ambitious tier whose score floor the candidate already meets.
	for _, t := range ev.tiers {
		if score >= t.score {
			return fmt.Sprintf("Score %d qualifies for completion at loop %d; currently at loop %d.", score, t.minLoop, loop)
		}
	}
	lowest := ev.tiers[len(ev.tiers)-1]
	return fmt.Sprintf("Score %d is below the lowest completion threshold (%d); keep improving. Hard stop at loop %d.", score, lowest.score, killSwitchLoop)
}

// ShouldTerminate checks the session-level stop conditions. A stagnant
// session terminates with the stagnation recommendation; otherwise the
// hard loop limit applies. When both hold, stagnation owns the reason.
func (ev *Evaluator) ShouldTerminate(st *session.State) TerminationResult {
	switch {
	case st.StagnationInfo != nil && st.StagnationInfo.IsStagnant:
		return TerminationResult{
			ShouldTerminate: true,
			Reason:          "Stagnation detected: " + st.StagnationInfo.Recommendation,
			FailureRate:     st.FailureRate(),
			CriticalIssues:  criticalIssues(st),
			FinalAssessment: finalAssessment(st),
		}
	case st.CurrentLoop >= killSwitchLoop:
		return TerminationResult{
			ShouldTerminate: true,
			Reason:          fmt.Sprintf("Maximum loops (%d) reached without achieving completion criteria", killSwitchLoop),
			FailureRate:     st.FailureRate(),
			CriticalIssues:  criticalIssues(st),
			FinalAssessment: finalAssessment(st),
		}
	default:
		return TerminationResult{CriticalIssues: []string{}}
	}
}

// terminalReason maps a termination verdict onto the completion reason
// recorded on the session.
func terminalReason(st *session.State) CompletionReason {
	if st.StagnationInfo != nil && st.StagnationInfo.IsStagnant {
		return ReasonStagnation
	}
	return ReasonMaxLoops
}

// criticalIssues never returns nil so the termination report always
// carries an array.
func criticalIssues(st *session.State) []string {
	issues := st.CriticalIssues(criticalIssueWindow)
	if issues == nil {
		issues = []string{}
	}
	return issues
}

// finalAssessment summarizes a terminated session in one line.
func finalAssessment(st *session.State) string {
	if len(st.Iterations) == 0 {
		return "No iterations were recorded for this session."
	}
	best := 0
	for _, it := range st.Iterations {
		if it.Review.Overall > best {
			best = it.Review.Overall
		}
	}
	last := st.Iterations[len(st.Iterations)-1].Review
	return fmt.Sprintf("After %d loop(s): best score %d, final score %d (%s), failure rate %.2f.",
		st.CurrentLoop, best, last.Overall, last.Verdict, st.FailureRate())
}
