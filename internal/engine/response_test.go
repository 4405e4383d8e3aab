package engine

import (
	"encoding/json"
	"strings"
	"testing"

	"github.com/DRCubix/GansAuditor-Codex-sub000/internal/review"
)

func baselineResponse() Response {
	return Response{
		ThoughtNumber:        4,
		TotalThoughts:        6,
		NextThoughtNeeded:    false,
		Branches:             []string{},
		ThoughtHistoryLength: 4,
	}
}

func TestBuildResponse(t *testing.T) {
	rev := reviewScored(88, review.VerdictRevise)
	rev.Detail.Inline = []review.InlineComment{{Path: "store.go", Line: 3, Comment: "handle the nil case"}}
	rev.Dimensions = []review.Dimension{
		{Name: "accuracy", Score: 80},
		{Name: "clarity", Score: 95},
	}
	diff := "--- a/store.go\n+++ b/store.go"
	rev.ProposedDiff = &diff

	out := &auditOutcome{
		sessionID:   "sess-42",
		review:      &rev,
		completion:  CompletionResult{Reason: ReasonInProgress, NextThoughtNeeded: true, Message: "keep going"},
		termination: TerminationResult{CriticalIssues: []string{}},
		loopInfo:    LoopInfo{CurrentLoop: 4},
		warnings:    []string{"threshold 150 outside 0-100, using 85"},
		threshold:   85,
	}

	resp, err := buildResponse(baselineResponse(), out)
	if err != nil {
		t.Fatalf("buildResponse() error = %v", err)
	}

	if resp.SessionID != "sess-42" {
		t.Errorf("SessionID = %q", resp.SessionID)
	}
	if !resp.NextThoughtNeeded {
		t.Error("NextThoughtNeeded = false, want the completion verdict to override the echo")
	}
	if resp.Gan == nil || resp.Gan.Overall != 88 {
		t.Fatalf("Gan = %+v, want the review attached", resp.Gan)
	}
	if resp.CompletionStatus == nil {
		t.Fatal("CompletionStatus missing")
	}
	if resp.CompletionStatus.Score != 88 || resp.CompletionStatus.CurrentLoop != 4 {
		t.Errorf("CompletionStatus = %+v", resp.CompletionStatus)
	}
	if resp.CompletionStatus.Reason != ReasonInProgress || resp.CompletionStatus.IsComplete {
		t.Errorf("CompletionStatus = %+v, want in-progress", resp.CompletionStatus)
	}
	if resp.TerminationInfo != nil {
		t.Errorf("TerminationInfo = %+v, want omitted without a termination", resp.TerminationInfo)
	}

	fb := resp.Feedback
	if fb == nil {
		t.Fatal("Feedback missing")
	}
	var hasInline, hasDimension, hasClarity bool
	for _, imp := range fb.Improvements {
		if strings.Contains(imp, "store.go:3") {
			hasInline = true
		}
		if strings.Contains(imp, "accuracy") && strings.Contains(imp, "80") {
			hasDimension = true
		}
		if strings.Contains(imp, "clarity") {
			hasClarity = true
		}
	}
	if !hasInline {
		t.Errorf("Improvements = %v, want the inline comment with its anchor", fb.Improvements)
	}
	if !hasDimension {
		t.Errorf("Improvements = %v, want the below-threshold dimension", fb.Improvements)
	}
	if hasClarity {
		t.Errorf("Improvements = %v, clarity scored above the threshold", fb.Improvements)
	}
	if len(fb.Warnings) != 1 {
		t.Errorf("Warnings = %v", fb.Warnings)
	}
	if fb.ProposedDiff == nil || *fb.ProposedDiff != diff {
		t.Errorf("ProposedDiff = %v", fb.ProposedDiff)
	}
}

func TestBuildResponseTermination(t *testing.T) {
	rev := reviewScored(40, review.VerdictReject)
	out := &auditOutcome{
		sessionID:  "sess-dead",
		review:     &rev,
		completion: CompletionResult{IsComplete: true, Reason: ReasonMaxLoops, Message: "done"},
		termination: TerminationResult{
			ShouldTerminate: true,
			Reason:          "Maximum loops (25) reached without achieving completion criteria",
			FailureRate:     0.8,
			CriticalIssues:  []string{"store.go:9: CRITICAL: data race"},
			FinalAssessment: "After 25 loop(s): best score 62, final score 40 (reject), failure rate 0.80.",
		},
		loopInfo: LoopInfo{CurrentLoop: 25},
	}

	resp, err := buildResponse(baselineResponse(), out)
	if err != nil {
		t.Fatalf("buildResponse() error = %v", err)
	}
	ti := resp.TerminationInfo
	if ti == nil {
		t.Fatal("TerminationInfo missing for a terminated session")
	}
	if ti.FailureRate != 0.8 || len(ti.CriticalIssues) != 1 {
		t.Errorf("TerminationInfo = %+v", ti)
	}
	if resp.NextThoughtNeeded {
		t.Error("NextThoughtNeeded = true on termination")
	}
}

func TestBuildResponseFailures(t *testing.T) {
	if _, err := buildResponse(baselineResponse(), nil); err == nil {
		t.Error("buildResponse(nil outcome) did not fail")
	}

	bad := reviewScored(50, "maybe")
	out := &auditOutcome{sessionID: "s", review: &bad}
	if _, err := buildResponse(baselineResponse(), out); err == nil {
		t.Error("buildResponse() accepted an invalid verdict")
	}

	got := degradedResponse(baselineResponse(), out)
	if got.SessionID != "s" || got.Gan == nil {
		t.Errorf("degradedResponse() = %+v, want baseline plus raw review", got)
	}
	if got.CompletionStatus != nil || got.Feedback != nil {
		t.Errorf("degradedResponse() = %+v, want no derived fields", got)
	}
}

func TestResponseWireShape(t *testing.T) {
	rev := reviewScored(91, review.VerdictPass)
	out := &auditOutcome{
		sessionID:   "sess-Q",
		review:      &rev,
		completion:  CompletionResult{Reason: ReasonInProgress, NextThoughtNeeded: true, Message: "m"},
		termination: TerminationResult{CriticalIssues: []string{}},
		loopInfo:    LoopInfo{CurrentLoop: 2},
	}
	resp, err := buildResponse(baselineResponse(), out)
	if err != nil {
		t.Fatalf("buildResponse() error = %v", err)
	}

	raw, err := json.Marshal(resp)
	if err != nil {
		t.Fatalf("Marshal() error = %v", err)
	}
	var m map[string]json.RawMessage
	if err := json.Unmarshal(raw, &m); err != nil {
		t.Fatalf("Unmarshal() error = %v", err)
	}

	for _, key := range []string{"thoughtNumber", "totalThoughts", "nextThoughtNeeded", "branches", "thoughtHistoryLength", "sessionId", "gan", "completionStatus", "loopInfo", "feedback"} {
		if _, ok := m[key]; !ok {
			t.Errorf("marshaled response missing %q", key)
		}
	}
	if _, ok := m["terminationInfo"]; ok {
		t.Error("terminationInfo present without a termination")
	}
	if string(m["branches"]) != "[]" {
		t.Errorf("branches = %s, want an empty array", m["branches"])
	}
}

func TestErrorResponseWireShape(t *testing.T) {
	raw, err := json.Marshal(ErrorResponse{Error: "missing required field: thought", Status: "failed"})
	if err != nil {
		t.Fatalf("Marshal() error = %v", err)
	}
	var m map[string]string
	if err := json.Unmarshal(raw, &m); err != nil {
		t.Fatalf("Unmarshal() error = %v", err)
	}
	if len(m) != 2 || m["error"] == "" || m["status"] != "failed" {
		t.Errorf("error payload = %v, want exactly error and status", m)
	}
}
