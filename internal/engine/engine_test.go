package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"reflect"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/DRCubix/GansAuditor-Codex-sub000/internal/cache"
	"github.com/DRCubix/GansAuditor-Codex-sub000/internal/logging"
	"github.com/DRCubix/GansAuditor-Codex-sub000/internal/review"
	"github.com/DRCubix/GansAuditor-Codex-sub000/internal/reviewer"
	"github.com/DRCubix/GansAuditor-Codex-sub000/internal/session"
	"github.com/DRCubix/GansAuditor-Codex-sub000/internal/trail"
)

// fakeReviewer replays scripted reviews, repeating the last one when the
// script runs out.
type fakeReviewer struct {
	mu      sync.Mutex
	calls   int
	replies []review.Review
	err     error
	timeout bool
	lastReq reviewer.AuditRequest
}

func (f *fakeReviewer) Review(_ context.Context, req reviewer.AuditRequest, timeout time.Duration) (review.Review, reviewer.Meta, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	f.lastReq = req

	if f.timeout {
		return review.Review{}, reviewer.Meta{Duration: timeout, TimedOut: true}, fmt.Errorf("%w after %s", reviewer.ErrTimedOut, timeout)
	}
	if f.err != nil {
		return review.Review{}, reviewer.Meta{Duration: time.Millisecond}, f.err
	}
	idx := f.calls - 1
	if idx >= len(f.replies) {
		idx = len(f.replies) - 1
	}
	return f.replies[idx], reviewer.Meta{Duration: time.Millisecond}, nil
}

func (f *fakeReviewer) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

// fakeContexts records the context lifecycle calls.
type fakeContexts struct {
	mu         sync.Mutex
	nextHandle int
	started    []string
	maintained []string
	terminated map[string]string
	startErr   error
	maintainOK bool
}

func newFakeContexts() *fakeContexts {
	return &fakeContexts{terminated: make(map[string]string), maintainOK: true}
}

func (f *fakeContexts) Start(_ context.Context, loopID string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.startErr != nil {
		return "", f.startErr
	}
	f.nextHandle++
	f.started = append(f.started, loopID)
	return fmt.Sprintf("ctx-%d", f.nextHandle), nil
}

func (f *fakeContexts) Maintain(_ context.Context, loopID, _ string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.maintained = append(f.maintained, loopID)
	return f.maintainOK
}

func (f *fakeContexts) Terminate(_ context.Context, loopID, reason string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.terminated[loopID] = reason
}

// fakePacker returns a fixed context and remembers the requested scope.
type fakePacker struct {
	mu        sync.Mutex
	lastScope session.Scope
}

func (f *fakePacker) Pack(_ context.Context, scope session.Scope, _ []string, _ string) string {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.lastScope = scope
	return "packed repository context"
}

// memSink collects trail events in memory.
type memSink struct {
	mu     sync.Mutex
	events []trail.Event
}

func (m *memSink) WriteOne(ev trail.Event) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events = append(m.events, ev)
	return nil
}

func (m *memSink) byType(t trail.EventType) []trail.Event {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []trail.Event
	for _, ev := range m.events {
		if ev.Type == t {
			out = append(out, ev)
		}
	}
	return out
}

type fixture struct {
	engine   *Engine
	reviewer *fakeReviewer
	contexts *fakeContexts
	packer   *fakePacker
	sink     *memSink
	store    *session.Store
}

func newFixture(t *testing.T, cfg Config, rev *fakeReviewer) *fixture {
	t.Helper()
	store, err := session.NewStore(t.TempDir(), 0, logging.Nop())
	if err != nil {
		t.Fatalf("NewStore() error = %v", err)
	}
	c, err := cache.New(64, 1<<20, time.Minute, logging.Nop())
	if err != nil {
		t.Fatalf("cache.New() error = %v", err)
	}

	fx := &fixture{
		reviewer: rev,
		contexts: newFakeContexts(),
		packer:   &fakePacker{},
		sink:     &memSink{},
		store:    store,
	}
	fx.engine, err = New(cfg, Deps{
		Sessions: store,
		Cache:    c,
		Reviewer: rev,
		Contexts: fx.contexts,
		Packer:   fx.packer,
		Trail:    fx.sink,
		Logger:   logging.Nop(),
	})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	return fx
}

func syncConfig() Config {
	return Config{
		EnableAuditing:        true,
		EnableSynchronous:     true,
		DisableThoughtLogging: true,
		AuditTimeout:          5 * time.Second,
	}
}

// codeThoughtN builds a submission whose fenced code is distinct per n,
// so consecutive iterations never look stagnant.
func codeThoughtN(n int, branch string) Thought {
	return Thought{
		Thought:           fmt.Sprintf("Iteration %d.\n```go\nfunc step%d() { return compute(%d) }\n```", n, n, n),
		ThoughtNumber:     n,
		TotalThoughts:     n,
		NextThoughtNeeded: true,
		BranchID:          branch,
	}
}

// sameCodeThought builds a submission carrying the identical fenced code
// every time.
func sameCodeThought(n int, branch string) Thought {
	return Thought{
		Thought:           "Retrying.\n```go\nfunc handler(w http.ResponseWriter) { w.WriteHeader(200) }\n```",
		ThoughtNumber:     n,
		TotalThoughts:     n,
		NextThoughtNeeded: true,
		BranchID:          branch,
	}
}

func scripted(scores ...int) []review.Review {
	out := make([]review.Review, len(scores))
	for i, s := range scores {
		verdict := review.VerdictRevise
		if s >= 85 {
			verdict = review.VerdictPass
		}
		out[i] = reviewScored(s, verdict)
	}
	return out
}

func mustProcess(t *testing.T, fx *fixture, th Thought) Response {
	t.Helper()
	resp, err := fx.engine.ProcessThought(context.Background(), th)
	if err != nil {
		t.Fatalf("ProcessThought(%d) error = %v", th.ThoughtNumber, err)
	}
	return resp
}

func loadState(t *testing.T, fx *fixture, id string) *session.State {
	t.Helper()
	st, err := fx.store.LoadOrCreate(id, "")
	if err != nil {
		t.Fatalf("LoadOrCreate(%s) error = %v", id, err)
	}
	return st
}

func TestProseGetsBaselineOnly(t *testing.T) {
	fx := newFixture(t, syncConfig(), &fakeReviewer{replies: scripted(90)})

	resp := mustProcess(t, fx, Thought{
		Thought:           "I should think about the data model before writing anything.",
		ThoughtNumber:     1,
		TotalThoughts:     3,
		NextThoughtNeeded: true,
	})

	if resp.Gan != nil || resp.CompletionStatus != nil || resp.SessionID != "" {
		t.Errorf("ProcessThought() = %+v, want the bare baseline for prose", resp)
	}
	if !resp.NextThoughtNeeded || resp.ThoughtHistoryLength != 1 {
		t.Errorf("baseline echo wrong: %+v", resp)
	}
	if fx.reviewer.callCount() != 0 {
		t.Errorf("reviewer called %d times for prose", fx.reviewer.callCount())
	}
}

func TestAuditingDisabled(t *testing.T) {
	cfg := syncConfig()
	cfg.EnableAuditing = false
	fx := newFixture(t, cfg, &fakeReviewer{replies: scripted(90)})

	resp := mustProcess(t, fx, codeThoughtN(1, "off"))
	if resp.Gan != nil || fx.reviewer.callCount() != 0 {
		t.Errorf("auditing disabled but the reviewer ran: %+v", resp)
	}
}

func TestValidationRejectsBeforeState(t *testing.T) {
	fx := newFixture(t, syncConfig(), &fakeReviewer{replies: scripted(90)})

	_, err := fx.engine.ProcessThought(context.Background(), Thought{Thought: "", ThoughtNumber: 1, TotalThoughts: 1})
	if err == nil {
		t.Fatal("ProcessThought() accepted an empty thought")
	}
	if n, _ := fx.store.Count(); n != 0 {
		t.Errorf("store has %d sessions after a rejected thought, want 0", n)
	}
}

func TestTotalThoughtsRaised(t *testing.T) {
	fx := newFixture(t, syncConfig(), &fakeReviewer{replies: scripted(70)})

	th := codeThoughtN(5, "raise")
	th.TotalThoughts = 3
	resp := mustProcess(t, fx, th)
	if resp.TotalThoughts != 5 {
		t.Errorf("TotalThoughts = %d, want raised to the thought number", resp.TotalThoughts)
	}
}

func TestSyntheticSessionID(t *testing.T) {
	fx := newFixture(t, syncConfig(), &fakeReviewer{replies: scripted(70)})

	th := codeThoughtN(1, "")
	first := mustProcess(t, fx, th)
	if !strings.HasPrefix(first.SessionID, "session-") {
		t.Fatalf("SessionID = %q, want a synthesized id", first.SessionID)
	}
	second := mustProcess(t, fx, codeThoughtN(1, ""))
	if second.SessionID == first.SessionID {
		t.Error("two thoughts without branchId landed in the same synthesized session")
	}
}

func TestBranchBookkeeping(t *testing.T) {
	fx := newFixture(t, syncConfig(), &fakeReviewer{replies: scripted(70)})

	mustProcess(t, fx, codeThoughtN(1, "beta"))
	resp := mustProcess(t, fx, codeThoughtN(1, "alpha"))

	if !reflect.DeepEqual(resp.Branches, []string{"alpha", "beta"}) {
		t.Errorf("Branches = %v, want sorted branch names", resp.Branches)
	}
	if resp.ThoughtHistoryLength != 2 {
		t.Errorf("ThoughtHistoryLength = %d, want 2", resp.ThoughtHistoryLength)
	}
}

func TestTierCompletionAtLoopTen(t *testing.T) {
	scores := append(repeat9(80), 95)
	fx := newFixture(t, syncConfig(), &fakeReviewer{replies: scripted(scores...)})

	var resp Response
	for i := 1; i <= 10; i++ {
		resp = mustProcess(t, fx, codeThoughtN(i, "s1"))
		if i < 10 && resp.CompletionStatus.IsComplete {
			t.Fatalf("loop %d complete early: %+v", i, resp.CompletionStatus)
		}
	}

	cs := resp.CompletionStatus
	if cs == nil || !cs.IsComplete || cs.Reason != ReasonScore95At10 {
		t.Fatalf("CompletionStatus = %+v, want tier-1 completion", cs)
	}
	if resp.NextThoughtNeeded {
		t.Error("NextThoughtNeeded = true after completion")
	}
	if resp.TerminationInfo != nil {
		t.Errorf("TerminationInfo = %+v, tier completion is not a termination", resp.TerminationInfo)
	}
	if resp.LoopInfo == nil || resp.LoopInfo.CurrentLoop != 10 || resp.LoopInfo.StagnationDetected {
		t.Errorf("LoopInfo = %+v", resp.LoopInfo)
	}

	st := loadState(t, fx, "s1")
	if !st.IsComplete || st.CompletionReason != string(ReasonScore95At10) {
		t.Errorf("persisted state = complete %v reason %q", st.IsComplete, st.CompletionReason)
	}
	if len(st.Iterations) != 10 {
		t.Errorf("persisted iterations = %d, want 10", len(st.Iterations))
	}
}

func TestStagnationCompletesSession(t *testing.T) {
	fx := newFixture(t, syncConfig(), &fakeReviewer{replies: scripted(70)})

	var resp Response
	for i := 1; i <= 10; i++ {
		resp = mustProcess(t, fx, sameCodeThought(i, "s2"))
	}

	cs := resp.CompletionStatus
	if cs == nil || !cs.IsComplete || cs.Reason != ReasonStagnation {
		t.Fatalf("CompletionStatus = %+v, want stagnation at the start loop", cs)
	}
	li := resp.LoopInfo
	if li == nil || !li.StagnationDetected || li.SimilarityScore == nil || *li.SimilarityScore != 1.0 {
		t.Fatalf("LoopInfo = %+v, want full-similarity stagnation", li)
	}
	if !strings.Contains(li.Recommendation, "identical") {
		t.Errorf("Recommendation = %q", li.Recommendation)
	}
	if resp.TerminationInfo == nil || !strings.Contains(resp.TerminationInfo.Reason, "Stagnation detected") {
		t.Errorf("TerminationInfo = %+v", resp.TerminationInfo)
	}

	// Further submissions bounce off the completed session: no new
	// iteration, no reviewer call.
	calls := fx.reviewer.callCount()
	resp = mustProcess(t, fx, sameCodeThought(11, "s2"))
	if fx.reviewer.callCount() != calls {
		t.Error("completed session still reached the reviewer")
	}
	if resp.CompletionStatus == nil || !resp.CompletionStatus.IsComplete {
		t.Errorf("CompletionStatus = %+v after completion", resp.CompletionStatus)
	}
	if !strings.Contains(resp.CompletionStatus.Message, "already complete") {
		t.Errorf("Message = %q", resp.CompletionStatus.Message)
	}
	if n := len(loadState(t, fx, "s2").Iterations); n != 10 {
		t.Errorf("iterations = %d after post-completion submission, want 10", n)
	}
}

func TestKillSwitchAtLoopTwentyFive(t *testing.T) {
	fx := newFixture(t, syncConfig(), &fakeReviewer{replies: []review.Review{reviewScored(40, review.VerdictReject)}})

	var resp Response
	for i := 1; i <= 25; i++ {
		resp = mustProcess(t, fx, codeThoughtN(i, "s3"))
		if i < 25 && resp.CompletionStatus.IsComplete {
			t.Fatalf("loop %d complete early: %+v", i, resp.CompletionStatus)
		}
	}

	cs := resp.CompletionStatus
	if cs == nil || !cs.IsComplete || cs.Reason != ReasonMaxLoops {
		t.Fatalf("CompletionStatus = %+v, want the kill switch", cs)
	}
	ti := resp.TerminationInfo
	if ti == nil {
		t.Fatal("TerminationInfo missing at the kill switch")
	}
	if !strings.Contains(ti.Reason, "Maximum loops (25)") {
		t.Errorf("Reason = %q", ti.Reason)
	}
	if ti.FailureRate != 1.0 {
		t.Errorf("FailureRate = %v with every verdict a reject", ti.FailureRate)
	}
	if !strings.Contains(ti.FinalAssessment, "best score 40") {
		t.Errorf("FinalAssessment = %q", ti.FinalAssessment)
	}
}

func TestCacheHitSkipsReviewer(t *testing.T) {
	fx := newFixture(t, syncConfig(), &fakeReviewer{replies: scripted(78)})

	th := codeThoughtN(1, "s4")
	first := mustProcess(t, fx, th)
	if fx.reviewer.callCount() != 1 {
		t.Fatalf("reviewer calls = %d, want 1", fx.reviewer.callCount())
	}

	second := mustProcess(t, fx, th)
	if fx.reviewer.callCount() != 1 {
		t.Errorf("reviewer calls = %d after a repeat submission, want the cache to answer", fx.reviewer.callCount())
	}
	if !reflect.DeepEqual(first.Gan, second.Gan) {
		t.Errorf("cached review differs: %+v vs %+v", first.Gan, second.Gan)
	}

	// The cached review still advances the loop.
	if n := len(loadState(t, fx, "s4").Iterations); n != 2 {
		t.Errorf("iterations = %d, want 2", n)
	}
	if len(fx.sink.byType(trail.EventAuditCached)) != 1 {
		t.Error("no audit_cached trail event")
	}
}

func TestTimeoutFallback(t *testing.T) {
	fx := newFixture(t, syncConfig(), &fakeReviewer{timeout: true})

	th := codeThoughtN(1, "s5")
	resp := mustProcess(t, fx, th)

	gan := resp.Gan
	if gan == nil || gan.Overall != 50 || gan.Verdict != review.VerdictRevise {
		t.Fatalf("Gan = %+v, want the conservative fallback", gan)
	}
	if !strings.Contains(gan.Detail.Summary, "timed out") {
		t.Errorf("Summary = %q, want the timeout named", gan.Detail.Summary)
	}
	if resp.CompletionStatus.IsComplete || !resp.NextThoughtNeeded {
		t.Errorf("CompletionStatus = %+v, want the loop to continue", resp.CompletionStatus)
	}
	if len(fx.sink.byType(trail.EventAuditTimeout)) != 1 {
		t.Error("no audit_timeout trail event")
	}

	// Fallbacks are never cached: the retry reaches the reviewer again.
	mustProcess(t, fx, th)
	if fx.reviewer.callCount() != 2 {
		t.Errorf("reviewer calls = %d, want the fallback left uncached", fx.reviewer.callCount())
	}
}

func TestReviewerFailureFallback(t *testing.T) {
	fx := newFixture(t, syncConfig(), &fakeReviewer{err: errors.New("spawn failed: no such file")})

	resp := mustProcess(t, fx, codeThoughtN(1, "s5b"))
	gan := resp.Gan
	if gan == nil || gan.Overall != 50 || gan.Verdict != review.VerdictRevise {
		t.Fatalf("Gan = %+v, want the conservative fallback", gan)
	}
	if !strings.Contains(gan.Detail.Summary, "Audit could not run") {
		t.Errorf("Summary = %q", gan.Detail.Summary)
	}
}

func TestContextLifecycle(t *testing.T) {
	scores := append(repeat9(80), 95)
	fx := newFixture(t, syncConfig(), &fakeReviewer{replies: scripted(scores...)})

	for i := 1; i <= 10; i++ {
		th := codeThoughtN(i, "s6")
		th.LoopID = "loop-9"
		mustProcess(t, fx, th)
	}

	if len(fx.contexts.started) != 1 {
		t.Errorf("Start called %d times, want once", len(fx.contexts.started))
	}
	if len(fx.contexts.maintained) != 9 {
		t.Errorf("Maintain called %d times, want once per later pass", len(fx.contexts.maintained))
	}
	if reason := fx.contexts.terminated["loop-9"]; reason != string(ReasonScore95At10) {
		t.Errorf("Terminate reason = %q, want the completion reason", reason)
	}

	st := loadState(t, fx, "s6")
	if st.CodexContextActive || st.CodexContextID != "" {
		t.Errorf("context handle survived completion: %+v", st)
	}
	if len(fx.sink.byType(trail.EventContextStarted)) != 1 || len(fx.sink.byType(trail.EventContextTerminated)) != 1 {
		t.Error("context lifecycle events missing from the trail")
	}

	// The reviewer saw the handle.
	fx.reviewer.mu.Lock()
	handle := fx.reviewer.lastReq.ContextHandle
	fx.reviewer.mu.Unlock()
	if handle != "ctx-1" {
		t.Errorf("reviewer received handle %q, want ctx-1", handle)
	}
}

func TestContextLostRestartsNextPass(t *testing.T) {
	fx := newFixture(t, syncConfig(), &fakeReviewer{replies: scripted(70)})
	fx.contexts.maintainOK = false

	for i := 1; i <= 3; i++ {
		th := codeThoughtN(i, "s7")
		th.LoopID = "loop-x"
		mustProcess(t, fx, th)
	}

	// Pass 1 starts; pass 2 fails maintenance and clears; pass 3 starts
	// again.
	if len(fx.contexts.started) != 2 {
		t.Errorf("Start called %d times, want 2", len(fx.contexts.started))
	}

	st := loadState(t, fx, "s7")
	if !st.CodexContextActive {
		t.Error("pass 3 should have persisted a fresh handle")
	}
}

func TestInlineConfigAppliedToSession(t *testing.T) {
	fx := newFixture(t, syncConfig(), &fakeReviewer{replies: scripted(70)})

	th := Thought{
		Thought: "Audit with custom settings.\n```gan-config\n{\"scope\": \"workspace\", \"task\": \"check error handling\"}\n```\n" +
			"```go\nfunc run() { work() }\n```",
		ThoughtNumber:     1,
		TotalThoughts:     1,
		NextThoughtNeeded: true,
		BranchID:          "s8",
	}
	mustProcess(t, fx, th)

	st := loadState(t, fx, "s8")
	if st.Config.Scope != session.ScopeWorkspace || st.Config.Task != "check error handling" {
		t.Errorf("session config = %+v, want the inline overrides persisted", st.Config)
	}
	fx.packer.mu.Lock()
	scope := fx.packer.lastScope
	fx.packer.mu.Unlock()
	if scope != session.ScopeWorkspace {
		t.Errorf("packer scope = %q, want the merged scope", scope)
	}
}

func TestAsynchronousAudit(t *testing.T) {
	cfg := syncConfig()
	cfg.EnableSynchronous = false
	fx := newFixture(t, cfg, &fakeReviewer{replies: scripted(70)})

	resp := mustProcess(t, fx, codeThoughtN(1, "as1"))
	if resp.Gan != nil || resp.CompletionStatus != nil {
		t.Errorf("asynchronous response = %+v, want the bare baseline", resp)
	}

	waitFor(t, "background audit to persist", 2*time.Second, func() bool {
		return len(loadState(t, fx, "as1").Iterations) == 1
	})

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := fx.engine.Close(ctx); err != nil {
		t.Errorf("Close() error = %v", err)
	}
}

func TestHandleToolCall(t *testing.T) {
	fx := newFixture(t, syncConfig(), &fakeReviewer{replies: scripted(70)})

	args := json.RawMessage(`{
		"thought": "plain planning text, nothing to audit",
		"thoughtNumber": 1,
		"totalThoughts": 2,
		"nextThoughtNeeded": true
	}`)
	text, isErr := fx.engine.HandleToolCall(context.Background(), args)
	if isErr {
		t.Fatalf("HandleToolCall() flagged an error: %s", text)
	}
	var resp Response
	if err := json.Unmarshal([]byte(text), &resp); err != nil {
		t.Fatalf("response is not JSON: %v", err)
	}
	if resp.ThoughtNumber != 1 || resp.TotalThoughts != 2 {
		t.Errorf("response = %+v", resp)
	}

	text, isErr = fx.engine.HandleToolCall(context.Background(), json.RawMessage(`{"thoughtNumber": 1}`))
	if !isErr {
		t.Fatal("HandleToolCall() accepted a payload missing required fields")
	}
	var fail map[string]string
	if err := json.Unmarshal([]byte(text), &fail); err != nil {
		t.Fatalf("error payload is not JSON: %v", err)
	}
	if fail["status"] != "failed" || !strings.Contains(fail["error"], "thought") {
		t.Errorf("error payload = %v", fail)
	}
}

// waitFor polls cond until it holds or the deadline passes.
func waitFor(t *testing.T, what string, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}
