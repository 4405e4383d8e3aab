// Package engine drives the audit loop: it accepts thought submissions,
// decides which ones get audited, runs the reviewer, applies the tiered
// completion policy and stagnation detection, and shapes the outbound
// response. All durable state lives in the session store; the engine
// itself only keeps the in-process thought history.
package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/DRCubix/GansAuditor-Codex-sub000/internal/cache"
	"github.com/DRCubix/GansAuditor-Codex-sub000/internal/detect"
	"github.com/DRCubix/GansAuditor-Codex-sub000/internal/logging"
	"github.com/DRCubix/GansAuditor-Codex-sub000/internal/review"
	"github.com/DRCubix/GansAuditor-Codex-sub000/internal/reviewer"
	"github.com/DRCubix/GansAuditor-Codex-sub000/internal/session"
	"github.com/DRCubix/GansAuditor-Codex-sub000/internal/trail"
)

// thoughtPreviewLen bounds how much submission text reaches the log.
const thoughtPreviewLen = 120

// asyncAuditGrace is headroom past the audit timeout for an asynchronous
// audit's queue wait and context bookkeeping calls.
const asyncAuditGrace = 30 * time.Second

// Reviewer runs one audit against the external reviewer.
type Reviewer interface {
	Review(ctx context.Context, req reviewer.AuditRequest, timeout time.Duration) (review.Review, reviewer.Meta, error)
}

// ContextKeeper manages the reviewer's persistent per-loop contexts.
type ContextKeeper interface {
	Start(ctx context.Context, loopID string) (string, error)
	Maintain(ctx context.Context, loopID, handle string) bool
	Terminate(ctx context.Context, loopID, reason string)
}

// ContextPacker assembles the repository context the reviewer sees.
type ContextPacker interface {
	Pack(ctx context.Context, scope session.Scope, paths []string, workdir string) string
}

// TrailSink records audit lifecycle events. A nil sink disables the trail.
type TrailSink interface {
	WriteOne(ev trail.Event) error
}

// Config carries the engine's operating switches.
type Config struct {
	// EnableAuditing turns the audit path on. Off, every thought gets the
	// baseline echo response.
	EnableAuditing bool
	// EnableSynchronous makes audits block the response. Off, audits run
	// in the background and the caller gets the baseline immediately.
	EnableSynchronous bool
	// DisableThoughtLogging silences the per-thought log line.
	DisableThoughtLogging bool
	// AuditTimeout bounds one reviewer invocation.
	AuditTimeout time.Duration
	// MaxAsyncAudits bounds the background audit pool.
	MaxAsyncAudits int
	// WorkingDir is the repository the reviewer inspects.
	WorkingDir string
	// StagnationStartLoop and StagnationThreshold tune the detector.
	StagnationStartLoop int
	StagnationThreshold float64
}

// Deps are the engine's collaborators.
type Deps struct {
	Sessions *session.Store
	Cache    *cache.Cache
	Reviewer Reviewer
	Contexts ContextKeeper
	Packer   ContextPacker
	Trail    TrailSink
	Logger   logging.Logger
}

// Engine processes thought submissions.
type Engine struct {
	cfg      Config
	sessions *session.Store
	cache    *cache.Cache
	reviewer Reviewer
	contexts ContextKeeper
	packer   ContextPacker
	trail    TrailSink
	logger   logging.Logger

	eval     *Evaluator
	detector *Detector

	mu              sync.Mutex
	history         []Thought
	branches        map[string][]Thought
	lastSyntheticMs int64

	asyncSem *semaphore.Weighted
	asyncWG  sync.WaitGroup
}

// New validates the wiring and returns an Engine. The reviewer-side
// collaborators are only required when auditing is enabled.
func New(cfg Config, deps Deps) (*Engine, error) {
	if deps.Sessions == nil {
		return nil, errors.New("engine requires a session store")
	}
	if cfg.EnableAuditing {
		switch {
		case deps.Reviewer == nil:
			return nil, errors.New("engine requires a reviewer when auditing is enabled")
		case deps.Cache == nil:
			return nil, errors.New("engine requires a cache when auditing is enabled")
		case deps.Contexts == nil:
			return nil, errors.New("engine requires a context keeper when auditing is enabled")
		case deps.Packer == nil:
			return nil, errors.New("engine requires a context packer when auditing is enabled")
		}
	}
	if cfg.AuditTimeout <= 0 {
		cfg.AuditTimeout = 30 * time.Second
	}
	if cfg.MaxAsyncAudits <= 0 {
		cfg.MaxAsyncAudits = 4
	}
	logger := deps.Logger
	if logger == nil {
		logger = logging.Nop()
	}

	return &Engine{
		cfg:      cfg,
		sessions: deps.Sessions,
		cache:    deps.Cache,
		reviewer: deps.Reviewer,
		contexts: deps.Contexts,
		packer:   deps.Packer,
		trail:    deps.Trail,
		logger:   logger,
		eval:     NewEvaluator(),
		detector: NewDetector(cfg.StagnationStartLoop, cfg.StagnationThreshold),
		branches: make(map[string][]Thought),
		asyncSem: semaphore.NewWeighted(int64(cfg.MaxAsyncAudits)),
	}, nil
}

// HandleToolCall is the tool boundary: raw arguments in, response JSON
// out. The bool reports whether the result is an error payload.
func (e *Engine) HandleToolCall(ctx context.Context, args json.RawMessage) (string, bool) {
	t, err := ParseThought(args)
	if err != nil {
		return marshalResponse(ErrorResponse{Error: err.Error(), Status: "failed"}), true
	}
	resp, err := e.ProcessThought(ctx, t)
	if err != nil {
		return marshalResponse(ErrorResponse{Error: err.Error(), Status: "failed"}), true
	}
	return marshalResponse(resp), false
}

// ProcessThought runs one submission through the audit loop. A non-nil
// error means the thought was rejected before touching any state; every
// failure past that point degrades to a usable response instead.
func (e *Engine) ProcessThought(ctx context.Context, t Thought) (Response, error) {
	if err := t.Validate(); err != nil {
		return Response{}, err
	}
	if t.ThoughtNumber > t.TotalThoughts {
		t.TotalThoughts = t.ThoughtNumber
	}

	base := e.recordThought(t)
	willAudit := e.cfg.EnableAuditing && detect.ShouldAudit(t.Thought)
	e.logThought(t, willAudit)

	sessionID := t.BranchID
	if willAudit && sessionID == "" {
		sessionID = e.newSessionID()
	}
	runID := trail.NewRunID()
	e.record(trail.Event{
		Type:      trail.EventThoughtReceived,
		RunID:     runID,
		SessionID: sessionID,
		Message:   fmt.Sprintf("thought %d/%d audit=%t", t.ThoughtNumber, t.TotalThoughts, willAudit),
	})

	if !willAudit {
		return base, nil
	}

	if !e.cfg.EnableSynchronous {
		e.spawnAsyncAudit(t, sessionID, runID)
		return base, nil
	}

	out, err := e.audit(ctx, t, sessionID, runID)
	if err != nil {
		e.logger.Errorf("audit failed for session %s: %v", sessionID, err)
		e.sessions.HandleFailure(sessionID, err)
		return base, nil
	}
	resp, err := buildResponse(base, out)
	if err != nil {
		e.logger.Errorf("response build failed for session %s: %v", sessionID, err)
		return degradedResponse(base, out), nil
	}
	return resp, nil
}

// Close waits for in-flight background audits, up to the context deadline.
func (e *Engine) Close(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		e.asyncWG.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("background audits still running at shutdown: %w", ctx.Err())
	}
}

// audit runs one full audit pass under the per-session lock: load state,
// merge inline config, keep the reviewer context alive, obtain a review,
// append the iteration, and apply the completion policy. Exactly one
// save persists the whole pass.
func (e *Engine) audit(ctx context.Context, t Thought, sessionID, runID string) (*auditOutcome, error) {
	unlock := e.sessions.Lock(sessionID)
	defer unlock()

	st, err := e.sessions.LoadOrCreate(sessionID, t.LoopID)
	if err != nil {
		return nil, err
	}
	if st.IsComplete {
		e.logger.Debugf("session %s already complete (%s); skipping audit", sessionID, st.CompletionReason)
		return e.completedOutcome(st), nil
	}

	warnings := mergeInlineConfig(t.Thought, &st.Config)
	for _, w := range warnings {
		e.logger.Warnf("session %s: %s", sessionID, w)
	}

	handle := e.ensureContext(ctx, t.LoopID, st, runID)
	rev, res := e.obtainReview(ctx, t, st, handle, runID)

	iter := session.Iteration{
		ThoughtNumber:   t.ThoughtNumber,
		CodeFingerprint: detect.NormalizedCode(t.Thought),
		Review:          rev,
		TimestampMs:     time.Now().UnixMilli(),
	}
	if err := st.Append(iter); err != nil {
		return nil, err
	}

	completion := e.eval.Evaluate(rev.Overall, st.CurrentLoop)

	analysis := e.detector.Analyze(st.Iterations, st.CurrentLoop)
	if analysis.Stagnant && (st.StagnationInfo == nil || !st.StagnationInfo.IsStagnant) {
		st.StagnationInfo = &session.StagnationInfo{
			IsStagnant:      true,
			DetectedAtLoop:  st.CurrentLoop,
			SimilarityScore: analysis.Similarity,
			Recommendation:  analysis.Recommendation,
		}
		completion = CompletionResult{
			IsComplete: true,
			Reason:     ReasonStagnation,
			Message:    "Stagnation detected: " + analysis.Recommendation,
		}
	}

	termination := e.eval.ShouldTerminate(st)
	if termination.ShouldTerminate && !completion.IsComplete {
		completion = CompletionResult{
			IsComplete: true,
			Reason:     terminalReason(st),
			Message:    termination.Reason,
		}
	}

	if completion.IsComplete {
		st.IsComplete = true
		st.CompletionReason = string(completion.Reason)
		if t.LoopID != "" && st.CodexContextActive {
			e.contexts.Terminate(ctx, t.LoopID, string(completion.Reason))
			e.record(trail.Event{
				Type:      trail.EventContextTerminated,
				RunID:     runID,
				SessionID: sessionID,
				Loop:      st.CurrentLoop,
				Reason:    string(completion.Reason),
			})
			st.ClearContext()
		}
		e.record(trail.Event{
			Type:      trail.EventSessionCompleted,
			RunID:     runID,
			SessionID: sessionID,
			Loop:      st.CurrentLoop,
			Reason:    string(completion.Reason),
		})
	}

	if err := e.sessions.Save(st); err != nil {
		return nil, err
	}

	loop := LoopInfo{CurrentLoop: st.CurrentLoop}
	if st.StagnationInfo != nil && st.StagnationInfo.IsStagnant {
		loop.StagnationDetected = true
		loop.Recommendation = st.StagnationInfo.Recommendation
		sim := st.StagnationInfo.SimilarityScore
		loop.SimilarityScore = &sim
	} else if analysis.Analyzed {
		sim := analysis.Similarity
		loop.SimilarityScore = &sim
	}

	outRev := rev
	return &auditOutcome{
		sessionID:   sessionID,
		review:      &outRev,
		completion:  completion,
		termination: termination,
		loopInfo:    loop,
		warnings:    warnings,
		threshold:   st.Config.Threshold,
		cached:      res.cached,
		timedOut:    res.timedOut,
	}, nil
}

// reviewResult is the bookkeeping half of obtainReview's answer.
type reviewResult struct {
	cached   bool
	timedOut bool
}

// obtainReview answers from the cache when it can, otherwise invokes the
// reviewer. Reviewer trouble degrades to the conservative fallback review
// so the loop keeps moving; fallbacks are never cached.
func (e *Engine) obtainReview(ctx context.Context, t Thought, st *session.State, handle, runID string) (review.Review, reviewResult) {
	if rev, ok := e.cache.Get(t.Thought, t.ThoughtNumber); ok {
		e.record(trail.Event{
			Type:      trail.EventAuditCached,
			RunID:     runID,
			SessionID: st.ID,
			Loop:      st.CurrentLoop,
			Verdict:   string(rev.Verdict),
			Score:     rev.Overall,
		})
		return rev, reviewResult{cached: true}
	}

	candidate := detect.ExtractCode(t.Thought)
	if strings.TrimSpace(candidate) == "" {
		candidate = t.Thought
	}

	e.record(trail.Event{
		Type:      trail.EventAuditStarted,
		RunID:     runID,
		SessionID: st.ID,
		Loop:      st.CurrentLoop,
	})

	req := reviewer.AuditRequest{
		Task:          st.Config.Task,
		Candidate:     candidate,
		Context:       e.packer.Pack(ctx, st.Config.Scope, st.Config.Paths, e.cfg.WorkingDir),
		Judges:        st.Config.Judges,
		ContextHandle: handle,
		SessionID:     st.ID,
		RunID:         runID,
	}
	rev, meta, err := e.reviewer.Review(ctx, req, e.cfg.AuditTimeout)
	switch {
	case err == nil:
		e.cache.Put(t.Thought, t.ThoughtNumber, rev)
		e.record(trail.Event{
			Type:       trail.EventAuditCompleted,
			RunID:      runID,
			SessionID:  st.ID,
			Loop:       st.CurrentLoop,
			Verdict:    string(rev.Verdict),
			Score:      rev.Overall,
			DurationMs: meta.Duration.Milliseconds(),
		})
		return rev, reviewResult{}

	case errors.Is(err, reviewer.ErrTimedOut) || meta.TimedOut:
		e.logger.Warnf("audit timed out for session %s after %s", st.ID, e.cfg.AuditTimeout)
		e.record(trail.Event{
			Type:       trail.EventAuditTimeout,
			RunID:      runID,
			SessionID:  st.ID,
			Loop:       st.CurrentLoop,
			DurationMs: meta.Duration.Milliseconds(),
		})
		return review.TimeoutFallback(e.cfg.AuditTimeout), reviewResult{timedOut: true}

	default:
		e.logger.Warnf("reviewer failed for session %s: %v", st.ID, err)
		return review.Fallback(fmt.Sprintf("Audit could not run: %v. The candidate was not evaluated; continue iterating and the next submission will be re-audited.", err)), reviewResult{}
	}
}

// ensureContext keeps the reviewer context for loopID alive and returns
// its handle, or "" when no context is available this pass. A reviewer
// that forgot the handle gets it cleared; the next pass re-starts it.
func (e *Engine) ensureContext(ctx context.Context, loopID string, st *session.State, runID string) string {
	if loopID == "" {
		return ""
	}
	if st.CodexContextActive && st.CodexContextID != "" {
		if e.contexts.Maintain(ctx, loopID, st.CodexContextID) {
			return st.CodexContextID
		}
		e.logger.Warnf("reviewer lost context for loop %s; will restart next pass", loopID)
		st.ClearContext()
		return ""
	}

	handle, err := e.contexts.Start(ctx, loopID)
	if err != nil {
		e.logger.Warnf("context start failed for loop %s (non-fatal): %v", loopID, err)
		return ""
	}
	st.SetContext(handle)
	e.record(trail.Event{
		Type:      trail.EventContextStarted,
		RunID:     runID,
		SessionID: st.ID,
		Loop:      st.CurrentLoop,
		Message:   "loop " + loopID,
	})
	return handle
}

// completedOutcome answers a submission against a session that already
// reached a terminal state. Nothing is appended or re-audited.
func (e *Engine) completedOutcome(st *session.State) *auditOutcome {
	out := &auditOutcome{
		sessionID: st.ID,
		completion: CompletionResult{
			IsComplete: true,
			Reason:     CompletionReason(st.CompletionReason),
			Message:    "Session already complete; no further iterations are accepted.",
		},
		termination: e.eval.ShouldTerminate(st),
		loopInfo:    LoopInfo{CurrentLoop: st.CurrentLoop},
		threshold:   st.Config.Threshold,
	}
	if st.StagnationInfo != nil && st.StagnationInfo.IsStagnant {
		out.loopInfo.StagnationDetected = true
		out.loopInfo.Recommendation = st.StagnationInfo.Recommendation
		sim := st.StagnationInfo.SimilarityScore
		out.loopInfo.SimilarityScore = &sim
	}
	if last := st.LastReview(); last != nil {
		rev := *last
		out.review = &rev
	}
	return out
}

// spawnAsyncAudit runs the audit in the background. The pool is bounded;
// at capacity the audit is skipped rather than queued, and the submission
// still gets its baseline response.
func (e *Engine) spawnAsyncAudit(t Thought, sessionID, runID string) {
	if !e.asyncSem.TryAcquire(1) {
		e.logger.Warnf("background audit pool full; skipping audit for session %s thought %d", sessionID, t.ThoughtNumber)
		return
	}
	e.asyncWG.Add(1)
	go func() {
		defer e.asyncWG.Done()
		defer e.asyncSem.Release(1)

		// The inbound request context dies with the response, so the
		// background audit gets its own bounded lifetime.
		ctx, cancel := context.WithTimeout(context.Background(), e.cfg.AuditTimeout+asyncAuditGrace)
		defer cancel()

		if _, err := e.audit(ctx, t, sessionID, runID); err != nil {
			e.logger.Errorf("background audit failed for session %s: %v", sessionID, err)
			e.sessions.HandleFailure(sessionID, err)
		}
	}()
}

// recordThought appends to the in-process history and returns the
// baseline response echo. Branch names are reported sorted so the
// envelope is deterministic.
func (e *Engine) recordThought(t Thought) Response {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.history = append(e.history, t)
	if t.BranchID != "" {
		e.branches[t.BranchID] = append(e.branches[t.BranchID], t)
	}
	names := make([]string, 0, len(e.branches))
	for name := range e.branches {
		names = append(names, name)
	}
	sort.Strings(names)

	return Response{
		ThoughtNumber:        t.ThoughtNumber,
		TotalThoughts:        t.TotalThoughts,
		NextThoughtNeeded:    t.NextThoughtNeeded,
		Branches:             names,
		ThoughtHistoryLength: len(e.history),
	}
}

// logThought emits the single per-thought log line, unless disabled.
func (e *Engine) logThought(t Thought, willAudit bool) {
	if e.cfg.DisableThoughtLogging {
		return
	}
	marker := ""
	switch {
	case t.IsRevision:
		marker = fmt.Sprintf(" (revises thought %d)", t.RevisesThought)
	case t.BranchFromThought > 0:
		marker = fmt.Sprintf(" (branch %q from thought %d)", t.BranchID, t.BranchFromThought)
	}
	e.logger.Infof("thought %d/%d%s audit=%t: %s", t.ThoughtNumber, t.TotalThoughts, marker, willAudit, t.Preview(thoughtPreviewLen))
}

// newSessionID synthesizes a session id for an audited thought that
// carried no branchId. Strictly monotonic so rapid calls never collide.
func (e *Engine) newSessionID() string {
	e.mu.Lock()
	defer e.mu.Unlock()

	ms := time.Now().UnixMilli()
	if ms <= e.lastSyntheticMs {
		ms = e.lastSyntheticMs + 1
	}
	e.lastSyntheticMs = ms
	return fmt.Sprintf("session-%d", ms)
}

// record writes one trail event, stamping the time. Trail failures are
// logged and swallowed; the trail never blocks serving.
func (e *Engine) record(ev trail.Event) {
	if e.trail == nil {
		return
	}
	ev.Timestamp = time.Now()
	if err := e.trail.WriteOne(ev); err != nil {
		e.logger.Debugf("trail write failed: %v", err)
	}
}

func marshalResponse(v interface{}) string {
	b, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Sprintf("{\n  \"error\": %q,\n  \"status\": \"failed\"\n}", "response marshal failed: "+err.Error())
	}
	return string(b)
}
