package reviewer

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/DRCubix/GansAuditor-Codex-sub000/internal/logging"
	"github.com/DRCubix/GansAuditor-Codex-sub000/internal/supervisor"
)

// contextCommandTimeout bounds the reviewer's context subcommands, which
// are bookkeeping calls and never do real review work.
const contextCommandTimeout = 15 * time.Second

// notFoundMarker is the literal the reviewer prints when asked about a
// context it no longer holds.
const notFoundMarker = "context not found"

// ContextManager tracks the reviewer's persistent contexts, one per audit
// loop. Handles are opaque strings issued by the reviewer CLI's
// `context start` subcommand.
type ContextManager struct {
	runner  CommandRunner
	logger  logging.Logger
	command string
	env     []string
	workdir string

	mu      sync.Mutex
	handles map[string]string // loopID -> handle
}

// NewContextManager builds a ContextManager sharing the client's reviewer
// invocation settings.
func NewContextManager(cfg ClientConfig, runner CommandRunner, logger logging.Logger) *ContextManager {
	if cfg.Command == "" {
		cfg.Command = "codex"
	}
	if logger == nil {
		logger = logging.Nop()
	}
	return &ContextManager{
		runner:  runner,
		logger:  logger,
		command: cfg.Command,
		env:     cfg.Env,
		workdir: cfg.WorkingDir,
		handles: make(map[string]string),
	}
}

// Start establishes a reviewer context for loopID. Empty output from the
// reviewer is a hard failure; a context that cannot be named cannot be
// maintained or torn down later.
func (m *ContextManager) Start(ctx context.Context, loopID string) (string, error) {
	res := m.run(ctx, "start", loopID)
	if res.Err != nil {
		return "", fmt.Errorf("context start for loop %s: %w", loopID, res.Err)
	}
	handle := firstLine(res.Stdout)
	if handle == "" {
		return "", fmt.Errorf("context start for loop %s returned no handle", loopID)
	}

	m.mu.Lock()
	m.handles[loopID] = handle
	m.mu.Unlock()

	m.logger.Debugf("started reviewer context %s for loop %s", handle, loopID)
	return handle, nil
}

// Maintain refreshes the reviewer context for loopID and reports whether
// the handle is still live. handle is the caller's durable copy and
// reseeds the local mapping after a restart; pass "" to use only what the
// manager already knows. Most failures are non-fatal; only the reviewer
// answering "context not found" clears the mapping.
func (m *ContextManager) Maintain(ctx context.Context, loopID, handle string) bool {
	m.mu.Lock()
	if known, ok := m.handles[loopID]; ok {
		handle = known
	} else if handle != "" {
		m.handles[loopID] = handle
	}
	m.mu.Unlock()
	if handle == "" {
		return false
	}

	res := m.run(ctx, "maintain", handle)
	if strings.Contains(res.Stderr, notFoundMarker) {
		m.logger.Warnf("reviewer lost context %s for loop %s, will restart", handle, loopID)
		m.mu.Lock()
		if m.handles[loopID] == handle {
			delete(m.handles, loopID)
		}
		m.mu.Unlock()
		return false
	}
	if res.Err != nil {
		m.logger.Debugf("context maintain for loop %s failed (non-fatal): %v", loopID, res.Err)
	}
	return true
}

// Terminate tears down the context for loopID. The local mapping is
// removed even when the reviewer call fails, so a broken reviewer cannot
// pin handles forever.
func (m *ContextManager) Terminate(ctx context.Context, loopID, reason string) {
	m.mu.Lock()
	handle, ok := m.handles[loopID]
	delete(m.handles, loopID)
	m.mu.Unlock()
	if !ok {
		return
	}

	res := m.run(ctx, "terminate", handle, "--reason", reason)
	if res.Err != nil {
		m.logger.Warnf("context terminate %s (loop %s): %v", handle, loopID, res.Err)
		return
	}
	m.logger.Debugf("terminated reviewer context %s for loop %s (%s)", handle, loopID, reason)
}

// Sweep probes every known handle with `context status` and drops the
// ones the reviewer no longer recognizes. Transient failures keep the
// mapping. Returns how many mappings were dropped.
func (m *ContextManager) Sweep(ctx context.Context) int {
	m.mu.Lock()
	snapshot := make(map[string]string, len(m.handles))
	for loopID, handle := range m.handles {
		snapshot[loopID] = handle
	}
	m.mu.Unlock()

	dropped := 0
	for loopID, handle := range snapshot {
		res := m.run(ctx, "status", handle)
		if !strings.Contains(res.Stderr, notFoundMarker) {
			continue
		}
		m.mu.Lock()
		// The handle may have been replaced while we were probing.
		if m.handles[loopID] == handle {
			delete(m.handles, loopID)
			dropped++
		}
		m.mu.Unlock()
	}

	if dropped > 0 {
		m.logger.Infof("context sweep dropped %d stale handle(s)", dropped)
	}
	return dropped
}

// TerminateAll terminates every live context in parallel.
func (m *ContextManager) TerminateAll(ctx context.Context, reason string) {
	m.mu.Lock()
	loopIDs := make([]string, 0, len(m.handles))
	for loopID := range m.handles {
		loopIDs = append(loopIDs, loopID)
	}
	m.mu.Unlock()

	var g errgroup.Group
	for _, loopID := range loopIDs {
		g.Go(func() error {
			m.Terminate(ctx, loopID, reason)
			return nil
		})
	}
	_ = g.Wait()
}

// Handle returns the live handle for loopID, if any.
func (m *ContextManager) Handle(loopID string) (string, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	handle, ok := m.handles[loopID]
	return handle, ok
}

// ActiveCount reports how many contexts are live.
func (m *ContextManager) ActiveCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.handles)
}

func (m *ContextManager) run(ctx context.Context, args ...string) supervisor.Result {
	return m.runner.Execute(ctx, supervisor.Spec{
		Command:    m.command,
		Args:       append([]string{"context"}, args...),
		Env:        m.env,
		WorkingDir: m.workdir,
		Timeout:    contextCommandTimeout,
	})
}

// firstLine returns the first non-empty line of s, trimmed.
func firstLine(s string) string {
	for _, line := range strings.Split(s, "\n") {
		if t := strings.TrimSpace(line); t != "" {
			return t
		}
	}
	return ""
}
