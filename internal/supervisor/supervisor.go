// Package supervisor runs reviewer child processes under a global
// concurrency cap. Requests beyond the cap wait in FIFO order for a
// bounded time; timed-out children get a graceful signal first and a
// kill only after the cleanup grace period.
package supervisor

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"os/exec"
	"strings"
	"sync"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"github.com/DRCubix/GansAuditor-Codex-sub000/internal/logging"
)

// Kind classifies spawn-level failures. Ordinary non-zero exits are not
// kinds; callers read ExitCode for those.
type Kind string

const (
	// KindNotFound means the executable could not be located.
	KindNotFound Kind = "not_found"
	// KindPermission means the executable was found but not runnable.
	KindPermission Kind = "permission"
	// KindBadCwd means the requested working directory is unusable.
	KindBadCwd Kind = "bad_cwd"
	// KindQueueTimeout means the request waited too long for a slot.
	KindQueueTimeout Kind = "queue_timeout"
	// KindSpawn covers start failures with no more specific cause.
	KindSpawn Kind = "spawn_failed"
)

// Spec describes one child process invocation.
type Spec struct {
	Command    string
	Args       []string
	Env        []string // KEY=VALUE pairs appended to the parent environment
	WorkingDir string
	Stdin      string
	Timeout    time.Duration
}

// Result reports everything about a finished invocation. Execute never
// returns an error; failures land here.
type Result struct {
	Stdout   string
	Stderr   string
	ExitCode int
	TimedOut bool
	Duration time.Duration
	ErrKind  Kind
	Err      error
}

// Health is a point-in-time snapshot of supervisor activity.
type Health struct {
	Active            int     `json:"active"`
	TotalExecuted     int64   `json:"totalExecuted"`
	Successful        int64   `json:"successful"`
	Failed            int64   `json:"failed"`
	AverageDurationMs float64 `json:"averageDurationMs"`
	LastDurationMs    int64   `json:"lastDurationMs"`
	IsHealthy         bool    `json:"isHealthy"`
}

// unhealthyAfter is how many consecutive failures mark the supervisor
// unhealthy. A single flaky call should not flip the flag.
const unhealthyAfter = 5

// Supervisor enforces the process cap and tracks child lifecycles.
type Supervisor struct {
	sem            *semaphore.Weighted
	maxConcurrent  int
	queueTimeout   time.Duration
	cleanupTimeout time.Duration
	logger         logging.Logger

	mu                  sync.Mutex
	live                map[*exec.Cmd]chan struct{}
	active              int
	totalExecuted       int64
	successful          int64
	failed              int64
	consecutiveFailures int
	totalDuration       time.Duration
	lastDuration        time.Duration
}

// New returns a supervisor capping concurrent children at maxConcurrent.
func New(maxConcurrent int, queueTimeout, cleanupTimeout time.Duration, logger logging.Logger) *Supervisor {
	if maxConcurrent < 1 {
		maxConcurrent = 1
	}
	if queueTimeout <= 0 {
		queueTimeout = 30 * time.Second
	}
	if cleanupTimeout <= 0 {
		cleanupTimeout = 5 * time.Second
	}
	if logger == nil {
		logger = logging.Nop()
	}
	return &Supervisor{
		sem:            semaphore.NewWeighted(int64(maxConcurrent)),
		maxConcurrent:  maxConcurrent,
		queueTimeout:   queueTimeout,
		cleanupTimeout: cleanupTimeout,
		logger:         logger,
		live:           make(map[*exec.Cmd]chan struct{}),
	}
}

// Execute runs one child process and reports the outcome through the
// Result, never an error. Spawn failures fail fast without retry.
func (s *Supervisor) Execute(ctx context.Context, spec Spec) Result {
	queueCtx, cancelQueue := context.WithTimeout(ctx, s.queueTimeout)
	defer cancelQueue()
	if err := s.sem.Acquire(queueCtx, 1); err != nil {
		return Result{
			ExitCode: -1,
			ErrKind:  KindQueueTimeout,
			Err:      fmt.Errorf("no process slot within %s: %w", s.queueTimeout, err),
		}
	}
	defer s.sem.Release(1)

	if spec.WorkingDir != "" {
		info, err := os.Stat(spec.WorkingDir)
		if err != nil || !info.IsDir() {
			s.recordSpawnFailure()
			return Result{
				ExitCode: -1,
				ErrKind:  KindBadCwd,
				Err:      fmt.Errorf("working directory %s is unusable: %v", spec.WorkingDir, err),
			}
		}
	}

	timeout := spec.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	procCtx, cancelProc := context.WithTimeout(ctx, timeout)
	defer cancelProc()

	var stdout, stderr bytes.Buffer
	cmd := exec.CommandContext(procCtx, spec.Command, spec.Args...)
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if spec.Stdin != "" {
		cmd.Stdin = strings.NewReader(spec.Stdin)
	}
	if spec.WorkingDir != "" {
		cmd.Dir = spec.WorkingDir
	}
	if len(spec.Env) > 0 {
		cmd.Env = append(os.Environ(), spec.Env...)
	}
	// Deadline expiry sends SIGTERM; WaitDelay escalates to SIGKILL if
	// the child lingers past the cleanup grace period.
	cmd.Cancel = func() error {
		return cmd.Process.Signal(syscall.SIGTERM)
	}
	cmd.WaitDelay = s.cleanupTimeout

	start := time.Now()
	if err := cmd.Start(); err != nil {
		s.recordSpawnFailure()
		return Result{
			ExitCode: -1,
			ErrKind:  classifySpawnError(err),
			Err:      fmt.Errorf("failed to start %s: %w", spec.Command, err),
		}
	}

	done := make(chan struct{})
	s.mu.Lock()
	s.live[cmd] = done
	s.active++
	s.mu.Unlock()

	waitErr := cmd.Wait()
	duration := time.Since(start)
	close(done)

	timedOut := errors.Is(procCtx.Err(), context.DeadlineExceeded)
	exitCode := cmd.ProcessState.ExitCode()
	success := waitErr == nil && !timedOut

	s.mu.Lock()
	delete(s.live, cmd)
	s.active--
	s.totalExecuted++
	s.totalDuration += duration
	s.lastDuration = duration
	if success {
		s.successful++
		s.consecutiveFailures = 0
	} else {
		s.failed++
		s.consecutiveFailures++
	}
	s.mu.Unlock()

	if timedOut {
		s.logger.Warnf("%s timed out after %s", spec.Command, timeout)
	} else if exitCode != 0 {
		s.logger.Warnf("%s exited with code %d: %s", spec.Command, exitCode, truncate(stderr.String(), 500))
	}

	return Result{
		Stdout:   stdout.String(),
		Stderr:   stderr.String(),
		ExitCode: exitCode,
		TimedOut: timedOut,
		Duration: duration,
		Err:      waitErr,
	}
}

// TerminateAll signals every live child gracefully, escalates to a kill
// after the cleanup grace period, and returns once all are reaped.
func (s *Supervisor) TerminateAll() {
	s.mu.Lock()
	procs := make(map[*exec.Cmd]chan struct{}, len(s.live))
	for cmd, done := range s.live {
		procs[cmd] = done
	}
	s.mu.Unlock()

	if len(procs) == 0 {
		return
	}
	s.logger.Infof("terminating %d live child process(es)", len(procs))

	var g errgroup.Group
	for cmd, done := range procs {
		cmd, done := cmd, done
		g.Go(func() error {
			if cmd.Process != nil {
				_ = cmd.Process.Signal(syscall.SIGTERM)
			}
			select {
			case <-done:
				return nil
			case <-time.After(s.cleanupTimeout):
			}
			if cmd.Process != nil {
				_ = cmd.Process.Kill()
			}
			<-done
			return nil
		})
	}
	_ = g.Wait()
}

// ActiveCount returns how many children are running right now.
func (s *Supervisor) ActiveCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.active
}

// Health reports activity counters and an overall health flag.
func (s *Supervisor) Health() Health {
	s.mu.Lock()
	defer s.mu.Unlock()

	var avg float64
	if s.totalExecuted > 0 {
		avg = float64(s.totalDuration.Milliseconds()) / float64(s.totalExecuted)
	}
	return Health{
		Active:            s.active,
		TotalExecuted:     s.totalExecuted,
		Successful:        s.successful,
		Failed:            s.failed,
		AverageDurationMs: avg,
		LastDurationMs:    s.lastDuration.Milliseconds(),
		IsHealthy:         s.consecutiveFailures < unhealthyAfter,
	}
}

// recordSpawnFailure counts a child that never started.
func (s *Supervisor) recordSpawnFailure() {
	s.mu.Lock()
	s.totalExecuted++
	s.failed++
	s.consecutiveFailures++
	s.mu.Unlock()
}

// classifySpawnError maps a Start error onto a failure kind.
func classifySpawnError(err error) Kind {
	switch {
	case errors.Is(err, exec.ErrNotFound) || errors.Is(err, fs.ErrNotExist):
		return KindNotFound
	case errors.Is(err, fs.ErrPermission):
		return KindPermission
	default:
		return KindSpawn
	}
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
