package mcp

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/DRCubix/GansAuditor-Codex-sub000/internal/logging"
)

const (
	// maxLineBytes bounds a single inbound message. Thoughts carry whole
	// code candidates, so the limit is generous.
	maxLineBytes = 10 << 20

	defaultMaxConcurrent = 8
	defaultDrainTimeout  = 10 * time.Second
)

// nullID is the id used when the request id could not be read.
var nullID = json.RawMessage("null")

// ToolHandler executes one tools/call invocation. The returned string is
// the JSON text placed in the result content; isError marks rejected
// arguments.
type ToolHandler interface {
	HandleToolCall(ctx context.Context, args json.RawMessage) (text string, isError bool)
}

// ServerConfig carries the identity and limits of a Server.
type ServerConfig struct {
	// Name and Version fill the serverInfo block of the initialize result.
	Name    string
	Version string

	// MaxConcurrent bounds in-flight tools/call invocations. Further calls
	// queue until a slot frees.
	MaxConcurrent int

	// DrainTimeout bounds the wait for in-flight calls after input ends.
	DrainTimeout time.Duration

	// In and Out default to stdin and stdout.
	In  io.Reader
	Out io.Writer
}

// periodicTask is a named maintenance function run on a fixed cadence
// while the server is serving.
type periodicTask struct {
	name  string
	every time.Duration
	run   func(context.Context)
}

// Server reads JSON-RPC requests line by line, dispatches tool calls to
// its handler, and writes one response per line. Responses to concurrent
// tool calls may interleave; ids correlate them.
type Server struct {
	cfg     ServerConfig
	tool    Tool
	handler ToolHandler
	logger  logging.Logger

	sem      *semaphore.Weighted
	calls    sync.WaitGroup
	writeMu  sync.Mutex
	periodic []periodicTask
}

// NewServer builds a Server around the given tool handler.
func NewServer(cfg ServerConfig, handler ToolHandler, logger logging.Logger) *Server {
	if cfg.MaxConcurrent <= 0 {
		cfg.MaxConcurrent = defaultMaxConcurrent
	}
	if cfg.DrainTimeout <= 0 {
		cfg.DrainTimeout = defaultDrainTimeout
	}
	if cfg.In == nil {
		cfg.In = os.Stdin
	}
	if cfg.Out == nil {
		cfg.Out = os.Stdout
	}
	if logger == nil {
		logger = logging.Nop()
	}
	return &Server{
		cfg:     cfg,
		tool:    AuditTool(),
		handler: handler,
		logger:  logger,
		sem:     semaphore.NewWeighted(int64(cfg.MaxConcurrent)),
	}
}

// AddPeriodic registers a maintenance task run every interval while the
// server is serving. Must be called before Serve.
func (s *Server) AddPeriodic(name string, every time.Duration, run func(context.Context)) {
	s.periodic = append(s.periodic, periodicTask{name: name, every: every, run: run})
}

// Serve reads requests until input ends or ctx is cancelled, then waits
// for in-flight tool calls to drain. A clean end of input returns nil.
func (s *Server) Serve(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	var tasks sync.WaitGroup
	for _, task := range s.periodic {
		tasks.Add(1)
		go func(p periodicTask) {
			defer tasks.Done()
			s.runPeriodic(runCtx, p)
		}(task)
	}

	lines := make(chan []byte)
	readErr := make(chan error, 1)
	go s.readLines(runCtx, lines, readErr)

	s.logger.Infof("mcp server %s %s listening", s.cfg.Name, s.cfg.Version)

loop:
	for {
		select {
		case <-runCtx.Done():
			break loop
		case line, ok := <-lines:
			if !ok {
				break loop
			}
			s.dispatch(runCtx, line)
		}
	}

	select {
	case err := <-readErr:
		if err != nil {
			s.logger.Warnf("input read error: %v", err)
		}
	default:
	}

	drainErr := s.drainCalls()
	cancel()
	tasks.Wait()
	s.logger.Infof("mcp server stopped")
	return drainErr
}

// readLines feeds non-empty input lines to the dispatch loop. The send
// select lets the goroutine exit once the server stops consuming.
func (s *Server) readLines(ctx context.Context, lines chan<- []byte, done chan<- error) {
	scanner := bufio.NewScanner(s.cfg.In)
	scanner.Buffer(make([]byte, 64*1024), maxLineBytes)
	for scanner.Scan() {
		line := append([]byte(nil), scanner.Bytes()...)
		if len(bytes.TrimSpace(line)) == 0 {
			continue
		}
		select {
		case lines <- line:
		case <-ctx.Done():
			return
		}
	}
	close(lines)
	done <- scanner.Err()
}

// dispatch routes one raw request line.
func (s *Server) dispatch(ctx context.Context, line []byte) {
	var req Request
	if err := json.Unmarshal(line, &req); err != nil {
		s.replyError(nullID, CodeParseError, fmt.Sprintf("parse error: %v", err))
		return
	}
	if req.isNotification() {
		s.logger.Debugf("notification %s", req.Method)
		return
	}
	switch req.Method {
	case "initialize":
		s.logger.Infof("client connected via initialize")
		s.replyResult(req.ID, initializeResult{
			ProtocolVersion: protocolVersion,
			Capabilities:    map[string]interface{}{"tools": struct{}{}},
			ServerInfo:      serverInfo{Name: s.cfg.Name, Version: s.cfg.Version},
		})
	case "ping":
		s.replyResult(req.ID, struct{}{})
	case "tools/list":
		s.replyResult(req.ID, listToolsResult{Tools: []Tool{s.tool}})
	case "tools/call":
		s.dispatchToolCall(ctx, req)
	default:
		s.replyError(req.ID, CodeMethodNotFound, fmt.Sprintf("method %q not found", req.Method))
	}
}

// dispatchToolCall runs the handler on its own goroutine so long audits
// never block the read loop. The semaphore bounds in-flight calls.
func (s *Server) dispatchToolCall(ctx context.Context, req Request) {
	var params callParams
	if err := json.Unmarshal(req.Params, &params); err != nil {
		s.replyError(req.ID, CodeInvalidParams, fmt.Sprintf("invalid tools/call params: %v", err))
		return
	}
	if params.Name != s.tool.Name {
		s.replyError(req.ID, CodeMethodNotFound, fmt.Sprintf("unknown tool %q", params.Name))
		return
	}
	s.calls.Add(1)
	go func() {
		defer s.calls.Done()
		if err := s.sem.Acquire(ctx, 1); err != nil {
			s.replyError(req.ID, CodeInternalError, "server shutting down")
			return
		}
		defer s.sem.Release(1)
		text, isErr := s.handler.HandleToolCall(ctx, params.Arguments)
		s.replyResult(req.ID, CallToolResult{
			Content: []ToolContent{{Type: "text", Text: text}},
			IsError: isErr,
		})
	}()
}

// drainCalls waits for in-flight tool calls, bounded by DrainTimeout.
func (s *Server) drainCalls() error {
	done := make(chan struct{})
	go func() {
		s.calls.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-time.After(s.cfg.DrainTimeout):
		return fmt.Errorf("tool calls still in flight after %s drain", s.cfg.DrainTimeout)
	}
}

func (s *Server) runPeriodic(ctx context.Context, task periodicTask) {
	ticker := time.NewTicker(task.every)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.logger.Debugf("running periodic task %s", task.name)
			task.run(ctx)
		}
	}
}

func (s *Server) replyResult(id json.RawMessage, result interface{}) {
	s.reply(Response{JSONRPC: jsonRPCVersion, ID: id, Result: result})
}

func (s *Server) replyError(id json.RawMessage, code int, message string) {
	s.reply(Response{JSONRPC: jsonRPCVersion, ID: id, Error: &Error{Code: code, Message: message}})
}

// reply writes one response as a single line. The mutex keeps concurrent
// tool-call responses from interleaving bytes.
func (s *Server) reply(resp Response) {
	data, err := json.Marshal(resp)
	if err != nil {
		s.logger.Errorf("response marshal failed: %v", err)
		return
	}
	data = append(data, '\n')
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	if _, err := s.cfg.Out.Write(data); err != nil {
		s.logger.Errorf("response write failed: %v", err)
	}
}
