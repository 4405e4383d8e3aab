// Package reviewer drives the external reviewer CLI: prompt assembly,
// invocation through the process supervisor, reply parsing, and the
// persistent reviewer contexts that span an audit loop.
package reviewer

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/DRCubix/GansAuditor-Codex-sub000/internal/logging"
	"github.com/DRCubix/GansAuditor-Codex-sub000/internal/review"
	"github.com/DRCubix/GansAuditor-Codex-sub000/internal/rubric"
	"github.com/DRCubix/GansAuditor-Codex-sub000/internal/supervisor"
)

// ErrTimedOut reports that the reviewer did not answer within the audit
// timeout. The engine substitutes the conservative fallback review.
var ErrTimedOut = errors.New("reviewer timed out")

// CommandRunner runs one supervised child process.
type CommandRunner interface {
	Execute(ctx context.Context, spec supervisor.Spec) supervisor.Result
}

// ClientConfig describes how the reviewer binary is invoked.
type ClientConfig struct {
	// Command is the reviewer binary name or path.
	Command string
	// Args are the base arguments for an audit invocation. The prompt
	// itself always travels over stdin.
	Args []string
	// Env is extra environment in KEY=VALUE form, secrets already resolved.
	Env []string
	// WorkingDir is the repository the reviewer inspects.
	WorkingDir string
	// ContextTokenLimit bounds the assembled prompt.
	ContextTokenLimit int
}

// AuditRequest carries everything needed for one reviewer invocation.
type AuditRequest struct {
	Task          string
	Candidate     string
	Context       string
	Judges        []string
	ContextHandle string
	SessionID     string
	RunID         string
}

// Meta describes how an audit reply was produced.
type Meta struct {
	Duration time.Duration
	TimedOut bool
}

// Client invokes the reviewer binary and parses its reply into a Review.
type Client struct {
	runner CommandRunner
	logger logging.Logger

	command    string
	args       []string
	env        []string
	workdir    string
	tokenLimit int

	header    string
	rubric    string
	contract  string
	catalogue []string
}

// NewClient builds a Client, loading the embedded rubric once.
func NewClient(cfg ClientConfig, runner CommandRunner, logger logging.Logger) (*Client, error) {
	if cfg.Command == "" {
		cfg.Command = "codex"
	}
	if len(cfg.Args) == 0 {
		cfg.Args = []string{"exec", "--json"}
	}
	if cfg.ContextTokenLimit <= 0 {
		cfg.ContextTokenLimit = 32000
	}
	if logger == nil {
		logger = logging.Nop()
	}

	manifest, err := rubric.LoadManifest()
	if err != nil {
		return nil, fmt.Errorf("failed to load rubric: %w", err)
	}
	sections, err := rubric.LoadSections(manifest)
	if err != nil {
		return nil, fmt.Errorf("failed to load rubric sections: %w", err)
	}
	byName := make(map[string]string, len(sections))
	for _, s := range sections {
		byName[s.Entry.Name] = s.Content
	}
	for _, name := range []string{"header", "rubric", "output_contract"} {
		if byName[name] == "" {
			return nil, fmt.Errorf("rubric manifest missing %q section", name)
		}
	}

	return &Client{
		runner:     runner,
		logger:     logger,
		command:    cfg.Command,
		args:       cfg.Args,
		env:        cfg.Env,
		workdir:    cfg.WorkingDir,
		tokenLimit: cfg.ContextTokenLimit,
		header:     byName["header"],
		rubric:     byName["rubric"],
		contract:   byName["output_contract"],
		catalogue:  manifest.CatalogueLines(),
	}, nil
}

// Review runs one audit against the reviewer. Timeouts surface as
// ErrTimedOut with Meta.TimedOut set; parse failures as ErrBadReply. The
// client never fabricates a review.
func (c *Client) Review(ctx context.Context, req AuditRequest, timeout time.Duration) (review.Review, Meta, error) {
	prompt := c.BuildPrompt(req)

	args := append([]string(nil), c.args...)
	if req.ContextHandle != "" {
		args = append(args, "--context", req.ContextHandle)
	}

	res := c.runner.Execute(ctx, supervisor.Spec{
		Command:    c.command,
		Args:       args,
		Env:        c.env,
		WorkingDir: c.workdir,
		Stdin:      prompt,
		Timeout:    timeout,
	})
	meta := Meta{Duration: res.Duration, TimedOut: res.TimedOut}

	if res.TimedOut {
		return review.Review{}, meta, fmt.Errorf("%w after %s", ErrTimedOut, timeout)
	}
	if res.ErrKind != "" {
		return review.Review{}, meta, fmt.Errorf("reviewer %s: %w", res.ErrKind, res.Err)
	}
	if res.Err != nil && strings.TrimSpace(res.Stdout) == "" {
		return review.Review{}, meta, fmt.Errorf("reviewer failed (exit %d): %w", res.ExitCode, res.Err)
	}

	// A non-zero exit with parseable output on stdout still counts; some
	// reviewer versions exit 1 after emitting a reject verdict.
	rev, err := ParseReply([]byte(res.Stdout))
	if err != nil {
		c.logger.Warnf("reviewer reply unparseable for session %s: %v", req.SessionID, err)
		return review.Review{}, meta, err
	}
	return rev, meta, nil
}
