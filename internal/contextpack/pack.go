// Package contextpack assembles the repository context handed to the
// reviewer alongside the candidate code. Every scope is bounded; the packer
// never produces an unbounded blob, and truncation is always marked inline.
package contextpack

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/DRCubix/GansAuditor-Codex-sub000/internal/logging"
	"github.com/DRCubix/GansAuditor-Codex-sub000/internal/session"
	"github.com/DRCubix/GansAuditor-Codex-sub000/internal/supervisor"
)

const (
	defaultMaxFileBytes  = 32 * 1024
	defaultMaxTotalBytes = 256 * 1024
	defaultMaxFiles      = 50
	defaultMaxDepth      = 6

	diffTimeout = 10 * time.Second

	truncationMarker = "… (truncated)"
)

// prunedDirs are directories never walked for workspace context.
var prunedDirs = map[string]bool{
	".git":         true,
	"node_modules": true,
	"vendor":       true,
	".venv":        true,
	"__pycache__":  true,
	"dist":         true,
	"build":        true,
	"target":       true,
	".next":        true,
}

// manifestFiles get their heads included in workspace scope when present.
var manifestFiles = []string{
	"go.mod",
	"package.json",
	"pyproject.toml",
	"Cargo.toml",
	"Makefile",
	"README.md",
}

// CommandRunner runs one supervised child process.
type CommandRunner interface {
	Execute(ctx context.Context, spec supervisor.Spec) supervisor.Result
}

// Packer builds the labeled, size-capped context block for one audit.
type Packer struct {
	runner CommandRunner
	logger logging.Logger

	maxFileBytes  int
	maxTotalBytes int
	maxFiles      int
	maxDepth      int
}

// NewPacker returns a Packer with the default bounds.
func NewPacker(runner CommandRunner, logger logging.Logger) *Packer {
	if logger == nil {
		logger = logging.Nop()
	}
	return &Packer{
		runner:        runner,
		logger:        logger,
		maxFileBytes:  defaultMaxFileBytes,
		maxTotalBytes: defaultMaxTotalBytes,
		maxFiles:      defaultMaxFiles,
		maxDepth:      defaultMaxDepth,
	}
}

// Pack assembles the context block for the given scope. It never fails:
// whatever could not be gathered is noted in place of its section.
func (p *Packer) Pack(ctx context.Context, scope session.Scope, paths []string, workdir string) string {
	b := newBudget(p.maxTotalBytes)

	switch scope {
	case session.ScopePaths:
		p.packPaths(paths, workdir, b)
	case session.ScopeWorkspace:
		p.packWorkspace(workdir, b)
	default:
		p.packDiff(ctx, workdir, b)
	}

	return b.String()
}

// packDiff captures local changes: git diff HEAD, falling back to the
// staged diff when the working tree is clean.
func (p *Packer) packDiff(ctx context.Context, workdir string, b *budget) {
	out := p.git(ctx, workdir, "diff", "HEAD")
	label := "## git diff (HEAD)"
	if strings.TrimSpace(out) == "" {
		out = p.git(ctx, workdir, "diff", "--cached")
		label = "## git diff (staged)"
	}
	if strings.TrimSpace(out) == "" {
		b.writeSection("## git diff", "no local changes detected")
		return
	}
	b.writeSection(label, out)
}

func (p *Packer) git(ctx context.Context, workdir string, args ...string) string {
	res := p.runner.Execute(ctx, supervisor.Spec{
		Command:    "git",
		Args:       args,
		WorkingDir: workdir,
		Timeout:    diffTimeout,
	})
	if res.Err != nil {
		p.logger.Debugf("contextpack: git %s failed: %v", strings.Join(args, " "), res.Err)
		return ""
	}
	return res.Stdout
}

// packPaths reads the requested files in lexicographic order. Paths that
// resolve outside the workspace are refused, binary files are skipped.
func (p *Packer) packPaths(paths []string, workdir string, b *budget) {
	sorted := append([]string(nil), paths...)
	sort.Strings(sorted)
	root := filepath.Clean(workdir)

	for _, rel := range sorted {
		if b.exhausted() {
			return
		}
		header := fmt.Sprintf("## file: %s", rel)

		full := filepath.Join(root, rel)
		if !contained(root, full) {
			b.writeSection(header, "outside the workspace, skipped")
			continue
		}

		content, truncated, err := p.readHead(full)
		if err != nil {
			b.writeSection(header, fmt.Sprintf("unreadable: %v", err))
			continue
		}
		if isBinary(content) {
			b.writeSection(header, "binary, skipped")
			continue
		}

		body := string(content)
		if truncated {
			body += "\n" + truncationMarker
		}
		b.writeSection(header, body)
	}
}

// packWorkspace lists the tree under workdir (bounded by depth and file
// count, vendor and VCS directories pruned) and appends the heads of the
// common manifest files.
func (p *Packer) packWorkspace(workdir string, b *budget) {
	root := filepath.Clean(workdir)

	var listed []string
	walkErr := filepath.Walk(root, func(path string, fi os.FileInfo, err error) error {
		if err != nil {
			return nil // skip inaccessible entries
		}
		rel, relErr := filepath.Rel(root, path)
		if relErr != nil || rel == "." {
			return nil
		}
		depth := strings.Count(rel, string(filepath.Separator))

		if fi.IsDir() {
			if prunedDirs[fi.Name()] {
				return filepath.SkipDir
			}
			if depth >= p.maxDepth {
				return filepath.SkipDir
			}
			return nil
		}

		if len(listed) >= p.maxFiles {
			return filepath.SkipAll
		}
		listed = append(listed, rel)
		return nil
	})

	switch {
	case walkErr != nil:
		b.writeSection("## workspace tree", fmt.Sprintf("walk failed: %v", walkErr))
	case len(listed) == 0:
		b.writeSection("## workspace tree", "no files found")
	default:
		sort.Strings(listed)
		b.writeSection("## workspace tree", strings.Join(listed, "\n"))
	}

	for _, name := range manifestFiles {
		if b.exhausted() {
			return
		}
		content, truncated, err := p.readHead(filepath.Join(root, name))
		if err != nil || isBinary(content) {
			continue
		}
		body := string(content)
		if truncated {
			body += "\n" + truncationMarker
		}
		b.writeSection(fmt.Sprintf("## file: %s (head)", name), body)
	}
}

// readHead reads at most maxFileBytes from path, reporting whether the
// file was longer.
func (p *Packer) readHead(path string) ([]byte, bool, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, false, err
	}
	defer func() { _ = f.Close() }()

	data, err := io.ReadAll(io.LimitReader(f, int64(p.maxFileBytes)+1))
	if err != nil {
		return nil, false, err
	}
	if len(data) > p.maxFileBytes {
		return data[:p.maxFileBytes], true, nil
	}
	return data, false, nil
}

// contained reports whether path sits inside root after cleaning.
func contained(root, path string) bool {
	path = filepath.Clean(path)
	return path == root || strings.HasPrefix(path, root+string(filepath.Separator))
}

// isBinary treats a NUL byte in the first 512 bytes as binary content.
func isBinary(data []byte) bool {
	probe := data
	if len(probe) > 512 {
		probe = probe[:512]
	}
	return bytes.IndexByte(probe, 0) >= 0
}

// budget accumulates labeled sections until the total byte cap is hit.
type budget struct {
	sb        strings.Builder
	remaining int
	truncated bool
}

func newBudget(total int) *budget {
	return &budget{remaining: total}
}

func (b *budget) exhausted() bool {
	return b.truncated || b.remaining <= 0
}

func (b *budget) writeSection(header, body string) {
	if b.exhausted() {
		return
	}

	section := header + "\n" + body + "\n\n"
	if len(section) > b.remaining {
		keep := b.remaining - len(truncationMarker) - 2
		if keep < 0 {
			keep = 0
		}
		for keep > 0 && !utf8.RuneStart(section[keep]) {
			keep--
		}
		section = section[:keep] + "\n" + truncationMarker + "\n"
		b.truncated = true
	}

	b.sb.WriteString(section)
	b.remaining -= len(section)
}

func (b *budget) String() string {
	return strings.TrimRight(b.sb.String(), "\n")
}
