package circleci

import (
	"context"
	"fmt"
	"strconv"
	"strings"
)

// Git answers revision questions from the local checkout.
type Git struct {
	binary string
	exec   Executor
}

// GitOption configures Git.
type GitOption func(*Git)

// WithGitExecutor injects a custom executor (primarily for tests).
func WithGitExecutor(exec Executor) GitOption {
	return func(g *Git) {
		if exec != nil {
			g.exec = exec
		}
	}
}

// NewGit returns a Git helper using the git binary on PATH.
func NewGit(opts ...GitOption) *Git {
	g := &Git{binary: "git", exec: commandExecutor{}}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// Head returns the full sha of the checked-out commit.
func (g *Git) Head(ctx context.Context) (string, error) {
	out, err := g.exec.Output(ctx, g.binary, "rev-parse", "HEAD")
	if err != nil {
		return "", fmt.Errorf("read head commit: %w", err)
	}
	return strings.TrimSpace(out), nil
}

// CommitTime returns the committer timestamp of rev in epoch seconds.
func (g *Git) CommitTime(ctx context.Context, rev string) (int64, error) {
	out, err := g.exec.Output(ctx, g.binary, "show", "-s", "--format=%ct", revOrHead(rev))
	if err != nil {
		return 0, fmt.Errorf("read commit time: %w", err)
	}
	ts, err := strconv.ParseInt(strings.TrimSpace(out), 10, 64)
	if err != nil {
		return 0, fmt.Errorf("parse commit time %q: %w", out, err)
	}
	return ts, nil
}

// CommitMessage returns the full message of rev.
func (g *Git) CommitMessage(ctx context.Context, rev string) (string, error) {
	out, err := g.exec.Output(ctx, g.binary, "show", "-s", "--format=%B", revOrHead(rev))
	if err != nil {
		return "", fmt.Errorf("read commit message: %w", err)
	}
	return out, nil
}

// PreviousCommit returns the first parent of rev, or "" for a root commit.
func (g *Git) PreviousCommit(ctx context.Context, rev string) (string, error) {
	out, err := g.exec.Output(ctx, g.binary, "rev-list", "--parents", "-n", "1", revOrHead(rev))
	if err != nil {
		return "", fmt.Errorf("read parent commit: %w", err)
	}
	fields := strings.Fields(out)
	if len(fields) < 2 {
		return "", nil
	}
	return fields[1], nil
}

func revOrHead(rev string) string {
	if rev = strings.TrimSpace(rev); rev != "" {
		return rev
	}
	return "HEAD"
}
