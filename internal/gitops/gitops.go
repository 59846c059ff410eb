// Package gitops shells out to git for the post-apply commit phase. It is
// deliberately thin: no library bindings, just the porcelain the operator
// would type.
package gitops

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"strings"
)

// Git runs git commands with the project root as working directory.
type Git struct {
	Root string
}

// New returns a Git bound to the project root.
func New(root string) *Git {
	return &Git{Root: root}
}

func (g *Git) run(ctx context.Context, args ...string) (string, int, error) {
	cmd := exec.CommandContext(ctx, "git", args...)
	cmd.Dir = g.Root
	var out bytes.Buffer
	cmd.Stdout = &out
	cmd.Stderr = &out
	err := cmd.Run()
	code := 0
	if exitErr, ok := err.(*exec.ExitError); ok {
		code = exitErr.ExitCode()
		err = nil
	}
	return out.String(), code, err
}

// IsRepo reports whether the root is inside a git work tree.
func (g *Git) IsRepo(ctx context.Context) bool {
	out, code, err := g.run(ctx, "rev-parse", "--is-inside-work-tree")
	return err == nil && code == 0 && strings.TrimSpace(out) == "true"
}

// Add stages the given paths.
func (g *Git) Add(ctx context.Context, paths ...string) error {
	if len(paths) == 0 {
		return nil
	}
	out, code, err := g.run(ctx, append([]string{"add", "--"}, paths...)...)
	if err != nil {
		return fmt.Errorf("git add: %w", err)
	}
	if code != 0 {
		return fmt.Errorf("git add failed: %s", strings.TrimSpace(out))
	}
	return nil
}

// Commit commits staged changes. A "nothing to commit" result is reported as
// success with committed=false rather than an error; an empty apply is not a
// failure.
func (g *Git) Commit(ctx context.Context, message string) (committed bool, err error) {
	out, code, err := g.run(ctx, "commit", "-m", message)
	if err != nil {
		return false, fmt.Errorf("git commit: %w", err)
	}
	if code == 0 {
		return true, nil
	}
	if strings.Contains(out, "nothing to commit") || strings.Contains(out, "working tree clean") {
		return false, nil
	}
	return false, fmt.Errorf("git commit failed: %s", strings.TrimSpace(out))
}

// Push pushes the current branch to its upstream.
func (g *Git) Push(ctx context.Context) error {
	out, code, err := g.run(ctx, "push")
	if err != nil {
		return fmt.Errorf("git push: %w", err)
	}
	if code != 0 {
		return fmt.Errorf("git push failed: %s", strings.TrimSpace(out))
	}
	return nil
}

// StatusSummary returns short status plus the last commit line.
func (g *Git) StatusSummary(ctx context.Context) (string, error) {
	status, code, err := g.run(ctx, "status", "-s")
	if err != nil {
		return "", fmt.Errorf("git status: %w", err)
	}
	if code != 0 {
		return "", fmt.Errorf("git status failed: %s", strings.TrimSpace(status))
	}
	last, code, err := g.run(ctx, "log", "-1", "--format=%h - %s (%cr)")
	if err != nil || code != 0 {
		last = "(no commits yet)\n"
	}
	var sb strings.Builder
	sb.WriteString("Last commit: " + strings.TrimSpace(last) + "\n")
	if strings.TrimSpace(status) == "" {
		sb.WriteString("Working tree clean.\n")
	} else {
		sb.WriteString(status)
	}
	return sb.String(), nil
}
