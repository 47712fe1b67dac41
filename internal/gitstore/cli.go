package gitstore

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strings"
	"time"
)

// gitCLI runs the git subcommands that mutate the worktree or have no go-git
// equivalent: add, stash, notes, status, reset and checkout.
type gitCLI struct {
	dir     string
	timeout time.Duration
}

func newGitCLI(dir string, timeout time.Duration) *gitCLI {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &gitCLI{dir: dir, timeout: timeout}
}

// run executes a git command and returns trimmed stdout
func (g *gitCLI) run(ctx context.Context, args ...string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, g.timeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, "git", args...)
	cmd.Dir = g.dir
	cmd.Env = append(os.Environ(), "GIT_TERMINAL_PROMPT=0", "LC_ALL=C")

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return "", fmt.Errorf("git %s: timeout after %v", args[0], g.timeout)
		}
		return "", fmt.Errorf("git %s: %w: %s", args[0], err, strings.TrimSpace(stderr.String()))
	}
	return strings.TrimSpace(stdout.String()), nil
}

// raw executes a git command and returns stdout untouched
func (g *gitCLI) raw(ctx context.Context, args ...string) ([]byte, error) {
	ctx, cancel := context.WithTimeout(ctx, g.timeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, "git", args...)
	cmd.Dir = g.dir
	cmd.Env = append(os.Environ(), "GIT_TERMINAL_PROMPT=0", "LC_ALL=C")

	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	out, err := cmd.Output()
	if err != nil {
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return nil, fmt.Errorf("git %s: timeout after %v", args[0], g.timeout)
		}
		return nil, fmt.Errorf("git %s: %w: %s", args[0], err, strings.TrimSpace(stderr.String()))
	}
	return out, nil
}

func (g *gitCLI) revParse(ctx context.Context, ref string) (string, error) {
	return g.run(ctx, "rev-parse", "--verify", "--quiet", ref+"^{commit}")
}

func (g *gitCLI) addAll(ctx context.Context) error {
	_, err := g.run(ctx, "add", "--all")
	return err
}

func (g *gitCLI) porcelain(ctx context.Context) (string, error) {
	return g.run(ctx, "status", "--porcelain", "--untracked-files=all")
}

func (g *gitCLI) stashPush(ctx context.Context, message string) (string, error) {
	if _, err := g.run(ctx, "stash", "push", "--include-untracked", "-m", message); err != nil {
		return "", err
	}
	return g.run(ctx, "rev-parse", "refs/stash")
}

func (g *gitCLI) resetHard(ctx context.Context, ref string) error {
	_, err := g.run(ctx, "reset", "--hard", ref)
	return err
}

func (g *gitCLI) checkoutNewBranch(ctx context.Context, branch, ref string) error {
	_, err := g.run(ctx, "checkout", "-b", branch, ref)
	return err
}

func (g *gitCLI) addNote(ctx context.Context, notesRef, ref, message string) error {
	_, err := g.run(ctx, "notes", "--ref="+notesRef, "add", "-f", "-m", message, ref)
	return err
}

func (g *gitCLI) diffTo(ctx context.Context, ref string) ([]byte, error) {
	return g.raw(ctx, "diff", "--no-color", "--no-ext-diff", "-R", ref)
}
