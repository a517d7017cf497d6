// Package vcs wraps the git operations used to mirror and update package
// sources. Every operation shells out to the host git; a per-repository
// mutex serializes concurrent access to one checkout.
package vcs

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"strings"
	"sync"
)

// Runner executes one git invocation in dir and returns its stdout.
type Runner interface {
	Run(ctx context.Context, dir string, args ...string) (string, error)
}

// ExecRunner runs git via os/exec.
type ExecRunner struct{}

var _ Runner = (*ExecRunner)(nil)

func (ExecRunner) Run(ctx context.Context, dir string, args ...string) (string, error) {
	cmd := exec.CommandContext(ctx, "git", args...)
	cmd.Dir = dir

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		detail := strings.TrimSpace(stderr.String())
		if detail == "" {
			detail = err.Error()
		}
		return "", fmt.Errorf("git %s: %s", strings.Join(args, " "), detail)
	}
	return stdout.String(), nil
}

// BranchNotFoundError reports a checkout request for a branch the repository
// does not have, locally or on any remote.
type BranchNotFoundError struct {
	Branch string
	Dir    string
}

func (e *BranchNotFoundError) Error() string {
	return fmt.Sprintf("branch %q not found in %s", e.Branch, e.Dir)
}

// Git performs repository operations. The zero value is not usable; use New.
type Git struct {
	run Runner

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// New returns a Git backed by the host git binary.
func New() *Git { return NewWithRunner(ExecRunner{}) }

// NewWithRunner returns a Git backed by the given runner.
func NewWithRunner(r Runner) *Git {
	return &Git{run: r, locks: map[string]*sync.Mutex{}}
}

// repoLock returns the mutex guarding one checkout directory.
func (g *Git) repoLock(dir string) *sync.Mutex {
	g.mu.Lock()
	defer g.mu.Unlock()
	lock, ok := g.locks[dir]
	if !ok {
		lock = &sync.Mutex{}
		g.locks[dir] = lock
	}
	return lock
}

// Cloned reports whether dir already holds a git checkout.
func (g *Git) Cloned(dir string) bool {
	info, err := os.Stat(dir + "/.git")
	return err == nil && info.IsDir()
}

// Clone creates a checkout of url at dir.
func (g *Git) Clone(ctx context.Context, url, dir string) error {
	lock := g.repoLock(dir)
	lock.Lock()
	defer lock.Unlock()

	_, err := g.run.Run(ctx, "", "clone", url, dir)
	return err
}

// Fetch updates dir's remote-tracking refs.
func (g *Git) Fetch(ctx context.Context, dir string) error {
	lock := g.repoLock(dir)
	lock.Lock()
	defer lock.Unlock()

	_, err := g.run.Run(ctx, dir, "fetch", "--all", "--prune")
	return err
}

// Pull fast-forwards the current branch. A transient failure is retried
// once; git pull is idempotent so the retry is safe.
func (g *Git) Pull(ctx context.Context, dir string) error {
	lock := g.repoLock(dir)
	lock.Lock()
	defer lock.Unlock()

	if _, err := g.run.Run(ctx, dir, "pull", "--ff-only"); err != nil {
		if ctx.Err() != nil {
			return err
		}
		_, err = g.run.Run(ctx, dir, "pull", "--ff-only")
		return err
	}
	return nil
}

// Checkout switches dir to branch, creating a local tracking branch if the
// branch only exists on a remote.
func (g *Git) Checkout(ctx context.Context, dir, branch string) error {
	lock := g.repoLock(dir)
	lock.Lock()
	defer lock.Unlock()

	ok, err := g.hasBranch(ctx, dir, branch)
	if err != nil {
		return err
	}
	if !ok {
		return &BranchNotFoundError{Branch: branch, Dir: dir}
	}
	_, err = g.run.Run(ctx, dir, "checkout", branch)
	return err
}

// HasBranch reports whether branch exists locally or on a remote.
func (g *Git) HasBranch(ctx context.Context, dir, branch string) (bool, error) {
	lock := g.repoLock(dir)
	lock.Lock()
	defer lock.Unlock()
	return g.hasBranch(ctx, dir, branch)
}

func (g *Git) hasBranch(ctx context.Context, dir, branch string) (bool, error) {
	out, err := g.run.Run(ctx, dir, "branch", "--list", "--all", "--format=%(refname:short)")
	if err != nil {
		return false, err
	}
	for _, line := range strings.Split(out, "\n") {
		name := strings.TrimSpace(line)
		if name == branch || strings.HasSuffix(name, "/"+branch) {
			return true, nil
		}
	}
	return false, nil
}

// Branches lists local branch names.
func (g *Git) Branches(ctx context.Context, dir string) ([]string, error) {
	lock := g.repoLock(dir)
	lock.Lock()
	defer lock.Unlock()

	out, err := g.run.Run(ctx, dir, "branch", "--format=%(refname:short)")
	if err != nil {
		return nil, err
	}
	var names []string
	for _, line := range strings.Split(out, "\n") {
		if name := strings.TrimSpace(line); name != "" {
			names = append(names, name)
		}
	}
	return names, nil
}

// CurrentBranch returns the branch dir has checked out.
func (g *Git) CurrentBranch(ctx context.Context, dir string) (string, error) {
	lock := g.repoLock(dir)
	lock.Lock()
	defer lock.Unlock()

	out, err := g.run.Run(ctx, dir, "rev-parse", "--abbrev-ref", "HEAD")
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(out), nil
}

// Head returns the commit hash dir has checked out.
func (g *Git) Head(ctx context.Context, dir string) (string, error) {
	lock := g.repoLock(dir)
	lock.Lock()
	defer lock.Unlock()

	out, err := g.run.Run(ctx, dir, "rev-parse", "HEAD")
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(out), nil
}
