// Shepherd - Self-Updating Application Supervisor
// Copyright 2026 The Shepherd Authors
// SPDX-License-Identifier: Apache-2.0
// https://github.com/shepherd-dev/shepherd

// Package source wraps the version-control tool as two capabilities: fetch
// the remote head revision of a branch, and materialize a revision into a
// target directory. The tool is invoked as an opaque external command; no
// git library is linked so the adapter works with whatever git the host has.
package source

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"github.com/shepherd-dev/shepherd/internal/config"
)

// Revision is an opaque, comparable identifier for a point in the tracked
// source history. It carries no ordering semantics; it is compared for
// equality only, to detect drift.
type Revision string

// Short returns an abbreviated form for logs.
func (r Revision) Short() string {
	if len(r) > 12 {
		return string(r[:12])
	}
	return string(r)
}

var (
	// ErrFetchUnreachable indicates the remote head could not be resolved.
	// The caller retries on the next poll cycle; no local state changed.
	ErrFetchUnreachable = errors.New("remote head unreachable")

	// ErrCloneFailed indicates the repository could not be cloned or fetched
	// into the target directory.
	ErrCloneFailed = errors.New("clone failed")

	// ErrCheckoutFailed indicates the requested revision could not be
	// checked out inside the target directory.
	ErrCheckoutFailed = errors.New("checkout failed")
)

// HeadFetcher resolves the remote head revision of a branch.
type HeadFetcher interface {
	FetchHeadRevision(ctx context.Context, branch string) (Revision, error)
}

// commandFunc runs an external command in dir and returns its combined
// output. Injected in tests; production uses runGit.
type commandFunc func(ctx context.Context, dir, name string, args ...string) (string, error)

// Adapter provides git-backed source repository access.
type Adapter struct {
	repoURL      string
	fetchTimeout time.Duration
	cloneTimeout time.Duration
	run          commandFunc
}

// NewAdapter creates a source adapter for the configured repository.
func NewAdapter(cfg config.RepoConfig) *Adapter {
	return &Adapter{
		repoURL:      cfg.URL,
		fetchTimeout: cfg.FetchTimeout,
		cloneTimeout: cfg.CloneTimeout,
		run:          runGit,
	}
}

// runGit executes git with the given arguments and returns combined output.
func runGit(ctx context.Context, dir, name string, args ...string) (string, error) {
	cmd := exec.CommandContext(ctx, name, args...)
	cmd.Dir = dir
	// Never block on interactive credential prompts inside the control loop.
	cmd.Env = append(os.Environ(), "GIT_TERMINAL_PROMPT=0")
	out, err := cmd.CombinedOutput()
	return string(out), err
}

// FetchHeadRevision resolves the head revision of the given branch on the
// remote. It mutates no local state; a failure is safe to retry.
func (a *Adapter) FetchHeadRevision(ctx context.Context, branch string) (Revision, error) {
	ctx, cancel := context.WithTimeout(ctx, a.fetchTimeout)
	defer cancel()

	out, err := a.run(ctx, "", "git", "ls-remote", "--heads", a.repoURL, branch)
	if err != nil {
		return "", fmt.Errorf("%w: git ls-remote: %v: %s", ErrFetchUnreachable, err, strings.TrimSpace(out))
	}

	// Output format: "<sha>\trefs/heads/<branch>\n"
	fields := strings.Fields(out)
	if len(fields) == 0 {
		return "", fmt.Errorf("%w: branch %q not found on remote", ErrFetchUnreachable, branch)
	}
	rev := Revision(fields[0])
	if !validRevision(rev) {
		return "", fmt.Errorf("%w: malformed revision %q", ErrFetchUnreachable, fields[0])
	}
	return rev, nil
}

// Materialize produces a working copy of the repository at exactly the given
// revision inside dir. An existing checkout of the same repository is reused
// via fetch + hard reset; the end state matches a fresh clone of that
// revision, except that git-ignored artifacts (installed dependencies) are
// left in place for the installer to repair.
func (a *Adapter) Materialize(ctx context.Context, revision Revision, dir string) error {
	ctx, cancel := context.WithTimeout(ctx, a.cloneTimeout)
	defer cancel()

	if a.hasCheckout(dir) {
		return a.reuse(ctx, revision, dir)
	}
	return a.freshClone(ctx, revision, dir)
}

// hasCheckout reports whether dir already holds a git working copy.
func (a *Adapter) hasCheckout(dir string) bool {
	info, err := os.Stat(filepath.Join(dir, ".git"))
	return err == nil && info.IsDir()
}

// reuse updates an existing checkout to the requested revision.
func (a *Adapter) reuse(ctx context.Context, revision Revision, dir string) error {
	if out, err := a.run(ctx, dir, "git", "fetch", "--prune", "origin"); err != nil {
		return fmt.Errorf("%w: git fetch: %v: %s", ErrCloneFailed, err, strings.TrimSpace(out))
	}
	if out, err := a.run(ctx, dir, "git", "reset", "--hard", string(revision)); err != nil {
		return fmt.Errorf("%w: git reset: %v: %s", ErrCheckoutFailed, err, strings.TrimSpace(out))
	}
	// Drop untracked files so the tree matches a fresh clone. Ignored files
	// are kept: the dependency artifact lives in the release directory and a
	// repair of the same revision should not throw it away.
	if out, err := a.run(ctx, dir, "git", "clean", "-fd"); err != nil {
		return fmt.Errorf("%w: git clean: %v: %s", ErrCheckoutFailed, err, strings.TrimSpace(out))
	}
	return nil
}

// freshClone clones the repository and detaches at the requested revision.
func (a *Adapter) freshClone(ctx context.Context, revision Revision, dir string) error {
	if out, err := a.run(ctx, "", "git", "clone", a.repoURL, dir); err != nil {
		return fmt.Errorf("%w: git clone: %v: %s", ErrCloneFailed, err, strings.TrimSpace(out))
	}
	if out, err := a.run(ctx, dir, "git", "checkout", "--detach", string(revision)); err != nil {
		return fmt.Errorf("%w: git checkout: %v: %s", ErrCheckoutFailed, err, strings.TrimSpace(out))
	}
	return nil
}

// validRevision accepts full or abbreviated hex object names.
func validRevision(r Revision) bool {
	if len(r) < 7 || len(r) > 64 {
		return false
	}
	for _, c := range r {
		if (c < '0' || c > '9') && (c < 'a' || c > 'f') && (c < 'A' || c > 'F') {
			return false
		}
	}
	return true
}
