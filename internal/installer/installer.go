// Shepherd - Self-Updating Application Supervisor
// Copyright 2026 The Shepherd Authors
// SPDX-License-Identifier: Apache-2.0
// https://github.com/shepherd-dev/shepherd

// Package installer wraps the package-manager tool as a single capability:
// install the dependencies of a materialized release directory. The tool is
// an opaque external command specified as program plus argument list; the
// command is never handed to a shell.
package installer

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
	"github.com/shepherd-dev/shepherd/internal/logging"
)

var (
	// ErrInstallFailed indicates the install command exited non-zero in all
	// configured modes.
	ErrInstallFailed = errors.New("dependency install failed")

	// ErrVerificationFailed indicates the install command reported success
	// but the expected dependency artifact does not exist. Partial installs
	// are a known failure mode of package managers, so absence of the
	// artifact is a hard failure.
	ErrVerificationFailed = errors.New("dependency verification failed")
)

// commandFunc runs an external command in dir and returns combined output.
type commandFunc func(ctx context.Context, dir, name string, args ...string) (string, error)

// Installer installs dependencies for materialized releases.
type Installer struct {
	cfg config.InstallConfig
	run commandFunc
}

// New creates an installer with the configured install command and
// verification artifact.
func New(cfg config.InstallConfig) *Installer {
	return &Installer{cfg: cfg, run: runCommand}
}

func runCommand(ctx context.Context, dir, name string, args ...string) (string, error) {
	cmd := exec.CommandContext(ctx, name, args...)
	cmd.Dir = dir
	out, err := cmd.CombinedOutput()
	return string(out), err
}

// Install installs dependencies inside releaseDir. A release without the
// dependency manifest needs no install step and succeeds immediately. The
// operation is idempotent: re-running it on a populated directory repairs
// rather than duplicates.
func (i *Installer) Install(ctx context.Context, releaseDir string) error {
	manifest := filepath.Join(releaseDir, i.cfg.Manifest)
	if _, err := os.Stat(manifest); err != nil {
		if os.IsNotExist(err) {
			logging.Debug().Str("dir", releaseDir).Str("manifest", i.cfg.Manifest).
				Msg("No dependency manifest, skipping install")
			return nil
		}
		return fmt.Errorf("%w: stat manifest: %v", ErrInstallFailed, err)
	}

	ctx, cancel := context.WithTimeout(ctx, i.cfg.Timeout)
	defer cancel()

	start := time.Now()
	out, err := i.run(ctx, releaseDir, i.cfg.Command, i.cfg.Args...)
	if err != nil {
		if len(i.cfg.FallbackArgs) == 0 {
			return fmt.Errorf("%w: %s %s: %v: %s",
				ErrInstallFailed, i.cfg.Command, strings.Join(i.cfg.Args, " "), err, tail(out))
		}

		logging.Warn().Err(err).Str("dir", releaseDir).
			Strs("fallback_args", i.cfg.FallbackArgs).
			Msg("Strict install failed, retrying in fallback mode")
		out, err = i.run(ctx, releaseDir, i.cfg.Command, i.cfg.FallbackArgs...)
		if err != nil {
			return fmt.Errorf("%w: fallback %s %s: %v: %s",
				ErrInstallFailed, i.cfg.Command, strings.Join(i.cfg.FallbackArgs, " "), err, tail(out))
		}
	}

	if err := i.verify(releaseDir); err != nil {
		return err
	}

	logging.Info().Str("dir", releaseDir).Dur("elapsed", time.Since(start)).
		Msg("Dependencies installed")
	return nil
}

// verify checks that the configured dependency artifact exists after an
// apparently successful install run.
func (i *Installer) verify(releaseDir string) error {
	artifact := filepath.Join(releaseDir, i.cfg.VerifyArtifact)
	if _, err := os.Stat(artifact); err != nil {
		return fmt.Errorf("%w: expected artifact %s missing after install", ErrVerificationFailed, i.cfg.VerifyArtifact)
	}
	return nil
}

// tail returns the last portion of command output for error messages.
func tail(out string) string {
	out = strings.TrimSpace(out)
	const max = 512
	if len(out) > max {
		return "..." + out[len(out)-max:]
	}
	return out
}
