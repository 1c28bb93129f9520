// Shepherd - Self-Updating Application Supervisor
// Copyright 2026 The Shepherd Authors
// SPDX-License-Identifier: Apache-2.0
// https://github.com/shepherd-dev/shepherd

// Package main is the entry point for the Shepherd daemon.
//
// Shepherd tracks a branch of a remote git repository, builds every new
// revision into an immutable release directory, atomically promotes the
// build to "current", and supervises a single child process running that
// release. A failed build never interrupts the running service; the previous
// release keeps serving until a new build fully succeeds.
//
// # Configuration
//
// Configuration is loaded via Koanf v2 with layered sources (highest
// priority wins): SHEPHERD_* environment variables, an optional
// shepherd.yaml config file, then built-in defaults. The minimum viable
// configuration is the repository and the start command:
//
//	export SHEPHERD_REPO_URL=https://example.com/org/app.git
//	export SHEPHERD_BRANCH=main
//	export SHEPHERD_POLL_INTERVAL=60s
//	export SHEPHERD_START_COMMAND=npm
//	export SHEPHERD_START_ARGS=start
//	./shepherd
//
// Every environment variable carrying the SHEPHERD_ prefix belongs to the
// supervisor's reserved control set and is stripped from the child process
// environment; all other variables pass through to the child unchanged.
//
// # Filesystem layout
//
// Under the deploy root (default /var/lib/shepherd):
//
//	releases/<revision>/   one immutable directory per deployed revision
//	current                symlink to the active release directory
//	journal/               BadgerDB deploy history
//
// # Signal handling
//
// SIGINT and SIGTERM trigger graceful shutdown: the in-flight filesystem
// step finishes, the child receives SIGTERM (SIGKILL after the grace
// period), and the daemon exits 0. The only non-zero exit in steady
// operation is a failed initial deploy, when no servable release has ever
// existed.
package main

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/shepherd-dev/shepherd/internal/api"
	"github.com/shepherd-dev/shepherd/internal/config"
	"github.com/shepherd-dev/shepherd/internal/installer"
	"github.com/shepherd-dev/shepherd/internal/journal"
	"github.com/shepherd-dev/shepherd/internal/logging"
	"github.com/shepherd-dev/shepherd/internal/process"
	"github.com/shepherd-dev/shepherd/internal/release"
	"github.com/shepherd-dev/shepherd/internal/source"
	"github.com/shepherd-dev/shepherd/internal/supervisor"
	"github.com/shepherd-dev/shepherd/internal/supervisor/services"
)

func main() {
	os.Exit(run())
}

func run() int {
	cfg, err := config.Load()
	if err != nil {
		logging.Error().Err(err).Msg("Failed to load configuration")
		return 1
	}

	logging.Init(logging.Config{
		Level:  cfg.Logging.Level,
		Format: cfg.Logging.Format,
		Caller: cfg.Logging.Caller,
	})

	logging.Info().
		Str("repo", cfg.Repo.URL).
		Str("branch", cfg.Repo.Branch).
		Dur("poll_interval", cfg.Repo.PollInterval).
		Str("root", cfg.Deploy.Root).
		Msg("Shepherd starting")

	src := source.NewAdapter(cfg.Repo)
	heads := supervisor.NewBreakerFetcher(src)
	inst := installer.New(cfg.Install)
	proc := process.NewSupervisor(cfg.Process)

	mgr, err := release.NewManager(cfg.Deploy, cfg.Process.GracePeriod, src, inst, proc)
	if err != nil {
		logging.Error().Err(err).Msg("Failed to initialize release store")
		return 1
	}

	// The journal is best-effort: losing deploy history must not keep the
	// service from running.
	var deployJournal supervisor.DeployJournal
	var history api.HistorySource
	j, err := journal.Open(filepath.Join(cfg.Deploy.Root, "journal"), cfg.Deploy.JournalTTL)
	if err != nil {
		logging.Warn().Err(err).Msg("Deploy journal unavailable, continuing without history")
	} else {
		defer func() {
			if cerr := j.Close(); cerr != nil {
				logging.Warn().Err(cerr).Msg("Failed to close deploy journal")
			}
		}()
		deployJournal = j
		history = j
	}

	tree := supervisor.NewTree(logging.NewSlogLogger(), supervisor.DefaultTreeConfig())
	tree.Add(supervisor.NewLoop(cfg, mgr, proc, heads, deployJournal))

	if cfg.Admin.Enabled {
		admin := api.NewServer(cfg.Admin, mgr, proc, history)
		server := admin.HTTPServer()
		tree.Add(services.NewHTTPService("admin-api", server, 10*time.Second))
		logging.Info().Str("addr", server.Addr).Msg("Admin endpoint enabled")
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		logging.Info().Str("signal", sig.String()).Msg("Received shutdown signal")
		cancel()
	}()

	exit := 0
	if err := <-tree.ServeBackground(ctx); err != nil && !errors.Is(err, context.Canceled) {
		logging.Error().Err(err).Msg("Supervisor tree terminated with error")
		exit = 1
	}

	if unstopped, _ := tree.UnstoppedServiceReport(); len(unstopped) > 0 {
		for _, svc := range unstopped {
			logging.Warn().Str("service", svc.Name).Msg("Service failed to stop within timeout")
		}
	}

	logging.Info().Msg("Shepherd stopped")
	return exit
}
