// Shepherd - Self-Updating Application Supervisor
// Copyright 2026 The Shepherd Authors
// SPDX-License-Identifier: Apache-2.0
// https://github.com/shepherd-dev/shepherd

// Package supervisor contains the top-level control loop and the suture tree
// it runs under. The loop is single-threaded and cooperative: it polls the
// remote on a fixed cadence and drives the release manager and process
// supervisor through deploy and restart transitions. Deploys are serialized
// by construction; at most one is ever in flight.
package supervisor

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/thejerf/suture/v4"
	"golang.org/x/time/rate"

	"github.com/shepherd-dev/shepherd/internal/config"
	"github.com/shepherd-dev/shepherd/internal/journal"
	"github.com/shepherd-dev/shepherd/internal/logging"
	"github.com/shepherd-dev/shepherd/internal/metrics"
	"github.com/shepherd-dev/shepherd/internal/process"
	"github.com/shepherd-dev/shepherd/internal/release"
	"github.com/shepherd-dev/shepherd/internal/source"
)

// Deployer is the slice of the release manager the loop drives.
type Deployer interface {
	Deploy(ctx context.Context, revision source.Revision) (*release.Release, error)
	CurrentRelease() (*release.Release, error)
}

// ProcessRunner is the slice of the process supervisor the loop drives.
type ProcessRunner interface {
	Start(releaseDir string) (*process.Handle, error)
	Stop(h *process.Handle, grace time.Duration)
	Current() *process.Handle
	IsAlive(h *process.Handle) bool
}

// DeployJournal records deploy attempts. May be nil to disable journaling.
type DeployJournal interface {
	Append(rec journal.Record) error
}

// Loop is the top-level control loop. It implements suture.Service.
type Loop struct {
	cfg      *config.Config
	releases Deployer
	proc     ProcessRunner
	heads    source.HeadFetcher
	journal  DeployJournal

	// restarts throttles crash restarts so a child that exits immediately
	// cannot hot-loop the supervisor.
	restarts *rate.Limiter

	// lastFailed is the revision of the most recent failed build, tracked
	// only under the retry_failed=false policy.
	lastFailed source.Revision
}

// NewLoop creates the control loop.
func NewLoop(cfg *config.Config, releases Deployer, proc ProcessRunner, heads source.HeadFetcher, j DeployJournal) *Loop {
	burst := cfg.Process.RestartBurst
	window := cfg.Process.RestartWindow
	return &Loop{
		cfg:      cfg,
		releases: releases,
		proc:     proc,
		heads:    heads,
		journal:  j,
		restarts: rate.NewLimiter(rate.Limit(float64(burst)/window.Seconds()), burst),
	}
}

// Serve implements suture.Service. Startup either recovers an existing
// current release or performs the initial deploy; a failed initial deploy is
// fatal and terminates the whole tree, since there is nothing to serve.
// Afterwards the loop polls forever until the context is canceled, then
// stops the child gracefully.
func (l *Loop) Serve(ctx context.Context) error {
	if err := l.startup(ctx); err != nil {
		// There is no prior good state to fall back to; take the tree down.
		return errors.Join(suture.ErrTerminateSupervisorTree, err)
	}

	ticker := time.NewTicker(l.cfg.Repo.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			l.shutdown()
			return ctx.Err()
		case <-ticker.C:
			l.cycle(ctx)
		}
	}
}

// String implements fmt.Stringer for suture's event log.
func (l *Loop) String() string { return "control-loop" }

// startup trusts an existing valid current release as last-known-good and
// starts its process without rebuilding (crash-recovery path). With no
// usable pointer it resolves the branch head and deploys it as the initial
// release.
func (l *Loop) startup(ctx context.Context) error {
	cur, err := l.releases.CurrentRelease()
	if err != nil {
		return err
	}

	if cur != nil {
		logging.Info().Str("revision", cur.Revision.Short()).
			Msg("Recovered existing release, starting without rebuild")
		if _, err := l.proc.Start(cur.Path); err != nil {
			// Not fatal: the release is good; the liveness check retries.
			logging.Error().Err(err).Msg("Failed to start recovered release")
		}
		return nil
	}

	head, err := l.heads.FetchHeadRevision(ctx, l.cfg.Repo.Branch)
	if err != nil {
		return err
	}

	logging.Info().Str("revision", head.Short()).Msg("No current release, performing initial deploy")
	if err := l.deploy(ctx, head); err != nil {
		return err
	}
	return nil
}

// cycle runs one poll iteration: restart a dead child on the current release,
// then check the remote for drift and deploy when it has moved. Every
// transient failure is absorbed here as a logged event; nothing aborts the
// loop.
func (l *Loop) cycle(ctx context.Context) {
	metrics.PollCycles.Inc()

	if !l.proc.IsAlive(l.proc.Current()) {
		l.restartCrashed()
		return
	}

	head, err := l.heads.FetchHeadRevision(ctx, l.cfg.Repo.Branch)
	if err != nil {
		metrics.FetchErrors.Inc()
		logging.Warn().Err(err).Msg("Head fetch failed, retrying next cycle")
		return
	}

	cur, err := l.releases.CurrentRelease()
	if err != nil {
		logging.Error().Err(err).Msg("Cannot resolve current release")
		return
	}
	if cur != nil && cur.Revision == head {
		return // no drift
	}
	if !l.cfg.Deploy.RetryFailed && head == l.lastFailed {
		logging.Debug().Str("revision", head.Short()).
			Msg("Skipping previously failed revision until head moves")
		return
	}

	if err := l.deploy(ctx, head); err != nil {
		logging.Error().Err(err).Str("revision", head.Short()).
			Msg("Deploy failed, previous release still serving")
	}
}

// restartCrashed restarts the child on the *same* current release after an
// unexpected exit. This is recovery, not a redeploy: nothing is re-fetched
// or re-installed.
func (l *Loop) restartCrashed() {
	cur, err := l.releases.CurrentRelease()
	if err != nil || cur == nil {
		logging.Error().Err(err).Msg("Process dead and no current release to restart")
		return
	}

	if !l.restarts.Allow() {
		metrics.RestartsThrottled.Inc()
		logging.Warn().Str("revision", cur.Revision.Short()).
			Msg("Restart throttled, child is crash-looping")
		return
	}

	logging.Warn().Str("revision", cur.Revision.Short()).
		Msg("Process exited unexpectedly, restarting on current release")
	metrics.ProcessRestarts.WithLabelValues("crash").Inc()
	if _, err := l.proc.Start(cur.Path); err != nil {
		logging.Error().Err(err).Msg("Restart failed, retrying next cycle")
	}
}

// deploy runs one deploy attempt and journals the outcome.
func (l *Loop) deploy(ctx context.Context, revision source.Revision) error {
	rec := journal.Record{
		ID:        uuid.NewString(),
		Revision:  string(revision),
		StartedAt: time.Now(),
	}
	logging.Info().Str("deploy_id", rec.ID).Str("revision", revision.Short()).Msg("Deploying")

	rel, err := l.releases.Deploy(ctx, revision)
	rec.FinishedAt = time.Now()

	// A promoted release counts as a successful deploy even when its process
	// failed to launch; the liveness check owns that recovery.
	if rel != nil {
		rec.Result = journal.ResultSuccess
		l.lastFailed = ""
		metrics.ProcessRestarts.WithLabelValues("deploy").Inc()
	} else {
		rec.Result = journal.ResultFailure
		l.lastFailed = revision
	}
	if err != nil {
		rec.Error = err.Error()
	}

	if l.journal != nil {
		if jerr := l.journal.Append(rec); jerr != nil {
			logging.Warn().Err(jerr).Msg("Failed to journal deploy attempt")
		}
	}

	if rel == nil {
		return err
	}
	if err != nil {
		logging.Warn().Err(err).Msg("Release promoted but process not running yet")
	}
	return nil
}

// shutdown stops the supervised process before the loop exits.
func (l *Loop) shutdown() {
	if h := l.proc.Current(); h != nil {
		l.proc.Stop(h, l.cfg.Process.GracePeriod)
	}
	logging.Info().Msg("Control loop stopped")
}
