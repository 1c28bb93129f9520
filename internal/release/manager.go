// Shepherd - Self-Updating Application Supervisor
// Copyright 2026 The Shepherd Authors
// SPDX-License-Identifier: Apache-2.0
// https://github.com/shepherd-dev/shepherd

// Package release owns the release store: numbered release directories under
// the deploy root, the atomic "current" pointer, and retention pruning. A
// deploy builds the candidate out-of-place and only touches the running
// service once the build has fully succeeded.
package release

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/goccy/go-json"
	"github.com/google/uuid"

	"github.com/shepherd-dev/shepherd/internal/config"
	"github.com/shepherd-dev/shepherd/internal/logging"
	"github.com/shepherd-dev/shepherd/internal/metrics"
	"github.com/shepherd-dev/shepherd/internal/process"
	"github.com/shepherd-dev/shepherd/internal/source"
)

const (
	releasesDirName = "releases"
	currentLinkName = "current"

	// markerFileName is written into a release directory as the final act of
	// a successful install. Its presence is what "fully installed" means; a
	// directory without it is a partial build.
	markerFileName = ".shepherd-release.json"
)

// ErrBuildFailed indicates a deploy attempt failed before promotion. The
// previous release and its process are untouched.
var ErrBuildFailed = errors.New("release build failed")

// Release is a materialized, immutable snapshot of one revision plus its
// installed dependencies.
type Release struct {
	Revision    source.Revision `json:"revision"`
	CreatedAt   time.Time       `json:"created_at"`
	InstalledAt time.Time       `json:"installed_at"`

	// Path is derived from the deploy root and not serialized.
	Path string `json:"-"`
}

// Materializer produces a working copy of a revision inside a directory.
type Materializer interface {
	Materialize(ctx context.Context, revision source.Revision, dir string) error
}

// Installer installs dependencies for a materialized directory.
type Installer interface {
	Install(ctx context.Context, releaseDir string) error
}

// ProcessController is the slice of the process supervisor the release
// manager drives during promotion.
type ProcessController interface {
	Start(releaseDir string) (*process.Handle, error)
	Stop(h *process.Handle, grace time.Duration)
	Current() *process.Handle
}

// Manager orchestrates the source adapter and installer into release builds
// and owns the current pointer. It is driven from the single control loop;
// no concurrent writer exists, so atomic filesystem replacement is the only
// synchronization needed.
type Manager struct {
	root   string
	retain int
	grace  time.Duration

	src  Materializer
	inst Installer
	proc ProcessController
}

// NewManager creates a release manager rooted at cfg.Root and ensures the
// releases directory exists.
func NewManager(cfg config.DeployConfig, grace time.Duration, src Materializer, inst Installer, proc ProcessController) (*Manager, error) {
	m := &Manager{
		root:   cfg.Root,
		retain: cfg.Retain,
		grace:  grace,
		src:    src,
		inst:   inst,
		proc:   proc,
	}
	if err := os.MkdirAll(m.releasesDir(), 0o755); err != nil {
		return nil, fmt.Errorf("create releases directory: %w", err)
	}
	return m, nil
}

func (m *Manager) releasesDir() string { return filepath.Join(m.root, releasesDirName) }
func (m *Manager) currentPath() string { return filepath.Join(m.root, currentLinkName) }

// ReleaseDir returns the directory a revision materializes into. Directories
// are content-addressed by revision id, so a retried deploy of the same
// revision repairs the same directory instead of duplicating it.
func (m *Manager) ReleaseDir(revision source.Revision) string {
	return filepath.Join(m.releasesDir(), string(revision))
}

// Deploy builds the given revision into a release and promotes it:
// materialize, install, stop the old process, swap the current pointer
// atomically, start the new process, prune. Any failure before the stop step
// aborts with ErrBuildFailed and leaves the running service untouched.
//
// A non-nil Release together with a non-nil error means the release was
// promoted but its process failed to launch; the control loop's liveness
// check recovers that case.
func (m *Manager) Deploy(ctx context.Context, revision source.Revision) (*Release, error) {
	dir := m.ReleaseDir(revision)
	createdAt := time.Now()

	logging.Info().Str("revision", revision.Short()).Str("dir", dir).Msg("Building release")

	stageStart := time.Now()
	if err := m.src.Materialize(ctx, revision, dir); err != nil {
		m.discard(dir)
		metrics.DeploysTotal.WithLabelValues("failure").Inc()
		return nil, fmt.Errorf("%w: materialize %s: %v", ErrBuildFailed, revision.Short(), err)
	}
	metrics.DeployStageDuration.WithLabelValues("materialize").Observe(time.Since(stageStart).Seconds())

	stageStart = time.Now()
	if err := m.inst.Install(ctx, dir); err != nil {
		m.discard(dir)
		metrics.DeploysTotal.WithLabelValues("failure").Inc()
		return nil, fmt.Errorf("%w: install %s: %v", ErrBuildFailed, revision.Short(), err)
	}
	metrics.DeployStageDuration.WithLabelValues("install").Observe(time.Since(stageStart).Seconds())

	rel := &Release{
		Revision:    revision,
		CreatedAt:   createdAt,
		InstalledAt: time.Now(),
		Path:        dir,
	}
	if err := writeMarker(dir, rel); err != nil {
		m.discard(dir)
		metrics.DeploysTotal.WithLabelValues("failure").Inc()
		return nil, fmt.Errorf("%w: mark release %s: %v", ErrBuildFailed, revision.Short(), err)
	}

	// The build is done; from here on the old service is replaced. Stopping
	// is deferred to this point so a failed build never costs downtime.
	if old := m.proc.Current(); old != nil {
		m.proc.Stop(old, m.grace)
	}

	stageStart = time.Now()
	if err := m.swapCurrent(dir); err != nil {
		metrics.DeploysTotal.WithLabelValues("failure").Inc()
		return nil, fmt.Errorf("promote %s: %w", revision.Short(), err)
	}
	metrics.DeployStageDuration.WithLabelValues("swap").Observe(time.Since(stageStart).Seconds())

	metrics.DeploysTotal.WithLabelValues("success").Inc()
	metrics.LastDeployTimestamp.Set(float64(time.Now().Unix()))

	_, startErr := m.proc.Start(dir)

	stageStart = time.Now()
	if err := m.prune(); err != nil {
		logging.Warn().Err(err).Msg("Retention pruning failed")
	}
	metrics.DeployStageDuration.WithLabelValues("prune").Observe(time.Since(stageStart).Seconds())

	if startErr != nil {
		return rel, fmt.Errorf("release %s promoted but process start failed: %w", revision.Short(), startErr)
	}

	logging.Info().Str("revision", revision.Short()).Msg("Release deployed")
	return rel, nil
}

// swapCurrent atomically repoints the current symlink at dir. The repoint is
// a single rename, never remove-then-create, so a concurrent reader never
// observes a missing pointer.
func (m *Manager) swapCurrent(dir string) error {
	target, err := filepath.Rel(m.root, dir)
	if err != nil {
		target = dir
	}

	tmp := filepath.Join(m.root, ".current.tmp."+uuid.NewString())
	if err := os.Symlink(target, tmp); err != nil {
		return fmt.Errorf("create pointer symlink: %w", err)
	}
	if err := os.Rename(tmp, m.currentPath()); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("replace pointer symlink: %w", err)
	}
	return nil
}

// CurrentRelease resolves the current pointer. A nil Release with nil error
// means no release has ever been promoted (or the pointer no longer resolves
// to an installed release and a rebuild is needed).
func (m *Manager) CurrentRelease() (*Release, error) {
	target, err := os.Readlink(m.currentPath())
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("read current pointer: %w", err)
	}

	dir := target
	if !filepath.IsAbs(dir) {
		dir = filepath.Join(m.root, target)
	}

	rel, err := readMarker(dir)
	if err != nil {
		logging.Warn().Err(err).Str("dir", dir).Msg("Current pointer resolves to an invalid release")
		return nil, nil
	}
	return rel, nil
}

// Releases lists all fully-installed releases on disk, newest first.
func (m *Manager) Releases() ([]*Release, error) {
	entries, err := os.ReadDir(m.releasesDir())
	if err != nil {
		return nil, fmt.Errorf("list releases: %w", err)
	}

	var releases []*Release
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		rel, err := readMarker(filepath.Join(m.releasesDir(), entry.Name()))
		if err != nil {
			continue // partial build, not a release
		}
		releases = append(releases, rel)
	}

	sort.Slice(releases, func(i, j int) bool {
		return releases[i].InstalledAt.After(releases[j].InstalledAt)
	})
	return releases, nil
}

// prune removes releases outside the retention set. The release the current
// pointer names is always kept regardless of age rank.
func (m *Manager) prune() error {
	releases, err := m.Releases()
	if err != nil {
		return err
	}

	current, err := m.CurrentRelease()
	if err != nil {
		return err
	}

	keep := make(map[string]bool, m.retain)
	if current != nil {
		keep[current.Path] = true
	}
	for _, rel := range releases {
		if len(keep) >= m.retain {
			break
		}
		keep[rel.Path] = true
	}

	kept := 0
	for _, rel := range releases {
		if keep[rel.Path] {
			kept++
			continue
		}
		logging.Info().Str("revision", rel.Revision.Short()).Str("dir", rel.Path).
			Msg("Pruning release outside retention set")
		if err := os.RemoveAll(rel.Path); err != nil {
			return fmt.Errorf("prune %s: %w", rel.Path, err)
		}
	}

	metrics.ReleasesOnDisk.Set(float64(kept))
	return nil
}

// discard removes a partial release directory after a failed build step.
func (m *Manager) discard(dir string) {
	if err := os.RemoveAll(dir); err != nil {
		logging.Warn().Err(err).Str("dir", dir).Msg("Failed to remove partial release")
	}
}

// writeMarker records release metadata inside the release directory.
func writeMarker(dir string, rel *Release) error {
	data, err := json.Marshal(rel)
	if err != nil {
		return err
	}
	return os.WriteFile(filepath.Join(dir, markerFileName), data, 0o644)
}

// readMarker loads release metadata, failing for partial builds.
func readMarker(dir string) (*Release, error) {
	data, err := os.ReadFile(filepath.Join(dir, markerFileName))
	if err != nil {
		return nil, fmt.Errorf("release not installed: %w", err)
	}
	rel := &Release{}
	if err := json.Unmarshal(data, rel); err != nil {
		return nil, fmt.Errorf("corrupt release marker: %w", err)
	}
	rel.Path = dir
	return rel, nil
}
