// Shepherd - Self-Updating Application Supervisor
// Copyright 2026 The Shepherd Authors
// SPDX-License-Identifier: Apache-2.0
// https://github.com/shepherd-dev/shepherd

// Package process owns the lifecycle of the single supervised child process:
// start, liveness probe, and graceful-stop-then-kill. The child is tied to
// exactly one release directory for its whole lifetime; replacing the release
// means stopping this process and starting a new one.
package process

import (
	"errors"
	"fmt"
	"os"
	"os/exec"
	"sync"
	"syscall"
	"time"

	"github.com/shepherd-dev/shepherd/internal/config"
	"github.com/shepherd-dev/shepherd/internal/logging"
	"github.com/shepherd-dev/shepherd/internal/metrics"
)

// State is the lifecycle state of the supervised process.
type State string

const (
	StateStopped  State = "stopped"
	StateStarting State = "starting"
	StateRunning  State = "running"
	StateStopping State = "stopping"
)

// ErrAlreadyRunning is returned by Start while a previous child is alive.
var ErrAlreadyRunning = errors.New("supervised process already running")

// Handle represents one launched child process. It is created by Start and
// reaches StateStopped when the process has been reaped; a Handle is never
// reused across launches.
type Handle struct {
	mu          sync.Mutex
	cmd         *exec.Cmd
	pid         int
	releasePath string
	state       State
	startedAt   time.Time

	// waitCh is closed once the OS has reaped the process.
	waitCh  chan struct{}
	waitErr error
}

// PID returns the operating system process id.
func (h *Handle) PID() int { return h.pid }

// ReleasePath returns the release directory the process is bound to.
func (h *Handle) ReleasePath() string { return h.releasePath }

// StartedAt returns the launch time.
func (h *Handle) StartedAt() time.Time { return h.startedAt }

// State returns the current lifecycle state.
func (h *Handle) State() State {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.state
}

func (h *Handle) setState(s State) {
	h.mu.Lock()
	h.state = s
	h.mu.Unlock()
}

// Supervisor launches and stops the supervised child. At most one child
// exists at any time system-wide.
type Supervisor struct {
	cfg     config.ProcessConfig
	baseEnv []string

	mu     sync.Mutex
	handle *Handle
}

// NewSupervisor creates a process supervisor. The supervisor's own
// environment is captured once; reserved SHEPHERD_* control variables are
// stripped before being handed to any child.
func NewSupervisor(cfg config.ProcessConfig) *Supervisor {
	return &Supervisor{cfg: cfg, baseEnv: os.Environ()}
}

// childEnv builds the child environment: the passthrough set (everything
// outside the reserved control prefix) plus configured extras.
func (s *Supervisor) childEnv() []string {
	env := make([]string, 0, len(s.baseEnv)+len(s.cfg.ExtraEnv))
	for _, entry := range s.baseEnv {
		if config.IsReservedEnv(entry) {
			continue
		}
		env = append(env, entry)
	}
	return append(env, s.cfg.ExtraEnv...)
}

// Start launches the configured command bound to releaseDir as its working
// directory. It is non-blocking: it returns once the process has been
// launched, not once the application is ready; no readiness protocol is
// assumed.
func (s *Supervisor) Start(releaseDir string) (*Handle, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.handle != nil && s.handle.alive() {
		return nil, fmt.Errorf("%w: pid %d", ErrAlreadyRunning, s.handle.pid)
	}

	h := &Handle{
		releasePath: releaseDir,
		state:       StateStarting,
		waitCh:      make(chan struct{}),
	}

	cmd := exec.Command(s.cfg.Command, s.cfg.Args...)
	cmd.Dir = releaseDir
	cmd.Env = s.childEnv()
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start %s: %w", s.cfg.Command, err)
	}

	h.cmd = cmd
	h.pid = cmd.Process.Pid
	h.startedAt = time.Now()
	h.setState(StateRunning)
	s.handle = h
	metrics.ProcessAlive.Set(1)

	go func() {
		err := cmd.Wait()
		h.mu.Lock()
		h.waitErr = err
		h.state = StateStopped
		h.mu.Unlock()
		close(h.waitCh)
		metrics.ProcessAlive.Set(0)
	}()

	logging.Info().Int("pid", h.pid).Str("release", releaseDir).
		Str("command", s.cfg.Command).Msg("Process started")
	return h, nil
}

// Current returns the most recently started handle, which may already be
// stopped. Nil before the first Start.
func (s *Supervisor) Current() *Handle {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.handle
}

// IsAlive probes liveness without disturbing the process (signal 0).
func (s *Supervisor) IsAlive(h *Handle) bool {
	if h == nil {
		return false
	}
	return h.alive()
}

func (h *Handle) alive() bool {
	select {
	case <-h.waitCh:
		return false
	default:
	}
	// Signal 0 probes existence without delivering anything.
	return h.cmd.Process.Signal(syscall.Signal(0)) == nil
}

// Stop gracefully terminates the child: SIGTERM, then liveness polling at
// one-second resolution up to grace, then SIGKILL. It always waits for the
// OS to reap the process before returning, so the child's port and other
// resources are released before a successor starts. Stopping an already
// stopped handle is a no-op.
func (s *Supervisor) Stop(h *Handle, grace time.Duration) {
	if h == nil || !h.alive() {
		return
	}

	h.setState(StateStopping)
	logging.Info().Int("pid", h.pid).Dur("grace", grace).Msg("Stopping process")

	// Signal errors mean the process is already gone; reaping below still
	// applies either way.
	_ = h.cmd.Process.Signal(syscall.SIGTERM)

	deadline := time.Now().Add(grace)
	for time.Now().Before(deadline) {
		select {
		case <-h.waitCh:
			logging.Info().Int("pid", h.pid).Msg("Process stopped gracefully")
			return
		case <-time.After(time.Second):
		}
	}

	logging.Warn().Int("pid", h.pid).Msg("Grace period expired, killing process")
	_ = h.cmd.Process.Kill()
	<-h.waitCh
}
