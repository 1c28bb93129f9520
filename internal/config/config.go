// Shepherd - Self-Updating Application Supervisor
// Copyright 2026 The Shepherd Authors
// SPDX-License-Identifier: Apache-2.0
// https://github.com/shepherd-dev/shepherd

package config

import (
	"strings"
	"time"
)

// EnvPrefix is the reserved prefix for Shepherd's own environment variables.
// Variables carrying this prefix configure the supervisor itself and are
// stripped from the child process environment so the supervised application
// never observes supervisor-internal settings.
const EnvPrefix = "SHEPHERD_"

// Config is the root configuration for the Shepherd supervisor. Values are
// read once at startup and frozen for the lifetime of the process.
type Config struct {
	Repo    RepoConfig    `koanf:"repo"`
	Deploy  DeployConfig  `koanf:"deploy"`
	Install InstallConfig `koanf:"install"`
	Process ProcessConfig `koanf:"process"`
	Admin   AdminConfig   `koanf:"admin"`
	Logging LoggingConfig `koanf:"logging"`
}

// RepoConfig describes the tracked source repository.
type RepoConfig struct {
	// URL is the git repository to poll and materialize.
	URL string `koanf:"url" validate:"required"`

	// Branch is the ref whose head is polled for drift.
	Branch string `koanf:"branch" validate:"required"`

	// PollInterval is the time between drift checks.
	PollInterval time.Duration `koanf:"poll_interval" validate:"gte=1s"`

	// FetchTimeout bounds a single remote head lookup.
	FetchTimeout time.Duration `koanf:"fetch_timeout" validate:"gt=0"`

	// CloneTimeout bounds a clone or fetch+reset of a revision.
	CloneTimeout time.Duration `koanf:"clone_timeout" validate:"gt=0"`
}

// DeployConfig describes release storage and deploy policy.
type DeployConfig struct {
	// Root is the directory holding releases/, the current symlink, and the
	// deploy journal.
	Root string `koanf:"root" validate:"required"`

	// Retain is how many releases are kept on disk, including current.
	Retain int `koanf:"retain" validate:"gte=1"`

	// RetryFailed controls the failed-build retry policy. When true a
	// revision whose build failed is retried every poll cycle for as long as
	// it remains the remote head. When false the failed revision is skipped
	// until the head moves.
	RetryFailed bool `koanf:"retry_failed"`

	// JournalTTL bounds how long deploy journal records are kept.
	JournalTTL time.Duration `koanf:"journal_ttl" validate:"gt=0"`
}

// InstallConfig describes the dependency install step.
type InstallConfig struct {
	// Command is the installer program. Arguments are listed separately;
	// command strings are never re-interpreted by a shell.
	Command string `koanf:"command" validate:"required"`

	// Args are the arguments for the strict install mode.
	Args []string `koanf:"args"`

	// FallbackArgs, when non-empty, enables the loose-mode fallback: a
	// failed strict install is retried once with these arguments.
	FallbackArgs []string `koanf:"fallback_args"`

	// Manifest is the dependency manifest file name. A release without it
	// needs no install step.
	Manifest string `koanf:"manifest" validate:"required"`

	// VerifyArtifact is the path, relative to the release directory, that
	// must exist after a successful install. Partial installs that exit zero
	// without producing it are treated as failures.
	VerifyArtifact string `koanf:"verify_artifact" validate:"required"`

	// Timeout bounds a single install run.
	Timeout time.Duration `koanf:"timeout" validate:"gt=0"`
}

// ProcessConfig describes the supervised child process.
type ProcessConfig struct {
	// Command is the program that runs the application, started with its
	// working directory set to the current release path.
	Command string `koanf:"command" validate:"required"`

	// Args are the arguments passed to Command.
	Args []string `koanf:"args"`

	// GracePeriod is how long Stop waits after SIGTERM before escalating to
	// SIGKILL.
	GracePeriod time.Duration `koanf:"grace_period" validate:"gt=0"`

	// ExtraEnv lists additional KEY=VALUE entries appended to the child
	// environment on top of the passthrough set.
	ExtraEnv []string `koanf:"extra_env"`

	// RestartBurst and RestartWindow throttle crash restarts: at most
	// RestartBurst restarts are permitted per RestartWindow.
	RestartBurst  int           `koanf:"restart_burst" validate:"gte=1"`
	RestartWindow time.Duration `koanf:"restart_window" validate:"gt=0"`
}

// AdminConfig describes the read-only operational HTTP endpoint.
type AdminConfig struct {
	Enabled bool   `koanf:"enabled"`
	Host    string `koanf:"host" validate:"required"`
	Port    int    `koanf:"port" validate:"gte=1,lte=65535"`

	// RateLimit is the per-IP request budget per minute.
	RateLimit int `koanf:"rate_limit" validate:"gte=1"`
}

// LoggingConfig controls log output.
type LoggingConfig struct {
	Level  string `koanf:"level" validate:"oneof=trace debug info warn error"`
	Format string `koanf:"format" validate:"oneof=json console"`
	Caller bool   `koanf:"caller"`
}

// defaultConfig returns a Config with all default values. Defaults are loaded
// first, then overridden by the config file and environment variables.
func defaultConfig() *Config {
	return &Config{
		Repo: RepoConfig{
			URL:          "",
			Branch:       "main",
			PollInterval: 60 * time.Second,
			FetchTimeout: 30 * time.Second,
			CloneTimeout: 10 * time.Minute,
		},
		Deploy: DeployConfig{
			Root:        "/var/lib/shepherd",
			Retain:      3,
			RetryFailed: true,
			JournalTTL:  30 * 24 * time.Hour,
		},
		Install: InstallConfig{
			Command:        "npm",
			Args:           []string{"ci"},
			FallbackArgs:   nil, // loose-mode fallback disabled by default
			Manifest:       "package.json",
			VerifyArtifact: "node_modules",
			Timeout:        10 * time.Minute,
		},
		Process: ProcessConfig{
			Command:       "npm",
			Args:          []string{"start"},
			GracePeriod:   10 * time.Second,
			ExtraEnv:      nil,
			RestartBurst:  3,
			RestartWindow: time.Minute,
		},
		Admin: AdminConfig{
			Enabled:   true,
			Host:      "127.0.0.1",
			Port:      9677,
			RateLimit: 120,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
			Caller: false,
		},
	}
}

// IsReservedEnv reports whether the given environment entry (KEY=VALUE form)
// belongs to Shepherd's reserved control set.
func IsReservedEnv(entry string) bool {
	return strings.HasPrefix(entry, EnvPrefix)
}
