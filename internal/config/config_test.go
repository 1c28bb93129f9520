// Shepherd - Self-Updating Application Supervisor
// Copyright 2026 The Shepherd Authors
// SPDX-License-Identifier: Apache-2.0
// https://github.com/shepherd-dev/shepherd

package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

// setMinimumEnv sets the variables a valid configuration requires.
func setMinimumEnv(t *testing.T) {
	t.Helper()
	t.Setenv("SHEPHERD_REPO_URL", "https://example.com/org/app.git")
}

func TestLoadDefaults(t *testing.T) {
	setMinimumEnv(t)

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.Repo.Branch != "main" {
		t.Errorf("Branch = %q, want main", cfg.Repo.Branch)
	}
	if cfg.Repo.PollInterval != 60*time.Second {
		t.Errorf("PollInterval = %v, want 60s", cfg.Repo.PollInterval)
	}
	if cfg.Deploy.Retain != 3 {
		t.Errorf("Retain = %d, want 3", cfg.Deploy.Retain)
	}
	if !cfg.Deploy.RetryFailed {
		t.Error("RetryFailed = false, want true by default")
	}
	if cfg.Process.GracePeriod != 10*time.Second {
		t.Errorf("GracePeriod = %v, want 10s", cfg.Process.GracePeriod)
	}
	if cfg.Install.Manifest != "package.json" {
		t.Errorf("Manifest = %q, want package.json", cfg.Install.Manifest)
	}
	if len(cfg.Install.FallbackArgs) != 0 {
		t.Errorf("FallbackArgs = %v, want empty (fallback disabled by default)", cfg.Install.FallbackArgs)
	}
}

func TestLoadEnvOverrides(t *testing.T) {
	setMinimumEnv(t)
	t.Setenv("SHEPHERD_BRANCH", "release")
	t.Setenv("SHEPHERD_POLL_INTERVAL", "30s")
	t.Setenv("SHEPHERD_RETAIN", "5")
	t.Setenv("SHEPHERD_RETRY_FAILED", "false")
	t.Setenv("SHEPHERD_START_COMMAND", "node")
	t.Setenv("SHEPHERD_START_ARGS", "server.js, --port, 8080")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.Repo.Branch != "release" {
		t.Errorf("Branch = %q, want release", cfg.Repo.Branch)
	}
	if cfg.Repo.PollInterval != 30*time.Second {
		t.Errorf("PollInterval = %v, want 30s", cfg.Repo.PollInterval)
	}
	if cfg.Deploy.Retain != 5 {
		t.Errorf("Retain = %d, want 5", cfg.Deploy.Retain)
	}
	if cfg.Deploy.RetryFailed {
		t.Error("RetryFailed = true, want false")
	}
	if cfg.Process.Command != "node" {
		t.Errorf("Command = %q, want node", cfg.Process.Command)
	}
	want := []string{"server.js", "--port", "8080"}
	if len(cfg.Process.Args) != len(want) {
		t.Fatalf("Args = %v, want %v", cfg.Process.Args, want)
	}
	for i := range want {
		if cfg.Process.Args[i] != want[i] {
			t.Errorf("Args[%d] = %q, want %q", i, cfg.Process.Args[i], want[i])
		}
	}
}

func TestLoadConfigFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "shepherd.yaml")
	yaml := `
repo:
  url: https://example.com/org/app.git
  branch: staging
deploy:
  retain: 4
process:
  command: node
  args:
    - server.js
`
	if err := os.WriteFile(path, []byte(yaml), 0o644); err != nil {
		t.Fatal(err)
	}
	t.Setenv(ConfigPathEnvVar, path)
	// The environment layer still wins over the file.
	t.Setenv("SHEPHERD_BRANCH", "production")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.Repo.Branch != "production" {
		t.Errorf("Branch = %q, want env override production", cfg.Repo.Branch)
	}
	if cfg.Deploy.Retain != 4 {
		t.Errorf("Retain = %d, want 4 from file", cfg.Deploy.Retain)
	}
	if cfg.Process.Command != "node" || len(cfg.Process.Args) != 1 || cfg.Process.Args[0] != "server.js" {
		t.Errorf("process = %q %v, want node [server.js]", cfg.Process.Command, cfg.Process.Args)
	}
}

func TestLoadValidation(t *testing.T) {
	tests := []struct {
		name    string
		env     map[string]string
		wantErr string
	}{
		{
			name:    "missing repo url",
			env:     map[string]string{},
			wantErr: "required",
		},
		{
			name: "unsupported scheme",
			env: map[string]string{
				"SHEPHERD_REPO_URL": "ftp://example.com/repo.git",
			},
			wantErr: "unsupported scheme",
		},
		{
			name: "poll interval too short",
			env: map[string]string{
				"SHEPHERD_REPO_URL":      "https://example.com/repo.git",
				"SHEPHERD_POLL_INTERVAL": "100ms",
			},
			wantErr: "gte",
		},
		{
			name: "retain must be positive",
			env: map[string]string{
				"SHEPHERD_REPO_URL": "https://example.com/repo.git",
				"SHEPHERD_RETAIN":   "0",
			},
			wantErr: "gte",
		},
		{
			name: "extra env not key value",
			env: map[string]string{
				"SHEPHERD_REPO_URL":  "https://example.com/repo.git",
				"SHEPHERD_EXTRA_ENV": "NOT_AN_ASSIGNMENT",
			},
			wantErr: "KEY=VALUE",
		},
		{
			name: "extra env uses reserved prefix",
			env: map[string]string{
				"SHEPHERD_REPO_URL":  "https://example.com/repo.git",
				"SHEPHERD_EXTRA_ENV": "SHEPHERD_SECRET=x",
			},
			wantErr: "reserved",
		},
		{
			name: "bad log level",
			env: map[string]string{
				"SHEPHERD_REPO_URL":  "https://example.com/repo.git",
				"SHEPHERD_LOG_LEVEL": "verbose",
			},
			wantErr: "oneof",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			for k, v := range tt.env {
				t.Setenv(k, v)
			}
			_, err := Load()
			if err == nil {
				t.Fatal("Load() succeeded, want validation error")
			}
			if !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("Load() error = %v, want substring %q", err, tt.wantErr)
			}
		})
	}
}

func TestValidateRepoURL(t *testing.T) {
	tests := []struct {
		name    string
		url     string
		wantErr bool
	}{
		{"https", "https://example.com/org/app.git", false},
		{"http", "http://example.com/org/app.git", false},
		{"ssh", "ssh://git@example.com/org/app.git", false},
		{"git protocol", "git://example.com/org/app.git", false},
		{"scp-like", "git@example.com:org/app.git", false},
		{"local absolute", "/srv/git/app.git", false},
		{"local relative", "./app.git", false},
		{"file", "file:///srv/git/app.git", false},
		{"https missing host", "https:///app.git", true},
		{"ftp", "ftp://example.com/app.git", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := defaultConfig()
			cfg.Repo.URL = tt.url
			err := cfg.validateRepoURL()
			if (err != nil) != tt.wantErr {
				t.Errorf("validateRepoURL(%q) error = %v, wantErr %v", tt.url, err, tt.wantErr)
			}
		})
	}
}

func TestIsReservedEnv(t *testing.T) {
	if !IsReservedEnv("SHEPHERD_REPO_URL=x") {
		t.Error("SHEPHERD_REPO_URL should be reserved")
	}
	if IsReservedEnv("PATH=/usr/bin") {
		t.Error("PATH should not be reserved")
	}
}

func TestEnvTransformFunc(t *testing.T) {
	tests := []struct {
		key  string
		want string
	}{
		{"SHEPHERD_REPO_URL", "repo.url"},
		{"SHEPHERD_POLL_INTERVAL", "repo.poll_interval"},
		{"SHEPHERD_START_COMMAND", "process.command"},
		{"SHEPHERD_ADMIN_PORT", "admin.port"},
		{"SHEPHERD_UNKNOWN_SETTING", ""}, // unknown keys are dropped, not guessed
		{"HOME", ""},                     // non-reserved vars are ignored
	}

	for _, tt := range tests {
		if got := envTransformFunc(tt.key); got != tt.want {
			t.Errorf("envTransformFunc(%q) = %q, want %q", tt.key, got, tt.want)
		}
	}
}
