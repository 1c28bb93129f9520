// Shepherd - Self-Updating Application Supervisor
// Copyright 2026 The Shepherd Authors
// SPDX-License-Identifier: Apache-2.0
// https://github.com/shepherd-dev/shepherd

package config

import (
	"fmt"
	"os"
	"strings"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/structs"
	"github.com/knadh/koanf/v2"
)

// DefaultConfigPaths lists where config files are searched, in priority order.
// The first file found wins.
var DefaultConfigPaths = []string{
	"shepherd.yaml",
	"shepherd.yml",
	"/etc/shepherd/shepherd.yaml",
	"/etc/shepherd/shepherd.yml",
}

// ConfigPathEnvVar overrides the config file path.
const ConfigPathEnvVar = "SHEPHERD_CONFIG_PATH"

// Load loads configuration with layered sources (highest priority wins):
//
//  1. Built-in defaults
//  2. Optional YAML config file
//  3. SHEPHERD_* environment variables
//
// The returned Config has been validated.
func Load() (*Config, error) {
	k := koanf.New(".")

	if err := k.Load(structs.Provider(defaultConfig(), "koanf"), nil); err != nil {
		return nil, fmt.Errorf("load defaults: %w", err)
	}

	if path := findConfigFile(); path != "" {
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("load config file %s: %w", path, err)
		}
	}

	if err := k.Load(env.Provider("", ".", envTransformFunc), nil); err != nil {
		return nil, fmt.Errorf("load environment: %w", err)
	}

	if err := processSliceFields(k); err != nil {
		return nil, err
	}

	cfg := &Config{}
	if err := k.Unmarshal("", cfg); err != nil {
		return nil, fmt.Errorf("unmarshal configuration: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return cfg, nil
}

// findConfigFile returns the path of the first config file found, or "".
func findConfigFile() string {
	if envPath := os.Getenv(ConfigPathEnvVar); envPath != "" {
		if _, err := os.Stat(envPath); err == nil {
			return envPath
		}
	}
	for _, path := range DefaultConfigPaths {
		if _, err := os.Stat(path); err == nil {
			return path
		}
	}
	return ""
}

// envTransformFunc maps SHEPHERD_* environment variable names to koanf config
// paths. Variables outside the reserved prefix are ignored here; they belong
// to the child process passthrough set, not to Shepherd.
//
// Examples:
//   - SHEPHERD_REPO_URL       -> repo.url
//   - SHEPHERD_POLL_INTERVAL  -> repo.poll_interval
//   - SHEPHERD_START_COMMAND  -> process.command
func envTransformFunc(key string) string {
	if !strings.HasPrefix(key, EnvPrefix) {
		return ""
	}
	key = strings.ToLower(strings.TrimPrefix(key, EnvPrefix))

	envMappings := map[string]string{
		// Repository tracking
		"repo_url":      "repo.url",
		"repo_branch":   "repo.branch",
		"branch":        "repo.branch",
		"poll_interval": "repo.poll_interval",
		"fetch_timeout": "repo.fetch_timeout",
		"clone_timeout": "repo.clone_timeout",

		// Deploy policy
		"deploy_root":  "deploy.root",
		"retain":       "deploy.retain",
		"retry_failed": "deploy.retry_failed",
		"journal_ttl":  "deploy.journal_ttl",

		// Dependency install
		"install_command":         "install.command",
		"install_args":            "install.args",
		"install_fallback_args":   "install.fallback_args",
		"install_manifest":        "install.manifest",
		"install_verify_artifact": "install.verify_artifact",
		"install_timeout":         "install.timeout",

		// Supervised process
		"start_command":  "process.command",
		"start_args":     "process.args",
		"grace_period":   "process.grace_period",
		"extra_env":      "process.extra_env",
		"restart_burst":  "process.restart_burst",
		"restart_window": "process.restart_window",

		// Admin endpoint
		"admin_enabled":    "admin.enabled",
		"admin_host":       "admin.host",
		"admin_port":       "admin.port",
		"admin_rate_limit": "admin.rate_limit",

		// Logging
		"log_level":  "logging.level",
		"log_format": "logging.format",
		"log_caller": "logging.caller",
	}

	if mapped, ok := envMappings[key]; ok {
		return mapped
	}
	// Unknown SHEPHERD_ variables are dropped rather than guessed at.
	return ""
}

// sliceConfigPaths lists config paths parsed as comma-separated slices when
// supplied through the environment.
var sliceConfigPaths = []string{
	"install.args",
	"install.fallback_args",
	"process.args",
	"process.extra_env",
}

// processSliceFields converts comma-separated env strings to slices for known
// slice fields. YAML sources already deliver slices and are left alone.
func processSliceFields(k *koanf.Koanf) error {
	for _, path := range sliceConfigPaths {
		val := k.Get(path)
		strVal, ok := val.(string)
		if !ok || strVal == "" {
			continue
		}

		parts := strings.Split(strVal, ",")
		trimmed := make([]string, 0, len(parts))
		for _, p := range parts {
			if p = strings.TrimSpace(p); p != "" {
				trimmed = append(trimmed, p)
			}
		}
		if err := k.Set(path, trimmed); err != nil {
			return fmt.Errorf("set %s: %w", path, err)
		}
	}
	return nil
}
