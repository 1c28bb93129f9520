// Shepherd - Self-Updating Application Supervisor
// Copyright 2026 The Shepherd Authors
// SPDX-License-Identifier: Apache-2.0
// https://github.com/shepherd-dev/shepherd

package config

import (
	"errors"
	"fmt"
	"net/url"
	"strings"

	"github.com/go-playground/validator/v10"
)

// validate is the shared validator instance. Struct tag rules cover scalar
// constraints; cross-field and format rules live in the methods below.
var validate = validator.New(validator.WithRequiredStructEnabled())

// Validate checks that required configuration is present and valid.
func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) && len(verrs) > 0 {
			ve := verrs[0]
			return fmt.Errorf("invalid value for %s: failed %q constraint", ve.Namespace(), ve.Tag())
		}
		return err
	}

	if err := c.validateRepoURL(); err != nil {
		return err
	}
	if err := c.validateInstall(); err != nil {
		return err
	}
	return c.validateProcess()
}

// validateRepoURL accepts the transports git understands: http(s), git, ssh,
// file URLs, scp-like remotes (user@host:path), and local paths.
func (c *Config) validateRepoURL() error {
	raw := c.Repo.URL

	if strings.HasPrefix(raw, "/") || strings.HasPrefix(raw, "./") || strings.HasPrefix(raw, "../") {
		return nil // local repository path
	}
	if strings.Contains(raw, "@") && strings.Contains(raw, ":") && !strings.Contains(raw, "://") {
		return nil // scp-like syntax, e.g. git@host:org/repo.git
	}

	u, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("SHEPHERD_REPO_URL is invalid: %w", err)
	}
	switch u.Scheme {
	case "http", "https", "git", "ssh", "file":
		if u.Scheme != "file" && u.Host == "" {
			return fmt.Errorf("SHEPHERD_REPO_URL is missing a host")
		}
		return nil
	default:
		return fmt.Errorf("SHEPHERD_REPO_URL has unsupported scheme %q", u.Scheme)
	}
}

// validateInstall checks the install step configuration.
func (c *Config) validateInstall() error {
	if strings.HasPrefix(c.Install.VerifyArtifact, "/") {
		return fmt.Errorf("SHEPHERD_INSTALL_VERIFY_ARTIFACT must be relative to the release directory")
	}
	if strings.Contains(c.Install.Manifest, "/") {
		return fmt.Errorf("SHEPHERD_INSTALL_MANIFEST must be a file name, not a path")
	}
	return nil
}

// validateProcess checks the supervised process configuration.
func (c *Config) validateProcess() error {
	for _, entry := range c.Process.ExtraEnv {
		if !strings.Contains(entry, "=") {
			return fmt.Errorf("SHEPHERD_EXTRA_ENV entry %q is not KEY=VALUE", entry)
		}
		if IsReservedEnv(entry) {
			return fmt.Errorf("SHEPHERD_EXTRA_ENV entry %q uses the reserved %s prefix", entry, EnvPrefix)
		}
	}
	return nil
}
