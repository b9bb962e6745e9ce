package config

import (
	"errors"
	"fmt"
)

// Validate checks the configuration for required fields and valid values.
// Returns an error with a descriptive field path on failure.
func (c *Config) Validate() error {
	var errs []error

	// model.backend_url and model.model are required.
	if c.Model.BackendURL == "" {
		errs = append(errs, fmt.Errorf("model.backend_url is required"))
	}
	if c.Model.Model == "" {
		errs = append(errs, fmt.Errorf("model.model is required"))
	}

	// server.port must be positive.
	if c.Server.Port <= 0 {
		errs = append(errs, fmt.Errorf("server.port must be > 0, got %d", c.Server.Port))
	}

	// sandbox.mode must be a known value and its mode-specific fields set.
	switch c.Sandbox.Mode {
	case "static":
		if c.Sandbox.URL == "" {
			errs = append(errs, fmt.Errorf("sandbox.url is required when sandbox.mode is \"static\""))
		}
	case "kubernetes":
		if c.Sandbox.Template == "" {
			errs = append(errs, fmt.Errorf("sandbox.template is required when sandbox.mode is \"kubernetes\""))
		}
		if c.Sandbox.Namespace == "" {
			errs = append(errs, fmt.Errorf("sandbox.namespace is required when sandbox.mode is \"kubernetes\""))
		}
	default:
		errs = append(errs, fmt.Errorf("sandbox.mode must be \"static\" or \"kubernetes\", got %q", c.Sandbox.Mode))
	}

	// Static URL and claim template are mutually exclusive.
	if c.Sandbox.URL != "" && c.Sandbox.Template != "" {
		errs = append(errs, fmt.Errorf("sandbox.url and sandbox.template are mutually exclusive"))
	}

	// session.type must be a known value.
	switch c.Session.Type {
	case "memory", "postgres":
		// valid
	default:
		errs = append(errs, fmt.Errorf("session.type must be \"memory\" or \"postgres\", got %q", c.Session.Type))
	}

	// If session.type is "postgres", DSN or DSNFile must be set.
	if c.Session.Type == "postgres" {
		if c.Session.Postgres.DSN == "" && c.Session.Postgres.DSNFile == "" {
			errs = append(errs, fmt.Errorf("session.postgres.dsn or session.postgres.dsn_file is required when session.type is \"postgres\""))
		}
	}

	// classifier.fallback must name a query kind.
	switch c.Classifier.Fallback {
	case "tabular", "document", "research":
		// valid
	default:
		errs = append(errs, fmt.Errorf("classifier.fallback must be \"tabular\", \"document\", or \"research\", got %q", c.Classifier.Fallback))
	}

	// auth.type must be a known value.
	switch c.Auth.Type {
	case "none", "apikey", "jwt":
		// valid
	default:
		errs = append(errs, fmt.Errorf("auth.type must be \"none\", \"apikey\", or \"jwt\", got %q", c.Auth.Type))
	}

	if c.Auth.Type == "jwt" && c.Auth.JWT.JWKSURL == "" {
		errs = append(errs, fmt.Errorf("auth.jwt.jwks_url is required when auth.type is \"jwt\""))
	}

	return errors.Join(errs...)
}
