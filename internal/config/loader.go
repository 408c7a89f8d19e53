package config

import (
	"os"

	"gatekeeper/pkg/errors"
	"gopkg.in/yaml.v3"
)

// Loader loads configuration from a file, layered over the embedded defaults
// and under any environment overrides.
type Loader struct {
	path       string
	envEnabled bool
}

// NewLoader creates a config loader.
func NewLoader(path string) *Loader {
	return &Loader{
		path:       path,
		envEnabled: true,
	}
}

// WithEnvVars enables or disables environment variable overrides.
func (l *Loader) WithEnvVars(enabled bool) *Loader {
	l.envEnabled = enabled
	return l
}

// Load loads and validates the configuration.
func (l *Loader) Load() (*Config, error) {
	cfg, err := LoadDefault()
	if err != nil {
		return nil, errors.NewError(errors.ErrorTypeConfiguration, "failed to load default config").WithCause(err)
	}

	if l.path != "" {
		data, err := os.ReadFile(l.path)
		if err != nil {
			return nil, errors.NewError(errors.ErrorTypeConfiguration, "failed to read config file").
				WithCause(err).
				WithDetail("path", l.path)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, errors.NewError(errors.ErrorTypeConfiguration, "failed to parse config").
				WithCause(err).
				WithDetail("path", l.path)
		}
	}

	if l.envEnabled {
		if err := LoadEnv(cfg); err != nil {
			return nil, errors.NewError(errors.ErrorTypeConfiguration, "failed to load env overrides").WithCause(err)
		}
	}

	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Parse decodes and validates a configuration document. YAML and JSON bodies
// are both accepted. Used by the config-replacement endpoint.
func Parse(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, errors.NewError(errors.ErrorTypeConfiguration, "failed to parse config").WithCause(err)
	}
	if err := Validate(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}
