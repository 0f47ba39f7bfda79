package config

import (
	"context"
)

// Loader provides configuration loading capabilities. It abstracts the source
// of configuration so files and the environment can be layered.
type Loader interface {
	// Load retrieves and parses the configuration from the underlying source.
	Load(ctx context.Context) (*Config, error)
}

// Load runs loader and validates the result.
func Load(ctx context.Context, loader Loader) (*Config, error) {
	cfg, err := loader.Load(ctx)
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// DefaultLoader returns the built-in defaults.
type DefaultLoader struct{}

func (DefaultLoader) Load(context.Context) (*Config, error) { return Default(), nil }
