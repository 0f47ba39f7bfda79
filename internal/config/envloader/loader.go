// Package envloader overlays CLEARING_* environment variables on top of
// another configuration source.
package envloader

import (
	"bytes"
	"context"
	"fmt"
	"strings"

	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"github.com/ahrav/clearing-armada/internal/config"
)

// Prefix is prepended to every environment key, e.g. CLEARING_API_PORT.
const Prefix = "CLEARING"

// EnvLoader reads the base configuration and lets the environment override
// any key of it. Nested keys join with an underscore, so fossology.base_url
// is read from CLEARING_FOSSOLOGY_BASE_URL.
type EnvLoader struct {
	base config.Loader
}

var _ config.Loader = (*EnvLoader)(nil)

// New wraps base. A nil base starts from the defaults.
func New(base config.Loader) *EnvLoader {
	if base == nil {
		base = config.DefaultLoader{}
	}
	return &EnvLoader{base: base}
}

func (l *EnvLoader) Load(ctx context.Context) (*config.Config, error) {
	cfg, err := l.base.Load(ctx)
	if err != nil {
		return nil, err
	}

	// Seed viper with every known key so AutomaticEnv can resolve them.
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to encode base config: %w", err)
	}

	v := viper.New()
	v.SetConfigType("yaml")
	if err := v.ReadConfig(bytes.NewReader(data)); err != nil {
		return nil, fmt.Errorf("failed to read base config: %w", err)
	}
	v.SetEnvPrefix(Prefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	out := new(config.Config)
	if err := v.Unmarshal(out); err != nil {
		return nil, fmt.Errorf("failed to apply environment overrides: %w", err)
	}
	return out, nil
}
