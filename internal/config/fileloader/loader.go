package fileloader

import (
	"context"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/ahrav/clearing-armada/internal/config"
)

// FileLoader loads configuration from a YAML file on disk. Keys missing from
// the file keep their default values.
type FileLoader struct {
	// path is the filesystem path to the configuration file.
	path string
}

var _ config.Loader = (*FileLoader)(nil)

// NewFileLoader creates a new FileLoader for the file at path.
func NewFileLoader(path string) *FileLoader {
	return &FileLoader{path: path}
}

// Load reads and parses the configuration file specified in FileLoader.path.
func (l *FileLoader) Load(ctx context.Context) (*config.Config, error) {
	data, err := os.ReadFile(l.path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := config.Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	return cfg, nil
}
