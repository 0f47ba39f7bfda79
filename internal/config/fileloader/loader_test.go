package fileloader

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFileLoader_Load(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
api:
  port: "9090"
fossology:
  base_url: https://fossology.example.com/repo/api/v1
  token: secret
  folder_id: "3"
  request_timeout: 45s
  disable_report_download: true
event_bus:
  driver: kafka
  brokers: ["kafka:9092"]
`), 0o600))

	cfg, err := NewFileLoader(path).Load(context.Background())
	require.NoError(t, err)

	assert.Equal(t, "9090", cfg.API.Port)
	assert.Equal(t, "https://fossology.example.com/repo/api/v1", cfg.Fossology.BaseURL)
	assert.Equal(t, 45*time.Second, cfg.Fossology.RequestTimeout)
	assert.True(t, cfg.Fossology.DisableReportDownload)
	assert.Equal(t, []string{"kafka:9092"}, cfg.EventBus.Brokers)

	// Keys absent from the file keep their defaults.
	assert.Equal(t, "clearing-events", cfg.EventBus.Topic)
	assert.Equal(t, "0.0.0.0", cfg.API.Host)
	assert.NoError(t, cfg.Validate())
}

func TestFileLoader_Errors(t *testing.T) {
	_, err := NewFileLoader(filepath.Join(t.TempDir(), "missing.yaml")).Load(context.Background())
	assert.ErrorContains(t, err, "failed to read config file")

	path := filepath.Join(t.TempDir(), "bad.yaml")
	require.NoError(t, os.WriteFile(path, []byte("api: [unclosed"), 0o600))
	_, err = NewFileLoader(path).Load(context.Background())
	assert.ErrorContains(t, err, "failed to parse config")
}
