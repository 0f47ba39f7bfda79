package config

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultIsValid(t *testing.T) {
	require.NoError(t, Default().Validate())
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{
			name: "postgres with dsn",
			mutate: func(c *Config) {
				c.Database.Driver = DriverPostgres
				c.Database.DSN = "postgres://u:p@localhost:5432/clearing"
			},
		},
		{
			name:    "postgres without dsn",
			mutate:  func(c *Config) { c.Database.Driver = DriverPostgres },
			wantErr: "Config.Database.DSN",
		},
		{
			name:    "unknown database driver",
			mutate:  func(c *Config) { c.Database.Driver = "sqlite" },
			wantErr: "Config.Database.Driver",
		},
		{
			name:    "minio without credentials",
			mutate:  func(c *Config) { c.ObjectStore.Driver = DriverMinio; c.ObjectStore.Endpoint = "localhost:9000" },
			wantErr: "Config.ObjectStore.AccessKey",
		},
		{
			name:    "kafka without brokers",
			mutate:  func(c *Config) { c.EventBus.Driver = DriverKafka },
			wantErr: "Config.EventBus.Brokers",
		},
		{
			name: "kafka with bad broker address",
			mutate: func(c *Config) {
				c.EventBus.Driver = DriverKafka
				c.EventBus.Brokers = []string{"not a broker"}
			},
			wantErr: "Config.EventBus.Brokers[0]",
		},
		{
			name:    "kubernetes without namespace",
			mutate:  func(c *Config) { c.Cluster.Mode = ClusterKubernetes },
			wantErr: "Config.Cluster.Namespace",
		},
		{
			name:    "invalid fossology url",
			mutate:  func(c *Config) { c.Fossology.BaseURL = "::not a url" },
			wantErr: "Config.Fossology.BaseURL",
		},
		{
			name:    "poller without actor",
			mutate:  func(c *Config) { c.Poller.Enabled = true },
			wantErr: "poller needs actor_email and actor_group",
		},
		{
			name: "poller with actor",
			mutate: func(c *Config) {
				c.Poller.Enabled = true
				c.Poller.ActorEmail = "bot@example.com"
				c.Poller.ActorGroup = "clearing"
			},
		},
		{
			name:    "sampling probability out of range",
			mutate:  func(c *Config) { c.Telemetry.Probability = 2 },
			wantErr: "Config.Telemetry.Probability",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)

			err := cfg.Validate()
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}
