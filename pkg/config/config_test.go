package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultIsValid(t *testing.T) {
	cfg := Default()
	require.NoError(t, cfg.Validate())

	class, err := cfg.Class("desktop-standard")
	require.NoError(t, err)
	assert.Equal(t, 1, class.Slots)

	_, err = cfg.Class("no-such-class")
	assert.Error(t, err)
}

func TestLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	content := `
tick_interval: 500ms
token_signing_key: test-key
classes:
  desktop-gpu:
    slots: 1
    max_nodes: 2
    max_pending: 10
    idle_timeout: 15m
    heartbeat_grace: 1m
    provision_retry_limit: 3
    provision_backoff: 2s
    provision_backoff_max: 1m
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, 500*time.Millisecond, cfg.TickInterval)
	assert.Equal(t, "test-key", cfg.TokenSigningKey)

	class, err := cfg.Class("desktop-gpu")
	require.NoError(t, err)
	// Name is backfilled from the map key.
	assert.Equal(t, "desktop-gpu", class.Name)
	assert.Equal(t, 2, class.MaxNodes)
	assert.Equal(t, 10, class.MaxPending)
	assert.Equal(t, 15*time.Minute, class.IdleTimeout)
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load("/does/not/exist.yaml")
	assert.Error(t, err)
}

func TestValidate(t *testing.T) {
	base := func() *Config {
		cfg := Default()
		return cfg
	}

	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{
			name:    "no classes",
			mutate:  func(c *Config) { c.Classes = nil },
			wantErr: "at least one capability class",
		},
		{
			name: "zero slots",
			mutate: func(c *Config) {
				class := c.Classes["desktop-standard"]
				class.Slots = 0
				c.Classes["desktop-standard"] = class
			},
			wantErr: "slots",
		},
		{
			name: "zero max nodes",
			mutate: func(c *Config) {
				class := c.Classes["desktop-standard"]
				class.MaxNodes = 0
				c.Classes["desktop-standard"] = class
			},
			wantErr: "max_nodes",
		},
		{
			name: "negative retry limit",
			mutate: func(c *Config) {
				class := c.Classes["desktop-standard"]
				class.ProvisionRetryLimit = -1
				c.Classes["desktop-standard"] = class
			},
			wantErr: "provision_retry_limit",
		},
		{
			name: "backoff max below base",
			mutate: func(c *Config) {
				class := c.Classes["desktop-standard"]
				class.ProvisionBackoffMax = class.ProvisionBackoff - time.Second
				c.Classes["desktop-standard"] = class
			},
			wantErr: "provision_backoff_max",
		},
		{
			name:    "non-positive tick",
			mutate:  func(c *Config) { c.TickInterval = 0 },
			wantErr: "tick interval",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := base()
			tt.mutate(cfg)
			err := cfg.Validate()
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}
