package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	t.Chdir(t.TempDir())

	cfg, err := Load(viper.New(), "")
	require.NoError(t, err)
	assert.Equal(t, ":8080", cfg.Server.Addr)
	assert.Equal(t, "local", cfg.Coordination.Backend)
	assert.Equal(t, 15*time.Second, cfg.Coordination.LeaseTTL)
	assert.Equal(t, "memory", cfg.Storage.Backend)
	assert.Equal(t, 1000, cfg.Session.HistoryLimit)
	assert.Equal(t, int64(500), cfg.Session.ResyncMaxIncremental)
	assert.Equal(t, 200*time.Millisecond, cfg.Changelog.FlushInterval)
	assert.NotEmpty(t, cfg.Instance.ID)
}

func TestLoadFileAndEnvironment(t *testing.T) {
	path := filepath.Join(t.TempDir(), "collabd.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
instance:
  id: node-a
storage:
  backend: bolt
bolt:
  path: /var/lib/collabd/collab.db
session:
  history_limit: 50
heartbeat:
  timeout: 2m
`), 0o600))
	t.Setenv("COLLABD_SESSION_HISTORY_LIMIT", "75")
	t.Setenv("COLLABD_COORDINATION_BACKEND", "redis")

	cfg, err := Load(viper.New(), path)
	require.NoError(t, err)
	assert.Equal(t, "node-a", cfg.Instance.ID)
	assert.Equal(t, "bolt", cfg.Storage.Backend)
	assert.Equal(t, "/var/lib/collabd/collab.db", cfg.Bolt.Path)
	assert.Equal(t, 75, cfg.Session.HistoryLimit)
	assert.Equal(t, "redis", cfg.Coordination.Backend)
	assert.Equal(t, 2*time.Minute, cfg.Heartbeat.Timeout)
}

func TestValidate(t *testing.T) {
	valid := func() Config {
		v := viper.New()
		SetDefaults(v)
		var cfg Config
		require.NoError(t, v.Unmarshal(&cfg))
		return cfg
	}
	require.NoError(t, valid().Validate())

	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"unknown storage", func(c *Config) { c.Storage.Backend = "s3" }},
		{"unknown coordination", func(c *Config) { c.Coordination.Backend = "etcd" }},
		{"postgres acl without postgres", func(c *Config) { c.Auth.ACL = "postgres" }},
		{"heartbeat timeout below interval", func(c *Config) { c.Heartbeat.Timeout = time.Second }},
		{"empty history", func(c *Config) { c.Session.HistoryLimit = 0 }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := valid()
			tt.mutate(&cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}

func TestMissingExplicitFile(t *testing.T) {
	_, err := Load(viper.New(), filepath.Join(t.TempDir(), "absent.yaml"))
	assert.Error(t, err)
}
