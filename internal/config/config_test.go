package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefault_isValid(t *testing.T) {
	cfg := Default()
	require.NoError(t, cfg.Validate())

	assert.Equal(t, 200, cfg.Queue.Capacity)
	assert.Equal(t, 50, cfg.Sync.ErrorLogCap)
	assert.Equal(t, 2*time.Second, cfg.Sync.BaseBackoff)
	assert.Equal(t, 30*time.Second, cfg.Sync.MaxBackoff)
	assert.Equal(t, 5000, cfg.Hydrate.Ceiling)
	assert.Equal(t, 450, cfg.Hydrate.BatchLimit)
	assert.Equal(t, 5000, cfg.Rollover.Threshold)
	assert.Equal(t, 15, cfg.Views.LowStockThreshold)
}

func TestLoad_yamlOverDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "farmacontrol.yaml")
	body := `
dataDir: /var/lib/farma
queue:
  capacity: 50
sync:
  callTimeout: 5s
rollover:
  debounce: 500ms
`
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "/var/lib/farma", cfg.DataDir)
	assert.Equal(t, 50, cfg.Queue.Capacity)
	assert.Equal(t, 5*time.Second, cfg.Sync.CallTimeout)
	assert.Equal(t, 500*time.Millisecond, cfg.Rollover.Debounce)
	// untouched keys keep their defaults
	assert.Equal(t, 30*time.Second, cfg.Sync.MaxBackoff)
}

func TestApplyEnv(t *testing.T) {
	env := map[string]string{
		"FARMA_REMOTE_DRIVER":  "mongo",
		"MONGODB_URI":          "mongodb://localhost:27017",
		"MONGODB_DATABASE":     "hsvp",
		"FARMA_QUEUE_CAPACITY": "10",
		"FARMA_CALL_TIMEOUT":   "3s",
	}
	lookup := func(k string) (string, bool) {
		v, ok := env[k]
		return v, ok
	}

	cfg := Default()
	require.NoError(t, cfg.applyEnv(lookup))
	require.NoError(t, cfg.Validate())

	assert.Equal(t, DriverMongo, cfg.Remote.Driver)
	assert.Equal(t, "hsvp", cfg.Remote.Database)
	assert.Equal(t, 10, cfg.Queue.Capacity)
	assert.Equal(t, 3*time.Second, cfg.Sync.CallTimeout)
}

func TestApplyEnv_badNumber(t *testing.T) {
	cfg := Default()
	err := cfg.applyEnv(func(k string) (string, bool) {
		if k == "FARMA_QUEUE_CAPACITY" {
			return "lots", true
		}
		return "", false
	})
	assert.Error(t, err)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"unknown driver", func(c *Config) { c.Remote.Driver = "firestore" }},
		{"mongo without uri", func(c *Config) { c.Remote.Driver = DriverMongo }},
		{"zero capacity", func(c *Config) { c.Queue.Capacity = 0 }},
		{"backoff inverted", func(c *Config) { c.Sync.MaxBackoff = time.Second }},
		{"batch over limit", func(c *Config) { c.Hydrate.BatchLimit = 501 }},
		{"delete batch over limit", func(c *Config) { c.Rollover.DeleteBatch = 600 }},
		{"bad interval", func(c *Config) { c.Export.Interval = "hourly" }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}
