package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestConfig_Defaults(t *testing.T) {
	cfg := Default()

	assert.Equal(t, 8080, cfg.Server.Port)
	assert.Equal(t, "memory", cfg.Buffer.Backend)
	assert.Equal(t, 15*time.Minute, cfg.Buffer.TTL)
	assert.Equal(t, 50, cfg.Controller.DivertWeight)
	assert.Equal(t, 100.0, cfg.Replay.RatePerSecond)
	assert.Contains(t, cfg.Ingest.RedactHeaders, "Authorization")
}

func TestConfig_Validate(t *testing.T) {
	valid := func() *Config {
		cfg := Default()
		cfg.Routing.ControlURL = "http://router:9000"
		cfg.Routing.ResubmitURL = "http://router:8000"
		return cfg
	}

	t.Run("valid config passes", func(t *testing.T) {
		assert.NoError(t, valid().Validate())
	})

	t.Run("requires routing URLs", func(t *testing.T) {
		cfg := valid()
		cfg.Routing.ControlURL = ""
		err := cfg.Validate()
		assert.Error(t, err)
		assert.Contains(t, err.Error(), "control_url")
	})

	t.Run("rejects unknown buffer backend", func(t *testing.T) {
		cfg := valid()
		cfg.Buffer.Backend = "floppy"
		assert.Error(t, cfg.Validate())
	})

	t.Run("rejects out-of-range divert weight", func(t *testing.T) {
		cfg := valid()
		cfg.Controller.DivertWeight = 150
		assert.Error(t, cfg.Validate())
	})

	t.Run("rejects inverted rate bounds", func(t *testing.T) {
		cfg := valid()
		cfg.Replay.MinRatePerSecond = 500
		assert.Error(t, cfg.Validate())
	})
}

func TestLoad(t *testing.T) {
	t.Run("reads yaml and applies env overrides", func(t *testing.T) {
		dir := t.TempDir()
		path := filepath.Join(dir, "spillway.yaml")
		require.NoError(t, os.WriteFile(path, []byte(`
server:
  port: 9999
buffer:
  backend: memory
routing:
  control_url: http://router:9000
  resubmit_url: http://router:8000
controller:
  divert_weight: 30
`), 0600))

		t.Setenv("SPILLWAY_DIVERT_WEIGHT", "40")
		t.Setenv("SPILLWAY_BUFFER_TTL", "5m")

		cfg, err := Load(path)
		require.NoError(t, err)
		assert.Equal(t, 9999, cfg.Server.Port)
		assert.Equal(t, 5*time.Minute, cfg.Buffer.TTL)
		assert.Equal(t, 40, cfg.Controller.DivertWeight)
	})

	t.Run("missing file errors", func(t *testing.T) {
		_, err := Load("/nonexistent/spillway.yaml")
		assert.Error(t, err)
	})

	t.Run("invalid config errors", func(t *testing.T) {
		dir := t.TempDir()
		path := filepath.Join(dir, "spillway.yaml")
		require.NoError(t, os.WriteFile(path, []byte("server:\n  port: 70000\n"), 0600))

		_, err := Load(path)
		assert.Error(t, err)
	})
}
