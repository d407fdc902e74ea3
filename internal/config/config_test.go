package config

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "broker.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestLoad(t *testing.T) {
	t.Run("missing file gives defaults", func(t *testing.T) {
		cfg, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
		require.NoError(t, err)
		assert.Equal(t, Default(), cfg)
	})

	t.Run("file overrides defaults", func(t *testing.T) {
		path := writeConfig(t, `
server:
  port: 9000
shell:
  connect_timeout: 0s
  stats_interval: 5s
desktop:
  rdp: false
log:
  format: json
`)
		cfg, err := Load(path)
		require.NoError(t, err)
		assert.Equal(t, 9000, cfg.Server.Port)
		assert.Equal(t, "127.0.0.1", cfg.Server.Host)
		assert.Zero(t, cfg.Shell.ConnectTimeout)
		assert.Equal(t, 5*time.Second, cfg.Shell.StatsInterval)
		assert.True(t, cfg.Desktop.VNC)
		assert.False(t, cfg.Desktop.RDP)
		assert.Equal(t, "json", cfg.Log.Format)
	})

	t.Run("env wins over file", func(t *testing.T) {
		t.Setenv("BROKER_PORT", "7000")
		t.Setenv("BROKER_LOG_LEVEL", "debug")
		cfg, err := Load(writeConfig(t, "server:\n  port: 9000\n"))
		require.NoError(t, err)
		assert.Equal(t, 7000, cfg.Server.Port)
		assert.Equal(t, "debug", cfg.Log.Level)
		assert.Equal(t, "127.0.0.1:7000", cfg.Addr())
	})

	t.Run("invalid values", func(t *testing.T) {
		for name, body := range map[string]string{
			"syntax":  "server: [",
			"port":    "server:\n  port: 70000\n",
			"level":   "log:\n  level: loud\n",
			"format":  "log:\n  format: xml\n",
			"timeout": "shell:\n  connect_timeout: -1s\n",
		} {
			_, err := Load(writeConfig(t, body))
			assert.Error(t, err, name)
		}
	})
}

func TestNewLogger(t *testing.T) {
	cfg := Default()
	cfg.Log.Level = "warn"
	cfg.Log.Format = "json"

	var buf bytes.Buffer
	logger := cfg.NewLogger(&buf)
	logger.Info("hidden")
	logger.Warn("shown", "component", "test")

	out := buf.String()
	assert.NotContains(t, out, "hidden")
	assert.True(t, strings.HasPrefix(out, "{"), out)
	assert.Contains(t, out, `"component":"test"`)
}
