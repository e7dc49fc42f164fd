package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "cartlink.toml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

func TestLoad(t *testing.T) {
	t.Run("loads default values when nothing is set", func(t *testing.T) {
		cfg, err := Load()
		require.NoError(t, err)

		assert.Equal(t, "info", cfg.Log.Level)
		assert.Equal(t, "console", cfg.Log.Format)
		assert.Equal(t, "stdout", cfg.Log.Output)
		assert.Equal(t, "", cfg.Serial.Port)
		assert.Equal(t, 115200, cfg.Serial.BaudRate)
		assert.Equal(t, 3*time.Second, cfg.Serial.HealthCheckInterval)
		assert.True(t, cfg.Serial.KnownPortsFirst)
		assert.True(t, cfg.Serial.AutoConnect)
		assert.False(t, cfg.Serial.Verify)
		assert.Equal(t, 500*time.Millisecond, cfg.Protocol.AckTimeout)
		assert.Equal(t, 10*time.Second, cfg.Protocol.ListingTimeout)
		assert.Equal(t, 16*1024, cfg.Protocol.ChunkSize)
		assert.Equal(t, 3, cfg.Transfer.RetryLimit)
		assert.Equal(t, time.Second, cfg.Transfer.RetryBackoff)
		assert.Equal(t, 25*time.Millisecond, cfg.Launch.PollInterval)
		assert.Equal(t, 40, cfg.Launch.PollIterations)
		assert.Equal(t, 4*time.Second, cfg.Launch.ReconnectDelay)
		assert.Equal(t, 3, cfg.Launch.ReconnectAttempts)
		assert.Equal(t, int64(575000), cfg.Launch.LargeFileThreshold)
		assert.Equal(t, "cartlink.db", cfg.Store.Path)
		assert.True(t, cfg.Monitor.Enabled)
		assert.Equal(t, "127.0.0.1:8642", cfg.Monitor.ListenAddr)
		assert.Equal(t, "sd", cfg.Storage.Default)
	})

	t.Run("reads the toml file", func(t *testing.T) {
		path := writeConfig(t, `
[serial]
port = "/dev/ttyACM0"
verify = true
known_ports_first = false

[launch]
reconnect_delay = "2s"

[monitor]
enabled = false

[storage]
default = "USB"
`)
		cfg, err := Load(path)
		require.NoError(t, err)

		assert.Equal(t, "/dev/ttyACM0", cfg.Serial.Port)
		assert.True(t, cfg.Serial.Verify)
		assert.False(t, cfg.Serial.KnownPortsFirst)
		assert.Equal(t, 2*time.Second, cfg.Launch.ReconnectDelay)
		assert.False(t, cfg.Monitor.Enabled)
		assert.Equal(t, "usb", cfg.Storage.Default)
	})

	t.Run("environment overrides the file", func(t *testing.T) {
		path := writeConfig(t, "[serial]\nport = \"COM3\"\n")
		t.Setenv("CARTLINK_SERIAL_PORT", "COM7")
		t.Setenv("CARTLINK_TRANSFER_RETRY_LIMIT", "5")
		t.Setenv("CARTLINK_LOG_FORMAT", "json")

		cfg, err := Load(path)
		require.NoError(t, err)

		assert.Equal(t, "COM7", cfg.Serial.Port)
		assert.Equal(t, 5, cfg.Transfer.RetryLimit)
		assert.Equal(t, "json", cfg.Log.Format)
	})

	t.Run("missing explicit file is an error", func(t *testing.T) {
		_, err := Load(filepath.Join(t.TempDir(), "absent.toml"))
		assert.Error(t, err)
	})
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		env     map[string]string
		wantErr string
	}{
		{
			name:    "unknown storage",
			env:     map[string]string{"CARTLINK_STORAGE_DEFAULT": "floppy"},
			wantErr: "storage.default",
		},
		{
			name:    "unknown log format",
			env:     map[string]string{"CARTLINK_LOG_FORMAT": "xml"},
			wantErr: "log.format",
		},
		{
			name:    "negative retry limit",
			env:     map[string]string{"CARTLINK_TRANSFER_RETRY_LIMIT": "-1"},
			wantErr: "transfer.retry_limit",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			for k, v := range tt.env {
				t.Setenv(k, v)
			}
			_, err := Load()
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}
