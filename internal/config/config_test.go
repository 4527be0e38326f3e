package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestConfig_DefaultConfig(t *testing.T) {
	config := DefaultConfig()
	require.NotNil(t, config)

	assert.NoError(t, config.Validate())
	assert.True(t, config.Socket.Reconnect, "reconnect is enabled by default")
	assert.Equal(t, 10, config.Chat.SendBurst)
	assert.True(t, config.Chat.SoundDefault)
	assert.Greater(t, config.Socket.ReadTimeout, config.Socket.PingInterval)
}

func TestConfig_Validate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(c *Config)
	}{
		{"missing backend", func(c *Config) { c.Backend = nil }},
		{"bad backend scheme", func(c *Config) { c.Backend.BaseURL = "ftp://host" }},
		{"socket url not websocket", func(c *Config) { c.Socket.URL = "http://host/socket" }},
		{"inverted reconnect bounds", func(c *Config) { c.Socket.ReconnectMax = c.Socket.ReconnectMin / 2 }},
		{"read timeout below ping", func(c *Config) { c.Socket.ReadTimeout = c.Socket.PingInterval }},
		{"zero send burst", func(c *Config) { c.Chat.SendBurst = 0 }},
		{"bad cron", func(c *Config) { c.Chat.SummaryRefreshCron = "every minute" }},
		{"invalid port", func(c *Config) { c.HTTP.Port = -1 }},
		{"empty database path", func(c *Config) { c.Database.Path = "" }},
		{"unknown log level", func(c *Config) { c.Log.Level = "trace" }},
		{"unknown log format", func(c *Config) { c.Log.Format = "xml" }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			config := DefaultConfig()
			tt.mutate(config)
			assert.Error(t, config.Validate())
		})
	}

	t.Run("valid cron accepted", func(t *testing.T) {
		config := DefaultConfig()
		config.Chat.SummaryRefreshCron = "*/5 * * * *"
		assert.NoError(t, config.Validate())
	})
}

func TestConfig_LoadFromEnv(t *testing.T) {
	t.Setenv("TUTORCHAT_HTTP_PORT", "9091")
	t.Setenv("TUTORCHAT_BACKEND_URL", "https://api.example.com")
	t.Setenv("TUTORCHAT_SOCKET_RECONNECT", "false")
	t.Setenv("TUTORCHAT_SOCKET_PING_INTERVAL", "15s")
	t.Setenv("TUTORCHAT_CHAT_SEND_BURST", "50")
	t.Setenv("TUTORCHAT_CHAT_SEND_RATE", "2.5")
	t.Setenv("TUTORCHAT_LOG_LEVEL", "debug")
	t.Setenv("TUTORCHAT_DATABASE_TIMEOUT", "not-a-duration")

	config := LoadFromEnv()

	assert.Equal(t, 9091, config.HTTP.Port)
	assert.Equal(t, "https://api.example.com", config.Backend.BaseURL)
	assert.False(t, config.Socket.Reconnect)
	assert.Equal(t, 15*time.Second, config.Socket.PingInterval)
	assert.Equal(t, 50, config.Chat.SendBurst)
	assert.InDelta(t, 2.5, config.Chat.SendRate, 0.001)
	assert.Equal(t, "debug", config.Log.Level)
	assert.Equal(t, 30*time.Second, config.Database.Timeout, "malformed values keep the default")
}

func TestConfig_LoadFromFile_JSON(t *testing.T) {
	path := writeFile(t, "config.json", `{
		"backend": {"base_url": "https://api.example.com", "timeout": "5s"},
		"socket": {"url": "wss://api.example.com/socket", "reconnect": false, "ping_interval": "10s", "read_timeout": "25s"},
		"chat": {"send_burst": 30, "summary_refresh_cron": "*/2 * * * *"},
		"http": {"port": 8081},
		"database": {"path": "/tmp/chat.db"}
	}`)

	config, err := LoadFromFile(path)
	require.NoError(t, err)

	assert.Equal(t, "https://api.example.com", config.Backend.BaseURL)
	assert.Equal(t, 5*time.Second, config.Backend.Timeout)
	assert.False(t, config.Socket.Reconnect)
	assert.Equal(t, 10*time.Second, config.Socket.PingInterval)
	assert.Equal(t, 30, config.Chat.SendBurst)
	assert.Equal(t, "*/2 * * * *", config.Chat.SummaryRefreshCron)
	assert.Equal(t, 8081, config.HTTP.Port)
	assert.Equal(t, "/tmp/chat.db", config.Database.Path)
	assert.Equal(t, "127.0.0.1", config.HTTP.Host, "unset fields keep defaults")
}

func TestConfig_LoadFromFile_YAML(t *testing.T) {
	path := writeFile(t, "config.yaml", `
backend:
  base_url: http://backend:5000
chat:
  send_burst: 40
  sound_default: false
log:
  level: warn
  format: console
`)

	config, err := LoadFromFile(path)
	require.NoError(t, err)

	assert.Equal(t, "http://backend:5000", config.Backend.BaseURL)
	assert.Equal(t, 40, config.Chat.SendBurst)
	assert.False(t, config.Chat.SoundDefault)
	assert.Equal(t, "warn", config.Log.Level)
	assert.Equal(t, "console", config.Log.Format)
}

func TestConfig_LoadFromFile_Errors(t *testing.T) {
	_, err := LoadFromFile(filepath.Join(t.TempDir(), "missing.json"))
	assert.Error(t, err)

	_, err = LoadFromFile(writeFile(t, "broken.json", `{"http": `))
	assert.Error(t, err)

	_, err = LoadFromFile(writeFile(t, "bad-duration.json", `{"backend": {"timeout": "soon"}}`))
	assert.Error(t, err)

	_, err = LoadFromFile(writeFile(t, "invalid.json", `{"http": {"port": 70000}}`))
	assert.Error(t, err)
}

func TestConfig_LoadConfigWithPrecedence(t *testing.T) {
	t.Setenv("TUTORCHAT_HTTP_PORT", "9999")

	config, err := LoadConfigWithPrecedence("")
	require.NoError(t, err)
	assert.Equal(t, 9999, config.HTTP.Port, "environment applies without a file")

	path := writeFile(t, "config.json", `{"http": {"port": 7000}}`)
	config, err = LoadConfigWithPrecedence(path)
	require.NoError(t, err)
	assert.Equal(t, 7000, config.HTTP.Port, "file wins over environment")

	config, err = LoadConfigWithPrecedence(filepath.Join(t.TempDir(), "nope.json"))
	assert.Error(t, err)
	require.NotNil(t, config)
	assert.Equal(t, 9999, config.HTTP.Port, "environment config survives a bad file")
}
