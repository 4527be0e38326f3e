package config

import (
	"encoding/json"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/adhocore/gronx"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// EnvPrefix prefixes every environment override.
const EnvPrefix = "TUTORCHAT_"

// ARCHITECTURAL DISCOVERY: Configuration layer serves as system-wide settings coordinator
// Clean separation between configuration management and business logic
type Config struct {
	Backend  *BackendConfig  `json:"backend"`
	Socket   *SocketConfig   `json:"socket"`
	Chat     *ChatConfig     `json:"chat"`
	HTTP     *HTTPConfig     `json:"http"`
	Database *DatabaseConfig `json:"database"`
	Log      *LogConfig      `json:"log"`
}

// BackendConfig locates the archive HTTP API.
type BackendConfig struct {
	BaseURL string        `json:"base_url"`
	Timeout time.Duration `json:"timeout"`
}

// SocketConfig tunes the shared real-time connection.
type SocketConfig struct {
	URL          string        `json:"url"`
	Reconnect    bool          `json:"reconnect"`
	ReconnectMin time.Duration `json:"reconnect_min"`
	ReconnectMax time.Duration `json:"reconnect_max"`
	PingInterval time.Duration `json:"ping_interval"`
	ReadTimeout  time.Duration `json:"read_timeout"`
	WriteTimeout time.Duration `json:"write_timeout"`
	BufferSize   int           `json:"buffer_size"`
}

// ChatConfig holds messaging behaviour knobs.
type ChatConfig struct {
	SendRate           float64 `json:"send_rate"`
	SendBurst          int     `json:"send_burst"`
	SummaryRefreshCron string  `json:"summary_refresh_cron"`
	SoundDefault       bool    `json:"sound_default"`
}

// HTTPConfig is the local consumer API listener.
type HTTPConfig struct {
	Port         int           `json:"port"`
	ReadTimeout  time.Duration `json:"read_timeout"`
	WriteTimeout time.Duration `json:"write_timeout"`
	Host         string        `json:"host"`
}

// DatabaseConfig is the local snapshot store.
type DatabaseConfig struct {
	Path    string        `json:"path"`
	Timeout time.Duration `json:"timeout"`
}

// LogConfig selects zap level and encoding.
type LogConfig struct {
	Level  string `json:"level"`
	Format string `json:"format"`
}

// DefaultConfig targets a backend on localhost and serves consumers on 8090.
func DefaultConfig() *Config {
	return &Config{
		Backend: &BackendConfig{
			BaseURL: "http://localhost:5000",
			Timeout: 15 * time.Second,
		},
		Socket: &SocketConfig{
			URL:          "ws://localhost:5000/socket",
			Reconnect:    true,
			ReconnectMin: 500 * time.Millisecond,
			ReconnectMax: 30 * time.Second,
			PingInterval: 30 * time.Second,
			ReadTimeout:  60 * time.Second,
			WriteTimeout: 10 * time.Second,
			BufferSize:   100,
		},
		Chat: &ChatConfig{
			SendRate:     5,
			SendBurst:    10,
			SoundDefault: true,
		},
		HTTP: &HTTPConfig{
			Port:         8090,
			ReadTimeout:  30 * time.Second,
			WriteTimeout: 30 * time.Second,
			Host:         "127.0.0.1",
		},
		Database: &DatabaseConfig{
			Path:    "./tutorchat.db",
			Timeout: 30 * time.Second,
		},
		Log: &LogConfig{
			Level:  "info",
			Format: "json",
		},
	}
}

// FUNCTIONAL DISCOVERY: Comprehensive validation prevents invalid system configurations
func (c *Config) Validate() error {
	if c.Backend == nil {
		return fmt.Errorf("backend configuration is required")
	}
	if err := validateURL(c.Backend.BaseURL, "http", "https"); err != nil {
		return fmt.Errorf("backend base URL: %w", err)
	}
	if c.Backend.Timeout <= 0 {
		return fmt.Errorf("backend timeout must be positive")
	}

	if c.Socket == nil {
		return fmt.Errorf("socket configuration is required")
	}
	if err := validateURL(c.Socket.URL, "ws", "wss"); err != nil {
		return fmt.Errorf("socket URL: %w", err)
	}
	if c.Socket.ReconnectMin <= 0 || c.Socket.ReconnectMax < c.Socket.ReconnectMin {
		return fmt.Errorf("socket reconnect bounds must be positive and ordered")
	}
	if c.Socket.PingInterval <= 0 {
		return fmt.Errorf("socket ping interval must be positive")
	}
	if c.Socket.ReadTimeout <= c.Socket.PingInterval {
		return fmt.Errorf("socket read timeout must exceed the ping interval")
	}
	if c.Socket.WriteTimeout <= 0 {
		return fmt.Errorf("socket write timeout must be positive")
	}
	if c.Socket.BufferSize <= 0 {
		return fmt.Errorf("socket buffer size must be positive")
	}

	if c.Chat == nil {
		return fmt.Errorf("chat configuration is required")
	}
	if c.Chat.SendRate <= 0 || c.Chat.SendBurst <= 0 {
		return fmt.Errorf("chat send rate and burst must be positive")
	}
	if c.Chat.SummaryRefreshCron != "" && !gronx.IsValid(c.Chat.SummaryRefreshCron) {
		return fmt.Errorf("invalid summary refresh cron expression: %s", c.Chat.SummaryRefreshCron)
	}

	if c.HTTP == nil {
		return fmt.Errorf("HTTP configuration is required")
	}
	if c.HTTP.Port <= 0 || c.HTTP.Port > 65535 {
		return fmt.Errorf("HTTP port must be between 1 and 65535")
	}
	if c.HTTP.ReadTimeout <= 0 || c.HTTP.WriteTimeout <= 0 {
		return fmt.Errorf("HTTP timeouts must be positive")
	}
	if c.HTTP.Host == "" {
		return fmt.Errorf("HTTP host cannot be empty")
	}

	if c.Database == nil {
		return fmt.Errorf("database configuration is required")
	}
	if c.Database.Path == "" {
		return fmt.Errorf("database path cannot be empty")
	}
	if c.Database.Timeout <= 0 {
		return fmt.Errorf("database timeout must be positive")
	}

	if c.Log == nil {
		return fmt.Errorf("log configuration is required")
	}
	switch strings.ToLower(c.Log.Level) {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("log level must be debug, info, warn or error")
	}
	if c.Log.Format != "json" && c.Log.Format != "console" {
		return fmt.Errorf("log format must be json or console")
	}

	return nil
}

func validateURL(raw string, schemes ...string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return err
	}
	if u.Host == "" {
		return fmt.Errorf("missing host in %q", raw)
	}
	for _, s := range schemes {
		if u.Scheme == s {
			return nil
		}
	}
	return fmt.Errorf("scheme must be one of %s", strings.Join(schemes, ", "))
}

// LoadFromEnv overlays TUTORCHAT_* variables on the defaults. A .env file in
// the working directory is read first; variables already set win over it.
func LoadFromEnv() *Config {
	_ = godotenv.Load()

	config := DefaultConfig()

	setString(&config.Backend.BaseURL, "BACKEND_URL")
	setDuration(&config.Backend.Timeout, "BACKEND_TIMEOUT")

	setString(&config.Socket.URL, "SOCKET_URL")
	setBool(&config.Socket.Reconnect, "SOCKET_RECONNECT")
	setDuration(&config.Socket.ReconnectMin, "SOCKET_RECONNECT_MIN")
	setDuration(&config.Socket.ReconnectMax, "SOCKET_RECONNECT_MAX")
	setDuration(&config.Socket.PingInterval, "SOCKET_PING_INTERVAL")
	setDuration(&config.Socket.ReadTimeout, "SOCKET_READ_TIMEOUT")
	setDuration(&config.Socket.WriteTimeout, "SOCKET_WRITE_TIMEOUT")
	setInt(&config.Socket.BufferSize, "SOCKET_BUFFER_SIZE")

	setFloat(&config.Chat.SendRate, "CHAT_SEND_RATE")
	setInt(&config.Chat.SendBurst, "CHAT_SEND_BURST")
	setString(&config.Chat.SummaryRefreshCron, "CHAT_SUMMARY_REFRESH_CRON")
	setBool(&config.Chat.SoundDefault, "CHAT_SOUND_DEFAULT")

	setInt(&config.HTTP.Port, "HTTP_PORT")
	setString(&config.HTTP.Host, "HTTP_HOST")
	setDuration(&config.HTTP.ReadTimeout, "HTTP_READ_TIMEOUT")
	setDuration(&config.HTTP.WriteTimeout, "HTTP_WRITE_TIMEOUT")

	setString(&config.Database.Path, "DATABASE_PATH")
	setDuration(&config.Database.Timeout, "DATABASE_TIMEOUT")

	setString(&config.Log.Level, "LOG_LEVEL")
	setString(&config.Log.Format, "LOG_FORMAT")

	return config
}

// Malformed values are ignored and the previous value kept.
func setString(dst *string, key string) {
	if v := os.Getenv(EnvPrefix + key); v != "" {
		*dst = v
	}
}

func setInt(dst *int, key string) {
	if v := os.Getenv(EnvPrefix + key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func setFloat(dst *float64, key string) {
	if v := os.Getenv(EnvPrefix + key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			*dst = f
		}
	}
}

func setBool(dst *bool, key string) {
	if v := os.Getenv(EnvPrefix + key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			*dst = b
		}
	}
}

func setDuration(dst *time.Duration, key string) {
	if v := os.Getenv(EnvPrefix + key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			*dst = d
		}
	}
}

// ConfigFile is the on-disk shape; durations are strings ("30s").
// FUNCTIONAL DISCOVERY: Separate struct for parsing to handle duration strings
type ConfigFile struct {
	Backend  *BackendConfigFile  `json:"backend" yaml:"backend"`
	Socket   *SocketConfigFile   `json:"socket" yaml:"socket"`
	Chat     *ChatConfigFile     `json:"chat" yaml:"chat"`
	HTTP     *HTTPConfigFile     `json:"http" yaml:"http"`
	Database *DatabaseConfigFile `json:"database" yaml:"database"`
	Log      *LogConfig          `json:"log" yaml:"log"`
}

type BackendConfigFile struct {
	BaseURL string `json:"base_url" yaml:"base_url"`
	Timeout string `json:"timeout" yaml:"timeout"`
}

type SocketConfigFile struct {
	URL          string `json:"url" yaml:"url"`
	Reconnect    *bool  `json:"reconnect" yaml:"reconnect"`
	ReconnectMin string `json:"reconnect_min" yaml:"reconnect_min"`
	ReconnectMax string `json:"reconnect_max" yaml:"reconnect_max"`
	PingInterval string `json:"ping_interval" yaml:"ping_interval"`
	ReadTimeout  string `json:"read_timeout" yaml:"read_timeout"`
	WriteTimeout string `json:"write_timeout" yaml:"write_timeout"`
	BufferSize   int    `json:"buffer_size" yaml:"buffer_size"`
}

type ChatConfigFile struct {
	SendRate           float64 `json:"send_rate" yaml:"send_rate"`
	SendBurst          int     `json:"send_burst" yaml:"send_burst"`
	SummaryRefreshCron string  `json:"summary_refresh_cron" yaml:"summary_refresh_cron"`
	SoundDefault       *bool   `json:"sound_default" yaml:"sound_default"`
}

type HTTPConfigFile struct {
	Port         int    `json:"port" yaml:"port"`
	ReadTimeout  string `json:"read_timeout" yaml:"read_timeout"`
	WriteTimeout string `json:"write_timeout" yaml:"write_timeout"`
	Host         string `json:"host" yaml:"host"`
}

type DatabaseConfigFile struct {
	Path    string `json:"path" yaml:"path"`
	Timeout string `json:"timeout" yaml:"timeout"`
}

// LoadFromFile reads a JSON or YAML file (chosen by extension) over the
// defaults and validates the result.
func LoadFromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
	}

	var configFile ConfigFile
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		err = yaml.Unmarshal(data, &configFile)
	default:
		err = json.Unmarshal(data, &configFile)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
	}

	config := DefaultConfig()
	if err := configFile.apply(config); err != nil {
		return nil, fmt.Errorf("invalid value in %s: %w", path, err)
	}

	// ARCHITECTURAL DISCOVERY: Validate configuration after loading to catch errors early
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration in %s: %w", path, err)
	}

	return config, nil
}

func (f *ConfigFile) apply(config *Config) error {
	if b := f.Backend; b != nil {
		if b.BaseURL != "" {
			config.Backend.BaseURL = b.BaseURL
		}
		if err := parseDuration(b.Timeout, &config.Backend.Timeout); err != nil {
			return err
		}
	}

	if s := f.Socket; s != nil {
		if s.URL != "" {
			config.Socket.URL = s.URL
		}
		if s.Reconnect != nil {
			config.Socket.Reconnect = *s.Reconnect
		}
		if s.BufferSize > 0 {
			config.Socket.BufferSize = s.BufferSize
		}
		for _, d := range []struct {
			raw string
			dst *time.Duration
		}{
			{s.ReconnectMin, &config.Socket.ReconnectMin},
			{s.ReconnectMax, &config.Socket.ReconnectMax},
			{s.PingInterval, &config.Socket.PingInterval},
			{s.ReadTimeout, &config.Socket.ReadTimeout},
			{s.WriteTimeout, &config.Socket.WriteTimeout},
		} {
			if err := parseDuration(d.raw, d.dst); err != nil {
				return err
			}
		}
	}

	if c := f.Chat; c != nil {
		if c.SendRate > 0 {
			config.Chat.SendRate = c.SendRate
		}
		if c.SendBurst > 0 {
			config.Chat.SendBurst = c.SendBurst
		}
		if c.SummaryRefreshCron != "" {
			config.Chat.SummaryRefreshCron = c.SummaryRefreshCron
		}
		if c.SoundDefault != nil {
			config.Chat.SoundDefault = *c.SoundDefault
		}
	}

	if h := f.HTTP; h != nil {
		if h.Port > 0 {
			config.HTTP.Port = h.Port
		}
		if h.Host != "" {
			config.HTTP.Host = h.Host
		}
		if err := parseDuration(h.ReadTimeout, &config.HTTP.ReadTimeout); err != nil {
			return err
		}
		if err := parseDuration(h.WriteTimeout, &config.HTTP.WriteTimeout); err != nil {
			return err
		}
	}

	if d := f.Database; d != nil {
		if d.Path != "" {
			config.Database.Path = d.Path
		}
		if err := parseDuration(d.Timeout, &config.Database.Timeout); err != nil {
			return err
		}
	}

	if l := f.Log; l != nil {
		if l.Level != "" {
			config.Log.Level = l.Level
		}
		if l.Format != "" {
			config.Log.Format = l.Format
		}
	}

	return nil
}

func parseDuration(raw string, dst *time.Duration) error {
	if raw == "" {
		return nil
	}
	d, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("duration %q: %w", raw, err)
	}
	*dst = d
	return nil
}

// LoadConfigWithPrecedence resolves file > environment > defaults. A
// missing or broken file is reported so the caller can log it; the
// environment config is still returned.
func LoadConfigWithPrecedence(path string) (*Config, error) {
	config := LoadFromEnv()

	if path == "" {
		return config, nil
	}

	fileConfig, err := LoadFromFile(path)
	if err != nil {
		return config, err
	}
	return fileConfig, nil
}
