package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/adhocore/gronx"
	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
)

type Config struct {
	Server     ServerConfig     `json:"server"`
	User       UserConfig       `json:"user"`
	Connection ConnectionConfig `json:"connection"`
	Queue      QueueConfig      `json:"queue"`
	Metrics    MetricsConfig    `json:"metrics"`
	Log        LogConfig        `json:"log"`
}

type ServerConfig struct {
	BaseURL            string `env:"CHATSYNC_SERVER_BASE_URL"             json:"base_url"`
	WebSocketURL       string `env:"CHATSYNC_SERVER_WEBSOCKET_URL"        json:"websocket_url"`
	HTTPTimeoutSeconds int    `env:"CHATSYNC_SERVER_HTTP_TIMEOUT_SECONDS" json:"http_timeout_seconds"`
}

type UserConfig struct {
	ID       string `env:"CHATSYNC_USER_ID"       json:"id"`
	Username string `env:"CHATSYNC_USER_USERNAME" json:"username"`
}

type ConnectionConfig struct {
	ConnectTimeoutSeconds int  `env:"CHATSYNC_CONNECTION_CONNECT_TIMEOUT_SECONDS" json:"connect_timeout_seconds"`
	HeartbeatSeconds      int  `env:"CHATSYNC_CONNECTION_HEARTBEAT_SECONDS"       json:"heartbeat_seconds"`
	ReconnectAttempts     int  `env:"CHATSYNC_CONNECTION_RECONNECT_ATTEMPTS"      json:"reconnect_attempts"`
	ReconnectMinMS        int  `env:"CHATSYNC_CONNECTION_RECONNECT_MIN_MS"        json:"reconnect_min_ms"`
	ReconnectMaxMS        int  `env:"CHATSYNC_CONNECTION_RECONNECT_MAX_MS"        json:"reconnect_max_ms"`
	PublishReceipts       bool `env:"CHATSYNC_CONNECTION_PUBLISH_RECEIPTS"        json:"publish_receipts"`
	PublishTimeoutSeconds int  `env:"CHATSYNC_CONNECTION_PUBLISH_TIMEOUT_SECONDS" json:"publish_timeout_seconds"`
}

type QueueConfig struct {
	Enabled  bool   `env:"CHATSYNC_QUEUE_ENABLED"  json:"enabled"`
	Schedule string `env:"CHATSYNC_QUEUE_SCHEDULE" json:"schedule"`
}

type MetricsConfig struct {
	Enabled bool   `env:"CHATSYNC_METRICS_ENABLED" json:"enabled"`
	Addr    string `env:"CHATSYNC_METRICS_ADDR"    json:"addr"`
}

type LogConfig struct {
	Level   string `env:"CHATSYNC_LOG_LEVEL"   json:"level"`
	Console bool   `env:"CHATSYNC_LOG_CONSOLE" json:"console"`
}

func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			BaseURL:            "http://localhost:8080",
			WebSocketURL:       "ws://localhost:8080/ws/websocket",
			HTTPTimeoutSeconds: 10,
		},
		Connection: ConnectionConfig{
			ConnectTimeoutSeconds: 15,
			HeartbeatSeconds:      10,
			ReconnectAttempts:     5,
			ReconnectMinMS:        500,
			ReconnectMaxMS:        30000,
			PublishTimeoutSeconds: 10,
		},
		Queue: QueueConfig{
			Enabled:  true,
			Schedule: "* * * * *",
		},
		Metrics: MetricsConfig{
			Addr: "127.0.0.1:9464",
		},
		Log: LogConfig{
			Level:   "info",
			Console: true,
		},
	}
}

// LoadConfig reads the JSON file at path on top of the defaults, then applies
// a .env file from the working directory (if any) and CHATSYNC_* variables.
// A missing config file is not an error.
func LoadConfig(path string) (*Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		if err := json.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse %s: %w", path, err)
		}
	case !os.IsNotExist(err):
		return nil, err
	}

	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("load .env: %w", err)
	}

	if err := env.Parse(cfg); err != nil {
		return nil, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func SaveConfig(path string, cfg *Config) error {
	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return err
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}

	return os.WriteFile(path, data, 0o600)
}

// Validate checks the fields the engine cannot run without. The user section
// is only checked for shape here; commands that need a user check presence.
func (c *Config) Validate() error {
	if err := checkURL("server.base_url", c.Server.BaseURL, "http", "https"); err != nil {
		return err
	}
	if err := checkURL("server.websocket_url", c.Server.WebSocketURL, "ws", "wss"); err != nil {
		return err
	}
	if strings.ContainsAny(c.User.Username, "/ ") {
		return fmt.Errorf("user.username %q must not contain spaces or slashes", c.User.Username)
	}
	if c.Connection.ReconnectAttempts < 0 {
		return errors.New("connection.reconnect_attempts must be >= 0")
	}
	if c.Connection.ReconnectMinMS > c.Connection.ReconnectMaxMS {
		return errors.New("connection.reconnect_min_ms must not exceed reconnect_max_ms")
	}
	if c.Connection.PublishTimeoutSeconds <= 0 {
		return errors.New("connection.publish_timeout_seconds must be > 0")
	}
	if c.Queue.Enabled && !gronx.New().IsValid(c.Queue.Schedule) {
		return fmt.Errorf("queue.schedule %q is not a valid cron expression", c.Queue.Schedule)
	}
	return nil
}

func checkURL(field, raw string, schemes ...string) error {
	u, err := url.Parse(raw)
	if err != nil || u.Host == "" {
		return fmt.Errorf("%s %q is not a valid URL", field, raw)
	}
	for _, s := range schemes {
		if u.Scheme == s {
			return nil
		}
	}
	return fmt.Errorf("%s must use one of %v, got %q", field, schemes, u.Scheme)
}

// HasUser reports whether a user identity is configured.
func (c *Config) HasUser() bool {
	return c.User.ID != "" && c.User.Username != ""
}

func (c *Config) HTTPTimeout() time.Duration {
	return seconds(c.Server.HTTPTimeoutSeconds)
}

func (c *Config) ConnectTimeout() time.Duration {
	return seconds(c.Connection.ConnectTimeoutSeconds)
}

func (c *Config) Heartbeat() time.Duration {
	return seconds(c.Connection.HeartbeatSeconds)
}

func (c *Config) PublishTimeout() time.Duration {
	return seconds(c.Connection.PublishTimeoutSeconds)
}

func (c *Config) ReconnectMin() time.Duration {
	return time.Duration(c.Connection.ReconnectMinMS) * time.Millisecond
}

func (c *Config) ReconnectMax() time.Duration {
	return time.Duration(c.Connection.ReconnectMaxMS) * time.Millisecond
}

func seconds(n int) time.Duration {
	return time.Duration(n) * time.Second
}
