package internal

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"

	"github.com/tinyland-inc/chatsync/pkg/api"
	"github.com/tinyland-inc/chatsync/pkg/chat"
	"github.com/tinyland-inc/chatsync/pkg/config"
	"github.com/tinyland-inc/chatsync/pkg/connection"
	"github.com/tinyland-inc/chatsync/pkg/logger"
	"github.com/tinyland-inc/chatsync/pkg/transport/stomp"
)

const Logo = "💬"

var (
	version   = "dev"
	gitCommit string
	buildTime string
	goVersion string
)

func GetHomeDir() string {
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".chatsync")
}

func GetConfigPath() string {
	return filepath.Join(GetHomeDir(), "config.json")
}

func GetLogPath() string {
	return filepath.Join(GetHomeDir(), "chatsync.log")
}

// LoadConfig reads the config at path, or the default location when path is
// empty, and applies its log settings.
func LoadConfig(path string) (*config.Config, error) {
	if path == "" {
		path = GetConfigPath()
	}
	cfg, err := config.LoadConfig(path)
	if err != nil {
		return nil, err
	}
	logger.SetLevel(logger.ParseLevel(cfg.Log.Level))
	return cfg, nil
}

// RequireUser fails with a hint when no user is configured.
func RequireUser(cfg *config.Config) (chat.User, error) {
	if !cfg.HasUser() {
		return chat.User{}, fmt.Errorf("no user configured, run 'chatsync onboard --user-id ID --username NAME'")
	}
	return chat.User{ID: cfg.User.ID, Username: cfg.User.Username}, nil
}

func NewAPIClient(cfg *config.Config) *api.Client {
	return api.NewClient(cfg.Server.BaseURL, cfg.HTTPTimeout())
}

// NewConnectionManager wires the STOMP dialer into a connection manager
// configured from cfg.
func NewConnectionManager(cfg *config.Config) (*connection.Manager, error) {
	dialer, err := stomp.NewDialer(cfg.Server.WebSocketURL,
		stomp.WithHeartBeat(cfg.Heartbeat()),
		stomp.WithReceipts(cfg.Connection.PublishReceipts),
	)
	if err != nil {
		return nil, fmt.Errorf("error creating dialer: %w", err)
	}
	return connection.NewManager(dialer,
		connection.WithConnectTimeout(cfg.ConnectTimeout()),
		connection.WithReconnect(cfg.Connection.ReconnectAttempts, cfg.ReconnectMin(), cfg.ReconnectMax()),
	), nil
}

// FormatVersion returns the version string with optional git commit
func FormatVersion() string {
	v := version
	if gitCommit != "" {
		v += fmt.Sprintf(" (git: %s)", gitCommit)
	}
	return v
}

// FormatBuildInfo returns build time and go version info
func FormatBuildInfo() (string, string) {
	build := buildTime
	goVer := goVersion
	if goVer == "" {
		goVer = runtime.Version()
	}
	return build, goVer
}

func GetVersion() string {
	return version
}
