package onboard

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/tinyland-inc/chatsync/cmd/chatsync/internal"
	"github.com/tinyland-inc/chatsync/pkg/config"
)

type options struct {
	ConfigPath   string
	UserID       string
	Username     string
	BaseURL      string
	WebSocketURL string
	Force        bool
}

func NewOnboardCommand() *cobra.Command {
	var opts options

	cmd := &cobra.Command{
		Use:   "onboard",
		Short: "Write an initial configuration",
		Args:  cobra.NoArgs,
		Example: `  chatsync onboard --user-id 7 --username alice
  chatsync onboard --user-id 7 --username alice --base-url https://chat.example.com --ws-url wss://chat.example.com/ws/websocket`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return onboard(cmd, opts)
		},
	}

	cmd.Flags().StringVar(&opts.ConfigPath, "config", "", "Config file path (default: ~/.chatsync/config.json)")
	cmd.Flags().StringVar(&opts.UserID, "user-id", "", "Your user id on the chat server")
	cmd.Flags().StringVar(&opts.Username, "username", "", "Your username on the chat server")
	cmd.Flags().StringVar(&opts.BaseURL, "base-url", "", "REST base URL")
	cmd.Flags().StringVar(&opts.WebSocketURL, "ws-url", "", "STOMP websocket URL")
	cmd.Flags().BoolVar(&opts.Force, "force", false, "Overwrite an existing config")
	_ = cmd.MarkFlagRequired("user-id")
	_ = cmd.MarkFlagRequired("username")

	return cmd
}

func onboard(cmd *cobra.Command, opts options) error {
	path := opts.ConfigPath
	if path == "" {
		path = internal.GetConfigPath()
	}
	if _, err := os.Stat(path); err == nil && !opts.Force {
		return fmt.Errorf("config already exists at %s (use --force to overwrite)", path)
	}

	cfg := config.DefaultConfig()
	cfg.User.ID = opts.UserID
	cfg.User.Username = opts.Username
	if opts.BaseURL != "" {
		cfg.Server.BaseURL = opts.BaseURL
	}
	if opts.WebSocketURL != "" {
		cfg.Server.WebSocketURL = opts.WebSocketURL
	}
	if err := cfg.Validate(); err != nil {
		return err
	}
	if err := config.SaveConfig(path, cfg); err != nil {
		return fmt.Errorf("error saving config: %w", err)
	}

	fmt.Fprintf(cmd.OutOrStdout(), "%s Config written to %s\n", internal.Logo, path)
	return nil
}
