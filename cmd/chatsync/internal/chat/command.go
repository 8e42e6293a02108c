package chat

import (
	"github.com/spf13/cobra"
)

func NewChatCommand() *cobra.Command {
	var configPath string
	var room string
	var debug bool

	cmd := &cobra.Command{
		Use:     "chat",
		Aliases: []string{"c"},
		Short:   "Start an interactive chat session",
		Args:    cobra.NoArgs,
		Example: `  chatsync chat
  chatsync chat --room general
  chatsync chat --debug`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return chatCmd(cmd.Context(), configPath, room, debug)
		},
	}

	cmd.Flags().StringVar(&configPath, "config", "", "Config file path (default: ~/.chatsync/config.json)")
	cmd.Flags().StringVarP(&room, "room", "r", "", "Room id or name to open first")
	cmd.Flags().BoolVarP(&debug, "debug", "d", false, "Enable debug logging")

	return cmd
}
