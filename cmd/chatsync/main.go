// chatsync - Real-time chat synchronization client
// License: MIT
//
// Copyright (c) 2026 chatsync contributors

package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/tinyland-inc/chatsync/cmd/chatsync/internal"
	"github.com/tinyland-inc/chatsync/cmd/chatsync/internal/chat"
	"github.com/tinyland-inc/chatsync/cmd/chatsync/internal/onboard"
	"github.com/tinyland-inc/chatsync/cmd/chatsync/internal/rooms"
	"github.com/tinyland-inc/chatsync/cmd/chatsync/internal/version"
)

func NewChatsyncCommand() *cobra.Command {
	short := fmt.Sprintf("%s chatsync - terminal chat client v%s\n\n", internal.Logo, internal.GetVersion())

	cmd := &cobra.Command{
		Use:     "chatsync",
		Short:   short,
		Example: "chatsync chat --room general",
	}

	cmd.AddCommand(
		onboard.NewOnboardCommand(),
		chat.NewChatCommand(),
		rooms.NewRoomsCommand(),
		version.NewVersionCommand(),
	)

	return cmd
}

func main() {
	cmd := NewChatsyncCommand()
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}
