package rooms

import (
	"github.com/spf13/cobra"
)

func NewRoomsCommand() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "rooms",
		Short: "List and create chat rooms",
		Example: `  chatsync rooms list
  chatsync rooms create team --members bob,carol`,
	}
	cmd.PersistentFlags().StringVar(&configPath, "config", "", "Config file path (default: ~/.chatsync/config.json)")

	list := &cobra.Command{
		Use:     "list",
		Aliases: []string{"ls"},
		Short:   "List your rooms",
		Args:    cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return listRooms(cmd, configPath)
		},
	}

	var members []string
	create := &cobra.Command{
		Use:   "create NAME",
		Short: "Create a group room",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return createGroup(cmd, configPath, args[0], members)
		},
	}
	create.Flags().StringSliceVarP(&members, "members", "m", nil, "Usernames to add (comma separated)")
	_ = create.MarkFlagRequired("members")

	cmd.AddCommand(list, create)
	return cmd
}
