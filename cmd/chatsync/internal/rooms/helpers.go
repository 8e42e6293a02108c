package rooms

import (
	"fmt"
	"io"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/tinyland-inc/chatsync/cmd/chatsync/internal"
	"github.com/tinyland-inc/chatsync/pkg/api"
)

func listRooms(cmd *cobra.Command, configPath string) error {
	cfg, err := internal.LoadConfig(configPath)
	if err != nil {
		return fmt.Errorf("error loading config: %w", err)
	}
	user, err := internal.RequireUser(cfg)
	if err != nil {
		return err
	}

	rooms, err := internal.NewAPIClient(cfg).ListRooms(cmd.Context(), user.Username)
	if err != nil {
		return err
	}
	printRooms(cmd.OutOrStdout(), rooms)
	return nil
}

func createGroup(cmd *cobra.Command, configPath, name string, members []string) error {
	cfg, err := internal.LoadConfig(configPath)
	if err != nil {
		return fmt.Errorf("error loading config: %w", err)
	}
	user, err := internal.RequireUser(cfg)
	if err != nil {
		return err
	}

	rd, err := internal.NewAPIClient(cfg).CreateGroup(cmd.Context(), name, members, user.ID)
	if err != nil {
		return err
	}
	out := cmd.OutOrStdout()
	if rd.Room.ID == "" {
		fmt.Fprintf(out, "Group %q created\n", name)
		return nil
	}
	fmt.Fprintf(out, "Group %q created (id %s)\n", rd.Room.Name, rd.Room.ID)
	return nil
}

func printRooms(w io.Writer, rooms []api.RoomDetail) {
	if len(rooms) == 0 {
		fmt.Fprintln(w, "No rooms.")
		return
	}
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tKIND\tNAME\tMESSAGES\tMEMBERS")
	for _, rd := range rooms {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%d\t%s\n",
			rd.Room.ID, rd.Room.Kind, rd.Room.Name, len(rd.Messages), strings.Join(rd.Room.Members, ","))
	}
	_ = tw.Flush()
}
