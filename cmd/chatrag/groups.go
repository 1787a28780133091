package main

import (
	"errors"
	"text/tabwriter"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/becomeliminal/chatrag/core"
	"github.com/becomeliminal/chatrag/storage/sqlite"
)

var (
	groupName     string
	groupUnmanage bool
)

var groupsCmd = &cobra.Command{
	Use:   "groups",
	Short: "List and manage chat groups",
}

var groupsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List known groups",
	Args:  cobra.NoArgs,
	RunE:  runGroupsList,
}

var groupsManageCmd = &cobra.Command{
	Use:   "manage GROUP",
	Short: "Mark a group as managed, registering it if needed",
	Args:  cobra.ExactArgs(1),
	RunE:  runGroupsManage,
}

func init() {
	groupsManageCmd.Flags().StringVar(&groupName, "name", "", "display name")
	groupsManageCmd.Flags().BoolVar(&groupUnmanage, "off", false, "stop managing the group instead")
	groupsCmd.AddCommand(groupsListCmd, groupsManageCmd)
	rootCmd.AddCommand(groupsCmd)
}

// openStore opens only the message store; group commands need no providers.
func openStore() (*sqlite.Store, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}
	return sqlite.Open(cfg.Storage.SQLitePath)
}

func runGroupsList(cmd *cobra.Command, args []string) error {
	store, err := openStore()
	if err != nil {
		return err
	}
	defer store.Close()

	groups, err := store.ListGroups(cmd.Context())
	if err != nil {
		return err
	}
	if len(groups) == 0 {
		cmd.Println("No groups yet.")
		return nil
	}

	green := color.New(color.FgGreen).SprintFunc()
	w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
	w.Write([]byte("GROUP\tNAME\tMANAGED\tLAST SUMMARY\n"))
	for _, g := range groups {
		managed := "no"
		if g.Managed {
			managed = green("yes")
		}
		synced := "-"
		if g.LastSummarySync != nil {
			synced = g.LastSummarySync.Local().Format("2006-01-02 15:04")
		}
		w.Write([]byte(g.ID + "\t" + g.Name + "\t" + managed + "\t" + synced + "\n"))
	}
	return w.Flush()
}

func runGroupsManage(cmd *cobra.Command, args []string) error {
	store, err := openStore()
	if err != nil {
		return err
	}
	defer store.Close()

	ctx := cmd.Context()
	g, err := store.GetGroup(ctx, args[0])
	if errors.Is(err, core.ErrNotFound) {
		g = core.Group{ID: args[0], Name: args[0]}
	} else if err != nil {
		return err
	}
	if groupName != "" {
		g.Name = groupName
	}
	g.Managed = !groupUnmanage
	if err := store.UpsertGroup(ctx, g); err != nil {
		return err
	}

	state := "managed"
	if !g.Managed {
		state = "not managed"
	}
	cmd.Printf("Group %s (%s) is now %s\n", g.ID, g.Name, state)
	return nil
}
