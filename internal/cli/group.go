package cli

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"

	"github.com/JaisonBinns/nanoclaw/internal/ipc"
	"github.com/JaisonBinns/nanoclaw/internal/store"
	"github.com/spf13/cobra"
)

var (
	groupCmd = &cobra.Command{
		Use:   "group",
		Short: "Manage registered groups",
		RunE: func(cmd *cobra.Command, args []string) error {
			return cmd.Help()
		},
	}

	groupRegisterCmd = &cobra.Command{
		Use:   "register",
		Short: "Register a chat as an agent group (picked up on next gateway start)",
		RunE:  runGroupRegister,
	}

	groupListCmd = &cobra.Command{
		Use:   "list",
		Short: "List registered groups",
		RunE:  runGroupList,
	}
)

func init() {
	groupRegisterCmd.Flags().String("jid", "", "Platform chat id")
	groupRegisterCmd.Flags().String("name", "", "Display name")
	groupRegisterCmd.Flags().String("folder", "", "Group folder (lowercase, a-z0-9_-)")
	groupRegisterCmd.Flags().String("trigger", "", "Display form of the trigger (default @<assistant>)")
	groupRegisterCmd.Flags().Bool("requires-trigger", true, "Only respond when the trigger is present")
	groupListCmd.Flags().Bool("json", false, "Output machine-readable JSON")
	groupCmd.AddCommand(groupRegisterCmd, groupListCmd)
}

func runGroupRegister(cmd *cobra.Command, args []string) error {
	jid, _ := cmd.Flags().GetString("jid")
	name, _ := cmd.Flags().GetString("name")
	folder, _ := cmd.Flags().GetString("folder")
	trigger, _ := cmd.Flags().GetString("trigger")
	requires, _ := cmd.Flags().GetBool("requires-trigger")
	if jid == "" || folder == "" {
		return fmt.Errorf("--jid and --folder are required")
	}
	if !ipc.ValidFolder(folder) {
		return fmt.Errorf("invalid folder %q", folder)
	}

	cfg, st, err := openState()
	if err != nil {
		return err
	}
	defer st.Close()

	if name == "" {
		name = folder
	}
	if trigger == "" {
		trigger = "@" + cfg.Assistant.Name
	}
	if folder == cfg.Assistant.MainGroupFolder {
		requires = false
	}
	g := store.RegisteredGroup{JID: jid, Name: name, Folder: folder, Trigger: trigger, RequiresTrigger: requires}
	if err := st.SetRegisteredGroup(g); err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Join(cfg.Paths.GroupsDir, folder, "logs"), 0o755); err != nil {
		return err
	}
	ok(cmd.OutOrStdout(), "Registered %s (%s) in folder %s", name, jid, folder)
	return nil
}

func runGroupList(cmd *cobra.Command, args []string) error {
	asJSON, _ := cmd.Flags().GetBool("json")
	_, st, err := openState()
	if err != nil {
		return err
	}
	defer st.Close()

	all, err := st.AllRegisteredGroups()
	if err != nil {
		return err
	}
	groups := make([]store.RegisteredGroup, 0, len(all))
	for _, g := range all {
		groups = append(groups, g)
	}
	sort.Slice(groups, func(i, j int) bool { return groups[i].Folder < groups[j].Folder })

	w := cmd.OutOrStdout()
	if asJSON {
		return writeJSON(w, groups)
	}
	if len(groups) == 0 {
		fmt.Fprintln(w, "No registered groups.")
		return nil
	}
	for _, g := range groups {
		trig := "always"
		if g.RequiresTrigger {
			trig = g.Trigger
		}
		fmt.Fprintf(w, "%-16s %-32s %-20s %s\n", g.Folder, g.JID, g.Name, trig)
	}
	return nil
}
