package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/coopco/sessiond/internal/access"
	"github.com/coopco/sessiond/internal/channels"
	"github.com/coopco/sessiond/internal/session"
)

var wipeCmd = &cobra.Command{
	Use:   "wipe",
	Short: "Delete the stored credentials of the configured identity",
	Long:  "Delete the credential directory so the next start pairs from scratch. Stop the daemon first.",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}
		mgr, err := session.NewManager(session.Config{
			Network:  cfg.Session.Network,
			Identity: access.Identity{User: cfg.Identity.User, UserID: cfg.Identity.UserID},
			DataDir:  cfg.Session.DataDir,
		}, session.Deps{})
		if err != nil {
			return err
		}
		defer mgr.Close()

		dir := mgr.CredentialDir()
		if err := os.RemoveAll(dir); err != nil {
			return fmt.Errorf("failed to remove %s: %w", dir, err)
		}
		fmt.Fprintf(cmd.OutOrStdout(), "removed %s\n", dir)
		return nil
	},
}

var networksCmd = &cobra.Command{
	Use:   "networks",
	Short: "List the chat networks this build can drive",
	Run: func(cmd *cobra.Command, args []string) {
		for _, name := range channels.RegisteredNames() {
			fmt.Fprintln(cmd.OutOrStdout(), name)
		}
	},
}

func init() {
	rootCmd.AddCommand(wipeCmd, networksCmd)
}
