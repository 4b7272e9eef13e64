package cmd

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/jmach/agentauth/internal/config"
	"github.com/jmach/agentauth/internal/credential"
)

var (
	loadLogoutConfig = config.Load
	newLogoutStore   = credential.NewStore
)

var logoutCmd = &cobra.Command{
	Use:   "logout <provider>",
	Short: "Remove a provider's stored credential",
	Args:  cobra.ExactArgs(1),
	RunE:  runLogout,
}

func init() {
	rootCmd.AddCommand(logoutCmd)
}

func runLogout(cmd *cobra.Command, args []string) error {
	name := strings.TrimSpace(args[0])
	if name == "" {
		return fmt.Errorf("provider name is required")
	}

	cfg, err := loadLogoutConfig()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	store, err := newLogoutStore(cfg.DataDir)
	if err != nil {
		return fmt.Errorf("open credential store: %w", err)
	}

	if err := store.Delete(name); err != nil {
		return fmt.Errorf("delete credential: %w", err)
	}

	fmt.Fprintf(cmd.OutOrStdout(), "Credential removed: %s\n", name)
	return nil
}
