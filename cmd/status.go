package cmd

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/jmach/agentauth/internal/provider"
)

type statusDirectory interface {
	ProviderStatus(ctx context.Context) []*provider.Status
}

var (
	loadStatusApp = loadApp
	newStatusDir  = func(a *app) statusDirectory {
		return a.auth
	}
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show authentication and quota state for every provider",
	RunE:  runStatus,
}

func init() {
	rootCmd.AddCommand(statusCmd)
}

func runStatus(cmd *cobra.Command, _ []string) error {
	a, err := loadStatusApp()
	if err != nil {
		return err
	}
	defer a.Close()

	statuses := newStatusDir(a).ProviderStatus(cmd.Context())
	if len(statuses) == 0 {
		fmt.Fprintln(cmd.OutOrStdout(), "No providers configured.")
		return nil
	}

	fmt.Fprintln(cmd.OutOrStdout(), "PROVIDER\tMODE\tAUTH\tTIER\tREMAINING\tHEADROOM\tCHECKED_AT")
	for _, st := range statuses {
		authState := "no"
		if st.Authenticated {
			authState = "yes"
		}
		fmt.Fprintf(cmd.OutOrStdout(), "%s\t%s\t%s\t%s\t%d\t%d\t%s\n",
			st.Provider,
			st.Mode,
			authState,
			st.SubscriptionTier,
			st.RemainingBudget,
			st.ConcurrencyHeadroom,
			st.CheckedAt.Format(time.RFC3339),
		)
	}
	return nil
}
