package cmd

import "github.com/spf13/cobra"

var rootCmd = &cobra.Command{
	Use:           "agentauth",
	Short:         "Multi-provider authentication and quota coordination for agent workers",
	SilenceUsage:  true,
	SilenceErrors: true,
}

func Execute() error {
	return rootCmd.Execute()
}
