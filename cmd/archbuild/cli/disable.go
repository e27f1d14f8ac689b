package cli

import (
	"github.com/spf13/cobra"
)

var disableCmd = &cobra.Command{
	Use:               "disable <schedule>",
	Short:             "Disable a schedule by name in config.yaml",
	Args:              exactArgs(1),
	ValidArgsFunction: scheduleCompletion,
	RunE: func(cmd *cobra.Command, args []string) error {
		return toggleSchedule(cmd, args[0], false)
	},
}

func init() {
	rootCmd.AddCommand(disableCmd)
}
