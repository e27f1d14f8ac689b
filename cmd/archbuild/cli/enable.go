package cli

import (
	"errors"
	"fmt"

	"github.com/davarch/archbuild/internal/domain"
	"github.com/davarch/archbuild/internal/infrastructure/config"
	"github.com/spf13/cobra"
)

var enableCmd = &cobra.Command{
	Use:               "enable <schedule>",
	Short:             "Enable a schedule by name in config.yaml",
	Args:              exactArgs(1),
	ValidArgsFunction: scheduleCompletion,
	RunE: func(cmd *cobra.Command, args []string) error {
		return toggleSchedule(cmd, args[0], true)
	},
}

func init() {
	rootCmd.AddCommand(enableCmd)
}

func toggleSchedule(cmd *cobra.Command, name string, enabled bool) error {
	state := "disabled"
	if enabled {
		state = "enabled"
	}

	changed, err := config.SetScheduleEnabled(cfgPath, name, enabled)
	if errors.Is(err, config.ErrScheduleNotFound) {
		return domain.ConfigError("schedule %q not found in %s", name, cfgPath)
	}
	if err != nil {
		return err
	}

	if !changed {
		_, _ = fmt.Fprintf(cmd.OutOrStdout(), "no change (schedule %q already %s)\n", name, state)
		return nil
	}

	_, _ = fmt.Fprintf(cmd.OutOrStdout(), "%s: %s\n", state, name)
	return nil
}

func scheduleCompletion(cmd *cobra.Command, args []string, toComplete string) ([]string, cobra.ShellCompDirective) {
	cfg, err := config.Load(cfgPath)
	if err != nil || len(args) > 0 {
		return nil, cobra.ShellCompDirectiveNoFileComp
	}

	out := make([]string, 0, len(cfg.Schedules))
	for _, s := range cfg.Schedules {
		if toComplete == "" || startsWith(s.Name, toComplete) {
			out = append(out, s.Name)
		}
	}

	return out, cobra.ShellCompDirectiveNoFileComp
}
