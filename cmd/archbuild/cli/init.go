package cli

import (
	"errors"
	"fmt"
	"os"

	"github.com/davarch/archbuild/internal/infrastructure/config"
	"github.com/spf13/cobra"
)

var initForce bool

var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Write a default config.yaml",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		if _, err := os.Stat(cfgPath); err == nil && !initForce {
			return fmt.Errorf("%s already exists (use --force to overwrite)", cfgPath)
		} else if err != nil && !errors.Is(err, os.ErrNotExist) {
			return err
		}

		c := config.Default()
		c.Schedules = []config.Schedule{{
			Name:     "nightly-rootfs",
			Pipeline: "rootfs",
			Cron:     "0 3 * * *",
			Params:   map[string]string{"username": "builder"},
		}}

		if err := config.Save(cfgPath, c); err != nil {
			return err
		}
		_, _ = fmt.Fprintf(cmd.OutOrStdout(), "wrote %s\n", cfgPath)
		return nil
	},
}

func init() {
	initCmd.Flags().BoolVar(&initForce, "force", false, "overwrite an existing file")
	rootCmd.AddCommand(initCmd)
}
