package cli

import (
	"errors"
	"fmt"
	"os"

	"github.com/davarch/archbuild/internal/domain"
	"github.com/spf13/cobra"
)

const (
	exitFailure = 1
	exitConfig  = 2
)

var (
	cfgPath string
	version = "dev"
)

var rootCmd = &cobra.Command{
	Use:           "archbuild",
	Short:         "Build Arch Linux rootfs tarballs, container images and ISOs",
	SilenceUsage:  true,
	SilenceErrors: true,
}

func Execute() {
	if err := rootCmd.Execute(); err != nil {
		_, _ = fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(exitCode(err))
	}
}

func exitCode(err error) int {
	if errors.Is(err, domain.ErrConfiguration) {
		return exitConfig
	}
	return exitFailure
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgPath, "config", defaultConfigPath(), "path to config.yaml")

	// bad flags are the caller's configuration mistake
	rootCmd.SetFlagErrorFunc(func(_ *cobra.Command, err error) error {
		return domain.ConfigError("%v", err)
	})

	rootCmd.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Print version",
		Run: func(*cobra.Command, []string) {
			fmt.Println(version)
		},
	})

	comp := &cobra.Command{
		Use:       "completion [bash|zsh|fish|powershell]",
		Short:     "Generate shell completion scripts",
		Args:      cobra.MatchAll(cobra.ExactArgs(1), cobra.OnlyValidArgs),
		ValidArgs: []string{"bash", "zsh", "fish", "powershell"},
		RunE: func(cmd *cobra.Command, args []string) error {
			switch args[0] {
			case "bash":
				return rootCmd.GenBashCompletion(os.Stdout)
			case "zsh":
				return rootCmd.GenZshCompletion(os.Stdout)
			case "fish":
				return rootCmd.GenFishCompletion(os.Stdout, true)
			case "powershell":
				return rootCmd.GenPowerShellCompletionWithDesc(os.Stdout)
			}
			return nil
		},
	}

	rootCmd.AddCommand(comp)
}

func defaultConfigPath() string {
	if v := os.Getenv("ARCHBUILD_CONFIG"); v != "" {
		return v
	}
	if dir, err := os.UserConfigDir(); err == nil {
		return dir + "/archbuild/config.yaml"
	}
	return "config.yaml"
}
