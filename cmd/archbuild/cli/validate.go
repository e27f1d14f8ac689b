package cli

import (
	"fmt"

	"github.com/davarch/archbuild/internal/application"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var validateParams *viper.Viper

var validateCmd = &cobra.Command{
	Use:               "validate <pipeline|file.yaml>",
	Short:             "Check a pipeline and its parameters without running anything",
	Args:              exactArgs(1),
	ValidArgsFunction: pipelineCompletion,
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := loadApp()
		if err != nil {
			return err
		}
		defer a.Close()

		p, base, err := a.resolve(args[0])
		if err != nil {
			return err
		}

		params, err := collectParams(cmd, validateParams, base)
		if err != nil {
			return err
		}

		// no adapter or sinks: validation never touches the host
		r := application.NewRunner(a.log, nil, nil, a.cfg.WorkDir, a.cfg.ArtifactDir,
			application.WithDefaultTimeout(a.cfg.Adapter.DefaultTimeout))
		if err := r.Validate(p, params); err != nil {
			return err
		}

		_, _ = fmt.Fprintf(cmd.OutOrStdout(), "%s: ok (%d stages)\n", p.Name, len(p.Stages))
		return nil
	},
}

func init() {
	validateParams = addParamFlags(validateCmd)
	rootCmd.AddCommand(validateCmd)
}
