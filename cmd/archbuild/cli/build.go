package cli

import (
	"encoding/json"
	"fmt"
	"io"
	"os/signal"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/davarch/archbuild/internal/domain"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
)

var (
	buildJSON   bool
	buildParams *viper.Viper
)

var buildCmd = &cobra.Command{
	Use:   "build <pipeline|file.yaml>",
	Short: "Run a pipeline and collect its artifacts",
	Long: `Run a built-in pipeline (rootfs, container, iso), a pipeline from the
pipelines directory, or a pipeline definition file. Exit status is 0 on
success, 2 when the configuration is rejected and 1 for any other failure.`,
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

		params, err := collectParams(cmd, buildParams, base)
		if err != nil {
			return err
		}

		ctx, cancel := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer cancel()

		r, err := a.runner(ctx)
		if err != nil {
			return err
		}

		a.log.Info("build",
			zap.String("version", version),
			zap.String("pipeline", p.Name),
			zap.Int("stages", len(p.Stages)),
			zap.String("work_dir", a.cfg.WorkDir),
			zap.String("artifact_dir", a.cfg.ArtifactDir),
		)

		run, err := r.Run(ctx, p, params)
		a.writeMetrics()

		if buildJSON {
			if perr := printJSON(cmd.OutOrStdout(), run); perr != nil {
				return perr
			}
		} else {
			printRun(cmd.OutOrStdout(), run)
		}
		return err
	},
}

func init() {
	buildParams = addParamFlags(buildCmd)
	buildCmd.Flags().BoolVar(&buildJSON, "json", false, "print the run report as JSON")
	rootCmd.AddCommand(buildCmd)
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func printRun(out io.Writer, run *domain.PipelineRun) {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(w, "STAGE\tOUTCOME\tEXIT\tDURATION\tLOG")
	for _, res := range run.Results {
		_, _ = fmt.Fprintf(w, "%s\t%s\t%d\t%s\t%s\n", res.Stage, res.Outcome, res.ExitCode, res.Duration().Round(time.Millisecond), res.LogPath)
	}
	_ = w.Flush()

	if len(run.Artifacts) > 0 {
		_, _ = fmt.Fprintln(out)
		w = tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
		_, _ = fmt.Fprintln(w, "ARTIFACT\tSIZE\tSHA256")
		for _, art := range run.Artifacts {
			_, _ = fmt.Fprintf(w, "%s\t%d\t%s\n", art.Destination, art.Size, art.Checksum)
		}
		_ = w.Flush()
	}

	_, _ = fmt.Fprintf(out, "\nrun %s %s", run.ID, run.Status)
	if run.Reason != "" {
		_, _ = fmt.Fprintf(out, " (%s)", run.Reason)
	}
	_, _ = fmt.Fprintln(out)
}
