package cli

import (
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/davarch/archbuild/internal/domain"
	"github.com/davarch/archbuild/internal/infrastructure/history_bolt"
	"github.com/davarch/archbuild/internal/infrastructure/report_fs"
	"github.com/spf13/cobra"
)

var (
	historyLimit int
	historyJSON  bool
	historyLast  bool
)

var historyCmd = &cobra.Command{
	Use:   "history",
	Short: "Show recent runs",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := loadApp()
		if err != nil {
			return err
		}
		defer a.Close()

		out := cmd.OutOrStdout()

		if historyLast {
			run, err := report_fs.ReadLast(a.cfg.Report.LastRun)
			if err != nil {
				return err
			}
			if historyJSON {
				return printJSON(out, run)
			}
			printRun(out, run)
			return nil
		}

		h, err := history_bolt.Open(a.cfg.Report.History)
		if err != nil {
			return fmt.Errorf("open history %s: %w", a.cfg.Report.History, err)
		}
		defer func() { _ = h.Close() }()

		runs, err := h.List(historyLimit)
		if err != nil {
			return err
		}

		if historyJSON {
			if runs == nil {
				runs = []domain.Summary{}
			}
			return printJSON(out, runs)
		}

		w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
		_, _ = fmt.Fprintln(w, "ID\tPIPELINE\tSTATUS\tREASON\tSTAGES\tARTIFACTS\tSTARTED\tTOOK")
		for _, s := range runs {
			took := "-"
			if !s.Finished.IsZero() {
				took = s.Finished.Sub(s.Started).Round(time.Second).String()
			}
			_, _ = fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%d\t%d\t%s\t%s\n",
				s.ID, s.Pipeline, s.Status, dash(string(s.Reason)), s.Stages, s.Artifacts,
				s.Started.Local().Format(time.DateTime), took)
		}
		_ = w.Flush()
		return nil
	},
}

func init() {
	historyCmd.Flags().IntVarP(&historyLimit, "limit", "n", 20, "number of runs to show")
	historyCmd.Flags().BoolVar(&historyJSON, "json", false, "print JSON")
	historyCmd.Flags().BoolVar(&historyLast, "last", false, "show the full report of the last run")

	rootCmd.AddCommand(historyCmd)
}
