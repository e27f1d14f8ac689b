package cli

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"text/tabwriter"

	"github.com/davarch/archbuild/internal/domain"
	"github.com/davarch/archbuild/internal/infrastructure/pipelinedef"
	"github.com/spf13/cobra"
)

var (
	stagesJSON bool
	stagesYAML bool
)

var stagesCmd = &cobra.Command{
	Use:               "stages [pipeline|file.yaml]",
	Short:             "List pipelines, or the stages of one pipeline",
	Args:              cobra.MaximumNArgs(1),
	ValidArgsFunction: pipelineCompletion,
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := loadApp()
		if err != nil {
			return err
		}
		defer a.Close()

		out := cmd.OutOrStdout()

		if len(args) == 0 {
			pipes, err := listPipelines(a.cfg.Pipelines)
			if err != nil {
				return err
			}
			if stagesJSON {
				return printJSON(out, pipes)
			}
			w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
			_, _ = fmt.Fprintln(w, "NAME\tSTAGES\tSOURCE\tDESCRIPTION")
			for _, p := range pipes {
				_, _ = fmt.Fprintf(w, "%s\t%d\t%s\t%s\n", p.Name, p.Stages, p.Source, p.Description)
			}
			_ = w.Flush()
			return nil
		}

		p, err := pipelinedef.Resolve(args[0], a.cfg.Pipelines)
		if err != nil {
			return err
		}

		switch {
		case stagesYAML:
			b, err := pipelinedef.Marshal(p)
			if err != nil {
				return err
			}
			_, err = out.Write(b)
			return err
		case stagesJSON:
			return printJSON(out, p)
		}

		w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
		_, _ = fmt.Fprintln(w, "#\tSTAGE\tPROGRAM\tPRIVILEGED\tTIMEOUT\tAFTER\tOUTPUTS")
		for i, st := range p.Stages {
			timeout := "default"
			if st.Timeout > 0 {
				timeout = st.Timeout.String()
			}
			_, _ = fmt.Fprintf(w, "%d\t%s\t%s\t%s\t%s\t%s\t%s\n",
				i+1, st.Name, st.Command.Program, yesNo(st.Privileged), timeout,
				dash(strings.Join(st.After, ",")), dash(strings.Join(st.Outputs, ",")))
		}
		_ = w.Flush()
		return nil
	},
}

func init() {
	stagesCmd.Flags().BoolVar(&stagesJSON, "json", false, "print JSON")
	stagesCmd.Flags().BoolVar(&stagesYAML, "yaml", false, "print the pipeline definition as YAML")
	stagesCmd.MarkFlagsMutuallyExclusive("json", "yaml")

	rootCmd.AddCommand(stagesCmd)
}

type pipelineInfo struct {
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
	Stages      int    `json:"stages"`
	Source      string `json:"source"`
}

// listPipelines returns the built-ins followed by the definitions found in
// dir. A file whose name shadows a built-in is listed but never resolved by
// name.
func listPipelines(dir string) ([]pipelineInfo, error) {
	var out []pipelineInfo
	for _, n := range pipelinedef.Names() {
		p, _ := pipelinedef.Builtin(n)
		out = append(out, info(p, "built-in"))
	}

	if dir == "" {
		return out, nil
	}

	entries, err := os.ReadDir(dir)
	if os.IsNotExist(err) {
		return out, nil
	}
	if err != nil {
		return nil, domain.ConfigError("pipelines dir %s: %v", dir, err)
	}

	var files []string
	for _, e := range entries {
		ext := filepath.Ext(e.Name())
		if e.IsDir() || (ext != ".yaml" && ext != ".yml") {
			continue
		}
		files = append(files, filepath.Join(dir, e.Name()))
	}
	sort.Strings(files)

	for _, f := range files {
		p, err := pipelinedef.Load(f)
		if err != nil {
			return nil, err
		}
		out = append(out, info(p, f))
	}
	return out, nil
}

func info(p domain.Pipeline, source string) pipelineInfo {
	return pipelineInfo{Name: p.Name, Description: p.Description, Stages: len(p.Stages), Source: source}
}

func dash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}
