package cli

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/davarch/archbuild/internal/domain"
	"github.com/davarch/archbuild/internal/infrastructure/github_http"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var (
	fetchRepo     string
	fetchArtifact string
	fetchFile     string
	fetchDir      string
)

var fetchCmd = &cobra.Command{
	Use:   "fetch",
	Short: "Download the latest prebuilt rootfs tarball from GitHub Actions",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := loadApp()
		if err != nil {
			return err
		}
		defer a.Close()

		fc := a.cfg.Fetch
		if cmd.Flags().Changed("repo") {
			fc.Repo = fetchRepo
		}
		if cmd.Flags().Changed("artifact") {
			fc.Artifact = fetchArtifact
		}
		if cmd.Flags().Changed("file") {
			fc.File = fetchFile
		}
		if fc.Repo == "" {
			return domain.ConfigError("no repository: pass --repo owner/name or set fetch.repo")
		}

		ctx, cancel := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer cancel()

		gh := github_http.New(fc.BaseURL, fc.Token, fc.Timeout)

		art, err := gh.LatestArtifact(ctx, fc.Repo, fc.Artifact)
		if err != nil {
			return fmt.Errorf("find artifact %q in %s: %w", fc.Artifact, fc.Repo, err)
		}
		a.log.Info("downloading artifact",
			zap.String("repo", fc.Repo),
			zap.String("artifact", art.Name),
			zap.Int64("bytes", art.SizeInBytes),
			zap.Time("created", art.CreatedAt),
		)

		if err := os.MkdirAll(fetchDir, 0o755); err != nil {
			return err
		}
		tmp, err := os.CreateTemp(fetchDir, ".artifact-*.zip")
		if err != nil {
			return err
		}
		zipPath := tmp.Name()
		_ = tmp.Close()
		defer func() { _ = os.Remove(zipPath) }()

		if err := gh.Download(ctx, art, zipPath); err != nil {
			return err
		}

		path, err := github_http.Extract(zipPath, fc.File, fetchDir)
		if err != nil {
			return err
		}

		_, _ = fmt.Fprintln(cmd.OutOrStdout(), path)
		return nil
	},
}

func init() {
	fetchCmd.Flags().StringVar(&fetchRepo, "repo", "", "GitHub repository owner/name (default fetch.repo)")
	fetchCmd.Flags().StringVar(&fetchArtifact, "artifact", "", "workflow artifact name (default fetch.artifact)")
	fetchCmd.Flags().StringVar(&fetchFile, "file", "", "file to extract from the artifact (default fetch.file)")
	fetchCmd.Flags().StringVar(&fetchDir, "dir", ".", "directory to extract into")

	rootCmd.AddCommand(fetchCmd)
}
