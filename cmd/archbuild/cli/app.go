package cli

import (
	"context"

	"github.com/davarch/archbuild/internal/application"
	"github.com/davarch/archbuild/internal/domain"
	"github.com/davarch/archbuild/internal/infrastructure/archivecheck"
	"github.com/davarch/archbuild/internal/infrastructure/artifact_fs"
	"github.com/davarch/archbuild/internal/infrastructure/config"
	"github.com/davarch/archbuild/internal/infrastructure/exectool"
	"github.com/davarch/archbuild/internal/infrastructure/history_bolt"
	"github.com/davarch/archbuild/internal/infrastructure/logging"
	"github.com/davarch/archbuild/internal/infrastructure/metrics"
	"github.com/davarch/archbuild/internal/infrastructure/pipelinedef"
	"github.com/davarch/archbuild/internal/infrastructure/publish"
	"github.com/davarch/archbuild/internal/infrastructure/report_fs"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

// app holds what every command builds from the configuration file.
type app struct {
	cfg     config.Config
	log     *zap.Logger
	metrics *metrics.Metrics
	history *history_bolt.History
	closers []func()
}

func loadApp() (*app, error) {
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return nil, &domain.Error{Kind: domain.KindConfiguration, Msg: "load config", Err: err}
	}
	return &app{cfg: cfg, log: logging.New(cfg.Log.Level, cfg.Log.File)}, nil
}

func (a *app) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
	_ = a.log.Sync()
}

// openHistory is best effort: bbolt holds an exclusive lock, so a second
// process (e.g. a build next to a running watcher) goes without it.
func (a *app) openHistory() {
	if a.history != nil || a.cfg.Report.History == "" {
		return
	}
	h, err := history_bolt.Open(a.cfg.Report.History)
	if err != nil {
		a.log.Warn("run history unavailable", zap.String("path", a.cfg.Report.History), zap.Error(err))
		return
	}
	a.history = h
	a.closers = append(a.closers, func() { _ = h.Close() })
}

// runner assembles the orchestrator with the host adapter and every
// configured publisher and sink.
func (a *app) runner(ctx context.Context, observers ...domain.RunObserver) (*application.Runner, error) {
	verifier, err := archivecheck.New(nil)
	if err != nil {
		return nil, err
	}

	tools := exectool.New(a.log.Named("exec"), exectool.Options{
		Elevate:   a.cfg.ElevateCommand(),
		MaxOutput: a.cfg.Adapter.MaxOutput,
		KillGrace: a.cfg.Adapter.KillGrace,
		CleanEnv:  a.cfg.Adapter.CleanEnv,
	})

	pubs, err := a.publishers(ctx)
	if err != nil {
		return nil, err
	}

	reporters := []domain.RunReporter{report_fs.New(a.cfg.Report.LastRun)}
	a.openHistory()
	if a.history != nil {
		reporters = append(reporters, a.history)
	}

	a.metrics = metrics.New()
	observers = append(observers, a.metrics)

	return application.NewRunner(a.log, tools, artifact_fs.New(), a.cfg.WorkDir, a.cfg.ArtifactDir,
		application.WithVerifier(verifier),
		application.WithPublishers(pubs...),
		application.WithReporters(reporters...),
		application.WithObservers(observers...),
		application.WithDefaultTimeout(a.cfg.Adapter.DefaultTimeout),
	), nil
}

func (a *app) publishers(ctx context.Context) ([]domain.Publisher, error) {
	var out []domain.Publisher
	pc := a.cfg.Publish

	if pc.S3.Enabled {
		p, err := publish.NewS3(ctx, a.log.Named("s3"), publish.S3Config{
			Bucket:   pc.S3.Bucket,
			Prefix:   pc.S3.Prefix,
			Region:   pc.S3.Region,
			Endpoint: pc.S3.Endpoint,
		})
		if err != nil {
			return nil, &domain.Error{Kind: domain.KindConfiguration, Msg: "s3 publisher", Err: err}
		}
		out = append(out, p)
	}

	if pc.NATS.Enabled {
		p, err := publish.NewNATS(ctx, a.log.Named("nats"), pc.NATS.URL, pc.NATS.Bucket)
		if err != nil {
			return nil, &domain.Error{Kind: domain.KindConfiguration, Msg: "nats publisher", Err: err}
		}
		a.closers = append(a.closers, p.Close)
		out = append(out, p)
	}

	if pc.Docker.Enabled {
		p, err := publish.NewDocker(a.log.Named("docker"), pc.Docker.Host)
		if err != nil {
			return nil, &domain.Error{Kind: domain.KindConfiguration, Msg: "docker publisher", Err: err}
		}
		out = append(out, p)
	}

	return out, nil
}

// writeMetrics dumps the run counters for the node_exporter textfile
// collector when configured.
func (a *app) writeMetrics() {
	if a.metrics == nil || a.cfg.Report.Metrics == "" {
		return
	}
	if err := a.metrics.WriteTextfile(a.cfg.Report.Metrics); err != nil {
		a.log.Warn("write metrics textfile", zap.String("path", a.cfg.Report.Metrics), zap.Error(err))
	}
}

// resolve maps a pipeline reference to its definition and the parameters
// every run of it starts from: pipeline defaults, then config params.
func (a *app) resolve(ref string) (domain.Pipeline, domain.Params, error) {
	p, err := pipelinedef.Resolve(ref, a.cfg.Pipelines)
	if err != nil {
		return domain.Pipeline{}, nil, err
	}
	params := pipelinedef.Defaults(p.Name)
	for k, v := range a.cfg.Params {
		params[k] = v
	}
	return p, params, nil
}

func exactArgs(n int) cobra.PositionalArgs {
	return func(cmd *cobra.Command, args []string) error {
		if len(args) != n {
			return domain.ConfigError("%s: accepts %d arg(s), received %d", cmd.CommandPath(), n, len(args))
		}
		return nil
	}
}

func pipelineCompletion(cmd *cobra.Command, args []string, toComplete string) ([]string, cobra.ShellCompDirective) {
	if len(args) > 0 {
		return nil, cobra.ShellCompDirectiveNoFileComp
	}
	var out []string
	for _, n := range pipelinedef.Names() {
		if startsWith(n, toComplete) {
			out = append(out, n)
		}
	}
	return out, cobra.ShellCompDirectiveDefault
}

func startsWith(s, pref string) bool {
	if len(pref) > len(s) {
		return false
	}

	return s[:len(pref)] == pref
}

func yesNo(b bool) string {
	if b {
		return "yes"
	}
	return "no"
}
