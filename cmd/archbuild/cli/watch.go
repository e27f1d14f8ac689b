package cli

import (
	"context"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/davarch/archbuild/internal/application"
	"github.com/davarch/archbuild/internal/domain"
	"github.com/davarch/archbuild/internal/infrastructure/config"
	"github.com/davarch/archbuild/internal/infrastructure/pipelinedef"
	"github.com/davarch/archbuild/internal/infrastructure/statusapi"
	"github.com/fsnotify/fsnotify"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

var watchCmd = &cobra.Command{
	Use:   "watch",
	Short: "Run builds from the spool directory and cron schedules",
	Long: `Watch the spool directory for request files (pipeline plus params, in
YAML) and run the enabled schedules from the configuration. Schedules are
reloaded when the configuration file changes. With watch.listen set, run
status and metrics are served over HTTP.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := loadApp()
		if err != nil {
			return err
		}
		defer a.Close()
		log := a.log

		ctx, cancel := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer cancel()

		tracker := application.NewTracker()
		r, err := a.runner(ctx, tracker)
		if err != nil {
			return err
		}

		pipelinesDir := a.cfg.Pipelines
		resolve := func(ref string) (domain.Pipeline, domain.Params, error) {
			p, err := pipelinedef.Resolve(ref, pipelinesDir)
			if err != nil {
				return domain.Pipeline{}, nil, err
			}
			return p, pipelinedef.Defaults(p.Name), nil
		}

		w := application.NewWatcher(log.Named("watch"), r, resolve, a.cfg.Watch.Spool, a.cfg.Params, a.cfg.Watch.MaxParallel).
			WithPauseFile(a.cfg.Watch.PauseFile)
		w.UpdateSchedules(schedules(a.cfg))
		watchAndReload(ctx, cfgPath, log, w)

		log.Info("start",
			zap.String("version", version),
			zap.String("spool", a.cfg.Watch.Spool),
			zap.Int("max_parallel", a.cfg.Watch.MaxParallel),
			zap.String("listen", a.cfg.Watch.Listen),
			zap.String("pause_file", a.cfg.Watch.PauseFile),
		)

		g, ctx := errgroup.WithContext(ctx)
		g.Go(func() error { return w.Run(ctx) })

		if a.cfg.Watch.Listen != "" {
			var history statusapi.RunLister
			if a.history != nil {
				history = a.history
			}
			srv := statusapi.New(log.Named("http"), history, tracker, a.metrics.Registry())
			g.Go(func() error { return srv.ListenAndServe(ctx, a.cfg.Watch.Listen) })
		}

		if a.cfg.Report.Metrics != "" {
			g.Go(func() error {
				t := time.NewTicker(time.Minute)
				defer t.Stop()
				for {
					select {
					case <-ctx.Done():
						a.writeMetrics()
						return nil
					case <-t.C:
						a.writeMetrics()
					}
				}
			})
		}

		return g.Wait()
	},
}

func init() {
	rootCmd.AddCommand(watchCmd)
}

func schedules(cfg config.Config) []application.Schedule {
	var out []application.Schedule
	for _, s := range cfg.Schedules {
		if s.Enabled {
			out = append(out, application.Schedule{Name: s.Name, Pipeline: s.Pipeline, Cron: s.Cron, Params: s.Params})
		}
	}
	return out
}

// watchAndReload re-reads the schedules whenever the configuration file is
// written or replaced. Other settings need a restart.
func watchAndReload(ctx context.Context, cfgPath string, log *zap.Logger, w *application.Watcher) {
	if cfgPath == "" {
		return
	}

	dir := filepath.Dir(cfgPath)
	base := filepath.Base(cfgPath)

	fw, err := fsnotify.NewWatcher()
	if err != nil {
		log.Warn("fsnotify init failed", zap.Error(err))
		return
	}

	if err := fw.Add(dir); err != nil {
		log.Warn("fsnotify add dir failed", zap.String("dir", dir), zap.Error(err))
		_ = fw.Close()
		return
	}

	fire := func() {
		cfg, err := config.Load(cfgPath)
		if err != nil {
			log.Warn("config reload failed", zap.Error(err))
			return
		}
		w.UpdateSchedules(schedules(cfg))
	}

	go func() {
		defer func() { _ = fw.Close() }()

		var timer *time.Timer
		defer func() {
			if timer != nil {
				timer.Stop()
			}
		}()

		for {
			select {
			case <-ctx.Done():
				return
			case ev, ok := <-fw.Events:
				if !ok {
					return
				}

				if filepath.Base(ev.Name) != base {
					continue
				}

				if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) != 0 {
					if timer == nil {
						timer = time.AfterFunc(300*time.Millisecond, fire)
					} else {
						timer.Reset(300 * time.Millisecond)
					}
				}
			case err, ok := <-fw.Errors:
				if !ok {
					return
				}
				log.Warn("fsnotify error", zap.Error(err))
			}
		}
	}()
}
