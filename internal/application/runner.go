package application

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/davarch/archbuild/internal/domain"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

const outputTail = 2048

type Runner struct {
	log      *zap.Logger
	tools    domain.ToolAdapter
	store    domain.ArtifactStore
	workRoot string
	artRoot  string

	verifier       domain.ArchiveVerifier
	publishers     []domain.Publisher
	reporters      []domain.RunReporter
	observers      []domain.RunObserver
	defaultTimeout time.Duration
	newID          func() string
	now            func() time.Time
}

type Option func(*Runner)

func WithVerifier(v domain.ArchiveVerifier) Option { return func(r *Runner) { r.verifier = v } }

func WithPublishers(p ...domain.Publisher) Option {
	return func(r *Runner) { r.publishers = append(r.publishers, p...) }
}

func WithReporters(rep ...domain.RunReporter) Option {
	return func(r *Runner) { r.reporters = append(r.reporters, rep...) }
}

func WithObservers(o ...domain.RunObserver) Option {
	return func(r *Runner) { r.observers = append(r.observers, o...) }
}

func WithDefaultTimeout(d time.Duration) Option { return func(r *Runner) { r.defaultTimeout = d } }

func WithIDs(f func() string) Option { return func(r *Runner) { r.newID = f } }

// NewRunner builds a runner that creates one isolated workdir per run under
// workRoot and collects artifacts into artRoot/<run-id>.
func NewRunner(l *zap.Logger, tools domain.ToolAdapter, store domain.ArtifactStore, workRoot, artRoot string, opts ...Option) *Runner {
	r := &Runner{
		log: l, tools: tools, store: store, workRoot: workRoot, artRoot: artRoot,
		defaultTimeout: 2 * time.Hour,
		newID:          uuid.NewString,
		now:            time.Now,
	}
	for _, o := range opts {
		o(r)
	}
	return r
}

// Run validates the pipeline and parameters, then executes the stages in
// order, stopping at the first stage that does not finish ok. The returned
// run is never nil; the error carries the failure kind.
func (r *Runner) Run(ctx context.Context, p domain.Pipeline, params domain.Params) (*domain.PipelineRun, error) {
	run := &domain.PipelineRun{
		ID:       r.newID(),
		Pipeline: p.Name,
		Status:   domain.RunPending,
		Started:  r.now(),
	}
	run.Workdir = filepath.Join(r.workRoot, run.ID)
	run.Destination = filepath.Join(r.artRoot, run.ID)
	run.Params = r.runParams(run, params)

	log := r.log.With(zap.String("run", run.ID), zap.String("pipeline", p.Name))

	plans, err := r.prepare(p, run.Params)
	if err != nil {
		log.Error("configuration rejected", zap.Error(err))
		return r.finish(ctx, log, run, err, false), err
	}

	for _, dir := range []string{run.Workdir, run.Params[domain.ParamRootfs], run.Params[domain.ParamOutput], run.Params[domain.ParamLogs]} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			err = &domain.Error{Kind: domain.KindConfiguration, Msg: "prepare workdir", Err: err}
			return r.finish(ctx, log, run, err, false), err
		}
	}

	run.Status = domain.RunRunning
	log.Info("run started", zap.Int("stages", len(plans)), zap.String("workdir", run.Workdir))
	for _, o := range r.observers {
		o.RunStarted(run)
	}

	for i, pl := range plans {
		run.Cursor = i
		if ctx.Err() != nil {
			err := &domain.Error{Kind: domain.KindCancelled, Stage: pl.stage.Name, Err: ctx.Err()}
			return r.finish(ctx, log, run, err, true), err
		}

		stageLog := log.With(zap.String("stage", pl.stage.Name))
		stageLog.Info("stage started",
			zap.String("program", pl.inv.Program),
			zap.String("args", redact(fmt.Sprint(pl.inv.Args), run.Params)),
			zap.Bool("privileged", pl.inv.Privileged),
			zap.Duration("timeout", pl.inv.Timeout),
		)

		res, err := r.tools.Invoke(ctx, pl.inv)
		if err != nil {
			now := r.now()
			res = domain.StageResult{
				Stage: pl.stage.Name, Outcome: domain.OutcomeFailed, ExitCode: -1,
				Stderr: err.Error(), Started: now, Finished: now, LogPath: pl.inv.LogPath,
			}
		}
		res.Stage = pl.stage.Name
		if res.Outcome == domain.OutcomeOK {
			res.Artifacts = pl.outputs
		}
		run.Results = append(run.Results, res)
		for _, o := range r.observers {
			o.StageFinished(run, res)
		}

		if res.Outcome != domain.OutcomeOK {
			serr := stageError(res, err)
			stageLog.Error("stage failed",
				zap.String("outcome", string(res.Outcome)),
				zap.Int("exit_code", res.ExitCode),
				zap.Duration("took", res.Duration()),
				zap.String("log", res.LogPath),
			)
			return r.finish(ctx, log, run, serr, true), serr
		}

		stageLog.Info("stage finished", zap.Duration("took", res.Duration()))
	}

	if ctx.Err() != nil {
		err := &domain.Error{Kind: domain.KindCancelled, Err: ctx.Err()}
		return r.finish(ctx, log, run, err, true), err
	}

	arts, err := r.collect(ctx, plans, run.Destination)
	if err != nil {
		return r.finish(ctx, log, run, err, true), err
	}

	for _, pub := range r.publishers {
		if err := pub.Publish(ctx, run, arts); err != nil {
			err = &domain.Error{Kind: domain.KindStageFailure, Stage: "publish:" + pub.Name(), Err: err}
			if derr := r.store.Discard(run.Destination, arts); derr != nil {
				log.Warn("could not discard collected artifacts", zap.Error(derr))
			}
			return r.finish(ctx, log, run, err, true), err
		}
		log.Info("artifacts published", zap.String("publisher", pub.Name()), zap.Int("artifacts", len(arts)))
	}

	run.Artifacts = arts
	return r.finish(ctx, log, run, nil, true), nil
}

func (r *Runner) prepare(p domain.Pipeline, params domain.Params) ([]plan, error) {
	if err := ValidatePipeline(p); err != nil {
		return nil, err
	}
	if err := ValidateParams(params); err != nil {
		return nil, err
	}
	return resolveStages(p, params, r.defaultTimeout)
}

// Validate runs every pre-execution check Run performs, without side effects.
func (r *Runner) Validate(p domain.Pipeline, params domain.Params) error {
	run := &domain.PipelineRun{ID: "validate", Workdir: filepath.Join(r.workRoot, "validate")}
	_, err := r.prepare(p, r.runParams(run, params))
	return err
}

func (r *Runner) runParams(run *domain.PipelineRun, in domain.Params) domain.Params {
	params := in.Clone()
	params[domain.ParamRunID] = run.ID
	params[domain.ParamWorkdir] = run.Workdir
	params[domain.ParamRootfs] = filepath.Join(run.Workdir, "rootfs")
	params[domain.ParamOutput] = filepath.Join(run.Workdir, "out")
	params[domain.ParamLogs] = filepath.Join(run.Workdir, "logs")
	return params
}

func (r *Runner) collect(ctx context.Context, plans []plan, dest string) ([]domain.Artifact, error) {
	var expected []string
	owner := make(map[string]plan)
	for _, pl := range plans {
		for _, o := range pl.outputs {
			expected = append(expected, o)
			owner[o] = pl
		}
	}
	if len(expected) == 0 {
		return nil, nil
	}

	// archives are checked in the workdir so a rejected one never reaches
	// the destination; missing sources are left for Collect to report
	if r.verifier != nil {
		for _, o := range expected {
			pl := owner[o]
			if !pl.stage.VerifyExcludes {
				continue
			}
			if _, err := os.Stat(o); err != nil {
				continue
			}
			if err := r.verifier.Verify(o); err != nil {
				return nil, &domain.Error{Kind: domain.KindStageFailure, Stage: pl.stage.Name, Msg: "archive verification", Err: err}
			}
		}
	}

	arts, err := r.store.Collect(ctx, expected, dest)
	if err != nil {
		var e *domain.Error
		if errors.As(err, &e) && e.Stage == "" {
			e.Stage = owner[e.Msg].stage.Name
		}
		return nil, err
	}
	return arts, nil
}

func (r *Runner) finish(ctx context.Context, log *zap.Logger, run *domain.PipelineRun, err error, report bool) *domain.PipelineRun {
	run.Finished = r.now()
	if err == nil {
		run.Status = domain.RunSucceeded
		log.Info("run succeeded",
			zap.Int("artifacts", len(run.Artifacts)),
			zap.Duration("took", run.Finished.Sub(run.Started)),
			zap.String("destination", run.Destination),
		)
	} else {
		run.Status = domain.RunFailed
		run.Reason = domain.KindOf(err)
		run.Error = redact(err.Error(), run.Params)
		log.Error("run failed", zap.String("reason", string(run.Reason)), zap.Int("stages_run", len(run.Results)))
	}

	if report {
		// reporting must survive a cancelled run context
		rctx := context.WithoutCancel(ctx)
		for _, rep := range r.reporters {
			if werr := rep.Write(rctx, run); werr != nil {
				log.Warn("report failed", zap.Error(werr))
			}
		}
	}
	for _, o := range r.observers {
		o.RunFinished(run)
	}
	return run
}

func stageError(res domain.StageResult, cause error) error {
	kind := domain.KindStageFailure
	switch res.Outcome {
	case domain.OutcomeTimeout:
		kind = domain.KindTimeout
	case domain.OutcomeCancelled:
		kind = domain.KindCancelled
	}

	out := res.Stderr
	if out == "" {
		out = res.Stdout
	}
	if len(out) > outputTail {
		out = out[len(out)-outputTail:]
	}

	e := &domain.Error{Kind: kind, Stage: res.Stage, Output: out, Err: cause}
	if kind == domain.KindStageFailure && cause == nil {
		e.Msg = fmt.Sprintf("exit code %d", res.ExitCode)
	}
	return e
}
