package application

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/davarch/archbuild/internal/domain"
	"github.com/davarch/archbuild/internal/infrastructure/artifact_fs"
	"go.uber.org/zap"
)

type fixture struct {
	tools    *domain.MockAdapter
	reporter *domain.MockReporter
	verifier *domain.MockVerifier
	pub      *domain.MockPublisher
	work     string
	art      string
	runner   *Runner
}

func newFixture(t *testing.T, opts ...Option) *fixture {
	t.Helper()
	f := &fixture{
		tools:    &domain.MockAdapter{},
		reporter: &domain.MockReporter{},
		verifier: &domain.MockVerifier{},
		pub:      &domain.MockPublisher{},
		work:     t.TempDir(),
		art:      t.TempDir(),
	}
	opts = append([]Option{
		WithIDs(func() string { return "run-1" }),
		WithReporters(f.reporter),
		WithVerifier(f.verifier),
		WithPublishers(f.pub),
	}, opts...)
	f.runner = NewRunner(zap.NewNop(), f.tools, artifact_fs.New(), f.work, f.art, opts...)
	return f
}

// delivered lists the files left in run-1's artifact destination.
func (f *fixture) delivered() []string {
	entries, err := os.ReadDir(filepath.Join(f.art, "run-1"))
	if err != nil {
		return nil
	}
	var names []string
	for _, e := range entries {
		names = append(names, e.Name())
	}
	return names
}

// out is where a stage of run-1 writes {{output}}/name.
func (f *fixture) out(name string) string {
	return filepath.Join(f.work, "run-1", "out", name)
}

func params() domain.Params {
	return domain.Params{
		domain.ParamUsername: "builder",
		domain.ParamPassword: "s3cret",
		domain.ParamShell:    "/usr/bin/zsh",
		domain.ParamTimezone: "Asia/Tehran",
	}
}

func scenario() domain.Pipeline {
	return domain.Pipeline{
		Name: "scenario",
		Stages: []domain.Stage{
			{Name: "fetch_base", Command: domain.Command{Program: "pacstrap", Args: []string{"-c", "{{rootfs}}", "base"}}, Privileged: true},
			{
				Name:    "create_user",
				Command: domain.Command{Program: "arch-chroot", Args: []string{"{{rootfs}}", "useradd", "-m", "-s", "{{shell}}", "{{username}}"}},
				After:   []string{"fetch_base"},
			},
			{
				Name:           "package",
				Command:        domain.Command{Program: "tar", Args: []string{"-cpf", "{{output}}/rootfs.tar.zst", "-C", "{{rootfs}}", "."}},
				After:          []string{"create_user"},
				Outputs:        []string{"{{output}}/rootfs.tar.zst"},
				VerifyExcludes: true,
			},
		},
	}
}

func TestRun_FailedStageStopsPipeline(t *testing.T) {
	f := newFixture(t)
	f.tools.Outcomes = map[string]domain.Outcome{"create_user": domain.OutcomeFailed}
	f.tools.Produce = map[string][]string{"package": {f.out("rootfs.tar.zst")}}

	run, err := f.runner.Run(context.Background(), scenario(), params())
	if !errors.Is(err, domain.ErrStageFailure) {
		t.Fatalf("expected stage failure, got %v", err)
	}

	if run.Status != domain.RunFailed || run.Reason != domain.KindStageFailure {
		t.Errorf("unexpected terminal state %s/%s", run.Status, run.Reason)
	}
	if got := f.tools.Stages(); strings.Join(got, ",") != "fetch_base,create_user" {
		t.Errorf("package must never run, invoked %v", got)
	}
	if len(run.Results) != 2 || len(run.Artifacts) != 0 {
		t.Errorf("expected 2 results and 0 artifacts, got %d and %d", len(run.Results), len(run.Artifacts))
	}

	var e *domain.Error
	if !errors.As(err, &e) || e.Stage != "create_user" || e.Output != "create_user failed" {
		t.Errorf("error must carry stage and output, got %+v", e)
	}
	if reps := f.reporter.Runs(); len(reps) != 1 || reps[0].Status != domain.RunFailed {
		t.Errorf("failed run must still be reported, got %+v", reps)
	}
	if len(f.pub.Published) != 0 {
		t.Errorf("nothing may be published for a failed run")
	}
}

func TestRun_ResultCountEqualsFailingStageIndex(t *testing.T) {
	const n = 5
	p := domain.Pipeline{Name: "steps"}
	for i := 1; i <= n; i++ {
		p.Stages = append(p.Stages, domain.Stage{Name: fmt.Sprintf("s%d", i), Command: domain.Command{Program: "true"}})
	}

	for k := 1; k <= n; k++ {
		f := newFixture(t)
		f.tools.Outcomes = map[string]domain.Outcome{fmt.Sprintf("s%d", k): domain.OutcomeFailed}

		run, err := f.runner.Run(context.Background(), p, params())
		if err == nil {
			t.Fatalf("k=%d: expected failure", k)
		}
		if len(run.Results) != k || run.Status != domain.RunFailed {
			t.Errorf("k=%d: got %d results, status %s", k, len(run.Results), run.Status)
		}
		if run.Cursor != k-1 {
			t.Errorf("k=%d: cursor %d", k, run.Cursor)
		}
	}
}

func TestRun_MissingUsernameRejectedBeforeAnyStage(t *testing.T) {
	f := newFixture(t)
	in := params()
	delete(in, domain.ParamUsername)

	run, err := f.runner.Run(context.Background(), scenario(), in)
	if !errors.Is(err, domain.ErrConfiguration) {
		t.Fatalf("expected configuration error, got %v", err)
	}
	if len(f.tools.Calls) != 0 {
		t.Errorf("no subprocess may run, got %v", f.tools.Stages())
	}
	if run.Status != domain.RunFailed || len(run.Results) != 0 {
		t.Errorf("unexpected run %+v", run)
	}
	if len(f.reporter.Runs()) != 0 {
		t.Errorf("rejected configuration must not produce a report")
	}
}

func TestRun_TimeoutIsRecordedDistinctly(t *testing.T) {
	f := newFixture(t)
	f.tools.Outcomes = map[string]domain.Outcome{"package": domain.OutcomeTimeout}

	run, err := f.runner.Run(context.Background(), scenario(), params())
	if !errors.Is(err, domain.ErrTimeout) {
		t.Fatalf("expected timeout, got %v", err)
	}
	if errors.Is(err, domain.ErrStageFailure) {
		t.Errorf("timeout must not be reported as a generic failure")
	}
	if last := run.Results[len(run.Results)-1]; last.Outcome != domain.OutcomeTimeout || last.Stage != "package" {
		t.Errorf("unexpected last result %+v", last)
	}
	if run.Reason != domain.KindTimeout {
		t.Errorf("unexpected reason %s", run.Reason)
	}
}

func TestRun_CollectsEveryDeclaredOutput(t *testing.T) {
	f := newFixture(t)
	p := scenario()
	p.Stages = append(p.Stages, domain.Stage{
		Name:    "master",
		Command: domain.Command{Program: "xorriso", Args: []string{"-output", "{{output}}/arch.iso"}},
		Outputs: []string{"{{output}}/arch.iso"},
	})
	f.tools.Produce = map[string][]string{
		"package": {f.out("rootfs.tar.zst")},
		"master":  {f.out("arch.iso")},
	}

	run, err := f.runner.Run(context.Background(), p, params())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if run.Status != domain.RunSucceeded {
		t.Fatalf("unexpected status %s", run.Status)
	}
	if len(run.Artifacts) != 2 {
		t.Fatalf("expected 2 artifacts, got %d", len(run.Artifacts))
	}
	for _, a := range run.Artifacts {
		if len(a.Checksum) != 64 {
			t.Errorf("artifact %s has checksum %q", a.Name, a.Checksum)
		}
		if filepath.Dir(a.Destination) != filepath.Join(f.art, "run-1") {
			t.Errorf("artifact %s landed in %s", a.Name, a.Destination)
		}
	}
	if len(f.verifier.Checked) != 1 || filepath.Base(f.verifier.Checked[0]) != "rootfs.tar.zst" {
		t.Errorf("only filesystem archives are verified, checked %v", f.verifier.Checked)
	}
	if len(f.pub.Published) != 2 {
		t.Errorf("expected 2 published artifacts, got %d", len(f.pub.Published))
	}
	if got := run.Results[2].Artifacts; len(got) != 1 || got[0] != f.out("rootfs.tar.zst") {
		t.Errorf("stage result must list produced paths, got %v", got)
	}
}

func TestRun_MissingArtifactNamesProducingStage(t *testing.T) {
	f := newFixture(t)

	_, err := f.runner.Run(context.Background(), scenario(), params())
	if !errors.Is(err, domain.ErrMissingArtifact) {
		t.Fatalf("expected missing artifact, got %v", err)
	}
	var e *domain.Error
	if errors.As(err, &e) && e.Stage != "package" {
		t.Errorf("expected stage package, got %q", e.Stage)
	}
	if len(f.pub.Published) != 0 {
		t.Errorf("nothing may be published")
	}
}

type cancellingAdapter struct {
	*domain.MockAdapter
	stage  string
	cancel context.CancelFunc
}

func (c *cancellingAdapter) Invoke(ctx context.Context, inv domain.Invocation) (domain.StageResult, error) {
	if inv.Stage == c.stage {
		c.cancel()
	}
	return c.MockAdapter.Invoke(ctx, inv)
}

func TestRun_CancellationStopsAndCollectsNothing(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	f := newFixture(t)
	tools := &cancellingAdapter{MockAdapter: f.tools, stage: "create_user", cancel: cancel}
	f.tools.Produce = map[string][]string{"fetch_base": {f.out("rootfs.tar.zst")}}
	r := NewRunner(zap.NewNop(), tools, artifact_fs.New(), f.work, f.art,
		WithIDs(func() string { return "run-1" }), WithReporters(f.reporter))

	run, err := r.Run(ctx, scenario(), params())
	if !errors.Is(err, domain.ErrCancelled) {
		t.Fatalf("expected cancellation, got %v", err)
	}
	if run.Status != domain.RunFailed || run.Reason != domain.KindCancelled {
		t.Errorf("unexpected terminal state %s/%s", run.Status, run.Reason)
	}
	if len(run.Results) != 2 || run.Results[1].Outcome != domain.OutcomeCancelled {
		t.Errorf("unexpected results %+v", run.Results)
	}
	if len(run.Artifacts) != 0 {
		t.Errorf("no artifacts may be collected after cancellation")
	}
	if len(f.reporter.Runs()) != 1 {
		t.Errorf("cancelled run must still be reported")
	}
}

func TestRun_AlreadyCancelledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	f := newFixture(t)
	run, err := f.runner.Run(ctx, scenario(), params())
	if !errors.Is(err, domain.ErrCancelled) {
		t.Fatalf("expected cancellation, got %v", err)
	}
	if len(f.tools.Calls) != 0 || len(run.Results) != 0 {
		t.Errorf("no stage may start")
	}
}

func TestRun_UnresolvedPlaceholderIsConfigurationError(t *testing.T) {
	f := newFixture(t)
	p := scenario()
	p.Stages[2].Command.Args = append(p.Stages[2].Command.Args, "{{image_name}}")

	_, err := f.runner.Run(context.Background(), p, params())
	if !errors.Is(err, domain.ErrConfiguration) || !strings.Contains(err.Error(), "image_name") {
		t.Fatalf("expected configuration error naming image_name, got %v", err)
	}
	if len(f.tools.Calls) != 0 {
		t.Errorf("no subprocess may run")
	}
}

func TestRun_VerifierRejectionFailsRun(t *testing.T) {
	f := newFixture(t)
	f.verifier.Err = errors.New("contains ./etc/machine-id")
	f.tools.Produce = map[string][]string{"package": {f.out("rootfs.tar.zst")}}

	run, err := f.runner.Run(context.Background(), scenario(), params())
	if !errors.Is(err, domain.ErrStageFailure) || !strings.Contains(err.Error(), "machine-id") {
		t.Fatalf("expected stage failure, got %v", err)
	}
	if run.Status != domain.RunFailed || len(f.pub.Published) != 0 {
		t.Errorf("rejected archive must fail the run before publishing")
	}
	if got := f.delivered(); len(got) != 0 {
		t.Errorf("rejected archive reached the destination: %v", got)
	}
	if len(f.verifier.Checked) != 1 || f.verifier.Checked[0] != f.out("rootfs.tar.zst") {
		t.Errorf("archive must be verified in the workdir, checked %v", f.verifier.Checked)
	}
}

func TestRun_PublisherFailureFailsRun(t *testing.T) {
	f := newFixture(t)
	f.pub.Err = errors.New("bucket unreachable")
	f.tools.Produce = map[string][]string{"package": {f.out("rootfs.tar.zst")}}

	run, err := f.runner.Run(context.Background(), scenario(), params())
	var e *domain.Error
	if !errors.As(err, &e) || e.Stage != "publish:mock" {
		t.Fatalf("expected publish failure, got %v", err)
	}
	if run.Status != domain.RunFailed || len(run.Artifacts) != 0 {
		t.Errorf("unexpected run %+v", run)
	}
	if got := f.delivered(); len(got) != 0 {
		t.Errorf("unpublished artifacts left in the destination: %v", got)
	}
}

func TestRun_PasswordLineBreakRejectedBeforeInvocation(t *testing.T) {
	f := newFixture(t)
	p := domain.Pipeline{Name: "pw", Stages: []domain.Stage{{
		Name:    "set_password",
		Command: domain.Command{Program: "chpasswd"},
		Stdin:   "{{username}}:{{password}}\n",
	}}}
	in := params()
	in[domain.ParamPassword] = "pw\nroot:owned"

	_, err := f.runner.Run(context.Background(), p, in)
	if !errors.Is(err, domain.ErrConfiguration) {
		t.Fatalf("expected configuration error, got %v", err)
	}
	if len(f.tools.Calls) != 0 {
		t.Errorf("no stage may run, got %d calls", len(f.tools.Calls))
	}
}

func TestRun_SecretsStayOutOfArgsAndErrors(t *testing.T) {
	f := newFixture(t)
	p := domain.Pipeline{Name: "pw", Stages: []domain.Stage{{
		Name:    "set_password",
		Command: domain.Command{Program: "chpasswd"},
		Stdin:   "{{username}}:{{password}}\n",
	}}}
	f.tools.Outcomes = map[string]domain.Outcome{"set_password": domain.OutcomeFailed}

	run, _ := f.runner.Run(context.Background(), p, params())

	if got := f.tools.Calls[0].Stdin; got != "builder:s3cret\n" {
		t.Errorf("unexpected stdin %q", got)
	}
	if strings.Contains(run.Error, "s3cret") {
		t.Errorf("password leaked into run error: %s", run.Error)
	}
}

func TestRun_IsolatedWorkdirs(t *testing.T) {
	ids := []string{"a", "b"}
	f := newFixture(t, WithIDs(func() string { id := ids[0]; ids = ids[1:]; return id }))

	p := domain.Pipeline{Name: "one", Stages: []domain.Stage{{Name: "only", Command: domain.Command{Program: "true"}}}}
	first, err := f.runner.Run(context.Background(), p, params())
	if err != nil {
		t.Fatal(err)
	}
	second, err := f.runner.Run(context.Background(), p, params())
	if err != nil {
		t.Fatal(err)
	}

	if first.Workdir == second.Workdir || first.Destination == second.Destination {
		t.Errorf("runs share directories: %s, %s", first.Workdir, second.Workdir)
	}
	if dir := f.tools.Calls[1].Dir; dir != filepath.Join(f.work, "b") {
		t.Errorf("stage must run inside its run workdir, got %s", dir)
	}
	if lp := f.tools.Calls[0].LogPath; lp != filepath.Join(f.work, "a", "logs", "01-only.log") {
		t.Errorf("unexpected log path %s", lp)
	}
}

func TestValidate_HasNoSideEffects(t *testing.T) {
	f := newFixture(t)
	if err := f.runner.Validate(scenario(), params()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	in := params()
	in[domain.ParamTimezone] = "Mars/Olympus"
	if err := f.runner.Validate(scenario(), in); !errors.Is(err, domain.ErrConfiguration) {
		t.Errorf("expected configuration error, got %v", err)
	}
	if len(f.tools.Calls) != 0 {
		t.Errorf("validate must not invoke tools")
	}
}

func TestRun_ObserversSeeLifecycle(t *testing.T) {
	tr := NewTracker()
	rec := &recorder{tracker: tr}
	f := newFixture(t, WithObservers(rec))
	f.tools.Produce = map[string][]string{"package": {f.out("rootfs.tar.zst")}}

	if _, err := f.runner.Run(context.Background(), scenario(), params()); err != nil {
		t.Fatal(err)
	}
	if strings.Join(rec.events, ",") != "start,stage,stage,stage,finish" {
		t.Errorf("unexpected events %v", rec.events)
	}
	if rec.activeDuring != 1 {
		t.Errorf("tracker must list the run while it executes")
	}
	if len(tr.Active()) != 0 {
		t.Errorf("finished runs must leave the tracker")
	}
}

type recorder struct {
	tracker      *Tracker
	events       []string
	activeDuring int
}

func (r *recorder) RunStarted(run *domain.PipelineRun) {
	r.tracker.RunStarted(run)
	r.events = append(r.events, "start")
}

func (r *recorder) StageFinished(run *domain.PipelineRun, res domain.StageResult) {
	r.tracker.StageFinished(run, res)
	r.activeDuring = len(r.tracker.Active())
	r.events = append(r.events, "stage")
}

func (r *recorder) RunFinished(run *domain.PipelineRun) {
	r.tracker.RunFinished(run)
	r.events = append(r.events, "finish")
}
