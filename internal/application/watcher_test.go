package application

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/davarch/archbuild/internal/domain"
	"github.com/davarch/archbuild/internal/infrastructure/artifact_fs"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func hello() domain.Pipeline {
	return domain.Pipeline{Name: "hello", Stages: []domain.Stage{{
		Name:    "greet",
		Command: domain.Command{Program: "echo", Args: []string{"{{username}}", "{{timezone}}"}},
	}}}
}

func testResolver(ref string) (domain.Pipeline, domain.Params, error) {
	if ref != "hello" {
		return domain.Pipeline{}, nil, domain.ConfigError("unknown pipeline %q", ref)
	}
	return hello(), domain.Params{domain.ParamTimezone: "UTC", domain.ParamShell: "/usr/bin/bash"}, nil
}

type watchEnv struct {
	tools    *domain.MockAdapter
	reporter *domain.MockReporter
	spool    string
	watcher  *Watcher
	cancel   context.CancelFunc
	done     chan error
}

func startWatcher(t *testing.T, schedules []Schedule) *watchEnv {
	t.Helper()
	env := &watchEnv{
		tools:    &domain.MockAdapter{},
		reporter: &domain.MockReporter{},
		spool:    filepath.Join(t.TempDir(), "spool"),
		done:     make(chan error, 1),
	}
	runner := NewRunner(zap.NewNop(), env.tools, artifact_fs.New(), t.TempDir(), t.TempDir(), WithReporters(env.reporter))
	env.watcher = NewWatcher(zap.NewNop(), runner, testResolver, env.spool, domain.Params{domain.ParamPassword: "pw"}, 2)
	env.watcher.UpdateSchedules(schedules)

	ctx, cancel := context.WithCancel(context.Background())
	env.cancel = cancel
	go func() { env.done <- env.watcher.Run(ctx) }()

	require.Eventually(t, func() bool {
		_, err := os.Stat(filepath.Join(env.spool, "done"))
		return err == nil
	}, 2*time.Second, 10*time.Millisecond)

	t.Cleanup(func() {
		cancel()
		select {
		case <-env.done:
		case <-time.After(5 * time.Second):
			t.Error("watcher did not stop")
		}
	})
	return env
}

func writeRequest(t *testing.T, dir, name, body string) {
	t.Helper()
	tmp := filepath.Join(dir, "."+name)
	require.NoError(t, os.WriteFile(tmp, []byte(body), 0o644))
	require.NoError(t, os.Rename(tmp, filepath.Join(dir, name)))
}

func exists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

// archived counts the records of request name kept in dir.
func archived(dir, name string) int {
	m, _ := filepath.Glob(filepath.Join(dir, "*-"+name))
	return len(m)
}

func TestWatcher_RunsSpoolRequests(t *testing.T) {
	env := startWatcher(t, nil)

	writeRequest(t, env.spool, "ok.yaml", "pipeline: hello\nparams:\n  username: builder\n  timezone: Asia/Tehran\n")
	writeRequest(t, env.spool, "bad.yaml", "pipeline: hello\n")
	writeRequest(t, env.spool, "unknown.yaml", "pipeline: nope\nparams: {username: x}\n")

	require.Eventually(t, func() bool {
		return archived(filepath.Join(env.spool, "done"), "ok.yaml") == 1 &&
			archived(filepath.Join(env.spool, "failed"), "bad.yaml") == 1 &&
			archived(filepath.Join(env.spool, "failed"), "unknown.yaml") == 1
	}, 5*time.Second, 20*time.Millisecond)

	calls := env.tools.Invocations()
	require.Len(t, calls, 1, "only the valid request may invoke tools")
	assert.Equal(t, []string{"builder", "Asia/Tehran"}, calls[0].Args)
	assert.False(t, exists(filepath.Join(env.spool, "ok.yaml")))
}

func TestWatcher_SameNamedRequestsKeepSeparateRecords(t *testing.T) {
	env := startWatcher(t, nil)
	done := filepath.Join(env.spool, "done")

	writeRequest(t, env.spool, "nightly.yaml", "pipeline: hello\nparams: {username: first}\n")
	require.Eventually(t, func() bool { return archived(done, "nightly.yaml") == 1 }, 5*time.Second, 20*time.Millisecond)

	writeRequest(t, env.spool, "nightly.yaml", "pipeline: hello\nparams: {username: second}\n")
	require.Eventually(t, func() bool { return archived(done, "nightly.yaml") == 2 }, 5*time.Second, 20*time.Millisecond)

	m, err := filepath.Glob(filepath.Join(done, "*-nightly.yaml"))
	require.NoError(t, err)
	var users []string
	for _, f := range m {
		req, err := readRequest(f)
		require.NoError(t, err)
		users = append(users, req.Params[domain.ParamUsername])
	}
	assert.ElementsMatch(t, []string{"first", "second"}, users)
}

func TestWatcher_PicksUpExistingRequests(t *testing.T) {
	spool := filepath.Join(t.TempDir(), "spool")
	require.NoError(t, os.MkdirAll(filepath.Join(spool, ".claimed"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(spool, "early.yaml"), []byte("pipeline: hello\nparams: {username: a}\n"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(spool, ".claimed", "interrupted.yaml"), []byte("pipeline: hello\nparams: {username: b}\n"), 0o644))

	tools := &domain.MockAdapter{}
	runner := NewRunner(zap.NewNop(), tools, artifact_fs.New(), t.TempDir(), t.TempDir())
	w := NewWatcher(zap.NewNop(), runner, testResolver, spool, domain.Params{domain.ParamPassword: "pw"}, 1)

	ctx, cancel := context.WithCancel(context.Background())
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		_ = w.Run(ctx)
	}()

	require.Eventually(t, func() bool {
		return archived(filepath.Join(spool, "done"), "early.yaml") == 1 && archived(filepath.Join(spool, "done"), "interrupted.yaml") == 1
	}, 5*time.Second, 20*time.Millisecond)

	cancel()
	wg.Wait()
}

func TestWatcher_CronSchedules(t *testing.T) {
	env := startWatcher(t, []Schedule{{
		Name:     "every-second",
		Pipeline: "hello",
		Cron:     "@every 1s",
		Params:   domain.Params{domain.ParamUsername: "nightly"},
	}})

	require.Eventually(t, func() bool {
		return len(env.reporter.Runs()) > 0
	}, 5*time.Second, 50*time.Millisecond)

	run := env.reporter.Runs()[0]
	assert.Equal(t, "hello", run.Pipeline)
	assert.Equal(t, domain.RunSucceeded, run.Status)
}

func TestWatcher_PauseFileSkipsSchedules(t *testing.T) {
	pause := filepath.Join(t.TempDir(), "paused")
	require.NoError(t, os.WriteFile(pause, nil, 0o644))

	tools := &domain.MockAdapter{}
	runner := NewRunner(zap.NewNop(), tools, artifact_fs.New(), t.TempDir(), t.TempDir())
	w := NewWatcher(zap.NewNop(), runner, testResolver, filepath.Join(t.TempDir(), "spool"), domain.Params{domain.ParamPassword: "pw"}, 1).
		WithPauseFile(pause)
	w.UpdateSchedules([]Schedule{{Name: "s", Pipeline: "hello", Cron: "@every 1s", Params: domain.Params{domain.ParamUsername: "u"}}})

	ctx, cancel := context.WithTimeout(context.Background(), 2500*time.Millisecond)
	defer cancel()
	require.NoError(t, w.Run(ctx))
	assert.Empty(t, tools.Stages())
}

func TestReadRequest_RejectsUnknownFields(t *testing.T) {
	p := filepath.Join(t.TempDir(), "r.yaml")
	require.NoError(t, os.WriteFile(p, []byte("pipeline: hello\nparam: {}\n"), 0o644))
	_, err := readRequest(p)
	assert.Error(t, err)
}
