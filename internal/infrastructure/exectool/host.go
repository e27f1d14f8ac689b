package exectool

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sort"
	"strings"
	"syscall"
	"time"

	"github.com/davarch/archbuild/internal/domain"
	"go.uber.org/zap"
	"golang.org/x/sys/unix"
)

const (
	DefaultMaxOutput = 64 << 10
	DefaultKillGrace = 10 * time.Second
)

type Options struct {
	// Elevate is prepended to privileged invocations, e.g. ["sudo", "-n"].
	// Empty runs privileged stages as the current user.
	Elevate []string
	// MaxOutput bounds the captured tail of each stream.
	MaxOutput int
	// KillGrace is the delay between SIGTERM and SIGKILL.
	KillGrace time.Duration
	// CleanEnv starts subprocesses from an empty environment plus PATH.
	CleanEnv bool
}

// HostAdapter runs stages as subprocesses on the local host, each in its own
// process group so termination reaches every descendant.
type HostAdapter struct {
	log  *zap.Logger
	opts Options
}

func New(l *zap.Logger, opts Options) *HostAdapter {
	if opts.MaxOutput <= 0 {
		opts.MaxOutput = DefaultMaxOutput
	}
	if opts.KillGrace <= 0 {
		opts.KillGrace = DefaultKillGrace
	}
	return &HostAdapter{log: l, opts: opts}
}

func (h *HostAdapter) Invoke(ctx context.Context, inv domain.Invocation) (domain.StageResult, error) {
	res := domain.StageResult{Stage: inv.Stage, LogPath: inv.LogPath, Started: time.Now()}

	var logw io.Writer = io.Discard
	if inv.LogPath != "" {
		f, err := os.OpenFile(inv.LogPath, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o640)
		if err != nil {
			return res, fmt.Errorf("open stage log: %w", err)
		}
		defer func() { _ = f.Close() }()
		logw = f
	}
	sink := &syncWriter{w: logw}

	name, args := h.command(inv)
	_, _ = fmt.Fprintf(sink, "$ %s %s\n", name, strings.Join(args, " "))

	stdout := newTail(h.opts.MaxOutput)
	stderr := newTail(h.opts.MaxOutput)

	cmd := exec.Command(name, args...)
	cmd.Dir = inv.Dir
	cmd.Env = h.environ(inv.Env)
	cmd.Stdout = io.MultiWriter(stdout, sink)
	cmd.Stderr = io.MultiWriter(stderr, sink)
	if inv.Stdin != "" {
		cmd.Stdin = strings.NewReader(inv.Stdin)
	}
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	// descendants holding the pipes open must not block Wait forever
	cmd.WaitDelay = 2 * h.opts.KillGrace

	if err := cmd.Start(); err != nil {
		res.Finished = time.Now()
		res.Outcome = domain.OutcomeFailed
		res.ExitCode = -1
		res.Stderr = err.Error()
		_, _ = fmt.Fprintf(sink, "cannot start: %v\n", err)
		return res, nil
	}

	done := make(chan error, 1)
	go func() { done <- cmd.Wait() }()

	var deadline <-chan time.Time
	if inv.Timeout > 0 {
		t := time.NewTimer(inv.Timeout)
		defer t.Stop()
		deadline = t.C
	}

	var waitErr error
	select {
	case waitErr = <-done:
	case <-deadline:
		res.Outcome = domain.OutcomeTimeout
		waitErr = h.terminate(cmd, done, inv.Stage)
	case <-ctx.Done():
		res.Outcome = domain.OutcomeCancelled
		waitErr = h.terminate(cmd, done, inv.Stage)
	}

	res.Finished = time.Now()
	res.ExitCode = -1
	if cmd.ProcessState != nil {
		res.ExitCode = cmd.ProcessState.ExitCode()
	}
	res.Stdout, res.Truncated = stdout.String(), stdout.Truncated()
	res.Stderr = stderr.String()
	res.Truncated = res.Truncated || stderr.Truncated()

	if res.Outcome == "" {
		res.Outcome = domain.OutcomeOK
		var exitErr *exec.ExitError
		switch {
		case res.ExitCode != 0:
			res.Outcome = domain.OutcomeFailed
		case waitErr != nil && !errors.Is(waitErr, exec.ErrWaitDelay) && !errors.As(waitErr, &exitErr):
			res.Outcome = domain.OutcomeFailed
		}
	}

	_, _ = fmt.Fprintf(sink, "# outcome=%s exit=%d took=%s\n", res.Outcome, res.ExitCode, res.Duration().Round(time.Millisecond))
	return res, nil
}

func (h *HostAdapter) command(inv domain.Invocation) (string, []string) {
	if !inv.Privileged || len(h.opts.Elevate) == 0 {
		return inv.Program, inv.Args
	}

	args := append([]string{}, h.opts.Elevate[1:]...)
	if len(inv.Env) > 0 {
		// elevation tools reset the environment; pass stage env through env(1)
		args = append(args, "env")
		args = append(args, envList(inv.Env)...)
	}
	args = append(args, inv.Program)
	args = append(args, inv.Args...)
	return h.opts.Elevate[0], args
}

func (h *HostAdapter) environ(extra map[string]string) []string {
	var env []string
	if h.opts.CleanEnv {
		env = []string{"PATH=" + os.Getenv("PATH")}
	} else {
		env = os.Environ()
	}
	return append(env, envList(extra)...)
}

// terminate signals the whole process group, escalating to SIGKILL after the
// grace period, and returns the Wait error.
func (h *HostAdapter) terminate(cmd *exec.Cmd, done <-chan error, stage string) error {
	pgid := cmd.Process.Pid
	if err := unix.Kill(-pgid, unix.SIGTERM); err != nil && !errors.Is(err, unix.ESRCH) {
		h.log.Warn("SIGTERM failed", zap.String("stage", stage), zap.Int("pgid", pgid), zap.Error(err))
	}

	select {
	case err := <-done:
		return err
	case <-time.After(h.opts.KillGrace):
	}

	h.log.Warn("grace period expired, killing process group", zap.String("stage", stage), zap.Int("pgid", pgid))
	if err := unix.Kill(-pgid, unix.SIGKILL); err != nil && !errors.Is(err, unix.ESRCH) {
		_ = cmd.Process.Kill()
	}
	return <-done
}

func envList(m map[string]string) []string {
	out := make([]string, 0, len(m))
	for k, v := range m {
		out = append(out, k+"="+v)
	}
	sort.Strings(out)
	return out
}
