package application

import (
	"errors"
	"fmt"
	"io"
	"path/filepath"
	"strings"
	"time"

	"github.com/davarch/archbuild/internal/domain"
	"github.com/valyala/fasttemplate"
)

const (
	startTag = "{{"
	endTag   = "}}"
)

func resolve(s string, params domain.Params) (string, error) {
	if !strings.Contains(s, startTag) {
		return s, nil
	}

	t, err := fasttemplate.NewTemplate(s, startTag, endTag)
	if err != nil {
		return "", domain.ConfigError("template %q: %v", s, err)
	}

	return t.ExecuteFuncStringWithErr(func(w io.Writer, tag string) (int, error) {
		key := strings.TrimSpace(tag)
		v, ok := params[key]
		if !ok {
			return 0, domain.ConfigError("unresolved placeholder {{%s}} in %q", key, s)
		}
		return w.Write([]byte(v))
	})
}

// plan is a stage with every template resolved.
type plan struct {
	stage   domain.Stage
	inv     domain.Invocation
	outputs []string
}

func resolveStages(p domain.Pipeline, params domain.Params, defaultTimeout time.Duration) ([]plan, error) {
	plans := make([]plan, 0, len(p.Stages))
	owners := make(map[string]string)

	for i, st := range p.Stages {
		pl := plan{stage: st}

		program, err := resolve(st.Command.Program, params)
		if err != nil {
			return nil, withStage(err, st.Name)
		}

		args := make([]string, 0, len(st.Command.Args))
		for _, a := range st.Command.Args {
			v, err := resolve(a, params)
			if err != nil {
				return nil, withStage(err, st.Name)
			}
			args = append(args, v)
		}

		stdin, err := resolve(st.Stdin, params)
		if err != nil {
			return nil, withStage(err, st.Name)
		}

		dir := params[domain.ParamWorkdir]
		if st.Dir != "" {
			if dir, err = resolve(st.Dir, params); err != nil {
				return nil, withStage(err, st.Name)
			}
		}

		var env map[string]string
		if len(st.Env) > 0 {
			env = make(map[string]string, len(st.Env))
			for k, v := range st.Env {
				if env[k], err = resolve(v, params); err != nil {
					return nil, withStage(err, st.Name)
				}
			}
		}

		for _, o := range st.Outputs {
			path, err := resolve(o, params)
			if err != nil {
				return nil, withStage(err, st.Name)
			}
			base := filepath.Base(path)
			if prev, dup := owners[base]; dup {
				return nil, domain.ConfigError("stage %q output %q collides with an output of stage %q", st.Name, base, prev)
			}
			owners[base] = st.Name
			pl.outputs = append(pl.outputs, path)
		}

		timeout := st.Timeout
		if timeout <= 0 {
			timeout = defaultTimeout
		}

		pl.inv = domain.Invocation{
			Stage:      st.Name,
			Program:    program,
			Args:       args,
			Dir:        dir,
			Env:        env,
			Stdin:      stdin,
			Privileged: st.Privileged,
			Timeout:    timeout,
			LogPath:    filepath.Join(params[domain.ParamLogs], logName(i, st.Name)),
		}
		plans = append(plans, pl)
	}

	return plans, nil
}

func withStage(err error, stage string) error {
	var e *domain.Error
	if errors.As(err, &e) && e.Stage == "" {
		e.Stage = stage
	}
	return err
}

func logName(i int, stage string) string {
	return fmt.Sprintf("%02d-%s.log", i+1, sanitize(stage))
}

func sanitize(name string) string {
	var b strings.Builder
	for _, r := range name {
		if (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') ||
			(r >= '0' && r <= '9') || r == '-' || r == '_' {
			b.WriteRune(r)
		}
	}
	if b.Len() == 0 {
		return "stage"
	}
	return b.String()
}

// redact hides secret parameter values before strings reach the log.
func redact(s string, params domain.Params) string {
	if pw := params[domain.ParamPassword]; pw != "" {
		s = strings.ReplaceAll(s, pw, "******")
	}
	return s
}
