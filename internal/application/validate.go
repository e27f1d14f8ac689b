package application

import (
	"path/filepath"
	"strings"
	"time"
	_ "time/tzdata"

	"github.com/davarch/archbuild/internal/domain"
)

// RequiredParams must be present and non-empty for every pipeline.
var RequiredParams = []string{domain.ParamUsername, domain.ParamPassword}

func ValidatePipeline(p domain.Pipeline) error {
	if len(p.Stages) == 0 {
		return domain.ConfigError("pipeline %q has no stages", p.Name)
	}

	seen := make(map[string]int, len(p.Stages))
	for i, st := range p.Stages {
		name := strings.TrimSpace(st.Name)
		if name == "" {
			return domain.ConfigError("stage #%d has no name", i+1)
		}
		if _, dup := seen[name]; dup {
			return domain.ConfigError("duplicate stage name %q", name)
		}
		if strings.TrimSpace(st.Command.Program) == "" {
			return domain.ConfigError("stage %q has no program", name)
		}
		for _, dep := range st.After {
			if _, ok := seen[dep]; !ok {
				return domain.ConfigError("stage %q depends on %q which is not declared before it", name, dep)
			}
		}
		if st.Timeout < 0 {
			return domain.ConfigError("stage %q has a negative timeout", name)
		}
		seen[name] = i
	}

	return nil
}

func ValidateParams(params domain.Params) error {
	var missing []string
	for _, k := range RequiredParams {
		if strings.TrimSpace(params[k]) == "" {
			missing = append(missing, k)
		}
	}
	if len(missing) > 0 {
		return domain.ConfigError("missing required parameter(s): %s", strings.Join(missing, ", "))
	}

	// useradd and chpasswd parse these: a leading dash is an option, a line
	// break starts another user:password record
	if u := params[domain.ParamUsername]; strings.ContainsAny(u, " :/\t\r\n\x00") || strings.HasPrefix(u, "-") || u == "root" {
		return domain.ConfigError("invalid username %q", u)
	}

	if strings.ContainsAny(params[domain.ParamPassword], "\r\n\x00") {
		return domain.ConfigError("password must not contain line breaks or NUL")
	}

	if sh := params[domain.ParamShell]; sh != "" && !filepath.IsAbs(sh) {
		return domain.ConfigError("shell must be an absolute path, got %q", sh)
	}

	if tz := params[domain.ParamTimezone]; tz != "" {
		if _, err := time.LoadLocation(tz); err != nil || tz == "Local" {
			return domain.ConfigError("unknown timezone %q", tz)
		}
	}

	if h := params[domain.ParamHostname]; h != "" && !validHostname(h) {
		return domain.ConfigError("invalid hostname %q", h)
	}

	// these end up in file names and chroot scripts
	for _, k := range []string{domain.ParamISOName, domain.ParamLocale} {
		if v := params[k]; strings.ContainsAny(v, "/'\"$`\\ \t\n") || strings.HasPrefix(v, ".") {
			return domain.ConfigError("invalid %s %q", k, v)
		}
	}

	return nil
}

func validHostname(h string) bool {
	if len(h) > 253 {
		return false
	}
	for _, label := range strings.Split(h, ".") {
		if label == "" || len(label) > 63 || label[0] == '-' || label[len(label)-1] == '-' {
			return false
		}
		for _, r := range label {
			if !(r >= 'a' && r <= 'z' || r >= 'A' && r <= 'Z' || r >= '0' && r <= '9' || r == '-') {
				return false
			}
		}
	}
	return true
}
