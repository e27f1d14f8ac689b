package config

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strconv"
	"strings"
	"syscall"
	"time"

	"gopkg.in/yaml.v3"
)

type Schedule struct {
	Name     string            `yaml:"name"`
	Pipeline string            `yaml:"pipeline"`
	Cron     string            `yaml:"cron"`
	Enabled  bool              `yaml:"enabled"`
	Params   map[string]string `yaml:"params,omitempty"`
}

type Config struct {
	WorkDir     string `yaml:"work_dir"`
	ArtifactDir string `yaml:"artifact_dir"`
	Pipelines   string `yaml:"pipelines_dir,omitempty"`

	Log struct {
		Level string `yaml:"level"`
		File  string `yaml:"file,omitempty"`
	} `yaml:"log"`

	Adapter struct {
		Elevate        string        `yaml:"elevate"`
		KillGrace      time.Duration `yaml:"kill_grace"`
		MaxOutput      int           `yaml:"max_output"`
		DefaultTimeout time.Duration `yaml:"default_timeout"`
		CleanEnv       bool          `yaml:"clean_env,omitempty"`
	} `yaml:"adapter"`

	Report struct {
		LastRun string `yaml:"last_run"`
		History string `yaml:"history"`
		Metrics string `yaml:"metrics_textfile,omitempty"`
	} `yaml:"report"`

	Publish struct {
		S3 struct {
			Enabled  bool   `yaml:"enabled"`
			Bucket   string `yaml:"bucket"`
			Prefix   string `yaml:"prefix,omitempty"`
			Region   string `yaml:"region,omitempty"`
			Endpoint string `yaml:"endpoint,omitempty"`
		} `yaml:"s3"`
		NATS struct {
			Enabled bool   `yaml:"enabled"`
			URL     string `yaml:"url"`
			Bucket  string `yaml:"bucket"`
		} `yaml:"nats"`
		Docker struct {
			Enabled bool   `yaml:"enabled"`
			Host    string `yaml:"host,omitempty"`
		} `yaml:"docker"`
	} `yaml:"publish"`

	Watch struct {
		Spool       string `yaml:"spool"`
		MaxParallel int    `yaml:"max_parallel"`
		Listen      string `yaml:"listen,omitempty"`
		PauseFile   string `yaml:"pause_file,omitempty"`
	} `yaml:"watch"`

	Fetch struct {
		Repo     string        `yaml:"repo,omitempty"`
		Artifact string        `yaml:"artifact"`
		File     string        `yaml:"file"`
		Token    string        `yaml:"token,omitempty"`
		BaseURL  string        `yaml:"base_url"`
		Timeout  time.Duration `yaml:"timeout"`
	} `yaml:"fetch"`

	Schedules []Schedule `yaml:"schedules,omitempty"`

	// Params are defaults for every run; flags and request files override them.
	Params map[string]string `yaml:"params,omitempty"`
}

// Default returns the configuration used when no file exists.
func Default() Config {
	var c Config
	c.WorkDir = "/var/tmp/archbuild/work"
	c.ArtifactDir = "./out"
	c.Log.Level = "info"
	c.Adapter.Elevate = "sudo -n"
	c.Adapter.KillGrace = 10 * time.Second
	c.Adapter.MaxOutput = 64 << 10
	c.Adapter.DefaultTimeout = 2 * time.Hour
	c.Report.LastRun = expandHome("~/.cache/archbuild/last-run.json")
	c.Report.History = expandHome("~/.local/state/archbuild/history.db")
	c.Watch.Spool = "/var/spool/archbuild"
	c.Watch.MaxParallel = 1
	c.Fetch.Artifact = "arch-installation"
	c.Fetch.File = "arch-custom-rootfs.tar.zst"
	c.Fetch.BaseURL = "https://api.github.com"
	c.Fetch.Timeout = 30 * time.Second
	return c
}

// Load applies defaults, then the YAML file (a missing file is not an error),
// then ARCHBUILD_* environment overrides, and validates the result.
func Load(path string) (Config, error) {
	c := Default()

	if path != "" {
		b, err := os.ReadFile(path)
		switch {
		case err == nil:
			if err := yaml.Unmarshal(b, &c); err != nil {
				return c, fmt.Errorf("parse %s: %w", path, err)
			}
		case !errors.Is(err, os.ErrNotExist):
			return c, err
		}
	}

	if v := os.Getenv("ARCHBUILD_WORK_DIR"); v != "" {
		c.WorkDir = v
	}

	if v := os.Getenv("ARCHBUILD_ARTIFACT_DIR"); v != "" {
		c.ArtifactDir = v
	}

	if v := os.Getenv("ARCHBUILD_PIPELINES_DIR"); v != "" {
		c.Pipelines = v
	}

	if v := os.Getenv("ARCHBUILD_LOG_LEVEL"); v != "" {
		c.Log.Level = v
	}

	if v := os.Getenv("ARCHBUILD_LOG_FILE"); v != "" {
		c.Log.File = v
	}

	if v := os.Getenv("ARCHBUILD_ELEVATE"); v != "" {
		c.Adapter.Elevate = v
	}

	if v := os.Getenv("ARCHBUILD_KILL_GRACE"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			c.Adapter.KillGrace = d
		}
	}

	if v := os.Getenv("ARCHBUILD_STAGE_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			c.Adapter.DefaultTimeout = d
		}
	}

	if v := os.Getenv("ARCHBUILD_MAX_PARALLEL"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.Watch.MaxParallel = n
		}
	}

	if v := os.Getenv("ARCHBUILD_SPOOL"); v != "" {
		c.Watch.Spool = v
	}

	if v := os.Getenv("GITHUB_TOKEN"); v != "" && c.Fetch.Token == "" {
		c.Fetch.Token = v
	}

	c.WorkDir = expandHome(c.WorkDir)
	c.ArtifactDir = expandHome(c.ArtifactDir)
	c.Pipelines = expandHome(c.Pipelines)
	c.Log.File = expandHome(c.Log.File)
	c.Report.LastRun = expandHome(c.Report.LastRun)
	c.Report.History = expandHome(c.Report.History)
	c.Report.Metrics = expandHome(c.Report.Metrics)
	c.Watch.Spool = expandHome(c.Watch.Spool)
	c.Watch.PauseFile = expandHome(c.Watch.PauseFile)

	if c.Adapter.KillGrace <= 0 {
		c.Adapter.KillGrace = 10 * time.Second
	}

	if c.Adapter.MaxOutput <= 0 {
		c.Adapter.MaxOutput = 64 << 10
	}

	if c.Adapter.DefaultTimeout <= 0 {
		c.Adapter.DefaultTimeout = 2 * time.Hour
	}

	if c.Watch.MaxParallel <= 0 {
		c.Watch.MaxParallel = 1
	}

	if c.Fetch.Timeout <= 0 {
		c.Fetch.Timeout = 30 * time.Second
	}

	if c.WorkDir == "" {
		return c, errors.New("work_dir is required")
	}

	if c.ArtifactDir == "" {
		return c, errors.New("artifact_dir is required")
	}

	if c.Publish.S3.Enabled && c.Publish.S3.Bucket == "" {
		return c, errors.New("publish.s3.bucket is required when s3 publishing is enabled")
	}

	if c.Publish.NATS.Enabled && (c.Publish.NATS.URL == "" || c.Publish.NATS.Bucket == "") {
		return c, errors.New("publish.nats.url and publish.nats.bucket are required when nats publishing is enabled")
	}

	seen := make(map[string]bool, len(c.Schedules))
	for _, s := range c.Schedules {
		if s.Name == "" || s.Pipeline == "" || s.Cron == "" {
			return c, fmt.Errorf("schedule %q: name, pipeline and cron are required", s.Name)
		}
		if seen[s.Name] {
			return c, fmt.Errorf("schedule %q defined twice", s.Name)
		}
		seen[s.Name] = true
	}

	return c, nil
}

// ElevateCommand splits the elevation setting; "none" disables elevation.
func (c Config) ElevateCommand() []string {
	if strings.TrimSpace(c.Adapter.Elevate) == "none" {
		return nil
	}
	return strings.Fields(c.Adapter.Elevate)
}

func Save(path string, c Config) error {
	b, err := yaml.Marshal(&c)
	if err != nil {
		return err
	}
	return writeLocked(path, b)
}

var ErrScheduleNotFound = errors.New("schedule not found")

// SetScheduleEnabled flips the enabled flag of the named schedule in the
// file at path. Only that node is rewritten: comments and values that came
// from defaults or the environment are not persisted.
func SetScheduleEnabled(path, name string, enabled bool) (changed bool, err error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return false, err
	}

	var doc yaml.Node
	if err := yaml.Unmarshal(b, &doc); err != nil {
		return false, fmt.Errorf("parse %s: %w", path, err)
	}
	if len(doc.Content) == 0 {
		return false, ErrScheduleNotFound
	}

	list := mappingValue(doc.Content[0], "schedules")
	if list == nil || list.Kind != yaml.SequenceNode {
		return false, ErrScheduleNotFound
	}

	want := strconv.FormatBool(enabled)
	for _, item := range list.Content {
		if n := mappingValue(item, "name"); n == nil || n.Value != name {
			continue
		}
		v := mappingValue(item, "enabled")
		switch {
		case v == nil:
			item.Content = append(item.Content,
				&yaml.Node{Kind: yaml.ScalarNode, Tag: "!!str", Value: "enabled"},
				&yaml.Node{Kind: yaml.ScalarNode, Tag: "!!bool", Value: want})
		case v.Value == want:
			return false, nil
		default:
			v.Tag, v.Value = "!!bool", want
		}

		var buf bytes.Buffer
		enc := yaml.NewEncoder(&buf)
		enc.SetIndent(2)
		if err := enc.Encode(&doc); err != nil {
			return false, err
		}
		if err := enc.Close(); err != nil {
			return false, err
		}
		return true, writeLocked(path, buf.Bytes())
	}

	return false, ErrScheduleNotFound
}

func mappingValue(m *yaml.Node, key string) *yaml.Node {
	if m == nil || m.Kind != yaml.MappingNode {
		return nil
	}
	for i := 0; i+1 < len(m.Content); i += 2 {
		if m.Content[i].Value == key {
			return m.Content[i+1]
		}
	}
	return nil
}

func writeLocked(path string, b []byte) error {
	if path == "" {
		return errors.New("empty config path")
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}

	lockFile := path + ".lock"
	lf, err := os.OpenFile(lockFile, os.O_CREATE|os.O_RDWR, 0o600)
	if err != nil {
		return err
	}
	defer func() { _ = lf.Close() }()

	if runtime.GOOS != "windows" {
		if err := syscall.Flock(int(lf.Fd()), syscall.LOCK_EX); err != nil {
			return err
		}
		defer func() { _ = syscall.Flock(int(lf.Fd()), syscall.LOCK_UN) }()
	}

	tmp := path + ".tmp"
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o600)
	if err != nil {
		return err
	}

	defer func() { _ = f.Close() }()

	if _, err := f.Write(b); err != nil {
		return err
	}

	if err := f.Sync(); err != nil {
		return err
	}

	return os.Rename(tmp, path)
}

func expandHome(p string) string {
	if strings.HasPrefix(p, "~/") {
		if h, _ := os.UserHomeDir(); h != "" {
			return h + p[1:]
		}
	}
	return p
}
