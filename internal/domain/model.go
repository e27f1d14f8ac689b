package domain

import "time"

type RunStatus string

const (
	RunPending   RunStatus = "pending"
	RunRunning   RunStatus = "running"
	RunSucceeded RunStatus = "succeeded"
	RunFailed    RunStatus = "failed"
)

type Outcome string

const (
	OutcomeOK        Outcome = "ok"
	OutcomeFailed    Outcome = "failed"
	OutcomeTimeout   Outcome = "timeout"
	OutcomeCancelled Outcome = "cancelled"
)

// Command is a program plus argument list whose entries may contain
// {{key}} placeholders resolved from the run parameters.
type Command struct {
	Program string   `yaml:"program" json:"program"`
	Args    []string `yaml:"args,omitempty" json:"args,omitempty"`
}

type Stage struct {
	Name       string            `yaml:"name" json:"name"`
	Command    Command           `yaml:"command" json:"command"`
	Stdin      string            `yaml:"stdin,omitempty" json:"-"`
	After      []string          `yaml:"after,omitempty" json:"after,omitempty"`
	Outputs    []string          `yaml:"outputs,omitempty" json:"outputs,omitempty"`
	Privileged bool              `yaml:"privileged,omitempty" json:"privileged,omitempty"`
	Timeout    time.Duration     `yaml:"timeout,omitempty" json:"timeout,omitempty"`
	Env        map[string]string `yaml:"env,omitempty" json:"env,omitempty"`
	Dir        string            `yaml:"dir,omitempty" json:"dir,omitempty"`
	// VerifyExcludes marks tarball outputs that must honour the exclusion list.
	VerifyExcludes bool `yaml:"verify_excludes,omitempty" json:"verify_excludes,omitempty"`
}

type Pipeline struct {
	Name        string  `yaml:"name" json:"name"`
	Description string  `yaml:"description,omitempty" json:"description,omitempty"`
	Stages      []Stage `yaml:"stages" json:"stages"`
}

// Params is the configuration mapping a run resolves its templates against.
type Params map[string]string

func (p Params) Clone() Params {
	out := make(Params, len(p))
	for k, v := range p {
		out[k] = v
	}
	return out
}

// Parameter keys with special meaning to the orchestrator.
const (
	ParamUsername  = "username"
	ParamPassword  = "password"
	ParamShell     = "shell"
	ParamTimezone  = "timezone"
	ParamImageName = "image_name"
	ParamISOName   = "iso_name"
	ParamHostname  = "hostname"
	ParamLocale    = "locale"
	ParamWorkdir   = "workdir"
	ParamRootfs    = "rootfs"
	ParamOutput    = "output"
	ParamLogs      = "logs"
	ParamRunID     = "run_id"
)

type StageResult struct {
	Stage     string    `json:"stage"`
	Outcome   Outcome   `json:"outcome"`
	ExitCode  int       `json:"exit_code"`
	Stdout    string    `json:"stdout,omitempty"`
	Stderr    string    `json:"stderr,omitempty"`
	Truncated bool      `json:"truncated,omitempty"`
	Started   time.Time `json:"started"`
	Finished  time.Time `json:"finished"`
	Artifacts []string  `json:"artifacts,omitempty"`
	LogPath   string    `json:"log_path,omitempty"`
}

func (r StageResult) Duration() time.Duration { return r.Finished.Sub(r.Started) }

type Artifact struct {
	Name        string `json:"name"`
	Source      string `json:"source"`
	Destination string `json:"destination"`
	Checksum    string `json:"sha256"`
	Size        int64  `json:"size"`
}

type PipelineRun struct {
	ID        string        `json:"id"`
	Pipeline  string        `json:"pipeline"`
	Params    Params        `json:"-"`
	Cursor    int           `json:"cursor"`
	Status    RunStatus     `json:"status"`
	Reason    Kind          `json:"reason,omitempty"`
	Error     string        `json:"error,omitempty"`
	Results   []StageResult `json:"results"`
	Artifacts []Artifact    `json:"artifacts,omitempty"`
	Started   time.Time     `json:"started"`
	Finished  time.Time     `json:"finished,omitempty"`
	Workdir   string        `json:"workdir"`
	// Destination is where collected artifacts and the run report land.
	Destination string `json:"destination"`
}

// Summary is the persisted, secret-free view of a run.
type Summary struct {
	ID        string    `json:"id"`
	Pipeline  string    `json:"pipeline"`
	Status    RunStatus `json:"status"`
	Reason    Kind      `json:"reason,omitempty"`
	Error     string    `json:"error,omitempty"`
	Stages    int       `json:"stages"`
	Artifacts int       `json:"artifacts"`
	Started   time.Time `json:"started"`
	Finished  time.Time `json:"finished"`
	Location  string    `json:"location,omitempty"`
}

func (r *PipelineRun) Summary() Summary {
	return Summary{
		ID:        r.ID,
		Pipeline:  r.Pipeline,
		Status:    r.Status,
		Reason:    r.Reason,
		Error:     r.Error,
		Stages:    len(r.Results),
		Artifacts: len(r.Artifacts),
		Started:   r.Started,
		Finished:  r.Finished,
		Location:  r.Destination,
	}
}
