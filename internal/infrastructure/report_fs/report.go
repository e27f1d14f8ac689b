package report_fs

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"time"

	"github.com/davarch/archbuild/internal/domain"
)

const ReportFile = "run.json"

// LastRun is the snapshot kept at the fixed last-run path.
type LastRun struct {
	ID       string `json:"id"`
	Pipeline string `json:"pipeline"`
	Status   string `json:"status"`
	Reason   string `json:"reason,omitempty"`
	Stage    string `json:"stage,omitempty"`
	Report   string `json:"report,omitempty"`
	Finished int64  `json:"finished"`
}

// FSReport writes the full run report next to the run's artifacts and keeps
// a small snapshot of the latest run at a fixed path for status bars and CI
// steps to poll.
type FSReport struct {
	lastPath string
}

func New(lastPath string) *FSReport { return &FSReport{lastPath: lastPath} }

func (r *FSReport) Write(_ context.Context, run *domain.PipelineRun) error {
	if run.Destination != "" {
		if err := writeJSON(filepath.Join(run.Destination, ReportFile), run); err != nil {
			return err
		}
	}

	if r.lastPath == "" {
		return nil
	}

	o := LastRun{
		ID:       run.ID,
		Pipeline: run.Pipeline,
		Status:   string(run.Status),
		Reason:   string(run.Reason),
		Finished: run.Finished.Unix(),
	}
	if n := len(run.Results); n > 0 {
		o.Stage = run.Results[n-1].Stage
	}
	if run.Destination != "" {
		o.Report = filepath.Join(run.Destination, ReportFile)
	}
	return writeJSON(r.lastPath, o)
}

func Read(path string) (*domain.PipelineRun, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var run domain.PipelineRun
	if err := json.Unmarshal(b, &run); err != nil {
		return nil, err
	}
	return &run, nil
}

// ReadLast loads the full report the last-run snapshot points to. Runs
// rejected before execution have no report; their snapshot is returned as a
// bare run.
func ReadLast(lastPath string) (*domain.PipelineRun, error) {
	b, err := os.ReadFile(lastPath)
	if err != nil {
		return nil, err
	}
	var last LastRun
	if err := json.Unmarshal(b, &last); err != nil {
		return nil, err
	}
	if last.Report != "" {
		if run, err := Read(last.Report); err == nil {
			return run, nil
		} else if !errors.Is(err, os.ErrNotExist) {
			return nil, err
		}
	}
	return &domain.PipelineRun{
		ID:       last.ID,
		Pipeline: last.Pipeline,
		Status:   domain.RunStatus(last.Status),
		Reason:   domain.Kind(last.Reason),
		Finished: time.Unix(last.Finished, 0),
	}, nil
}

func writeJSON(path string, v any) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}

	f, err := os.CreateTemp(filepath.Dir(path), "."+filepath.Base(path)+".*")
	if err != nil {
		return err
	}
	tmp := f.Name()
	defer func() { _ = os.Remove(tmp) }()

	enc := json.NewEncoder(f)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		_ = f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}
	if err := os.Chmod(tmp, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}
