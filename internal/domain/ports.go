package domain

import (
	"context"
	"time"
)

// Invocation is one fully resolved subprocess call.
type Invocation struct {
	Stage      string
	Program    string
	Args       []string
	Dir        string
	Env        map[string]string
	Stdin      string
	Privileged bool
	Timeout    time.Duration
	LogPath    string
}

// ToolAdapter runs a subprocess to completion. Non-zero exits, timeouts and
// cancellation are reported through the result's Outcome; the error is
// reserved for failures of the adapter itself.
type ToolAdapter interface {
	Invoke(ctx context.Context, inv Invocation) (StageResult, error)
}

type ArtifactStore interface {
	Collect(ctx context.Context, expected []string, destination string) ([]Artifact, error)
	// Discard removes collected artifacts and their checksum manifest.
	Discard(destination string, artifacts []Artifact) error
}

type ArchiveVerifier interface {
	Verify(path string) error
}

type Publisher interface {
	Name() string
	Publish(ctx context.Context, run *PipelineRun, artifacts []Artifact) error
}

// RunReporter persists a run once it reaches a terminal state.
type RunReporter interface {
	Write(ctx context.Context, run *PipelineRun) error
}

// RunObserver is called synchronously from the goroutine executing the run;
// implementations must copy what they keep.
type RunObserver interface {
	RunStarted(run *PipelineRun)
	StageFinished(run *PipelineRun, res StageResult)
	RunFinished(run *PipelineRun)
}
