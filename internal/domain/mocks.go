package domain

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// MockAdapter answers invocations from a per-stage script. Stages missing
// from Outcomes succeed; for successful stages every path in Produce[stage]
// is created with the stage name as content.
type MockAdapter struct {
	Outcomes map[string]Outcome
	Exit     map[string]int
	Produce  map[string][]string
	Err      error

	mu    sync.Mutex
	Calls []Invocation
}

func (m *MockAdapter) Invoke(ctx context.Context, inv Invocation) (StageResult, error) {
	m.mu.Lock()
	m.Calls = append(m.Calls, inv)
	m.mu.Unlock()

	if m.Err != nil {
		return StageResult{}, m.Err
	}

	res := StageResult{Stage: inv.Stage, Outcome: OutcomeOK, Started: time.Now()}
	if o, ok := m.Outcomes[inv.Stage]; ok {
		res.Outcome = o
	}
	if ctx.Err() != nil {
		res.Outcome = OutcomeCancelled
	}
	switch res.Outcome {
	case OutcomeOK:
		for _, p := range m.Produce[inv.Stage] {
			_ = os.MkdirAll(filepath.Dir(p), 0o755)
			_ = os.WriteFile(p, []byte(inv.Stage), 0o644)
		}
	case OutcomeFailed:
		res.ExitCode = 1
		if c, ok := m.Exit[inv.Stage]; ok {
			res.ExitCode = c
		}
		res.Stderr = inv.Stage + " failed"
	default:
		res.ExitCode = -1
	}
	res.Finished = time.Now()
	return res, nil
}

func (m *MockAdapter) Invocations() []Invocation {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Invocation(nil), m.Calls...)
}

func (m *MockAdapter) Stages() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, 0, len(m.Calls))
	for _, c := range m.Calls {
		out = append(out, c.Stage)
	}
	return out
}

type MockPublisher struct {
	Published []Artifact
	Err       error
}

func (p *MockPublisher) Name() string { return "mock" }

func (p *MockPublisher) Publish(ctx context.Context, run *PipelineRun, artifacts []Artifact) error {
	if p.Err != nil {
		return p.Err
	}
	p.Published = append(p.Published, artifacts...)
	return nil
}

type MockReporter struct {
	Err error

	mu   sync.Mutex
	runs []Summary
}

func (r *MockReporter) Write(ctx context.Context, run *PipelineRun) error {
	if r.Err != nil {
		return r.Err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.runs = append(r.runs, run.Summary())
	return nil
}

func (r *MockReporter) Runs() []Summary {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Summary(nil), r.runs...)
}

type MockVerifier struct {
	Checked []string
	Err     error
}

func (v *MockVerifier) Verify(path string) error {
	v.Checked = append(v.Checked, path)
	return v.Err
}
