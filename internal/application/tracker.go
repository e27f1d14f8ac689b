package application

import (
	"sort"
	"sync"

	"github.com/davarch/archbuild/internal/domain"
)

// Tracker keeps summaries of the runs currently executing.
type Tracker struct {
	mu   sync.Mutex
	runs map[string]domain.Summary
}

func NewTracker() *Tracker {
	return &Tracker{runs: make(map[string]domain.Summary)}
}

func (t *Tracker) RunStarted(run *domain.PipelineRun) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.runs[run.ID] = run.Summary()
}

func (t *Tracker) StageFinished(run *domain.PipelineRun, _ domain.StageResult) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.runs[run.ID]; ok {
		t.runs[run.ID] = run.Summary()
	}
}

func (t *Tracker) RunFinished(run *domain.PipelineRun) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.runs, run.ID)
}

// Active returns the running runs, oldest first.
func (t *Tracker) Active() []domain.Summary {
	t.mu.Lock()
	out := make([]domain.Summary, 0, len(t.runs))
	for _, s := range t.runs {
		out = append(out, s)
	}
	t.mu.Unlock()

	sort.Slice(out, func(i, j int) bool { return out[i].Started.Before(out[j].Started) })
	return out
}
