package application

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/davarch/archbuild/internal/domain"
	"github.com/fsnotify/fsnotify"
	"github.com/robfig/cron/v3"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"gopkg.in/yaml.v3"
)

const (
	settleDelay = 300 * time.Millisecond
	queueSize   = 64
)

// Resolver maps a pipeline reference to its definition and default params.
type Resolver func(ref string) (domain.Pipeline, domain.Params, error)

type PipelineRunner interface {
	Run(ctx context.Context, p domain.Pipeline, params domain.Params) (*domain.PipelineRun, error)
}

// Request is the content of a spool file.
type Request struct {
	Pipeline string            `yaml:"pipeline"`
	Params   map[string]string `yaml:"params,omitempty"`
}

type Schedule struct {
	Name     string
	Pipeline string
	Cron     string
	Params   domain.Params
}

type job struct {
	source   string
	pipeline string
	params   domain.Params
	file     string // claimed spool file, empty for cron jobs
}

// Watcher starts runs from request files dropped into a spool directory and
// from cron schedules. Runs execute concurrently up to maxParallel, each in
// its own workdir.
type Watcher struct {
	log         *zap.Logger
	runner      PipelineRunner
	resolve     Resolver
	spool       string
	base        domain.Params
	maxParallel int
	pauseFile   string

	queue chan job

	mu      sync.Mutex
	cron    *cron.Cron
	sched   []Schedule
	pending map[string]*time.Timer
}

func NewWatcher(l *zap.Logger, runner PipelineRunner, resolve Resolver, spool string, base domain.Params, maxParallel int) *Watcher {
	if maxParallel <= 0 {
		maxParallel = 1
	}
	return &Watcher{
		log: l, runner: runner, resolve: resolve, spool: spool, base: base, maxParallel: maxParallel,
		queue:   make(chan job, queueSize),
		pending: make(map[string]*time.Timer),
	}
}

// WithPauseFile makes cron triggers a no-op while path exists.
func (w *Watcher) WithPauseFile(path string) *Watcher {
	w.pauseFile = path
	return w
}

func (w *Watcher) claimedDir() string { return filepath.Join(w.spool, ".claimed") }
func (w *Watcher) doneDir() string    { return filepath.Join(w.spool, "done") }
func (w *Watcher) failedDir() string  { return filepath.Join(w.spool, "failed") }

// UpdateSchedules replaces the cron entries; safe to call while running.
func (w *Watcher) UpdateSchedules(s []Schedule) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.sched = s
	if w.cron != nil {
		w.installLocked()
	}
	w.log.Info("schedules loaded", zap.Int("schedules", len(s)))
}

func (w *Watcher) installLocked() {
	for _, e := range w.cron.Entries() {
		w.cron.Remove(e.ID)
	}
	for _, s := range w.sched {
		_, err := w.cron.AddFunc(s.Cron, func() {
			if w.isPaused() {
				w.log.Debug("paused: skipping schedule", zap.String("schedule", s.Name))
				return
			}
			w.enqueue(job{source: "cron:" + s.Name, pipeline: s.Pipeline, params: s.Params})
		})
		if err != nil {
			w.log.Warn("invalid cron expression", zap.String("schedule", s.Name), zap.String("cron", s.Cron), zap.Error(err))
		}
	}
}

func (w *Watcher) isPaused() bool {
	if w.pauseFile == "" {
		return false
	}
	_, err := os.Stat(w.pauseFile)
	return err == nil
}

// Run blocks until ctx is cancelled and every started run has finished.
func (w *Watcher) Run(ctx context.Context) error {
	for _, d := range []string{w.spool, w.claimedDir(), w.doneDir(), w.failedDir()} {
		if err := os.MkdirAll(d, 0o755); err != nil {
			return err
		}
	}

	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("fsnotify init: %w", err)
	}
	defer func() { _ = fw.Close() }()

	if err := fw.Add(w.spool); err != nil {
		return fmt.Errorf("watch %s: %w", w.spool, err)
	}

	w.mu.Lock()
	w.cron = cron.New()
	w.installLocked()
	w.cron.Start()
	w.mu.Unlock()

	var g errgroup.Group
	g.SetLimit(w.maxParallel)

	dispatched := make(chan struct{})
	go func() {
		defer close(dispatched)
		for {
			select {
			case <-ctx.Done():
				return
			case j := <-w.queue:
				g.Go(func() error {
					if ctx.Err() != nil {
						w.release(j)
						return nil
					}
					w.execute(ctx, j)
					return nil
				})
			}
		}
	}()

	w.requeueClaimed()
	w.rescan()
	w.log.Info("watching", zap.String("spool", w.spool), zap.Int("max_parallel", w.maxParallel))

	for {
		select {
		case <-ctx.Done():
			w.mu.Lock()
			stopped := w.cron.Stop()
			for _, t := range w.pending {
				t.Stop()
			}
			w.mu.Unlock()
			<-stopped.Done()
			<-dispatched
			return g.Wait()

		case ev, ok := <-fw.Events:
			if !ok {
				return nil
			}
			if ev.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Rename) != 0 && isRequest(ev.Name) {
				w.settle(ev.Name)
			}

		case err, ok := <-fw.Errors:
			if !ok {
				return nil
			}
			w.log.Warn("fsnotify error", zap.Error(err))
			w.rescan()
		}
	}
}

func isRequest(path string) bool {
	base := filepath.Base(path)
	return !strings.HasPrefix(base, ".") && (strings.HasSuffix(base, ".yaml") || strings.HasSuffix(base, ".yml"))
}

// settle debounces events for path so that a file still being written is
// only picked up once writes stop.
func (w *Watcher) settle(path string) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if t, ok := w.pending[path]; ok {
		t.Reset(settleDelay)
		return
	}
	w.pending[path] = time.AfterFunc(settleDelay, func() {
		w.mu.Lock()
		delete(w.pending, path)
		w.mu.Unlock()
		w.claim(path)
	})
}

func (w *Watcher) rescan() {
	entries, err := os.ReadDir(w.spool)
	if err != nil {
		w.log.Warn("scan spool", zap.Error(err))
		return
	}
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		if e.Type().IsRegular() && isRequest(e.Name()) {
			names = append(names, e.Name())
		}
	}
	sort.Strings(names)
	for _, n := range names {
		w.claim(filepath.Join(w.spool, n))
	}
}

// claim moves the request out of the spool root so that no later event or
// rescan can start it twice.
func (w *Watcher) claim(path string) {
	claimed := filepath.Join(w.claimedDir(), filepath.Base(path))
	if err := os.Rename(path, claimed); err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			w.log.Warn("claim request", zap.String("file", path), zap.Error(err))
		}
		return
	}

	req, err := readRequest(claimed)
	if err != nil {
		w.log.Error("invalid request", zap.String("file", path), zap.Error(err))
		w.archive(claimed, "", false)
		return
	}

	w.enqueue(job{source: "spool:" + filepath.Base(path), pipeline: req.Pipeline, params: req.Params, file: claimed})
}

// requeueClaimed returns requests claimed by an earlier process that stopped
// before starting them.
func (w *Watcher) requeueClaimed() {
	entries, err := os.ReadDir(w.claimedDir())
	if err != nil {
		return
	}
	for _, e := range entries {
		w.release(job{file: filepath.Join(w.claimedDir(), e.Name())})
	}
}

func (w *Watcher) release(j job) {
	if j.file == "" {
		return
	}
	if err := os.Rename(j.file, filepath.Join(w.spool, filepath.Base(j.file))); err != nil {
		w.log.Warn("release request", zap.String("file", j.file), zap.Error(err))
	}
}

func (w *Watcher) enqueue(j job) {
	select {
	case w.queue <- j:
	default:
		w.log.Warn("queue full, dropping trigger", zap.String("source", j.source))
		if j.file != "" {
			w.archive(j.file, "", false)
		}
	}
}

func readRequest(path string) (Request, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return Request{}, err
	}

	var req Request
	dec := yaml.NewDecoder(bytes.NewReader(b))
	dec.KnownFields(true)
	if err := dec.Decode(&req); err != nil {
		return Request{}, err
	}
	if req.Pipeline == "" {
		return Request{}, errors.New("pipeline is required")
	}
	return req, nil
}

func (w *Watcher) execute(ctx context.Context, j job) {
	log := w.log.With(zap.String("source", j.source), zap.String("pipeline", j.pipeline))

	p, defaults, err := w.resolve(j.pipeline)
	if err != nil {
		log.Error("resolve pipeline", zap.Error(err))
		w.archive(j.file, "", false)
		return
	}

	params := defaults.Clone()
	for k, v := range w.base {
		params[k] = v
	}
	for k, v := range j.params {
		params[k] = v
	}

	run, err := w.runner.Run(ctx, p, params)
	if err != nil {
		log.Warn("triggered run failed", zap.String("run", run.ID), zap.Error(err))
	} else {
		log.Info("triggered run succeeded", zap.String("run", run.ID), zap.String("destination", run.Destination))
	}
	w.archive(j.file, run.ID, err == nil)
}

// archive moves a handled request into done/ or failed/, prefixed with the
// run ID (or the current time when no run started) so that requests
// submitted under the same name keep separate records.
func (w *Watcher) archive(file, tag string, ok bool) {
	if file == "" {
		return
	}
	if tag == "" {
		tag = time.Now().UTC().Format("20060102T150405.000000000")
	}
	dir := w.failedDir()
	if ok {
		dir = w.doneDir()
	}
	if err := os.Rename(file, filepath.Join(dir, tag+"-"+filepath.Base(file))); err != nil {
		w.log.Warn("archive request", zap.String("file", file), zap.Error(err))
	}
}
