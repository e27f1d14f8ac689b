package metrics

import (
	"github.com/davarch/archbuild/internal/domain"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "archbuild"

var durationBuckets = []float64{1, 5, 15, 30, 60, 120, 300, 600, 900, 1200, 1800, 2700, 3600, 5400, 7200}

// Metrics records run and stage outcomes into its own registry, which is
// served by the status API or dumped to a node_exporter textfile.
type Metrics struct {
	reg *prometheus.Registry

	Runs          *prometheus.CounterVec
	RunDuration   *prometheus.HistogramVec
	Stages        *prometheus.CounterVec
	StageDuration *prometheus.HistogramVec
	LastRun       *prometheus.GaugeVec
	Running       *prometheus.GaugeVec
}

func New() *Metrics {
	reg := prometheus.NewRegistry()
	f := promauto.With(reg)

	return &Metrics{
		reg: reg,
		Runs: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "runs_total",
			Help:      "Finished pipeline runs by status and failure reason.",
		}, []string{"pipeline", "status", "reason"}),
		RunDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "run_duration_seconds",
			Help:      "Wall-clock duration of pipeline runs.",
			Buckets:   durationBuckets,
		}, []string{"pipeline"}),
		Stages: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "stages_total",
			Help:      "Finished stages by outcome.",
		}, []string{"pipeline", "stage", "outcome"}),
		StageDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "stage_duration_seconds",
			Help:      "Duration of a single stage subprocess.",
			Buckets:   durationBuckets,
		}, []string{"pipeline", "stage"}),
		LastRun: f.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "last_run_timestamp_seconds",
			Help:      "Unix time the last run of a pipeline finished, by status.",
		}, []string{"pipeline", "status"}),
		Running: f.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "running_runs",
			Help:      "Runs currently executing stages.",
		}, []string{"pipeline"}),
	}
}

func (m *Metrics) Registry() *prometheus.Registry { return m.reg }

func (m *Metrics) RunStarted(run *domain.PipelineRun) {
	m.Running.WithLabelValues(run.Pipeline).Inc()
}

func (m *Metrics) StageFinished(run *domain.PipelineRun, res domain.StageResult) {
	m.Stages.WithLabelValues(run.Pipeline, res.Stage, string(res.Outcome)).Inc()
	m.StageDuration.WithLabelValues(run.Pipeline, res.Stage).Observe(res.Duration().Seconds())
}

// RunFinished also fires for runs rejected by validation; those never
// started and were not counted as running.
func (m *Metrics) RunFinished(run *domain.PipelineRun) {
	if run.Reason != domain.KindConfiguration {
		m.Running.WithLabelValues(run.Pipeline).Dec()
	}
	m.Runs.WithLabelValues(run.Pipeline, string(run.Status), string(run.Reason)).Inc()
	if !run.Started.IsZero() && !run.Finished.IsZero() {
		m.RunDuration.WithLabelValues(run.Pipeline).Observe(run.Finished.Sub(run.Started).Seconds())
	}
	m.LastRun.WithLabelValues(run.Pipeline, string(run.Status)).Set(float64(run.Finished.Unix()))
}

// WriteTextfile atomically writes the current values in the text exposition
// format, for the node_exporter textfile collector.
func (m *Metrics) WriteTextfile(path string) error {
	return prometheus.WriteToTextfile(path, m.reg)
}
