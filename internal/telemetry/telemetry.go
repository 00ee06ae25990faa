package telemetry

import (
	"sync"
	"time"

	"github.com/HdrHistogram/hdrhistogram-go"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/3cpo-dev/tagfarm/internal/tool"
)

// Recorder receives orchestration events. Implementations must be safe for
// concurrent use; pool workers and farm jobs report from their own goroutines.
type Recorder interface {
	// JobFinished records one tool invocation. category is "worker",
	// "merge", "stage", "prepass", "texture" or "material".
	JobFinished(category string, o tool.Outcome)
	StageFinished(stage string, fanout bool, d time.Duration, ok bool)
	MergeFailed(stage string)
	FarmInFlight(n int)
	RunFinished(kind string, ok bool, d time.Duration)
}

// Nop discards everything.
type Nop struct{}

func (Nop) JobFinished(string, tool.Outcome)                {}
func (Nop) StageFinished(string, bool, time.Duration, bool) {}
func (Nop) MergeFailed(string)                              {}
func (Nop) FarmInFlight(int)                                {}
func (Nop) RunFinished(string, bool, time.Duration)         {}

// OrNop returns r, or Nop when r is nil.
func OrNop(r Recorder) Recorder {
	if r == nil {
		return Nop{}
	}
	return r
}

// Collector is a Recorder backed by a private Prometheus registry.
type Collector struct {
	registry *prometheus.Registry

	jobs          *prometheus.CounterVec
	jobDuration   *prometheus.HistogramVec
	stageDuration *prometheus.HistogramVec
	stages        *prometheus.CounterVec
	merges        *prometheus.CounterVec
	inflight      prometheus.Gauge
	runs          *prometheus.CounterVec
	runDuration   *prometheus.HistogramVec

	mu          sync.Mutex
	maxInflight int
	latency     map[string]*hdrhistogram.Histogram
}

// NewCollector creates a collector with the Go and process collectors registered.
func NewCollector() *Collector {
	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector())
	registry.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	c := &Collector{
		registry: registry,
		latency:  make(map[string]*hdrhistogram.Histogram),
		jobs: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "tagfarm_tool_jobs_total",
			Help: "Tool invocations by category and outcome.",
		}, []string{"category", "outcome"}),
		jobDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "tagfarm_tool_job_duration_seconds",
			Help:    "Wall time of tool invocations.",
			Buckets: prometheus.ExponentialBuckets(0.1, 2, 14),
		}, []string{"category"}),
		stageDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "tagfarm_stage_duration_seconds",
			Help:    "Wall time of pipeline stages.",
			Buckets: prometheus.ExponentialBuckets(1, 2, 14),
		}, []string{"stage"}),
		stages: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "tagfarm_stages_total",
			Help: "Pipeline stages by name, shape and status.",
		}, []string{"stage", "shape", "status"}),
		merges: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "tagfarm_merge_failures_total",
			Help: "Merge steps that exited non-zero.",
		}, []string{"stage"}),
		inflight: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "tagfarm_farm_inflight_jobs",
			Help: "Texture jobs currently running in the export farm.",
		}),
		runs: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "tagfarm_runs_total",
			Help: "Bake and farm runs by status.",
		}, []string{"kind", "status"}),
		runDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "tagfarm_run_duration_seconds",
			Help:    "Wall time of bake and farm runs.",
			Buckets: prometheus.ExponentialBuckets(1, 2, 16),
		}, []string{"kind"}),
	}

	registry.MustRegister(c.jobs, c.jobDuration, c.stageDuration, c.stages, c.merges, c.inflight, c.runs, c.runDuration)
	return c
}

// Registry exposes the underlying registry for the /metrics handler.
func (c *Collector) Registry() *prometheus.Registry { return c.registry }

func (c *Collector) JobFinished(category string, o tool.Outcome) {
	outcome := "ok"
	if !o.OK() {
		outcome = o.Kind.String()
		if o.Kind == tool.Exited {
			outcome = "nonzero"
		}
	}
	c.jobs.WithLabelValues(category, outcome).Inc()
	if !o.Started.IsZero() && !o.Exited.IsZero() {
		d := o.Exited.Sub(o.Started)
		c.jobDuration.WithLabelValues(category).Observe(d.Seconds())
		c.mu.Lock()
		c.recordLatency(category, d)
		c.mu.Unlock()
	}
}

func (c *Collector) StageFinished(stage string, fanout bool, d time.Duration, ok bool) {
	shape := "single"
	if fanout {
		shape = "fanout"
	}
	c.stages.WithLabelValues(stage, shape, status(ok)).Inc()
	c.stageDuration.WithLabelValues(stage).Observe(d.Seconds())
}

func (c *Collector) MergeFailed(stage string) {
	c.merges.WithLabelValues(stage).Inc()
}

func (c *Collector) FarmInFlight(n int) {
	c.inflight.Set(float64(n))
	c.mu.Lock()
	if n > c.maxInflight {
		c.maxInflight = n
	}
	c.mu.Unlock()
}

// MaxInFlight is the highest in-flight count reported so far.
func (c *Collector) MaxInFlight() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.maxInflight
}

func (c *Collector) RunFinished(kind string, ok bool, d time.Duration) {
	c.runs.WithLabelValues(kind, status(ok)).Inc()
	c.runDuration.WithLabelValues(kind).Observe(d.Seconds())
}

func status(ok bool) string {
	if ok {
		return "success"
	}
	return "failure"
}
