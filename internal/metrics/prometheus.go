package metrics

import (
	"context"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"

	"github.com/sawpanic/mcalib/internal/cache"
	"github.com/sawpanic/mcalib/internal/runlog"
)

const namespace = "mcalib"

// Registry holds the Prometheus collectors of a calibration process. It is a
// runlog.Logger, publishing the latest value of every record column, and a
// cache.Observer, counting stage lookups.
type Registry struct {
	reg *prometheus.Registry

	Metric      *prometheus.GaugeVec
	Iteration   *prometheus.GaugeVec
	Records     *prometheus.CounterVec
	CacheLookup *prometheus.CounterVec
	RunDuration *prometheus.HistogramVec
	ActiveRuns  prometheus.Gauge
}

// NewRegistry creates the collectors on a private registry.
func NewRegistry() *Registry {
	r := &Registry{
		reg: prometheus.NewRegistry(),
		Metric: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "calibration_metric",
				Help:      "Latest value of a calibration loss or metric",
			},
			[]string{"run", "metric"},
		),
		Iteration: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "calibration_iteration",
				Help:      "Latest recorded iteration, -1 before the first step",
			},
			[]string{"run"},
		),
		Records: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "calibration_records_total",
				Help:      "Records produced by calibration runs",
			},
			[]string{"run"},
		),
		CacheLookup: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "cache_lookups_total",
				Help:      "Calculation cache lookups by stage and outcome",
			},
			[]string{"stage", "outcome"},
		),
		RunDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "calibration_duration_seconds",
				Help:      "Wall time of calibration runs",
				Buckets:   []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 10, 30, 60, 300},
			},
			[]string{"result"},
		),
		ActiveRuns: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "calibration_active_runs",
				Help:      "Calibration runs in progress",
			},
		),
	}
	r.reg.MustRegister(r.Metric, r.Iteration, r.Records, r.CacheLookup, r.RunDuration, r.ActiveRuns)
	return r
}

// Gatherer exposes the underlying registry.
func (r *Registry) Gatherer() prometheus.Gatherer { return r.reg }

// Handler serves the registry in the Prometheus exposition format.
func (r *Registry) Handler() http.Handler {
	return promhttp.HandlerFor(r.reg, promhttp.HandlerOpts{})
}

// ObserveCache implements cache.Observer.
func (r *Registry) ObserveCache(stage string, o cache.Outcome) {
	r.CacheLookup.WithLabelValues(stage, string(o)).Inc()
}

// Sink returns a runlog.Logger that publishes records under run.
func (r *Registry) Sink(run string) runlog.Logger { return &sink{r: r, run: run} }

type sink struct {
	r   *Registry
	run string
}

func (s *sink) ProcessRecord(_ context.Context, iteration int, metrics map[string]float64) error {
	for name, v := range metrics {
		s.r.Metric.WithLabelValues(s.run, name).Set(v)
	}
	s.r.Iteration.WithLabelValues(s.run).Set(float64(iteration))
	s.r.Records.WithLabelValues(s.run).Inc()
	return nil
}

// RunTimer tracks one calibration run.
type RunTimer struct {
	r     *Registry
	run   string
	start time.Time
}

// StartRun marks a run as active.
func (r *Registry) StartRun(run string) *RunTimer {
	r.ActiveRuns.Inc()
	return &RunTimer{r: r, run: run, start: time.Now()}
}

// Stop records the run duration under result ("converged", "exhausted" or
// "error").
func (t *RunTimer) Stop(result string) {
	d := time.Since(t.start)
	t.r.ActiveRuns.Dec()
	t.r.RunDuration.WithLabelValues(result).Observe(d.Seconds())
	log.Debug().Str("run", t.run).Str("result", result).Dur("duration", d).Msg("calibration run observed")
}
