// Package metrics exposes Prometheus collectors for the provisioning
// pipeline: queue depth, per-phase duration, and package handler outcomes.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// ContainersTotal tracks how many containers are in each lifecycle
	// state at the last collection tick.
	ContainersTotal = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "provisiond_containers_total",
			Help: "Number of containers by lifecycle state",
		},
		[]string{"lifecycle"},
	)

	// QueueDepth tracks how many jobs are waiting in the durable queue.
	QueueDepth = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "provisiond_queue_depth",
			Help: "Number of provisioning jobs waiting in the queue",
		},
	)

	// JobsInFlight tracks how many jobs the worker pool is currently running.
	JobsInFlight = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "provisiond_jobs_in_flight",
			Help: "Number of provisioning jobs currently executing",
		},
	)

	// PhaseDuration records how long each pipeline phase takes.
	PhaseDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "provisiond_phase_duration_seconds",
			Help:    "Duration of each provisioning phase",
			Buckets: prometheus.ExponentialBuckets(0.5, 2, 12),
		},
		[]string{"phase"},
	)

	// JobsTotal counts completed jobs by terminal outcome.
	JobsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "provisiond_jobs_total",
			Help: "Total provisioning jobs by terminal outcome",
		},
		[]string{"outcome"},
	)

	// PackageInstallsTotal counts package handler outcomes by ecosystem.
	PackageInstallsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "configmanager_package_installs_total",
			Help: "Package install outcomes by manager and result",
		},
		[]string{"manager", "outcome"},
	)

	// ScriptExecDuration records script execution time during the sync.
	ScriptExecDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "configmanager_script_duration_seconds",
			Help:    "Duration of each executed script",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"script"},
	)
)

func init() {
	prometheus.MustRegister(
		ContainersTotal,
		QueueDepth,
		JobsInFlight,
		PhaseDuration,
		JobsTotal,
		PackageInstallsTotal,
		ScriptExecDuration,
	)
}

// Handler returns the HTTP handler serving the registered collectors.
func Handler() http.Handler {
	return promhttp.Handler()
}

// Timer measures an elapsed duration for observing into a histogram.
type Timer struct {
	start time.Time
}

// NewTimer starts a Timer.
func NewTimer() *Timer {
	return &Timer{start: time.Now()}
}

// ObserveDuration records the elapsed time since NewTimer into observer.
func (t *Timer) ObserveDuration(observer prometheus.Observer) {
	observer.Observe(time.Since(t.start).Seconds())
}
