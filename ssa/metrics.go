package ssa

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics are the simulator's prometheus collectors. A nil *Metrics records
// nothing.
type Metrics struct {
	Builds          *prometheus.CounterVec
	Dispatches      *prometheus.CounterVec
	DispatchSeconds *prometheus.HistogramVec
	Simulations     *prometheus.CounterVec
}

// NewMetrics creates the collectors and registers them with reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		Builds: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "gossa",
			Name:      "kernel_builds_total",
			Help:      "Kernel builds by backend and outcome.",
		}, []string{"backend", "outcome"}),
		Dispatches: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "gossa",
			Name:      "dispatches_total",
			Help:      "Device dispatches by backend, mode and outcome.",
		}, []string{"backend", "mode", "outcome"}),
		DispatchSeconds: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "gossa",
			Name:      "dispatch_seconds",
			Help:      "Wall time of a device dispatch.",
			Buckets:   prometheus.ExponentialBuckets(0.001, 4, 10),
		}, []string{"backend", "mode"}),
		Simulations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "gossa",
			Name:      "simulations_total",
			Help:      "Simulations completed, excluding padding slots.",
		}, []string{"backend", "mode"}),
	}
	if reg != nil {
		reg.MustRegister(m.Builds, m.Dispatches, m.DispatchSeconds, m.Simulations)
	}
	return m
}

func outcome(err error) string {
	if err != nil {
		return "error"
	}
	return "ok"
}

func (m *Metrics) observeBuild(backend string, err error) {
	if m == nil {
		return
	}
	m.Builds.WithLabelValues(backend, outcome(err)).Inc()
}

func (m *Metrics) observeDispatch(backend string, mode Mode, elapsed time.Duration, err error) {
	if m == nil {
		return
	}
	m.Dispatches.WithLabelValues(backend, string(mode), outcome(err)).Inc()
	m.DispatchSeconds.WithLabelValues(backend, string(mode)).Observe(elapsed.Seconds())
}

func (m *Metrics) observeRun(backend string, mode Mode, sims int) {
	if m == nil {
		return
	}
	m.Simulations.WithLabelValues(backend, string(mode)).Add(float64(sims))
}

// RunRecord summarizes one Run or RunOneStep call.
type RunRecord struct {
	ID          uuid.UUID
	Network     string
	Digest      string
	Backend     string
	Mode        Mode
	Sims        int
	Slots       int
	Checkpoints int
	Threads     int
	Blocks      int
	Seed        uint64
	Started     time.Time
	Elapsed     time.Duration
	Err         string
}

// Recorder receives a RunRecord after every run, failed or not.
type Recorder interface {
	Record(ctx context.Context, rec RunRecord) error
}
