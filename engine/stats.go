package engine

import (
	"time"

	"github.com/companyzero/protoengine/protocol"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// stats holds the engine metrics.
type stats struct {
	dispatched *prometheus.CounterVec
	stepTime   *prometheus.HistogramVec
	deferred   *prometheus.CounterVec
	dropped    *prometheus.CounterVec
}

// newStats creates the engine metrics. They are registered in reg when it is
// not nil.
func newStats(reg prometheus.Registerer) *stats {
	f := promauto.With(reg)
	return &stats{
		dispatched: f.NewCounterVec(prometheus.CounterOpts{
			Name: "protoengine_dispatch_total",
			Help: "Count of messages dispatched to a step, by outcome",
		}, []string{"protocol", "outcome"}),
		stepTime: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "protoengine_step_seconds",
			Help:    "Histogram of step execution time",
			Buckets: []float64{0.0005, 0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5},
		}, []string{"protocol"}),
		deferred: f.NewCounterVec(prometheus.CounterOpts{
			Name: "protoengine_deferred_total",
			Help: "Count of messages that matched no step and were kept",
		}, []string{"protocol"}),
		dropped: f.NewCounterVec(prometheus.CounterOpts{
			Name: "protoengine_dropped_total",
			Help: "Count of messages discarded without running a step, by reason",
		}, []string{"protocol", "reason"}),
	}
}

func (s *stats) observeStep(pid protocol.ID, outcome protocol.Outcome, d time.Duration) {
	s.dispatched.WithLabelValues(pid.String(), outcome.String()).Inc()
	s.stepTime.WithLabelValues(pid.String()).Observe(d.Seconds())
}

func (s *stats) drop(pid protocol.ID, reason string) {
	s.dropped.WithLabelValues(pid.String(), reason).Inc()
}
