package provisioner

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics records provisioning runs. A nil *Metrics is valid and records nothing.
type Metrics struct {
	runs                 *prometheus.CounterVec
	phaseDuration        *prometheus.HistogramVec
	activationPolls      prometheus.Counter
	reachabilityAttempts *prometheus.CounterVec
}

func NewMetrics(registerer prometheus.Registerer) *Metrics {
	m := &Metrics{
		runs: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "stratus",
				Name:      "provisioning_runs_total",
				Help:      "Provisioning runs by final state",
			},
			[]string{"state"},
		),
		phaseDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: "stratus",
				Name:      "provisioning_phase_duration_seconds",
				Help:      "Time spent in each provisioning phase",
				Buckets:   []float64{1, 5, 15, 30, 60, 120, 300, 600, 1800},
			},
			[]string{"phase"},
		),
		activationPolls: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: "stratus",
				Name:      "activation_polls_total",
				Help:      "Instance status polls while waiting for activation",
			},
		),
		reachabilityAttempts: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "stratus",
				Name:      "reachability_attempts_total",
				Help:      "Reachability checks by result",
			},
			[]string{"result"},
		),
	}

	registerer.MustRegister(m.runs, m.phaseDuration, m.activationPolls, m.reachabilityAttempts)
	return m
}

func (m *Metrics) observeRun(state State) {
	if m == nil {
		return
	}
	m.runs.WithLabelValues(string(state)).Inc()
}

func (m *Metrics) observePhase(state State, since time.Time) {
	if m == nil {
		return
	}
	m.phaseDuration.WithLabelValues(string(state)).Observe(time.Since(since).Seconds())
}

func (m *Metrics) observePoll() {
	if m == nil {
		return
	}
	m.activationPolls.Inc()
}

func (m *Metrics) observeProbe(result string) {
	if m == nil {
		return
	}
	m.reachabilityAttempts.WithLabelValues(result).Inc()
}
