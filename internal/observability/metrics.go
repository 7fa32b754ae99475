package observability

import "github.com/prometheus/client_golang/prometheus"

// Metrics groups the service-level counters. Handlers and sweeps take the
// struct; nothing registers collectors ad hoc.
type Metrics struct {
	CallsPlaced       *prometheus.CounterVec
	CallsCompleted    *prometheus.CounterVec
	MinutesBilled     *prometheus.CounterVec
	SweepRuns         prometheus.Counter
	SweepSkipped      prometheus.Counter
	DeletionsAttempts *prometheus.CounterVec
}

func NewMetrics(reg *prometheus.Registry) *Metrics {
	m := &Metrics{
		CallsPlaced: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "warmline",
			Name:      "calls_placed_total",
			Help:      "Outbound calls handed to the telephony provider.",
		}, []string{"reason"}),
		CallsCompleted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "warmline",
			Name:      "calls_terminal_total",
			Help:      "Call sessions reaching a terminal status.",
		}, []string{"status"}),
		MinutesBilled: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "warmline",
			Name:      "minutes_billed_total",
			Help:      "Billable minutes written to the ledger.",
		}, []string{"kind"}),
		SweepRuns: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "warmline",
			Name:      "sweep_runs_total",
			Help:      "Background sweep cycles executed.",
		}),
		SweepSkipped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "warmline",
			Name:      "sweep_skipped_total",
			Help:      "Sweep cycles skipped because a previous cycle was still running.",
		}),
		DeletionsAttempts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "warmline",
			Name:      "recording_deletion_attempts_total",
			Help:      "Recording deletion attempts by outcome.",
		}, []string{"outcome"}),
	}
	reg.MustRegister(
		m.CallsPlaced, m.CallsCompleted, m.MinutesBilled,
		m.SweepRuns, m.SweepSkipped, m.DeletionsAttempts,
	)
	return m
}
