package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds the dispatch collectors. Build it once per process and pass
// it to the components that record into it.
type Metrics struct {
	// Counters
	JobsSubmitted *prometheus.CounterVec
	SubmitErrors  *prometheus.CounterVec
	StatusReads   *prometheus.CounterVec
	JobsReaped    prometheus.Counter
	JobsPromoted  prometheus.Counter
	JobsRecovered prometheus.Counter

	// Gauges
	Queues prometheus.Gauge
}

// New creates the collectors and registers them on reg. A nil reg leaves
// them unregistered, which is what tests want.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		JobsSubmitted: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "dispatch_jobs_submitted_total",
				Help: "Total number of jobs enqueued onto a dashboard queue",
			},
			[]string{"action"},
		),
		SubmitErrors: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "dispatch_submit_errors_total",
				Help: "Total number of rejected or failed submissions",
			},
			[]string{"reason"}, // validation, broker, submission
		),
		StatusReads: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "dispatch_status_reads_total",
				Help: "Total number of job status reads by reported status",
			},
			[]string{"status"},
		),
		JobsReaped: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "dispatch_jobs_reaped_total",
				Help: "Total number of failed jobs removed after their first status read",
			},
		),
		JobsPromoted: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "dispatch_jobs_promoted_total",
				Help: "Total number of delayed retries moved back to waiting",
			},
		),
		JobsRecovered: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "dispatch_jobs_recovered_total",
				Help: "Total number of active jobs failed back after their worker lease expired",
			},
		),
		Queues: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "dispatch_queues",
				Help: "Current number of dashboard queue handles held by this process",
			},
		),
	}

	if reg != nil {
		reg.MustRegister(
			m.JobsSubmitted,
			m.SubmitErrors,
			m.StatusReads,
			m.JobsReaped,
			m.JobsPromoted,
			m.JobsRecovered,
			m.Queues,
		)
	}
	return m
}
