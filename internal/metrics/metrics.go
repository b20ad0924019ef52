package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "evaluation"

type Metrics struct {
	Events        *prometheus.CounterVec
	JobsFinished  *prometheus.CounterVec
	Attempts      *prometheus.CounterVec
	JobDuration   prometheus.Histogram
	Submissions   *prometheus.CounterVec
	ActiveStreams prometheus.Gauge
	WebhookSends  *prometheus.CounterVec
	Requeued      prometheus.Counter
}

// New creates the collectors and registers them with reg.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		Events: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "events_total",
			Help:      "Domain events emitted by the pipeline.",
		}, []string{"event"}),
		JobsFinished: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "jobs_finished_total",
			Help:      "Jobs that reached a terminal state, by outcome and error code.",
		}, []string{"outcome", "code"}),
		Attempts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "attempts_total",
			Help:      "Evaluator invocations, by classified result.",
		}, []string{"result"}),
		JobDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "job_duration_seconds",
			Help:      "Wall time from claim to terminal state.",
			Buckets:   []float64{0.5, 1, 2, 5, 10, 20, 40, 80, 160},
		}),
		Submissions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "submissions_total",
			Help:      "Accepted submissions, by input type and whether a job was created.",
		}, []string{"input", "created"}),
		ActiveStreams: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "active_streams",
			Help:      "Open progress streams.",
		}),
		WebhookSends: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "webhook_deliveries_total",
			Help:      "Outbound webhook deliveries, by result.",
		}, []string{"result"}),
		Requeued: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "requeued_total",
			Help:      "Stale claims moved back to the queue.",
		}),
	}

	if reg != nil {
		reg.MustRegister(
			m.Events,
			m.JobsFinished,
			m.Attempts,
			m.JobDuration,
			m.Submissions,
			m.ActiveStreams,
			m.WebhookSends,
			m.Requeued,
		)
	}
	return m
}
