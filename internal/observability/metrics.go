package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds the Prometheus instruments for the API and the admission gate.
// Per-user labels are deliberately absent: user IDs are unbounded and would
// blow up series cardinality, so gate behavior is tracked in aggregate.
type Metrics struct {
	// Admission gate.
	PromGateAdmitted prometheus.Counter
	PromGateRejected prometheus.Counter // context canceled while waiting
	PromGateWait     prometheus.Histogram
	PromGateInFlight prometheus.Gauge

	// Authentication.
	PromAuthDenied prometheus.Counter
	PromLogins     prometheus.Counter
	PromRegistered prometheus.Counter

	// Credit accounting and synthesis.
	PromCreditsDebited  prometheus.Counter
	PromCreditsDeclined prometheus.Counter
	PromSynthErrors     prometheus.Counter

	// HTTP surface.
	PromRequestDuration *prometheus.HistogramVec
}

// NewMetrics creates and registers Prometheus metrics.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}

	factory := promauto.With(reg)

	return &Metrics{
		PromGateAdmitted: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "voicegate",
			Name:      "gate_admitted_total",
			Help:      "Total number of requests admitted through a per-user gate.",
		}),
		PromGateRejected: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "voicegate",
			Name:      "gate_rejected_total",
			Help:      "Total number of gate waits abandoned before admission (client gone).",
		}),
		PromGateWait: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: "voicegate",
			Name:      "gate_wait_seconds",
			Help:      "Time spent waiting for per-user gate admission.",
			Buckets:   prometheus.DefBuckets,
		}),
		PromGateInFlight: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: "voicegate",
			Name:      "gate_inflight",
			Help:      "Currently admitted gated requests across all users.",
		}),
		PromAuthDenied: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "voicegate",
			Name:      "auth_denied_total",
			Help:      "Total number of requests rejected with 401.",
		}),
		PromLogins: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "voicegate",
			Name:      "logins_total",
			Help:      "Total number of successful logins.",
		}),
		PromRegistered: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "voicegate",
			Name:      "registrations_total",
			Help:      "Total number of successful user registrations.",
		}),
		PromCreditsDebited: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "voicegate",
			Name:      "credits_debited_total",
			Help:      "Total credits debited for record creation.",
		}),
		PromCreditsDeclined: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "voicegate",
			Name:      "credits_declined_total",
			Help:      "Total record requests declined for insufficient credits.",
		}),
		PromSynthErrors: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "voicegate",
			Name:      "synthesis_errors_total",
			Help:      "Total failed calls to the speech synthesis provider.",
		}),
		PromRequestDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "voicegate",
			Name:      "request_duration_seconds",
			Help:      "Request duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"method", "status_code"}),
	}
}
