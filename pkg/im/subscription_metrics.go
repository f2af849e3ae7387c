package im

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

// subscriptionMetrics instruments the server-side Subscription Manager.
// Registration happens lazily against the default registry the first time a
// manager is constructed, so package im stays usable without a Prometheus
// server wired in (tests construct many managers; only one set of metrics
// is ever registered process-wide).
type subscriptionMetrics struct {
	active   prometheus.Gauge
	reports  prometheus.Counter
	timeouts prometheus.Counter
}

var (
	subscriptionMetricsOnce sync.Once
	sharedSubscriptionMetrics *subscriptionMetrics
)

func newSubscriptionMetrics() *subscriptionMetrics {
	subscriptionMetricsOnce.Do(func() {
		sharedSubscriptionMetrics = &subscriptionMetrics{
			active: prometheus.NewGauge(prometheus.GaugeOpts{
				Namespace: "matter",
				Subsystem: "subscription",
				Name:      "active",
				Help:      "Number of server-side subscriptions currently publishing.",
			}),
			reports: prometheus.NewCounter(prometheus.CounterOpts{
				Namespace: "matter",
				Subsystem: "subscription",
				Name:      "reports_sent_total",
				Help:      "Number of subscription reports sent to peers.",
			}),
			timeouts: prometheus.NewCounter(prometheus.CounterOpts{
				Namespace: "matter",
				Subsystem: "subscription",
				Name:      "liveness_timeouts_total",
				Help:      "Number of subscriptions cancelled for failing to receive a peer ack within MaxInterval + slack.",
			}),
		}
		prometheus.MustRegister(
			sharedSubscriptionMetrics.active,
			sharedSubscriptionMetrics.reports,
			sharedSubscriptionMetrics.timeouts,
		)
	})
	return sharedSubscriptionMetrics
}

func (m *subscriptionMetrics) observeReport(*Subscription) {
	m.reports.Inc()
}
