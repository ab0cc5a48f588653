package watcher

import "github.com/prometheus/client_golang/prometheus"

var (
	checksTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "escrowsync",
		Subsystem: "watcher",
		Name:      "payment_checks_total",
		Help:      "Client payment checks by trigger (poll, manual) and reported status.",
	}, []string{"trigger", "result"})

	noticesTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "escrowsync",
		Subsystem: "watcher",
		Name:      "confirmed_notices_total",
		Help:      "Payment confirmed notices surfaced.",
	})

	paypalTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "escrowsync",
		Subsystem: "watcher",
		Name:      "paypal_requests_total",
		Help:      "PayPal redirect flow requests by step and outcome.",
	}, []string{"step", "outcome"})
)

func init() {
	prometheus.MustRegister(checksTotal, noticesTotal, paypalTotal)
}
