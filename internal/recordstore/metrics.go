package recordstore

import (
	"errors"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	requestDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "escrowsync",
		Subsystem: "recordstore",
		Name:      "request_duration_seconds",
		Help:      "Record store request latency by operation and outcome.",
		Buckets:   []float64{.01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10},
	}, []string{"operation", "outcome"})

	requestRetries = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "escrowsync",
		Subsystem: "recordstore",
		Name:      "retries_total",
		Help:      "Read retries by operation.",
	}, []string{"operation"})
)

func init() {
	prometheus.MustRegister(requestDuration, requestRetries)
}

// outcome labels a finished request.
func outcome(err error) string {
	switch {
	case err == nil:
		return "ok"
	case IsUnauthenticated(err):
		return "unauthenticated"
	case IsConfiguration(err):
		return "configuration"
	}
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		if apiErr.Status >= 500 {
			return "server_error"
		}
		return "client_error"
	}
	return "transport_error"
}
