package reconciliation

import "github.com/prometheus/client_golang/prometheus"

var eventsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
	Namespace: "escrowsync",
	Subsystem: "reconciliation",
	Name:      "events_total",
	Help:      "Reconciliation events by source and result (applied or the discard reason).",
}, []string{"source", "result"})

func init() {
	prometheus.MustRegister(eventsTotal)
}

func observe(ev Event, out Outcome) {
	result := "applied"
	if !out.Applied {
		result = out.Reason
	}
	eventsTotal.WithLabelValues(string(ev.EventSource()), result).Inc()
}
