package chat

import "github.com/prometheus/client_golang/prometheus"

var (
	sendsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "escrowsync",
		Subsystem: "chat",
		Name:      "sends_total",
		Help:      "Optimistic chat sends by thread kind and outcome.",
	}, []string{"thread", "outcome"})

	priceChangesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "escrowsync",
		Subsystem: "chat",
		Name:      "price_changes_total",
		Help:      "Price change requests and proposals sent.",
	}, []string{"kind"})
)

func init() {
	prometheus.MustRegister(sendsTotal, priceChangesTotal)
}
