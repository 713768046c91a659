package agentclient

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	requestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "nodeboard",
			Subsystem: "agent",
			Name:      "requests_total",
			Help:      "Node agent calls by operation and result.",
		},
		[]string{"operation", "result"},
	)
	requestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "nodeboard",
			Subsystem: "agent",
			Name:      "request_duration_seconds",
			Help:      "Node agent call latency including retries.",
			Buckets:   []float64{.01, .05, .1, .25, .5, 1, 2.5, 5, 10, 30},
		},
		[]string{"operation"},
	)
)

func observe(operation string, ok bool, seconds float64) {
	result := "success"
	if !ok {
		result = "failure"
	}
	requestsTotal.WithLabelValues(operation, result).Inc()
	requestDuration.WithLabelValues(operation).Observe(seconds)
}
