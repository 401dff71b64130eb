package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	metricStoreDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "flagstore_store_duration_seconds",
			Help:    "STORE command execution duration and result.",
			Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.100, 0.5, 1, 5, 10},
		},
		[]string{
			"executor", // local, remote
			"result",   // ok, usererror, error
		},
	)
	metricStoreMessages = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "flagstore_store_messages_total",
			Help: "Messages considered by STORE commands, by outcome.",
		},
		[]string{
			"outcome", // updated, unchanged, conflict
		},
	)
)

// StoreObserve records the duration and result of a STORE command.
func StoreObserve(executor, result string, start time.Time) {
	metricStoreDuration.WithLabelValues(executor, result).Observe(float64(time.Since(start)) / float64(time.Second))
}

func StoreMessagesAdd(outcome string, n int) {
	if n > 0 {
		metricStoreMessages.WithLabelValues(outcome).Add(float64(n))
	}
}
