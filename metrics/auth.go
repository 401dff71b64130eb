package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	metricAuthentication = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "flagstore_authentication_total",
			Help: "Authentication attempts and results.",
		},
		[]string{
			"kind",   // worker
			"result", // ok, badcreds, missing, ratelimited, error
		},
	)
)

func AuthenticationInc(kind, result string) {
	metricAuthentication.WithLabelValues(kind, result).Inc()
}
