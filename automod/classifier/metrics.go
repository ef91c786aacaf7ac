package classifier

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var classifierCalls = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "moderation_classifier_calls",
	Help: "Number of classifier calls, by result",
}, []string{"result"})

var classifierDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
	Name:    "moderation_classifier_duration_sec",
	Help:    "Duration of classifier calls",
	Buckets: prometheus.ExponentialBuckets(0.05, 2, 10),
}, []string{"result"})

var classifierBreakerState = promauto.NewGauge(prometheus.GaugeOpts{
	Name: "moderation_classifier_breaker_open",
	Help: "Whether the classifier circuit breaker is currently open (1) or not (0)",
})
