package consumer

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var queueItems = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "moderation_queue_items",
	Help: "Number of work-queue items handled, by result",
}, []string{"result"})

var queueErrors = promauto.NewCounter(prometheus.CounterOpts{
	Name: "moderation_queue_errors",
	Help: "Number of failed work-queue reads",
})
