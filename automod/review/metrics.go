package review

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var reviewTransitions = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "moderation_review_transitions",
	Help: "Number of attempted review item transitions, by transition and result",
}, []string{"transition", "result"})
