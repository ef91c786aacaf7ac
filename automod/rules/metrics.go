package rules

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var ruleWarningCount = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "moderation_rule_warnings",
	Help: "Number of rule evaluations skipped because the rule was malformed",
}, []string{"pattern_type"})

var snapshotRuleCount = promauto.NewGauge(prometheus.GaugeOpts{
	Name: "moderation_rule_snapshot_size",
	Help: "Number of enabled rules in the current evaluation snapshot",
})

var snapshotRefreshErrors = promauto.NewCounter(prometheus.CounterOpts{
	Name: "moderation_rule_snapshot_refresh_errors",
	Help: "Number of failed rule snapshot reloads",
})
