package audit

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var auditEntries = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "moderation_audit_entries",
	Help: "Number of audit entries written, by action and outcome",
}, []string{"action", "outcome"})

var auditWriteFailures = promauto.NewCounter(prometheus.CounterOpts{
	Name: "moderation_audit_write_failures",
	Help: "Number of audit entries which could not be persisted",
})
