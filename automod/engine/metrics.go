package engine

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var evaluationDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
	Name: "moderation_evaluation_duration_sec",
	Help: "Total duration of moderation evaluations",
}, []string{"decided_by"})

var evaluationCount = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "moderation_evaluations",
	Help: "Number of moderation evaluations finalized, by outcome and deciding stage",
}, []string{"outcome", "decided_by"})

var evaluationErrorCount = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "moderation_evaluation_errors",
	Help: "Number of moderation evaluations which failed, by error kind",
}, []string{"kind"})

var authFailures = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "moderation_auth_failures",
	Help: "Number of rejected credentials, by required scope and error kind",
}, []string{"scope", "kind"})

var cacheLookups = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "moderation_cache_lookups",
	Help: "Number of decision cache lookups, by result",
}, []string{"result"})

var cacheUpsertErrors = promauto.NewCounter(prometheus.CounterOpts{
	Name: "moderation_cache_upsert_errors",
	Help: "Number of failed decision cache upserts after a block",
})

var counterErrors = promauto.NewCounter(prometheus.CounterOpts{
	Name: "moderation_counter_errors",
	Help: "Number of failed decision counter increments",
})
