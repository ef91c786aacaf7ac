// Period-bucketed counters of moderation decisions.
//
// Counts are kept for the current hour, the current UTC day, and all time. Redis and in-process implementations are provided; the in-process one is only suitable for a single instance (or tests).
package countstore

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/veritas-labs/veritas/models"
)

const (
	PeriodTotal = "total"
	PeriodDay   = "day"
	PeriodHour  = "hour"
)

// Counter names.
const (
	// value is the decision outcome
	CounterOutcome = "outcome"
	// value is the decision source (rule, cache, model, fail_safe)
	CounterDecidedBy = "decided_by"
	// value is a subscription id; counts evaluations on behalf of that subscription
	CounterSubscription = "subscription"
	// distinct content fingerprints seen per subscription
	DistinctSubscriptionContent = "subscription_content"
)

var AllPeriods = []string{PeriodHour, PeriodDay, PeriodTotal}

type CountStore interface {
	GetCount(ctx context.Context, name, val, period string) (int, error)
	Increment(ctx context.Context, name, val string) error
	GetCountDistinct(ctx context.Context, name, bucket, period string) (int, error)
	IncrementDistinct(ctx context.Context, name, bucket, val string) error
}

func ValidPeriod(period string) bool {
	switch period {
	case PeriodTotal, PeriodDay, PeriodHour:
		return true
	}
	return false
}

func periodBucket(name, val, period string) string {
	switch period {
	case PeriodTotal:
		return fmt.Sprintf("%s/%s", name, val)
	case PeriodDay:
		t := time.Now().UTC().Format(time.DateOnly)
		return fmt.Sprintf("%s/%s/%s", name, val, t)
	case PeriodHour:
		t := time.Now().UTC().Format(time.RFC3339)[0:13]
		return fmt.Sprintf("%s/%s/%s", name, val, t)
	default:
		slog.Warn("unhandled counter period", "period", period)
		return fmt.Sprintf("%s/%s", name, val)
	}
}

// Bumps every counter associated with one finalized decision.
func RecordDecision(ctx context.Context, cs CountStore, outcome models.Outcome, decidedBy models.DecidedBy, subscriptionID, contentHash string) error {
	if err := cs.Increment(ctx, CounterOutcome, string(outcome)); err != nil {
		return err
	}
	if err := cs.Increment(ctx, CounterDecidedBy, string(decidedBy)); err != nil {
		return err
	}
	if subscriptionID != "" {
		if err := cs.Increment(ctx, CounterSubscription, subscriptionID); err != nil {
			return err
		}
		if contentHash != "" {
			if err := cs.IncrementDistinct(ctx, DistinctSubscriptionContent, subscriptionID, contentHash); err != nil {
				return err
			}
		}
	}
	return nil
}

type DecisionStats struct {
	Period    string         `json:"period"`
	Outcomes  map[string]int `json:"outcomes"`
	DecidedBy map[string]int `json:"decided_by"`
}

func LoadDecisionStats(ctx context.Context, cs CountStore, period string) (*DecisionStats, error) {
	if !ValidPeriod(period) {
		return nil, fmt.Errorf("unknown counter period: %q", period)
	}
	out := DecisionStats{
		Period:    period,
		Outcomes:  make(map[string]int),
		DecidedBy: make(map[string]int),
	}
	for _, o := range []models.Outcome{models.OutcomeAllow, models.OutcomeBlock, models.OutcomeReview} {
		c, err := cs.GetCount(ctx, CounterOutcome, string(o), period)
		if err != nil {
			return nil, err
		}
		out.Outcomes[string(o)] = c
	}
	for _, d := range []models.DecidedBy{models.DecidedByRule, models.DecidedByCache, models.DecidedByModel, models.DecidedByFailSafe} {
		c, err := cs.GetCount(ctx, CounterDecidedBy, string(d), period)
		if err != nil {
			return nil, err
		}
		out.DecidedBy[string(d)] = c
	}
	return &out, nil
}

type SubscriptionStats struct {
	SubscriptionID  string `json:"subscription_id"`
	Period          string `json:"period"`
	Evaluations     int    `json:"evaluations"`
	DistinctContent int    `json:"distinct_content"`
}

func LoadSubscriptionStats(ctx context.Context, cs CountStore, subscriptionID, period string) (*SubscriptionStats, error) {
	if !ValidPeriod(period) {
		return nil, fmt.Errorf("unknown counter period: %q", period)
	}
	evals, err := cs.GetCount(ctx, CounterSubscription, subscriptionID, period)
	if err != nil {
		return nil, err
	}
	distinct, err := cs.GetCountDistinct(ctx, DistinctSubscriptionContent, subscriptionID, period)
	if err != nil {
		return nil, err
	}
	return &SubscriptionStats{
		SubscriptionID:  subscriptionID,
		Period:          period,
		Evaluations:     evals,
		DistinctContent: distinct,
	}, nil
}
