package engine

import (
	"context"

	"github.com/veritas-labs/veritas/automod/countstore"
	"github.com/veritas-labs/veritas/automod/fingerprint"
	"github.com/veritas-labs/veritas/automod/moderr"
	"github.com/veritas-labs/veritas/models"
)

// Moderation history of one fingerprint, newest first.
func (eng *Engine) ListRecords(ctx context.Context, token, contentHash string, limit int) ([]models.ModerationRecord, error) {
	if _, err := eng.authorize(ctx, token, eng.Config.ScopeReview); err != nil {
		return nil, err
	}
	if !fingerprint.Valid(contentHash) {
		return nil, moderr.Validation("content_hash must be a %d character hex fingerprint", fingerprint.Size)
	}
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	var recs []models.ModerationRecord
	err := eng.DB.WithContext(ctx).Where("content_hash = ?", contentHash).Order("id DESC").Limit(limit).Find(&recs).Error
	if err != nil {
		return nil, moderr.Persistence("listing moderation records", err)
	}
	return recs, nil
}

func (eng *Engine) GetCacheEntry(ctx context.Context, token, contentHash string) (*models.CacheEntry, error) {
	if _, err := eng.authorize(ctx, token, eng.Config.ScopeReview); err != nil {
		return nil, err
	}
	ent, err := eng.Cache.Lookup(ctx, contentHash)
	if err != nil {
		return nil, err
	}
	if ent == nil {
		return nil, moderr.NotFound("no cache entry for %s", contentHash)
	}
	return ent, nil
}

type Stats struct {
	Decisions    *countstore.DecisionStats     `json:"decisions"`
	Subscription *countstore.SubscriptionStats `json:"subscription,omitempty"`
}

func (eng *Engine) Stats(ctx context.Context, token, period, subscriptionID string) (*Stats, error) {
	if _, err := eng.authorize(ctx, token, eng.Config.ScopeReview); err != nil {
		return nil, err
	}
	if eng.Counters == nil {
		return nil, moderr.NotFound("decision counters are not enabled")
	}
	if period == "" {
		period = countstore.PeriodDay
	}
	if !countstore.ValidPeriod(period) {
		return nil, moderr.Validation("unknown period %q", period)
	}
	ds, err := countstore.LoadDecisionStats(ctx, eng.Counters, period)
	if err != nil {
		return nil, moderr.Wrap(moderr.KindTimeout, "reading decision counters", err)
	}
	out := &Stats{Decisions: ds}
	if subscriptionID != "" {
		ss, err := countstore.LoadSubscriptionStats(ctx, eng.Counters, subscriptionID, period)
		if err != nil {
			return nil, moderr.Wrap(moderr.KindTimeout, "reading subscription counters", err)
		}
		out.Subscription = ss
	}
	return out, nil
}

// Database liveness, for health checks.
func (eng *Engine) Ping(ctx context.Context) error {
	sqldb, err := eng.DB.DB()
	if err != nil {
		return err
	}
	return sqldb.PingContext(ctx)
}
