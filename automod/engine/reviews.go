package engine

import (
	"context"
	"fmt"

	"github.com/veritas-labs/veritas/automod/audit"
	"github.com/veritas-labs/veritas/automod/auth"
	"github.com/veritas-labs/veritas/automod/moderr"
	"github.com/veritas-labs/veritas/models"
)

// Runs an audited review transition.
func (eng *Engine) transitionReview(ctx context.Context, token, action string, id uint64, fn func(grant *auth.Grant) (*models.ReviewItem, error)) (*models.ReviewItem, error) {
	scope := eng.Config.ScopeReview
	grant, err := eng.authorize(ctx, token, scope)
	ev := auditEvent(grant, token, scope, action)
	ev.Details["review_id"] = id
	if err != nil {
		ev.Outcome = models.AuditFailed
		failDetails(&ev, err)
		eng.Audit.Record(ctx, ev)
		return nil, err
	}

	item, err := fn(grant)
	if err != nil {
		ev.Outcome = models.AuditFailed
		failDetails(&ev, err)
		eng.Audit.Record(ctx, ev)
		return nil, err
	}
	ev.Outcome = models.AuditSuccess
	ev.Details["status"] = string(item.Status)
	ev.Details["version"] = item.Version
	if item.AssignedTo != nil {
		ev.Details["assigned_to"] = *item.AssignedTo
	}
	if item.Resolution != nil {
		ev.Details["resolution"] = string(*item.Resolution)
	}
	eng.Audit.Record(ctx, ev)
	return item, nil
}

// Assigns a review item; an empty assignee means the caller.
func (eng *Engine) AssignReview(ctx context.Context, token string, id uint64, assignee string, expectedVersion int64) (*models.ReviewItem, error) {
	return eng.transitionReview(ctx, token, audit.ActionReviewAssign, id, func(grant *auth.Grant) (*models.ReviewItem, error) {
		if assignee == "" {
			assignee = grant.Subject
		}
		return eng.Reviews.Assign(ctx, id, assignee, expectedVersion)
	})
}

func (eng *Engine) UnassignReview(ctx context.Context, token string, id uint64, expectedVersion int64) (*models.ReviewItem, error) {
	return eng.transitionReview(ctx, token, audit.ActionReviewUnassign, id, func(grant *auth.Grant) (*models.ReviewItem, error) {
		return eng.Reviews.Unassign(ctx, id, expectedVersion)
	})
}

// Resolves a review item. A "block" resolution is also written to the decision cache, so that later copies of the same content are blocked without classification.
func (eng *Engine) ResolveReview(ctx context.Context, token string, id uint64, outcome models.Outcome, note string, expectedVersion int64) (*models.ReviewItem, error) {
	return eng.transitionReview(ctx, token, audit.ActionReviewResolve, id, func(grant *auth.Grant) (*models.ReviewItem, error) {
		item, err := eng.Reviews.Resolve(ctx, id, outcome, grant.Subject, note, expectedVersion)
		if err != nil {
			return nil, err
		}
		if outcome == models.OutcomeBlock {
			eng.cacheReviewedBlock(ctx, item, grant.Subject, note)
		}
		return item, nil
	})
}

func (eng *Engine) cacheReviewedBlock(ctx context.Context, item *models.ReviewItem, reviewer, note string) {
	var rec models.ModerationRecord
	if err := eng.DB.WithContext(ctx).First(&rec, item.ModerationRecordID).Error; err != nil {
		cacheUpsertErrors.Inc()
		eng.Logger.Error("failed to load moderation record for resolved review", "review", item.ID, "record", item.ModerationRecordID, "err", err)
		return
	}
	reason := fmt.Sprintf("blocked by reviewer %s", reviewer)
	if note != "" {
		reason = reason + ": " + note
	}
	if _, err := eng.Cache.RecordBlock(ctx, rec.ContentHash, rec.Categories, reason, item.UpdatedAt); err != nil {
		cacheUpsertErrors.Inc()
		eng.Logger.Error("failed to update decision cache for resolved review", "review", item.ID, "err", err)
	}
}

func (eng *Engine) GetReview(ctx context.Context, token string, id uint64) (*models.ReviewItem, error) {
	if _, err := eng.authorize(ctx, token, eng.Config.ScopeReview); err != nil {
		return nil, err
	}
	return eng.Reviews.Get(ctx, id)
}

func (eng *Engine) ListReviews(ctx context.Context, token string, status string, limit int, cursor uint64) ([]models.ReviewItem, error) {
	if _, err := eng.authorize(ctx, token, eng.Config.ScopeReview); err != nil {
		return nil, err
	}
	var st models.ReviewStatus
	if status != "" {
		s, err := models.ParseReviewStatus(status)
		if err != nil {
			return nil, moderr.Validation("%v", err)
		}
		st = s
	}
	return eng.Reviews.List(ctx, st, limit, cursor)
}
