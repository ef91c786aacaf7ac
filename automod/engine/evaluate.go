package engine

import (
	"context"
	"fmt"
	"runtime/debug"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/veritas-labs/veritas/automod/audit"
	"github.com/veritas-labs/veritas/automod/auth"
	"github.com/veritas-labs/veritas/automod/classifier"
	"github.com/veritas-labs/veritas/automod/countstore"
	"github.com/veritas-labs/veritas/automod/moderr"
	"github.com/veritas-labs/veritas/automod/review"
	"github.com/veritas-labs/veritas/automod/rules"
	"github.com/veritas-labs/veritas/models"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"gorm.io/gorm"
)

// One item to moderate. Transient: only the resulting ModerationRecord is kept.
type ModerationRequest struct {
	Content        string
	URL            string
	Title          string
	RequesterID    string
	SubscriptionID string
	RequestedAt    time.Time
}

type Decision struct {
	Allowed     bool              `json:"allowed"`
	Outcome     models.Outcome    `json:"outcome"`
	DecidedBy   models.DecidedBy  `json:"decided_by"`
	Categories  models.Categories `json:"categories"`
	Reason      string            `json:"reason"`
	ContentHash string            `json:"content_hash"`
	RecordID    uint64            `json:"record_id"`
	RuleID      *uint64           `json:"rule_id,omitempty"`
	ReviewID    *uint64           `json:"review_id,omitempty"`
}

// Outcome of the pipeline stages, before anything is persisted.
type verdict struct {
	outcome         models.Outcome
	decidedBy       models.DecidedBy
	ruleID          *uint64
	categories      models.Categories
	reason          string
	modelResponse   *string
	modelConfidence *float64
}

// Evaluates a request on behalf of the holder of a bearer credential, which must carry the perform scope.
func (eng *Engine) Evaluate(ctx context.Context, token string, req ModerationRequest) (*Decision, error) {
	scope := eng.Config.ScopePerform
	grant, err := eng.authorize(ctx, token, scope)
	if err != nil {
		ev := auditEvent(grant, token, scope, audit.ActionEvaluate)
		ev.Outcome = models.AuditFailed
		failDetails(&ev, err)
		eng.Audit.Record(ctx, ev)
		evaluationErrorCount.WithLabelValues(string(moderr.KindOf(err))).Inc()
		return nil, err
	}
	return eng.EvaluateAs(ctx, grant, req)
}

// Evaluates a request for an already-authorized grant (eg, a service grant for the internal queue consumer).
//
// Once started, an evaluation runs to completion and is persisted even if ctx is cancelled. Exactly one audit entry is recorded, whatever the result.
func (eng *Engine) EvaluateAs(ctx context.Context, grant *auth.Grant, req ModerationRequest) (dec *Decision, err error) {
	ctx = context.WithoutCancel(ctx)
	ctx, span := otel.Tracer("engine").Start(ctx, "Evaluate")
	defer span.End()

	start := time.Now()
	ev := auditEvent(grant, "", eng.Config.ScopePerform, audit.ActionEvaluate)
	defer func() {
		if err != nil {
			span.RecordError(err)
			evaluationErrorCount.WithLabelValues(string(moderr.KindOf(err))).Inc()
			ev.Outcome = models.AuditFailed
			failDetails(&ev, err)
		} else {
			ev.Outcome = models.AuditSuccess
			evaluationDuration.WithLabelValues(string(dec.DecidedBy)).Observe(time.Since(start).Seconds())
			evaluationCount.WithLabelValues(string(dec.Outcome), string(dec.DecidedBy)).Inc()
		}
		eng.Audit.Record(ctx, ev)
	}()
	// similar to an HTTP server, we want to recover any panics from rule execution
	defer func() {
		if r := recover(); r != nil {
			eng.Logger.Error("moderation evaluation exception", "err", r, "stack", string(debug.Stack()))
			dec = nil
			err = moderr.New(moderr.KindInternal, fmt.Sprintf("evaluation panic: %v", r))
		}
	}()

	if grant == nil || !grant.Has(eng.Config.ScopePerform) {
		return nil, moderr.Forbidden("grant lacks scope " + eng.Config.ScopePerform)
	}
	if req.SubscriptionID != "" {
		ev.Details["subscription_id"] = req.SubscriptionID
	}
	if req.RequesterID != "" {
		ev.Details["requester_id"] = req.RequesterID
	}
	if err := validateRequest(&req); err != nil {
		return nil, err
	}
	hash := eng.fingerprint(req.Content, req.URL)
	ev.Details["content_hash"] = hash

	dec, err = eng.evaluate(ctx, req, hash)
	if err != nil {
		return nil, err
	}
	span.SetAttributes(
		attribute.String("outcome", string(dec.Outcome)),
		attribute.String("decided_by", string(dec.DecidedBy)),
	)
	ev.Details["record_id"] = dec.RecordID
	ev.Details["outcome"] = string(dec.Outcome)
	ev.Details["decided_by"] = string(dec.DecidedBy)
	if dec.RuleID != nil {
		ev.Details["rule_id"] = *dec.RuleID
	}
	if dec.ReviewID != nil {
		ev.Details["review_id"] = *dec.ReviewID
	}
	return dec, nil
}

func validateRequest(req *ModerationRequest) error {
	if strings.TrimSpace(req.Content) == "" {
		return moderr.Validation("content is required")
	}
	if strings.TrimSpace(req.URL) == "" {
		return moderr.Validation("url is required")
	}
	if !utf8.ValidString(req.Content) || !utf8.ValidString(req.Title) || !utf8.ValidString(req.URL) {
		return moderr.Validation("request fields must be valid UTF-8")
	}
	if req.RequestedAt.IsZero() {
		req.RequestedAt = time.Now()
	}
	req.RequestedAt = req.RequestedAt.UTC()
	return nil
}

// Rules, then the decision cache, then the classifier; then persist.
func (eng *Engine) evaluate(ctx context.Context, req ModerationRequest, hash string) (*Decision, error) {
	logger := eng.Logger.With("content_hash", hash)

	v := eng.decide(ctx, req, hash)
	logger.Info("moderation decision", "outcome", v.outcome, "decided_by", v.decidedBy, "reason", v.reason)
	return eng.finalize(ctx, req, hash, v)
}

func (eng *Engine) decide(ctx context.Context, req ModerationRequest, hash string) verdict {
	logger := eng.Logger.With("content_hash", hash)

	// one snapshot for the whole evaluation
	snap := eng.Rules.Current()
	rule, warnings := snap.Match(rules.Input{Content: req.Content, URL: req.URL, ContentHash: hash}, logger)
	if len(warnings) > 0 {
		logger.Warn("rule evaluation warnings", "count", len(warnings))
	}
	if rule != nil {
		id := rule.ID
		return verdict{
			outcome:    rule.Action,
			decidedBy:  models.DecidedByRule,
			ruleID:     &id,
			categories: models.Categories{},
			reason:     fmt.Sprintf("matched rule %d (%s)", rule.ID, rule.Name),
		}
	}

	ent, err := eng.Cache.Lookup(ctx, hash)
	if err != nil {
		// a failed lookup costs at most a redundant classifier call
		cacheLookups.WithLabelValues("error").Inc()
		logger.Error("decision cache lookup failed", "err", err)
	} else if ent != nil {
		cacheLookups.WithLabelValues("hit").Inc()
		reason := ent.Reason
		if reason == "" {
			reason = "previously blocked content"
		}
		cats := ent.Categories
		if cats == nil {
			cats = models.Categories{}
		}
		return verdict{
			outcome:    models.OutcomeBlock,
			decidedBy:  models.DecidedByCache,
			categories: cats,
			reason:     reason,
		}
	} else {
		cacheLookups.WithLabelValues("miss").Inc()
	}

	var cv *classifier.Verdict
	if eng.Classifier != nil {
		cv, err = eng.Classifier.Classify(ctx, classifier.Request{Title: req.Title, Content: req.Content, URL: req.URL})
	} else {
		err = classifier.ErrNotConfigured
	}
	d := classifier.Decide(cv, err, eng.Config.MinConfidence)
	return verdict{
		outcome:         d.Outcome,
		decidedBy:       d.DecidedBy,
		categories:      d.Categories,
		reason:          d.Reason,
		modelResponse:   d.RawResponse,
		modelConfidence: d.Confidence,
	}
}

func optional(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

// Writes the moderation record (and review item, for review outcomes) in one transaction. That write is the system of record, so its failure fails the request. Cache and counter updates happen after commit and are best-effort.
func (eng *Engine) finalize(ctx context.Context, req ModerationRequest, hash string, v verdict) (*Decision, error) {
	rec := models.ModerationRecord{
		ContentHash:     hash,
		DecisionAllowed: v.outcome == models.OutcomeAllow,
		Outcome:         v.outcome,
		DecidedBy:       v.decidedBy,
		RuleID:          v.ruleID,
		Categories:      v.categories,
		Reason:          v.reason,
		ModelResponse:   v.modelResponse,
		ModelConfidence: v.modelConfidence,
		ItemTitle:       req.Title,
		ItemURL:         req.URL,
		ContentSnippet:  classifier.Excerpt(req.Content, eng.Config.SnippetChars),
		RequesterID:     optional(req.RequesterID),
		SubscriptionID:  optional(req.SubscriptionID),
		RequestedAt:     req.RequestedAt,
	}

	var item *models.ReviewItem
	err := eng.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(&rec).Error; err != nil {
			return moderr.Persistence("writing moderation record", err)
		}
		if v.outcome == models.OutcomeReview {
			it, err := review.Enqueue(ctx, tx, rec.ID, v.reason)
			if err != nil {
				return err
			}
			item = it
		}
		return nil
	})
	if err != nil {
		if moderr.KindOf(err) == moderr.KindInternal {
			err = moderr.Persistence("writing moderation record", err)
		}
		return nil, err
	}

	if v.outcome == models.OutcomeBlock {
		if _, err := eng.Cache.RecordBlock(ctx, hash, v.categories, v.reason, req.RequestedAt); err != nil {
			cacheUpsertErrors.Inc()
			eng.Logger.Error("failed to update decision cache", "content_hash", hash, "err", err)
		}
	}
	if eng.Counters != nil {
		if err := countstore.RecordDecision(ctx, eng.Counters, v.outcome, v.decidedBy, req.SubscriptionID, hash); err != nil {
			counterErrors.Inc()
			eng.Logger.Warn("failed to increment decision counters", "err", err)
		}
	}

	dec := &Decision{
		Allowed:     rec.DecisionAllowed,
		Outcome:     v.outcome,
		DecidedBy:   v.decidedBy,
		Categories:  v.categories,
		Reason:      v.reason,
		ContentHash: hash,
		RecordID:    rec.ID,
		RuleID:      v.ruleID,
	}
	if item != nil {
		id := item.ID
		dec.ReviewID = &id
	}
	return dec, nil
}
