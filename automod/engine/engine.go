package engine

import (
	"context"
	"log/slog"

	"github.com/veritas-labs/veritas/automod/audit"
	"github.com/veritas-labs/veritas/automod/auth"
	"github.com/veritas-labs/veritas/automod/cachestore"
	"github.com/veritas-labs/veritas/automod/classifier"
	"github.com/veritas-labs/veritas/automod/countstore"
	"github.com/veritas-labs/veritas/automod/fingerprint"
	"github.com/veritas-labs/veritas/automod/moderr"
	"github.com/veritas-labs/veritas/automod/review"
	"github.com/veritas-labs/veritas/automod/rules"

	"gorm.io/gorm"
)

type Authorizer interface {
	Authorize(ctx context.Context, token, scope string) (*auth.Grant, error)
}

type Config struct {
	// Classifier verdicts below this confidence go to review.
	MinConfidence float64
	// Runes of content kept on the moderation record.
	SnippetChars int
	ScopePerform string
	ScopeAdmin   string
	ScopeReview  string
}

func DefaultConfig() Config {
	return Config{
		MinConfidence: 0.7,
		SnippetChars:  2000,
		ScopePerform:  auth.ScopePerform,
		ScopeAdmin:    auth.ScopeAdmin,
		ScopeReview:   auth.ScopeReview,
	}
}

// Runtime for evaluating moderation requests, and for the admin and review operations around them.
//
// All fields other than Counters are required. The DB handle is the system of record for moderation records and review items; Cache may be layered over the same database.
type Engine struct {
	Logger     *slog.Logger
	Config     Config
	DB         *gorm.DB
	Auth       Authorizer
	Rules      *rules.Provider
	RuleStore  *rules.Store
	Cache      cachestore.CacheStore
	Classifier classifier.Classifier
	Reviews    *review.Manager
	Audit      audit.Recorder
	// optional
	Counters countstore.CountStore

	// overridable in tests
	Fingerprint func(content, url string) string
}

func (eng *Engine) fingerprint(content, url string) string {
	if eng.Fingerprint != nil {
		return eng.Fingerprint(content, url)
	}
	return fingerprint.Compute(content, url)
}

// Loads the initial rule snapshot.
func (eng *Engine) Start(ctx context.Context) error {
	return eng.Rules.Refresh(ctx)
}

// Validates the bearer credential against scope. On failure, the returned grant may still be non-nil (eg, a valid credential with insufficient scope).
func (eng *Engine) authorize(ctx context.Context, token, scope string) (*auth.Grant, error) {
	grant, err := eng.Auth.Authorize(ctx, token, scope)
	if err != nil {
		authFailures.WithLabelValues(scope, string(moderr.KindOf(err))).Inc()
		return grant, err
	}
	grant.Scope = scope
	return grant, nil
}

// Common audit fields for an operation by grant. grant may be nil when the credential couldn't be validated at all.
func auditEvent(grant *auth.Grant, token, scope, action string) audit.Event {
	ev := audit.Event{
		Action:  action,
		Scope:   scope,
		Details: map[string]any{},
	}
	if grant != nil {
		ev.Actor = grant.Subject
		ev.Audience = grant.Audience
		ev.DelegatedTokenID = grant.TokenID
	} else if sub := auth.UnverifiedSubject(token); sub != "" {
		ev.Details["claimed_subject"] = sub
	}
	return ev
}

func failDetails(ev *audit.Event, err error) {
	ev.Details["error_kind"] = string(moderr.KindOf(err))
	ev.Details["error"] = err.Error()
}
