package engine

import (
	"context"

	"github.com/veritas-labs/veritas/automod/audit"
	"github.com/veritas-labs/veritas/models"
)

// Rule input from an admin. Rule IDs and timestamps are assigned by storage.
type RuleSpec struct {
	Name        string
	Pattern     string
	PatternType models.PatternType
	Action      models.Outcome
	Priority    int
	Enabled     bool
}

func (s RuleSpec) row() models.Rule {
	return models.Rule{
		Name:        s.Name,
		Pattern:     s.Pattern,
		PatternType: s.PatternType,
		Action:      s.Action,
		Priority:    s.Priority,
		Enabled:     s.Enabled,
	}
}

func ruleDetails(ev *audit.Event, r *models.Rule) {
	ev.Details["rule_id"] = r.ID
	ev.Details["name"] = r.Name
	ev.Details["pattern_type"] = string(r.PatternType)
	ev.Details["action"] = string(r.Action)
	ev.Details["priority"] = r.Priority
	ev.Details["enabled"] = r.Enabled
}

// Runs an audited rule mutation, then publishes a fresh rule snapshot.
func (eng *Engine) mutateRule(ctx context.Context, token, action string, fn func() (*models.Rule, error)) (*models.Rule, error) {
	scope := eng.Config.ScopeAdmin
	grant, err := eng.authorize(ctx, token, scope)
	ev := auditEvent(grant, token, scope, action)
	if err != nil {
		ev.Outcome = models.AuditFailed
		failDetails(&ev, err)
		eng.Audit.Record(ctx, ev)
		return nil, err
	}

	r, err := fn()
	if err != nil {
		ev.Outcome = models.AuditFailed
		failDetails(&ev, err)
		eng.Audit.Record(ctx, ev)
		return nil, err
	}
	ev.Outcome = models.AuditSuccess
	ruleDetails(&ev, r)
	eng.Audit.Record(ctx, ev)

	if err := eng.Rules.Refresh(ctx); err != nil {
		// the periodic refresher will catch up
		eng.Logger.Error("failed to refresh rule snapshot after mutation", "rule", r.ID, "err", err)
	}
	return r, nil
}

func (eng *Engine) CreateRule(ctx context.Context, token string, spec RuleSpec) (*models.Rule, error) {
	return eng.mutateRule(ctx, token, audit.ActionRuleCreate, func() (*models.Rule, error) {
		r := spec.row()
		if err := eng.RuleStore.Create(ctx, &r); err != nil {
			return nil, err
		}
		return &r, nil
	})
}

func (eng *Engine) UpdateRule(ctx context.Context, token string, id uint64, spec RuleSpec) (*models.Rule, error) {
	return eng.mutateRule(ctx, token, audit.ActionRuleUpdate, func() (*models.Rule, error) {
		r := spec.row()
		return eng.RuleStore.Update(ctx, id, &r)
	})
}

func (eng *Engine) SetRuleEnabled(ctx context.Context, token string, id uint64, enabled bool) (*models.Rule, error) {
	action := audit.ActionRuleDisable
	if enabled {
		action = audit.ActionRuleEnable
	}
	return eng.mutateRule(ctx, token, action, func() (*models.Rule, error) {
		return eng.RuleStore.SetEnabled(ctx, id, enabled)
	})
}

func (eng *Engine) ListRules(ctx context.Context, token string) ([]models.Rule, error) {
	if _, err := eng.authorize(ctx, token, eng.Config.ScopeAdmin); err != nil {
		return nil, err
	}
	return eng.RuleStore.List(ctx)
}

func (eng *Engine) GetRule(ctx context.Context, token string, id uint64) (*models.Rule, error) {
	if _, err := eng.authorize(ctx, token, eng.Config.ScopeAdmin); err != nil {
		return nil, err
	}
	return eng.RuleStore.Get(ctx, id)
}
