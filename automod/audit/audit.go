// Append-only audit trail of externally-facing operations.
//
// Recording never fails from the caller's point of view: a failed write is logged (with the full entry) to the process log and counted, and otherwise swallowed, so it can't mask the result of the operation being audited.
package audit

import (
	"context"
	"log/slog"
	"time"

	"github.com/veritas-labs/veritas/models"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// Action names.
const (
	ActionEvaluate       = "moderation.evaluate"
	ActionRuleCreate     = "rule.create"
	ActionRuleUpdate     = "rule.update"
	ActionRuleEnable     = "rule.enable"
	ActionRuleDisable    = "rule.disable"
	ActionReviewAssign   = "review.assign"
	ActionReviewUnassign = "review.unassign"
	ActionReviewResolve  = "review.resolve"
)

type Event struct {
	Actor            string
	Action           string
	Audience         string
	Scope            string
	DelegatedTokenID string
	Outcome          models.AuditOutcome
	Details          map[string]any
}

type Recorder interface {
	Record(ctx context.Context, ev Event)
}

type Logger struct {
	db     *gorm.DB
	logger *slog.Logger
}

var _ Recorder = (*Logger)(nil)

func NewLogger(db *gorm.DB, logger *slog.Logger) *Logger {
	if logger == nil {
		logger = slog.Default()
	}
	return &Logger{db: db, logger: logger.With("component", "audit")}
}

func optional(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func (l *Logger) Record(ctx context.Context, ev Event) {
	actor := ev.Actor
	if actor == "" {
		actor = "anonymous"
	}
	outcome := ev.Outcome
	if outcome == "" {
		outcome = models.AuditFailed
	}
	ent := models.AuditEntry{
		ID:               uuid.New().String(),
		Timestamp:        time.Now().UTC(),
		Actor:            actor,
		Action:           ev.Action,
		Audience:         optional(ev.Audience),
		Scope:            optional(ev.Scope),
		DelegatedTokenID: optional(ev.DelegatedTokenID),
		Outcome:          outcome,
		Details:          ev.Details,
	}

	// the audited operation may have been abandoned by its caller; the audit write still happens
	err := l.db.WithContext(context.WithoutCancel(ctx)).Create(&ent).Error
	if err != nil {
		auditWriteFailures.Inc()
		l.logger.Error("failed to persist audit entry",
			"err", err,
			"audit_id", ent.ID,
			"actor", ent.Actor,
			"action", ent.Action,
			"outcome", ent.Outcome,
			"token_id", ev.DelegatedTokenID,
			"details", ent.Details,
		)
		return
	}
	auditEntries.WithLabelValues(ent.Action, string(ent.Outcome)).Inc()
}

type Query struct {
	Actor  string
	Action string
	Since  time.Time
	Limit  int
}

// Newest first.
func (l *Logger) List(ctx context.Context, q Query) ([]models.AuditEntry, error) {
	limit := q.Limit
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	tx := l.db.WithContext(ctx).Model(&models.AuditEntry{})
	if q.Actor != "" {
		tx = tx.Where("actor = ?", q.Actor)
	}
	if q.Action != "" {
		tx = tx.Where("action = ?", q.Action)
	}
	if !q.Since.IsZero() {
		tx = tx.Where("timestamp >= ?", q.Since)
	}
	var out []models.AuditEntry
	if err := tx.Order("timestamp DESC").Limit(limit).Find(&out).Error; err != nil {
		return nil, err
	}
	return out, nil
}
