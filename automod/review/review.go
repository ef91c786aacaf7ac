// Lifecycle of human review items.
//
// State machine: pending -> in_progress (assign), in_progress -> in_progress (reassign), in_progress -> pending (unassign), pending|in_progress -> resolved (resolve). Resolved is terminal.
//
// Every transition is a conditional update on the row's Version, so of two racing transitions from the same observed state exactly one wins; the loser gets a conflict error and is not retried.
package review

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"time"

	"github.com/veritas-labs/veritas/automod/moderr"
	"github.com/veritas-labs/veritas/models"

	"gorm.io/gorm"
)

const (
	DefaultListLimit = 50
	MaxListLimit     = 500
)

type Manager struct {
	db     *gorm.DB
	logger *slog.Logger
}

func NewManager(db *gorm.DB, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{db: db, logger: logger.With("component", "review")}
}

// Creates a pending review item for a moderation record. Uses the passed handle, so it can join the caller's transaction.
func Enqueue(ctx context.Context, tx *gorm.DB, recordID uint64, reason string) (*models.ReviewItem, error) {
	item := models.ReviewItem{
		ModerationRecordID: recordID,
		Status:             models.ReviewPending,
		Reason:             reason,
		Version:            1,
	}
	if err := tx.WithContext(ctx).Create(&item).Error; err != nil {
		if errors.Is(err, gorm.ErrDuplicatedKey) {
			return nil, moderr.Conflict("review item already exists for record %d", recordID)
		}
		return nil, moderr.Persistence("creating review item", err)
	}
	return &item, nil
}

func (m *Manager) Enqueue(ctx context.Context, recordID uint64, reason string) (*models.ReviewItem, error) {
	return Enqueue(ctx, m.db, recordID, reason)
}

func (m *Manager) Get(ctx context.Context, id uint64) (*models.ReviewItem, error) {
	var item models.ReviewItem
	err := m.db.WithContext(ctx).First(&item, id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, moderr.NotFound("review item %d not found", id)
	} else if err != nil {
		return nil, moderr.Persistence("reading review item", err)
	}
	return &item, nil
}

// Lists review items in id order, optionally filtered by status. cursor is the last id of the previous page (0 for the first page).
func (m *Manager) List(ctx context.Context, status models.ReviewStatus, limit int, cursor uint64) ([]models.ReviewItem, error) {
	if limit <= 0 {
		limit = DefaultListLimit
	}
	if limit > MaxListLimit {
		limit = MaxListLimit
	}
	q := m.db.WithContext(ctx).Model(&models.ReviewItem{}).Where("id > ?", cursor)
	if status != "" {
		q = q.Where("status = ?", status)
	}
	var items []models.ReviewItem
	if err := q.Order("id ASC").Limit(limit).Find(&items).Error; err != nil {
		return nil, moderr.Persistence("listing review items", err)
	}
	return items, nil
}

// Claims an item for assignee. Allowed from pending, and from in_progress (reassignment).
//
// For all transitions, a non-zero expectedVersion makes the transition conditional on the version the caller last saw.
func (m *Manager) Assign(ctx context.Context, id uint64, assignee string, expectedVersion int64) (*models.ReviewItem, error) {
	assignee = strings.TrimSpace(assignee)
	if assignee == "" {
		return nil, moderr.Validation("assignee is required")
	}
	return m.transition(ctx, id, expectedVersion, "assign", func(item *models.ReviewItem) (map[string]any, error) {
		if item.Status == models.ReviewResolved {
			return nil, moderr.Conflict("review item %d is already resolved", id)
		}
		return map[string]any{
			"status":      models.ReviewInProgress,
			"assigned_to": assignee,
		}, nil
	})
}

func (m *Manager) Unassign(ctx context.Context, id uint64, expectedVersion int64) (*models.ReviewItem, error) {
	return m.transition(ctx, id, expectedVersion, "unassign", func(item *models.ReviewItem) (map[string]any, error) {
		if item.Status != models.ReviewInProgress {
			return nil, moderr.Conflict("review item %d is %s, not in_progress", id, item.Status)
		}
		return map[string]any{
			"status":      models.ReviewPending,
			"assigned_to": nil,
		}, nil
	})
}

// Terminal transition. outcome is the human verdict (allow or block; review is not a resolution).
func (m *Manager) Resolve(ctx context.Context, id uint64, outcome models.Outcome, resolvedBy, note string, expectedVersion int64) (*models.ReviewItem, error) {
	if outcome != models.OutcomeAllow && outcome != models.OutcomeBlock {
		return nil, moderr.Validation("resolution must be allow or block")
	}
	return m.transition(ctx, id, expectedVersion, "resolve", func(item *models.ReviewItem) (map[string]any, error) {
		if item.Status == models.ReviewResolved {
			return nil, moderr.Conflict("review item %d is already resolved", id)
		}
		upd := map[string]any{
			"status":      models.ReviewResolved,
			"resolution":  outcome,
			"resolved_by": resolvedBy,
		}
		if note != "" {
			upd["resolution_note"] = note
		}
		return upd, nil
	})
}

// Reads the row, checks the transition against the observed state, then writes conditionally on the observed version.
func (m *Manager) transition(ctx context.Context, id uint64, expectedVersion int64, name string, check func(item *models.ReviewItem) (map[string]any, error)) (*models.ReviewItem, error) {
	item, err := m.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if expectedVersion != 0 && item.Version != expectedVersion {
		reviewTransitions.WithLabelValues(name, "conflict").Inc()
		return nil, moderr.Conflict("review item %d is at version %d, not %d", id, item.Version, expectedVersion)
	}
	upd, err := check(item)
	if err != nil {
		reviewTransitions.WithLabelValues(name, "rejected").Inc()
		return nil, err
	}
	upd["version"] = item.Version + 1
	upd["updated_at"] = time.Now()

	res := m.db.WithContext(ctx).Model(&models.ReviewItem{}).
		Where("id = ? AND version = ?", id, item.Version).
		Updates(upd)
	if res.Error != nil {
		return nil, moderr.Persistence("updating review item", res.Error)
	}
	if res.RowsAffected == 0 {
		reviewTransitions.WithLabelValues(name, "conflict").Inc()
		m.logger.Info("lost review transition race", "review", id, "transition", name, "version", item.Version)
		return nil, moderr.Conflict("review item %d was modified concurrently", id)
	}
	reviewTransitions.WithLabelValues(name, "ok").Inc()
	return m.Get(ctx, id)
}
