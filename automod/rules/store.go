package rules

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/veritas-labs/veritas/automod/moderr"
	"github.com/veritas-labs/veritas/models"

	"gorm.io/gorm"
)

// Persistent rule table. Rules are never deleted, only disabled.
type Store struct {
	db *gorm.DB
}

func NewStore(db *gorm.DB) *Store {
	return &Store{db: db}
}

// Enabled rules in evaluation order.
func (s *Store) LoadEnabled(ctx context.Context) ([]models.Rule, error) {
	var rows []models.Rule
	if err := s.db.WithContext(ctx).Where("enabled = ?", true).Order("priority ASC, id ASC").Find(&rows).Error; err != nil {
		return nil, moderr.Persistence("loading rules", err)
	}
	return rows, nil
}

func (s *Store) List(ctx context.Context) ([]models.Rule, error) {
	var rows []models.Rule
	if err := s.db.WithContext(ctx).Order("priority ASC, id ASC").Find(&rows).Error; err != nil {
		return nil, moderr.Persistence("listing rules", err)
	}
	return rows, nil
}

func (s *Store) Get(ctx context.Context, id uint64) (*models.Rule, error) {
	var r models.Rule
	err := s.db.WithContext(ctx).First(&r, id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, moderr.NotFound("rule %d not found", id)
	} else if err != nil {
		return nil, moderr.Persistence("reading rule", err)
	}
	return &r, nil
}

func (s *Store) Create(ctx context.Context, r *models.Rule) error {
	if err := Validate(r); err != nil {
		return moderr.Validation("%v", err)
	}
	r.ID = 0
	if err := s.db.WithContext(ctx).Create(r).Error; err != nil {
		return moderr.Persistence("creating rule", err)
	}
	return nil
}

// Replaces the mutable fields of an existing rule.
func (s *Store) Update(ctx context.Context, id uint64, r *models.Rule) (*models.Rule, error) {
	if err := Validate(r); err != nil {
		return nil, moderr.Validation("%v", err)
	}
	res := s.db.WithContext(ctx).Model(&models.Rule{}).Where("id = ?", id).Updates(map[string]any{
		"name":         r.Name,
		"pattern":      r.Pattern,
		"pattern_type": r.PatternType,
		"action":       r.Action,
		"priority":     r.Priority,
		"enabled":      r.Enabled,
		"updated_at":   time.Now(),
	})
	if res.Error != nil {
		return nil, moderr.Persistence("updating rule", res.Error)
	}
	if res.RowsAffected == 0 {
		return nil, moderr.NotFound("rule %d not found", id)
	}
	return s.Get(ctx, id)
}

func (s *Store) SetEnabled(ctx context.Context, id uint64, enabled bool) (*models.Rule, error) {
	res := s.db.WithContext(ctx).Model(&models.Rule{}).Where("id = ?", id).Updates(map[string]any{
		"enabled":    enabled,
		"updated_at": time.Now(),
	})
	if res.Error != nil {
		return nil, moderr.Persistence(fmt.Sprintf("setting rule enabled=%v", enabled), res.Error)
	}
	if res.RowsAffected == 0 {
		return nil, moderr.NotFound("rule %d not found", id)
	}
	return s.Get(ctx, id)
}
