package cachestore

import (
	"context"
	"errors"
	"time"

	"github.com/veritas-labs/veritas/automod/moderr"
	"github.com/veritas-labs/veritas/models"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

type SQLCacheStore struct {
	db *gorm.DB
}

var _ CacheStore = (*SQLCacheStore)(nil)

func NewSQLCacheStore(db *gorm.DB) *SQLCacheStore {
	return &SQLCacheStore{db: db}
}

func (s *SQLCacheStore) Lookup(ctx context.Context, contentHash string) (*models.CacheEntry, error) {
	var ent models.CacheEntry
	err := s.db.WithContext(ctx).Where("content_hash = ?", contentHash).Take(&ent).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	} else if err != nil {
		return nil, moderr.Persistence("decision cache lookup", err)
	}
	return &ent, nil
}

// Single-statement upsert, so concurrent blocks of the same content each count exactly once.
func (s *SQLCacheStore) RecordBlock(ctx context.Context, contentHash string, categories models.Categories, reason string, at time.Time) (*models.CacheEntry, error) {
	at = at.UTC()
	ent := models.CacheEntry{
		ContentHash:    contentHash,
		FirstBlockedAt: at,
		LastBlockedAt:  at,
		Categories:     categories,
		Reason:         reason,
		BlockedCount:   1,
	}
	err := s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "content_hash"}},
		DoUpdates: clause.Assignments(map[string]any{
			"blocked_count":   gorm.Expr(`"cache_entries".blocked_count + 1`),
			"last_blocked_at": at,
		}),
	}).Create(&ent).Error
	if err != nil {
		return nil, moderr.Persistence("decision cache upsert", err)
	}

	var out models.CacheEntry
	if err := s.db.WithContext(ctx).Where("content_hash = ?", contentHash).Take(&out).Error; err != nil {
		return nil, moderr.Persistence("decision cache read-back", err)
	}
	return &out, nil
}
