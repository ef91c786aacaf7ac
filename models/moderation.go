package models

import (
	"time"
)

// Admin-managed pattern-to-action mapping. Evaluated in (Priority, ID) order; lowest first.
type Rule struct {
	ID          uint64      `gorm:"primaryKey" json:"id"`
	Name        string      `gorm:"not null" json:"name"`
	Pattern     string      `gorm:"not null" json:"pattern"`
	PatternType PatternType `gorm:"not null" json:"pattern_type"`
	Action      Outcome     `gorm:"not null" json:"action"`
	Priority    int         `gorm:"not null;index" json:"priority"`
	Enabled     bool        `gorm:"not null;index" json:"enabled"`
	CreatedAt   time.Time   `json:"created_at"`
	UpdatedAt   time.Time   `json:"updated_at"`
}

// Previously-blocked content fingerprint. At most one row per ContentHash; BlockedCount only increases.
type CacheEntry struct {
	ID             uint64     `gorm:"primaryKey" json:"-"`
	ContentHash    string     `gorm:"uniqueIndex;not null" json:"content_hash"`
	FirstBlockedAt time.Time  `gorm:"not null" json:"first_blocked_at"`
	LastBlockedAt  time.Time  `gorm:"not null" json:"last_blocked_at"`
	Categories     Categories `gorm:"serializer:json" json:"categories"`
	Reason         string     `json:"reason"`
	BlockedCount   int64      `gorm:"not null;default:1" json:"blocked_count"`
}

// One row per evaluation; written once and never updated.
type ModerationRecord struct {
	ID              uint64     `gorm:"primaryKey" json:"id"`
	ContentHash     string     `gorm:"index;not null" json:"content_hash"`
	DecisionAllowed bool       `gorm:"not null" json:"decision_allowed"`
	Outcome         Outcome    `gorm:"not null" json:"outcome"`
	DecidedBy       DecidedBy  `gorm:"not null" json:"decided_by"`
	RuleID          *uint64    `json:"rule_id,omitempty"`
	Categories      Categories `gorm:"serializer:json" json:"categories"`
	Reason          string     `json:"reason"`
	ModelResponse   *string    `json:"model_response,omitempty"`
	ModelConfidence *float64   `json:"model_confidence,omitempty"`
	ItemTitle       string     `json:"item_title"`
	ItemURL         string     `json:"item_url"`
	ContentSnippet  string     `json:"content_snippet"`
	RequesterID     *string    `gorm:"index" json:"requester_id,omitempty"`
	SubscriptionID  *string    `gorm:"index" json:"subscription_id,omitempty"`
	RequestedAt     time.Time  `gorm:"not null" json:"requested_at"`
	CreatedAt       time.Time  `json:"created_at"`
}

// Unit of human adjudication. Version is bumped on every transition, and transitions are conditional on the version which was read.
type ReviewItem struct {
	ID                 uint64       `gorm:"primaryKey" json:"id"`
	ModerationRecordID uint64       `gorm:"uniqueIndex;not null" json:"moderation_record_id"`
	Status             ReviewStatus `gorm:"index;not null" json:"status"`
	AssignedTo         *string      `json:"assigned_to,omitempty"`
	Reason             string       `json:"reason"`
	Resolution         *Outcome     `json:"resolution,omitempty"`
	ResolutionNote     *string      `json:"resolution_note,omitempty"`
	ResolvedBy         *string      `json:"resolved_by,omitempty"`
	Version            int64        `gorm:"not null;default:1" json:"version"`
	CreatedAt          time.Time    `json:"created_at"`
	UpdatedAt          time.Time    `json:"updated_at"`
}

// Append-only provenance record of one externally-facing operation.
type AuditEntry struct {
	ID               string         `gorm:"primaryKey" json:"id"`
	Timestamp        time.Time      `gorm:"index;not null" json:"timestamp"`
	Actor            string         `gorm:"not null" json:"actor"`
	Action           string         `gorm:"index;not null" json:"action"`
	Audience         *string        `json:"audience,omitempty"`
	Scope            *string        `json:"scope,omitempty"`
	DelegatedTokenID *string        `json:"delegated_token_id,omitempty"`
	Outcome          AuditOutcome   `gorm:"not null" json:"outcome"`
	Details          map[string]any `gorm:"serializer:json" json:"details,omitempty"`
}
