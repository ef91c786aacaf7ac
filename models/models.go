package models

import (
	"fmt"
	"slices"
	"strings"

	"gorm.io/gorm"
)

// Final (or proposed) result of moderating a piece of content. Also used as the action attached to a Rule, and as the outcome of a human review resolution.
type Outcome string

const (
	OutcomeAllow  Outcome = "allow"
	OutcomeBlock  Outcome = "block"
	OutcomeReview Outcome = "review"
)

func ParseOutcome(raw string) (Outcome, error) {
	switch o := Outcome(strings.ToLower(strings.TrimSpace(raw))); o {
	case OutcomeAllow, OutcomeBlock, OutcomeReview:
		return o, nil
	}
	return "", fmt.Errorf("unknown outcome: %q", raw)
}

// Which pipeline stage finalized a moderation decision.
type DecidedBy string

const (
	DecidedByRule     DecidedBy = "rule"
	DecidedByCache    DecidedBy = "cache"
	DecidedByModel    DecidedBy = "model"
	DecidedByFailSafe DecidedBy = "fail_safe"
)

type PatternType string

const (
	PatternRegex     PatternType = "regex"
	PatternSubstring PatternType = "substring"
	PatternDomain    PatternType = "domain"
	PatternHash      PatternType = "hash"
)

func ParsePatternType(raw string) (PatternType, error) {
	switch pt := PatternType(strings.ToLower(strings.TrimSpace(raw))); pt {
	case PatternRegex, PatternSubstring, PatternDomain, PatternHash:
		return pt, nil
	}
	return "", fmt.Errorf("unknown pattern type: %q", raw)
}

type ReviewStatus string

const (
	ReviewPending    ReviewStatus = "pending"
	ReviewInProgress ReviewStatus = "in_progress"
	ReviewResolved   ReviewStatus = "resolved"
)

func ParseReviewStatus(raw string) (ReviewStatus, error) {
	switch s := ReviewStatus(strings.ToLower(strings.TrimSpace(raw))); s {
	case ReviewPending, ReviewInProgress, ReviewResolved:
		return s, nil
	}
	return "", fmt.Errorf("unknown review status: %q", raw)
}

type AuditOutcome string

const (
	AuditSuccess AuditOutcome = "success"
	AuditFailed  AuditOutcome = "failed"
)

// Set of moderation category tags (eg, "hate", "violent"). Always lower-case, sorted, and without duplicates once passed through NewCategories. Persisted as a JSON array.
type Categories []string

func NewCategories(vals ...string) Categories {
	out := make(Categories, 0, len(vals))
	for _, v := range vals {
		v = strings.ToLower(strings.TrimSpace(v))
		if v == "" {
			continue
		}
		out = append(out, v)
	}
	slices.Sort(out)
	return slices.Compact(out)
}

func (c Categories) Has(val string) bool {
	_, found := slices.BinarySearch(c, strings.ToLower(val))
	return found
}

func RunAllMigrations(db *gorm.DB) error {
	return db.AutoMigrate(
		&Rule{},
		&CacheEntry{},
		&ModerationRecord{},
		&ReviewItem{},
		&AuditEntry{},
	)
}
