package rules

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/veritas-labs/veritas/automod/fingerprint"
	"github.com/veritas-labs/veritas/models"
)

// Checks and normalizes an admin-submitted rule before it is written. Matching still tolerates malformed rows which are already stored.
func Validate(r *models.Rule) error {
	r.Name = strings.TrimSpace(r.Name)
	if r.Name == "" {
		return fmt.Errorf("rule name is required")
	}
	pt, err := models.ParsePatternType(string(r.PatternType))
	if err != nil {
		return err
	}
	r.PatternType = pt
	action, err := models.ParseOutcome(string(r.Action))
	if err != nil {
		return err
	}
	r.Action = action

	if strings.TrimSpace(r.Pattern) == "" {
		return fmt.Errorf("rule pattern is required")
	}
	switch r.PatternType {
	case models.PatternRegex:
		if _, err := regexp.Compile(r.Pattern); err != nil {
			return fmt.Errorf("invalid regex pattern: %w", err)
		}
	case models.PatternDomain:
		r.Pattern = NormalizeDomain(r.Pattern)
		if r.Pattern == "" || strings.ContainsAny(r.Pattern, "/ :") {
			return fmt.Errorf("domain pattern must be a bare hostname")
		}
	case models.PatternHash:
		r.Pattern = strings.ToLower(strings.TrimSpace(r.Pattern))
		if !fingerprint.Valid(r.Pattern) {
			return fmt.Errorf("hash pattern must be a %d character hex content fingerprint", fingerprint.Size)
		}
	}
	return nil
}
