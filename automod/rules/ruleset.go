// Ordered, admin-managed pattern rules, and the lock-free snapshot used to evaluate them.
//
// Rules are evaluated in (Priority, ID) order and the first match wins. A Snapshot is immutable once built; the Provider swaps in a freshly built Snapshot after rule administration (or on a timer), so in-flight evaluations always see one consistent ordering.
package rules

import (
	"fmt"
	"log/slog"
	"net/url"
	"regexp"
	"sort"
	"strings"

	"github.com/veritas-labs/veritas/automod/keyword"
	"github.com/veritas-labs/veritas/models"
)

// What a rule set is evaluated against.
type Input struct {
	Content     string
	URL         string
	ContentHash string
}

// A rule which could not be evaluated (eg, invalid regex stored before validation existed). Treated as a non-match for that rule; never as an "allow".
type Warning struct {
	RuleID   uint64
	RuleName string
	Err      error
}

func (w Warning) String() string {
	return fmt.Sprintf("rule %d (%s): %v", w.RuleID, w.RuleName, w.Err)
}

type compiledRule struct {
	rule    models.Rule
	re      *regexp.Regexp
	folded  string
	compErr error
}

type Snapshot struct {
	rules []compiledRule
}

// Builds an evaluation snapshot from rule rows. Disabled rules are dropped. Regex patterns are compiled once, through the shared cache when one is passed.
func NewSnapshot(rows []models.Rule, cache *RegexCache) *Snapshot {
	out := make([]compiledRule, 0, len(rows))
	for _, r := range rows {
		if !r.Enabled {
			continue
		}
		cr := compiledRule{rule: r}
		switch r.PatternType {
		case models.PatternRegex:
			if cache != nil {
				cr.re, cr.compErr = cache.Compile(r.Pattern)
			} else {
				cr.re, cr.compErr = regexp.Compile(r.Pattern)
			}
		case models.PatternSubstring:
			cr.folded = keyword.Fold(r.Pattern)
			if strings.TrimSpace(cr.folded) == "" {
				cr.compErr = fmt.Errorf("empty substring pattern")
			}
		case models.PatternDomain:
			cr.folded = NormalizeDomain(r.Pattern)
			if cr.folded == "" {
				cr.compErr = fmt.Errorf("empty domain pattern")
			}
		case models.PatternHash:
			cr.folded = strings.ToLower(strings.TrimSpace(r.Pattern))
		default:
			cr.compErr = fmt.Errorf("unknown pattern type: %q", r.PatternType)
		}
		out = append(out, cr)
	}
	sort.SliceStable(out, func(i, j int) bool {
		a, b := out[i].rule, out[j].rule
		if a.Priority != b.Priority {
			return a.Priority < b.Priority
		}
		return a.ID < b.ID
	})
	return &Snapshot{rules: out}
}

// Number of enabled rules in the snapshot.
func (s *Snapshot) Len() int {
	if s == nil {
		return 0
	}
	return len(s.rules)
}

// Rules in evaluation order.
func (s *Snapshot) Rules() []models.Rule {
	if s == nil {
		return nil
	}
	out := make([]models.Rule, len(s.rules))
	for i, cr := range s.rules {
		out[i] = cr.rule
	}
	return out
}

// Returns the first matching rule, or nil for no match. Warnings are returned for every rule which had to be skipped before the match (or before the end of the list).
func (s *Snapshot) Match(in Input, logger *slog.Logger) (*models.Rule, []Warning) {
	if s == nil {
		return nil, nil
	}
	if logger == nil {
		logger = slog.Default()
	}
	var (
		warnings      []Warning
		foldedContent string
		folded        bool
		host          = HostOf(in.URL)
		hash          = strings.ToLower(in.ContentHash)
	)
	for i := range s.rules {
		cr := &s.rules[i]
		if cr.compErr != nil {
			w := Warning{RuleID: cr.rule.ID, RuleName: cr.rule.Name, Err: cr.compErr}
			logger.Warn("skipping malformed moderation rule", "rule", cr.rule.ID, "name", cr.rule.Name, "err", cr.compErr)
			ruleWarningCount.WithLabelValues(string(cr.rule.PatternType)).Inc()
			warnings = append(warnings, w)
			continue
		}
		matched := false
		switch cr.rule.PatternType {
		case models.PatternRegex:
			matched = cr.re.MatchString(in.Content)
		case models.PatternSubstring:
			if !folded {
				foldedContent = keyword.Fold(in.Content)
				folded = true
			}
			matched = strings.Contains(foldedContent, cr.folded)
		case models.PatternDomain:
			matched = host != "" && (host == cr.folded || strings.HasSuffix(host, "."+cr.folded))
		case models.PatternHash:
			matched = hash != "" && hash == cr.folded
		}
		if matched {
			r := cr.rule
			return &r, warnings
		}
	}
	return nil, warnings
}

// Lower-cased hostname of a URL, without port or trailing dot. Empty if the URL has no host.
func HostOf(raw string) string {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return ""
	}
	u, err := url.Parse(raw)
	if err != nil || u.Host == "" {
		// tolerate scheme-less URLs like "example.com/path"
		u, err = url.Parse("http://" + raw)
		if err != nil {
			return ""
		}
	}
	return NormalizeDomain(u.Hostname())
}

func NormalizeDomain(d string) string {
	d = strings.ToLower(strings.TrimSpace(d))
	d = strings.TrimPrefix(d, "*.")
	return strings.Trim(d, ".")
}
