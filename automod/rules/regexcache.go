package rules

import (
	"regexp"

	"github.com/puzpuzpuz/xsync/v3"
)

type compileResult struct {
	re  *regexp.Regexp
	err error
}

// Concurrent cache of compiled patterns, shared across snapshot rebuilds so that refreshing the rule set doesn't recompile every regex. Compile errors are cached too.
type RegexCache struct {
	m *xsync.MapOf[string, compileResult]
}

func NewRegexCache() *RegexCache {
	return &RegexCache{m: xsync.NewMapOf[string, compileResult]()}
}

func (c *RegexCache) Compile(pattern string) (*regexp.Regexp, error) {
	res, _ := c.m.LoadOrCompute(pattern, func() compileResult {
		re, err := regexp.Compile(pattern)
		return compileResult{re: re, err: err}
	})
	return res.re, res.err
}

func (c *RegexCache) Len() int {
	return c.m.Size()
}

// Drops any cached pattern not in the keep set.
func (c *RegexCache) Retain(keep map[string]bool) {
	c.m.Range(func(pattern string, _ compileResult) bool {
		if !keep[pattern] {
			c.m.Delete(pattern)
		}
		return true
	})
}
