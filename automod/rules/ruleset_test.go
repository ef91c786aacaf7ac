package rules

import (
	"fmt"
	"sync"
	"testing"

	"github.com/veritas-labs/veritas/models"

	"github.com/stretchr/testify/assert"
)

func TestSnapshotPriorityOrder(t *testing.T) {
	assert := assert.New(t)

	snap := NewSnapshot([]models.Rule{
		{ID: 1, Name: "late", Pattern: "spam", PatternType: models.PatternSubstring, Action: models.OutcomeReview, Priority: 20, Enabled: true},
		{ID: 2, Name: "early", Pattern: "spam", PatternType: models.PatternSubstring, Action: models.OutcomeBlock, Priority: 10, Enabled: true},
	}, nil)

	r, warns := snap.Match(Input{Content: "buy SPAM now"}, nil)
	assert.Empty(warns)
	assert.NotNil(r)
	assert.Equal(uint64(2), r.ID)
	assert.Equal(models.OutcomeBlock, r.Action)
}

func TestSnapshotTieBreakByID(t *testing.T) {
	assert := assert.New(t)

	snap := NewSnapshot([]models.Rule{
		{ID: 9, Name: "b", Pattern: "x", PatternType: models.PatternSubstring, Action: models.OutcomeReview, Priority: 5, Enabled: true},
		{ID: 3, Name: "a", Pattern: "x", PatternType: models.PatternSubstring, Action: models.OutcomeBlock, Priority: 5, Enabled: true},
	}, nil)
	r, _ := snap.Match(Input{Content: "x"}, nil)
	assert.Equal(uint64(3), r.ID)

	ids := []uint64{}
	for _, rr := range snap.Rules() {
		ids = append(ids, rr.ID)
	}
	assert.Equal([]uint64{3, 9}, ids)
}

func TestSnapshotSkipsDisabled(t *testing.T) {
	assert := assert.New(t)

	snap := NewSnapshot([]models.Rule{
		{ID: 1, Name: "off", Pattern: "spam", PatternType: models.PatternSubstring, Action: models.OutcomeBlock, Priority: 1, Enabled: false},
	}, nil)
	assert.Equal(0, snap.Len())
	r, _ := snap.Match(Input{Content: "spam"}, nil)
	assert.Nil(r)
}

func TestSnapshotMalformedRegex(t *testing.T) {
	assert := assert.New(t)

	snap := NewSnapshot([]models.Rule{
		{ID: 1, Name: "broken", Pattern: "([a-z", PatternType: models.PatternRegex, Action: models.OutcomeBlock, Priority: 1, Enabled: true},
		{ID: 2, Name: "ok", Pattern: `(?i)free\s+money`, PatternType: models.PatternRegex, Action: models.OutcomeReview, Priority: 2, Enabled: true},
	}, NewRegexCache())

	r, warns := snap.Match(Input{Content: "FREE   money here"}, nil)
	assert.Len(warns, 1)
	assert.Equal(uint64(1), warns[0].RuleID)
	assert.NotNil(r)
	assert.Equal(uint64(2), r.ID)

	// a broken rule alone never yields a match
	r, warns = snap.Match(Input{Content: "nothing"}, nil)
	assert.Nil(r)
	assert.Len(warns, 1)
}

func TestSnapshotDomainAndHash(t *testing.T) {
	assert := assert.New(t)

	hash := "ABC0000000000000000000000000000000000000000000000000000000000def"
	snap := NewSnapshot([]models.Rule{
		{ID: 1, Name: "bad domain", Pattern: "Bad.Example", PatternType: models.PatternDomain, Action: models.OutcomeBlock, Priority: 1, Enabled: true},
		{ID: 2, Name: "known hash", Pattern: hash, PatternType: models.PatternHash, Action: models.OutcomeBlock, Priority: 2, Enabled: true},
	}, nil)

	r, _ := snap.Match(Input{URL: "https://www.bad.example/post/1"}, nil)
	assert.Equal(uint64(1), r.ID)
	r, _ = snap.Match(Input{URL: "https://bad.example:8443"}, nil)
	assert.Equal(uint64(1), r.ID)
	r, _ = snap.Match(Input{URL: "https://notbad.example/"}, nil)
	assert.Nil(r)
	r, _ = snap.Match(Input{URL: "bad.example/page"}, nil)
	assert.Equal(uint64(1), r.ID)

	r, _ = snap.Match(Input{ContentHash: "abc0000000000000000000000000000000000000000000000000000000000DEF"}, nil)
	assert.Equal(uint64(2), r.ID)
	r, _ = snap.Match(Input{}, nil)
	assert.Nil(r)
}

func TestSnapshotSubstringUnicodeFold(t *testing.T) {
	assert := assert.New(t)

	snap := NewSnapshot([]models.Rule{
		{ID: 1, Name: "strasse", Pattern: "STRASSE", PatternType: models.PatternSubstring, Action: models.OutcomeReview, Priority: 1, Enabled: true},
	}, nil)
	r, _ := snap.Match(Input{Content: "die Hauptstraße"}, nil)
	assert.NotNil(r)
}

func TestSnapshotSubstringKeepsWhitespace(t *testing.T) {
	assert := assert.New(t)

	snap := NewSnapshot([]models.Rule{
		{ID: 1, Name: "word", Pattern: " ass ", PatternType: models.PatternSubstring, Action: models.OutcomeBlock, Priority: 1, Enabled: true},
		{ID: 2, Name: "phrase", Pattern: "Cheap Pills", PatternType: models.PatternSubstring, Action: models.OutcomeReview, Priority: 2, Enabled: true},
		{ID: 3, Name: "blank", Pattern: "   ", PatternType: models.PatternSubstring, Action: models.OutcomeBlock, Priority: 0, Enabled: true},
	}, nil)

	table := []struct {
		content string
		ruleID  uint64
	}{
		{"a classic novel", 0},
		{"what a pain in the ASS today", 1},
		{"buy CHEAP PILLS now", 2},
		// whitespace runs in content are not collapsed
		{"buy cheap\n\npills", 0},
		{"nothing here", 0},
	}
	for _, row := range table {
		r, warnings := snap.Match(Input{Content: row.content}, nil)
		// whitespace-only pattern is skipped as malformed
		assert.Len(warnings, 1)
		if row.ruleID == 0 {
			assert.Nil(r, row.content)
			continue
		}
		if assert.NotNil(r, row.content) {
			assert.Equal(row.ruleID, r.ID)
		}
	}
}

func TestRegexCacheConcurrent(t *testing.T) {
	assert := assert.New(t)

	c := NewRegexCache()
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			re, err := c.Compile(fmt.Sprintf("^item-%d$", i%5))
			assert.NoError(err)
			assert.True(re.MatchString(fmt.Sprintf("item-%d", i%5)))
		}(i)
	}
	wg.Wait()
	assert.Equal(5, c.Len())

	_, err := c.Compile("(")
	assert.Error(err)
	c.Retain(map[string]bool{"^item-0$": true})
	assert.Equal(1, c.Len())
}

func TestValidate(t *testing.T) {
	assert := assert.New(t)

	r := models.Rule{Name: " d ", Pattern: "*.Spam.Example.", PatternType: "DOMAIN", Action: "block"}
	assert.NoError(Validate(&r))
	assert.Equal("spam.example", r.Pattern)
	assert.Equal(models.PatternDomain, r.PatternType)
	assert.Equal("d", r.Name)

	assert.Error(Validate(&models.Rule{Name: "x", Pattern: "(", PatternType: models.PatternRegex, Action: models.OutcomeBlock}))
	assert.Error(Validate(&models.Rule{Name: "x", Pattern: "abc", PatternType: models.PatternHash, Action: models.OutcomeBlock}))
	assert.Error(Validate(&models.Rule{Name: "x", Pattern: "abc", PatternType: models.PatternSubstring, Action: "delete"}))
	assert.Error(Validate(&models.Rule{Name: "", Pattern: "abc", PatternType: models.PatternSubstring, Action: models.OutcomeBlock}))
	assert.Error(Validate(&models.Rule{Name: "x", Pattern: "http://a.example/x", PatternType: models.PatternDomain, Action: models.OutcomeBlock}))

	// substring patterns keep their surrounding whitespace
	sub := models.Rule{Name: "x", Pattern: " ass ", PatternType: models.PatternSubstring, Action: models.OutcomeBlock}
	assert.NoError(Validate(&sub))
	assert.Equal(" ass ", sub.Pattern)
}
