package rules

import (
	"context"
	"testing"
	"time"

	"github.com/veritas-labs/veritas/automod/moderr"
	"github.com/veritas-labs/veritas/models"
	"github.com/veritas-labs/veritas/util/cliutil"

	"github.com/stretchr/testify/assert"
)

func testStore(t *testing.T) *Store {
	db, err := cliutil.SetupDatabase("sqlite://:memory:", 1)
	if err != nil {
		t.Fatal(err)
	}
	if err := models.RunAllMigrations(db); err != nil {
		t.Fatal(err)
	}
	return NewStore(db)
}

func TestStoreLifecycle(t *testing.T) {
	assert := assert.New(t)
	ctx := context.Background()
	s := testStore(t)

	r1 := models.Rule{Name: "one", Pattern: "spam", PatternType: models.PatternSubstring, Action: models.OutcomeBlock, Priority: 10, Enabled: true}
	r2 := models.Rule{Name: "two", Pattern: "ham", PatternType: models.PatternSubstring, Action: models.OutcomeReview, Priority: 1, Enabled: true}
	assert.NoError(s.Create(ctx, &r1))
	assert.NoError(s.Create(ctx, &r2))
	assert.NotZero(r1.ID)

	bad := models.Rule{Name: "bad", Pattern: "(", PatternType: models.PatternRegex, Action: models.OutcomeBlock}
	assert.True(moderr.IsKind(s.Create(ctx, &bad), moderr.KindValidation))

	enabled, err := s.LoadEnabled(ctx)
	assert.NoError(err)
	assert.Len(enabled, 2)
	assert.Equal("two", enabled[0].Name)

	off, err := s.SetEnabled(ctx, r2.ID, false)
	assert.NoError(err)
	assert.False(off.Enabled)
	enabled, err = s.LoadEnabled(ctx)
	assert.NoError(err)
	assert.Len(enabled, 1)

	all, err := s.List(ctx)
	assert.NoError(err)
	assert.Len(all, 2)

	upd := models.Rule{Name: "one-b", Pattern: "spam+", PatternType: models.PatternRegex, Action: models.OutcomeReview, Priority: 3, Enabled: true}
	got, err := s.Update(ctx, r1.ID, &upd)
	assert.NoError(err)
	assert.Equal("one-b", got.Name)
	assert.Equal(models.PatternRegex, got.PatternType)

	_, err = s.Get(ctx, 9999)
	assert.True(moderr.IsKind(err, moderr.KindNotFound))
	_, err = s.SetEnabled(ctx, 9999, true)
	assert.True(moderr.IsKind(err, moderr.KindNotFound))
}

func TestProviderRefresh(t *testing.T) {
	assert := assert.New(t)
	ctx := context.Background()
	s := testStore(t)

	p := NewProvider(s, nil)
	assert.Equal(0, p.Current().Len())

	assert.NoError(s.Create(ctx, &models.Rule{Name: "r", Pattern: "spam", PatternType: models.PatternSubstring, Action: models.OutcomeBlock, Enabled: true}))
	before := p.Current()
	assert.NoError(p.Refresh(ctx))
	assert.Equal(1, p.Current().Len())
	// old snapshot is untouched
	assert.Equal(0, before.Len())

	runCtx, cancel := context.WithTimeout(ctx, 50*time.Millisecond)
	defer cancel()
	assert.NoError(p.Run(runCtx, 10*time.Millisecond))

	// zero interval must not panic; it just waits for cancellation
	zeroCtx, zeroCancel := context.WithTimeout(ctx, 20*time.Millisecond)
	defer zeroCancel()
	assert.NoError(p.Run(zeroCtx, 0))
	assert.NoError(p.Run(zeroCtx, -time.Second))
}
