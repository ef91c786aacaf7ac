package review

import (
	"context"
	"fmt"
	"sync"
	"testing"

	"github.com/veritas-labs/veritas/automod/moderr"
	"github.com/veritas-labs/veritas/models"
	"github.com/veritas-labs/veritas/util/cliutil"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testManager(t *testing.T) *Manager {
	db, err := cliutil.SetupDatabase("sqlite://:memory:", 1)
	require.NoError(t, err)
	require.NoError(t, models.RunAllMigrations(db))
	return NewManager(db, nil)
}

func TestReviewLifecycle(t *testing.T) {
	assert := assert.New(t)
	ctx := context.Background()
	m := testManager(t)

	item, err := m.Enqueue(ctx, 1, "classification unavailable")
	assert.NoError(err)
	assert.Equal(models.ReviewPending, item.Status)
	assert.Equal(int64(1), item.Version)

	_, err = m.Enqueue(ctx, 1, "dupe")
	assert.True(moderr.IsKind(err, moderr.KindConflict))

	// can't unassign a pending item
	_, err = m.Unassign(ctx, item.ID, 0)
	assert.True(moderr.IsKind(err, moderr.KindConflict))

	item, err = m.Assign(ctx, item.ID, "alice", 0)
	assert.NoError(err)
	assert.Equal(models.ReviewInProgress, item.Status)
	assert.Equal("alice", *item.AssignedTo)

	item, err = m.Assign(ctx, item.ID, "bob", item.Version)
	assert.NoError(err)
	assert.Equal("bob", *item.AssignedTo)

	item, err = m.Unassign(ctx, item.ID, 0)
	assert.NoError(err)
	assert.Equal(models.ReviewPending, item.Status)
	assert.Nil(item.AssignedTo)

	_, err = m.Resolve(ctx, item.ID, models.OutcomeReview, "carol", "", 0)
	assert.True(moderr.IsKind(err, moderr.KindValidation))

	item, err = m.Resolve(ctx, item.ID, models.OutcomeBlock, "carol", "spam", 0)
	assert.NoError(err)
	assert.Equal(models.ReviewResolved, item.Status)
	assert.Equal(models.OutcomeBlock, *item.Resolution)
	assert.Equal("spam", *item.ResolutionNote)
	assert.Equal(int64(5), item.Version)

	// resolved is terminal
	_, err = m.Resolve(ctx, item.ID, models.OutcomeAllow, "carol", "", 0)
	assert.True(moderr.IsKind(err, moderr.KindConflict))
	_, err = m.Assign(ctx, item.ID, "dave", 0)
	assert.True(moderr.IsKind(err, moderr.KindConflict))
	_, err = m.Unassign(ctx, item.ID, 0)
	assert.True(moderr.IsKind(err, moderr.KindConflict))

	_, err = m.Assign(ctx, 9999, "dave", 0)
	assert.True(moderr.IsKind(err, moderr.KindNotFound))
	_, err = m.Assign(ctx, item.ID, " ", 0)
	assert.True(moderr.IsKind(err, moderr.KindValidation))
}

func TestReviewConcurrentAssign(t *testing.T) {
	assert := assert.New(t)
	ctx := context.Background()
	m := testManager(t)

	item, err := m.Enqueue(ctx, 7, "low confidence")
	assert.NoError(err)

	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		winners   []string
		conflicts int
	)
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func(who string) {
			defer wg.Done()
			_, err := m.Assign(ctx, item.ID, who, item.Version)
			mu.Lock()
			defer mu.Unlock()
			if err == nil {
				winners = append(winners, who)
			} else if moderr.IsKind(err, moderr.KindConflict) {
				conflicts++
			}
		}(fmt.Sprintf("reviewer-%d", i))
	}
	wg.Wait()

	assert.Len(winners, 1)
	assert.Equal(9, conflicts)
	got, err := m.Get(ctx, item.ID)
	assert.NoError(err)
	assert.Equal(winners[0], *got.AssignedTo)
	assert.Equal(int64(2), got.Version)
}

func TestReviewList(t *testing.T) {
	assert := assert.New(t)
	ctx := context.Background()
	m := testManager(t)

	for i := 1; i <= 5; i++ {
		_, err := m.Enqueue(ctx, uint64(i), "r")
		assert.NoError(err)
	}
	_, err := m.Resolve(ctx, 2, models.OutcomeAllow, "x", "", 0)
	assert.NoError(err)

	pending, err := m.List(ctx, models.ReviewPending, 0, 0)
	assert.NoError(err)
	assert.Len(pending, 4)

	page, err := m.List(ctx, "", 2, 0)
	assert.NoError(err)
	assert.Len(page, 2)
	page, err = m.List(ctx, "", 2, page[1].ID)
	assert.NoError(err)
	assert.Len(page, 2)
	assert.Equal(uint64(3), page[0].ID)
}
