package moderr

import (
	"context"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestErrorKinds(t *testing.T) {
	assert := assert.New(t)

	err := fmt.Errorf("evaluating: %w", Persistence("writing moderation record", context.DeadlineExceeded))
	assert.True(IsKind(err, KindPersistence))
	assert.Equal(KindPersistence, KindOf(err))
	assert.True(IsRetryable(err))
	assert.ErrorIs(err, context.DeadlineExceeded)

	err = Authorization("token expired", nil)
	assert.False(IsRetryable(err))
	assert.Equal("authorization: token expired", err.Error())

	assert.Equal(KindInternal, KindOf(fmt.Errorf("plain")))
	assert.False(IsRetryable(nil))
	assert.True(IsKind(Conflict("review %d already resolved", 4), KindConflict))
}
