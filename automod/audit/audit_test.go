package audit

import (
	"bytes"
	"context"
	"log/slog"
	"testing"

	"github.com/veritas-labs/veritas/models"
	"github.com/veritas-labs/veritas/util/cliutil"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAuditRecordAndList(t *testing.T) {
	assert := assert.New(t)
	db, err := cliutil.SetupDatabase("sqlite://:memory:", 1)
	require.NoError(t, err)
	require.NoError(t, models.RunAllMigrations(db))
	l := NewLogger(db, nil)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	// cancelled contexts still get recorded
	l.Record(ctx, Event{
		Actor:            "svc-scout",
		Action:           ActionEvaluate,
		Audience:         "veritas-moderator",
		Scope:            "moderation:perform",
		DelegatedTokenID: "jti-1",
		Outcome:          models.AuditSuccess,
		Details:          map[string]any{"outcome": "block"},
	})
	l.Record(context.Background(), Event{Action: ActionEvaluate, Details: map[string]any{"error_kind": "authorization"}})

	all, err := l.List(context.Background(), Query{Action: ActionEvaluate})
	assert.NoError(err)
	assert.Len(all, 2)

	mine, err := l.List(context.Background(), Query{Actor: "svc-scout"})
	assert.NoError(err)
	assert.Len(mine, 1)
	assert.Equal("jti-1", *mine[0].DelegatedTokenID)
	assert.Equal("block", mine[0].Details["outcome"])
	assert.Equal(models.AuditSuccess, mine[0].Outcome)

	anon, err := l.List(context.Background(), Query{Actor: "anonymous"})
	assert.NoError(err)
	assert.Len(anon, 1)
	assert.Equal(models.AuditFailed, anon[0].Outcome)
	assert.Nil(anon[0].Scope)
}

func TestAuditWriteFailureSwallowed(t *testing.T) {
	assert := assert.New(t)
	db, err := cliutil.SetupDatabase("sqlite://:memory:", 1)
	require.NoError(t, err)
	// no migrations: the audit table doesn't exist

	var buf bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&buf, nil))
	l := NewLogger(db, logger)

	assert.NotPanics(func() {
		l.Record(context.Background(), Event{Actor: "x", Action: ActionRuleCreate, Outcome: models.AuditSuccess})
	})
	assert.Contains(buf.String(), "failed to persist audit entry")
	assert.Contains(buf.String(), "rule.create")
}
