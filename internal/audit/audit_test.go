package audit

import (
	"context"
	"strings"
	"testing"
	"time"
	"unicode/utf8"

	"github.com/dmitrijs2005/crosspost/internal/clock"
	"github.com/dmitrijs2005/crosspost/internal/dbtest"
	"github.com/dmitrijs2005/crosspost/internal/dbx"
	"github.com/dmitrijs2005/crosspost/internal/logging"
	"github.com/dmitrijs2005/crosspost/internal/models"
	"github.com/dmitrijs2005/crosspost/internal/repositories/repomanager"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newLog(t *testing.T) (*Log, *clock.FakeClock) {
	t.Helper()
	repos, err := repomanager.NewSQLRepositoryManager(dbx.SQLite)
	require.NoError(t, err)
	clk := clock.Fake(time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC))
	return New(dbtest.NewSQLite(t), repos, clk, logging.Discard()), clk
}

func TestLog_RecordList(t *testing.T) {
	ctx := context.Background()
	l, clk := newLog(t)

	require.NoError(t, l.Record(ctx, "alice", models.ActionAuthenticate, models.Twitter, models.OutcomeOK, ""))
	clk.Advance(time.Second)
	require.NoError(t, l.Record(ctx, "alice", models.ActionPublish, models.Bluesky, models.OutcomeError, "ValidationError: 123"))
	clk.Advance(time.Second)
	require.NoError(t, l.Record(ctx, "bob", models.ActionPublish, models.Bluesky, models.OutcomeOK, ""))

	entries, err := l.List(ctx, "alice", 10)
	require.NoError(t, err)
	require.Len(t, entries, 2)

	assert.Equal(t, models.ActionPublish, entries[0].Action)
	assert.Equal(t, models.Bluesky, entries[0].Platform)
	assert.Equal(t, models.OutcomeError, entries[0].Outcome)
	assert.Equal(t, "ValidationError: 123", entries[0].Detail)
	assert.Equal(t, time.Date(2024, 6, 1, 12, 0, 1, 0, time.UTC), entries[0].Timestamp)
	assert.NotEmpty(t, entries[0].ID)

	assert.Equal(t, models.ActionAuthenticate, entries[1].Action)
	for _, e := range entries {
		assert.Equal(t, "alice", e.UserID)
	}
}

func TestLog_TruncatesDetail(t *testing.T) {
	ctx := context.Background()
	l, _ := newLog(t)

	require.NoError(t, l.Record(ctx, "alice", models.ActionPublish, models.Twitter, models.OutcomeError, strings.Repeat("x", 2*maxDetail)))

	entries, err := l.List(ctx, "alice", 1)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Len(t, entries[0].Detail, maxDetail)
}

func TestLog_TruncatesDetailOnCharacterBoundary(t *testing.T) {
	ctx := context.Background()
	l, _ := newLog(t)

	detail := "a" + strings.Repeat("€", maxDetail)
	require.NoError(t, l.Record(ctx, "alice", models.ActionPublish, models.Bluesky, models.OutcomeError, detail))

	entries, err := l.List(ctx, "alice", 1)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	got := entries[0].Detail
	assert.True(t, utf8.ValidString(got))
	assert.LessOrEqual(t, len(got), maxDetail)
	assert.True(t, strings.HasPrefix(detail, got))
}
