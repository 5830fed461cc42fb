package eventlog

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/mossy-p/session-sync/internal/docstore"
	"github.com/mossy-p/session-sync/internal/models"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newLog(t *testing.T, name string) *Log {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	docs := docstore.New(rdb, docstore.Options{PollBlock: 20 * time.Millisecond})
	l := New(docs, "campaign-1", name)
	l.now = func() time.Time { return time.Date(2024, 5, 1, 21, 7, 0, 0, time.Local) }
	return l
}

func TestAppendAssignsServerFields(t *testing.T) {
	l := newLog(t, Chat)
	ctx := context.Background()

	e, err := l.Say(ctx, "Aria", models.TonePlayer, "hello")
	require.NoError(t, err)
	assert.NotEmpty(t, e.ID)
	assert.Equal(t, "21:07", e.DisplayTime)
	assert.Equal(t, models.KindChat, e.Kind)
	assert.False(t, e.ServerTimestamp.IsZero())
	assert.NotEmpty(t, e.Seq)

	entries, err := l.Entries(ctx)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, e.ID, entries[0].ID)
	assert.Equal(t, "hello", entries[0].Text)
	assert.Equal(t, e.ServerTimestamp, entries[0].ServerTimestamp)
}

func TestAppendValidation(t *testing.T) {
	l := newLog(t, Chat)
	ctx := context.Background()

	_, err := l.Say(ctx, "Aria", models.TonePlayer, "   ")
	assert.ErrorIs(t, err, ErrEmptyText)

	_, err = l.Append(ctx, models.LogEntry{Text: "x", Kind: "shout"})
	assert.ErrorIs(t, err, ErrInvalidKind)
}

func TestJournalEntriesAreTagged(t *testing.T) {
	l := newLog(t, Journal)
	e, err := l.Say(context.Background(), "GM", models.ToneMaster, "The party reached the keep.")
	require.NoError(t, err)
	assert.Equal(t, models.KindJournal, e.Kind)
}

func TestRollDice(t *testing.T) {
	l := newLog(t, Chat)
	ctx := context.Background()

	for i := 0; i < 20; i++ {
		e, err := l.RollDice(ctx, "Aria", 20)
		require.NoError(t, err)
		assert.Equal(t, models.KindDiceRoll, e.Kind)
		require.NotNil(t, e.Dice)
		assert.Equal(t, 20, e.Dice.Sides)
		assert.GreaterOrEqual(t, e.Dice.Result, 1)
		assert.LessOrEqual(t, e.Dice.Result, 20)
	}

	_, err := l.RollDice(ctx, "Aria", 1)
	assert.ErrorIs(t, err, ErrInvalidDie)

	entries, err := l.Entries(ctx)
	require.NoError(t, err)
	require.Len(t, entries, 20)
	require.NotNil(t, entries[0].Dice, "dice survive the round trip")
}

func TestDiceTone(t *testing.T) {
	assert.Equal(t, models.ToneGreen, diceTone(20, 20))
	assert.Equal(t, models.ToneRed, diceTone(20, 1))
	assert.Equal(t, models.TonePlayer, diceTone(20, 7))
	assert.Equal(t, models.TonePlayer, diceTone(6, 6))
}

func TestSortEntriesUsesServerOrder(t *testing.T) {
	entries := []models.LogEntry{
		{ID: "late", Seq: "1700000000001-0"},
		{ID: "second", Seq: "1700000000000-10"},
		{ID: "first", Seq: "1700000000000-5"},
	}
	sortEntries(entries)
	assert.Equal(t, "first", entries[0].ID)
	assert.Equal(t, "second", entries[1].ID)
	assert.Equal(t, "late", entries[2].ID)
}

func TestSubscribeDeliversFullOrderedLog(t *testing.T) {
	l := newLog(t, Chat)
	ctx := context.Background()

	_, err := l.System(ctx, "Session started")
	require.NoError(t, err)

	views := make(chan []models.LogEntry, 8)
	unsub, err := l.Subscribe(ctx, func(entries []models.LogEntry) { views <- entries })
	require.NoError(t, err)
	defer unsub()

	first := <-views
	require.Len(t, first, 1)
	assert.Equal(t, models.KindSystem, first[0].Kind)

	_, err = l.MasterAction(ctx, "GM", "revealed the map")
	require.NoError(t, err)

	select {
	case view := <-views:
		require.Len(t, view, 2)
		assert.Equal(t, "Session started", view[0].Text)
		assert.Equal(t, models.KindMasterAction, view[1].Kind)
	case <-time.After(2 * time.Second):
		t.Fatal("addition not delivered")
	}
}

func TestReset(t *testing.T) {
	l := newLog(t, Chat)
	ctx := context.Background()

	_, err := l.Say(ctx, "Aria", models.TonePlayer, "hi")
	require.NoError(t, err)
	require.NoError(t, l.Reset(ctx))

	entries, err := l.Entries(ctx)
	require.NoError(t, err)
	assert.Empty(t, entries)
}
