package presence

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/mossy-p/session-sync/internal/docstore"
	"github.com/mossy-p/session-sync/internal/models"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type testScope struct {
	ctx    context.Context
	cancel context.CancelFunc
	defers []func() error
}

func newScope() *testScope {
	ctx, cancel := context.WithCancel(context.Background())
	return &testScope{ctx: ctx, cancel: cancel}
}

func (s *testScope) Context() context.Context { return s.ctx }

func (s *testScope) Defer(_ string, fn func() error) { s.defers = append(s.defers, fn) }

func (s *testScope) close() error {
	s.cancel()
	var errs []error
	for i := len(s.defers) - 1; i >= 0; i-- {
		errs = append(errs, s.defers[i]())
	}
	return errors.Join(errs...)
}

func newStore(t *testing.T) (*docstore.Store, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	return docstore.New(rdb, docstore.Options{PollBlock: 20 * time.Millisecond}), mr
}

func TestMarkOnlineTwiceWritesOnce(t *testing.T) {
	docs, _ := newStore(t)
	tr := NewTracker(docs, 0)
	ctx := context.Background()

	require.NoError(t, tr.MarkOnline(ctx, "char-1"))
	require.NoError(t, tr.MarkOnline(ctx, "char-1"))

	snap, err := docs.Get(ctx, models.CharacterPath("char-1"))
	require.NoError(t, err)
	assert.Equal(t, int64(1), snap.Version)

	rec, err := tr.Status(ctx, "char-1")
	require.NoError(t, err)
	assert.True(t, rec.IsOnline)
}

func TestMarkOfflineOnUnknownParticipantWritesNothing(t *testing.T) {
	docs, _ := newStore(t)
	tr := NewTracker(docs, 0)
	ctx := context.Background()

	require.NoError(t, tr.MarkOffline(ctx, "char-2"))
	snap, err := docs.Get(ctx, models.CharacterPath("char-2"))
	require.NoError(t, err)
	assert.False(t, snap.Exists)
}

func TestBindMarksOfflineOnTeardown(t *testing.T) {
	docs, _ := newStore(t)
	tr := NewTracker(docs, 0)
	scope := newScope()

	tr.Bind(scope, "char-1")
	rec, err := tr.Status(context.Background(), "char-1")
	require.NoError(t, err)
	assert.True(t, rec.IsOnline)

	require.NoError(t, scope.close())
	rec, err = tr.Status(context.Background(), "char-1")
	require.NoError(t, err)
	assert.False(t, rec.IsOnline)
}

func TestBindSurvivesUnavailableStore(t *testing.T) {
	docs, mr := newStore(t)
	tr := NewTracker(docs, 0)
	mr.Close()

	scope := newScope()
	assert.NotPanics(t, func() { tr.Bind(scope, "char-1") })
	assert.ErrorIs(t, scope.close(), docstore.ErrUnavailable)
}

func TestLeaseLapses(t *testing.T) {
	docs, mr := newStore(t)
	tr := NewTracker(docs, 3*time.Second)
	ctx := context.Background()

	require.NoError(t, tr.MarkOnline(ctx, "char-1"))
	require.NoError(t, tr.Heartbeat(ctx, "char-1"))

	rec, err := tr.Status(ctx, "char-1")
	require.NoError(t, err)
	assert.True(t, rec.IsOnline)

	// A crashed client never marks itself offline, but its lease runs out.
	mr.FastForward(4 * time.Second)
	rec, err = tr.Status(ctx, "char-1")
	require.NoError(t, err)
	assert.False(t, rec.IsOnline)

	alive, err := tr.Alive(ctx, "char-1")
	require.NoError(t, err)
	assert.False(t, alive)

	require.NoError(t, tr.Heartbeat(ctx, "char-1"))
	alive, err = tr.Alive(ctx, "char-1")
	require.NoError(t, err)
	assert.True(t, alive)
}
