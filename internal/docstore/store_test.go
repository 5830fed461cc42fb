package docstore

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) (*Store, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	return New(rdb, Options{PollBlock: 20 * time.Millisecond}), mr
}

func recv[T any](t *testing.T, ch <-chan T) T {
	t.Helper()
	select {
	case v := <-ch:
		return v
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for delivery")
	}
	var zero T
	return zero
}

type sample struct {
	Name  string `json:"name"`
	Count int    `json:"count"`
	On    bool   `json:"on"`
}

func TestSetGetUpdate(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	snap, err := s.Get(ctx, "things/1")
	require.NoError(t, err)
	assert.False(t, snap.Exists)
	assert.Zero(t, snap.Version)

	snap, err = s.Set(ctx, "things/1", map[string]any{"name": "lamp", "count": 1})
	require.NoError(t, err)
	assert.True(t, snap.Exists)
	assert.Equal(t, int64(1), snap.Version)
	assert.False(t, snap.UpdateTime.IsZero())

	snap, err = s.Update(ctx, "things/1", map[string]any{"count": 2, "on": true})
	require.NoError(t, err)
	assert.Equal(t, int64(2), snap.Version)

	got, err := s.Get(ctx, "things/1")
	require.NoError(t, err)
	assert.Equal(t, int64(2), got.Version)

	var v sample
	require.NoError(t, got.DataTo(&v))
	assert.Equal(t, sample{Name: "lamp", Count: 2, On: true}, v)

	var count int
	ok, err := got.Field("count", &count)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, 2, count)
}

func TestSetReplacesWholeDocument(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	_, err := s.Set(ctx, "doc", map[string]any{"a": 1})
	require.NoError(t, err)
	_, err = s.Set(ctx, "doc", map[string]any{"b": 2})
	require.NoError(t, err)

	got, err := s.Get(ctx, "doc")
	require.NoError(t, err)
	assert.NotContains(t, got.Fields, "a")
	assert.Contains(t, got.Fields, "b")
	assert.Equal(t, int64(2), got.Version)
}

func TestDeleteKeepsVersionCounting(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	_, err := s.Set(ctx, "doc", map[string]any{"a": 1})
	require.NoError(t, err)
	require.NoError(t, s.Delete(ctx, "doc"))

	got, err := s.Get(ctx, "doc")
	require.NoError(t, err)
	assert.False(t, got.Exists)
	assert.Empty(t, got.Fields)
	assert.Equal(t, int64(2), got.Version)
}

func TestTransact(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	_, err := s.Set(ctx, "counter", map[string]any{"n": 1})
	require.NoError(t, err)

	snap, err := s.Transact(ctx, "counter", func(cur Snapshot) (map[string]any, error) {
		var n int
		_, err := cur.Field("n", &n)
		return map[string]any{"n": n + 1}, err
	})
	require.NoError(t, err)
	assert.Equal(t, int64(2), snap.Version)
	assert.JSONEq(t, "2", string(snap.Fields["n"]))

	t.Run("no fields is a no-op", func(t *testing.T) {
		snap, err := s.Transact(ctx, "counter", func(Snapshot) (map[string]any, error) {
			return nil, nil
		})
		require.NoError(t, err)
		assert.Equal(t, int64(2), snap.Version)
	})

	t.Run("callback error passes through", func(t *testing.T) {
		sentinel := errors.New("refused")
		_, err := s.Transact(ctx, "counter", func(Snapshot) (map[string]any, error) {
			return nil, sentinel
		})
		require.ErrorIs(t, err, sentinel)

		got, err := s.Get(ctx, "counter")
		require.NoError(t, err)
		assert.Equal(t, int64(2), got.Version)
	})
}

func TestUpdateIfVersion(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	snap, err := s.Set(ctx, "doc", map[string]any{"hp": 10})
	require.NoError(t, err)

	_, err = s.UpdateIfVersion(ctx, "doc", snap.Version, map[string]any{"hp": 7})
	require.NoError(t, err)

	_, err = s.UpdateIfVersion(ctx, "doc", snap.Version, map[string]any{"hp": 3})
	require.ErrorIs(t, err, ErrConflict)

	got, err := s.Get(ctx, "doc")
	require.NoError(t, err)
	assert.JSONEq(t, "7", string(got.Fields["hp"]))
}

func TestReservedField(t *testing.T) {
	s, _ := newTestStore(t)
	_, err := s.Update(context.Background(), "doc", map[string]any{"__version": 99})
	require.ErrorIs(t, err, ErrReservedField)
}

func TestSubscribeDeliversSnapshotThenChanges(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	_, err := s.Set(ctx, "doc", map[string]any{"n": 0})
	require.NoError(t, err)

	got := make(chan Snapshot, 16)
	unsub, err := s.Subscribe(ctx, "doc", func(snap Snapshot) { got <- snap })
	require.NoError(t, err)
	defer unsub()

	first := recv(t, got)
	assert.Equal(t, int64(1), first.Version)

	for i := 1; i <= 3; i++ {
		_, err := s.Update(ctx, "doc", map[string]any{"n": i})
		require.NoError(t, err)
	}

	var last int64 = 1
	for i := 0; i < 3; i++ {
		snap := recv(t, got)
		assert.Greater(t, snap.Version, last)
		last = snap.Version
	}
	assert.Equal(t, int64(4), last)
}

func TestSubscribeStopsAfterUnsubscribe(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	got := make(chan Snapshot, 16)
	unsub, err := s.Subscribe(ctx, "doc", func(snap Snapshot) { got <- snap })
	require.NoError(t, err)
	recv(t, got)

	unsub()
	_, err = s.Update(ctx, "doc", map[string]any{"n": 1})
	require.NoError(t, err)

	select {
	case snap := <-got:
		t.Fatalf("unexpected delivery after unsubscribe: version %d", snap.Version)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestCollectionSnapshotThenAdditions(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	_, err := s.Append(ctx, "log", sample{Name: "a"})
	require.NoError(t, err)
	_, err = s.Append(ctx, "log", sample{Name: "b"})
	require.NoError(t, err)

	batches := make(chan []Record, 16)
	unsub, err := s.SubscribeCollection(ctx, "log", func(recs []Record) { batches <- recs })
	require.NoError(t, err)
	defer unsub()

	initial := recv(t, batches)
	require.Len(t, initial, 2)
	var v sample
	require.NoError(t, initial[0].Decode(&v))
	assert.Equal(t, "a", v.Name)
	assert.True(t, initial[0].Before(initial[1]))

	rec, err := s.Append(ctx, "log", sample{Name: "c"})
	require.NoError(t, err)
	assert.False(t, rec.ServerTime.IsZero())

	added := recv(t, batches)
	require.Len(t, added, 1)
	assert.Equal(t, rec.ID, added[0].ID)
	require.NoError(t, added[0].Decode(&v))
	assert.Equal(t, "c", v.Name)
}

func TestDropCollection(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	_, err := s.Append(ctx, "log", sample{Name: "a"})
	require.NoError(t, err)
	require.NoError(t, s.DropCollection(ctx, "log"))

	recs, err := s.Records(ctx, "log")
	require.NoError(t, err)
	assert.Empty(t, recs)
}

func TestRecordBefore(t *testing.T) {
	a := Record{ID: "1000-1"}
	b := Record{ID: "1000-2"}
	c := Record{ID: "999-7"}
	assert.True(t, a.Before(b))
	assert.False(t, b.Before(a))
	assert.True(t, c.Before(a))
}

func TestUnavailable(t *testing.T) {
	s, mr := newTestStore(t)
	mr.Close()

	_, err := s.Get(context.Background(), "doc")
	require.ErrorIs(t, err, ErrUnavailable)

	_, err = s.Update(context.Background(), "doc", map[string]any{"a": 1})
	require.ErrorIs(t, err, ErrUnavailable)

	_, err = s.Append(context.Background(), "log", sample{})
	require.ErrorIs(t, err, ErrUnavailable)
}

func TestLease(t *testing.T) {
	s, mr := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.Lease(ctx, "presence/p1", "p1", time.Minute))
	alive, err := s.LeaseAlive(ctx, "presence/p1")
	require.NoError(t, err)
	assert.True(t, alive)

	mr.FastForward(2 * time.Minute)
	alive, err = s.LeaseAlive(ctx, "presence/p1")
	require.NoError(t, err)
	assert.False(t, alive)
}
