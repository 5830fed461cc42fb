package state

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/mossy-p/session-sync/internal/docstore"
	"github.com/mossy-p/session-sync/internal/models"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const session models.SessionID = "campaign-1"

func newDocs(t *testing.T) *docstore.Store {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	return docstore.New(rdb, docstore.Options{PollBlock: 20 * time.Millisecond})
}

func open(t *testing.T, docs *docstore.Store) *Store {
	t.Helper()
	s, err := Open(context.Background(), docs, session)
	require.NoError(t, err)
	t.Cleanup(s.Close)
	return s
}

func awaitTimeout(t *testing.T, s *Store, version int64) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, s.Await(ctx, version))
}

func TestOpenMissingDocument(t *testing.T) {
	s := open(t, newDocs(t))

	st := s.Get()
	assert.Empty(t, st.InitiativeList)
	assert.Equal(t, 1, st.Round)
	assert.Equal(t, int64(0), st.Version)
}

func TestSeed(t *testing.T) {
	docs := newDocs(t)
	st, err := Seed(context.Background(), docs, session, "https://maps.example/cave.png")
	require.NoError(t, err)
	assert.Equal(t, 1, st.Round)
	assert.Equal(t, "https://maps.example/cave.png", st.ActiveMapURL)

	s := open(t, docs)
	assert.Equal(t, st.Version, s.Get().Version)
	assert.NotNil(t, s.Get().InitiativeList)
}

func TestMutateUpdatesCacheOnEcho(t *testing.T) {
	s := open(t, newDocs(t))
	ctx := context.Background()

	v, err := s.Mutate(ctx, map[string]any{models.FieldShowGrid: true})
	require.NoError(t, err)
	awaitTimeout(t, s, v)

	st := s.Get()
	assert.True(t, st.ShowGrid)
	assert.Equal(t, v, st.Version)
}

func TestMutateRejectsUnknownField(t *testing.T) {
	s := open(t, newDocs(t))
	_, err := s.Mutate(context.Background(), map[string]any{"hp": 3})
	assert.ErrorIs(t, err, ErrUnknownField)
}

func TestSubscribeDeliversCurrentFirst(t *testing.T) {
	s := open(t, newDocs(t))
	ctx := context.Background()

	got := make(chan models.SessionState, 8)
	unsub := s.Subscribe(func(st models.SessionState) { got <- st })
	defer unsub()

	first := <-got
	assert.Equal(t, int64(0), first.Version)

	v, err := s.Mutate(ctx, map[string]any{models.FieldActiveMapURL: "m1"})
	require.NoError(t, err)

	select {
	case st := <-got:
		assert.Equal(t, v, st.Version)
		assert.Equal(t, "m1", st.ActiveMapURL)
	case <-time.After(2 * time.Second):
		t.Fatal("change not delivered")
	}
}

func TestDisjointWritersBothSurvive(t *testing.T) {
	docs := newDocs(t)
	a, b := open(t, docs), open(t, docs)
	ctx := context.Background()

	var wg sync.WaitGroup
	var va, vb int64
	wg.Add(2)
	go func() {
		defer wg.Done()
		var err error
		va, err = a.Mutate(ctx, map[string]any{models.FieldShowGrid: true})
		assert.NoError(t, err)
	}()
	go func() {
		defer wg.Done()
		var err error
		vb, err = b.Mutate(ctx, map[string]any{models.FieldActiveMapURL: "m2"})
		assert.NoError(t, err)
	}()
	wg.Wait()

	latest := max(va, vb)
	for _, s := range []*Store{a, b} {
		awaitTimeout(t, s, latest)
		st := s.Get()
		assert.True(t, st.ShowGrid)
		assert.Equal(t, "m2", st.ActiveMapURL)
	}
}

func TestSameFieldLastWriteWins(t *testing.T) {
	docs := newDocs(t)
	a, b := open(t, docs), open(t, docs)
	ctx := context.Background()

	_, err := a.Mutate(ctx, map[string]any{models.FieldActiveMapURL: "from-a"})
	require.NoError(t, err)
	v, err := b.Mutate(ctx, map[string]any{models.FieldActiveMapURL: "from-b"})
	require.NoError(t, err)

	for _, s := range []*Store{a, b} {
		awaitTimeout(t, s, v)
		assert.Equal(t, "from-b", s.Get().ActiveMapURL)
	}
}

func TestApplyUsesLatestStoredValue(t *testing.T) {
	docs := newDocs(t)
	s := open(t, docs)
	ctx := context.Background()

	// Written behind the cache's back; Apply must still see it.
	_, err := docs.Update(ctx, models.SessionPath(session), map[string]any{models.FieldRound: 4})
	require.NoError(t, err)

	v, err := s.Apply(ctx, func(st models.SessionState) (map[string]any, error) {
		return map[string]any{models.FieldRound: st.Round + 1}, nil
	})
	require.NoError(t, err)
	awaitTimeout(t, s, v)
	assert.Equal(t, 5, s.Get().Round)

	boom := errors.New("boom")
	_, err = s.Apply(ctx, func(models.SessionState) (map[string]any, error) { return nil, boom })
	assert.ErrorIs(t, err, boom)

	noop, err := s.Apply(ctx, func(models.SessionState) (map[string]any, error) { return nil, nil })
	require.NoError(t, err)
	assert.Equal(t, v, noop)
}

func TestMutateIfVersionDetectsInterleavedWriter(t *testing.T) {
	docs := newDocs(t)
	a, b := open(t, docs), open(t, docs)
	ctx := context.Background()

	base := a.Get().Version
	_, err := b.Mutate(ctx, map[string]any{models.FieldShowGrid: true})
	require.NoError(t, err)

	_, err = a.MutateIfVersion(ctx, base, map[string]any{models.FieldShowGrid: false})
	assert.ErrorIs(t, err, docstore.ErrConflict)
}

func TestClose(t *testing.T) {
	s := open(t, newDocs(t))

	done := make(chan error, 1)
	go func() { done <- s.Await(context.Background(), 99) }()
	time.Sleep(20 * time.Millisecond)
	s.Close()
	s.Close()

	select {
	case err := <-done:
		assert.ErrorIs(t, err, ErrClosed)
	case <-time.After(2 * time.Second):
		t.Fatal("await not released")
	}

	_, err := s.Mutate(context.Background(), map[string]any{models.FieldShowGrid: true})
	assert.ErrorIs(t, err, ErrClosed)
}

func TestWritesRejectInvalidState(t *testing.T) {
	docs := newDocs(t)
	ctx := context.Background()
	_, err := Seed(ctx, docs, session, "")
	require.NoError(t, err)
	s := open(t, docs)

	two := []models.InitiativeEntry{{ID: "a", Name: "Aria", Value: 18}, {ID: "b", Name: "Goblin", Value: 12}}
	v, err := s.Mutate(ctx, map[string]any{models.FieldInitiativeList: two})
	require.NoError(t, err)
	awaitTimeout(t, s, v)

	for name, fields := range map[string]map[string]any{
		"wrong type":         {models.FieldRound: "abc"},
		"round below one":    {models.FieldRound: -3},
		"index past the end": {models.FieldCurrentTurnIndex: 7},
		"negative index":     {models.FieldCurrentTurnIndex: -1},
		"index on empty":     {models.FieldInitiativeList: []models.InitiativeEntry{}, models.FieldCurrentTurnIndex: 1},
	} {
		t.Run(name, func(t *testing.T) {
			_, err := s.Mutate(ctx, fields)
			assert.ErrorIs(t, err, ErrInvalidState)

			_, err = s.MutateIfVersion(ctx, v, fields)
			assert.ErrorIs(t, err, ErrInvalidState)

			_, err = s.Apply(ctx, func(models.SessionState) (map[string]any, error) { return fields, nil })
			assert.ErrorIs(t, err, ErrInvalidState)
		})
	}

	// Shrinking the list under the turn index needs the index in the same write.
	_, err = s.Mutate(ctx, map[string]any{models.FieldCurrentTurnIndex: 1})
	require.NoError(t, err)
	_, err = s.Mutate(ctx, map[string]any{models.FieldInitiativeList: two[:1]})
	assert.ErrorIs(t, err, ErrInvalidState)
	v, err = s.Mutate(ctx, map[string]any{models.FieldInitiativeList: two[:1], models.FieldCurrentTurnIndex: 0})
	require.NoError(t, err)
	awaitTimeout(t, s, v)

	st := s.Get()
	assert.Len(t, st.InitiativeList, 1)
	assert.Equal(t, 0, st.CurrentTurnIndex)
	assert.Equal(t, 1, st.Round)
}

// quietDocs commits writes but never echoes them after the first snapshot.
type quietDocs struct {
	mu      sync.Mutex
	version int64
	deliver func(docstore.Snapshot)
}

func (d *quietDocs) Set(_ context.Context, path string, _ map[string]any) (docstore.Snapshot, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.version++
	return docstore.Snapshot{Path: path, Exists: true, Version: d.version}, nil
}

func (d *quietDocs) Transact(_ context.Context, path string, fn func(docstore.Snapshot) (map[string]any, error)) (docstore.Snapshot, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, err := fn(docstore.Snapshot{Path: path, Version: d.version}); err != nil {
		return docstore.Snapshot{}, err
	}
	d.version++
	return docstore.Snapshot{Path: path, Exists: true, Version: d.version}, nil
}

func (d *quietDocs) Subscribe(_ context.Context, path string, fn func(docstore.Snapshot)) (func(), error) {
	d.deliver = fn
	fn(docstore.Snapshot{Path: path})
	return func() {}, nil
}

func pending(s *Store) int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.waiters)
}

func TestAwaitGivesUpWithoutEcho(t *testing.T) {
	s, err := Open(context.Background(), &quietDocs{}, session)
	require.NoError(t, err)
	t.Cleanup(s.Close)
	s.echoTimeout = 50 * time.Millisecond

	v, err := s.Mutate(context.Background(), map[string]any{models.FieldShowGrid: true})
	require.NoError(t, err)

	start := time.Now()
	err = s.Await(context.Background(), v)
	assert.ErrorIs(t, err, docstore.ErrUnavailable)
	assert.ErrorIs(t, err, ErrUnconfirmed)
	assert.Less(t, time.Since(start), 2*time.Second)
	assert.Zero(t, pending(s))
}

func TestAwaitReleasedByUndecodableEcho(t *testing.T) {
	docs := &quietDocs{}
	s, err := Open(context.Background(), docs, session)
	require.NoError(t, err)
	t.Cleanup(s.Close)

	v, err := s.Mutate(context.Background(), map[string]any{models.FieldShowGrid: true})
	require.NoError(t, err)

	done := make(chan error, 1)
	go func() { done <- s.Await(context.Background(), v) }()
	require.Eventually(t, func() bool { return pending(s) == 1 }, 2*time.Second, 5*time.Millisecond)

	docs.deliver(docstore.Snapshot{
		Path:    models.SessionPath(session),
		Exists:  true,
		Version: v,
		Fields:  map[string]json.RawMessage{models.FieldRound: json.RawMessage(`"abc"`)},
	})

	select {
	case err := <-done:
		assert.ErrorIs(t, err, ErrUnconfirmed)
		assert.NotErrorIs(t, err, docstore.ErrUnavailable)
	case <-time.After(2 * time.Second):
		t.Fatal("await not released")
	}
	assert.Equal(t, int64(0), s.Get().Version)
}
