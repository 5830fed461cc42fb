// Package state caches the shared session state and fans confirmed changes
// out to in-process consumers.
//
// The cache only ever holds values echoed back by the document store, so a
// writer sees its own mutation at the same moment as every other client.
// Concurrent writes to the same field resolve last-write-wins; callers that
// need a transition computed from the latest value use Apply, and callers
// that need to detect interleaved writers use MutateIfVersion.
package state

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"maps"
	"slices"
	"sync"
	"time"

	"github.com/mossy-p/session-sync/internal/docstore"
	"github.com/mossy-p/session-sync/internal/logging"
	"github.com/mossy-p/session-sync/internal/models"
	"github.com/rs/zerolog"
)

var (
	ErrClosed       = errors.New("state store closed")
	ErrUnknownField = errors.New("unknown session state field")
	ErrInvalidState = errors.New("invalid session state")
	// ErrUnconfirmed reports a committed write whose echo never reached the
	// cache.
	ErrUnconfirmed = errors.New("session state change not confirmed")
)

// DefaultEchoTimeout bounds how long Await waits for a committed version.
const DefaultEchoTimeout = 10 * time.Second

var mutableFields = map[string]struct{}{
	models.FieldInitiativeList:   {},
	models.FieldCurrentTurnIndex: {},
	models.FieldRound:            {},
	models.FieldActiveMapURL:     {},
	models.FieldShowGrid:         {},
}

// Documents is the part of the document store the state store writes through.
type Documents interface {
	Set(ctx context.Context, path string, fields map[string]any) (docstore.Snapshot, error)
	Transact(ctx context.Context, path string, fn func(docstore.Snapshot) (map[string]any, error)) (docstore.Snapshot, error)
	Subscribe(ctx context.Context, path string, fn func(docstore.Snapshot)) (func(), error)
}

type waiter struct {
	version int64
	done    chan error
}

type Store struct {
	docs    Documents
	session models.SessionID
	path    string
	log     zerolog.Logger

	echoTimeout time.Duration

	// deliver serializes fan-out so every subscriber sees states in version
	// order, including the one handed over on Subscribe.
	deliver sync.Mutex

	mu      sync.RWMutex
	cur     models.SessionState
	closed  bool
	subs    map[int]func(models.SessionState)
	nextID  int
	waiters []*waiter
	unsub   func()
}

// Decode reads a session state out of a document snapshot.
func Decode(snap docstore.Snapshot) (models.SessionState, error) {
	var st models.SessionState
	if err := snap.DataTo(&st); err != nil {
		return models.SessionState{}, fmt.Errorf("decode session state: %w", err)
	}
	if st.Round < 1 {
		st.Round = 1
	}
	st.Version = snap.Version
	return st, nil
}

// Seed writes the initial state of a new session.
func Seed(ctx context.Context, docs Documents, session models.SessionID, activeMapURL string) (models.SessionState, error) {
	snap, err := docs.Set(ctx, models.SessionPath(session), map[string]any{
		models.FieldInitiativeList:   []models.InitiativeEntry{},
		models.FieldCurrentTurnIndex: 0,
		models.FieldRound:            1,
		models.FieldActiveMapURL:     activeMapURL,
		models.FieldShowGrid:         false,
	})
	if err != nil {
		return models.SessionState{}, fmt.Errorf("seed session state: %w", err)
	}
	return Decode(snap)
}

// Open subscribes to the session document and returns once the first
// snapshot has been cached. The subscription lives until Close or until ctx
// is done.
func Open(ctx context.Context, docs Documents, session models.SessionID) (*Store, error) {
	s := &Store{
		docs:    docs,
		session: session,
		path:    models.SessionPath(session),
		log:     logging.Module("state").With().Str("session", string(session)).Logger(),
		subs:    make(map[int]func(models.SessionState)),

		echoTimeout: DefaultEchoTimeout,
	}

	first := make(chan struct{})
	var once sync.Once
	unsub, err := docs.Subscribe(ctx, s.path, func(snap docstore.Snapshot) {
		s.apply(snap)
		once.Do(func() { close(first) })
	})
	if err != nil {
		return nil, fmt.Errorf("open session state: %w", err)
	}

	select {
	case <-first:
	case <-ctx.Done():
		unsub()
		return nil, ctx.Err()
	}

	s.mu.Lock()
	s.unsub = unsub
	s.mu.Unlock()
	s.log.Debug().Int64("version", s.Get().Version).Msg("session state opened")
	return s, nil
}

func (s *Store) apply(snap docstore.Snapshot) {
	st, err := Decode(snap)
	if err != nil {
		s.log.Error().Err(err).Int64("version", snap.Version).Msg("dropping undecodable state")
		s.release(snap.Version, fmt.Errorf("%w: version %d: %w", ErrUnconfirmed, snap.Version, err))
		return
	}

	s.deliver.Lock()
	defer s.deliver.Unlock()

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.cur = st
	s.releaseLocked(st.Version, nil)
	subs := make([]func(models.SessionState), 0, len(s.subs))
	for _, fn := range s.subs {
		subs = append(subs, fn)
	}
	s.mu.Unlock()

	for _, fn := range subs {
		fn(st.Clone())
	}
}

// release hands err to every waiter at or below version.
func (s *Store) release(version int64, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.releaseLocked(version, err)
}

func (s *Store) releaseLocked(version int64, err error) {
	kept := s.waiters[:0]
	for _, w := range s.waiters {
		if w.version <= version {
			w.done <- err
			continue
		}
		kept = append(kept, w)
	}
	s.waiters = kept
}

// Get returns the latest confirmed state.
func (s *Store) Get() models.SessionState {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.cur.Clone()
}

// Subscribe hands fn the current state, then every confirmed change. fn
// runs on the delivery goroutine and must not subscribe from within.
func (s *Store) Subscribe(fn func(models.SessionState)) func() {
	s.deliver.Lock()
	defer s.deliver.Unlock()

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return func() {}
	}
	id := s.nextID
	s.nextID++
	s.subs[id] = fn
	cur := s.cur.Clone()
	s.mu.Unlock()

	fn(cur)

	return func() {
		s.mu.Lock()
		delete(s.subs, id)
		s.mu.Unlock()
	}
}

func checkFields(fields map[string]any) error {
	for k := range fields {
		if _, ok := mutableFields[k]; !ok {
			return fmt.Errorf("%w: %q", ErrUnknownField, k)
		}
	}
	return nil
}

// validate merges fields over the stored snapshot and checks that the result
// still decodes and keeps the turn index inside the list. A round is checked
// only once the document carries one; missing rounds read as 1.
func validate(snap docstore.Snapshot, fields map[string]any) error {
	if err := checkFields(fields); err != nil {
		return err
	}
	merged := maps.Clone(snap.Fields)
	if merged == nil {
		merged = make(map[string]json.RawMessage, len(fields))
	}
	for k, v := range fields {
		raw, err := json.Marshal(v)
		if err != nil {
			return fmt.Errorf("%w: %s: %v", ErrInvalidState, k, err)
		}
		merged[k] = raw
	}

	var st models.SessionState
	if err := (docstore.Snapshot{Fields: merged}).DataTo(&st); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidState, err)
	}
	n := len(st.InitiativeList)
	if st.CurrentTurnIndex < 0 || (n > 0 && st.CurrentTurnIndex >= n) || (n == 0 && st.CurrentTurnIndex != 0) {
		return fmt.Errorf("%w: turn index %d with %d entries", ErrInvalidState, st.CurrentTurnIndex, n)
	}
	if _, ok := merged[models.FieldRound]; ok && st.Round < 1 {
		return fmt.Errorf("%w: round %d", ErrInvalidState, st.Round)
	}
	return nil
}

func (s *Store) isClosed() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.closed
}

// Mutate merges fields into the shared state and returns the version that
// confirmed them. The cache changes only when that version is echoed back.
// A merge that would not decode, or that leaves the turn index or round out
// of range, fails with ErrInvalidState and writes nothing.
func (s *Store) Mutate(ctx context.Context, fields map[string]any) (int64, error) {
	if s.isClosed() {
		return 0, ErrClosed
	}
	snap, err := s.docs.Transact(ctx, s.path, func(cur docstore.Snapshot) (map[string]any, error) {
		return fields, validate(cur, fields)
	})
	if err != nil {
		return 0, fmt.Errorf("mutate session state: %w", err)
	}
	return snap.Version, nil
}

// Apply computes a mutation from the latest stored state, not the cache,
// retrying when another writer gets in first. fn returning no fields is a
// no-op; its error aborts and is returned unchanged.
func (s *Store) Apply(ctx context.Context, fn func(models.SessionState) (map[string]any, error)) (int64, error) {
	if s.isClosed() {
		return 0, ErrClosed
	}
	snap, err := s.docs.Transact(ctx, s.path, func(snap docstore.Snapshot) (map[string]any, error) {
		st, err := Decode(snap)
		if err != nil {
			return nil, err
		}
		fields, err := fn(st)
		if err != nil {
			return nil, err
		}
		return fields, validate(snap, fields)
	})
	if err != nil {
		return 0, err
	}
	return snap.Version, nil
}

// MutateIfVersion merges fields only if nobody wrote since version and
// fails with docstore.ErrConflict otherwise.
func (s *Store) MutateIfVersion(ctx context.Context, version int64, fields map[string]any) (int64, error) {
	if s.isClosed() {
		return 0, ErrClosed
	}
	snap, err := s.docs.Transact(ctx, s.path, func(cur docstore.Snapshot) (map[string]any, error) {
		if cur.Version != version {
			return nil, fmt.Errorf("%w: %s at version %d, expected %d", docstore.ErrConflict, s.path, cur.Version, version)
		}
		return fields, validate(cur, fields)
	})
	if err != nil {
		return 0, fmt.Errorf("mutate session state: %w", err)
	}
	return snap.Version, nil
}

// Await blocks until the cache holds version or later. A version whose echo
// does not arrive within the echo timeout fails as unavailable.
func (s *Store) Await(ctx context.Context, version int64) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrClosed
	}
	if s.cur.Version >= version {
		s.mu.Unlock()
		return nil
	}
	w := &waiter{version: version, done: make(chan error, 1)}
	s.waiters = append(s.waiters, w)
	s.mu.Unlock()

	timer := time.NewTimer(s.echoTimeout)
	defer timer.Stop()

	select {
	case err := <-w.done:
		return err
	case <-timer.C:
		s.forget(w)
		return fmt.Errorf("%w: %w: version %d not echoed within %s",
			docstore.ErrUnavailable, ErrUnconfirmed, version, s.echoTimeout)
	case <-ctx.Done():
		s.forget(w)
		return ctx.Err()
	}
}

func (s *Store) forget(w *waiter) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.waiters = slices.DeleteFunc(s.waiters, func(o *waiter) bool { return o == w })
}

// Close stops the subscription and drops all subscribers. Pending Await
// calls return ErrClosed.
func (s *Store) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	unsub := s.unsub
	waiters := s.waiters
	s.waiters = nil
	s.subs = nil
	s.mu.Unlock()

	if unsub != nil {
		unsub()
	}
	for _, w := range waiters {
		w.done <- ErrClosed
	}
}
