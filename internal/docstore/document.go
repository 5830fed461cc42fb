package docstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	metaPrefix   = "__"
	versionField = "__version"
	updatedField = "__updated"
	existsField  = "__exists"
)

// Snapshot is a confirmed view of one document.
type Snapshot struct {
	Path       string                     `msgpack:"path"`
	Exists     bool                       `msgpack:"exists"`
	Version    int64                      `msgpack:"version"`
	UpdateTime time.Time                  `msgpack:"updateTime"`
	Fields     map[string]json.RawMessage `msgpack:"fields"`
}

// DataTo decodes the document fields into v as if they were one JSON object.
func (s Snapshot) DataTo(v any) error {
	if len(s.Fields) == 0 {
		return nil
	}
	b, err := json.Marshal(s.Fields)
	if err != nil {
		return err
	}
	return json.Unmarshal(b, v)
}

// Field decodes a single field into v and reports whether it was present.
func (s Snapshot) Field(name string, v any) (bool, error) {
	raw, ok := s.Fields[name]
	if !ok {
		return false, nil
	}
	return true, json.Unmarshal(raw, v)
}

func decodeHash(path string, raw map[string]string) (Snapshot, error) {
	snap := Snapshot{Path: path, Fields: make(map[string]json.RawMessage)}
	for k, v := range raw {
		switch k {
		case versionField:
			n, err := strconv.ParseInt(v, 10, 64)
			if err != nil {
				return Snapshot{}, fmt.Errorf("document %s: bad version %q: %w", path, v, err)
			}
			snap.Version = n
		case updatedField:
			ms, err := strconv.ParseInt(v, 10, 64)
			if err != nil {
				return Snapshot{}, fmt.Errorf("document %s: bad update time %q: %w", path, v, err)
			}
			snap.UpdateTime = time.UnixMilli(ms)
		case existsField:
			snap.Exists = v == "1"
		default:
			snap.Fields[k] = json.RawMessage(v)
		}
	}
	return snap, nil
}

// next computes the snapshot produced by writing fields over s, and the hash
// values that persist it.
func (s Snapshot) next(fields map[string]any, replace, exists bool, now time.Time) (Snapshot, map[string]any, error) {
	out := Snapshot{
		Path:       s.Path,
		Exists:     exists,
		Version:    s.Version + 1,
		UpdateTime: now,
		Fields:     make(map[string]json.RawMessage, len(s.Fields)+len(fields)),
	}
	if !replace {
		for k, v := range s.Fields {
			out.Fields[k] = v
		}
	}

	existsFlag := "0"
	if exists {
		existsFlag = "1"
	}
	values := map[string]any{
		versionField: out.Version,
		updatedField: now.UnixMilli(),
		existsField:  existsFlag,
	}
	for k, v := range fields {
		if k == "" || strings.HasPrefix(k, metaPrefix) {
			return Snapshot{}, nil, fmt.Errorf("%w: %q", ErrReservedField, k)
		}
		raw, err := json.Marshal(v)
		if err != nil {
			return Snapshot{}, nil, fmt.Errorf("encode field %q: %w", k, err)
		}
		out.Fields[k] = raw
		values[k] = string(raw)
	}
	return out, values, nil
}

// Get reads the current document. A missing document yields a snapshot with
// Exists false and Version 0.
func (s *Store) Get(ctx context.Context, path string) (Snapshot, error) {
	raw, err := s.rdb.HGetAll(ctx, docKey(path)).Result()
	if err != nil {
		return Snapshot{}, classify(err)
	}
	return decodeHash(path, raw)
}

// Set replaces the whole document with fields.
func (s *Store) Set(ctx context.Context, path string, fields map[string]any) (Snapshot, error) {
	return s.write(ctx, path, writeReplace, func(Snapshot) (map[string]any, error) {
		return fields, nil
	})
}

// Update merges fields into the document, creating it if needed. Concurrent
// writers to the same field resolve last-write-wins.
func (s *Store) Update(ctx context.Context, path string, fields map[string]any) (Snapshot, error) {
	return s.write(ctx, path, writeMerge, func(Snapshot) (map[string]any, error) {
		return fields, nil
	})
}

// Transact runs fn against the latest stored snapshot and merges the fields
// it returns. fn may run several times when other writers race it. Returning
// no fields commits nothing and yields the snapshot fn saw; returning an
// error aborts and hands that error back unchanged.
func (s *Store) Transact(ctx context.Context, path string, fn func(Snapshot) (map[string]any, error)) (Snapshot, error) {
	return s.write(ctx, path, writeTransact, fn)
}

// UpdateIfVersion merges fields only when the stored version still equals
// version, and fails with ErrConflict otherwise.
func (s *Store) UpdateIfVersion(ctx context.Context, path string, version int64, fields map[string]any) (Snapshot, error) {
	key := docKey(path)
	var out Snapshot
	err := s.rdb.Watch(ctx, func(tx *redis.Tx) error {
		raw, err := tx.HGetAll(ctx, key).Result()
		if err != nil {
			return err
		}
		cur, err := decodeHash(path, raw)
		if err != nil {
			return err
		}
		if cur.Version != version {
			return fmt.Errorf("%w: %s at version %d, expected %d", ErrConflict, path, cur.Version, version)
		}
		out, err = s.commit(ctx, tx, cur, fields, false, true)
		return err
	}, key)
	if errors.Is(err, redis.TxFailedErr) {
		return Snapshot{}, fmt.Errorf("%w: %s changed during write", ErrConflict, path)
	}
	if err != nil {
		if errors.Is(err, ErrConflict) || errors.Is(err, ErrReservedField) {
			return Snapshot{}, err
		}
		return Snapshot{}, classify(err)
	}
	s.publish(ctx, out)
	return out, nil
}

// Delete clears the document. Its version keeps counting so subscribers
// observe the deletion as an ordinary change.
func (s *Store) Delete(ctx context.Context, path string) error {
	_, err := s.write(ctx, path, writeDelete, func(Snapshot) (map[string]any, error) {
		return nil, nil
	})
	return err
}

type writeMode int

const (
	writeMerge writeMode = iota
	writeReplace
	writeTransact
	writeDelete
)

func (s *Store) write(ctx context.Context, path string, mode writeMode, fn func(Snapshot) (map[string]any, error)) (Snapshot, error) {
	key := docKey(path)

	for attempt := 0; attempt < s.opts.TxRetries; attempt++ {
		var (
			out     Snapshot
			fnErr   error
			skipped bool
		)
		err := s.rdb.Watch(ctx, func(tx *redis.Tx) error {
			raw, err := tx.HGetAll(ctx, key).Result()
			if err != nil {
				return err
			}
			cur, err := decodeHash(path, raw)
			if err != nil {
				return err
			}
			fields, err := fn(cur)
			if err != nil {
				fnErr = err
				return err
			}
			if mode == writeTransact && len(fields) == 0 {
				out, skipped = cur, true
				return nil
			}
			replace := mode == writeReplace || mode == writeDelete
			out, err = s.commit(ctx, tx, cur, fields, replace, mode != writeDelete)
			return err
		}, key)

		switch {
		case fnErr != nil:
			return Snapshot{}, fnErr
		case errors.Is(err, redis.TxFailedErr):
			s.log.Debug().Str("path", path).Int("attempt", attempt+1).Msg("optimistic write lost race, retrying")
			continue
		case errors.Is(err, ErrReservedField):
			return Snapshot{}, err
		case err != nil:
			return Snapshot{}, classify(err)
		}

		if !skipped {
			s.publish(ctx, out)
		}
		return out, nil
	}
	return Snapshot{}, fmt.Errorf("%w: %s after %d attempts", ErrConflict, path, s.opts.TxRetries)
}

func (s *Store) commit(ctx context.Context, tx *redis.Tx, cur Snapshot, fields map[string]any, replace, exists bool) (Snapshot, error) {
	now, err := tx.Time(ctx).Result()
	if err != nil {
		return Snapshot{}, err
	}
	out, values, err := cur.next(fields, replace, exists, now)
	if err != nil {
		return Snapshot{}, err
	}
	key := docKey(cur.Path)
	_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		if replace {
			pipe.Del(ctx, key)
		}
		pipe.HSet(ctx, key, values)
		if s.opts.KeyTTL > 0 {
			pipe.Expire(ctx, key, s.opts.KeyTTL)
		}
		return nil
	})
	if err != nil {
		return Snapshot{}, err
	}
	return out, nil
}

// publish echoes a confirmed snapshot. Subscribers order echoes by version,
// so publishing outside the transaction is safe.
func (s *Store) publish(ctx context.Context, snap Snapshot) {
	payload, err := marshal(snap)
	if err != nil {
		s.log.Error().Err(err).Str("path", snap.Path).Msg("failed to encode change")
		return
	}
	if err := s.rdb.Publish(ctx, changesKey(snap.Path), payload).Err(); err != nil {
		s.log.Warn().Err(err).Str("path", snap.Path).Int64("version", snap.Version).Msg("failed to publish change")
	}
}

// Subscribe delivers the current snapshot and then every confirmed change in
// version order until the returned function is called or ctx is done.
// Deliveries happen serially on one goroutine.
func (s *Store) Subscribe(ctx context.Context, path string, fn func(Snapshot)) (func(), error) {
	ps := s.rdb.Subscribe(ctx, changesKey(path))
	if _, err := ps.Receive(ctx); err != nil {
		_ = ps.Close()
		return nil, classify(err)
	}

	// Subscribed before reading, so no change can fall between the two.
	initial, err := s.Get(ctx, path)
	if err != nil {
		_ = ps.Close()
		return nil, err
	}

	ctx, cancel := context.WithCancel(ctx)
	var closed atomic.Bool
	msgs := ps.Channel()

	go func() {
		defer ps.Close()

		last := initial.Version
		if !closed.Load() {
			fn(initial)
		}
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-msgs:
				if !ok {
					return
				}
				var snap Snapshot
				if err := unmarshal([]byte(msg.Payload), &snap); err != nil {
					s.log.Error().Err(err).Str("path", path).Msg("dropping undecodable change")
					continue
				}
				if snap.Version <= last {
					continue
				}
				last = snap.Version
				if closed.Load() {
					return
				}
				fn(snap)
			}
		}
	}()

	return func() {
		closed.Store(true)
		cancel()
	}, nil
}
