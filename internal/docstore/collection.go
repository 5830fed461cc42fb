package docstore

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	recordField = "data"
	readBatch   = 128
)

// Record is one entry of an append-only collection.
type Record struct {
	// ID is the stream entry ID ("<ms>-<seq>"), unique and totally ordered
	// within its collection.
	ID string
	// ServerTime is the store clock at the moment the entry was written.
	ServerTime time.Time
	Data       []byte
}

// Decode unpacks the record payload into v.
func (r Record) Decode(v any) error {
	return unmarshal(r.Data, v)
}

// Before orders records by server time, then by sequence within the same
// millisecond.
func (r Record) Before(o Record) bool {
	rms, rseq := splitID(r.ID)
	oms, oseq := splitID(o.ID)
	if rms != oms {
		return rms < oms
	}
	return rseq < oseq
}

func splitID(id string) (ms, seq uint64) {
	head, tail, _ := strings.Cut(id, "-")
	ms, _ = strconv.ParseUint(head, 10, 64)
	seq, _ = strconv.ParseUint(tail, 10, 64)
	return ms, seq
}

func newRecord(msg redis.XMessage) (Record, error) {
	ms, _ := splitID(msg.ID)
	rec := Record{ID: msg.ID, ServerTime: time.UnixMilli(int64(ms))}
	switch v := msg.Values[recordField].(type) {
	case string:
		rec.Data = []byte(v)
	case []byte:
		rec.Data = v
	default:
		return Record{}, fmt.Errorf("record %s: missing %q field", msg.ID, recordField)
	}
	return rec, nil
}

// Append adds v to the collection at path. The store assigns the ordering
// timestamp.
func (s *Store) Append(ctx context.Context, path string, v any) (Record, error) {
	data, err := marshal(v)
	if err != nil {
		return Record{}, fmt.Errorf("encode record: %w", err)
	}
	key := colKey(path)
	id, err := s.rdb.XAdd(ctx, &redis.XAddArgs{
		Stream: key,
		Values: map[string]any{recordField: data},
	}).Result()
	if err != nil {
		return Record{}, classify(err)
	}
	if s.opts.KeyTTL > 0 {
		s.rdb.Expire(ctx, key, s.opts.KeyTTL)
	}
	ms, _ := splitID(id)
	return Record{ID: id, ServerTime: time.UnixMilli(int64(ms)), Data: data}, nil
}

// Records returns every record of the collection in server order.
func (s *Store) Records(ctx context.Context, path string) ([]Record, error) {
	msgs, err := s.rdb.XRange(ctx, colKey(path), "-", "+").Result()
	if err != nil {
		return nil, classify(err)
	}
	return s.toRecords(path, msgs), nil
}

func (s *Store) toRecords(path string, msgs []redis.XMessage) []Record {
	out := make([]Record, 0, len(msgs))
	for _, msg := range msgs {
		rec, err := newRecord(msg)
		if err != nil {
			s.log.Error().Err(err).Str("path", path).Msg("skipping malformed record")
			continue
		}
		out = append(out, rec)
	}
	return out
}

// SubscribeCollection delivers the current records as one batch, then each
// batch of later additions, until the returned function is called or ctx is
// done. Records are never redelivered.
func (s *Store) SubscribeCollection(ctx context.Context, path string, fn func([]Record)) (func(), error) {
	initial, err := s.Records(ctx, path)
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithCancel(ctx)
	var closed atomic.Bool
	key := colKey(path)

	go func() {
		last := "0-0"
		if n := len(initial); n > 0 {
			last = initial[n-1].ID
		}
		if !closed.Load() {
			fn(initial)
		}

		for ctx.Err() == nil {
			streams, err := s.rdb.XRead(ctx, &redis.XReadArgs{
				Streams: []string{key, last},
				Count:   readBatch,
				Block:   s.opts.PollBlock,
			}).Result()
			if errors.Is(err, redis.Nil) {
				continue
			}
			if err != nil {
				if ctx.Err() != nil {
					return
				}
				s.log.Warn().Err(err).Str("path", path).Msg("collection read failed")
				if !sleepCtx(ctx, retryPause) {
					return
				}
				continue
			}

			for _, stream := range streams {
				if len(stream.Messages) == 0 {
					continue
				}
				batch := s.toRecords(path, stream.Messages)
				last = stream.Messages[len(stream.Messages)-1].ID
				if closed.Load() {
					return
				}
				if len(batch) > 0 {
					fn(batch)
				}
			}
		}
	}()

	return func() {
		closed.Store(true)
		cancel()
	}, nil
}

// DropCollection deletes every record at path. Only a full session reset
// should call it.
func (s *Store) DropCollection(ctx context.Context, path string) error {
	return classify(s.rdb.Del(ctx, colKey(path)).Err())
}
