// Package docstore is a realtime document store on top of Redis.
//
// Documents are hashes whose fields hold JSON values; every confirmed write
// bumps a per-document version and is echoed to subscribers over pub/sub.
// Collections are append-only Redis streams whose entry IDs double as
// server-assigned timestamps.
package docstore

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/mossy-p/session-sync/internal/logging"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

var (
	// ErrUnavailable reports that the store could not be reached.
	ErrUnavailable = errors.New("document store unavailable")
	// ErrConflict reports a compare-and-set whose expected version was stale,
	// or an optimistic transaction that kept losing races.
	ErrConflict = errors.New("document write conflict")
	// ErrReservedField reports a write to a field name the store keeps for itself.
	ErrReservedField = errors.New("reserved document field")
)

const (
	defaultPollBlock = time.Second
	defaultTxRetries = 8
	retryPause       = 250 * time.Millisecond
)

// Options tune a Store. Zero values fall back to defaults.
type Options struct {
	// PollBlock bounds each blocking stream read, which is also the upper
	// bound on how long a collection subscription outlives its cancellation.
	PollBlock time.Duration
	// TxRetries bounds optimistic transaction attempts.
	TxRetries int
	// KeyTTL, when set, is refreshed on every write.
	KeyTTL time.Duration
}

type Store struct {
	rdb  *redis.Client
	opts Options
	log  zerolog.Logger
}

func New(rdb *redis.Client, opts Options) *Store {
	if opts.PollBlock <= 0 {
		opts.PollBlock = defaultPollBlock
	}
	if opts.TxRetries <= 0 {
		opts.TxRetries = defaultTxRetries
	}
	return &Store{
		rdb:  rdb,
		opts: opts,
		log:  logging.Module("docstore"),
	}
}

// Client exposes the underlying Redis client for key-value concerns that do
// not need document semantics.
func (s *Store) Client() *redis.Client {
	return s.rdb
}

func docKey(path string) string     { return "doc:" + path }
func changesKey(path string) string { return "doc:" + path + ":changes" }
func colKey(path string) string     { return "col:" + path }
func leaseKey(key string) string    { return "lease:" + key }

// classify maps transport failures onto ErrUnavailable and leaves server
// replies, context errors and transaction aborts untouched.
func classify(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	if errors.Is(err, redis.Nil) || errors.Is(err, redis.TxFailedErr) {
		return err
	}
	var rerr redis.Error
	if errors.As(err, &rerr) {
		return err
	}
	return fmt.Errorf("%w: %v", ErrUnavailable, err)
}

// sleepCtx waits for d or until ctx is done.
func sleepCtx(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
