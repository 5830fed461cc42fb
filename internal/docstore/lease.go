package docstore

import (
	"context"
	"time"
)

// Lease records that holder is alive under key for ttl. Holders renew it
// before it expires.
func (s *Store) Lease(ctx context.Context, key, holder string, ttl time.Duration) error {
	return classify(s.rdb.Set(ctx, leaseKey(key), holder, ttl).Err())
}

// LeaseAlive reports whether an unexpired lease exists under key.
func (s *Store) LeaseAlive(ctx context.Context, key string) (bool, error) {
	n, err := s.rdb.Exists(ctx, leaseKey(key)).Result()
	if err != nil {
		return false, classify(err)
	}
	return n > 0, nil
}

// Release drops the lease under key.
func (s *Store) Release(ctx context.Context, key string) error {
	return classify(s.rdb.Del(ctx, leaseKey(key)).Err())
}
