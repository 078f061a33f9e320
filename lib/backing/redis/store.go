package redis

import (
	"context"

	"github.com/ValentinKolb/wbKV/lib/backing"
	"github.com/redis/go-redis/v9"
)

// Store is a backing store persisting to a Redis server. Values are written
// with plain SET commands (no TTL), so a flushed key lives until it is
// deleted by the engine.
//
// The caller owns the redis.Client lifecycle - Close is a no-op on the client.
type Store struct {
	client *redis.Client
	prefix string
}

var _ backing.IBackingStore = (*Store)(nil)

// NewRedisStore creates a backing store on top of an existing Redis client.
// If prefix is non-empty, all keys are stored as "<prefix>:<key>".
func NewRedisStore(client *redis.Client, prefix string) *Store {
	return &Store{
		client: client,
		prefix: prefix,
	}
}

func (s *Store) prefixKey(key string) string {
	if s.prefix == "" {
		return key
	}
	return s.prefix + ":" + key
}

// --------------------------------------------------------------------------
// Interface Methods (docu see backing/interface.go)
// --------------------------------------------------------------------------

func (s *Store) UpsertBatch(ctx context.Context, entries map[string][]byte) error {
	if len(entries) == 0 {
		return nil
	}

	// One pipelined SET per key. SET is idempotent by key, so re-applying
	// the same batch after a failed attempt is safe.
	pipe := s.client.Pipeline()
	for key, value := range entries {
		pipe.Set(ctx, s.prefixKey(key), value, 0)
	}
	_, err := pipe.Exec(ctx)
	return err
}

func (s *Store) DeleteBatch(ctx context.Context, keys []string) error {
	if len(keys) == 0 {
		return nil
	}

	prefixed := make([]string, len(keys))
	for i, key := range keys {
		prefixed[i] = s.prefixKey(key)
	}
	return s.client.Del(ctx, prefixed...).Err()
}

func (s *Store) Get(ctx context.Context, key string) ([]byte, bool, error) {
	value, err := s.client.Get(ctx, s.prefixKey(key)).Bytes()
	if err == redis.Nil {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return value, true, nil
}

// Close is a no-op - the caller owns the redis.Client lifecycle.
func (s *Store) Close() error {
	return nil
}
