package kv

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

// Atomic compare-and-swap. KEYS[1]=key, ARGV[1]=expected ("" + ARGV[3]=="0"
// meaning must-not-exist), ARGV[2]=next, ARGV[3]=has-expected flag,
// ARGV[4]=ttl millis (0 = none).
var casScript = redis.NewScript(`
local current = redis.call('GET', KEYS[1])
if ARGV[3] == '0' then
  if current then return 0 end
else
  if not current or current ~= ARGV[1] then return 0 end
end
if tonumber(ARGV[4]) > 0 then
  redis.call('SET', KEYS[1], ARGV[2], 'PX', ARGV[4])
else
  redis.call('SET', KEYS[1], ARGV[2])
end
return 1
`)

// RedisStore is a Redis-backed Store implementation for deployments that
// already run Redis. Ordering of prefix scans is established client-side.
type RedisStore struct {
	client *redis.Client
	prefix string
}

// NewRedisStore creates a store backed by the Redis instance at url
// (redis:// form accepted by go-redis).
func NewRedisStore(url string) (*RedisStore, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("invalid redis url: %w", err)
	}
	return &RedisStore{client: redis.NewClient(opts), prefix: "mcpserve:"}, nil
}

// NewRedisStoreFromClient wraps an existing client; used by tests with
// miniredis.
func NewRedisStoreFromClient(client *redis.Client) *RedisStore {
	return &RedisStore{client: client, prefix: "mcpserve:"}
}

func (s *RedisStore) redisKey(key []string) string {
	return s.prefix + EncodeKey(key)
}

// Get implements Store.
func (s *RedisStore) Get(ctx context.Context, key []string) ([]byte, error) {
	val, err := s.client.Get(ctx, s.redisKey(key)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("kv get: %w", err)
	}
	return val, nil
}

// Set implements Store.
func (s *RedisStore) Set(ctx context.Context, key []string, value []byte, ttl time.Duration) error {
	if err := s.client.Set(ctx, s.redisKey(key), value, max(ttl, 0)).Err(); err != nil {
		return fmt.Errorf("kv set: %w", err)
	}
	return nil
}

// Delete implements Store.
func (s *RedisStore) Delete(ctx context.Context, key []string) error {
	if err := s.client.Del(ctx, s.redisKey(key)).Err(); err != nil {
		return fmt.Errorf("kv delete: %w", err)
	}
	return nil
}

// CompareAndSwap implements Store.
func (s *RedisStore) CompareAndSwap(ctx context.Context, key []string, expected, next []byte, ttl time.Duration) error {
	hasExpected := "1"
	if expected == nil {
		hasExpected = "0"
	}
	ttlMillis := int64(0)
	if ttl > 0 {
		ttlMillis = ttl.Milliseconds()
	}

	ok, err := casScript.Run(ctx, s.client,
		[]string{s.redisKey(key)},
		string(expected), string(next), hasExpected, ttlMillis,
	).Int()
	if err != nil {
		return fmt.Errorf("kv cas: %w", err)
	}
	if ok != 1 {
		return ErrConflict
	}
	return nil
}

// Take implements Store.
func (s *RedisStore) Take(ctx context.Context, key []string) ([]byte, error) {
	val, err := s.client.GetDel(ctx, s.redisKey(key)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("kv take: %w", err)
	}
	return val, nil
}

// ListPrefix implements Store.
func (s *RedisStore) ListPrefix(ctx context.Context, prefix []string) ([]Entry, error) {
	pattern := escapeMatchPattern(s.prefix+EncodePrefix(prefix)) + "*"

	var keys []string
	iter := s.client.Scan(ctx, 0, pattern, 0).Iterator()
	for iter.Next(ctx) {
		keys = append(keys, iter.Val())
	}
	if err := iter.Err(); err != nil {
		return nil, fmt.Errorf("kv list: %w", err)
	}
	sort.Strings(keys)

	out := make([]Entry, 0, len(keys))
	for _, k := range keys {
		val, err := s.client.Get(ctx, k).Bytes()
		if errors.Is(err, redis.Nil) {
			continue // expired between SCAN and GET
		}
		if err != nil {
			return nil, fmt.Errorf("kv list: %w", err)
		}
		out = append(out, Entry{Key: DecodeKey(strings.TrimPrefix(k, s.prefix)), Value: bytes.Clone(val)})
	}
	return out, nil
}

// Close implements Store.
func (s *RedisStore) Close() error {
	return s.client.Close()
}

// escapeMatchPattern escapes glob metacharacters in a SCAN MATCH pattern so
// stored keys containing them are matched literally.
func escapeMatchPattern(s string) string {
	var b strings.Builder
	for i := 0; i < len(s); i++ {
		switch s[i] {
		case '*', '?', '[', ']', '\\':
			b.WriteByte('\\')
		}
		b.WriteByte(s[i])
	}
	return b.String()
}
