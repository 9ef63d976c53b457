package cache

import (
	"context"
	"errors"
	"strings"

	"github.com/go-redis/redis/v8"
)

// RedisKV persists entries in Redis under a key prefix. Redis expiry is not
// used: TTL bookkeeping stays inside the entry so stale values survive.
type RedisKV struct {
	r      redis.Cmdable
	prefix string
}

// NewRedisKV creates a Redis-backed KV. prefix namespaces every key.
func NewRedisKV(r redis.Cmdable, prefix string) *RedisKV {
	return &RedisKV{r: r, prefix: prefix}
}

func (k *RedisKV) namespaced(key string) string {
	if k.prefix == "" {
		return key
	}
	return k.prefix + ":" + key
}

// Get implements KV.Get.
func (k *RedisKV) Get(ctx context.Context, key string) ([]byte, error) {
	val, err := k.r.Get(ctx, k.namespaced(key)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrKVNotFound
	}
	if err != nil {
		return nil, err
	}
	return val, nil
}

// Put implements KV.Put.
func (k *RedisKV) Put(ctx context.Context, key string, value []byte) error {
	return k.r.Set(ctx, k.namespaced(key), value, 0).Err()
}

// Remove implements KV.Remove.
func (k *RedisKV) Remove(ctx context.Context, key string) error {
	return k.r.Del(ctx, k.namespaced(key)).Err()
}

// Keys implements KV.Keys using SCAN over the prefix.
func (k *RedisKV) Keys(ctx context.Context) ([]string, error) {
	match := "*"
	if k.prefix != "" {
		match = k.prefix + ":*"
	}

	var (
		keys   []string
		cursor uint64
	)
	for {
		batch, next, err := k.r.Scan(ctx, cursor, match, 100).Result()
		if err != nil {
			return nil, err
		}
		for _, nk := range batch {
			if k.prefix != "" {
				nk = strings.TrimPrefix(nk, k.prefix+":")
			}
			keys = append(keys, nk)
		}
		if next == 0 {
			break
		}
		cursor = next
	}
	return keys, nil
}

// Ensure RedisKV implements KV
var _ KV = (*RedisKV)(nil)
