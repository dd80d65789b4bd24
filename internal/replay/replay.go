// Package replay enforces single use of stream tokens. A token value may be
// presented to Use exactly once before its expiry; every later presentation
// is a replay.
package replay

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/redis/go-redis/v9"
)

// Set records consumed tokens until they expire on their own.
type Set interface {
	// Use marks token as consumed. It returns true on first use and false
	// when the token was already consumed and has not yet expired.
	Use(ctx context.Context, token string, expiresAt time.Time) (bool, error)
}

// Tokens are keyed by digest so the set never stores raw capabilities.
func digest(token string) string {
	sum := sha256.Sum256([]byte(token))
	return hex.EncodeToString(sum[:])
}

// MemorySet is the single-process implementation: an expirable LRU whose
// background sweep removes entries after maxTTL. Capacity must be sized well
// above tokens-issued-per-TTL; an evicted unexpired entry would re-admit.
type MemorySet struct {
	cache *expirable.LRU[string, time.Time]
}

const defaultCapacity = 100_000

// NewMemorySet builds a set whose entries are purged maxTTL after insertion.
// maxTTL must be at least the longest stream-token TTL in use.
func NewMemorySet(maxTTL time.Duration) *MemorySet {
	if maxTTL <= 0 {
		maxTTL = 5 * time.Minute
	}
	return &MemorySet{
		cache: expirable.NewLRU[string, time.Time](defaultCapacity, nil, maxTTL),
	}
}

func (s *MemorySet) Use(_ context.Context, token string, expiresAt time.Time) (bool, error) {
	key := digest(token)
	if seen, ok := s.cache.Get(key); ok && time.Now().Before(seen) {
		return false, nil
	}
	s.cache.Add(key, expiresAt)
	return true, nil
}

// Len reports live entries, for the gateway health snapshot.
func (s *MemorySet) Len() int {
	return s.cache.Len()
}

// RedisSet backs the replay set with a shared key/value store so multiple
// gateways enforce single use together. SET NX with a deadline gives atomic
// first-use semantics and automatic expiry.
type RedisSet struct {
	client *redis.Client
	prefix string
}

func NewRedisSet(client *redis.Client) *RedisSet {
	return &RedisSet{client: client, prefix: "stream_token_used:"}
}

func (s *RedisSet) Use(ctx context.Context, token string, expiresAt time.Time) (bool, error) {
	ttl := time.Until(expiresAt)
	if ttl <= 0 {
		// Expired tokens never reach the set; treat as already used.
		return false, nil
	}
	return s.client.SetNX(ctx, s.prefix+digest(token), 1, ttl).Result()
}
