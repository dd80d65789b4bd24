package replay

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemorySetSingleUse(t *testing.T) {
	s := NewMemorySet(time.Minute)
	ctx := context.Background()
	exp := time.Now().Add(time.Minute)

	first, err := s.Use(ctx, "token-a", exp)
	require.NoError(t, err)
	assert.True(t, first)

	second, err := s.Use(ctx, "token-a", exp)
	require.NoError(t, err)
	assert.False(t, second, "same token value must be rejected")

	other, err := s.Use(ctx, "token-b", exp)
	require.NoError(t, err)
	assert.True(t, other, "distinct tokens are independent")
}

func TestMemorySetEntryExpires(t *testing.T) {
	s := NewMemorySet(time.Minute)
	ctx := context.Background()

	// Entry whose token expiry has already passed no longer blocks. The
	// admission layer rejects such tokens on expiry before reaching the set,
	// so re-admitting here is safe.
	_, err := s.Use(ctx, "token-a", time.Now().Add(10*time.Millisecond))
	require.NoError(t, err)

	time.Sleep(20 * time.Millisecond)
	again, err := s.Use(ctx, "token-a", time.Now().Add(time.Minute))
	require.NoError(t, err)
	assert.True(t, again)
}

func TestRedisSetSingleUse(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	s := NewRedisSet(client)
	ctx := context.Background()
	exp := time.Now().Add(time.Minute)

	first, err := s.Use(ctx, "token-a", exp)
	require.NoError(t, err)
	assert.True(t, first)

	second, err := s.Use(ctx, "token-a", exp)
	require.NoError(t, err)
	assert.False(t, second)

	// Entries disappear once the token itself has expired.
	mr.FastForward(2 * time.Minute)
	again, err := s.Use(ctx, "token-a", time.Now().Add(time.Minute))
	require.NoError(t, err)
	assert.True(t, again)
}

func TestRedisSetExpiredTokenNeverFirstUse(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	s := NewRedisSet(client)

	ok, err := s.Use(context.Background(), "stale", time.Now().Add(-time.Second))
	require.NoError(t, err)
	assert.False(t, ok)
}
