package store

import (
	"context"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/punchamoorthee/payreq/internal/domain"
)

// setupTestRedis creates a miniredis-backed store for testing
func setupTestRedis(t *testing.T) (*RedisStore, *miniredis.Miniredis) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	s := NewRedisStore(client)
	t.Cleanup(s.Close)
	return s, mr
}

func TestRedisStore(t *testing.T) {
	runStoreSuite(t, func(t *testing.T) Store {
		s, _ := setupTestRedis(t)
		return s
	})
}

func TestRedisStoreKeepsHiddenFields(t *testing.T) {
	s, mr := setupTestRedis(t)
	ctx := context.Background()

	r := newRequest(t, s, "A", "B", 10)
	r.IdempotencyKey = "k"
	r.RequestHash = "hash"
	require.NoError(t, s.Put(ctx, r))

	assert.True(t, mr.Exists("payreq:idem:k"))

	got, err := s.Get(ctx, r.ID)
	require.NoError(t, err)
	assert.Equal(t, "k", got.IdempotencyKey)
	assert.Equal(t, "hash", got.RequestHash)
}

func TestRedisStoreDuplicateReleasesIdempotencyKey(t *testing.T) {
	s, mr := setupTestRedis(t)
	ctx := context.Background()

	r := newRequest(t, s, "A", "B", 10)
	require.NoError(t, s.Put(ctx, r))

	dup := r
	dup.IdempotencyKey = "fresh"
	assert.ErrorIs(t, s.Put(ctx, dup), domain.ErrDuplicateID)
	assert.False(t, mr.Exists("payreq:idem:fresh"))
}

func TestRedisStorePutFailureWritesNothing(t *testing.T) {
	s, mr := setupTestRedis(t)
	ctx := context.Background()

	require.NoError(t, mr.Set(redisIndexKey, "not a sorted set"))

	r := newRequest(t, s, "A", "B", 10)
	r.IdempotencyKey = "k"
	require.Error(t, s.Put(ctx, r))

	assert.False(t, mr.Exists(s.key(r.ID)))
	assert.False(t, mr.Exists("payreq:idem:k"))
	_, err := s.Get(ctx, r.ID)
	assert.ErrorIs(t, err, domain.ErrNotFound)
	_, err = s.FindByIdempotencyKey(ctx, "k")
	assert.ErrorIs(t, err, domain.ErrNotFound)

	mr.Del(redisIndexKey)
	require.NoError(t, s.Put(ctx, r))

	all, err := s.Scan(ctx, 0, 0, domain.Filter{})
	require.NoError(t, err)
	require.Len(t, all, 1)
	assert.Equal(t, r.ID, all[0].ID)

	got, err := s.FindByIdempotencyKey(ctx, "k")
	require.NoError(t, err)
	assert.Equal(t, r.ID, got.ID)
}

func TestRedisStoreConcurrentPutsSameKey(t *testing.T) {
	s, _ := setupTestRedis(t)
	ctx := context.Background()

	const n = 8
	errs := make(chan error, n)
	for i := 0; i < n; i++ {
		r := newRequest(t, s, "A", "B", 10)
		r.IdempotencyKey = "shared"
		go func() { errs <- s.Put(ctx, r) }()
	}

	var won int
	for i := 0; i < n; i++ {
		err := <-errs
		if err == nil {
			won++
			continue
		}
		assert.ErrorIs(t, err, domain.ErrIdempotencyConflict)
	}
	assert.Equal(t, 1, won)

	all, err := s.Scan(ctx, 0, 0, domain.Filter{})
	require.NoError(t, err)
	assert.Len(t, all, 1)
}

func TestRedisStoreScanSpansBatches(t *testing.T) {
	s, _ := setupTestRedis(t)
	ctx := context.Background()

	total := scanBatch + 10
	for i := 0; i < total; i++ {
		require.NoError(t, s.Put(ctx, newRequest(t, s, "A", "B", 1)))
	}

	all, err := s.Scan(ctx, 0, 0, domain.Filter{})
	require.NoError(t, err)
	assert.Len(t, all, total)
	assert.Equal(t, int64(total), all[len(all)-1].ID)
}
