package redis_test

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/go-redis/redismock/v9"
	redisadapter "github.com/robertarktes/event-ticketing/internal/adapters/redis"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const unlockScript = `if redis.call("GET", KEYS[1]) == ARGV[1] then return redis.call("DEL", KEYS[1]) else return 0 end`

func TestCache_TryLockAndUnlock(t *testing.T) {
	db, mock := redismock.NewClientMock()
	defer mock.ClearExpect()
	cache := redisadapter.NewCache(db)
	ctx := context.Background()

	mock.ExpectSetNX("lock:expiry-sweep", "replica-a", time.Minute).SetVal(true)
	mock.ExpectSetNX("lock:expiry-sweep", "replica-b", time.Minute).SetVal(false)
	mock.ExpectEval(unlockScript, []string{"lock:expiry-sweep"}, "replica-a").SetVal(int64(1))

	ok, err := cache.TryLock(ctx, "expiry-sweep", "replica-a", time.Minute)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = cache.TryLock(ctx, "expiry-sweep", "replica-b", time.Minute)
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, cache.Unlock(ctx, "expiry-sweep", "replica-a"))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestIdempotency_GetSet(t *testing.T) {
	db, mock := redismock.NewClientMock()
	defer mock.ClearExpect()
	store := redisadapter.NewIdempotency(db)
	ctx := context.Background()

	resp := redisadapter.IdempResponse{Status: 201, ContentType: "application/json", Result: []byte(`{"ok":true}`)}
	data, err := json.Marshal(resp)
	require.NoError(t, err)

	mock.ExpectGet("idemp:k1").RedisNil()
	mock.ExpectSet("idemp:k1", data, time.Hour).SetVal("OK")
	mock.ExpectGet("idemp:k1").SetVal(string(data))

	got, err := store.Get(ctx, "k1")
	require.NoError(t, err)
	assert.Nil(t, got)

	require.NoError(t, store.Set(ctx, "k1", resp, time.Hour))

	got, err = store.Get(ctx, "k1")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, resp, *got)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestIdempotency_ClaimRelease(t *testing.T) {
	db, mock := redismock.NewClientMock()
	defer mock.ClearExpect()
	store := redisadapter.NewIdempotency(db)
	ctx := context.Background()

	mock.ExpectSetNX("idemp:lock:k2", 1, 30*time.Second).SetVal(true)
	mock.ExpectSetNX("idemp:lock:k2", 1, 30*time.Second).SetVal(false)
	mock.ExpectDel("idemp:lock:k2").SetVal(1)

	ok, err := store.Claim(ctx, "k2", 30*time.Second)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = store.Claim(ctx, "k2", 30*time.Second)
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, store.Release(ctx, "k2"))
	assert.NoError(t, mock.ExpectationsWereMet())
}
