package rateLimit_test

import (
	"context"
	"testing"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/go-redis/redismock/v9"
	redisadapter "github.com/robertarktes/event-ticketing/internal/adapters/redis"
	"github.com/robertarktes/event-ticketing/internal/rateLimit"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRateLimiter_Allow(t *testing.T) {
	db, mock := redismock.NewClientMock()
	defer mock.ClearExpect()
	rl := rateLimit.NewRateLimiter(redisadapter.NewCache(db))
	ctx := context.Background()

	mock.ExpectIncr("rl:user:42").SetVal(2)
	mock.ExpectExpireNX("rl:user:42", time.Minute).SetVal(false)

	ok, err := rl.Allow(ctx, "user:42", 2, time.Minute)
	require.NoError(t, err)
	assert.True(t, ok)

	mock.ExpectIncr("rl:user:42").SetVal(3)
	mock.ExpectExpireNX("rl:user:42", time.Minute).SetVal(false)

	ok, err = rl.Allow(ctx, "user:42", 2, time.Minute)
	require.NoError(t, err)
	assert.False(t, ok)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRateLimiter_RedisError(t *testing.T) {
	db, mock := redismock.NewClientMock()
	defer mock.ClearExpect()
	rl := rateLimit.NewRateLimiter(redisadapter.NewCache(db))

	mock.ExpectIncr("rl:ip:1.2.3.4").SetErr(errors.New("connection reset"))

	ok, err := rl.Allow(context.Background(), "ip:1.2.3.4", 10, time.Minute)
	assert.Error(t, err)
	assert.False(t, ok)
}
