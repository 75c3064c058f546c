// Package idempotency replays the stored response of a request whose
// Idempotency-Key was already seen.
package idempotency

import (
	"context"
	"time"

	redisadapter "github.com/robertarktes/event-ticketing/internal/adapters/redis"
)

const inFlightTTL = 30 * time.Second

type Store interface {
	Get(ctx context.Context, key string) (*redisadapter.IdempResponse, error)
	Set(ctx context.Context, key string, resp redisadapter.IdempResponse, ttl time.Duration) error
	Claim(ctx context.Context, key string, ttl time.Duration) (bool, error)
	Release(ctx context.Context, key string) error
}

type Idempotency struct {
	store Store
	ttl   time.Duration
}

func NewIdempotency(store Store, ttl time.Duration) *Idempotency {
	return &Idempotency{store: store, ttl: ttl}
}

type Response struct {
	Status      int
	ContentType string
	Result      []byte
}

// Get returns the stored response for key, or nil.
func (i *Idempotency) Get(ctx context.Context, key string) (*Response, error) {
	rec, err := i.store.Get(ctx, key)
	if err != nil || rec == nil {
		return nil, err
	}
	return &Response{Status: rec.Status, ContentType: rec.ContentType, Result: rec.Result}, nil
}

func (i *Idempotency) Set(ctx context.Context, key string, resp Response) error {
	return i.store.Set(ctx, key, redisadapter.IdempResponse{
		Status:      resp.Status,
		ContentType: resp.ContentType,
		Result:      resp.Result,
	}, i.ttl)
}

// Begin claims key for the current request. The returned func must be called
// once the response is stored or abandoned.
func (i *Idempotency) Begin(ctx context.Context, key string) (bool, func(), error) {
	ok, err := i.store.Claim(ctx, key, inFlightTTL)
	if err != nil || !ok {
		return false, func() {}, err
	}
	return true, func() { _ = i.store.Release(context.WithoutCancel(ctx), key) }, nil
}
