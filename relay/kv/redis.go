package kv

import (
	"context"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/wristlink/wristlink/wlerrors"
)

// Redis is a Store backed by a single redis instance. TTLs map to PX expiry;
// Update uses WATCH/MULTI optimistic transactions, retrying CAS losers up to
// casAttempts before reporting CONFLICT.
type Redis struct {
	client *redis.Client
}

// NewRedis wraps an injected client. The caller owns client configuration
// (addr, auth, pool); Close does not close the client.
func NewRedis(client *redis.Client) *Redis {
	return &Redis{client: client}
}

func (r *Redis) Get(ctx context.Context, key string) ([]byte, error) {
	val, err := r.client.Get(ctx, key).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, NotFound(key)
		}
		return nil, Unavailable(err)
	}
	return val, nil
}

func (r *Redis) Put(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	if err := r.client.Set(ctx, key, value, ttl).Err(); err != nil {
		return Unavailable(err)
	}
	return nil
}

func (r *Redis) Delete(ctx context.Context, key string) error {
	if err := r.client.Del(ctx, key).Err(); err != nil {
		return Unavailable(err)
	}
	return nil
}

func (r *Redis) Update(ctx context.Context, key string, ttl time.Duration, fn func(old []byte) ([]byte, error)) error {
	txn := func(tx *redis.Tx) error {
		old, err := tx.Get(ctx, key).Bytes()
		switch {
		case errors.Is(err, redis.Nil):
			old = nil
		case err != nil:
			return err
		}
		next, err := fn(old)
		if err != nil {
			return err
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, next, ttl)
			return nil
		})
		return err
	}

	for attempt := 0; attempt < casAttempts; attempt++ {
		err := r.client.Watch(ctx, txn, key)
		switch {
		case err == nil:
			return nil
		case errors.Is(err, ErrUnchanged):
			return nil
		case errors.Is(err, redis.TxFailedErr):
			// Lost the optimistic write; reread and retry.
			continue
		default:
			// Closure errors already carry their own code; anything else is
			// a backend failure.
			var we *wlerrors.Error
			if errors.As(err, &we) {
				return err
			}
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				return err
			}
			return Unavailable(err)
		}
	}
	return Conflict(key)
}

func (r *Redis) Close() error { return nil }
