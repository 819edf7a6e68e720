// Package kv is the relay's key-value fabric: a small abstraction over an
// edge store with TTLs and atomic read-modify-write. All cross-request
// coordination in the relay goes through a Store.
package kv

import (
	"context"
	"errors"
	"time"

	"github.com/wristlink/wristlink/wlerrors"
)

var (
	// ErrUnchanged is returned by an Update closure to commit nothing.
	ErrUnchanged = errors.New("kv: unchanged")
	// errCASMismatch is the internal signal that an optimistic write lost.
	errCASMismatch = errors.New("kv: cas mismatch")
)

// casAttempts bounds optimistic-write retries before reporting CONFLICT.
const casAttempts = 3

// Store is the relay's view of the underlying key-value fabric.
//
// Implementations serialise Update calls per key: concurrent updates to the
// same key behave as if executed one at a time, with losers retried up to a
// small bound and then failed with a CONFLICT code.
type Store interface {
	// Get returns the value at key, or a NOT_FOUND error when the key is
	// absent or expired.
	Get(ctx context.Context, key string) ([]byte, error)

	// Put writes value with the given TTL. A zero TTL means no expiry.
	Put(ctx context.Context, key string, value []byte, ttl time.Duration) error

	// Delete removes key. Deleting an absent key is not an error.
	Delete(ctx context.Context, key string) error

	// Update atomically transforms the value at key. fn receives nil when
	// the key is absent and returns the replacement value; returning
	// ErrUnchanged commits nothing. The written value gets the given TTL.
	Update(ctx context.Context, key string, ttl time.Duration, fn func(old []byte) ([]byte, error)) error

	// Close releases the store's background resources.
	Close() error
}

// NotFound builds the canonical missing-key error for a store implementation.
func NotFound(key string) error {
	return wlerrors.Wrap(wlerrors.PathKV, wlerrors.StageStore, wlerrors.CodeNotFound, errors.New("no such key: "+key))
}

// Conflict builds the canonical CAS-exhausted error for a store implementation.
func Conflict(key string) error {
	return wlerrors.Wrap(wlerrors.PathKV, wlerrors.StageStore, wlerrors.CodeConflict, errors.New("contended key: "+key))
}

// Unavailable wraps a backend failure as UPSTREAM_UNAVAILABLE.
func Unavailable(err error) error {
	return wlerrors.Wrap(wlerrors.PathKV, wlerrors.StageStore, wlerrors.CodeUpstreamUnavailable, err)
}

// IsNotFound reports whether err is a missing-key error.
func IsNotFound(err error) bool {
	return wlerrors.IsCode(err, wlerrors.CodeNotFound)
}
