package relayclient

import (
	"context"
	"math/rand"
	"time"

	"github.com/wristlink/wristlink/wlerrors"
)

// RetryConfig bounds a Retry loop.
type RetryConfig struct {
	// MaxAttempts is the total number of attempts including the first.
	MaxAttempts int
	// InitialBackoff is the delay before the second attempt.
	InitialBackoff time.Duration
	// MaxBackoff caps the delay before jitter.
	MaxBackoff time.Duration
	// Multiplier is the per-attempt growth factor.
	Multiplier float64
	// Jitter is the fraction of the delay randomized both ways.
	Jitter float64
	// Retryable decides which errors are worth another attempt. Nil means
	// transport and upstream failures.
	Retryable func(error) bool
}

// DefaultRetryConfig returns the bridge's production retry budget.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxAttempts:    5,
		InitialBackoff: 500 * time.Millisecond,
		MaxBackoff:     15 * time.Second,
		Multiplier:     2,
		Jitter:         0.2,
	}
}

func (cfg RetryConfig) withDefaults() RetryConfig {
	d := DefaultRetryConfig()
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = d.MaxAttempts
	}
	if cfg.InitialBackoff <= 0 {
		cfg.InitialBackoff = d.InitialBackoff
	}
	if cfg.MaxBackoff <= 0 {
		cfg.MaxBackoff = d.MaxBackoff
	}
	if cfg.Multiplier < 1 {
		cfg.Multiplier = d.Multiplier
	}
	if cfg.Jitter < 0 || cfg.Jitter >= 1 {
		cfg.Jitter = d.Jitter
	}
	if cfg.Retryable == nil {
		cfg.Retryable = transient
	}
	return cfg
}

// transient reports whether err means the relay was unreachable or degraded
// rather than a definitive verdict.
func transient(err error) bool {
	switch wlerrors.CodeOf(err) {
	case wlerrors.CodeTransport, wlerrors.CodeUpstreamUnavailable:
		return true
	default:
		return false
	}
}

// backoffDelay computes the jittered delay after retry n (0-based), with u
// drawn uniform from [0,1).
func backoffDelay(cfg RetryConfig, n int, u float64) time.Duration {
	d := float64(cfg.InitialBackoff)
	for i := 0; i < n; i++ {
		d *= cfg.Multiplier
		if d >= float64(cfg.MaxBackoff) {
			d = float64(cfg.MaxBackoff)
			break
		}
	}
	if d > float64(cfg.MaxBackoff) {
		d = float64(cfg.MaxBackoff)
	}
	if cfg.Jitter > 0 {
		d *= 1 - cfg.Jitter + 2*cfg.Jitter*u
	}
	return time.Duration(d)
}

// Retry runs fn until it succeeds, fails terminally, or the attempt budget
// runs out. The last error is returned; cancellation during a backoff wait
// reports CANCELLED.
func Retry(ctx context.Context, cfg RetryConfig, fn func(ctx context.Context) error) error {
	cfg = cfg.withDefaults()
	var err error
	for attempt := 0; attempt < cfg.MaxAttempts; attempt++ {
		if attempt > 0 {
			timer := time.NewTimer(backoffDelay(cfg, attempt-1, rand.Float64()))
			select {
			case <-ctx.Done():
				timer.Stop()
				return wlerrors.Wrap(wlerrors.PathClient, wlerrors.StageDispatch, wlerrors.CodeCancelled, ctx.Err())
			case <-timer.C:
			}
		}
		if err = fn(ctx); err == nil {
			return nil
		}
		if !cfg.Retryable(err) {
			return err
		}
	}
	return err
}
