package relayclient

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/wristlink/wristlink/wlerrors"
)

func transportErr() error {
	return wlerrors.Wrap(wlerrors.PathClient, wlerrors.StageDispatch, wlerrors.CodeTransport, errors.New("connection refused"))
}

func fastRetryConfig() RetryConfig {
	return RetryConfig{
		MaxAttempts:    5,
		InitialBackoff: time.Millisecond,
		MaxBackoff:     2 * time.Millisecond,
		Multiplier:     2,
		Jitter:         0.2,
	}
}

func TestRetrySucceedsAfterTransient(t *testing.T) {
	calls := 0
	err := Retry(context.Background(), fastRetryConfig(), func(ctx context.Context) error {
		calls++
		if calls < 3 {
			return transportErr()
		}
		return nil
	})
	if err != nil {
		t.Fatalf("Retry: %v", err)
	}
	if calls != 3 {
		t.Fatalf("calls: %d", calls)
	}
}

func TestRetryStopsOnTerminal(t *testing.T) {
	calls := 0
	err := Retry(context.Background(), fastRetryConfig(), func(ctx context.Context) error {
		calls++
		return wlerrors.Wrap(wlerrors.PathClient, wlerrors.StageDispatch, wlerrors.CodeNotFound, errors.New("gone"))
	})
	if !wlerrors.IsCode(err, wlerrors.CodeNotFound) {
		t.Fatalf("Retry: %v", err)
	}
	if calls != 1 {
		t.Fatalf("calls: %d", calls)
	}
}

func TestRetryExhaustsBudget(t *testing.T) {
	cfg := fastRetryConfig()
	cfg.MaxAttempts = 3
	calls := 0
	err := Retry(context.Background(), cfg, func(ctx context.Context) error {
		calls++
		return transportErr()
	})
	if !wlerrors.IsCode(err, wlerrors.CodeTransport) {
		t.Fatalf("Retry: %v", err)
	}
	if calls != 3 {
		t.Fatalf("calls: %d", calls)
	}
}

func TestRetryCancelledDuringBackoff(t *testing.T) {
	cfg := fastRetryConfig()
	cfg.InitialBackoff = time.Hour
	cfg.MaxBackoff = time.Hour
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()

	start := time.Now()
	err := Retry(ctx, cfg, func(ctx context.Context) error { return transportErr() })
	if !wlerrors.IsCode(err, wlerrors.CodeCancelled) {
		t.Fatalf("Retry: %v", err)
	}
	if elapsed := time.Since(start); elapsed > 5*time.Second {
		t.Fatalf("Retry blocked for %v", elapsed)
	}
}

func TestBackoffDelayBounds(t *testing.T) {
	cfg := RetryConfig{
		InitialBackoff: 500 * time.Millisecond,
		MaxBackoff:     15 * time.Second,
		Multiplier:     2,
		Jitter:         0.2,
	}
	for n := 0; n < 8; n++ {
		base := float64(cfg.InitialBackoff)
		for i := 0; i < n; i++ {
			base *= cfg.Multiplier
			if base > float64(cfg.MaxBackoff) {
				base = float64(cfg.MaxBackoff)
				break
			}
		}
		lo := time.Duration(base * (1 - cfg.Jitter))
		hi := time.Duration(base * (1 + cfg.Jitter))
		for _, u := range []float64{0, 0.25, 0.5, 0.75, 1} {
			got := backoffDelay(cfg, n, u)
			if got < lo || got > hi {
				t.Fatalf("backoffDelay(n=%d, u=%v) = %v, want within [%v, %v]", n, u, got, lo, hi)
			}
		}
	}
	// The cap holds even far beyond the growth horizon.
	if got := backoffDelay(cfg, 40, 1); got > time.Duration(float64(cfg.MaxBackoff)*(1+cfg.Jitter)) {
		t.Fatalf("backoffDelay cap: %v", got)
	}
}
