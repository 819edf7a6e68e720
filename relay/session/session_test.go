package session

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/wristlink/wristlink/relay/kv"
	"github.com/wristlink/wristlink/relay/protocol"
	"github.com/wristlink/wristlink/wlerrors"
)

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func newTestClock() *testClock {
	return &testClock{now: time.Date(2026, 8, 24, 12, 0, 0, 0, time.UTC)}
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func newTestService(t *testing.T, clock *testClock) *Service {
	t.Helper()
	store := kv.NewMemory(kv.MemoryConfig{JanitorInterval: 0, Now: clock.Now})
	t.Cleanup(func() { store.Close() })
	svc, err := New(Config{Store: store, Now: clock.Now})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return svc
}

func snapshotAt(updatedAt time.Time, progress float64) protocol.ProgressSnapshot {
	return protocol.ProgressSnapshot{
		CurrentTask:    "build",
		Progress:       progress,
		CompletedCount: 1,
		TotalCount:     4,
		UpdatedAt:      updatedAt,
	}
}

func TestProgressLastWriteWins(t *testing.T) {
	ctx := context.Background()
	clock := newTestClock()
	svc := newTestService(t, clock)
	pid := uuid.NewString()

	newer := snapshotAt(clock.Now(), 0.5)
	if _, err := svc.PutProgress(ctx, pid, newer); err != nil {
		t.Fatalf("put newer: %v", err)
	}
	older := snapshotAt(clock.Now().Add(-time.Minute), 0.1)
	stored, err := svc.PutProgress(ctx, pid, older)
	if err != nil {
		t.Fatalf("put older: %v", err)
	}
	if stored.Progress != 0.5 {
		t.Fatalf("older snapshot displaced newer: %+v", stored)
	}

	got, err := svc.GetProgress(ctx, pid)
	if err != nil {
		t.Fatalf("GetProgress: %v", err)
	}
	if got == nil || got.Progress != 0.5 {
		t.Fatalf("visible snapshot: %+v", got)
	}
}

func TestProgressAssignsClock(t *testing.T) {
	ctx := context.Background()
	clock := newTestClock()
	svc := newTestService(t, clock)
	pid := uuid.NewString()

	stored, err := svc.PutProgress(ctx, pid, snapshotAt(time.Time{}, 0.2))
	if err != nil {
		t.Fatalf("PutProgress: %v", err)
	}
	if !stored.UpdatedAt.Equal(clock.Now()) {
		t.Fatalf("updatedAt: got %v, want server clock %v", stored.UpdatedAt, clock.Now())
	}
}

func TestProgressTTL(t *testing.T) {
	ctx := context.Background()
	clock := newTestClock()
	svc := newTestService(t, clock)
	pid := uuid.NewString()

	if _, err := svc.PutProgress(ctx, pid, snapshotAt(clock.Now(), 0.3)); err != nil {
		t.Fatalf("PutProgress: %v", err)
	}
	clock.Advance(5*time.Minute + time.Second)
	got, err := svc.GetProgress(ctx, pid)
	if err != nil {
		t.Fatalf("GetProgress: %v", err)
	}
	if got != nil {
		t.Fatalf("snapshot survived TTL: %+v", got)
	}
}

func TestProgressValidation(t *testing.T) {
	ctx := context.Background()
	clock := newTestClock()
	svc := newTestService(t, clock)
	pid := uuid.NewString()

	bad := snapshotAt(clock.Now(), 1.5)
	if _, err := svc.PutProgress(ctx, pid, bad); !wlerrors.IsCode(err, wlerrors.CodeInvalidInput) {
		t.Fatalf("progress out of range: got %v, want INVALID_INPUT", err)
	}
	bad = snapshotAt(clock.Now(), 0.5)
	bad.CompletedCount = 5
	bad.TotalCount = 4
	if _, err := svc.PutProgress(ctx, pid, bad); !wlerrors.IsCode(err, wlerrors.CodeInvalidInput) {
		t.Fatalf("count out of range: got %v, want INVALID_INPUT", err)
	}
}

func TestClearProgress(t *testing.T) {
	ctx := context.Background()
	clock := newTestClock()
	svc := newTestService(t, clock)
	pid := uuid.NewString()

	if _, err := svc.PutProgress(ctx, pid, snapshotAt(clock.Now(), 0.3)); err != nil {
		t.Fatalf("PutProgress: %v", err)
	}
	if err := svc.ClearProgress(ctx, pid); err != nil {
		t.Fatalf("ClearProgress: %v", err)
	}
	got, err := svc.GetProgress(ctx, pid)
	if err != nil {
		t.Fatalf("GetProgress: %v", err)
	}
	if got != nil {
		t.Fatalf("snapshot survived clear: %+v", got)
	}
}

func TestControlMachine(t *testing.T) {
	ctx := context.Background()
	clock := newTestClock()
	svc := newTestService(t, clock)
	pid := uuid.NewString()

	// Missing state means active.
	active, state, err := svc.Status(ctx, pid)
	if err != nil {
		t.Fatalf("Status: %v", err)
	}
	if !active || state != StateActive {
		t.Fatalf("fresh session: active=%v state=%q", active, state)
	}

	interrupted, state, err := svc.Interrupt(ctx, pid, protocol.ActionStop)
	if err != nil {
		t.Fatalf("stop: %v", err)
	}
	if !interrupted || state != StatePaused {
		t.Fatalf("after stop: interrupted=%v state=%q", interrupted, state)
	}

	// Stopping a paused session is a no-op.
	interrupted, state, err = svc.Interrupt(ctx, pid, protocol.ActionStop)
	if err != nil {
		t.Fatalf("second stop: %v", err)
	}
	if !interrupted || state != StatePaused {
		t.Fatalf("after second stop: interrupted=%v state=%q", interrupted, state)
	}

	interrupted, state, err = svc.Interrupt(ctx, pid, protocol.ActionResume)
	if err != nil {
		t.Fatalf("resume: %v", err)
	}
	if interrupted || state != StateActive {
		t.Fatalf("after resume: interrupted=%v state=%q", interrupted, state)
	}

	if _, _, err = svc.Interrupt(ctx, pid, protocol.ActionStop); err != nil {
		t.Fatalf("stop again: %v", err)
	}
	interrupted, state, err = svc.Interrupt(ctx, pid, protocol.ActionClear)
	if err != nil {
		t.Fatalf("clear: %v", err)
	}
	if interrupted || state != StateActive {
		t.Fatalf("after clear: interrupted=%v state=%q", interrupted, state)
	}

	gotInterrupted, gotAction, err := svc.InterruptState(ctx, pid)
	if err != nil {
		t.Fatalf("InterruptState: %v", err)
	}
	if gotInterrupted || gotAction != protocol.ActionClear {
		t.Fatalf("InterruptState: interrupted=%v action=%q", gotInterrupted, gotAction)
	}
}

func TestEndIsTerminal(t *testing.T) {
	ctx := context.Background()
	clock := newTestClock()
	svc := newTestService(t, clock)
	pid := uuid.NewString()

	if err := svc.End(ctx, pid); err != nil {
		t.Fatalf("End: %v", err)
	}
	active, state, err := svc.Status(ctx, pid)
	if err != nil {
		t.Fatalf("Status: %v", err)
	}
	if active || state != StateEnded {
		t.Fatalf("after end: active=%v state=%q", active, state)
	}

	if _, _, err := svc.Interrupt(ctx, pid, protocol.ActionResume); !wlerrors.IsCode(err, wlerrors.CodeConflict) {
		t.Fatalf("interrupt after end: got %v, want CONFLICT", err)
	}
	// Ending twice is fine.
	if err := svc.End(ctx, pid); err != nil {
		t.Fatalf("End replay: %v", err)
	}
}

func TestInterruptValidation(t *testing.T) {
	ctx := context.Background()
	svc := newTestService(t, newTestClock())
	pid := uuid.NewString()

	if _, _, err := svc.Interrupt(ctx, pid, "detonate"); !wlerrors.IsCode(err, wlerrors.CodeInvalidInput) {
		t.Fatalf("bad action: got %v, want INVALID_INPUT", err)
	}
	if _, _, err := svc.Interrupt(ctx, "not-a-uuid", protocol.ActionStop); !wlerrors.IsCode(err, wlerrors.CodeInvalidInput) {
		t.Fatalf("bad pairing id: got %v, want INVALID_INPUT", err)
	}
}

func TestMode(t *testing.T) {
	ctx := context.Background()
	svc := newTestService(t, newTestClock())
	pid := uuid.NewString()

	mode, err := svc.Mode(ctx, pid)
	if err != nil {
		t.Fatalf("Mode: %v", err)
	}
	if mode != protocol.ModeManual {
		t.Fatalf("default mode: got %q, want manual", mode)
	}

	if err := svc.SetMode(ctx, pid, protocol.ModeAutoAccept); err != nil {
		t.Fatalf("SetMode: %v", err)
	}
	mode, err = svc.Mode(ctx, pid)
	if err != nil {
		t.Fatalf("Mode after set: %v", err)
	}
	if mode != protocol.ModeAutoAccept {
		t.Fatalf("mode after set: got %q", mode)
	}

	if err := svc.SetMode(ctx, pid, "turbo"); !wlerrors.IsCode(err, wlerrors.CodeInvalidInput) {
		t.Fatalf("bad mode: got %v, want INVALID_INPUT", err)
	}
}
