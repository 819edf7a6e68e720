package kv

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

// testClock is a hand-advanced clock for TTL tests.
type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func newTestClock() *testClock {
	return &testClock{now: time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)}
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

func newTestMemory(clock *testClock) *Memory {
	return NewMemory(MemoryConfig{JanitorInterval: 0, Now: clock.Now})
}

func TestMemoryGetPutDelete(t *testing.T) {
	ctx := context.Background()
	m := newTestMemory(newTestClock())
	defer m.Close()

	if _, err := m.Get(ctx, "missing"); !IsNotFound(err) {
		t.Fatalf("expected not found, got %v", err)
	}

	if err := m.Put(ctx, "k", []byte("v1"), 0); err != nil {
		t.Fatalf("Put failed: %v", err)
	}
	got, err := m.Get(ctx, "k")
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if string(got) != "v1" {
		t.Fatalf("expected v1, got %q", got)
	}

	if err := m.Delete(ctx, "k"); err != nil {
		t.Fatalf("Delete failed: %v", err)
	}
	if _, err := m.Get(ctx, "k"); !IsNotFound(err) {
		t.Fatalf("expected not found after delete, got %v", err)
	}
	// Deleting again is fine.
	if err := m.Delete(ctx, "k"); err != nil {
		t.Fatalf("repeat Delete failed: %v", err)
	}
}

func TestMemoryTTL(t *testing.T) {
	ctx := context.Background()
	clock := newTestClock()
	m := newTestMemory(clock)
	defer m.Close()

	if err := m.Put(ctx, "k", []byte("v"), 5*time.Minute); err != nil {
		t.Fatalf("Put failed: %v", err)
	}
	clock.Advance(5*time.Minute - time.Second)
	if _, err := m.Get(ctx, "k"); err != nil {
		t.Fatalf("key expired early: %v", err)
	}
	clock.Advance(2 * time.Second)
	if _, err := m.Get(ctx, "k"); !IsNotFound(err) {
		t.Fatalf("expected expiry, got %v", err)
	}
}

func TestMemoryUpdate(t *testing.T) {
	ctx := context.Background()
	m := newTestMemory(newTestClock())
	defer m.Close()

	// Absent key: closure sees nil.
	err := m.Update(ctx, "k", 0, func(old []byte) ([]byte, error) {
		if old != nil {
			t.Fatalf("expected nil old value, got %q", old)
		}
		return []byte("1"), nil
	})
	if err != nil {
		t.Fatalf("Update failed: %v", err)
	}

	// Present key: closure sees prior value.
	err = m.Update(ctx, "k", 0, func(old []byte) ([]byte, error) {
		if string(old) != "1" {
			t.Fatalf("expected old value 1, got %q", old)
		}
		return []byte("2"), nil
	})
	if err != nil {
		t.Fatalf("Update failed: %v", err)
	}
	got, _ := m.Get(ctx, "k")
	if string(got) != "2" {
		t.Fatalf("expected 2, got %q", got)
	}

	// ErrUnchanged commits nothing.
	err = m.Update(ctx, "k", 0, func(old []byte) ([]byte, error) {
		return nil, ErrUnchanged
	})
	if err != nil {
		t.Fatalf("unchanged Update failed: %v", err)
	}
	got, _ = m.Get(ctx, "k")
	if string(got) != "2" {
		t.Fatalf("value must be untouched, got %q", got)
	}

	// Closure errors propagate.
	boom := errors.New("boom")
	if err := m.Update(ctx, "k", 0, func([]byte) ([]byte, error) { return nil, boom }); !errors.Is(err, boom) {
		t.Fatalf("expected closure error, got %v", err)
	}
}

func TestMemoryUpdateSerialised(t *testing.T) {
	ctx := context.Background()
	m := newTestMemory(newTestClock())
	defer m.Close()

	const workers = 16
	const perWorker = 50
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < perWorker; j++ {
				err := m.Update(ctx, "counter", 0, func(old []byte) ([]byte, error) {
					if old == nil {
						return []byte{1}, nil
					}
					return append([]byte(nil), old[0]+1), nil
				})
				if err != nil {
					t.Errorf("Update failed: %v", err)
					return
				}
			}
		}()
	}
	wg.Wait()

	got, err := m.Get(ctx, "counter")
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if int(got[0]) != (workers*perWorker)%256 {
		t.Fatalf("lost updates: got %d", got[0])
	}
}

func TestMemoryJanitorPrunes(t *testing.T) {
	ctx := context.Background()
	m := NewMemory(MemoryConfig{JanitorInterval: 10 * time.Millisecond})
	defer m.Close()

	if err := m.Put(ctx, "k", []byte("v"), 20*time.Millisecond); err != nil {
		t.Fatalf("Put failed: %v", err)
	}
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		m.mu.Lock()
		_, present := m.entries["k"]
		m.mu.Unlock()
		if !present {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("janitor did not prune the expired entry")
}

func TestMemoryValueIsolation(t *testing.T) {
	ctx := context.Background()
	m := newTestMemory(newTestClock())
	defer m.Close()

	val := []byte("abc")
	if err := m.Put(ctx, "k", val, 0); err != nil {
		t.Fatalf("Put failed: %v", err)
	}
	val[0] = 'X'

	got, _ := m.Get(ctx, "k")
	if string(got) != "abc" {
		t.Fatalf("store must copy on write, got %q", got)
	}
	got[0] = 'Y'
	again, _ := m.Get(ctx, "k")
	if string(again) != "abc" {
		t.Fatalf("store must copy on read, got %q", again)
	}
}
