package kv

import (
	"context"
	"sync"
	"time"
)

// MemoryConfig configures the in-process store.
type MemoryConfig struct {
	JanitorInterval time.Duration    // Expired-entry sweep cadence (0 disables the janitor).
	Now             func() time.Time // Clock override for tests.
}

// DefaultMemoryConfig returns defaults suitable for single-node deployments
// and tests.
func DefaultMemoryConfig() MemoryConfig {
	return MemoryConfig{
		JanitorInterval: time.Second,
		Now:             time.Now,
	}
}

type memoryEntry struct {
	value     []byte
	expiresAt time.Time // Zero means no expiry.
}

// Memory is a mutex-guarded Store with TTL support. Update runs the closure
// under the lock, so per-key serialisation is inherent and CAS never loses.
type Memory struct {
	cfg MemoryConfig

	mu      sync.Mutex
	entries map[string]memoryEntry

	stopOnce sync.Once
	stopCh   chan struct{}
}

// NewMemory creates the store and starts the janitor when configured.
func NewMemory(cfg MemoryConfig) *Memory {
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	m := &Memory{
		cfg:     cfg,
		entries: make(map[string]memoryEntry),
		stopCh:  make(chan struct{}),
	}
	if cfg.JanitorInterval > 0 {
		go m.janitorLoop()
	}
	return m
}

func (m *Memory) Get(ctx context.Context, key string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.liveLocked(key)
	if !ok {
		return nil, NotFound(key)
	}
	out := make([]byte, len(e.value))
	copy(out, e.value)
	return out, nil
}

func (m *Memory) Put(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.putLocked(key, value, ttl)
	return nil
}

func (m *Memory) Delete(ctx context.Context, key string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.entries, key)
	return nil
}

func (m *Memory) Update(ctx context.Context, key string, ttl time.Duration, fn func(old []byte) ([]byte, error)) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	var old []byte
	if e, ok := m.liveLocked(key); ok {
		old = make([]byte, len(e.value))
		copy(old, e.value)
	}
	next, err := fn(old)
	if err != nil {
		if err == ErrUnchanged {
			return nil
		}
		return err
	}
	m.putLocked(key, next, ttl)
	return nil
}

func (m *Memory) Close() error {
	m.stopOnce.Do(func() { close(m.stopCh) })
	return nil
}

// liveLocked returns the entry at key if present and unexpired, pruning it
// otherwise. Callers hold m.mu.
func (m *Memory) liveLocked(key string) (memoryEntry, bool) {
	e, ok := m.entries[key]
	if !ok {
		return memoryEntry{}, false
	}
	if !e.expiresAt.IsZero() && !m.cfg.Now().Before(e.expiresAt) {
		delete(m.entries, key)
		return memoryEntry{}, false
	}
	return e, true
}

func (m *Memory) putLocked(key string, value []byte, ttl time.Duration) {
	e := memoryEntry{value: append([]byte(nil), value...)}
	if ttl > 0 {
		e.expiresAt = m.cfg.Now().Add(ttl)
	}
	m.entries[key] = e
}

func (m *Memory) janitorLoop() {
	t := time.NewTicker(m.cfg.JanitorInterval)
	defer t.Stop()
	for {
		select {
		case <-m.stopCh:
			return
		case <-t.C:
			now := m.cfg.Now()
			m.mu.Lock()
			for key, e := range m.entries {
				if !e.expiresAt.IsZero() && !now.Before(e.expiresAt) {
					delete(m.entries, key)
				}
			}
			m.mu.Unlock()
		}
	}
}
