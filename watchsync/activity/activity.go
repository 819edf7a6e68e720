// Package activity keeps the short on-watch history of notable events:
// approvals granted, questions answered, tasks finishing. The list is small,
// newest-first, and survives restarts as a single CBOR file.
package activity

import (
	"errors"
	"io/fs"
	"os"
	"sync"
	"time"

	"github.com/fxamacker/cbor/v2"
	"github.com/rs/zerolog"
	"github.com/wristlink/wristlink/internal/securefile"
	"github.com/wristlink/wristlink/wlerrors"
)

const (
	// DefaultCapacity bounds the history length.
	DefaultCapacity = 100
	// DefaultTTL expires entries a day after they happened.
	DefaultTTL = 24 * time.Hour
)

// Event is one history entry.
type Event struct {
	Kind      string    `cbor:"1,keyasint"`
	Title     string    `cbor:"2,keyasint"`
	Subtitle  string    `cbor:"3,keyasint,omitempty"`
	SessionID string    `cbor:"4,keyasint,omitempty"`
	At        time.Time `cbor:"5,keyasint"`
}

// fileRecord is the on-disk envelope. The version gate lets a future format
// change discard old files instead of misreading them.
type fileRecord struct {
	Version int     `cbor:"1,keyasint"`
	Events  []Event `cbor:"2,keyasint"`
}

const fileVersion = 1

// Config wires a Store. Zero values take the defaults above.
type Config struct {
	Path     string
	Capacity int
	TTL      time.Duration
	Logger   zerolog.Logger
	Now      func() time.Time
}

// Store holds the history. Safe for concurrent use.
type Store struct {
	path     string
	capacity int
	ttl      time.Duration
	log      zerolog.Logger
	now      func() time.Time

	mu     sync.Mutex
	events []Event // newest first
}

// Open loads the history file. A missing or unreadable file starts an empty
// history rather than failing: the list is a convenience, never a source of
// truth.
func Open(cfg Config) (*Store, error) {
	if cfg.Path == "" {
		return nil, wlerrors.Wrap(wlerrors.PathSync, wlerrors.StageValidate, wlerrors.CodeInvalidInput,
			errors.New("activity path is required"))
	}
	if cfg.Capacity <= 0 {
		cfg.Capacity = DefaultCapacity
	}
	if cfg.TTL <= 0 {
		cfg.TTL = DefaultTTL
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	s := &Store{
		path:     cfg.Path,
		capacity: cfg.Capacity,
		ttl:      cfg.TTL,
		log:      cfg.Logger.With().Str("path", cfg.Path).Logger(),
		now:      cfg.Now,
	}
	data, err := os.ReadFile(cfg.Path)
	switch {
	case errors.Is(err, fs.ErrNotExist):
		return s, nil
	case err != nil:
		s.log.Warn().Err(err).Msg("activity history unreadable, starting empty")
		return s, nil
	}
	var rec fileRecord
	if err := cbor.Unmarshal(data, &rec); err != nil || rec.Version != fileVersion {
		s.log.Warn().Err(err).Int("version", rec.Version).Msg("activity history unusable, starting empty")
		return s, nil
	}
	s.events = rec.Events
	s.prune(s.now())
	return s, nil
}

// Record prepends one event and persists. Persistence failures are logged
// and swallowed; the in-memory list stays correct either way.
func (s *Store) Record(kind, title, subtitle, sessionID string) {
	now := s.now()
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append([]Event{{
		Kind:      kind,
		Title:     title,
		Subtitle:  subtitle,
		SessionID: sessionID,
		At:        now,
	}}, s.events...)
	s.prune(now)
	if err := s.persist(); err != nil {
		s.log.Warn().Err(err).Msg("activity history not persisted")
	}
}

// Events returns the live entries, newest first.
func (s *Store) Events() []Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.prune(s.now())
	out := make([]Event, len(s.events))
	copy(out, s.events)
	return out
}

// Clear wipes the history in memory and on disk.
func (s *Store) Clear() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = nil
	if err := s.persist(); err != nil {
		return wlerrors.Wrap(wlerrors.PathSync, wlerrors.StagePersist, wlerrors.CodeUpstreamUnavailable, err)
	}
	return nil
}

// prune drops expired entries and enforces the cap. Caller holds mu (or owns
// the store exclusively during Open).
func (s *Store) prune(now time.Time) {
	cutoff := now.Add(-s.ttl)
	live := s.events[:0]
	for _, e := range s.events {
		if e.At.Before(cutoff) {
			// Newest-first order means everything after this is older.
			break
		}
		live = append(live, e)
	}
	if len(live) > s.capacity {
		live = live[:s.capacity]
	}
	s.events = live
}

func (s *Store) persist() error {
	data, err := cbor.Marshal(fileRecord{Version: fileVersion, Events: s.events})
	if err != nil {
		return err
	}
	return securefile.WriteFileAtomic(s.path, data, 0o600)
}
