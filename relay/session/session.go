// Package session holds per-pairing session state: the last-write-wins
// progress snapshot, the pause/resume control machine, and the approval
// mode. Everything is TTL-bound KV state; a missing control record means
// the session is active.
package session

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/wristlink/wristlink/internal/pairingid"
	"github.com/wristlink/wristlink/relay/kv"
	"github.com/wristlink/wristlink/relay/protocol"
	"github.com/wristlink/wristlink/wlerrors"
)

const (
	progressKeyPrefix = "progress:"
	controlKeyPrefix  = "session:"
	modeKeyPrefix     = "mode:"
)

// Session states as reported to clients.
const (
	StateActive = "active"
	StatePaused = "paused"
	StateEnded  = "ended"
)

var (
	errProgressRange = errors.New("progress must lie in [0,1]")
	errCountRange    = errors.New("completedCount must not exceed totalCount")
	errSessionEnded  = errors.New("session already ended")
)

// Params bounds session state lifetimes.
type Params struct {
	// ProgressTTL bounds snapshot visibility.
	ProgressTTL time.Duration
	// ControlTTL bounds the control and mode records.
	ControlTTL time.Duration
}

// DefaultParams returns the production lifetimes.
func DefaultParams() Params {
	return Params{
		ProgressTTL: 5 * time.Minute,
		ControlTTL:  24 * time.Hour,
	}
}

func (p Params) withDefaults() Params {
	d := DefaultParams()
	if p.ProgressTTL <= 0 {
		p.ProgressTTL = d.ProgressTTL
	}
	if p.ControlTTL <= 0 {
		p.ControlTTL = d.ControlTTL
	}
	return p
}

// Config assembles a Service.
type Config struct {
	Store  kv.Store
	Params Params
	// Now is the clock, for tests. Nil means time.Now.
	Now func() time.Time
}

// Service runs session state on top of a kv.Store.
type Service struct {
	store  kv.Store
	params Params
	now    func() time.Time
}

// New validates cfg and builds a Service.
func New(cfg Config) (*Service, error) {
	if cfg.Store == nil {
		return nil, errors.New("session: nil store")
	}
	s := &Service{
		store:  cfg.Store,
		params: cfg.Params.withDefaults(),
		now:    cfg.Now,
	}
	if s.now == nil {
		s.now = time.Now
	}
	return s, nil
}

// control is the stored pause/resume machine state.
type control struct {
	Active          bool      `json:"active"`
	Ended           bool      `json:"ended"`
	Interrupted     bool      `json:"interrupted"`
	InterruptAction string    `json:"interruptAction,omitempty"`
	UpdatedAt       time.Time `json:"updatedAt"`
}

func defaultControl() control {
	return control{Active: true}
}

// PutProgress stores a snapshot unless a newer one is already visible.
// A zero updatedAt gets the server clock. The stored snapshot is returned.
func (s *Service) PutProgress(ctx context.Context, pairingID string, snap protocol.ProgressSnapshot) (*protocol.ProgressSnapshot, error) {
	if err := validatePairing(pairingID); err != nil {
		return nil, err
	}
	if snap.Progress < 0 || snap.Progress > 1 {
		return nil, invalidInput(wlerrors.PathProgress, errProgressRange)
	}
	if snap.CompletedCount < 0 || snap.TotalCount < 0 || snap.CompletedCount > snap.TotalCount {
		return nil, invalidInput(wlerrors.PathProgress, errCountRange)
	}
	if snap.UpdatedAt.IsZero() {
		snap.UpdatedAt = s.now().UTC()
	}
	key := progressKeyPrefix + pairingID

	stored := snap
	err := s.store.Update(ctx, key, s.params.ProgressTTL, func(old []byte) ([]byte, error) {
		stored = snap
		if old != nil {
			var prev protocol.ProgressSnapshot
			if err := json.Unmarshal(old, &prev); err == nil && prev.UpdatedAt.After(snap.UpdatedAt) {
				// A newer snapshot already landed; keep it.
				stored = prev
				return nil, kv.ErrUnchanged
			}
		}
		return json.Marshal(snap)
	})
	if err != nil {
		return nil, err
	}
	return &stored, nil
}

// GetProgress returns the current snapshot, or nil once it expired.
func (s *Service) GetProgress(ctx context.Context, pairingID string) (*protocol.ProgressSnapshot, error) {
	if err := validatePairing(pairingID); err != nil {
		return nil, err
	}
	data, err := s.store.Get(ctx, progressKeyPrefix+pairingID)
	if kv.IsNotFound(err) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var snap protocol.ProgressSnapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return nil, wlerrors.Wrap(wlerrors.PathProgress, wlerrors.StageDecode, wlerrors.CodeUpstreamUnavailable, err)
	}
	return &snap, nil
}

// ClearProgress drops the snapshot, used on session teardown.
func (s *Service) ClearProgress(ctx context.Context, pairingID string) error {
	if err := validatePairing(pairingID); err != nil {
		return err
	}
	return s.store.Delete(ctx, progressKeyPrefix+pairingID)
}

// Interrupt applies a control action. stop pauses an active session, resume
// and clear reactivate a paused one; repeating the current state is a no-op.
// An ended session accepts nothing, that is a CONFLICT.
func (s *Service) Interrupt(ctx context.Context, pairingID, action string) (interrupted bool, state string, err error) {
	if err := validatePairing(pairingID); err != nil {
		return false, "", err
	}
	if err := protocol.ValidateAction(action); err != nil {
		return false, "", invalidInput(wlerrors.PathSession, err)
	}
	now := s.now().UTC()
	key := controlKeyPrefix + pairingID

	var result control
	err = s.store.Update(ctx, key, s.params.ControlTTL, func(old []byte) ([]byte, error) {
		c := defaultControl()
		if old != nil {
			if err := json.Unmarshal(old, &c); err != nil {
				return nil, wlerrors.Wrap(wlerrors.PathSession, wlerrors.StageDecode, wlerrors.CodeUpstreamUnavailable, err)
			}
		}
		if c.Ended {
			return nil, wlerrors.Wrap(wlerrors.PathSession, wlerrors.StageStore, wlerrors.CodeConflict, errSessionEnded)
		}
		switch action {
		case protocol.ActionStop:
			c.Interrupted = true
			c.Active = true
		case protocol.ActionResume, protocol.ActionClear:
			c.Interrupted = false
		}
		c.InterruptAction = action
		c.UpdatedAt = now
		result = c
		return json.Marshal(c)
	})
	if err != nil {
		return false, "", err
	}
	return result.Interrupted, controlState(result), nil
}

// InterruptState reports the pause flag and the last applied action.
func (s *Service) InterruptState(ctx context.Context, pairingID string) (interrupted bool, action string, err error) {
	c, err := s.getControl(ctx, pairingID)
	if err != nil {
		return false, "", err
	}
	return c.Interrupted, c.InterruptAction, nil
}

// End marks the session terminal. Ending twice is fine.
func (s *Service) End(ctx context.Context, pairingID string) error {
	if err := validatePairing(pairingID); err != nil {
		return err
	}
	now := s.now().UTC()
	key := controlKeyPrefix + pairingID
	return s.store.Update(ctx, key, s.params.ControlTTL, func(old []byte) ([]byte, error) {
		c := control{Active: false, Ended: true, UpdatedAt: now}
		return json.Marshal(c)
	})
}

// Status reports liveness. A pairing with no control record is active.
func (s *Service) Status(ctx context.Context, pairingID string) (active bool, state string, err error) {
	c, err := s.getControl(ctx, pairingID)
	if err != nil {
		return false, "", err
	}
	return !c.Ended, controlState(*c), nil
}

// SetMode switches the pairing between manual and auto-accept approval.
func (s *Service) SetMode(ctx context.Context, pairingID, mode string) error {
	if err := validatePairing(pairingID); err != nil {
		return err
	}
	if err := protocol.ValidateMode(mode); err != nil {
		return invalidInput(wlerrors.PathSession, err)
	}
	data, err := json.Marshal(struct {
		Mode string `json:"mode"`
	}{Mode: mode})
	if err != nil {
		return wlerrors.Wrap(wlerrors.PathSession, wlerrors.StageEncode, wlerrors.CodeInvalidInput, err)
	}
	return s.store.Put(ctx, modeKeyPrefix+pairingID, data, s.params.ControlTTL)
}

// Mode reads the pairing's approval mode, manual when unset.
func (s *Service) Mode(ctx context.Context, pairingID string) (string, error) {
	if err := validatePairing(pairingID); err != nil {
		return "", err
	}
	data, err := s.store.Get(ctx, modeKeyPrefix+pairingID)
	if kv.IsNotFound(err) {
		return protocol.ModeManual, nil
	}
	if err != nil {
		return "", err
	}
	var v struct {
		Mode string `json:"mode"`
	}
	if err := json.Unmarshal(data, &v); err != nil {
		return "", wlerrors.Wrap(wlerrors.PathSession, wlerrors.StageDecode, wlerrors.CodeUpstreamUnavailable, err)
	}
	if v.Mode == "" {
		return protocol.ModeManual, nil
	}
	return v.Mode, nil
}

func (s *Service) getControl(ctx context.Context, pairingID string) (*control, error) {
	if err := validatePairing(pairingID); err != nil {
		return nil, err
	}
	data, err := s.store.Get(ctx, controlKeyPrefix+pairingID)
	if kv.IsNotFound(err) {
		c := defaultControl()
		return &c, nil
	}
	if err != nil {
		return nil, err
	}
	var c control
	if err := json.Unmarshal(data, &c); err != nil {
		return nil, wlerrors.Wrap(wlerrors.PathSession, wlerrors.StageDecode, wlerrors.CodeUpstreamUnavailable, err)
	}
	return &c, nil
}

func controlState(c control) string {
	switch {
	case c.Ended:
		return StateEnded
	case c.Interrupted:
		return StatePaused
	default:
		return StateActive
	}
}

func validatePairing(id string) error {
	if err := pairingid.Validate(id); err != nil {
		return wlerrors.Wrap(wlerrors.PathSession, wlerrors.StageValidate, wlerrors.CodeInvalidInput, err)
	}
	return nil
}

func invalidInput(path wlerrors.Path, err error) error {
	return wlerrors.Wrap(path, wlerrors.StageValidate, wlerrors.CodeInvalidInput, err)
}
