// Package pairing implements the code-based pairing lifecycle: a watch
// requests a short numeric code, the workstation endpoint redeems it, and
// both sides end up sharing a durable pairing id. All state lives in the
// key-value store under TTLs, so abandoned attempts clean themselves up.
package pairing

import (
	"context"
	"crypto/rand"
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
	"time"

	"github.com/google/uuid"

	"github.com/wristlink/wristlink/internal/pairingid"
	"github.com/wristlink/wristlink/relay/kv"
	"github.com/wristlink/wristlink/wlerrors"
)

const (
	codeKeyPrefix  = "pair_code:"
	watchKeyPrefix = "pair_watch:"
	connKeyPrefix  = "conn:"
)

// Params controls pairing lifetimes and the collision retry budget.
type Params struct {
	// SessionTTL bounds an unredeemed code.
	SessionTTL time.Duration
	// CompletedTTL bounds a redeemed session, long enough for the watch to
	// poll the outcome and for a duplicate completion to stay idempotent.
	CompletedTTL time.Duration
	// ConnectionTTL bounds an idle pairing.
	ConnectionTTL time.Duration
	// CodeAttempts is how many fresh codes Initiate tries before giving up.
	CodeAttempts int
}

// DefaultParams returns the production lifetimes.
func DefaultParams() Params {
	return Params{
		SessionTTL:    5 * time.Minute,
		CompletedTTL:  60 * time.Second,
		ConnectionTTL: 24 * time.Hour,
		CodeAttempts:  5,
	}
}

func (p Params) withDefaults() Params {
	d := DefaultParams()
	if p.SessionTTL <= 0 {
		p.SessionTTL = d.SessionTTL
	}
	if p.CompletedTTL <= 0 {
		p.CompletedTTL = d.CompletedTTL
	}
	if p.ConnectionTTL <= 0 {
		p.ConnectionTTL = d.ConnectionTTL
	}
	if p.CodeAttempts <= 0 {
		p.CodeAttempts = d.CodeAttempts
	}
	return p
}

// Config assembles a Service.
type Config struct {
	Store  kv.Store
	Params Params
	// Now is the clock, for tests. Nil means time.Now.
	Now func() time.Time
	// GenCode overrides code generation, for tests. Nil means a uniform
	// random six-digit code.
	GenCode func() (string, error)
}

// Service runs the pairing lifecycle on top of a kv.Store.
type Service struct {
	store   kv.Store
	params  Params
	now     func() time.Time
	genCode func() (string, error)
}

// New validates cfg and builds a Service.
func New(cfg Config) (*Service, error) {
	if cfg.Store == nil {
		return nil, errors.New("pairing: nil store")
	}
	s := &Service{
		store:   cfg.Store,
		params:  cfg.Params.withDefaults(),
		now:     cfg.Now,
		genCode: cfg.GenCode,
	}
	if s.now == nil {
		s.now = time.Now
	}
	if s.genCode == nil {
		s.genCode = GenerateCode
	}
	return s, nil
}

// GenerateCode draws a uniform six-digit code from crypto/rand.
func GenerateCode() (string, error) {
	n, err := rand.Int(rand.Reader, big.NewInt(1_000_000))
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("%06d", n.Int64()), nil
}

// session is the pre-completion pairing record, stored under both the code
// key and the watch key.
type session struct {
	WatchID        string    `json:"watchId"`
	Code           string    `json:"code"`
	DeviceToken    string    `json:"deviceToken,omitempty"`
	WatchPublicKey string    `json:"watchPublicKey,omitempty"`
	CreatedAt      time.Time `json:"createdAt"`

	// Set once the endpoint redeems the code.
	PairingID         string    `json:"pairingId,omitempty"`
	EndpointPublicKey string    `json:"endpointPublicKey,omitempty"`
	CompletedAt       time.Time `json:"completedAt,omitempty"`
}

// Connection is the durable pairing record.
type Connection struct {
	PairingID         string    `json:"pairingId"`
	WatchID           string    `json:"watchId"`
	DeviceToken       string    `json:"deviceToken,omitempty"`
	WatchPublicKey    string    `json:"watchPublicKey,omitempty"`
	EndpointPublicKey string    `json:"endpointPublicKey,omitempty"`
	InitiatedAt       time.Time `json:"initiatedAt"`
	CreatedAt         time.Time `json:"createdAt"`
	LastSeenAt        time.Time `json:"lastSeenAt"`
}

// Initiation is what the watch gets back from Initiate.
type Initiation struct {
	Code      string
	WatchID   string
	ExpiresAt time.Time
}

var errCodeTaken = errors.New("pairing code already in use")

// Initiate creates a pairing session and returns the code for the watch to
// display. Codes are claimed atomically; a collision with a live code draws
// a new one, up to the attempt budget.
func (s *Service) Initiate(ctx context.Context, deviceToken, publicKey string) (*Initiation, error) {
	watchID := uuid.NewString()
	createdAt := s.now().UTC()

	for attempt := 0; attempt < s.params.CodeAttempts; attempt++ {
		code, err := s.genCode()
		if err != nil {
			return nil, wlerrors.Wrap(wlerrors.PathPairing, wlerrors.StageStore, wlerrors.CodeUpstreamUnavailable, err)
		}
		sess := session{
			WatchID:        watchID,
			Code:           code,
			DeviceToken:    deviceToken,
			WatchPublicKey: publicKey,
			CreatedAt:      createdAt,
		}
		err = s.store.Update(ctx, codeKeyPrefix+code, s.params.SessionTTL, func(old []byte) ([]byte, error) {
			if old != nil {
				return nil, errCodeTaken
			}
			return json.Marshal(sess)
		})
		if errors.Is(err, errCodeTaken) {
			continue
		}
		if err != nil {
			return nil, err
		}
		data, err := json.Marshal(sess)
		if err != nil {
			return nil, wlerrors.Wrap(wlerrors.PathPairing, wlerrors.StageEncode, wlerrors.CodeInvalidInput, err)
		}
		if err := s.store.Put(ctx, watchKeyPrefix+watchID, data, s.params.SessionTTL); err != nil {
			return nil, err
		}
		return &Initiation{Code: code, WatchID: watchID, ExpiresAt: createdAt.Add(s.params.SessionTTL)}, nil
	}
	return nil, wlerrors.Wrap(wlerrors.PathPairing, wlerrors.StageStore, wlerrors.CodeExhausted,
		fmt.Errorf("no free code after %d attempts", s.params.CodeAttempts))
}

// Status reports whether the watch's pairing session completed. It returns
// NOT_FOUND once the session expired.
func (s *Service) Status(ctx context.Context, watchID string) (paired bool, pairingID, endpointPublicKey string, err error) {
	if err := validateUUID(watchID); err != nil {
		return false, "", "", err
	}
	data, err := s.store.Get(ctx, watchKeyPrefix+watchID)
	if err != nil {
		return false, "", "", err
	}
	var sess session
	if err := json.Unmarshal(data, &sess); err != nil {
		return false, "", "", wlerrors.Wrap(wlerrors.PathPairing, wlerrors.StageDecode, wlerrors.CodeUpstreamUnavailable, err)
	}
	if sess.PairingID == "" {
		return false, "", "", nil
	}
	return true, sess.PairingID, sess.EndpointPublicKey, nil
}

// Complete redeems a code from the CLI side, mints the pairing id, and
// persists the durable connection. Redeeming the same code again inside the
// shortened TTL returns the same pairing id. deviceToken is a legacy field;
// the watch's token from Initiate wins when both are present.
func (s *Service) Complete(ctx context.Context, code, deviceToken, cliPublicKey string) (pairingID, watchPublicKey string, err error) {
	if err := pairingid.ValidateCode(code); err != nil {
		return "", "", wlerrors.Wrap(wlerrors.PathPairing, wlerrors.StageValidate, wlerrors.CodeInvalidInput, err)
	}
	now := s.now().UTC()
	newID := uuid.NewString()

	var sess session
	err = s.store.Update(ctx, codeKeyPrefix+code, s.params.CompletedTTL, func(old []byte) ([]byte, error) {
		if old == nil {
			return nil, kv.NotFound(codeKeyPrefix + code)
		}
		if err := json.Unmarshal(old, &sess); err != nil {
			return nil, wlerrors.Wrap(wlerrors.PathPairing, wlerrors.StageDecode, wlerrors.CodeUpstreamUnavailable, err)
		}
		if sess.PairingID != "" {
			// Already redeemed; keep the record as is.
			return nil, kv.ErrUnchanged
		}
		sess.PairingID = newID
		sess.EndpointPublicKey = cliPublicKey
		sess.CompletedAt = now
		if sess.DeviceToken == "" {
			sess.DeviceToken = deviceToken
		}
		return json.Marshal(sess)
	})
	if err != nil {
		return "", "", err
	}
	if sess.PairingID != newID {
		// Idempotent replay of a completed code.
		return sess.PairingID, sess.WatchPublicKey, nil
	}

	conn := Connection{
		PairingID:         sess.PairingID,
		WatchID:           sess.WatchID,
		DeviceToken:       sess.DeviceToken,
		WatchPublicKey:    sess.WatchPublicKey,
		EndpointPublicKey: sess.EndpointPublicKey,
		InitiatedAt:       sess.CreatedAt,
		CreatedAt:         now,
		LastSeenAt:        now,
	}
	connData, err := json.Marshal(conn)
	if err != nil {
		return "", "", wlerrors.Wrap(wlerrors.PathPairing, wlerrors.StageEncode, wlerrors.CodeInvalidInput, err)
	}
	if err := s.store.Put(ctx, connKeyPrefix+conn.PairingID, connData, s.params.ConnectionTTL); err != nil {
		return "", "", err
	}
	// Let the watch observe completion before its session record expires.
	sessData, err := json.Marshal(sess)
	if err != nil {
		return "", "", wlerrors.Wrap(wlerrors.PathPairing, wlerrors.StageEncode, wlerrors.CodeInvalidInput, err)
	}
	if err := s.store.Put(ctx, watchKeyPrefix+sess.WatchID, sessData, s.params.CompletedTTL); err != nil {
		return "", "", err
	}
	return sess.PairingID, sess.WatchPublicKey, nil
}

// Connection loads the durable pairing record.
func (s *Service) Connection(ctx context.Context, pairingID string) (*Connection, error) {
	if err := validateUUID(pairingID); err != nil {
		return nil, err
	}
	data, err := s.store.Get(ctx, connKeyPrefix+pairingID)
	if err != nil {
		return nil, err
	}
	var conn Connection
	if err := json.Unmarshal(data, &conn); err != nil {
		return nil, wlerrors.Wrap(wlerrors.PathPairing, wlerrors.StageDecode, wlerrors.CodeUpstreamUnavailable, err)
	}
	return &conn, nil
}

// Touch refreshes the connection TTL and last-seen stamp. Called on any
// authenticated activity for the pairing.
func (s *Service) Touch(ctx context.Context, pairingID string) error {
	if err := validateUUID(pairingID); err != nil {
		return err
	}
	now := s.now().UTC()
	return s.store.Update(ctx, connKeyPrefix+pairingID, s.params.ConnectionTTL, func(old []byte) ([]byte, error) {
		if old == nil {
			return nil, kv.NotFound(connKeyPrefix + pairingID)
		}
		var conn Connection
		if err := json.Unmarshal(old, &conn); err != nil {
			return nil, wlerrors.Wrap(wlerrors.PathPairing, wlerrors.StageDecode, wlerrors.CodeUpstreamUnavailable, err)
		}
		conn.LastSeenAt = now
		return json.Marshal(conn)
	})
}

// Unpair deletes the durable connection. Missing pairings are fine.
func (s *Service) Unpair(ctx context.Context, pairingID string) error {
	if err := validateUUID(pairingID); err != nil {
		return err
	}
	return s.store.Delete(ctx, connKeyPrefix+pairingID)
}

func validateUUID(id string) error {
	if err := pairingid.Validate(id); err != nil {
		return wlerrors.Wrap(wlerrors.PathPairing, wlerrors.StageValidate, wlerrors.CodeInvalidInput, err)
	}
	return nil
}
