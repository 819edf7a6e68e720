// Package queue implements the per-pairing approval and question queues.
// Each queue is a bounded FIFO stored as one KV value and mutated only
// through atomic read-modify-write, so concurrent handlers serialise on the
// store. Enqueue is idempotent on the client-chosen id, and resolution is
// exactly-once: the first verdict wins, later ones are no-ops.
//
// Resolved verdicts are mirrored into small per-request response records
// with their own TTL, so the bridge can still read an outcome after the
// pending entry was pruned from the queue.
package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/wristlink/wristlink/internal/pairingid"
	"github.com/wristlink/wristlink/relay/kv"
	"github.com/wristlink/wristlink/relay/protocol"
	"github.com/wristlink/wristlink/wlerrors"
)

const (
	approvalKeyPrefix     = "approvalq:"
	questionKeyPrefix     = "questionq:"
	approvalRespKeyPrefix = "approval_resp:"
	questionRespKeyPrefix = "question_resp:"
)

// Params bounds queue growth and entry lifetimes.
type Params struct {
	// Capacity is the maximum number of entries per queue; the oldest are
	// pruned first.
	Capacity int
	// EntryTTL bounds how long an entry stays visible.
	EntryTTL time.Duration
	// ResponseTTL bounds how long a resolved verdict stays readable after
	// the entry itself is gone.
	ResponseTTL time.Duration
	// Constraints caps inbound payload sizes.
	Constraints protocol.Constraints
}

// DefaultParams returns the production limits.
func DefaultParams() Params {
	return Params{
		Capacity:    50,
		EntryTTL:    5 * time.Minute,
		ResponseTTL: 5 * time.Minute,
		Constraints: protocol.DefaultConstraints(),
	}
}

func (p Params) withDefaults() Params {
	d := DefaultParams()
	if p.Capacity <= 0 {
		p.Capacity = d.Capacity
	}
	if p.EntryTTL <= 0 {
		p.EntryTTL = d.EntryTTL
	}
	if p.ResponseTTL <= 0 {
		p.ResponseTTL = d.ResponseTTL
	}
	if p.Constraints.MaxBodyBytes == 0 {
		p.Constraints = d.Constraints
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

// Service runs both queues on top of a kv.Store.
type Service struct {
	store  kv.Store
	params Params
	now    func() time.Time
}

// New validates cfg and builds a Service.
func New(cfg Config) (*Service, error) {
	if cfg.Store == nil {
		return nil, errors.New("queue: nil store")
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

// response is the terminal verdict record kept beside the queue.
type response struct {
	ID          string           `json:"id"`
	Status      string           `json:"status"`
	Approved    *bool            `json:"approved,omitempty"`
	Answer      *protocol.Answer `json:"answer,omitempty"`
	Type        string           `json:"type,omitempty"`
	Title       string           `json:"title,omitempty"`
	RespondedAt time.Time        `json:"respondedAt"`
}

func (s *Service) putResponse(ctx context.Context, key string, rec response) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return wlerrors.Wrap(wlerrors.PathApproval, wlerrors.StageEncode, wlerrors.CodeInvalidInput, err)
	}
	return s.store.Put(ctx, key, data, s.params.ResponseTTL)
}

func (s *Service) getResponse(ctx context.Context, key string) (*response, error) {
	data, err := s.store.Get(ctx, key)
	if err != nil {
		return nil, err
	}
	var rec response
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, wlerrors.Wrap(wlerrors.PathApproval, wlerrors.StageDecode, wlerrors.CodeUpstreamUnavailable, err)
	}
	return &rec, nil
}

// Constraints exposes the payload limits for request decoding.
func (s *Service) Constraints() protocol.Constraints {
	return s.params.Constraints
}

func validatePairing(path wlerrors.Path, id string) error {
	if err := pairingid.Validate(id); err != nil {
		return wlerrors.Wrap(path, wlerrors.StageValidate, wlerrors.CodeInvalidInput, err)
	}
	return nil
}

func requireID(path wlerrors.Path, id string) error {
	if id == "" {
		return wlerrors.Wrap(path, wlerrors.StageValidate, wlerrors.CodeInvalidInput, protocol.ErrMissingID)
	}
	return nil
}

func invalidInput(path wlerrors.Path, err error) error {
	return wlerrors.Wrap(path, wlerrors.StageValidate, wlerrors.CodeInvalidInput, err)
}

func decodeFailure(path wlerrors.Path, key string, err error) error {
	return wlerrors.Wrap(path, wlerrors.StageDecode, wlerrors.CodeUpstreamUnavailable,
		fmt.Errorf("corrupt queue value at %s: %w", key, err))
}
