package queue

import (
	"context"
	"encoding/json"
	"sort"
	"time"

	"github.com/wristlink/wristlink/relay/kv"
	"github.com/wristlink/wristlink/relay/protocol"
	"github.com/wristlink/wristlink/wlerrors"
)

func approvalKey(pairingID string) string { return approvalKeyPrefix + pairingID }

func approvalRespKey(pairingID, id string) string {
	return approvalRespKeyPrefix + pairingID + ":" + id
}

// EnqueueApproval appends req to the pairing's approval queue. A second call
// with the same id leaves the queue untouched and returns the stored entry
// with created=false.
func (s *Service) EnqueueApproval(ctx context.Context, pairingID string, req protocol.ApprovalRequest) (entry *protocol.ApprovalRequest, created bool, err error) {
	if err := validatePairing(wlerrors.PathApproval, pairingID); err != nil {
		return nil, false, err
	}
	if err := protocol.ValidateApproval(&req, s.params.Constraints); err != nil {
		return nil, false, invalidInput(wlerrors.PathApproval, err)
	}
	now := s.now().UTC()
	key := approvalKey(pairingID)

	err = s.store.Update(ctx, key, s.params.EntryTTL, func(old []byte) ([]byte, error) {
		list, err := s.decodeApprovals(key, old)
		if err != nil {
			return nil, err
		}
		list = s.pruneApprovals(list, now)
		for i := range list {
			if list[i].ID == req.ID {
				entry, created = &list[i], false
				return nil, kv.ErrUnchanged
			}
		}
		stored := req
		stored.CreatedAt = now
		stored.Status = protocol.StatusPending
		list = append(list, stored)
		sortApprovals(list)
		if len(list) > s.params.Capacity {
			list = list[len(list)-s.params.Capacity:]
		}
		entry, created = &stored, true
		return json.Marshal(list)
	})
	if err != nil {
		return nil, false, err
	}
	return entry, created, nil
}

// PendingApprovals lists the pairing's unresolved approvals, oldest first.
// Reading never mutates the queue.
func (s *Service) PendingApprovals(ctx context.Context, pairingID string) ([]protocol.ApprovalRequest, error) {
	if err := validatePairing(wlerrors.PathApproval, pairingID); err != nil {
		return nil, err
	}
	key := approvalKey(pairingID)
	data, err := s.store.Get(ctx, key)
	if kv.IsNotFound(err) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	list, err := s.decodeApprovals(key, data)
	if err != nil {
		return nil, err
	}
	now := s.now().UTC()
	pending := make([]protocol.ApprovalRequest, 0, len(list))
	for _, e := range list {
		if e.Status != protocol.StatusPending {
			continue
		}
		if now.Sub(e.CreatedAt) >= s.params.EntryTTL {
			continue
		}
		pending = append(pending, e)
	}
	sortApprovals(pending)
	return pending, nil
}

// RespondApproval records the verdict for one approval. The first call
// flips the status and writes the response record; any later call is a
// no-op regardless of its verdict. An unknown id is NOT_FOUND.
func (s *Service) RespondApproval(ctx context.Context, pairingID, id string, approved bool) error {
	if err := validatePairing(wlerrors.PathApproval, pairingID); err != nil {
		return err
	}
	if err := requireID(wlerrors.PathApproval, id); err != nil {
		return err
	}
	now := s.now().UTC()
	key := approvalKey(pairingID)

	var flipped *protocol.ApprovalRequest
	err := s.store.Update(ctx, key, s.params.EntryTTL, func(old []byte) ([]byte, error) {
		flipped = nil
		list, err := s.decodeApprovals(key, old)
		if err != nil {
			return nil, err
		}
		for i := range list {
			if list[i].ID != id {
				continue
			}
			if list[i].Status != protocol.StatusPending {
				// Already resolved; first verdict stands.
				return nil, kv.ErrUnchanged
			}
			if approved {
				list[i].Status = protocol.StatusApproved
			} else {
				list[i].Status = protocol.StatusRejected
			}
			flipped = &list[i]
			return json.Marshal(list)
		}
		return nil, kv.NotFound(key + ":" + id)
	})
	if kv.IsNotFound(err) {
		// Queue may have pruned the entry; a prior verdict still counts as
		// settled.
		if rec, recErr := s.getResponse(ctx, approvalRespKey(pairingID, id)); recErr == nil && rec != nil {
			return nil
		}
		return err
	}
	if err != nil {
		return err
	}
	if flipped == nil {
		return nil
	}
	rec := response{
		ID:          id,
		Status:      flipped.Status,
		Approved:    &approved,
		Type:        flipped.Type,
		Title:       flipped.Title,
		RespondedAt: now,
	}
	return s.putResponse(ctx, approvalRespKey(pairingID, id), rec)
}

// ApprovalStatus reports the current status of one approval: the live queue
// entry when present, otherwise the retained response record.
func (s *Service) ApprovalStatus(ctx context.Context, pairingID, id string) (*protocol.ApprovalStatusResponse, error) {
	if err := validatePairing(wlerrors.PathApproval, pairingID); err != nil {
		return nil, err
	}
	if err := requireID(wlerrors.PathApproval, id); err != nil {
		return nil, err
	}
	key := approvalKey(pairingID)
	data, err := s.store.Get(ctx, key)
	if err == nil {
		list, decErr := s.decodeApprovals(key, data)
		if decErr != nil {
			return nil, decErr
		}
		for i := range list {
			if list[i].ID != id {
				continue
			}
			st := &protocol.ApprovalStatusResponse{
				ID:     list[i].ID,
				Status: list[i].Status,
				Type:   list[i].Type,
				Title:  list[i].Title,
			}
			if list[i].Status == protocol.StatusApproved || list[i].Status == protocol.StatusRejected {
				approved := list[i].Status == protocol.StatusApproved
				st.Approved = &approved
			}
			return st, nil
		}
	} else if !kv.IsNotFound(err) {
		return nil, err
	}
	rec, err := s.getResponse(ctx, approvalRespKey(pairingID, id))
	if err != nil {
		return nil, err
	}
	respondedAt := rec.RespondedAt
	return &protocol.ApprovalStatusResponse{
		ID:          rec.ID,
		Status:      rec.Status,
		Type:        rec.Type,
		Title:       rec.Title,
		Approved:    rec.Approved,
		RespondedAt: &respondedAt,
	}, nil
}

// RemoveApproval drops one entry from the queue, responded or not. Used for
// cancellation; removing an absent entry succeeds.
func (s *Service) RemoveApproval(ctx context.Context, pairingID, id string) error {
	if err := validatePairing(wlerrors.PathApproval, pairingID); err != nil {
		return err
	}
	if err := requireID(wlerrors.PathApproval, id); err != nil {
		return err
	}
	key := approvalKey(pairingID)
	err := s.store.Update(ctx, key, s.params.EntryTTL, func(old []byte) ([]byte, error) {
		list, err := s.decodeApprovals(key, old)
		if err != nil {
			return nil, err
		}
		kept := list[:0]
		for _, e := range list {
			if e.ID != id {
				kept = append(kept, e)
			}
		}
		if len(kept) == len(list) {
			return nil, kv.ErrUnchanged
		}
		return json.Marshal(kept)
	})
	if kv.IsNotFound(err) {
		return nil
	}
	return err
}

// DrainApprovals removes the pairing's whole approval queue.
func (s *Service) DrainApprovals(ctx context.Context, pairingID string) error {
	if err := validatePairing(wlerrors.PathApproval, pairingID); err != nil {
		return err
	}
	return s.store.Delete(ctx, approvalKey(pairingID))
}

func (s *Service) decodeApprovals(key string, data []byte) ([]protocol.ApprovalRequest, error) {
	if data == nil {
		return nil, nil
	}
	var list []protocol.ApprovalRequest
	if err := json.Unmarshal(data, &list); err != nil {
		return nil, decodeFailure(wlerrors.PathApproval, key, err)
	}
	return list, nil
}

func (s *Service) pruneApprovals(list []protocol.ApprovalRequest, now time.Time) []protocol.ApprovalRequest {
	kept := list[:0]
	for _, e := range list {
		if now.Sub(e.CreatedAt) >= s.params.EntryTTL {
			continue
		}
		kept = append(kept, e)
	}
	return kept
}

func sortApprovals(list []protocol.ApprovalRequest) {
	sort.SliceStable(list, func(i, j int) bool {
		if !list[i].CreatedAt.Equal(list[j].CreatedAt) {
			return list[i].CreatedAt.Before(list[j].CreatedAt)
		}
		return list[i].ID < list[j].ID
	})
}
