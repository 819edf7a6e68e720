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

func questionKey(pairingID string) string { return questionKeyPrefix + pairingID }

func questionRespKey(pairingID, id string) string {
	return questionRespKeyPrefix + pairingID + ":" + id
}

// EnqueueQuestion appends q to the pairing's question queue, idempotent on
// questionId.
func (s *Service) EnqueueQuestion(ctx context.Context, pairingID string, q protocol.QuestionRequest) (entry *protocol.QuestionRequest, created bool, err error) {
	if err := validatePairing(wlerrors.PathQuestion, pairingID); err != nil {
		return nil, false, err
	}
	if err := protocol.ValidateQuestion(&q, s.params.Constraints); err != nil {
		return nil, false, invalidInput(wlerrors.PathQuestion, err)
	}
	now := s.now().UTC()
	key := questionKey(pairingID)

	err = s.store.Update(ctx, key, s.params.EntryTTL, func(old []byte) ([]byte, error) {
		list, err := s.decodeQuestions(key, old)
		if err != nil {
			return nil, err
		}
		list = s.pruneQuestions(list, now)
		for i := range list {
			if list[i].QuestionID == q.QuestionID {
				entry, created = &list[i], false
				return nil, kv.ErrUnchanged
			}
		}
		stored := q
		stored.CreatedAt = now
		stored.Status = protocol.StatusPending
		stored.Answer = nil
		list = append(list, stored)
		sortQuestions(list)
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

// PendingQuestions lists the pairing's unanswered questions, oldest first.
func (s *Service) PendingQuestions(ctx context.Context, pairingID string) ([]protocol.QuestionRequest, error) {
	if err := validatePairing(wlerrors.PathQuestion, pairingID); err != nil {
		return nil, err
	}
	key := questionKey(pairingID)
	data, err := s.store.Get(ctx, key)
	if kv.IsNotFound(err) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	list, err := s.decodeQuestions(key, data)
	if err != nil {
		return nil, err
	}
	now := s.now().UTC()
	pending := make([]protocol.QuestionRequest, 0, len(list))
	for _, e := range list {
		if e.Status != protocol.StatusPending {
			continue
		}
		if now.Sub(e.CreatedAt) >= s.params.EntryTTL {
			continue
		}
		pending = append(pending, e)
	}
	sortQuestions(pending)
	return pending, nil
}

// AnswerQuestion records the watch's answer. The answer must be well formed
// against the stored options; the first answer wins and later ones are
// no-ops.
func (s *Service) AnswerQuestion(ctx context.Context, pairingID, questionID string, answer protocol.Answer) error {
	if err := validatePairing(wlerrors.PathQuestion, pairingID); err != nil {
		return err
	}
	if err := requireID(wlerrors.PathQuestion, questionID); err != nil {
		return err
	}
	now := s.now().UTC()
	key := questionKey(pairingID)

	var answered *protocol.QuestionRequest
	err := s.store.Update(ctx, key, s.params.EntryTTL, func(old []byte) ([]byte, error) {
		answered = nil
		list, err := s.decodeQuestions(key, old)
		if err != nil {
			return nil, err
		}
		for i := range list {
			if list[i].QuestionID != questionID {
				continue
			}
			if list[i].Status != protocol.StatusPending {
				return nil, kv.ErrUnchanged
			}
			if err := answer.Validate(&list[i]); err != nil {
				return nil, invalidInput(wlerrors.PathQuestion, err)
			}
			a := answer
			list[i].Status = protocol.StatusAnswered
			list[i].Answer = &a
			answered = &list[i]
			return json.Marshal(list)
		}
		return nil, kv.NotFound(key + ":" + questionID)
	})
	if kv.IsNotFound(err) {
		if rec, recErr := s.getResponse(ctx, questionRespKey(pairingID, questionID)); recErr == nil && rec != nil {
			return nil
		}
		return err
	}
	if err != nil {
		return err
	}
	if answered == nil {
		return nil
	}
	rec := response{
		ID:          questionID,
		Status:      protocol.StatusAnswered,
		Answer:      answered.Answer,
		Title:       answered.Question,
		RespondedAt: now,
	}
	return s.putResponse(ctx, questionRespKey(pairingID, questionID), rec)
}

// QuestionStatus reports one question's status and, once answered, the
// answer itself.
func (s *Service) QuestionStatus(ctx context.Context, pairingID, questionID string) (*protocol.QuestionStatusResponse, error) {
	if err := validatePairing(wlerrors.PathQuestion, pairingID); err != nil {
		return nil, err
	}
	if err := requireID(wlerrors.PathQuestion, questionID); err != nil {
		return nil, err
	}
	key := questionKey(pairingID)
	data, err := s.store.Get(ctx, key)
	if err == nil {
		list, decErr := s.decodeQuestions(key, data)
		if decErr != nil {
			return nil, decErr
		}
		for i := range list {
			if list[i].QuestionID != questionID {
				continue
			}
			return &protocol.QuestionStatusResponse{
				Status: list[i].Status,
				Answer: list[i].Answer,
			}, nil
		}
	} else if !kv.IsNotFound(err) {
		return nil, err
	}
	rec, err := s.getResponse(ctx, questionRespKey(pairingID, questionID))
	if err != nil {
		return nil, err
	}
	respondedAt := rec.RespondedAt
	return &protocol.QuestionStatusResponse{
		Status:      rec.Status,
		Answer:      rec.Answer,
		RespondedAt: &respondedAt,
	}, nil
}

// RemoveQuestion drops one question, for cancellation.
func (s *Service) RemoveQuestion(ctx context.Context, pairingID, questionID string) error {
	if err := validatePairing(wlerrors.PathQuestion, pairingID); err != nil {
		return err
	}
	if err := requireID(wlerrors.PathQuestion, questionID); err != nil {
		return err
	}
	key := questionKey(pairingID)
	err := s.store.Update(ctx, key, s.params.EntryTTL, func(old []byte) ([]byte, error) {
		list, err := s.decodeQuestions(key, old)
		if err != nil {
			return nil, err
		}
		kept := list[:0]
		for _, e := range list {
			if e.QuestionID != questionID {
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

// DrainQuestions removes the pairing's whole question queue.
func (s *Service) DrainQuestions(ctx context.Context, pairingID string) error {
	if err := validatePairing(wlerrors.PathQuestion, pairingID); err != nil {
		return err
	}
	return s.store.Delete(ctx, questionKey(pairingID))
}

func (s *Service) decodeQuestions(key string, data []byte) ([]protocol.QuestionRequest, error) {
	if data == nil {
		return nil, nil
	}
	var list []protocol.QuestionRequest
	if err := json.Unmarshal(data, &list); err != nil {
		return nil, decodeFailure(wlerrors.PathQuestion, key, err)
	}
	return list, nil
}

func (s *Service) pruneQuestions(list []protocol.QuestionRequest, now time.Time) []protocol.QuestionRequest {
	kept := list[:0]
	for _, e := range list {
		if now.Sub(e.CreatedAt) >= s.params.EntryTTL {
			continue
		}
		kept = append(kept, e)
	}
	return kept
}

func sortQuestions(list []protocol.QuestionRequest) {
	sort.SliceStable(list, func(i, j int) bool {
		if !list[i].CreatedAt.Equal(list[j].CreatedAt) {
			return list[i].CreatedAt.Before(list[j].CreatedAt)
		}
		return list[i].QuestionID < list[j].QuestionID
	})
}
