package server

import (
	"net/http"

	"github.com/wristlink/wristlink/internal/pairingid"
	"github.com/wristlink/wristlink/observability"
	"github.com/wristlink/wristlink/relay/protocol"
	"github.com/wristlink/wristlink/relay/push"
)

func (s *Server) handlePairInitiate(w http.ResponseWriter, r *http.Request) error {
	var req protocol.PairInitiateRequest
	if err := s.decode(r, &req); err != nil {
		return err
	}
	init, err := s.pairing.Initiate(r.Context(), req.DeviceToken, req.PublicKey)
	if err != nil {
		return err
	}
	return s.writeJSON(w, http.StatusOK, protocol.PairInitiateResponse{
		Code:      init.Code,
		WatchID:   init.WatchID,
		ExpiresAt: init.ExpiresAt,
	})
}

func (s *Server) handlePairStatus(w http.ResponseWriter, r *http.Request) error {
	watchID := pairingid.Normalize(r.PathValue("watchId"))
	paired, pairingID, cliKey, err := s.pairing.Status(r.Context(), watchID)
	if err != nil {
		return err
	}
	return s.writeJSON(w, http.StatusOK, protocol.PairStatusResponse{
		Paired:       paired,
		PairingID:    pairingID,
		CLIPublicKey: cliKey,
	})
}

func (s *Server) handlePairComplete(w http.ResponseWriter, r *http.Request) error {
	var req protocol.PairCompleteRequest
	if err := s.decode(r, &req); err != nil {
		return err
	}
	code := pairingid.Normalize(req.Code)
	pairingID, watchKey, err := s.pairing.Complete(r.Context(), code, req.DeviceToken, req.PublicKey)
	if err != nil {
		return err
	}
	if conn, err := s.pairing.Connection(r.Context(), pairingID); err == nil && !conn.InitiatedAt.IsZero() {
		s.obs.PairingCompleted(conn.CreatedAt.Sub(conn.InitiatedAt))
	}
	return s.writeJSON(w, http.StatusOK, protocol.PairCompleteResponse{
		PairingID:      pairingID,
		WatchPublicKey: watchKey,
	})
}

func (s *Server) handleUnpair(w http.ResponseWriter, r *http.Request) error {
	var req protocol.UnpairRequest
	if err := s.decode(r, &req); err != nil {
		return err
	}
	pairingID := pairingid.Normalize(req.PairingID)
	if err := s.pairing.Unpair(r.Context(), pairingID); err != nil {
		return err
	}
	// Tear down everything keyed by the pairing; the id is dead.
	_ = s.queue.DrainApprovals(r.Context(), pairingID)
	_ = s.queue.DrainQuestions(r.Context(), pairingID)
	_ = s.session.ClearProgress(r.Context(), pairingID)
	s.hub.closePairing(pairingID)
	return s.writeJSON(w, http.StatusOK, protocol.SuccessResponse{Success: true})
}

func (s *Server) handleApprovalCreate(w http.ResponseWriter, r *http.Request) error {
	var req protocol.ApprovalCreateRequest
	if err := s.decode(r, &req); err != nil {
		return err
	}
	req.PairingID = pairingid.Normalize(req.PairingID)
	entry, created, err := s.queue.EnqueueApproval(r.Context(), req.PairingID, req.ApprovalRequest)
	if err != nil {
		return err
	}
	s.touch(r.Context(), req.PairingID)
	if created {
		s.hub.broadcast(req.PairingID, protocol.ApprovalRequestedFrame(entry))
		s.dispatchHint(req.PairingID, push.KindApproval, entry.ID)
	}
	return s.writeJSON(w, http.StatusOK, protocol.AcceptedResponse{Success: true, RequestID: entry.ID})
}

func (s *Server) handleApprovalQueue(w http.ResponseWriter, r *http.Request) error {
	pairingID := pairingid.Normalize(r.PathValue("pairingId"))
	pending, err := s.queue.PendingApprovals(r.Context(), pairingID)
	if err != nil {
		return err
	}
	s.touch(r.Context(), pairingID)
	s.obs.QueueDepth(observability.QueueKindApproval, len(pending))
	return s.writeJSON(w, http.StatusOK, protocol.ApprovalQueueResponse{
		Requests:   pending,
		TotalCount: len(pending),
	})
}

func (s *Server) handleApprovalRespond(w http.ResponseWriter, r *http.Request) error {
	requestID := r.PathValue("requestId")
	var req protocol.ApprovalRespondRequest
	if err := s.decode(r, &req); err != nil {
		return err
	}
	req.PairingID = pairingid.Normalize(req.PairingID)
	if err := s.queue.RespondApproval(r.Context(), req.PairingID, requestID, req.Approved); err != nil {
		return err
	}
	s.touch(r.Context(), req.PairingID)
	s.hub.syncPairing(req.PairingID)
	return s.writeJSON(w, http.StatusOK, protocol.SuccessResponse{Success: true})
}

func (s *Server) handleApprovalStatus(w http.ResponseWriter, r *http.Request) error {
	pairingID := pairingid.Normalize(r.PathValue("pairingId"))
	status, err := s.queue.ApprovalStatus(r.Context(), pairingID, r.PathValue("requestId"))
	if err != nil {
		return err
	}
	return s.writeJSON(w, http.StatusOK, status)
}

func (s *Server) handleApprovalRemove(w http.ResponseWriter, r *http.Request) error {
	pairingID := pairingid.Normalize(r.PathValue("pairingId"))
	if err := s.queue.RemoveApproval(r.Context(), pairingID, r.PathValue("requestId")); err != nil {
		return err
	}
	s.hub.syncPairing(pairingID)
	return s.writeJSON(w, http.StatusOK, protocol.SuccessResponse{Success: true})
}

func (s *Server) handleApprovalDrain(w http.ResponseWriter, r *http.Request) error {
	pairingID := pairingid.Normalize(r.PathValue("pairingId"))
	if err := s.queue.DrainApprovals(r.Context(), pairingID); err != nil {
		return err
	}
	s.hub.syncPairing(pairingID)
	return s.writeJSON(w, http.StatusOK, protocol.SuccessResponse{Success: true})
}

func (s *Server) handleQuestionCreate(w http.ResponseWriter, r *http.Request) error {
	var req protocol.QuestionCreateRequest
	if err := s.decode(r, &req); err != nil {
		return err
	}
	req.PairingID = pairingid.Normalize(req.PairingID)
	entry, created, err := s.queue.EnqueueQuestion(r.Context(), req.PairingID, req.QuestionRequest)
	if err != nil {
		return err
	}
	s.touch(r.Context(), req.PairingID)
	if created {
		s.hub.broadcast(req.PairingID, protocol.QuestionRequestedFrame(entry))
		s.dispatchHint(req.PairingID, push.KindQuestion, entry.QuestionID)
	}
	return s.writeJSON(w, http.StatusOK, protocol.AcceptedResponse{Success: true, RequestID: entry.QuestionID})
}

func (s *Server) handleQuestionQueue(w http.ResponseWriter, r *http.Request) error {
	pairingID := pairingid.Normalize(r.PathValue("pairingId"))
	pending, err := s.queue.PendingQuestions(r.Context(), pairingID)
	if err != nil {
		return err
	}
	s.touch(r.Context(), pairingID)
	s.obs.QueueDepth(observability.QueueKindQuestion, len(pending))
	return s.writeJSON(w, http.StatusOK, protocol.QuestionQueueResponse{
		Questions:  pending,
		TotalCount: len(pending),
	})
}

func (s *Server) handleQuestionAnswer(w http.ResponseWriter, r *http.Request) error {
	questionID := r.PathValue("questionId")
	var req protocol.QuestionAnswerRequest
	if err := s.decode(r, &req); err != nil {
		return err
	}
	req.PairingID = pairingid.Normalize(req.PairingID)
	if err := s.queue.AnswerQuestion(r.Context(), req.PairingID, questionID, req.Answer); err != nil {
		return err
	}
	s.touch(r.Context(), req.PairingID)
	s.hub.syncPairing(req.PairingID)
	return s.writeJSON(w, http.StatusOK, protocol.SuccessResponse{Success: true})
}

func (s *Server) handleQuestionStatus(w http.ResponseWriter, r *http.Request) error {
	pairingID := pairingid.Normalize(r.PathValue("pairingId"))
	status, err := s.queue.QuestionStatus(r.Context(), pairingID, r.PathValue("questionId"))
	if err != nil {
		return err
	}
	return s.writeJSON(w, http.StatusOK, status)
}

func (s *Server) handleQuestionRemove(w http.ResponseWriter, r *http.Request) error {
	pairingID := pairingid.Normalize(r.PathValue("pairingId"))
	if err := s.queue.RemoveQuestion(r.Context(), pairingID, r.PathValue("questionId")); err != nil {
		return err
	}
	s.hub.syncPairing(pairingID)
	return s.writeJSON(w, http.StatusOK, protocol.SuccessResponse{Success: true})
}

func (s *Server) handleQuestionDrain(w http.ResponseWriter, r *http.Request) error {
	pairingID := pairingid.Normalize(r.PathValue("pairingId"))
	if err := s.queue.DrainQuestions(r.Context(), pairingID); err != nil {
		return err
	}
	s.hub.syncPairing(pairingID)
	return s.writeJSON(w, http.StatusOK, protocol.SuccessResponse{Success: true})
}

func (s *Server) handleProgressPut(w http.ResponseWriter, r *http.Request) error {
	var req protocol.ProgressPutRequest
	if err := s.decode(r, &req); err != nil {
		return err
	}
	req.PairingID = pairingid.Normalize(req.PairingID)
	prev, _ := s.session.GetProgress(r.Context(), req.PairingID)
	stored, err := s.session.PutProgress(r.Context(), req.PairingID, req.ProgressSnapshot)
	if err != nil {
		return err
	}
	s.touch(r.Context(), req.PairingID)
	s.hub.broadcast(req.PairingID, protocol.ProgressFrame(stored))
	for _, f := range taskTransitionFrames(prev, stored) {
		s.hub.broadcast(req.PairingID, f)
	}
	if stored.IsComplete() || stored.Outcome != "" {
		s.dispatchHint(req.PairingID, push.KindProgress, "")
	}
	return s.writeJSON(w, http.StatusOK, protocol.SuccessResponse{Success: true})
}

// taskTransitionFrames diffs two snapshots into task_started and
// task_completed announcements.
func taskTransitionFrames(prev, cur *protocol.ProgressSnapshot) []*protocol.Frame {
	if cur == nil {
		return nil
	}
	known := map[string]bool{}
	if prev != nil {
		for _, t := range prev.Tasks {
			known[t.ID] = t.Completed
		}
	}
	var frames []*protocol.Frame
	for _, t := range cur.Tasks {
		completed, seen := known[t.ID]
		switch {
		case !seen && !t.Completed:
			frames = append(frames, &protocol.Frame{Type: protocol.FrameTaskStarted, Task: t.Title})
		case seen && !completed && t.Completed:
			frames = append(frames, &protocol.Frame{Type: protocol.FrameTaskCompleted, Task: t.Title})
		}
	}
	return frames
}

func (s *Server) handleProgressGet(w http.ResponseWriter, r *http.Request) error {
	pairingID := pairingid.Normalize(r.PathValue("pairingId"))
	snap, err := s.session.GetProgress(r.Context(), pairingID)
	if err != nil {
		return err
	}
	s.touch(r.Context(), pairingID)
	resp := protocol.ProgressGetResponse{Progress: snap}
	if snap != nil {
		resp.IsComplete = snap.IsComplete()
	}
	return s.writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleSessionEnd(w http.ResponseWriter, r *http.Request) error {
	var req protocol.SessionEndRequest
	if err := s.decode(r, &req); err != nil {
		return err
	}
	pairingID := pairingid.Normalize(req.PairingID)
	if err := s.session.End(r.Context(), pairingID); err != nil {
		return err
	}
	_ = s.queue.DrainApprovals(r.Context(), pairingID)
	_ = s.queue.DrainQuestions(r.Context(), pairingID)
	_ = s.session.ClearProgress(r.Context(), pairingID)
	s.touch(r.Context(), pairingID)
	s.hub.syncPairing(pairingID)
	return s.writeJSON(w, http.StatusOK, protocol.SuccessResponse{Success: true})
}

func (s *Server) handleSessionStatus(w http.ResponseWriter, r *http.Request) error {
	pairingID := pairingid.Normalize(r.PathValue("pairingId"))
	active, state, err := s.session.Status(r.Context(), pairingID)
	if err != nil {
		return err
	}
	mode, err := s.session.Mode(r.Context(), pairingID)
	if err != nil {
		return err
	}
	return s.writeJSON(w, http.StatusOK, protocol.SessionStatusResponse{
		SessionActive: active,
		State:         state,
		Mode:          mode,
	})
}

func (s *Server) handleInterrupt(w http.ResponseWriter, r *http.Request) error {
	var req protocol.InterruptRequest
	if err := s.decode(r, &req); err != nil {
		return err
	}
	req.PairingID = pairingid.Normalize(req.PairingID)
	interrupted, state, err := s.session.Interrupt(r.Context(), req.PairingID, req.Action)
	if err != nil {
		return err
	}
	s.touch(r.Context(), req.PairingID)
	s.hub.syncPairing(req.PairingID)
	return s.writeJSON(w, http.StatusOK, protocol.InterruptResponse{
		Interrupted: interrupted,
		Action:      req.Action,
		State:       state,
	})
}

func (s *Server) handleInterruptGet(w http.ResponseWriter, r *http.Request) error {
	pairingID := pairingid.Normalize(r.PathValue("pairingId"))
	interrupted, action, err := s.session.InterruptState(r.Context(), pairingID)
	if err != nil {
		return err
	}
	return s.writeJSON(w, http.StatusOK, protocol.InterruptResponse{
		Interrupted: interrupted,
		Action:      action,
	})
}

func (s *Server) handleModeSet(w http.ResponseWriter, r *http.Request) error {
	var req protocol.ModeRequest
	if err := s.decode(r, &req); err != nil {
		return err
	}
	req.PairingID = pairingid.Normalize(req.PairingID)
	if err := s.session.SetMode(r.Context(), req.PairingID, req.Mode); err != nil {
		return err
	}
	s.touch(r.Context(), req.PairingID)
	s.hub.broadcast(req.PairingID, protocol.ModeChangedFrame(req.Mode))
	return s.writeJSON(w, http.StatusOK, protocol.SetModeResponse{Success: true, Mode: req.Mode})
}

func (s *Server) handleModeGet(w http.ResponseWriter, r *http.Request) error {
	pairingID := pairingid.Normalize(r.PathValue("pairingId"))
	mode, err := s.session.Mode(r.Context(), pairingID)
	if err != nil {
		return err
	}
	return s.writeJSON(w, http.StatusOK, protocol.ModeResponse{Mode: mode})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) error {
	return s.writeJSON(w, http.StatusOK, protocol.HealthResponse{
		Status: "ok",
		Uptime: int64(s.now().Sub(s.startedAt).Seconds()),
	})
}
