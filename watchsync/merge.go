package watchsync

import (
	"context"
	"strings"
	"time"

	"github.com/wristlink/wristlink/relay/protocol"
)

// Activity kinds recorded by the engine.
const (
	activityApprovalRequested = "approval_requested"
	activityQuestionRequested = "question_requested"
	activityApproved          = "approved"
	activityRejected          = "rejected"
	activityAutoApproved      = "auto_approved"
	activityAnswered          = "answered"
	activityDeferred          = "deferred"
	activityModeChanged       = "mode_changed"
	activityTaskStarted       = "task_started"
	activityTaskCompleted     = "task_completed"
	activitySessionEnded      = "session_ended"
)

func (e *Engine) applyFrame(ctx context.Context, f *protocol.Frame) {
	now := e.cfg.Now()
	switch f.Type {
	case protocol.FrameStateSync:
		e.applyStateSync(ctx, f, now)
	case protocol.FrameActionRequested:
		e.applyAction(ctx, f)
	case protocol.FrameProgressUpdate:
		if f.Progress != nil {
			e.queueProgress(f.Progress)
		}
	case protocol.FrameTaskStarted:
		e.recordActivity(activityTaskStarted, f.Task, "")
	case protocol.FrameTaskCompleted:
		e.recordActivity(activityTaskCompleted, f.Task, "")
	case protocol.FrameModeChanged:
		if f.Mode != "" && f.Mode != e.mode {
			e.applyMode(ctx, f.Mode, false)
		}
	default:
		e.log.Debug().Str("frameType", f.Type).Msg("ignoring frame")
	}
}

// applyStateSync replaces the queue picture with the relay's, minus entries
// resolved locally inside the reconcile window. Once the window passes, a
// still-pending id the relay keeps sending comes back: the optimistic
// resolution evidently never landed.
func (e *Engine) applyStateSync(ctx context.Context, f *protocol.Frame, now time.Time) {
	e.pruneResolved(now)
	e.approvals = e.filterApprovals(f.Approvals)
	e.questions = e.filterQuestions(f.Questions)
	if f.SessionActive != nil {
		if e.sessionActive && !*f.SessionActive {
			e.recordActivity(activitySessionEnded, "Session ended", "")
		}
		e.sessionActive = *f.SessionActive
	}
	if f.Progress != nil {
		e.progress = f.Progress
		e.progressAt = now
		e.pendingProgress = nil
	} else {
		e.progress = nil
		e.pendingProgress = nil
	}
	if f.Mode != "" && f.Mode != e.mode {
		e.applyMode(ctx, f.Mode, false)
	}
	e.autoAcceptRound(ctx)
	e.publish()
}

func (e *Engine) applyAction(ctx context.Context, f *protocol.Frame) {
	switch f.Kind {
	case protocol.KindApproval:
		if f.Approval == nil {
			return
		}
		a := *f.Approval
		if e.isResolved(a.ID) || hasApproval(e.approvals, a.ID) {
			return
		}
		e.approvals = append(e.approvals, a)
		e.recordActivity(activityApprovalRequested, a.Title, a.Description)
		e.autoAcceptRound(ctx)
		e.publish()
	case protocol.KindQuestion:
		if f.Question == nil {
			return
		}
		q := *f.Question
		if e.isResolved(q.QuestionID) || hasQuestion(e.questions, q.QuestionID) {
			return
		}
		e.questions = append(e.questions, q)
		e.recordActivity(activityQuestionRequested, q.Question, q.Header)
		e.publish()
	}
}

// resolveApproval removes the entry, remembers the resolution for the
// reconcile window, and sends the verdict. Unknown ids are dropped: the
// entry was resolved elsewhere or expired.
func (e *Engine) resolveApproval(ctx context.Context, id string, approved, auto bool) {
	idx := indexApproval(e.approvals, id)
	if idx < 0 {
		e.log.Debug().Str("requestId", id).Msg("approval not pending")
		return
	}
	title := e.approvals[idx].Title
	e.approvals = append(e.approvals[:idx], e.approvals[idx+1:]...)
	e.resolved[id] = e.cfg.Now()
	v := approved
	e.sendOrQueue(ctx, &protocol.Frame{Type: protocol.FrameApprovalResponse, RequestID: id, Approved: &v})
	switch {
	case auto:
		e.recordActivity(activityAutoApproved, title, "")
	case approved:
		e.recordActivity(activityApproved, title, "")
	default:
		e.recordActivity(activityRejected, title, "")
	}
	e.publish()
}

func (e *Engine) resolveQuestion(ctx context.Context, id string, ans *protocol.Answer) {
	if ans == nil {
		return
	}
	idx := indexQuestion(e.questions, id)
	if idx < 0 {
		e.log.Debug().Str("questionId", id).Msg("question not pending")
		return
	}
	title := e.questions[idx].Question
	e.questions = append(e.questions[:idx], e.questions[idx+1:]...)
	e.resolved[id] = e.cfg.Now()
	e.sendOrQueue(ctx, &protocol.Frame{Type: protocol.FrameQuestionAnswer, RequestID: id, Answer: ans})
	if ans.HandleOnMac {
		e.recordActivity(activityDeferred, title, "")
	} else {
		e.recordActivity(activityAnswered, title, strings.Join(ans.StringIndices(), ","))
	}
	e.publish()
}

// applyMode updates the mode, optionally telling the relay, and runs an
// approve-all round when the switch lands on auto-accept.
func (e *Engine) applyMode(ctx context.Context, mode string, send bool) {
	prev := e.mode
	e.mode = mode
	if send {
		e.sendOrQueue(ctx, &protocol.Frame{Type: protocol.FrameSetMode, Mode: mode})
	}
	if prev != mode {
		e.recordActivity(activityModeChanged, "Mode "+mode, "")
	}
	if mode == protocol.ModeAutoAccept && prev != protocol.ModeAutoAccept {
		e.autoAcceptRound(ctx)
	}
	e.publish()
}

// autoAcceptRound approves every pending approval when auto-accept is on.
// Questions still need a human. The haptic fires once per round that did
// anything, not once per request.
func (e *Engine) autoAcceptRound(ctx context.Context) {
	if e.mode != protocol.ModeAutoAccept || len(e.approvals) == 0 {
		return
	}
	pending := append([]protocol.ApprovalRequest(nil), e.approvals...)
	for _, a := range pending {
		e.resolveApproval(ctx, a.ID, true, true)
	}
	e.log.Info().Int("count", len(pending)).Msg("auto-approved pending requests")
	if e.cfg.Haptic != nil {
		e.cfg.Haptic()
	}
}

// queueProgress coalesces progress bursts. The newest updatedAt wins; the
// batch window timer is armed once per burst.
func (e *Engine) queueProgress(p *protocol.ProgressSnapshot) {
	if e.pendingProgress == nil || !p.UpdatedAt.Before(e.pendingProgress.UpdatedAt) {
		e.pendingProgress = p
	}
	if e.batchC == nil {
		e.batchC = time.After(e.cfg.BatchWindow)
	}
}

// flushProgress applies the batched snapshot and reports whether the
// rendered state changed.
func (e *Engine) flushProgress() bool {
	if e.pendingProgress == nil {
		return false
	}
	p := e.pendingProgress
	e.pendingProgress = nil
	if e.progress != nil && p.UpdatedAt.Before(e.progress.UpdatedAt) {
		return false
	}
	e.progress = p
	e.progressAt = e.cfg.Now()
	return true
}

// pruneStale drops a snapshot nobody refreshed: quickly once complete, after
// five minutes when a session just went quiet mid-run.
func (e *Engine) pruneStale(now time.Time) bool {
	if e.progress == nil {
		return false
	}
	age := now.Sub(e.progressAt)
	limit := e.cfg.StaleActive
	if e.progress.IsComplete() {
		limit = e.cfg.StaleComplete
	}
	if age < limit {
		return false
	}
	e.progress = nil
	return true
}

func (e *Engine) pruneResolved(now time.Time) {
	for id, at := range e.resolved {
		if now.Sub(at) >= e.cfg.ReconcileWindow {
			delete(e.resolved, id)
		}
	}
}

func (e *Engine) isResolved(id string) bool {
	_, ok := e.resolved[id]
	return ok
}

func (e *Engine) filterApprovals(in []protocol.ApprovalRequest) []protocol.ApprovalRequest {
	out := make([]protocol.ApprovalRequest, 0, len(in))
	for _, a := range in {
		if e.isResolved(a.ID) {
			continue
		}
		out = append(out, a)
	}
	if len(out) == 0 {
		return nil
	}
	return out
}

func (e *Engine) filterQuestions(in []protocol.QuestionRequest) []protocol.QuestionRequest {
	out := make([]protocol.QuestionRequest, 0, len(in))
	for _, q := range in {
		if e.isResolved(q.QuestionID) {
			continue
		}
		out = append(out, q)
	}
	if len(out) == 0 {
		return nil
	}
	return out
}

func (e *Engine) recordActivity(kind, title, subtitle string) {
	if e.cfg.Activity == nil || title == "" {
		return
	}
	e.cfg.Activity.Record(kind, title, subtitle, e.cfg.PairingID)
}

func indexApproval(list []protocol.ApprovalRequest, id string) int {
	for i, a := range list {
		if a.ID == id {
			return i
		}
	}
	return -1
}

func indexQuestion(list []protocol.QuestionRequest, id string) int {
	for i, q := range list {
		if q.QuestionID == id {
			return i
		}
	}
	return -1
}

func hasApproval(list []protocol.ApprovalRequest, id string) bool {
	return indexApproval(list, id) >= 0
}

func hasQuestion(list []protocol.QuestionRequest, id string) bool {
	return indexQuestion(list, id) >= 0
}
