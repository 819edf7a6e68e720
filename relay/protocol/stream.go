package protocol

import (
	"encoding/json"
	"errors"
)

// Stream frame types, server to client.
const (
	FrameStateSync       = "state_sync"
	FrameActionRequested = "action_requested"
	FrameProgressUpdate  = "progress_update"
	FrameTaskStarted     = "task_started"
	FrameTaskCompleted   = "task_completed"
	FrameModeChanged     = "mode_changed"
	FramePong            = "pong"
)

// Stream frame types, client to server.
const (
	FramePing             = "ping"
	FrameApprovalResponse = "approval_response"
	FrameQuestionAnswer   = "question_answer"
	FrameSetMode          = "set_mode"
	FrameStateRequest     = "state_request"
)

// Action kinds carried by action_requested frames.
const (
	KindApproval = "approval"
	KindQuestion = "question"
)

// MaxFrameBytes bounds a single stream frame.
const MaxFrameBytes = 256 * 1024

var (
	ErrFrameTooLarge   = errors.New("stream frame too large")
	ErrFrameNoType     = errors.New("stream frame missing type")
	ErrFrameBadPayload = errors.New("stream frame payload does not match type")
)

// Frame is the single envelope for every stream message. Only the fields
// relevant to Type are populated; the rest stay omitted on the wire.
type Frame struct {
	Type string `json:"type"`
	Seq  int64  `json:"seq,omitempty"`

	// state_sync carries the full queue and session picture.
	Approvals     []ApprovalRequest `json:"approvals,omitempty"`
	Questions     []QuestionRequest `json:"questions,omitempty"`
	Progress      *ProgressSnapshot `json:"progress,omitempty"`
	SessionActive *bool             `json:"sessionActive,omitempty"`

	// action_requested carries exactly one new entry.
	Kind     string           `json:"kind,omitempty"`
	Approval *ApprovalRequest `json:"approval,omitempty"`
	Question *QuestionRequest `json:"question,omitempty"`

	// task_started and task_completed name the task.
	Task string `json:"task,omitempty"`

	// mode_changed and set_mode.
	Mode string `json:"mode,omitempty"`

	// approval_response and question_answer resolve one entry.
	RequestID string  `json:"requestId,omitempty"`
	Approved  *bool   `json:"approved,omitempty"`
	Answer    *Answer `json:"answer,omitempty"`
}

// EncodeFrame marshals a frame for the wire.
func EncodeFrame(f *Frame) ([]byte, error) {
	if f.Type == "" {
		return nil, ErrFrameNoType
	}
	return json.Marshal(f)
}

// DecodeFrame parses one frame, tolerating legacy snake_case keys and
// enforcing the size bound.
func DecodeFrame(data []byte) (*Frame, error) {
	if len(data) > MaxFrameBytes {
		return nil, ErrFrameTooLarge
	}
	var f Frame
	if err := DecodeCompat(data, &f); err != nil {
		return nil, err
	}
	if f.Type == "" {
		return nil, ErrFrameNoType
	}
	return &f, nil
}

// ValidateClientFrame checks a client-to-server frame's payload shape.
func ValidateClientFrame(f *Frame) error {
	switch f.Type {
	case FramePing, FrameStateRequest:
		return nil
	case FrameApprovalResponse:
		if f.RequestID == "" || f.Approved == nil {
			return ErrFrameBadPayload
		}
		return nil
	case FrameQuestionAnswer:
		if f.RequestID == "" || f.Answer == nil {
			return ErrFrameBadPayload
		}
		return nil
	case FrameSetMode:
		return ValidateMode(f.Mode)
	default:
		return ErrFrameBadPayload
	}
}

// StateSyncFrame builds the greeting and refresh frame.
func StateSyncFrame(approvals []ApprovalRequest, questions []QuestionRequest, progress *ProgressSnapshot, active bool, mode string) *Frame {
	return &Frame{
		Type:          FrameStateSync,
		Approvals:     approvals,
		Questions:     questions,
		Progress:      progress,
		SessionActive: &active,
		Mode:          mode,
	}
}

// ApprovalRequestedFrame announces one newly queued approval.
func ApprovalRequestedFrame(a *ApprovalRequest) *Frame {
	return &Frame{Type: FrameActionRequested, Kind: KindApproval, Approval: a}
}

// QuestionRequestedFrame announces one newly queued question.
func QuestionRequestedFrame(q *QuestionRequest) *Frame {
	return &Frame{Type: FrameActionRequested, Kind: KindQuestion, Question: q}
}

// ProgressFrame announces a snapshot update.
func ProgressFrame(p *ProgressSnapshot) *Frame {
	return &Frame{Type: FrameProgressUpdate, Progress: p}
}

// ModeChangedFrame announces a mode switch.
func ModeChangedFrame(mode string) *Frame {
	return &Frame{Type: FrameModeChanged, Mode: mode}
}
