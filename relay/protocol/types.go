// Package protocol defines the relay's JSON wire shapes: entity DTOs, the
// HTTP request/response bodies, and the stream frames. Inbound decoding
// tolerates legacy snake_case field names; everything emitted is camelCase.
package protocol

import (
	"errors"
	"strings"
	"time"
)

// Request status values. Status moves from pending to exactly one terminal
// value and never back.
const (
	StatusPending  = "pending"
	StatusApproved = "approved"
	StatusRejected = "rejected"
	StatusAnswered = "answered"
)

// Session control actions.
const (
	ActionStop   = "stop"
	ActionResume = "resume"
	ActionClear  = "clear"
)

// Pairing modes.
const (
	ModeManual     = "manual"
	ModeAutoAccept = "auto-accept"
)

// AnswerHandleOnMac is the sentinel a watch sends to defer a question to the
// workstation terminal.
const AnswerHandleOnMac = "HANDLE_ON_MAC"

// Constraints caps inbound payload sizes to prevent abuse.
type Constraints struct {
	MaxBodyBytes   int // Maximum request body bytes.
	MaxIDLen       int // Maximum id / questionId length.
	MaxTitleLen    int // Maximum title length.
	MaxTextLen     int // Maximum description/command/question length.
	MaxOptions     int // Maximum options per question.
	MaxOptionLabel int // Maximum option label length.
}

// DefaultConstraints returns safe defaults for relay validation.
func DefaultConstraints() Constraints {
	return Constraints{
		MaxBodyBytes:   64 * 1024,
		MaxIDLen:       128,
		MaxTitleLen:    256,
		MaxTextLen:     4096,
		MaxOptions:     8,
		MaxOptionLabel: 200,
	}
}

var (
	ErrMissingPairingID = errors.New("missing pairingId")
	ErrMissingID        = errors.New("missing id")
	ErrIDTooLong        = errors.New("id too long")
	ErrMissingTitle     = errors.New("missing title")
	ErrTextTooLong      = errors.New("text field too long")
	ErrNoOptions        = errors.New("question needs at least one option")
	ErrTooManyOptions   = errors.New("too many options")
	ErrBadAction        = errors.New("action must be stop, resume, or clear")
	ErrBadMode          = errors.New("mode must be manual or auto-accept")
)

// ApprovalRequest is one pending tool-use approval, as stored and as served
// to the watch.
type ApprovalRequest struct {
	ID          string    `json:"id"`
	Type        string    `json:"type"`
	Title       string    `json:"title"`
	Description string    `json:"description,omitempty"`
	FilePath    string    `json:"filePath,omitempty"`
	Command     string    `json:"command,omitempty"`
	// Detail sealed by the endpoints; the relay stores it opaque.
	EncryptedPayload string    `json:"encryptedPayload,omitempty"`
	CreatedAt        time.Time `json:"createdAt"`
	Status           string    `json:"status"`
}

// QuestionOption is one selectable answer.
type QuestionOption struct {
	Label string `json:"label"`
}

// QuestionRequest is one pending free-form question.
type QuestionRequest struct {
	QuestionID        string           `json:"questionId"`
	Question          string           `json:"question"`
	Header            string           `json:"header,omitempty"`
	Options           []QuestionOption `json:"options"`
	MultiSelect       bool             `json:"multiSelect"`
	RecommendedAnswer string           `json:"recommendedAnswer,omitempty"`
	EncryptedPayload  string           `json:"encryptedPayload,omitempty"`
	CreatedAt         time.Time        `json:"createdAt"`
	Status            string           `json:"status"`
	Answer            *Answer          `json:"answer,omitempty"`
}

// Task is one entry of a progress snapshot's task list.
type Task struct {
	ID        string `json:"id,omitempty"`
	Title     string `json:"title"`
	Completed bool   `json:"completed"`
}

// ProgressSnapshot is the last-write-wins task progress record.
type ProgressSnapshot struct {
	CurrentTask     string    `json:"currentTask,omitempty"`
	CurrentActivity string    `json:"currentActivity,omitempty"`
	Progress        float64   `json:"progress"`
	CompletedCount  int       `json:"completedCount"`
	TotalCount      int       `json:"totalCount"`
	ElapsedSeconds  int       `json:"elapsedSeconds"`
	Tasks           []Task    `json:"tasks,omitempty"`
	Outcome         string    `json:"outcome,omitempty"`
	UpdatedAt       time.Time `json:"updatedAt"`
}

// IsComplete reports snapshot completion. Derived, never trusted from the
// wire: progress at 1, or a fully completed non-empty task count.
func (p *ProgressSnapshot) IsComplete() bool {
	if p == nil {
		return false
	}
	if p.Progress >= 1 {
		return true
	}
	return p.TotalCount > 0 && p.CompletedCount == p.TotalCount
}

// ValidateAction checks a session-interrupt action.
func ValidateAction(action string) error {
	switch action {
	case ActionStop, ActionResume, ActionClear:
		return nil
	default:
		return ErrBadAction
	}
}

// ValidateMode checks a pairing mode value.
func ValidateMode(mode string) error {
	switch mode {
	case ModeManual, ModeAutoAccept:
		return nil
	default:
		return ErrBadMode
	}
}

// ValidateApproval validates an inbound approval create payload.
func ValidateApproval(a *ApprovalRequest, c Constraints) error {
	if strings.TrimSpace(a.ID) == "" {
		return ErrMissingID
	}
	if len(a.ID) > c.MaxIDLen {
		return ErrIDTooLong
	}
	if strings.TrimSpace(a.Title) == "" {
		return ErrMissingTitle
	}
	if len(a.Title) > c.MaxTitleLen {
		return ErrTextTooLong
	}
	if len(a.Description) > c.MaxTextLen || len(a.Command) > c.MaxTextLen || len(a.FilePath) > c.MaxTextLen {
		return ErrTextTooLong
	}
	return nil
}

// ValidateQuestion validates an inbound question create payload.
func ValidateQuestion(q *QuestionRequest, c Constraints) error {
	if strings.TrimSpace(q.QuestionID) == "" {
		return ErrMissingID
	}
	if len(q.QuestionID) > c.MaxIDLen {
		return ErrIDTooLong
	}
	if strings.TrimSpace(q.Question) == "" {
		return ErrMissingTitle
	}
	if len(q.Question) > c.MaxTextLen || len(q.Header) > c.MaxTitleLen {
		return ErrTextTooLong
	}
	if len(q.Options) == 0 {
		return ErrNoOptions
	}
	if len(q.Options) > c.MaxOptions {
		return ErrTooManyOptions
	}
	for _, opt := range q.Options {
		if strings.TrimSpace(opt.Label) == "" {
			return ErrNoOptions
		}
		if len(opt.Label) > c.MaxOptionLabel {
			return ErrTextTooLong
		}
	}
	return nil
}
