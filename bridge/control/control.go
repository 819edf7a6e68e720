// Package control implements the newline-delimited JSON permission protocol
// spoken on a wrapped tool's stdio.
//
// The tool emits control messages on stdout, one JSON object per line, mixed
// freely with its regular output. Lines that do not parse as control
// messages belong to the user and must be forwarded untouched. The bridge
// answers on the tool's stdin, again one JSON object per line.
package control

import (
	"bufio"
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sync"
)

// Message types on the tool's stdout.
const (
	TypeControlRequest       = "control_request"
	TypeControlCancelRequest = "control_cancel_request"
)

// TypeControlResponse is the only message type written to the tool's stdin.
const TypeControlResponse = "control_response"

// Subtypes of a control_request body and of a control_response.
const (
	SubtypeCanUseTool = "can_use_tool"
	SubtypeSuccess    = "success"
	SubtypeError      = "error"
)

// ToolAskUserQuestion routes to the question queue instead of the approval
// queue.
const ToolAskUserQuestion = "AskUserQuestion"

// Behaviors of a PermissionResult.
const (
	BehaviorAllow = "allow"
	BehaviorDeny  = "deny"
)

// MaxLineBytes caps one stdio line. Control messages are small; an
// over-long line aborts the read rather than truncating silently.
const MaxLineBytes = 1 << 20

// ErrLineTooLong reports a stdout line above MaxLineBytes.
var ErrLineTooLong = errors.New("stdio line exceeds limit")

// Request is a decoded control message from the tool.
type Request struct {
	Type      string       `json:"type"`
	RequestID string       `json:"request_id"`
	Request   *RequestBody `json:"request,omitempty"`
}

// RequestBody carries the permission payload of a control_request.
type RequestBody struct {
	Subtype  string          `json:"subtype"`
	ToolName string          `json:"tool_name"`
	Input    json.RawMessage `json:"input,omitempty"`
}

// Response is the envelope written back on the tool's stdin.
type Response struct {
	Type     string       `json:"type"`
	Response ResponseBody `json:"response"`
}

// ResponseBody resolves one control_request. Exactly one of Response and
// Error is set, matching the subtype.
type ResponseBody struct {
	Subtype   string            `json:"subtype"`
	RequestID string            `json:"request_id"`
	Response  *PermissionResult `json:"response,omitempty"`
	Error     string            `json:"error,omitempty"`
}

// PermissionResult is the verdict for a can_use_tool request. The envelope
// keys are snake_case but the result itself uses camelCase on the wire.
type PermissionResult struct {
	Behavior     string          `json:"behavior"`
	UpdatedInput json.RawMessage `json:"updatedInput,omitempty"`
	Message      string          `json:"message,omitempty"`
}

// Allow builds an allow verdict carrying the input the tool should proceed
// with.
func Allow(updatedInput json.RawMessage) *PermissionResult {
	return &PermissionResult{Behavior: BehaviorAllow, UpdatedInput: updatedInput}
}

// Deny builds a deny verdict with a user-facing reason.
func Deny(message string) *PermissionResult {
	return &PermissionResult{Behavior: BehaviorDeny, Message: message}
}

// Parse classifies one stdout line. ok is false when the line is not a
// control message and must be forwarded verbatim.
func Parse(line []byte) (*Request, bool) {
	trimmed := bytes.TrimSpace(line)
	if len(trimmed) == 0 || trimmed[0] != '{' {
		return nil, false
	}
	var req Request
	if err := json.Unmarshal(trimmed, &req); err != nil {
		return nil, false
	}
	switch req.Type {
	case TypeControlRequest, TypeControlCancelRequest:
		return &req, true
	default:
		return nil, false
	}
}

// Validate checks that the message holds everything needed to act on it.
func (r *Request) Validate() error {
	if r.RequestID == "" {
		return fmt.Errorf("%s without request_id", r.Type)
	}
	if r.Type != TypeControlRequest {
		return nil
	}
	if r.Request == nil {
		return fmt.Errorf("control_request %s without request body", r.RequestID)
	}
	if r.Request.Subtype != SubtypeCanUseTool {
		return fmt.Errorf("control_request %s has unsupported subtype %q", r.RequestID, r.Request.Subtype)
	}
	if r.Request.ToolName == "" {
		return fmt.Errorf("control_request %s without tool_name", r.RequestID)
	}
	return nil
}

// WithAnswers returns input with an answers map {requestID: indices} merged
// at the top level. Nil input becomes a fresh object. Existing keys are
// preserved; an existing answers key is replaced.
func WithAnswers(input json.RawMessage, requestID string, indices []string) (json.RawMessage, error) {
	obj := map[string]json.RawMessage{}
	if len(input) != 0 {
		if err := json.Unmarshal(input, &obj); err != nil {
			return nil, err
		}
	}
	if indices == nil {
		indices = []string{}
	}
	answers, err := json.Marshal(map[string][]string{requestID: indices})
	if err != nil {
		return nil, err
	}
	obj["answers"] = answers
	return json.Marshal(obj)
}

// Scanner reads newline-delimited messages from the tool's stdout.
type Scanner struct {
	s *bufio.Scanner
}

// NewScanner wraps r with a line reader capped at MaxLineBytes.
func NewScanner(r io.Reader) *Scanner {
	s := bufio.NewScanner(r)
	s.Buffer(make([]byte, 64*1024), MaxLineBytes)
	return &Scanner{s: s}
}

// Next returns the next raw line without its trailing newline, io.EOF after
// the last one. The returned slice is only valid until the next call.
func (sc *Scanner) Next() ([]byte, error) {
	if sc.s.Scan() {
		return sc.s.Bytes(), nil
	}
	if err := sc.s.Err(); err != nil {
		if errors.Is(err, bufio.ErrTooLong) {
			return nil, ErrLineTooLong
		}
		return nil, err
	}
	return nil, io.EOF
}

// Writer serialises control_response lines onto the tool's stdin. Worker
// goroutines share one Writer; the mutex keeps lines whole.
type Writer struct {
	mu sync.Mutex
	w  io.Writer
}

// NewWriter wraps the tool's stdin.
func NewWriter(w io.Writer) *Writer { return &Writer{w: w} }

// WriteResult reports a verdict for requestID with subtype success.
func (w *Writer) WriteResult(requestID string, result *PermissionResult) error {
	return w.write(Response{
		Type: TypeControlResponse,
		Response: ResponseBody{
			Subtype:   SubtypeSuccess,
			RequestID: requestID,
			Response:  result,
		},
	})
}

// WriteError reports a failure for requestID with subtype error.
func (w *Writer) WriteError(requestID, message string) error {
	return w.write(Response{
		Type: TypeControlResponse,
		Response: ResponseBody{
			Subtype:   SubtypeError,
			RequestID: requestID,
			Error:     message,
		},
	})
}

func (w *Writer) write(resp Response) error {
	b, err := json.Marshal(resp)
	if err != nil {
		return err
	}
	b = append(b, '\n')
	w.mu.Lock()
	defer w.mu.Unlock()
	_, err = w.w.Write(b)
	return err
}
