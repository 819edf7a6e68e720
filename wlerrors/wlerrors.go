package wlerrors

import (
	"errors"
	"fmt"
	"net/http"
)

// Path identifies the subsystem an error originated in.
type Path string

const (
	PathKV       Path = "kv"
	PathPairing  Path = "pairing"
	PathApproval Path = "approval"
	PathQuestion Path = "question"
	PathProgress Path = "progress"
	PathSession  Path = "session"
	PathPush     Path = "push"
	PathStream   Path = "stream"
	PathBridge   Path = "bridge"
	PathSync     Path = "sync"
	PathCrypto   Path = "crypto"
	PathClient   Path = "client"
)

// Stage identifies which step of an operation failed.
type Stage string

const (
	StageValidate Stage = "validate"
	StageStore    Stage = "store"
	StageEncode   Stage = "encode"
	StageDecode   Stage = "decode"
	StageConnect  Stage = "connect"
	StageDial     Stage = "dial"
	StageUpgrade  Stage = "upgrade"
	StageDispatch Stage = "dispatch"
	StageSign     Stage = "sign"
	StagePoll     Stage = "poll"
	StageLiveness Stage = "liveness"
	StageRespond  Stage = "respond"
	StageSpawn    Stage = "spawn"
	StageSeal     Stage = "seal"
	StageOpen     Stage = "open"
	StagePersist  Stage = "persist"
	StageClose    Stage = "close"
)

// Code is a stable, programmatic error identifier. The relay emits it as the
// machine-readable tag in error response bodies.
type Code string

const (
	CodeInvalidInput        Code = "INVALID_INPUT"
	CodeNotFound            Code = "NOT_FOUND"
	CodeConflict            Code = "CONFLICT"
	CodeUpstreamUnavailable Code = "UPSTREAM_UNAVAILABLE"
	CodeCrypto              Code = "CRYPTO"
	CodeTransport           Code = "TRANSPORT"
	CodeExhausted           Code = "EXHAUSTED"
	CodeCancelled           Code = "CANCELLED"
)

// Error is a structured, programmatically identifiable error.
type Error struct {
	Path  Path
	Stage Stage
	Code  Code
	Err   error
}

func (e *Error) Error() string {
	if e == nil {
		return "<nil>"
	}
	if e.Err != nil {
		return fmt.Sprintf("%s %s (%s): %v", e.Path, e.Stage, e.Code, e.Err)
	}
	return fmt.Sprintf("%s %s (%s)", e.Path, e.Stage, e.Code)
}

func (e *Error) Unwrap() error { return e.Err }

func Wrap(path Path, stage Stage, code Code, err error) error {
	return &Error{Path: path, Stage: stage, Code: code, Err: err}
}

// CodeOf extracts the Code from err, walking wrapped chains. Unclassified
// errors report CodeUpstreamUnavailable so HTTP mapping lands on 500.
func CodeOf(err error) Code {
	var we *Error
	if errors.As(err, &we) {
		return we.Code
	}
	return CodeUpstreamUnavailable
}

// IsCode reports whether err carries the given Code.
func IsCode(err error, code Code) bool {
	var we *Error
	return errors.As(err, &we) && we.Code == code
}

// HTTPStatus maps a Code to the relay's response status.
func HTTPStatus(code Code) int {
	switch code {
	case CodeInvalidInput:
		return http.StatusBadRequest
	case CodeNotFound:
		return http.StatusNotFound
	case CodeConflict:
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

// FromHTTPStatus maps a relay response status back to a Code on the client
// side. The body code, when present, takes precedence over this mapping.
func FromHTTPStatus(status int) Code {
	switch status {
	case http.StatusBadRequest:
		return CodeInvalidInput
	case http.StatusNotFound:
		return CodeNotFound
	case http.StatusConflict:
		return CodeConflict
	default:
		return CodeUpstreamUnavailable
	}
}
