package wlerrors

import (
	"context"
	"errors"
	"net"

	"github.com/gorilla/websocket"
)

// Classify maps a transport-layer error to a stable Code.
func Classify(err error) Code {
	return classifyContextCode(err, CodeTransport)
}

// ClassifyStore maps a KV-layer error to a stable Code.
func ClassifyStore(err error) Code {
	return classifyContextCode(err, CodeUpstreamUnavailable)
}

func classifyContextCode(err error, fallback Code) Code {
	var we *Error
	switch {
	case errors.As(err, &we):
		return we.Code
	case errors.Is(err, context.Canceled):
		return CodeCancelled
	case errors.Is(err, context.DeadlineExceeded):
		return CodeTransport
	}
	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		return CodeTransport
	}
	return fallback
}

// ClassifyStreamCloseCode maps a websocket close error on the stream
// endpoint to a stable Code.
//
// The stream uses close status + reason tokens (for example "unknown_pairing",
// "replaced") to signal rejections before any frame is exchanged.
func ClassifyStreamCloseCode(err error) (Code, bool) {
	var ce *websocket.CloseError
	if !errors.As(err, &ce) {
		return "", false
	}
	switch ce.Text {
	case "unknown_pairing":
		return CodeNotFound, true
	case "invalid_pairing":
		return CodeInvalidInput, true
	case "replaced", "shutdown":
		return CodeTransport, true
	default:
		return "", false
	}
}
