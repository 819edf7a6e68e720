// Package ws wraps gorilla/websocket with context-aware reads and writes
// and the close-status vocabulary of the relay's watch stream.
package ws

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
)

// Close texts sent with policy-violation close frames on the watch stream.
// Clients map these back to error codes.
const (
	CloseTextUnknownPairing = "unknown_pairing"
	CloseTextInvalidPairing = "invalid_pairing"
	CloseTextReplaced       = "replaced"
	CloseTextShutdown       = "shutdown"
)

const closeWriteBudget = 2 * time.Second

// Conn is a websocket connection whose blocking operations take a context.
type Conn struct {
	c *websocket.Conn
}

// UpgraderOptions controls the server-side handshake.
type UpgraderOptions struct {
	ReadBufferSize  int
	WriteBufferSize int
	CheckOrigin     func(r *http.Request) bool
}

// Upgrade switches an HTTP request to a websocket.
func Upgrade(w http.ResponseWriter, r *http.Request, opts UpgraderOptions) (*Conn, error) {
	up := websocket.Upgrader{
		ReadBufferSize:  opts.ReadBufferSize,
		WriteBufferSize: opts.WriteBufferSize,
		CheckOrigin:     opts.CheckOrigin,
	}
	c, err := up.Upgrade(w, r, nil)
	if err != nil {
		return nil, err
	}
	return &Conn{c: c}, nil
}

// DialOptions controls the client-side handshake.
type DialOptions struct {
	Header http.Header
	Dialer *websocket.Dialer
}

// Dial opens a websocket. A context deadline tightens the handshake timeout
// when it is sooner than the dialer's own.
func Dial(ctx context.Context, urlStr string, opts DialOptions) (*Conn, *http.Response, error) {
	d := websocket.Dialer{}
	if opts.Dialer != nil {
		d = *opts.Dialer
	}
	if deadline, ok := ctx.Deadline(); ok {
		remaining := time.Until(deadline)
		if d.HandshakeTimeout == 0 || d.HandshakeTimeout > remaining {
			d.HandshakeTimeout = remaining
		}
	}
	c, resp, err := d.DialContext(ctx, urlStr, opts.Header)
	if err != nil {
		return nil, resp, err
	}
	return &Conn{c: c}, resp, nil
}

// SetReadLimit caps one inbound frame; the peer exceeding it kills the read.
func (c *Conn) SetReadLimit(n int64) { c.c.SetReadLimit(n) }

// guardDeadline makes a blocking gorilla call honor ctx. gorilla only
// unblocks on socket deadlines, so the context's deadline is installed via
// set, and cancellation forces an immediate one to wake the call. The
// returned release must run after the call; mapErr distinguishes "ctx
// fired" from a genuine I/O timeout.
func guardDeadline(ctx context.Context, set func(time.Time) error) (release func(), mapErr func(error) error) {
	deadline, hasDeadline := ctx.Deadline()
	if hasDeadline {
		_ = set(deadline)
	} else {
		_ = set(time.Time{})
	}
	release = func() {}
	if ctx.Done() != nil {
		var armed atomic.Bool
		armed.Store(true)
		stop := context.AfterFunc(ctx, func() {
			if armed.Load() {
				_ = set(time.Now())
			}
		})
		release = func() {
			armed.Store(false)
			stop()
		}
	}
	mapErr = func(err error) error {
		ne, ok := err.(net.Error)
		if !ok || !ne.Timeout() {
			return err
		}
		if cerr := ctx.Err(); cerr != nil {
			return cerr
		}
		// The socket deadline can fire a hair before the context timer.
		if hasDeadline && !time.Now().Before(deadline) {
			return context.DeadlineExceeded
		}
		return err
	}
	return release, mapErr
}

// ReadMessage reads one frame, honoring ctx cancellation and deadline.
func (c *Conn) ReadMessage(ctx context.Context) (int, []byte, error) {
	if err := ctx.Err(); err != nil {
		return 0, nil, err
	}
	release, mapErr := guardDeadline(ctx, c.c.SetReadDeadline)
	defer release()
	mt, data, err := c.c.ReadMessage()
	if err != nil {
		return 0, nil, mapErr(err)
	}
	return mt, data, nil
}

// WriteMessage writes one frame, honoring ctx cancellation and deadline.
func (c *Conn) WriteMessage(ctx context.Context, messageType int, data []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	release, mapErr := guardDeadline(ctx, c.c.SetWriteDeadline)
	defer release()
	if err := c.c.WriteMessage(messageType, data); err != nil {
		return mapErr(err)
	}
	return nil
}

// ReadJSON reads one text frame into v.
func (c *Conn) ReadJSON(ctx context.Context, v any) error {
	_, data, err := c.ReadMessage(ctx)
	if err != nil {
		return err
	}
	return json.Unmarshal(data, v)
}

// WriteJSON writes v as one text frame.
func (c *Conn) WriteJSON(ctx context.Context, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return c.WriteMessage(ctx, websocket.TextMessage, data)
}

// Close tears the connection down without a close handshake.
func (c *Conn) Close() error { return c.c.Close() }

// CloseWithStatus sends a close frame carrying code and text, then closes.
func (c *Conn) CloseWithStatus(code int, text string) error {
	msg := websocket.FormatCloseMessage(code, text)
	_ = c.c.WriteControl(websocket.CloseMessage, msg, time.Now().Add(closeWriteBudget))
	return c.c.Close()
}
