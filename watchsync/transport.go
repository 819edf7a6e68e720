package watchsync

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/wristlink/wristlink/realtime/ws"
	"github.com/wristlink/wristlink/relay/protocol"
	"github.com/wristlink/wristlink/wlerrors"
)

// sendTimeout bounds a single outbound frame delivery.
const sendTimeout = 10 * time.Second

// transportEvent is the only thing a transport goroutine hands to the engine
// loop. Exactly one of tr, frame, or err is set. gen ties the event to the
// dial attempt that produced it so events from a replaced connection are
// discarded instead of corrupting newer state.
type transportEvent struct {
	gen   int
	tr    transport
	frame *protocol.Frame
	err   error
}

// transport is one live relay connection. send and setBackground are called
// only from the engine loop; close may race with in-flight reads.
type transport interface {
	send(ctx context.Context, f *protocol.Frame) error
	setBackground(bg bool)
	close()
}

// deliver pushes an event unless the dial context already died.
func deliver(ctx context.Context, events chan<- transportEvent, ev transportEvent) {
	select {
	case events <- ev:
	case <-ctx.Done():
	}
}

// streamTransport runs the websocket stream. Liveness is protocol-level: the
// ping loop sends ping frames and expects the relay's pong echo within
// PongTimeout. Pong frames never reach the engine.
type streamTransport struct {
	conn    *ws.Conn
	cancel  context.CancelFunc
	writeMu sync.Mutex
	pongs   chan int64
}

// dialStream connects, completes the handshake, and only then announces the
// transport. The handshake is the relay's greeting state_sync: until that
// first frame arrives within HandshakeTimeout the attempt counts as failed.
func dialStream(ctx context.Context, cfg *Config, gen int, events chan<- transportEvent) {
	hctx, hcancel := context.WithTimeout(ctx, cfg.HandshakeTimeout)
	conn, resp, err := ws.Dial(hctx, cfg.Relay.StreamURL(cfg.PairingID), ws.DialOptions{})
	hcancel()
	if err != nil {
		if resp != nil && resp.Body != nil {
			resp.Body.Close()
		}
		deliver(ctx, events, transportEvent{gen: gen, err: wrapStream(wlerrors.StageDial, err)})
		return
	}
	conn.SetReadLimit(protocol.MaxFrameBytes)

	gctx, gcancel := context.WithTimeout(ctx, cfg.HandshakeTimeout)
	var greeting protocol.Frame
	err = conn.ReadJSON(gctx, &greeting)
	gcancel()
	if err != nil {
		conn.Close()
		deliver(ctx, events, transportEvent{gen: gen, err: wrapStream(wlerrors.StageConnect, err)})
		return
	}
	if greeting.Type != protocol.FrameStateSync {
		conn.Close()
		err = fmt.Errorf("handshake frame is %q, want %q", greeting.Type, protocol.FrameStateSync)
		deliver(ctx, events, transportEvent{gen: gen, err: wlerrors.Wrap(wlerrors.PathSync, wlerrors.StageConnect, wlerrors.CodeTransport, err)})
		return
	}

	tctx, tcancel := context.WithCancel(ctx)
	t := &streamTransport{conn: conn, cancel: tcancel, pongs: make(chan int64, 1)}
	deliver(ctx, events, transportEvent{gen: gen, tr: t})
	deliver(ctx, events, transportEvent{gen: gen, frame: &greeting})
	go t.readLoop(tctx, gen, events)
	go t.pingLoop(tctx, cfg, gen, events)
}

func (t *streamTransport) readLoop(ctx context.Context, gen int, events chan<- transportEvent) {
	for {
		var f protocol.Frame
		if err := t.conn.ReadJSON(ctx, &f); err != nil {
			if ctx.Err() == nil {
				deliver(ctx, events, transportEvent{gen: gen, err: wrapStream(wlerrors.StageDecode, err)})
			}
			return
		}
		if f.Type == protocol.FramePong {
			select {
			case t.pongs <- f.Seq:
			default:
			}
			continue
		}
		fc := f
		deliver(ctx, events, transportEvent{gen: gen, frame: &fc})
	}
}

func (t *streamTransport) pingLoop(ctx context.Context, cfg *Config, gen int, events chan<- transportEvent) {
	ticker := time.NewTicker(cfg.PingInterval)
	defer ticker.Stop()
	var seq int64
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		seq++
		if err := t.send(ctx, &protocol.Frame{Type: protocol.FramePing, Seq: seq}); err != nil {
			if ctx.Err() == nil {
				deliver(ctx, events, transportEvent{gen: gen, err: err})
				t.conn.Close()
			}
			return
		}
		timer := time.NewTimer(cfg.PongTimeout)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-t.pongs:
			timer.Stop()
		case <-timer.C:
			err := wlerrors.Wrap(wlerrors.PathSync, wlerrors.StageLiveness, wlerrors.CodeTransport,
				fmt.Errorf("no pong within %s", cfg.PongTimeout))
			deliver(ctx, events, transportEvent{gen: gen, err: err})
			t.conn.Close()
			return
		}
	}
}

func (t *streamTransport) send(ctx context.Context, f *protocol.Frame) error {
	wctx, cancel := context.WithTimeout(ctx, sendTimeout)
	defer cancel()
	t.writeMu.Lock()
	defer t.writeMu.Unlock()
	if err := t.conn.WriteJSON(wctx, f); err != nil {
		return wrapStream(wlerrors.StageDispatch, err)
	}
	return nil
}

// setBackground is a no-op for the stream: the relay pushes, so there is no
// periodic work to pause.
func (t *streamTransport) setBackground(bool) {}

func (t *streamTransport) close() {
	t.cancel()
	_ = t.conn.Close()
}

// wrapStream keeps relay close reasons (unknown_pairing, replaced, ...)
// visible as stable codes so the engine can tell a dead pairing from a dead
// network.
func wrapStream(stage wlerrors.Stage, err error) error {
	var we *wlerrors.Error
	if errors.As(err, &we) {
		return err
	}
	if code, ok := wlerrors.ClassifyStreamCloseCode(err); ok {
		return wlerrors.Wrap(wlerrors.PathSync, stage, code, err)
	}
	return wlerrors.Wrap(wlerrors.PathSync, stage, wlerrors.Classify(err), err)
}
