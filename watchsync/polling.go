package watchsync

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/wristlink/wristlink/relay/protocol"
	"github.com/wristlink/wristlink/wlerrors"
)

// pollTransport emulates the stream over plain HTTP for clients that cannot
// hold a socket open. Every round fetches the queues, progress, and session
// status and synthesizes the same state_sync frame the stream would have
// pushed, so the engine merges both transports identically.
type pollTransport struct {
	cfg    *Config
	gen    int
	events chan<- transportEvent
	ctx    context.Context
	cancel context.CancelFunc
	bg     atomic.Bool
	kick   chan struct{}
}

// dialPoll treats the first successful round as the handshake. A relay that
// cannot answer it fails the attempt the same way a refused socket would.
func dialPoll(ctx context.Context, cfg *Config, gen int, events chan<- transportEvent) {
	hctx, hcancel := context.WithTimeout(ctx, cfg.HandshakeTimeout)
	first, err := pollOnce(hctx, cfg)
	hcancel()
	if err != nil {
		deliver(ctx, events, transportEvent{gen: gen, err: err})
		return
	}
	pctx, pcancel := context.WithCancel(ctx)
	t := &pollTransport{
		cfg:    cfg,
		gen:    gen,
		events: events,
		ctx:    pctx,
		cancel: pcancel,
		kick:   make(chan struct{}, 1),
	}
	deliver(ctx, events, transportEvent{gen: gen, tr: t})
	deliver(ctx, events, transportEvent{gen: gen, frame: first})
	go t.loop()
}

// pollOnce assembles one synthetic state_sync frame.
func pollOnce(ctx context.Context, cfg *Config) (*protocol.Frame, error) {
	approvals, err := cfg.Relay.ApprovalQueue(ctx, cfg.PairingID)
	if err != nil {
		return nil, err
	}
	questions, err := cfg.Relay.QuestionQueue(ctx, cfg.PairingID)
	if err != nil {
		return nil, err
	}
	prog, err := cfg.Relay.Progress(ctx, cfg.PairingID)
	if err != nil {
		return nil, err
	}
	status, err := cfg.Relay.SessionStatus(ctx, cfg.PairingID)
	if err != nil {
		return nil, err
	}
	return protocol.StateSyncFrame(approvals, questions, prog.Progress, status.SessionActive, status.Mode), nil
}

func (t *pollTransport) loop() {
	ticker := time.NewTicker(t.cfg.PollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-t.ctx.Done():
			return
		case <-ticker.C:
			// Background clients stop burning radio on timers; an explicit
			// kick still gets through.
			if t.bg.Load() {
				continue
			}
		case <-t.kick:
		}
		f, err := pollOnce(t.ctx, t.cfg)
		if err != nil {
			if t.ctx.Err() == nil {
				deliver(t.ctx, t.events, transportEvent{gen: t.gen, err: err})
			}
			return
		}
		deliver(t.ctx, t.events, transportEvent{gen: t.gen, frame: f})
	}
}

// send translates client frames to their REST equivalents.
func (t *pollTransport) send(ctx context.Context, f *protocol.Frame) error {
	cctx, cancel := context.WithTimeout(ctx, sendTimeout)
	defer cancel()
	switch f.Type {
	case protocol.FrameApprovalResponse:
		if f.RequestID == "" || f.Approved == nil {
			return wlerrors.Wrap(wlerrors.PathSync, wlerrors.StageDispatch, wlerrors.CodeInvalidInput, protocol.ErrFrameBadPayload)
		}
		return t.cfg.Relay.RespondApproval(cctx, t.cfg.PairingID, f.RequestID, *f.Approved)
	case protocol.FrameQuestionAnswer:
		if f.RequestID == "" || f.Answer == nil {
			return wlerrors.Wrap(wlerrors.PathSync, wlerrors.StageDispatch, wlerrors.CodeInvalidInput, protocol.ErrFrameBadPayload)
		}
		return t.cfg.Relay.AnswerQuestion(cctx, t.cfg.PairingID, f.RequestID, *f.Answer)
	case protocol.FrameSetMode:
		return t.cfg.Relay.SetMode(cctx, t.cfg.PairingID, f.Mode)
	case protocol.FrameStateRequest:
		t.poke()
		return nil
	case protocol.FramePing:
		// The next poll is the liveness probe; nothing to send.
		return nil
	default:
		return wlerrors.Wrap(wlerrors.PathSync, wlerrors.StageDispatch, wlerrors.CodeInvalidInput, protocol.ErrFrameBadPayload)
	}
}

func (t *pollTransport) poke() {
	select {
	case t.kick <- struct{}{}:
	default:
	}
}

func (t *pollTransport) setBackground(bg bool) {
	t.bg.Store(bg)
	if !bg {
		t.poke()
	}
}

func (t *pollTransport) close() { t.cancel() }
