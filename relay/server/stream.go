package server

import (
	"context"
	"net/http"
	"sync"

	"github.com/gorilla/websocket"

	"github.com/wristlink/wristlink/internal/pairingid"
	"github.com/wristlink/wristlink/observability"
	"github.com/wristlink/wristlink/realtime/ws"
	"github.com/wristlink/wristlink/relay/protocol"
	"github.com/wristlink/wristlink/wlerrors"
)

// streamConn is one live watch stream. Frames fan out through send; a full
// queue drops the frame, and the client recovers with state_request.
type streamConn struct {
	pairingID string
	conn      *ws.Conn
	send      chan *protocol.Frame

	closeOnce sync.Once
	closed    chan struct{}
}

func newStreamConn(pairingID string, c *ws.Conn, sendQueue int) *streamConn {
	return &streamConn{
		pairingID: pairingID,
		conn:      c,
		send:      make(chan *protocol.Frame, sendQueue),
		closed:    make(chan struct{}),
	}
}

func (sc *streamConn) close() {
	sc.closeOnce.Do(func() { close(sc.closed) })
}

func (sc *streamConn) enqueue(f *protocol.Frame) bool {
	select {
	case sc.send <- f:
		return true
	default:
		return false
	}
}

// hub indexes stream connections by pairing and fans frames out to them.
type hub struct {
	s *Server

	mu    sync.Mutex
	conns map[string]map[*streamConn]struct{}
	count int64
}

func newHub(s *Server) *hub {
	return &hub{s: s, conns: make(map[string]map[*streamConn]struct{})}
}

func (h *hub) register(sc *streamConn) bool {
	h.mu.Lock()
	if h.s.cfg.MaxStreams > 0 && h.count >= int64(h.s.cfg.MaxStreams) {
		h.mu.Unlock()
		return false
	}
	set := h.conns[sc.pairingID]
	if set == nil {
		set = make(map[*streamConn]struct{}, 2)
		h.conns[sc.pairingID] = set
	}
	set[sc] = struct{}{}
	h.count++
	count := h.count
	h.mu.Unlock()
	h.s.sobs.StreamCount(count)
	return true
}

func (h *hub) unregister(sc *streamConn) {
	h.mu.Lock()
	set := h.conns[sc.pairingID]
	if _, ok := set[sc]; !ok {
		h.mu.Unlock()
		return
	}
	delete(set, sc)
	if len(set) == 0 {
		delete(h.conns, sc.pairingID)
	}
	h.count--
	count := h.count
	h.mu.Unlock()
	h.s.sobs.StreamCount(count)
}

func (h *hub) snapshot(pairingID string) []*streamConn {
	h.mu.Lock()
	defer h.mu.Unlock()
	set := h.conns[pairingID]
	if len(set) == 0 {
		return nil
	}
	out := make([]*streamConn, 0, len(set))
	for sc := range set {
		out = append(out, sc)
	}
	return out
}

// broadcast fans one frame out to every stream of the pairing.
func (h *hub) broadcast(pairingID string, f *protocol.Frame) {
	for _, sc := range h.snapshot(pairingID) {
		if !sc.enqueue(f) {
			h.s.log.Debug().Str("pairingId", pairingID).Str("frame", f.Type).Msg("stream send queue full, frame dropped")
		}
	}
}

// syncPairing pushes a fresh state_sync to every stream of the pairing. The
// snapshot is assembled off the request path.
func (h *hub) syncPairing(pairingID string) {
	if len(h.snapshot(pairingID)) == 0 {
		return
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), h.s.cfg.WriteTimeout)
		defer cancel()
		f, err := h.s.stateFrame(ctx, pairingID)
		if err != nil {
			h.s.log.Debug().Err(err).Str("pairingId", pairingID).Msg("state sync build failed")
			return
		}
		h.broadcast(pairingID, f)
	}()
}

// closePairing disconnects every stream of one pairing.
func (h *hub) closePairing(pairingID string) {
	for _, sc := range h.snapshot(pairingID) {
		_ = sc.conn.CloseWithStatus(websocket.CloseGoingAway, ws.CloseTextShutdown)
		sc.close()
	}
}

// closeAll disconnects every stream on shutdown.
func (h *hub) closeAll() {
	h.mu.Lock()
	var all []*streamConn
	for _, set := range h.conns {
		for sc := range set {
			all = append(all, sc)
		}
	}
	h.mu.Unlock()
	for _, sc := range all {
		_ = sc.conn.CloseWithStatus(websocket.CloseGoingAway, ws.CloseTextShutdown)
		sc.close()
	}
}

// stateFrame assembles the full per-pairing picture for state_sync.
func (s *Server) stateFrame(ctx context.Context, pairingID string) (*protocol.Frame, error) {
	approvals, err := s.queue.PendingApprovals(ctx, pairingID)
	if err != nil {
		return nil, err
	}
	questions, err := s.queue.PendingQuestions(ctx, pairingID)
	if err != nil {
		return nil, err
	}
	progress, err := s.session.GetProgress(ctx, pairingID)
	if err != nil {
		return nil, err
	}
	active, _, err := s.session.Status(ctx, pairingID)
	if err != nil {
		return nil, err
	}
	mode, err := s.session.Mode(ctx, pairingID)
	if err != nil {
		return nil, err
	}
	return protocol.StateSyncFrame(approvals, questions, progress, active, mode), nil
}

// handleStream upgrades /stream/{pairingId} and runs the stream until the
// client leaves, the pairing dies, or the connection goes idle.
func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	start := s.now()
	attach := func(result observability.RequestResult) {
		s.obs.Request(observability.OpStreamAttach, result, s.now().Sub(start))
	}

	c, err := ws.Upgrade(w, r, ws.UpgraderOptions{CheckOrigin: s.checkOrigin})
	if err != nil {
		attach(observability.RequestResultInvalid)
		return
	}
	c.SetReadLimit(s.cfg.ReadLimit)

	pairingID := pairingid.Normalize(r.PathValue("pairingId"))
	if err := pairingid.Validate(pairingID); err != nil {
		_ = c.CloseWithStatus(websocket.ClosePolicyViolation, ws.CloseTextInvalidPairing)
		attach(observability.RequestResultInvalid)
		return
	}

	hctx, hcancel := context.WithTimeout(r.Context(), s.cfg.HandshakeTimeout)
	defer hcancel()
	if _, err := s.pairing.Connection(hctx, pairingID); err != nil {
		if wlerrors.IsCode(err, wlerrors.CodeNotFound) {
			_ = c.CloseWithStatus(websocket.ClosePolicyViolation, ws.CloseTextUnknownPairing)
			attach(observability.RequestResultNotFound)
		} else {
			_ = c.CloseWithStatus(websocket.CloseInternalServerErr, "store unavailable")
			attach(observability.RequestResultUnavailable)
		}
		return
	}

	sc := newStreamConn(pairingID, c, s.cfg.SendQueue)
	if !s.hub.register(sc) {
		_ = c.CloseWithStatus(websocket.CloseTryAgainLater, "too many streams")
		attach(observability.RequestResultUnavailable)
		return
	}

	// The greeting doubles as the handshake confirmation: the client is
	// synchronized the moment it arrives.
	greeting, err := s.stateFrame(hctx, pairingID)
	if err == nil {
		err = c.WriteJSON(hctx, greeting)
	}
	if err != nil {
		s.hub.unregister(sc)
		_ = c.CloseWithStatus(websocket.CloseInternalServerErr, "state sync failed")
		attach(observability.RequestResultUnavailable)
		return
	}
	s.sobs.Frame(observability.FrameWrite)
	s.touch(r.Context(), pairingID)
	attach(observability.RequestResultOK)

	go s.writeLoop(sc)
	s.readLoop(sc)
}

func (s *Server) readLoop(sc *streamConn) {
	defer func() {
		s.hub.unregister(sc)
		sc.close()
		_ = sc.conn.Close()
	}()

	base, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		select {
		case <-sc.closed:
		case <-s.stopCh:
		case <-base.Done():
		}
		cancel()
	}()

	for {
		rctx, rcancel := context.WithTimeout(base, s.cfg.IdleTimeout)
		mt, data, err := sc.conn.ReadMessage(rctx)
		rcancel()
		if err != nil {
			return
		}
		if mt != websocket.TextMessage {
			s.sobs.FrameError(observability.FrameRead)
			_ = sc.conn.CloseWithStatus(websocket.CloseUnsupportedData, "binary frame")
			return
		}
		f, err := protocol.DecodeFrame(data)
		if err == nil {
			err = protocol.ValidateClientFrame(f)
		}
		if err != nil {
			s.sobs.FrameError(observability.FrameRead)
			_ = sc.conn.CloseWithStatus(websocket.ClosePolicyViolation, "malformed frame")
			return
		}
		s.sobs.Frame(observability.FrameRead)
		s.handleClientFrame(sc, f)
	}
}

func (s *Server) writeLoop(sc *streamConn) {
	for {
		select {
		case <-sc.closed:
			return
		case <-s.stopCh:
			return
		case f := <-sc.send:
			wctx, wcancel := context.WithTimeout(context.Background(), s.cfg.WriteTimeout)
			err := sc.conn.WriteJSON(wctx, f)
			wcancel()
			if err != nil {
				s.sobs.FrameError(observability.FrameWrite)
				sc.close()
				return
			}
			s.sobs.Frame(observability.FrameWrite)
		}
	}
}

// handleClientFrame applies one validated client command. Command failures
// are reported through metrics but keep the stream open; the client observes
// outcomes through state_sync.
func (s *Server) handleClientFrame(sc *streamConn, f *protocol.Frame) {
	ctx, cancel := context.WithTimeout(context.Background(), s.cfg.WriteTimeout)
	defer cancel()

	switch f.Type {
	case protocol.FramePing:
		sc.enqueue(&protocol.Frame{Type: protocol.FramePong, Seq: f.Seq})
		s.sobs.ClientCommand(observability.RequestResultOK)

	case protocol.FrameStateRequest:
		frame, err := s.stateFrame(ctx, sc.pairingID)
		if err != nil {
			s.sobs.ClientCommand(resultFor(err))
			return
		}
		sc.enqueue(frame)
		s.sobs.ClientCommand(observability.RequestResultOK)

	case protocol.FrameApprovalResponse:
		err := s.queue.RespondApproval(ctx, sc.pairingID, f.RequestID, *f.Approved)
		s.sobs.ClientCommand(resultFor(err))
		if err != nil {
			s.log.Debug().Err(err).Str("pairingId", sc.pairingID).Str("requestId", f.RequestID).Msg("stream approval response rejected")
			return
		}
		s.touch(ctx, sc.pairingID)
		s.hub.syncPairing(sc.pairingID)

	case protocol.FrameQuestionAnswer:
		err := s.queue.AnswerQuestion(ctx, sc.pairingID, f.RequestID, *f.Answer)
		s.sobs.ClientCommand(resultFor(err))
		if err != nil {
			s.log.Debug().Err(err).Str("pairingId", sc.pairingID).Str("questionId", f.RequestID).Msg("stream question answer rejected")
			return
		}
		s.touch(ctx, sc.pairingID)
		s.hub.syncPairing(sc.pairingID)

	case protocol.FrameSetMode:
		err := s.session.SetMode(ctx, sc.pairingID, f.Mode)
		s.sobs.ClientCommand(resultFor(err))
		if err != nil {
			return
		}
		s.touch(ctx, sc.pairingID)
		s.hub.broadcast(sc.pairingID, protocol.ModeChangedFrame(f.Mode))
	}
}
