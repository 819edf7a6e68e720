// Package server binds the relay services to their HTTP and WebSocket
// surface. One Server carries every pairing: queues, session state, and
// stream fanout are all keyed by pairingId.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/wristlink/wristlink/observability"
	"github.com/wristlink/wristlink/realtime/ws"
	"github.com/wristlink/wristlink/relay/kv"
	"github.com/wristlink/wristlink/relay/pairing"
	"github.com/wristlink/wristlink/relay/protocol"
	"github.com/wristlink/wristlink/relay/push"
	"github.com/wristlink/wristlink/relay/queue"
	"github.com/wristlink/wristlink/relay/session"
	"github.com/wristlink/wristlink/wlerrors"
)

type Config struct {
	Store kv.Store // Backing store shared by every service.

	Pairing pairing.Params // Pairing TTLs and code retry budget.
	Queue   queue.Params   // Queue capacity, entry and response TTLs.
	Session session.Params // Progress and control TTLs.

	Push *push.Dispatcher // Optional wake-hint dispatcher (nil disables).

	AllowedOrigins []string // Allowed Origin values for stream upgrades.
	AllowNoOrigin  bool     // Whether to accept upgrades without an Origin.

	ReadLimit        int64         // Max bytes for one inbound stream frame.
	WriteTimeout     time.Duration // Per-frame stream write deadline.
	HandshakeTimeout time.Duration // Budget for the upgrade + greeting.
	IdleTimeout      time.Duration // Close streams silent beyond this.
	SendQueue        int           // Buffered frames per stream connection.
	MaxStreams       int           // Max concurrent stream connections.

	PushTimeout time.Duration // Budget for one wake-hint dispatch.

	Logger         zerolog.Logger
	Observer       observability.RelayObserver
	StreamObserver observability.StreamObserver
	Metrics        http.Handler // Optional /metrics handler.

	Now func() time.Time // Injectable clock for tests.
}

// DefaultConfig returns production defaults; Store must still be set.
func DefaultConfig() Config {
	return Config{
		Pairing:          pairing.DefaultParams(),
		Queue:            queue.DefaultParams(),
		Session:          session.DefaultParams(),
		AllowNoOrigin:    true,
		ReadLimit:        protocol.MaxFrameBytes,
		WriteTimeout:     10 * time.Second,
		HandshakeTimeout: 10 * time.Second,
		IdleTimeout:      75 * time.Second,
		SendQueue:        32,
		MaxStreams:       10000,
		PushTimeout:      10 * time.Second,
		Logger:           zerolog.Nop(),
		Observer:         observability.NoopRelayObserver,
		StreamObserver:   observability.NoopStreamObserver,
	}
}

// Server is the relay's HTTP surface.
type Server struct {
	cfg Config

	log  zerolog.Logger
	obs  observability.RelayObserver
	sobs observability.StreamObserver

	pairing *pairing.Service
	queue   *queue.Service
	session *session.Service
	push    *push.Dispatcher

	hub         *hub
	now         func() time.Time
	checkOrigin func(r *http.Request) bool

	startedAt time.Time

	stopOnce sync.Once
	stopCh   chan struct{}
}

// New validates cfg, fills defaults, and assembles the services.
func New(cfg Config) (*Server, error) {
	if cfg.Store == nil {
		return nil, errors.New("missing store")
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.ReadLimit <= 0 {
		cfg.ReadLimit = protocol.MaxFrameBytes
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = 10 * time.Second
	}
	if cfg.HandshakeTimeout <= 0 {
		cfg.HandshakeTimeout = 10 * time.Second
	}
	if cfg.IdleTimeout <= 0 {
		cfg.IdleTimeout = 75 * time.Second
	}
	if cfg.SendQueue <= 0 {
		cfg.SendQueue = 32
	}
	if cfg.MaxStreams <= 0 {
		cfg.MaxStreams = 10000
	}
	if cfg.PushTimeout <= 0 {
		cfg.PushTimeout = 10 * time.Second
	}
	if cfg.Observer == nil {
		cfg.Observer = observability.NoopRelayObserver
	}
	if cfg.StreamObserver == nil {
		cfg.StreamObserver = observability.NoopStreamObserver
	}

	pairingSvc, err := pairing.New(pairing.Config{Store: cfg.Store, Params: cfg.Pairing, Now: cfg.Now})
	if err != nil {
		return nil, err
	}
	queueSvc, err := queue.New(queue.Config{Store: cfg.Store, Params: cfg.Queue, Now: cfg.Now})
	if err != nil {
		return nil, err
	}
	sessionSvc, err := session.New(session.Config{Store: cfg.Store, Params: cfg.Session, Now: cfg.Now})
	if err != nil {
		return nil, err
	}

	s := &Server{
		cfg:         cfg,
		log:         cfg.Logger,
		obs:         cfg.Observer,
		sobs:        cfg.StreamObserver,
		pairing:     pairingSvc,
		queue:       queueSvc,
		session:     sessionSvc,
		push:        cfg.Push,
		now:         cfg.Now,
		checkOrigin: ws.NewOriginChecker(cfg.AllowedOrigins, cfg.AllowNoOrigin),
		startedAt:   cfg.Now(),
		stopCh:      make(chan struct{}),
	}
	s.hub = newHub(s)
	return s, nil
}

// Register installs every relay route on the mux.
func (s *Server) Register(mux *http.ServeMux) {
	mux.HandleFunc("POST /pair/initiate", s.route(observability.OpPairInitiate, s.handlePairInitiate))
	mux.HandleFunc("GET /pair/status/{watchId}", s.route(observability.OpPairStatus, s.handlePairStatus))
	mux.HandleFunc("POST /pair/complete", s.route(observability.OpPairComplete, s.handlePairComplete))
	mux.HandleFunc("POST /unpair", s.route(observability.OpUnpair, s.handleUnpair))

	mux.HandleFunc("POST /approval", s.route(observability.OpApprovalEnqueue, s.handleApprovalCreate))
	mux.HandleFunc("GET /approval-queue/{pairingId}", s.route(observability.OpApprovalQueue, s.handleApprovalQueue))
	mux.HandleFunc("DELETE /approval-queue/{pairingId}", s.route(observability.OpApprovalDrain, s.handleApprovalDrain))
	mux.HandleFunc("POST /approval/{requestId}", s.route(observability.OpApprovalRespond, s.handleApprovalRespond))
	mux.HandleFunc("GET /approval/{pairingId}/{requestId}", s.route(observability.OpApprovalStatus, s.handleApprovalStatus))
	mux.HandleFunc("DELETE /approval/{pairingId}/{requestId}", s.route(observability.OpApprovalRemove, s.handleApprovalRemove))

	mux.HandleFunc("POST /question", s.route(observability.OpQuestionEnqueue, s.handleQuestionCreate))
	mux.HandleFunc("GET /question-queue/{pairingId}", s.route(observability.OpQuestionQueue, s.handleQuestionQueue))
	mux.HandleFunc("DELETE /question-queue/{pairingId}", s.route(observability.OpQuestionDrain, s.handleQuestionDrain))
	mux.HandleFunc("POST /question/{questionId}", s.route(observability.OpQuestionAnswer, s.handleQuestionAnswer))
	mux.HandleFunc("GET /question/{pairingId}/{questionId}", s.route(observability.OpQuestionStatus, s.handleQuestionStatus))
	mux.HandleFunc("DELETE /question/{pairingId}/{questionId}", s.route(observability.OpQuestionRemove, s.handleQuestionRemove))

	mux.HandleFunc("POST /session-progress", s.route(observability.OpProgressPut, s.handleProgressPut))
	mux.HandleFunc("GET /session-progress/{pairingId}", s.route(observability.OpProgressGet, s.handleProgressGet))
	mux.HandleFunc("POST /session-end", s.route(observability.OpSessionEnd, s.handleSessionEnd))
	mux.HandleFunc("GET /session-status/{pairingId}", s.route(observability.OpSessionStatus, s.handleSessionStatus))
	mux.HandleFunc("POST /session-interrupt", s.route(observability.OpSessionInterrupt, s.handleInterrupt))
	mux.HandleFunc("GET /session-interrupt/{pairingId}", s.route(observability.OpSessionInterrupt, s.handleInterruptGet))
	mux.HandleFunc("POST /session-mode", s.route(observability.OpSessionMode, s.handleModeSet))
	mux.HandleFunc("GET /session-mode/{pairingId}", s.route(observability.OpSessionMode, s.handleModeGet))

	mux.HandleFunc("GET /stream/{pairingId}", s.handleStream)
	mux.HandleFunc("GET /health", s.route(observability.OpHealth, s.handleHealth))
	if s.cfg.Metrics != nil {
		mux.Handle("GET /metrics", s.cfg.Metrics)
	}
}

// Handler returns a ready-to-serve mux with every route registered.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	s.Register(mux)
	return mux
}

// Close disconnects every stream and stops background work. Idempotent.
func (s *Server) Close() {
	s.stopOnce.Do(func() {
		close(s.stopCh)
		s.hub.closeAll()
	})
}

type handlerFunc func(w http.ResponseWriter, r *http.Request) error

// route wraps a handler with error rendering and per-op metrics.
func (s *Server) route(op observability.Op, h handlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		start := s.now()
		err := h(w, r)
		if err != nil {
			s.writeError(w, r, op, err)
		}
		s.obs.Request(op, resultFor(err), s.now().Sub(start))
	}
}

// resultFor maps a handler error to its metric label.
func resultFor(err error) observability.RequestResult {
	if err == nil {
		return observability.RequestResultOK
	}
	switch wlerrors.CodeOf(err) {
	case wlerrors.CodeInvalidInput:
		return observability.RequestResultInvalid
	case wlerrors.CodeNotFound:
		return observability.RequestResultNotFound
	case wlerrors.CodeConflict:
		return observability.RequestResultConflict
	case wlerrors.CodeUpstreamUnavailable, wlerrors.CodeTransport:
		return observability.RequestResultUnavailable
	default:
		return observability.RequestResultInternal
	}
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) error {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	return json.NewEncoder(w).Encode(v)
}

func (s *Server) writeError(w http.ResponseWriter, r *http.Request, op observability.Op, err error) {
	code := wlerrors.CodeOf(err)
	status := wlerrors.HTTPStatus(code)
	if status >= http.StatusInternalServerError {
		s.log.Error().Err(err).Str("op", string(op)).Str("path", r.URL.Path).Msg("request failed")
	} else {
		s.log.Debug().Err(err).Str("op", string(op)).Str("path", r.URL.Path).Msg("request rejected")
	}
	_ = s.writeJSON(w, status, protocol.ErrorResponse{Error: errorMessage(err, code), Code: string(code)})
}

// errorMessage keeps 4xx details for the caller and hides 5xx internals.
func errorMessage(err error, code wlerrors.Code) string {
	switch code {
	case wlerrors.CodeInvalidInput, wlerrors.CodeNotFound, wlerrors.CodeConflict, wlerrors.CodeExhausted:
		return err.Error()
	default:
		return "internal error"
	}
}

// decode reads and validates a JSON request body, accepting snake_case
// aliases for every field.
func (s *Server) decode(r *http.Request, v any) error {
	if err := protocol.DecodeBody(r.Body, s.queue.Constraints(), v); err != nil {
		return wlerrors.Wrap(wlerrors.PathPairing, wlerrors.StageDecode, wlerrors.CodeInvalidInput, err)
	}
	return nil
}

// touch refreshes the pairing's connection TTL. Best effort: unknown
// pairings and store hiccups never fail the operation that triggered it.
func (s *Server) touch(ctx context.Context, pairingID string) {
	if pairingID == "" {
		return
	}
	if err := s.pairing.Touch(ctx, pairingID); err != nil && !wlerrors.IsCode(err, wlerrors.CodeNotFound) && !wlerrors.IsCode(err, wlerrors.CodeInvalidInput) {
		s.log.Debug().Err(err).Str("pairingId", pairingID).Msg("touch failed")
	}
}

// dispatchHint fires a content-free wake hint for the pairing's device,
// detached from the request so slow pushes never block responses.
func (s *Server) dispatchHint(pairingID, kind, id string) {
	if s.push == nil || !s.push.Enabled() {
		return
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), s.cfg.PushTimeout)
		defer cancel()
		conn, err := s.pairing.Connection(ctx, pairingID)
		if err != nil || conn.DeviceToken == "" {
			return
		}
		hint := push.Hint{PairingID: pairingID, Kind: kind, ID: id}
		if err := s.push.Dispatch(ctx, conn.DeviceToken, hint); err != nil {
			s.log.Warn().Err(err).Str("pairingId", pairingID).Str("kind", kind).Msg("push hint failed")
		}
	}()
}
