// Package watchsync keeps a wearable client's view of one pairing in step
// with the relay.
//
// A single goroutine owns all session state. UI surfaces issue commands
// (approve, answer, mode switches, lifecycle hints) through a channel and
// observe results as immutable StateSnapshots; transports deliver server
// frames through the same loop. Merges, reconnect policy, and optimistic
// reconciliation therefore never race, and a slow subscriber can never block
// the sync path.
package watchsync

import (
	"context"
	"errors"
	"math/rand"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/wristlink/wristlink/internal/pairingid"
	"github.com/wristlink/wristlink/relay/protocol"
	"github.com/wristlink/wristlink/relayclient"
	"github.com/wristlink/wristlink/wlerrors"
)

// ConnState is the engine's connectivity phase as shown to the UI.
type ConnState string

const (
	ConnDisconnected ConnState = "disconnected"
	ConnConnecting   ConnState = "connecting"
	ConnConnected    ConnState = "connected"
	ConnReconnecting ConnState = "reconnecting"
)

// TransportKind selects how the engine talks to the relay.
type TransportKind string

const (
	TransportStreaming TransportKind = "streaming"
	TransportPolling   TransportKind = "polling"
)

// Engine defaults.
const (
	DefaultHandshakeTimeout = 10 * time.Second
	DefaultPingInterval     = 15 * time.Second
	DefaultPongTimeout      = 10 * time.Second
	DefaultPollInterval     = 2 * time.Second
	DefaultBackoffBase      = time.Second
	DefaultBackoffCap       = 60 * time.Second
	DefaultJitter           = 0.2
	DefaultMaxRetries       = 10
	DefaultBatchWindow      = 2 * time.Second
	DefaultReconcileWindow  = 60 * time.Second
	DefaultStaleActive      = 300 * time.Second
	DefaultStaleComplete    = 3 * time.Second
	DefaultOutboxCapacity   = 50
)

// StateSnapshot is an immutable copy of everything a watch UI renders.
type StateSnapshot struct {
	Conn        ConnState
	Attempt     int
	NextRetryIn time.Duration
	LastError   string

	SessionActive    bool
	Mode             string
	Approvals        []protocol.ApprovalRequest
	Questions        []protocol.QuestionRequest
	Progress         *protocol.ProgressSnapshot
	ProgressComplete bool
	UpdatedAt        time.Time
}

// ActivityRecorder receives notable events for the on-watch history list.
// *activity.Store satisfies it.
type ActivityRecorder interface {
	Record(kind, title, subtitle, sessionID string)
}

// Config wires an Engine. Zero durations and counts take the defaults above.
type Config struct {
	PairingID string
	Relay     *relayclient.Client
	Transport TransportKind

	HandshakeTimeout time.Duration
	PingInterval     time.Duration
	PongTimeout      time.Duration
	PollInterval     time.Duration

	BackoffBase time.Duration
	BackoffCap  time.Duration
	Jitter      float64
	MaxRetries  int

	BatchWindow     time.Duration
	ReconcileWindow time.Duration
	StaleActive     time.Duration
	StaleComplete   time.Duration
	OutboxCapacity  int

	// Haptic fires once per auto-accept round that approved anything.
	Haptic   func()
	Activity ActivityRecorder
	Logger   zerolog.Logger

	// Now and Rand exist for tests; nil means real clock and math/rand.
	Now  func() time.Time
	Rand func() float64
}

func (c *Config) withDefaults() {
	if c.HandshakeTimeout <= 0 {
		c.HandshakeTimeout = DefaultHandshakeTimeout
	}
	if c.PingInterval <= 0 {
		c.PingInterval = DefaultPingInterval
	}
	if c.PongTimeout <= 0 {
		c.PongTimeout = DefaultPongTimeout
	}
	if c.PollInterval <= 0 {
		c.PollInterval = DefaultPollInterval
	}
	if c.BackoffBase <= 0 {
		c.BackoffBase = DefaultBackoffBase
	}
	if c.BackoffCap <= 0 {
		c.BackoffCap = DefaultBackoffCap
	}
	if c.Jitter <= 0 {
		c.Jitter = DefaultJitter
	}
	if c.MaxRetries <= 0 {
		c.MaxRetries = DefaultMaxRetries
	}
	if c.BatchWindow <= 0 {
		c.BatchWindow = DefaultBatchWindow
	}
	if c.ReconcileWindow <= 0 {
		c.ReconcileWindow = DefaultReconcileWindow
	}
	if c.StaleActive <= 0 {
		c.StaleActive = DefaultStaleActive
	}
	if c.StaleComplete <= 0 {
		c.StaleComplete = DefaultStaleComplete
	}
	if c.OutboxCapacity <= 0 {
		c.OutboxCapacity = DefaultOutboxCapacity
	}
	if c.Transport == "" {
		c.Transport = TransportStreaming
	}
	if c.Now == nil {
		c.Now = time.Now
	}
	if c.Rand == nil {
		c.Rand = rand.Float64
	}
}

type cmdKind int

const (
	cmdApprove cmdKind = iota
	cmdReject
	cmdAnswer
	cmdSetMode
	cmdStateRequest
	cmdForeground
	cmdBackground
	cmdNetwork
)

type command struct {
	kind   cmdKind
	id     string
	answer *protocol.Answer
	mode   string
}

// Engine is the sync core. Construct with New, drive with Run, and interact
// through the command methods; all exported methods are safe from any
// goroutine while Run is active.
type Engine struct {
	cfg Config
	log zerolog.Logger

	cmds   chan command
	events chan transportEvent

	stopOnce sync.Once
	stopped  chan struct{}

	subMu    sync.Mutex
	subs     map[chan StateSnapshot]struct{}
	lastSnap StateSnapshot

	// Everything below is owned by the Run goroutine.
	conn        ConnState
	attempt     int
	nextRetryIn time.Duration
	lastErr     string
	gen         int
	tr          transport
	background  bool

	sessionActive bool
	mode          string
	approvals     []protocol.ApprovalRequest
	questions     []protocol.QuestionRequest
	progress      *protocol.ProgressSnapshot
	progressAt    time.Time

	resolved        map[string]time.Time
	pendingProgress *protocol.ProgressSnapshot
	box             *outbox

	retryC <-chan time.Time
	batchC <-chan time.Time
}

// New validates the config and returns an idle engine.
func New(cfg Config) (*Engine, error) {
	if cfg.Relay == nil {
		return nil, wlerrors.Wrap(wlerrors.PathSync, wlerrors.StageValidate, wlerrors.CodeInvalidInput,
			errors.New("relay client is required"))
	}
	if err := pairingid.Validate(cfg.PairingID); err != nil {
		return nil, wlerrors.Wrap(wlerrors.PathSync, wlerrors.StageValidate, wlerrors.CodeInvalidInput, err)
	}
	cfg.withDefaults()
	switch cfg.Transport {
	case TransportStreaming, TransportPolling:
	default:
		return nil, wlerrors.Wrap(wlerrors.PathSync, wlerrors.StageValidate, wlerrors.CodeInvalidInput,
			errors.New("unknown transport kind"))
	}
	e := &Engine{
		cfg: cfg,
		log: cfg.Logger.With().
			Str("pairingId", cfg.PairingID).
			Str("transport", string(cfg.Transport)).
			Logger(),
		cmds:     make(chan command),
		events:   make(chan transportEvent, 16),
		stopped:  make(chan struct{}),
		subs:     make(map[chan StateSnapshot]struct{}),
		conn:     ConnDisconnected,
		mode:     protocol.ModeManual,
		resolved: make(map[string]time.Time),
		box:      newOutbox(cfg.OutboxCapacity),
	}
	e.lastSnap = e.snapshotNow()
	return e, nil
}

// Run owns the engine until ctx ends. It always returns nil; connectivity
// problems surface through snapshots, never as a Run error.
func (e *Engine) Run(ctx context.Context) error {
	defer e.shutdown()
	housekeeping := time.NewTicker(time.Second)
	defer housekeeping.Stop()
	e.dial(ctx)
	for {
		select {
		case <-ctx.Done():
			return nil
		case cmd := <-e.cmds:
			e.handleCommand(ctx, cmd)
		case ev := <-e.events:
			e.handleEvent(ctx, ev)
		case <-e.retryC:
			e.retryC = nil
			e.dial(ctx)
		case <-e.batchC:
			e.batchC = nil
			if e.flushProgress() {
				e.publish()
			}
		case <-housekeeping.C:
			now := e.cfg.Now()
			e.pruneResolved(now)
			if e.pruneStale(now) {
				e.publish()
			}
		}
	}
}

func (e *Engine) shutdown() {
	if e.tr != nil {
		e.tr.close()
		e.tr = nil
	}
	e.flushProgress()
	e.conn = ConnDisconnected
	e.publish()
	e.stopOnce.Do(func() { close(e.stopped) })

	e.subMu.Lock()
	for ch := range e.subs {
		close(ch)
	}
	e.subs = nil
	e.subMu.Unlock()
}

// Approve resolves a pending approval positively.
func (e *Engine) Approve(id string) error {
	if id == "" {
		return errMissingID()
	}
	return e.do(command{kind: cmdApprove, id: id})
}

// Reject resolves a pending approval negatively.
func (e *Engine) Reject(id string) error {
	if id == "" {
		return errMissingID()
	}
	return e.do(command{kind: cmdReject, id: id})
}

// Answer resolves a question with the selected option indices.
func (e *Engine) Answer(id string, indices ...int) error {
	if id == "" {
		return errMissingID()
	}
	a := protocol.AnswerIndices(indices...)
	return e.do(command{kind: cmdAnswer, id: id, answer: &a})
}

// Defer hands a question back to the workstation terminal.
func (e *Engine) Defer(id string) error {
	if id == "" {
		return errMissingID()
	}
	a := protocol.AnswerDefer()
	return e.do(command{kind: cmdAnswer, id: id, answer: &a})
}

// SetMode switches between manual and auto-accept.
func (e *Engine) SetMode(mode string) error {
	if err := protocol.ValidateMode(mode); err != nil {
		return wlerrors.Wrap(wlerrors.PathSync, wlerrors.StageValidate, wlerrors.CodeInvalidInput, err)
	}
	return e.do(command{kind: cmdSetMode, mode: mode})
}

// RequestState asks the relay for a fresh full sync.
func (e *Engine) RequestState() error {
	return e.do(command{kind: cmdStateRequest})
}

// Foregrounded signals the app became visible: retries reset, batched
// progress flushes, and a sync round starts immediately.
func (e *Engine) Foregrounded() error {
	return e.do(command{kind: cmdForeground})
}

// Backgrounded signals the app lost visibility; polling pauses.
func (e *Engine) Backgrounded() error {
	return e.do(command{kind: cmdBackground})
}

// NetworkAvailable signals connectivity returned; retries reset and a
// reconnect starts at once.
func (e *Engine) NetworkAvailable() error {
	return e.do(command{kind: cmdNetwork})
}

// Snapshot returns the last published state without touching the loop.
func (e *Engine) Snapshot() StateSnapshot {
	e.subMu.Lock()
	defer e.subMu.Unlock()
	return e.lastSnap
}

// Subscribe registers a snapshot feed. The current state arrives first;
// later updates are dropped rather than ever blocking the engine, so
// consumers that fall behind see the freshest state, not every transition.
// The cancel func detaches and closes the channel; shutdown closes all
// remaining feeds.
func (e *Engine) Subscribe(buffer int) (<-chan StateSnapshot, func()) {
	if buffer < 1 {
		buffer = 1
	}
	ch := make(chan StateSnapshot, buffer)
	e.subMu.Lock()
	if e.subs == nil {
		e.subMu.Unlock()
		close(ch)
		return ch, func() {}
	}
	e.subs[ch] = struct{}{}
	snap := e.lastSnap
	e.subMu.Unlock()
	ch <- snap
	cancel := func() {
		e.subMu.Lock()
		if _, ok := e.subs[ch]; ok {
			delete(e.subs, ch)
			close(ch)
		}
		e.subMu.Unlock()
	}
	return ch, cancel
}

func (e *Engine) do(cmd command) error {
	select {
	case e.cmds <- cmd:
		return nil
	case <-e.stopped:
		return wlerrors.Wrap(wlerrors.PathSync, wlerrors.StageDispatch, wlerrors.CodeCancelled,
			errors.New("sync engine stopped"))
	}
}

func errMissingID() error {
	return wlerrors.Wrap(wlerrors.PathSync, wlerrors.StageValidate, wlerrors.CodeInvalidInput,
		errors.New("request id is required"))
}

func (e *Engine) handleCommand(ctx context.Context, cmd command) {
	switch cmd.kind {
	case cmdApprove:
		e.resolveApproval(ctx, cmd.id, true, false)
	case cmdReject:
		e.resolveApproval(ctx, cmd.id, false, false)
	case cmdAnswer:
		e.resolveQuestion(ctx, cmd.id, cmd.answer)
	case cmdSetMode:
		e.applyMode(ctx, cmd.mode, true)
	case cmdStateRequest:
		e.sendOrQueue(ctx, &protocol.Frame{Type: protocol.FrameStateRequest})
	case cmdForeground:
		e.background = false
		e.attempt = 0
		if e.tr != nil {
			e.tr.setBackground(false)
		}
		if e.flushProgress() {
			e.publish()
		}
		if e.conn == ConnConnected {
			e.sendOrQueue(ctx, &protocol.Frame{Type: protocol.FrameStateRequest})
		} else {
			e.retryC = nil
			e.dial(ctx)
		}
	case cmdBackground:
		e.background = true
		if e.tr != nil {
			e.tr.setBackground(true)
		}
	case cmdNetwork:
		e.attempt = 0
		if e.conn != ConnConnected {
			e.retryC = nil
			e.dial(ctx)
		}
	}
}

func (e *Engine) handleEvent(ctx context.Context, ev transportEvent) {
	if ev.gen != e.gen {
		// A replaced dial attempt finishing late. Its transport, if any,
		// must not leak.
		if ev.tr != nil {
			ev.tr.close()
		}
		return
	}
	switch {
	case ev.tr != nil:
		e.tr = ev.tr
		e.conn = ConnConnected
		e.attempt = 0
		e.nextRetryIn = 0
		e.lastErr = ""
		e.tr.setBackground(e.background)
		e.log.Info().Msg("connected")
		e.flushOutbox(ctx)
		e.publish()
	case ev.err != nil:
		e.transportFailed(ev.err)
	case ev.frame != nil:
		e.applyFrame(ctx, ev.frame)
	}
}

// dial starts one connection attempt. The handshake runs off-loop; its
// outcome comes back as a transportEvent carrying this generation. Bumping
// the generation here invalidates any attempt still in flight, so a forced
// reconnect can never end up with two live transports.
func (e *Engine) dial(ctx context.Context) {
	if e.tr != nil {
		e.tr.close()
		e.tr = nil
	}
	if e.conn != ConnReconnecting {
		e.conn = ConnConnecting
	}
	e.gen++
	gen := e.gen
	e.publish()
	switch e.cfg.Transport {
	case TransportPolling:
		go dialPoll(ctx, &e.cfg, gen, e.events)
	default:
		go dialStream(ctx, &e.cfg, gen, e.events)
	}
}

func (e *Engine) transportFailed(err error) {
	if e.tr != nil {
		e.tr.close()
		e.tr = nil
	}
	e.gen++
	e.lastErr = err.Error()
	e.log.Warn().Err(err).Int("attempt", e.attempt).Msg("transport failed")
	if pairingGone(err) {
		// The relay no longer knows this pairing. Retrying cannot help
		// until the user pairs again or explicitly pokes us.
		e.conn = ConnDisconnected
		e.nextRetryIn = 0
		e.retryC = nil
		e.publish()
		return
	}
	e.scheduleRetry()
}

func (e *Engine) scheduleRetry() {
	if e.attempt >= e.cfg.MaxRetries {
		e.conn = ConnDisconnected
		e.nextRetryIn = 0
		e.retryC = nil
		e.log.Warn().Int("retries", e.attempt).Msg("giving up until prompted")
		e.publish()
		return
	}
	d := backoffDelay(e.cfg.BackoffBase, e.cfg.BackoffCap, e.cfg.Jitter, e.attempt, e.cfg.Rand())
	e.attempt++
	e.conn = ConnReconnecting
	e.nextRetryIn = d
	e.retryC = time.After(d)
	e.publish()
}

// sendOrQueue delivers a frame now or parks it in the outbox for the next
// reconnect. Frames the relay permanently refuses are dropped, not retried.
func (e *Engine) sendOrQueue(ctx context.Context, f *protocol.Frame) {
	if e.conn == ConnConnected && e.tr != nil {
		err := e.tr.send(ctx, f)
		if err == nil {
			return
		}
		if dropFrameError(err) {
			e.log.Debug().Err(err).Str("frameType", f.Type).Msg("frame refused, dropping")
			return
		}
		e.box.push(f, priorityFor(f))
		e.transportFailed(err)
		return
	}
	e.box.push(f, priorityFor(f))
}

func (e *Engine) flushOutbox(ctx context.Context) {
	for _, f := range e.box.drain() {
		if e.conn != ConnConnected || e.tr == nil {
			e.box.push(f, priorityFor(f))
			continue
		}
		err := e.tr.send(ctx, f)
		if err == nil {
			continue
		}
		if dropFrameError(err) {
			e.log.Debug().Err(err).Str("frameType", f.Type).Msg("queued frame refused, dropping")
			continue
		}
		e.box.push(f, priorityFor(f))
		e.transportFailed(err)
	}
}

// dropFrameError reports verdicts the relay will never accept: the entry is
// gone or the payload is malformed. Queuing them again would wedge the
// outbox.
func dropFrameError(err error) bool {
	return wlerrors.IsCode(err, wlerrors.CodeNotFound) ||
		wlerrors.IsCode(err, wlerrors.CodeConflict) ||
		wlerrors.IsCode(err, wlerrors.CodeInvalidInput)
}

// pairingGone reports close reasons that mean the pairing itself is invalid.
func pairingGone(err error) bool {
	return wlerrors.IsCode(err, wlerrors.CodeNotFound) ||
		wlerrors.IsCode(err, wlerrors.CodeInvalidInput)
}

// publish stores and fans out the current snapshot. Sends never block; a
// full subscriber buffer loses intermediate states, not the final one,
// because the freshest snapshot is always re-readable via Snapshot.
func (e *Engine) publish() {
	snap := e.snapshotNow()
	e.subMu.Lock()
	e.lastSnap = snap
	for ch := range e.subs {
		select {
		case ch <- snap:
		default:
		}
	}
	e.subMu.Unlock()
}

func (e *Engine) snapshotNow() StateSnapshot {
	return StateSnapshot{
		Conn:             e.conn,
		Attempt:          e.attempt,
		NextRetryIn:      e.nextRetryIn,
		LastError:        e.lastErr,
		SessionActive:    e.sessionActive,
		Mode:             e.mode,
		Approvals:        cloneApprovals(e.approvals),
		Questions:        cloneQuestions(e.questions),
		Progress:         cloneProgress(e.progress),
		ProgressComplete: e.progress.IsComplete(),
		UpdatedAt:        e.cfg.Now(),
	}
}

func cloneApprovals(in []protocol.ApprovalRequest) []protocol.ApprovalRequest {
	if len(in) == 0 {
		return nil
	}
	return append([]protocol.ApprovalRequest(nil), in...)
}

func cloneQuestions(in []protocol.QuestionRequest) []protocol.QuestionRequest {
	if len(in) == 0 {
		return nil
	}
	return append([]protocol.QuestionRequest(nil), in...)
}

func cloneProgress(p *protocol.ProgressSnapshot) *protocol.ProgressSnapshot {
	if p == nil {
		return nil
	}
	cp := *p
	cp.Tasks = append([]protocol.Task(nil), p.Tasks...)
	return &cp
}
