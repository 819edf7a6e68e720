package observability

import (
	"sync"
	"sync/atomic"
	"time"
)

type RequestResult string

const (
	RequestResultOK          RequestResult = "ok"
	RequestResultInvalid     RequestResult = "invalid_input"
	RequestResultNotFound    RequestResult = "not_found"
	RequestResultConflict    RequestResult = "conflict"
	RequestResultUnavailable RequestResult = "unavailable"
	RequestResultInternal    RequestResult = "internal"
)

type Op string

const (
	OpPairInitiate     Op = "pair_initiate"
	OpPairStatus       Op = "pair_status"
	OpPairComplete     Op = "pair_complete"
	OpUnpair           Op = "unpair"
	OpApprovalEnqueue  Op = "approval_enqueue"
	OpApprovalQueue    Op = "approval_queue"
	OpApprovalRespond  Op = "approval_respond"
	OpApprovalStatus   Op = "approval_status"
	OpApprovalRemove   Op = "approval_remove"
	OpApprovalDrain    Op = "approval_drain"
	OpQuestionEnqueue  Op = "question_enqueue"
	OpQuestionQueue    Op = "question_queue"
	OpQuestionAnswer   Op = "question_answer"
	OpQuestionStatus   Op = "question_status"
	OpQuestionRemove   Op = "question_remove"
	OpQuestionDrain    Op = "question_drain"
	OpProgressPut      Op = "progress_put"
	OpProgressGet      Op = "progress_get"
	OpSessionEnd       Op = "session_end"
	OpSessionStatus    Op = "session_status"
	OpSessionInterrupt Op = "session_interrupt"
	OpSessionMode      Op = "session_mode"
	OpHealth           Op = "health"
	OpStreamAttach     Op = "stream_attach"
)

type PushResult string

const (
	PushResultOK       PushResult = "ok"
	PushResultFail     PushResult = "fail"
	PushResultNoToken  PushResult = "no_token"
	PushResultDisabled PushResult = "disabled"
)

type QueueKind string

const (
	QueueKindApproval QueueKind = "approval"
	QueueKindQuestion QueueKind = "question"
)

type FrameDirection string

const (
	FrameRead  FrameDirection = "read"
	FrameWrite FrameDirection = "write"
)

// RelayObserver receives relay-level metric events.
type RelayObserver interface {
	Request(op Op, result RequestResult, d time.Duration)
	PairingCompleted(d time.Duration)
	QueueDepth(kind QueueKind, n int)
	Push(result PushResult)
}

// StreamObserver receives stream-level metric events.
type StreamObserver interface {
	StreamCount(n int64)
	Frame(direction FrameDirection)
	FrameError(direction FrameDirection)
	ClientCommand(result RequestResult)
}

type noopRelayObserver struct{}

func (noopRelayObserver) Request(Op, RequestResult, time.Duration) {}
func (noopRelayObserver) PairingCompleted(time.Duration)           {}
func (noopRelayObserver) QueueDepth(QueueKind, int)                {}
func (noopRelayObserver) Push(PushResult)                          {}

type noopStreamObserver struct{}

func (noopStreamObserver) StreamCount(int64)            {}
func (noopStreamObserver) Frame(FrameDirection)         {}
func (noopStreamObserver) FrameError(FrameDirection)    {}
func (noopStreamObserver) ClientCommand(RequestResult)  {}

// NoopRelayObserver is a zero-cost observer used when metrics are disabled.
var NoopRelayObserver RelayObserver = noopRelayObserver{}

// NoopStreamObserver is a zero-cost observer used when metrics are disabled.
var NoopStreamObserver StreamObserver = noopStreamObserver{}

// AtomicRelayObserver swaps its delegate at runtime.
type AtomicRelayObserver struct {
	once sync.Once
	v    atomic.Value
}

type relayObserverHolder struct {
	obs RelayObserver
}

// NewAtomicRelayObserver returns an initialized atomic observer.
func NewAtomicRelayObserver() *AtomicRelayObserver {
	a := &AtomicRelayObserver{}
	a.once.Do(func() { a.v.Store(&relayObserverHolder{obs: NoopRelayObserver}) })
	return a
}

// Set replaces the delegate, falling back to the no-op observer on nil.
func (a *AtomicRelayObserver) Set(obs RelayObserver) {
	if obs == nil {
		obs = NoopRelayObserver
	}
	a.once.Do(func() { a.v.Store(&relayObserverHolder{obs: NoopRelayObserver}) })
	a.v.Store(&relayObserverHolder{obs: obs})
}

func (a *AtomicRelayObserver) load() RelayObserver {
	a.once.Do(func() { a.v.Store(&relayObserverHolder{obs: NoopRelayObserver}) })
	return a.v.Load().(*relayObserverHolder).obs
}

func (a *AtomicRelayObserver) Request(op Op, result RequestResult, d time.Duration) {
	a.load().Request(op, result, d)
}
func (a *AtomicRelayObserver) PairingCompleted(d time.Duration)    { a.load().PairingCompleted(d) }
func (a *AtomicRelayObserver) QueueDepth(kind QueueKind, n int)    { a.load().QueueDepth(kind, n) }
func (a *AtomicRelayObserver) Push(result PushResult)              { a.load().Push(result) }

// AtomicStreamObserver swaps its delegate at runtime.
type AtomicStreamObserver struct {
	once sync.Once
	v    atomic.Value
}

type streamObserverHolder struct {
	obs StreamObserver
}

// NewAtomicStreamObserver returns an initialized atomic observer.
func NewAtomicStreamObserver() *AtomicStreamObserver {
	a := &AtomicStreamObserver{}
	a.once.Do(func() { a.v.Store(&streamObserverHolder{obs: NoopStreamObserver}) })
	return a
}

// Set replaces the delegate, falling back to the no-op observer on nil.
func (a *AtomicStreamObserver) Set(obs StreamObserver) {
	if obs == nil {
		obs = NoopStreamObserver
	}
	a.once.Do(func() { a.v.Store(&streamObserverHolder{obs: NoopStreamObserver}) })
	a.v.Store(&streamObserverHolder{obs: obs})
}

func (a *AtomicStreamObserver) load() StreamObserver {
	a.once.Do(func() { a.v.Store(&streamObserverHolder{obs: NoopStreamObserver}) })
	return a.v.Load().(*streamObserverHolder).obs
}

func (a *AtomicStreamObserver) StreamCount(n int64)                { a.load().StreamCount(n) }
func (a *AtomicStreamObserver) Frame(direction FrameDirection)     { a.load().Frame(direction) }
func (a *AtomicStreamObserver) FrameError(direction FrameDirection) {
	a.load().FrameError(direction)
}
func (a *AtomicStreamObserver) ClientCommand(result RequestResult) { a.load().ClientCommand(result) }
