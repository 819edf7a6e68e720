package watchsync

import "github.com/wristlink/wristlink/relay/protocol"

// Priority orders outbound frames while disconnected. Higher drains first.
type Priority int

const (
	PriorityLow Priority = iota
	PriorityNormal
	PriorityHigh
)

// priorityFor classifies a client frame: verdicts outrank mode and prompt
// traffic, state requests go last.
func priorityFor(f *protocol.Frame) Priority {
	switch f.Type {
	case protocol.FrameApprovalResponse, protocol.FrameQuestionAnswer:
		return PriorityHigh
	case protocol.FrameStateRequest, protocol.FramePing:
		return PriorityLow
	default:
		return PriorityNormal
	}
}

type outboxItem struct {
	frame *protocol.Frame
	prio  Priority
	seq   uint64
}

// outbox buffers outbound frames while the transport is down. Capacity is
// fixed; overflow drops the oldest low-priority item first and the oldest
// item overall when no low remains.
type outbox struct {
	capacity int
	seq      uint64
	classes  [3][]outboxItem
}

func newOutbox(capacity int) *outbox {
	return &outbox{capacity: capacity}
}

func (o *outbox) len() int {
	return len(o.classes[0]) + len(o.classes[1]) + len(o.classes[2])
}

// push enqueues a frame, evicting per the overflow policy when full.
// Returns false when the frame itself had to be rejected, which only
// happens with a zero capacity.
func (o *outbox) push(f *protocol.Frame, prio Priority) bool {
	if o.capacity <= 0 {
		return false
	}
	for o.len() >= o.capacity {
		if !o.evict() {
			return false
		}
	}
	o.seq++
	o.classes[prio] = append(o.classes[prio], outboxItem{frame: f, prio: prio, seq: o.seq})
	return true
}

// evict removes the oldest low item, or the oldest item overall when no low
// is queued.
func (o *outbox) evict() bool {
	if len(o.classes[PriorityLow]) > 0 {
		o.classes[PriorityLow] = o.classes[PriorityLow][1:]
		return true
	}
	oldest := -1
	var oldestSeq uint64
	for c := range o.classes {
		if len(o.classes[c]) == 0 {
			continue
		}
		if head := o.classes[c][0].seq; oldest < 0 || head < oldestSeq {
			oldest = c
			oldestSeq = head
		}
	}
	if oldest < 0 {
		return false
	}
	o.classes[oldest] = o.classes[oldest][1:]
	return true
}

// drain empties the outbox in priority order, FIFO within a class.
func (o *outbox) drain() []*protocol.Frame {
	out := make([]*protocol.Frame, 0, o.len())
	for _, prio := range []Priority{PriorityHigh, PriorityNormal, PriorityLow} {
		for _, it := range o.classes[prio] {
			out = append(out, it.frame)
		}
		o.classes[prio] = nil
	}
	return out
}
