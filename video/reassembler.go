package video

import (
	"time"

	"github.com/opd-ai/confcore/datagram"
	"github.com/sirupsen/logrus"
)

// AddResult is the outcome of offering a fragment to a Reassembler.
type AddResult int

const (
	Accepted AddResult = iota
	AlreadyProcessed
	InvalidParameter
)

func (r AddResult) String() string {
	switch r {
	case Accepted:
		return "accepted"
	case AlreadyProcessed:
		return "already_processed"
	case InvalidParameter:
		return "invalid_parameter"
	default:
		return "unknown"
	}
}

const (
	// DefaultCapacity bounds both the incomplete and the completed frame maps.
	DefaultCapacity = 16

	// RecentWindow separates late duplicates from stale fragments in the
	// statistics. Both are rejected.
	RecentWindow = 256

	// serialHalf is half of the 64 bit frame id space.
	serialHalf = uint64(1) << 63
)

// ReassemblerStats are cumulative counters of one Reassembler.
type ReassemblerStats struct {
	Accepted          uint64
	Duplicates        uint64
	LateFragments     uint64
	StaleFragments    uint64
	Invalid           uint64
	EvictedIncomplete uint64
	EvictedComplete   uint64
	BadEnvelopes      uint64
	Delivered         uint64
	Discarded         uint64
	Gaps              uint64
	KeyFrames         uint64

	Incomplete          int
	Completed           int
	OldestIncompleteAge time.Duration
}

// ReassemblerOption configures a Reassembler.
type ReassemblerOption func(*Reassembler)

// WithCapacity overrides DefaultCapacity.
func WithCapacity(n int) ReassemblerOption {
	return func(r *Reassembler) {
		if n > 0 {
			r.capacity = n
		}
	}
}

// WithTimeProvider injects the clock used for arrival timestamps.
func WithTimeProvider(tp TimeProvider) ReassemblerOption {
	return func(r *Reassembler) {
		if tp != nil {
			r.timeProvider = tp
		}
	}
}

type frameBuffer struct {
	fragments []*datagram.Video
	received  int
	firstSeen time.Time
}

// Reassembler collects the fragments of one sender's video frames and
// releases completed frames in a policy governed order.
//
// A Reassembler is not safe for concurrent use. It is owned by the
// goroutine receiving the sender's datagrams.
type Reassembler struct {
	senderID     uint32
	capacity     int
	timeProvider TimeProvider

	incomplete map[uint64]*frameBuffer
	completed  map[uint64]*EncodedFrame

	// evicted holds the ids of the last capacity completed frames dropped
	// by trim, oldest first in evictedOrder.
	evicted      map[uint64]struct{}
	evictedOrder []uint64

	hasDelivered  bool
	lastDelivered uint64
	keyFrameSeen  bool
	waitsFor      FrameType
	stats         ReassemblerStats
}

// NewReassembler creates the reassembly state for senderID.
func NewReassembler(senderID uint32, opts ...ReassemblerOption) *Reassembler {
	r := &Reassembler{
		senderID:     senderID,
		capacity:     DefaultCapacity,
		timeProvider: DefaultTimeProvider{},
		incomplete:   make(map[uint64]*frameBuffer),
		completed:    make(map[uint64]*EncodedFrame),
		evicted:      make(map[uint64]struct{}),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// SenderID returns the sender this reassembler belongs to.
func (r *Reassembler) SenderID() uint32 {
	return r.senderID
}

// Add stores one fragment. A frame whose fragments are all present moves to
// the completed queue. Fragments of a completed frame that was evicted
// before delivery are rejected as AlreadyProcessed. Fragments of an evicted
// incomplete frame start a new buffer.
func (r *Reassembler) Add(d *datagram.Video) AddResult {
	if d == nil || d.Count == 0 || d.Index >= d.Count || d.Sender != r.senderID {
		r.stats.Invalid++
		return InvalidParameter
	}

	if r.isDelivered(d.FrameID) {
		if r.lastDelivered-d.FrameID < RecentWindow {
			r.stats.LateFragments++
		} else {
			r.stats.StaleFragments++
		}
		return AlreadyProcessed
	}
	if _, done := r.completed[d.FrameID]; done {
		r.stats.Duplicates++
		return AlreadyProcessed
	}
	if _, gone := r.evicted[d.FrameID]; gone {
		r.stats.LateFragments++
		return AlreadyProcessed
	}

	buf, ok := r.incomplete[d.FrameID]
	if !ok {
		buf = &frameBuffer{
			fragments: make([]*datagram.Video, d.Count),
			firstSeen: r.timeProvider.Now(),
		}
		r.incomplete[d.FrameID] = buf
	}
	if int(d.Count) != len(buf.fragments) {
		r.stats.Invalid++
		logrus.WithFields(logrus.Fields{
			"function":  "Reassembler.Add",
			"sender_id": r.senderID,
			"frame_id":  d.FrameID,
			"announced": len(buf.fragments),
			"count":     d.Count,
		}).Warn("Fragment count disagrees with frame buffer")
		return InvalidParameter
	}
	if buf.fragments[d.Index] != nil {
		r.stats.Duplicates++
		return AlreadyProcessed
	}

	buf.fragments[d.Index] = d
	buf.received++
	r.stats.Accepted++

	if buf.received == len(buf.fragments) {
		delete(r.incomplete, d.FrameID)
		r.complete(d.FrameID, buf)
	}
	r.trim()

	return Accepted
}

func (r *Reassembler) complete(frameID uint64, buf *frameBuffer) {
	frame, err := UnmarshalEncodedFrame(Reassemble(buf.fragments))
	if err != nil {
		r.stats.BadEnvelopes++
		logrus.WithFields(logrus.Fields{
			"function":  "Reassembler.complete",
			"sender_id": r.senderID,
			"frame_id":  frameID,
			"error":     err.Error(),
		}).Warn("Dropping reassembled frame with invalid envelope")
		return
	}
	r.completed[frameID] = frame

	logrus.WithFields(logrus.Fields{
		"function":   "Reassembler.complete",
		"sender_id":  r.senderID,
		"frame_id":   frameID,
		"frame_type": frame.Type.String(),
		"fragments":  len(buf.fragments),
		"elapsed":    r.timeProvider.Since(buf.firstSeen),
	}).Debug("Frame reassembled")
}

// trim evicts the lowest frame ids until both maps fit their capacity.
func (r *Reassembler) trim() {
	for len(r.incomplete) > r.capacity {
		id := lowestKey(r.incomplete)
		delete(r.incomplete, id)
		r.stats.EvictedIncomplete++
		logrus.WithFields(logrus.Fields{
			"function":  "Reassembler.trim",
			"sender_id": r.senderID,
			"frame_id":  id,
		}).Debug("Evicted incomplete frame")
	}
	for len(r.completed) > r.capacity {
		id := lowestKey(r.completed)
		delete(r.completed, id)
		r.rememberEvicted(id)
		r.stats.EvictedComplete++
		logrus.WithFields(logrus.Fields{
			"function":  "Reassembler.trim",
			"sender_id": r.senderID,
			"frame_id":  id,
		}).Debug("Evicted undelivered frame")
	}
}

func (r *Reassembler) rememberEvicted(id uint64) {
	r.evicted[id] = struct{}{}
	r.evictedOrder = append(r.evictedOrder, id)
	if len(r.evictedOrder) > r.capacity {
		delete(r.evicted, r.evictedOrder[0])
		r.evictedOrder = r.evictedOrder[1:]
	}
}

func lowestKey[V any](m map[uint64]V) uint64 {
	first := true
	var low uint64
	for id := range m {
		if first || id < low {
			low = id
			first = false
		}
	}
	return low
}

// isDelivered reports whether id is not ahead of the last delivered frame
// id in serial number arithmetic.
func (r *Reassembler) isDelivered(id uint64) bool {
	if !r.hasDelivered {
		return false
	}
	return id-r.lastDelivered == 0 || id-r.lastDelivered > serialHalf
}

func (r *Reassembler) advance(id uint64) {
	r.lastDelivered = id
	r.hasDelivered = true
}

// Next pops the completed frame with the lowest id and either returns it or
// discards it:
//
//  1. Before the first key frame, delta frames are discarded and the
//     reassembler waits for a key frame.
//  2. Frames not ahead of the last delivered id are discarded.
//  3. Key frames are delivered and clear the wait state.
//  4. While waiting for a frame type, other frames are discarded but still
//     advance the last delivered id.
//  5. A frame following a gap is delivered, and the reassembler starts
//     waiting for a key frame.
//  6. Otherwise the frame is the exact successor and is delivered.
func (r *Reassembler) Next() (*EncodedFrame, bool) {
	if len(r.completed) == 0 {
		return nil, false
	}
	id := lowestKey(r.completed)
	frame := r.completed[id]
	delete(r.completed, id)

	switch {
	case !r.keyFrameSeen && frame.Type != FrameKey:
		r.waitsFor = FrameKey
		r.discard(id, "no key frame delivered yet")
		return nil, false

	case r.isDelivered(id):
		r.discard(id, "late frame")
		return nil, false

	case frame.Type == FrameKey:
		r.keyFrameSeen = true
		r.waitsFor = FrameNormal
		r.stats.KeyFrames++
		return r.deliver(id, frame), true

	case r.waitsFor != FrameNormal:
		if frame.Type == r.waitsFor {
			r.waitsFor = FrameNormal
			return r.deliver(id, frame), true
		}
		r.advance(id)
		r.discard(id, "waiting for "+r.waitsFor.String()+" frame")
		return nil, false

	case id != r.lastDelivered+1:
		r.stats.Gaps++
		r.waitsFor = FrameKey
		logrus.WithFields(logrus.Fields{
			"function":       "Reassembler.Next",
			"sender_id":      r.senderID,
			"frame_id":       id,
			"last_delivered": r.lastDelivered,
		}).Debug("Frame gap detected, delivering best effort")
		return r.deliver(id, frame), true

	default:
		r.waitsFor = FrameNormal
		return r.deliver(id, frame), true
	}
}

func (r *Reassembler) deliver(id uint64, frame *EncodedFrame) *EncodedFrame {
	r.advance(id)
	r.stats.Delivered++
	return frame
}

func (r *Reassembler) discard(id uint64, reason string) {
	r.stats.Discarded++
	logrus.WithFields(logrus.Fields{
		"function":  "Reassembler.Next",
		"sender_id": r.senderID,
		"frame_id":  id,
		"reason":    reason,
	}).Debug("Discarded completed frame")
}

// WaitsForType returns the frame type the reassembler needs before it can
// resume normal delivery, or FrameNormal when it is not waiting.
func (r *Reassembler) WaitsForType() FrameType {
	return r.waitsFor
}

// Pending returns the number of completed frames awaiting Next.
func (r *Reassembler) Pending() int {
	return len(r.completed)
}

// Stats returns a snapshot of the counters.
func (r *Reassembler) Stats() ReassemblerStats {
	s := r.stats
	s.Incomplete = len(r.incomplete)
	s.Completed = len(r.completed)
	for _, buf := range r.incomplete {
		if age := r.timeProvider.Since(buf.firstSeen); age > s.OldestIncompleteAge {
			s.OldestIncompleteAge = age
		}
	}
	return s
}

// Reset drops all buffered frames and delivery history, for example when
// the sender restarts its stream. Counters are kept.
func (r *Reassembler) Reset() {
	r.incomplete = make(map[uint64]*frameBuffer)
	r.completed = make(map[uint64]*EncodedFrame)
	r.evicted = make(map[uint64]struct{})
	r.evictedOrder = nil
	r.hasDelivered = false
	r.lastDelivered = 0
	r.keyFrameSeen = false
	r.waitsFor = FrameNormal
}
