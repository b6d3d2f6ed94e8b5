package quiche

import (
	"slices"
	"sync"

	"github.com/chromium-cheri/quiche/internal/ackhandler"
	"github.com/chromium-cheri/quiche/internal/protocol"
	"github.com/chromium-cheri/quiche/internal/utils"
	"github.com/chromium-cheri/quiche/internal/utils/ringbuffer"
	"github.com/chromium-cheri/quiche/internal/wire"
	"github.com/chromium-cheri/quiche/quicvarint"
)

const maxPathResponses = 256

type activeStreamEntry struct {
	stream   sendStreamI
	priority protocol.StreamPriority
	// number of consecutive scheduling rounds in which the stream claimed to be
	// writable but produced neither bytes nor a FIN
	zeroProgressRounds int
}

// The framer schedules write-blocked streams.
// Streams are keyed on (priority, stream ID): higher priorities are drained
// first, streams of equal priority are round-robined. The resulting frame
// emission order is deterministic for a given input sequence.
type framer struct {
	mutex sync.Mutex

	activeStreams map[protocol.StreamID]*activeStreamEntry
	// one FIFO queue per priority, ordered by descending priority
	streamQueues map[protocol.StreamPriority]*ringbuffer.RingBuffer[protocol.StreamID]
	priorities   []protocol.StreamPriority // sorted in descending order

	controlFrameMutex sync.Mutex
	controlFrames     []wire.Frame
	pathResponses     []*wire.PathResponseFrame

	logger utils.Logger
}

func newFramer(logger utils.Logger) *framer {
	return &framer{
		activeStreams: make(map[protocol.StreamID]*activeStreamEntry),
		streamQueues:  make(map[protocol.StreamPriority]*ringbuffer.RingBuffer[protocol.StreamID]),
		logger:        logger,
	}
}

func (f *framer) HasData() bool {
	f.mutex.Lock()
	hasData := len(f.activeStreams) > 0
	f.mutex.Unlock()
	if hasData {
		return true
	}
	f.controlFrameMutex.Lock()
	defer f.controlFrameMutex.Unlock()
	return len(f.controlFrames) > 0 || len(f.pathResponses) > 0
}

func (f *framer) QueueControlFrame(frame wire.Frame) {
	f.controlFrameMutex.Lock()
	defer f.controlFrameMutex.Unlock()

	if pr, ok := frame.(*wire.PathResponseFrame); ok {
		// Only queue up to maxPathResponses PATH_RESPONSE frames.
		// This limit should be high enough to never be hit in practice,
		// unless the peer is doing something malicious.
		if len(f.pathResponses) >= maxPathResponses {
			return
		}
		f.pathResponses = append(f.pathResponses, pr)
		return
	}
	f.controlFrames = append(f.controlFrames, frame)
}

// AppendControlFrames appends control frames that fit into maxLen.
// PATH_RESPONSE frames are not handled here: they are packed one per packet,
// padded, by the packet creator.
func (f *framer) AppendControlFrames(frames []ackhandler.Frame, maxLen protocol.ByteCount, v protocol.Version) ([]ackhandler.Frame, protocol.ByteCount) {
	var length protocol.ByteCount
	f.controlFrameMutex.Lock()
	for len(f.controlFrames) > 0 {
		frame := f.controlFrames[len(f.controlFrames)-1]
		frameLen := frame.Length(v)
		if length+frameLen > maxLen {
			break
		}
		frames = append(frames, ackhandler.Frame{Frame: frame})
		length += frameLen
		f.controlFrames = f.controlFrames[:len(f.controlFrames)-1]
	}
	f.controlFrameMutex.Unlock()
	return frames, length
}

// NextPathResponse pops the oldest queued PATH_RESPONSE frame.
func (f *framer) NextPathResponse() *wire.PathResponseFrame {
	f.controlFrameMutex.Lock()
	defer f.controlFrameMutex.Unlock()
	if len(f.pathResponses) == 0 {
		return nil
	}
	pr := f.pathResponses[0]
	f.pathResponses = f.pathResponses[1:]
	return pr
}

// AddActiveStream registers a stream as having data to send.
// A stream that is already registered keeps its place in the round, but its
// priority is updated.
func (f *framer) AddActiveStream(id protocol.StreamID, priority protocol.StreamPriority, str sendStreamI) {
	f.mutex.Lock()
	defer f.mutex.Unlock()

	if entry, ok := f.activeStreams[id]; ok {
		entry.stream = str
		if entry.priority != priority {
			// Re-queue into the new bucket. The stale entry in the old bucket
			// is skipped when it is popped.
			entry.priority = priority
			f.queue(priority, id)
		}
		return
	}
	f.activeStreams[id] = &activeStreamEntry{stream: str, priority: priority}
	f.queue(priority, id)
}

// must be called with the mutex held
func (f *framer) queue(priority protocol.StreamPriority, id protocol.StreamID) {
	q, ok := f.streamQueues[priority]
	if !ok {
		q = &ringbuffer.RingBuffer[protocol.StreamID]{}
		f.streamQueues[priority] = q
		f.priorities = append(f.priorities, priority)
		slices.SortFunc(f.priorities, func(a, b protocol.StreamPriority) int {
			// descending
			switch {
			case a > b:
				return -1
			case a < b:
				return 1
			default:
				return 0
			}
		})
	}
	q.PushBack(id)
}

// AppendStreamFrames pops frames from the scheduled streams, highest priority
// first, round-robin within a priority, until less than MinStreamFrameSize
// bytes are left in the packet.
func (f *framer) AppendStreamFrames(frames []ackhandler.StreamFrame, maxLen protocol.ByteCount, v protocol.Version) ([]ackhandler.StreamFrame, protocol.ByteCount) {
	startLen := len(frames)
	var length protocol.ByteCount
	f.mutex.Lock()

	for _, priority := range f.priorities {
		q := f.streamQueues[priority]
		// pop STREAM frames, until less than MinStreamFrameSize bytes are left in the packet
		numActiveStreams := q.Len()
		for i := 0; i < numActiveStreams; i++ {
			if protocol.MinStreamFrameSize+length > maxLen {
				break
			}
			id := q.PopFront()
			entry, ok := f.activeStreams[id]
			if !ok || entry.priority != priority {
				// the stream was moved to a different priority bucket
				continue
			}
			remainingLen := maxLen - length
			// For the last STREAM frame, we'll remove the DataLen field later.
			// Therefore, we can pretend to have more bytes available when popping
			// the STREAM frame (which will always have the DataLen set).
			remainingLen += protocol.ByteCount(quicvarint.Len(uint64(remainingLen)))
			frame, ok, hasMoreData := entry.stream.popStreamFrame(remainingLen, v)
			if hasMoreData { // put the stream back in the queue (at the end)
				q.PushBack(id)
			} else { // no more data to send. Stream is not active any more
				delete(f.activeStreams, id)
			}
			// The frame can be "nil"
			// * if the receiveStream was canceled after it said it had data
			// * the remaining size doesn't allow a non-empty frame
			if !ok || frame.Frame == nil {
				if hasMoreData {
					// A stream that claims writability but makes no progress
					// would busy-loop the scheduler. Drop it after two barren
					// rounds; it re-registers via onHasStreamData.
					entry.zeroProgressRounds++
					if entry.zeroProgressRounds >= 2 {
						f.logger.Errorf("stream %d is writable but wrote no data, removing from schedule", id)
						delete(f.activeStreams, id)
					}
				}
				continue
			}
			entry.zeroProgressRounds = 0
			frames = append(frames, frame)
			length += frame.Frame.Length(v)
		}
	}

	f.mutex.Unlock()
	if len(frames) > startLen {
		l := frames[len(frames)-1].Frame.Length(v)
		// account for the smaller size of the last STREAM frame
		frames[len(frames)-1].Frame.DataLenPresent = false
		length += frames[len(frames)-1].Frame.Length(v) - l
	}
	return frames, length
}

// RemoveActiveStream removes a stream from the schedule, e.g. when it is reset.
func (f *framer) RemoveActiveStream(id protocol.StreamID) {
	f.mutex.Lock()
	delete(f.activeStreams, id)
	// the stream is lazily removed from its queue when it is popped
	f.mutex.Unlock()
}
