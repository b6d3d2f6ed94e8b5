package quiche

import (
	"sync"

	"github.com/chromium-cheri/quiche/internal/protocol"
	"github.com/chromium-cheri/quiche/internal/wire"
)

type outgoingStream interface {
	closeForShutdown(error)
	connectionWindowUpdated()
}

type outgoingStreamsMap[T outgoingStream] struct {
	mutex sync.RWMutex

	streamType protocol.StreamType
	streams    map[protocol.StreamNum]T

	nextStream  protocol.StreamNum // stream ID of the stream returned by OpenStream
	maxStream   protocol.StreamNum // the maximum stream ID we're allowed to open
	blockedSent bool               // was a STREAMS_BLOCKED sent for the current maxStream
	goneAway    bool               // a GOAWAY was issued, no new streams may be opened

	newStream            func(protocol.StreamNum) T
	queueStreamIDBlocked func(*wire.StreamsBlockedFrame)

	closeErr error
}

func newOutgoingStreamsMap[T outgoingStream](
	streamType protocol.StreamType,
	newStream func(protocol.StreamNum) T,
	queueControlFrame func(wire.Frame),
) *outgoingStreamsMap[T] {
	return &outgoingStreamsMap[T]{
		streamType:           streamType,
		streams:              make(map[protocol.StreamNum]T),
		maxStream:            protocol.InvalidStreamNum,
		nextStream:           1,
		newStream:            newStream,
		queueStreamIDBlocked: func(f *wire.StreamsBlockedFrame) { queueControlFrame(f) },
	}
}

// OpenStream opens the next outgoing stream, if the peer's stream limit allows it.
// It never blocks: if no stream can be opened, errTooManyOpenStreams is returned.
func (m *outgoingStreamsMap[T]) OpenStream() (T, error) {
	m.mutex.Lock()
	defer m.mutex.Unlock()

	if m.closeErr != nil {
		var deletedStream T
		return deletedStream, m.closeErr
	}
	if m.goneAway {
		var deletedStream T
		return deletedStream, errGoneAway
	}

	if m.nextStream > m.maxStream {
		m.maybeSendBlockedFrame()
		var deletedStream T
		return deletedStream, streamOpenErr{errTooManyOpenStreams}
	}
	return m.openStream(), nil
}

// CanOpenNext reports whether the next outgoing stream can be opened within
// the peer's advertised stream limit.
func (m *outgoingStreamsMap[T]) CanOpenNext() bool {
	m.mutex.RLock()
	defer m.mutex.RUnlock()
	return m.closeErr == nil && !m.goneAway && m.nextStream <= m.maxStream
}

// NextID returns the stream number that the next call to OpenStream will use.
func (m *outgoingStreamsMap[T]) NextID() protocol.StreamNum {
	m.mutex.RLock()
	defer m.mutex.RUnlock()
	return m.nextStream
}

func (m *outgoingStreamsMap[T]) openStream() T {
	s := m.newStream(m.nextStream)
	m.streams[m.nextStream] = s
	m.nextStream++
	return s
}

// maybeSendBlockedFrame queues a STREAMS_BLOCKED frame for the current stream limit.
// It makes sure that only one STREAMS_BLOCKED frame is sent for each limit.
func (m *outgoingStreamsMap[T]) maybeSendBlockedFrame() {
	if m.blockedSent {
		return
	}

	var streamNum protocol.StreamNum
	if m.maxStream != protocol.InvalidStreamNum {
		streamNum = m.maxStream
	}
	m.queueStreamIDBlocked(&wire.StreamsBlockedFrame{
		Type:        m.streamType,
		StreamLimit: streamNum,
	})
	m.blockedSent = true
}

func (m *outgoingStreamsMap[T]) GetStream(num protocol.StreamNum) (T, error) {
	m.mutex.RLock()
	if num >= m.nextStream {
		m.mutex.RUnlock()
		var deletedStream T
		return deletedStream, streamError{
			message: "peer attempted to open stream %d",
			nums:    []protocol.StreamNum{num},
		}
	}
	s := m.streams[num]
	m.mutex.RUnlock()
	return s, nil
}

func (m *outgoingStreamsMap[T]) DeleteStream(num protocol.StreamNum) error {
	m.mutex.Lock()
	defer m.mutex.Unlock()

	if _, ok := m.streams[num]; !ok {
		return streamError{
			message: "tried to delete unknown outgoing stream %d",
			nums:    []protocol.StreamNum{num},
		}
	}
	delete(m.streams, num)
	return nil
}

// SetMaxStream is called when a MAX_STREAMS frame is received.
func (m *outgoingStreamsMap[T]) SetMaxStream(num protocol.StreamNum) {
	m.mutex.Lock()
	defer m.mutex.Unlock()

	if num <= m.maxStream {
		return
	}
	m.maxStream = num
	m.blockedSent = false
}

// ConnectionWindowUpdated is called when the connection-level flow control
// window opens, to unblock all streams that are blocked on it.
func (m *outgoingStreamsMap[T]) ConnectionWindowUpdated() {
	m.mutex.Lock()
	for _, str := range m.streams {
		str.connectionWindowUpdated()
	}
	m.mutex.Unlock()
}

// GoAway marks that no new outgoing streams may be opened.
func (m *outgoingStreamsMap[T]) GoAway() {
	m.mutex.Lock()
	m.goneAway = true
	m.mutex.Unlock()
}

func (m *outgoingStreamsMap[T]) CloseWithError(err error) {
	m.mutex.Lock()
	m.closeErr = err
	for _, str := range m.streams {
		str.closeForShutdown(err)
	}
	m.mutex.Unlock()
}
