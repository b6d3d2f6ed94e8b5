package quiche

import (
	"github.com/chromium-cheri/quiche/internal/protocol"
)

// A pendingStream is a peer-created unidirectional stream whose first byte
// has not been received. The first byte carries the stream's type, so until
// it arrives the stream has no consumer: incoming data reassembles in the
// stream's sequencer and counts against flow control, but the stream stays in
// the session's pending map instead of the dynamic active set.
//
// A pending stream is promoted once its first byte arrives, or destroyed
// without promotion when the peer resets it first.
type pendingStream struct {
	str *receiveStream
}

func newPendingStream(str *receiveStream) *pendingStream {
	return &pendingStream{str: str}
}

func (p *pendingStream) StreamID() protocol.StreamID {
	return p.str.StreamID()
}

// typeByteReceived reports whether the stream's first byte arrived,
// i.e. whether the stream can be promoted.
func (p *pendingStream) typeByteReceived() bool {
	return p.str.hasReceivedFirstByte()
}

// A streamHandler refers to either a pending stream or a full stream;
// exactly one of the two is set. Frames for peer-created unidirectional
// streams are dispatched through it, so that promotion is observed by the
// session's lifecycle bookkeeping.
type streamHandler struct {
	pending *pendingStream
	stream  receiveStreamI
}

func (h streamHandler) isPending() bool { return h.pending != nil }
