package quiche

import (
	"sync"

	"github.com/chromium-cheri/quiche/internal/ackhandler"
	"github.com/chromium-cheri/quiche/internal/flowcontrol"
	"github.com/chromium-cheri/quiche/internal/protocol"
	"github.com/chromium-cheri/quiche/internal/utils"
	"github.com/chromium-cheri/quiche/internal/wire"
)

type streamI interface {
	StreamID() protocol.StreamID
	closeForShutdown(error)
	// for receiving
	handleStreamFrame(*wire.StreamFrame) error
	handleResetStreamFrame(*wire.ResetStreamFrame) error
	getWindowUpdate() protocol.ByteCount
	// for sending
	handleStopSendingFrame(*wire.StopSendingFrame)
	popStreamFrame(maxBytes protocol.ByteCount, v protocol.Version) (ackhandler.StreamFrame, bool, bool)
	updateSendWindow(protocol.ByteCount)
	connectionWindowUpdated()
}

var _ streamI = &stream{}

// A Stream assembles the data from StreamFrames and provides a super-convenient Read-Interface
//
// ReadData() and WriteData() may be called concurrently, but multiple calls to ReadData() or WriteData() individually must be synchronized manually.
type stream struct {
	receiveStream
	sendStream

	completedMutex         sync.Mutex
	// sender.onStreamCompleted is called when the stream is completed, i.e. both the
	// receive and the send side reached their terminal state
	sender                 streamSender
	receiveStreamCompleted bool
	sendStreamCompleted    bool
}

// newStream creates a new Stream
func newStream(
	streamID protocol.StreamID,
	sender streamSender,
	flowController flowcontrol.StreamFlowController,
	version protocol.Version,
	logger utils.Logger,
) *stream {
	s := &stream{sender: sender}
	senderForSendStream := &uniStreamSender{
		streamSender: sender,
		onStreamCompletedImpl: func() {
			s.completedMutex.Lock()
			s.sendStreamCompleted = true
			s.checkIfCompleted()
			s.completedMutex.Unlock()
		},
	}
	s.sendStream = *newSendStream(streamID, senderForSendStream, flowController, version, logger)
	senderForReceiveStream := &uniStreamSender{
		streamSender: sender,
		onStreamCompletedImpl: func() {
			s.completedMutex.Lock()
			s.receiveStreamCompleted = true
			s.checkIfCompleted()
			s.completedMutex.Unlock()
		},
	}
	s.receiveStream = *newReceiveStream(streamID, senderForReceiveStream, flowController, version)
	return s
}

func (s *stream) StreamID() protocol.StreamID {
	// the result is same for receiveStream and sendStream
	return s.sendStream.StreamID()
}

// SetVisitor sets the application-facing visitor for both stream halves.
// OnClose fires exactly once, when both halves reached their terminal state.
func (s *stream) SetVisitor(v StreamVisitor) {
	wrapped := &bidiStreamVisitor{StreamVisitor: v, str: s}
	s.receiveStream.visitor = wrapped
	s.sendStream.visitor = wrapped
}

type bidiStreamVisitor struct {
	StreamVisitor
	str *stream
}

func (v *bidiStreamVisitor) OnClose(id StreamID) {
	v.str.completedMutex.Lock()
	done := v.str.sendStreamCompleted && v.str.receiveStreamCompleted
	v.str.completedMutex.Unlock()
	if done {
		v.StreamVisitor.OnClose(id)
	}
}

func (s *stream) Close() error {
	return s.sendStream.Close()
}

// Reset resets both directions of the stream, as an application-initiated
// cancellation.
func (s *stream) Reset(errorCode StreamErrorCode) {
	s.sendStream.CancelWrite(errorCode)
	s.receiveStream.CancelRead(errorCode)
}

func (s *stream) closeForShutdown(err error) {
	s.sendStream.closeForShutdown(err)
	s.receiveStream.closeForShutdown(err)
}

// checkIfCompleted is called from the uniStreamSender, when one of the stream halves is completed.
// It makes sure that the onStreamCompleted callback is only called if both receive and send side have completed.
func (s *stream) checkIfCompleted() {
	if s.sendStreamCompleted && s.receiveStreamCompleted {
		s.sender.onStreamCompleted(s.StreamID())
	}
}

// The uniStreamSender sends a unidirectional stream half.
// For bidirectional streams, the completion of one half is held back until
// the other half completed too.
type uniStreamSender struct {
	streamSender
	onStreamCompletedImpl func()
}

func (s *uniStreamSender) queueControlFrame(f wire.Frame) {
	s.streamSender.queueControlFrame(f)
}

func (s *uniStreamSender) onHasStreamData(id protocol.StreamID, priority protocol.StreamPriority, str sendStreamI) {
	s.streamSender.onHasStreamData(id, priority, str)
}

func (s *uniStreamSender) onStreamCompleted(protocol.StreamID) {
	s.onStreamCompletedImpl()
}

var _ streamSender = &uniStreamSender{}
