package quiche

import (
	"fmt"
	"sync"

	"github.com/chromium-cheri/quiche/internal/ackhandler"
	"github.com/chromium-cheri/quiche/internal/flowcontrol"
	"github.com/chromium-cheri/quiche/internal/protocol"
	"github.com/chromium-cheri/quiche/internal/utils"
	"github.com/chromium-cheri/quiche/internal/wire"
)

type sendStreamI interface {
	popStreamFrame(maxBytes protocol.ByteCount, v protocol.Version) (frame ackhandler.StreamFrame, ok, hasMoreData bool)
	closeForShutdown(error)
	handleStopSendingFrame(*wire.StopSendingFrame)
	updateSendWindow(protocol.ByteCount)
	connectionWindowUpdated()
}

// The streamSender is implemented by the session.
// The stream uses it to register itself for scheduling, and to queue control frames.
type streamSender interface {
	queueControlFrame(wire.Frame)
	onHasStreamData(protocol.StreamID, protocol.StreamPriority, sendStreamI)
	onHasWindowUpdate(protocol.StreamID, receiveStreamI)
	onStreamCompleted(protocol.StreamID)
	// onStreamZombie is called when the FIN was sent, but unacknowledged
	// bytes remain. Resetting the stream does not call it.
	onStreamZombie(protocol.StreamID)
	// onStreamDraining is called when FIN was seen in both directions,
	// but unread received data is still buffered.
	onStreamDraining(protocol.StreamID)
	// onStreamPending is called when a peer-created unidirectional stream
	// comes into existence, before its first byte (carrying the stream type)
	// was received.
	onStreamPending(protocol.StreamID, *receiveStream)
}

type sendStream struct {
	mutex sync.Mutex

	numOutstandingFrames int64
	retransmissionQueue  []*wire.StreamFrame

	streamID protocol.StreamID
	sender   streamSender
	priority protocol.StreamPriority

	writeOffset protocol.ByteCount

	cancelWriteErr      *StreamError
	closeForShutdownErr error

	finishedWriting bool // set once Close() is called
	finSent         bool // set when a STREAM frame with FIN bit has been sent
	// Set when the application knows about the cancellation.
	// This can happen because the application called CancelWrite,
	// or because Write returned the error (for remote cancellations).
	cancellationFlagged bool
	completed           bool // set when this stream has been reported to the streamSender as completed

	dataForWriting []byte // during a call to WriteData, this slice is the part of p that still needs to be sent out
	nextFrame      *wire.StreamFrame

	// The stream is write-blocked either on stream or on connection flow
	// control. It re-registers with the session once the window opens.
	blocked bool
	visitor StreamVisitor

	flowController flowcontrol.StreamFlowController

	version protocol.Version
	logger  utils.Logger
}

var _ sendStreamI = &sendStream{}

func newSendStream(
	streamID protocol.StreamID,
	sender streamSender,
	flowController flowcontrol.StreamFlowController,
	version protocol.Version,
	logger utils.Logger,
) *sendStream {
	return &sendStream{
		streamID:       streamID,
		sender:         sender,
		flowController: flowController,
		priority:       protocol.DefaultStreamPriority,
		version:        version,
		logger:         logger,
	}
}

func (s *sendStream) StreamID() protocol.StreamID {
	return s.streamID // same for receiveStream and sendStream
}

// SetPriority sets the scheduling priority of the stream.
func (s *sendStream) SetPriority(p protocol.StreamPriority) {
	s.mutex.Lock()
	s.priority = p
	s.mutex.Unlock()
}

func (s *sendStream) Priority() protocol.StreamPriority {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	return s.priority
}

// WriteData appends data to the send buffer, bounded by the stream- and the
// connection-level flow control windows; the smaller one applies.
// It returns the number of bytes consumed, and whether the FIN was consumed.
// If not everything could be consumed, the stream registers itself as
// write-blocked and the visitor's OnCanWrite fires once the window opens.
func (s *sendStream) WriteData(p []byte, fin bool) (int, bool, error) {
	s.mutex.Lock()

	if s.finishedWriting {
		s.mutex.Unlock()
		return 0, false, fmt.Errorf("write on closed stream %d", s.streamID)
	}
	if s.cancelWriteErr != nil {
		err := s.cancelWriteErr
		s.cancellationFlagged = true
		completed := s.isNewlyCompleted()
		s.mutex.Unlock()
		if completed {
			s.notifyCompleted()
		}
		return 0, false, err
	}
	if s.closeForShutdownErr != nil {
		err := s.closeForShutdownErr
		s.mutex.Unlock()
		return 0, false, err
	}

	budget := s.flowController.SendWindowSize()
	if buffered := protocol.ByteCount(len(s.dataForWriting)); budget > buffered {
		budget -= buffered
	} else {
		budget = 0
	}

	n := min(protocol.ByteCount(len(p)), budget)
	if n > 0 {
		s.dataForWriting = append(s.dataForWriting, p[:n]...)
	}
	finConsumed := fin && int(n) == len(p)
	if finConsumed {
		s.finishedWriting = true
	}

	hasData := len(s.dataForWriting) > 0 || s.finishedWriting
	if int(n) != len(p) {
		s.blocked = true
		s.queueBlockedFrame()
	}
	s.mutex.Unlock()

	if hasData {
		s.sender.onHasStreamData(s.streamID, s.priority, s)
	}
	return int(n), finConsumed, nil
}

// must be called with the mutex held
func (s *sendStream) queueBlockedFrame() {
	if blocked, at := s.flowController.IsNewlyBlocked(); blocked {
		s.sender.queueControlFrame(&wire.StreamDataBlockedFrame{
			StreamID:          s.streamID,
			MaximumStreamData: at,
		})
	}
}

// Close finishes the write side: a FIN is sent once all buffered data was packetized.
func (s *sendStream) Close() error {
	s.mutex.Lock()
	if s.closeForShutdownErr != nil {
		s.mutex.Unlock()
		return nil
	}
	if s.cancelWriteErr != nil {
		s.mutex.Unlock()
		return fmt.Errorf("close called for canceled stream %d", s.streamID)
	}
	s.finishedWriting = true
	s.mutex.Unlock()

	s.sender.onHasStreamData(s.streamID, s.priority, s)
	return nil
}

func (s *sendStream) popStreamFrame(maxBytes protocol.ByteCount, v protocol.Version) (af ackhandler.StreamFrame, ok, hasMoreData bool) {
	s.mutex.Lock()
	f, hasMoreData := s.popNewOrRetransmittedStreamFrame(maxBytes, v)
	if f != nil {
		s.numOutstandingFrames++
	}
	finSent := s.finSent && !s.completed
	s.mutex.Unlock()

	if f != nil && f.Fin && finSent {
		// The local side is done with the stream, but the FIN (and possibly
		// data) is not yet acknowledged.
		s.sender.onStreamZombie(s.streamID)
	}

	if f == nil {
		return ackhandler.StreamFrame{}, false, hasMoreData
	}
	return ackhandler.StreamFrame{
		Frame:   f,
		Handler: (*sendStreamAckHandler)(s),
	}, true, hasMoreData
}

func (s *sendStream) popNewOrRetransmittedStreamFrame(maxBytes protocol.ByteCount, v protocol.Version) (*wire.StreamFrame, bool /* has more data to send */) {
	if s.cancelWriteErr != nil || s.closeForShutdownErr != nil {
		return nil, false
	}

	if len(s.retransmissionQueue) > 0 {
		f, hasMoreRetransmissions := s.maybeGetRetransmission(maxBytes, v)
		if f != nil || hasMoreRetransmissions {
			if f == nil {
				return nil, true
			}
			// We always claim that we have more data to send.
			// This might be incorrect, in which case there'll be a spurious call to popStreamFrame in the future.
			return f, true
		}
	}

	if len(s.dataForWriting) == 0 && s.nextFrame == nil {
		if s.finishedWriting && !s.finSent {
			s.finSent = true
			return &wire.StreamFrame{
				StreamID:       s.streamID,
				Offset:         s.writeOffset,
				DataLenPresent: true,
				Fin:            true,
			}, false
		}
		return nil, false
	}

	f := s.popNewStreamFrame(maxBytes, v)
	if f == nil {
		return nil, true
	}

	hasMoreData := len(s.dataForWriting) > 0 || s.nextFrame != nil
	if s.finishedWriting && !hasMoreData && !s.finSent {
		s.finSent = true
		f.Fin = true
	}
	return f, hasMoreData || (s.finishedWriting && !s.finSent)
}

func (s *sendStream) popNewStreamFrame(maxBytes protocol.ByteCount, v protocol.Version) *wire.StreamFrame {
	if s.nextFrame != nil {
		nextFrame := s.nextFrame
		s.nextFrame = nil

		maxDataLen := min(nextFrame.DataLen(), nextFrame.MaxDataLen(maxBytes, v))
		if maxDataLen == 0 {
			s.nextFrame = nextFrame
			return nil
		}
		if nextFrame.DataLen() > maxDataLen {
			s.nextFrame = wire.GetStreamFrame()
			s.nextFrame.StreamID = s.streamID
			s.nextFrame.Offset = nextFrame.Offset + maxDataLen
			s.nextFrame.Data = s.nextFrame.Data[:nextFrame.DataLen()-maxDataLen]
			s.nextFrame.DataLenPresent = true
			copy(s.nextFrame.Data, nextFrame.Data[maxDataLen:])
			nextFrame.Data = nextFrame.Data[:maxDataLen]
		}
		return nextFrame
	}

	f := wire.GetStreamFrame()
	f.Fin = false
	f.StreamID = s.streamID
	f.Offset = s.writeOffset
	f.DataLenPresent = true
	f.Data = f.Data[:0]

	s.getDataForWriting(f, maxBytes)
	if f.DataLen() == 0 {
		f.PutBack()
		return nil
	}
	return f
}

// must be called with the mutex held
func (s *sendStream) getDataForWriting(f *wire.StreamFrame, maxBytes protocol.ByteCount) {
	maxDataLen := f.MaxDataLen(maxBytes, s.version)
	if maxDataLen == 0 {
		return
	}
	n := min(protocol.ByteCount(len(s.dataForWriting)), maxDataLen)
	if n == 0 {
		return
	}
	f.Data = f.Data[:n]
	copy(f.Data, s.dataForWriting[:n])
	s.dataForWriting = s.dataForWriting[n:]
	if len(s.dataForWriting) == 0 {
		s.dataForWriting = nil
	}
	s.writeOffset += n
	s.flowController.AddBytesSent(n)
}

func (s *sendStream) maybeGetRetransmission(maxBytes protocol.ByteCount, v protocol.Version) (*wire.StreamFrame, bool /* has more retransmissions */) {
	f := s.retransmissionQueue[0]
	newFrame, needsSplit := f.MaybeSplitOffFrame(maxBytes, v)
	if needsSplit {
		return newFrame, true
	}
	s.retransmissionQueue = s.retransmissionQueue[1:]
	return f, len(s.retransmissionQueue) > 0
}

// updateSendWindow is called when a MAX_STREAM_DATA frame arrives,
// and when the connection flow control window opens.
func (s *sendStream) updateSendWindow(limit protocol.ByteCount) {
	s.mutex.Lock()
	updated := s.flowController.UpdateSendWindow(limit)
	wasBlocked := s.blocked
	if updated && wasBlocked {
		s.blocked = false
	}
	hasStreamData := len(s.dataForWriting) > 0 || s.nextFrame != nil
	s.mutex.Unlock()

	if hasStreamData {
		s.sender.onHasStreamData(s.streamID, s.priority, s)
	}
	if updated && wasBlocked && s.visitor != nil {
		s.visitor.OnCanWrite(s.streamID)
	}
}

// connectionWindowUpdated is called when the connection-level flow control
// window opens. The stream-level window is unchanged.
func (s *sendStream) connectionWindowUpdated() {
	s.mutex.Lock()
	wasBlocked := s.blocked
	s.blocked = false
	hasStreamData := len(s.dataForWriting) > 0 || s.nextFrame != nil || (s.finishedWriting && !s.finSent)
	priority := s.priority
	s.mutex.Unlock()

	if hasStreamData {
		s.sender.onHasStreamData(s.streamID, priority, s)
	}
	if wasBlocked && s.visitor != nil {
		s.visitor.OnCanWrite(s.streamID)
	}
}

// CancelWrite resets the send side: a RESET_STREAM frame carrying the current
// write offset as the final size is queued, pending data is discarded, and the
// send side transitions to its terminal state.
func (s *sendStream) CancelWrite(errorCode StreamErrorCode) {
	s.cancelWriteImpl(errorCode, false)
}

func (s *sendStream) cancelWriteImpl(errorCode StreamErrorCode, remote bool) {
	s.mutex.Lock()
	if !remote {
		s.cancellationFlagged = true
	}
	if s.cancelWriteErr != nil || s.closeForShutdownErr != nil {
		s.mutex.Unlock()
		return
	}
	if s.finSent {
		// The stream was already closed successfully, a reset is a no-op.
		s.mutex.Unlock()
		return
	}
	s.cancelWriteErr = &StreamError{StreamID: s.streamID, ErrorCode: errorCode, Remote: remote}
	s.dataForWriting = nil
	if s.nextFrame != nil {
		s.nextFrame.PutBack()
		s.nextFrame = nil
	}
	s.retransmissionQueue = nil
	s.numOutstandingFrames = 0
	finalSize := s.writeOffset
	completed := s.isNewlyCompleted()
	s.mutex.Unlock()

	// The RESET_STREAM frame is retransmitted by the control-frame manager
	// until it is acknowledged.
	s.sender.queueControlFrame(&wire.ResetStreamFrame{
		StreamID:  s.streamID,
		FinalSize: finalSize,
		ErrorCode: errorCode,
	})
	if completed {
		s.notifyCompleted()
	}
}

// handleStopSendingFrame handles a STOP_SENDING frame, by resetting the stream
// with the peer-requested error code.
func (s *sendStream) handleStopSendingFrame(frame *wire.StopSendingFrame) {
	s.cancelWriteImpl(frame.ErrorCode, true)
}

func (s *sendStream) closeForShutdown(err error) {
	s.mutex.Lock()
	s.closeForShutdownErr = err
	s.dataForWriting = nil
	if s.nextFrame != nil {
		s.nextFrame.PutBack()
		s.nextFrame = nil
	}
	s.retransmissionQueue = nil
	s.mutex.Unlock()
}

// isNewlyCompleted reports (exactly once) that the send side reached its
// terminal state: all sent data including the FIN was acknowledged, or the
// stream was reset (the acknowledgement of the RESET_STREAM frame is not
// awaited).
// must be called with the mutex held
func (s *sendStream) isNewlyCompleted() bool {
	if s.completed {
		return false
	}
	// We need to keep the stream around until all frames were acknowledged.
	if s.numOutstandingFrames > 0 || len(s.retransmissionQueue) > 0 {
		return false
	}
	// The stream is completed if the FIN was acknowledged.
	if s.finSent {
		s.completed = true
		return true
	}
	// The stream is also completed if:
	// 1. the application called CancelWrite, or
	// 2. we received a STOP_SENDING, and the application learned about the
	//    cancellation via WriteData, or had already called Close.
	if s.cancelWriteErr != nil && (s.cancellationFlagged || s.finishedWriting) {
		s.completed = true
		return true
	}
	return false
}

func (s *sendStream) notifyCompleted() {
	s.sender.onStreamCompleted(s.streamID)
	if s.visitor != nil {
		s.visitor.OnClose(s.streamID)
	}
}

type sendStreamAckHandler sendStream

var _ ackhandler.StreamFrameHandler = &sendStreamAckHandler{}

func (s *sendStreamAckHandler) OnAcked(f *wire.StreamFrame) {
	s.mutex.Lock()
	if s.cancelWriteErr != nil {
		s.mutex.Unlock()
		return
	}
	s.numOutstandingFrames--
	if s.numOutstandingFrames < 0 {
		panic("numOutStandingFrames negative")
	}
	newlyCompleted := (*sendStream)(s).isNewlyCompleted()
	s.mutex.Unlock()
	f.PutBack()

	if newlyCompleted {
		(*sendStream)(s).notifyCompleted()
	}
}

func (s *sendStreamAckHandler) OnLost(f *wire.StreamFrame) {
	s.mutex.Lock()
	if s.cancelWriteErr != nil {
		f.PutBack()
		s.mutex.Unlock()
		return
	}
	// The byte range may have been acknowledged by a later packet carrying the
	// same range. In that case the frame was already marked acked and this
	// handler is not invoked. Everything that reaches this point is re-queued.
	f.DataLenPresent = true
	s.retransmissionQueue = append(s.retransmissionQueue, f)
	s.numOutstandingFrames--
	if s.numOutstandingFrames < 0 {
		panic("numOutStandingFrames negative")
	}
	priority := s.priority
	s.mutex.Unlock()

	s.sender.onHasStreamData(s.streamID, priority, (*sendStream)(s))
}
