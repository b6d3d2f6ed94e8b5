package quiche

import (
	"fmt"
	"sync"

	"github.com/chromium-cheri/quiche/internal/flowcontrol"
	"github.com/chromium-cheri/quiche/internal/protocol"
	"github.com/chromium-cheri/quiche/internal/qerr"
	"github.com/chromium-cheri/quiche/internal/wire"
)

type receiveStreamI interface {
	handleStreamFrame(*wire.StreamFrame) error
	handleResetStreamFrame(*wire.ResetStreamFrame) error
	closeForShutdown(error)
	getWindowUpdate() protocol.ByteCount
}

type receiveStream struct {
	mutex sync.Mutex

	streamID protocol.StreamID

	sender streamSender

	frameQueue  *frameSorter
	finalOffset protocol.ByteCount

	currentFrame       []byte
	currentFrameDone   func()
	readPosInFrame     int
	currentFrameIsLast bool // is the currentFrame the last frame on this stream

	readOffset protocol.ByteCount

	queuedWindowUpdate bool

	finRead             bool // set once we read a frame with the Fin bit set
	closeForShutdownErr error
	cancelReadErr       *StreamError
	resetRemotelyErr    *StreamError

	// Set when the application knows about the cancellation.
	// This can happen because the application called CancelRead,
	// or because ReadData returned the error.
	cancellationFlagged bool
	completed           bool // set once the stream was reported to the streamSender as completed

	visitor StreamVisitor

	flowController flowcontrol.StreamFlowController
	version        protocol.Version
}

var _ receiveStreamI = &receiveStream{}

func newReceiveStream(
	streamID protocol.StreamID,
	sender streamSender,
	flowController flowcontrol.StreamFlowController,
	version protocol.Version,
) *receiveStream {
	return &receiveStream{
		streamID:       streamID,
		sender:         sender,
		flowController: flowController,
		frameQueue:     newFrameSorter(),
		finalOffset:    protocol.MaxByteCount,
		version:        version,
	}
}

func (s *receiveStream) StreamID() protocol.StreamID {
	return s.streamID
}

// ReadData copies contiguous received bytes into p, without blocking.
// It returns the number of bytes copied and whether the FIN was read.
// Bytes in [0, highest-contiguous) are delivered in offset order; gaps are
// buffered until filled.
func (s *receiveStream) ReadData(p []byte) (int, bool, error) {
	s.mutex.Lock()
	n, fin, err := s.readImpl(p)
	completed := s.isNewlyCompleted()
	s.mutex.Unlock()

	if completed {
		s.notifyCompleted()
	}
	return n, fin, err
}

func (s *receiveStream) readImpl(p []byte) (int, bool, error) {
	if s.finRead {
		return 0, true, fmt.Errorf("read on closed stream %d", s.streamID)
	}
	if s.cancelReadErr != nil {
		s.cancellationFlagged = true
		return 0, false, s.cancelReadErr
	}
	if s.resetRemotelyErr != nil {
		s.cancellationFlagged = true
		return 0, false, s.resetRemotelyErr
	}
	if s.closeForShutdownErr != nil {
		return 0, false, s.closeForShutdownErr
	}

	var bytesRead int
	for bytesRead < len(p) {
		if s.currentFrame == nil || s.readPosInFrame >= len(s.currentFrame) {
			s.dequeueNextFrame()
		}
		if s.currentFrame == nil {
			// the stream was finished with an empty FIN
			if s.currentFrameIsLast {
				s.finRead = true
				return bytesRead, true, nil
			}
			break
		}

		m := copy(p[bytesRead:], s.currentFrame[s.readPosInFrame:])
		s.readPosInFrame += m
		bytesRead += m
		s.readOffset += protocol.ByteCount(m)

		// when a RESET_STREAM was received, the flow controller was already
		// at the final offset
		if s.resetRemotelyErr == nil {
			s.flowController.AddBytesRead(protocol.ByteCount(m))
		}
		if s.readPosInFrame >= len(s.currentFrame) && s.currentFrameIsLast {
			s.finRead = true
			s.currentFrame = nil
			if s.currentFrameDone != nil {
				s.currentFrameDone()
			}
			s.currentFrameDone = nil
			return bytesRead, true, nil
		}
	}

	// the window update is sent via the session's window update queue,
	// if the window has shifted past its auto-tune threshold
	s.maybeQueueWindowUpdate()
	return bytesRead, false, nil
}

// must be called with the mutex held
func (s *receiveStream) maybeQueueWindowUpdate() {
	if s.queuedWindowUpdate || s.finRead {
		return
	}
	s.queuedWindowUpdate = true
	s.sender.onHasWindowUpdate(s.streamID, s)
}

func (s *receiveStream) dequeueNextFrame() {
	var offset protocol.ByteCount
	// We're done with the last frame. Release the buffer.
	if s.currentFrameDone != nil {
		s.currentFrameDone()
	}
	offset, s.currentFrame, s.currentFrameDone = s.frameQueue.Pop()
	s.currentFrameIsLast = offset+protocol.ByteCount(len(s.currentFrame)) >= s.finalOffset
	s.readPosInFrame = 0
}

func (s *receiveStream) handleStreamFrame(frame *wire.StreamFrame) error {
	s.mutex.Lock()
	completed, err := s.handleStreamFrameImpl(frame)
	hasData := frame.Fin ||
		s.frameQueue.HasMoreData() ||
		(s.currentFrame != nil && s.readPosInFrame < len(s.currentFrame))
	draining := err == nil && !completed && frame.Fin && s.frameQueue.HasMoreData()
	s.mutex.Unlock()

	if err != nil {
		return err
	}
	if completed {
		s.flowController.Abandon()
		s.notifyCompleted()
	}
	if draining {
		// final size is known, but unconsumed bytes remain buffered
		s.sender.onStreamDraining(s.streamID)
	}
	if hasData && s.visitor != nil {
		s.visitor.OnDataAvailable(s.streamID)
	}
	return nil
}

func (s *receiveStream) handleStreamFrameImpl(frame *wire.StreamFrame) (bool /* completed */, error) {
	maxOffset := frame.Offset + frame.DataLen()
	if err := s.flowController.UpdateHighestReceived(maxOffset, frame.Fin); err != nil {
		return false, err
	}
	if frame.Fin {
		// A FIN locks the final size. No higher offset may be accepted;
		// the flow controller has already verified this.
		s.finalOffset = maxOffset
	}
	if s.cancelReadErr != nil || s.resetRemotelyErr != nil {
		// The application is not interested in the data.
		// Account for the bytes and drop the frame.
		frame.PutBack()
		return frame.Fin && s.isNewlyCompleted(), nil
	}
	if err := s.frameQueue.Push(frame.Data, frame.Offset, frame.PutBack); err != nil {
		return false, err
	}
	return false, nil
}

func (s *receiveStream) handleResetStreamFrame(frame *wire.ResetStreamFrame) error {
	s.mutex.Lock()
	completed, err := s.handleResetStreamFrameImpl(frame)
	s.mutex.Unlock()

	if completed {
		s.notifyCompleted()
	}
	return err
}

func (s *receiveStream) handleResetStreamFrameImpl(frame *wire.ResetStreamFrame) (bool /* completed */, error) {
	if s.closeForShutdownErr != nil {
		return false, nil
	}
	// The final size is locked by the reset, and the connection-level flow
	// controller accounts for the full final size, regardless of how much of
	// the stream was actually received.
	if err := s.flowController.UpdateHighestReceived(frame.FinalSize, true); err != nil {
		return false, err
	}
	s.finalOffset = frame.FinalSize

	// ignore duplicate RESET_STREAM frames for this stream (after checking their final offset)
	if s.resetRemotelyErr != nil {
		return false, nil
	}
	s.resetRemotelyErr = &StreamError{
		StreamID:  s.streamID,
		ErrorCode: frame.ErrorCode,
		Remote:    true,
	}
	// The receive side is terminal now. The buffered data is dropped, and the
	// connection-level flow controller accounts for the full final size.
	s.dropPendingData()
	s.flowController.Abandon()
	return s.isNewlyCompleted(), nil
}

// CancelRead aborts reading from the stream. A STOP_SENDING frame asks the
// peer to stop transmitting.
func (s *receiveStream) CancelRead(errorCode StreamErrorCode) {
	s.mutex.Lock()
	s.cancellationFlagged = true
	completed := s.cancelReadImpl(errorCode)
	s.mutex.Unlock()

	if completed {
		s.flowController.Abandon()
		s.notifyCompleted()
	}
}

func (s *receiveStream) cancelReadImpl(errorCode qerr.StreamErrorCode) bool /* completed */ {
	if s.finRead || s.cancelReadErr != nil || s.resetRemotelyErr != nil || s.closeForShutdownErr != nil {
		return false
	}
	s.cancelReadErr = &StreamError{StreamID: s.streamID, ErrorCode: errorCode, Remote: false}
	s.dropPendingData()
	s.sender.queueControlFrame(&wire.StopSendingFrame{
		StreamID:  s.streamID,
		ErrorCode: errorCode,
	})
	return s.isNewlyCompleted()
}

// must be called with the mutex held
func (s *receiveStream) dropPendingData() {
	if s.currentFrameDone != nil {
		s.currentFrameDone()
		s.currentFrameDone = nil
	}
	s.currentFrame = nil
	for s.frameQueue.HasMoreData() {
		_, _, cb := s.frameQueue.Pop()
		if cb != nil {
			cb()
		}
	}
}

func (s *receiveStream) closeForShutdown(err error) {
	s.mutex.Lock()
	s.closeForShutdownErr = err
	s.mutex.Unlock()
}

// hasReceivedFirstByte reports whether the byte at offset 0 was received.
// For peer-created unidirectional streams, this is the byte carrying the
// stream type.
func (s *receiveStream) hasReceivedFirstByte() bool {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	return s.readOffset > 0 || s.currentFrame != nil || s.frameQueue.HasMoreData()
}

func (s *receiveStream) getWindowUpdate() protocol.ByteCount {
	s.mutex.Lock()
	s.queuedWindowUpdate = false
	offset := s.flowController.GetWindowUpdate()
	s.mutex.Unlock()
	return offset
}

// isNewlyCompleted reports (exactly once) that the receive side reached its
// terminal state: the final size is known and was either read or abandoned.
// must be called with the mutex held
func (s *receiveStream) isNewlyCompleted() bool {
	if s.completed {
		return false
	}
	// the stream is completed if we read the FIN
	if s.finRead {
		s.completed = true
		return true
	}
	// The stream is also completed if the cancellation reached the application
	// AND the final size was observed. A peer reset carries the final size;
	// for a local cancellation we keep the stream around until the peer's FIN
	// or reset arrives, as the connection flow control accounting needs it.
	if s.cancellationFlagged {
		if s.resetRemotelyErr != nil {
			s.completed = true
			return true
		}
		if s.cancelReadErr != nil && s.finalOffset != protocol.MaxByteCount {
			s.completed = true
			return true
		}
	}
	return false
}

func (s *receiveStream) notifyCompleted() {
	s.sender.onStreamCompleted(s.streamID)
	if s.visitor != nil {
		s.visitor.OnClose(s.streamID)
	}
}
