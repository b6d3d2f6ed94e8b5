package ackhandler

import "github.com/chromium-cheri/quiche/internal/wire"

// IsFrameTypeAckEliciting returns true if the frame is ack-eliciting.
func IsFrameTypeAckEliciting(t wire.FrameType) bool {
	//nolint:exhaustive // The default case catches the rest.
	switch t {
	case wire.AckFrameType, wire.AckECNFrameType, wire.ConnectionCloseFrameType, wire.ApplicationCloseFrameType:
		return false
	default:
		return true
	}
}

// IsFrameAckEliciting returns true if the frame is ack-eliciting.
func IsFrameAckEliciting(f wire.Frame) bool {
	_, isAck := f.(*wire.AckFrame)
	_, isConnectionClose := f.(*wire.ConnectionCloseFrame)
	return !isAck && !isConnectionClose
}

// HasAckElicitingFrames returns true if at least one frame is ack-eliciting.
func HasAckElicitingFrames(fs []Frame) bool {
	for _, f := range fs {
		if IsFrameAckEliciting(f.Frame) {
			return true
		}
	}
	return false
}

// IsRetransmittableFrame reports whether a frame needs to be tracked for
// retransmission. ACK frames never are; every other frame is.
func IsRetransmittableFrame(f wire.Frame) bool {
	switch f.(type) {
	case *wire.AckFrame:
		return false
	default:
		return true
	}
}

// IsHandshakeFrame reports whether a frame belongs to the crypto handshake:
// CRYPTO frames, and CONNECTION_CLOSE frames sent below 1-RTT.
func IsHandshakeFrame(f wire.Frame, enc1RTT bool) bool {
	switch f.(type) {
	case *wire.CryptoFrame:
		return true
	case *wire.ConnectionCloseFrame:
		return !enc1RTT
	default:
		return false
	}
}
