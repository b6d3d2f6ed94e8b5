package quiche

import (
	"fmt"

	"github.com/chromium-cheri/quiche/internal/qerr"
)

type (
	// TransportError is a QUIC transport error.
	TransportError = qerr.TransportError
	// ApplicationError is an application-defined error.
	ApplicationError = qerr.ApplicationError
	// VersionNegotiationError occurs when the client and the server can't agree on a QUIC version.
	VersionNegotiationError = qerr.VersionNegotiationError
	// StatelessResetError occurs when we receive a stateless reset.
	StatelessResetError = qerr.StatelessResetError
	// IdleTimeoutError occurs when the connection times out.
	IdleTimeoutError = qerr.IdleTimeoutError
	// HandshakeTimeoutError occurs when the crypto handshake takes too long.
	HandshakeTimeoutError = qerr.HandshakeTimeoutError
)

// Transport error codes, as defined in RFC 9000 section 20.1.
const (
	NoError                   TransportErrorCode = qerr.NoError
	InternalError             TransportErrorCode = qerr.InternalError
	ConnectionRefused         TransportErrorCode = qerr.ConnectionRefused
	FlowControlError          TransportErrorCode = qerr.FlowControlError
	StreamLimitError          TransportErrorCode = qerr.StreamLimitError
	StreamStateError          TransportErrorCode = qerr.StreamStateError
	FinalSizeError            TransportErrorCode = qerr.FinalSizeError
	FrameEncodingError        TransportErrorCode = qerr.FrameEncodingError
	TransportParameterError   TransportErrorCode = qerr.TransportParameterError
	ConnectionIDLimitError    TransportErrorCode = qerr.ConnectionIDLimitError
	ProtocolViolation         TransportErrorCode = qerr.ProtocolViolation
	InvalidToken              TransportErrorCode = qerr.InvalidToken
	ApplicationErrorErrorCode TransportErrorCode = qerr.ApplicationErrorErrorCode
	CryptoBufferExceeded      TransportErrorCode = qerr.CryptoBufferExceeded
	KeyUpdateError            TransportErrorCode = qerr.KeyUpdateError
	AEADLimitReached          TransportErrorCode = qerr.AEADLimitReached
	NoViablePathError         TransportErrorCode = qerr.NoViablePathError
)

// A StreamError is used for Stream.CancelRead and Stream.CancelWrite.
// It is also returned from Stream.Read and Stream.Write if the peer canceled the stream.
type StreamError struct {
	StreamID  StreamID
	ErrorCode StreamErrorCode
	Remote    bool
}

func (e *StreamError) Is(target error) bool {
	t, ok := target.(*StreamError)
	return ok && e.StreamID == t.StreamID && e.ErrorCode == t.ErrorCode && e.Remote == t.Remote
}

func (e *StreamError) Error() string {
	pers := "local"
	if e.Remote {
		pers = "remote"
	}
	return fmt.Sprintf("stream %d canceled by %s with error code %d", e.StreamID, pers, e.ErrorCode)
}
