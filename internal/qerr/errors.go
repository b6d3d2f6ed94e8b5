package qerr

import (
	"fmt"
	"net"
)

var (
	ErrHandshakeTimeout = &HandshakeTimeoutError{}
	ErrIdleTimeout      = &IdleTimeoutError{}
)

type TransportError struct {
	Remote       bool
	FrameType    uint64
	ErrorCode    TransportErrorCode
	ErrorMessage string
	// only set for local errors, sometimes
	error error
}

var _ error = &TransportError{}

// NewLocalCryptoError create a new TransportError instance for a crypto error
func NewLocalCryptoError(tlsAlert uint8, err error) *TransportError {
	return &TransportError{
		ErrorCode: 0x100 + TransportErrorCode(tlsAlert),
		error:     err,
	}
}

func (e *TransportError) Error() string {
	str := fmt.Sprintf("%s (%s)", e.ErrorCode.String(), getRole(e.Remote))
	if e.FrameType != 0 {
		str += fmt.Sprintf(" (frame type: %#x)", e.FrameType)
	}
	msg := e.ErrorMessage
	if len(msg) == 0 && e.error != nil {
		msg = e.error.Error()
	}
	if len(msg) == 0 {
		msg = e.ErrorCode.Message()
	}
	if len(msg) == 0 {
		return str
	}
	return str + ": " + msg
}

func (e *TransportError) Is(target error) bool {
	t, ok := target.(*TransportError)
	return ok && e.ErrorCode == t.ErrorCode && e.FrameType == t.FrameType && e.Remote == t.Remote
}

func (e *TransportError) Unwrap() error { return e.error }

// An ApplicationErrorCode is an application-defined error code.
type ApplicationErrorCode uint64

func (e ApplicationErrorCode) error() {}

// A StreamErrorCode is an error code used to cancel streams.
type StreamErrorCode uint64

type ApplicationError struct {
	Remote       bool
	ErrorCode    ApplicationErrorCode
	ErrorMessage string
}

var _ error = &ApplicationError{}

func (e *ApplicationError) Error() string {
	if len(e.ErrorMessage) == 0 {
		return fmt.Sprintf("Application error %#x (%s)", e.ErrorCode, getRole(e.Remote))
	}
	return fmt.Sprintf("Application error %#x (%s): %s", e.ErrorCode, getRole(e.Remote), e.ErrorMessage)
}

func (e *ApplicationError) Is(target error) bool {
	t, ok := target.(*ApplicationError)
	return ok && e.ErrorCode == t.ErrorCode && e.Remote == t.Remote
}

type IdleTimeoutError struct{}

var _ error = &IdleTimeoutError{}

func (e *IdleTimeoutError) Timeout() bool        { return true }
func (e *IdleTimeoutError) Temporary() bool      { return false }
func (e *IdleTimeoutError) Error() string        { return "timeout: no recent network activity" }
func (e *IdleTimeoutError) Is(target error) bool { _, ok := target.(*IdleTimeoutError); return ok }

var _ net.Error = &IdleTimeoutError{}

type HandshakeTimeoutError struct{}

var _ error = &HandshakeTimeoutError{}

func (e *HandshakeTimeoutError) Timeout() bool   { return true }
func (e *HandshakeTimeoutError) Temporary() bool { return false }
func (e *HandshakeTimeoutError) Error() string   { return "timeout: handshake did not complete in time" }
func (e *HandshakeTimeoutError) Is(target error) bool {
	_, ok := target.(*HandshakeTimeoutError)
	return ok
}

var _ net.Error = &HandshakeTimeoutError{}

// A VersionNegotiationError occurs when the client and the server can't agree on a QUIC version.
type VersionNegotiationError struct {
	Ours   []uint32
	Theirs []uint32
}

func (e *VersionNegotiationError) Error() string {
	return fmt.Sprintf("no compatible QUIC version found (we support %v, server offered %v)", e.Ours, e.Theirs)
}

func (e *VersionNegotiationError) Is(target error) bool {
	_, ok := target.(*VersionNegotiationError)
	return ok
}

// A StatelessResetError occurs when we receive a stateless reset.
type StatelessResetError struct{}

var _ error = &StatelessResetError{}

func (e *StatelessResetError) Error() string { return "received a stateless reset" }
func (e *StatelessResetError) Is(target error) bool {
	_, ok := target.(*StatelessResetError)
	return ok
}

func (e *StatelessResetError) Timeout() bool   { return false }
func (e *StatelessResetError) Temporary() bool { return true }

var _ net.Error = &StatelessResetError{}

func getRole(remote bool) string {
	if remote {
		return "remote"
	}
	return "local"
}
