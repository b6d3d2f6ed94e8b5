package quiche

import (
	"context"
	"errors"
	"fmt"
	"net"

	"github.com/chromium-cheri/quiche/internal/flowcontrol"
	"github.com/chromium-cheri/quiche/internal/protocol"
	"github.com/chromium-cheri/quiche/internal/qerr"
	"github.com/chromium-cheri/quiche/internal/utils"
	"github.com/chromium-cheri/quiche/internal/wire"
)

type streamError struct {
	message string
	nums    []protocol.StreamNum
}

var _ error = &streamError{}

func (e streamError) Error() string {
	args := make([]any, len(e.nums))
	for i, num := range e.nums {
		args[i] = num
	}
	return fmt.Sprintf(e.message, args...)
}

func convertStreamError(err error, stype protocol.StreamType, pers protocol.Perspective) error {
	strError, ok := err.(streamError)
	if !ok {
		return err
	}
	ids := make([]any, len(strError.nums))
	for i, num := range strError.nums {
		ids[i] = num.StreamID(stype, pers)
	}
	return fmt.Errorf(strError.message, ids...)
}

var (
	errTooManyOpenStreams = errors.New("too many open streams")
	errGoneAway           = errors.New("connection is going away, no new streams may be opened")
)

type streamOpenErr struct{ error }

var _ net.Error = streamOpenErr{}

func (e streamOpenErr) Temporary() bool { return e.error == errTooManyOpenStreams }
func (e streamOpenErr) Timeout() bool   { return false }
func (e streamOpenErr) Unwrap() error   { return e.error }

// The streamsMap is the stream ID authority of a session.
// It maintains the four independent quadrants of the stream ID space:
// {local, peer} x {bidirectional, unidirectional}.
type streamsMap struct {
	perspective protocol.Perspective

	maxIncomingBidiStreams uint64
	maxIncomingUniStreams  uint64

	sender            streamSender
	newFlowController func(protocol.StreamID) flowcontrol.StreamFlowController

	outgoingBidiStreams *outgoingStreamsMap[streamI]
	outgoingUniStreams  *outgoingStreamsMap[*sendStream]
	incomingBidiStreams *incomingStreamsMap[streamI]
	incomingUniStreams  *incomingStreamsMap[*receiveStream]

	version protocol.Version
	logger  utils.Logger
}

func newStreamsMap(
	sender streamSender,
	newFlowController func(protocol.StreamID) flowcontrol.StreamFlowController,
	maxIncomingBidiStreams uint64,
	maxIncomingUniStreams uint64,
	perspective protocol.Perspective,
	version protocol.Version,
	logger utils.Logger,
) *streamsMap {
	m := &streamsMap{
		perspective:            perspective,
		newFlowController:      newFlowController,
		maxIncomingBidiStreams: maxIncomingBidiStreams,
		maxIncomingUniStreams:  maxIncomingUniStreams,
		sender:                 sender,
		version:                version,
		logger:                 logger,
	}
	m.initMaps()
	return m
}

func (m *streamsMap) initMaps() {
	m.outgoingBidiStreams = newOutgoingStreamsMap(
		protocol.StreamTypeBidi,
		func(num protocol.StreamNum) streamI {
			id := num.StreamID(protocol.StreamTypeBidi, m.perspective)
			return newStream(id, m.sender, m.newFlowController(id), m.version, m.logger)
		},
		m.sender.queueControlFrame,
	)
	m.incomingBidiStreams = newIncomingStreamsMap(
		protocol.StreamTypeBidi,
		func(num protocol.StreamNum) streamI {
			id := num.StreamID(protocol.StreamTypeBidi, m.perspective.Opposite())
			return newStream(id, m.sender, m.newFlowController(id), m.version, m.logger)
		},
		m.maxIncomingBidiStreams,
		m.sender.queueControlFrame,
	)
	m.outgoingUniStreams = newOutgoingStreamsMap(
		protocol.StreamTypeUni,
		func(num protocol.StreamNum) *sendStream {
			id := num.StreamID(protocol.StreamTypeUni, m.perspective)
			return newSendStream(id, m.sender, m.newFlowController(id), m.version, m.logger)
		},
		m.sender.queueControlFrame,
	)
	m.incomingUniStreams = newIncomingStreamsMap(
		protocol.StreamTypeUni,
		func(num protocol.StreamNum) *receiveStream {
			id := num.StreamID(protocol.StreamTypeUni, m.perspective.Opposite())
			str := newReceiveStream(id, m.sender, m.newFlowController(id), m.version)
			// The stream starts out pending: its type is unknown until the
			// first byte arrives.
			m.sender.onStreamPending(id, str)
			return str
		},
		m.maxIncomingUniStreams,
		m.sender.queueControlFrame,
	)
}

func (m *streamsMap) OpenStream() (streamI, error) {
	str, err := m.outgoingBidiStreams.OpenStream()
	return str, convertStreamError(err, protocol.StreamTypeBidi, m.perspective)
}

func (m *streamsMap) OpenUniStream() (*sendStream, error) {
	str, err := m.outgoingUniStreams.OpenStream()
	return str, convertStreamError(err, protocol.StreamTypeUni, m.perspective)
}

func (m *streamsMap) AcceptStream(ctx context.Context) (streamI, error) {
	str, err := m.incomingBidiStreams.AcceptStream(ctx)
	return str, convertStreamError(err, protocol.StreamTypeBidi, m.perspective.Opposite())
}

func (m *streamsMap) AcceptUniStream(ctx context.Context) (*receiveStream, error) {
	str, err := m.incomingUniStreams.AcceptStream(ctx)
	return str, convertStreamError(err, protocol.StreamTypeUni, m.perspective.Opposite())
}

func (m *streamsMap) DeleteStream(id protocol.StreamID) error {
	num := id.StreamNum()
	switch id.Type() {
	case protocol.StreamTypeUni:
		if id.InitiatedBy() == m.perspective {
			return convertStreamError(m.outgoingUniStreams.DeleteStream(num), protocol.StreamTypeUni, m.perspective)
		}
		return convertStreamError(m.incomingUniStreams.DeleteStream(num), protocol.StreamTypeUni, m.perspective.Opposite())
	case protocol.StreamTypeBidi:
		if id.InitiatedBy() == m.perspective {
			return convertStreamError(m.outgoingBidiStreams.DeleteStream(num), protocol.StreamTypeBidi, m.perspective)
		}
		return convertStreamError(m.incomingBidiStreams.DeleteStream(num), protocol.StreamTypeBidi, m.perspective.Opposite())
	}
	panic("")
}

// GetOrOpenReceiveStream returns the stream with the given stream ID, for
// frames that are received on it. Receiving a peer-initiated ID implicitly
// opens all lower IDs in the same quadrant. A locally-initiated ID that was
// never opened is an invalid peer frame.
func (m *streamsMap) GetOrOpenReceiveStream(id protocol.StreamID) (receiveStreamI, error) {
	str, err := m.getOrOpenReceiveStream(id)
	if err != nil {
		return nil, &qerr.TransportError{
			ErrorCode:    streamLimitOrStateError(err),
			ErrorMessage: convertStreamError(err, id.Type(), id.InitiatedBy()).Error(),
		}
	}
	return str, nil
}

func (m *streamsMap) getOrOpenReceiveStream(id protocol.StreamID) (receiveStreamI, error) {
	num := id.StreamNum()
	switch id.Type() {
	case protocol.StreamTypeUni:
		if id.InitiatedBy() == m.perspective {
			// an outgoing unidirectional stream is a send stream, not a receive stream
			return nil, fmt.Errorf("peer attempted to open receive stream %d", id)
		}
		str, err := m.incomingUniStreams.GetOrOpenStream(num)
		if str == nil {
			// GetOrOpenStream returns a typed nil when the stream doesn't exist
			return nil, err
		}
		return str, err
	case protocol.StreamTypeBidi:
		var str receiveStreamI
		var err error
		if id.InitiatedBy() == m.perspective {
			var s streamI
			s, err = m.outgoingBidiStreams.GetStream(num)
			if s != nil {
				str = s.(*stream)
			}
		} else {
			var s streamI
			s, err = m.incomingBidiStreams.GetOrOpenStream(num)
			if s != nil {
				str = s.(*stream)
			}
		}
		return str, err
	}
	panic("")
}

// GetOrOpenSendStream returns the stream with the given stream ID, for
// frames that are sent on it.
func (m *streamsMap) GetOrOpenSendStream(id protocol.StreamID) (sendStreamI, error) {
	str, err := m.getOrOpenSendStream(id)
	if err != nil {
		return nil, &qerr.TransportError{
			ErrorCode:    streamLimitOrStateError(err),
			ErrorMessage: convertStreamError(err, id.Type(), id.InitiatedBy()).Error(),
		}
	}
	return str, nil
}

func (m *streamsMap) getOrOpenSendStream(id protocol.StreamID) (sendStreamI, error) {
	num := id.StreamNum()
	switch id.Type() {
	case protocol.StreamTypeUni:
		if id.InitiatedBy() == m.perspective {
			str, err := m.outgoingUniStreams.GetStream(num)
			if str == nil {
				// GetStream returns a typed nil when the stream doesn't exist
				return nil, err
			}
			return str, err
		}
		// an incoming unidirectional stream is a receive stream, not a send stream
		return nil, fmt.Errorf("peer attempted to open send stream %d", id)
	case protocol.StreamTypeBidi:
		var str sendStreamI
		var err error
		if id.InitiatedBy() == m.perspective {
			var s streamI
			s, err = m.outgoingBidiStreams.GetStream(num)
			if s != nil {
				str = s.(*stream)
			}
		} else {
			var s streamI
			s, err = m.incomingBidiStreams.GetOrOpenStream(num)
			if s != nil {
				str = s.(*stream)
			}
		}
		return str, err
	}
	panic("")
}

// streamLimitOrStateError picks the transport error code: exceeding the
// advertised stream limit is STREAM_LIMIT_ERROR, everything else is a
// STREAM_STATE_ERROR.
func streamLimitOrStateError(err error) qerr.TransportErrorCode {
	if serr, ok := err.(streamError); ok && len(serr.nums) == 2 {
		return qerr.StreamLimitError
	}
	return qerr.StreamStateError
}

func (m *streamsMap) HandleMaxStreamsFrame(f *wire.MaxStreamsFrame) {
	switch f.Type {
	case protocol.StreamTypeUni:
		m.outgoingUniStreams.SetMaxStream(f.MaxStreamNum)
	case protocol.StreamTypeBidi:
		m.outgoingBidiStreams.SetMaxStream(f.MaxStreamNum)
	}
}

// ConnectionWindowUpdated is called when the connection-level send window
// grows, to wake all streams that were blocked on it.
func (m *streamsMap) ConnectionWindowUpdated() {
	m.outgoingBidiStreams.ConnectionWindowUpdated()
	m.outgoingUniStreams.ConnectionWindowUpdated()
	m.incomingBidiStreams.ConnectionWindowUpdated()
}

// GoAway stops new streams in both directions. Existing streams continue.
func (m *streamsMap) GoAway() {
	m.outgoingBidiStreams.GoAway()
	m.outgoingUniStreams.GoAway()
	m.incomingBidiStreams.GoAway()
	m.incomingUniStreams.GoAway()
}

func (m *streamsMap) CloseWithError(err error) {
	m.outgoingBidiStreams.CloseWithError(err)
	m.outgoingUniStreams.CloseWithError(err)
	m.incomingBidiStreams.CloseWithError(err)
	m.incomingUniStreams.CloseWithError(err)
}
