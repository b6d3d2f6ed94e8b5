package quiche

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/chromium-cheri/quiche/internal/ackhandler"
	"github.com/chromium-cheri/quiche/internal/flowcontrol"
	"github.com/chromium-cheri/quiche/internal/handshake"
	"github.com/chromium-cheri/quiche/internal/protocol"
	"github.com/chromium-cheri/quiche/internal/qerr"
	"github.com/chromium-cheri/quiche/internal/utils"
	"github.com/chromium-cheri/quiche/internal/wire"
)

// A Session is the multiplexer of an authenticated QUIC connection: it owns
// the streams, routes incoming frames, drives retransmission, and coordinates
// the crypto handshake state transitions.
//
// The session is single-threaded cooperative: the host calls into it from one
// execution context (the UDP reader, the alarm service, and the application
// API), and it calls back out synchronously.
type session struct {
	mutex sync.Mutex

	origDestConnID protocol.ConnectionID
	srcConnID      protocol.ConnectionID
	destConnID     protocol.ConnectionID

	perspective protocol.Perspective
	version     protocol.Version
	config      *Config

	keys     *keyRing
	packer   *packetPacker
	unpacker *packetUnpacker

	frameParser           *wire.FrameParser
	sentPacketHandler     *ackhandler.SentPacketHandler
	receivedPacketHandler *ackhandler.ReceivedPacketHandler
	retransmissionQueue   *retransmissionQueue
	framer                *framer
	windowUpdateQueue     *windowUpdateQueue
	connFlowController    flowcontrol.ConnectionFlowController
	streamsMap            *streamsMap

	initialStream   *cryptoStream
	handshakeStream *cryptoStream
	oneRTTStream    *cryptoStream

	cryptoStreamManager *cryptoStreamManager
	datagramQueue       *datagramQueue
	mtuDiscoverer       mtuDiscoverer

	rttStats *utils.RTTStats

	delegate      SendDelegate
	visitor       SessionVisitor
	tracer        ConnectionTracer
	cryptoHandler CryptoDataHandler

	// Disjoint lifecycle maps, in addition to the dynamic active streams owned
	// by the streamsMap. The crypto streams are the static set. Peer-created
	// unidirectional streams live in the pending map until their first byte
	// (carrying the stream type) arrives.
	streamLifecycleMutex sync.Mutex
	pendingStreams       map[protocol.StreamID]*pendingStream
	zombieStreams        map[protocol.StreamID]struct{}
	drainingStreams      map[protocol.StreamID]struct{}
	closedStreams        []protocol.StreamID // drop queue, reaped by the cleanup alarm

	handshakeComplete  bool
	handshakeConfirmed bool

	receivedFirstPacket bool

	// The first fatal error wins. Repeated close calls are idempotent.
	closeErr        error
	closed          bool
	draining        bool
	goneAway        bool
	connClosePacket []byte

	lastPacketReceivedTime time.Time
	idleTimeout            time.Duration
	creationTime           time.Time

	// peer-advertised initial_max_stream_data, applied to newly created streams
	initialStreamSendWindow protocol.ByteCount

	logger utils.Logger
}

var errSessionClosed = errors.New("session closed")

// NewSession creates a new session.
// The crypto handshake machinery above the CRYPTO-frame interface, the UDP
// socket, the congestion controller, and the alarm service are external
// collaborators, attached via the delegate, visitor, and handler interfaces.
func NewSession(
	srcConnID, destConnID protocol.ConnectionID,
	perspective protocol.Perspective,
	version protocol.Version,
	conf *Config,
	delegate SendDelegate,
	visitor SessionVisitor,
	cryptoHandler CryptoDataHandler,
) *session {
	config := populateConfig(conf)
	logger := config.Logger.WithPrefix(fmt.Sprintf("%s:", perspective))
	s := &session{
		origDestConnID: destConnID,
		srcConnID:      srcConnID,
		destConnID:     destConnID,
		perspective:    perspective,
		version:        version,
		config:         config,
		delegate:       delegate,
		visitor:        visitor,
		tracer:         config.Tracer,
		cryptoHandler:  cryptoHandler,
		rttStats:       &utils.RTTStats{},
		idleTimeout:    config.MaxIdleTimeout,
		creationTime:   time.Now(),
		logger:         logger,

		pendingStreams:  make(map[protocol.StreamID]*pendingStream),
		zombieStreams:   make(map[protocol.StreamID]struct{}),
		drainingStreams: make(map[protocol.StreamID]struct{}),
	}
	s.keys = newKeyRing(destConnID, perspective, version)
	s.sentPacketHandler = ackhandler.NewSentPacketHandler(0, s.rttStats, perspective, logger)
	s.receivedPacketHandler = ackhandler.NewReceivedPacketHandler(s.sentPacketHandler, logger)
	s.frameParser = wire.NewFrameParser(config.EnableDatagrams)
	s.retransmissionQueue = newRetransmissionQueue()
	s.framer = newFramer(logger)
	s.connFlowController = flowcontrol.NewConnectionFlowController(
		protocol.ByteCount(config.InitialConnectionReceiveWindow),
		protocol.ByteCount(config.MaxConnectionReceiveWindow),
		s.rttStats,
		logger,
	)
	s.windowUpdateQueue = newWindowUpdateQueue(s.connFlowController, s.framer.QueueControlFrame)
	s.streamsMap = newStreamsMap(
		s,
		s.newFlowController,
		uint64(config.MaxIncomingStreams),
		uint64(config.MaxIncomingUniStreams),
		perspective,
		version,
		logger,
	)
	s.initialStream = newCryptoStream()
	s.handshakeStream = newCryptoStream()
	s.oneRTTStream = newCryptoStream()
	s.cryptoStreamManager = newCryptoStreamManager(cryptoHandler, s.initialStream, s.handshakeStream, s.oneRTTStream)
	if config.EnableDatagrams {
		s.datagramQueue = newDatagramQueue(func() {}, logger)
	}
	s.packer = newPacketPacker(
		srcConnID,
		func() protocol.ConnectionID { return s.destConnID },
		s.initialStream,
		s.handshakeStream,
		s.sentPacketHandler,
		s.retransmissionQueue,
		s.keys,
		s.framer,
		s.receivedPacketHandler,
		s.datagramQueue,
		perspective,
	)
	s.unpacker = newPacketUnpacker(s.keys, srcConnID.Len())
	s.mtuDiscoverer = newMTUDiscoverer(s.rttStats, protocol.InitialPacketSize, protocol.MaxPacketBufferSize, func(protocol.ByteCount) {})
	return s
}

func (s *session) newFlowController(id protocol.StreamID) flowcontrol.StreamFlowController {
	return flowcontrol.NewStreamFlowController(
		id,
		s.connFlowController,
		protocol.ByteCount(s.config.InitialStreamReceiveWindow),
		protocol.ByteCount(s.config.MaxStreamReceiveWindow),
		s.initialStreamSendWindow,
		s.rttStats,
		s.logger,
	)
}

// SetInitialSendWindows sets the peer-advertised initial flow control limits
// (from the transport parameters). It must be called before stream data is sent.
func (s *session) SetInitialSendWindows(maxData, maxStreamData protocol.ByteCount, maxBidiStreams, maxUniStreams protocol.StreamNum) {
	s.initialStreamSendWindow = maxStreamData
	s.connFlowController.UpdateSendWindow(maxData)
	s.streamsMap.HandleMaxStreamsFrame(&wire.MaxStreamsFrame{Type: protocol.StreamTypeBidi, MaxStreamNum: maxBidiStreams})
	s.streamsMap.HandleMaxStreamsFrame(&wire.MaxStreamsFrame{Type: protocol.StreamTypeUni, MaxStreamNum: maxUniStreams})
}

// ---------------------------------------------------------------------------
// inbound path

// ProcessUDPPacket demultiplexes a received UDP datagram.
// Coalesced packets at different encryption levels are processed one by one.
// It never blocks, but may synchronously call back into the visitors.
func (s *session) ProcessUDPPacket(rcvTime time.Time, data []byte) {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	if s.closed {
		return
	}
	s.lastPacketReceivedTime = rcvTime

	for len(data) > 0 {
		if wire.IsLongHeaderPacket(data[0]) {
			hdr, packetData, rest, err := wire.ParsePacket(data)
			if err != nil {
				if s.tracer != nil {
					s.tracer.DroppedPacket(protocol.ByteCount(len(data)), "header_parse_error")
				}
				s.logger.Debugf("error parsing packet: %s", err)
				return
			}
			s.handleLongHeaderPacket(hdr, packetData, rcvTime)
			data = rest
		} else {
			s.handleShortHeaderPacket(data, rcvTime)
			return
		}
	}
}

func (s *session) handleLongHeaderPacket(hdr *wire.Header, data []byte, rcvTime time.Time) {
	if hdr.Version != s.version {
		if s.tracer != nil {
			s.tracer.DroppedPacket(protocol.ByteCount(len(data)), "unexpected_version")
		}
		return
	}
	packet, err := s.unpacker.UnpackLongHeader(hdr, data)
	if err != nil {
		s.handleUnpackError(err, protocol.ByteCount(len(data)))
		return
	}
	if s.receivedPacketHandler.IsPotentiallyDuplicate(packet.hdr.PacketNumber, packet.encryptionLevel) {
		if s.tracer != nil {
			s.tracer.DroppedPacket(protocol.ByteCount(len(data)), "duplicate")
		}
		return
	}
	if s.perspective == protocol.PerspectiveServer && !s.receivedFirstPacket {
		// The server remembers the client's chosen destination connection ID.
		s.destConnID = hdr.SrcConnectionID
	}
	s.receivedFirstPacket = true
	if s.tracer != nil {
		s.tracer.ReceivedPacket(packet.hdr.PacketNumber, packet.encryptionLevel, protocol.ByteCount(len(data)))
	}
	if _, err := s.handleUnpackedPacket(packet.hdr.PacketNumber, packet.encryptionLevel, packet.data, rcvTime); err != nil {
		s.closeLocalLocked(err)
	}
}

func (s *session) handleShortHeaderPacket(data []byte, rcvTime time.Time) {
	pn, _, _, decrypted, err := s.unpacker.UnpackShortHeader(rcvTime, data)
	if err != nil {
		s.handleUnpackError(err, protocol.ByteCount(len(data)))
		return
	}
	if s.receivedPacketHandler.IsPotentiallyDuplicate(pn, protocol.Encryption1RTT) {
		if s.tracer != nil {
			s.tracer.DroppedPacket(protocol.ByteCount(len(data)), "duplicate")
		}
		return
	}
	if s.tracer != nil {
		s.tracer.ReceivedPacket(pn, protocol.Encryption1RTT, protocol.ByteCount(len(data)))
	}
	if _, err := s.handleUnpackedPacket(pn, protocol.Encryption1RTT, decrypted, rcvTime); err != nil {
		s.closeLocalLocked(err)
	}
}

func (s *session) handleUnpackError(err error, size protocol.ByteCount) {
	// Transient conditions are not errors: packets arriving before the keys
	// are installed are dropped (the host may buffer and redeliver them).
	switch {
	case errors.Is(err, handshake.ErrKeysNotYetAvailable):
		if s.tracer != nil {
			s.tracer.DroppedPacket(size, "key_unavailable")
		}
	case errors.Is(err, handshake.ErrKeysDropped):
		if s.tracer != nil {
			s.tracer.DroppedPacket(size, "key_dropped")
		}
	case errors.Is(err, handshake.ErrDecryptionFailed):
		if s.tracer != nil {
			s.tracer.DroppedPacket(size, "payload_decrypt_error")
		}
	default:
		var headerErr *headerParseError
		if errors.As(err, &headerErr) {
			if s.tracer != nil {
				s.tracer.DroppedPacket(size, "header_parse_error")
			}
			return
		}
		// everything else is a fatal error
		s.closeLocalLocked(err)
	}
}

func (s *session) handleUnpackedPacket(
	pn protocol.PacketNumber,
	encLevel protocol.EncryptionLevel,
	data []byte,
	rcvTime time.Time,
) (bool /* was ack-eliciting */, error) {
	isAckEliciting, err := s.handleFrames(data, encLevel, rcvTime)
	if err != nil {
		return false, err
	}
	if err := s.receivedPacketHandler.ReceivedPacket(pn, protocol.ECNUnsupported, encLevel, rcvTime, isAckEliciting); err != nil {
		return false, err
	}
	return isAckEliciting, nil
}

func (s *session) handleFrames(data []byte, encLevel protocol.EncryptionLevel, rcvTime time.Time) (isAckEliciting bool, _ error) {
	for len(data) > 0 {
		frameType, l, err := s.frameParser.ParseType(data, encLevel)
		if err != nil {
			if err == io.EOF {
				// PADDING until the end of the packet
				return isAckEliciting, nil
			}
			return false, err
		}
		data = data[l:]

		if ackhandler.IsFrameTypeAckEliciting(frameType) {
			isAckEliciting = true
		}

		var frame wire.Frame
		var n int
		switch {
		case frameType.IsStreamFrameType():
			frame, n, err = s.frameParser.ParseStreamFrame(frameType, data, s.version)
		case frameType.IsAckFrameType():
			frame, n, err = s.frameParser.ParseAckFrame(frameType, data, encLevel, s.version)
		case frameType.IsDatagramFrameType():
			frame, n, err = s.frameParser.ParseDatagramFrame(frameType, data, s.version)
		default:
			frame, n, err = s.frameParser.ParseLessCommonFrame(frameType, data, s.version)
		}
		if err != nil {
			return false, err
		}
		data = data[n:]

		if s.logger.Debug() {
			wire.LogFrame(s.logger, frame, false)
		}
		if err := s.handleFrame(frame, encLevel, rcvTime); err != nil {
			return false, err
		}
	}
	return isAckEliciting, nil
}

// handleFrame demultiplexes a single frame by kind.
func (s *session) handleFrame(f wire.Frame, encLevel protocol.EncryptionLevel, rcvTime time.Time) error {
	var err error
	switch frame := f.(type) {
	case *wire.StreamFrame:
		err = s.handleStreamFrame(frame)
	case *wire.CryptoFrame:
		err = s.handleCryptoFrame(frame, encLevel)
	case *wire.AckFrame:
		err = s.handleAckFrame(frame, encLevel, rcvTime)
	case *wire.ResetStreamFrame:
		err = s.handleResetStreamFrame(frame)
	case *wire.StopSendingFrame:
		err = s.handleStopSendingFrame(frame)
	case *wire.MaxDataFrame:
		s.handleMaxDataFrame(frame)
	case *wire.MaxStreamDataFrame:
		err = s.handleMaxStreamDataFrame(frame)
	case *wire.MaxStreamsFrame:
		s.streamsMap.HandleMaxStreamsFrame(frame)
	case *wire.DataBlockedFrame:
		// informational only
	case *wire.StreamDataBlockedFrame:
	case *wire.StreamsBlockedFrame:
	case *wire.PingFrame:
	case *wire.PathChallengeFrame:
		s.handlePathChallengeFrame(frame)
	case *wire.PathResponseFrame:
		// since we don't send PATH_CHALLENGEs, we don't expect PATH_RESPONSEs
		err = &qerr.TransportError{
			ErrorCode:    qerr.ProtocolViolation,
			ErrorMessage: "unexpected PATH_RESPONSE frame",
		}
	case *wire.NewTokenFrame:
		err = s.handleNewTokenFrame(frame)
	case *wire.NewConnectionIDFrame:
		// connection migration is handled by the host's path manager
	case *wire.RetireConnectionIDFrame:
	case *wire.ConnectionCloseFrame:
		s.handleConnectionCloseFrame(frame)
	case *wire.HandshakeDoneFrame:
		err = s.handleHandshakeDoneFrame()
	case *wire.DatagramFrame:
		err = s.handleDatagramFrame(frame)
	default:
		err = fmt.Errorf("unexpected frame type: %T", f)
	}
	return err
}

func (s *session) handleStreamFrame(frame *wire.StreamFrame) error {
	h, err := s.getStreamHandler(frame.StreamID)
	if err != nil {
		return err
	}
	if h.isPending() {
		if err := h.pending.str.handleStreamFrame(frame); err != nil {
			return err
		}
		// the first byte carries the stream type, receiving it promotes the
		// stream to the dynamic active set
		if h.pending.typeByteReceived() {
			s.removePendingStream(frame.StreamID)
		}
		return nil
	}
	if h.stream == nil {
		// Stream is closed and already garbage collected.
		// Ignore this frame; its bytes are not counted against connection-level
		// flow control.
		return nil
	}
	return h.stream.handleStreamFrame(frame)
}

// getStreamHandler locates the stream a frame refers to: a pending stream, a
// full stream, or neither (already closed). Locating a peer-initiated stream
// that doesn't exist yet implicitly creates it (and all lower IDs of the same
// quadrant); peer-created unidirectional streams come into existence pending.
func (s *session) getStreamHandler(id protocol.StreamID) (streamHandler, error) {
	str, err := s.streamsMap.GetOrOpenReceiveStream(id)
	if err != nil {
		return streamHandler{}, err
	}
	s.streamLifecycleMutex.Lock()
	p, pending := s.pendingStreams[id]
	s.streamLifecycleMutex.Unlock()
	if pending {
		return streamHandler{pending: p}, nil
	}
	return streamHandler{stream: str}, nil
}

// removePendingStream takes a stream out of the pending map, either because
// it was promoted to the dynamic active set, or because a reset destroyed it.
func (s *session) removePendingStream(id protocol.StreamID) {
	s.streamLifecycleMutex.Lock()
	delete(s.pendingStreams, id)
	s.streamLifecycleMutex.Unlock()
}

func (s *session) handleCryptoFrame(frame *wire.CryptoFrame, encLevel protocol.EncryptionLevel) error {
	return s.cryptoStreamManager.HandleCryptoFrame(frame, encLevel)
}

func (s *session) handleAckFrame(frame *wire.AckFrame, encLevel protocol.EncryptionLevel, rcvTime time.Time) error {
	acked1RTTPacket, err := s.sentPacketHandler.ReceivedAck(frame, encLevel, rcvTime)
	if err != nil {
		return err
	}
	if acked1RTTPacket && s.tracer != nil {
		s.tracer.UpdatedRTT(s.rttStats.SmoothedRTT())
	}
	return nil
}

func (s *session) handleResetStreamFrame(frame *wire.ResetStreamFrame) error {
	h, err := s.getStreamHandler(frame.StreamID)
	if err != nil {
		return err
	}
	var str receiveStreamI
	if h.isPending() {
		// A reset is terminal for a pending stream: it is destroyed without
		// ever being promoted.
		str = h.pending.str
		s.removePendingStream(frame.StreamID)
	} else {
		str = h.stream
	}
	if str == nil {
		// stream is closed and already garbage collected
		return nil
	}
	if err := str.handleResetStreamFrame(frame); err != nil {
		return err
	}
	if s.visitor != nil {
		s.visitor.OnRstStreamReceived(frame.StreamID, frame.ErrorCode)
	}
	return nil
}

func (s *session) handleStopSendingFrame(frame *wire.StopSendingFrame) error {
	str, err := s.streamsMap.GetOrOpenSendStream(frame.StreamID)
	if err != nil {
		return err
	}
	if str == nil {
		// stream is closed and already garbage collected
		return nil
	}
	str.handleStopSendingFrame(frame)
	if s.visitor != nil {
		s.visitor.OnStopSendingReceived(frame.StreamID, frame.ErrorCode)
	}
	return nil
}

func (s *session) handleMaxDataFrame(frame *wire.MaxDataFrame) {
	if s.connFlowController.UpdateSendWindow(frame.MaximumData) {
		s.streamsMap.ConnectionWindowUpdated()
	}
}

func (s *session) handleMaxStreamDataFrame(frame *wire.MaxStreamDataFrame) error {
	str, err := s.streamsMap.GetOrOpenSendStream(frame.StreamID)
	if err != nil {
		return err
	}
	if str == nil {
		// stream is closed and already garbage collected
		return nil
	}
	str.updateSendWindow(frame.MaximumStreamData)
	return nil
}

func (s *session) handlePathChallengeFrame(frame *wire.PathChallengeFrame) {
	// A PATH_RESPONSE is sent on its own, padded, at 1-RTT only.
	s.framer.QueueControlFrame(&wire.PathResponseFrame{Data: frame.Data})
}

func (s *session) handleNewTokenFrame(frame *wire.NewTokenFrame) error {
	if s.perspective == protocol.PerspectiveServer {
		return &qerr.TransportError{
			ErrorCode:    qerr.ProtocolViolation,
			ErrorMessage: "received NEW_TOKEN frame from the client",
		}
	}
	// token storage is external to the core
	return nil
}

func (s *session) handleHandshakeDoneFrame() error {
	if s.perspective == protocol.PerspectiveServer {
		return &qerr.TransportError{
			ErrorCode:    qerr.ProtocolViolation,
			ErrorMessage: "received a HANDSHAKE_DONE frame",
		}
	}
	if !s.handshakeConfirmed {
		s.handshakeConfirmed = true
		// Once the handshake is confirmed, nothing is sent at the Initial or
		// Handshake level any more.
		for _, encLevel := range []protocol.EncryptionLevel{protocol.EncryptionInitial, protocol.EncryptionHandshake} {
			s.keys.RetireEncryptionLevel(encLevel)
			s.sentPacketHandler.DropPackets(encLevel)
			s.receivedPacketHandler.DropPackets(encLevel)
			s.retransmissionQueue.DropPackets(encLevel)
		}
	}
	return nil
}

func (s *session) handleDatagramFrame(frame *wire.DatagramFrame) error {
	if protocol.ByteCount(len(frame.Data)) > protocol.MaxDatagramFrameSize {
		return &qerr.TransportError{
			ErrorCode:    qerr.ProtocolViolation,
			ErrorMessage: "DATAGRAM frame too large",
		}
	}
	if s.datagramQueue == nil {
		return &qerr.TransportError{
			ErrorCode:    qerr.ProtocolViolation,
			ErrorMessage: "received DATAGRAM frame, although datagram support was not enabled",
		}
	}
	s.datagramQueue.HandleDatagramFrame(frame)
	return nil
}

func (s *session) handleConnectionCloseFrame(frame *wire.ConnectionCloseFrame) {
	var e error
	if frame.IsApplicationError {
		e = &qerr.ApplicationError{
			Remote:       true,
			ErrorCode:    qerr.ApplicationErrorCode(frame.ErrorCode),
			ErrorMessage: frame.ReasonPhrase,
		}
	} else {
		e = &qerr.TransportError{
			Remote:       true,
			ErrorCode:    qerr.TransportErrorCode(frame.ErrorCode),
			FrameType:    frame.FrameType,
			ErrorMessage: frame.ReasonPhrase,
		}
	}
	// called while processing a packet, so the mutex is already held
	s.closeOnceLocked(e, true)
}

// ---------------------------------------------------------------------------
// crypto handshake events

// InstallOpener installs the receive keys for an encryption level.
func (s *session) InstallOpener(encLevel protocol.EncryptionLevel, opener handshake.LongHeaderOpener) {
	s.keys.InstallOpener(encLevel, opener)
}

// InstallSealer installs the send keys for an encryption level.
// Frames for a level are held in per-level pending buffers until the keys
// exist; installing the keys makes the next SendPackets call drain them.
func (s *session) InstallSealer(encLevel protocol.EncryptionLevel, sealer handshake.LongHeaderSealer) {
	s.keys.InstallSealer(encLevel, sealer)
}

// Install1RTTKeys installs the keys for 1-RTT packets.
func (s *session) Install1RTTKeys(opener handshake.ShortHeaderOpener, sealer handshake.ShortHeaderSealer) {
	s.keys.Install1RTTKeys(opener, sealer)
}

// RetireEncryptionLevel drops the keys of an encryption level, drops all
// outstanding packets at that level, and forbids further sends at it.
func (s *session) RetireEncryptionLevel(encLevel protocol.EncryptionLevel) {
	s.keys.RetireEncryptionLevel(encLevel)
	s.sentPacketHandler.DropPackets(encLevel)
	s.receivedPacketHandler.DropPackets(encLevel)
	if encLevel == protocol.EncryptionInitial || encLevel == protocol.EncryptionHandshake {
		s.retransmissionQueue.DropPackets(encLevel)
		if err := s.cryptoStreamManager.Drop(encLevel); err != nil {
			s.closeLocal(err)
		}
	}
}

// SetHandshakeComplete is called by the external crypto machinery once the
// handshake completes. The server sends HANDSHAKE_DONE and confirms.
func (s *session) SetHandshakeComplete() {
	if s.handshakeComplete {
		return
	}
	s.handshakeComplete = true
	if s.perspective == protocol.PerspectiveServer {
		s.retransmissionQueue.addAppData(&wire.HandshakeDoneFrame{})
		s.handshakeConfirmed = true
	}
	s.mtuDiscoverer.Start()
	if s.visitor != nil {
		s.visitor.OnHandshakeComplete()
	}
}

// WriteCryptoData queues crypto data at an encryption level.
func (s *session) WriteCryptoData(encLevel protocol.EncryptionLevel, data []byte) error {
	switch encLevel {
	case protocol.EncryptionInitial:
		_, err := s.initialStream.Write(data)
		return err
	case protocol.EncryptionHandshake:
		_, err := s.handshakeStream.Write(data)
		return err
	case protocol.Encryption1RTT:
		_, err := s.oneRTTStream.Write(data)
		return err
	default:
		return fmt.Errorf("cannot write crypto data at encryption level %s", encLevel)
	}
}

// ---------------------------------------------------------------------------
// outbound path

// SendPackets packs and emits as many packets as the current state allows.
// The host calls it whenever the socket is writable, and after every event
// that may have produced new frames.
func (s *session) SendPackets(now time.Time) error {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	if s.closed {
		return errSessionClosed
	}
	return s.sendPackets(now)
}

func (s *session) sendPackets(now time.Time) error {
	maxPacketSize := s.mtuDiscoverer.CurrentSize()

	// Pending window updates become MAX_DATA / MAX_STREAM_DATA control frames.
	s.windowUpdateQueue.QueueAll()

	// A DATA_BLOCKED frame is sent at most once per window epoch.
	if blocked, at := s.connFlowController.IsNewlyBlocked(); blocked {
		s.framer.QueueControlFrame(&wire.DataBlockedFrame{MaximumData: at})
	}

	// Path probes are packed alone, padded.
	if pr := s.framer.NextPathResponse(); pr != nil {
		packet, buf, err := s.packer.PackPathProbePacket(ackhandler.Frame{Frame: pr}, s.version)
		if err != nil && err != handshake.ErrKeysNotYetAvailable {
			return err
		}
		if err == nil {
			s.registerSentPacket(packet, protocol.Encryption1RTT, now, buf.Len())
			s.deliver(buf, packet.PacketNumber, protocol.Encryption1RTT, packet.IsAckEliciting(), len(packet.Frames))
		}
	}

	if !s.handshakeConfirmed {
		for {
			packet, err := s.packer.PackCoalescedPacket(false, maxPacketSize, now, s.version)
			if err != nil {
				return err
			}
			if packet == nil {
				break
			}
			s.sendPackedCoalescedPacket(packet, now)
		}
		return nil
	}

	// MTU probes temporarily exceed the normal maximum packet size.
	if s.mtuDiscoverer.ShouldSendProbe(now) {
		ping, size := s.mtuDiscoverer.GetPing(now)
		packet, buf, err := s.packer.PackMTUProbePacket(ping, size, s.version)
		if err != nil {
			return err
		}
		s.registerMTUProbe(packet, now, buf.Len())
		s.deliver(buf, packet.PacketNumber, protocol.Encryption1RTT, true, len(packet.Frames))
	}

	for {
		buf := getPacketBuffer()
		packet, err := s.packer.AppendPacket(buf, maxPacketSize, now, s.version)
		if err == errNothingToPack {
			buf.Release()
			return nil
		}
		if err != nil {
			buf.Release()
			return err
		}
		s.registerSentPacket(packet, protocol.Encryption1RTT, now, buf.Len())
		s.deliver(buf, packet.PacketNumber, protocol.Encryption1RTT, packet.IsAckEliciting(), len(packet.Frames)+len(packet.StreamFrames))
	}
}

// SendAck sends a pending acknowledgment, if one is queued.
// The host calls it when the ACK alarm fires.
func (s *session) SendAck(now time.Time) error {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	if s.closed {
		return errSessionClosed
	}
	if !s.handshakeConfirmed {
		packet, err := s.packer.PackCoalescedPacket(true, s.mtuDiscoverer.CurrentSize(), now, s.version)
		if err != nil || packet == nil {
			return err
		}
		s.sendPackedCoalescedPacket(packet, now)
		return nil
	}
	packet, buf, err := s.packer.PackAckOnlyPacket(s.mtuDiscoverer.CurrentSize(), now, s.version)
	if err != nil {
		if err == errNothingToPack {
			return nil
		}
		return err
	}
	s.registerSentPacket(packet, protocol.Encryption1RTT, now, buf.Len())
	s.deliver(buf, packet.PacketNumber, protocol.Encryption1RTT, false, 0)
	return nil
}

func (s *session) sendPackedCoalescedPacket(packet *coalescedPacket, now time.Time) {
	for _, p := range packet.longHdrPackets {
		encLevel := p.EncryptionLevel()
		largestAcked := protocol.InvalidPacketNumber
		if p.ack != nil {
			largestAcked = p.ack.LargestAcked()
		}
		s.sentPacketHandler.SentPacket(
			now, p.header.PacketNumber, largestAcked,
			p.streamFrames, p.frames, encLevel, p.length, false, false,
		)
	}
	if p := packet.shortHdrPacket; p != nil {
		largestAcked := protocol.InvalidPacketNumber
		if p.Ack != nil {
			largestAcked = p.Ack.LargestAcked()
		}
		s.sentPacketHandler.SentPacket(
			now, p.PacketNumber, largestAcked,
			p.StreamFrames, p.Frames, protocol.Encryption1RTT, p.Length, false, false,
		)
	}
	var pn protocol.PacketNumber
	var encLevel protocol.EncryptionLevel
	var isAckEliciting bool
	var frameCount int
	if len(packet.longHdrPackets) > 0 {
		pn = packet.longHdrPackets[0].header.PacketNumber
		encLevel = packet.longHdrPackets[0].EncryptionLevel()
		isAckEliciting = packet.longHdrPackets[0].IsAckEliciting()
		frameCount = len(packet.longHdrPackets[0].frames)
	} else if packet.shortHdrPacket != nil {
		pn = packet.shortHdrPacket.PacketNumber
		encLevel = protocol.Encryption1RTT
		isAckEliciting = packet.shortHdrPacket.IsAckEliciting()
		frameCount = len(packet.shortHdrPacket.Frames)
	}
	s.deliver(packet.buffer, pn, encLevel, isAckEliciting, frameCount)
}

func (s *session) registerSentPacket(packet shortHeaderPacket, encLevel protocol.EncryptionLevel, now time.Time, size protocol.ByteCount) {
	largestAcked := protocol.InvalidPacketNumber
	if packet.Ack != nil {
		largestAcked = packet.Ack.LargestAcked()
	}
	s.sentPacketHandler.SentPacket(
		now, packet.PacketNumber, largestAcked,
		packet.StreamFrames, packet.Frames, encLevel, packet.Length,
		packet.IsPathMTUProbePacket, packet.IsPathProbePacket,
	)
}

func (s *session) registerMTUProbe(packet shortHeaderPacket, now time.Time, size protocol.ByteCount) {
	s.sentPacketHandler.SentPacket(
		now, packet.PacketNumber, protocol.InvalidPacketNumber,
		packet.StreamFrames, packet.Frames, protocol.Encryption1RTT, packet.Length, true, false,
	)
}

func (s *session) deliver(buf *packetBuffer, pn protocol.PacketNumber, encLevel protocol.EncryptionLevel, isAckEliciting bool, frameCount int) {
	if s.tracer != nil {
		s.tracer.SentPacket(pn, encLevel, buf.Len(), frameCount)
	}
	s.delegate.OnSerializedPacket(SerializedPacket{
		PacketNumber:          pn,
		Buffer:                buf,
		EncryptionLevel:       encLevel,
		IsAckEliciting:        isAckEliciting,
		RetransmittableFrames: frameCount,
		Fate:                  FateSend,
	})
}

// ---------------------------------------------------------------------------
// application API

// OpenStream opens the next outgoing bidirectional stream.
func (s *session) OpenStream() (*stream, error) {
	str, err := s.streamsMap.OpenStream()
	if err != nil {
		return nil, err
	}
	return str.(*stream), nil
}

// OpenUniStream opens the next outgoing unidirectional stream.
func (s *session) OpenUniStream() (*sendStream, error) {
	return s.streamsMap.OpenUniStream()
}

// AcceptStream accepts the next peer-initiated bidirectional stream.
func (s *session) AcceptStream(ctx context.Context) (*stream, error) {
	str, err := s.streamsMap.AcceptStream(ctx)
	if err != nil {
		return nil, err
	}
	return str.(*stream), nil
}

// AcceptUniStream accepts the next peer-initiated unidirectional stream.
func (s *session) AcceptUniStream(ctx context.Context) (*receiveStream, error) {
	return s.streamsMap.AcceptUniStream(ctx)
}

// SendDatagram queues a MESSAGE frame. It returns false if the queue is full.
func (s *session) SendDatagram(p []byte) (bool, error) {
	if s.datagramQueue == nil {
		return false, errors.New("datagram support disabled")
	}
	if protocol.ByteCount(len(p)) > protocol.MaxDatagramFrameSize {
		return false, errors.New("message too large")
	}
	f := &wire.DatagramFrame{DataLenPresent: true}
	f.Data = make([]byte, len(p))
	copy(f.Data, p)
	return s.datagramQueue.Add(f)
}

// ReceiveDatagram returns the next received MESSAGE frame payload, if any.
func (s *session) ReceiveDatagram() []byte {
	if s.datagramQueue == nil {
		return nil
	}
	return s.datagramQueue.Receive()
}

// GoAway marks "no new streams" in both directions. Existing streams continue.
func (s *session) GoAway() {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	if s.goneAway {
		return
	}
	s.goneAway = true
	s.streamsMap.GoAway()
}

// ---------------------------------------------------------------------------
// streamSender

func (s *session) queueControlFrame(f wire.Frame) {
	s.framer.QueueControlFrame(f)
	s.maybeNotifyWriteBlocked()
}

func (s *session) onHasStreamData(id protocol.StreamID, priority protocol.StreamPriority, str sendStreamI) {
	s.framer.AddActiveStream(id, priority, str)
	s.maybeNotifyWriteBlocked()
}

func (s *session) onHasWindowUpdate(id protocol.StreamID, str receiveStreamI) {
	s.windowUpdateQueue.AddStream(id, str)
	s.maybeNotifyWriteBlocked()
}

func (s *session) onStreamPending(id protocol.StreamID, str *receiveStream) {
	s.streamLifecycleMutex.Lock()
	if s.pendingStreams != nil {
		s.pendingStreams[id] = newPendingStream(str)
	}
	s.streamLifecycleMutex.Unlock()
}

func (s *session) onStreamCompleted(id protocol.StreamID) {
	s.streamLifecycleMutex.Lock()
	delete(s.pendingStreams, id)
	delete(s.zombieStreams, id)
	delete(s.drainingStreams, id)
	// Destruction is deferred to the cleanup alarm, so that freeing the
	// buffers happens outside hot call stacks.
	s.closedStreams = append(s.closedStreams, id)
	s.streamLifecycleMutex.Unlock()
	s.windowUpdateQueue.RemoveStream(id)
	s.framer.RemoveActiveStream(id)
}

func (s *session) onStreamZombie(id protocol.StreamID) {
	s.streamLifecycleMutex.Lock()
	if s.zombieStreams != nil {
		s.zombieStreams[id] = struct{}{}
	}
	s.streamLifecycleMutex.Unlock()
}

func (s *session) onStreamDraining(id protocol.StreamID) {
	s.streamLifecycleMutex.Lock()
	if s.drainingStreams != nil {
		s.drainingStreams[id] = struct{}{}
	}
	s.streamLifecycleMutex.Unlock()
}

var _ streamSender = &session{}

func (s *session) maybeNotifyWriteBlocked() {
	if s.visitor != nil {
		s.visitor.OnWriteBlocked()
	}
}

// ---------------------------------------------------------------------------
// alarms

// OnLossDetectionAlarm is the entry point for the host's loss-detection alarm.
func (s *session) OnLossDetectionAlarm(now time.Time) error {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	if s.closed {
		return nil
	}
	if err := s.sentPacketHandler.OnLossDetectionTimeout(now); err != nil {
		s.closeLocalLocked(err)
		return err
	}
	return s.sendPackets(now)
}

// OnIdleAlarm is the entry point for the host's idle-network alarm.
func (s *session) OnIdleAlarm(now time.Time) {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	if s.closed {
		return
	}
	if s.lastPacketReceivedTime.IsZero() {
		if now.Sub(s.creationTime) >= s.config.HandshakeIdleTimeout {
			s.closeLocalLocked(&qerr.IdleTimeoutError{})
		}
		return
	}
	if now.Sub(s.lastPacketReceivedTime) >= s.idleTimeout {
		s.closeLocalLocked(&qerr.IdleTimeoutError{})
	}
}

// OnCleanupAlarm reaps fully closed streams.
// Destructors with nontrivial cost run here, outside hot call stacks.
func (s *session) OnCleanupAlarm(time.Time) {
	s.streamLifecycleMutex.Lock()
	closed := s.closedStreams
	s.closedStreams = nil
	s.streamLifecycleMutex.Unlock()
	for _, id := range closed {
		if err := s.streamsMap.DeleteStream(id); err != nil {
			s.logger.Errorf("error deleting stream %d: %s", id, err)
		}
	}
}

// LossDetectionDeadline returns the deadline for the loss-detection alarm.
func (s *session) LossDetectionDeadline() time.Time {
	return s.sentPacketHandler.GetLossDetectionTimeout()
}

// AckAlarmDeadline returns the deadline for the delayed-ACK alarm.
func (s *session) AckAlarmDeadline() time.Time {
	return s.receivedPacketHandler.GetAlarmTimeout()
}

// QueueWindowUpdates moves all pending window updates into the control-frame
// queue. It is called before packing packets.
func (s *session) QueueWindowUpdates() {
	s.windowUpdateQueue.QueueAll()
}

// DeclarePacketLost reports an externally detected packet loss (e.g. from the
// congestion controller's view). The packet's retransmittable frames are
// re-offered: streams decide whether their byte ranges are still useful,
// control frames are re-queued by the control-frame manager. The data is then
// sent in a new packet with a fresh number.
func (s *session) DeclarePacketLost(pn protocol.PacketNumber, encLevel protocol.EncryptionLevel) {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	if s.closed {
		return
	}
	s.sentPacketHandler.DeclareLost(pn, encLevel)
	if s.tracer != nil {
		s.tracer.LostPacket(pn, encLevel)
	}
}

// ---------------------------------------------------------------------------
// closing

// CloseWithError closes the connection with an application error.
func (s *session) CloseWithError(code ApplicationErrorCode, desc string) error {
	s.closeLocal(&qerr.ApplicationError{ErrorCode: code, ErrorMessage: desc})
	return nil
}

// Close closes the connection without an error (NO_ERROR).
func (s *session) Close() error {
	return s.CloseWithError(0, "")
}

func (s *session) closeLocal(e error) {
	s.closeOnce(e, false)
}

func (s *session) closeRemote(e error) {
	s.closeOnce(e, true)
}

// closeLocalLocked must be called with the mutex held.
func (s *session) closeLocalLocked(e error) {
	s.closeOnceLocked(e, false)
}

func (s *session) closeOnce(e error, remote bool) {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	s.closeOnceLocked(e, remote)
}

// closeOnceLocked latches the first error and emits at most one
// CONNECTION_CLOSE. Repeated calls are no-ops.
func (s *session) closeOnceLocked(e error, remote bool) {
	if s.closed {
		return
	}
	s.closed = true
	s.closeErr = e

	if !remote {
		s.sendConnectionClosePacket(e)
	} else {
		// start the draining period
		s.draining = true
	}

	// A fatal error never propagates past the session boundary as an error
	// value. Every stream is closed, buffers are dropped, and the visitor is
	// notified exactly once.
	s.streamsMap.CloseWithError(e)
	if s.datagramQueue != nil {
		s.datagramQueue.CloseWithError(e)
	}
	s.streamLifecycleMutex.Lock()
	s.pendingStreams = nil
	s.zombieStreams = nil
	s.drainingStreams = nil
	s.closedStreams = nil
	s.streamLifecycleMutex.Unlock()

	if s.tracer != nil {
		s.tracer.ClosedConnection(e)
	}
	if s.visitor != nil {
		s.visitor.OnConnectionClosed(s.origDestConnID, e, e.Error())
	}
}

func (s *session) sendConnectionClosePacket(e error) {
	var packet *coalescedPacket
	var err error
	var transportErr *qerr.TransportError
	var applicationErr *qerr.ApplicationError
	if errors.As(e, &transportErr) {
		packet, err = s.packer.PackConnectionClose(transportErr, s.mtuDiscoverer.CurrentSize(), s.version)
	} else if errors.As(e, &applicationErr) {
		packet, err = s.packer.PackApplicationClose(applicationErr, s.mtuDiscoverer.CurrentSize(), s.version)
	} else {
		packet, err = s.packer.PackConnectionClose(&qerr.TransportError{
			ErrorCode:    qerr.InternalError,
			ErrorMessage: fmt.Sprintf("connection BUG: unspecified error type (msg: %s)", e.Error()),
		}, s.mtuDiscoverer.CurrentSize(), s.version)
	}
	if err != nil {
		s.logger.Errorf("packing CONNECTION_CLOSE failed: %s", err)
		return
	}
	if packet == nil {
		return
	}
	var pn protocol.PacketNumber
	var encLevel protocol.EncryptionLevel
	if len(packet.longHdrPackets) > 0 {
		pn = packet.longHdrPackets[0].header.PacketNumber
		encLevel = packet.longHdrPackets[0].EncryptionLevel()
	} else if packet.shortHdrPacket != nil {
		pn = packet.shortHdrPacket.PacketNumber
		encLevel = protocol.Encryption1RTT
	}
	// retain the packet, so the draining responder can retransmit it
	s.connClosePacket = append([]byte{}, packet.buffer.Data...)
	s.deliver(packet.buffer, pn, encLevel, false, 0)
}

// IntoClosedSession returns the draining-period responder for this session.
// It must only be called after the session was closed.
func (s *session) IntoClosedSession() *closedLocalSession {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	return newClosedLocalSession(s.delegate, s.connClosePacket, s.logger)
}

// ClosedWithError returns the latched connection error, if any.
func (s *session) ClosedWithError() error {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	return s.closeErr
}

// ---------------------------------------------------------------------------
// introspection (used by the host and in tests)

func (s *session) HandshakeComplete() bool { return s.handshakeComplete }

func (s *session) PendingStreamCount() int {
	s.streamLifecycleMutex.Lock()
	defer s.streamLifecycleMutex.Unlock()
	return len(s.pendingStreams)
}

func (s *session) ZombieStreamCount() int {
	s.streamLifecycleMutex.Lock()
	defer s.streamLifecycleMutex.Unlock()
	return len(s.zombieStreams)
}

func (s *session) DrainingStreamCount() int {
	s.streamLifecycleMutex.Lock()
	defer s.streamLifecycleMutex.Unlock()
	return len(s.drainingStreams)
}
