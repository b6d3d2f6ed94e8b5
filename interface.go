package quiche

import (
	"net"
	"time"

	"github.com/chromium-cheri/quiche/internal/handshake"
	"github.com/chromium-cheri/quiche/internal/protocol"
	"github.com/chromium-cheri/quiche/internal/qerr"
)

// The StreamID is the ID of a QUIC stream.
type StreamID = protocol.StreamID

// The StreamPriority determines the order in which write-blocked streams are
// scheduled. Higher priorities are scheduled first.
type StreamPriority = protocol.StreamPriority

// A Version is a QUIC version number.
type Version = protocol.Version

// A ConnectionID is a QUIC Connection ID, as defined in RFC 9000.
// It is not able to handle QUIC Connection IDs longer than 20 bytes,
// as they are allowed by RFC 8999.
type ConnectionID = protocol.ConnectionID

const (
	// Version1 is RFC 9000
	Version1 = protocol.Version1
	// Version2 is RFC 9369
	Version2 = protocol.Version2
)

// A StreamErrorCode is an error code used to cancel streams.
type StreamErrorCode = qerr.StreamErrorCode

// An ApplicationErrorCode is an application-defined error code.
type ApplicationErrorCode = qerr.ApplicationErrorCode

// A TransportErrorCode is a QUIC transport error code.
type TransportErrorCode = qerr.TransportErrorCode

// The PacketFate tells the host what to do with a serialized packet.
type PacketFate uint8

const (
	// FateSend hands the packet to the UDP writer immediately.
	FateSend PacketFate = 1 + iota
	// FateBuffer keeps the packet until the writer unblocks.
	FateBuffer
	// FateCoalesce appends the packet to the current datagram.
	FateCoalesce
	// FateDiscard drops the packet (e.g. when the keys were already retired).
	FateDiscard
)

// A SerializedPacket is handed to the SendDelegate after every flush of the
// packet creator.
type SerializedPacket struct {
	PacketNumber          protocol.PacketNumber
	Buffer                *packetBuffer
	EncryptionLevel       protocol.EncryptionLevel
	IsAckEliciting        bool
	RetransmittableFrames int
	Fate                  PacketFate
}

// A SendDelegate receives serialized packets from the session.
// It is implemented by the host's UDP writer.
type SendDelegate interface {
	// OnSerializedPacket is called for every serialized datagram.
	// The callee takes ownership of the buffer.
	OnSerializedPacket(SerializedPacket)
}

// A SessionVisitor receives connection-level events.
// It is implemented by the dispatcher owning the session.
type SessionVisitor interface {
	OnConnectionClosed(ConnectionID, error, string /* details */)
	OnWriteBlocked()
	OnRstStreamReceived(StreamID, StreamErrorCode)
	OnStopSendingReceived(StreamID, StreamErrorCode)
	OnHandshakeComplete()
}

// A StreamVisitor receives stream-level events.
type StreamVisitor interface {
	// OnDataAvailable is called when new contiguous data is readable.
	OnDataAvailable(StreamID)
	// OnCanWrite is called when a write-blocked stream regains send budget.
	OnCanWrite(StreamID)
	// OnClose is called exactly once, when the stream is destroyed.
	OnClose(StreamID)
}

// A CryptoDataHandler processes CRYPTO frames and drives the TLS state
// machine. The TLS message processing itself is external to this package.
type CryptoDataHandler interface {
	// HandleMessage processes contiguous crypto data received at an encryption level.
	HandleMessage([]byte, protocol.EncryptionLevel) error
}

// CryptoKeyInstaller installs and retires keys on the session as the
// handshake progresses.
type CryptoKeyInstaller interface {
	InstallOpener(protocol.EncryptionLevel, handshake.LongHeaderOpener)
	InstallSealer(protocol.EncryptionLevel, handshake.LongHeaderSealer)
	Install1RTTKeys(opener handshake.ShortHeaderOpener, sealer handshake.ShortHeaderSealer)
	RetireEncryptionLevel(protocol.EncryptionLevel)
}

// A ConnectionTracer records connection events, e.g. for qlog or metrics.
type ConnectionTracer interface {
	StartedConnection(local, remote net.Addr, srcConnID, destConnID ConnectionID)
	SentPacket(pn protocol.PacketNumber, encLevel protocol.EncryptionLevel, size protocol.ByteCount, frameCount int)
	ReceivedPacket(pn protocol.PacketNumber, encLevel protocol.EncryptionLevel, size protocol.ByteCount)
	DroppedPacket(size protocol.ByteCount, reason string)
	LostPacket(pn protocol.PacketNumber, encLevel protocol.EncryptionLevel)
	UpdatedRTT(rtt time.Duration)
	ClosedConnection(error)
}
