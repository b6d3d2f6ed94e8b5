package ackhandler

import (
	"testing"
	"time"

	"github.com/chromium-cheri/quiche/internal/protocol"
	"github.com/chromium-cheri/quiche/internal/qerr"
	"github.com/chromium-cheri/quiche/internal/utils"
	"github.com/chromium-cheri/quiche/internal/wire"

	"github.com/stretchr/testify/require"
)

type mockFrameHandler struct {
	acked, lost []wire.Frame
}

func (h *mockFrameHandler) OnAcked(f wire.Frame) { h.acked = append(h.acked, f) }
func (h *mockFrameHandler) OnLost(f wire.Frame)  { h.lost = append(h.lost, f) }

type mockStreamFrameHandler struct {
	acked, lost []*wire.StreamFrame
}

func (h *mockStreamFrameHandler) OnAcked(f *wire.StreamFrame) { h.acked = append(h.acked, f) }
func (h *mockStreamFrameHandler) OnLost(f *wire.StreamFrame)  { h.lost = append(h.lost, f) }

func newTestSentPacketHandler() *SentPacketHandler {
	return NewSentPacketHandler(0, &utils.RTTStats{}, protocol.PerspectiveClient, utils.DefaultLogger)
}

func (h *SentPacketHandler) sentSimplePacket(t time.Time, pn protocol.PacketNumber, encLevel protocol.EncryptionLevel, handler FrameHandler) {
	h.SentPacket(t, pn, protocol.InvalidPacketNumber,
		nil, []Frame{{Frame: &wire.PingFrame{}, Handler: handler}},
		encLevel, 1200, false, false,
	)
}

func TestPacketNumbersStrictlyIncrease(t *testing.T) {
	h := newTestSentPacketHandler()
	var last protocol.PacketNumber = -1
	for i := 0; i < 100; i++ {
		pn := h.PopPacketNumber(protocol.Encryption1RTT)
		require.Greater(t, pn, last)
		last = pn
	}
}

func TestPacketNumberSpacesAreIndependent(t *testing.T) {
	h := newTestSentPacketHandler()
	require.Equal(t, protocol.PacketNumber(0), h.PopPacketNumber(protocol.EncryptionInitial))
	require.Equal(t, protocol.PacketNumber(1), h.PopPacketNumber(protocol.EncryptionInitial))
	// the handshake space starts at 0 again
	require.Equal(t, protocol.PacketNumber(0), h.PopPacketNumber(protocol.EncryptionHandshake))
}

func TestReceivedAckCallsOnAcked(t *testing.T) {
	h := newTestSentPacketHandler()
	handler := &mockFrameHandler{}
	now := time.Now()
	for pn := protocol.PacketNumber(0); pn < 3; pn++ {
		h.sentSimplePacket(now, pn, protocol.EncryptionInitial, handler)
	}
	require.Equal(t, protocol.ByteCount(3*1200), h.BytesInFlight())
	ack := &wire.AckFrame{AckRanges: []wire.AckRange{{Smallest: 0, Largest: 2}}}
	acked, err := h.ReceivedAck(ack, protocol.EncryptionInitial, now.Add(time.Millisecond))
	require.NoError(t, err)
	require.True(t, acked)
	require.Len(t, handler.acked, 3)
	require.Zero(t, h.BytesInFlight())
	require.False(t, h.HasOutstandingPackets())
}

func TestAckForUnsentPacket(t *testing.T) {
	h := newTestSentPacketHandler()
	handler := &mockFrameHandler{}
	h.sentSimplePacket(time.Now(), 0, protocol.Encryption1RTT, handler)
	ack := &wire.AckFrame{AckRanges: []wire.AckRange{{Smallest: 0, Largest: 5}}}
	_, err := h.ReceivedAck(ack, protocol.Encryption1RTT, time.Now())
	require.Error(t, err)
	var transportErr *qerr.TransportError
	require.ErrorAs(t, err, &transportErr)
	require.Equal(t, qerr.ProtocolViolation, transportErr.ErrorCode)
}

func TestAckForSkippedPacket(t *testing.T) {
	h := newTestSentPacketHandler()
	handler := &mockFrameHandler{}
	now := time.Now()
	// send packets 0 and 2, skipping 1
	h.sentSimplePacket(now, 0, protocol.Encryption1RTT, handler)
	h.sentSimplePacket(now, 2, protocol.Encryption1RTT, handler)
	ack := &wire.AckFrame{AckRanges: []wire.AckRange{{Smallest: 0, Largest: 2}}}
	_, err := h.ReceivedAck(ack, protocol.Encryption1RTT, now.Add(time.Millisecond))
	require.Error(t, err)
	var transportErr *qerr.TransportError
	require.ErrorAs(t, err, &transportErr)
	require.Equal(t, qerr.ProtocolViolation, transportErr.ErrorCode)
}

func TestPacketBasedLossDetection(t *testing.T) {
	h := newTestSentPacketHandler()
	handler := &mockFrameHandler{}
	now := time.Now()
	for pn := protocol.PacketNumber(0); pn <= 4; pn++ {
		h.sentSimplePacket(now, pn, protocol.Encryption1RTT, handler)
	}
	// ack only packet 4: packets 0 and 1 are lost by the packet threshold
	ack := &wire.AckFrame{AckRanges: []wire.AckRange{{Smallest: 4, Largest: 4}}}
	_, err := h.ReceivedAck(ack, protocol.Encryption1RTT, now.Add(10*time.Millisecond))
	require.NoError(t, err)
	require.Len(t, handler.acked, 1)
	require.Len(t, handler.lost, 2)
}

func TestExternalLossDeclaration(t *testing.T) {
	h := newTestSentPacketHandler()
	streamHandler := &mockStreamFrameHandler{}
	now := time.Now()
	sf := &wire.StreamFrame{StreamID: 4, Data: make([]byte, 100)}
	h.SentPacket(now, 7, protocol.InvalidPacketNumber,
		[]StreamFrame{{Frame: sf, Handler: streamHandler}}, nil,
		protocol.Encryption1RTT, 1200, false, false,
	)
	h.DeclareLost(7, protocol.Encryption1RTT)
	require.Len(t, streamHandler.lost, 1)
	require.Same(t, sf, streamHandler.lost[0])
	require.Zero(t, h.BytesInFlight())
}

func TestDropPackets(t *testing.T) {
	h := newTestSentPacketHandler()
	handler := &mockFrameHandler{}
	now := time.Now()
	h.sentSimplePacket(now, 0, protocol.EncryptionInitial, handler)
	h.sentSimplePacket(now, 0, protocol.Encryption1RTT, handler)
	h.DropPackets(protocol.EncryptionInitial)
	// dropped packets are neither acked nor lost
	require.Empty(t, handler.acked)
	require.Empty(t, handler.lost)
	require.Equal(t, protocol.ByteCount(1200), h.BytesInFlight())
	// an ACK for the dropped level is a protocol violation
	ack := &wire.AckFrame{AckRanges: []wire.AckRange{{Smallest: 0, Largest: 0}}}
	_, err := h.ReceivedAck(ack, protocol.EncryptionInitial, now)
	require.Error(t, err)
}

func TestTimeBasedLossDetection(t *testing.T) {
	h := newTestSentPacketHandler()
	handler := &mockFrameHandler{}
	now := time.Now()
	h.sentSimplePacket(now, 0, protocol.Encryption1RTT, handler)
	h.sentSimplePacket(now.Add(time.Second), 1, protocol.Encryption1RTT, handler)
	// ack packet 1; packet 0 is older than the time threshold
	ack := &wire.AckFrame{AckRanges: []wire.AckRange{{Smallest: 1, Largest: 1}}}
	_, err := h.ReceivedAck(ack, protocol.Encryption1RTT, now.Add(time.Second+10*time.Millisecond))
	require.NoError(t, err)
	require.Len(t, handler.lost, 1)
	require.False(t, h.HasOutstandingPackets())
}

func TestSkippingGeneratorNeverSkipsTwice(t *testing.T) {
	gen := newSkippingPacketNumberGenerator(0, protocol.SkipPacketInitialPeriod, protocol.SkipPacketMaxPeriod)
	var last protocol.PacketNumber = -1
	for i := 0; i < 10000; i++ {
		peeked := gen.Peek()
		skipped, pn := gen.Pop()
		require.Equal(t, peeked, pn)
		require.Greater(t, pn, last)
		if skipped {
			require.Equal(t, last+2, pn)
		}
		last = pn
	}
}
