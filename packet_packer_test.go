package quiche

import (
	"time"

	"github.com/chromium-cheri/quiche/internal/ackhandler"
	"github.com/chromium-cheri/quiche/internal/protocol"
	"github.com/chromium-cheri/quiche/internal/qerr"
	"github.com/chromium-cheri/quiche/internal/utils"
	"github.com/chromium-cheri/quiche/internal/wire"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"go.uber.org/mock/gomock"
)

type packerTestEnv struct {
	packer          *packetPacker
	framer          *framer
	keys            *keyRing
	sph             *ackhandler.SentPacketHandler
	rph             *ackhandler.ReceivedPacketHandler
	retransmissions *retransmissionQueue
	initialStream   *cryptoStream
	handshakeStream *cryptoStream
}

func newPackerTestEnv(pers protocol.Perspective) *packerTestEnv {
	srcConnID := protocol.ParseConnectionID([]byte{1, 2, 3, 4})
	destConnID := protocol.ParseConnectionID([]byte{5, 6, 7, 8})
	keys := newKeyRing(destConnID, pers, protocol.Version1)
	installNullKeys(keys)
	sph := ackhandler.NewSentPacketHandler(0, &utils.RTTStats{}, pers, utils.DefaultLogger)
	rph := ackhandler.NewReceivedPacketHandler(sph, utils.DefaultLogger)
	rq := newRetransmissionQueue()
	fr := newFramer(utils.DefaultLogger)
	initialStream := newCryptoStream()
	handshakeStream := newCryptoStream()
	packer := newPacketPacker(
		srcConnID,
		func() protocol.ConnectionID { return destConnID },
		initialStream, handshakeStream,
		sph, rq, keys, fr, rph, nil, pers,
	)
	return &packerTestEnv{
		packer:          packer,
		framer:          fr,
		keys:            keys,
		sph:             sph,
		rph:             rph,
		retransmissions: rq,
		initialStream:   initialStream,
		handshakeStream: handshakeStream,
	}
}

// newSendStreamWithBufferedData builds a real send stream with payload
// already accepted into its send buffer.
func newSendStreamWithBufferedData(payload []byte, fin bool) *sendStream {
	ctrl := gomock.NewController(GinkgoT())
	sender := NewMockStreamSender(ctrl)
	sender.EXPECT().onHasStreamData(gomock.Any(), gomock.Any(), gomock.Any()).AnyTimes()
	sender.EXPECT().onStreamZombie(gomock.Any()).AnyTimes()
	cfc := flowcontrolMaxController()
	fc := newStreamFlowControllerWithWindows(4, cfc, protocol.MaxByteCount)
	str := newSendStream(4, sender, fc, protocol.Version1, utils.DefaultLogger)
	n, finConsumed, err := str.WriteData(payload, fin)
	ExpectWithOffset(1, err).ToNot(HaveOccurred())
	ExpectWithOffset(1, n).To(Equal(len(payload)))
	ExpectWithOffset(1, finConsumed).To(Equal(fin))
	return str
}

var _ = Describe("Packet Packer", func() {
	var env *packerTestEnv

	BeforeEach(func() {
		env = newPackerTestEnv(protocol.PerspectiveClient)
	})

	It("returns errNothingToPack when there's nothing to pack", func() {
		buf := getPacketBuffer()
		defer buf.Release()
		_, err := env.packer.AppendPacket(buf, protocol.InitialPacketSize, time.Now(), protocol.Version1)
		Expect(err).To(MatchError(errNothingToPack))
	})

	It("packs stream data", func() {
		str := newFakeSendStream(4, "hello")
		env.framer.AddActiveStream(4, protocol.DefaultStreamPriority, str)

		buf := getPacketBuffer()
		packet, err := env.packer.AppendPacket(buf, protocol.InitialPacketSize, time.Now(), protocol.Version1)
		Expect(err).ToNot(HaveOccurred())
		Expect(packet.StreamFrames).To(HaveLen(1))
		Expect(packet.StreamFrames[0].Frame.StreamID).To(Equal(protocol.StreamID(4)))
		Expect(packet.StreamFrames[0].Frame.Data).To(Equal([]byte("hello")))
		Expect(packet.IsAckEliciting()).To(BeTrue())
		Expect(buf.Len()).ToNot(BeZero())
		Expect(packet.Length).To(Equal(buf.Len()))
	})

	It("uses strictly increasing packet numbers", func() {
		var last protocol.PacketNumber = -1
		for i := 0; i < 5; i++ {
			str := newFakeSendStream(4, "data")
			env.framer.AddActiveStream(4, protocol.DefaultStreamPriority, str)
			buf := getPacketBuffer()
			packet, err := env.packer.AppendPacket(buf, protocol.InitialPacketSize, time.Now(), protocol.Version1)
			Expect(err).ToNot(HaveOccurred())
			Expect(packet.PacketNumber).To(BeNumerically(">", last))
			last = packet.PacketNumber
		}
	})

	It("splits stream data across packets", func() {
		const mtu = 1200
		payload := make([]byte, 3000)
		for i := range payload {
			payload[i] = byte(i)
		}
		str := newSendStreamWithBufferedData(payload, true)
		env.framer.AddActiveStream(4, protocol.DefaultStreamPriority, str)

		var packets []shortHeaderPacket
		var received []byte
		var sawFin bool
		for {
			buf := getPacketBuffer()
			packet, err := env.packer.AppendPacket(buf, mtu, time.Now(), protocol.Version1)
			if err == errNothingToPack {
				buf.Release()
				break
			}
			Expect(err).ToNot(HaveOccurred())
			Expect(buf.Len()).To(BeNumerically("<=", mtu))
			packets = append(packets, packet)
			for _, f := range packet.StreamFrames {
				Expect(f.Frame.Offset).To(Equal(protocol.ByteCount(len(received))))
				received = append(received, f.Frame.Data...)
				if f.Frame.Fin {
					sawFin = true
				}
			}
		}
		Expect(len(packets)).To(BeNumerically(">=", 3))
		Expect(received).To(Equal(payload))
		Expect(sawFin).To(BeTrue())
		// the first STREAM frame carries offset 0 without FIN, the FIN is on the last one
		Expect(packets[0].StreamFrames[0].Frame.Fin).To(BeFalse())
	})

	It("coalesces Initial and Handshake packets", func() {
		_, err := env.initialStream.Write([]byte("client hello"))
		Expect(err).ToNot(HaveOccurred())
		_, err = env.handshakeStream.Write([]byte("handshake data"))
		Expect(err).ToNot(HaveOccurred())

		packet, err := env.packer.PackCoalescedPacket(false, protocol.MinInitialPacketSize, time.Now(), protocol.Version1)
		Expect(err).ToNot(HaveOccurred())
		Expect(packet).ToNot(BeNil())
		Expect(packet.longHdrPackets).To(HaveLen(2))
		Expect(packet.longHdrPackets[0].EncryptionLevel()).To(Equal(protocol.EncryptionInitial))
		Expect(packet.longHdrPackets[1].EncryptionLevel()).To(Equal(protocol.EncryptionHandshake))
		// the client's Initial pads the datagram to the minimum size
		Expect(packet.buffer.Len()).To(Equal(protocol.ByteCount(protocol.MinInitialPacketSize)))
	})

	It("pads the client's Initial to the minimum datagram size", func() {
		_, err := env.initialStream.Write([]byte("tiny"))
		Expect(err).ToNot(HaveOccurred())

		packet, err := env.packer.PackCoalescedPacket(false, protocol.MinInitialPacketSize, time.Now(), protocol.Version1)
		Expect(err).ToNot(HaveOccurred())
		Expect(packet).ToNot(BeNil())
		Expect(packet.buffer.Len()).To(Equal(protocol.ByteCount(protocol.MinInitialPacketSize)))
	})

	It("packs CONNECTION_CLOSE packets for all encryption levels", func() {
		packet, err := env.packer.PackConnectionClose(&qerr.TransportError{
			ErrorCode:    qerr.FlowControlError,
			ErrorMessage: "too much data",
		}, protocol.InitialPacketSize, protocol.Version1)
		Expect(err).ToNot(HaveOccurred())
		// one packet per encryption level with keys
		Expect(packet.longHdrPackets).To(HaveLen(2))
		Expect(packet.shortHdrPacket).ToNot(BeNil())
		Expect(packet.shortHdrPacket.Frames).To(HaveLen(1))
		ccf, ok := packet.shortHdrPacket.Frames[0].Frame.(*wire.ConnectionCloseFrame)
		Expect(ok).To(BeTrue())
		Expect(ccf.ErrorCode).To(Equal(uint64(qerr.FlowControlError)))
	})

	It("packs MTU probes at the probe size", func() {
		const probeSize = 1400
		ping := ackhandler.Frame{Frame: &wire.PingFrame{}}
		packet, buf, err := env.packer.PackMTUProbePacket(ping, probeSize, protocol.Version1)
		Expect(err).ToNot(HaveOccurred())
		Expect(packet.IsPathMTUProbePacket).To(BeTrue())
		// the probe is padded to exactly the probe size
		Expect(buf.Len()).To(Equal(protocol.ByteCount(probeSize)))
	})

	It("packs padded path probes", func() {
		pr := &wire.PathResponseFrame{Data: [8]byte{1, 2, 3, 4, 5, 6, 7, 8}}
		packet, buf, err := env.packer.PackPathProbePacket(ackhandler.Frame{Frame: pr}, protocol.Version1)
		Expect(err).ToNot(HaveOccurred())
		Expect(packet.IsPathProbePacket).To(BeTrue())
		// path probes are padded to the minimum packet size
		Expect(buf.Len()).To(Equal(protocol.ByteCount(protocol.MinInitialPacketSize)))
	})

	It("doesn't mix CRYPTO and STREAM frames in one packet", func() {
		// a retransmitted CRYPTO frame is pending at the 1-RTT level
		env.retransmissions.addAppData(&wire.CryptoFrame{Data: []byte("session ticket")})
		str := newFakeSendStream(4, "stream data")
		env.framer.AddActiveStream(4, protocol.DefaultStreamPriority, str)

		buf := getPacketBuffer()
		packet, err := env.packer.AppendPacket(buf, protocol.InitialPacketSize, time.Now(), protocol.Version1)
		Expect(err).ToNot(HaveOccurred())
		// the CRYPTO frame is in this packet, the STREAM frame is not
		Expect(packet.StreamFrames).To(BeEmpty())
		Expect(packet.Frames).To(HaveLen(1))
		_, isCrypto := packet.Frames[0].Frame.(*wire.CryptoFrame)
		Expect(isCrypto).To(BeTrue())

		// the STREAM frame goes into the next packet
		buf2 := getPacketBuffer()
		packet2, err := env.packer.AppendPacket(buf2, protocol.InitialPacketSize, time.Now(), protocol.Version1)
		Expect(err).ToNot(HaveOccurred())
		Expect(packet2.StreamFrames).To(HaveLen(1))
	})
})
