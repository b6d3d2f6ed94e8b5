package quiche

import (
	"time"

	"github.com/chromium-cheri/quiche/internal/handshake"
	"github.com/chromium-cheri/quiche/internal/protocol"
	"github.com/chromium-cheri/quiche/internal/wire"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
)

var _ = Describe("Packet Unpacker", func() {
	newPeerUnpacker := func() *packetUnpacker {
		peerKeys := newKeyRing(protocol.ParseConnectionID([]byte{5, 6, 7, 8}), protocol.PerspectiveServer, protocol.Version1)
		installNullKeys(peerKeys)
		return newPacketUnpacker(peerKeys, 4)
	}

	It("unpacks long header packets that the packer packed", func() {
		env := newPackerTestEnv(protocol.PerspectiveClient)
		_, err := env.initialStream.Write([]byte("client hello"))
		Expect(err).ToNot(HaveOccurred())
		packet, err := env.packer.PackCoalescedPacket(false, protocol.MinInitialPacketSize, time.Now(), protocol.Version1)
		Expect(err).ToNot(HaveOccurred())
		Expect(packet).ToNot(BeNil())

		unpacker := newPeerUnpacker()
		hdr, packetData, rest, err := wire.ParsePacket(packet.buffer.Data)
		Expect(err).ToNot(HaveOccurred())
		Expect(hdr.Type).To(Equal(protocol.PacketTypeInitial))

		unpacked, err := unpacker.UnpackLongHeader(hdr, packetData)
		Expect(err).ToNot(HaveOccurred())
		Expect(unpacked.encryptionLevel).To(Equal(protocol.EncryptionInitial))
		Expect(unpacked.hdr.PacketNumber).To(Equal(protocol.PacketNumber(0)))

		// the decrypted payload contains the CRYPTO frame
		parser := wire.NewFrameParser(false)
		typ, l, err := parser.ParseType(unpacked.data, protocol.EncryptionInitial)
		Expect(err).ToNot(HaveOccurred())
		frame, _, err := parser.ParseLessCommonFrame(typ, unpacked.data[l:], protocol.Version1)
		Expect(err).ToNot(HaveOccurred())
		cf, ok := frame.(*wire.CryptoFrame)
		Expect(ok).To(BeTrue())
		Expect(cf.Data).To(Equal([]byte("client hello")))
		Expect(rest).To(BeEmpty())
	})

	It("unpacks short header packets that the packer packed", func() {
		env := newPackerTestEnv(protocol.PerspectiveClient)
		str := newFakeSendStream(4, "hello")
		env.framer.AddActiveStream(4, protocol.DefaultStreamPriority, str)
		buf := getPacketBuffer()
		packet, err := env.packer.AppendPacket(buf, protocol.InitialPacketSize, time.Now(), protocol.Version1)
		Expect(err).ToNot(HaveOccurred())

		unpacker := newPeerUnpacker()
		pn, _, _, decrypted, err := unpacker.UnpackShortHeader(time.Now(), buf.Data)
		Expect(err).ToNot(HaveOccurred())
		Expect(pn).To(Equal(packet.PacketNumber))
		Expect(decrypted).ToNot(BeEmpty())
	})

	It("errors when the keys are not yet available", func() {
		keys := newKeyRing(protocol.ParseConnectionID([]byte{1, 2, 3, 4}), protocol.PerspectiveServer, protocol.Version1)
		unpacker := newPacketUnpacker(keys, 4)
		_, _, _, _, err := unpacker.UnpackShortHeader(time.Now(), make([]byte, 100))
		Expect(err).To(MatchError(handshake.ErrKeysNotYetAvailable))
	})

	It("errors when the keys were already dropped", func() {
		keys := newKeyRing(protocol.ParseConnectionID([]byte{1, 2, 3, 4}), protocol.PerspectiveServer, protocol.Version1)
		installNullKeys(keys)
		keys.RetireEncryptionLevel(protocol.EncryptionInitial)
		unpacker := newPacketUnpacker(keys, 4)
		hdr := &wire.Header{Type: protocol.PacketTypeInitial}
		_, err := unpacker.UnpackLongHeader(hdr, make([]byte, 100))
		Expect(err).To(MatchError(handshake.ErrKeysDropped))
	})
})
