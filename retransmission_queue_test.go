package quiche

import (
	"github.com/chromium-cheri/quiche/internal/protocol"
	"github.com/chromium-cheri/quiche/internal/wire"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
)

var _ = Describe("Retransmission Queue", func() {
	var q *retransmissionQueue

	BeforeEach(func() {
		q = newRetransmissionQueue()
	})

	It("hands out CRYPTO frames before other frames", func() {
		ping := &wire.PingFrame{}
		cf := &wire.CryptoFrame{Data: []byte("foobar")}
		q.addInitial(ping)
		q.addInitial(cf)
		Expect(q.HasData(protocol.EncryptionInitial)).To(BeTrue())

		Expect(q.GetFrame(protocol.EncryptionInitial, 1000, protocol.Version1)).To(Equal(cf))
		Expect(q.GetFrame(protocol.EncryptionInitial, 1000, protocol.Version1)).To(Equal(ping))
		Expect(q.HasData(protocol.EncryptionInitial)).To(BeFalse())
	})

	It("splits CRYPTO frames that are too large", func() {
		q.addHandshake(&wire.CryptoFrame{Data: []byte("lorem ipsum")})
		f := q.GetFrame(protocol.EncryptionHandshake, 10, protocol.Version1)
		Expect(f).ToNot(BeNil())
		cf := f.(*wire.CryptoFrame)
		Expect(cf.Length(protocol.Version1)).To(BeNumerically("<=", 10))
		Expect(q.HasData(protocol.EncryptionHandshake)).To(BeTrue())

		f = q.GetFrame(protocol.EncryptionHandshake, 1000, protocol.Version1)
		rest := f.(*wire.CryptoFrame)
		Expect(append(cf.Data, rest.Data...)).To(Equal([]byte("lorem ipsum")))
	})

	It("rejects STREAM frames", func() {
		Expect(func() { q.addAppData(&wire.StreamFrame{}) }).To(Panic())
	})

	It("drops packet number spaces", func() {
		q.addInitial(&wire.CryptoFrame{Data: []byte("foo")})
		q.addHandshake(&wire.PingFrame{})
		q.DropPackets(protocol.EncryptionInitial)
		Expect(q.HasData(protocol.EncryptionInitial)).To(BeFalse())
		Expect(q.HasData(protocol.EncryptionHandshake)).To(BeTrue())
	})

	It("re-queues lost frames via the loss handlers", func() {
		ping := &wire.PingFrame{}
		q.AppDataAckHandler().OnLost(ping)
		Expect(q.HasData(protocol.Encryption1RTT)).To(BeTrue())
		Expect(q.GetFrame(protocol.Encryption1RTT, 1000, protocol.Version1)).To(Equal(ping))
		// acknowledged frames are not re-queued
		q.AppDataAckHandler().OnAcked(ping)
		Expect(q.HasData(protocol.Encryption1RTT)).To(BeFalse())
	})

	It("respects the maximum frame size", func() {
		md := &wire.MaxDataFrame{MaximumData: 0x12345678}
		q.addAppData(md)
		// the frame doesn't fit
		Expect(q.GetFrame(protocol.Encryption1RTT, 2, protocol.Version1)).To(BeNil())
		Expect(q.GetFrame(protocol.Encryption1RTT, 1000, protocol.Version1)).To(Equal(md))
	})
})
