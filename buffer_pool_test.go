package quiche

import (
	"github.com/chromium-cheri/quiche/internal/protocol"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
)

var _ = Describe("Buffer Pool", func() {
	It("returns buffers of the correct sizes", func() {
		buf := getPacketBuffer()
		Expect(cap(buf.Data)).To(Equal(protocol.MaxPacketBufferSize))
		Expect(buf.Len()).To(BeZero())
		buf.Data = append(buf.Data, []byte("foobar")...)
		Expect(buf.Len()).To(Equal(protocol.ByteCount(6)))
		buf.Release()

		large := getLargePacketBuffer()
		Expect(cap(large.Data)).To(Equal(protocol.MaxLargePacketBufferSize))
		large.Release()
	})

	It("reference counts coalesced buffers", func() {
		buf := getPacketBuffer()
		buf.Split()
		Expect(func() { buf.Release() }).To(Panic())
		buf.Decrement()
		buf.MaybeRelease()
	})

	It("panics when a foreign buffer is put back", func() {
		Expect(func() {
			(&packetBuffer{Data: make([]byte, 10)}).putBack()
		}).To(Panic())
	})
})
