package quiche

import (
	"errors"

	"github.com/chromium-cheri/quiche/internal/utils"
	"github.com/chromium-cheri/quiche/internal/wire"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
)

var _ = Describe("Datagram Queue", func() {
	var queue *datagramQueue
	var queued []struct{}

	BeforeEach(func() {
		queued = queued[:0]
		queue = newDatagramQueue(func() { queued = append(queued, struct{}{}) }, utils.DefaultLogger)
	})

	Context("sending", func() {
		It("returns nil when there's no datagram to send", func() {
			Expect(queue.Peek()).To(BeNil())
		})

		It("queues a datagram", func() {
			ok, err := queue.Add(&wire.DatagramFrame{Data: []byte("foobar")})
			Expect(err).ToNot(HaveOccurred())
			Expect(ok).To(BeTrue())
			Expect(queued).To(HaveLen(1))

			f := queue.Peek()
			Expect(f.Data).To(Equal([]byte("foobar")))
			// Peek doesn't remove the frame
			Expect(queue.Peek()).To(Equal(f))
			queue.Pop()
			Expect(queue.Peek()).To(BeNil())
		})

		It("refuses datagrams when the send queue is full", func() {
			for i := 0; i < maxDatagramSendQueueLen; i++ {
				ok, err := queue.Add(&wire.DatagramFrame{Data: []byte{byte(i)}})
				Expect(err).ToNot(HaveOccurred())
				Expect(ok).To(BeTrue())
			}
			ok, err := queue.Add(&wire.DatagramFrame{Data: []byte("overflow")})
			Expect(err).ToNot(HaveOccurred())
			Expect(ok).To(BeFalse())
		})
	})

	Context("receiving", func() {
		It("returns received datagrams in order", func() {
			Expect(queue.Receive()).To(BeNil())
			queue.HandleDatagramFrame(&wire.DatagramFrame{Data: []byte("foo")})
			queue.HandleDatagramFrame(&wire.DatagramFrame{Data: []byte("bar")})
			Expect(queue.Receive()).To(Equal([]byte("foo")))
			Expect(queue.Receive()).To(Equal([]byte("bar")))
			Expect(queue.Receive()).To(BeNil())
		})
	})

	It("errors when adding to a closed queue", func() {
		testErr := errors.New("test error")
		queue.CloseWithError(testErr)
		_, err := queue.Add(&wire.DatagramFrame{Data: []byte("foo")})
		Expect(err).To(MatchError(testErr))
	})
})
