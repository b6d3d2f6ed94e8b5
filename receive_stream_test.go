package quiche

import (
	"github.com/chromium-cheri/quiche/internal/flowcontrol"
	"github.com/chromium-cheri/quiche/internal/protocol"
	"github.com/chromium-cheri/quiche/internal/utils"
	"github.com/chromium-cheri/quiche/internal/wire"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"go.uber.org/mock/gomock"
)

var _ = Describe("Receive Stream", func() {
	var (
		str    *receiveStream
		sender *MockStreamSender
	)

	BeforeEach(func() {
		ctrl := gomock.NewController(GinkgoT())
		sender = NewMockStreamSender(ctrl)
		cfc := flowcontrol.NewConnectionFlowController(10000, 10000, &utils.RTTStats{}, utils.DefaultLogger)
		fc := flowcontrol.NewStreamFlowController(42, cfc, 1000, 10000, 0, &utils.RTTStats{}, utils.DefaultLogger)
		str = newReceiveStream(42, sender, fc, protocol.Version1)
	})

	It("delivers data in order", func() {
		sender.EXPECT().onHasWindowUpdate(gomock.Any(), gomock.Any()).AnyTimes()

		var dataAvailable int
		str.visitor = &testStreamVisitor{onDataAvailable: func(StreamID) { dataAvailable++ }}

		Expect(str.handleStreamFrame(&wire.StreamFrame{StreamID: 42, Data: []byte("foo")})).To(Succeed())
		Expect(dataAvailable).To(Equal(1))

		b := make([]byte, 10)
		n, fin, err := str.ReadData(b)
		Expect(err).ToNot(HaveOccurred())
		Expect(n).To(Equal(3))
		Expect(fin).To(BeFalse())
		Expect(b[:n]).To(Equal([]byte("foo")))
	})

	It("reassembles reordered frames", func() {
		sender.EXPECT().onHasWindowUpdate(gomock.Any(), gomock.Any()).AnyTimes()
		sender.EXPECT().onStreamDraining(gomock.Any()).AnyTimes()
		sender.EXPECT().onStreamCompleted(gomock.Any()).AnyTimes()

		// the second half arrives first; nothing is readable
		Expect(str.handleStreamFrame(&wire.StreamFrame{StreamID: 42, Offset: 3, Data: []byte("bar"), Fin: true})).To(Succeed())
		b := make([]byte, 10)
		n, fin, err := str.ReadData(b)
		Expect(err).ToNot(HaveOccurred())
		Expect(n).To(BeZero())
		Expect(fin).To(BeFalse())

		Expect(str.handleStreamFrame(&wire.StreamFrame{StreamID: 42, Data: []byte("foo")})).To(Succeed())
		n, fin, err = str.ReadData(b)
		Expect(err).ToNot(HaveOccurred())
		Expect(n).To(Equal(6))
		Expect(fin).To(BeTrue())
		Expect(b[:n]).To(Equal([]byte("foobar")))
	})

	It("locks the final size when the FIN arrives", func() {
		sender.EXPECT().onHasWindowUpdate(gomock.Any(), gomock.Any()).AnyTimes()
		sender.EXPECT().onStreamDraining(gomock.Any()).AnyTimes()

		Expect(str.handleStreamFrame(&wire.StreamFrame{StreamID: 42, Data: []byte("foobar"), Fin: true})).To(Succeed())
		// data beyond the final size is rejected
		err := str.handleStreamFrame(&wire.StreamFrame{StreamID: 42, Offset: 6, Data: []byte("x")})
		Expect(err).To(HaveOccurred())
	})

	It("completes when the FIN is read", func() {
		sender.EXPECT().onHasWindowUpdate(gomock.Any(), gomock.Any()).AnyTimes()
		sender.EXPECT().onStreamCompleted(protocol.StreamID(42))

		var closed bool
		str.visitor = &testStreamVisitor{onClose: func(StreamID) { closed = true }}

		Expect(str.handleStreamFrame(&wire.StreamFrame{StreamID: 42, Data: []byte("foobar"), Fin: true})).To(Succeed())
		b := make([]byte, 10)
		n, fin, err := str.ReadData(b)
		Expect(err).ToNot(HaveOccurred())
		Expect(n).To(Equal(6))
		Expect(fin).To(BeTrue())
		Expect(closed).To(BeTrue())
	})

	It("reports whether the first byte arrived", func() {
		sender.EXPECT().onHasWindowUpdate(gomock.Any(), gomock.Any()).AnyTimes()

		// data at a higher offset doesn't contain the first byte
		Expect(str.handleStreamFrame(&wire.StreamFrame{StreamID: 42, Offset: 10, Data: []byte("later")})).To(Succeed())
		Expect(str.hasReceivedFirstByte()).To(BeFalse())
		Expect(str.handleStreamFrame(&wire.StreamFrame{StreamID: 42, Data: []byte("first")})).To(Succeed())
		Expect(str.hasReceivedFirstByte()).To(BeTrue())
	})

	Context("resets", func() {
		It("handles a peer reset, accounting the full final size", func() {
			ctrl := gomock.NewController(GinkgoT())
			sender := NewMockStreamSender(ctrl)
			// use a small connection window, so the window update after the reset is observable
			cfc := flowcontrol.NewConnectionFlowController(260, 260, &utils.RTTStats{}, utils.DefaultLogger)
			fc := flowcontrol.NewStreamFlowController(42, cfc, 1000, 10000, 0, &utils.RTTStats{}, utils.DefaultLogger)
			str := newReceiveStream(42, sender, fc, protocol.Version1)

			sender.EXPECT().onHasWindowUpdate(gomock.Any(), gomock.Any()).AnyTimes()
			sender.EXPECT().onStreamCompleted(gomock.Any()).AnyTimes()

			// we received only 10 bytes so far
			Expect(str.handleStreamFrame(&wire.StreamFrame{StreamID: 42, Data: make([]byte, 10)})).To(Succeed())
			Expect(str.handleResetStreamFrame(&wire.ResetStreamFrame{
				StreamID:  42,
				ErrorCode: 42,
				FinalSize: 200,
			})).To(Succeed())

			// reading returns the reset error
			b := make([]byte, 10)
			_, _, err := str.ReadData(b)
			var streamErr *StreamError
			Expect(err).To(HaveOccurred())
			Expect(errorAs(err, &streamErr)).To(BeTrue())
			Expect(streamErr.ErrorCode).To(Equal(StreamErrorCode(42)))
			Expect(streamErr.Remote).To(BeTrue())

			// the connection flow controller accounts the full final size of
			// 200 bytes, regardless of how much was actually received
			Expect(cfc.GetWindowUpdate()).To(Equal(protocol.ByteCount(200 + 260)))
		})

		It("rejects an inconsistent final size in a reset", func() {
			sender.EXPECT().onHasWindowUpdate(gomock.Any(), gomock.Any()).AnyTimes()
			sender.EXPECT().onStreamDraining(gomock.Any()).AnyTimes()

			Expect(str.handleStreamFrame(&wire.StreamFrame{StreamID: 42, Data: []byte("foobar"), Fin: true})).To(Succeed())
			err := str.handleResetStreamFrame(&wire.ResetStreamFrame{StreamID: 42, ErrorCode: 1, FinalSize: 100})
			Expect(err).To(HaveOccurred())
		})

		It("cancels reading with a STOP_SENDING", func() {
			sender.EXPECT().onHasWindowUpdate(gomock.Any(), gomock.Any()).AnyTimes()
			var stopSending *wire.StopSendingFrame
			sender.EXPECT().queueControlFrame(gomock.Any()).Do(func(f wire.Frame) {
				if ss, ok := f.(*wire.StopSendingFrame); ok {
					stopSending = ss
				}
			})
			sender.EXPECT().onStreamCompleted(gomock.Any()).AnyTimes()

			Expect(str.handleStreamFrame(&wire.StreamFrame{StreamID: 42, Data: []byte("foobar")})).To(Succeed())
			str.CancelRead(1337)
			Expect(stopSending).ToNot(BeNil())
			Expect(stopSending.ErrorCode).To(Equal(StreamErrorCode(1337)))

			// pending receive buffers were freed, reads fail
			b := make([]byte, 10)
			_, _, err := str.ReadData(b)
			var streamErr *StreamError
			Expect(errorAs(err, &streamErr)).To(BeTrue())
			Expect(streamErr.Remote).To(BeFalse())
		})
	})
})
