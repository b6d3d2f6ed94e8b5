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

type testStreamVisitor struct {
	onDataAvailable func(StreamID)
	onCanWrite      func(StreamID)
	onClose         func(StreamID)
}

func (v *testStreamVisitor) OnDataAvailable(id StreamID) {
	if v.onDataAvailable != nil {
		v.onDataAvailable(id)
	}
}

func (v *testStreamVisitor) OnCanWrite(id StreamID) {
	if v.onCanWrite != nil {
		v.onCanWrite(id)
	}
}

func (v *testStreamVisitor) OnClose(id StreamID) {
	if v.onClose != nil {
		v.onClose(id)
	}
}

var _ = Describe("Send Stream", func() {
	newTestSendStream := func(sendWindow protocol.ByteCount) (*sendStream, *MockStreamSender) {
		ctrl := gomock.NewController(GinkgoT())
		sender := NewMockStreamSender(ctrl)
		cfc := flowcontrol.NewConnectionFlowController(protocol.MaxByteCount, protocol.MaxByteCount, &utils.RTTStats{}, utils.DefaultLogger)
		cfc.UpdateSendWindow(protocol.MaxByteCount)
		fc := flowcontrol.NewStreamFlowController(42, cfc, 1000, 1000, sendWindow, &utils.RTTStats{}, utils.DefaultLogger)
		return newSendStream(42, sender, fc, protocol.Version1, utils.DefaultLogger), sender
	}

	It("writes data and pops a STREAM frame", func() {
		str, sender := newTestSendStream(1000)
		sender.EXPECT().onHasStreamData(protocol.StreamID(42), protocol.DefaultStreamPriority, str).AnyTimes()
		sender.EXPECT().onStreamZombie(protocol.StreamID(42)).AnyTimes()

		n, finConsumed, err := str.WriteData([]byte("foobar"), true)
		Expect(err).ToNot(HaveOccurred())
		Expect(n).To(Equal(6))
		Expect(finConsumed).To(BeTrue())

		frame, ok, hasMore := str.popStreamFrame(protocol.MaxByteCount, protocol.Version1)
		Expect(ok).To(BeTrue())
		Expect(hasMore).To(BeFalse())
		Expect(frame.Frame.StreamID).To(Equal(protocol.StreamID(42)))
		Expect(frame.Frame.Data).To(Equal([]byte("foobar")))
		Expect(frame.Frame.Fin).To(BeTrue())
		Expect(frame.Frame.Offset).To(BeZero())
	})

	It("respects the flow control window", func() {
		str, sender := newTestSendStream(4)
		sender.EXPECT().onHasStreamData(gomock.Any(), gomock.Any(), gomock.Any()).AnyTimes()
		sender.EXPECT().queueControlFrame(&wire.StreamDataBlockedFrame{StreamID: 42, MaximumStreamData: 4})

		// only 4 bytes fit into the window, the FIN is not consumed
		n, finConsumed, err := str.WriteData([]byte("foobar"), true)
		Expect(err).ToNot(HaveOccurred())
		Expect(n).To(Equal(4))
		Expect(finConsumed).To(BeFalse())
	})

	It("unblocks on window updates", func() {
		str, sender := newTestSendStream(4)
		sender.EXPECT().onHasStreamData(gomock.Any(), gomock.Any(), gomock.Any()).AnyTimes()
		sender.EXPECT().queueControlFrame(gomock.Any()).AnyTimes()
		sender.EXPECT().onStreamZombie(gomock.Any()).AnyTimes()

		var gotCanWrite bool
		str.visitor = &testStreamVisitor{onCanWrite: func(StreamID) { gotCanWrite = true }}

		n, _, err := str.WriteData([]byte("foobar"), true)
		Expect(err).ToNot(HaveOccurred())
		Expect(n).To(Equal(4))

		str.updateSendWindow(100)
		Expect(gotCanWrite).To(BeTrue())

		// the remaining 2 bytes and the FIN can now be written
		n, finConsumed, err := str.WriteData([]byte("ar"), true)
		Expect(err).ToNot(HaveOccurred())
		Expect(n).To(Equal(2))
		Expect(finConsumed).To(BeTrue())
	})

	It("splits frames that don't fit", func() {
		str, sender := newTestSendStream(1000)
		sender.EXPECT().onHasStreamData(gomock.Any(), gomock.Any(), gomock.Any()).AnyTimes()
		sender.EXPECT().onStreamZombie(gomock.Any()).AnyTimes()

		_, _, err := str.WriteData([]byte("foobar"), true)
		Expect(err).ToNot(HaveOccurred())

		frame, ok, hasMore := str.popStreamFrame(6, protocol.Version1)
		Expect(ok).To(BeTrue())
		Expect(hasMore).To(BeTrue())
		Expect(frame.Frame.Fin).To(BeFalse())
		firstLen := len(frame.Frame.Data)
		Expect(firstLen).To(BeNumerically(">", 0))

		frame2, ok, hasMore := str.popStreamFrame(protocol.MaxByteCount, protocol.Version1)
		Expect(ok).To(BeTrue())
		Expect(hasMore).To(BeFalse())
		Expect(frame2.Frame.Fin).To(BeTrue())
		Expect(frame2.Frame.Offset).To(Equal(protocol.ByteCount(firstLen)))
		Expect(string(frame.Frame.Data) + string(frame2.Frame.Data)).To(Equal("foobar"))
	})

	It("completes when the FIN is acknowledged", func() {
		str, sender := newTestSendStream(1000)
		sender.EXPECT().onHasStreamData(gomock.Any(), gomock.Any(), gomock.Any()).AnyTimes()
		sender.EXPECT().onStreamZombie(gomock.Any()).AnyTimes()
		sender.EXPECT().onStreamCompleted(protocol.StreamID(42))

		_, _, err := str.WriteData([]byte("foobar"), true)
		Expect(err).ToNot(HaveOccurred())
		frame, ok, _ := str.popStreamFrame(protocol.MaxByteCount, protocol.Version1)
		Expect(ok).To(BeTrue())
		// acknowledging the frame (with the FIN) completes the send side
		frame.Handler.OnAcked(frame.Frame)
	})

	It("re-queues lost frames", func() {
		str, sender := newTestSendStream(1000)
		sender.EXPECT().onHasStreamData(gomock.Any(), gomock.Any(), gomock.Any()).AnyTimes()
		sender.EXPECT().onStreamZombie(gomock.Any()).AnyTimes()

		_, _, err := str.WriteData([]byte("foobar"), false)
		Expect(err).ToNot(HaveOccurred())
		frame, ok, _ := str.popStreamFrame(protocol.MaxByteCount, protocol.Version1)
		Expect(ok).To(BeTrue())
		f := frame.Frame

		// the lost frame is re-queued and popped again
		frame.Handler.OnLost(f)
		retrans, ok, _ := str.popStreamFrame(protocol.MaxByteCount, protocol.Version1)
		Expect(ok).To(BeTrue())
		Expect(retrans.Frame.Data).To(Equal([]byte("foobar")))
		Expect(retrans.Frame.Offset).To(BeZero())
	})

	It("cancels writing", func() {
		str, sender := newTestSendStream(1000)
		sender.EXPECT().onHasStreamData(gomock.Any(), gomock.Any(), gomock.Any()).AnyTimes()
		var reset *wire.ResetStreamFrame
		sender.EXPECT().queueControlFrame(gomock.Any()).Do(func(f wire.Frame) {
			if r, ok := f.(*wire.ResetStreamFrame); ok {
				reset = r
			}
		}).AnyTimes()
		sender.EXPECT().onStreamCompleted(protocol.StreamID(42))

		_, _, err := str.WriteData([]byte("foobar"), false)
		Expect(err).ToNot(HaveOccurred())
		frame, ok, _ := str.popStreamFrame(3+3 /* header */, protocol.Version1)
		Expect(ok).To(BeTrue())
		written := frame.Frame.DataLen()

		str.CancelWrite(42)
		Expect(reset).ToNot(BeNil())
		Expect(reset.ErrorCode).To(Equal(StreamErrorCode(42)))
		// the final size is the number of bytes handed to the packetizer
		Expect(reset.FinalSize).To(Equal(written))

		// no further data is handed out after the reset
		_, ok, hasMore := str.popStreamFrame(protocol.MaxByteCount, protocol.Version1)
		Expect(ok).To(BeFalse())
		Expect(hasMore).To(BeFalse())

		// writing after the reset returns the cancellation error
		_, _, err = str.WriteData([]byte("baz"), false)
		var streamErr *StreamError
		Expect(errorAs(err, &streamErr)).To(BeTrue())
		Expect(streamErr.ErrorCode).To(Equal(StreamErrorCode(42)))
	})
})
