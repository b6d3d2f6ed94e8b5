package quiche

import (
	"github.com/chromium-cheri/quiche/internal/ackhandler"
	"github.com/chromium-cheri/quiche/internal/protocol"
	"github.com/chromium-cheri/quiche/internal/utils"
	"github.com/chromium-cheri/quiche/internal/wire"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
)

// fakeSendStream is a stream stub feeding predefined frames to the framer.
type fakeSendStream struct {
	id     protocol.StreamID
	frames []*wire.StreamFrame
	// claim to have more data even when the frame queue is empty
	claimMoreData bool
}

func (s *fakeSendStream) popStreamFrame(maxBytes protocol.ByteCount, v protocol.Version) (ackhandler.StreamFrame, bool, bool) {
	if len(s.frames) == 0 {
		return ackhandler.StreamFrame{}, false, s.claimMoreData
	}
	f := s.frames[0]
	if f.Length(v) > maxBytes {
		return ackhandler.StreamFrame{}, false, true
	}
	s.frames = s.frames[1:]
	return ackhandler.StreamFrame{Frame: f}, true, len(s.frames) > 0
}

func (s *fakeSendStream) closeForShutdown(error)                        {}
func (s *fakeSendStream) handleStopSendingFrame(*wire.StopSendingFrame) {}
func (s *fakeSendStream) updateSendWindow(protocol.ByteCount)           {}
func (s *fakeSendStream) connectionWindowUpdated()                      {}

var _ sendStreamI = &fakeSendStream{}

func newFakeSendStream(id protocol.StreamID, data ...string) *fakeSendStream {
	s := &fakeSendStream{id: id}
	var offset protocol.ByteCount
	for _, d := range data {
		s.frames = append(s.frames, &wire.StreamFrame{
			StreamID:       id,
			Offset:         offset,
			Data:           []byte(d),
			DataLenPresent: true,
		})
		offset += protocol.ByteCount(len(d))
	}
	return s
}

var _ = Describe("Framer", func() {
	var f *framer

	BeforeEach(func() {
		f = newFramer(utils.DefaultLogger)
	})

	Context("control frames", func() {
		It("appends queued control frames", func() {
			ping := &wire.PingFrame{}
			md := &wire.MaxDataFrame{MaximumData: 0x42}
			f.QueueControlFrame(ping)
			f.QueueControlFrame(md)
			Expect(f.HasData()).To(BeTrue())
			frames, length := f.AppendControlFrames(nil, 1000, protocol.Version1)
			Expect(frames).To(HaveLen(2))
			Expect(length).To(Equal(md.Length(protocol.Version1) + ping.Length(protocol.Version1)))
			Expect(f.HasData()).To(BeFalse())
		})

		It("packs PATH_RESPONSE frames separately", func() {
			pr := &wire.PathResponseFrame{Data: [8]byte{1, 2, 3, 4, 5, 6, 7, 8}}
			f.QueueControlFrame(pr)
			// PATH_RESPONSE frames are not returned as ordinary control frames
			frames, _ := f.AppendControlFrames(nil, 1000, protocol.Version1)
			Expect(frames).To(BeEmpty())
			Expect(f.NextPathResponse()).To(Equal(pr))
			Expect(f.NextPathResponse()).To(BeNil())
		})
	})

	Context("stream scheduling", func() {
		It("round-robins between streams of the same priority", func() {
			str1 := newFakeSendStream(0, "aaaa", "AAAA")
			str2 := newFakeSendStream(4, "bbbb", "BBBB")
			f.AddActiveStream(0, protocol.DefaultStreamPriority, str1)
			f.AddActiveStream(4, protocol.DefaultStreamPriority, str2)

			// limit the size so that only one frame is popped per call
			frames, _ := f.AppendStreamFrames(nil, protocol.MinStreamFrameSize, protocol.Version1)
			Expect(frames).To(HaveLen(1))
			first := frames[0].Frame.StreamID
			frames, _ = f.AppendStreamFrames(nil, protocol.MinStreamFrameSize, protocol.Version1)
			Expect(frames).To(HaveLen(1))
			// round robin: the other stream gets its turn
			Expect(frames[0].Frame.StreamID).ToNot(Equal(first))
		})

		It("schedules higher priorities first", func() {
			low := newFakeSendStream(0, "low")
			high := newFakeSendStream(4, "high")
			f.AddActiveStream(0, 0, low)
			f.AddActiveStream(4, 7, high)

			frames, _ := f.AppendStreamFrames(nil, 10000, protocol.Version1)
			Expect(frames).To(HaveLen(2))
			Expect(frames[0].Frame.StreamID).To(Equal(protocol.StreamID(4)))
			Expect(frames[1].Frame.StreamID).To(Equal(protocol.StreamID(0)))
		})

		It("omits the length field of the last frame", func() {
			str := newFakeSendStream(4, "foobar")
			f.AddActiveStream(4, protocol.DefaultStreamPriority, str)
			frames, _ := f.AppendStreamFrames(nil, 10000, protocol.Version1)
			Expect(frames).To(HaveLen(1))
			Expect(frames[0].Frame.DataLenPresent).To(BeFalse())
		})

		It("detects busy-looping streams", func() {
			// a stream that always claims to be writable, but never writes anything
			str := &fakeSendStream{id: 4, claimMoreData: true}
			f.AddActiveStream(4, protocol.DefaultStreamPriority, str)

			// after two barren scheduling rounds, the stream is dropped from the schedule
			for i := 0; i < 2; i++ {
				frames, _ := f.AppendStreamFrames(nil, 10000, protocol.Version1)
				Expect(frames).To(BeEmpty())
			}
			Expect(f.HasData()).To(BeFalse())
		})

		It("removes streams from the schedule", func() {
			str := newFakeSendStream(4, "foobar")
			f.AddActiveStream(4, protocol.DefaultStreamPriority, str)
			f.RemoveActiveStream(4)
			frames, _ := f.AppendStreamFrames(nil, 10000, protocol.Version1)
			Expect(frames).To(BeEmpty())
		})
	})
})
