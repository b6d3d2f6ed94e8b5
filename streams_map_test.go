package quiche

import (
	"context"
	"errors"
	"time"

	"github.com/chromium-cheri/quiche/internal/flowcontrol"
	"github.com/chromium-cheri/quiche/internal/protocol"
	"github.com/chromium-cheri/quiche/internal/qerr"
	"github.com/chromium-cheri/quiche/internal/utils"
	"github.com/chromium-cheri/quiche/internal/wire"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"go.uber.org/mock/gomock"
)

var _ = Describe("Streams Map", func() {
	newTestStreamsMap := func(pers protocol.Perspective, maxIncoming uint64) (*streamsMap, *MockStreamSender) {
		ctrl := gomock.NewController(GinkgoT())
		sender := NewMockStreamSender(ctrl)
		cfc := flowcontrol.NewConnectionFlowController(protocol.MaxByteCount, protocol.MaxByteCount, &utils.RTTStats{}, utils.DefaultLogger)
		newFC := func(id protocol.StreamID) flowcontrol.StreamFlowController {
			return flowcontrol.NewStreamFlowController(id, cfc, 1000, 1000, 1000, &utils.RTTStats{}, utils.DefaultLogger)
		}
		return newStreamsMap(sender, newFC, maxIncoming, maxIncoming, pers, protocol.Version1, utils.DefaultLogger), sender
	}

	It("opens streams with the right IDs", func() {
		m, sender := newTestStreamsMap(protocol.PerspectiveClient, 100)
		sender.EXPECT().queueControlFrame(gomock.Any()).AnyTimes()
		m.HandleMaxStreamsFrame(&wire.MaxStreamsFrame{Type: protocol.StreamTypeBidi, MaxStreamNum: 100})
		m.HandleMaxStreamsFrame(&wire.MaxStreamsFrame{Type: protocol.StreamTypeUni, MaxStreamNum: 100})

		// client-initiated bidirectional streams: 0, 4, 8, ...
		str, err := m.OpenStream()
		Expect(err).ToNot(HaveOccurred())
		Expect(str.StreamID()).To(Equal(protocol.StreamID(0)))
		str, err = m.OpenStream()
		Expect(err).ToNot(HaveOccurred())
		Expect(str.StreamID()).To(Equal(protocol.StreamID(4)))
		// client-initiated unidirectional streams: 2, 6, 10, ...
		ustr, err := m.OpenUniStream()
		Expect(err).ToNot(HaveOccurred())
		Expect(ustr.StreamID()).To(Equal(protocol.StreamID(2)))
	})

	It("enforces the peer's stream limit", func() {
		m, sender := newTestStreamsMap(protocol.PerspectiveClient, 100)
		var blocked *wire.StreamsBlockedFrame
		sender.EXPECT().queueControlFrame(gomock.Any()).Do(func(f wire.Frame) {
			if b, ok := f.(*wire.StreamsBlockedFrame); ok {
				blocked = b
			}
		}).AnyTimes()
		m.HandleMaxStreamsFrame(&wire.MaxStreamsFrame{Type: protocol.StreamTypeBidi, MaxStreamNum: 1})

		_, err := m.OpenStream()
		Expect(err).ToNot(HaveOccurred())
		_, err = m.OpenStream()
		Expect(err).To(HaveOccurred())
		var nerr interface{ Temporary() bool }
		Expect(errorAs(err, &nerr)).To(BeTrue())
		Expect(nerr.Temporary()).To(BeTrue())
		Expect(blocked).ToNot(BeNil())
		Expect(blocked.StreamLimit).To(Equal(protocol.StreamNum(1)))

		// a MAX_STREAMS frame lifts the limit
		m.HandleMaxStreamsFrame(&wire.MaxStreamsFrame{Type: protocol.StreamTypeBidi, MaxStreamNum: 2})
		_, err = m.OpenStream()
		Expect(err).ToNot(HaveOccurred())
	})

	It("implicitly opens all lower streams of the quadrant", func() {
		m, sender := newTestStreamsMap(protocol.PerspectiveServer, 100)
		sender.EXPECT().queueControlFrame(gomock.Any()).AnyTimes()

		// receiving stream 8 (the 3rd client-initiated bidi stream)
		// implicitly opens streams 0 and 4
		str, err := m.GetOrOpenReceiveStream(8)
		Expect(err).ToNot(HaveOccurred())
		Expect(str).ToNot(BeNil())

		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		for _, expected := range []protocol.StreamID{0, 4, 8} {
			str, err := m.AcceptStream(ctx)
			Expect(err).ToNot(HaveOccurred())
			Expect(str.StreamID()).To(Equal(expected))
		}
	})

	It("registers peer-created unidirectional streams as pending", func() {
		m, sender := newTestStreamsMap(protocol.PerspectiveServer, 100)
		sender.EXPECT().queueControlFrame(gomock.Any()).AnyTimes()
		var pending []protocol.StreamID
		sender.EXPECT().onStreamPending(gomock.Any(), gomock.Any()).Do(func(id protocol.StreamID, _ *receiveStream) {
			pending = append(pending, id)
		}).AnyTimes()

		// stream 10 is the 3rd client-initiated unidirectional stream,
		// implicitly opening streams 2 and 6
		_, err := m.GetOrOpenReceiveStream(10)
		Expect(err).ToNot(HaveOccurred())
		Expect(pending).To(Equal([]protocol.StreamID{2, 6, 10}))
	})

	It("rejects streams exceeding the advertised limit", func() {
		m, sender := newTestStreamsMap(protocol.PerspectiveServer, 2)
		sender.EXPECT().queueControlFrame(gomock.Any()).AnyTimes()

		// stream 8 is the 3rd client-initiated bidi stream, allowed are 2
		_, err := m.GetOrOpenReceiveStream(8)
		Expect(err).To(HaveOccurred())
		var transportErr *qerr.TransportError
		Expect(errorAs(err, &transportErr)).To(BeTrue())
		Expect(transportErr.ErrorCode).To(Equal(qerr.StreamLimitError))
	})

	It("rejects frames for unknown locally-initiated streams", func() {
		m, sender := newTestStreamsMap(protocol.PerspectiveServer, 100)
		sender.EXPECT().queueControlFrame(gomock.Any()).AnyTimes()

		// stream 1 would be a server-initiated stream, but it was never opened
		_, err := m.GetOrOpenReceiveStream(1)
		Expect(err).To(HaveOccurred())
		var transportErr *qerr.TransportError
		Expect(errorAs(err, &transportErr)).To(BeTrue())
		Expect(transportErr.ErrorCode).To(Equal(qerr.StreamStateError))
	})

	It("rejects receiving on outgoing unidirectional streams", func() {
		m, sender := newTestStreamsMap(protocol.PerspectiveServer, 100)
		sender.EXPECT().queueControlFrame(gomock.Any()).AnyTimes()

		// stream 3 is a server-initiated unidirectional stream:
		// the peer cannot send on it
		_, err := m.GetOrOpenReceiveStream(3)
		Expect(err).To(HaveOccurred())
	})

	It("batches MAX_STREAMS updates", func() {
		const limit = 10
		m, sender := newTestStreamsMap(protocol.PerspectiveServer, limit)
		var maxStreams []*wire.MaxStreamsFrame
		sender.EXPECT().queueControlFrame(gomock.Any()).Do(func(f wire.Frame) {
			if ms, ok := f.(*wire.MaxStreamsFrame); ok {
				maxStreams = append(maxStreams, ms)
			}
		}).AnyTimes()

		ctx := context.Background()
		// open, accept and close streams one by one
		for i := 0; i < limit; i++ {
			id := protocol.StreamID(4 * i)
			_, err := m.GetOrOpenReceiveStream(id)
			Expect(err).ToNot(HaveOccurred())
			_, err = m.AcceptStream(ctx)
			Expect(err).ToNot(HaveOccurred())
			Expect(m.DeleteStream(id)).To(Succeed())
		}
		// updates are batched: one MAX_STREAMS frame per half-consumed credit
		Expect(maxStreams).To(HaveLen(2))
		Expect(maxStreams[0].MaxStreamNum).To(Equal(protocol.StreamNum(limit + 5)))
		Expect(maxStreams[1].MaxStreamNum).To(Equal(protocol.StreamNum(limit + 10)))
	})

	It("refuses new streams after a GOAWAY", func() {
		m, sender := newTestStreamsMap(protocol.PerspectiveClient, 100)
		sender.EXPECT().queueControlFrame(gomock.Any()).AnyTimes()
		m.HandleMaxStreamsFrame(&wire.MaxStreamsFrame{Type: protocol.StreamTypeBidi, MaxStreamNum: 100})

		str, err := m.OpenStream()
		Expect(err).ToNot(HaveOccurred())

		m.GoAway()
		// no new streams may be opened
		_, err = m.OpenStream()
		Expect(err).To(MatchError(errGoneAway))
		// the existing stream continues to exist
		got, err := m.GetOrOpenSendStream(str.StreamID())
		Expect(err).ToNot(HaveOccurred())
		Expect(got).ToNot(BeNil())
	})

	It("closes all streams when the connection is closed", func() {
		m, sender := newTestStreamsMap(protocol.PerspectiveClient, 100)
		sender.EXPECT().queueControlFrame(gomock.Any()).AnyTimes()
		m.HandleMaxStreamsFrame(&wire.MaxStreamsFrame{Type: protocol.StreamTypeBidi, MaxStreamNum: 100})

		_, err := m.OpenStream()
		Expect(err).ToNot(HaveOccurred())
		testErr := errors.New("test error")
		m.CloseWithError(testErr)
		_, err = m.OpenStream()
		Expect(err).To(MatchError(testErr))
	})
})
