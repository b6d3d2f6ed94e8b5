package quiche

import (
	"github.com/chromium-cheri/quiche/internal/flowcontrol"
	"github.com/chromium-cheri/quiche/internal/protocol"
	"github.com/chromium-cheri/quiche/internal/utils"
	"github.com/chromium-cheri/quiche/internal/wire"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
)

type stubReceiveStream struct {
	windowUpdate protocol.ByteCount
}

func (s *stubReceiveStream) handleStreamFrame(*wire.StreamFrame) error           { return nil }
func (s *stubReceiveStream) handleResetStreamFrame(*wire.ResetStreamFrame) error { return nil }
func (s *stubReceiveStream) closeForShutdown(error)                              {}
func (s *stubReceiveStream) getWindowUpdate() protocol.ByteCount                 { return s.windowUpdate }

var _ = Describe("Window Update Queue", func() {
	var (
		q      *windowUpdateQueue
		cfc    flowcontrol.ConnectionFlowController
		queued []wire.Frame
	)

	BeforeEach(func() {
		queued = queued[:0]
		cfc = flowcontrol.NewConnectionFlowController(100, 1000, &utils.RTTStats{}, utils.DefaultLogger)
		q = newWindowUpdateQueue(cfc, func(f wire.Frame) { queued = append(queued, f) })
	})

	It("queues stream-level window updates", func() {
		q.AddStream(4, &stubReceiveStream{windowUpdate: 0x42})
		q.QueueAll()
		Expect(queued).To(Equal([]wire.Frame{
			&wire.MaxStreamDataFrame{StreamID: 4, MaximumStreamData: 0x42},
		}))

		// the queue is drained
		queued = queued[:0]
		q.QueueAll()
		Expect(queued).To(BeEmpty())
	})

	It("skips streams whose window didn't shift", func() {
		// e.g. because the final offset arrived right after queueing
		q.AddStream(4, &stubReceiveStream{windowUpdate: 0})
		q.QueueAll()
		Expect(queued).To(BeEmpty())
	})

	It("doesn't queue updates for removed streams", func() {
		q.AddStream(4, &stubReceiveStream{windowUpdate: 0x42})
		q.RemoveStream(4)
		q.QueueAll()
		Expect(queued).To(BeEmpty())
	})

	It("queues connection-level window updates", func() {
		Expect(cfc.(interface {
			IncrementHighestReceived(protocol.ByteCount) error
		}).IncrementHighestReceived(90)).To(Succeed())
		cfc.AddBytesRead(90)
		q.AddConnection()
		q.QueueAll()
		Expect(queued).To(HaveLen(1))
		md, ok := queued[0].(*wire.MaxDataFrame)
		Expect(ok).To(BeTrue())
		Expect(md.MaximumData).To(Equal(protocol.ByteCount(90 + 100)))
	})
})
