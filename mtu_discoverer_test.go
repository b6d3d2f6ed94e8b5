package quiche

import (
	"time"

	"github.com/chromium-cheri/quiche/internal/protocol"
	"github.com/chromium-cheri/quiche/internal/utils"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
)

var _ = Describe("MTU Discoverer", func() {
	var (
		d         *mtuFinder
		rttStats  *utils.RTTStats
		increased []protocol.ByteCount
	)

	BeforeEach(func() {
		rttStats = &utils.RTTStats{}
		increased = increased[:0]
		d = newMTUDiscoverer(rttStats, 1200, 1452, func(s protocol.ByteCount) { increased = append(increased, s) })
	})

	It("only probes after it was started", func() {
		now := time.Now()
		Expect(d.ShouldSendProbe(now)).To(BeFalse())
		d.Start()
		Expect(d.ShouldSendProbe(now)).To(BeTrue())
		Expect(d.CurrentSize()).To(Equal(protocol.ByteCount(1200)))
	})

	It("uses the acknowledged probe size as the new packet size", func() {
		d.Start()
		now := time.Now()
		ping, size := d.GetPing(now)
		Expect(size).To(Equal(protocol.ByteCount((1200 + 1452) / 2)))
		// no new probe while one is in flight
		Expect(d.ShouldSendProbe(now.Add(time.Hour))).To(BeFalse())

		ping.Handler.OnAcked(ping.Frame)
		Expect(d.CurrentSize()).To(Equal(size))
		Expect(increased).To(Equal([]protocol.ByteCount{size}))
	})

	It("lowers the upper bound when a probe is lost", func() {
		d.Start()
		ping, size := d.GetPing(time.Now())
		ping.Handler.OnLost(ping.Frame)
		// the current size is unchanged
		Expect(d.CurrentSize()).To(Equal(protocol.ByteCount(1200)))
		Expect(d.max).To(Equal(size))
	})

	It("stops probing when the search space is exhausted", func() {
		d = newMTUDiscoverer(rttStats, 1440, 1452, func(protocol.ByteCount) {})
		d.Start()
		Expect(d.ShouldSendProbe(time.Now())).To(BeFalse())
	})
})
