package quiche

import (
	"time"

	"github.com/chromium-cheri/quiche/internal/utils"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
)

var _ = Describe("Closed local session", func() {
	It("retransmits the CONNECTION_CLOSE with an exponential backoff", func() {
		delegate := &pipeDelegate{}
		s := newClosedLocalSession(delegate, []byte("connection close packet"), utils.DefaultLogger)

		now := time.Now()
		for i := 0; i < 20; i++ {
			s.ProcessUDPPacket(now, []byte("packet"))
		}
		// the CONNECTION_CLOSE is retransmitted for the 1st, 2nd, 4th, 8th
		// and 16th incoming packet
		packets := delegate.drain()
		Expect(packets).To(HaveLen(5))
		for _, p := range packets {
			Expect(p).To(Equal([]byte("connection close packet")))
		}
	})

	It("replays the retained CONNECTION_CLOSE after a local close", func() {
		env := newSessionPair(nil, nil)
		Expect(env.client.CloseWithError(0, "")).To(Succeed())
		closePacket := env.clientDelegate.drain()
		Expect(closePacket).To(HaveLen(1))

		closed := env.client.IntoClosedSession()
		closed.ProcessUDPPacket(time.Now(), []byte("late packet"))
		replayed := env.clientDelegate.drain()
		Expect(replayed).To(HaveLen(1))
		Expect(replayed[0]).To(Equal(closePacket[0]))
	})
})

var _ = Describe("Config", func() {
	It("populates default values", func() {
		conf := populateConfig(nil)
		Expect(conf.MaxIdleTimeout).ToNot(BeZero())
		Expect(conf.HandshakeIdleTimeout).ToNot(BeZero())
		Expect(conf.InitialStreamReceiveWindow).ToNot(BeZero())
		Expect(conf.MaxConnectionReceiveWindow).ToNot(BeZero())
		Expect(conf.MaxIncomingStreams).To(BeEquivalentTo(100))
		Expect(conf.Logger).ToNot(BeNil())
	})

	It("disables incoming streams for negative values", func() {
		conf := populateConfig(&Config{MaxIncomingStreams: -1})
		Expect(conf.MaxIncomingStreams).To(BeZero())
	})

	It("clones", func() {
		c := &Config{MaxIncomingStreams: 7}
		Expect(c.Clone().MaxIncomingStreams).To(Equal(int64(7)))
	})
})
