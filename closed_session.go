package quiche

import (
	"math/bits"
	"time"

	"github.com/chromium-cheri/quiche/internal/utils"
)

// A closedLocalSession is a session that we closed locally.
// When the peer keeps sending packets (it probably didn't receive our
// CONNECTION_CLOSE yet), the CONNECTION_CLOSE is retransmitted, with an
// exponential backoff. The host swaps it in for the session during the
// draining period.
type closedLocalSession struct {
	delegate SendDelegate

	connClosePacket []byte
	counter         uint32 // number of packets received

	logger utils.Logger
}

// newClosedLocalSession creates a new closedLocalSession and runs it.
func newClosedLocalSession(delegate SendDelegate, connClosePacket []byte, logger utils.Logger) *closedLocalSession {
	return &closedLocalSession{
		delegate:        delegate,
		connClosePacket: connClosePacket,
		logger:          logger,
	}
}

// ProcessUDPPacket responds to incoming packets during the draining period.
func (s *closedLocalSession) ProcessUDPPacket(_ time.Time, data []byte) {
	s.counter++
	// exponential backoff
	// only send a CONNECTION_CLOSE for the 1st, 2nd, 4th, 8th, 16th, ... packet arriving
	if bits.OnesCount32(s.counter) != 1 {
		return
	}
	s.logger.Debugf("Received %d packets after sending CONNECTION_CLOSE. Retransmitting.", s.counter)
	buf := getPacketBuffer()
	buf.Data = append(buf.Data, s.connClosePacket...)
	s.delegate.OnSerializedPacket(SerializedPacket{
		Buffer:          buf,
		EncryptionLevel: 0,
		Fate:            FateSend,
	})
}
