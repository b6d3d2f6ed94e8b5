package ackhandler

import (
	"fmt"
	"time"

	"github.com/chromium-cheri/quiche/internal/protocol"
	"github.com/chromium-cheri/quiche/internal/qerr"
	"github.com/chromium-cheri/quiche/internal/utils"
	"github.com/chromium-cheri/quiche/internal/wire"
)

// Maximum reordering in packets before packet threshold loss detection considers a packet lost.
const packetThreshold = 3

type packetNumberSpace struct {
	history *sentPacketHistory
	pns     packetNumberGenerator

	lossTime time.Time

	largestAcked protocol.PacketNumber
	largestSent  protocol.PacketNumber
}

func newPacketNumberSpace(initialPN protocol.PacketNumber, isAppData bool) *packetNumberSpace {
	var pns packetNumberGenerator
	if isAppData {
		pns = newSkippingPacketNumberGenerator(initialPN, protocol.SkipPacketInitialPeriod, protocol.SkipPacketMaxPeriod)
	} else {
		pns = newSequentialPacketNumberGenerator(initialPN)
	}
	return &packetNumberSpace{
		history:      newSentPacketHistory(),
		pns:          pns,
		largestSent:  protocol.InvalidPacketNumber,
		largestAcked: protocol.InvalidPacketNumber,
	}
}

// The SentPacketHandler tracks outstanding packets per encryption level,
// processes incoming ACKs, and detects lost packets.
type SentPacketHandler struct {
	initialPackets   *packetNumberSpace
	handshakePackets *packetNumberSpace
	appDataPackets   *packetNumberSpace

	// The sum of the sizes of all ack-eliciting packets in flight, across all levels.
	bytesInFlight protocol.ByteCount

	// The alarm deadline for time-threshold loss detection.
	// Owned by the host's alarm service, re-armed after every call.
	alarm time.Time

	rttStats *utils.RTTStats

	// One more than the largest packet number covered by an ACK we sent in a
	// 1-RTT packet that the peer acknowledged. The peer won't need ACK ranges
	// below it any more.
	lowestNotConfirmedAcked protocol.PacketNumber

	perspective protocol.Perspective

	logger utils.Logger
}

// NewSentPacketHandler creates a new sentPacketHandler
func NewSentPacketHandler(
	initialPN protocol.PacketNumber,
	rttStats *utils.RTTStats,
	pers protocol.Perspective,
	logger utils.Logger,
) *SentPacketHandler {
	return &SentPacketHandler{
		initialPackets:   newPacketNumberSpace(initialPN, false),
		handshakePackets: newPacketNumberSpace(0, false),
		appDataPackets:   newPacketNumberSpace(0, true),
		rttStats:         rttStats,
		perspective:      pers,
		logger:           logger,
	}
}

func (h *SentPacketHandler) getPacketNumberSpace(encLevel protocol.EncryptionLevel) *packetNumberSpace {
	switch encLevel {
	case protocol.EncryptionInitial:
		return h.initialPackets
	case protocol.EncryptionHandshake:
		return h.handshakePackets
	case protocol.Encryption0RTT, protocol.Encryption1RTT:
		return h.appDataPackets
	default:
		panic("invalid packet number space")
	}
}

// DropPackets drops all outstanding packets of an encryption level.
// It is called when the keys for that level are discarded.
// For Initial and Handshake, the frames in those packets are neither
// acknowledged nor retransmitted. 0-RTT packets are declared lost instead.
func (h *SentPacketHandler) DropPackets(encLevel protocol.EncryptionLevel) {
	//nolint:exhaustive // 1-RTT packet number space is never dropped.
	switch encLevel {
	case protocol.EncryptionInitial:
		if h.initialPackets == nil {
			return
		}
		h.initialPackets.history.Iterate(func(p *packet) bool {
			h.removeFromBytesInFlight(p)
			return true
		})
		h.initialPackets = nil
	case protocol.EncryptionHandshake:
		if h.handshakePackets == nil {
			return
		}
		h.handshakePackets.history.Iterate(func(p *packet) bool {
			h.removeFromBytesInFlight(p)
			return true
		})
		h.handshakePackets = nil
	case protocol.Encryption0RTT:
		// 0-RTT packets are tracked in the application-data space.
		// When 0-RTT is rejected, all of them are declared lost.
		h.appDataPackets.history.Iterate(func(p *packet) bool {
			if p.EncryptionLevel == protocol.Encryption0RTT && !p.declaredLost {
				h.declareLost(h.appDataPackets, p)
			}
			return true
		})
	default:
		panic(fmt.Sprintf("cannot drop keys for encryption level %s", encLevel))
	}
	h.setLossDetectionTimer()
}

// SentPacket registers a sent packet.
func (h *SentPacketHandler) SentPacket(
	t time.Time,
	pn, largestAcked protocol.PacketNumber,
	streamFrames []StreamFrame,
	frames []Frame,
	encLevel protocol.EncryptionLevel,
	size protocol.ByteCount,
	isMTUProbePacket bool,
	isPathProbePacket bool,
) {
	pnSpace := h.getPacketNumberSpace(encLevel)
	if h.logger.Debug() && pnSpace.history.HasOutstandingPackets() {
		for p := max(0, pnSpace.largestSent+1); p < pn; p++ {
			h.logger.Debugf("Skipping packet number %d", p)
		}
	}
	for p := pnSpace.largestSent + 1; p < pn; p++ {
		pnSpace.history.SkippedPacket(p)
	}
	pnSpace.largestSent = pn

	isAckEliciting := len(streamFrames) > 0 || HasAckElicitingFrames(frames)
	if !isAckEliciting {
		pnSpace.history.SentNonAckElicitingPacket(pn)
		return
	}

	p := getPacket()
	p.SendTime = t
	p.PacketNumber = pn
	p.EncryptionLevel = encLevel
	p.Length = size
	p.LargestAcked = largestAcked
	p.StreamFrames = streamFrames
	p.Frames = frames
	p.IsPathMTUProbePacket = isMTUProbePacket
	p.IsPathProbePacket = isPathProbePacket

	h.bytesInFlight += size
	p.includedInBytesInFlight = true

	pnSpace.history.SentAckElicitingPacket(p)
	h.setLossDetectionTimer()
}

// ReceivedAck processes an incoming ACK frame.
// The ACK ranges are walked in decreasing packet number order.
// It returns if an ack-eliciting packet was newly acknowledged.
func (h *SentPacketHandler) ReceivedAck(ack *wire.AckFrame, encLevel protocol.EncryptionLevel, rcvTime time.Time) (bool /* acked an ack-eliciting packet */, error) {
	pnSpace := h.getPacketNumberSpace(encLevel)
	if pnSpace == nil {
		return false, &qerr.TransportError{
			ErrorCode:    qerr.ProtocolViolation,
			ErrorMessage: fmt.Sprintf("received ACK for discarded encryption level %s", encLevel),
		}
	}

	largestAcked := ack.LargestAcked()
	if largestAcked > pnSpace.largestSent {
		return false, &qerr.TransportError{
			ErrorCode:    qerr.ProtocolViolation,
			ErrorMessage: "received ACK for an unsent packet",
		}
	}

	ackedPackets, err := h.detectAndRemoveAckedPackets(ack, encLevel)
	if err != nil || len(ackedPackets) == 0 {
		return false, err
	}

	pnSpace.largestAcked = max(pnSpace.largestAcked, largestAcked)

	var ackedAckEliciting bool
	// The ACK ranges were walked high to low, so the first packet is the largest.
	if p := ackedPackets[0]; p.PacketNumber == largestAcked && !p.skippedPacket {
		// don't use the ack delay for Initial and Handshake packets
		var ackDelay time.Duration
		if encLevel == protocol.Encryption1RTT {
			ackDelay = min(ack.DelayTime, h.rttStats.MaxAckDelay())
		}
		h.rttStats.UpdateRTT(rcvTime.Sub(p.SendTime), ackDelay)
		if h.logger.Debug() {
			h.logger.Debugf("\tupdated RTT: %s (σ: %s)", h.rttStats.SmoothedRTT(), h.rttStats.MeanDeviation())
		}
	}

	for _, p := range ackedPackets {
		if p.skippedPacket {
			return false, &qerr.TransportError{
				ErrorCode:    qerr.ProtocolViolation,
				ErrorMessage: fmt.Sprintf("received an ACK for skipped packet number: %d (%s)", p.PacketNumber, encLevel),
			}
		}
		ackedAckEliciting = true
		h.removeFromBytesInFlight(p)
		if encLevel == protocol.Encryption1RTT && p.LargestAcked != protocol.InvalidPacketNumber {
			h.lowestNotConfirmedAcked = max(h.lowestNotConfirmedAcked, p.LargestAcked+1)
		}
		// The frames of a packet that was already declared lost were handed to
		// OnLost; their handlers are not notified a second time.
		if !p.declaredLost {
			for _, f := range p.Frames {
				if f.Handler != nil {
					f.Handler.OnAcked(f.Frame)
				}
			}
			for _, f := range p.StreamFrames {
				if f.Handler != nil {
					f.Handler.OnAcked(f.Frame)
				}
			}
		}
		if err := pnSpace.history.Remove(p.PacketNumber); err != nil {
			return false, err
		}
		putPacket(p)
	}

	if err := h.detectLostPackets(rcvTime, encLevel); err != nil {
		return false, err
	}
	h.setLossDetectionTimer()
	return ackedAckEliciting, nil
}

// detectAndRemoveAckedPackets gathers the packets covered by the ACK frame,
// walking the ACK ranges in decreasing order.
func (h *SentPacketHandler) detectAndRemoveAckedPackets(ack *wire.AckFrame, encLevel protocol.EncryptionLevel) ([]*packet, error) {
	pnSpace := h.getPacketNumberSpace(encLevel)
	var ackedPackets []*packet
	for _, ackRange := range ack.AckRanges {
		var rangePackets []*packet
		pnSpace.history.Iterate(func(p *packet) bool {
			if p.PacketNumber < ackRange.Smallest {
				return true
			}
			if p.PacketNumber > ackRange.Largest {
				return false
			}
			rangePackets = append(rangePackets, p)
			return true
		})
		// reverse: within a range, the largest packet number is processed first
		for i := len(rangePackets) - 1; i >= 0; i-- {
			ackedPackets = append(ackedPackets, rangePackets[i])
		}
	}
	return ackedPackets, nil
}

func (h *SentPacketHandler) declareLost(pnSpace *packetNumberSpace, p *packet) {
	pnSpace.history.DeclareLost(p.PacketNumber)
	h.removeFromBytesInFlight(p)
	for _, f := range p.Frames {
		if f.Handler != nil {
			f.Handler.OnLost(f.Frame)
		}
	}
	for _, f := range p.StreamFrames {
		if f.Handler != nil {
			f.Handler.OnLost(f.Frame)
		}
	}
}

// DeclareLost marks a packet as lost, as identified by an external view
// (e.g. the congestion controller). The packet's retransmittable frames
// are re-offered via their handlers.
func (h *SentPacketHandler) DeclareLost(pn protocol.PacketNumber, encLevel protocol.EncryptionLevel) {
	pnSpace := h.getPacketNumberSpace(encLevel)
	if pnSpace == nil {
		return
	}
	pnSpace.history.Iterate(func(p *packet) bool {
		if p.PacketNumber == pn {
			if !p.declaredLost && !p.skippedPacket {
				h.declareLost(pnSpace, p)
			}
			return false
		}
		return p.PacketNumber < pn
	})
}

// detectLostPackets uses the packet threshold and the time threshold
// from RFC 9002 to find lost packets.
func (h *SentPacketHandler) detectLostPackets(now time.Time, encLevel protocol.EncryptionLevel) error {
	pnSpace := h.getPacketNumberSpace(encLevel)
	pnSpace.lossTime = time.Time{}

	maxRTT := float64(max(h.rttStats.LatestRTT(), h.rttStats.SmoothedRTT()))
	lossDelay := time.Duration(timeThreshold * maxRTT)

	// Minimum time of granularity before packets are deemed lost.
	lossDelay = max(lossDelay, utils.TimerGranularity)

	// Packets sent before this time are deemed lost.
	lostSendTime := now.Add(-lossDelay)

	var lostPackets []*packet
	pnSpace.history.Iterate(func(p *packet) bool {
		if p.PacketNumber > pnSpace.largestAcked {
			return false
		}
		if p.declaredLost || p.skippedPacket {
			return true
		}

		var packetLost bool
		if !p.SendTime.After(lostSendTime) {
			packetLost = true
			if h.logger.Debug() {
				h.logger.Debugf("\tlost packet %d (time threshold)", p.PacketNumber)
			}
		} else if pnSpace.largestAcked >= p.PacketNumber+packetThreshold {
			packetLost = true
			if h.logger.Debug() {
				h.logger.Debugf("\tlost packet %d (reordering threshold)", p.PacketNumber)
			}
		} else if pnSpace.lossTime.IsZero() {
			// Note: This conditional is only entered once per call
			lossTime := p.SendTime.Add(lossDelay)
			if h.logger.Debug() {
				h.logger.Debugf("\tsetting loss timer for packet %d to %s (in %s)", p.PacketNumber, lossTime, lossDelay)
			}
			pnSpace.lossTime = lossTime
		}
		if packetLost {
			lostPackets = append(lostPackets, p)
		}
		return true
	})
	for _, p := range lostPackets {
		h.declareLost(pnSpace, p)
	}
	return nil
}

// OnLossDetectionTimeout is called by the host when the loss detection alarm fires.
func (h *SentPacketHandler) OnLossDetectionTimeout(now time.Time) error {
	earliestLossTime, encLevel := h.getLossTimeAndSpace()
	if earliestLossTime.IsZero() {
		return nil
	}
	if h.logger.Debug() {
		h.logger.Debugf("Loss detection alarm fired in loss timer mode. Loss time: %s", earliestLossTime)
	}
	// Early retransmit or time loss detection
	if err := h.detectLostPackets(now, encLevel); err != nil {
		return err
	}
	h.setLossDetectionTimer()
	return nil
}

func (h *SentPacketHandler) getLossTimeAndSpace() (time.Time, protocol.EncryptionLevel) {
	var encLevel protocol.EncryptionLevel
	var lossTime time.Time

	if h.initialPackets != nil {
		lossTime = h.initialPackets.lossTime
		encLevel = protocol.EncryptionInitial
	}
	if h.handshakePackets != nil && (lossTime.IsZero() || (!h.handshakePackets.lossTime.IsZero() && h.handshakePackets.lossTime.Before(lossTime))) {
		lossTime = h.handshakePackets.lossTime
		encLevel = protocol.EncryptionHandshake
	}
	if lossTime.IsZero() || (!h.appDataPackets.lossTime.IsZero() && h.appDataPackets.lossTime.Before(lossTime)) {
		lossTime = h.appDataPackets.lossTime
		encLevel = protocol.Encryption1RTT
	}
	return lossTime, encLevel
}

func (h *SentPacketHandler) setLossDetectionTimer() {
	lossTime, _ := h.getLossTimeAndSpace()
	h.alarm = lossTime
}

// GetLossDetectionTimeout returns the deadline the host's alarm service
// should use for the loss detection alarm. A zero time disarms the alarm.
func (h *SentPacketHandler) GetLossDetectionTimeout() time.Time {
	return h.alarm
}

func (h *SentPacketHandler) removeFromBytesInFlight(p *packet) {
	if p.includedInBytesInFlight {
		if p.Length > h.bytesInFlight {
			panic("negative bytes_in_flight")
		}
		h.bytesInFlight -= p.Length
		p.includedInBytesInFlight = false
	}
}

// GetLowestPacketNotConfirmedAcked returns the lowest packet number that the
// peer still needs to see in ACK ranges.
func (h *SentPacketHandler) GetLowestPacketNotConfirmedAcked() protocol.PacketNumber {
	return h.lowestNotConfirmedAcked
}

// BytesInFlight returns the number of ack-eliciting bytes currently in flight.
func (h *SentPacketHandler) BytesInFlight() protocol.ByteCount {
	return h.bytesInFlight
}

// HasOutstandingPackets reports whether any ack-eliciting packet is unacknowledged.
func (h *SentPacketHandler) HasOutstandingPackets() bool {
	if h.initialPackets != nil && h.initialPackets.history.HasOutstandingPackets() {
		return true
	}
	if h.handshakePackets != nil && h.handshakePackets.history.HasOutstandingPackets() {
		return true
	}
	return h.appDataPackets.history.HasOutstandingPackets()
}

// PeekPacketNumber returns the next packet number, without popping it.
func (h *SentPacketHandler) PeekPacketNumber(encLevel protocol.EncryptionLevel) (protocol.PacketNumber, protocol.PacketNumberLen) {
	pnSpace := h.getPacketNumberSpace(encLevel)
	pn := pnSpace.pns.Peek()
	// See section 17.1 of RFC 9000.
	return pn, protocol.PacketNumberLengthForHeader(pn, pnSpace.largestAcked+1, protocol.MaxPacketsInFlight)
}

// PopPacketNumber pops the next packet number.
// Packet numbers are strictly increasing within an encryption level,
// and are never reused.
func (h *SentPacketHandler) PopPacketNumber(encLevel protocol.EncryptionLevel) protocol.PacketNumber {
	pnSpace := h.getPacketNumberSpace(encLevel)
	skipped, pn := pnSpace.pns.Pop()
	if skipped {
		// insert the skipped packet number
		pnSpace.history.SkippedPacket(pn - 1)
	}
	return pn
}

const timeThreshold = 9.0 / 8
