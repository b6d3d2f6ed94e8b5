// Package metrics exposes connection counters as Prometheus metrics.
package metrics

import (
	"net"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	quiche "github.com/chromium-cheri/quiche"
	"github.com/chromium-cheri/quiche/internal/protocol"
)

const metricNamespace = "quiche"

var (
	connsStarted = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: metricNamespace,
		Name:      "connections_started_total",
		Help:      "Connections started",
	}, []string{"perspective"})
	connsClosed = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: metricNamespace,
		Name:      "connections_closed_total",
		Help:      "Connections closed",
	}, []string{"reason"})
	packetsSent = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: metricNamespace,
		Name:      "packets_sent_total",
		Help:      "Packets sent, by encryption level",
	}, []string{"encryption_level"})
	packetsReceived = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: metricNamespace,
		Name:      "packets_received_total",
		Help:      "Packets received, by encryption level",
	}, []string{"encryption_level"})
	packetsDropped = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: metricNamespace,
		Name:      "packets_dropped_total",
		Help:      "Packets dropped, by reason",
	}, []string{"reason"})
	packetsLost = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: metricNamespace,
		Name:      "packets_lost_total",
		Help:      "Packets declared lost, by encryption level",
	}, []string{"encryption_level"})
	smoothedRTT = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: metricNamespace,
		Name:      "smoothed_rtt_seconds",
		Help:      "Smoothed RTT samples",
		Buckets:   prometheus.ExponentialBuckets(0.001, 2, 14),
	})
)

// NewConnectionTracer creates a tracer recording Prometheus metrics for a
// connection, registering the collectors with registerer on first use.
func NewConnectionTracer(registerer prometheus.Registerer, pers protocol.Perspective) *ConnectionTracer {
	for _, c := range [...]prometheus.Collector{
		connsStarted, connsClosed, packetsSent, packetsReceived, packetsDropped, packetsLost, smoothedRTT,
	} {
		if err := registerer.Register(c); err != nil {
			if _, ok := err.(prometheus.AlreadyRegisteredError); !ok {
				panic(err)
			}
		}
	}
	return &ConnectionTracer{perspective: pers}
}

// A ConnectionTracer records Prometheus metrics for a single connection.
type ConnectionTracer struct {
	perspective protocol.Perspective
}

var _ quiche.ConnectionTracer = &ConnectionTracer{}

func encLevelLabel(encLevel protocol.EncryptionLevel) string {
	//nolint:exhaustive
	switch encLevel {
	case protocol.EncryptionInitial:
		return "initial"
	case protocol.EncryptionHandshake:
		return "handshake"
	case protocol.Encryption0RTT:
		return "0rtt"
	case protocol.Encryption1RTT:
		return "1rtt"
	default:
		return "unknown"
	}
}

func (t *ConnectionTracer) StartedConnection(_, _ net.Addr, _, _ quiche.ConnectionID) {
	connsStarted.WithLabelValues(t.perspective.String()).Inc()
}

func (t *ConnectionTracer) SentPacket(_ protocol.PacketNumber, encLevel protocol.EncryptionLevel, _ protocol.ByteCount, _ int) {
	packetsSent.WithLabelValues(encLevelLabel(encLevel)).Inc()
}

func (t *ConnectionTracer) ReceivedPacket(_ protocol.PacketNumber, encLevel protocol.EncryptionLevel, _ protocol.ByteCount) {
	packetsReceived.WithLabelValues(encLevelLabel(encLevel)).Inc()
}

func (t *ConnectionTracer) DroppedPacket(_ protocol.ByteCount, reason string) {
	packetsDropped.WithLabelValues(reason).Inc()
}

func (t *ConnectionTracer) LostPacket(_ protocol.PacketNumber, encLevel protocol.EncryptionLevel) {
	packetsLost.WithLabelValues(encLevelLabel(encLevel)).Inc()
}

func (t *ConnectionTracer) UpdatedRTT(rtt time.Duration) {
	smoothedRTT.Observe(rtt.Seconds())
}

func (t *ConnectionTracer) ClosedConnection(err error) {
	reason := "error"
	if err == nil {
		reason = "clean"
	}
	connsClosed.WithLabelValues(reason).Inc()
}
