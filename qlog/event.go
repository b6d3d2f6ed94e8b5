package qlog

import (
	"time"

	"github.com/francoispqt/gojay"

	"github.com/chromium-cheri/quiche/internal/protocol"
)

func milliseconds(dur time.Duration) float64 { return float64(dur.Nanoseconds()) / 1e6 }

type eventDetails interface {
	Category() category
	Name() string
	gojay.MarshalerJSONObject
}

type event struct {
	RelativeTime time.Duration
	eventDetails
}

var _ gojay.MarshalerJSONObject = event{}

func (e event) IsNil() bool { return false }
func (e event) MarshalJSONObject(enc *gojay.Encoder) {
	enc.Float64Key("time", milliseconds(e.RelativeTime))
	enc.StringKey("name", e.Category().String()+":"+e.Name())
	enc.ObjectKey("data", e.eventDetails)
}

type category uint8

const (
	categoryConnectivity category = iota
	categoryTransport
	categoryRecovery
)

func (c category) String() string {
	switch c {
	case categoryConnectivity:
		return "connectivity"
	case categoryTransport:
		return "transport"
	case categoryRecovery:
		return "recovery"
	default:
		return "unknown category"
	}
}

type eventConnectionStarted struct {
	SrcConnectionID  protocol.ConnectionID
	DestConnectionID protocol.ConnectionID

	Local, Remote string
}

var _ eventDetails = &eventConnectionStarted{}

func (e eventConnectionStarted) Category() category { return categoryConnectivity }
func (e eventConnectionStarted) Name() string       { return "connection_started" }
func (e eventConnectionStarted) IsNil() bool        { return false }

func (e eventConnectionStarted) MarshalJSONObject(enc *gojay.Encoder) {
	enc.StringKey("src", e.Local)
	enc.StringKey("dst", e.Remote)
	enc.StringKey("src_cid", connectionID(e.SrcConnectionID).String())
	enc.StringKey("dst_cid", connectionID(e.DestConnectionID).String())
}

type eventConnectionClosed struct {
	Reason string
}

func (e eventConnectionClosed) Category() category { return categoryConnectivity }
func (e eventConnectionClosed) Name() string       { return "connection_closed" }
func (e eventConnectionClosed) IsNil() bool        { return false }

func (e eventConnectionClosed) MarshalJSONObject(enc *gojay.Encoder) {
	enc.StringKey("trigger", e.Reason)
}

type eventPacketSent struct {
	PacketType   string
	PacketNumber protocol.PacketNumber
	PacketSize   protocol.ByteCount
	FrameCount   int
}

var _ eventDetails = eventPacketSent{}

func (e eventPacketSent) Category() category { return categoryTransport }
func (e eventPacketSent) Name() string       { return "packet_sent" }
func (e eventPacketSent) IsNil() bool        { return false }

func (e eventPacketSent) MarshalJSONObject(enc *gojay.Encoder) {
	enc.ObjectKey("header", packetHeader{PacketType: e.PacketType, PacketNumber: e.PacketNumber})
	enc.ObjectKey("raw", rawInfo{Length: e.PacketSize})
	enc.IntKeyOmitEmpty("frame_count", e.FrameCount)
}

type eventPacketReceived struct {
	PacketType   string
	PacketNumber protocol.PacketNumber
	PacketSize   protocol.ByteCount
}

var _ eventDetails = eventPacketReceived{}

func (e eventPacketReceived) Category() category { return categoryTransport }
func (e eventPacketReceived) Name() string       { return "packet_received" }
func (e eventPacketReceived) IsNil() bool        { return false }

func (e eventPacketReceived) MarshalJSONObject(enc *gojay.Encoder) {
	enc.ObjectKey("header", packetHeader{PacketType: e.PacketType, PacketNumber: e.PacketNumber})
	enc.ObjectKey("raw", rawInfo{Length: e.PacketSize})
}

type eventPacketDropped struct {
	PacketSize protocol.ByteCount
	Trigger    string
}

func (e eventPacketDropped) Category() category { return categoryTransport }
func (e eventPacketDropped) Name() string       { return "packet_dropped" }
func (e eventPacketDropped) IsNil() bool        { return false }

func (e eventPacketDropped) MarshalJSONObject(enc *gojay.Encoder) {
	enc.ObjectKey("raw", rawInfo{Length: e.PacketSize})
	enc.StringKey("trigger", e.Trigger)
}

type eventPacketLost struct {
	PacketType   string
	PacketNumber protocol.PacketNumber
}

func (e eventPacketLost) Category() category { return categoryRecovery }
func (e eventPacketLost) Name() string       { return "packet_lost" }
func (e eventPacketLost) IsNil() bool        { return false }

func (e eventPacketLost) MarshalJSONObject(enc *gojay.Encoder) {
	enc.ObjectKey("header", packetHeader{PacketType: e.PacketType, PacketNumber: e.PacketNumber})
}

type eventMetricsUpdated struct {
	SmoothedRTT time.Duration
}

func (e eventMetricsUpdated) Category() category { return categoryRecovery }
func (e eventMetricsUpdated) Name() string       { return "metrics_updated" }
func (e eventMetricsUpdated) IsNil() bool        { return false }

func (e eventMetricsUpdated) MarshalJSONObject(enc *gojay.Encoder) {
	enc.FloatKey("smoothed_rtt", milliseconds(e.SmoothedRTT))
}

type packetHeader struct {
	PacketType   string
	PacketNumber protocol.PacketNumber
}

var _ gojay.MarshalerJSONObject = packetHeader{}

func (h packetHeader) IsNil() bool { return false }
func (h packetHeader) MarshalJSONObject(enc *gojay.Encoder) {
	enc.StringKey("packet_type", h.PacketType)
	enc.Int64Key("packet_number", int64(h.PacketNumber))
}

type rawInfo struct {
	Length protocol.ByteCount
}

var _ gojay.MarshalerJSONObject = rawInfo{}

func (i rawInfo) IsNil() bool { return false }
func (i rawInfo) MarshalJSONObject(enc *gojay.Encoder) {
	enc.Uint64Key("length", uint64(i.Length))
}
