// Package qlog implements a qlog tracer (draft-ietf-quic-qlog-main-schema),
// serialized as JSON-SEQ records with gojay.
package qlog

import (
	"bytes"
	"fmt"
	"io"
	"log"
	"net"
	"sync"
	"time"

	"github.com/francoispqt/gojay"

	quiche "github.com/chromium-cheri/quiche"
	"github.com/chromium-cheri/quiche/internal/protocol"
)

// Setting of this only works when this package is used as a library.
// When building a binary from this repository, the version can be set using the following go build flag:
// -ldflags="-X github.com/chromium-cheri/quiche/qlog.quicheVersion=foobar"
var quicheVersion = "(devel)"

const recordSeparator = 0x1e

const eventChanSize = 50

// NewConnectionTracer creates a qlog tracer writing to w.
// The writer is closed when the connection is closed.
func NewConnectionTracer(w io.WriteCloser, pers protocol.Perspective, odcid protocol.ConnectionID) *ConnectionTracer {
	t := &ConnectionTracer{
		w:             w,
		perspective:   pers,
		odcid:         odcid,
		referenceTime: time.Now(),
		events:        make(chan event, eventChanSize),
		runStopped:    make(chan struct{}),
	}
	go t.run()
	return t
}

// A ConnectionTracer records qlog events for a single connection.
type ConnectionTracer struct {
	mutex sync.Mutex

	w             io.WriteCloser
	perspective   protocol.Perspective
	odcid         protocol.ConnectionID
	referenceTime time.Time

	events     chan event
	runStopped chan struct{}
}

var _ quiche.ConnectionTracer = &ConnectionTracer{}

func (t *ConnectionTracer) run() {
	defer close(t.runStopped)
	buf := &bytes.Buffer{}
	enc := gojay.NewEncoder(buf)
	if err := enc.Encode(&topLevel{
		perspective:   t.perspective,
		odcid:         t.odcid,
		referenceTime: t.referenceTime,
	}); err != nil {
		panic(fmt.Sprintf("qlog encoding into a bytes.Buffer failed: %s", err))
	}
	if err := t.writeRecord(buf.Bytes()); err != nil {
		log.Printf("error writing qlog trace header: %s", err)
		return
	}
	for ev := range t.events {
		buf.Reset()
		enc := gojay.NewEncoder(buf)
		if err := enc.Encode(ev); err != nil {
			panic(fmt.Sprintf("qlog encoding into a bytes.Buffer failed: %s", err))
		}
		if err := t.writeRecord(buf.Bytes()); err != nil {
			log.Printf("error writing qlog event: %s", err)
			return
		}
	}
}

func (t *ConnectionTracer) writeRecord(b []byte) error {
	if _, err := t.w.Write([]byte{recordSeparator}); err != nil {
		return err
	}
	if _, err := t.w.Write(b); err != nil {
		return err
	}
	_, err := t.w.Write([]byte{'\n'})
	return err
}

func (t *ConnectionTracer) recordEvent(eventTime time.Time, details eventDetails) {
	t.events <- event{
		RelativeTime: eventTime.Sub(t.referenceTime),
		eventDetails: details,
	}
}

func (t *ConnectionTracer) StartedConnection(local, remote net.Addr, srcConnID, destConnID quiche.ConnectionID) {
	// ignore this event if we're not dealing with UDP addresses here
	localAddr, ok := local.(*net.UDPAddr)
	if !ok {
		return
	}
	remoteAddr, ok := remote.(*net.UDPAddr)
	if !ok {
		return
	}
	t.recordEvent(time.Now(), &eventConnectionStarted{
		SrcConnectionID:  srcConnID,
		DestConnectionID: destConnID,
		Local:            localAddr.String(),
		Remote:           remoteAddr.String(),
	})
}

func (t *ConnectionTracer) SentPacket(pn protocol.PacketNumber, encLevel protocol.EncryptionLevel, size protocol.ByteCount, frameCount int) {
	t.recordEvent(time.Now(), eventPacketSent{
		PacketType:   packetTypeFromEncryptionLevel(encLevel),
		PacketNumber: pn,
		PacketSize:   size,
		FrameCount:   frameCount,
	})
}

func (t *ConnectionTracer) ReceivedPacket(pn protocol.PacketNumber, encLevel protocol.EncryptionLevel, size protocol.ByteCount) {
	t.recordEvent(time.Now(), eventPacketReceived{
		PacketType:   packetTypeFromEncryptionLevel(encLevel),
		PacketNumber: pn,
		PacketSize:   size,
	})
}

func (t *ConnectionTracer) DroppedPacket(size protocol.ByteCount, reason string) {
	t.recordEvent(time.Now(), eventPacketDropped{PacketSize: size, Trigger: reason})
}

func (t *ConnectionTracer) LostPacket(pn protocol.PacketNumber, encLevel protocol.EncryptionLevel) {
	t.recordEvent(time.Now(), eventPacketLost{
		PacketType:   packetTypeFromEncryptionLevel(encLevel),
		PacketNumber: pn,
	})
}

func (t *ConnectionTracer) UpdatedRTT(rtt time.Duration) {
	t.recordEvent(time.Now(), eventMetricsUpdated{SmoothedRTT: rtt})
}

func (t *ConnectionTracer) ClosedConnection(e error) {
	t.recordEvent(time.Now(), eventConnectionClosed{Reason: e.Error()})
	t.mutex.Lock()
	defer t.mutex.Unlock()
	close(t.events)
	<-t.runStopped
	t.w.Close()
}

type topLevel struct {
	perspective   protocol.Perspective
	odcid         protocol.ConnectionID
	referenceTime time.Time
}

var _ gojay.MarshalerJSONObject = &topLevel{}

func (l *topLevel) IsNil() bool { return false }
func (l *topLevel) MarshalJSONObject(enc *gojay.Encoder) {
	enc.StringKey("qlog_format", "JSON-SEQ")
	enc.StringKey("qlog_version", "0.3")
	enc.StringKeyOmitEmpty("title", fmt.Sprintf("quiche qlog trace, version %s", quicheVersion))
	enc.ObjectKey("trace", trace{
		VantagePoint: vantagePointFromPerspective(l.perspective),
		CommonFields: commonFields{
			ODCID:         connectionID(l.odcid),
			GroupID:       connectionID(l.odcid),
			ReferenceTime: l.referenceTime,
		},
	})
}

type vantagePoint string

func vantagePointFromPerspective(pers protocol.Perspective) vantagePoint {
	if pers == protocol.PerspectiveClient {
		return "client"
	}
	return "server"
}

type commonFields struct {
	ODCID         connectionID
	GroupID       connectionID
	ReferenceTime time.Time
}

func (f commonFields) IsNil() bool { return false }
func (f commonFields) MarshalJSONObject(enc *gojay.Encoder) {
	enc.StringKey("ODCID", f.ODCID.String())
	enc.StringKey("group_id", f.ODCID.String())
	enc.Float64Key("reference_time", float64(f.ReferenceTime.UnixNano())/1e6)
	enc.StringKey("time_format", "relative")
}

type trace struct {
	VantagePoint vantagePoint
	CommonFields commonFields
}

var _ gojay.MarshalerJSONObject = trace{}

func (t trace) IsNil() bool { return false }
func (t trace) MarshalJSONObject(enc *gojay.Encoder) {
	enc.ObjectKey("vantage_point", vantagePointObj{Type: t.VantagePoint})
	enc.ObjectKey("common_fields", t.CommonFields)
}

type vantagePointObj struct {
	Type vantagePoint
}

func (v vantagePointObj) IsNil() bool { return false }
func (v vantagePointObj) MarshalJSONObject(enc *gojay.Encoder) {
	enc.StringKey("type", string(v.Type))
}
