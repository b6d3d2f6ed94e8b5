package quiche

import (
	"context"
	"sync"
	"time"

	"github.com/chromium-cheri/quiche/internal/protocol"
	"github.com/chromium-cheri/quiche/internal/wire"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"golang.org/x/sync/errgroup"
)

// The pipeDelegate collects serialized packets, so the test harness can hand
// them to the peer session.
type pipeDelegate struct {
	mx   sync.Mutex
	out  [][]byte
	sent int
}

func (d *pipeDelegate) OnSerializedPacket(p SerializedPacket) {
	d.mx.Lock()
	d.out = append(d.out, append([]byte{}, p.Buffer.Data...))
	d.sent++
	d.mx.Unlock()
	p.Buffer.Release()
}

func (d *pipeDelegate) drain() [][]byte {
	d.mx.Lock()
	defer d.mx.Unlock()
	pkts := d.out
	d.out = nil
	return pkts
}

type recordingVisitor struct {
	mx            sync.Mutex
	connClosed    bool
	closeErr      error
	rstStreams    []StreamID
	handshakeDone bool
}

func (v *recordingVisitor) OnConnectionClosed(_ ConnectionID, err error, _ string) {
	v.mx.Lock()
	defer v.mx.Unlock()
	v.connClosed = true
	v.closeErr = err
}
func (v *recordingVisitor) OnWriteBlocked() {}
func (v *recordingVisitor) OnRstStreamReceived(id StreamID, _ StreamErrorCode) {
	v.mx.Lock()
	defer v.mx.Unlock()
	v.rstStreams = append(v.rstStreams, id)
}
func (v *recordingVisitor) OnStopSendingReceived(StreamID, StreamErrorCode) {}
func (v *recordingVisitor) OnHandshakeComplete() {
	v.mx.Lock()
	defer v.mx.Unlock()
	v.handshakeDone = true
}

type sessionTestEnv struct {
	client, server                 *session
	clientDelegate, serverDelegate *pipeDelegate
	clientVisitor, serverVisitor   *recordingVisitor
}

func newSessionPair(clientConf, serverConf *Config) *sessionTestEnv {
	return newSessionPairWithWindows(clientConf, serverConf, 1<<20)
}

func newSessionPairWithWindows(clientConf, serverConf *Config, clientMaxData protocol.ByteCount) *sessionTestEnv {
	clientConnID := protocol.ParseConnectionID([]byte{1, 1, 1, 1})
	serverConnID := protocol.ParseConnectionID([]byte{2, 2, 2, 2})

	env := &sessionTestEnv{
		clientDelegate: &pipeDelegate{},
		serverDelegate: &pipeDelegate{},
		clientVisitor:  &recordingVisitor{},
		serverVisitor:  &recordingVisitor{},
	}
	env.client = NewSession(clientConnID, serverConnID, protocol.PerspectiveClient, protocol.Version1, clientConf, env.clientDelegate, env.clientVisitor, nil)
	env.server = NewSession(serverConnID, clientConnID, protocol.PerspectiveServer, protocol.Version1, serverConf, env.serverDelegate, env.serverVisitor, nil)
	installNullKeys(env.client.keys)
	installNullKeys(env.server.keys)

	env.client.SetInitialSendWindows(clientMaxData, 1<<20, 100, 100)
	env.server.SetInitialSendWindows(1<<20, 1<<20, 100, 100)

	// complete the handshake: the server queues HANDSHAKE_DONE,
	// which confirms the handshake on the client once it arrives
	env.server.SetHandshakeComplete()
	env.client.SetHandshakeComplete()
	env.pump()
	ExpectWithOffset(2, env.client.handshakeConfirmed).To(BeTrue())
	return env
}

// pump exchanges packets between the two sessions until the connection is quiet.
func (e *sessionTestEnv) pump() {
	now := time.Now()
	for i := 0; i < 100; i++ {
		_ = e.client.SendPackets(now)
		_ = e.server.SendPackets(now)
		toServer := e.clientDelegate.drain()
		toClient := e.serverDelegate.drain()
		if len(toServer) == 0 && len(toClient) == 0 {
			return
		}
		for _, p := range toServer {
			e.server.ProcessUDPPacket(now, p)
		}
		for _, p := range toClient {
			e.client.ProcessUDPPacket(now, p)
		}
	}
	Fail("sessions did not go quiet")
}

func readAll(str interface {
	ReadData([]byte) (int, bool, error)
}) ([]byte, bool) {
	var data []byte
	buf := make([]byte, 4096)
	for {
		n, fin, err := str.ReadData(buf)
		if n > 0 {
			data = append(data, buf[:n]...)
		}
		if fin {
			return data, true
		}
		if err != nil || n == 0 {
			return data, false
		}
	}
}

var _ = Describe("Session", func() {
	It("transfers a single short send", func() {
		env := newSessionPair(nil, nil)

		str, err := env.client.OpenStream()
		Expect(err).ToNot(HaveOccurred())
		Expect(str.StreamID()).To(Equal(protocol.StreamID(0)))

		var closed bool
		str.SetVisitor(&testStreamVisitor{onClose: func(StreamID) { closed = true }})

		n, finConsumed, err := str.WriteData([]byte("hello"), true)
		Expect(err).ToNot(HaveOccurred())
		Expect(n).To(Equal(5))
		Expect(finConsumed).To(BeTrue())

		env.pump()

		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		serverStr, err := env.server.AcceptStream(ctx)
		Expect(err).ToNot(HaveOccurred())
		Expect(serverStr.StreamID()).To(Equal(protocol.StreamID(0)))

		data, fin := readAll(serverStr)
		Expect(data).To(Equal([]byte("hello")))
		Expect(fin).To(BeTrue())

		// the ACK flows back; the client's send side is done once it arrives
		env.pump()
		Expect(str.sendStream.completed).To(BeTrue())

		// the server finishes its half, so the whole stream can be destroyed
		Expect(serverStr.Close()).To(Succeed())
		env.pump()
		_, fin, err = str.ReadData(make([]byte, 16))
		Expect(err).ToNot(HaveOccurred())
		Expect(fin).To(BeTrue())
		Expect(closed).To(BeTrue())
		Expect(env.client.ZombieStreamCount()).To(BeZero())
	})

	It("splits a large transfer across packets", func() {
		env := newSessionPair(nil, nil)

		payload := make([]byte, 3000)
		for i := range payload {
			payload[i] = byte(i % 251)
		}

		str, err := env.client.OpenStream()
		Expect(err).ToNot(HaveOccurred())
		sentBefore := env.clientDelegate.sent
		_, finConsumed, err := str.WriteData(payload, true)
		Expect(err).ToNot(HaveOccurred())
		Expect(finConsumed).To(BeTrue())

		env.pump()
		// the 3000 bytes cannot fit into a single packet
		Expect(env.clientDelegate.sent).To(BeNumerically(">", sentBefore+1))

		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		serverStr, err := env.server.AcceptStream(ctx)
		Expect(err).ToNot(HaveOccurred())
		data, fin := readAll(serverStr)
		Expect(data).To(Equal(payload))
		Expect(fin).To(BeTrue())
	})

	It("retransmits data from lost packets", func() {
		env := newSessionPair(nil, nil)

		str, err := env.client.OpenStream()
		Expect(err).ToNot(HaveOccurred())
		_, _, err = str.WriteData([]byte("important data"), true)
		Expect(err).ToNot(HaveOccurred())

		// the packet carrying the stream data is lost
		now := time.Now()
		Expect(env.client.SendPackets(now)).To(Succeed())
		lost := env.clientDelegate.drain()
		Expect(lost).ToNot(BeEmpty())

		// once the loss is detected, the frames are re-queued and sent in a
		// new packet. The packet numbers of all 1-RTT packets sent so far are
		// declared lost; acknowledged and skipped numbers are ignored.
		next, _ := env.client.sentPacketHandler.PeekPacketNumber(protocol.Encryption1RTT)
		for pn := protocol.PacketNumber(0); pn < next; pn++ {
			env.client.DeclarePacketLost(pn, protocol.Encryption1RTT)
		}
		env.pump()

		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		serverStr, err := env.server.AcceptStream(ctx)
		Expect(err).ToNot(HaveOccurred())
		data, fin := readAll(serverStr)
		Expect(data).To(Equal([]byte("important data")))
		Expect(fin).To(BeTrue())
	})

	It("handles a peer reset", func() {
		env := newSessionPair(nil, nil)

		str, err := env.client.OpenStream()
		Expect(err).ToNot(HaveOccurred())
		_, _, err = str.WriteData([]byte("ping"), false)
		Expect(err).ToNot(HaveOccurred())
		env.pump()

		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		serverStr, err := env.server.AcceptStream(ctx)
		Expect(err).ToNot(HaveOccurred())

		// the server resets its send side
		serverStr.CancelWrite(42)
		env.pump()

		// the client's receive side observes the reset
		b := make([]byte, 16)
		_, _, err = str.ReadData(b)
		var streamErr *StreamError
		Expect(errorAs(err, &streamErr)).To(BeTrue())
		Expect(streamErr.ErrorCode).To(Equal(StreamErrorCode(42)))
		Expect(streamErr.Remote).To(BeTrue())
		Expect(env.clientVisitor.rstStreams).To(ContainElement(protocol.StreamID(0)))
	})

	Context("pending streams", func() {
		It("keeps a peer-created unidirectional stream pending until the first byte arrives", func() {
			env := newSessionPair(nil, nil)
			now := time.Now()

			// stream 3 is a server-initiated unidirectional stream.
			// Data at a higher offset doesn't carry the type byte.
			Expect(env.client.handleFrame(&wire.StreamFrame{
				StreamID:       3,
				Offset:         3,
				Data:           []byte("bar"),
				DataLenPresent: true,
			}, protocol.Encryption1RTT, now)).To(Succeed())
			Expect(env.client.PendingStreamCount()).To(Equal(1))

			// the first byte arrives, the stream is promoted
			Expect(env.client.handleFrame(&wire.StreamFrame{
				StreamID:       3,
				Data:           []byte("foo"),
				DataLenPresent: true,
			}, protocol.Encryption1RTT, now)).To(Succeed())
			Expect(env.client.PendingStreamCount()).To(BeZero())

			// no data was lost across the promotion
			ctx, cancel := context.WithTimeout(context.Background(), time.Second)
			defer cancel()
			ustr, err := env.client.AcceptUniStream(ctx)
			Expect(err).ToNot(HaveOccurred())
			b := make([]byte, 16)
			n, _, err := ustr.ReadData(b)
			Expect(err).ToNot(HaveOccurred())
			Expect(b[:n]).To(Equal([]byte("foobar")))
		})

		It("destroys a pending stream when the peer resets it", func() {
			env := newSessionPair(nil, nil)
			now := time.Now()

			Expect(env.client.handleFrame(&wire.StreamFrame{
				StreamID:       3,
				Offset:         10,
				Data:           []byte("x"),
				DataLenPresent: true,
			}, protocol.Encryption1RTT, now)).To(Succeed())
			Expect(env.client.PendingStreamCount()).To(Equal(1))

			Expect(env.client.handleFrame(&wire.ResetStreamFrame{
				StreamID:  3,
				ErrorCode: 9,
				FinalSize: 11,
			}, protocol.Encryption1RTT, now)).To(Succeed())
			// the reset is terminal: the stream never gets promoted
			Expect(env.client.PendingStreamCount()).To(BeZero())
		})

		It("doesn't track peer-created bidirectional streams as pending", func() {
			env := newSessionPair(nil, nil)
			str, err := env.client.OpenStream()
			Expect(err).ToNot(HaveOccurred())
			_, _, err = str.WriteData([]byte("hi"), false)
			Expect(err).ToNot(HaveOccurred())
			env.pump()
			Expect(env.server.PendingStreamCount()).To(BeZero())
		})
	})

	It("enforces connection-level flow control", func() {
		// the peer advertised max_data of 1000 bytes
		env := newSessionPairWithWindows(nil, nil, 1000)
		client := env.client

		str, err := client.OpenStream()
		Expect(err).ToNot(HaveOccurred())

		// only 1000 bytes fit into the connection window
		n, finConsumed, err := str.WriteData(make([]byte, 2000), true)
		Expect(err).ToNot(HaveOccurred())
		Expect(n).To(Equal(1000))
		Expect(finConsumed).To(BeFalse())

		// packing the data exhausts the connection window
		now := time.Now()
		Expect(client.SendPackets(now)).To(Succeed())
		for _, p := range env.clientDelegate.drain() {
			env.server.ProcessUDPPacket(now, p)
		}

		// a DATA_BLOCKED frame is sent, at most once per window epoch
		Expect(client.SendPackets(now)).To(Succeed())
		Expect(countDataBlockedFrames(env.clientDelegate.drain())).To(Equal(1))
		Expect(client.SendPackets(now)).To(Succeed())
		Expect(countDataBlockedFrames(env.clientDelegate.drain())).To(BeZero())

		// raising the connection window lets the remaining bytes flow
		client.handleMaxDataFrame(&wire.MaxDataFrame{MaximumData: 2500})
		n, finConsumed, err = str.WriteData(make([]byte, 1000), true)
		Expect(err).ToNot(HaveOccurred())
		Expect(n).To(Equal(1000))
		Expect(finConsumed).To(BeTrue())
		env.pump()

		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		serverStr, err := env.server.AcceptStream(ctx)
		Expect(err).ToNot(HaveOccurred())
		data, fin := readAll(serverStr)
		Expect(data).To(HaveLen(2000))
		Expect(fin).To(BeTrue())
	})

	It("only sends a single CONNECTION_CLOSE", func() {
		env := newSessionPair(nil, nil)

		sentBefore := env.clientDelegate.sent
		Expect(env.client.CloseWithError(42, "going away")).To(Succeed())
		Expect(env.client.CloseWithError(43, "still going away")).To(Succeed())

		// only the first close emits a CONNECTION_CLOSE
		Expect(env.clientDelegate.sent).To(Equal(sentBefore + 1))
		Expect(env.clientVisitor.connClosed).To(BeTrue())
		var appErr *ApplicationError
		Expect(errorAs(env.client.ClosedWithError(), &appErr)).To(BeTrue())
		Expect(appErr.ErrorCode).To(Equal(ApplicationErrorCode(42)))

		// further sends are rejected
		Expect(env.client.SendPackets(time.Now())).To(MatchError(errSessionClosed))
	})

	It("drains when the peer closes the connection", func() {
		env := newSessionPair(nil, nil)
		Expect(env.client.CloseWithError(42, "bye")).To(Succeed())
		for _, p := range env.clientDelegate.drain() {
			env.server.ProcessUDPPacket(time.Now(), p)
		}
		Expect(env.serverVisitor.connClosed).To(BeTrue())
		var appErr *ApplicationError
		Expect(errorAs(env.serverVisitor.closeErr, &appErr)).To(BeTrue())
		Expect(appErr.Remote).To(BeTrue())
		Expect(appErr.ErrorCode).To(Equal(ApplicationErrorCode(42)))
	})

	It("stops new streams after a GOAWAY, existing streams continue", func() {
		env := newSessionPair(nil, nil)
		str, err := env.client.OpenStream()
		Expect(err).ToNot(HaveOccurred())

		env.client.GoAway()
		_, err = env.client.OpenStream()
		Expect(err).To(MatchError(errGoneAway))

		// the existing stream continues to work
		_, _, err = str.WriteData([]byte("still works"), true)
		Expect(err).ToNot(HaveOccurred())
		env.pump()

		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		serverStr, err := env.server.AcceptStream(ctx)
		Expect(err).ToNot(HaveOccurred())
		data, fin := readAll(serverStr)
		Expect(data).To(Equal([]byte("still works")))
		Expect(fin).To(BeTrue())
	})

	It("sends and receives datagrams", func() {
		env := newSessionPair(&Config{EnableDatagrams: true}, &Config{EnableDatagrams: true})

		ok, err := env.client.SendDatagram([]byte("unreliable"))
		Expect(err).ToNot(HaveOccurred())
		Expect(ok).To(BeTrue())
		env.pump()
		Expect(env.server.ReceiveDatagram()).To(Equal([]byte("unreliable")))
		Expect(env.server.ReceiveDatagram()).To(BeNil())
	})

	It("transfers data in both directions concurrently", func() {
		env := newSessionPair(nil, nil)

		const transferSize = 100_000
		makePayload := func(seed byte) []byte {
			b := make([]byte, transferSize)
			for i := range b {
				b[i] = seed + byte(i%127)
			}
			return b
		}
		clientData := makePayload(1)
		serverData := makePayload(2)

		clientStr, err := env.client.OpenStream()
		Expect(err).ToNot(HaveOccurred())

		done := make(chan struct{})
		var g errgroup.Group
		g.Go(func() error {
			// client writes, retrying when blocked by flow control
			data := clientData
			fin := false
			for !fin {
				n, finConsumed, err := clientStr.WriteData(data, true)
				if err != nil {
					return err
				}
				data = data[n:]
				fin = finConsumed
				if !fin && n == 0 {
					time.Sleep(time.Millisecond)
				}
			}
			return nil
		})
		var serverReceived, clientReceived []byte
		g.Go(func() error {
			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			serverStr, err := env.server.AcceptStream(ctx)
			if err != nil {
				return err
			}
			// the server echoes its own payload back
			go func() {
				data := serverData
				fin := false
				for !fin {
					n, finConsumed, err := serverStr.WriteData(data, true)
					if err != nil {
						return
					}
					data = data[n:]
					fin = finConsumed
					if !fin && n == 0 {
						time.Sleep(time.Millisecond)
					}
				}
			}()
			buf := make([]byte, 4096)
			for {
				n, fin, err := serverStr.ReadData(buf)
				if err != nil {
					return err
				}
				serverReceived = append(serverReceived, buf[:n]...)
				if fin {
					return nil
				}
				if n == 0 {
					time.Sleep(time.Millisecond)
				}
			}
		})
		g.Go(func() error {
			buf := make([]byte, 4096)
			for {
				n, fin, err := clientStr.ReadData(buf)
				if err != nil {
					return err
				}
				clientReceived = append(clientReceived, buf[:n]...)
				if fin {
					return nil
				}
				if n == 0 {
					time.Sleep(time.Millisecond)
				}
			}
		})
		go func() {
			g.Wait()
			close(done)
		}()

		now := time.Now()
		deadline := time.Now().Add(10 * time.Second)
	loop:
		for {
			select {
			case <-done:
				break loop
			default:
			}
			Expect(time.Now().Before(deadline)).To(BeTrue(), "transfer timed out")
			_ = env.client.SendPackets(now)
			_ = env.server.SendPackets(now)
			for _, p := range env.clientDelegate.drain() {
				env.server.ProcessUDPPacket(now, p)
			}
			for _, p := range env.serverDelegate.drain() {
				env.client.ProcessUDPPacket(now, p)
			}
			time.Sleep(100 * time.Microsecond)
		}
		Expect(g.Wait()).To(Succeed())
		Expect(serverReceived).To(Equal(clientData))
		Expect(clientReceived).To(Equal(serverData))
	})
})

func countDataBlockedFrames(packets [][]byte) int {
	var count int
	opener := &nullShortHeaderAEAD{}
	parser := wire.NewFrameParser(false)
	for _, p := range packets {
		l, pn, _, _, err := wire.ParseShortHeader(p, 4)
		ExpectWithOffset(1, err).ToNot(HaveOccurred())
		decrypted, err := opener.Open(nil, p[l:], pn, protocol.KeyPhaseZero, p[:l])
		ExpectWithOffset(1, err).ToNot(HaveOccurred())
		data := decrypted
		for len(data) > 0 {
			frameType, n, err := parser.ParseType(data, protocol.Encryption1RTT)
			if err != nil {
				break
			}
			data = data[n:]
			if frameType == wire.DataBlockedFrameType {
				count++
			}
			var consumed int
			switch {
			case frameType.IsStreamFrameType():
				_, consumed, err = parser.ParseStreamFrame(frameType, data, protocol.Version1)
			case frameType.IsAckFrameType():
				_, consumed, err = parser.ParseAckFrame(frameType, data, protocol.Encryption1RTT, protocol.Version1)
			default:
				_, consumed, err = parser.ParseLessCommonFrame(frameType, data, protocol.Version1)
			}
			ExpectWithOffset(1, err).ToNot(HaveOccurred())
			data = data[consumed:]
		}
	}
	return count
}
