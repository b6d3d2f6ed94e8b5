package quiche

import (
	"sync"

	"github.com/chromium-cheri/quiche/internal/utils"
	"github.com/chromium-cheri/quiche/internal/utils/ringbuffer"
	"github.com/chromium-cheri/quiche/internal/wire"
)

const (
	maxDatagramSendQueueLen = 32
	maxDatagramRcvQueueLen  = 128
)

// The datagramQueue holds MESSAGE frames (RFC 9221 DATAGRAM frames) in both
// directions. Datagrams are unreliable: they are neither retransmitted nor
// flow controlled, but they are ack-eliciting.
type datagramQueue struct {
	mx sync.Mutex

	sendQueue ringbuffer.RingBuffer[*wire.DatagramFrame]

	rcvMx    sync.Mutex
	rcvQueue [][]byte

	closeErr error

	hasData func()

	logger utils.Logger
}

func newDatagramQueue(hasData func(), logger utils.Logger) *datagramQueue {
	return &datagramQueue{
		hasData: hasData,
		logger:  logger,
	}
}

// Add queues a new DATAGRAM frame for sending.
// It returns false if the send queue is full.
func (h *datagramQueue) Add(f *wire.DatagramFrame) (bool, error) {
	h.mx.Lock()
	defer h.mx.Unlock()

	if h.closeErr != nil {
		return false, h.closeErr
	}
	if h.sendQueue.Len() >= maxDatagramSendQueueLen {
		return false, nil
	}
	h.sendQueue.PushBack(f)
	h.hasData()
	return true, nil
}

// Peek gets the next DATAGRAM frame for sending.
// If actually sent out, Pop needs to be called before the next call to Peek.
func (h *datagramQueue) Peek() *wire.DatagramFrame {
	h.mx.Lock()
	defer h.mx.Unlock()
	if h.sendQueue.Empty() {
		return nil
	}
	return h.sendQueue.PeekFront()
}

func (h *datagramQueue) Pop() {
	h.mx.Lock()
	defer h.mx.Unlock()
	h.sendQueue.PopFront()
}

// HandleDatagramFrame handles a received DATAGRAM frame.
func (h *datagramQueue) HandleDatagramFrame(f *wire.DatagramFrame) {
	data := make([]byte, len(f.Data))
	copy(data, f.Data)
	var queued bool
	h.rcvMx.Lock()
	if len(h.rcvQueue) < maxDatagramRcvQueueLen {
		h.rcvQueue = append(h.rcvQueue, data)
		queued = true
	}
	h.rcvMx.Unlock()
	if !queued {
		h.logger.Debugf("Discarding received DATAGRAM frame (%d bytes payload)", len(f.Data))
	}
}

// Receive returns the next received DATAGRAM, without blocking.
// It returns nil if no datagram is queued.
func (h *datagramQueue) Receive() []byte {
	h.rcvMx.Lock()
	defer h.rcvMx.Unlock()
	if len(h.rcvQueue) == 0 {
		return nil
	}
	data := h.rcvQueue[0]
	h.rcvQueue = h.rcvQueue[1:]
	return data
}

func (h *datagramQueue) CloseWithError(e error) {
	h.mx.Lock()
	h.closeErr = e
	h.mx.Unlock()
}
