package quiche

import (
	"sync"

	"github.com/chromium-cheri/quiche/internal/flowcontrol"
	"github.com/chromium-cheri/quiche/internal/protocol"
	"github.com/chromium-cheri/quiche/internal/wire"
)

type windowUpdateQueue struct {
	mutex sync.Mutex

	queue      map[protocol.StreamID]receiveStreamI
	queuedConn bool // connection-level window update

	connFlowController flowcontrol.ConnectionFlowController
	callback           func(wire.Frame)
}

func newWindowUpdateQueue(
	connFC flowcontrol.ConnectionFlowController,
	cb func(wire.Frame),
) *windowUpdateQueue {
	return &windowUpdateQueue{
		queue:              make(map[protocol.StreamID]receiveStreamI),
		connFlowController: connFC,
		callback:           cb,
	}
}

func (q *windowUpdateQueue) AddStream(id protocol.StreamID, str receiveStreamI) {
	q.mutex.Lock()
	q.queue[id] = str
	q.mutex.Unlock()
}

func (q *windowUpdateQueue) RemoveStream(id protocol.StreamID) {
	q.mutex.Lock()
	delete(q.queue, id)
	q.mutex.Unlock()
}

func (q *windowUpdateQueue) AddConnection() {
	q.mutex.Lock()
	q.queuedConn = true
	q.mutex.Unlock()
}

func (q *windowUpdateQueue) QueueAll() {
	q.mutex.Lock()
	// queue a connection-level window update
	if q.queuedConn {
		q.callback(&wire.MaxDataFrame{MaximumData: q.connFlowController.GetWindowUpdate()})
		q.queuedConn = false
	}
	// queue all stream-level window updates
	for id, str := range q.queue {
		delete(q.queue, id)
		offset := str.getWindowUpdate()
		if offset == 0 { // can happen if we received a final offset, right after queueing the window update
			continue
		}
		q.callback(&wire.MaxStreamDataFrame{
			StreamID:          id,
			MaximumStreamData: offset,
		})
	}
	q.mutex.Unlock()
}
