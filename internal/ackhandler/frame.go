package ackhandler

import (
	"github.com/chromium-cheri/quiche/internal/wire"
)

// FrameHandler handles the acknowledgement and the loss of a frame.
type FrameHandler interface {
	OnAcked(wire.Frame)
	OnLost(wire.Frame)
}

type Frame struct {
	Frame   wire.Frame // nil if the frame has already been acknowledged in another packet
	Handler FrameHandler
}

type StreamFrameHandler interface {
	OnAcked(*wire.StreamFrame)
	OnLost(*wire.StreamFrame)
}

type StreamFrame struct {
	Frame   *wire.StreamFrame
	Handler StreamFrameHandler
}
