package media

import (
	"sync/atomic"

	"github.com/pion/rtp"
)

// Sink receives RTP packets of one remote track, e.g. a renderer or a
// *webrtc.TrackLocalStaticRTP feeding a preview.
type Sink interface {
	WriteRTP(*rtp.Packet) error
}

type SinkState int32

const (
	SinkStateOk SinkState = iota
	SinkStatePaused
	SinkStateDelete
)

// SinkHandle is one attached sink; its state is read on every packet.
type SinkHandle struct {
	sink  Sink
	state atomic.Int32 // Zero by default (SinkStateOk)
}

func newSinkHandle(sink Sink) *SinkHandle {
	return &SinkHandle{sink: sink}
}

func (h *SinkHandle) State() SinkState {
	return SinkState(h.state.Load())
}

func (h *SinkHandle) Resume() {
	h.state.CompareAndSwap(int32(SinkStatePaused), int32(SinkStateOk))
}

func (h *SinkHandle) Pause() {
	h.state.CompareAndSwap(int32(SinkStateOk), int32(SinkStatePaused))
}

// Detach marks the sink for removal; the pump drops it on the next packet.
func (h *SinkHandle) Detach() {
	h.state.Store(int32(SinkStateDelete))
}
