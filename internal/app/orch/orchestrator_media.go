package orch

import (
	"time"

	"github.com/dkeye/Callkit/internal/app/media"
	"github.com/dkeye/Callkit/internal/app/negotiation"
	"github.com/dkeye/Callkit/internal/core"
)

func (o *Orchestrator) active() (*negotiation.Session, error) {
	s := o.Active()
	if s == nil {
		return nil, ErrNoActiveCall
	}
	return s, nil
}

// SetMuted toggles the local audio of the active call.
func (o *Orchestrator) SetMuted(muted bool) error {
	s, err := o.active()
	if err != nil {
		return err
	}
	return s.SetMuted(muted)
}

// SetVideoEnabled toggles the local video of the active call.
func (o *Orchestrator) SetVideoEnabled(enabled bool) error {
	s, err := o.active()
	if err != nil {
		return err
	}
	return s.SetVideoEnabled(enabled)
}

// WriteSample feeds one encoded frame into the active call's local track of kind.
func (o *Orchestrator) WriteSample(kind core.MediaKind, data []byte, d time.Duration) error {
	s, err := o.active()
	if err != nil {
		return err
	}
	return s.WriteSample(kind, data, d)
}

// AddRemoteSink forwards the active call's remote RTP of kind to sink.
func (o *Orchestrator) AddRemoteSink(kind core.MediaKind, sink media.Sink) (*media.SinkHandle, error) {
	s, err := o.active()
	if err != nil {
		return nil, err
	}
	m := s.Media()
	if m == nil {
		return nil, negotiation.ErrClosed
	}
	return m.Remote().AddSink(kind, sink), nil
}
