package testutils

import (
	"context"
	"fmt"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dkeye/Callkit/internal/core"
	"github.com/pion/rtp"
	"github.com/pion/webrtc/v4"
)

// Devices hands out fake tracks, or Err when set.
type Devices struct {
	Err error

	mu     sync.Mutex
	calls  int
	tracks []*LocalTrack
}

var _ core.MediaDevices = (*Devices)(nil)

func (d *Devices) Acquire(ctx context.Context, c core.MediaConstraints) ([]core.LocalTrack, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.calls++
	if d.Err != nil {
		return nil, d.Err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	var out []core.LocalTrack
	if c.Audio {
		t := NewLocalTrack(fmt.Sprintf("audio-%d", d.calls), core.KindAudio)
		d.tracks = append(d.tracks, t)
		out = append(out, t)
	}
	if c.Video {
		t := NewLocalTrack(fmt.Sprintf("video-%d", d.calls), core.KindVideo)
		d.tracks = append(d.tracks, t)
		out = append(out, t)
	}
	return out, nil
}

func (d *Devices) Calls() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.calls
}

func (d *Devices) Tracks() []*LocalTrack {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]*LocalTrack(nil), d.tracks...)
}

// LocalTrack counts samples and remembers whether it was stopped.
type LocalTrack struct {
	id      string
	kind    core.MediaKind
	enabled atomic.Bool
	stopped atomic.Bool
	samples atomic.Int64
}

var _ core.LocalTrack = (*LocalTrack)(nil)

func NewLocalTrack(id string, kind core.MediaKind) *LocalTrack {
	t := &LocalTrack{id: id, kind: kind}
	t.enabled.Store(true)
	return t
}

func (t *LocalTrack) ID() string { return t.id }
func (t *LocalTrack) Kind() core.MediaKind { return t.kind }
func (t *LocalTrack) Track() webrtc.TrackLocal { return nil }
func (t *LocalTrack) SetEnabled(enabled bool) { t.enabled.Store(enabled) }
func (t *LocalTrack) Enabled() bool { return t.enabled.Load() }
func (t *LocalTrack) Stopped() bool { return t.stopped.Load() }
func (t *LocalTrack) Samples() int64 { return t.samples.Load() }

func (t *LocalTrack) WriteSample(_ []byte, _ time.Duration) error {
	if t.stopped.Load() {
		return io.ErrClosedPipe
	}
	if t.enabled.Load() {
		t.samples.Add(1)
	}
	return nil
}

func (t *LocalTrack) Stop() error {
	t.stopped.Store(true)
	return nil
}

// RemoteTrack yields queued packets and io.EOF once closed.
type RemoteTrack struct {
	id      string
	kind    core.MediaKind
	packets chan *rtp.Packet
	closed  chan struct{}
	once    sync.Once
}

var _ core.RemoteTrack = (*RemoteTrack)(nil)

func NewRemoteTrack(id string, kind core.MediaKind) *RemoteTrack {
	return &RemoteTrack{
		id:      id,
		kind:    kind,
		packets: make(chan *rtp.Packet, 16),
		closed:  make(chan struct{}),
	}
}

func (t *RemoteTrack) ID() string { return t.id }
func (t *RemoteTrack) Kind() core.MediaKind { return t.kind }

// Send queues one packet for ReadRTP.
func (t *RemoteTrack) Send(p *rtp.Packet) {
	select {
	case t.packets <- p:
	case <-t.closed:
	}
}

func (t *RemoteTrack) ReadRTP() (*rtp.Packet, error) {
	select {
	case p := <-t.packets:
		return p, nil
	case <-t.closed:
		return nil, io.EOF
	}
}

func (t *RemoteTrack) Close() {
	t.once.Do(func() { close(t.closed) })
}
