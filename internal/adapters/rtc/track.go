package rtc

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/dkeye/Callkit/internal/core"
	"github.com/google/uuid"
	"github.com/pion/webrtc/v4"
	"github.com/pion/webrtc/v4/pkg/media"
)

var ErrTrackStopped = errors.New("track stopped")

type TrackState int32

const (
	TrackStateOk TrackState = iota
	TrackStateMuted
	TrackStateStopped
)

// SampleTrack is a local track fed with encoded frames by the shell.
type SampleTrack struct {
	track *webrtc.TrackLocalStaticSample
	kind  core.MediaKind
	state atomic.Int32 // Zero by default (TrackStateOk)
}

var _ core.LocalTrack = (*SampleTrack)(nil)

func codecFor(kind core.MediaKind) webrtc.RTPCodecCapability {
	if kind == core.KindVideo {
		return webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeVP8, ClockRate: 90000}
	}
	return webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeOpus, ClockRate: 48000, Channels: 2}
}

func NewSampleTrack(kind core.MediaKind, streamID string) (*SampleTrack, error) {
	id := fmt.Sprintf("%s-%s", kind, uuid.NewString())
	track, err := webrtc.NewTrackLocalStaticSample(codecFor(kind), id, streamID)
	if err != nil {
		return nil, fmt.Errorf("new %s track: %w", kind, err)
	}
	return &SampleTrack{track: track, kind: kind}, nil
}

func (t *SampleTrack) ID() string { return t.track.ID() }
func (t *SampleTrack) Kind() core.MediaKind { return t.kind }
func (t *SampleTrack) Track() webrtc.TrackLocal { return t.track }

func (t *SampleTrack) State() TrackState {
	return TrackState(t.state.Load())
}

// SetEnabled flips between ok and muted; a stopped track stays stopped.
func (t *SampleTrack) SetEnabled(enabled bool) {
	next := TrackStateMuted
	if enabled {
		next = TrackStateOk
	}
	for {
		cur := t.state.Load()
		if TrackState(cur) == TrackStateStopped {
			return
		}
		if t.state.CompareAndSwap(cur, int32(next)) {
			return
		}
	}
}

func (t *SampleTrack) Enabled() bool {
	return t.State() == TrackStateOk
}

func (t *SampleTrack) WriteSample(data []byte, duration time.Duration) error {
	switch t.State() {
	case TrackStateStopped:
		return ErrTrackStopped
	case TrackStateMuted:
		return nil
	}
	return t.track.WriteSample(media.Sample{Data: data, Duration: duration})
}

func (t *SampleTrack) Stop() error {
	t.state.Store(int32(TrackStateStopped))
	return nil
}

// Devices hands out sample tracks for the kinds it allows. Kinds that are not
// allowed are left out; a request that leaves nothing is denied.
type Devices struct {
	AllowAudio bool
	AllowVideo bool
}

var _ core.MediaDevices = Devices{}

func (d Devices) Acquire(ctx context.Context, c core.MediaConstraints) ([]core.LocalTrack, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	var kinds []core.MediaKind
	if c.Audio && d.AllowAudio {
		kinds = append(kinds, core.KindAudio)
	}
	if c.Video && d.AllowVideo {
		kinds = append(kinds, core.KindVideo)
	}
	if len(kinds) == 0 {
		return nil, fmt.Errorf("%w: no allowed media kind requested", core.ErrMediaDenied)
	}

	streamID := "callkit-" + uuid.NewString()
	out := make([]core.LocalTrack, 0, len(kinds))
	for _, kind := range kinds {
		t, err := NewSampleTrack(kind, streamID)
		if err != nil {
			for _, made := range out {
				_ = made.Stop()
			}
			return nil, err
		}
		out = append(out, t)
	}
	return out, nil
}
