// Package media owns the local and remote media of one call session.
package media

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/dkeye/Callkit/internal/core"
	"github.com/dkeye/Callkit/internal/domain"
	"github.com/rs/zerolog"
	"go.uber.org/multierr"
)

var (
	ErrStopped = errors.New("media session stopped")
	ErrNoTrack = errors.New("no local track of that kind")
)

// Session holds acquired local tracks and the remote aggregate for one call.
// Mute and video toggles only flip track enablement; nothing is renegotiated.
type Session struct {
	callID domain.CallID
	logger zerolog.Logger

	mu       sync.Mutex
	local    []core.LocalTrack
	muted    bool
	videoOff bool
	stopped  bool

	remote *RemoteStream
}

// Acquire grabs audio and video from devices. Errors keep core.ErrMediaDenied
// visible through errors.Is; nothing is retried.
func Acquire(ctx context.Context, devices core.MediaDevices, callID domain.CallID) (*Session, error) {
	logger := moduleLogger().With().Str("call", string(callID)).Logger()

	tracks, err := devices.Acquire(ctx, core.MediaConstraints{Audio: true, Video: true})
	if err != nil {
		logger.Warn().Err(err).Msg("local media acquisition failed")
		return nil, fmt.Errorf("acquire local media: %w", err)
	}
	if err := ctx.Err(); err != nil {
		for _, t := range tracks {
			_ = t.Stop()
		}
		return nil, err
	}
	logger.Info().Int("tracks", len(tracks)).Msg("local media acquired")
	return &Session{
		callID: callID,
		logger: logger,
		local:  tracks,
		remote: newRemoteStream(context.Background(), logger),
	}, nil
}

// Attach adds every local track to pc.
func (s *Session) Attach(pc core.PeerConnection) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		return ErrStopped
	}
	for _, t := range s.local {
		if err := pc.AddLocalTrack(t); err != nil {
			return fmt.Errorf("attach %s track: %w", t.Kind(), err)
		}
	}
	return nil
}

func (s *Session) LocalTracks() []core.LocalTrack {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]core.LocalTrack, len(s.local))
	copy(out, s.local)
	return out
}

// SetMuted toggles every local audio track.
func (s *Session) SetMuted(muted bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.muted = muted
	s.setEnabledLocked(core.KindAudio, !muted)
	s.logger.Info().Bool("muted", muted).Msg("audio toggled")
}

func (s *Session) Muted() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.muted
}

// SetVideoEnabled toggles every local video track.
func (s *Session) SetVideoEnabled(enabled bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.videoOff = !enabled
	s.setEnabledLocked(core.KindVideo, enabled)
	s.logger.Info().Bool("video", enabled).Msg("video toggled")
}

func (s *Session) VideoEnabled() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return !s.videoOff
}

func (s *Session) setEnabledLocked(kind core.MediaKind, enabled bool) {
	if s.stopped {
		return
	}
	for _, t := range s.local {
		if t.Kind() == kind {
			t.SetEnabled(enabled)
		}
	}
}

// WriteSample feeds one encoded frame into the first local track of kind.
func (s *Session) WriteSample(kind core.MediaKind, data []byte, d time.Duration) error {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return ErrStopped
	}
	var track core.LocalTrack
	for _, t := range s.local {
		if t.Kind() == kind {
			track = t
			break
		}
	}
	s.mu.Unlock()
	if track == nil {
		return ErrNoTrack
	}
	return track.WriteSample(data, d)
}

// AddRemoteTrack accumulates a track into the remote aggregate.
func (s *Session) AddRemoteTrack(t core.RemoteTrack) bool {
	return s.remote.Add(t)
}

func (s *Session) Remote() *RemoteStream { return s.remote }

func (s *Session) Stopped() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stopped
}

// StopLocal stops the local tracks. Idempotent.
func (s *Session) StopLocal() error {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return nil
	}
	s.stopped = true
	local := s.local
	s.mu.Unlock()

	var err error
	for _, t := range local {
		err = multierr.Append(err, t.Stop())
	}
	s.logger.Info().Msg("local media stopped")
	return err
}

// StopRemote ends the remote pumps; call it after the peer connection is closed.
func (s *Session) StopRemote() {
	s.remote.Stop()
}
