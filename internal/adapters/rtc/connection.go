package rtc

import (
	"context"
	"sync"

	"github.com/dkeye/Callkit/internal/core"
	"github.com/dkeye/Callkit/internal/domain"
	"github.com/pion/interceptor"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Connection is a core.PeerConnection over a pion PeerConnection. Candidates are
// trickled: local descriptions are returned without waiting for gathering.
type Connection struct {
	pc     *webrtc.PeerConnection
	id     domain.CallID
	logger zerolog.Logger

	mu      sync.Mutex
	closed  bool
	onICE   func(domain.Candidate)
	onTrack func(core.RemoteTrack)
	onState func(core.ConnectionState)
}

var _ core.PeerConnection = (*Connection)(nil)

func newConnection(pc *webrtc.PeerConnection, id domain.CallID) *Connection {
	c := &Connection{
		pc:     pc,
		id:     id,
		logger: log.With().Str("module", "rtc").Str("call", string(id)).Logger(),
	}

	pc.OnICECandidate(func(cand *webrtc.ICECandidate) {
		if cand == nil {
			c.logger.Debug().Msg("ICE gathering complete")
			return
		}
		if fn := c.iceHandler(); fn != nil {
			fn(candidateFromInit(cand.ToJSON()))
		}
	})

	pc.OnICEConnectionStateChange(func(s webrtc.ICEConnectionState) {
		c.logger.Info().Str("ice_state", s.String()).Msg("ICE state")
	})

	pc.OnConnectionStateChange(func(s webrtc.PeerConnectionState) {
		c.logger.Info().Str("peer_connection_state", s.String()).Msg("Peer state")
		c.mu.Lock()
		fn := c.onState
		closed := c.closed
		c.mu.Unlock()
		if fn != nil && !closed {
			fn(mapState(s))
		}
	})

	pc.OnTrack(func(track *webrtc.TrackRemote, receiver *webrtc.RTPReceiver) {
		c.logger.Info().
			Str("kind", track.Kind().String()).
			Str("track_id", track.ID()).
			Str("stream_id", track.StreamID()).
			Msg("OnTrack received")
		go drainRTCP(receiver)
		c.mu.Lock()
		fn := c.onTrack
		closed := c.closed
		c.mu.Unlock()
		if fn != nil && !closed {
			fn(&remoteTrack{track: track})
		}
	})

	return c
}

func (c *Connection) iceHandler() func(domain.Candidate) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil
	}
	return c.onICE
}

func (c *Connection) AddLocalTrack(track core.LocalTrack) error {
	if c.isClosed() {
		return core.ErrConnectionClosed
	}
	sender, err := c.pc.AddTrack(track.Track())
	if err != nil {
		return err
	}
	go drainRTCP(sender)
	return nil
}

func (c *Connection) CreateOffer(ctx context.Context) (domain.SessionDescription, error) {
	return c.createLocal(ctx, func() (webrtc.SessionDescription, error) {
		return c.pc.CreateOffer(nil)
	})
}

func (c *Connection) CreateAnswer(ctx context.Context) (domain.SessionDescription, error) {
	return c.createLocal(ctx, func() (webrtc.SessionDescription, error) {
		return c.pc.CreateAnswer(nil)
	})
}

func (c *Connection) createLocal(ctx context.Context, create func() (webrtc.SessionDescription, error)) (domain.SessionDescription, error) {
	if err := ctx.Err(); err != nil {
		return domain.SessionDescription{}, err
	}
	if c.isClosed() {
		return domain.SessionDescription{}, core.ErrConnectionClosed
	}
	desc, err := create()
	if err != nil {
		return domain.SessionDescription{}, err
	}
	if err := c.pc.SetLocalDescription(desc); err != nil {
		return domain.SessionDescription{}, err
	}
	return descriptionFromPion(desc), nil
}

func (c *Connection) SetRemoteDescription(desc domain.SessionDescription) error {
	if c.isClosed() {
		return core.ErrConnectionClosed
	}
	return c.pc.SetRemoteDescription(descriptionToPion(desc))
}

func (c *Connection) HasRemoteDescription() bool {
	return c.pc.RemoteDescription() != nil
}

func (c *Connection) AddICECandidate(cand domain.Candidate) error {
	if c.isClosed() {
		return core.ErrConnectionClosed
	}
	return c.pc.AddICECandidate(candidateToInit(cand))
}

func (c *Connection) OnICECandidate(fn func(domain.Candidate)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onICE = fn
}

func (c *Connection) OnTrack(fn func(core.RemoteTrack)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onTrack = fn
}

func (c *Connection) OnConnectionStateChange(fn func(core.ConnectionState)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onState = fn
}

func (c *Connection) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.onICE = nil
	c.onTrack = nil
	c.onState = nil
	c.mu.Unlock()

	if err := c.pc.Close(); err != nil {
		c.logger.Error().Err(err).Msg("close error")
		return err
	}
	c.logger.Info().Msg("closed")
	return nil
}

func (c *Connection) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

// rtcpReader is what RTPSender and RTPReceiver share.
type rtcpReader interface {
	Read([]byte) (int, interceptor.Attributes, error)
}

// drainRTCP keeps interceptors fed until the sender or receiver is closed.
func drainRTCP(r rtcpReader) {
	buf := make([]byte, 1500)
	for {
		if _, _, err := r.Read(buf); err != nil {
			return
		}
	}
}
