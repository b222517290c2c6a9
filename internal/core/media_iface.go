package core

import (
	"context"
	"errors"
	"time"

	"github.com/dkeye/Callkit/internal/domain"
	"github.com/pion/rtp"
	"github.com/pion/webrtc/v4"
)

var (
	ErrMediaDenied      = errors.New("local media denied")
	ErrConnectionClosed = errors.New("peer connection closed")
)

type MediaKind string

const (
	KindAudio MediaKind = "audio"
	KindVideo MediaKind = "video"
)

type ConnectionState string

const (
	StateNew          ConnectionState = "new"
	StateConnecting   ConnectionState = "connecting"
	StateConnected    ConnectionState = "connected"
	StateDisconnected ConnectionState = "disconnected"
	StateFailed       ConnectionState = "failed"
	StateClosed       ConnectionState = "closed"
)

// PeerConnection is the peer-connection capability one Session owns.
type PeerConnection interface {
	// AddLocalTrack attaches a local track before the first description is produced.
	AddLocalTrack(track LocalTrack) error
	// CreateOffer creates an offer and sets it as the local description.
	CreateOffer(ctx context.Context) (domain.SessionDescription, error)
	// CreateAnswer creates an answer and sets it as the local description.
	CreateAnswer(ctx context.Context) (domain.SessionDescription, error)
	SetRemoteDescription(domain.SessionDescription) error
	HasRemoteDescription() bool
	// AddICECandidate applies a remote candidate; it fails before a remote description.
	AddICECandidate(domain.Candidate) error

	// OnICECandidate sets a callback for newly gathered local candidates.
	OnICECandidate(func(domain.Candidate))
	// OnTrack sets a callback invoked when a new remote track arrives.
	OnTrack(func(RemoteTrack))
	OnConnectionStateChange(func(ConnectionState))

	// Close detaches every callback and stops all underlying media resources.
	Close() error
}

// PeerConnectionFactory builds a fresh capability for one call.
type PeerConnectionFactory interface {
	NewPeerConnection(id domain.CallID) (PeerConnection, error)
}

// LocalTrack is one acquired local audio or video source.
type LocalTrack interface {
	ID() string
	Kind() MediaKind
	// Track is what gets attached to a pion PeerConnection.
	Track() webrtc.TrackLocal
	SetEnabled(enabled bool)
	Enabled() bool
	// WriteSample pushes one encoded frame; disabled tracks drop it.
	WriteSample(data []byte, duration time.Duration) error
	Stop() error
}

// RemoteTrack is one track received from the remote side.
type RemoteTrack interface {
	ID() string
	Kind() MediaKind
	ReadRTP() (*rtp.Packet, error)
}

type MediaConstraints struct {
	Audio bool
	Video bool
}

// MediaDevices acquires local media. Errors wrap ErrMediaDenied on refusal.
type MediaDevices interface {
	Acquire(ctx context.Context, c MediaConstraints) ([]LocalTrack, error)
}
