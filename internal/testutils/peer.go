package testutils

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/dkeye/Callkit/internal/core"
	"github.com/dkeye/Callkit/internal/domain"
)

var ErrNoRemoteDescription = errors.New("remote description not set")

// PeerFactory builds Peers and keeps them for inspection.
type PeerFactory struct {
	// Candidates is how many local candidates every peer gathers.
	Candidates   int
	// AutoConnect reports connecting then connected once both descriptions are set.
	AutoConnect  bool
	// RemoteTracks is how many remote tracks every peer surfaces on connect.
	RemoteTracks int
	Err          error

	mu    sync.Mutex
	peers []*Peer
}

var _ core.PeerConnectionFactory = (*PeerFactory)(nil)

func (f *PeerFactory) NewPeerConnection(id domain.CallID) (core.PeerConnection, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.Err != nil {
		return nil, f.Err
	}
	p := NewPeer(id)
	p.gather = f.Candidates
	p.autoConnect = f.AutoConnect
	p.remoteTracks = f.RemoteTracks
	f.peers = append(f.peers, p)
	return p, nil
}

func (f *PeerFactory) Peers() []*Peer {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]*Peer(nil), f.peers...)
}

// Peer behaves like a peer connection where it matters to negotiation: it rejects
// candidates before a remote description, gathers local candidates asynchronously
// after the local description, and detaches its callbacks on Close.
type Peer struct {
	id           domain.CallID
	gather       int
	autoConnect  bool
	remoteTracks int

	mu          sync.Mutex
	local       []core.LocalTrack
	localDesc   *domain.SessionDescription
	remoteDesc  *domain.SessionDescription
	remoteSets  int
	applied     []domain.Candidate
	early       int
	connected   bool
	closed      bool
	tracks      []*RemoteTrack
	onCandidate func(domain.Candidate)
	onTrack     func(core.RemoteTrack)
	onState     func(core.ConnectionState)
	wg          sync.WaitGroup
}

var _ core.PeerConnection = (*Peer)(nil)

func NewPeer(id domain.CallID) *Peer {
	return &Peer{id: id}
}

func (p *Peer) AddLocalTrack(t core.LocalTrack) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return core.ErrConnectionClosed
	}
	p.local = append(p.local, t)
	return nil
}

func (p *Peer) CreateOffer(ctx context.Context) (domain.SessionDescription, error) {
	return p.createLocal(ctx, domain.SDPOffer)
}

func (p *Peer) CreateAnswer(ctx context.Context) (domain.SessionDescription, error) {
	return p.createLocal(ctx, domain.SDPAnswer)
}

func (p *Peer) createLocal(ctx context.Context, typ domain.SDPType) (domain.SessionDescription, error) {
	if err := ctx.Err(); err != nil {
		return domain.SessionDescription{}, err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return domain.SessionDescription{}, core.ErrConnectionClosed
	}
	if typ == domain.SDPAnswer && p.remoteDesc == nil {
		return domain.SessionDescription{}, ErrNoRemoteDescription
	}
	if p.localDesc != nil {
		return domain.SessionDescription{}, fmt.Errorf("local description already set")
	}
	desc := domain.SessionDescription{
		Type: typ,
		SDP:  fmt.Sprintf("v=0 %s %s tracks=%d", typ, p.id, len(p.local)),
	}
	p.localDesc = &desc
	p.startGatherLocked()
	p.maybeConnectLocked()
	return desc, nil
}

func (p *Peer) SetRemoteDescription(desc domain.SessionDescription) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return core.ErrConnectionClosed
	}
	if p.remoteDesc != nil {
		return fmt.Errorf("remote description already set")
	}
	if desc.SDP == "" {
		return fmt.Errorf("empty sdp")
	}
	p.remoteSets++
	p.remoteDesc = &desc
	p.maybeConnectLocked()
	return nil
}

func (p *Peer) HasRemoteDescription() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.remoteDesc != nil
}

func (p *Peer) AddICECandidate(c domain.Candidate) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return core.ErrConnectionClosed
	}
	if p.remoteDesc == nil {
		p.early++
		return ErrNoRemoteDescription
	}
	p.applied = append(p.applied, c)
	return nil
}

func (p *Peer) OnICECandidate(fn func(domain.Candidate)) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.onCandidate = fn
}

func (p *Peer) OnTrack(fn func(core.RemoteTrack)) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.onTrack = fn
}

func (p *Peer) OnConnectionStateChange(fn func(core.ConnectionState)) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.onState = fn
}

// EmitState delivers a state change as the transport would.
func (p *Peer) EmitState(st core.ConnectionState) {
	p.mu.Lock()
	fn := p.onState
	closed := p.closed
	p.mu.Unlock()
	if fn != nil && !closed {
		fn(st)
	}
}

func (p *Peer) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	p.onCandidate = nil
	p.onTrack = nil
	p.onState = nil
	tracks := p.tracks
	p.mu.Unlock()

	for _, t := range tracks {
		t.Close()
	}
	p.wg.Wait()
	return nil
}

func (p *Peer) startGatherLocked() {
	n := p.gather
	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		for i := range n {
			p.mu.Lock()
			fn := p.onCandidate
			closed := p.closed
			p.mu.Unlock()
			if closed {
				return
			}
			if fn != nil {
				fn(domain.Candidate{Candidate: fmt.Sprintf("candidate:%d 1 udp %s", i, p.id)})
			}
		}
	}()
}

func (p *Peer) maybeConnectLocked() {
	if !p.autoConnect || p.connected || p.localDesc == nil || p.remoteDesc == nil {
		return
	}
	p.connected = true
	for i := range p.remoteTracks {
		kind := core.KindAudio
		if i%2 == 1 {
			kind = core.KindVideo
		}
		p.tracks = append(p.tracks, NewRemoteTrack(fmt.Sprintf("remote-%d", i), kind))
	}
	tracks := append([]*RemoteTrack(nil), p.tracks...)
	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		for _, t := range tracks {
			p.mu.Lock()
			fn := p.onTrack
			p.mu.Unlock()
			if fn != nil {
				fn(t)
			}
		}
		p.EmitState(core.StateConnecting)
		p.EmitState(core.StateConnected)
	}()
}

func (p *Peer) Closed() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.closed
}

// Applied returns the remote candidates accepted so far, in order.
func (p *Peer) Applied() []domain.Candidate {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]domain.Candidate(nil), p.applied...)
}

// EarlyCandidates counts AddICECandidate calls made before a remote description.
func (p *Peer) EarlyCandidates() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.early
}

func (p *Peer) RemoteSets() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.remoteSets
}

func (p *Peer) LocalTracks() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.local)
}

// RemoteTracks returns the tracks surfaced on connect.
func (p *Peer) RemoteTracks() []*RemoteTrack {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]*RemoteTrack(nil), p.tracks...)
}
