package media

import (
	"context"
	"maps"
	"sync"

	"github.com/dkeye/Callkit/internal/core"
	"github.com/pion/rtp"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// RemoteStream is the aggregate of every track received from the remote side.
// Tracks only accumulate; a late track never replaces an earlier one.
type RemoteStream struct {
	mu     sync.RWMutex
	tracks []core.RemoteTrack
	pumps  map[string]*pump
	sinks  map[core.MediaKind][]*SinkHandle

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	logger zerolog.Logger
}

func newRemoteStream(parent context.Context, logger zerolog.Logger) *RemoteStream {
	ctx, cancel := context.WithCancel(parent)
	return &RemoteStream{
		pumps:  make(map[string]*pump),
		sinks:  make(map[core.MediaKind][]*SinkHandle),
		ctx:    ctx,
		cancel: cancel,
		logger: logger,
	}
}

// Add appends track and starts draining it. Returns false for a duplicate id or
// after Stop.
func (r *RemoteStream) Add(track core.RemoteTrack) bool {
	r.mu.Lock()
	if r.ctx.Err() != nil {
		r.mu.Unlock()
		return false
	}
	if _, ok := r.pumps[track.ID()]; ok {
		r.mu.Unlock()
		return false
	}
	p := &pump{src: track}
	for _, h := range r.sinks[track.Kind()] {
		p.addSink(h)
	}
	r.pumps[track.ID()] = p
	r.tracks = append(r.tracks, track)
	r.wg.Add(1)
	r.mu.Unlock()

	logger := r.logger.With().Str("track_id", track.ID()).Str("kind", string(track.Kind())).Logger()
	logger.Info().Msg("remote track added")
	go func() {
		defer r.wg.Done()
		p.loop(r.ctx, &logger)
	}()
	return true
}

// Tracks returns a snapshot in arrival order.
func (r *RemoteStream) Tracks() []core.RemoteTrack {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]core.RemoteTrack, len(r.tracks))
	copy(out, r.tracks)
	return out
}

// AddSink attaches sink to every current and future track of kind.
func (r *RemoteStream) AddSink(kind core.MediaKind, sink Sink) *SinkHandle {
	h := newSinkHandle(sink)
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sinks[kind] = append(r.sinks[kind], h)
	for _, p := range r.pumps {
		if p.src.Kind() == kind {
			p.addSink(h)
		}
	}
	return h
}

// Stop ends every pump and waits for them. Readers unblock once the owning
// peer connection is closed, so close it first.
func (r *RemoteStream) Stop() {
	r.mu.Lock()
	r.cancel()
	r.mu.Unlock()
	r.wg.Wait()
}

// pump reads RTP from one remote track and forwards it to the attached sinks.
type pump struct {
	src core.RemoteTrack

	mu    sync.RWMutex
	sinks map[*SinkHandle]struct{}
}

func (p *pump) addSink(h *SinkHandle) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.sinks == nil {
		p.sinks = make(map[*SinkHandle]struct{})
	}
	p.sinks[h] = struct{}{}
}

func (p *pump) loop(ctx context.Context, logger *zerolog.Logger) {
	for {
		select {
		case <-ctx.Done():
			logger.Debug().Msg("pump ctx done")
			return
		default:
		}
		pkt, err := p.src.ReadRTP()
		if err != nil {
			logger.Debug().Err(err).Msg("pump read stopped")
			p.dropSinks()
			return
		}
		p.forward(pkt, logger)
	}
}

func (p *pump) forward(pkt *rtp.Packet, logger *zerolog.Logger) {
	p.mu.RLock()
	snapshot := make(map[*SinkHandle]struct{}, len(p.sinks))
	maps.Copy(snapshot, p.sinks)
	p.mu.RUnlock()

	var dirty []*SinkHandle
	for h := range snapshot {
		switch h.State() {
		case SinkStateDelete:
			dirty = append(dirty, h)
		case SinkStatePaused:
		case SinkStateOk:
			if err := h.sink.WriteRTP(pkt); err != nil {
				logger.Warn().Err(err).Msg("sink write failed, detaching")
				h.Detach()
				dirty = append(dirty, h)
			}
		}
	}

	// Cleanup is done outside the RLock.
	if len(dirty) > 0 {
		p.mu.Lock()
		for _, h := range dirty {
			delete(p.sinks, h)
		}
		p.mu.Unlock()
	}
}

// dropSinks forgets the sinks without detaching them, they may serve other tracks.
func (p *pump) dropSinks() {
	p.mu.Lock()
	defer p.mu.Unlock()
	clear(p.sinks)
}

func moduleLogger() zerolog.Logger {
	return log.With().Str("module", "app.media").Logger()
}
