// Package negotiation drives one peer connection per call to a connected state,
// using the shared call record and its two candidate sequences as the only transport.
package negotiation

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dkeye/Callkit/internal/app/media"
	"github.com/dkeye/Callkit/internal/core"
	"github.com/dkeye/Callkit/internal/domain"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"go.uber.org/multierr"
)

var (
	ErrClosed         = errors.New("session closed")
	ErrAlreadyStarted = errors.New("session already started")

	errProtocol = errors.New("protocol violation")
	errPeer     = errors.New("peer connection failure")
)

const (
	inboxSize            = 64
	terminalWriteTimeout = 5 * time.Second
)

// Deps are the collaborators a Session drives.
type Deps struct {
	Store   core.SignalStore
	Devices core.MediaDevices
	Peers   core.PeerConnectionFactory
	Events  core.CallEvents
}

type Config struct {
	// CandidateBuffer bounds the remote candidates held before the remote description.
	CandidateBuffer int
}

// Session is one participant's runtime state for one call. All store
// notifications and peer connection callbacks are funneled into a single loop,
// so handlers never run concurrently. Teardown may run from anywhere.
type Session struct {
	id     domain.CallID
	role   Role
	store  core.SignalStore
	deps   Deps
	events core.CallEvents
	logger zerolog.Logger

	ctx    context.Context
	cancel context.CancelFunc

	// mu guards everything below plus every use of pc.
	mu         sync.Mutex
	phase      Phase
	pc         core.PeerConnection
	media      *media.Session
	pending    *candidateQueue
	record     domain.CallRecord
	remoteSeen int
	reason     core.EndReason

	inbox     chan event
	out       *outbox
	subs      subscriptions
	ending    atomic.Bool
	closeOnce sync.Once
	done      chan struct{}
	wg        sync.WaitGroup
}

// NewSession binds a session to rec for the given side. Nothing happens until Start.
func NewSession(rec domain.CallRecord, side domain.Role, deps Deps, cfg Config) *Session {
	ctx, cancel := context.WithCancel(context.Background())
	events := deps.Events
	if events == nil {
		events = noopEvents{}
	}
	return &Session{
		id:     rec.ID,
		role:   RoleFor(side),
		store:  deps.Store,
		deps:   deps,
		events: events,
		logger: log.With().
			Str("module", "app.negotiation").
			Str("call", string(rec.ID)).
			Str("role", string(side)).
			Logger(),
		ctx:     ctx,
		cancel:  cancel,
		pending: newCandidateQueue(cfg.CandidateBuffer),
		record:  rec,
		inbox:   make(chan event, inboxSize),
		out:     newOutbox(),
		done:    make(chan struct{}),
	}
}

func (s *Session) ID() domain.CallID { return s.id }
func (s *Session) Side() domain.Role { return s.role.Side() }
func (s *Session) Done() <-chan struct{} { return s.done }

func (s *Session) Phase() Phase {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.phase
}

// Record returns the latest record state this session has seen or written.
func (s *Session) Record() domain.CallRecord {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.record
}

// Reason is empty until the session is closed.
func (s *Session) Reason() core.EndReason {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.reason
}

// Media is nil until local media has been acquired.
func (s *Session) Media() *media.Session {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.media
}

// PendingCandidates is the number of remote candidates waiting for the remote description.
func (s *Session) PendingCandidates() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.pending.Len()
}

// Wait blocks until the session's goroutines have exited. Never call it from
// an event handler.
func (s *Session) Wait() {
	<-s.done
	s.wg.Wait()
}

// Start acquires media, wires the peer connection, subscribes to the record and the
// remote candidate sequence and queues the role's initial message. A media failure
// tears the session down without any negotiation write and is returned as is.
func (s *Session) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.phase != PhaseIdle {
		s.mu.Unlock()
		return ErrAlreadyStarted
	}
	s.phase = PhaseAcquiring
	s.mu.Unlock()

	acqCtx, stop := context.WithCancel(ctx)
	defer stop()
	stopOnClose := context.AfterFunc(s.ctx, stop)
	defer stopOnClose()

	m, err := media.Acquire(acqCtx, s.deps.Devices, s.id)
	if err != nil {
		if s.isClosed() {
			return ErrClosed
		}
		s.logger.Warn().Err(err).Msg("aborting call, no local media")
		_ = s.end(ctx, core.ReasonMediaDenied)
		return err
	}
	s.mu.Lock()
	if s.phase == PhaseClosed {
		s.mu.Unlock()
		_ = m.StopLocal()
		m.StopRemote()
		return ErrClosed
	}
	s.media = m
	s.mu.Unlock()

	pc, err := s.deps.Peers.NewPeerConnection(s.id)
	if err != nil {
		_ = s.end(ctx, core.ReasonConnectionFailed)
		return fmt.Errorf("new peer connection: %w", err)
	}
	s.mu.Lock()
	if s.phase == PhaseClosed {
		s.mu.Unlock()
		return multierr.Append(ErrClosed, pc.Close())
	}
	s.pc = pc
	s.mu.Unlock()

	pc.OnICECandidate(s.onLocalCandidate)
	pc.OnTrack(func(t core.RemoteTrack) { s.post(trackEvent{track: t}) })
	pc.OnConnectionStateChange(func(st core.ConnectionState) { s.post(stateEvent{state: st}) })
	if err := m.Attach(pc); err != nil {
		_ = s.end(ctx, core.ReasonMediaDenied)
		return err
	}

	s.setPhase(PhaseAwaitingRemote)
	s.wg.Add(2)
	go s.run()
	go s.publishLocalCandidates()

	remote := s.role.Side().Opposite()
	unsub, err := s.store.WatchCandidates(s.ctx, s.id, remote, func(list []domain.Candidate) {
		s.post(candidatesEvent{list: list})
	})
	if err != nil {
		_ = s.end(ctx, core.ReasonStoreError)
		return fmt.Errorf("watch %s candidates: %w", remote, err)
	}
	s.subs.add(unsub)

	unsub, err = s.store.WatchCall(s.ctx, s.id, func(rec domain.CallRecord) {
		s.post(recordEvent{rec: rec})
	})
	if err != nil {
		_ = s.end(ctx, core.ReasonStoreError)
		return fmt.Errorf("watch call: %w", err)
	}
	s.subs.add(unsub)

	s.post(startEvent{})
	s.logger.Info().Msg("negotiation started")
	return nil
}

// Hangup is the explicit, cooperative cancellation: one terminal write, then teardown.
// Calling it again, or after a remote termination, is a no-op.
func (s *Session) Hangup(ctx context.Context) error {
	return s.end(ctx, core.ReasonHangup)
}

// End is Hangup with a caller-chosen reason.
func (s *Session) End(ctx context.Context, reason core.EndReason) error {
	return s.end(ctx, reason)
}

func (s *Session) SetMuted(muted bool) error {
	m := s.Media()
	if m == nil || s.isClosed() {
		return ErrClosed
	}
	m.SetMuted(muted)
	return nil
}

func (s *Session) SetVideoEnabled(enabled bool) error {
	m := s.Media()
	if m == nil || s.isClosed() {
		return ErrClosed
	}
	m.SetVideoEnabled(enabled)
	return nil
}

func (s *Session) WriteSample(kind core.MediaKind, data []byte, d time.Duration) error {
	m := s.Media()
	if m == nil || s.isClosed() {
		return ErrClosed
	}
	return m.WriteSample(kind, data, d)
}

// ---- event loop ----

type event interface{ isEvent() }

type (
	startEvent      struct{}
	recordEvent     struct{ rec domain.CallRecord }
	candidatesEvent struct{ list []domain.Candidate }
	stateEvent      struct{ state core.ConnectionState }
	trackEvent      struct{ track core.RemoteTrack }
)

func (startEvent) isEvent() {}
func (recordEvent) isEvent() {}
func (candidatesEvent) isEvent() {}
func (stateEvent) isEvent() {}
func (trackEvent) isEvent() {}

func (s *Session) post(ev event) {
	select {
	case <-s.ctx.Done():
	case s.inbox <- ev:
	}
}

func (s *Session) run() {
	defer s.wg.Done()
	for {
		select {
		case <-s.ctx.Done():
			return
		case ev := <-s.inbox:
			if err := s.handle(ev); err != nil {
				s.fail(err)
			}
		}
	}
}

func (s *Session) handle(ev event) error {
	if s.isClosed() {
		return nil
	}
	switch ev := ev.(type) {
	case startEvent:
		return s.role.ProduceInitialMessage(s.ctx, s)
	case recordEvent:
		return s.onRecord(ev.rec)
	case candidatesEvent:
		return s.onRemoteCandidates(ev.list)
	case stateEvent:
		return s.onState(ev.state)
	case trackEvent:
		s.onTrack(ev.track)
	}
	return nil
}

func (s *Session) onRecord(rec domain.CallRecord) error {
	s.mu.Lock()
	if s.phase == PhaseClosed {
		s.mu.Unlock()
		return nil
	}
	s.record = rec
	s.mu.Unlock()

	if rec.Status.Terminal() {
		if s.ending.Load() {
			// our own terminal write; end() finishes the teardown with its reason
			return nil
		}
		s.logger.Info().Str("status", string(rec.Status)).Str("ended_by", string(rec.EndedBy)).Msg("call terminated")
		s.teardown(s.reasonFor(rec))
		return nil
	}
	if rec.Answer != nil && rec.Offer == nil {
		return fmt.Errorf("%w: answer present without offer", errProtocol)
	}
	return s.role.OnRemoteOfferOrAnswer(s.ctx, s, rec)
}

func (s *Session) onRemoteCandidates(list []domain.Candidate) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.phase == PhaseClosed {
		return nil
	}
	if len(list) < s.remoteSeen {
		s.logger.Warn().Int("seen", s.remoteSeen).Int("got", len(list)).Msg("candidate sequence shrank, ignoring")
		return nil
	}
	fresh := list[s.remoteSeen:]
	s.remoteSeen = len(list)
	for _, c := range fresh {
		if s.phase.remoteSet() {
			s.addCandidateLocked(c)
			continue
		}
		if err := s.pending.Push(c); err != nil {
			return fmt.Errorf("%w: %w", errProtocol, err)
		}
		s.logger.Debug().Int("pending", s.pending.Len()).Msg("candidate buffered")
	}
	return nil
}

func (s *Session) onState(st core.ConnectionState) error {
	if s.isClosed() {
		return nil
	}
	s.logger.Info().Str("peer_connection_state", string(st)).Msg("peer state")
	s.events.OnConnectionStateChanged(s.id, st)

	switch st {
	case core.StateConnected:
		s.mu.Lock()
		first := s.phase == PhaseRemoteApplied
		if first {
			s.phase = PhaseConnected
		}
		s.mu.Unlock()
		if first {
			s.events.OnRemoteConnected(s.id)
		}
	case core.StateFailed:
		return fmt.Errorf("%w: connection state %s", errPeer, st)
	}
	return nil
}

func (s *Session) onTrack(t core.RemoteTrack) {
	m := s.Media()
	if m == nil || s.isClosed() {
		return
	}
	m.AddRemoteTrack(t)
}

func (s *Session) onLocalCandidate(c domain.Candidate) {
	if s.isClosed() {
		return
	}
	s.out.push(c)
}

func (s *Session) publishLocalCandidates() {
	defer s.wg.Done()
	s.out.run(s.ctx, func(ctx context.Context, c domain.Candidate) error {
		return s.role.OnLocalCandidate(ctx, s, c)
	}, func(err error) {
		s.fail(fmt.Errorf("append local candidate: %w", err))
	})
}

// ---- primitives used by roles ----

// applyRemote sets the remote description once and flushes the buffered
// candidates in arrival order. It returns false for a duplicate.
func (s *Session) applyRemote(desc domain.SessionDescription) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.phase == PhaseClosed {
		return false, ErrClosed
	}
	if s.phase.remoteSet() || s.pc.HasRemoteDescription() {
		s.logger.Debug().Str("type", string(desc.Type)).Msg("duplicate remote description ignored")
		return false, nil
	}
	if err := s.pc.SetRemoteDescription(desc); err != nil {
		return false, fmt.Errorf("%w: set remote %s: %w", errProtocol, desc.Type, err)
	}
	s.phase = PhaseRemoteApplied

	flushed := s.pending.Drain()
	for _, c := range flushed {
		s.addCandidateLocked(c)
	}
	s.logger.Info().Str("type", string(desc.Type)).Int("flushed", len(flushed)).Msg("remote description applied")
	return true, nil
}

func (s *Session) addCandidateLocked(c domain.Candidate) {
	if err := s.pc.AddICECandidate(c); err != nil {
		s.logger.Warn().Err(err).Str("candidate", c.Candidate).Msg("add remote candidate failed")
	}
}

func (s *Session) createLocalDescription(ctx context.Context, typ domain.SDPType) (domain.SessionDescription, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.phase == PhaseClosed {
		return domain.SessionDescription{}, ErrClosed
	}
	var (
		desc domain.SessionDescription
		err  error
	)
	if typ == domain.SDPOffer {
		desc, err = s.pc.CreateOffer(ctx)
	} else {
		desc, err = s.pc.CreateAnswer(ctx)
	}
	if err != nil {
		return desc, fmt.Errorf("%w: create %s: %w", errPeer, typ, err)
	}
	return desc, nil
}

// write is a merge update on the record; the local view follows on success.
func (s *Session) write(ctx context.Context, u domain.CallUpdate) error {
	if s.isClosed() {
		return ErrClosed
	}
	if err := s.store.UpdateCall(ctx, s.id, u); err != nil {
		return fmt.Errorf("update call: %w", err)
	}
	s.mu.Lock()
	if s.phase != PhaseClosed {
		u.Apply(&s.record)
	}
	s.mu.Unlock()
	return nil
}

// ---- termination ----

func (s *Session) isClosed() bool {
	select {
	case <-s.done:
		return true
	default:
	}
	return s.ctx.Err() != nil
}

func (s *Session) setPhase(p Phase) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.phase != PhaseClosed {
		s.phase = p
	}
}

// reasonFor maps a terminal record onto this side's end reason.
func (s *Session) reasonFor(rec domain.CallRecord) core.EndReason {
	return core.ReasonForRecord(rec, s.role.Side())
}

// fail routes an asynchronous failure to the single teardown path.
func (s *Session) fail(err error) {
	if s.isClosed() || errors.Is(err, ErrClosed) || errors.Is(err, context.Canceled) {
		return
	}
	switch {
	case errors.Is(err, domain.ErrCallTerminal):
		if s.ending.Load() {
			return
		}
		s.logger.Info().Err(err).Msg("record already terminal")
		ctx, cancel := context.WithTimeout(context.WithoutCancel(s.ctx), terminalWriteTimeout)
		rec, gerr := s.store.GetCall(ctx, s.id)
		cancel()
		if gerr != nil || !rec.Status.Terminal() {
			s.teardown(core.ReasonRemoteHangup)
			return
		}
		s.teardown(s.reasonFor(rec))
	case errors.Is(err, errProtocol),
		errors.Is(err, domain.ErrFieldAlreadySet),
		errors.Is(err, domain.ErrAnswerWithoutOffer),
		errors.Is(err, domain.ErrInvalidTransition),
		errors.Is(err, domain.ErrActiveNoAnswer):
		s.logger.Error().Err(err).Msg("protocol violation, aborting")
		_ = s.end(context.Background(), core.ReasonProtocolViolation)
	case errors.Is(err, errPeer):
		s.logger.Error().Err(err).Msg("peer connection failed")
		_ = s.end(context.Background(), core.ReasonConnectionFailed)
	default:
		s.logger.Error().Err(err).Msg("store operation failed")
		_ = s.end(context.Background(), core.ReasonStoreError)
	}
}

// end writes the terminal status matching the current record state, then tears down.
// Only the first caller writes; everyone else returns nil.
func (s *Session) end(ctx context.Context, reason core.EndReason) error {
	if s.isClosed() || !s.ending.CompareAndSwap(false, true) {
		return nil
	}
	writeCtx, cancel := context.WithTimeout(ctx, terminalWriteTimeout)
	err := s.writeTerminal(writeCtx, reason)
	cancel()
	if err != nil {
		s.logger.Warn().Err(err).Str("reason", string(reason)).Msg("terminal write failed")
	}
	s.teardown(reason)
	return err
}

func (s *Session) writeTerminal(ctx context.Context, reason core.EndReason) error {
	side := s.role.Side()
	current := s.Record().Status
	status, ok := domain.HangupStatus(current)
	if !ok {
		return nil
	}
	err := s.store.UpdateCall(ctx, s.id, domain.StatusUpdate(status, side, string(reason)))
	if errors.Is(err, domain.ErrInvalidTransition) && current == domain.CallRinging {
		// the answer landed before this side observed it
		err = s.store.UpdateCall(ctx, s.id, domain.StatusUpdate(domain.CallEnded, side, string(reason)))
	}
	if errors.Is(err, domain.ErrCallTerminal) {
		return nil
	}
	return err
}

// teardown runs exactly once: cancel in-flight work, release subscriptions, stop
// media, detach and close the peer connection, report the end.
func (s *Session) teardown(reason core.EndReason) {
	s.closeOnce.Do(func() {
		s.cancel()

		s.mu.Lock()
		s.phase = PhaseClosed
		s.reason = reason
		pc, m := s.pc, s.media
		s.pending.Drain()
		s.mu.Unlock()

		s.subs.release()
		s.out.stop()

		var err error
		if m != nil {
			err = multierr.Append(err, m.StopLocal())
		}
		if pc != nil {
			err = multierr.Append(err, pc.Close())
		}
		if m != nil {
			m.StopRemote()
		}
		if err != nil {
			s.logger.Warn().Err(err).Msg("teardown errors")
		}
		s.logger.Info().Str("reason", string(reason)).Msg("session closed")
		s.events.OnCallEnded(s.id, reason)
		close(s.done)
	})
}

type noopEvents struct{}

func (noopEvents) OnIncomingCall(domain.CallRecord) {}
func (noopEvents) OnIncomingCallWithdrawn(domain.CallID) {}
func (noopEvents) OnRemoteConnected(domain.CallID) {}
func (noopEvents) OnConnectionStateChanged(domain.CallID, core.ConnectionState) {}
func (noopEvents) OnCallEnded(domain.CallID, core.EndReason) {}
