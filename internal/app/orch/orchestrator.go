// Package orch is the shell-facing surface of the call engine for one participant.
package orch

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/dkeye/Callkit/internal/app"
	"github.com/dkeye/Callkit/internal/app/negotiation"
	"github.com/dkeye/Callkit/internal/core"
	"github.com/dkeye/Callkit/internal/domain"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

var (
	ErrBusy         = errors.New("participant already in a call")
	ErrNoActiveCall = errors.New("no active call")
	ErrNotCallee    = errors.New("call is not addressed to this participant")
	ErrCallSelf     = errors.New("cannot call yourself")
	ErrNotReachable = errors.New("callee does not accept calls")
	ErrNotRinging   = errors.New("call is no longer ringing")
	ErrClosed       = errors.New("orchestrator closed")
)

const DefaultRingTimeout = 45 * time.Second

// Deps are shared by every call of one participant.
type Deps struct {
	Store    core.SignalStore
	Profiles core.ProfileDirectory
	Devices  core.MediaDevices
	Peers    core.PeerConnectionFactory
	Events   core.CallEvents
}

type Config struct {
	RingTimeout     time.Duration
	BusyPolicy      app.BusyPolicy
	CandidateBuffer int
}

// Orchestrator owns at most one call at a time: an outgoing ringing call, or a
// negotiating session. Incoming calls are surfaced by its Watcher.
type Orchestrator struct {
	self    *domain.Profile
	deps    Deps
	cfg     Config
	events  core.CallEvents
	watcher *app.Watcher
	logger  zerolog.Logger

	// mu guards the single call slot.
	mu       sync.Mutex
	closed   bool
	reserved bool
	handle   *CallHandle
	session  *negotiation.Session
	wg       sync.WaitGroup
}

func New(self *domain.Profile, deps Deps, cfg Config) *Orchestrator {
	if cfg.RingTimeout <= 0 {
		cfg.RingTimeout = DefaultRingTimeout
	}
	if cfg.BusyPolicy == "" {
		cfg.BusyPolicy = app.BusyHold
	}
	o := &Orchestrator{
		self:   self,
		deps:   deps,
		cfg:    cfg,
		logger: log.With().Str("module", "app.orch").Str("participant", string(self.ID)).Logger(),
	}
	o.events = &trackingEvents{o: o, next: deps.Events}
	o.watcher = app.NewWatcher(self, deps.Store, o.events, cfg.BusyPolicy)
	return o
}

func (o *Orchestrator) Self() *domain.Profile { return o.self }

// Start begins watching for incoming calls.
func (o *Orchestrator) Start(ctx context.Context) error {
	return o.watcher.Start(ctx)
}

// Watcher exposes the incoming-call watcher, mostly for inspection.
func (o *Orchestrator) Watcher() *app.Watcher { return o.watcher }

// Active returns the negotiating session, if any.
func (o *Orchestrator) Active() *negotiation.Session {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.session
}

// Outgoing returns the ringing outgoing call, if any.
func (o *Orchestrator) Outgoing() *CallHandle {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.handle
}

// Close cancels an outgoing call, ends the active session and stops watching.
func (o *Orchestrator) Close(ctx context.Context) {
	o.mu.Lock()
	if o.closed {
		o.mu.Unlock()
		return
	}
	o.closed = true
	h, s := o.handle, o.session
	o.mu.Unlock()

	o.watcher.Stop()
	if h != nil {
		if err := h.end(ctx, core.ReasonShutdown); err != nil {
			o.logger.Warn().Err(err).Msg("cancel outgoing call")
		}
	}
	if s != nil {
		if err := s.End(ctx, core.ReasonShutdown); err != nil {
			o.logger.Warn().Err(err).Msg("end active session")
		}
		s.Wait()
	}
	o.wg.Wait()
	o.logger.Info().Msg("orchestrator closed")
}

// reserve claims the single call slot; release or callEnded gives it back.
// An outgoing call also needs the incoming prompt to be clear.
func (o *Orchestrator) reserve(outgoing bool) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.closed {
		return ErrClosed
	}
	if o.reserved {
		return ErrBusy
	}
	if outgoing {
		if !o.watcher.Claim() {
			return ErrBusy
		}
	} else {
		o.watcher.SetBusy(true)
	}
	o.reserved = true
	return nil
}

func (o *Orchestrator) release() {
	o.clearSlot()
	o.watcher.SetBusy(false)
}

func (o *Orchestrator) clearSlot() {
	o.mu.Lock()
	o.reserved = false
	o.handle = nil
	o.session = nil
	o.mu.Unlock()
}

func (o *Orchestrator) newSession(rec domain.CallRecord, side domain.Role) *negotiation.Session {
	return negotiation.NewSession(rec, side, negotiation.Deps{
		Store:   o.deps.Store,
		Devices: o.deps.Devices,
		Peers:   o.deps.Peers,
		Events:  o.events,
	}, negotiation.Config{CandidateBuffer: o.cfg.CandidateBuffer})
}

// callEnded frees the slot if id holds it.
func (o *Orchestrator) callEnded(id domain.CallID) {
	o.mu.Lock()
	held := (o.handle != nil && o.handle.ID() == id) || (o.session != nil && o.session.ID() == id)
	o.mu.Unlock()
	if held {
		o.release()
	}
}

// trackingEvents forwards to the shell and frees the call slot on every end.
type trackingEvents struct {
	o    *Orchestrator
	next core.CallEvents
}

func (e *trackingEvents) OnIncomingCall(rec domain.CallRecord) {
	if e.next != nil {
		e.next.OnIncomingCall(rec)
	}
}

func (e *trackingEvents) OnIncomingCallWithdrawn(id domain.CallID) {
	if e.next != nil {
		e.next.OnIncomingCallWithdrawn(id)
	}
}

func (e *trackingEvents) OnRemoteConnected(id domain.CallID) {
	if e.next != nil {
		e.next.OnRemoteConnected(id)
	}
}

func (e *trackingEvents) OnConnectionStateChanged(id domain.CallID, st core.ConnectionState) {
	if e.next != nil {
		e.next.OnConnectionStateChanged(id, st)
	}
}

func (e *trackingEvents) OnCallEnded(id domain.CallID, reason core.EndReason) {
	e.o.callEnded(id)
	if e.next != nil {
		e.next.OnCallEnded(id, reason)
	}
}
