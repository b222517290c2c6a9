package orch

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/dkeye/Callkit/internal/app/negotiation"
	"github.com/dkeye/Callkit/internal/core"
	"github.com/dkeye/Callkit/internal/domain"
	"github.com/rs/zerolog"
)

const writeTimeout = 5 * time.Second

// CallHandle is the caller's side of an outgoing call. It rings until the callee
// accepts, declines, the caller cancels or the ring timeout fires. Acceptance
// starts the caller's Session, and the handle then follows it to the end.
type CallHandle struct {
	o      *Orchestrator
	rec    domain.CallRecord
	logger zerolog.Logger
	ctx    context.Context
	cancel context.CancelFunc

	mu       sync.Mutex
	session  *negotiation.Session
	finished bool
	reason   core.EndReason
	unsub    core.Unsubscribe
	timer    *time.Timer
	done     chan struct{}
}

func (h *CallHandle) ID() domain.CallID { return h.rec.ID }

// Record is the record as created.
func (h *CallHandle) Record() domain.CallRecord { return h.rec }

func (h *CallHandle) Done() <-chan struct{} { return h.done }

// Session is nil until the callee accepts.
func (h *CallHandle) Session() *negotiation.Session {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.session
}

// Reason is set once Done is closed.
func (h *CallHandle) Reason() core.EndReason {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.reason
}

// Cancel withdraws a ringing call, or hangs up once it is in negotiation.
func (h *CallHandle) Cancel(ctx context.Context) error {
	return h.end(ctx, core.ReasonCancelled)
}

// InitiateCall creates a ringing record addressed to callee and returns its handle.
func (o *Orchestrator) InitiateCall(ctx context.Context, callee domain.ParticipantID) (*CallHandle, error) {
	if callee == o.self.ID {
		return nil, ErrCallSelf
	}
	profile, err := o.deps.Profiles.Profile(ctx, callee)
	if err != nil {
		return nil, fmt.Errorf("lookup callee: %w", err)
	}
	if !profile.AcceptsCalls {
		return nil, ErrNotReachable
	}
	if err := o.reserve(true); err != nil {
		return nil, err
	}

	rec := domain.NewCallRecord(o.self, profile, time.Now().UTC())
	if err := o.deps.Store.CreateCall(ctx, rec); err != nil {
		o.release()
		return nil, fmt.Errorf("create call: %w", err)
	}

	hctx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	h := &CallHandle{
		o:      o,
		rec:    rec,
		logger: o.logger.With().Str("call", string(rec.ID)).Str("callee", string(callee)).Logger(),
		ctx:    hctx,
		cancel: cancel,
		done:   make(chan struct{}),
	}
	o.mu.Lock()
	o.handle = h
	o.mu.Unlock()

	h.mu.Lock()
	h.timer = time.AfterFunc(o.cfg.RingTimeout, h.onRingTimeout)
	h.mu.Unlock()

	unsub, err := o.deps.Store.WatchCall(hctx, rec.ID, h.onRecord)
	if err != nil {
		_ = h.end(ctx, core.ReasonStoreError)
		return nil, fmt.Errorf("watch call: %w", err)
	}
	h.mu.Lock()
	if h.finished {
		h.mu.Unlock()
		unsub()
		return h, nil
	}
	h.unsub = unsub
	h.mu.Unlock()

	h.logger.Info().Dur("ring_timeout", o.cfg.RingTimeout).Msg("call ringing")
	return h, nil
}

func (h *CallHandle) onRecord(rec domain.CallRecord) {
	h.mu.Lock()
	if h.finished || h.session != nil {
		h.mu.Unlock()
		return
	}
	if rec.Status.Terminal() {
		h.mu.Unlock()
		h.finish(core.ReasonForRecord(rec, domain.RoleCaller), true)
		return
	}
	if rec.AcceptedAt == nil {
		h.mu.Unlock()
		return
	}

	s := h.o.newSession(rec, domain.RoleCaller)
	h.session = s
	h.timer.Stop()
	h.mu.Unlock()

	h.o.mu.Lock()
	h.o.session = s
	h.o.mu.Unlock()

	h.logger.Info().Msg("call accepted, starting negotiation")
	h.o.wg.Add(1)
	go func() {
		defer h.o.wg.Done()
		if err := s.Start(h.ctx); err != nil {
			h.logger.Warn().Err(err).Msg("caller session did not start")
		}
		<-s.Done()
		h.finish(s.Reason(), false)
	}()
}

func (h *CallHandle) onRingTimeout() {
	if h.Session() != nil {
		return
	}
	h.logger.Info().Msg("ring timeout")
	if err := h.end(h.ctx, core.ReasonUnanswered); err != nil {
		h.logger.Warn().Err(err).Msg("ring timeout write failed")
	}
}

// end writes unanswered while ringing, or ends the session once accepted.
func (h *CallHandle) end(ctx context.Context, reason core.EndReason) error {
	h.mu.Lock()
	if h.finished {
		h.mu.Unlock()
		return nil
	}
	if s := h.session; s != nil {
		h.mu.Unlock()
		return s.End(ctx, reason)
	}
	h.mu.Unlock()

	wctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), writeTimeout)
	err := h.o.deps.Store.UpdateCall(wctx, h.rec.ID,
		domain.StatusUpdate(domain.CallUnanswered, domain.RoleCaller, string(reason)))
	cancel()
	switch {
	case err == nil:
		h.finish(reason, true)
		return nil
	case errors.Is(err, domain.ErrCallTerminal):
		// the callee got there first; its watch delivery finishes the handle
		rec, gerr := h.o.deps.Store.GetCall(context.WithoutCancel(ctx), h.rec.ID)
		if gerr == nil && rec.Status.Terminal() {
			h.finish(core.ReasonForRecord(rec, domain.RoleCaller), true)
		}
		return nil
	default:
		h.finish(core.ReasonStoreError, true)
		return fmt.Errorf("cancel call: %w", err)
	}
}

// finish runs once. Ends that happened inside a Session were already reported by it.
func (h *CallHandle) finish(reason core.EndReason, report bool) {
	h.mu.Lock()
	if h.finished {
		h.mu.Unlock()
		return
	}
	h.finished = true
	h.reason = reason
	unsub := h.unsub
	h.unsub = nil
	if h.timer != nil {
		h.timer.Stop()
	}
	h.mu.Unlock()

	if unsub != nil {
		unsub()
	}
	h.cancel()
	h.logger.Info().Str("reason", string(reason)).Msg("outgoing call finished")
	if report {
		h.o.events.OnCallEnded(h.rec.ID, reason)
	}
	close(h.done)
}

// AcceptCall marks rec accepted and starts negotiating as callee.
func (o *Orchestrator) AcceptCall(ctx context.Context, rec domain.CallRecord) (*negotiation.Session, error) {
	if rec.CalleeID != o.self.ID {
		return nil, ErrNotCallee
	}
	if err := o.reserve(false); err != nil {
		return nil, err
	}
	o.watcher.Resolve(rec.ID)

	now := time.Now().UTC()
	if err := o.deps.Store.UpdateCall(ctx, rec.ID, domain.CallUpdate{AcceptedAt: &now}); err != nil {
		if errors.Is(err, domain.ErrCallTerminal) {
			o.release()
			return nil, fmt.Errorf("%w: %s", ErrNotRinging, rec.ID)
		}
		// still ringing as far as anyone knows; put the prompt back
		o.clearSlot()
		o.watcher.Reopen(rec.ID)
		return nil, fmt.Errorf("accept call: %w", err)
	}
	rec.AcceptedAt = &now

	s := o.newSession(rec, domain.RoleCallee)
	o.mu.Lock()
	o.session = s
	o.mu.Unlock()

	o.logger.Info().Str("call", string(rec.ID)).Str("caller", string(rec.CallerID)).Msg("call accepted")
	if err := s.Start(ctx); err != nil {
		return s, err
	}
	return s, nil
}

// DeclineCall is a single terminal write; no Session is created.
func (o *Orchestrator) DeclineCall(ctx context.Context, rec domain.CallRecord) error {
	if rec.CalleeID != o.self.ID {
		return ErrNotCallee
	}
	o.watcher.Resolve(rec.ID)
	err := o.deps.Store.UpdateCall(ctx, rec.ID,
		domain.StatusUpdate(domain.CallDeclined, domain.RoleCallee, string(core.ReasonDeclined)))
	if errors.Is(err, domain.ErrCallTerminal) {
		return fmt.Errorf("%w: %s", ErrNotRinging, rec.ID)
	}
	if err != nil {
		return fmt.Errorf("decline call: %w", err)
	}
	o.logger.Info().Str("call", string(rec.ID)).Msg("call declined")
	return nil
}

// Hangup ends s, or the active session when s is nil. An outgoing call that is
// still ringing is cancelled.
func (o *Orchestrator) Hangup(ctx context.Context, s *negotiation.Session) error {
	if s != nil {
		return s.Hangup(ctx)
	}
	o.mu.Lock()
	h, active := o.handle, o.session
	o.mu.Unlock()
	switch {
	case active != nil:
		return active.Hangup(ctx)
	case h != nil:
		return h.Cancel(ctx)
	}
	return ErrNoActiveCall
}
