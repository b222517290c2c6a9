package app

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/dkeye/Callkit/internal/core"
	"github.com/dkeye/Callkit/internal/domain"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

const rejectWriteTimeout = 5 * time.Second

// Watcher follows ringing calls addressed to one participant and surfaces at
// most one of them at a time. While a prompt is shown or a call is in progress,
// further ringing calls are held or rejected according to the BusyPolicy.
type Watcher struct {
	self   *domain.Profile
	store  core.SignalStore
	events core.CallEvents
	policy BusyPolicy
	logger zerolog.Logger

	// op serializes reconcile and the events it emits.
	op sync.Mutex

	mu       sync.Mutex
	ctx      context.Context
	unsub    core.Unsubscribe
	running  bool
	closed   bool
	busy     bool
	ringing  []domain.CallRecord
	surfaced *domain.CallRecord
	handled  map[domain.CallID]struct{}
}

func NewWatcher(self *domain.Profile, store core.SignalStore, events core.CallEvents, policy BusyPolicy) *Watcher {
	return &Watcher{
		self:    self,
		store:   store,
		events:  events,
		policy:  policy,
		logger:  log.With().Str("module", "app.watcher").Str("participant", string(self.ID)).Logger(),
		handled: make(map[domain.CallID]struct{}),
	}
}

// Start subscribes to incoming calls. Profiles that do not accept calls are never watched.
func (w *Watcher) Start(ctx context.Context) error {
	if !w.self.AcceptsCalls {
		w.logger.Info().Msg("participant does not accept calls, not watching")
		return nil
	}
	w.mu.Lock()
	if w.running || w.closed {
		w.mu.Unlock()
		return nil
	}
	w.running = true
	w.ctx = ctx
	w.mu.Unlock()

	unsub, err := w.store.WatchIncoming(ctx, w.self.ID, w.onRinging)
	if err != nil {
		w.mu.Lock()
		w.running = false
		w.mu.Unlock()
		return err
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		unsub()
		return nil
	}
	w.unsub = unsub
	w.logger.Info().Str("policy", string(w.policy)).Msg("watching incoming calls")
	return nil
}

func (w *Watcher) Running() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.running && !w.closed
}

// Surfaced returns the call currently shown to the participant, if any.
func (w *Watcher) Surfaced() (domain.CallRecord, bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.surfaced == nil {
		return domain.CallRecord{}, false
	}
	return *w.surfaced, true
}

// SetBusy marks whether the participant has a negotiation in progress. Leaving
// the busy state surfaces the next held call.
func (w *Watcher) SetBusy(busy bool) {
	w.update(func() { w.busy = busy })
}

// Claim marks the participant busy for an outgoing call. It fails while an
// incoming prompt is on screen, since the participant must answer it first.
func (w *Watcher) Claim() bool {
	claimed := false
	w.update(func() {
		if w.surfaced != nil {
			return
		}
		w.busy = true
		claimed = true
	})
	return claimed
}

// Resolve records that id was accepted or declined; it is never surfaced again
// unless Reopen is called.
func (w *Watcher) Resolve(id domain.CallID) {
	w.update(func() {
		w.handled[id] = struct{}{}
		if w.surfaced != nil && w.surfaced.ID == id {
			w.surfaced = nil
		}
	})
}

// Reopen undoes a Resolve whose accept never reached the store and leaves the
// busy state in the same step, so a call that is still ringing is surfaced again
// rather than held or rejected.
func (w *Watcher) Reopen(id domain.CallID) {
	w.update(func() {
		delete(w.handled, id)
		w.busy = false
	})
}

func (w *Watcher) Stop() {
	w.mu.Lock()
	w.closed = true
	unsub := w.unsub
	w.unsub = nil
	w.mu.Unlock()
	if unsub != nil {
		unsub()
	}
}

func (w *Watcher) onRinging(recs []domain.CallRecord) {
	w.update(func() { w.ringing = recs })
}

func (w *Watcher) update(mutate func()) {
	w.op.Lock()
	defer w.op.Unlock()

	w.mu.Lock()
	mutate()
	a := w.reconcileLocked()
	ctx := w.ctx
	w.mu.Unlock()

	w.apply(ctx, a)
}

type watchActions struct {
	withdraw []domain.CallID
	surface  *domain.CallRecord
	reject   []domain.CallRecord
}

func (w *Watcher) reconcileLocked() watchActions {
	var a watchActions
	if w.closed {
		return a
	}

	present := make(map[domain.CallID]struct{}, len(w.ringing))
	for _, rec := range w.ringing {
		present[rec.ID] = struct{}{}
	}
	for id := range w.handled {
		if _, ok := present[id]; !ok {
			delete(w.handled, id)
		}
	}
	if w.surfaced != nil {
		if _, ok := present[w.surfaced.ID]; !ok {
			a.withdraw = append(a.withdraw, w.surfaced.ID)
			w.surfaced = nil
		}
	}

	for _, rec := range w.ringing {
		if _, ok := w.handled[rec.ID]; ok {
			continue
		}
		if w.surfaced != nil && w.surfaced.ID == rec.ID {
			continue
		}
		if w.surfaced == nil && !w.busy {
			r := rec
			w.surfaced = &r
			a.surface = &r
			continue
		}
		if w.policy == BusyReject {
			w.handled[rec.ID] = struct{}{}
			a.reject = append(a.reject, rec)
		}
	}
	return a
}

func (w *Watcher) apply(ctx context.Context, a watchActions) {
	for _, id := range a.withdraw {
		w.logger.Info().Str("call", string(id)).Msg("incoming call withdrawn")
		w.events.OnIncomingCallWithdrawn(id)
	}
	if a.surface != nil {
		w.logger.Info().Str("call", string(a.surface.ID)).Str("caller", string(a.surface.CallerID)).Msg("incoming call")
		w.events.OnIncomingCall(*a.surface)
	}
	if len(a.reject) == 0 {
		return
	}
	if ctx == nil {
		ctx = context.Background()
	}
	for _, rec := range a.reject {
		wctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), rejectWriteTimeout)
		err := w.store.UpdateCall(wctx, rec.ID, domain.StatusUpdate(domain.CallUnanswered, domain.RoleCallee, string(core.ReasonBusy)))
		cancel()
		switch {
		case err == nil:
			w.logger.Info().Str("call", string(rec.ID)).Msg("rejected busy")
		case errors.Is(err, domain.ErrCallTerminal):
		default:
			w.logger.Warn().Err(err).Str("call", string(rec.ID)).Msg("busy rejection failed")
		}
	}
}
