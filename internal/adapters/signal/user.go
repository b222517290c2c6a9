package signal

import (
	"encoding/json"
	"errors"

	"github.com/dkeye/Callkit/internal/app/media"
	"github.com/dkeye/Callkit/internal/app/negotiation"
	"github.com/dkeye/Callkit/internal/app/orch"
	"github.com/dkeye/Callkit/internal/core"
	"github.com/dkeye/Callkit/internal/domain"
	"github.com/rs/zerolog/log"
)

// handleRegister binds the connection to a participant and starts watching its
// incoming calls. A participant registered on another connection is taken over.
func (ctl *SignalWSController) handleRegister(cl *Client, data []byte) {
	var p struct {
		ID domain.ParticipantID `json:"id"`
	}
	if err := json.Unmarshal(data, &p); err != nil {
		log.Error().Err(err).Str("module", "signal").Msg("bad register payload")
		ctl.sendError(cl.conn, "bad_payload")
		return
	}
	if cl.profile() != nil {
		ctl.sendError(cl.conn, "already_registered")
		return
	}

	self, err := ctl.deps.Profiles.Profile(cl.ctx, p.ID)
	if err != nil {
		log.Warn().Err(err).Str("module", "signal").Str("participant", string(p.ID)).Msg("register")
		ctl.sendError(cl.conn, errorCode(err))
		return
	}

	deps := ctl.deps
	deps.Events = cl
	o := orch.New(self, deps, ctl.cfg)
	if err := o.Start(cl.ctx); err != nil {
		log.Error().Err(err).Str("module", "signal").Str("participant", string(self.ID)).Msg("start watcher")
		o.Close(cl.ctx)
		ctl.sendError(cl.conn, "store_error")
		return
	}

	gen := ctl.clients.Bind(self.ID, cl, cl.cancel)
	cl.mu.Lock()
	cl.self, cl.orch, cl.gen = self, o, gen
	cl.mu.Unlock()

	log.Info().Str("module", "signal").Str("sid", cl.sid).Str("participant", string(self.ID)).Msg("registered")
	ctl.handleWhoAmI(cl)
}

type callView struct {
	ID     domain.CallID        `json:"id"`
	Role   domain.Role          `json:"role"`
	Peer   domain.ParticipantID `json:"peer"`
	Status domain.CallStatus    `json:"status"`
}

func (ctl *SignalWSController) handleWhoAmI(cl *Client) {
	resp := struct {
		Type     string             `json:"type"`
		Profile  *domain.Profile    `json:"profile,omitempty"`
		Call     *callView          `json:"call,omitempty"`
		Incoming *domain.CallRecord `json:"incoming,omitempty"`
	}{
		Type:    "whoami",
		Profile: cl.profile(),
	}
	if o := cl.orchestrator(); o != nil {
		switch s, h := o.Active(), o.Outgoing(); {
		case s != nil:
			resp.Call = viewOf(s.Record(), s.Side())
		case h != nil:
			resp.Call = viewOf(h.Record(), domain.RoleCaller)
		}
		if rec, ok := o.Watcher().Surfaced(); ok {
			resp.Incoming = &rec
		}
	}
	ctl.sendJSON(cl.conn, resp)
}

func viewOf(rec domain.CallRecord, side domain.Role) *callView {
	peer := rec.CalleeID
	if side == domain.RoleCallee {
		peer = rec.CallerID
	}
	return &callView{ID: rec.ID, Role: side, Peer: peer, Status: rec.Status}
}

// registered returns the client's orchestrator or reports not_registered.
func (ctl *SignalWSController) registered(cl *Client) *orch.Orchestrator {
	o := cl.orchestrator()
	if o == nil {
		ctl.sendError(cl.conn, "not_registered")
	}
	return o
}

// errorCode maps engine errors onto the codes the shell understands.
func errorCode(err error) string {
	switch {
	case errors.Is(err, core.ErrProfileNotFound):
		return "unknown_profile"
	case errors.Is(err, domain.ErrParticipantIDEmpty), errors.Is(err, domain.ErrParticipantIDTooLong):
		return "bad_participant"
	case errors.Is(err, orch.ErrBusy):
		return "busy"
	case errors.Is(err, orch.ErrCallSelf):
		return "call_self"
	case errors.Is(err, orch.ErrNotReachable):
		return "not_reachable"
	case errors.Is(err, orch.ErrNotCallee):
		return "not_callee"
	case errors.Is(err, orch.ErrNotRinging), errors.Is(err, domain.ErrCallTerminal):
		return "not_ringing"
	case errors.Is(err, orch.ErrNoActiveCall):
		return "no_active_call"
	case errors.Is(err, core.ErrCallNotFound):
		return "call_not_found"
	case errors.Is(err, core.ErrMediaDenied):
		return "media_denied"
	case errors.Is(err, media.ErrNoTrack):
		return "no_track"
	case errors.Is(err, orch.ErrClosed), errors.Is(err, negotiation.ErrClosed):
		return "closed"
	}
	return "internal"
}
