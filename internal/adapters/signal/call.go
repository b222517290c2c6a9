package signal

import (
	"context"
	"encoding/json"
	"time"

	"github.com/dkeye/Callkit/internal/core"
	"github.com/dkeye/Callkit/internal/domain"
	"github.com/rs/zerolog/log"
)

// commandTimeout bounds store writes and media acquisition of one command.
const commandTimeout = 15 * time.Second

type callPayload struct {
	Callee domain.ParticipantID `json:"callee"`
	CallID domain.CallID        `json:"call_id"`
}

func (ctl *SignalWSController) parseCall(cl *Client, data []byte) (callPayload, bool) {
	var p callPayload
	if err := json.Unmarshal(data, &p); err != nil {
		log.Error().Err(err).Str("module", "signal").Msg("bad call payload")
		ctl.sendError(cl.conn, "bad_payload")
		return p, false
	}
	return p, true
}

func (ctl *SignalWSController) handleCall(cl *Client, data []byte) {
	p, ok := ctl.parseCall(cl, data)
	if !ok {
		return
	}
	o := ctl.registered(cl)
	if o == nil {
		return
	}
	if !ctl.limiter.Allow(o.Self().ID) {
		log.Warn().Str("module", "signal").Str("participant", string(o.Self().ID)).Msg("call rate limited")
		ctl.sendError(cl.conn, "rate_limited")
		return
	}

	ctx, cancel := context.WithTimeout(cl.ctx, commandTimeout)
	defer cancel()
	h, err := o.InitiateCall(ctx, p.Callee)
	if err != nil {
		log.Warn().Err(err).Str("module", "signal").Str("callee", string(p.Callee)).Msg("call")
		ctl.sendError(cl.conn, errorCode(err))
		return
	}
	ctl.sendJSON(cl.conn, struct {
		Type string            `json:"type"`
		Call domain.CallRecord `json:"call"`
	}{
		Type: "call_created",
		Call: h.Record(),
	})
}

func (ctl *SignalWSController) handleCancel(cl *Client) {
	o := ctl.registered(cl)
	if o == nil {
		return
	}
	h := o.Outgoing()
	if h == nil {
		ctl.sendError(cl.conn, "no_active_call")
		return
	}
	ctx, cancel := context.WithTimeout(cl.ctx, commandTimeout)
	defer cancel()
	if err := h.Cancel(ctx); err != nil {
		log.Warn().Err(err).Str("module", "signal").Str("call", string(h.ID())).Msg("cancel")
		ctl.sendError(cl.conn, errorCode(err))
	}
}

func (ctl *SignalWSController) handleAccept(cl *Client, data []byte) {
	p, ok := ctl.parseCall(cl, data)
	if !ok {
		return
	}
	o := ctl.registered(cl)
	if o == nil {
		return
	}
	ctx, cancel := context.WithTimeout(cl.ctx, commandTimeout)
	defer cancel()
	rec, err := ctl.deps.Store.GetCall(ctx, p.CallID)
	if err != nil {
		ctl.sendError(cl.conn, errorCode(err))
		return
	}
	if _, err := o.AcceptCall(ctx, rec); err != nil {
		log.Warn().Err(err).Str("module", "signal").Str("call", string(p.CallID)).Msg("accept")
		ctl.sendError(cl.conn, errorCode(err))
	}
}

func (ctl *SignalWSController) handleDecline(cl *Client, data []byte) {
	p, ok := ctl.parseCall(cl, data)
	if !ok {
		return
	}
	o := ctl.registered(cl)
	if o == nil {
		return
	}
	ctx, cancel := context.WithTimeout(cl.ctx, commandTimeout)
	defer cancel()
	rec, err := ctl.deps.Store.GetCall(ctx, p.CallID)
	if err != nil {
		ctl.sendError(cl.conn, errorCode(err))
		return
	}
	if err := o.DeclineCall(ctx, rec); err != nil {
		log.Warn().Err(err).Str("module", "signal").Str("call", string(p.CallID)).Msg("decline")
		ctl.sendError(cl.conn, errorCode(err))
	}
}

func (ctl *SignalWSController) handleHangup(cl *Client) {
	o := ctl.registered(cl)
	if o == nil {
		return
	}
	ctx, cancel := context.WithTimeout(cl.ctx, commandTimeout)
	defer cancel()
	if err := o.Hangup(ctx, nil); err != nil {
		log.Warn().Err(err).Str("module", "signal").Msg("hangup")
		ctl.sendError(cl.conn, errorCode(err))
	}
}

// Events pushed to the shell. They are queued without blocking; a slow reader
// loses events rather than stalling the engine.

type callEvent struct {
	Type   string               `json:"type"`
	CallID domain.CallID        `json:"call_id"`
	State  core.ConnectionState `json:"state,omitempty"`
	Reason core.EndReason       `json:"reason,omitempty"`
}

func (cl *Client) OnIncomingCall(rec domain.CallRecord) {
	cl.ctl.sendJSON(cl.conn, struct {
		Type string            `json:"type"`
		Call domain.CallRecord `json:"call"`
	}{
		Type: "incoming_call",
		Call: rec,
	})
}

func (cl *Client) OnIncomingCallWithdrawn(id domain.CallID) {
	cl.ctl.sendJSON(cl.conn, callEvent{Type: "incoming_withdrawn", CallID: id})
}

func (cl *Client) OnRemoteConnected(id domain.CallID) {
	cl.forwardRemote(id)
	cl.ctl.sendJSON(cl.conn, callEvent{Type: "remote_connected", CallID: id})
}

func (cl *Client) OnConnectionStateChanged(id domain.CallID, st core.ConnectionState) {
	cl.ctl.sendJSON(cl.conn, callEvent{Type: "connection_state", CallID: id, State: st})
}

func (cl *Client) OnCallEnded(id domain.CallID, reason core.EndReason) {
	cl.ctl.sendJSON(cl.conn, callEvent{Type: "call_ended", CallID: id, Reason: reason})
}
