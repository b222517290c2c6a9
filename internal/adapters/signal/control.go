package signal

import (
	"encoding/json"

	"github.com/rs/zerolog/log"
)

func (ctl *SignalWSController) handlePing(
	conn *WsSignalConn,
) {
	resp := struct {
		Type string `json:"type"`
	}{
		Type: "pong",
	}
	ctl.sendJSON(conn, resp)
}

func (ctl *SignalWSController) handleMute(cl *Client, data []byte) {
	var p struct {
		Muted bool `json:"muted"`
	}
	if err := json.Unmarshal(data, &p); err != nil {
		ctl.sendError(cl.conn, "bad_payload")
		return
	}
	o := ctl.registered(cl)
	if o == nil {
		return
	}
	if err := o.SetMuted(p.Muted); err != nil {
		log.Warn().Err(err).Str("module", "signal").Msg("mute")
		ctl.sendError(cl.conn, errorCode(err))
	}
}

func (ctl *SignalWSController) handleVideo(cl *Client, data []byte) {
	var p struct {
		Enabled bool `json:"enabled"`
	}
	if err := json.Unmarshal(data, &p); err != nil {
		ctl.sendError(cl.conn, "bad_payload")
		return
	}
	o := ctl.registered(cl)
	if o == nil {
		return
	}
	if err := o.SetVideoEnabled(p.Enabled); err != nil {
		log.Warn().Err(err).Str("module", "signal").Msg("video")
		ctl.sendError(cl.conn, errorCode(err))
	}
}
