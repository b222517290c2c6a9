package signal

import (
	"context"
	"encoding/json"
	"time"

	"github.com/dkeye/Callkit/internal/core"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
)

const writeWait = 5 * time.Second

// Binary frames start with one of these bytes. Inbound the rest is an encoded
// sample, outbound a marshalled RTP packet of the remote track.
const (
	frameAudio byte = 0x00
	frameVideo byte = 0x01
)

const (
	audioFrameDuration = 20 * time.Millisecond
	videoFrameDuration = 33 * time.Millisecond
)

func (ctl *SignalWSController) writePump(ctx context.Context, c *WsSignalConn) {
	var ping <-chan time.Time
	if ctl.opts.PingPeriod > 0 {
		t := time.NewTicker(ctl.opts.PingPeriod)
		defer t.Stop()
		ping = t.C
	}
	for {
		select {
		case <-ctx.Done():
			log.Info().Str("module", "signal").Msg("writePump ctx done")
			// unblocks readPump
			c.Close()
			return
		case <-ping:
			if err := c.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				log.Warn().Err(err).Str("module", "signal").Msg("writePump ping")
				c.Close()
				return
			}
		case f, ok := <-c.send:
			if !ok {
				log.Warn().Str("module", "signal").Msg("writePump channel closed")
				return
			}
			if err := c.conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
				log.Error().Err(err).Str("module", "signal").Msg("writePump set deadline")
				c.Close()
				return
			}
			if err := c.conn.WriteMessage(f.kind, f.data); err != nil {
				log.Error().Err(err).Str("module", "signal").Msg("writePump write error")
				c.Close()
				return
			}
		}
	}
}

func (ctl *SignalWSController) readPump(cl *Client) {
	defer func() {
		log.Info().Str("module", "signal").Str("sid", cl.sid).Msg("readPump closing")
		ctl.disconnect(cl)
		ctl.wg.Done()
	}()

	if ctl.opts.PingPeriod > 0 {
		pongWait := ctl.opts.PingPeriod * 10 / 9
		_ = cl.conn.conn.SetReadDeadline(time.Now().Add(pongWait))
		cl.conn.conn.SetPongHandler(func(string) error {
			return cl.conn.conn.SetReadDeadline(time.Now().Add(pongWait))
		})
	}

	for {
		kind, data, err := cl.conn.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				log.Error().Err(err).Str("module", "signal").Str("sid", cl.sid).Msg("readPump read error")
			}
			return
		}
		if cl.ctx.Err() != nil {
			return
		}
		switch kind {
		case websocket.BinaryMessage:
			ctl.handleSample(cl, data)
		case websocket.TextMessage:
			ctl.handleSignal(cl, data)
		}
	}
}

func (ctl *SignalWSController) handleSignal(cl *Client, data []byte) {
	var env struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(data, &env); err != nil {
		log.Error().Err(err).Str("module", "signal").Msg("bad json")
		ctl.sendError(cl.conn, "bad_payload")
		return
	}

	switch env.Type {
	case "register":
		ctl.handleRegister(cl, data)
	case "whoami":
		ctl.handleWhoAmI(cl)
	case "ping":
		ctl.handlePing(cl.conn)
	case "call":
		ctl.handleCall(cl, data)
	case "cancel":
		ctl.handleCancel(cl)
	case "accept":
		ctl.handleAccept(cl, data)
	case "decline":
		ctl.handleDecline(cl, data)
	case "hangup":
		ctl.handleHangup(cl)
	case "mute":
		ctl.handleMute(cl, data)
	case "video":
		ctl.handleVideo(cl, data)
	default:
		log.Warn().Str("module", "signal").Str("type", env.Type).Msg("unknown signal")
		ctl.sendError(cl.conn, "unknown_type")
	}
}

// handleSample feeds one binary frame into the active call. Frames without a
// call are dropped silently; the shell keeps capturing between calls.
func (ctl *SignalWSController) handleSample(cl *Client, data []byte) {
	if len(data) < 2 {
		return
	}
	o := cl.orchestrator()
	if o == nil {
		return
	}
	var (
		kind core.MediaKind
		d    time.Duration
	)
	switch data[0] {
	case frameAudio:
		kind, d = core.KindAudio, audioFrameDuration
	case frameVideo:
		kind, d = core.KindVideo, videoFrameDuration
	default:
		return
	}
	if err := o.WriteSample(kind, data[1:], d); err != nil {
		log.Debug().Err(err).Str("module", "signal").Str("kind", string(kind)).Msg("sample dropped")
	}
}

func (ctl *SignalWSController) sendJSON(c *WsSignalConn, v any) {
	b, err := json.Marshal(v)
	if err != nil {
		log.Error().Err(err).Str("module", "signal").Msg("sendJSON marshal")
		return
	}
	if err := c.TrySend(b); err != nil {
		log.Warn().Err(err).Str("module", "signal").Msg("sendJSON dropped")
	}
}

func (ctl *SignalWSController) sendError(c *WsSignalConn, code string) {
	ctl.sendJSON(c, map[string]any{
		"type":  "error",
		"error": code,
	})
}
