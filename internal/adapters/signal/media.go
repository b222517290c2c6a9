package signal

import (
	"errors"

	"github.com/dkeye/Callkit/internal/core"
	"github.com/dkeye/Callkit/internal/domain"
	"github.com/pion/rtp"
	"github.com/rs/zerolog/log"
)

// frameSink ships remote RTP to the websocket as prefixed binary frames.
// Backpressure drops the packet; a closed connection detaches the sink.
type frameSink struct {
	conn   *WsSignalConn
	prefix byte
}

func (s frameSink) WriteRTP(p *rtp.Packet) error {
	raw, err := p.Marshal()
	if err != nil {
		return err
	}
	frame := make([]byte, 0, len(raw)+1)
	frame = append(frame, s.prefix)
	frame = append(frame, raw...)
	if err := s.conn.TrySendBinary(frame); errors.Is(err, ErrConnClosed) {
		return err
	}
	return nil
}

// forwardRemote attaches audio and video sinks to the connected call.
func (cl *Client) forwardRemote(id domain.CallID) {
	o := cl.orchestrator()
	if o == nil {
		return
	}
	for kind, prefix := range map[core.MediaKind]byte{core.KindAudio: frameAudio, core.KindVideo: frameVideo} {
		if _, err := o.AddRemoteSink(kind, frameSink{conn: cl.conn, prefix: prefix}); err != nil {
			log.Warn().Err(err).Str("module", "signal").Str("call", string(id)).Msg("forward remote media")
			return
		}
	}
}
