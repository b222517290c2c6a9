package rtc

import (
	"github.com/dkeye/Callkit/internal/core"
	"github.com/dkeye/Callkit/internal/domain"
	"github.com/pion/rtp"
	"github.com/pion/webrtc/v4"
)

func descriptionFromPion(d webrtc.SessionDescription) domain.SessionDescription {
	return domain.SessionDescription{Type: domain.SDPType(d.Type.String()), SDP: d.SDP}
}

func descriptionToPion(d domain.SessionDescription) webrtc.SessionDescription {
	return webrtc.SessionDescription{Type: webrtc.NewSDPType(string(d.Type)), SDP: d.SDP}
}

func candidateFromInit(c webrtc.ICECandidateInit) domain.Candidate {
	return domain.Candidate{
		Candidate:        c.Candidate,
		SDPMid:           c.SDPMid,
		SDPMLineIndex:    c.SDPMLineIndex,
		UsernameFragment: c.UsernameFragment,
	}
}

func candidateToInit(c domain.Candidate) webrtc.ICECandidateInit {
	return webrtc.ICECandidateInit{
		Candidate:        c.Candidate,
		SDPMid:           c.SDPMid,
		SDPMLineIndex:    c.SDPMLineIndex,
		UsernameFragment: c.UsernameFragment,
	}
}

func mapState(s webrtc.PeerConnectionState) core.ConnectionState {
	switch s {
	case webrtc.PeerConnectionStateConnecting:
		return core.StateConnecting
	case webrtc.PeerConnectionStateConnected:
		return core.StateConnected
	case webrtc.PeerConnectionStateDisconnected:
		return core.StateDisconnected
	case webrtc.PeerConnectionStateFailed:
		return core.StateFailed
	case webrtc.PeerConnectionStateClosed:
		return core.StateClosed
	default:
		return core.StateNew
	}
}

func kindOf(t webrtc.RTPCodecType) core.MediaKind {
	if t == webrtc.RTPCodecTypeVideo {
		return core.KindVideo
	}
	return core.KindAudio
}

type remoteTrack struct {
	track *webrtc.TrackRemote
}

func (t *remoteTrack) ID() string { return t.track.ID() }
func (t *remoteTrack) Kind() core.MediaKind { return kindOf(t.track.Kind()) }

func (t *remoteTrack) ReadRTP() (*rtp.Packet, error) {
	pkt, _, err := t.track.ReadRTP()
	return pkt, err
}
