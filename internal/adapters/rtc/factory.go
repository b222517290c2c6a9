// Package rtc binds the call engine to pion WebRTC.
package rtc

import (
	"fmt"

	"github.com/dkeye/Callkit/internal/core"
	"github.com/dkeye/Callkit/internal/domain"
	"github.com/pion/interceptor"
	"github.com/pion/webrtc/v4"
)

// DefaultICEServers is used when no ICE servers are configured.
var DefaultICEServers = []string{"stun:stun.l.google.com:19302"}

func DefaultWebRTCConfig(iceServers []string) webrtc.Configuration {
	if len(iceServers) == 0 {
		iceServers = DefaultICEServers
	}
	return webrtc.Configuration{
		ICEServers: []webrtc.ICEServer{
			{
				URLs: iceServers,
			},
		},
	}
}

// Factory builds one pion PeerConnection per call from a shared API.
type Factory struct {
	api *webrtc.API
	cfg webrtc.Configuration
}

var _ core.PeerConnectionFactory = (*Factory)(nil)

// NewFactory registers the default codecs and interceptors and routes pion logs
// through lf.
func NewFactory(cfg webrtc.Configuration, lf LoggerFactory) (*Factory, error) {
	m := &webrtc.MediaEngine{}
	if err := m.RegisterDefaultCodecs(); err != nil {
		return nil, fmt.Errorf("register codecs: %w", err)
	}
	i := &interceptor.Registry{}
	if err := webrtc.RegisterDefaultInterceptors(m, i); err != nil {
		return nil, fmt.Errorf("register interceptors: %w", err)
	}
	se := webrtc.SettingEngine{LoggerFactory: lf}

	api := webrtc.NewAPI(
		webrtc.WithMediaEngine(m),
		webrtc.WithInterceptorRegistry(i),
		webrtc.WithSettingEngine(se),
	)
	return &Factory{api: api, cfg: cfg}, nil
}

func (f *Factory) NewPeerConnection(id domain.CallID) (core.PeerConnection, error) {
	pc, err := f.api.NewPeerConnection(f.cfg)
	if err != nil {
		return nil, fmt.Errorf("new peer connection: %w", err)
	}
	return newConnection(pc, id), nil
}
