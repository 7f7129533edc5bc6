package call

import (
	"fmt"

	"github.com/pion/interceptor"
	"github.com/pion/webrtc/v4"
)

// pionTransport adapts *webrtc.PeerConnection to the Transport interface.
type pionTransport struct {
	pc *webrtc.PeerConnection
}

// PionTransportFactory builds peer connections from a shared API instance.
// The API carries the media engine (codecs must match the capture source) and
// interceptor registry.
func PionTransportFactory(api *webrtc.API, cfg webrtc.Configuration) TransportFactory {
	return func() (Transport, error) {
		pc, err := api.NewPeerConnection(cfg)
		if err != nil {
			return nil, fmt.Errorf("new peer connection: %w", err)
		}
		return &pionTransport{pc: pc}, nil
	}
}

// DefaultAPI builds a pion API with default codecs and interceptors, for
// transports whose capture source does not dictate its own media engine.
func DefaultAPI() (*webrtc.API, error) {
	mediaEngine := &webrtc.MediaEngine{}
	if err := mediaEngine.RegisterDefaultCodecs(); err != nil {
		return nil, fmt.Errorf("register codecs: %w", err)
	}
	interceptorRegistry := &interceptor.Registry{}
	if err := webrtc.RegisterDefaultInterceptors(mediaEngine, interceptorRegistry); err != nil {
		return nil, fmt.Errorf("register interceptors: %w", err)
	}
	return webrtc.NewAPI(
		webrtc.WithMediaEngine(mediaEngine),
		webrtc.WithInterceptorRegistry(interceptorRegistry),
	), nil
}

func (t *pionTransport) AddTrack(track webrtc.TrackLocal) error {
	_, err := t.pc.AddTrack(track)
	return err
}

func (t *pionTransport) CreateOffer() (webrtc.SessionDescription, error) {
	return t.pc.CreateOffer(nil)
}

func (t *pionTransport) CreateAnswer() (webrtc.SessionDescription, error) {
	return t.pc.CreateAnswer(nil)
}

func (t *pionTransport) SetLocalDescription(desc webrtc.SessionDescription) error {
	return t.pc.SetLocalDescription(desc)
}

func (t *pionTransport) SetRemoteDescription(desc webrtc.SessionDescription) error {
	return t.pc.SetRemoteDescription(desc)
}

func (t *pionTransport) AddICECandidate(candidate webrtc.ICECandidateInit) error {
	return t.pc.AddICECandidate(candidate)
}

func (t *pionTransport) LocalDescription() *webrtc.SessionDescription {
	return t.pc.LocalDescription()
}

func (t *pionTransport) OnICECandidate(fn func(candidate webrtc.ICECandidateInit)) {
	t.pc.OnICECandidate(func(c *webrtc.ICECandidate) {
		if c == nil {
			return
		}
		fn(c.ToJSON())
	})
}

func (t *pionTransport) OnTrack(fn func(stream MediaStream)) {
	t.pc.OnTrack(func(track *webrtc.TrackRemote, _ *webrtc.RTPReceiver) {
		fn(&remoteTrackStream{track: track})
	})
}

func (t *pionTransport) OnStateChange(fn func(state webrtc.PeerConnectionState)) {
	t.pc.OnConnectionStateChange(fn)
}

func (t *pionTransport) Close() error { return t.pc.Close() }

// remoteTrackStream presents an incoming pion track as a MediaStream for the
// slot layer.
type remoteTrackStream struct {
	track *webrtc.TrackRemote
}

func (r *remoteTrackStream) StreamID() string { return r.track.StreamID() }

// Track exposes the underlying pion track for consumers that read RTP.
func (r *remoteTrackStream) Track() *webrtc.TrackRemote { return r.track }
