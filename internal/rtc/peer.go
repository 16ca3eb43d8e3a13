package rtc

import (
	"encoding/json"
	"errors"

	"github.com/pion/interceptor"
	"github.com/pion/webrtc/v3"

	"github.com/gillesmich/avatarai/internal/signaling"
)

// Peer is the subset of a peer connection PeerSession drives. The pion
// implementation is returned by NewPionPeer; tests substitute their own.
type Peer interface {
	// SetRemoteOffer applies the provider's offer.
	SetRemoteOffer(sdp string) error
	// CreateLocalAnswer creates and applies the local answer. Candidate
	// gathering begins as a side effect.
	CreateLocalAnswer() (string, error)
	OnLocalCandidate(func(signaling.Candidate))
	OnStateChange(func(ConnectionState))
	OnTrack(func(*webrtc.TrackRemote))
	Close() error
}

// PeerFactory builds a Peer for one negotiation attempt.
type PeerFactory func(iceServers []webrtc.ICEServer) (Peer, error)

type pionPeer struct {
	pc *webrtc.PeerConnection
}

// NewPionPeer builds a receive-side peer connection with default codecs and
// interceptors.
func NewPionPeer(iceServers []webrtc.ICEServer) (Peer, error) {
	api, err := newAPI()
	if err != nil {
		return nil, err
	}
	pc, err := api.NewPeerConnection(webrtc.Configuration{ICEServers: iceServers})
	if err != nil {
		return nil, err
	}
	return &pionPeer{pc: pc}, nil
}

func newAPI() (*webrtc.API, error) {
	mediaEngine := &webrtc.MediaEngine{}
	if err := mediaEngine.RegisterDefaultCodecs(); err != nil {
		return nil, err
	}
	ir := &interceptor.Registry{}
	if err := webrtc.RegisterDefaultInterceptors(mediaEngine, ir); err != nil {
		return nil, err
	}
	return webrtc.NewAPI(webrtc.WithMediaEngine(mediaEngine), webrtc.WithInterceptorRegistry(ir)), nil
}

func (p *pionPeer) SetRemoteOffer(sdp string) error {
	return p.pc.SetRemoteDescription(webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: sdp})
}

func (p *pionPeer) CreateLocalAnswer() (string, error) {
	answer, err := p.pc.CreateAnswer(nil)
	if err != nil {
		return "", err
	}
	if err := p.pc.SetLocalDescription(answer); err != nil {
		return "", err
	}
	local := p.pc.LocalDescription()
	if local == nil {
		return "", errors.New("no local description")
	}
	return local.SDP, nil
}

func (p *pionPeer) OnLocalCandidate(fn func(signaling.Candidate)) {
	p.pc.OnICECandidate(func(c *webrtc.ICECandidate) {
		// nil marks the end of gathering
		if c == nil {
			return
		}
		init := c.ToJSON()
		fn(signaling.Candidate{Candidate: init.Candidate, SDPMid: init.SDPMid, SDPMLineIndex: init.SDPMLineIndex})
	})
}

func (p *pionPeer) OnStateChange(fn func(ConnectionState)) {
	p.pc.OnConnectionStateChange(func(s webrtc.PeerConnectionState) {
		fn(fromPion(s))
	})
}

func (p *pionPeer) OnTrack(fn func(*webrtc.TrackRemote)) {
	p.pc.OnTrack(func(remote *webrtc.TrackRemote, _ *webrtc.RTPReceiver) {
		fn(remote)
	})
}

func (p *pionPeer) Close() error { return p.pc.Close() }

// ICEServers converts provider ICE servers, falling back to fallbackJSON
// (a JSON array of RTCIceServer objects) and then to a public STUN server.
func ICEServers(provided []signaling.ICEServer, fallbackJSON string) []webrtc.ICEServer {
	if len(provided) > 0 {
		out := make([]webrtc.ICEServer, 0, len(provided))
		for _, s := range provided {
			out = append(out, webrtc.ICEServer{URLs: s.URLs, Username: s.Username, Credential: s.Credential})
		}
		return out
	}
	var servers []webrtc.ICEServer
	if err := json.Unmarshal([]byte(fallbackJSON), &servers); err == nil && len(servers) > 0 {
		return servers
	}
	return []webrtc.ICEServer{{URLs: []string{"stun:stun.l.google.com:19302"}}}
}
