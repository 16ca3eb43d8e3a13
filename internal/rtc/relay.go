package rtc

import (
	"context"
	"errors"
	"io"
	"sync"

	"github.com/google/uuid"
	"github.com/pion/webrtc/v3"
	"github.com/rs/zerolog"
)

// SessionDescription is a small DTO to avoid exposing webrtc types in transport.
type SessionDescription struct {
	Type string `json:"type"`
	SDP  string `json:"sdp"`
}

// AudioTap receives the provider's audio payloads as they are relayed.
type AudioTap interface {
	Feed(payload []byte)
	Reset()
}

// ViewerRelay is the Renderer of the live session: provider RTP is copied to
// local tracks that any number of browser viewers subscribe to.
type ViewerRelay struct {
	log        zerolog.Logger
	iceServers []webrtc.ICEServer
	tap        AudioTap

	mu      sync.Mutex
	api     *webrtc.API
	tracks  map[webrtc.RTPCodecType]*webrtc.TrackLocalStaticRTP
	viewers map[string]*webrtc.PeerConnection
	epoch   uint64
}

// NewViewerRelay prepares VP8 video and Opus audio tracks for viewers.
func NewViewerRelay(iceServers []webrtc.ICEServer, log zerolog.Logger) (*ViewerRelay, error) {
	api, err := newAPI()
	if err != nil {
		return nil, err
	}
	streamID := "avatar-" + uuid.NewString()
	video, err := webrtc.NewTrackLocalStaticRTP(webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeVP8}, "avatar-video", streamID)
	if err != nil {
		return nil, err
	}
	audio, err := webrtc.NewTrackLocalStaticRTP(webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeOpus, ClockRate: 48000, Channels: 2}, "avatar-audio", streamID)
	if err != nil {
		return nil, err
	}
	return &ViewerRelay{
		log:        log,
		iceServers: iceServers,
		api:        api,
		tracks: map[webrtc.RTPCodecType]*webrtc.TrackLocalStaticRTP{
			webrtc.RTPCodecTypeVideo: video,
			webrtc.RTPCodecTypeAudio: audio,
		},
		viewers: make(map[string]*webrtc.PeerConnection),
	}, nil
}

// WithAudioTap feeds relayed audio to tap, e.g. a SpeakingMonitor.
func (r *ViewerRelay) WithAudioTap(tap AudioTap) *ViewerRelay {
	r.tap = tap
	return r
}

// Attach starts copying remote RTP to the matching local track until the
// remote track ends or Detach is called.
func (r *ViewerRelay) Attach(remote *webrtc.TrackRemote) {
	r.mu.Lock()
	local := r.tracks[remote.Kind()]
	epoch := r.epoch
	r.mu.Unlock()
	if local == nil {
		return
	}
	if remote.Codec().MimeType != local.Codec().MimeType {
		r.log.Warn().Str("remote", remote.Codec().MimeType).Str("local", local.Codec().MimeType).Msg("codec mismatch, viewers may not decode")
	}
	r.log.Info().Str("kind", remote.Kind().String()).Str("codec", remote.Codec().MimeType).Msg("relaying remote track")

	go func() {
		for {
			pkt, _, err := remote.ReadRTP()
			if err != nil {
				r.log.Debug().Err(err).Str("kind", remote.Kind().String()).Msg("remote track ended")
				return
			}
			r.mu.Lock()
			stale := r.epoch != epoch
			r.mu.Unlock()
			if stale {
				return
			}
			if remote.Kind() == webrtc.RTPCodecTypeAudio && r.tap != nil {
				r.tap.Feed(pkt.Payload)
			}
			if err := local.WriteRTP(pkt); err != nil && !errors.Is(err, io.ErrClosedPipe) {
				r.log.Debug().Err(err).Msg("relay write")
			}
		}
	}()
}

// Detach stops relaying; viewers stay connected and receive nothing until
// the next Attach.
func (r *ViewerRelay) Detach() {
	r.mu.Lock()
	r.epoch++
	r.mu.Unlock()
	if r.tap != nil {
		r.tap.Reset()
	}
}

// HandleViewerOffer accepts a browser SDP offer and returns the answer once
// ICE gathering completes.
func (r *ViewerRelay) HandleViewerOffer(ctx context.Context, offer SessionDescription) (SessionDescription, error) {
	if offer.Type != "offer" || offer.SDP == "" {
		return SessionDescription{}, errors.New("invalid offer")
	}
	pc, err := r.api.NewPeerConnection(webrtc.Configuration{ICEServers: r.iceServers})
	if err != nil {
		return SessionDescription{}, err
	}
	viewerID := uuid.NewString()
	log := r.log.With().Str("viewer", viewerID).Logger()

	r.mu.Lock()
	tracks := []*webrtc.TrackLocalStaticRTP{r.tracks[webrtc.RTPCodecTypeVideo], r.tracks[webrtc.RTPCodecTypeAudio]}
	r.mu.Unlock()
	for _, t := range tracks {
		sender, err := pc.AddTrack(t)
		if err != nil {
			_ = pc.Close()
			return SessionDescription{}, err
		}
		// RTCP must be drained for interceptors to work.
		go func() {
			buf := make([]byte, 1500)
			for {
				if _, _, err := sender.Read(buf); err != nil {
					return
				}
			}
		}()
	}

	pc.OnConnectionStateChange(func(state webrtc.PeerConnectionState) {
		log.Debug().Str("state", state.String()).Msg("viewer connection state")
		switch state {
		case webrtc.PeerConnectionStateFailed, webrtc.PeerConnectionStateClosed, webrtc.PeerConnectionStateDisconnected:
			r.mu.Lock()
			delete(r.viewers, viewerID)
			r.mu.Unlock()
			_ = pc.Close()
		}
	})

	if err := pc.SetRemoteDescription(webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: offer.SDP}); err != nil {
		_ = pc.Close()
		return SessionDescription{}, err
	}
	answer, err := pc.CreateAnswer(nil)
	if err != nil {
		_ = pc.Close()
		return SessionDescription{}, err
	}
	gatherComplete := webrtc.GatheringCompletePromise(pc)
	if err := pc.SetLocalDescription(answer); err != nil {
		_ = pc.Close()
		return SessionDescription{}, err
	}
	select {
	case <-gatherComplete:
	case <-ctx.Done():
		_ = pc.Close()
		return SessionDescription{}, ctx.Err()
	}
	local := pc.LocalDescription()
	if local == nil {
		_ = pc.Close()
		return SessionDescription{}, errors.New("no local description")
	}

	r.mu.Lock()
	r.viewers[viewerID] = pc
	r.mu.Unlock()
	log.Info().Msg("viewer joined")
	return SessionDescription{Type: "answer", SDP: local.SDP}, nil
}

// Viewers returns the number of connected viewers.
func (r *ViewerRelay) Viewers() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.viewers)
}

// Close disconnects every viewer.
func (r *ViewerRelay) Close() {
	r.mu.Lock()
	viewers := r.viewers
	r.viewers = make(map[string]*webrtc.PeerConnection)
	r.epoch++
	r.mu.Unlock()
	for _, pc := range viewers {
		_ = pc.Close()
	}
}
