// Package rtc owns the live avatar connection: negotiation against the
// provider's offer, trickle ICE, reconnects, and the media that comes back.
package rtc

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/pion/webrtc/v3"
	"github.com/rs/zerolog"

	"github.com/gillesmich/avatarai/internal/bus"
	"github.com/gillesmich/avatarai/internal/failure"
	"github.com/gillesmich/avatarai/internal/observability"
	"github.com/gillesmich/avatarai/internal/reliability"
	"github.com/gillesmich/avatarai/internal/signaling"
)

// Signaler is the provider session API PeerSession negotiates through.
type Signaler interface {
	CreateSession(ctx context.Context, sourceURL string) (signaling.Offer, error)
	SubmitAnswer(ctx context.Context, ref signaling.Ref, sdp string) error
	SubmitICECandidate(ctx context.Context, ref signaling.Ref, cand signaling.Candidate) error
	RequestSpeech(ctx context.Context, ref signaling.Ref, text, voiceID string) error
	CloseSession(ctx context.Context, ref signaling.Ref) error
}

// Renderer receives the provider's media once the session is connected.
type Renderer interface {
	Attach(track *webrtc.TrackRemote)
	Detach()
}

// ConnectionState mirrors the transport state of the peer connection.
type ConnectionState string

const (
	StateNew          ConnectionState = "new"
	StateConnecting   ConnectionState = "connecting"
	StateConnected    ConnectionState = "connected"
	StateDisconnected ConnectionState = "disconnected"
	StateFailed       ConnectionState = "failed"
	StateClosed       ConnectionState = "closed"
)

func fromPion(s webrtc.PeerConnectionState) ConnectionState {
	switch s {
	case webrtc.PeerConnectionStateConnecting:
		return StateConnecting
	case webrtc.PeerConnectionStateConnected:
		return StateConnected
	case webrtc.PeerConnectionStateDisconnected:
		return StateDisconnected
	case webrtc.PeerConnectionStateFailed:
		return StateFailed
	case webrtc.PeerConnectionStateClosed:
		return StateClosed
	default:
		return StateNew
	}
}

// Phase is the lifecycle of a PeerSession.
type Phase string

const (
	PhaseIdle         Phase = "idle"
	PhaseNegotiating  Phase = "negotiating"
	PhaseConnected    Phase = "connected"
	PhaseDisconnected Phase = "disconnected"
	PhaseFailed       Phase = "failed"
	PhaseClosed       Phase = "closed"
)

// Session is one negotiated provider session. It is never reused across
// reconnects.
type Session struct {
	SessionID         string                `json:"session_id"`
	StreamID          string                `json:"stream_id"`
	State             ConnectionState       `json:"state"`
	LocalDescription  string                `json:"-"`
	RemoteDescription string                `json:"-"`
	PendingCandidates []signaling.Candidate `json:"pending_candidates"`
}

func (s *Session) ref() signaling.Ref {
	return signaling.Ref{SessionID: s.SessionID, StreamID: s.StreamID}
}

// ReconnectPolicy bounds automatic restarts after a disconnect. Attempts of
// zero disables reconnecting.
type ReconnectPolicy struct {
	Attempts int
	Base     time.Duration
	Cap      time.Duration
}

// Status is a point-in-time view of a PeerSession.
type Status struct {
	Phase   Phase    `json:"phase"`
	Session *Session `json:"session,omitempty"`
}

// attempt holds everything that belongs to a single negotiation.
type attempt struct {
	gen     uint64
	ctx     context.Context
	cancel  context.CancelFunc
	session *Session
	peer    Peer
	ready   chan struct{}
	wake    chan struct{}
	tracks  []*webrtc.TrackRemote
}

// PeerSession drives the live avatar connection.
type PeerSession struct {
	sig      Signaler
	factory  PeerFactory
	renderer Renderer
	events   *bus.EventBus
	metrics  *observability.Metrics
	log      zerolog.Logger

	iceFallback    string
	candidateDelay time.Duration
	settleDelay    time.Duration
	policy         ReconnectPolicy

	startMu sync.Mutex

	mu         sync.Mutex
	phase      Phase
	gen        uint64
	cur        *attempt
	sourceURL  string
	reconnects int
	// lifeCtx is cancelled by Cleanup to stop pending reconnects.
	lifeCtx    context.Context
	lifeCancel context.CancelFunc
}

// NewPeerSession returns an idle session. candidateDelay precedes every ICE
// submission and settleDelay follows the answer submission.
func NewPeerSession(sig Signaler, candidateDelay, settleDelay time.Duration, log zerolog.Logger) *PeerSession {
	return &PeerSession{
		sig:            sig,
		factory:        NewPionPeer,
		candidateDelay: candidateDelay,
		settleDelay:    settleDelay,
		phase:          PhaseIdle,
		log:            log,
	}
}

func (p *PeerSession) WithPeerFactory(f PeerFactory) *PeerSession {
	p.factory = f
	return p
}

func (p *PeerSession) WithRenderer(r Renderer) *PeerSession {
	p.renderer = r
	return p
}

func (p *PeerSession) WithEvents(b *bus.EventBus) *PeerSession {
	p.events = b
	return p
}

func (p *PeerSession) WithMetrics(m *observability.Metrics) *PeerSession {
	p.metrics = m
	return p
}

func (p *PeerSession) WithReconnect(policy ReconnectPolicy) *PeerSession {
	p.policy = policy
	return p
}

// WithICEFallback sets the JSON ICE server list used when the provider
// returns none.
func (p *PeerSession) WithICEFallback(iceServersJSON string) *PeerSession {
	p.iceFallback = iceServersJSON
	return p
}

// Start negotiates a fresh provider session for sourceURL. Any previous
// session is discarded first. It returns once the answer is submitted and
// settled; candidates keep flowing in the background.
func (p *PeerSession) Start(ctx context.Context, sourceURL string) error {
	return p.start(ctx, sourceURL, true)
}

func (p *PeerSession) start(ctx context.Context, sourceURL string, manual bool) error {
	p.startMu.Lock()
	defer p.startMu.Unlock()

	began := time.Now()
	p.mu.Lock()
	if p.lifeCtx == nil || p.lifeCtx.Err() != nil {
		p.lifeCtx, p.lifeCancel = context.WithCancel(context.Background())
	}
	if manual {
		p.reconnects = 0
	}
	p.releaseLocked()
	p.gen++
	actx, cancel := context.WithCancel(p.lifeCtx)
	att := &attempt{
		gen:     p.gen,
		ctx:     actx,
		cancel:  cancel,
		session: &Session{State: StateNew},
		ready:   make(chan struct{}),
		wake:    make(chan struct{}, 1),
	}
	p.cur = att
	p.phase = PhaseNegotiating
	p.sourceURL = sourceURL
	p.mu.Unlock()
	p.publish(bus.EventLiveNegotiating, nil)
	p.metrics.SessionEvent(string(PhaseNegotiating))

	offer, err := p.sig.CreateSession(ctx, sourceURL)
	if err != nil {
		return p.fail(att, "create_session", err)
	}
	p.mu.Lock()
	if p.cur != att {
		// cleaned up or restarted while the provider was answering
		p.mu.Unlock()
		p.closeProviderSession(offer.Ref)
		return failure.Negotiation("superseded", context.Canceled)
	}
	att.session.SessionID = offer.SessionID
	att.session.StreamID = offer.StreamID
	att.session.State = StateConnecting
	p.mu.Unlock()
	log := p.log.With().Str("session_id", offer.SessionID).Logger()
	log.Info().Str("stream_id", offer.StreamID).Int("ice_servers", len(offer.ICEServers)).Msg("provider session created")

	peer, err := p.factory(ICEServers(offer.ICEServers, p.iceFallback))
	if err != nil {
		return p.fail(att, "peer_connection", err)
	}
	p.mu.Lock()
	if p.cur != att {
		ref, open := att.session.ref(), att.session.StreamID != ""
		att.session.SessionID, att.session.StreamID = "", ""
		p.mu.Unlock()
		_ = peer.Close()
		if open {
			p.closeProviderSession(ref)
		}
		return failure.Negotiation("superseded", context.Canceled)
	}
	att.peer = peer
	p.mu.Unlock()

	peer.OnLocalCandidate(func(c signaling.Candidate) { p.queueCandidate(att, c) })
	peer.OnStateChange(func(s ConnectionState) { p.onStateChange(att, s) })
	peer.OnTrack(func(t *webrtc.TrackRemote) { p.onTrack(att, t) })
	go p.pumpCandidates(att)

	if err := peer.SetRemoteOffer(offer.SDP); err != nil {
		return p.fail(att, "set_remote_description", err)
	}
	p.mu.Lock()
	att.session.RemoteDescription = offer.SDP
	p.mu.Unlock()

	answer, err := peer.CreateLocalAnswer()
	if err != nil {
		return p.fail(att, "create_answer", err)
	}
	p.mu.Lock()
	att.session.LocalDescription = answer
	p.mu.Unlock()

	if err := p.sig.SubmitAnswer(ctx, offer.Ref, answer); err != nil {
		return p.fail(att, "submit_answer", err)
	}
	if !sleepCtx(ctx, p.settleDelay) {
		return p.fail(att, "settle", ctx.Err())
	}
	p.mu.Lock()
	superseded := p.cur != att
	p.mu.Unlock()
	if superseded {
		return failure.Negotiation("superseded", context.Canceled)
	}
	close(att.ready)
	p.metrics.ObserveNegotiation(time.Since(began))
	log.Debug().Dur("elapsed", time.Since(began)).Msg("answer submitted, forwarding candidates")
	return nil
}

// SendText asks the connected avatar to speak. It returns once the provider
// acknowledged the request.
func (p *PeerSession) SendText(ctx context.Context, text, voiceID string) error {
	text = strings.TrimSpace(text)
	if text == "" {
		return errors.New("speech text is empty")
	}
	p.mu.Lock()
	if p.phase != PhaseConnected || p.cur == nil || p.cur.session.StreamID == "" {
		p.mu.Unlock()
		return failure.ErrNotConnected
	}
	ref := p.cur.session.ref()
	p.mu.Unlock()

	if err := p.sig.RequestSpeech(ctx, ref, text, voiceID); err != nil {
		var pe *failure.ProviderError
		if errors.As(err, &pe) {
			p.metrics.ProviderError(pe.Provider, pe.StatusCode)
		}
		return err
	}
	p.publish(bus.EventLiveSpeechRequested, map[string]any{"voice_id": voiceID, "chars": len([]rune(text))})
	return nil
}

// IsActive reports whether speech can be requested right now.
func (p *PeerSession) IsActive() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.phase == PhaseConnected
}

func (p *PeerSession) Phase() Phase {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.phase
}

// Status returns a copy of the current phase and session.
func (p *PeerSession) Status() Status {
	p.mu.Lock()
	defer p.mu.Unlock()
	st := Status{Phase: p.phase}
	if p.cur != nil {
		s := *p.cur.session
		s.PendingCandidates = append([]signaling.Candidate(nil), p.cur.session.PendingCandidates...)
		st.Session = &s
	}
	return st
}

// Cleanup stops every timer and goroutine, detaches the renderer, closes the
// peer connection and releases the provider session. Calling it again is a
// no-op.
func (p *PeerSession) Cleanup() {
	p.mu.Lock()
	if p.phase == PhaseClosed && p.cur == nil {
		p.mu.Unlock()
		return
	}
	if p.lifeCancel != nil {
		p.lifeCancel()
	}
	p.releaseLocked()
	p.gen++
	p.phase = PhaseClosed
	p.sourceURL = ""
	p.mu.Unlock()
	p.metrics.SetLive(false)
	p.metrics.SessionEvent(string(PhaseClosed))
	p.publish(bus.EventLiveClosed, nil)
}

// releaseLocked tears down the current attempt. Callers hold p.mu.
func (p *PeerSession) releaseLocked() {
	att := p.cur
	if att == nil {
		return
	}
	p.cur = nil
	att.cancel()
	if p.renderer != nil {
		p.renderer.Detach()
	}
	if att.peer != nil {
		if err := att.peer.Close(); err != nil {
			p.log.Debug().Err(err).Msg("peer close")
		}
	}
	if att.session.StreamID != "" {
		go p.closeProviderSession(att.session.ref())
	}
	att.session.SessionID, att.session.StreamID = "", ""
	att.session.State = StateClosed
}

// closeProviderSession releases ref on the provider, best effort.
func (p *PeerSession) closeProviderSession(ref signaling.Ref) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := p.sig.CloseSession(ctx, ref); err != nil {
		p.log.Debug().Err(err).Str("session_id", ref.SessionID).Msg("provider session close failed")
	}
}

func (p *PeerSession) fail(att *attempt, stage string, err error) error {
	nerr := failure.Negotiation(stage, err)
	p.mu.Lock()
	if p.cur != att {
		// releaseLocked already ran for att unless its ids are still set
		ref, open := att.session.ref(), att.session.StreamID != ""
		att.session.SessionID, att.session.StreamID = "", ""
		p.mu.Unlock()
		if open {
			p.closeProviderSession(ref)
		}
		return nerr
	}
	sessionID := att.session.SessionID
	att.session.State = StateFailed
	p.releaseLocked()
	p.phase = PhaseFailed
	p.mu.Unlock()
	p.log.Error().Err(err).Str("stage", stage).Str("session_id", sessionID).Msg("negotiation failed")
	p.metrics.SessionEvent(string(PhaseFailed))
	p.publish(bus.EventLiveFailed, map[string]any{"session_id": sessionID, "reason": nerr.Error()})
	return nerr
}

func (p *PeerSession) queueCandidate(att *attempt, c signaling.Candidate) {
	p.mu.Lock()
	if p.cur != att {
		p.mu.Unlock()
		return
	}
	att.session.PendingCandidates = append(att.session.PendingCandidates, c)
	p.mu.Unlock()
	select {
	case att.wake <- struct{}{}:
	default:
	}
}

// pumpCandidates is the only sender of candidates for an attempt. It waits
// for the answer to settle, then submits in generation order with the fixed
// delay in front of each one.
func (p *PeerSession) pumpCandidates(att *attempt) {
	select {
	case <-att.ctx.Done():
		return
	case <-att.ready:
	}
	for {
		p.mu.Lock()
		if p.cur != att {
			p.mu.Unlock()
			return
		}
		if len(att.session.PendingCandidates) == 0 {
			p.mu.Unlock()
			select {
			case <-att.ctx.Done():
				return
			case <-att.wake:
			}
			continue
		}
		cand := att.session.PendingCandidates[0]
		ref := att.session.ref()
		p.mu.Unlock()

		if !sleepCtx(att.ctx, p.candidateDelay) {
			return
		}
		err := p.sig.SubmitICECandidate(att.ctx, ref, cand)
		if att.ctx.Err() != nil {
			return
		}

		p.mu.Lock()
		if p.cur == att && len(att.session.PendingCandidates) > 0 {
			att.session.PendingCandidates = att.session.PendingCandidates[1:]
		}
		p.mu.Unlock()

		if err != nil {
			p.log.Warn().Err(err).Str("session_id", ref.SessionID).Str("candidate", cand.Candidate).Msg("candidate rejected, skipping")
			p.metrics.Candidate("rejected")
			p.publish(bus.EventLiveCandidateRejected, map[string]any{"session_id": ref.SessionID, "error": err.Error()})
			continue
		}
		p.metrics.Candidate("accepted")
	}
}

func (p *PeerSession) onTrack(att *attempt, t *webrtc.TrackRemote) {
	p.mu.Lock()
	if p.cur != att {
		p.mu.Unlock()
		return
	}
	att.tracks = append(att.tracks, t)
	attachNow := p.phase == PhaseConnected && p.renderer != nil
	p.mu.Unlock()
	if attachNow {
		p.renderer.Attach(t)
	}
}

func (p *PeerSession) onStateChange(att *attempt, s ConnectionState) {
	p.mu.Lock()
	if p.cur != att {
		p.mu.Unlock()
		return
	}
	att.session.State = s
	sessionID := att.session.SessionID
	data := map[string]any{"session_id": sessionID}

	switch s {
	case StateConnected:
		p.phase = PhaseConnected
		p.reconnects = 0
		tracks := append([]*webrtc.TrackRemote(nil), att.tracks...)
		p.mu.Unlock()
		if p.renderer != nil {
			for _, t := range tracks {
				p.renderer.Attach(t)
			}
		}
		p.log.Info().Str("session_id", sessionID).Msg("live session connected")
		p.metrics.SetLive(true)
		p.metrics.SessionEvent(string(PhaseConnected))
		p.publish(bus.EventLiveConnected, data)

	case StateDisconnected:
		p.phase = PhaseDisconnected
		source := p.sourceURL
		lifeCtx := p.lifeCtx
		p.mu.Unlock()
		p.log.Warn().Str("session_id", sessionID).Msg("live session disconnected")
		p.metrics.SetLive(false)
		p.metrics.SessionEvent(string(PhaseDisconnected))
		p.publish(bus.EventLiveDisconnected, data)
		if p.policy.Attempts > 0 && source != "" {
			go p.reconnect(lifeCtx, att.gen, source)
		}

	case StateFailed:
		p.releaseLocked()
		p.phase = PhaseFailed
		p.mu.Unlock()
		reason := "peer connection failed"
		p.log.Error().Str("session_id", sessionID).Msg(reason)
		p.metrics.SetLive(false)
		p.metrics.SessionEvent(string(PhaseFailed))
		data["reason"] = reason
		p.publish(bus.EventLiveFailed, data)

	default:
		p.mu.Unlock()
	}
}

// reconnect restarts the session with exponential backoff until it connects
// again, the attempts run out, or the session is cleaned up.
func (p *PeerSession) reconnect(lifeCtx context.Context, gen uint64, sourceURL string) {
	for {
		p.mu.Lock()
		if p.gen != gen || lifeCtx.Err() != nil {
			p.mu.Unlock()
			return
		}
		n := p.reconnects
		if n >= p.policy.Attempts {
			p.mu.Unlock()
			p.log.Error().Int("attempts", n).Msg("reconnect attempts exhausted")
			p.publish(bus.EventLiveReconnectExhausted, map[string]any{"attempts": n})
			return
		}
		p.reconnects++
		p.mu.Unlock()

		delay := reliability.ExponentialBackoff(n, p.policy.Base, p.policy.Cap)
		p.publish(bus.EventLiveReconnecting, map[string]any{"attempt": n + 1, "delay_ms": delay.Milliseconds()})
		if !sleepCtx(lifeCtx, delay) {
			return
		}
		// ICE may have recovered on its own during the backoff.
		p.mu.Lock()
		stale := p.gen != gen || (p.phase != PhaseDisconnected && p.phase != PhaseFailed)
		p.mu.Unlock()
		if stale {
			return
		}
		err := p.start(lifeCtx, sourceURL, false)
		if err == nil {
			return
		}
		p.log.Warn().Err(err).Int("attempt", n+1).Msg("reconnect attempt failed")
		p.mu.Lock()
		gen = p.gen
		p.mu.Unlock()
	}
}

func (p *PeerSession) publish(t bus.EventType, data map[string]any) {
	p.events.Publish(t, data)
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}
