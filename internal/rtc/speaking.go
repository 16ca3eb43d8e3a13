package rtc

import (
	"math"
	"sync"
	"time"

	"github.com/hraban/opus"
	"github.com/rs/zerolog"

	"github.com/gillesmich/avatarai/internal/bus"
)

const (
	// voiceRMS is the frame energy above which the avatar counts as talking.
	voiceRMS = 250.0
	// smoothFrames is the majority window applied to raw frame decisions.
	smoothFrames = 4
	// speakingHold keeps the flag up across short pauses between words.
	speakingHold = 400 * time.Millisecond
)

// SpeakingMonitor derives the avatar's Speaking/Idle flag from the remote
// Opus audio of the live session.
type SpeakingMonitor struct {
	events *bus.EventBus
	log    zerolog.Logger
	now    func() time.Time

	mu        sync.Mutex
	dec       *opus.Decoder
	pcm       []int16
	win       []bool
	speaking  bool
	lastVoice time.Time
}

// NewSpeakingMonitor decodes 48kHz mono Opus.
func NewSpeakingMonitor(events *bus.EventBus, log zerolog.Logger) (*SpeakingMonitor, error) {
	dec, err := opus.NewDecoder(48000, 1)
	if err != nil {
		return nil, err
	}
	return &SpeakingMonitor{
		events: events,
		log:    log,
		now:    time.Now,
		dec:    dec,
		pcm:    make([]int16, 5760), // 120ms at 48kHz, the largest Opus frame
	}, nil
}

// Feed decodes one RTP payload and updates the flag.
func (m *SpeakingMonitor) Feed(payload []byte) {
	if len(payload) == 0 {
		return
	}
	m.mu.Lock()
	n, err := m.dec.Decode(payload, m.pcm)
	if err != nil {
		m.mu.Unlock()
		m.log.Debug().Err(err).Msg("opus decode")
		return
	}
	level := rmsLevel(m.pcm[:n])
	m.mu.Unlock()
	m.observe(level)
}

func (m *SpeakingMonitor) observe(level float64) {
	m.mu.Lock()
	now := m.now()
	m.win = append(m.win, level >= voiceRMS)
	if len(m.win) > smoothFrames {
		m.win = m.win[len(m.win)-smoothFrames:]
	}
	voiced := 0
	for _, v := range m.win {
		if v {
			voiced++
		}
	}
	was := m.speaking
	if voiced*2 >= len(m.win) && level >= voiceRMS {
		m.lastVoice = now
		m.speaking = true
	} else if m.speaking && now.Sub(m.lastVoice) > speakingHold {
		m.speaking = false
	}
	is := m.speaking
	m.mu.Unlock()

	switch {
	case is && !was:
		m.events.Publish(bus.EventAvatarSpeakingStarted, map[string]any{"source": "live"})
	case was && !is:
		m.events.Publish(bus.EventAvatarSpeakingStopped, map[string]any{"source": "live"})
	}
}

// Speaking reports the current flag.
func (m *SpeakingMonitor) Speaking() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.speaking
}

// Reset drops the flag, e.g. when the track goes away.
func (m *SpeakingMonitor) Reset() {
	m.mu.Lock()
	was := m.speaking
	m.speaking = false
	m.win = m.win[:0]
	m.mu.Unlock()
	if was {
		m.events.Publish(bus.EventAvatarSpeakingStopped, map[string]any{"source": "live"})
	}
}

func rmsLevel(samples []int16) float64 {
	if len(samples) == 0 {
		return 0
	}
	var sum float64
	for _, s := range samples {
		f := float64(s)
		sum += f * f
	}
	return math.Sqrt(sum / float64(len(samples)))
}
