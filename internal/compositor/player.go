package compositor

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/gillesmich/avatarai/internal/bus"
)

// Player is one render target. Only the Compositor mutates it.
type Player interface {
	Name() string
	Load(ctx context.Context, url string, loop bool) error
	Play(ctx context.Context) error
	Pause()
	SetOpacity(v float64)
	SetVisible(v bool)
	Clear()
	// Ended is closed when the loaded clip reaches its natural end or is
	// cleared. A looping clip never ends on its own.
	Ended() <-chan struct{}
	Playing() bool
}

// SlotState is what the UI needs to mirror a render target.
type SlotState struct {
	Name    string  `json:"name"`
	Source  string  `json:"source"`
	Loop    bool    `json:"loop"`
	Playing bool    `json:"playing"`
	Opacity float64 `json:"opacity"`
	Visible bool    `json:"visible"`
}

// VirtualPlayer is an in-process render target. The browser mirrors its
// state from the slot events; a clip ends after clipDuration or when the
// viewer reports the end through Finish.
type VirtualPlayer struct {
	name         string
	events       *bus.EventBus
	clipDuration time.Duration

	mu      sync.Mutex
	state   SlotState
	ended   chan struct{}
	isEnded bool
	timer   *time.Timer
}

func NewVirtualPlayer(name string, clipDuration time.Duration, events *bus.EventBus) *VirtualPlayer {
	ended := make(chan struct{})
	close(ended)
	return &VirtualPlayer{
		name:         name,
		events:       events,
		clipDuration: clipDuration,
		state:        SlotState{Name: name},
		ended:        ended,
		isEnded:      true,
	}
}

func (p *VirtualPlayer) Name() string { return p.name }

func (p *VirtualPlayer) Load(_ context.Context, url string, loop bool) error {
	if url == "" {
		return errors.New("empty clip url")
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.stopTimerLocked()
	p.state.Source = url
	p.state.Loop = loop
	p.state.Playing = false
	// the replaced clip counts as ended for anyone still waiting on it
	if !p.isEnded {
		close(p.ended)
	}
	p.ended = make(chan struct{})
	p.isEnded = false
	return nil
}

func (p *VirtualPlayer) Play(_ context.Context) error {
	p.mu.Lock()
	if p.state.Source == "" {
		p.mu.Unlock()
		return errors.New("nothing loaded")
	}
	p.state.Playing = true
	if !p.state.Loop && p.clipDuration > 0 && !p.isEnded {
		p.stopTimerLocked()
		ch := p.ended
		p.timer = time.AfterFunc(p.clipDuration, func() { p.finish(ch) })
	}
	data := p.eventDataLocked()
	p.mu.Unlock()
	p.events.Publish(bus.EventSlotPlay, data)
	return nil
}

func (p *VirtualPlayer) Pause() {
	p.mu.Lock()
	p.stopTimerLocked()
	was := p.state.Playing
	p.state.Playing = false
	data := p.eventDataLocked()
	p.mu.Unlock()
	if was {
		p.events.Publish(bus.EventSlotPause, data)
	}
}

// Finish marks the current clip as played to the end.
func (p *VirtualPlayer) Finish() { p.finish(nil) }

// finish ends the clip owning ch, or the current clip when ch is nil.
func (p *VirtualPlayer) finish(ch chan struct{}) {
	p.mu.Lock()
	if p.isEnded || (ch != nil && ch != p.ended) {
		p.mu.Unlock()
		return
	}
	p.stopTimerLocked()
	p.state.Playing = false
	p.isEnded = true
	close(p.ended)
	data := p.eventDataLocked()
	p.mu.Unlock()
	p.events.Publish(bus.EventSlotEnded, data)
}

// SetOpacity publishes a slot state event when the value changes. The
// compositor steps opacity once per fade tick, so that is the event rate.
func (p *VirtualPlayer) SetOpacity(v float64) {
	p.mu.Lock()
	if p.state.Opacity == v {
		p.mu.Unlock()
		return
	}
	p.state.Opacity = v
	data := p.stateDataLocked()
	p.mu.Unlock()
	p.events.Publish(bus.EventSlotState, data)
}

func (p *VirtualPlayer) SetVisible(v bool) {
	p.mu.Lock()
	if p.state.Visible == v {
		p.mu.Unlock()
		return
	}
	p.state.Visible = v
	data := p.stateDataLocked()
	p.mu.Unlock()
	p.events.Publish(bus.EventSlotState, data)
}

func (p *VirtualPlayer) Clear() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.stopTimerLocked()
	p.state.Source = ""
	p.state.Loop = false
	p.state.Playing = false
	if !p.isEnded {
		p.isEnded = true
		close(p.ended)
	}
}

func (p *VirtualPlayer) Ended() <-chan struct{} {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.ended
}

func (p *VirtualPlayer) Playing() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state.Playing
}

func (p *VirtualPlayer) State() SlotState {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state
}

func (p *VirtualPlayer) stopTimerLocked() {
	if p.timer != nil {
		p.timer.Stop()
		p.timer = nil
	}
}

func (p *VirtualPlayer) eventDataLocked() map[string]any {
	return map[string]any{"slot": p.name, "url": p.state.Source, "loop": p.state.Loop}
}

func (p *VirtualPlayer) stateDataLocked() map[string]any {
	data := p.eventDataLocked()
	data["opacity"] = p.state.Opacity
	data["visible"] = p.state.Visible
	return data
}
