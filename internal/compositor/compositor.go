// Package compositor cross-fades between two render slots so the viewer never
// sees a blank frame when the avatar clip changes.
package compositor

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/gillesmich/avatarai/internal/bus"
	"github.com/gillesmich/avatarai/internal/observability"
)

// fadeStep is the opacity update period, roughly one display frame.
const fadeStep = 16 * time.Millisecond

// Compositor owns a front (displayed) and a back (being prepared) slot.
type Compositor struct {
	slots     [2]Player
	idleURL   string
	crossFade time.Duration
	idleFade  time.Duration
	events    *bus.EventBus
	metrics   *observability.Metrics
	log       zerolog.Logger

	busy     atomic.Bool
	speaking atomic.Bool

	mu        sync.Mutex
	front     int
	frontURL  string
	frontLoop bool
	// epoch changes on every swap and on Cleanup; a transition whose epoch
	// is gone must not touch the slots again.
	epoch   uint64
	stopRun context.CancelFunc
}

// New builds a compositor over two players. idleURL may be empty.
func New(a, b Player, idleURL string, crossFade, idleFade time.Duration, log zerolog.Logger) *Compositor {
	return &Compositor{
		slots:     [2]Player{a, b},
		idleURL:   idleURL,
		crossFade: crossFade,
		idleFade:  idleFade,
		log:       log,
	}
}

func (c *Compositor) WithEvents(b *bus.EventBus) *Compositor {
	c.events = b
	return c
}

func (c *Compositor) WithMetrics(m *observability.Metrics) *Compositor {
	c.metrics = m
	return c
}

// SetIdleURL changes the idle loop used by PlayIdle and ReturnToIdle.
func (c *Compositor) SetIdleURL(url string) {
	c.mu.Lock()
	c.idleURL = url
	c.mu.Unlock()
}

// PlayIdle loads the idle loop into the front slot and fades it in. It is a
// no-op without an idle URL or while a transition runs.
func (c *Compositor) PlayIdle(ctx context.Context) error {
	c.mu.Lock()
	idle := c.idleURL
	front := c.slots[c.front]
	c.mu.Unlock()
	if idle == "" {
		return nil
	}
	if !c.busy.CompareAndSwap(false, true) {
		return nil
	}
	defer c.busy.Store(false)
	ctx, epoch, cancel := c.begin(ctx)
	defer cancel()

	if err := front.Load(ctx, idle, true); err != nil {
		return err
	}
	if !c.apply(epoch, func() {
		front.SetOpacity(0)
		front.SetVisible(true)
	}) {
		return nil
	}
	if err := front.Play(ctx); err != nil {
		return err
	}
	fade(ctx, c.idleFade, func(p float64) {
		c.apply(epoch, func() { front.SetOpacity(p) })
	})

	c.mu.Lock()
	if c.epoch != epoch {
		c.mu.Unlock()
		return nil
	}
	c.frontURL, c.frontLoop = idle, true
	c.mu.Unlock()
	c.setSpeaking(false)
	return nil
}

// TransitionToVideo cross-fades from the front slot to url. It returns false
// without side effects when another transition is still running; such calls
// are dropped, not queued.
func (c *Compositor) TransitionToVideo(ctx context.Context, url string, loop bool) (bool, error) {
	if !c.busy.CompareAndSwap(false, true) {
		c.log.Debug().Str("url", url).Msg("transition in flight, dropping request")
		c.metrics.Transition("dropped")
		c.events.Publish(bus.EventTransitionDropped, map[string]any{"url": url, "loop": loop})
		return false, nil
	}
	defer c.busy.Store(false)
	ctx, startEpoch, cancel := c.begin(ctx)
	defer cancel()

	c.mu.Lock()
	frontIdx := c.front
	front, back := c.slots[frontIdx], c.slots[1-frontIdx]
	c.mu.Unlock()

	c.events.Publish(bus.EventTransitionStarted, map[string]any{"url": url, "loop": loop})
	if err := back.Load(ctx, url, loop); err != nil {
		c.metrics.Transition("error")
		return true, err
	}
	if !c.apply(startEpoch, func() {
		back.SetOpacity(0)
		back.SetVisible(true)
	}) {
		return true, c.aborted(url)
	}
	if err := back.Play(ctx); err != nil {
		back.SetVisible(false)
		c.metrics.Transition("error")
		return true, err
	}

	fade(ctx, c.crossFade, func(p float64) {
		c.apply(startEpoch, func() {
			front.SetOpacity(1 - p)
			back.SetOpacity(p)
		})
	})

	c.mu.Lock()
	if c.epoch != startEpoch {
		c.mu.Unlock()
		return true, c.aborted(url)
	}
	c.front = 1 - frontIdx
	c.frontURL, c.frontLoop = url, loop
	c.epoch++
	epoch := c.epoch
	c.mu.Unlock()

	front.Pause()
	front.SetVisible(false)

	c.setSpeaking(!loop)
	if !loop {
		go c.watchEnd(back, epoch)
	}
	c.metrics.Transition("completed")
	c.events.Publish(bus.EventTransitionCompleted, map[string]any{"url": url, "loop": loop, "slot": back.Name()})
	return true, nil
}

// ReturnToIdle waits for the front clip to end, then cross-fades to the idle
// loop. It is a no-op without an idle URL or when the idle loop is already
// in front.
func (c *Compositor) ReturnToIdle(ctx context.Context) error {
	c.mu.Lock()
	idle := c.idleURL
	front := c.slots[c.front]
	alreadyIdle := c.frontLoop && c.frontURL == idle
	c.mu.Unlock()
	if idle == "" || alreadyIdle {
		return nil
	}
	if front.Playing() {
		select {
		case <-front.Ended():
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	_, err := c.TransitionToVideo(ctx, idle, true)
	return err
}

// begin ties a transition to the current epoch and lets Cleanup stop its
// fade.
func (c *Compositor) begin(ctx context.Context) (context.Context, uint64, context.CancelFunc) {
	c.mu.Lock()
	defer c.mu.Unlock()
	ctx, cancel := context.WithCancel(ctx)
	c.stopRun = cancel
	return ctx, c.epoch, cancel
}

// apply runs fn against the slots only while epoch is still current.
func (c *Compositor) apply(epoch uint64, fn func()) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.epoch != epoch {
		return false
	}
	fn()
	return true
}

// aborted records a transition stopped by Cleanup. The slots stay as
// Cleanup left them.
func (c *Compositor) aborted(url string) error {
	c.log.Debug().Str("url", url).Msg("transition stopped by cleanup")
	c.metrics.Transition("cancelled")
	return nil
}

// Cleanup stops a running transition, pauses both slots and clears their
// sources. It is safe to call from any state and any number of times.
func (c *Compositor) Cleanup() {
	c.mu.Lock()
	c.epoch++
	c.frontURL, c.frontLoop = "", false
	slots := c.slots
	stop := c.stopRun
	c.stopRun = nil
	c.mu.Unlock()
	if stop != nil {
		stop()
	}
	for _, s := range slots {
		s.Pause()
		s.Clear()
		s.SetVisible(false)
		s.SetOpacity(0)
	}
	c.setSpeaking(false)
}

// Speaking reports whether a non-looping clip is playing in front.
func (c *Compositor) Speaking() bool { return c.speaking.Load() }

// Busy reports whether a transition is in flight.
func (c *Compositor) Busy() bool { return c.busy.Load() }

// Front returns the name and source of the displayed slot.
func (c *Compositor) Front() (name, url string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.slots[c.front].Name(), c.frontURL
}

// MarkEnded forwards a viewer's end-of-clip report to the named slot.
func (c *Compositor) MarkEnded(slot string) {
	for _, s := range c.slots {
		if s.Name() != slot {
			continue
		}
		if f, ok := s.(interface{ Finish() }); ok {
			f.Finish()
		}
	}
}

func (c *Compositor) watchEnd(p Player, epoch uint64) {
	<-p.Ended()
	c.mu.Lock()
	current := c.epoch == epoch
	c.mu.Unlock()
	if current {
		c.setSpeaking(false)
	}
}

func (c *Compositor) setSpeaking(v bool) {
	if c.speaking.Swap(v) == v {
		return
	}
	if v {
		c.events.Publish(bus.EventAvatarSpeakingStarted, map[string]any{"source": "clip"})
		return
	}
	c.events.Publish(bus.EventAvatarSpeakingStopped, map[string]any{"source": "clip"})
}

// fade calls apply with progress from 0 to 1 over d. A cancelled context
// jumps straight to the final frame so neither slot is left half faded.
func fade(ctx context.Context, d time.Duration, apply func(p float64)) {
	if d <= 0 {
		apply(1)
		return
	}
	start := time.Now()
	ticker := time.NewTicker(fadeStep)
	defer ticker.Stop()
	apply(0)
	for {
		select {
		case <-ctx.Done():
			apply(1)
			return
		case now := <-ticker.C:
			p := float64(now.Sub(start)) / float64(d)
			if p >= 1 {
				apply(1)
				return
			}
			apply(p)
		}
	}
}
