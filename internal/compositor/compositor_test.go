package compositor

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gillesmich/avatarai/internal/bus"
)

type eventLog struct {
	mu     sync.Mutex
	events []bus.Event
}

func (l *eventLog) handle(e bus.Event) {
	l.mu.Lock()
	l.events = append(l.events, e)
	l.mu.Unlock()
}

func (l *eventLog) count(t bus.EventType) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	n := 0
	for _, e := range l.events {
		if e.Type == t {
			n++
		}
	}
	return n
}

func newTestCompositor(t *testing.T, idle string, crossFade time.Duration) (*Compositor, *VirtualPlayer, *VirtualPlayer, *eventLog) {
	t.Helper()
	events := bus.New()
	log := &eventLog{}
	events.SubscribeAll(log.handle)
	a := NewVirtualPlayer("a", 0, events)
	b := NewVirtualPlayer("b", 0, events)
	c := New(a, b, idle, crossFade, 5*time.Millisecond, zerolog.Nop()).WithEvents(events)
	t.Cleanup(c.Cleanup)
	return c, a, b, log
}

func TestPlayIdle_LoadsLoopIntoFront(t *testing.T) {
	c, a, b, _ := newTestCompositor(t, "https://cdn/idle.mp4", 10*time.Millisecond)

	require.NoError(t, c.PlayIdle(context.Background()))
	st := a.State()
	assert.Equal(t, "https://cdn/idle.mp4", st.Source)
	assert.True(t, st.Loop)
	assert.True(t, st.Playing)
	assert.True(t, st.Visible)
	assert.Equal(t, 1.0, st.Opacity)
	assert.Empty(t, b.State().Source)
	assert.False(t, c.Speaking())
}

func TestTransition_SwapsRolesAndParksOldFront(t *testing.T) {
	c, a, b, log := newTestCompositor(t, "https://cdn/idle.mp4", 20*time.Millisecond)
	require.NoError(t, c.PlayIdle(context.Background()))

	ok, err := c.TransitionToVideo(context.Background(), "https://cdn/x.mp4", false)
	require.NoError(t, err)
	require.True(t, ok)

	name, url := c.Front()
	assert.Equal(t, "b", name)
	assert.Equal(t, "https://cdn/x.mp4", url)

	nb := b.State()
	assert.True(t, nb.Playing)
	assert.True(t, nb.Visible)
	assert.Equal(t, 1.0, nb.Opacity)

	old := a.State()
	assert.False(t, old.Playing, "old front must not keep playing hidden")
	assert.False(t, old.Visible)
	assert.Equal(t, 0.0, old.Opacity)

	assert.True(t, c.Speaking())
	assert.Equal(t, 1, log.count(bus.EventTransitionCompleted))
}

func TestTransition_SecondCallWhileBusyIsDropped(t *testing.T) {
	c, a, b, log := newTestCompositor(t, "https://cdn/idle.mp4", 150*time.Millisecond)
	require.NoError(t, c.PlayIdle(context.Background()))

	done := make(chan bool)
	go func() {
		ok, _ := c.TransitionToVideo(context.Background(), "https://cdn/first.mp4", false)
		done <- ok
	}()
	require.Eventually(t, c.Busy, time.Second, time.Millisecond)

	ok, err := c.TransitionToVideo(context.Background(), "https://cdn/second.mp4", false)
	require.NoError(t, err)
	assert.False(t, ok)
	assert.True(t, <-done)

	_, url := c.Front()
	assert.Equal(t, "https://cdn/first.mp4", url)
	assert.Equal(t, "https://cdn/first.mp4", b.State().Source)
	assert.Equal(t, "https://cdn/idle.mp4", a.State().Source)
	assert.Equal(t, 1, log.count(bus.EventTransitionStarted))
	assert.Equal(t, 1, log.count(bus.EventTransitionDropped))
	assert.Equal(t, 1, log.count(bus.EventTransitionCompleted))
}

func TestReturnToIdle_WaitsForClipEnd(t *testing.T) {
	c, a, b, _ := newTestCompositor(t, "https://cdn/idle.mp4", 5*time.Millisecond)
	require.NoError(t, c.PlayIdle(context.Background()))
	_, err := c.TransitionToVideo(context.Background(), "https://cdn/x.mp4", false)
	require.NoError(t, err)

	returned := make(chan error, 1)
	go func() { returned <- c.ReturnToIdle(context.Background()) }()

	select {
	case <-returned:
		t.Fatal("returned before the clip ended")
	case <-time.After(30 * time.Millisecond):
	}

	b.Finish()
	select {
	case err := <-returned:
		require.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("did not return to idle")
	}
	_, url := c.Front()
	assert.Equal(t, "https://cdn/idle.mp4", url)
	assert.True(t, a.State().Playing)
	assert.False(t, c.Speaking())
}

func TestReturnToIdle_NoIdleIsNoop(t *testing.T) {
	c, a, b, log := newTestCompositor(t, "", 5*time.Millisecond)
	require.NoError(t, c.ReturnToIdle(context.Background()))
	assert.Empty(t, a.State().Source)
	assert.Empty(t, b.State().Source)
	assert.Equal(t, 0, log.count(bus.EventTransitionStarted))
}

func TestReturnToIdle_ImmediateWhenPaused(t *testing.T) {
	c, _, b, _ := newTestCompositor(t, "https://cdn/idle.mp4", 5*time.Millisecond)
	_, err := c.TransitionToVideo(context.Background(), "https://cdn/x.mp4", false)
	require.NoError(t, err)
	b.Pause()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, c.ReturnToIdle(ctx))
	_, url := c.Front()
	assert.Equal(t, "https://cdn/idle.mp4", url)
}

func TestCleanup_IsIdempotent(t *testing.T) {
	c, a, b, _ := newTestCompositor(t, "https://cdn/idle.mp4", 5*time.Millisecond)
	require.NoError(t, c.PlayIdle(context.Background()))
	_, err := c.TransitionToVideo(context.Background(), "https://cdn/x.mp4", false)
	require.NoError(t, err)

	c.Cleanup()
	sa, sb := a.State(), b.State()
	c.Cleanup()

	assert.Equal(t, sa, a.State())
	assert.Equal(t, sb, b.State())
	assert.Empty(t, sa.Source)
	assert.False(t, sa.Playing)
	assert.False(t, sb.Playing)
	assert.False(t, c.Speaking())
}

func TestCleanup_DuringTransitionLeavesSlotsCleared(t *testing.T) {
	c, a, b, _ := newTestCompositor(t, "https://cdn/idle.mp4", 100*time.Millisecond)
	require.NoError(t, c.PlayIdle(context.Background()))

	done := make(chan error, 1)
	go func() {
		_, err := c.TransitionToVideo(context.Background(), "https://cdn/x.mp4", false)
		done <- err
	}()
	time.Sleep(30 * time.Millisecond)
	c.Cleanup()

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("transition did not stop after cleanup")
	}

	_, url := c.Front()
	assert.Empty(t, url)
	for _, p := range []*VirtualPlayer{a, b} {
		st := p.State()
		assert.Empty(t, st.Source, p.Name())
		assert.False(t, st.Visible, p.Name())
		assert.Equal(t, 0.0, st.Opacity, p.Name())
	}
	assert.False(t, c.Speaking())

	// the compositor stays usable
	require.NoError(t, c.PlayIdle(context.Background()))
	_, url = c.Front()
	assert.Equal(t, "https://cdn/idle.mp4", url)
}

func TestVirtualPlayer_PublishesStateOnChange(t *testing.T) {
	events := bus.New()
	var got []bus.Event
	events.Subscribe(bus.EventSlotState, func(e bus.Event) { got = append(got, e) })
	p := NewVirtualPlayer("a", 0, events)

	p.SetVisible(true)
	p.SetOpacity(0.5)
	p.SetOpacity(0.5)
	p.SetVisible(true)

	require.Len(t, got, 2)
	assert.Equal(t, "a", got[1].Data["slot"])
	assert.Equal(t, 0.5, got[1].Data["opacity"])
	assert.Equal(t, true, got[1].Data["visible"])
}

func TestVirtualPlayer_EndsAfterClipDuration(t *testing.T) {
	p := NewVirtualPlayer("a", 10*time.Millisecond, nil)
	require.NoError(t, p.Load(context.Background(), "https://cdn/x.mp4", false))
	require.NoError(t, p.Play(context.Background()))
	select {
	case <-p.Ended():
	case <-time.After(time.Second):
		t.Fatal("clip never ended")
	}
	assert.False(t, p.Playing())
}

func TestVirtualPlayer_ReloadDoesNotInheritOldTimer(t *testing.T) {
	p := NewVirtualPlayer("a", 20*time.Millisecond, nil)
	require.NoError(t, p.Load(context.Background(), "https://cdn/one.mp4", false))
	require.NoError(t, p.Play(context.Background()))
	require.NoError(t, p.Load(context.Background(), "https://cdn/loop.mp4", true))
	require.NoError(t, p.Play(context.Background()))

	time.Sleep(50 * time.Millisecond)
	assert.True(t, p.Playing())
	select {
	case <-p.Ended():
		t.Fatal("loop must not end")
	default:
	}
}
