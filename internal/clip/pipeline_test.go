package clip

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gillesmich/avatarai/internal/bus"
	"github.com/gillesmich/avatarai/internal/failure"
)

type stubProvider struct {
	submits   atomic.Int32
	result    SubmitResult
	submitErr error
}

func (s *stubProvider) Name() string { return "stub" }

func (s *stubProvider) Submit(ctx context.Context, req Request) (SubmitResult, error) {
	s.submits.Add(1)
	return s.result, s.submitErr
}

type pollingProvider struct {
	*stubProvider
	polls atomic.Int32
	next  func(n int) (Update, error)
}

func (p *pollingProvider) Poll(ctx context.Context, jobID string) (Update, error) {
	n := int(p.polls.Add(1))
	return p.next(n)
}

type pushProvider struct {
	*stubProvider
	updates chan Update
}

func (p *pushProvider) Watch(ctx context.Context, jobID string) (<-chan Update, error) {
	return p.updates, nil
}

type racingProvider struct {
	*pollingProvider
	updates chan Update
}

func (p *racingProvider) Watch(ctx context.Context, jobID string) (<-chan Update, error) {
	return p.updates, nil
}

func processingUntil(doneAt int, url string) func(int) (Update, error) {
	return func(n int) (Update, error) {
		if n >= doneAt {
			return Update{Status: StatusDone, ResultURL: url}, nil
		}
		return Update{Status: StatusProcessing}, nil
	}
}

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

func TestSubmit_RefusesStillImagesWithoutCalls(t *testing.T) {
	prov := &stubProvider{result: SubmitResult{JobID: "abc"}}
	p := NewPipeline(prov, time.Millisecond, 5, zerolog.Nop())

	for _, src := range []string{
		"https://cdn/avatar.jpg",
		"https://cdn/avatar.PNG?token=1",
		"https://cdn/avatar.webp#frag",
		"https://cdn/a.heic",
	} {
		_, err := p.Submit(context.Background(), src, "bonjour", "v")
		require.ErrorIs(t, err, failure.ErrInvalidSourceType, src)
	}
	assert.Equal(t, int32(0), prov.submits.Load())

	job, err := p.Submit(context.Background(), "https://cdn/avatar.mp4?x=photo.png", "bonjour", "v")
	require.NoError(t, err)
	assert.Equal(t, "abc", job.ID)
	assert.Equal(t, StatusQueued, job.Status)
}

func TestIsImageURL(t *testing.T) {
	assert.True(t, IsImageURL("https://x/y/z.jpeg"))
	assert.True(t, IsImageURL("face.svg"))
	assert.False(t, IsImageURL("https://x/clip.mp4"))
	assert.False(t, IsImageURL("https://x/clip.webm?f=a.png"))
	assert.False(t, IsImageURL(""))
}

func TestAwait_PollsUntilDone(t *testing.T) {
	prov := &pollingProvider{
		stubProvider: &stubProvider{result: SubmitResult{JobID: "abc"}},
		next:         processingUntil(4, "https://cdn/x.mp4"),
	}
	p := NewPipeline(prov, time.Millisecond, 10, zerolog.Nop())

	job, err := p.Generate(context.Background(), "https://cdn/avatar.mp4", "Bonjour", "v")
	require.NoError(t, err)
	assert.Equal(t, "abc", job.ID)
	assert.Equal(t, StatusDone, job.Status)
	assert.Equal(t, "https://cdn/x.mp4", job.ResultURL)
	assert.Equal(t, 4, job.AttemptCount)
}

func TestAwait_StopsAfterMaxAttempts(t *testing.T) {
	prov := &pollingProvider{
		stubProvider: &stubProvider{result: SubmitResult{JobID: "slow"}},
		next:         processingUntil(1000, ""),
	}
	p := NewPipeline(prov, time.Millisecond, 5, zerolog.Nop())

	job, err := p.Generate(context.Background(), "https://cdn/avatar.mp4", "Bonjour", "v")
	require.Error(t, err)
	assert.ErrorIs(t, err, failure.ErrTimeout)
	var te *failure.TimeoutError
	require.ErrorAs(t, err, &te)
	assert.Equal(t, 5, te.Attempts)
	assert.Equal(t, StatusError, job.Status)
	assert.Empty(t, job.ResultURL)

	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, int32(5), prov.polls.Load(), "no polls after giving up")
}

func TestAwait_ErrorStatusKeepsProviderDescription(t *testing.T) {
	prov := &pollingProvider{
		stubProvider: &stubProvider{result: SubmitResult{JobID: "bad"}},
		next: func(int) (Update, error) {
			return Update{Status: StatusError, ErrorDescription: "face not detected"}, nil
		},
	}
	p := NewPipeline(prov, time.Millisecond, 5, zerolog.Nop())

	job, err := p.Generate(context.Background(), "https://cdn/avatar.mp4", "Bonjour", "v")
	var je *failure.JobError
	require.ErrorAs(t, err, &je)
	assert.Equal(t, "face not detected", je.Description)
	assert.Equal(t, "face not detected", job.ErrorDescription)
	assert.Equal(t, 1, job.AttemptCount)
}

func TestAwait_RetriesTransientPollErrors(t *testing.T) {
	prov := &pollingProvider{
		stubProvider: &stubProvider{result: SubmitResult{JobID: "j"}},
		next: func(n int) (Update, error) {
			if n == 1 {
				return Update{}, &failure.ProviderError{Provider: "stub", StatusCode: 503}
			}
			return Update{Status: StatusDone, ResultURL: "https://cdn/y.mp4"}, nil
		},
	}
	p := NewPipeline(prov, time.Millisecond, 5, zerolog.Nop())

	job, err := p.Generate(context.Background(), "https://cdn/avatar.mp4", "Bonjour", "v")
	require.NoError(t, err)
	assert.Equal(t, 2, job.AttemptCount)
}

func TestAwait_ConfigurationErrorEndsPolling(t *testing.T) {
	prov := &pollingProvider{
		stubProvider: &stubProvider{result: SubmitResult{JobID: "j"}},
		next: func(int) (Update, error) {
			return Update{}, &failure.ProviderError{Provider: "stub", StatusCode: 402, RawBody: "no credits"}
		},
	}
	p := NewPipeline(prov, time.Millisecond, 5, zerolog.Nop())

	_, err := p.Generate(context.Background(), "https://cdn/avatar.mp4", "Bonjour", "v")
	require.Error(t, err)
	assert.True(t, failure.IsConfigurationProblem(err))
	assert.Equal(t, int32(1), prov.polls.Load())
}

func TestAwait_SynchronousResultSkipsResolution(t *testing.T) {
	prov := &pollingProvider{
		stubProvider: &stubProvider{result: SubmitResult{JobID: "s", ResultURL: "https://cdn/now.mp4"}},
		next:         processingUntil(1, "https://cdn/other.mp4"),
	}
	p := NewPipeline(prov, time.Millisecond, 5, zerolog.Nop())

	job, err := p.Generate(context.Background(), "https://cdn/avatar.mp4", "Bonjour", "v")
	require.NoError(t, err)
	assert.Equal(t, "https://cdn/now.mp4", job.ResultURL)
	assert.Equal(t, int32(0), prov.polls.Load())
}

func TestAwait_PushedResult(t *testing.T) {
	updates := make(chan Update, 4)
	prov := &pushProvider{stubProvider: &stubProvider{result: SubmitResult{JobID: "p"}}, updates: updates}
	p := NewPipeline(prov, time.Millisecond, 5, zerolog.Nop())

	updates <- Update{Status: StatusProcessing}
	updates <- Update{Status: StatusDone, ResultURL: "https://cdn/pushed.mp4"}
	job, err := p.Generate(context.Background(), "https://cdn/avatar.mp4", "Bonjour", "v")
	require.NoError(t, err)
	assert.Equal(t, "https://cdn/pushed.mp4", job.ResultURL)
	assert.Equal(t, 0, job.AttemptCount)
}

func TestAwait_EventWinsAndPollStops(t *testing.T) {
	updates := make(chan Update, 4)
	prov := &racingProvider{
		pollingProvider: &pollingProvider{
			stubProvider: &stubProvider{result: SubmitResult{JobID: "race"}},
			next:         processingUntil(1, "https://cdn/from-poll.mp4"),
		},
		updates: updates,
	}
	events := bus.New()
	log := &eventLog{}
	events.SubscribeAll(log.handle)
	p := NewPipeline(prov, 50*time.Millisecond, 5, zerolog.Nop()).WithEvents(events)

	updates <- Update{Status: StatusDone, ResultURL: "https://cdn/from-event.mp4"}
	job, err := p.Generate(context.Background(), "https://cdn/avatar.mp4", "Bonjour", "v")
	require.NoError(t, err)
	assert.Equal(t, "https://cdn/from-event.mp4", job.ResultURL)

	time.Sleep(80 * time.Millisecond)
	assert.Equal(t, int32(0), prov.polls.Load(), "poll loop must stop once resolved")
	assert.Equal(t, 1, log.count(bus.EventClipReady))
	assert.Equal(t, 0, log.count(bus.EventClipFailed))
}

func TestAwait_PollWinsAndLateEventIsDropped(t *testing.T) {
	updates := make(chan Update, 4)
	prov := &racingProvider{
		pollingProvider: &pollingProvider{
			stubProvider: &stubProvider{result: SubmitResult{JobID: "race"}},
			next:         processingUntil(2, "https://cdn/from-poll.mp4"),
		},
		updates: updates,
	}
	events := bus.New()
	log := &eventLog{}
	events.SubscribeAll(log.handle)
	p := NewPipeline(prov, time.Millisecond, 5, zerolog.Nop()).WithEvents(events)

	job, err := p.Generate(context.Background(), "https://cdn/avatar.mp4", "Bonjour", "v")
	require.NoError(t, err)
	assert.Equal(t, "https://cdn/from-poll.mp4", job.ResultURL)

	updates <- Update{Status: StatusError, ErrorDescription: "too late"}
	time.Sleep(10 * time.Millisecond)
	assert.Equal(t, StatusDone, job.Status)
	assert.Equal(t, 1, log.count(bus.EventClipReady))
	assert.Equal(t, 0, log.count(bus.EventClipFailed))
}

func TestAwait_CallerCancellation(t *testing.T) {
	prov := &pollingProvider{
		stubProvider: &stubProvider{result: SubmitResult{JobID: "c"}},
		next:         processingUntil(1000, ""),
	}
	p := NewPipeline(prov, time.Millisecond, 1000, zerolog.Nop())

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err := p.Generate(ctx, "https://cdn/avatar.mp4", "Bonjour", "v")
	require.True(t, errors.Is(err, context.DeadlineExceeded))
}

func TestSubmit_ProviderFailureIsReturned(t *testing.T) {
	prov := &stubProvider{submitErr: &failure.ProviderError{Provider: "stub", StatusCode: 401}}
	p := NewPipeline(prov, time.Millisecond, 5, zerolog.Nop())
	_, err := p.Generate(context.Background(), "https://cdn/avatar.mp4", "Bonjour", "v")
	var pe *failure.ProviderError
	require.ErrorAs(t, err, &pe)
	assert.Equal(t, 401, pe.StatusCode)
}
