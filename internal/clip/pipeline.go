package clip

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/gillesmich/avatarai/internal/bus"
	"github.com/gillesmich/avatarai/internal/failure"
	"github.com/gillesmich/avatarai/internal/observability"
	"github.com/gillesmich/avatarai/internal/reliability"
)

// Pipeline submits clip jobs and waits for their result.
type Pipeline struct {
	provider    Provider
	interval    time.Duration
	maxAttempts int
	events      *bus.EventBus
	metrics     *observability.Metrics
	log         zerolog.Logger
	now         func() time.Time
}

// NewPipeline polls every interval, giving up after maxAttempts polls.
func NewPipeline(provider Provider, interval time.Duration, maxAttempts int, log zerolog.Logger) *Pipeline {
	return &Pipeline{
		provider:    provider,
		interval:    interval,
		maxAttempts: maxAttempts,
		log:         log.With().Str("provider", provider.Name()).Logger(),
		now:         time.Now,
	}
}

func (p *Pipeline) WithEvents(b *bus.EventBus) *Pipeline {
	p.events = b
	return p
}

func (p *Pipeline) WithMetrics(m *observability.Metrics) *Pipeline {
	p.metrics = m
	return p
}

func (p *Pipeline) Provider() string { return p.provider.Name() }

// Submit starts a clip of sourceURL speaking text. Still images are refused
// before any network call.
func (p *Pipeline) Submit(ctx context.Context, sourceURL, text, voiceID string) (*Job, error) {
	if IsImageURL(sourceURL) {
		return nil, failure.ErrInvalidSourceType
	}
	text = strings.TrimSpace(text)
	if text == "" {
		return nil, errors.New("clip text is empty")
	}
	res, err := p.provider.Submit(ctx, Request{SourceURL: sourceURL, Text: text, VoiceID: voiceID})
	if err != nil {
		p.countProviderError(err)
		p.metrics.ClipOutcome("submit_error")
		return nil, err
	}
	job := &Job{
		ID:             res.JobID,
		Provider:       p.provider.Name(),
		SourceMediaURL: sourceURL,
		Text:           text,
		VoiceID:        voiceID,
		Status:         StatusQueued,
		MaxAttempts:    p.maxAttempts,
		CreatedAt:      p.now().UTC(),
	}
	if job.ID == "" {
		job.ID = uuid.NewString()
	}
	if res.ResultURL != "" {
		job.Status = StatusDone
		job.ResultURL = res.ResultURL
	}
	p.log.Info().Str("job_id", job.ID).Str("status", string(job.Status)).Msg("clip submitted")
	p.events.Publish(bus.EventClipSubmitted, map[string]any{"job_id": job.ID, "status": string(job.Status)})
	return job, nil
}

// outcome is the single resolution of a job.
type outcome struct {
	origin string
	update Update
	err    error
}

// resolver accepts the first outcome and drops every later one.
type resolver struct {
	once sync.Once
	done chan outcome
	log  zerolog.Logger
}

func newResolver(log zerolog.Logger) *resolver {
	return &resolver{done: make(chan outcome, 1), log: log}
}

func (r *resolver) resolve(o outcome) bool {
	won := false
	r.once.Do(func() {
		won = true
		r.done <- o
	})
	if !won {
		r.log.Debug().Str("origin", o.origin).Msg("late clip result dropped")
	}
	return won
}

// Await blocks until job resolves. Polling and pushed events race when the
// provider offers both; the first to resolve stops the other.
func (p *Pipeline) Await(ctx context.Context, job *Job) (*Job, error) {
	if job.Status == StatusDone {
		return job, nil
	}
	poller, canPoll := p.provider.(Poller)
	source, canWatch := p.provider.(EventSource)
	if !canPoll && !canWatch {
		return job, fmt.Errorf("%s: provider offers no way to resolve job %s", p.provider.Name(), job.ID)
	}

	rctx, cancel := context.WithCancel(ctx)
	defer cancel()
	res := newResolver(p.log.With().Str("job_id", job.ID).Logger())
	var attempts atomic.Int32
	var wg sync.WaitGroup

	if canWatch {
		updates, err := source.Watch(rctx, job.ID)
		if err != nil {
			if !canPoll {
				return job, err
			}
			p.log.Warn().Err(err).Str("job_id", job.ID).Msg("event channel unavailable, polling only")
		} else {
			wg.Add(1)
			go func() {
				defer wg.Done()
				p.watch(rctx, job.ID, updates, res)
			}()
		}
	}
	if canPoll {
		wg.Add(1)
		go func() {
			defer wg.Done()
			p.poll(rctx, job.ID, poller, &attempts, res)
		}()
	}

	var out outcome
	select {
	case out = <-res.done:
	case <-ctx.Done():
		out = outcome{origin: "caller", err: ctx.Err()}
	}
	cancel()
	wg.Wait()

	job.AttemptCount = int(attempts.Load())
	if out.err != nil {
		job.Status = StatusError
		job.ErrorDescription = out.err.Error()
		return job, out.err
	}
	job.Status = out.update.Status
	job.ResultURL = out.update.ResultURL
	job.ErrorDescription = out.update.ErrorDescription
	if job.Status == StatusError {
		return job, &failure.JobError{JobID: job.ID, Description: job.ErrorDescription}
	}
	p.log.Info().Str("job_id", job.ID).Str("via", out.origin).Int("attempts", job.AttemptCount).Msg("clip ready")
	return job, nil
}

func (p *Pipeline) poll(ctx context.Context, jobID string, poller Poller, attempts *atomic.Int32, res *resolver) {
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		n := int(attempts.Add(1))
		p.metrics.ClipPoll()
		upd, err := poller.Poll(ctx, jobID)
		if ctx.Err() != nil {
			return
		}
		switch {
		case err != nil && !transient(err):
			p.countProviderError(err)
			res.resolve(outcome{origin: "poll", err: err})
			return
		case err != nil:
			p.log.Warn().Err(err).Str("job_id", jobID).Int("attempt", n).Msg("poll failed, will retry")
		case upd.Status.Terminal():
			res.resolve(outcome{origin: "poll", update: upd})
			return
		default:
			p.events.Publish(bus.EventClipProgress, map[string]any{"job_id": jobID, "status": string(upd.Status), "attempt": n})
		}
		if n >= p.maxAttempts {
			res.resolve(outcome{origin: "poll", err: &failure.TimeoutError{JobID: jobID, Attempts: n}})
			return
		}
	}
}

func (p *Pipeline) watch(ctx context.Context, jobID string, updates <-chan Update, res *resolver) {
	for {
		select {
		case <-ctx.Done():
			return
		case upd, ok := <-updates:
			if !ok {
				return
			}
			if upd.Status.Terminal() {
				res.resolve(outcome{origin: "event", update: upd})
				return
			}
			p.events.Publish(bus.EventClipProgress, map[string]any{"job_id": jobID, "status": string(upd.Status)})
		}
	}
}

// Generate submits and awaits a clip, reporting progress on the bus.
func (p *Pipeline) Generate(ctx context.Context, sourceURL, text, voiceID string) (*Job, error) {
	started := p.now()
	job, err := p.Submit(ctx, sourceURL, text, voiceID)
	if err != nil {
		p.events.Publish(bus.EventClipFailed, map[string]any{"error": err.Error()})
		return nil, err
	}
	job, err = p.Await(ctx, job)
	if err != nil {
		result := "error"
		if errors.Is(err, failure.ErrTimeout) {
			result = "timeout"
		}
		p.metrics.ClipOutcome(result)
		p.log.Error().Err(err).Str("job_id", job.ID).Msg("clip failed")
		p.events.Publish(bus.EventClipFailed, map[string]any{"job_id": job.ID, "error": err.Error()})
		return job, err
	}
	p.metrics.ClipOutcome("done")
	p.metrics.ObserveClipLatency(p.now().Sub(started))
	p.events.Publish(bus.EventClipReady, map[string]any{"job_id": job.ID, "url": job.ResultURL})
	return job, nil
}

func (p *Pipeline) countProviderError(err error) {
	var pe *failure.ProviderError
	if errors.As(err, &pe) {
		p.metrics.ProviderError(pe.Provider, pe.StatusCode)
	}
}

// transient reports whether a poll error is worth another attempt.
func transient(err error) bool {
	var pe *failure.ProviderError
	if errors.As(err, &pe) {
		return reliability.IsRetryableHTTPStatus(pe.StatusCode)
	}
	return !errors.Is(err, context.Canceled)
}
