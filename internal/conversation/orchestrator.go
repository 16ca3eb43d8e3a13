// Package conversation sequences a user turn end to end: transcription,
// reply, then rendering on the live avatar or as a generated clip.
package conversation

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/gillesmich/avatarai/internal/bus"
	"github.com/gillesmich/avatarai/internal/clip"
	"github.com/gillesmich/avatarai/internal/failure"
	"github.com/gillesmich/avatarai/internal/history"
	"github.com/gillesmich/avatarai/internal/llm"
	"github.com/gillesmich/avatarai/internal/observability"
)

// Transcriber turns one recorded utterance into text.
type Transcriber interface {
	Transcribe(ctx context.Context, audio []byte, contentType string) (string, error)
}

// ReplyGenerator produces the assistant reply, reporting fragments as they
// arrive.
type ReplyGenerator interface {
	Stream(ctx context.Context, req llm.Request, onDelta func(string)) (string, error)
}

// LiveSession is the streaming avatar.
type LiveSession interface {
	Start(ctx context.Context, sourceURL string) error
	SendText(ctx context.Context, text, voiceID string) error
	IsActive() bool
	Cleanup()
}

// ClipGenerator renders a reply as a finished clip.
type ClipGenerator interface {
	Generate(ctx context.Context, sourceURL, text, voiceID string) (*clip.Job, error)
}

// Stage displays finished clips.
type Stage interface {
	TransitionToVideo(ctx context.Context, url string, loop bool) (bool, error)
	ReturnToIdle(ctx context.Context) error
	Busy() bool
}

// ErrorSink shows a failure to the user. The orchestrator never retries
// after reporting.
type ErrorSink interface {
	Report(r failure.Report)
}

// Utterance is one recorded stretch of user speech.
type Utterance struct {
	Audio       []byte
	ContentType string
}

// Settings are the user-selected avatar parameters.
type Settings struct {
	SourceURL   string
	VoiceID     string
	ClipVoiceID string
	ModelID     string
}

// TurnResult describes what happened to one user input.
type TurnResult struct {
	Discarded bool      `json:"discarded"`
	User      *Turn     `json:"user,omitempty"`
	Assistant *Turn     `json:"assistant,omitempty"`
	Route     Route     `json:"route,omitempty"`
	Job       *clip.Job `json:"job,omitempty"`
}

// Orchestrator owns the conversation state. Turns are handled one at a
// time.
type Orchestrator struct {
	transcriber Transcriber
	replies     ReplyGenerator
	live        LiveSession
	clips       ClipGenerator
	stage       Stage
	history     history.Store
	sink        ErrorSink
	events      *bus.EventBus
	metrics     *observability.Metrics
	log         zerolog.Logger

	filter      TranscriptFilter
	speechLimit int
	now         func() time.Time

	turnMu sync.Mutex

	mu       sync.Mutex
	settings Settings
	state    State
	idleStop context.CancelFunc
}

// Options configures an Orchestrator. Only Transcriber and Replies are
// required; without Live every reply goes to clips.
type Options struct {
	Transcriber Transcriber
	Replies     ReplyGenerator
	Live        LiveSession
	Clips       ClipGenerator
	Stage       Stage
	History     history.Store
	Sink        ErrorSink
	Filter      TranscriptFilter
	SpeechLimit int
	Settings    Settings
}

func New(opts Options, log zerolog.Logger) *Orchestrator {
	if opts.SpeechLimit <= 0 {
		opts.SpeechLimit = 1000
	}
	return &Orchestrator{
		transcriber: opts.Transcriber,
		replies:     opts.Replies,
		live:        opts.Live,
		clips:       opts.Clips,
		stage:       opts.Stage,
		history:     opts.History,
		sink:        opts.Sink,
		filter:      opts.Filter,
		speechLimit: opts.SpeechLimit,
		settings:    opts.Settings,
		log:         log,
		now:         time.Now,
	}
}

func (o *Orchestrator) WithEvents(b *bus.EventBus) *Orchestrator {
	o.events = b
	return o
}

func (o *Orchestrator) WithMetrics(m *observability.Metrics) *Orchestrator {
	o.metrics = m
	return o
}

// HandleUtterance transcribes audio and, unless the transcript is junk,
// answers it. Junk transcripts return a discarded result and no error.
func (o *Orchestrator) HandleUtterance(ctx context.Context, u Utterance) (*TurnResult, error) {
	raw, err := o.transcriber.Transcribe(ctx, u.Audio, u.ContentType)
	if err != nil {
		o.report(fmt.Errorf("transcription failed: %w", err))
		o.metrics.Turn("none", "transcription_error")
		return nil, err
	}
	text, ok := o.filter.Clean(raw)
	if !ok {
		o.log.Debug().Err(failure.ErrEmptyTranscript).Str("transcript", raw).Msg("transcript discarded")
		o.events.Publish(bus.EventTranscriptDiscarded, map[string]any{"transcript": raw})
		o.metrics.Turn("none", "discarded")
		return &TurnResult{Discarded: true}, nil
	}
	return o.handleTurn(ctx, text, ModalityVoice)
}

// HandleText answers typed input.
func (o *Orchestrator) HandleText(ctx context.Context, text string) (*TurnResult, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return &TurnResult{Discarded: true}, nil
	}
	return o.handleTurn(ctx, text, ModalityText)
}

func (o *Orchestrator) handleTurn(ctx context.Context, text string, modality Modality) (*TurnResult, error) {
	o.turnMu.Lock()
	defer o.turnMu.Unlock()

	o.mu.Lock()
	prior := make([]llm.Message, 0, len(o.state.Turns))
	for _, t := range o.state.Turns {
		if t.Text != "" {
			prior = append(prior, llm.Message{Role: string(t.Role), Content: t.Text})
		}
	}
	settings := o.settings
	o.mu.Unlock()

	user := o.appendTurn(Turn{Role: RoleUser, Text: text, Modality: modality})
	o.events.Publish(bus.EventUserTurn, map[string]any{"id": user.ID, "text": text, "modality": string(modality)})
	res := &TurnResult{User: &user}

	reply, err := o.replies.Stream(ctx, llm.Request{History: prior, NewUserText: text, ModelID: settings.ModelID}, o.onDelta)
	if err != nil {
		o.setPartial("")
		a := o.appendTurn(Turn{Role: RoleAssistant, Modality: modality, Error: err.Error()})
		res.Assistant = &a
		o.report(fmt.Errorf("reply generation failed: %w", err))
		o.metrics.Turn("none", "reply_error")
		return res, err
	}
	o.setPartial("")
	assistant := o.appendTurn(Turn{Role: RoleAssistant, Text: reply, Modality: modality})
	res.Assistant = &assistant
	o.events.Publish(bus.EventAssistantTurn, map[string]any{"id": assistant.ID, "text": reply})

	route := RouteClip
	if o.live != nil && o.live.IsActive() {
		route = RouteLive
	}
	res.Route = route

	if route == RouteLive {
		err = o.speakLive(ctx, reply, settings)
	} else {
		res.Job, err = o.renderClip(ctx, reply, settings, assistant.ID)
	}
	if err != nil {
		o.annotate(assistant.ID, err)
		o.report(err)
		o.metrics.Turn(string(route), "render_error")
		a := o.turn(assistant.ID)
		res.Assistant = &a
		return res, err
	}
	o.metrics.Turn(string(route), "ok")
	a := o.turn(assistant.ID)
	res.Assistant = &a
	return res, nil
}

func (o *Orchestrator) speakLive(ctx context.Context, reply string, s Settings) error {
	req, err := NewSpeechRequest(reply, s.VoiceID, RouteLive, o.speechLimit)
	if err != nil {
		return err
	}
	return o.live.SendText(ctx, req.Text, req.VoiceID)
}

func (o *Orchestrator) renderClip(ctx context.Context, reply string, s Settings, turnID string) (*clip.Job, error) {
	if o.clips == nil {
		return nil, errors.New("no clip provider configured")
	}
	if s.SourceURL == "" {
		return nil, errors.New("no avatar source configured")
	}
	req, err := NewSpeechRequest(reply, s.ClipVoiceID, RouteClip, o.speechLimit)
	if err != nil {
		return nil, err
	}
	job, err := o.clips.Generate(ctx, s.SourceURL, req.Text, req.VoiceID)
	if err != nil {
		return job, err
	}

	o.cancelIdleReturn()
	if o.stage != nil {
		if err := o.show(ctx, job.ResultURL); err != nil {
			return job, err
		}
	}
	o.mu.Lock()
	for i := range o.state.Turns {
		if o.state.Turns[i].ID == turnID {
			o.state.Turns[i].ClipURL = job.ResultURL
		}
	}
	o.mu.Unlock()

	if o.history != nil {
		entry := history.Entry{URL: job.ResultURL, Text: req.Text, Timestamp: o.now().UTC()}
		if err := o.history.Append(ctx, entry); err != nil {
			o.log.Warn().Err(err).Msg("clip history not saved")
		}
	}
	o.scheduleIdleReturn()
	return job, nil
}

// show hands url to the stage. A transition still running (usually the
// return to idle) drops the request, so wait for it and try again.
func (o *Orchestrator) show(ctx context.Context, url string) error {
	for attempt := 0; attempt < 3; attempt++ {
		ok, err := o.stage.TransitionToVideo(ctx, url, false)
		if err != nil {
			return err
		}
		if ok {
			return nil
		}
		for o.stage.Busy() {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(10 * time.Millisecond):
			}
		}
	}
	return fmt.Errorf("stage stayed busy, clip %s not shown", url)
}

func (o *Orchestrator) scheduleIdleReturn() {
	if o.stage == nil {
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	o.mu.Lock()
	o.idleStop = cancel
	o.mu.Unlock()
	go func() {
		defer cancel()
		if err := o.stage.ReturnToIdle(ctx); err != nil && !errors.Is(err, context.Canceled) {
			o.log.Warn().Err(err).Msg("return to idle failed")
		}
	}()
}

func (o *Orchestrator) cancelIdleReturn() {
	o.mu.Lock()
	stop := o.idleStop
	o.idleStop = nil
	o.mu.Unlock()
	if stop != nil {
		stop()
	}
}

// StartLive connects the streaming avatar with the configured source.
func (o *Orchestrator) StartLive(ctx context.Context, sourceURL string) error {
	if o.live == nil {
		return errors.New("no live provider configured")
	}
	o.mu.Lock()
	if sourceURL == "" {
		sourceURL = o.settings.SourceURL
	}
	o.mu.Unlock()
	if sourceURL == "" {
		return errors.New("no avatar source configured")
	}
	if err := o.live.Start(ctx, sourceURL); err != nil {
		o.report(err)
		return err
	}
	return nil
}

// StopLive releases the streaming avatar. Later replies go to clips.
func (o *Orchestrator) StopLive() {
	if o.live != nil {
		o.live.Cleanup()
	}
}

// Close stops background work.
func (o *Orchestrator) Close() {
	o.cancelIdleReturn()
	o.StopLive()
}

// State returns a copy of the conversation.
func (o *Orchestrator) State() State {
	o.mu.Lock()
	defer o.mu.Unlock()
	turns := make([]Turn, len(o.state.Turns))
	copy(turns, o.state.Turns)
	return State{Turns: turns, Partial: o.state.Partial}
}

// History returns the saved clips, oldest first.
func (o *Orchestrator) History(ctx context.Context) ([]history.Entry, error) {
	if o.history == nil {
		return nil, nil
	}
	return o.history.Load(ctx)
}

func (o *Orchestrator) Settings() Settings {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.settings
}

// UpdateSettings applies a new avatar selection to the following turns.
func (o *Orchestrator) UpdateSettings(s Settings) {
	o.mu.Lock()
	o.settings = s
	o.mu.Unlock()
}

func (o *Orchestrator) onDelta(d string) {
	o.mu.Lock()
	o.state.Partial += d
	partial := o.state.Partial
	o.mu.Unlock()
	o.events.Publish(bus.EventAssistantPartial, map[string]any{"text": partial})
}

func (o *Orchestrator) setPartial(s string) {
	o.mu.Lock()
	o.state.Partial = s
	o.mu.Unlock()
}

func (o *Orchestrator) appendTurn(t Turn) Turn {
	t.ID = uuid.NewString()
	t.At = o.now().UTC()
	o.mu.Lock()
	o.state.Turns = append(o.state.Turns, t)
	o.mu.Unlock()
	return t
}

func (o *Orchestrator) annotate(id string, err error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	for i := range o.state.Turns {
		if o.state.Turns[i].ID == id {
			o.state.Turns[i].Error = err.Error()
		}
	}
}

func (o *Orchestrator) turn(id string) Turn {
	o.mu.Lock()
	defer o.mu.Unlock()
	for _, t := range o.state.Turns {
		if t.ID == id {
			return t
		}
	}
	return Turn{}
}

func (o *Orchestrator) report(err error) {
	r := failure.FromError(err, o.now())
	o.log.Error().Err(err).Str("title", r.Title).Msg("turn failed")
	if o.sink != nil {
		o.sink.Report(r)
	}
}
