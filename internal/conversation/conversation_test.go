package conversation

import (
	"context"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"unicode/utf8"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gillesmich/avatarai/internal/bus"
	"github.com/gillesmich/avatarai/internal/clip"
	"github.com/gillesmich/avatarai/internal/failure"
	"github.com/gillesmich/avatarai/internal/history"
	"github.com/gillesmich/avatarai/internal/llm"
)

type fixedTranscriber struct{ text string }

func (f fixedTranscriber) Transcribe(context.Context, []byte, string) (string, error) {
	return f.text, nil
}

type fakeReplies struct {
	calls atomic.Int32
	reply string
	err   error
	last  llm.Request
}

func (f *fakeReplies) Stream(_ context.Context, req llm.Request, onDelta func(string)) (string, error) {
	f.calls.Add(1)
	f.last = req
	if f.err != nil {
		return "", f.err
	}
	for _, w := range strings.SplitAfter(f.reply, " ") {
		onDelta(w)
	}
	return f.reply, nil
}

type fakeLive struct {
	active bool
	mu     sync.Mutex
	sent   []string
}

func (f *fakeLive) Start(context.Context, string) error { f.active = true; return nil }
func (f *fakeLive) IsActive() bool                      { return f.active }
func (f *fakeLive) Cleanup()                            { f.active = false }
func (f *fakeLive) SendText(_ context.Context, text, _ string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, text)
	return nil
}

type fakeClips struct {
	calls atomic.Int32
	text  string
	err   error
}

func (f *fakeClips) Generate(_ context.Context, src, text, voice string) (*clip.Job, error) {
	f.calls.Add(1)
	f.text = text
	job := &clip.Job{ID: "abc", SourceMediaURL: src, Text: text, VoiceID: voice}
	if f.err != nil {
		job.Status = clip.StatusError
		return job, f.err
	}
	job.Status = clip.StatusDone
	job.ResultURL = "https://cdn.example/abc.mp4"
	return job, nil
}

type fakeStage struct {
	transitions atomic.Int32
	idle        chan struct{}
	urls        []string
}

func newFakeStage() *fakeStage { return &fakeStage{idle: make(chan struct{}, 4)} }

func (f *fakeStage) TransitionToVideo(_ context.Context, url string, _ bool) (bool, error) {
	f.transitions.Add(1)
	f.urls = append(f.urls, url)
	return true, nil
}

func (f *fakeStage) ReturnToIdle(context.Context) error {
	f.idle <- struct{}{}
	return nil
}

func (f *fakeStage) Busy() bool { return false }

type recordingSink struct {
	mu      sync.Mutex
	reports []failure.Report
}

func (s *recordingSink) Report(r failure.Report) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.reports = append(s.reports, r)
}

func newOrchestrator(t *testing.T, transcript string, opts Options) (*Orchestrator, *fakeReplies) {
	t.Helper()
	replies := &fakeReplies{reply: "Bonjour, je suis votre avatar."}
	opts.Transcriber = fixedTranscriber{text: transcript}
	opts.Replies = replies
	if opts.Filter == (TranscriptFilter{}) {
		opts.Filter = TranscriptFilter{MinLength: 3, GenericMaxLength: 30}
	}
	if opts.Settings == (Settings{}) {
		opts.Settings = Settings{SourceURL: "https://cdn.example/face.mp4", VoiceID: "v1", ClipVoiceID: "v2"}
	}
	return New(opts, zerolog.Nop()), replies
}

func TestHandleUtterance_DiscardsJunkWithoutReply(t *testing.T) {
	for _, transcript := range []string{"", "ok", "merci à tous", "  ...  ", "Sous-titres réalisés para la communauté d'Amara.org"} {
		t.Run(transcript, func(t *testing.T) {
			b := bus.New()
			var discarded int
			b.Subscribe(bus.EventTranscriptDiscarded, func(bus.Event) { discarded++ })

			o, replies := newOrchestrator(t, transcript, Options{})
			o.WithEvents(b)

			res, err := o.HandleUtterance(context.Background(), Utterance{Audio: []byte{1}, ContentType: "audio/webm"})
			require.NoError(t, err)
			assert.True(t, res.Discarded)
			assert.Empty(t, o.State().Turns)
			assert.Zero(t, replies.calls.Load())
			assert.Equal(t, 1, discarded)
		})
	}
}

func TestHandleUtterance_ClipRouteShowsOnceAndRecordsHistory(t *testing.T) {
	stage := newFakeStage()
	clips := &fakeClips{}
	store, err := history.NewSQLiteStore("", 1<<20)
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	o, replies := newOrchestrator(t, "Bonjour, comment vas-tu ?", Options{Clips: clips, Stage: stage, History: store})

	res, err := o.HandleUtterance(context.Background(), Utterance{Audio: []byte{1}, ContentType: "audio/webm"})
	require.NoError(t, err)
	<-stage.idle

	assert.Equal(t, RouteClip, res.Route)
	assert.Equal(t, "abc", res.Job.ID)
	assert.Equal(t, int32(1), replies.calls.Load())
	assert.Equal(t, int32(1), stage.transitions.Load())
	assert.Equal(t, []string{"https://cdn.example/abc.mp4"}, stage.urls)

	entries, err := o.History(context.Background())
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "https://cdn.example/abc.mp4", entries[0].URL)

	state := o.State()
	require.Len(t, state.Turns, 2)
	assert.Equal(t, RoleUser, state.Turns[0].Role)
	assert.Equal(t, ModalityVoice, state.Turns[0].Modality)
	assert.Equal(t, "https://cdn.example/abc.mp4", state.Turns[1].ClipURL)
	assert.Empty(t, state.Partial)
}

func TestHandleText_LiveRouteWhenSessionActive(t *testing.T) {
	live := &fakeLive{active: true}
	clips := &fakeClips{}
	o, _ := newOrchestrator(t, "", Options{Live: live, Clips: clips})

	res, err := o.HandleText(context.Background(), "Raconte une histoire")
	require.NoError(t, err)

	assert.Equal(t, RouteLive, res.Route)
	assert.Equal(t, []string{"Bonjour, je suis votre avatar."}, live.sent)
	assert.Zero(t, clips.calls.Load())
}

func TestHandleText_PassesPriorTurnsAsHistory(t *testing.T) {
	o, replies := newOrchestrator(t, "", Options{Live: &fakeLive{active: true}})

	_, err := o.HandleText(context.Background(), "premier message")
	require.NoError(t, err)
	_, err = o.HandleText(context.Background(), "second message")
	require.NoError(t, err)

	assert.Equal(t, "second message", replies.last.NewUserText)
	require.Len(t, replies.last.History, 2)
	assert.Equal(t, "user", replies.last.History[0].Role)
	assert.Equal(t, "assistant", replies.last.History[1].Role)
}

func TestHandleText_ClipFailureKeepsTextTurn(t *testing.T) {
	sink := &recordingSink{}
	clips := &fakeClips{err: &failure.ProviderError{Provider: "d-id", StatusCode: 402, RawBody: "no credits"}}
	stage := newFakeStage()
	o, _ := newOrchestrator(t, "", Options{Clips: clips, Stage: stage, Sink: sink})

	res, err := o.HandleText(context.Background(), "Bonjour")
	require.Error(t, err)

	require.NotNil(t, res.Assistant)
	assert.Equal(t, "Bonjour, je suis votre avatar.", res.Assistant.Text)
	assert.NotEmpty(t, res.Assistant.Error)
	assert.Zero(t, stage.transitions.Load())

	state := o.State()
	require.Len(t, state.Turns, 2)
	assert.Equal(t, "Bonjour, je suis votre avatar.", state.Turns[1].Text)
	require.Len(t, sink.reports, 1)
}

func TestHandleText_ReplyFailureIsReported(t *testing.T) {
	sink := &recordingSink{}
	o, replies := newOrchestrator(t, "", Options{Sink: sink})
	replies.err = errors.New("upstream down")

	_, err := o.HandleText(context.Background(), "Bonjour")
	require.Error(t, err)
	require.Len(t, sink.reports, 1)
	assert.Contains(t, sink.reports[0].Message, "upstream down")
}

func TestHandleText_LongReplyIsTruncated(t *testing.T) {
	clips := &fakeClips{}
	o, replies := newOrchestrator(t, "", Options{Clips: clips, SpeechLimit: 1000})
	replies.reply = strings.Repeat("a", 1500)

	_, err := o.HandleText(context.Background(), "Bonjour")
	require.NoError(t, err)
	assert.Equal(t, 1000, utf8.RuneCountInString(clips.text))
	assert.True(t, strings.HasSuffix(clips.text, "…"))
}

func TestBusSink_PublishesReport(t *testing.T) {
	b := bus.New()
	var got bus.Event
	b.Subscribe(bus.EventErrorReported, func(e bus.Event) { got = e })

	BusSink{Events: b}.Report(failure.Report{Title: "Clip failed", Message: "timeout"})
	assert.Equal(t, "Clip failed", got.Data["title"])
}

func TestNewSpeechRequest(t *testing.T) {
	_, err := NewSpeechRequest("   ", "v", RouteLive, 10)
	require.Error(t, err)

	req, err := NewSpeechRequest("  court  ", "v", RouteLive, 10)
	require.NoError(t, err)
	assert.Equal(t, "court", req.Text)

	req, err = NewSpeechRequest("ééééééééééééééé", "v", RouteClip, 10)
	require.NoError(t, err)
	assert.Equal(t, 10, utf8.RuneCountInString(req.Text))
}

func TestTranscriptFilter_Clean(t *testing.T) {
	f := TranscriptFilter{MinLength: 3, GenericMaxLength: 30}
	tests := []struct {
		in   string
		want string
		keep bool
	}{
		{"Bonjour, quelle heure est-il ?", "Bonjour, quelle heure est-il ?", true},
		{"Merci beaucoup.", "", false},
		{"Quelle météo demain ? N'oubliez pas de vous abonner !", "Quelle météo demain ?", true},
		{"Merci beaucoup pour votre aide avec ce long projet de migration", "Merci beaucoup pour votre aide avec ce long projet de migration", true},
		{"?!", "", false},
		{"   ", "", false},
	}
	for _, tt := range tests {
		got, ok := f.Clean(tt.in)
		assert.Equal(t, tt.keep, ok, tt.in)
		assert.Equal(t, tt.want, got, tt.in)
	}
}
