package clip

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gillesmich/avatarai/internal/failure"
	"github.com/gillesmich/avatarai/internal/signaling"
	"github.com/gillesmich/avatarai/internal/tts"
)

func TestDIDProvider_ScenarioPollsToDone(t *testing.T) {
	var gets atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.Method == http.MethodPost && r.URL.Path == "/talks":
			w.WriteHeader(http.StatusCreated)
			_, _ = w.Write([]byte(`{"id":"abc","status":"created"}`))
		case r.Method == http.MethodGet && r.URL.Path == "/talks/abc":
			if gets.Add(1) < 4 {
				_, _ = w.Write([]byte(`{"id":"abc","status":"started"}`))
				return
			}
			_, _ = w.Write([]byte(`{"id":"abc","status":"done","result_url":"https://cdn/x.mp4"}`))
		default:
			http.NotFound(w, r)
		}
	}))
	defer srv.Close()

	api := signaling.NewDIDClient(srv.URL, "k", time.Second, zerolog.Nop())
	p := NewPipeline(NewDIDProvider(api), time.Millisecond, 10, zerolog.Nop())

	job, err := p.Generate(context.Background(), "https://cdn/avatar.mp4", "Bonjour", "fr-FR-DeniseNeural")
	require.NoError(t, err)
	assert.Equal(t, "abc", job.ID)
	assert.Equal(t, "https://cdn/x.mp4", job.ResultURL)
	assert.Equal(t, 4, job.AttemptCount)
}

func TestTalkUpdate_Mapping(t *testing.T) {
	assert.Equal(t, StatusProcessing, talkUpdate(signaling.Talk{Status: "created"}).Status)
	assert.Equal(t, StatusProcessing, talkUpdate(signaling.Talk{Status: "started"}).Status)

	rejected := signaling.Talk{Status: "rejected"}
	rejected.Error = &struct {
		Kind        string `json:"kind"`
		Description string `json:"description"`
	}{Kind: "FaceError", Description: "Face not detected in source"}
	u := talkUpdate(rejected)
	assert.Equal(t, StatusError, u.Status)
	assert.Equal(t, "Face not detected in source", u.ErrorDescription)

	assert.Equal(t, StatusError, talkUpdate(signaling.Talk{Status: "error"}).Status)
}

type fakeSpeech struct{ calls atomic.Int32 }

func (f *fakeSpeech) Synthesize(ctx context.Context, text, voiceID string) (tts.Audio, error) {
	f.calls.Add(1)
	return tts.Audio{Data: []byte("ID3mp3"), ContentType: "audio/mpeg", Ext: "mp3"}, nil
}

type fakeUploader struct {
	mu   sync.Mutex
	keys []string
}

func (f *fakeUploader) Upload(ctx context.Context, key, contentType string, data []byte) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.keys = append(f.keys, key)
	return "https://store/" + key, nil
}

type falServer struct {
	*httptest.Server
	mu       sync.Mutex
	submit   map[string]any
	statuses atomic.Int32
}

func newFALServer(t *testing.T, readyAfter int32) *falServer {
	t.Helper()
	fs := &falServer{}
	mux := http.NewServeMux()
	mux.HandleFunc("/fal-ai/musetalk", func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Key fk", r.Header.Get("Authorization"))
		var body map[string]any
		_ = json.NewDecoder(r.Body).Decode(&body)
		fs.mu.Lock()
		fs.submit = body
		fs.mu.Unlock()
		_, _ = w.Write([]byte(`{"request_id":"req-1"}`))
	})
	mux.HandleFunc("/fal-ai/musetalk/requests/req-1/status", func(w http.ResponseWriter, r *http.Request) {
		if fs.statuses.Add(1) < readyAfter {
			_, _ = w.Write([]byte(`{"status":"IN_PROGRESS"}`))
			return
		}
		fmt.Fprintf(w, `{"status":"COMPLETED","response_url":"%s/fal-ai/musetalk/requests/req-1"}`, fs.URL)
	})
	mux.HandleFunc("/fal-ai/musetalk/requests/req-1", func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"video":{"url":"https://fal.media/out.mp4"}}`))
	})
	mux.HandleFunc("/fal-ai/musetalk/requests/req-1/status/stream", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		fmt.Fprint(w, ": keepalive\n\n")
		fmt.Fprint(w, "data: {\"status\":\"IN_QUEUE\"}\n\n")
		fmt.Fprint(w, "data: not json\n\n")
		fmt.Fprintf(w, "data: {\"status\":\"COMPLETED\",\"response_url\":\"%s/fal-ai/musetalk/requests/req-1\"}\n\n", fs.URL)
	})
	fs.Server = httptest.NewServer(mux)
	t.Cleanup(fs.Close)
	return fs
}

func newTestFAL(srv *falServer, speech tts.Synthesizer) *FALProvider {
	f := NewFALProvider("fk", speech, zerolog.Nop())
	f.BaseURL = srv.URL
	f.HTTPClient = srv.Client()
	return f
}

func TestFALProvider_InlinesSpeechWithoutUploader(t *testing.T) {
	srv := newFALServer(t, 1)
	speech := &fakeSpeech{}
	f := newTestFAL(srv, speech)

	res, err := f.Submit(context.Background(), Request{SourceURL: "https://cdn/avatar.mp4", Text: "Bonjour", VoiceID: "v"})
	require.NoError(t, err)
	assert.Equal(t, "req-1", res.JobID)
	assert.Equal(t, int32(1), speech.calls.Load())

	srv.mu.Lock()
	defer srv.mu.Unlock()
	assert.Equal(t, "https://cdn/avatar.mp4", srv.submit["image_url"])
	assert.True(t, strings.HasPrefix(srv.submit["audio_url"].(string), "data:audio/mpeg;base64,"))
}

func TestFALProvider_UploadsSpeech(t *testing.T) {
	srv := newFALServer(t, 1)
	up := &fakeUploader{}
	f := newTestFAL(srv, &fakeSpeech{}).WithUploader(up)

	_, err := f.Submit(context.Background(), Request{SourceURL: "https://cdn/avatar.mp4", Text: "Bonjour"})
	require.NoError(t, err)
	require.Len(t, up.keys, 1)
	assert.True(t, strings.HasPrefix(up.keys[0], "speech/"))
	assert.True(t, strings.HasSuffix(up.keys[0], ".mp3"))

	srv.mu.Lock()
	defer srv.mu.Unlock()
	assert.Equal(t, "https://store/"+up.keys[0], srv.submit["audio_url"])
}

func TestFALProvider_PollFetchesResponseURL(t *testing.T) {
	srv := newFALServer(t, 3)
	f := newTestFAL(srv, &fakeSpeech{})

	u, err := f.Poll(context.Background(), "req-1")
	require.NoError(t, err)
	assert.Equal(t, StatusProcessing, u.Status)

	u, err = f.Poll(context.Background(), "req-1")
	require.NoError(t, err)
	assert.Equal(t, StatusProcessing, u.Status)

	u, err = f.Poll(context.Background(), "req-1")
	require.NoError(t, err)
	assert.Equal(t, StatusDone, u.Status)
	assert.Equal(t, "https://fal.media/out.mp4", u.ResultURL)
}

func TestFALProvider_WatchReadsStatusStream(t *testing.T) {
	srv := newFALServer(t, 1000)
	f := newTestFAL(srv, &fakeSpeech{})

	ch, err := f.Watch(context.Background(), "req-1")
	require.NoError(t, err)
	var got []Update
	for u := range ch {
		got = append(got, u)
	}
	require.Len(t, got, 2)
	assert.Equal(t, StatusQueued, got[0].Status)
	assert.Equal(t, StatusDone, got[1].Status)
	assert.Equal(t, "https://fal.media/out.mp4", got[1].ResultURL)
}

func TestFALProvider_InsufficientCredits(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusPaymentRequired)
		_, _ = w.Write([]byte(`{"detail":"Insufficient credits"}`))
	}))
	defer srv.Close()
	f := NewFALProvider("fk", &fakeSpeech{}, zerolog.Nop())
	f.BaseURL = srv.URL

	_, err := f.Submit(context.Background(), Request{SourceURL: "https://cdn/avatar.mp4", Text: "Bonjour"})
	var pe *failure.ProviderError
	require.ErrorAs(t, err, &pe)
	assert.Equal(t, http.StatusPaymentRequired, pe.StatusCode)
	assert.True(t, failure.IsConfigurationProblem(err))
}

func TestFALProvider_PipelineRacesPollAndStream(t *testing.T) {
	srv := newFALServer(t, 1000)
	p := NewPipeline(newTestFAL(srv, &fakeSpeech{}), 20*time.Millisecond, 50, zerolog.Nop())

	job, err := p.Generate(context.Background(), "https://cdn/avatar.mp4", "Bonjour", "v")
	require.NoError(t, err)
	assert.Equal(t, "https://fal.media/out.mp4", job.ResultURL)
}

func newMuseTalkBackend(t *testing.T, reply func(conn *websocket.Conn, requestID string)) *httptest.Server {
	t.Helper()
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		_ = conn.WriteJSON(map[string]any{"event": "connected", "data": map[string]any{}})
		for {
			var msg struct {
				Event string `json:"event"`
				Data  struct {
					RequestID string `json:"request_id"`
					AvatarURL string `json:"avatar_url"`
				} `json:"data"`
			}
			if err := conn.ReadJSON(&msg); err != nil {
				return
			}
			if msg.Event == "chat_with_avatar" {
				assert.Equal(t, "https://cdn/avatar.mp4", msg.Data.AvatarURL)
				reply(conn, msg.Data.RequestID)
			}
		}
	}))
	t.Cleanup(srv.Close)
	return srv
}

func wsURL(srv *httptest.Server) string { return "ws" + strings.TrimPrefix(srv.URL, "http") }

func TestMuseTalkChannel_ResultResolvesJob(t *testing.T) {
	srv := newMuseTalkBackend(t, func(conn *websocket.Conn, id string) {
		_ = conn.WriteJSON(map[string]any{"event": "status", "data": map[string]any{"stage": "tts"}})
		_ = conn.WriteJSON(map[string]any{"event": "status", "data": map[string]any{"stage": "avatar_generation"}})
		_ = conn.WriteJSON(map[string]any{"event": "chat_result", "data": map[string]any{"download_url": "https://gpu/out.mp4"}})
	})
	ch := NewMuseTalkChannel(wsURL(srv), zerolog.Nop())
	defer ch.Close()
	p := NewPipeline(ch, time.Millisecond, 5, zerolog.Nop())

	job, err := p.Generate(context.Background(), "https://cdn/avatar.mp4", "Bonjour", "v")
	require.NoError(t, err)
	assert.Equal(t, "https://gpu/out.mp4", job.ResultURL)
	assert.Equal(t, 0, job.AttemptCount)
}

func TestMuseTalkChannel_ErrorEventFailsJob(t *testing.T) {
	srv := newMuseTalkBackend(t, func(conn *websocket.Conn, id string) {
		_ = conn.WriteJSON(map[string]any{"event": "error", "data": map[string]any{"request_id": id, "message": "GPU out of memory"}})
	})
	ch := NewMuseTalkChannel(wsURL(srv), zerolog.Nop())
	defer ch.Close()
	p := NewPipeline(ch, time.Millisecond, 5, zerolog.Nop())

	_, err := p.Generate(context.Background(), "https://cdn/avatar.mp4", "Bonjour", "v")
	var je *failure.JobError
	require.ErrorAs(t, err, &je)
	assert.Equal(t, "GPU out of memory", je.Description)
}

func TestMuseTalkChannel_LostConnectionFailsJob(t *testing.T) {
	srv := newMuseTalkBackend(t, func(conn *websocket.Conn, id string) {
		_ = conn.Close()
	})
	ch := NewMuseTalkChannel(wsURL(srv), zerolog.Nop())
	defer ch.Close()
	p := NewPipeline(ch, time.Millisecond, 5, zerolog.Nop())

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	_, err := p.Generate(ctx, "https://cdn/avatar.mp4", "Bonjour", "v")
	var je *failure.JobError
	require.ErrorAs(t, err, &je)
	assert.Contains(t, je.Description, "connection lost")
}

func TestMuseTalkUpdate_IgnoresChatter(t *testing.T) {
	_, ok := museTalkUpdate("pong", museTalkPayload{})
	assert.False(t, ok)
	u, ok := museTalkUpdate("status", museTalkPayload{Stage: "streaming", VideoURL: "https://gpu/s.mp4"})
	require.True(t, ok)
	assert.Equal(t, StatusDone, u.Status)
}

func TestMuseTalkUpdate_StreamingWithoutURLStaysProcessing(t *testing.T) {
	u, ok := museTalkUpdate("status", museTalkPayload{Stage: "streaming"})
	require.True(t, ok)
	assert.Equal(t, StatusProcessing, u.Status)
	assert.Empty(t, u.ResultURL)
}
