package clip

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
)

const (
	museTalkProvider = "musetalk"
	museTalkPing     = 25 * time.Second
	watchBuffer      = 8
)

// museTalkMessage is the envelope used in both directions on the backend
// socket.
type museTalkMessage struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

type museTalkPayload struct {
	RequestID   string `json:"request_id"`
	Stage       string `json:"stage"`
	DownloadURL string `json:"download_url"`
	VideoURL    string `json:"video_url"`
	URL         string `json:"url"`
	Message     string `json:"message"`
}

func (p museTalkPayload) resultURL() string {
	switch {
	case p.DownloadURL != "":
		return p.DownloadURL
	case p.VideoURL != "":
		return p.VideoURL
	}
	return p.URL
}

// MuseTalkChannel drives a self-hosted MuseTalk backend over a WebSocket.
// Results are pushed, so jobs are resolved through Watch only.
type MuseTalkChannel struct {
	URL           string
	VoiceProvider string
	BBoxShift     int
	Dialer        *websocket.Dialer

	log zerolog.Logger

	writeMu sync.Mutex
	mu      sync.Mutex
	conn    *websocket.Conn
	current string
	// watchers receive updates for their job; early updates wait in pending.
	watchers map[string]chan Update
	pending  map[string][]Update
	stop     chan struct{}
}

func NewMuseTalkChannel(url string, log zerolog.Logger) *MuseTalkChannel {
	return &MuseTalkChannel{
		URL:           url,
		VoiceProvider: "elevenlabs",
		Dialer:        websocket.DefaultDialer,
		log:           log.With().Str("provider", museTalkProvider).Logger(),
		watchers:      make(map[string]chan Update),
		pending:       make(map[string][]Update),
	}
}

func (m *MuseTalkChannel) Name() string { return museTalkProvider }

// Connect dials the backend unless a connection is already open.
func (m *MuseTalkChannel) Connect(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.conn != nil {
		return nil
	}
	if m.URL == "" {
		return errors.New("musetalk: backend url missing")
	}
	conn, resp, err := m.Dialer.DialContext(ctx, m.URL, http.Header{})
	if err != nil {
		if resp != nil {
			return fmt.Errorf("musetalk dial: status %d: %w", resp.StatusCode, err)
		}
		return fmt.Errorf("musetalk dial: %w", err)
	}
	m.conn = conn
	m.stop = make(chan struct{})
	go m.readLoop(conn)
	go m.keepAlive(conn, m.stop)
	m.log.Info().Str("url", m.URL).Msg("connected to musetalk backend")
	return nil
}

// Submit asks the backend to voice req.Text with the avatar in
// req.SourceURL. The request id doubles as the job id.
func (m *MuseTalkChannel) Submit(ctx context.Context, req Request) (SubmitResult, error) {
	if err := m.Connect(ctx); err != nil {
		return SubmitResult{}, err
	}
	id := uuid.NewString()
	data, err := json.Marshal(map[string]any{
		"request_id":           id,
		"text":                 req.Text,
		"avatar_url":           req.SourceURL,
		"voice_provider":       m.VoiceProvider,
		"voice_id":             req.VoiceID,
		"conversation_history": []any{},
		"bbox_shift":           m.BBoxShift,
	})
	if err != nil {
		return SubmitResult{}, err
	}
	m.mu.Lock()
	m.current = id
	m.mu.Unlock()
	if err := m.send(museTalkMessage{Event: "chat_with_avatar", Data: data}); err != nil {
		return SubmitResult{}, err
	}
	return SubmitResult{JobID: id}, nil
}

// Watch returns the pushed updates for jobID.
func (m *MuseTalkChannel) Watch(ctx context.Context, jobID string) (<-chan Update, error) {
	m.mu.Lock()
	if m.conn == nil && len(m.pending[jobID]) == 0 {
		m.mu.Unlock()
		return nil, errors.New("musetalk: not connected")
	}
	ch := make(chan Update, watchBuffer)
	early := m.pending[jobID]
	if len(early) > watchBuffer {
		early = early[len(early)-watchBuffer:]
	}
	for _, u := range early {
		ch <- u
	}
	delete(m.pending, jobID)
	m.watchers[jobID] = ch
	m.mu.Unlock()

	go func() {
		<-ctx.Done()
		m.mu.Lock()
		if m.watchers[jobID] == ch {
			delete(m.watchers, jobID)
		}
		m.mu.Unlock()
	}()
	return ch, nil
}

// Close drops the connection. Open watchers get an error update.
func (m *MuseTalkChannel) Close() error {
	m.mu.Lock()
	conn := m.conn
	m.mu.Unlock()
	if conn == nil {
		return nil
	}
	return conn.Close()
}

func (m *MuseTalkChannel) send(msg museTalkMessage) error {
	m.mu.Lock()
	conn := m.conn
	m.mu.Unlock()
	if conn == nil {
		return errors.New("musetalk: not connected")
	}
	m.writeMu.Lock()
	defer m.writeMu.Unlock()
	_ = conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
	return conn.WriteJSON(msg)
}

func (m *MuseTalkChannel) keepAlive(conn *websocket.Conn, stop <-chan struct{}) {
	ticker := time.NewTicker(museTalkPing)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			if err := m.send(museTalkMessage{Event: "ping"}); err != nil {
				m.log.Debug().Err(err).Msg("ping failed")
				return
			}
		}
	}
}

func (m *MuseTalkChannel) readLoop(conn *websocket.Conn) {
	defer m.disconnected(conn)
	for {
		var msg museTalkMessage
		if err := conn.ReadJSON(&msg); err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure) {
				m.log.Warn().Err(err).Msg("musetalk read failed")
			}
			return
		}
		var p museTalkPayload
		if len(msg.Data) > 0 {
			if err := json.Unmarshal(msg.Data, &p); err != nil {
				m.log.Debug().Err(err).Str("event", msg.Event).Msg("undecodable payload")
			}
		}
		upd, ok := museTalkUpdate(msg.Event, p)
		if !ok {
			m.log.Debug().Str("event", msg.Event).Msg("musetalk event")
			continue
		}
		m.deliver(p.RequestID, upd)
	}
}

// museTalkUpdate maps a backend event to a job update. ok is false for
// events that say nothing about a job.
func museTalkUpdate(event string, p museTalkPayload) (Update, bool) {
	switch event {
	case "chat_result", "video_ready", "result":
		if u := p.resultURL(); u != "" {
			return Update{Status: StatusDone, ResultURL: u}, true
		}
		return Update{Status: StatusError, ErrorDescription: "result without a video url"}, true
	case "error":
		desc := p.Message
		if desc == "" {
			desc = "musetalk backend error"
		}
		return Update{Status: StatusError, ErrorDescription: desc}, true
	case "status":
		if p.Stage == "streaming" && p.resultURL() != "" {
			return Update{Status: StatusDone, ResultURL: p.resultURL()}, true
		}
		return Update{Status: StatusProcessing}, true
	}
	return Update{}, false
}

func (m *MuseTalkChannel) deliver(requestID string, upd Update) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if requestID == "" {
		requestID = m.current
	}
	if requestID == "" {
		return
	}
	ch, ok := m.watchers[requestID]
	if !ok {
		m.pending[requestID] = append(m.pending[requestID], upd)
		return
	}
	select {
	case ch <- upd:
	default:
		if upd.Status.Terminal() {
			// a full buffer only holds progress; make room for the result
			<-ch
			ch <- upd
		}
	}
}

func (m *MuseTalkChannel) disconnected(conn *websocket.Conn) {
	_ = conn.Close()
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.conn != conn {
		return
	}
	m.conn = nil
	close(m.stop)
	lost := Update{Status: StatusError, ErrorDescription: "musetalk connection lost"}
	_, watched := m.watchers[m.current]
	for id, ch := range m.watchers {
		select {
		case ch <- lost:
		default:
		}
		delete(m.watchers, id)
	}
	m.pending = make(map[string][]Update)
	if m.current != "" && !watched {
		// the job in flight may not be watched yet
		m.pending[m.current] = []Update{lost}
		m.current = ""
	}
}
