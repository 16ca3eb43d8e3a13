package httpserver

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"

	"github.com/gillesmich/avatarai/internal/bus"
	"github.com/gillesmich/avatarai/internal/observability"
)

var timeNow = time.Now

const (
	clientBuffer = 64
	writeWait    = 10 * time.Second
	pongWait     = 60 * time.Second
	pingPeriod   = pongWait * 9 / 10
)

// clientMessage is what the browser reports about its players.
type clientMessage struct {
	Type string `json:"type"`
	Slot string `json:"slot"`
}

type wsClient struct {
	send chan []byte
	done chan struct{}
	once sync.Once
}

func (c *wsClient) stop() { c.once.Do(func() { close(c.done) }) }

// hub fans bus events out to websocket clients. A client that cannot keep
// up loses events rather than slowing the publisher.
type hub struct {
	stage    Stage
	metrics  *observability.Metrics
	log      zerolog.Logger
	upgrader websocket.Upgrader
	unsub    func()

	mu      sync.Mutex
	clients map[*wsClient]struct{}
}

func newHub(events *bus.EventBus, stage Stage, m *observability.Metrics, log zerolog.Logger) *hub {
	h := &hub{
		stage:   stage,
		metrics: m,
		log:     log,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 4096,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
		clients: make(map[*wsClient]struct{}),
	}
	if events != nil {
		h.unsub = events.SubscribeAll(h.broadcast)
	}
	return h
}

func (h *hub) broadcast(ev bus.Event) {
	msg, err := json.Marshal(ev)
	if err != nil {
		h.log.Warn().Err(err).Str("type", string(ev.Type)).Msg("event not encodable")
		return
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	for c := range h.clients {
		select {
		case c.send <- msg:
		default:
		}
	}
}

func (h *hub) serve(c echo.Context) error {
	conn, err := h.upgrader.Upgrade(c.Response(), c.Request(), nil)
	if err != nil {
		return nil // Upgrade already replied
	}
	cl := &wsClient{send: make(chan []byte, clientBuffer), done: make(chan struct{})}
	h.mu.Lock()
	h.clients[cl] = struct{}{}
	h.mu.Unlock()
	h.metrics.WSClientDelta(1)

	go h.writeLoop(conn, cl)
	h.readLoop(conn, cl)

	h.mu.Lock()
	delete(h.clients, cl)
	h.mu.Unlock()
	h.metrics.WSClientDelta(-1)
	cl.stop()
	return nil
}

func (h *hub) readLoop(conn *websocket.Conn, cl *wsClient) {
	conn.SetReadLimit(4096)
	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return
		}
		var msg clientMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			h.log.Debug().Err(err).Msg("ignoring malformed client message")
			continue
		}
		if msg.Type == "ended" && h.stage != nil {
			h.stage.MarkEnded(msg.Slot)
		}
	}
}

func (h *hub) writeLoop(conn *websocket.Conn, cl *wsClient) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = conn.Close()
	}()
	for {
		select {
		case <-cl.done:
			_ = conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(writeWait))
			return
		case msg := <-cl.send:
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				return
			}
		case <-ticker.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				return
			}
		}
	}
}

func (h *hub) close() {
	if h.unsub != nil {
		h.unsub()
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	for c := range h.clients {
		c.stop()
	}
}
