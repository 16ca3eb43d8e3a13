// Package httpserver exposes the avatar to the browser: REST endpoints for
// turns, clips and settings, the viewer WebRTC offer and an event stream.
package httpserver

import (
	"context"
	"sync"

	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"

	"github.com/gillesmich/avatarai/internal/bus"
	"github.com/gillesmich/avatarai/internal/clip"
	"github.com/gillesmich/avatarai/internal/config"
	"github.com/gillesmich/avatarai/internal/conversation"
	"github.com/gillesmich/avatarai/internal/history"
	"github.com/gillesmich/avatarai/internal/observability"
	"github.com/gillesmich/avatarai/internal/rtc"
	"github.com/gillesmich/avatarai/internal/storage"
)

// Conversation is the orchestrator as seen by the handlers.
type Conversation interface {
	HandleUtterance(ctx context.Context, u conversation.Utterance) (*conversation.TurnResult, error)
	HandleText(ctx context.Context, text string) (*conversation.TurnResult, error)
	StartLive(ctx context.Context, sourceURL string) error
	StopLive()
	State() conversation.State
	History(ctx context.Context) ([]history.Entry, error)
	Settings() conversation.Settings
	UpdateSettings(s conversation.Settings)
}

// Live is the streaming avatar session.
type Live interface {
	SendText(ctx context.Context, text, voiceID string) error
	Status() rtc.Status
}

// Viewer answers browser offers for the relayed avatar stream.
type Viewer interface {
	HandleViewerOffer(ctx context.Context, offer rtc.SessionDescription) (rtc.SessionDescription, error)
}

// Clips generates a clip outside the conversation.
type Clips interface {
	Generate(ctx context.Context, sourceURL, text, voiceID string) (*clip.Job, error)
}

// Stage is the compositor as seen by the browser players.
type Stage interface {
	MarkEnded(slot string)
	SetIdleURL(url string)
	Front() (name, url string)
}

// Deps are the components behind the routes. Nil components answer 503.
type Deps struct {
	Conversation Conversation
	Live         Live
	Viewer       Viewer
	Clips        Clips
	Stage        Stage
	Uploader     storage.Uploader
	Events       *bus.EventBus
	Metrics      *observability.Metrics
}

// Server bundles the router and its dependencies.
type Server struct {
	Router *echo.Echo

	deps         Deps
	log          zerolog.Logger
	settingsPath string
	speechLimit  int
	hub          *hub

	mu       sync.Mutex
	settings config.AvatarSettings
}

// New constructs the HTTP server with routes.
func New(cfg config.Config, deps Deps, log zerolog.Logger) *Server {
	s := &Server{
		Router:       newEcho(log),
		deps:         deps,
		log:          log,
		settingsPath: cfg.SettingsPath,
		speechLimit:  cfg.Timings.SpeechTextLimit,
		settings:     cfg.Avatar,
		hub:          newHub(deps.Events, deps.Stage, deps.Metrics, log),
	}
	s.register(s.Router)
	return s
}

// Close disconnects event stream clients.
func (s *Server) Close() {
	s.hub.close()
}
