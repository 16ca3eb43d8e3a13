package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"github.com/gillesmich/avatarai/internal/bus"
	"github.com/gillesmich/avatarai/internal/clip"
	"github.com/gillesmich/avatarai/internal/compositor"
	"github.com/gillesmich/avatarai/internal/config"
	"github.com/gillesmich/avatarai/internal/conversation"
	"github.com/gillesmich/avatarai/internal/history"
	"github.com/gillesmich/avatarai/internal/httpserver"
	"github.com/gillesmich/avatarai/internal/llm"
	"github.com/gillesmich/avatarai/internal/logging"
	"github.com/gillesmich/avatarai/internal/observability"
	"github.com/gillesmich/avatarai/internal/rtc"
	"github.com/gillesmich/avatarai/internal/signaling"
	"github.com/gillesmich/avatarai/internal/storage"
	"github.com/gillesmich/avatarai/internal/transcribe"
	"github.com/gillesmich/avatarai/internal/tts"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		os.Exit(1)
	}
	log := logging.New(logging.Options{Level: cfg.LogLevel, Format: cfg.LogFormat})

	app, err := build(context.Background(), cfg, log)
	if err != nil {
		log.Fatal().Err(err).Msg("startup failed")
	}
	defer app.close()

	server := &http.Server{
		Addr:              cfg.HTTPAddress,
		Handler:           app.http.Router,
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	// Start server in background
	serverErrors := make(chan error, 1)
	go func() {
		log.Info().Str("addr", cfg.HTTPAddress).Msg("server listening")
		serverErrors <- server.ListenAndServe()
	}()

	// Graceful shutdown
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	select {
	case err := <-serverErrors:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error().Err(err).Msg("server error")
		}
	case sig := <-sigChan:
		log.Info().Str("signal", sig.String()).Msg("shutdown signal received")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(ctx); err != nil {
		log.Warn().Err(err).Msg("graceful shutdown failed")
		_ = server.Close()
	}
}

type app struct {
	http    *httpserver.Server
	closers []func()
}

func (a *app) close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
}

func build(ctx context.Context, cfg config.Config, log zerolog.Logger) (*app, error) {
	t := cfg.Timings
	a := &app{}
	events := bus.New()
	metrics := observability.NewMetrics("avatarai", nil)

	did := signaling.NewDIDClient(cfg.DIDBaseURL, cfg.DIDAPIKey, t.ProviderTimeout, logging.Component(log, "signaling"))

	var uploader storage.Uploader
	if cfg.SupabaseURL != "" && cfg.SupabaseKey != "" {
		sb, err := storage.NewSupabase(cfg.SupabaseURL, cfg.SupabaseKey, cfg.SupabaseBucket, logging.Component(log, "storage"))
		if err != nil {
			return nil, fmt.Errorf("storage: %w", err)
		}
		uploader = sb
	}

	// Live session and the relay that shows it to browser viewers.
	var (
		live   *rtc.PeerSession
		viewer httpserver.Viewer
	)
	if cfg.LiveProvider == "did" {
		rtcLog := logging.Component(log, "rtc")
		relay, err := rtc.NewViewerRelay(rtc.ICEServers(nil, cfg.ICEServersJSON), rtcLog)
		if err != nil {
			return nil, fmt.Errorf("viewer relay: %w", err)
		}
		if monitor, err := rtc.NewSpeakingMonitor(events, rtcLog); err != nil {
			log.Warn().Err(err).Msg("speaking detection disabled")
		} else {
			relay.WithAudioTap(monitor)
		}
		live = rtc.NewPeerSession(did, t.ICECandidateDelay, t.SDPSettleDelay, rtcLog).
			WithRenderer(relay).
			WithEvents(events).
			WithMetrics(metrics).
			WithReconnect(rtc.ReconnectPolicy{Attempts: t.ReconnectAttempts, Base: t.ReconnectBase, Cap: t.ReconnectCap}).
			WithICEFallback(cfg.ICEServersJSON)
		viewer = relay
		a.closers = append(a.closers, relay.Close, live.Cleanup)
	}

	speech, err := synthesizer(cfg, log)
	if err != nil {
		return nil, err
	}
	provider, closeProvider, err := clipProvider(cfg, did, speech, uploader, log)
	if err != nil {
		return nil, err
	}
	if closeProvider != nil {
		a.closers = append(a.closers, closeProvider)
	}
	pipeline := clip.NewPipeline(provider, t.PollInterval, t.MaxPollAttempts, logging.Component(log, "clip")).
		WithEvents(events).
		WithMetrics(metrics)

	store, err := history.NewStore(ctx, cfg.DatabaseURL, cfg.HistoryPath, cfg.HistoryBudgetBytes)
	if err != nil {
		return nil, fmt.Errorf("history: %w", err)
	}
	a.closers = append(a.closers, func() { _ = store.Close() })

	transcriber, err := newTranscriber(cfg, log)
	if err != nil {
		return nil, err
	}
	replies := llm.NewChatClient(cfg.OpenAIBaseURL, cfg.OpenAIKey, cfg.ChatModelID, cfg.SystemPrompt, t.ReplyTimeout)

	stage := compositor.New(
		compositor.NewVirtualPlayer("a", t.ClipDefaultDuration, events),
		compositor.NewVirtualPlayer("b", t.ClipDefaultDuration, events),
		cfg.Avatar.IdleVideoURL, t.CrossFade, t.IdleFade, logging.Component(log, "compositor"),
	).WithEvents(events).WithMetrics(metrics)
	if cfg.Avatar.IdleVideoURL != "" {
		if err := stage.PlayIdle(ctx); err != nil {
			log.Warn().Err(err).Msg("idle video not started")
		}
	}
	a.closers = append(a.closers, stage.Cleanup)

	opts := conversation.Options{
		Transcriber: transcriber,
		Replies:     replies,
		Clips:       pipeline,
		Stage:       stage,
		History:     store,
		Sink:        conversation.BusSink{Events: events},
		Filter:      conversation.TranscriptFilter{MinLength: t.TranscriptMinLength, GenericMaxLength: t.GenericPhraseMaxSize},
		SpeechLimit: t.SpeechTextLimit,
		Settings: conversation.Settings{
			SourceURL:   cfg.Avatar.SourceURL,
			VoiceID:     cfg.Avatar.VoiceID,
			ClipVoiceID: cfg.Avatar.ClipVoiceID,
			ModelID:     cfg.ChatModelID,
		},
	}
	deps := httpserver.Deps{
		Clips:    pipeline,
		Stage:    stage,
		Uploader: uploader,
		Viewer:   viewer,
		Events:   events,
		Metrics:  metrics,
	}
	if live != nil {
		opts.Live = live
		deps.Live = live
	}
	orch := conversation.New(opts, logging.Component(log, "conversation")).
		WithEvents(events).
		WithMetrics(metrics)
	a.closers = append(a.closers, orch.Close)
	deps.Conversation = orch

	a.http = httpserver.New(cfg, deps, logging.Component(log, "http"))
	a.closers = append(a.closers, a.http.Close)
	return a, nil
}

func synthesizer(cfg config.Config, log zerolog.Logger) (tts.Synthesizer, error) {
	switch cfg.TTSProvider {
	case "", "elevenlabs":
		return tts.NewElevenLabsClient(cfg.ElevenLabsKey, cfg.ElevenLabsVoiceID), nil
	case "deepgram":
		return tts.NewDeepgramClient(cfg.DeepgramKey, cfg.DeepgramModel, logging.Component(log, "tts")), nil
	default:
		return nil, fmt.Errorf("unknown tts provider %q", cfg.TTSProvider)
	}
}

func clipProvider(cfg config.Config, did *signaling.DIDClient, speech tts.Synthesizer, uploader storage.Uploader, log zerolog.Logger) (clip.Provider, func(), error) {
	clipLog := logging.Component(log, "clip")
	switch cfg.ClipProvider {
	case "", "did":
		return clip.NewDIDProvider(did), nil, nil
	case "fal":
		p := clip.NewFALProvider(cfg.FALAPIKey, speech, clipLog)
		p.BaseURL = cfg.FALBaseURL
		p.BBoxShift = cfg.MuseTalkBBoxShf
		if uploader != nil {
			p.WithUploader(uploader)
		}
		return p, nil, nil
	case "musetalk":
		ch := clip.NewMuseTalkChannel(cfg.MuseTalkWSURL, clipLog)
		ch.BBoxShift = cfg.MuseTalkBBoxShf
		return ch, func() { _ = ch.Close() }, nil
	default:
		return nil, nil, fmt.Errorf("unknown clip provider %q", cfg.ClipProvider)
	}
}

func newTranscriber(cfg config.Config, log zerolog.Logger) (conversation.Transcriber, error) {
	trLog := logging.Component(log, "transcribe")
	switch cfg.Transcriber {
	case "", "whisper":
		return transcribe.NewWhisper(cfg.OpenAIBaseURL, cfg.OpenAIKey, cfg.WhisperModel, cfg.WhisperLanguage, trLog), nil
	case "assemblyai":
		return transcribe.NewAssemblyAI(cfg.AssemblyAIKey, trLog), nil
	default:
		return nil, fmt.Errorf("unknown transcriber %q", cfg.Transcriber)
	}
}
