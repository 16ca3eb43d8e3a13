package config

import (
	"errors"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// Config holds application configuration. It is built once by Load and passed
// explicitly to every component constructor.
type Config struct {
	HTTPAddress string
	LogLevel    string
	LogFormat   string
	// SettingsPath is where avatar settings saved from the UI are written.
	SettingsPath string

	// Live (WebRTC) provider.
	LiveProvider   string
	DIDAPIKey      string
	DIDBaseURL     string
	ICEServersJSON string

	// Clip provider: "did", "fal" or "musetalk".
	ClipProvider    string
	FALAPIKey       string
	FALBaseURL      string
	MuseTalkWSURL   string
	MuseTalkBBoxShf int

	OpenAIKey     string
	OpenAIBaseURL string
	ChatModelID   string
	SystemPrompt  string

	Transcriber     string
	WhisperModel    string
	WhisperLanguage string
	AssemblyAIKey   string

	TTSProvider       string
	ElevenLabsKey     string
	ElevenLabsVoiceID string
	DeepgramKey       string
	DeepgramModel     string

	SupabaseURL    string
	SupabaseKey    string
	SupabaseBucket string

	DatabaseURL        string
	HistoryPath        string
	HistoryBudgetBytes int

	Avatar AvatarSettings

	Timings Timings
}

// AvatarSettings is the user-selected part of the configuration that survives
// restarts. It is written back by SaveAvatarSettings.
type AvatarSettings struct {
	SourceURL    string `mapstructure:"source_url" json:"source_url"`
	IdleVideoURL string `mapstructure:"idle_video_url" json:"idle_video_url"`
	VoiceID      string `mapstructure:"voice_id" json:"voice_id"`
	ClipVoiceID  string `mapstructure:"clip_voice_id" json:"clip_voice_id"`
	LiveProvider string `mapstructure:"live_provider" json:"live_provider"`
	ClipProvider string `mapstructure:"clip_provider" json:"clip_provider"`
}

// Timings groups the provider-tuned delays. They are "on the order of"
// values; none of them is a protocol constant.
type Timings struct {
	ICECandidateDelay    time.Duration
	SDPSettleDelay       time.Duration
	PollInterval         time.Duration
	MaxPollAttempts      int
	CrossFade            time.Duration
	IdleFade             time.Duration
	ReconnectAttempts    int
	ReconnectBase        time.Duration
	ReconnectCap         time.Duration
	SpeechTextLimit      int
	ClipDefaultDuration  time.Duration
	ProviderTimeout      time.Duration
	ReplyTimeout         time.Duration
	TranscriptMinLength  int
	GenericPhraseMaxSize int
}

// DefaultTimings mirrors the values the provider integrations were tuned with.
func DefaultTimings() Timings {
	return Timings{
		ICECandidateDelay:    200 * time.Millisecond,
		SDPSettleDelay:       500 * time.Millisecond,
		PollInterval:         2 * time.Second,
		MaxPollAttempts:      60,
		CrossFade:            300 * time.Millisecond,
		IdleFade:             500 * time.Millisecond,
		ReconnectAttempts:    5,
		ReconnectBase:        time.Second,
		ReconnectCap:         16 * time.Second,
		SpeechTextLimit:      1000,
		ClipDefaultDuration:  8 * time.Second,
		ProviderTimeout:      30 * time.Second,
		ReplyTimeout:         45 * time.Second,
		TranscriptMinLength:  3,
		GenericPhraseMaxSize: 30,
	}
}

func setDefaults(v *viper.Viper) {
	d := DefaultTimings()
	v.SetDefault("http_address", ":8080")
	v.SetDefault("log_level", "info")
	v.SetDefault("log_format", "console")
	v.SetDefault("settings_path", "data/settings.yaml")
	v.SetDefault("live_provider", "did")
	v.SetDefault("did_base_url", "https://api.d-id.com")
	v.SetDefault("ice_servers_json", `[{"urls":["stun:stun.l.google.com:19302"]}]`)
	v.SetDefault("clip_provider", "did")
	v.SetDefault("fal_base_url", "https://queue.fal.run")
	v.SetDefault("musetalk_ws_url", "")
	v.SetDefault("musetalk_bbox_shift", 0)
	v.SetDefault("openai_base_url", "https://api.openai.com/v1")
	v.SetDefault("chat_model_id", "gpt-4o-mini")
	v.SetDefault("system_prompt", "Tu es un avatar IA conversationnel. Réponds de façon naturelle, chaleureuse et concise, en deux ou trois phrases.")
	v.SetDefault("transcriber", "whisper")
	v.SetDefault("whisper_model", "whisper-1")
	v.SetDefault("whisper_language", "fr")
	v.SetDefault("tts_provider", "elevenlabs")
	v.SetDefault("elevenlabs_voice_id", "EXAVITQu4vr4xnSDxMaL")
	v.SetDefault("deepgram_model", "aura-2-thalia-en")
	v.SetDefault("supabase_bucket", "avatars")
	v.SetDefault("history_path", "data/clip-history.db")
	v.SetDefault("history_budget_bytes", 5*1024*1024)
	v.SetDefault("avatar.voice_id", "fr-FR-DeniseNeural")

	v.SetDefault("timings.ice_candidate_delay", d.ICECandidateDelay)
	v.SetDefault("timings.sdp_settle_delay", d.SDPSettleDelay)
	v.SetDefault("timings.poll_interval", d.PollInterval)
	v.SetDefault("timings.max_poll_attempts", d.MaxPollAttempts)
	v.SetDefault("timings.cross_fade", d.CrossFade)
	v.SetDefault("timings.idle_fade", d.IdleFade)
	v.SetDefault("timings.reconnect_attempts", d.ReconnectAttempts)
	v.SetDefault("timings.reconnect_base", d.ReconnectBase)
	v.SetDefault("timings.reconnect_cap", d.ReconnectCap)
	v.SetDefault("timings.speech_text_limit", d.SpeechTextLimit)
	v.SetDefault("timings.clip_default_duration", d.ClipDefaultDuration)
	v.SetDefault("timings.provider_timeout", d.ProviderTimeout)
	v.SetDefault("timings.reply_timeout", d.ReplyTimeout)
	v.SetDefault("timings.transcript_min_length", d.TranscriptMinLength)
	v.SetDefault("timings.generic_phrase_max_size", d.GenericPhraseMaxSize)
}

func newViper() *viper.Viper {
	v := viper.New()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	setDefaults(v)
	return v
}

// Load reads .env, an optional YAML file named by AVATARAI_CONFIG (falling
// back to the saved settings file) and the environment (highest precedence),
// and returns Config with sane defaults.
func Load() (Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		log.Printf("config: .env not loaded: %v", err)
	}

	v := newViper()
	if path := os.Getenv("AVATARAI_CONFIG"); path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config %s: %w", path, err)
		}
	} else if path := v.GetString("settings_path"); path != "" {
		// settings saved from the UI on a previous run
		if _, err := os.Stat(path); err == nil {
			v.SetConfigFile(path)
			if err := v.ReadInConfig(); err != nil {
				return Config{}, fmt.Errorf("read settings %s: %w", path, err)
			}
		}
	}
	return fromViper(v)
}

func fromViper(v *viper.Viper) (Config, error) {
	cfg := Config{
		HTTPAddress:        v.GetString("http_address"),
		LogLevel:           v.GetString("log_level"),
		LogFormat:          v.GetString("log_format"),
		SettingsPath:       v.GetString("settings_path"),
		LiveProvider:       v.GetString("live_provider"),
		DIDAPIKey:          v.GetString("did_api_key"),
		DIDBaseURL:         strings.TrimRight(v.GetString("did_base_url"), "/"),
		ICEServersJSON:     v.GetString("ice_servers_json"),
		ClipProvider:       v.GetString("clip_provider"),
		FALAPIKey:          v.GetString("fal_api_key"),
		FALBaseURL:         strings.TrimRight(v.GetString("fal_base_url"), "/"),
		MuseTalkWSURL:      v.GetString("musetalk_ws_url"),
		MuseTalkBBoxShf:    v.GetInt("musetalk_bbox_shift"),
		OpenAIKey:          v.GetString("openai_api_key"),
		OpenAIBaseURL:      strings.TrimRight(v.GetString("openai_base_url"), "/"),
		ChatModelID:        v.GetString("chat_model_id"),
		SystemPrompt:       v.GetString("system_prompt"),
		Transcriber:        v.GetString("transcriber"),
		WhisperModel:       v.GetString("whisper_model"),
		WhisperLanguage:    v.GetString("whisper_language"),
		AssemblyAIKey:      v.GetString("assemblyai_api_key"),
		TTSProvider:        v.GetString("tts_provider"),
		ElevenLabsKey:      v.GetString("elevenlabs_api_key"),
		ElevenLabsVoiceID:  v.GetString("elevenlabs_voice_id"),
		DeepgramKey:        v.GetString("deepgram_api_key"),
		DeepgramModel:      v.GetString("deepgram_model"),
		SupabaseURL:        strings.TrimRight(v.GetString("supabase_url"), "/"),
		SupabaseKey:        v.GetString("supabase_service_role_key"),
		SupabaseBucket:     v.GetString("supabase_bucket"),
		DatabaseURL:        v.GetString("database_url"),
		HistoryPath:        v.GetString("history_path"),
		HistoryBudgetBytes: v.GetInt("history_budget_bytes"),
		Avatar: AvatarSettings{
			SourceURL:    v.GetString("avatar.source_url"),
			IdleVideoURL: v.GetString("avatar.idle_video_url"),
			VoiceID:      v.GetString("avatar.voice_id"),
			ClipVoiceID:  v.GetString("avatar.clip_voice_id"),
			LiveProvider: v.GetString("avatar.live_provider"),
			ClipProvider: v.GetString("avatar.clip_provider"),
		},
		Timings: Timings{
			ICECandidateDelay:    v.GetDuration("timings.ice_candidate_delay"),
			SDPSettleDelay:       v.GetDuration("timings.sdp_settle_delay"),
			PollInterval:         v.GetDuration("timings.poll_interval"),
			MaxPollAttempts:      v.GetInt("timings.max_poll_attempts"),
			CrossFade:            v.GetDuration("timings.cross_fade"),
			IdleFade:             v.GetDuration("timings.idle_fade"),
			ReconnectAttempts:    v.GetInt("timings.reconnect_attempts"),
			ReconnectBase:        v.GetDuration("timings.reconnect_base"),
			ReconnectCap:         v.GetDuration("timings.reconnect_cap"),
			SpeechTextLimit:      v.GetInt("timings.speech_text_limit"),
			ClipDefaultDuration:  v.GetDuration("timings.clip_default_duration"),
			ProviderTimeout:      v.GetDuration("timings.provider_timeout"),
			ReplyTimeout:         v.GetDuration("timings.reply_timeout"),
			TranscriptMinLength:  v.GetInt("timings.transcript_min_length"),
			GenericPhraseMaxSize: v.GetInt("timings.generic_phrase_max_size"),
		},
	}

	// Settings saved by the UI override the provider defaults.
	if cfg.Avatar.LiveProvider != "" {
		cfg.LiveProvider = cfg.Avatar.LiveProvider
	}
	if cfg.Avatar.ClipProvider != "" {
		cfg.ClipProvider = cfg.Avatar.ClipProvider
	}
	if cfg.Avatar.ClipVoiceID == "" {
		cfg.Avatar.ClipVoiceID = cfg.ElevenLabsVoiceID
	}

	if cfg.Timings.MaxPollAttempts <= 0 {
		return Config{}, fmt.Errorf("timings.max_poll_attempts must be positive, got %d", cfg.Timings.MaxPollAttempts)
	}
	if cfg.Timings.SpeechTextLimit <= 0 {
		return Config{}, fmt.Errorf("timings.speech_text_limit must be positive, got %d", cfg.Timings.SpeechTextLimit)
	}

	warnMissing(cfg)
	return cfg, nil
}

func warnMissing(cfg Config) {
	if cfg.DIDAPIKey == "" && (cfg.LiveProvider == "did" || cfg.ClipProvider == "did") {
		log.Println("Warning: DID_API_KEY not set - D-ID live streaming and clips will not work")
	}
	if cfg.ClipProvider == "fal" && cfg.FALAPIKey == "" {
		log.Println("Warning: FAL_API_KEY not set - MuseTalk clips will not work")
	}
	if cfg.OpenAIKey == "" {
		log.Println("Warning: OPENAI_API_KEY not set - transcription and replies will not work")
	}
	if cfg.SupabaseURL == "" || cfg.SupabaseKey == "" {
		log.Println("Warning: SUPABASE_URL/SUPABASE_SERVICE_ROLE_KEY not set - avatar uploads are disabled")
	}
}

// SaveAvatarSettings persists the user's avatar selection to a YAML file that
// Load picks up again through AVATARAI_CONFIG.
func SaveAvatarSettings(path string, s AvatarSettings) error {
	if path == "" {
		return errors.New("config: settings path is empty")
	}
	v := viper.New()
	v.SetConfigFile(path)
	if _, err := os.Stat(path); err == nil {
		if err := v.ReadInConfig(); err != nil {
			return fmt.Errorf("read config %s: %w", path, err)
		}
	}
	v.Set("avatar.source_url", s.SourceURL)
	v.Set("avatar.idle_video_url", s.IdleVideoURL)
	v.Set("avatar.voice_id", s.VoiceID)
	v.Set("avatar.clip_voice_id", s.ClipVoiceID)
	v.Set("avatar.live_provider", s.LiveProvider)
	v.Set("avatar.clip_provider", s.ClipProvider)

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create config dir: %w", err)
	}
	if err := v.WriteConfigAs(path); err != nil {
		return fmt.Errorf("write config %s: %w", path, err)
	}
	return nil
}
