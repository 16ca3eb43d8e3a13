package tts

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/gillesmich/avatarai/internal/failure"
)

// Audio is a synthesized utterance ready to be uploaded or inlined.
type Audio struct {
	Data        []byte
	ContentType string
	Ext         string
}

// Synthesizer turns reply text into speech for clip generation.
type Synthesizer interface {
	Synthesize(ctx context.Context, text, voiceID string) (Audio, error)
}

// ElevenLabsClient renders MP3 speech through the text-to-speech endpoint.
type ElevenLabsClient struct {
	APIKey     string
	VoiceID    string
	ModelID    string
	BaseURL    string
	HTTPClient *http.Client
}

func NewElevenLabsClient(apiKey, voiceID string) *ElevenLabsClient {
	return &ElevenLabsClient{
		APIKey:     apiKey,
		VoiceID:    voiceID,
		ModelID:    "eleven_multilingual_v2",
		BaseURL:    "https://api.elevenlabs.io",
		HTTPClient: &http.Client{Timeout: 60 * time.Second},
	}
}

// Synthesize returns MP3 audio. voiceID overrides the client default when set.
func (e *ElevenLabsClient) Synthesize(ctx context.Context, text, voiceID string) (Audio, error) {
	if voiceID == "" {
		voiceID = e.VoiceID
	}
	if e.APIKey == "" || voiceID == "" {
		return Audio{}, fmt.Errorf("elevenlabs: api key or voice id missing")
	}
	body := map[string]any{
		"text":     text,
		"model_id": e.ModelID,
		"voice_settings": map[string]any{
			"stability":         0.4,
			"similarity_boost":  0.7,
			"use_speaker_boost": true,
		},
	}
	buf, _ := json.Marshal(body)
	u := strings.TrimRight(e.BaseURL, "/") + "/v1/text-to-speech/" + voiceID + "?output_format=mp3_44100_128"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, u, bytes.NewReader(buf))
	if err != nil {
		return Audio{}, err
	}
	req.Header.Set("xi-api-key", e.APIKey)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "audio/mpeg")

	resp, err := e.HTTPClient.Do(req)
	if err != nil {
		return Audio{}, fmt.Errorf("elevenlabs http error: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
		return Audio{}, &failure.ProviderError{Provider: "elevenlabs", StatusCode: resp.StatusCode, RawBody: strings.TrimSpace(string(b))}
	}
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return Audio{}, fmt.Errorf("elevenlabs http read error: %w", err)
	}
	if len(data) == 0 {
		return Audio{}, fmt.Errorf("elevenlabs: empty audio")
	}
	return Audio{Data: data, ContentType: "audio/mpeg", Ext: "mp3"}, nil
}
