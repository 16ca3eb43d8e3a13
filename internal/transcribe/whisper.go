// Package transcribe turns a recorded user utterance into text.
package transcribe

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime"
	"mime/multipart"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/gillesmich/avatarai/internal/failure"
)

// ErrNoAudio is returned for an empty recording.
var ErrNoAudio = errors.New("transcribe: no audio")

// Whisper calls the OpenAI audio transcription endpoint.
type Whisper struct {
	HTTPClient *http.Client
	BaseURL    string
	APIKey     string
	Model      string
	Language   string
	log        zerolog.Logger
}

func NewWhisper(baseURL, apiKey, model, language string, log zerolog.Logger) *Whisper {
	return &Whisper{
		HTTPClient: &http.Client{Timeout: 30 * time.Second},
		BaseURL:    strings.TrimRight(baseURL, "/"),
		APIKey:     apiKey,
		Model:      model,
		Language:   language,
		log:        log.With().Str("provider", "whisper").Logger(),
	}
}

func (w *Whisper) Transcribe(ctx context.Context, audio []byte, contentType string) (string, error) {
	if w.APIKey == "" {
		return "", fmt.Errorf("openai api key missing")
	}
	if len(audio) == 0 {
		return "", ErrNoAudio
	}

	var buf bytes.Buffer
	writer := multipart.NewWriter(&buf)
	part, err := writer.CreateFormFile("file", "audio."+audioExt(contentType))
	if err != nil {
		return "", fmt.Errorf("failed to create form file: %w", err)
	}
	if _, err := part.Write(audio); err != nil {
		return "", fmt.Errorf("failed to write audio data: %w", err)
	}
	if err := writer.WriteField("model", w.Model); err != nil {
		return "", fmt.Errorf("failed to write model field: %w", err)
	}
	if w.Language != "" {
		if err := writer.WriteField("language", w.Language); err != nil {
			return "", fmt.Errorf("failed to write language field: %w", err)
		}
	}
	if err := writer.Close(); err != nil {
		return "", fmt.Errorf("failed to close multipart writer: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.BaseURL+"/audio/transcriptions", &buf)
	if err != nil {
		return "", err
	}
	req.Header.Set("Authorization", "Bearer "+w.APIKey)
	req.Header.Set("Content-Type", writer.FormDataContentType())

	started := time.Now()
	resp, err := w.HTTPClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("whisper request failed: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
		return "", &failure.ProviderError{Provider: "whisper", StatusCode: resp.StatusCode, RawBody: strings.TrimSpace(string(b))}
	}
	var out struct {
		Text string `json:"text"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", fmt.Errorf("whisper: decode: %w", err)
	}
	text := strings.TrimSpace(out.Text)
	w.log.Debug().Int("audio_bytes", len(audio)).Dur("took", time.Since(started)).Str("text", text).Msg("transcribed")
	return text, nil
}

// audioExt picks the upload file extension; the endpoint sniffs the format
// from the file name.
func audioExt(contentType string) string {
	mt, _, err := mime.ParseMediaType(contentType)
	if err != nil {
		return "webm"
	}
	switch mt {
	case "audio/wav", "audio/x-wav", "audio/wave":
		return "wav"
	case "audio/mpeg", "audio/mp3":
		return "mp3"
	case "audio/ogg":
		return "ogg"
	case "audio/mp4", "audio/m4a", "audio/x-m4a":
		return "m4a"
	case "audio/flac":
		return "flac"
	}
	return "webm"
}
