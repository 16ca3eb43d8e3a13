package conversation

import (
	"errors"
	"strings"
	"time"
	"unicode/utf8"
)

type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

type Modality string

const (
	ModalityVoice Modality = "voice"
	ModalityText  Modality = "text"
)

// Route is where a reply is rendered.
type Route string

const (
	RouteLive Route = "live"
	RouteClip Route = "clip"
)

// Turn is one finalized message. Error is set when the turn completed
// without its audio or video.
type Turn struct {
	ID       string    `json:"id"`
	Role     Role      `json:"role"`
	Text     string    `json:"text"`
	Modality Modality  `json:"modality"`
	ClipURL  string    `json:"clip_url,omitempty"`
	Error    string    `json:"error,omitempty"`
	At       time.Time `json:"at"`
}

// State is the visible conversation: finalized turns plus the reply being
// typed.
type State struct {
	Turns   []Turn `json:"turns"`
	Partial string `json:"partial"`
}

// SpeechRequest is a reply handed to a renderer.
type SpeechRequest struct {
	Text    string
	VoiceID string
	Mode    Route
}

const ellipsis = "…"

// NewSpeechRequest trims text and truncates it to limit runes, ending with
// an ellipsis when cut.
func NewSpeechRequest(text, voiceID string, mode Route, limit int) (SpeechRequest, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return SpeechRequest{}, errors.New("speech text is empty")
	}
	if limit > 0 && utf8.RuneCountInString(text) > limit {
		runes := []rune(text)
		keep := limit - utf8.RuneCountInString(ellipsis)
		if keep < 1 {
			keep = 1
		}
		text = strings.TrimSpace(string(runes[:keep])) + ellipsis
	}
	return SpeechRequest{Text: text, VoiceID: voiceID, Mode: mode}, nil
}
