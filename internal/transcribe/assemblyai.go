package transcribe

import (
	"bytes"
	"context"
	"encoding/binary"
	"fmt"
	"mime"
	"net/http"
	"net/url"
	"sort"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
)

const (
	assemblySampleRate = 16000
	// chunkBytes is 100ms of 16-bit mono PCM at 16 kHz.
	chunkBytes = assemblySampleRate / 10 * 2
)

// AssemblyAI transcribes a finished utterance over the streaming API: the
// PCM is replayed in chunks, then the session is terminated and every
// completed turn is joined.
type AssemblyAI struct {
	APIKey string
	URL    string
	Dialer *websocket.Dialer
	// Pace is the delay between audio chunks; zero sends as fast as the
	// socket allows.
	Pace time.Duration
	log  zerolog.Logger
}

type assemblyMessage struct {
	Type       string `json:"type"`
	ID         string `json:"id"`
	Transcript string `json:"transcript"`
	TurnOrder  int    `json:"turn_order"`
	EndOfTurn  bool   `json:"end_of_turn"`
	Error      string `json:"error"`

	AudioDurationSeconds float64 `json:"audio_duration_seconds"`
}

func NewAssemblyAI(apiKey string, log zerolog.Logger) *AssemblyAI {
	return &AssemblyAI{
		APIKey: apiKey,
		URL:    "wss://streaming.assemblyai.com/v3/ws",
		Dialer: &websocket.Dialer{HandshakeTimeout: 10 * time.Second},
		log:    log.With().Str("provider", "assemblyai").Logger(),
	}
}

// Transcribe accepts raw 16 kHz 16-bit PCM (audio/pcm, audio/l16) or a WAV
// file carrying it.
func (a *AssemblyAI) Transcribe(ctx context.Context, audio []byte, contentType string) (string, error) {
	if a.APIKey == "" {
		return "", fmt.Errorf("AssemblyAI API key is empty")
	}
	pcm, err := pcmPayload(audio, contentType)
	if err != nil {
		return "", err
	}
	if len(pcm) == 0 {
		return "", ErrNoAudio
	}

	params := url.Values{}
	params.Set("sample_rate", fmt.Sprint(assemblySampleRate))
	params.Set("format_turns", "true")
	params.Set("encoding", "pcm_s16le")
	headers := http.Header{"Authorization": {a.APIKey}}

	conn, resp, err := a.Dialer.DialContext(ctx, a.URL+"?"+params.Encode(), headers)
	if err != nil {
		if resp != nil {
			return "", fmt.Errorf("failed to connect to AssemblyAI: status %d: %w", resp.StatusCode, err)
		}
		return "", fmt.Errorf("failed to connect to AssemblyAI: %w", err)
	}
	defer conn.Close()

	stop := context.AfterFunc(ctx, func() { _ = conn.Close() })
	defer stop()

	sendErr := make(chan error, 1)
	go func() { sendErr <- a.send(ctx, conn, pcm) }()

	turns := map[int]string{}
	for {
		var msg assemblyMessage
		if err := conn.ReadJSON(&msg); err != nil {
			if ctx.Err() != nil {
				return "", ctx.Err()
			}
			if websocket.IsCloseError(err, websocket.CloseNormalClosure) {
				break
			}
			return "", fmt.Errorf("assemblyai read: %w", err)
		}
		switch msg.Type {
		case "Begin":
			a.log.Debug().Str("session", msg.ID).Msg("assemblyai session began")
		case "Turn":
			if msg.EndOfTurn || turns[msg.TurnOrder] == "" {
				turns[msg.TurnOrder] = msg.Transcript
			}
		case "Error":
			return "", fmt.Errorf("assemblyai error: %s", msg.Error)
		case "Termination":
			a.log.Debug().Float64("audio_seconds", msg.AudioDurationSeconds).Msg("assemblyai session terminated")
			if err := <-sendErr; err != nil {
				return "", err
			}
			return joinTurns(turns), nil
		}
	}
	if err := <-sendErr; err != nil {
		return "", err
	}
	return joinTurns(turns), nil
}

func (a *AssemblyAI) send(ctx context.Context, conn *websocket.Conn, pcm []byte) error {
	for off := 0; off < len(pcm); off += chunkBytes {
		end := off + chunkBytes
		if end > len(pcm) {
			end = len(pcm)
		}
		if err := conn.WriteMessage(websocket.BinaryMessage, pcm[off:end]); err != nil {
			return fmt.Errorf("error sending audio data: %w", err)
		}
		if a.Pace > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(a.Pace):
			}
		}
	}
	if err := conn.WriteJSON(map[string]string{"type": "Terminate"}); err != nil {
		return fmt.Errorf("assemblyai terminate: %w", err)
	}
	return nil
}

func joinTurns(turns map[int]string) string {
	order := make([]int, 0, len(turns))
	for k := range turns {
		order = append(order, k)
	}
	sort.Ints(order)
	parts := make([]string, 0, len(order))
	for _, k := range order {
		if t := strings.TrimSpace(turns[k]); t != "" {
			parts = append(parts, t)
		}
	}
	return strings.Join(parts, " ")
}

// pcmPayload extracts the PCM samples the streaming API expects.
func pcmPayload(audio []byte, contentType string) ([]byte, error) {
	mt, _, _ := mime.ParseMediaType(contentType)
	switch mt {
	case "audio/pcm", "audio/l16", "application/octet-stream", "":
		return audio, nil
	case "audio/wav", "audio/x-wav", "audio/wave":
		return wavData(audio)
	}
	return nil, fmt.Errorf("assemblyai: unsupported audio type %q, need 16 kHz PCM or WAV", contentType)
}

// wavData returns the samples of the data chunk of a RIFF/WAVE file.
func wavData(b []byte) ([]byte, error) {
	if len(b) < 12 || !bytes.Equal(b[0:4], []byte("RIFF")) || !bytes.Equal(b[8:12], []byte("WAVE")) {
		return nil, fmt.Errorf("assemblyai: not a wav file")
	}
	for off := 12; off+8 <= len(b); {
		id := string(b[off : off+4])
		size := int(binary.LittleEndian.Uint32(b[off+4 : off+8]))
		body := off + 8
		if id == "fmt " && size >= 8 && body+8 <= len(b) {
			if rate := binary.LittleEndian.Uint32(b[body+4 : body+8]); rate != assemblySampleRate {
				return nil, fmt.Errorf("assemblyai: wav sample rate %d, need %d", rate, assemblySampleRate)
			}
		}
		if id == "data" {
			end := body + size
			if end > len(b) {
				end = len(b)
			}
			return b[body:end], nil
		}
		off = body + size + size%2
	}
	return nil, fmt.Errorf("assemblyai: wav has no data chunk")
}
