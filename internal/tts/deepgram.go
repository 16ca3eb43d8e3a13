package tts

import (
	"bytes"
	"context"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	msginterfaces "github.com/deepgram/deepgram-go-sdk/pkg/api/speak/v1/websocket/interfaces"
	clientinterfaces "github.com/deepgram/deepgram-go-sdk/pkg/client/interfaces/v1"
	"github.com/deepgram/deepgram-go-sdk/pkg/client/speak"
	"github.com/rs/zerolog"
)

// DeepgramClient speaks through the Deepgram websocket API and returns
// linear16 PCM at 48kHz.
type DeepgramClient struct {
	apiKey      string
	model       string
	sampleRate  int
	encoding    string
	maxDuration time.Duration
	log         zerolog.Logger
}

func NewDeepgramClient(apiKey, model string, log zerolog.Logger) *DeepgramClient {
	if model == "" {
		model = "aura-2-agathe-fr"
	}
	return &DeepgramClient{apiKey: apiKey, model: model, sampleRate: 48000, encoding: "linear16", maxDuration: time.Minute, log: log}
}

// Synthesize collects the whole utterance and wraps it as WAV. A voiceID
// naming an Aura model overrides the configured model.
func (d *DeepgramClient) Synthesize(ctx context.Context, text, voiceID string) (Audio, error) {
	model := d.model
	if strings.HasPrefix(voiceID, "aura") {
		model = voiceID
	}
	pcmCh, errCh := d.stream(ctx, text, model)
	var pcm bytes.Buffer
	for chunk := range pcmCh {
		pcm.Write(chunk)
	}
	if err := <-errCh; err != nil {
		return Audio{}, err
	}
	if pcm.Len() == 0 {
		return Audio{}, fmt.Errorf("deepgram: no audio received")
	}
	wav, err := EncodeWAV(pcm.Bytes(), d.sampleRate)
	if err != nil {
		return Audio{}, err
	}
	return Audio{Data: wav, ContentType: "audio/wav", Ext: "wav"}, nil
}

// stream delivers raw PCM chunks as they arrive.
func (d *DeepgramClient) stream(ctx context.Context, text, model string) (<-chan []byte, <-chan error) {
	pcmCh := make(chan []byte, 4096)
	errCh := make(chan error, 1)

	// the SDK may still deliver frames while the client stops
	var sendMu sync.Mutex
	closed := false
	go func() {
		defer func() {
			sendMu.Lock()
			closed = true
			close(pcmCh)
			sendMu.Unlock()
		}()
		defer close(errCh)

		if d.apiKey == "" {
			errCh <- fmt.Errorf("deepgram: API key missing")
			return
		}
		if text == "" {
			return
		}

		options := &clientinterfaces.WSSpeakOptions{
			Model:      model,
			Encoding:   d.encoding,
			SampleRate: d.sampleRate,
		}

		var lastRecvUnix int64
		var seenAudio int32

		cb := &speakCallback{onBinary: func(data []byte) error {
			if len(data) == 0 {
				return nil
			}
			atomic.StoreInt64(&lastRecvUnix, time.Now().UnixNano())
			atomic.StoreInt32(&seenAudio, 1)
			b := make([]byte, len(data))
			copy(b, data)
			sendMu.Lock()
			defer sendMu.Unlock()
			if closed {
				return nil
			}
			select {
			case pcmCh <- b:
			case <-ctx.Done():
			}
			return nil
		}}

		dg, err := speak.NewWSUsingCallback(ctx, d.apiKey, &clientinterfaces.ClientOptions{}, options, cb)
		if err != nil {
			errCh <- fmt.Errorf("deepgram: create ws client: %w", err)
			return
		}

		stopped := false
		stopClient := func() {
			if !stopped {
				stopped = true
				dg.Stop()
			}
		}
		defer stopClient()

		if ok := dg.Connect(); !ok {
			errCh <- fmt.Errorf("deepgram: connect failed")
			return
		}

		done := make(chan struct{})
		go func() {
			select {
			case <-ctx.Done():
				stopClient()
			case <-done:
			}
		}()

		if err := dg.SpeakWithText(text); err != nil {
			errCh <- fmt.Errorf("deepgram: speak text: %w", err)
			close(done)
			return
		}
		if err := dg.Flush(); err != nil {
			d.log.Warn().Err(err).Msg("deepgram flush")
		}

		idleWindow := 400 * time.Millisecond
		ticker := time.NewTicker(50 * time.Millisecond)
		defer ticker.Stop()
		deadline := time.Now().Add(d.maxDuration)
		for {
			select {
			case <-ctx.Done():
				stopClient()
				close(done)
				errCh <- ctx.Err()
				return
			case <-ticker.C:
				if atomic.LoadInt32(&seenAudio) == 1 {
					last := time.Unix(0, atomic.LoadInt64(&lastRecvUnix))
					if !last.IsZero() && time.Since(last) > idleWindow {
						stopClient()
						close(done)
						return
					}
				}
				if time.Now().After(deadline) {
					stopClient()
					close(done)
					return
				}
			}
		}
	}()

	return pcmCh, errCh
}

type speakCallback struct{ onBinary func([]byte) error }

func (s *speakCallback) Open(*msginterfaces.OpenResponse) error         { return nil }
func (s *speakCallback) Metadata(*msginterfaces.MetadataResponse) error { return nil }
func (s *speakCallback) Flush(*msginterfaces.FlushedResponse) error     { return nil }
func (s *speakCallback) Clear(*msginterfaces.ClearedResponse) error     { return nil }
func (s *speakCallback) Close(*msginterfaces.CloseResponse) error       { return nil }
func (s *speakCallback) Warning(*msginterfaces.WarningResponse) error   { return nil }
func (s *speakCallback) Error(*msginterfaces.ErrorResponse) error       { return nil }
func (s *speakCallback) UnhandledEvent([]byte) error                    { return nil }
func (s *speakCallback) Binary(byMsg []byte) error {
	if s.onBinary != nil {
		return s.onBinary(byMsg)
	}
	return nil
}
