// Package signaling talks to the live video provider's session API.
// It is a stateless request/response wrapper; session state lives in rtc.
package signaling

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/gillesmich/avatarai/internal/failure"
	"github.com/gillesmich/avatarai/internal/reliability"
)

const providerName = "d-id"

// ICEServer is a STUN/TURN entry as returned by the provider. URLs may come
// back as a single string or a list.
type ICEServer struct {
	URLs       []string `json:"urls"`
	Username   string   `json:"username,omitempty"`
	Credential string   `json:"credential,omitempty"`
}

func (s *ICEServer) UnmarshalJSON(b []byte) error {
	var raw struct {
		URLs       json.RawMessage `json:"urls"`
		Username   string          `json:"username"`
		Credential string          `json:"credential"`
	}
	if err := json.Unmarshal(b, &raw); err != nil {
		return err
	}
	s.Username, s.Credential = raw.Username, raw.Credential
	s.URLs = nil
	if len(raw.URLs) == 0 {
		return nil
	}
	var one string
	if err := json.Unmarshal(raw.URLs, &one); err == nil {
		s.URLs = []string{one}
		return nil
	}
	return json.Unmarshal(raw.URLs, &s.URLs)
}

// Ref identifies a provider session. StreamID may equal SessionID.
type Ref struct {
	SessionID string
	StreamID  string
}

// Offer is the provider's answer to CreateSession.
type Offer struct {
	Ref
	SDP        string
	ICEServers []ICEServer
}

// Candidate is a locally gathered ICE candidate.
type Candidate struct {
	Candidate     string  `json:"candidate"`
	SDPMid        *string `json:"sdpMid,omitempty"`
	SDPMLineIndex *uint16 `json:"sdpMLineIndex,omitempty"`
}

// DIDClient implements the session API of D-ID's streaming endpoint.
type DIDClient struct {
	HTTPClient *http.Client
	BaseURL    string
	APIKey     string
	// Retries applies to idempotent calls only; CreateSession is never retried.
	Retries   int
	RetryBase time.Duration
	RetryCap  time.Duration
	log       zerolog.Logger
}

// NewDIDClient builds a client for baseURL (e.g. https://api.d-id.com).
func NewDIDClient(baseURL, apiKey string, timeout time.Duration, log zerolog.Logger) *DIDClient {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &DIDClient{
		HTTPClient: &http.Client{Timeout: timeout},
		BaseURL:    strings.TrimRight(baseURL, "/"),
		APIKey:     apiKey,
		Retries:    2,
		RetryBase:  250 * time.Millisecond,
		RetryCap:   2 * time.Second,
		log:        log.With().Str("provider", providerName).Logger(),
	}
}

type createStreamResponse struct {
	ID        string `json:"id"`
	SessionID string `json:"session_id"`
	Offer     struct {
		Type string `json:"type"`
		SDP  string `json:"sdp"`
	} `json:"offer"`
	ICEServers []ICEServer `json:"ice_servers"`
}

// CreateSession allocates a provider stream for sourceURL and returns its SDP offer.
func (c *DIDClient) CreateSession(ctx context.Context, sourceURL string) (Offer, error) {
	var out createStreamResponse
	body := map[string]any{"source_url": sourceURL}
	if err := c.do(ctx, http.MethodPost, "/talks/streams", body, &out, false); err != nil {
		return Offer{}, err
	}
	if out.ID == "" || out.Offer.SDP == "" {
		return Offer{}, errors.New("d-id: create session returned no id or offer")
	}
	ref := Ref{SessionID: out.SessionID, StreamID: out.ID}
	if ref.SessionID == "" {
		ref.SessionID = out.ID
	}
	return Offer{Ref: ref, SDP: out.Offer.SDP, ICEServers: out.ICEServers}, nil
}

// SubmitAnswer sends the local SDP answer for the session.
func (c *DIDClient) SubmitAnswer(ctx context.Context, ref Ref, sdp string) error {
	body := map[string]any{
		"answer":     map[string]string{"type": "answer", "sdp": sdp},
		"session_id": ref.SessionID,
	}
	return c.do(ctx, http.MethodPost, "/talks/streams/"+ref.StreamID+"/sdp", body, nil, true)
}

// SubmitICECandidate forwards one local candidate.
func (c *DIDClient) SubmitICECandidate(ctx context.Context, ref Ref, cand Candidate) error {
	body := map[string]any{
		"candidate":     cand.Candidate,
		"sdpMid":        cand.SDPMid,
		"sdpMLineIndex": cand.SDPMLineIndex,
		"session_id":    ref.SessionID,
	}
	return c.do(ctx, http.MethodPost, "/talks/streams/"+ref.StreamID+"/ice", body, nil, true)
}

// RequestSpeech asks the avatar to speak text with voiceID. It returns once
// the provider acknowledged the request, not when playback ends.
func (c *DIDClient) RequestSpeech(ctx context.Context, ref Ref, text, voiceID string) error {
	if ref.StreamID == "" {
		return errors.New("d-id: stream id required before speech")
	}
	body := map[string]any{
		"script": map[string]any{
			"type":  "text",
			"input": text,
			"provider": map[string]string{
				"type":     "microsoft",
				"voice_id": voiceID,
			},
		},
		"config":     map[string]any{"stitch": true},
		"session_id": ref.SessionID,
	}
	return c.do(ctx, http.MethodPost, "/talks/streams/"+ref.StreamID, body, nil, true)
}

// CloseSession releases the provider stream.
func (c *DIDClient) CloseSession(ctx context.Context, ref Ref) error {
	body := map[string]any{"session_id": ref.SessionID}
	return c.do(ctx, http.MethodDelete, "/talks/streams/"+ref.StreamID, body, nil, true)
}

// Talk is a pre-rendered clip job on the /talks endpoint.
type Talk struct {
	ID        string `json:"id"`
	Status    string `json:"status"`
	ResultURL string `json:"result_url"`
	Error     *struct {
		Kind        string `json:"kind"`
		Description string `json:"description"`
	} `json:"error,omitempty"`
}

// CreateTalk submits a clip of sourceURL speaking text. Not retried.
func (c *DIDClient) CreateTalk(ctx context.Context, sourceURL, text, voiceID string) (Talk, error) {
	body := map[string]any{
		"source_url": sourceURL,
		"script": map[string]any{
			"type":  "text",
			"input": text,
			"provider": map[string]string{
				"type":     "microsoft",
				"voice_id": voiceID,
			},
		},
		"config": map[string]any{"stitch": true},
	}
	var out Talk
	if err := c.do(ctx, http.MethodPost, "/talks", body, &out, false); err != nil {
		return Talk{}, err
	}
	if out.ID == "" {
		return Talk{}, errors.New("d-id: create talk returned no id")
	}
	return out, nil
}

// GetTalk reads the current state of a clip job.
func (c *DIDClient) GetTalk(ctx context.Context, id string) (Talk, error) {
	var out Talk
	if err := c.do(ctx, http.MethodGet, "/talks/"+id, nil, &out, true); err != nil {
		return Talk{}, err
	}
	return out, nil
}

func (c *DIDClient) do(ctx context.Context, method, path string, in, out any, idempotent bool) error {
	if c.APIKey == "" {
		return fmt.Errorf("d-id api key missing")
	}
	var payload []byte
	if in != nil {
		b, err := json.Marshal(in)
		if err != nil {
			return err
		}
		payload = b
	}
	attempts := 1
	if idempotent {
		attempts += c.Retries
	}
	var lastErr error
	for attempt := 0; attempt < attempts; attempt++ {
		if attempt > 0 {
			wait := reliability.ExponentialBackoff(attempt-1, c.RetryBase, c.RetryCap)
			c.log.Debug().Str("path", path).Int("attempt", attempt).Dur("wait", wait).Msg("retrying provider call")
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(wait):
			}
		}
		lastErr = c.once(ctx, method, path, payload, out)
		if lastErr == nil {
			return nil
		}
		var pe *failure.ProviderError
		if !errors.As(lastErr, &pe) || !reliability.IsRetryableHTTPStatus(pe.StatusCode) {
			return lastErr
		}
	}
	return lastErr
}

func (c *DIDClient) once(ctx context.Context, method, path string, payload []byte, out any) error {
	var body io.Reader
	if payload != nil {
		body = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.BaseURL+path, body)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Basic "+c.APIKey)
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return fmt.Errorf("d-id %s %s: %w", method, path, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
		return &failure.ProviderError{Provider: providerName, StatusCode: resp.StatusCode, RawBody: strings.TrimSpace(string(b))}
	}
	if out == nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("d-id %s %s: decode: %w", method, path, err)
	}
	return nil
}
