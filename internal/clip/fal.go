package clip

import (
	"bufio"
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/gillesmich/avatarai/internal/failure"
	"github.com/gillesmich/avatarai/internal/storage"
	"github.com/gillesmich/avatarai/internal/tts"
)

const falProvider = "fal"

// FALProvider lip-syncs a source video to synthesized speech on the FAL
// MuseTalk queue. Jobs can be polled or followed on the status stream.
type FALProvider struct {
	APIKey     string
	BaseURL    string
	Model      string
	BBoxShift  int
	HTTPClient *http.Client

	speech   tts.Synthesizer
	uploader storage.Uploader
	log      zerolog.Logger
}

func NewFALProvider(apiKey string, speech tts.Synthesizer, log zerolog.Logger) *FALProvider {
	return &FALProvider{
		APIKey:     apiKey,
		BaseURL:    "https://queue.fal.run",
		Model:      "fal-ai/musetalk",
		HTTPClient: &http.Client{Timeout: 60 * time.Second},
		speech:     speech,
		log:        log.With().Str("provider", falProvider).Logger(),
	}
}

// WithUploader stores the speech in object storage instead of inlining it
// as a data URI.
func (f *FALProvider) WithUploader(u storage.Uploader) *FALProvider {
	f.uploader = u
	return f
}

func (f *FALProvider) Name() string { return falProvider }

func (f *FALProvider) Submit(ctx context.Context, req Request) (SubmitResult, error) {
	if f.APIKey == "" {
		return SubmitResult{}, errors.New("fal: api key missing")
	}
	audio, err := f.speech.Synthesize(ctx, req.Text, req.VoiceID)
	if err != nil {
		return SubmitResult{}, fmt.Errorf("fal: speech: %w", err)
	}
	audioURL, err := f.audioURL(ctx, audio)
	if err != nil {
		return SubmitResult{}, err
	}
	body := map[string]any{
		"image_url":  req.SourceURL,
		"audio_url":  audioURL,
		"bbox_shift": f.BBoxShift,
	}
	var out struct {
		RequestID string `json:"request_id"`
	}
	if err := f.call(ctx, http.MethodPost, f.modelURL(), body, &out); err != nil {
		return SubmitResult{}, err
	}
	if out.RequestID == "" {
		return SubmitResult{}, errors.New("fal: submit returned no request_id")
	}
	f.log.Info().Str("job_id", out.RequestID).Msg("musetalk job queued")
	return SubmitResult{JobID: out.RequestID}, nil
}

func (f *FALProvider) audioURL(ctx context.Context, a tts.Audio) (string, error) {
	if f.uploader == nil {
		return "data:" + a.ContentType + ";base64," + base64.StdEncoding.EncodeToString(a.Data), nil
	}
	u, err := f.uploader.Upload(ctx, storage.ObjectKey("speech", a.Ext), a.ContentType, a.Data)
	if err != nil {
		return "", fmt.Errorf("fal: upload speech: %w", err)
	}
	return u, nil
}

type falStatus struct {
	Status      string `json:"status"`
	ResponseURL string `json:"response_url"`
	Error       string `json:"error"`
}

func (f *FALProvider) Poll(ctx context.Context, jobID string) (Update, error) {
	var st falStatus
	if err := f.call(ctx, http.MethodGet, f.modelURL()+"/requests/"+jobID+"/status", nil, &st); err != nil {
		return Update{}, err
	}
	return f.resolve(ctx, jobID, st)
}

// Watch follows the server-sent status stream. The channel closes when the
// stream ends or ctx is cancelled.
func (f *FALProvider) Watch(ctx context.Context, jobID string) (<-chan Update, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, f.modelURL()+"/requests/"+jobID+"/status/stream", nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Key "+f.APIKey)
	req.Header.Set("Accept", "text/event-stream")
	// the stream outlives the request timeout of HTTPClient
	client := &http.Client{Transport: f.HTTPClient.Transport}
	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fal status stream: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		defer resp.Body.Close()
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
		return nil, &failure.ProviderError{Provider: falProvider, StatusCode: resp.StatusCode, RawBody: strings.TrimSpace(string(b))}
	}

	out := make(chan Update)
	go func() {
		defer close(out)
		defer resp.Body.Close()
		scanner := bufio.NewScanner(resp.Body)
		scanner.Buffer(make([]byte, 0, 64<<10), 1<<20)
		for scanner.Scan() {
			line := strings.TrimSpace(scanner.Text())
			if !strings.HasPrefix(line, "data:") {
				continue
			}
			var st falStatus
			if err := json.Unmarshal([]byte(strings.TrimSpace(strings.TrimPrefix(line, "data:"))), &st); err != nil {
				f.log.Debug().Err(err).Msg("skipping malformed status line")
				continue
			}
			upd, err := f.resolve(ctx, jobID, st)
			if err != nil {
				f.log.Warn().Err(err).Str("job_id", jobID).Msg("status stream result fetch failed")
				continue
			}
			select {
			case out <- upd:
			case <-ctx.Done():
				return
			}
			if upd.Status.Terminal() {
				return
			}
		}
	}()
	return out, nil
}

func (f *FALProvider) resolve(ctx context.Context, jobID string, st falStatus) (Update, error) {
	switch st.Status {
	case "COMPLETED":
		u := st.ResponseURL
		if u == "" {
			u = f.modelURL() + "/requests/" + jobID
		}
		var result struct {
			Video struct {
				URL string `json:"url"`
			} `json:"video"`
		}
		if err := f.call(ctx, http.MethodGet, u, nil, &result); err != nil {
			return Update{}, err
		}
		if result.Video.URL == "" {
			return Update{Status: StatusError, ErrorDescription: "completed without a video url"}, nil
		}
		return Update{Status: StatusDone, ResultURL: result.Video.URL}, nil
	case "FAILED", "ERROR":
		desc := st.Error
		if desc == "" {
			desc = "generation failed"
		}
		return Update{Status: StatusError, ErrorDescription: desc}, nil
	case "IN_QUEUE":
		return Update{Status: StatusQueued}, nil
	default:
		return Update{Status: StatusProcessing}, nil
	}
}

func (f *FALProvider) modelURL() string {
	return strings.TrimRight(f.BaseURL, "/") + "/" + strings.Trim(f.Model, "/")
}

func (f *FALProvider) call(ctx context.Context, method, url string, in, out any) error {
	var body io.Reader
	if in != nil {
		b, err := json.Marshal(in)
		if err != nil {
			return err
		}
		body = bytes.NewReader(b)
	}
	req, err := http.NewRequestWithContext(ctx, method, url, body)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Key "+f.APIKey)
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := f.HTTPClient.Do(req)
	if err != nil {
		return fmt.Errorf("fal %s: %w", method, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
		return &failure.ProviderError{Provider: falProvider, StatusCode: resp.StatusCode, RawBody: strings.TrimSpace(string(b))}
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("fal %s: decode: %w", method, err)
	}
	return nil
}
