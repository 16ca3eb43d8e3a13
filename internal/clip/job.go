// Package clip generates pre-rendered talking clips for providers that cannot
// stream live, resolving each job exactly once by polling or pushed events.
package clip

import (
	"context"
	"net/url"
	"path"
	"strings"
	"time"
)

// Status is the provider-neutral state of a clip job.
type Status string

const (
	StatusQueued     Status = "queued"
	StatusProcessing Status = "processing"
	StatusDone       Status = "done"
	StatusError      Status = "error"
)

func (s Status) Terminal() bool { return s == StatusDone || s == StatusError }

// Job tracks one clip from submission to a playable URL. ResultURL is only
// meaningful when Status is done.
type Job struct {
	ID               string    `json:"id"`
	Provider         string    `json:"provider"`
	SourceMediaURL   string    `json:"source_media_url"`
	Text             string    `json:"text"`
	VoiceID          string    `json:"voice_id"`
	Status           Status    `json:"status"`
	ResultURL        string    `json:"result_url,omitempty"`
	ErrorDescription string    `json:"error_description,omitempty"`
	AttemptCount     int       `json:"attempt_count"`
	MaxAttempts      int       `json:"max_attempts"`
	CreatedAt        time.Time `json:"created_at"`
}

// Request is what a provider needs to start a clip.
type Request struct {
	SourceURL string
	Text      string
	VoiceID   string
}

// SubmitResult carries either a job id to resolve later or, for synchronous
// providers, the finished clip.
type SubmitResult struct {
	JobID     string
	ResultURL string
}

// Update is one status report for a job, from a poll or an event.
type Update struct {
	Status           Status
	ResultURL        string
	ErrorDescription string
}

// Provider starts clip generation.
type Provider interface {
	Name() string
	Submit(ctx context.Context, req Request) (SubmitResult, error)
}

// Poller is implemented by providers whose jobs are resolved by asking.
type Poller interface {
	Poll(ctx context.Context, jobID string) (Update, error)
}

// EventSource is implemented by providers that push job progress. The
// channel is closed when the source stops reporting.
type EventSource interface {
	Watch(ctx context.Context, jobID string) (<-chan Update, error)
}

var imageExtensions = map[string]bool{
	".jpg": true, ".jpeg": true, ".png": true, ".gif": true, ".webp": true,
	".bmp": true, ".svg": true, ".heic": true, ".avif": true,
}

// IsImageURL reports whether raw points at a still image, judged by the
// extension of its path. Query and fragment are ignored.
func IsImageURL(raw string) bool {
	p := raw
	if u, err := url.Parse(raw); err == nil {
		p = u.Path
	} else {
		if i := strings.IndexAny(p, "?#"); i >= 0 {
			p = p[:i]
		}
	}
	return imageExtensions[strings.ToLower(path.Ext(p))]
}
