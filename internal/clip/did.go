package clip

import (
	"context"
	"strings"

	"github.com/gillesmich/avatarai/internal/signaling"
)

// TalkAPI is the subset of the D-ID client used for pre-rendered clips.
type TalkAPI interface {
	CreateTalk(ctx context.Context, sourceURL, text, voiceID string) (signaling.Talk, error)
	GetTalk(ctx context.Context, id string) (signaling.Talk, error)
}

// DIDProvider renders clips on the D-ID /talks endpoint and is resolved by
// polling.
type DIDProvider struct {
	api TalkAPI
}

func NewDIDProvider(api TalkAPI) *DIDProvider {
	return &DIDProvider{api: api}
}

func (d *DIDProvider) Name() string { return "d-id" }

func (d *DIDProvider) Submit(ctx context.Context, req Request) (SubmitResult, error) {
	talk, err := d.api.CreateTalk(ctx, req.SourceURL, req.Text, req.VoiceID)
	if err != nil {
		return SubmitResult{}, err
	}
	res := SubmitResult{JobID: talk.ID}
	if talk.Status == "done" && talk.ResultURL != "" {
		res.ResultURL = talk.ResultURL
	}
	return res, nil
}

func (d *DIDProvider) Poll(ctx context.Context, jobID string) (Update, error) {
	talk, err := d.api.GetTalk(ctx, jobID)
	if err != nil {
		return Update{}, err
	}
	return talkUpdate(talk), nil
}

func talkUpdate(t signaling.Talk) Update {
	switch strings.ToLower(t.Status) {
	case "done":
		return Update{Status: StatusDone, ResultURL: t.ResultURL}
	case "error", "rejected":
		desc := "clip generation failed"
		if t.Error != nil && t.Error.Description != "" {
			desc = t.Error.Description
		}
		return Update{Status: StatusError, ErrorDescription: desc}
	default:
		return Update{Status: StatusProcessing}
	}
}
