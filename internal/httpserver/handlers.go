package httpserver

import (
	"errors"
	"io"
	"mime"
	"net/http"
	"path/filepath"
	"strings"

	"github.com/labstack/echo/v4"

	"github.com/gillesmich/avatarai/internal/clip"
	"github.com/gillesmich/avatarai/internal/config"
	"github.com/gillesmich/avatarai/internal/conversation"
	"github.com/gillesmich/avatarai/internal/failure"
	"github.com/gillesmich/avatarai/internal/observability"
	"github.com/gillesmich/avatarai/internal/rtc"
	"github.com/gillesmich/avatarai/internal/storage"
)

const (
	maxAudioBytes  = 25 << 20
	maxAvatarBytes = 50 << 20
)

var errUnavailable = errors.New("component not configured")

func (s *Server) register(e *echo.Echo) {
	e.GET("/healthz", func(c echo.Context) error { return c.String(http.StatusOK, "ok") })
	e.GET("/metrics", echo.WrapHandler(observability.MetricsHandler()))
	e.GET("/ws/events", s.hub.serve)

	api := e.Group("/api")
	api.POST("/live/start", s.liveStart)
	api.POST("/live/stop", s.liveStop)
	api.POST("/live/speak", s.liveSpeak)
	api.GET("/live/status", s.liveStatus)
	api.POST("/viewer/offer", s.viewerOffer)
	api.POST("/turns/audio", s.audioTurn)
	api.POST("/turns/text", s.textTurn)
	api.POST("/clips", s.createClip)
	api.GET("/history", s.history)
	api.GET("/conversation", s.conversation)
	api.POST("/avatars", s.uploadAvatar)
	api.GET("/settings", s.getSettings)
	api.PUT("/settings", s.putSettings)
}

type sourceRequest struct {
	SourceURL string `json:"source_url"`
}

type speakRequest struct {
	Text    string `json:"text"`
	VoiceID string `json:"voice_id"`
}

type clipRequest struct {
	SourceURL string `json:"source_url"`
	Text      string `json:"text"`
	VoiceID   string `json:"voice_id"`
}

func (s *Server) liveStart(c echo.Context) error {
	if s.deps.Conversation == nil {
		return s.fail(c, errUnavailable)
	}
	var req sourceRequest
	if err := c.Bind(&req); err != nil {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "invalid body"})
	}
	if err := s.deps.Conversation.StartLive(c.Request().Context(), req.SourceURL); err != nil {
		return s.fail(c, err)
	}
	return s.liveStatus(c)
}

func (s *Server) liveStop(c echo.Context) error {
	if s.deps.Conversation == nil {
		return s.fail(c, errUnavailable)
	}
	s.deps.Conversation.StopLive()
	return c.NoContent(http.StatusNoContent)
}

func (s *Server) liveSpeak(c echo.Context) error {
	if s.deps.Live == nil {
		return s.fail(c, errUnavailable)
	}
	var req speakRequest
	if err := c.Bind(&req); err != nil {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "invalid body"})
	}
	if req.VoiceID == "" {
		req.VoiceID = s.avatarSettings().VoiceID
	}
	speech, err := conversation.NewSpeechRequest(req.Text, req.VoiceID, conversation.RouteLive, s.speechLimit)
	if err != nil {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": err.Error()})
	}
	if err := s.deps.Live.SendText(c.Request().Context(), speech.Text, speech.VoiceID); err != nil {
		return s.fail(c, err)
	}
	return c.NoContent(http.StatusAccepted)
}

func (s *Server) liveStatus(c echo.Context) error {
	if s.deps.Live == nil {
		return c.JSON(http.StatusOK, rtc.Status{Phase: rtc.PhaseIdle})
	}
	return c.JSON(http.StatusOK, s.deps.Live.Status())
}

func (s *Server) viewerOffer(c echo.Context) error {
	if s.deps.Viewer == nil {
		return s.fail(c, errUnavailable)
	}
	var offer rtc.SessionDescription
	if err := c.Bind(&offer); err != nil || offer.SDP == "" {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "invalid offer"})
	}
	answer, err := s.deps.Viewer.HandleViewerOffer(c.Request().Context(), offer)
	if err != nil {
		return s.fail(c, err)
	}
	return c.JSON(http.StatusOK, answer)
}

// audioTurn accepts either a multipart "audio" field or the raw recording
// as the request body.
func (s *Server) audioTurn(c echo.Context) error {
	if s.deps.Conversation == nil {
		return s.fail(c, errUnavailable)
	}
	audio, contentType, err := readUpload(c, "audio", maxAudioBytes)
	if err != nil {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": err.Error()})
	}
	res, err := s.deps.Conversation.HandleUtterance(c.Request().Context(), conversation.Utterance{Audio: audio, ContentType: contentType})
	if err != nil {
		return s.failWith(c, err, res)
	}
	return c.JSON(http.StatusOK, res)
}

func (s *Server) textTurn(c echo.Context) error {
	if s.deps.Conversation == nil {
		return s.fail(c, errUnavailable)
	}
	var req speakRequest
	if err := c.Bind(&req); err != nil {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "invalid body"})
	}
	res, err := s.deps.Conversation.HandleText(c.Request().Context(), req.Text)
	if err != nil {
		return s.failWith(c, err, res)
	}
	return c.JSON(http.StatusOK, res)
}

func (s *Server) createClip(c echo.Context) error {
	if s.deps.Clips == nil {
		return s.fail(c, errUnavailable)
	}
	var req clipRequest
	if err := c.Bind(&req); err != nil {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "invalid body"})
	}
	settings := s.avatarSettings()
	if req.SourceURL == "" {
		req.SourceURL = settings.SourceURL
	}
	if req.VoiceID == "" {
		req.VoiceID = settings.ClipVoiceID
	}
	speech, err := conversation.NewSpeechRequest(req.Text, req.VoiceID, conversation.RouteClip, s.speechLimit)
	if err != nil {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": err.Error()})
	}
	job, err := s.deps.Clips.Generate(c.Request().Context(), req.SourceURL, speech.Text, speech.VoiceID)
	if err != nil {
		return s.failWith(c, err, job)
	}
	return c.JSON(http.StatusOK, job)
}

func (s *Server) history(c echo.Context) error {
	if s.deps.Conversation == nil {
		return s.fail(c, errUnavailable)
	}
	entries, err := s.deps.Conversation.History(c.Request().Context())
	if err != nil {
		return s.fail(c, err)
	}
	return c.JSON(http.StatusOK, entries)
}

func (s *Server) conversation(c echo.Context) error {
	if s.deps.Conversation == nil {
		return s.fail(c, errUnavailable)
	}
	return c.JSON(http.StatusOK, s.deps.Conversation.State())
}

type uploadResponse struct {
	URL   string `json:"url"`
	Image bool   `json:"image"`
}

func (s *Server) uploadAvatar(c echo.Context) error {
	if s.deps.Uploader == nil {
		return s.fail(c, errUnavailable)
	}
	fh, err := c.FormFile("file")
	if err != nil {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "missing file"})
	}
	if fh.Size > maxAvatarBytes {
		return c.JSON(http.StatusRequestEntityTooLarge, map[string]string{"error": "file too large"})
	}
	f, err := fh.Open()
	if err != nil {
		return s.fail(c, err)
	}
	defer f.Close()
	data, err := io.ReadAll(f)
	if err != nil {
		return s.fail(c, err)
	}

	contentType := fh.Header.Get(echo.HeaderContentType)
	ext := strings.ToLower(filepath.Ext(fh.Filename))
	if ext == "" {
		if exts, _ := mime.ExtensionsByType(contentType); len(exts) > 0 {
			ext = exts[0]
		}
	}
	url, err := s.deps.Uploader.Upload(c.Request().Context(), storage.ObjectKey("avatars", ext), contentType, data)
	if err != nil {
		return s.fail(c, err)
	}
	return c.JSON(http.StatusCreated, uploadResponse{URL: url, Image: clip.IsImageURL(url)})
}

func (s *Server) getSettings(c echo.Context) error {
	return c.JSON(http.StatusOK, s.avatarSettings())
}

// putSettings applies avatar, voice and idle video immediately. Provider
// choices are saved and take effect on the next start.
func (s *Server) putSettings(c echo.Context) error {
	var next config.AvatarSettings
	if err := c.Bind(&next); err != nil {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "invalid body"})
	}
	if s.settingsPath != "" {
		if err := config.SaveAvatarSettings(s.settingsPath, next); err != nil {
			return s.fail(c, err)
		}
	}
	s.mu.Lock()
	s.settings = next
	s.mu.Unlock()

	if s.deps.Conversation != nil {
		cur := s.deps.Conversation.Settings()
		cur.SourceURL = next.SourceURL
		cur.VoiceID = next.VoiceID
		cur.ClipVoiceID = next.ClipVoiceID
		s.deps.Conversation.UpdateSettings(cur)
	}
	if s.deps.Stage != nil && next.IdleVideoURL != "" {
		s.deps.Stage.SetIdleURL(next.IdleVideoURL)
	}
	return c.JSON(http.StatusOK, next)
}

func (s *Server) avatarSettings() config.AvatarSettings {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.settings
}

func readUpload(c echo.Context, field string, limit int64) ([]byte, string, error) {
	ct := c.Request().Header.Get(echo.HeaderContentType)
	if strings.HasPrefix(ct, echo.MIMEMultipartForm) {
		fh, err := c.FormFile(field)
		if err != nil {
			return nil, "", errors.New("missing " + field)
		}
		f, err := fh.Open()
		if err != nil {
			return nil, "", err
		}
		defer f.Close()
		data, err := io.ReadAll(io.LimitReader(f, limit))
		return data, fh.Header.Get(echo.HeaderContentType), err
	}
	data, err := io.ReadAll(io.LimitReader(c.Request().Body, limit))
	if err != nil {
		return nil, "", err
	}
	if len(data) == 0 {
		return nil, "", errors.New("empty body")
	}
	return data, ct, nil
}

type errorResponse struct {
	Error  string         `json:"error"`
	Report failure.Report `json:"report"`
	Result any            `json:"result,omitempty"`
}

func (s *Server) fail(c echo.Context, err error) error {
	return s.failWith(c, err, nil)
}

// failWith answers err with a user-facing report. result carries what was
// completed before the failure, e.g. the reply text of a turn whose clip
// failed.
func (s *Server) failWith(c echo.Context, err error, result any) error {
	status := statusFor(err)
	if status >= http.StatusInternalServerError {
		s.log.Error().Err(err).Str("path", c.Path()).Msg("request failed")
	}
	body := errorResponse{Error: err.Error(), Report: failure.FromError(err, timeNow())}
	if result != nil {
		body.Result = result
	}
	return c.JSON(status, body)
}

func statusFor(err error) int {
	var pe *failure.ProviderError
	switch {
	case errors.Is(err, errUnavailable):
		return http.StatusServiceUnavailable
	case errors.Is(err, failure.ErrInvalidSourceType):
		return http.StatusUnprocessableEntity
	case errors.Is(err, failure.ErrNotConnected):
		return http.StatusConflict
	case errors.Is(err, failure.ErrTimeout):
		return http.StatusGatewayTimeout
	case errors.As(err, &pe):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}
