// Package failure defines the error kinds that cross component boundaries
// and their user-facing rendering.
package failure

import (
	"errors"
	"fmt"
	"net/http"
	"time"
)

var (
	// ErrInvalidSourceType is returned when a clip provider is asked to
	// animate a still image.
	ErrInvalidSourceType = errors.New("avatar source must be a video, not a still image")
	// ErrTimeout marks a clip job that exceeded its polling budget.
	ErrTimeout = errors.New("clip generation timed out")
	// ErrEmptyTranscript marks a discarded utterance (silence, filler,
	// stock caption). It is logged, never reported.
	ErrEmptyTranscript = errors.New("empty or generic transcript")
	// ErrNotConnected is returned by live operations outside the Connected state.
	ErrNotConnected = errors.New("live session is not connected")
)

// ProviderError is a non-success response from a remote provider.
type ProviderError struct {
	Provider   string
	StatusCode int
	RawBody    string
}

func (e *ProviderError) Error() string {
	return fmt.Sprintf("%s error: status=%d body=%s", e.Provider, e.StatusCode, e.RawBody)
}

// NegotiationError is fatal to the current live session.
type NegotiationError struct {
	Stage string
	Err   error
}

func (e *NegotiationError) Error() string {
	return fmt.Sprintf("negotiation failed at %s: %v", e.Stage, e.Err)
}

func (e *NegotiationError) Unwrap() error { return e.Err }

// TimeoutError reports how many polls ran before giving up.
type TimeoutError struct {
	JobID    string
	Attempts int
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("clip %s not ready after %d attempts", e.JobID, e.Attempts)
}

func (e *TimeoutError) Is(target error) bool { return target == ErrTimeout }

// JobError carries the provider's own description of a failed job.
type JobError struct {
	JobID       string
	Description string
}

func (e *JobError) Error() string {
	return fmt.Sprintf("clip %s failed: %s", e.JobID, e.Description)
}

// Negotiation wraps err as a NegotiationError unless it already is one.
func Negotiation(stage string, err error) error {
	if err == nil {
		return nil
	}
	var ne *NegotiationError
	if errors.As(err, &ne) {
		return err
	}
	return &NegotiationError{Stage: stage, Err: err}
}

// IsConfigurationProblem reports whether the user can fix err by changing
// credentials, quota or provider settings.
func IsConfigurationProblem(err error) bool {
	var pe *ProviderError
	if !errors.As(err, &pe) {
		return false
	}
	switch pe.StatusCode {
	case http.StatusUnauthorized, http.StatusPaymentRequired, http.StatusForbidden, http.StatusTooManyRequests:
		return true
	}
	return false
}

// Report is the payload of the UI error overlay.
type Report struct {
	Title     string    `json:"title"`
	Message   string    `json:"message"`
	Timestamp time.Time `json:"timestamp"`
}

// FromError renders err as an overlay report.
func FromError(err error, now time.Time) Report {
	r := Report{Title: "Erreur", Message: err.Error(), Timestamp: now.UTC()}
	var (
		pe *ProviderError
		ne *NegotiationError
		je *JobError
	)
	switch {
	case errors.Is(err, ErrInvalidSourceType):
		r.Title = "Source d'avatar non supportée"
		r.Message = "Ce mode nécessite une courte vidéo de l'avatar, pas une image fixe. Importez une vidéo puis réessayez."
	case errors.Is(err, ErrTimeout):
		r.Title = "Génération trop longue"
		r.Message = "La vidéo n'a pas été prête à temps. Réessayez."
	case errors.As(err, &pe) && IsConfigurationProblem(err):
		r.Title = "Problème de configuration " + pe.Provider
		r.Message = configurationHint(pe)
	case errors.As(err, &pe):
		r.Title = "Erreur " + pe.Provider
		r.Message = pe.RawBody
		if r.Message == "" {
			r.Message = http.StatusText(pe.StatusCode)
		}
	case errors.As(err, &ne):
		r.Title = "Connexion à l'avatar impossible"
	case errors.As(err, &je):
		r.Title = "Échec de génération vidéo"
		r.Message = je.Description
	case errors.Is(err, ErrNotConnected):
		r.Title = "Avatar non connecté"
	}
	return r
}

func configurationHint(pe *ProviderError) string {
	switch pe.StatusCode {
	case http.StatusUnauthorized, http.StatusForbidden:
		return fmt.Sprintf("Clé API %s invalide ou non autorisée: %s", pe.Provider, pe.RawBody)
	case http.StatusPaymentRequired:
		return fmt.Sprintf("Crédits %s insuffisants. Rechargez votre compte: %s", pe.Provider, pe.RawBody)
	case http.StatusTooManyRequests:
		return fmt.Sprintf("Limite de requêtes %s atteinte. Réessayez plus tard: %s", pe.Provider, pe.RawBody)
	}
	return pe.RawBody
}
