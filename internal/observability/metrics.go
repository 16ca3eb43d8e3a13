package observability

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics groups all Prometheus instruments used by the service. A nil
// *Metrics is valid and records nothing.
type Metrics struct {
	LiveSessions       prometheus.Gauge
	SessionEvents      *prometheus.CounterVec
	ICECandidates      *prometheus.CounterVec
	ProviderErrors     *prometheus.CounterVec
	ClipJobs           *prometheus.CounterVec
	ClipPolls          prometheus.Counter
	Transitions        *prometheus.CounterVec
	Turns              *prometheus.CounterVec
	ClipLatency        prometheus.Histogram
	WSClients          prometheus.Gauge
	negotiationLatency prometheus.Histogram
}

// NewMetrics registers the instruments on reg (prometheus.DefaultRegisterer
// when nil).
func NewMetrics(namespace string, reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	f := promauto.With(reg)
	return &Metrics{
		LiveSessions: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "live_sessions",
			Help:      "Number of connected live avatar sessions.",
		}),
		SessionEvents: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "live_session_events_total",
			Help:      "Live session state transitions by state.",
		}, []string{"event"}),
		ICECandidates: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "ice_candidates_total",
			Help:      "Local ICE candidates submitted to the provider by result.",
		}, []string{"result"}),
		ProviderErrors: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "provider_errors_total",
			Help:      "Provider errors by provider and code.",
		}, []string{"provider", "code"}),
		ClipJobs: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "clip_jobs_total",
			Help:      "Clip generation jobs by outcome.",
		}, []string{"outcome"}),
		ClipPolls: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "clip_polls_total",
			Help:      "Clip status polls issued.",
		}),
		Transitions: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "compositor_transitions_total",
			Help:      "Cross-fade transitions by result.",
		}, []string{"result"}),
		Turns: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "conversation_turns_total",
			Help:      "Conversation turns by route and outcome.",
		}, []string{"route", "outcome"}),
		ClipLatency: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "clip_latency_seconds",
			Help:      "Time from clip submit to a playable result.",
			Buckets:   []float64{2, 5, 10, 20, 30, 60, 90, 120},
		}),
		WSClients: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "event_stream_clients",
			Help:      "Connected event stream clients.",
		}),
		negotiationLatency: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "negotiation_latency_ms",
			Help:      "Latency from start to answer submission in milliseconds.",
			Buckets:   []float64{200, 500, 1000, 2000, 4000, 8000},
		}),
	}
}

func (m *Metrics) SessionEvent(event string) {
	if m == nil {
		return
	}
	m.SessionEvents.WithLabelValues(event).Inc()
}

func (m *Metrics) SetLive(connected bool) {
	if m == nil {
		return
	}
	if connected {
		m.LiveSessions.Set(1)
		return
	}
	m.LiveSessions.Set(0)
}

func (m *Metrics) Candidate(result string) {
	if m == nil {
		return
	}
	m.ICECandidates.WithLabelValues(result).Inc()
}

func (m *Metrics) ProviderError(provider string, code int) {
	if m == nil {
		return
	}
	m.ProviderErrors.WithLabelValues(provider, strconv.Itoa(code)).Inc()
}

func (m *Metrics) ClipOutcome(outcome string) {
	if m == nil {
		return
	}
	m.ClipJobs.WithLabelValues(outcome).Inc()
}

func (m *Metrics) ClipPoll() {
	if m == nil {
		return
	}
	m.ClipPolls.Inc()
}

func (m *Metrics) ObserveClipLatency(d time.Duration) {
	if m == nil {
		return
	}
	m.ClipLatency.Observe(d.Seconds())
}

func (m *Metrics) Transition(result string) {
	if m == nil {
		return
	}
	m.Transitions.WithLabelValues(result).Inc()
}

func (m *Metrics) Turn(route, outcome string) {
	if m == nil {
		return
	}
	m.Turns.WithLabelValues(route, outcome).Inc()
}

func (m *Metrics) ObserveNegotiation(d time.Duration) {
	if m == nil {
		return
	}
	m.negotiationLatency.Observe(float64(d.Milliseconds()))
}

func (m *Metrics) WSClientDelta(delta float64) {
	if m == nil {
		return
	}
	m.WSClients.Add(delta)
}

func MetricsHandler() http.Handler {
	return promhttp.Handler()
}
