// Package bus provides the internal event bus that replaces ad hoc media and
// socket callbacks. Every event name and its payload keys are listed below.
package bus

import (
	"sync"
	"time"
)

// EventType identifies different event types
type EventType string

const (
	// Live session (rtc). Payload: session_id; failed adds reason;
	// reconnecting adds attempt and delay_ms.
	EventLiveNegotiating        EventType = "live.negotiating"
	EventLiveConnected          EventType = "live.connected"
	EventLiveDisconnected       EventType = "live.disconnected"
	EventLiveFailed             EventType = "live.failed"
	EventLiveClosed             EventType = "live.closed"
	EventLiveReconnecting       EventType = "live.reconnecting"
	EventLiveReconnectExhausted EventType = "live.reconnect_exhausted"
	EventLiveCandidateRejected  EventType = "live.candidate_rejected"
	EventLiveSpeechRequested    EventType = "live.speech_requested"

	// Avatar media. Payload: source ("live" or "clip").
	EventAvatarSpeakingStarted EventType = "avatar.speaking_started"
	EventAvatarSpeakingStopped EventType = "avatar.speaking_stopped"

	// Compositor. Payload: url, loop; slot for slot events.
	EventTransitionStarted   EventType = "compositor.transition_started"
	EventTransitionCompleted EventType = "compositor.transition_completed"
	EventTransitionDropped   EventType = "compositor.transition_dropped"
	EventSlotPlay            EventType = "compositor.slot_play"
	EventSlotPause           EventType = "compositor.slot_pause"
	EventSlotEnded           EventType = "compositor.slot_ended"
	EventSlotState           EventType = "compositor.slot_state"

	// Clip pipeline. Payload: job_id; progress adds status and attempt;
	// ready adds url; failed adds error.
	EventClipSubmitted EventType = "clip.submitted"
	EventClipProgress  EventType = "clip.progress"
	EventClipReady     EventType = "clip.ready"
	EventClipFailed    EventType = "clip.failed"

	// Conversation. Payload: turn_id, role, text; partial carries the
	// visible typing buffer; discarded carries reason.
	EventUserTurn            EventType = "conversation.user_turn"
	EventAssistantPartial    EventType = "conversation.partial"
	EventAssistantTurn       EventType = "conversation.assistant_turn"
	EventTranscriptDiscarded EventType = "conversation.discarded"

	// UI error overlay. Payload: title, message, timestamp.
	EventErrorReported EventType = "error.reported"
)

// Event represents a bus event
type Event struct {
	Type EventType      `json:"type"`
	Data map[string]any `json:"data,omitempty"`
	At   time.Time      `json:"ts"`
}

// Handler is a function that handles events. Handlers run on the publisher's
// goroutine and must not block.
type Handler func(Event)

// EventBus is a simple pub/sub event bus
type EventBus struct {
	mu       sync.RWMutex
	nextID   int
	handlers map[EventType]map[int]Handler
	all      map[int]Handler
}

// New creates a new event bus
func New() *EventBus {
	return &EventBus{
		handlers: make(map[EventType]map[int]Handler),
		all:      make(map[int]Handler),
	}
}

// Subscribe adds a handler for an event type and returns its unsubscribe func.
func (b *EventBus) Subscribe(eventType EventType, handler Handler) func() {
	b.mu.Lock()
	defer b.mu.Unlock()
	id := b.nextID
	b.nextID++
	if b.handlers[eventType] == nil {
		b.handlers[eventType] = make(map[int]Handler)
	}
	b.handlers[eventType][id] = handler
	return func() {
		b.mu.Lock()
		delete(b.handlers[eventType], id)
		b.mu.Unlock()
	}
}

// SubscribeAll receives every event, e.g. for the UI event stream.
func (b *EventBus) SubscribeAll(handler Handler) func() {
	b.mu.Lock()
	defer b.mu.Unlock()
	id := b.nextID
	b.nextID++
	b.all[id] = handler
	return func() {
		b.mu.Lock()
		delete(b.all, id)
		b.mu.Unlock()
	}
}

// Publish delivers the event synchronously to the typed subscribers and then
// to the SubscribeAll handlers.
func (b *EventBus) Publish(eventType EventType, data map[string]any) {
	if b == nil {
		return
	}
	ev := Event{Type: eventType, Data: data, At: time.Now().UTC()}
	b.mu.RLock()
	handlers := make([]Handler, 0, len(b.handlers[eventType])+len(b.all))
	for _, h := range b.handlers[eventType] {
		handlers = append(handlers, h)
	}
	for _, h := range b.all {
		handlers = append(handlers, h)
	}
	b.mu.RUnlock()

	for _, h := range handlers {
		h(ev)
	}
}
