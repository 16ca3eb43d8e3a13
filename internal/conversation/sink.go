package conversation

import (
	"github.com/gillesmich/avatarai/internal/bus"
	"github.com/gillesmich/avatarai/internal/failure"
)

// BusSink forwards error reports to event stream subscribers.
type BusSink struct {
	Events *bus.EventBus
}

func (s BusSink) Report(r failure.Report) {
	s.Events.Publish(bus.EventErrorReported, map[string]any{
		"title":     r.Title,
		"message":   r.Message,
		"timestamp": r.Timestamp,
	})
}
