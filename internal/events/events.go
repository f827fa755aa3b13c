package events

import (
	"sync"
	"time"

	"bookingd/internal/model"
	"github.com/rs/zerolog"
)

// Appointment event types.
const (
	AppointmentCreated     = "appointment.created"
	AppointmentImported    = "appointment.imported"
	AppointmentRescheduled = "appointment.rescheduled"
	AppointmentStatus      = "appointment.status_changed"
)

// Event is a committed change to an appointment.
type Event struct {
	Type        string
	Appointment model.Appointment
	Actor       string
	CreatedAt   time.Time
}

// EventHandler reacts to an event.
type EventHandler func(event Event) error

// EventBus provides in-process pub/sub for events.
type EventBus struct {
	subscribers map[string][]EventHandler
	all         []EventHandler
	mu          sync.RWMutex
	logger      zerolog.Logger
}

// NewEventBus constructs an empty bus.
func NewEventBus(logger zerolog.Logger) *EventBus {
	return &EventBus{
		subscribers: make(map[string][]EventHandler),
		logger:      logger.With().Str("component", "events").Logger(),
	}
}

// Subscribe registers a handler for the given event types.
func (b *EventBus) Subscribe(handler EventHandler, eventTypes ...string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if len(eventTypes) == 0 {
		b.all = append(b.all, handler)
		return
	}
	for _, t := range eventTypes {
		b.subscribers[t] = append(b.subscribers[t], handler)
	}
}

// Publish notifies subscribers of the event type. Handlers run synchronously
// and must not block; a failing handler does not stop the others.
func (b *EventBus) Publish(event Event) {
	if b == nil {
		return
	}
	b.mu.RLock()
	handlers := append([]EventHandler(nil), b.subscribers[event.Type]...)
	handlers = append(handlers, b.all...)
	b.mu.RUnlock()

	if event.CreatedAt.IsZero() {
		event.CreatedAt = time.Now()
	}

	for _, handler := range handlers {
		if err := handler(event); err != nil {
			b.logger.Warn().Err(err).
				Str("event", event.Type).
				Str("appointment_id", event.Appointment.ID).
				Msg("event handler failed")
		}
	}
}
