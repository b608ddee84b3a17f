package events

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"reservo/internal/model"
)

type Type string

const (
	QueuePositions         Type = "queue.positions"
	QueuePreCall           Type = "queue.pre_call"
	QueueCalled            Type = "queue.called"
	QueueGraceExpired      Type = "queue.grace_expired"
	ReservationCreated     Type = "reservation.created"
	ReservationRescheduled Type = "reservation.rescheduled"
	ReservationCancelled   Type = "reservation.cancelled"
	WaitlistReleased       Type = "waitlist.released"
)

// Event represents a lightweight domain event.
type Event struct {
	Type      Type
	AccountID int64
	Payload   any
	CreatedAt time.Time
}

// Position is one row of a queue snapshot.
type Position struct {
	ItemID      int64             `json:"id"`
	QueueNumber string            `json:"queue_number,omitempty"`
	Status      model.QueueStatus `json:"status"`
	Position    *int              `json:"position"`
	ETAMinutes  *int              `json:"eta_minutes"`
}

// PositionsPayload is carried by QueuePositions.
type PositionsPayload struct {
	Items []Position `json:"items"`
}

// QueueItemPayload is carried by QueuePreCall, QueueCalled and QueueGraceExpired.
type QueueItemPayload struct {
	Item    model.QueueItem   `json:"item"`
	Outcome model.QueueStatus `json:"outcome,omitempty"`
}

// ReservationPayload is carried by the reservation events.
type ReservationPayload struct {
	Reservation model.Reservation `json:"reservation"`
	Actor       model.Actor       `json:"actor"`
}

// WaitlistPayload is carried by WaitlistReleased.
type WaitlistPayload struct {
	Entry     model.WaitlistEntry `json:"entry"`
	FreedFrom time.Time           `json:"freed_from"`
	FreedTo   time.Time           `json:"freed_to"`
}

// Publisher is what services depend on.
type Publisher interface {
	Publish(ctx context.Context, event Event)
}

// Handler reacts to an event.
type Handler func(ctx context.Context, event Event) error

// Bus provides in-process pub/sub for events.
type Bus struct {
	subscribers map[Type][]Handler
	mu          sync.RWMutex
	logger      zerolog.Logger
}

// NewBus constructs an empty bus.
func NewBus(logger zerolog.Logger) *Bus {
	return &Bus{
		subscribers: make(map[Type][]Handler),
		logger:      logger.With().Str("component", "events").Logger(),
	}
}

// Subscribe registers a handler for the given event types.
func (b *Bus) Subscribe(handler Handler, types ...Type) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, t := range types {
		b.subscribers[t] = append(b.subscribers[t], handler)
	}
}

// Publish notifies subscribers synchronously. Handler errors are logged and never reach the publisher.
func (b *Bus) Publish(ctx context.Context, event Event) {
	b.mu.RLock()
	handlers := append([]Handler(nil), b.subscribers[event.Type]...)
	b.mu.RUnlock()

	if event.CreatedAt.IsZero() {
		event.CreatedAt = time.Now()
	}

	for _, handler := range handlers {
		if err := handler(ctx, event); err != nil {
			b.logger.Warn().Err(err).
				Str("event", string(event.Type)).
				Int64("account_id", event.AccountID).
				Msg("Event handler failed")
		}
	}
}

// Discard drops every event.
type Discard struct{}

func (Discard) Publish(context.Context, Event) {}

// Recorder keeps published events in memory.
type Recorder struct {
	mu     sync.Mutex
	events []Event
}

func (r *Recorder) Publish(_ context.Context, event Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, event)
}

// Events returns a copy of what was published, optionally filtered by type.
func (r *Recorder) Events(types ...Type) []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []Event
	for _, e := range r.events {
		if len(types) == 0 {
			out = append(out, e)
			continue
		}
		for _, t := range types {
			if e.Type == t {
				out = append(out, e)
				break
			}
		}
	}
	return out
}
