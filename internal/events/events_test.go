package events

import (
	"context"
	"errors"
	"io"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
)

func TestBus_DeliversByType(t *testing.T) {
	bus := NewBus(zerolog.New(io.Discard))

	var got []Type
	bus.Subscribe(func(_ context.Context, e Event) error {
		got = append(got, e.Type)
		return nil
	}, QueueCalled, QueueGraceExpired)

	failing := 0
	bus.Subscribe(func(context.Context, Event) error {
		failing++
		return errors.New("boom")
	}, QueueCalled)

	bus.Publish(context.Background(), Event{Type: QueueCalled, AccountID: 1})
	bus.Publish(context.Background(), Event{Type: QueuePositions, AccountID: 1})
	bus.Publish(context.Background(), Event{Type: QueueGraceExpired, AccountID: 1})

	assert.Equal(t, []Type{QueueCalled, QueueGraceExpired}, got)
	assert.Equal(t, 1, failing)
}

func TestRecorder_Filters(t *testing.T) {
	var r Recorder
	r.Publish(context.Background(), Event{Type: ReservationCreated})
	r.Publish(context.Background(), Event{Type: WaitlistReleased})

	assert.Len(t, r.Events(), 2)
	assert.Len(t, r.Events(WaitlistReleased), 1)
	assert.Empty(t, r.Events(QueuePreCall))
}
