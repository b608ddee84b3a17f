package notify

import (
	"context"
	"errors"
	"io"
	"testing"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"reservo/internal/events"
	"reservo/internal/model"
)

type MockTelegramSender struct {
	mock.Mock
}

func (m *MockTelegramSender) Send(c tgbotapi.Chattable) (tgbotapi.Message, error) {
	args := m.Called(c)
	return tgbotapi.Message{}, args.Error(0)
}

func TestFormat(t *testing.T) {
	expires := time.Date(2026, 3, 2, 9, 5, 0, 0, time.UTC)
	pos := 1
	item := model.QueueItem{ID: 9, QueueNumber: "T-0302-001", TeamMemberID: model.Int64Ptr(3), CallExpiresAt: &expires, Position: &pos}

	tests := []struct {
		name string
		ev   events.Event
		want string
	}{
		{
			name: "called",
			ev:   events.Event{Type: events.QueueCalled, Payload: events.QueueItemPayload{Item: item}},
			want: "Queue T-0302-001 called for team member #3. Grace until 09:05 UTC.",
		},
		{
			name: "pre call",
			ev:   events.Event{Type: events.QueuePreCall, Payload: events.QueueItemPayload{Item: item}},
			want: "Queue T-0302-001 is almost up (position 1).",
		},
		{
			name: "grace expired appointment",
			ev: events.Event{Type: events.QueueGraceExpired, Payload: events.QueueItemPayload{
				Item: model.QueueItem{ID: 4}, Outcome: model.QueueNoShow,
			}},
			want: "Queue #4 did not respond in time: no show.",
		},
		{
			name: "waitlist",
			ev: events.Event{Type: events.WaitlistReleased, Payload: events.WaitlistPayload{
				Entry:     model.WaitlistEntry{ID: 5},
				FreedFrom: time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC),
				FreedTo:   time.Date(2026, 3, 2, 11, 0, 0, 0, time.UTC),
			}},
			want: "Waitlist entry #5 released for 2026-03-02 10:00-11:00 UTC.",
		},
		{
			name: "ignored",
			ev:   events.Event{Type: events.ReservationCreated, Payload: events.ReservationPayload{}},
			want: "",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Format(tt.ev))
		})
	}
}

func TestTelegramNotifier_SendsToStaffChat(t *testing.T) {
	bot := new(MockTelegramSender)
	bot.On("Send", mock.MatchedBy(func(c tgbotapi.Chattable) bool {
		msg, ok := c.(tgbotapi.MessageConfig)
		return ok && msg.ChatID == 42 && msg.Text == "Queue T-0302-002 called."
	})).Return(nil).Once()

	n := NewTelegramNotifier(bot, 42, zerolog.New(io.Discard))
	bus := events.NewBus(zerolog.New(io.Discard))
	n.Attach(bus)

	bus.Publish(context.Background(), events.Event{
		Type:    events.QueueCalled,
		Payload: events.QueueItemPayload{Item: model.QueueItem{QueueNumber: "T-0302-002"}},
	})
	bus.Publish(context.Background(), events.Event{Type: events.QueuePositions, Payload: events.PositionsPayload{}})

	bot.AssertExpectations(t)
}

func TestTelegramNotifier_ReportsFailure(t *testing.T) {
	bot := new(MockTelegramSender)
	bot.On("Send", mock.Anything).Return(errors.New("bad gateway"))

	n := NewTelegramNotifier(bot, 42, zerolog.New(io.Discard))
	err := n.Handle(context.Background(), events.Event{
		Type:    events.QueueCalled,
		Payload: events.QueueItemPayload{Item: model.QueueItem{ID: 1}},
	})
	require.Error(t, err)
}
