// Package notify tells staff about queue events over Telegram.
package notify

import (
	"context"
	"fmt"
	"strings"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/rs/zerolog"

	"reservo/internal/events"
	"reservo/internal/model"
)

type TelegramSender interface {
	Send(c tgbotapi.Chattable) (tgbotapi.Message, error)
}

type TelegramNotifier struct {
	bot    TelegramSender
	chatID int64
	logger zerolog.Logger
}

func NewTelegramNotifier(bot TelegramSender, chatID int64, logger zerolog.Logger) *TelegramNotifier {
	return &TelegramNotifier{
		bot:    bot,
		chatID: chatID,
		logger: logger.With().Str("component", "notify").Logger(),
	}
}

// Attach subscribes the notifier to the staff-facing events.
func (n *TelegramNotifier) Attach(bus *events.Bus) {
	bus.Subscribe(n.Handle, events.QueuePreCall, events.QueueCalled, events.QueueGraceExpired, events.WaitlistReleased)
}

func (n *TelegramNotifier) Handle(_ context.Context, ev events.Event) error {
	text := Format(ev)
	if text == "" {
		return nil
	}
	msg := tgbotapi.NewMessage(n.chatID, text)
	if _, err := n.bot.Send(msg); err != nil {
		n.logger.Warn().Err(err).
			Str("event", string(ev.Type)).
			Int64("account_id", ev.AccountID).
			Msg("Telegram notification failed")
		return fmt.Errorf("send telegram: %w", err)
	}
	return nil
}

// Format renders the staff message for an event; unknown events render empty.
func Format(ev events.Event) string {
	switch p := ev.Payload.(type) {
	case events.QueueItemPayload:
		it := &p.Item
		switch ev.Type {
		case events.QueuePreCall:
			return fmt.Sprintf("Queue %s is almost up (position %s).", label(it), position(it))
		case events.QueueCalled:
			s := fmt.Sprintf("Queue %s called%s.", label(it), member(it))
			if it.CallExpiresAt != nil {
				s += fmt.Sprintf(" Grace until %s UTC.", it.CallExpiresAt.UTC().Format("15:04"))
			}
			return s
		case events.QueueGraceExpired:
			return fmt.Sprintf("Queue %s did not respond in time: %s.", label(it), strings.ReplaceAll(string(p.Outcome), "_", " "))
		}
	case events.WaitlistPayload:
		if ev.Type == events.WaitlistReleased {
			return fmt.Sprintf("Waitlist entry #%d released for %s.", p.Entry.ID, window(p.FreedFrom, p.FreedTo))
		}
	}
	return ""
}

func label(it *model.QueueItem) string {
	if it.QueueNumber != "" {
		return it.QueueNumber
	}
	return fmt.Sprintf("#%d", it.ID)
}

func position(it *model.QueueItem) string {
	if it.Position == nil {
		return "-"
	}
	return fmt.Sprintf("%d", *it.Position)
}

func member(it *model.QueueItem) string {
	if it.TeamMemberID == nil {
		return ""
	}
	return fmt.Sprintf(" for team member #%d", *it.TeamMemberID)
}

func window(from, to time.Time) string {
	from, to = from.UTC(), to.UTC()
	if from.Format("2006-01-02") == to.Format("2006-01-02") {
		return fmt.Sprintf("%s %s-%s UTC", from.Format("2006-01-02"), from.Format("15:04"), to.Format("15:04"))
	}
	return fmt.Sprintf("%s - %s UTC", from.Format("2006-01-02 15:04"), to.Format("2006-01-02 15:04"))
}
