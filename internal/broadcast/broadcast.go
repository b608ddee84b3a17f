// Package broadcast pushes queue position snapshots to real-time channels.
package broadcast

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	pubnub "github.com/pubnub/go/v7"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"reservo/internal/events"
)

// Message is the wire form of a snapshot.
type Message struct {
	Type        string            `json:"type"`
	AccountID   int64             `json:"account_id"`
	Items       []events.Position `json:"items"`
	PublishedAt time.Time         `json:"published_at"`
}

// Sink delivers one message to one channel.
type Sink interface {
	Send(ctx context.Context, channel string, msg Message) error
}

type Broadcaster struct {
	sink    Sink
	channel func(accountID int64) string
	now     func() time.Time
	logger  zerolog.Logger
}

func newBroadcaster(sink Sink, channel func(int64) string, driver string, logger zerolog.Logger) *Broadcaster {
	return &Broadcaster{
		sink:    sink,
		channel: channel,
		now:     time.Now,
		logger:  logger.With().Str("component", "broadcast").Str("driver", driver).Logger(),
	}
}

// NewRedis publishes on "{prefix}:{account}".
func NewRedis(client redis.UniversalClient, prefix string, logger zerolog.Logger) *Broadcaster {
	return newBroadcaster(&redisSink{client: client}, func(id int64) string {
		return fmt.Sprintf("%s:%d", prefix, id)
	}, "redis", logger)
}

// NewPubNub publishes on "{prefix}-{account}".
func NewPubNub(pn *pubnub.PubNub, prefix string, logger zerolog.Logger) *Broadcaster {
	return newBroadcaster(&pubnubSink{pn: pn}, func(id int64) string {
		return fmt.Sprintf("%s-%d", prefix, id)
	}, "pubnub", logger)
}

// NewPubNubClient builds a publish-only client.
func NewPubNubClient(publishKey, subscribeKey, userID string) *pubnub.PubNub {
	cfg := pubnub.NewConfigWithUserId(pubnub.UserId(userID))
	cfg.PublishKey = publishKey
	cfg.SubscribeKey = subscribeKey
	return pubnub.NewPubNub(cfg)
}

func (b *Broadcaster) WithClock(now func() time.Time) *Broadcaster {
	b.now = now
	return b
}

func (b *Broadcaster) Channel(accountID int64) string { return b.channel(accountID) }

// Attach subscribes the broadcaster to position snapshots on the bus.
func (b *Broadcaster) Attach(bus *events.Bus) {
	bus.Subscribe(b.Handle, events.QueuePositions)
}

// Handle is an events.Handler. Delivery errors are logged and returned to the bus, which only logs them.
func (b *Broadcaster) Handle(ctx context.Context, ev events.Event) error {
	if ev.Type != events.QueuePositions {
		return nil
	}
	payload, ok := ev.Payload.(events.PositionsPayload)
	if !ok {
		return fmt.Errorf("unexpected payload %T", ev.Payload)
	}

	msg := Message{
		Type:        string(ev.Type),
		AccountID:   ev.AccountID,
		Items:       payload.Items,
		PublishedAt: b.now().UTC(),
	}
	channel := b.channel(ev.AccountID)
	if err := b.sink.Send(ctx, channel, msg); err != nil {
		b.logger.Warn().Err(err).
			Int64("account_id", ev.AccountID).
			Str("channel", channel).
			Msg("Queue broadcast failed")
		return err
	}
	b.logger.Debug().Int64("account_id", ev.AccountID).Int("items", len(msg.Items)).Msg("Queue positions broadcast")
	return nil
}

type redisSink struct {
	client redis.UniversalClient
}

func (s *redisSink) Send(ctx context.Context, channel string, msg Message) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal: %w", err)
	}
	return s.client.Publish(ctx, channel, data).Err()
}

type pubnubSink struct {
	pn *pubnub.PubNub
}

func (s *pubnubSink) Send(_ context.Context, channel string, msg Message) error {
	_, _, err := s.pn.Publish().Channel(channel).Message(msg).Execute()
	return err
}
