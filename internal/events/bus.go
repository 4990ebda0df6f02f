// Package events fans turn events out to every listener of a session.
package events

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"
	"github.com/rs/zerolog/log"

	"github.com/xiaot623/gogo/turnrouter/internal/domain"
)

const outputBuffer = 64

// Topic is the topic carrying the events of one session.
func Topic(sessionID string) string {
	return "turns." + sessionID
}

// Bus is an in-process pub/sub of TurnEvents keyed by session.
type Bus struct {
	pubsub *gochannel.GoChannel
}

// NewBus creates a bus. Events published with no subscriber are dropped.
// Publish waits for every subscriber to take the event, which keeps each
// subscription in publish order.
func NewBus() *Bus {
	return &Bus{
		pubsub: gochannel.NewGoChannel(gochannel.Config{
			OutputChannelBuffer:            outputBuffer,
			BlockPublishUntilSubscriberAck: true,
		}, NewLogger()),
	}
}

// Publish sends ev to the subscribers of its session.
func (b *Bus) Publish(ctx context.Context, ev domain.TurnEvent) error {
	payload, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}
	msg := message.NewMessage(watermill.NewUUID(), payload)
	msg.SetContext(ctx)
	if err := b.pubsub.Publish(Topic(ev.SessionID), msg); err != nil {
		return fmt.Errorf("failed to publish event: %w", err)
	}
	return nil
}

// Subscribe streams the events of sessionID until ctx is done. The returned
// channel is closed afterwards.
func (b *Bus) Subscribe(ctx context.Context, sessionID string) (<-chan domain.TurnEvent, error) {
	messages, err := b.pubsub.Subscribe(ctx, Topic(sessionID))
	if err != nil {
		return nil, fmt.Errorf("failed to subscribe to %s: %w", sessionID, err)
	}

	out := make(chan domain.TurnEvent, outputBuffer)
	go func() {
		defer close(out)
		for msg := range messages {
			var ev domain.TurnEvent
			if err := json.Unmarshal(msg.Payload, &ev); err != nil {
				log.Warn().Err(err).Str("session_id", sessionID).Msg("failed to decode turn event")
				msg.Ack()
				continue
			}
			msg.Ack()
			select {
			case out <- ev:
			case <-ctx.Done():
				return
			}
		}
	}()
	return out, nil
}

// Close stops the bus and closes every subscription.
func (b *Bus) Close() error {
	return b.pubsub.Close()
}
