package queue

import (
	"context"
	"encoding/json"
	"fmt"

	"assistant-relay/pkg/relay"
)

type sender interface {
	Send(ctx context.Context, topic string, msg Message) error
}

// RelayEventPublisher ships finished relay sessions to RocketMQ.
type RelayEventPublisher struct {
	producer sender
	topic    string
}

func NewRelayEventPublisher(p *Producer, topic string) *RelayEventPublisher {
	return &RelayEventPublisher{producer: p, topic: topic}
}

func (p *RelayEventPublisher) Publish(ctx context.Context, ev relay.Event) error {
	payload, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("encode relay event: %w", err)
	}
	// one event per session, so the session ID doubles as the dedupe key
	return p.producer.Send(ctx, p.topic, NewKeyedMessage(ev.SessionID, payload))
}

// DecodeRelayEvent is the consumer-side inverse of Publish.
func DecodeRelayEvent(msg Message) (relay.Event, error) {
	var ev relay.Event
	if err := json.Unmarshal(msg.Payload, &ev); err != nil {
		return relay.Event{}, fmt.Errorf("decode relay event %s: %w", msg.ID, err)
	}
	return ev, nil
}
