package queue

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/apache/rocketmq-client-go/v2/consumer"
	"github.com/apache/rocketmq-client-go/v2/primitive"

	"assistant-relay/pkg/relay"
)

type fakeRocket struct {
	sent   []*primitive.Message
	status primitive.SendStatus
	err    error
}

func (f *fakeRocket) SendSync(_ context.Context, msgs ...*primitive.Message) (*primitive.SendResult, error) {
	f.sent = append(f.sent, msgs...)
	if f.err != nil {
		return nil, f.err
	}
	return &primitive.SendResult{Status: f.status}, nil
}

func (f *fakeRocket) Shutdown() error { return nil }

func TestRelayEventPublisher_RoundTrip(t *testing.T) {
	rocket := &fakeRocket{status: primitive.SendOK}
	pub := NewRelayEventPublisher(&Producer{producer: rocket}, "relay_event")

	ev := relay.Event{
		SessionID:  "4b8e",
		Kind:       relay.KindChat,
		UserID:     7,
		State:      "completed",
		Bytes:      128,
		StartedAt:  time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC),
		DurationMS: 900,
	}
	if err := pub.Publish(context.Background(), ev); err != nil {
		t.Fatalf("Publish: %v", err)
	}
	if len(rocket.sent) != 1 {
		t.Fatalf("sent=%d", len(rocket.sent))
	}
	m := rocket.sent[0]
	if m.Topic != "relay_event" || m.GetKeys() != "4b8e" {
		t.Fatalf("topic=%q keys=%q", m.Topic, m.GetKeys())
	}

	got, err := DecodeRelayEvent(Message{ID: m.GetKeys(), Payload: m.Body})
	if err != nil {
		t.Fatalf("DecodeRelayEvent: %v", err)
	}
	if !got.StartedAt.Equal(ev.StartedAt) {
		t.Fatalf("started_at=%v", got.StartedAt)
	}
	got.StartedAt = ev.StartedAt
	if got != ev {
		t.Fatalf("got %+v, want %+v", got, ev)
	}
}

func TestProducer_SendFailures(t *testing.T) {
	brokerErr := errors.New("no route info")
	tests := []struct {
		name   string
		rocket *fakeRocket
	}{
		{"transport error", &fakeRocket{err: brokerErr}},
		{"not ok status", &fakeRocket{status: primitive.SendFlushDiskTimeout}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := &Producer{producer: tt.rocket}
			if err := p.Send(context.Background(), "t", NewMessage([]byte("x"))); err == nil {
				t.Fatalf("expected error")
			}
		})
	}
}

func TestConsumeFunc(t *testing.T) {
	withKey := &primitive.MessageExt{Message: primitive.Message{Body: []byte("a")}, MsgId: "m1"}
	withKey.WithKeys([]string{"k1"})
	noKey := &primitive.MessageExt{Message: primitive.Message{Body: []byte("b")}, MsgId: "m2"}

	var seen []Message
	fn := consumeFunc(func(_ context.Context, m Message) error {
		seen = append(seen, m)
		return nil
	})
	res, err := fn(context.Background(), withKey, noKey)
	if err != nil || res != consumer.ConsumeSuccess {
		t.Fatalf("res=%v err=%v", res, err)
	}
	if len(seen) != 2 || seen[0].ID != "k1" || seen[1].ID != "m2" || string(seen[1].Payload) != "b" {
		t.Fatalf("seen=%+v", seen)
	}

	fail := consumeFunc(func(context.Context, Message) error { return errors.New("boom") })
	if res, err := fail(context.Background(), noKey); err == nil || res != consumer.ConsumeRetryLater {
		t.Fatalf("res=%v err=%v", res, err)
	}
}

func TestDecodeRelayEvent_Malformed(t *testing.T) {
	if _, err := DecodeRelayEvent(Message{ID: "x", Payload: []byte("{")}); err == nil {
		t.Fatalf("expected error")
	}
}

func TestNewKeyedMessage(t *testing.T) {
	if m := NewKeyedMessage("s-1", []byte("p")); m.ID != "s-1" {
		t.Fatalf("id=%q", m.ID)
	}
	a, b := NewMessage(nil), NewMessage(nil)
	if a.ID == "" || a.ID == b.ID {
		t.Fatalf("random ids %q %q", a.ID, b.ID)
	}
}
