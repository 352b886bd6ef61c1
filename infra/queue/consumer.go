package queue

import (
	"context"
	"fmt"

	rocketmq "github.com/apache/rocketmq-client-go/v2"
	"github.com/apache/rocketmq-client-go/v2/consumer"
	"github.com/apache/rocketmq-client-go/v2/primitive"
)

type Handler func(context.Context, Message) error

type Consumer struct {
	consumer rocketmq.PushConsumer
}

func NewConsumer(nameServers []string, group string, model consumer.MessageModel) (*Consumer, error) {
	c, err := rocketmq.NewPushConsumer(
		consumer.WithNsResolver(primitive.NewPassthroughResolver(nameServers)),
		consumer.WithGroupName(group),
		consumer.WithConsumerModel(model),
	)
	if err != nil {
		return nil, fmt.Errorf("create consumer: %w", err)
	}

	return &Consumer{consumer: c}, nil
}

func (c *Consumer) Subscribe(topic string, handler Handler) error {
	return c.consumer.Subscribe(topic, consumer.MessageSelector{}, consumeFunc(handler))
}

// consumeFunc adapts handler to a batch callback; the first failing message
// sends the whole batch back for redelivery.
func consumeFunc(handler Handler) func(context.Context, ...*primitive.MessageExt) (consumer.ConsumeResult, error) {
	return func(ctx context.Context, msgs ...*primitive.MessageExt) (consumer.ConsumeResult, error) {
		for _, msg := range msgs {
			id := msg.GetKeys()
			if id == "" {
				id = msg.MsgId
			}
			if err := handler(ctx, Message{ID: id, Payload: msg.Body}); err != nil {
				return consumer.ConsumeRetryLater, err
			}
		}
		return consumer.ConsumeSuccess, nil
	}
}

func (c *Consumer) Start() error {
	return c.consumer.Start()
}

func (c *Consumer) Stop() error {
	return c.consumer.Shutdown()
}
