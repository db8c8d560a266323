package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"log"

	"github.com/apache/rocketmq-client-go/v2"
	"github.com/apache/rocketmq-client-go/v2/consumer"
	"github.com/apache/rocketmq-client-go/v2/primitive"
)

// Handler processes one task. Returning an error requeues the message for
// redelivery; the handler itself decides when a failure is permanent and
// records it before returning nil.
type Handler func(ctx context.Context, task Task) error

// Consumer pulls tasks from the broker and hands them to a Handler.
type Consumer struct {
	mq rocketmq.PushConsumer
}

func NewConsumer(nameServers []string, group, topic string, handle Handler) (*Consumer, error) {
	mq, err := rocketmq.NewPushConsumer(
		consumer.WithNsResolver(primitive.NewPassthroughResolver(nameServers)),
		consumer.WithGroupName(group),
		consumer.WithConsumerModel(consumer.Clustering),
	)
	if err != nil {
		return nil, fmt.Errorf("creating task consumer: %w", err)
	}

	err = mq.Subscribe(topic, consumer.MessageSelector{}, func(ctx context.Context, msgs ...*primitive.MessageExt) (consumer.ConsumeResult, error) {
		for _, msg := range msgs {
			var task Task
			if err := json.Unmarshal(msg.Body, &task); err != nil {
				// A malformed message never becomes parseable; drop it.
				log.Printf("queue: dropping unparseable message %s: %v", msg.MsgId, err)
				continue
			}
			if err := handle(ctx, task); err != nil {
				log.Printf("queue: task for job %s failed, requeueing: %v", task.JobID, err)
				return consumer.ConsumeRetryLater, nil
			}
		}
		return consumer.ConsumeSuccess, nil
	})
	if err != nil {
		return nil, fmt.Errorf("subscribing to %s: %w", topic, err)
	}
	return &Consumer{mq: mq}, nil
}

func (c *Consumer) Start() error {
	return c.mq.Start()
}

func (c *Consumer) Close() error {
	return c.mq.Shutdown()
}
