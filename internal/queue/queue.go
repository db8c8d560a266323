package queue

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/apache/rocketmq-client-go/v2"
	"github.com/apache/rocketmq-client-go/v2/primitive"
	"github.com/apache/rocketmq-client-go/v2/producer"

	"mediatrans/internal/metrics"
)

// Task is the message handed from the API to the worker pool. It carries
// only the job ID; workers load the authoritative state from the database.
type Task struct {
	JobID string `json:"job_id"`
	Kind  string `json:"kind"`
}

// Enqueuer publishes processing tasks.
type Enqueuer interface {
	Enqueue(ctx context.Context, task Task) error
}

// Producer publishes tasks to the broker topic.
type Producer struct {
	mq    rocketmq.Producer
	topic string
}

func NewProducer(nameServers []string, group, topic string) (*Producer, error) {
	mq, err := rocketmq.NewProducer(
		producer.WithNsResolver(primitive.NewPassthroughResolver(nameServers)),
		producer.WithGroupName(group),
		producer.WithRetry(2),
	)
	if err != nil {
		return nil, fmt.Errorf("creating task producer: %w", err)
	}
	if err := mq.Start(); err != nil {
		return nil, fmt.Errorf("starting task producer: %w", err)
	}
	return &Producer{mq: mq, topic: topic}, nil
}

func (p *Producer) Enqueue(ctx context.Context, task Task) error {
	body, err := json.Marshal(task)
	if err != nil {
		return fmt.Errorf("marshaling task: %w", err)
	}
	msg := primitive.NewMessage(p.topic, body)
	msg.WithKeys([]string{task.JobID})
	if _, err := p.mq.SendSync(ctx, msg); err != nil {
		metrics.Get().QueuePublishTotal.WithLabelValues("error").Inc()
		return fmt.Errorf("publishing task for job %s: %w", task.JobID, err)
	}
	metrics.Get().QueuePublishTotal.WithLabelValues("ok").Inc()
	return nil
}

func (p *Producer) Close() error {
	return p.mq.Shutdown()
}
