package notify

import (
	"context"

	"github.com/your-org/mediamigrate/pkg/kafka"
)

// KafkaPublisher keys every message by run ID so a run's events stay ordered
// within one partition.
type KafkaPublisher struct {
	producer *kafka.Producer
}

func NewKafkaPublisher(producer *kafka.Producer) *KafkaPublisher {
	return &KafkaPublisher{producer: producer}
}

func (p *KafkaPublisher) Publish(ctx context.Context, env Envelope) error {
	return p.producer.PublishJSON(ctx, env.RunID, env, map[string]string{
		"event-type": env.Type,
		"event-id":   env.ID,
	})
}

func (p *KafkaPublisher) Close() error {
	return p.producer.Close(context.Background())
}
