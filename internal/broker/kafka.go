package broker

import (
	"context"
	"fmt"

	"github.com/twmb/franz-go/pkg/kgo"
)

// Kafka publishes through a franz-go client. Records are keyed, so
// Kafka's partitioner keeps per-key ordering; acks wait for the full
// in-sync replica set.
type Kafka struct {
	client *kgo.Client
}

func NewKafka(seeds []string) (*Kafka, error) {
	client, err := kgo.NewClient(
		kgo.SeedBrokers(seeds...),
		kgo.RequiredAcks(kgo.AllISRAcks()),
		kgo.ProducerBatchCompression(kgo.SnappyCompression()),
	)
	if err != nil {
		return nil, fmt.Errorf("create kafka client: %w", err)
	}
	return &Kafka{client: client}, nil
}

func (k *Kafka) Publish(ctx context.Context, msg Message) error {
	rec := &kgo.Record{
		Topic: msg.Topic,
		Key:   []byte(msg.Key),
		Value: msg.Value,
	}
	for name, value := range msg.Headers {
		rec.Headers = append(rec.Headers, kgo.RecordHeader{Key: name, Value: []byte(value)})
	}
	if err := k.client.ProduceSync(ctx, rec).FirstErr(); err != nil {
		return fmt.Errorf("produce to %q: %w", msg.Topic, err)
	}
	return nil
}

func (k *Kafka) Close() error {
	k.client.Close()
	return nil
}
