// Package broker abstracts the topic broker the outbox publisher
// delivers into. Two backends exist: Kafka (franz-go) for production
// and an in-process broker for tests and single-node development.
package broker

import "context"

// Message is one published record. Key is the partition key; records
// sharing a key are delivered to consumers in publish order.
type Message struct {
	Topic   string
	Key     string
	Value   []byte
	Headers map[string]string
}

// Broker publishes records. Publish returns only after the backend has
// acknowledged the record (or refused it).
type Broker interface {
	Publish(ctx context.Context, msg Message) error
	Close() error
}
