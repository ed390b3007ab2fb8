// Package config loads the switchyardd server configuration.
//
// Config is read from a YAML file (default /etc/switchyard/config.yaml,
// overridable with --config) and every field has a working default, so a
// daemon started with no file at all is fully functional against local
// backends.
package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Duration is a time.Duration that unmarshals from YAML strings such as
// "30s" or "1m30s".
type Duration time.Duration

// D returns the underlying time.Duration.
func (d Duration) D() time.Duration { return time.Duration(d) }

func (d Duration) String() string { return time.Duration(d).String() }

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *Duration) UnmarshalYAML(node *yaml.Node) error {
	var raw string
	if err := node.Decode(&raw); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("parse duration %q: %w", raw, err)
	}
	*d = Duration(parsed)
	return nil
}

// MarshalYAML implements yaml.Marshaler.
func (d Duration) MarshalYAML() (any, error) {
	return time.Duration(d).String(), nil
}

// Topic strategies for the event publisher.
const (
	TopicPerEventType = "PER_EVENT_TYPE"
	TopicSingle       = "SINGLE_TOPIC"
)

// Broker backends.
const (
	BrokerKafka  = "kafka"
	BrokerMemory = "memory"
)

// Config holds the recognized configuration surface of the daemon.
type Config struct {
	// ListenAddr is the TCP address of the coordinator RPC listener.
	ListenAddr string `yaml:"listen-addr"`
	// GatewayAddr is the transparent pass-through proxy listener.
	// Empty disables the gateway.
	GatewayAddr string `yaml:"gateway-addr"`
	// AdminAddr serves prometheus metrics and health probes.
	// Empty disables the admin listener.
	AdminAddr string `yaml:"admin-addr"`

	// DataRoot holds the event store database.
	DataRoot string `yaml:"data-root"`

	// RedisAddr is the shared TTL-capable registry store.
	RedisAddr string `yaml:"redis-addr"`

	// Broker selects the outbox delivery backend: kafka or memory.
	Broker string `yaml:"broker"`
	// KafkaSeeds are the bootstrap brokers for the kafka backend.
	KafkaSeeds []string `yaml:"kafka-seeds"`

	HeartbeatInterval  Duration `yaml:"heartbeat-interval"`
	HealthTTL          Duration `yaml:"health-ttl"`
	HealthScanInterval Duration `yaml:"health-scan-interval"`
	RegistryStaleness  Duration `yaml:"registry-staleness"`

	RouteDeadline  Duration `yaml:"route-deadline"`
	AppendDeadline Duration `yaml:"append-deadline"`

	PublisherMaxAttempts   int      `yaml:"publisher-max-attempts"`
	PublisherBackoffCeil   Duration `yaml:"publisher-backoff-ceiling"`
	PoisonMessageThreshold int      `yaml:"poison-message-threshold"`

	// SnapshotFrequency is opaque to the core: parsed, surfaced in the
	// daemon status, never acted on by the server.
	SnapshotFrequency int `yaml:"snapshot-frequency"`

	// BrokerTopicStrategy is PER_EVENT_TYPE or SINGLE_TOPIC.
	BrokerTopicStrategy string `yaml:"broker-topic-strategy"`
	// SingleTopic is the topic name under SINGLE_TOPIC.
	SingleTopic string `yaml:"single-topic"`
}

// Default returns the configuration used when no file and no flags are given.
func Default() Config {
	return Config{
		ListenAddr:             "127.0.0.1:7400",
		AdminAddr:              "127.0.0.1:7401",
		DataRoot:               defaultDataRoot(),
		RedisAddr:              "127.0.0.1:6379",
		Broker:                 BrokerMemory,
		HeartbeatInterval:      Duration(30 * time.Second),
		HealthTTL:              Duration(90 * time.Second),
		HealthScanInterval:     Duration(5 * time.Second),
		RegistryStaleness:      Duration(2 * time.Second),
		RouteDeadline:          Duration(5 * time.Second),
		AppendDeadline:         Duration(15 * time.Second),
		PublisherMaxAttempts:   10,
		PublisherBackoffCeil:   Duration(30 * time.Second),
		PoisonMessageThreshold: 3,
		BrokerTopicStrategy:    TopicPerEventType,
		SingleTopic:            "switchyard-events",
	}
}

// Load reads path and overlays it on Default. A missing file is not an
// error; a malformed one is.
func Load(path string) (Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return cfg, nil
		}
		return Config{}, fmt.Errorf("read config: %w", err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate rejects configurations the daemon cannot run with.
func (c Config) Validate() error {
	if c.ListenAddr == "" {
		return fmt.Errorf("listen-addr is required")
	}
	if c.HeartbeatInterval <= 0 {
		return fmt.Errorf("heartbeat-interval must be positive")
	}
	if c.HealthTTL < c.HeartbeatInterval {
		return fmt.Errorf("health-ttl must be at least heartbeat-interval")
	}
	if c.HealthScanInterval <= 0 {
		return fmt.Errorf("health-scan-interval must be positive")
	}
	if c.RegistryStaleness <= 0 {
		return fmt.Errorf("registry-staleness must be positive")
	}
	if c.PublisherMaxAttempts <= 0 {
		return fmt.Errorf("publisher-max-attempts must be positive")
	}
	switch c.BrokerTopicStrategy {
	case TopicPerEventType, TopicSingle:
	default:
		return fmt.Errorf("broker-topic-strategy must be %s or %s", TopicPerEventType, TopicSingle)
	}
	switch c.Broker {
	case BrokerKafka:
		if len(c.KafkaSeeds) == 0 {
			return fmt.Errorf("kafka-seeds are required with the kafka broker")
		}
	case BrokerMemory:
	default:
		return fmt.Errorf("broker must be %s or %s", BrokerKafka, BrokerMemory)
	}
	return nil
}

// StreamIdleTimeout is the inactivity window after which the server
// terminates a health stream: 3 heartbeat intervals.
func (c Config) StreamIdleTimeout() time.Duration {
	return 3 * c.HeartbeatInterval.D()
}

func defaultDataRoot() string {
	if dir := os.Getenv("SWITCHYARD_DATA"); dir != "" {
		return dir
	}
	return "/var/lib/switchyard"
}
