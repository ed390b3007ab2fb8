package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoadMissingFileUsesDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.ListenAddr != "127.0.0.1:7400" {
		t.Errorf("ListenAddr = %q", cfg.ListenAddr)
	}
	if cfg.HeartbeatInterval.D() != 30*time.Second {
		t.Errorf("HeartbeatInterval = %s", cfg.HeartbeatInterval)
	}
	if cfg.Broker != BrokerMemory {
		t.Errorf("Broker = %q", cfg.Broker)
	}
}

func TestLoadOverlaysFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	data := `
listen-addr: 0.0.0.0:9000
heartbeat-interval: 10s
health-ttl: 45s
broker: kafka
kafka-seeds: [localhost:9092]
broker-topic-strategy: SINGLE_TOPIC
single-topic: all-events
`
	if err := os.WriteFile(path, []byte(data), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.ListenAddr != "0.0.0.0:9000" {
		t.Errorf("ListenAddr = %q", cfg.ListenAddr)
	}
	if cfg.HeartbeatInterval.D() != 10*time.Second {
		t.Errorf("HeartbeatInterval = %s", cfg.HeartbeatInterval)
	}
	if cfg.HealthTTL.D() != 45*time.Second {
		t.Errorf("HealthTTL = %s", cfg.HealthTTL)
	}
	if cfg.SingleTopic != "all-events" {
		t.Errorf("SingleTopic = %q", cfg.SingleTopic)
	}
	// Untouched fields keep their defaults.
	if cfg.PublisherMaxAttempts != 10 {
		t.Errorf("PublisherMaxAttempts = %d", cfg.PublisherMaxAttempts)
	}
}

func TestLoadRejectsInvalid(t *testing.T) {
	cases := []struct {
		name string
		yaml string
	}{
		{"ttl below heartbeat", "heartbeat-interval: 30s\nhealth-ttl: 10s\n"},
		{"kafka without seeds", "broker: kafka\n"},
		{"unknown strategy", "broker-topic-strategy: ROUND_ROBIN\n"},
		{"bad duration", "heartbeat-interval: soon\n"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			path := filepath.Join(t.TempDir(), "config.yaml")
			if err := os.WriteFile(path, []byte(tc.yaml), 0o600); err != nil {
				t.Fatalf("write config: %v", err)
			}
			if _, err := Load(path); err == nil {
				t.Fatal("expected error")
			}
		})
	}
}

func TestStreamIdleTimeout(t *testing.T) {
	cfg := Default()
	if got := cfg.StreamIdleTimeout(); got != 90*time.Second {
		t.Errorf("StreamIdleTimeout = %s", got)
	}
}
