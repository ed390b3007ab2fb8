package broker

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"
)

func TestMemoryPublishAndSubscribe(t *testing.T) {
	m := NewMemory()
	t.Cleanup(func() { _ = m.Close() })
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	ch := m.Subscribe(ctx, "orders")
	for i := 0; i < 3; i++ {
		msg := Message{Topic: "orders", Key: "order-1", Value: []byte(fmt.Sprintf("ev-%d", i))}
		if err := m.Publish(ctx, msg); err != nil {
			t.Fatalf("publish: %v", err)
		}
	}

	for i := 0; i < 3; i++ {
		select {
		case msg := <-ch:
			if string(msg.Value) != fmt.Sprintf("ev-%d", i) {
				t.Fatalf("message %d out of order: %s", i, msg.Value)
			}
		case <-time.After(time.Second):
			t.Fatalf("timed out waiting for message %d", i)
		}
	}
}

func TestMemoryReplayForLateSubscriber(t *testing.T) {
	m := NewMemory()
	t.Cleanup(func() { _ = m.Close() })
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := m.Publish(ctx, Message{Topic: "orders", Key: "k", Value: []byte("early")}); err != nil {
		t.Fatalf("publish: %v", err)
	}

	ch := m.Subscribe(ctx, "orders")
	select {
	case msg := <-ch:
		if string(msg.Value) != "early" {
			t.Fatalf("unexpected replayed message: %s", msg.Value)
		}
	case <-time.After(time.Second):
		t.Fatal("late subscriber got no replay")
	}
}

func TestMemoryFailNext(t *testing.T) {
	m := NewMemory()
	t.Cleanup(func() { _ = m.Close() })
	boom := errors.New("boom")
	m.FailNext(2, boom)

	ctx := context.Background()
	for i := 0; i < 2; i++ {
		if err := m.Publish(ctx, Message{Topic: "t"}); !errors.Is(err, boom) {
			t.Fatalf("publish %d: expected injected failure, got %v", i, err)
		}
	}
	if err := m.Publish(ctx, Message{Topic: "t"}); err != nil {
		t.Fatalf("publish after failures: %v", err)
	}
	if got := len(m.Published("t")); got != 1 {
		t.Fatalf("published log has %d records, want 1", got)
	}
}
