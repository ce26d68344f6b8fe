package queue

import (
	"context"
	"errors"
	"os"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
)

func TestMemoryQueueDeliversPayloads(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	q := NewMemoryQueue(8)
	var received atomic.Int32
	done := make(chan error, 1)
	go func() {
		done <- q.Consume(ctx, 2, func(_ context.Context, payload []byte) error {
			if string(payload) != "activate" {
				t.Errorf("unexpected payload %q", payload)
			}
			received.Add(1)
			return nil
		})
	}()

	for i := 0; i < 5; i++ {
		if err := q.Publish(ctx, []byte("activate")); err != nil {
			t.Fatalf("Publish: %v", err)
		}
	}
	deadline := time.After(2 * time.Second)
	for received.Load() < 5 {
		select {
		case <-deadline:
			t.Fatalf("only %d messages consumed", received.Load())
		case <-time.After(10 * time.Millisecond):
		}
	}

	if err := q.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if err := <-done; !errors.Is(err, ErrClosed) {
		t.Fatalf("expected ErrClosed after close, got %v", err)
	}
	if err := q.Publish(ctx, []byte("late")); !errors.Is(err, ErrClosed) {
		t.Fatalf("expected publish after close to fail, got %v", err)
	}
}

func TestRedisQueueRoundTrip(t *testing.T) {
	addr := os.Getenv("CHAINHOST_TEST_REDIS")
	if addr == "" {
		t.Skip("CHAINHOST_TEST_REDIS not set")
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	q, err := NewRedisQueue(ctx, RedisConfig{Address: addr, Queue: "chainhost:test:" + uuid.NewString(), BlockWait: time.Second})
	if err != nil {
		t.Fatalf("NewRedisQueue: %v", err)
	}
	defer q.Close()

	got := make(chan string, 1)
	go func() {
		_ = q.Consume(ctx, 1, func(_ context.Context, payload []byte) error {
			got <- string(payload)
			return nil
		})
	}()
	if err := q.Publish(ctx, []byte("hello")); err != nil {
		t.Fatalf("Publish: %v", err)
	}
	select {
	case v := <-got:
		if v != "hello" {
			t.Fatalf("unexpected payload %q", v)
		}
	case <-ctx.Done():
		t.Fatalf("timed out waiting for message")
	}
}

func TestRabbitMQQueueRoundTrip(t *testing.T) {
	url := os.Getenv("CHAINHOST_TEST_AMQP")
	if url == "" {
		t.Skip("CHAINHOST_TEST_AMQP not set")
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	q, err := NewRabbitMQQueue(RabbitMQConfig{URL: url, Queue: "chainhost.test." + uuid.NewString(), AutoDelete: true})
	if err != nil {
		t.Fatalf("NewRabbitMQQueue: %v", err)
	}
	defer q.Close()

	got := make(chan string, 1)
	go func() {
		_ = q.Consume(ctx, 1, func(_ context.Context, payload []byte) error {
			got <- string(payload)
			return nil
		})
	}()
	if err := q.Publish(ctx, []byte(`{"plugins":["chainhost/network"]}`)); err != nil {
		t.Fatalf("Publish: %v", err)
	}
	select {
	case v := <-got:
		if v != `{"plugins":["chainhost/network"]}` {
			t.Fatalf("unexpected payload %q", v)
		}
	case <-ctx.Done():
		t.Fatalf("timed out waiting for message")
	}
}
