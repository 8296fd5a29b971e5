package queue

import (
	"context"
	"testing"
	"time"
)

func TestNoopNotifier(t *testing.T) {
	n := NewNoopNotifier()
	defer n.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	ch := n.Subscribe(ctx, "orders")
	if ch == nil {
		t.Fatal("Subscribe should return non-nil channel")
	}

	if err := n.Notify(ctx, "orders"); err != nil {
		t.Fatalf("Notify should not return error: %v", err)
	}

	select {
	case <-ch:
		t.Fatal("NoopNotifier should never send notifications")
	case <-time.After(10 * time.Millisecond):
		// expected
	}
}

func TestChannelNotifier_NotifyAndSubscribe(t *testing.T) {
	n := NewChannelNotifier()
	defer n.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	ch := n.Subscribe(ctx, "orders")
	if ch == nil {
		t.Fatal("Subscribe should return non-nil channel")
	}

	if err := n.Notify(ctx, "orders"); err != nil {
		t.Fatalf("Notify failed: %v", err)
	}

	select {
	case <-ch:
		// success
	case <-time.After(time.Second):
		t.Fatal("expected notification on subscribe channel")
	}
}

func TestChannelNotifier_SeparateQueues(t *testing.T) {
	n := NewChannelNotifier()
	defer n.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	ordersCh := n.Subscribe(ctx, "orders")
	paymentsCh := n.Subscribe(ctx, "payments")

	if err := n.Notify(ctx, "orders"); err != nil {
		t.Fatalf("Notify failed: %v", err)
	}

	select {
	case <-ordersCh:
		// expected
	case <-time.After(time.Second):
		t.Fatal("expected notification on orders channel")
	}

	select {
	case <-paymentsCh:
		t.Fatal("payments channel should not have received a notification")
	case <-time.After(10 * time.Millisecond):
		// expected
	}
}

func TestChannelNotifier_CloseUnblocksSubscribers(t *testing.T) {
	n := NewChannelNotifier()
	ctx := context.Background()
	ch := n.Subscribe(ctx, "orders")

	if err := n.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}

	select {
	case _, ok := <-ch:
		if ok {
			t.Fatal("expected channel to be closed, got a value")
		}
	case <-time.After(time.Second):
		t.Fatal("expected channel to be closed after Close")
	}
}
