package admin

import (
	"context"
	"testing"
	"time"

	"github.com/relaybroker/relay/internal/dispatcher"
	"github.com/relaybroker/relay/internal/store"
)

func TestCreateQueue_StartsDispatcherAndPublishFansOut(t *testing.T) {
	s := store.NewMemoryStore()
	svc := New(s, nil, nil, dispatcher.Config{TickInterval: time.Hour})

	w, err := svc.CreateWorker(context.Background(), CreateWorkerRequest{Name: "w1", Endpoint: "http://example.test/hook", RPS: 5})
	if err != nil {
		t.Fatalf("create worker: %v", err)
	}

	q, err := svc.CreateQueue(context.Background(), CreateQueueRequest{Name: "orders", Pattern: "order.*", WorkerID: w.ID})
	if err != nil {
		t.Fatalf("create queue: %v", err)
	}
	defer svc.Shutdown()

	msgID, n, err := svc.Publish(context.Background(), PublishRequest{ID: "msg-1", RoutingKey: "order.created", Body: []byte(`{"id":1}`)})
	if err != nil {
		t.Fatalf("publish: %v", err)
	}
	if msgID == "" {
		t.Fatal("expected non-empty message id")
	}
	if n != 1 {
		t.Fatalf("expected 1 delivery, got %d", n)
	}

	deliveries, err := svc.ListDeliveries(context.Background(), q.Name, 10)
	if err != nil {
		t.Fatalf("list deliveries: %v", err)
	}
	if len(deliveries) != 1 {
		t.Fatalf("expected 1 pending delivery, got %d", len(deliveries))
	}
}

func TestPublish_NoMatchingQueueProducesZeroDeliveries(t *testing.T) {
	s := store.NewMemoryStore()
	svc := New(s, nil, nil, dispatcher.Config{})

	w, _ := svc.CreateWorker(context.Background(), CreateWorkerRequest{Name: "w1", Endpoint: "http://example.test/hook"})
	if _, err := svc.CreateQueue(context.Background(), CreateQueueRequest{Name: "payments", Pattern: "payment.*", WorkerID: w.ID}); err != nil {
		t.Fatalf("create queue: %v", err)
	}
	defer svc.Shutdown()

	_, n, err := svc.Publish(context.Background(), PublishRequest{ID: "msg-1", RoutingKey: "order.created", Body: []byte(`{}`)})
	if err != nil {
		t.Fatalf("publish: %v", err)
	}
	if n != 0 {
		t.Fatalf("expected 0 deliveries for unmatched routing key, got %d", n)
	}
}

func TestPublish_DuplicateIDIsRejected(t *testing.T) {
	s := store.NewMemoryStore()
	svc := New(s, nil, nil, dispatcher.Config{})

	w, _ := svc.CreateWorker(context.Background(), CreateWorkerRequest{Name: "w1", Endpoint: "http://example.test/hook"})
	if _, err := svc.CreateQueue(context.Background(), CreateQueueRequest{Name: "orders", Pattern: "*", WorkerID: w.ID}); err != nil {
		t.Fatalf("create queue: %v", err)
	}
	defer svc.Shutdown()

	if _, _, err := svc.Publish(context.Background(), PublishRequest{ID: "dup", RoutingKey: "order.created", Body: []byte(`{}`)}); err != nil {
		t.Fatalf("first publish: %v", err)
	}
	if _, _, err := svc.Publish(context.Background(), PublishRequest{ID: "dup", RoutingKey: "order.created", Body: []byte(`{}`)}); err == nil {
		t.Fatal("expected error republishing a duplicate id")
	}
}

// TestDestroyWorker_CascadesToBoundQueues exercises spec's worker-destruction
// cascade: destroying a worker destroys every queue still bound to it,
// including stopping its dispatcher, rather than rejecting the deletion.
func TestDestroyWorker_CascadesToBoundQueues(t *testing.T) {
	s := store.NewMemoryStore()
	svc := New(s, nil, nil, dispatcher.Config{TickInterval: time.Hour})

	w, _ := svc.CreateWorker(context.Background(), CreateWorkerRequest{Name: "w1", Endpoint: "http://example.test/hook"})
	q, err := svc.CreateQueue(context.Background(), CreateQueueRequest{Name: "orders", Pattern: "*", WorkerID: w.ID})
	if err != nil {
		t.Fatalf("create queue: %v", err)
	}

	if err := svc.DestroyWorker(context.Background(), w.ID); err != nil {
		t.Fatalf("destroy worker: %v", err)
	}

	if _, err := s.GetQueue(context.Background(), q.ID); err == nil {
		t.Fatal("expected bound queue to be destroyed along with its worker")
	}
	if _, ok := svc.dispatch[q.ID]; ok {
		t.Fatal("expected cascaded queue's dispatcher to be stopped and removed")
	}
}
