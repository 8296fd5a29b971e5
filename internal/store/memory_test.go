package store

import (
	"context"
	"testing"
	"time"

	"github.com/relaybroker/relay/internal/domain"
)

func setupQueue(t *testing.T, s *MemoryStore, name, pattern string, maxRetries int) domain.Queue {
	t.Helper()
	w := domain.Worker{ID: "w-" + name, Name: "worker_" + name, Endpoint: "http://example.test/" + name, RPS: 5, CreatedAt: time.Now()}
	if err := s.CreateWorker(context.Background(), &w); err != nil {
		t.Fatalf("create worker: %v", err)
	}
	q := domain.Queue{ID: "q-" + name, Name: name, Pattern: pattern, WorkerID: w.ID, MaxRetries: maxRetries, CreatedAt: time.Now()}
	if err := s.CreateQueue(context.Background(), &q); err != nil {
		t.Fatalf("create queue: %v", err)
	}
	return q
}

func TestPublish_FansOutToMatchingQueuesOnly(t *testing.T) {
	s := NewMemoryStore()
	setupQueue(t, s, "orders", "order.*", 3)
	setupQueue(t, s, "payments", "payment.*", 3)

	ids, err := s.Publish(context.Background(), &domain.Message{
		ID: "m1", RoutingKey: "order.created", Body: []byte(`{"x":1}`), VisibleAt: time.Now(),
	})
	if err != nil {
		t.Fatalf("publish: %v", err)
	}
	if len(ids) != 1 {
		t.Fatalf("expected 1 delivery, got %d", len(ids))
	}
}

func TestLeaseDeliveries_RespectsVisibility(t *testing.T) {
	s := NewMemoryStore()
	q := setupQueue(t, s, "delayed", "*", 3)

	future := time.Now().Add(time.Hour)
	if _, err := s.Publish(context.Background(), &domain.Message{ID: "m1", RoutingKey: "x", Body: []byte(`{}`), VisibleAt: future}); err != nil {
		t.Fatalf("publish: %v", err)
	}

	leased, err := s.LeaseDeliveries(context.Background(), q.ID, 10, time.Now().Add(time.Minute))
	if err != nil {
		t.Fatalf("lease: %v", err)
	}
	if len(leased) != 0 {
		t.Fatalf("expected no deliveries visible yet, got %d", len(leased))
	}
}

func TestLeaseDeliveries_RecoversAbandonedLease(t *testing.T) {
	s := NewMemoryStore()
	q := setupQueue(t, s, "abandon", "*", 3)

	if _, err := s.Publish(context.Background(), &domain.Message{ID: "m1", RoutingKey: "x", Body: []byte(`{}`), VisibleAt: time.Now()}); err != nil {
		t.Fatalf("publish: %v", err)
	}

	past := time.Now().Add(-time.Minute)
	first, err := s.LeaseDeliveries(context.Background(), q.ID, 10, past)
	if err != nil || len(first) != 1 {
		t.Fatalf("expected to lease 1 delivery with an already-expired lease, got %d, err %v", len(first), err)
	}

	second, err := s.LeaseDeliveries(context.Background(), q.ID, 10, time.Now().Add(time.Minute))
	if err != nil {
		t.Fatalf("second lease: %v", err)
	}
	if len(second) != 1 || second[0].ID != first[0].ID {
		t.Fatalf("expected abandoned lease to be recovered, got %+v", second)
	}
}

func TestLeaseDeliveries_DoesNotDoubleLeaseWithinTTL(t *testing.T) {
	s := NewMemoryStore()
	q := setupQueue(t, s, "exclusive", "*", 3)

	if _, err := s.Publish(context.Background(), &domain.Message{ID: "m1", RoutingKey: "x", Body: []byte(`{}`), VisibleAt: time.Now()}); err != nil {
		t.Fatalf("publish: %v", err)
	}

	first, err := s.LeaseDeliveries(context.Background(), q.ID, 10, time.Now().Add(time.Hour))
	if err != nil || len(first) != 1 {
		t.Fatalf("expected to lease 1 delivery, got %d, err %v", len(first), err)
	}

	second, err := s.LeaseDeliveries(context.Background(), q.ID, 10, time.Now().Add(time.Hour))
	if err != nil {
		t.Fatalf("second lease: %v", err)
	}
	if len(second) != 0 {
		t.Fatalf("expected delivery still within its lease TTL to stay locked, got %d", len(second))
	}
}

func TestMoveToDeadLetter_RemovesFromDeliveries(t *testing.T) {
	s := NewMemoryStore()
	q := setupQueue(t, s, "doomed", "*", 0)

	if _, err := s.Publish(context.Background(), &domain.Message{ID: "m1", RoutingKey: "x", Body: []byte(`{}`), VisibleAt: time.Now()}); err != nil {
		t.Fatalf("publish: %v", err)
	}
	leased, err := s.LeaseDeliveries(context.Background(), q.ID, 10, time.Now().Add(time.Minute))
	if err != nil || len(leased) != 1 {
		t.Fatalf("lease: %v, %d", err, len(leased))
	}

	if err := s.MoveToDeadLetter(context.Background(), leased[0].ID, "max retries exceeded"); err != nil {
		t.Fatalf("move to dead letter: %v", err)
	}

	deliveries, err := s.ListDeliveries(context.Background(), q.ID, 10)
	if err != nil {
		t.Fatalf("list deliveries: %v", err)
	}
	if len(deliveries) != 0 {
		t.Fatalf("expected delivery row removed, got %d", len(deliveries))
	}
	dead, err := s.ListDeadLetters(context.Background(), q.ID, 10)
	if err != nil {
		t.Fatalf("list dead letters: %v", err)
	}
	if len(dead) != 1 || dead[0].LastError != "max retries exceeded" {
		t.Fatalf("expected 1 dead letter with last error set, got %+v", dead)
	}
}
