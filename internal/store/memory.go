package store

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/relaybroker/relay/internal/domain"
	"github.com/relaybroker/relay/internal/router"
)

// MemoryStore is an in-process Store used by dispatcher and admin tests in
// place of a live Postgres instance. It keeps the same locking and
// lease-recovery semantics as PostgresStore's SQL, just expressed with a
// mutex and maps instead of FOR UPDATE SKIP LOCKED.
type MemoryStore struct {
	mu         sync.Mutex
	workers    map[string]domain.Worker
	queues     map[string]domain.Queue
	messages   map[string]domain.Message
	deliveries map[int64]domain.Delivery
	deadLetter []domain.DeadLetter
	nextID     int64
}

// NewMemoryStore returns an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		workers:    make(map[string]domain.Worker),
		queues:     make(map[string]domain.Queue),
		messages:   make(map[string]domain.Message),
		deliveries: make(map[int64]domain.Delivery),
	}
}

func (s *MemoryStore) Close() error { return nil }

func (s *MemoryStore) CreateWorker(ctx context.Context, w *domain.Worker) error {
	if err := ValidateName(w.Name); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, existing := range s.workers {
		if existing.Name == w.Name {
			return fmt.Errorf("worker already exists: %s", w.Name)
		}
	}
	s.workers[w.ID] = *w
	return nil
}

func (s *MemoryStore) GetWorker(ctx context.Context, id string) (*domain.Worker, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	w, ok := s.workers[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrWorkerNotFound, id)
	}
	return &w, nil
}

func (s *MemoryStore) ListWorkers(ctx context.Context) ([]domain.Worker, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]domain.Worker, 0, len(s.workers))
	for _, w := range s.workers {
		out = append(out, w)
	}
	return out, nil
}

// DeleteWorker removes a worker and cascades: every queue bound to it is
// destroyed along with its pending deliveries, mirroring the foreign key's
// ON DELETE CASCADE in PostgresStore.
func (s *MemoryStore) DeleteWorker(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.workers[id]; !ok {
		return fmt.Errorf("%w: %s", ErrWorkerNotFound, id)
	}
	delete(s.workers, id)
	for qid, q := range s.queues {
		if q.WorkerID != id {
			continue
		}
		delete(s.queues, qid)
		for did, d := range s.deliveries {
			if d.QueueID == qid {
				delete(s.deliveries, did)
			}
		}
	}
	return nil
}

func (s *MemoryStore) Heartbeat(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	w, ok := s.workers[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrWorkerNotFound, id)
	}
	now := time.Now().UTC()
	w.LastHeartbeat = &now
	s.workers[id] = w
	return nil
}

func (s *MemoryStore) CreateQueue(ctx context.Context, q *domain.Queue) error {
	if err := ValidateName(q.Name); err != nil {
		return err
	}
	if q.MaxRetries <= 0 {
		q.MaxRetries = domain.DefaultMaxRetries
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, existing := range s.queues {
		if existing.Name == q.Name {
			return fmt.Errorf("queue already exists: %s", q.Name)
		}
	}
	s.queues[q.ID] = *q
	return nil
}

func (s *MemoryStore) GetQueue(ctx context.Context, id string) (*domain.Queue, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	q, ok := s.queues[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrQueueNotFound, id)
	}
	return &q, nil
}

func (s *MemoryStore) GetQueueByName(ctx context.Context, name string) (*domain.Queue, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, q := range s.queues {
		if q.Name == name {
			cp := q
			return &cp, nil
		}
	}
	return nil, fmt.Errorf("%w: %s", ErrQueueNotFound, name)
}

func (s *MemoryStore) ListQueues(ctx context.Context) ([]domain.Queue, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]domain.Queue, 0, len(s.queues))
	for _, q := range s.queues {
		out = append(out, q)
	}
	return out, nil
}

func (s *MemoryStore) DeleteQueue(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.queues[id]; !ok {
		return fmt.Errorf("%w: %s", ErrQueueNotFound, id)
	}
	delete(s.queues, id)
	for did, d := range s.deliveries {
		if d.QueueID == id {
			delete(s.deliveries, did)
		}
	}
	return nil
}

func (s *MemoryStore) Publish(ctx context.Context, msg *domain.Message) ([]string, error) {
	if len(msg.Body) == 0 {
		msg.Body = []byte(`{}`)
	}
	if len(msg.Headers) == 0 {
		msg.Headers = []byte(`{}`)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.messages[msg.ID]; exists {
		return nil, fmt.Errorf("message already exists: %s", msg.ID)
	}
	s.messages[msg.ID] = *msg

	queues := make([]domain.Queue, 0, len(s.queues))
	for _, q := range s.queues {
		queues = append(queues, q)
	}
	targets := router.FanoutTargets(msg.RoutingKey, queues)

	queueIDs := make([]string, 0, len(targets))
	for _, q := range targets {
		s.nextID++
		s.deliveries[s.nextID] = domain.Delivery{
			ID:         s.nextID,
			QueueID:    q.ID,
			MessageID:  msg.ID,
			RoutingKey: msg.RoutingKey,
			Body:       msg.Body,
			EnqueuedAt: msg.VisibleAt,
		}
		queueIDs = append(queueIDs, q.ID)
	}
	return queueIDs, nil
}

func (s *MemoryStore) LeaseDeliveries(ctx context.Context, queueID string, limit int, leaseUntil time.Time) ([]domain.Delivery, error) {
	if limit <= 0 {
		limit = 1
	}
	now := time.Now().UTC()

	s.mu.Lock()
	defer s.mu.Unlock()

	var candidates []domain.Delivery
	for _, d := range s.deliveries {
		if d.QueueID != queueID || d.Acknowledged {
			continue
		}
		due := (!d.Locked && !d.EnqueuedAt.After(now)) ||
			(d.Locked && d.LockedUntil != nil && d.LockedUntil.Before(now))
		if due {
			candidates = append(candidates, d)
		}
	}
	sortDeliveriesByEnqueuedThenID(candidates)

	if len(candidates) > limit {
		candidates = candidates[:limit]
	}

	out := make([]domain.Delivery, 0, len(candidates))
	for _, d := range candidates {
		d.Locked = true
		until := leaseUntil
		d.LockedUntil = &until
		s.deliveries[d.ID] = d
		out = append(out, d)
	}
	return out, nil
}

func sortDeliveriesByEnqueuedThenID(ds []domain.Delivery) {
	for i := 1; i < len(ds); i++ {
		for j := i; j > 0; j-- {
			a, b := ds[j-1], ds[j]
			less := a.EnqueuedAt.Before(b.EnqueuedAt) || (a.EnqueuedAt.Equal(b.EnqueuedAt) && a.ID <= b.ID)
			if less {
				break
			}
			ds[j-1], ds[j] = ds[j], ds[j-1]
		}
	}
}

func (s *MemoryStore) Ack(ctx context.Context, deliveryID int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	d, ok := s.deliveries[deliveryID]
	if !ok {
		return fmt.Errorf("%w: %d", ErrDeliveryNotFound, deliveryID)
	}
	now := time.Now().UTC()
	d.Acknowledged = true
	d.Locked = false
	d.LockedUntil = nil
	d.AcknowledgedAt = &now
	s.deliveries[deliveryID] = d
	return nil
}

func (s *MemoryStore) Retry(ctx context.Context, deliveryID int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	d, ok := s.deliveries[deliveryID]
	if !ok {
		return fmt.Errorf("%w: %d", ErrDeliveryNotFound, deliveryID)
	}
	d.Locked = false
	d.LockedUntil = nil
	d.Retries++
	s.deliveries[deliveryID] = d
	return nil
}

func (s *MemoryStore) MoveToDeadLetter(ctx context.Context, deliveryID int64, lastError string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	d, ok := s.deliveries[deliveryID]
	if !ok {
		return fmt.Errorf("%w: %d", ErrDeliveryNotFound, deliveryID)
	}
	delete(s.deliveries, deliveryID)
	s.deadLetter = append(s.deadLetter, domain.DeadLetter{
		ID:         int64(len(s.deadLetter)) + 1,
		QueueID:    d.QueueID,
		MessageID:  d.MessageID,
		RoutingKey: d.RoutingKey,
		Body:       d.Body,
		Retries:    d.Retries,
		LastError:  lastError,
		EnqueuedAt: d.EnqueuedAt,
		DeadAt:     time.Now().UTC(),
	})
	return nil
}

func (s *MemoryStore) ListDeliveries(ctx context.Context, queueID string, limit int) ([]domain.Delivery, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]domain.Delivery, 0)
	for _, d := range s.deliveries {
		if d.QueueID == queueID && !d.Acknowledged {
			out = append(out, d)
		}
	}
	return out, nil
}

func (s *MemoryStore) ListDeadLetters(ctx context.Context, queueID string, limit int) ([]domain.DeadLetter, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]domain.DeadLetter, 0)
	for _, d := range s.deadLetter {
		if d.QueueID == queueID {
			out = append(out, d)
		}
	}
	return out, nil
}
