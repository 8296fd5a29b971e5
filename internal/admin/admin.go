// Package admin is the broker's control-plane service: creating and
// destroying workers and queues, and publishing messages. It is the single
// place that keeps the store and the running dispatcher/scheduler
// registrations consistent with each other, whether called from the HTTP
// API or the CLI.
package admin

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/relaybroker/relay/internal/dispatcher"
	"github.com/relaybroker/relay/internal/domain"
	"github.com/relaybroker/relay/internal/logging"
	"github.com/relaybroker/relay/internal/queue"
	"github.com/relaybroker/relay/internal/scheduler"
	"github.com/relaybroker/relay/internal/store"
)

// DispatcherConfig is threaded through to every dispatcher a queue starts.
type DispatcherConfig = dispatcher.Config

// Service is the admin control plane. Registered dispatchers run their own
// internal tick loop (internal/dispatcher); when sched is configured it
// drives their Tick calls instead, per SPEC_FULL.md's reference scheduler
// hook, and each dispatcher's own ticker is pushed out to
// noSchedulerTickInterval.
type Service struct {
	store    store.Store
	sched    *scheduler.Scheduler
	notifier queue.Notifier
	dispCfg  DispatcherConfig
	dispatch map[string]*dispatcher.Dispatcher
}

// New creates a Service. sched may be nil if only the dispatcher's
// self-driven tick loop is wanted. notifier may be nil, in which case
// publishes rely entirely on each dispatcher's own tick cadence.
func New(s store.Store, sched *scheduler.Scheduler, notifier queue.Notifier, dispCfg DispatcherConfig) *Service {
	if notifier == nil {
		notifier = queue.NewNoopNotifier()
	}
	return &Service{
		store:    s,
		sched:    sched,
		notifier: notifier,
		dispCfg:  dispCfg,
		dispatch: make(map[string]*dispatcher.Dispatcher),
	}
}

// CreateWorkerRequest describes a new worker endpoint.
type CreateWorkerRequest struct {
	Name     string `json:"name"`
	Endpoint string `json:"endpoint"`
	RPS      int    `json:"rps"`
}

// CreateWorker validates and persists a worker.
func (s *Service) CreateWorker(ctx context.Context, req CreateWorkerRequest) (*domain.Worker, error) {
	if req.Name == "" {
		return nil, fmt.Errorf("name is required")
	}
	if req.Endpoint == "" {
		return nil, fmt.Errorf("endpoint is required")
	}
	if req.RPS < 0 {
		return nil, fmt.Errorf("rps must not be negative")
	}

	w := &domain.Worker{
		ID:        uuid.New().String(),
		Name:      req.Name,
		Endpoint:  req.Endpoint,
		RPS:       req.RPS,
		CreatedAt: time.Now().UTC(),
	}
	if err := s.store.CreateWorker(ctx, w); err != nil {
		return nil, err
	}
	return w, nil
}

// DestroyWorker removes a worker. Destruction cascades: every queue still
// bound to it is destroyed along with it, so its dispatcher (and scheduler
// registration) is stopped here before the store carries out the cascade.
func (s *Service) DestroyWorker(ctx context.Context, id string) error {
	queues, err := s.store.ListQueues(ctx)
	if err != nil {
		return fmt.Errorf("list queues: %w", err)
	}
	for _, q := range queues {
		if q.WorkerID == id {
			s.stopDispatcher(q.ID)
		}
	}
	return s.store.DeleteWorker(ctx, id)
}

// CreateQueueRequest describes a new queue binding.
type CreateQueueRequest struct {
	Name       string `json:"name"`
	Pattern    string `json:"pattern"`
	WorkerID   string `json:"worker_id"`
	MaxRetries int    `json:"max_retries"`
}

// CreateQueue persists a queue and starts its dispatcher, registering it
// with the scheduler too if one is configured. Both registrations happen
// only after the store write succeeds, so a failed create never leaves a
// dangling dispatcher.
func (s *Service) CreateQueue(ctx context.Context, req CreateQueueRequest) (*domain.Queue, error) {
	if req.Name == "" {
		return nil, fmt.Errorf("name is required")
	}
	if req.Pattern == "" {
		return nil, fmt.Errorf("pattern is required")
	}
	if req.WorkerID == "" {
		return nil, fmt.Errorf("worker_id is required")
	}
	if _, err := s.store.GetWorker(ctx, req.WorkerID); err != nil {
		return nil, fmt.Errorf("lookup worker: %w", err)
	}

	q := &domain.Queue{
		ID:         uuid.New().String(),
		Name:       req.Name,
		Pattern:    req.Pattern,
		WorkerID:   req.WorkerID,
		MaxRetries: req.MaxRetries,
		CreatedAt:  time.Now().UTC(),
	}
	if q.MaxRetries <= 0 {
		q.MaxRetries = domain.DefaultMaxRetries
	}
	if err := s.store.CreateQueue(ctx, q); err != nil {
		return nil, err
	}

	s.startDispatcher(q.ID)
	logging.Op().Info("queue created", "queue", q.Name, "pattern", q.Pattern, "worker", req.WorkerID)
	return q, nil
}

// DestroyQueue stops the queue's dispatcher (and scheduler entry) before
// deleting its store row and pending deliveries, the reverse order of
// CreateQueue.
func (s *Service) DestroyQueue(ctx context.Context, id string) error {
	s.stopDispatcher(id)
	return s.store.DeleteQueue(ctx, id)
}

// noSchedulerTickInterval effectively disables a dispatcher's own ticker
// when a Scheduler is driving its Tick calls instead, so a queue is never
// polled by both at once. The dispatcher's notifier-driven wake-up still
// runs either way.
const noSchedulerTickInterval = time.Hour

func (s *Service) startDispatcher(queueID string) {
	cfg := s.dispCfg
	cfg.Notifier = s.notifier
	if s.sched != nil {
		cfg.TickInterval = noSchedulerTickInterval
	}
	d := dispatcher.New(s.store, queueID, cfg)
	s.dispatch[queueID] = d
	d.Start()
	if s.sched != nil {
		if err := s.sched.Add(queueID, d); err != nil {
			logging.Op().Error("register queue with scheduler failed", "queue", queueID, "error", err)
		}
	}
}

func (s *Service) stopDispatcher(queueID string) {
	if s.sched != nil {
		s.sched.Remove(queueID)
	}
	if d, ok := s.dispatch[queueID]; ok {
		d.Stop()
		delete(s.dispatch, queueID)
	}
}

// ResumeAll starts dispatchers for every queue already in the store. Call
// once at daemon startup after loading an existing database.
func (s *Service) ResumeAll(ctx context.Context) error {
	queues, err := s.store.ListQueues(ctx)
	if err != nil {
		return fmt.Errorf("list queues: %w", err)
	}
	for _, q := range queues {
		s.startDispatcher(q.ID)
	}
	return nil
}

// Shutdown stops every running dispatcher.
func (s *Service) Shutdown() {
	for id := range s.dispatch {
		s.stopDispatcher(id)
	}
}

// PublishRequest is a caller-supplied message awaiting fanout. ID is
// caller-assigned so publishes are retry-safe: republishing the same ID
// after a dropped response surfaces the store's uniqueness error instead of
// silently duplicating the message.
type PublishRequest struct {
	ID         string          `json:"id"`
	RoutingKey string          `json:"routing_key"`
	Body       json.RawMessage `json:"body"`
	Headers    json.RawMessage `json:"headers,omitempty"`
	// DelaySeconds, if > 0, postpones visibility by that many seconds from
	// now. Mutually exclusive with VisibleAt in spirit, but VisibleAt wins
	// if both are set since it is the more specific instruction.
	DelaySeconds int        `json:"delay_seconds,omitempty"`
	VisibleAt    *time.Time `json:"visible_at,omitempty"`
}

// Publish inserts msg and fans it out to every matching queue, returning
// the number of deliveries created.
func (s *Service) Publish(ctx context.Context, req PublishRequest) (string, int, error) {
	if req.ID == "" {
		return "", 0, fmt.Errorf("id is required")
	}
	if req.RoutingKey == "" {
		return "", 0, fmt.Errorf("routing_key is required")
	}

	now := time.Now().UTC()
	visible := now
	if req.VisibleAt != nil {
		visible = req.VisibleAt.UTC()
	} else if req.DelaySeconds > 0 {
		visible = now.Add(time.Duration(req.DelaySeconds) * time.Second)
	}

	msg := &domain.Message{
		ID:         req.ID,
		RoutingKey: req.RoutingKey,
		Body:       req.Body,
		Headers:    req.Headers,
		VisibleAt:  visible,
		OccurredAt: now,
	}

	queueIDs, err := s.store.Publish(ctx, msg)
	if err != nil {
		return "", 0, err
	}

	for _, queueID := range queueIDs {
		if err := s.notifier.Notify(ctx, queueID); err != nil {
			logging.Op().Debug("notify queue failed", "queue", queueID, "error", err)
		}
	}
	return msg.ID, len(queueIDs), nil
}

// ListDeliveries returns a queue's pending deliveries.
func (s *Service) ListDeliveries(ctx context.Context, queueName string, limit int) ([]domain.Delivery, error) {
	q, err := s.store.GetQueueByName(ctx, queueName)
	if err != nil {
		return nil, err
	}
	return s.store.ListDeliveries(ctx, q.ID, limit)
}

// ListDeadLetters returns a queue's quarantined deliveries.
func (s *Service) ListDeadLetters(ctx context.Context, queueName string, limit int) ([]domain.DeadLetter, error) {
	q, err := s.store.GetQueueByName(ctx, queueName)
	if err != nil {
		return nil, err
	}
	return s.store.ListDeadLetters(ctx, q.ID, limit)
}
