// Package dispatcher runs the per-queue tick loop: lease due deliveries,
// fire them at the queue's worker endpoint concurrently, and resolve each
// one to acknowledged, retried, or dead-lettered.
package dispatcher

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/relaybroker/relay/internal/domain"
	"github.com/relaybroker/relay/internal/httpclient"
	"github.com/relaybroker/relay/internal/logging"
	"github.com/relaybroker/relay/internal/queue"
	"github.com/relaybroker/relay/internal/ratelimit"
	"github.com/relaybroker/relay/internal/store"
)

// Deliverer is the subset of httpclient.Client a Dispatcher needs. Tests
// substitute a fake to avoid real network calls.
type Deliverer interface {
	Deliver(ctx context.Context, endpoint string, body []byte) (int, error)
}

var _ Deliverer = (*httpclient.Client)(nil)

// Config configures a single queue's Dispatcher.
type Config struct {
	LeaseTimeout time.Duration
	HTTPTimeout  time.Duration
	TickInterval time.Duration
	Notifier     queue.Notifier
}

const (
	defaultLeaseTimeout = 60 * time.Second
	defaultTickInterval = time.Second
)

// Dispatcher owns the tick loop for exactly one queue.
type Dispatcher struct {
	store    store.Store
	queueID  string
	cfg      Config
	notifier queue.Notifier
	client   Deliverer

	mu      sync.Mutex
	started bool
	stopCh  chan struct{}
	wg      sync.WaitGroup
}

// New creates a Dispatcher for queueID. The worker's endpoint is resolved
// fresh on every tick, so changing a worker's endpoint takes effect without
// restarting the dispatcher; only the HTTP client itself is built once.
func New(s store.Store, queueID string, cfg Config) *Dispatcher {
	if cfg.LeaseTimeout <= 0 {
		cfg.LeaseTimeout = defaultLeaseTimeout
	}
	if cfg.TickInterval <= 0 {
		cfg.TickInterval = defaultTickInterval
	}
	notifier := cfg.Notifier
	if notifier == nil {
		notifier = queue.NewNoopNotifier()
	}
	httpTimeout := cfg.HTTPTimeout
	if httpTimeout <= 0 {
		httpTimeout = httpclient.DefaultTimeout
	}
	return &Dispatcher{
		store:    s,
		queueID:  queueID,
		cfg:      cfg,
		notifier: notifier,
		client:   httpclient.New(httpTimeout),
		stopCh:   make(chan struct{}),
	}
}

// Start launches the tick loop in a background goroutine.
func (d *Dispatcher) Start() {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.started {
		return
	}
	d.started = true
	d.wg.Add(1)
	go d.run()
}

// Stop blocks until the tick loop exits.
func (d *Dispatcher) Stop() {
	d.mu.Lock()
	if !d.started {
		d.mu.Unlock()
		return
	}
	d.started = false
	close(d.stopCh)
	d.mu.Unlock()
	d.wg.Wait()
}

func (d *Dispatcher) run() {
	defer d.wg.Done()
	ticker := time.NewTicker(d.cfg.TickInterval)
	defer ticker.Stop()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	notifyCh := d.notifier.Subscribe(ctx, d.queueID)

	for {
		select {
		case <-d.stopCh:
			return
		case <-ticker.C:
			if err := d.Tick(context.Background()); err != nil {
				logging.Op().Error("dispatcher tick failed", "queue", d.queueID, "error", err)
			}
		case <-notifyCh:
			if err := d.Tick(context.Background()); err != nil {
				logging.Op().Error("dispatcher tick failed", "queue", d.queueID, "error", err)
			}
		}
	}
}

// Tick runs one lease -> deliver -> resolve pass. It is exported so tests
// and the reference cron scheduler can drive it directly instead of
// waiting on the internal ticker.
func (d *Dispatcher) Tick(ctx context.Context) error {
	q, err := d.store.GetQueue(ctx, d.queueID)
	if err != nil {
		return fmt.Errorf("load queue: %w", err)
	}
	w, err := d.store.GetWorker(ctx, q.WorkerID)
	if err != nil {
		return fmt.Errorf("load worker: %w", err)
	}

	batch := ratelimit.BatchSize(w.RPS)
	leaseUntil := time.Now().Add(d.cfg.LeaseTimeout)

	deliveries, err := d.store.LeaseDeliveries(ctx, d.queueID, batch, leaseUntil)
	if err != nil {
		return fmt.Errorf("lease deliveries: %w", err)
	}
	if len(deliveries) == 0 {
		return nil
	}

	var wg sync.WaitGroup
	for _, delivery := range deliveries {
		wg.Add(1)
		go func(delivery domain.Delivery) {
			defer wg.Done()
			d.deliverOne(ctx, d.client, *q, w.Endpoint, delivery)
		}(delivery)
	}
	wg.Wait()
	return nil
}

func (d *Dispatcher) deliverOne(ctx context.Context, client Deliverer, q domain.Queue, endpoint string, delivery domain.Delivery) {
	status, err := client.Deliver(ctx, endpoint, delivery.Body)
	if err == nil && status >= 200 && status < 300 {
		if ackErr := d.store.Ack(ctx, delivery.ID); ackErr != nil {
			logging.Op().Error("ack delivery failed", "delivery", delivery.ID, "error", ackErr)
		}
		return
	}

	reason := fmt.Sprintf("status %d", status)
	if err != nil {
		reason = err.Error()
	}

	if delivery.Retries >= q.MaxRetries {
		if dlqErr := d.store.MoveToDeadLetter(ctx, delivery.ID, reason); dlqErr != nil {
			logging.Op().Error("move to dead letter failed", "delivery", delivery.ID, "error", dlqErr)
		}
		logging.Op().Warn("delivery moved to dead letter", "delivery", delivery.ID, "queue", q.Name, "reason", reason)
		return
	}

	if retryErr := d.store.Retry(ctx, delivery.ID); retryErr != nil {
		logging.Op().Error("retry delivery failed", "delivery", delivery.ID, "error", retryErr)
	}
}
