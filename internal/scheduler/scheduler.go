// Package scheduler is the reference tick driver: it registers one
// "@every 1s" cron entry per queue that calls the queue's Dispatcher.Tick.
// A Dispatcher's own internal ticker (internal/dispatcher) already drives
// itself once started; this package exists for deployments that prefer a
// single external cron process fanning out to many dispatcher instances
// rather than each dispatcher polling on its own goroutine.
package scheduler

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/relaybroker/relay/internal/dispatcher"
	"github.com/relaybroker/relay/internal/logging"
)

const tickSpec = "@every 1s"

// Scheduler owns one cron entry per registered queue.
type Scheduler struct {
	cron    *cron.Cron
	mu      sync.Mutex
	entries map[string]cron.EntryID
}

// New creates an empty Scheduler.
func New() *Scheduler {
	return &Scheduler{
		cron:    cron.New(),
		entries: make(map[string]cron.EntryID),
	}
}

// Start begins running registered cron entries.
func (s *Scheduler) Start() {
	s.cron.Start()
	logging.Op().Info("scheduler started")
}

// Stop blocks until all running cron jobs complete, then halts the
// scheduler.
func (s *Scheduler) Stop() {
	ctx := s.cron.Stop()
	<-ctx.Done()
	logging.Op().Info("scheduler stopped")
}

// Add registers queueID's dispatcher for a tick every second. Calling Add
// again for the same queueID replaces the prior entry.
func (s *Scheduler) Add(queueID string, d *dispatcher.Dispatcher) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if entryID, ok := s.entries[queueID]; ok {
		s.cron.Remove(entryID)
		delete(s.entries, queueID)
	}

	entryID, err := s.cron.AddFunc(tickSpec, func() {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := d.Tick(ctx); err != nil {
			logging.Op().Error("scheduled tick failed", "queue", queueID, "error", err)
		}
	})
	if err != nil {
		return fmt.Errorf("register queue tick: %w", err)
	}

	s.entries[queueID] = entryID
	return nil
}

// Remove unregisters queueID's cron entry, if any.
func (s *Scheduler) Remove(queueID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if entryID, ok := s.entries[queueID]; ok {
		s.cron.Remove(entryID)
		delete(s.entries, queueID)
	}
}
