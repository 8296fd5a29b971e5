// Package router selects which queues a published message fans out to.
// It is a pure function over a queue snapshot and a routing key; the
// atomic "insert message, insert one delivery row per match" transaction
// lives in store.Store.Publish, which calls FanoutTargets against the
// queue snapshot it reads inside that same transaction.
package router

import (
	"github.com/relaybroker/relay/internal/domain"
	"github.com/relaybroker/relay/internal/matcher"
)

// FanoutTargets returns the subset of queues whose binding pattern matches
// routingKey, in the order given. Queues created after the snapshot was
// taken are never retroactively matched — callers must read the snapshot
// inside the same transaction that writes the message.
func FanoutTargets(routingKey string, queues []domain.Queue) []domain.Queue {
	targets := make([]domain.Queue, 0, len(queues))
	for _, q := range queues {
		if matcher.Match(routingKey, q.Pattern) {
			targets = append(targets, q)
		}
	}
	return targets
}
