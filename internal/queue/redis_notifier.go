package queue

import (
	"context"
	"sync"

	"github.com/redis/go-redis/v9"
)

const redisChannelPrefix = "relay:notify:"

// RedisNotifier is a distributed notifier built on Redis PUBLISH/SUBSCRIBE so
// that multiple broker processes attached to the same store wake each
// other's dispatchers immediately, not just the process that handled the
// publish.
type RedisNotifier struct {
	client *redis.Client
	mu     sync.Mutex
	subs   map[string][]*redisSub
	closed bool
}

type redisSub struct {
	ch     chan struct{}
	cancel context.CancelFunc
}

// NewRedisNotifier wraps an existing Redis client.
func NewRedisNotifier(client *redis.Client) *RedisNotifier {
	return &RedisNotifier{client: client, subs: make(map[string][]*redisSub)}
}

func (n *RedisNotifier) Notify(ctx context.Context, queueName string) error {
	return n.client.Publish(ctx, redisChannelPrefix+queueName, "1").Err()
}

func (n *RedisNotifier) Subscribe(ctx context.Context, queueName string) <-chan struct{} {
	ch := make(chan struct{}, 1)

	n.mu.Lock()
	if n.closed {
		n.mu.Unlock()
		close(ch)
		return ch
	}
	subCtx, cancel := context.WithCancel(ctx)
	rs := &redisSub{ch: ch, cancel: cancel}
	n.subs[queueName] = append(n.subs[queueName], rs)
	n.mu.Unlock()

	pubsub := n.client.Subscribe(subCtx, redisChannelPrefix+queueName)

	go func() {
		defer pubsub.Close()
		msgCh := pubsub.Channel()
		for {
			select {
			case <-subCtx.Done():
				if n.removeSub(queueName, rs) {
					close(ch)
				}
				return
			case _, ok := <-msgCh:
				if !ok {
					return
				}
				select {
				case ch <- struct{}{}:
				default:
				}
			}
		}
	}()

	return ch
}

func (n *RedisNotifier) Close() error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.closed {
		return nil
	}
	n.closed = true
	for _, subs := range n.subs {
		for _, s := range subs {
			s.cancel()
			close(s.ch)
		}
	}
	n.subs = nil
	return nil
}

// removeSub unregisters target and reports whether it was still registered
// (false once Close has already closed its channel).
func (n *RedisNotifier) removeSub(queueName string, target *redisSub) bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	subs := n.subs[queueName]
	for i, s := range subs {
		if s == target {
			n.subs[queueName] = append(subs[:i], subs[i+1:]...)
			return true
		}
	}
	return false
}
