// Package eventbus implements C10: the real-time event fan-out to
// connected clients. It is grounded on a generic buffered pub-sub
// broker pattern (non-blocking publish, one buffered channel per
// subscriber, drop-on-full instead of backpressure), adapted here to
// the fixed, typed event catalog of §6 (pnl_update, position_update,
// strategy_pnl_update, log_entry, trade_executed) with a monotonic
// per-subscriber sequence number so a client can detect gaps.
package eventbus

import (
	"context"
	"sync"
	"sync/atomic"

	"tradecopy/internal/telemetry"
)

// Topic names the fixed event catalog from §6. The bus does not
// enforce this set — callers may publish any topic string — but every
// producer in this repo uses one of these.
type Topic string

const (
	TopicPnLUpdate         Topic = "pnl_update"
	TopicPositionUpdate    Topic = "position_update"
	TopicStrategyPnLUpdate Topic = "strategy_pnl_update"
	TopicLogEntry          Topic = "log_entry"
	TopicTradeExecuted     Topic = "trade_executed"
)

// Event is one published message, stamped with a sequence number
// unique to the subscriber that receives it (not global: two
// subscribers never share a sequence, since each has its own counter
// and each may have missed a different set of dropped messages).
type Event struct {
	Topic    Topic
	Sequence uint64
	Payload  any
}

type subscriber struct {
	id     uint64
	topic  Topic
	ch     chan Event
	seq    atomic.Uint64
	cancel context.CancelFunc
}

// Bus is the C10 broker. One Bus instance serves every connected
// client for the whole engine; topics partition it, subscriber buffers
// isolate slow clients from each other and from publishers.
type Bus struct {
	mu          sync.RWMutex
	subscribers map[Topic]map[uint64]*subscriber
	nextID      atomic.Uint64
	bufferSize  int
	metrics     *telemetry.Metrics
	wg          sync.WaitGroup
}

// Config controls the per-subscriber buffer depth. Once a client's
// buffer is full, each newly published event is dropped for that
// client while the already-buffered events are kept, per §6's explicit
// no-backpressure policy.
type Config struct {
	BufferSize int
}

func DefaultConfig() Config { return Config{BufferSize: 256} }

// New builds a Bus.
func New(cfg Config, metrics *telemetry.Metrics) *Bus {
	if cfg.BufferSize <= 0 {
		cfg.BufferSize = 256
	}
	return &Bus{
		subscribers: make(map[Topic]map[uint64]*subscriber),
		bufferSize:  cfg.BufferSize,
		metrics:     metrics,
	}
}

// Subscribe registers for topic and returns a receive-only channel of
// events plus an unsubscribe func. The channel is closed once
// Unsubscribe is called or ctx is cancelled.
func (b *Bus) Subscribe(ctx context.Context, topic Topic) (<-chan Event, func()) {
	subCtx, cancel := context.WithCancel(ctx)
	id := b.nextID.Add(1)
	sub := &subscriber{
		id:     id,
		topic:  topic,
		ch:     make(chan Event, b.bufferSize),
		cancel: cancel,
	}

	b.mu.Lock()
	if b.subscribers[topic] == nil {
		b.subscribers[topic] = make(map[uint64]*subscriber)
	}
	b.subscribers[topic][id] = sub
	b.mu.Unlock()

	b.wg.Add(1)
	go func() {
		defer b.wg.Done()
		<-subCtx.Done()
		b.remove(topic, id)
	}()

	return sub.ch, func() { cancel() }
}

func (b *Bus) remove(topic Topic, id uint64) {
	b.mu.Lock()
	subs := b.subscribers[topic]
	if subs != nil {
		if sub, ok := subs[id]; ok {
			delete(subs, id)
			close(sub.ch)
		}
		if len(subs) == 0 {
			delete(b.subscribers, topic)
		}
	}
	b.mu.Unlock()
}

// Publish fans payload out to every subscriber of topic. Non-blocking:
// a subscriber whose buffer is full has this message dropped for it,
// counted on EventBusDropped, rather than stalling the publisher (the
// filter/dispatch/execution pipeline must never block on a slow
// websocket client).
func (b *Bus) Publish(topic Topic, payload any) {
	b.mu.RLock()
	subs := b.subscribers[topic]
	targets := make([]*subscriber, 0, len(subs))
	for _, sub := range subs {
		targets = append(targets, sub)
	}
	b.mu.RUnlock()

	for _, sub := range targets {
		evt := Event{Topic: topic, Sequence: sub.seq.Add(1), Payload: payload}
		select {
		case sub.ch <- evt:
		default:
			if b.metrics != nil {
				b.metrics.EventBusDropped.WithLabelValues(string(topic)).Inc()
			}
		}
	}
}

// Close cancels every outstanding subscription and waits for their
// cleanup goroutines to finish.
func (b *Bus) Close() {
	b.mu.RLock()
	var all []*subscriber
	for _, subs := range b.subscribers {
		for _, sub := range subs {
			all = append(all, sub)
		}
	}
	b.mu.RUnlock()

	for _, sub := range all {
		sub.cancel()
	}
	b.wg.Wait()
}

// Backlog reports the current subscriber count per topic, used by the
// C12 guardrail monitor to flag an unbounded fan-out.
func (b *Bus) Backlog() map[Topic]int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	out := make(map[Topic]int, len(b.subscribers))
	for topic, subs := range b.subscribers {
		out[topic] = len(subs)
	}
	return out
}
