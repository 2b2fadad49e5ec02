package fanout

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Subscriber receives events for the scopes it subscribed to. Deliver must not
// block; returning false drops the subscriber from every scope.
type Subscriber interface {
	ID() string
	Deliver(ev *Event) bool
}

// Sink receives every published event regardless of subscriptions.
type Sink interface {
	Name() string
	Handle(ctx context.Context, ev *Event) error
}

// Publisher is what the engine depends on.
type Publisher interface {
	Publish(ev *Event)
}

type topic struct {
	scope Scope
	key   string
}

// Hub routes events to scoped subscribers and to registered sinks.
type Hub struct {
	mu     sync.RWMutex
	topics map[topic]map[string]Subscriber
	sinks  []*sinkRunner
	closed bool
}

var _ Publisher = (*Hub)(nil)

func NewHub() *Hub {
	return &Hub{topics: make(map[topic]map[string]Subscriber)}
}

// Subscribe is idempotent; it reports whether the subscriber was newly added.
func (h *Hub) Subscribe(scope Scope, key string, sub Subscriber) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	t := topic{scope: scope, key: key}
	subs, ok := h.topics[t]
	if !ok {
		subs = make(map[string]Subscriber)
		h.topics[t] = subs
	}
	if _, exists := subs[sub.ID()]; exists {
		return false
	}
	subs[sub.ID()] = sub
	return true
}

func (h *Hub) Unsubscribe(scope Scope, key string, subID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.removeLocked(topic{scope: scope, key: key}, subID)
}

// UnsubscribeAll removes a subscriber from every scope, used when its transport goes away.
func (h *Hub) UnsubscribeAll(subID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for t := range h.topics {
		h.removeLocked(t, subID)
	}
}

func (h *Hub) removeLocked(t topic, subID string) {
	subs, ok := h.topics[t]
	if !ok {
		return
	}
	delete(subs, subID)
	if len(subs) == 0 {
		delete(h.topics, t)
	}
}

// Subscribers returns the number of subscribers on a scope key.
func (h *Hub) Subscribers(scope Scope, key string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.topics[topic{scope: scope, key: key}])
}

// AddSink registers a sink; each sink drains its own queue so a slow sink
// never stalls the publisher.
func (h *Hub) AddSink(sink Sink) {
	r := newSinkRunner(sink, 1024)
	h.mu.Lock()
	h.sinks = append(h.sinks, r)
	h.mu.Unlock()
}

// Publish delivers locally and forwards to every sink.
func (h *Hub) Publish(ev *Event) {
	h.DeliverLocal(ev)
	h.mu.RLock()
	defer h.mu.RUnlock()
	if h.closed {
		return
	}
	for _, r := range h.sinks {
		r.enqueue(ev)
	}
}

// DeliverLocal reaches in-process subscribers only. Relays feeding events
// from other nodes use it to avoid echoing them back out.
func (h *Hub) DeliverLocal(ev *Event) {
	h.mu.RLock()
	subs := h.topics[topic{scope: ev.Scope, key: ev.Key}]
	targets := make([]Subscriber, 0, len(subs))
	for _, s := range subs {
		targets = append(targets, s)
	}
	h.mu.RUnlock()

	for _, s := range targets {
		if !s.Deliver(ev) {
			zap.L().Warn("fanout: subscriber buffer full, dropping",
				zap.String("subscriber", s.ID()))
			h.UnsubscribeAll(s.ID())
		}
	}
}

// Close stops the sinks after draining their queues.
func (h *Hub) Close() {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return
	}
	h.closed = true
	sinks := h.sinks
	h.mu.Unlock()
	for _, r := range sinks {
		r.stop()
	}
}

type sinkRunner struct {
	sink  Sink
	queue chan *Event
	done  chan struct{}
}

func newSinkRunner(sink Sink, size int) *sinkRunner {
	r := &sinkRunner{sink: sink, queue: make(chan *Event, size), done: make(chan struct{})}
	go r.run()
	return r
}

func (r *sinkRunner) enqueue(ev *Event) {
	select {
	case r.queue <- ev:
	default:
		zap.L().Warn("fanout: sink queue full, event dropped",
			zap.String("sink", r.sink.Name()),
			zap.String("type", ev.Type))
	}
}

func (r *sinkRunner) run() {
	defer close(r.done)
	for ev := range r.queue {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := r.sink.Handle(ctx, ev); err != nil {
			zap.L().Error("fanout: sink failed",
				zap.String("sink", r.sink.Name()),
				zap.String("type", ev.Type),
				zap.Error(err))
		}
		cancel()
	}
}

func (r *sinkRunner) stop() {
	close(r.queue)
	<-r.done
}
