package fanout

import (
	"context"
	"sync"
	"testing"
)

type recorder struct {
	id     string
	mu     sync.Mutex
	events []*Event
	full   bool
}

func (r *recorder) ID() string { return r.id }

func (r *recorder) Deliver(ev *Event) bool {
	if r.full {
		return false
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
	return true
}

func (r *recorder) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.events)
}

type memorySink struct {
	mu     sync.Mutex
	events []*Event
}

func (s *memorySink) Name() string { return "memory" }

func (s *memorySink) Handle(_ context.Context, ev *Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, ev)
	return nil
}

func TestSubscribeIsIdempotent(t *testing.T) {
	hub := NewHub()
	sub := &recorder{id: "a"}
	if !hub.Subscribe(ScopeConnection, "s1", sub) {
		t.Fatal("first subscribe should add")
	}
	if hub.Subscribe(ScopeConnection, "s1", sub) {
		t.Fatal("second subscribe should be a no-op")
	}
	hub.Publish(NewConnectionEvent(EventStatus, "s1", "u1", nil))
	if sub.count() != 1 {
		t.Fatalf("expected one delivery, got %d", sub.count())
	}
}

func TestScopesAreIsolated(t *testing.T) {
	hub := NewHub()
	conn := &recorder{id: "conn"}
	thread := &recorder{id: "thread"}
	hub.Subscribe(ScopeConnection, "s1", conn)
	hub.Subscribe(ScopeConversation, "42", thread)

	hub.Publish(NewConversationEvent(EventMessage, "42", "s1", "u1", nil))
	hub.Publish(NewConnectionEvent(EventPreview, "s1", "u1", nil))
	hub.Publish(NewConnectionEvent(EventPreview, "s2", "u1", nil))

	if conn.count() != 1 {
		t.Fatalf("connection subscriber got %d events", conn.count())
	}
	if thread.count() != 1 {
		t.Fatalf("conversation subscriber got %d events", thread.count())
	}
}

func TestStalledSubscriberIsDropped(t *testing.T) {
	hub := NewHub()
	stalled := &recorder{id: "slow", full: true}
	hub.Subscribe(ScopeConnection, "s1", stalled)
	hub.Subscribe(ScopeConversation, "7", stalled)
	hub.Publish(NewConnectionEvent(EventStatus, "s1", "u1", nil))
	if n := hub.Subscribers(ScopeConnection, "s1"); n != 0 {
		t.Fatalf("expected stalled subscriber removed, %d left", n)
	}
	if n := hub.Subscribers(ScopeConversation, "7"); n != 0 {
		t.Fatalf("expected stalled subscriber removed from every scope, %d left", n)
	}
}

func TestUnsubscribe(t *testing.T) {
	hub := NewHub()
	sub := &recorder{id: "a"}
	hub.Subscribe(ScopeConnection, "s1", sub)
	hub.Unsubscribe(ScopeConnection, "s1", "a")
	hub.Publish(NewConnectionEvent(EventStatus, "s1", "u1", nil))
	if sub.count() != 0 {
		t.Fatalf("unsubscribed client still received %d events", sub.count())
	}
}

func TestSinksReceiveEverythingAndDrainOnClose(t *testing.T) {
	hub := NewHub()
	sink := &memorySink{}
	hub.AddSink(sink)
	for i := 0; i < 10; i++ {
		hub.Publish(NewConnectionEvent(EventStatus, "s1", "u1", i))
	}
	hub.Close()
	sink.mu.Lock()
	defer sink.mu.Unlock()
	if len(sink.events) != 10 {
		t.Fatalf("expected 10 sink events, got %d", len(sink.events))
	}
	// publishing after close is ignored
	hub.Publish(NewConnectionEvent(EventStatus, "s1", "u1", nil))
}

func TestDeliverLocalSkipsSinks(t *testing.T) {
	hub := NewHub()
	sink := &memorySink{}
	hub.AddSink(sink)
	sub := &recorder{id: "a"}
	hub.Subscribe(ScopeConnection, "s1", sub)
	hub.DeliverLocal(NewConnectionEvent(EventStatus, "s1", "u1", nil))
	hub.Close()
	if sub.count() != 1 {
		t.Fatalf("expected local delivery, got %d", sub.count())
	}
	if len(sink.events) != 0 {
		t.Fatalf("relayed event should not reach sinks, got %d", len(sink.events))
	}
}
