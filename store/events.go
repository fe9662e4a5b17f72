package store

import (
	"sync"

	"github.com/opexec/engine/opctx"
	"github.com/opexec/engine/operation"
)

// EventHandler carries optional callbacks fired over the lifecycle of a
// run. The order within a single run is: on_run_started, then for each
// yield result_received then state_changed, then on_run_ended. A
// subscriber may set only the callbacks it cares about.
type EventHandler[V any, E any] struct {
	OnStateChanged   func(state Snapshot[V, E], ctx opctx.Context)
	OnRunStarted     func(ctx opctx.Context)
	OnRunEnded       func(ctx opctx.Context)
	OnResultReceived func(result operation.FinalResult[V, E], ctx opctx.Context)
}

// eventSet tracks every subscriber's handler plus any permanently attached
// handlers installed via the HandleEvents modifier.
type eventSet[V any, E any] struct {
	mu        sync.Mutex
	observers map[int]EventHandler[V, E]
	permanent []EventHandler[V, E]
	nextID    int
}

func newEventSet[V any, E any]() *eventSet[V, E] {
	return &eventSet[V, E]{observers: map[int]EventHandler[V, E]{}}
}

func (es *eventSet[V, E]) addPermanent(h EventHandler[V, E]) {
	es.mu.Lock()
	defer es.mu.Unlock()
	es.permanent = append(es.permanent, h)
}

func (es *eventSet[V, E]) subscribe(h EventHandler[V, E]) (id int, unsubscribe func()) {
	es.mu.Lock()
	id = es.nextID
	es.nextID++
	es.observers[id] = h
	count := len(es.observers)
	es.mu.Unlock()
	_ = count
	return id, func() {
		es.mu.Lock()
		delete(es.observers, id)
		es.mu.Unlock()
	}
}

func (es *eventSet[V, E]) subscriberCount() int {
	es.mu.Lock()
	defer es.mu.Unlock()
	return len(es.observers)
}

func (es *eventSet[V, E]) snapshot() []EventHandler[V, E] {
	es.mu.Lock()
	defer es.mu.Unlock()
	out := make([]EventHandler[V, E], 0, len(es.observers)+len(es.permanent))
	out = append(out, es.permanent...)
	for _, h := range es.observers {
		out = append(out, h)
	}
	return out
}

func (es *eventSet[V, E]) fireRunStarted(ctx opctx.Context) {
	for _, h := range es.snapshot() {
		if h.OnRunStarted != nil {
			h.OnRunStarted(ctx)
		}
	}
}

func (es *eventSet[V, E]) fireRunEnded(ctx opctx.Context) {
	for _, h := range es.snapshot() {
		if h.OnRunEnded != nil {
			h.OnRunEnded(ctx)
		}
	}
}

func (es *eventSet[V, E]) fireResultReceived(r operation.FinalResult[V, E], ctx opctx.Context) {
	for _, h := range es.snapshot() {
		if h.OnResultReceived != nil {
			h.OnResultReceived(r, ctx)
		}
	}
}

func (es *eventSet[V, E]) fireStateChanged(s Snapshot[V, E], ctx opctx.Context) {
	for _, h := range es.snapshot() {
		if h.OnStateChanged != nil {
			h.OnStateChanged(s, ctx)
		}
	}
}

// Subscription represents an observer's registration with a Store.
// Releasing it removes the observer from the store's subscriber count and,
// if it was the last one, returns the store to the cache's default
// eviction regime.
type Subscription struct {
	unsubscribe func()
	once        sync.Once
}

// NewSubscription wraps fn as a Subscription. Used by callers that layer
// extra teardown behavior (cache eviction, most commonly) around an inner
// subscription's Unsubscribe.
func NewSubscription(fn func()) Subscription {
	return Subscription{unsubscribe: fn}
}

// Unsubscribe removes the observer. Calling it more than once is a no-op.
func (s *Subscription) Unsubscribe() {
	s.once.Do(func() {
		if s.unsubscribe != nil {
			s.unsubscribe()
		}
	})
}
