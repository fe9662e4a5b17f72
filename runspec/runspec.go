// Package runspec implements run specifications: boolean predicates with
// change notification used to gate automatic runs and to trigger reruns
// when application state changes (network connectivity, foreground state,
// ad-hoc predicates, or a cron schedule window).
package runspec

import (
	"sync"

	"github.com/opexec/engine/opctx"
)

// ChangeFunc is invoked whenever a specification's evaluated value may have
// changed. Immediately after invoking it, IsSatisfied must return the new
// value.
type ChangeFunc func()

// Subscription represents an observer's registration with a Spec.
// Releasing it removes the observer.
type Subscription interface {
	Unsubscribe()
}

// Spec is a boolean predicate with change notifications. IsSatisfied must
// reflect the latest value at all times, not merely while subscribed.
type Spec interface {
	IsSatisfied(ctx opctx.Context) bool
	Subscribe(ctx opctx.Context, onChange ChangeFunc) Subscription
}

type funcSubscription struct{ fn func() }

func (f funcSubscription) Unsubscribe() {
	if f.fn != nil {
		f.fn()
	}
}

// broadcaster is the shared plumbing for specs that maintain their own
// observer list (constant and composite specs do not need one;
// externally-driven specs do).
type broadcaster struct {
	mu        sync.Mutex
	observers map[int]ChangeFunc
	nextID    int
}

func (b *broadcaster) subscribe(onChange ChangeFunc) Subscription {
	b.mu.Lock()
	if b.observers == nil {
		b.observers = map[int]ChangeFunc{}
	}
	id := b.nextID
	b.nextID++
	b.observers[id] = onChange
	b.mu.Unlock()
	return funcSubscription{fn: func() {
		b.mu.Lock()
		delete(b.observers, id)
		b.mu.Unlock()
	}}
}

func (b *broadcaster) notify() {
	b.mu.Lock()
	fns := make([]ChangeFunc, 0, len(b.observers))
	for _, fn := range b.observers {
		fns = append(fns, fn)
	}
	b.mu.Unlock()
	for _, fn := range fns {
		fn()
	}
}

// alwaysSpec is a constant specification.
type alwaysSpec struct{ value bool }

// Always returns a specification whose value never changes.
func Always(value bool) Spec { return alwaysSpec{value: value} }

func (a alwaysSpec) IsSatisfied(opctx.Context) bool { return a.value }
func (a alwaysSpec) Subscribe(opctx.Context, ChangeFunc) Subscription {
	return funcSubscription{}
}

// notSpec negates child.
type notSpec struct {
	child Spec
}

// Not returns the logical negation of spec.
func Not(spec Spec) Spec { return notSpec{child: spec} }

func (n notSpec) IsSatisfied(ctx opctx.Context) bool { return !n.child.IsSatisfied(ctx) }
func (n notSpec) Subscribe(ctx opctx.Context, onChange ChangeFunc) Subscription {
	return n.child.Subscribe(ctx, onChange)
}

// andSpec evaluates the conjunction of its children.
type andSpec struct {
	children []Spec
}

// And subscribes to every child; its value changes whenever any child's
// value may have changed. IsSatisfied evaluates the children in order and
// returns false at the first unsatisfied one.
func And(specs ...Spec) Spec { return andSpec{children: specs} }

func (a andSpec) IsSatisfied(ctx opctx.Context) bool {
	for _, c := range a.children {
		if !c.IsSatisfied(ctx) {
			return false
		}
	}
	return true
}

func (a andSpec) Subscribe(ctx opctx.Context, onChange ChangeFunc) Subscription {
	subs := make([]Subscription, len(a.children))
	for i, c := range a.children {
		subs[i] = c.Subscribe(ctx, onChange)
	}
	return funcSubscription{fn: func() {
		for _, s := range subs {
			s.Unsubscribe()
		}
	}}
}

// orSpec evaluates the disjunction of its children.
type orSpec struct {
	children []Spec
}

// Or is the disjunctive analogue of And.
func Or(specs ...Spec) Spec { return orSpec{children: specs} }

func (o orSpec) IsSatisfied(ctx opctx.Context) bool {
	for _, c := range o.children {
		if c.IsSatisfied(ctx) {
			return true
		}
	}
	return false
}

func (o orSpec) Subscribe(ctx opctx.Context, onChange ChangeFunc) Subscription {
	subs := make([]Subscription, len(o.children))
	for i, c := range o.children {
		subs[i] = c.Subscribe(ctx, onChange)
	}
	return funcSubscription{fn: func() {
		for _, s := range subs {
			s.Unsubscribe()
		}
	}}
}
