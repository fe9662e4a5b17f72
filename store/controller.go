package store

import (
	"github.com/opexec/engine/opctx"
	"github.com/opexec/engine/warnings"
)

// Controller is implemented by an operation body that wants direct access
// to its owning store beyond the Continuation it is handed: reading live
// state and context, forcing a rerun, or resetting state from inside the
// run itself. Control is called once per run, before the operation's Body
// executes, and returns a Subscription the store holds for the duration of
// that run.
type Controller[V any, E any] interface {
	Control(controls *Controls[V, E]) Subscription
}

// ControllerFunc adapts a plain function to Controller.
type ControllerFunc[V any, E any] func(controls *Controls[V, E]) Subscription

// Control implements Controller.
func (f ControllerFunc[V, E]) Control(controls *Controls[V, E]) Subscription {
	return f(controls)
}

// Controls is the handle a Controller uses to reach back into its owning
// store. It holds only a plain pointer to the store (Go has no native weak
// reference), but every accessor checks a dropped flag the store's owning
// cache flips at eviction time; once dropped, accessors report a warning
// through the store's reporter and return zero values instead of reaching
// into torn-down state.
type Controls[V any, E any] struct {
	store *Store[V, E]
}

func newControls[V any, E any](s *Store[V, E]) *Controls[V, E] {
	return &Controls[V, E]{store: s}
}

func (c *Controls[V, E]) reporter() *warnings.Reporter {
	if c.store.reporter != nil {
		return c.store.reporter
	}
	return warnings.Default
}

func (c *Controls[V, E]) warnDropped(op string) {
	c.reporter().Reportf(warnings.KindControllerAfterDrop,
		"controller access ("+op+") after store was dropped from the cache")
}

// State returns the store's current snapshot, or the zero Snapshot with a
// reported warning if the store has since been evicted.
func (c *Controls[V, E]) State() Snapshot[V, E] {
	if c.store.isDropped() {
		c.warnDropped("state")
		return Snapshot[V, E]{}
	}
	return c.store.State()
}

// Context returns the store's base context.
func (c *Controls[V, E]) Context() opctx.Context {
	if c.store.isDropped() {
		c.warnDropped("context")
		return opctx.New()
	}
	return c.store.Context()
}

// Yield forwards a successful intermediate value to the store's in-flight
// run, as if yielded from the operation body itself.
func (c *Controls[V, E]) Yield(v V) {
	if c.store.isDropped() {
		c.warnDropped("yield")
		return
	}
	c.store.externalYieldValue(v)
}

// YieldError forwards a failed intermediate value.
func (c *Controls[V, E]) YieldError(e E) {
	if c.store.isDropped() {
		c.warnDropped("yield_error")
		return
	}
	c.store.externalYieldError(e)
}

// YieldRerun triggers a new run as though automatic running fired, silently
// doing nothing if automatic running is disabled for this store.
func (c *Controls[V, E]) YieldRerun() {
	if c.store.isDropped() {
		c.warnDropped("yield_rerun")
		return
	}
	c.store.triggerRerun()
}

// YieldResetState resets the store's state to its initial snapshot,
// cancelling any in-flight tasks.
func (c *Controls[V, E]) YieldResetState() {
	if c.store.isDropped() {
		c.warnDropped("yield_reset_state")
		return
	}
	c.store.ResetState()
}

// SubscriberCount reports how many live subscriptions the store currently
// has.
func (c *Controls[V, E]) SubscriberCount() int {
	if c.store.isDropped() {
		c.warnDropped("subscriber_count")
		return 0
	}
	return c.store.SubscriberCount()
}
