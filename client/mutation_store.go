package client

import (
	"github.com/opexec/engine/operation"
	"github.com/opexec/engine/store"
)

func defaultMutationModifiers[V any, E any](c *Client) []store.Modifier[V, E] {
	return []store.Modifier[V, E]{
		store.Retry[V, E](c.retryLimit()),
		store.Backoff[V, E](c.backoff()),
		store.Delayer[V, E](c.delayer()),
	}
}

// MutationStore returns the cached MutationStore for m, creating it (with
// the client's default mutation pipeline: retried with backoff and a
// delayer, no deduplication since each call supplies its own arguments) if
// this is the first request for m's path.
func MutationStore[Args any, V any, E any](c *Client, m operation.Mutation[Args, V, E], maxHistoryLength int, extraMods ...store.Modifier[V, E]) *store.MutationStore[Args, V, E] {
	key := m.OpPath.String()
	if existing, ok := c.lookup(key); ok {
		return existing.(*store.MutationStore[Args, V, E])
	}
	mods := append(defaultMutationModifiers[V, E](c), extraMods...)
	s := store.NewMutationStore(store.MutationConfig[Args, V, E]{
		Mutation:         m,
		Modifiers:        mods,
		Context:          c.cfg.Context,
		Reporter:         c.cfg.Reporter,
		MaxHistoryLength: maxHistoryLength,
	})
	c.register(key, s)
	return s
}

// SubscribeMutation subscribes handler to s and, on Unsubscribe, checks
// whether s's subscriber count has reached zero and evicts it from c's
// cache if so — the same eviction wrapper Subscribe provides for plain
// query stores.
func SubscribeMutation[Args any, V any, E any](c *Client, s *store.MutationStore[Args, V, E], handler store.MutationEventHandler[V, E]) store.Subscription {
	key := s.Path().String()
	inner := s.Subscribe(handler)
	return store.NewSubscription(func() {
		inner.Unsubscribe()
		c.maybeEvict(key)
	})
}
