package client

import (
	"github.com/opexec/engine/operation"
	"github.com/opexec/engine/store"
)

func defaultPaginatedModifiers[V any, E any](c *Client) []store.Modifier[V, E] {
	return []store.Modifier[V, E]{
		store.Retry[V, E](c.retryLimit()),
		store.Backoff[V, E](c.backoff()),
		store.Delayer[V, E](c.delayer()),
	}
}

// PaginatedQueryStore returns the cached PaginatedStore for q, creating it
// with the client's default per-page retry pipeline if this is the first
// request for q's path.
func PaginatedQueryStore[V any, E any](c *Client, q operation.PaginatedQuery[V, E], extraMods ...store.Modifier[V, E]) *store.PaginatedStore[V, E] {
	key := q.OpPath.String()
	if existing, ok := c.lookup(key); ok {
		return existing.(*store.PaginatedStore[V, E])
	}
	mods := append(defaultPaginatedModifiers[V, E](c), extraMods...)
	s := store.NewPaginatedStore(store.PaginatedConfig[V, E]{
		Query:     q,
		Modifiers: mods,
		Context:   c.cfg.Context,
		Reporter:  c.cfg.Reporter,
	})
	c.register(key, s)
	return s
}

// SubscribePaginated subscribes handler to s and, on Unsubscribe, checks
// whether s's subscriber count has reached zero and evicts it from c's
// cache if so — the same eviction wrapper Subscribe provides for plain
// query stores.
func SubscribePaginated[V any, E any](c *Client, s *store.PaginatedStore[V, E], handler store.PaginatedEventHandler[V, E]) store.Subscription {
	key := s.Path().String()
	inner := s.Subscribe(handler)
	return store.NewSubscription(func() {
		inner.Unsubscribe()
		c.maybeEvict(key)
	})
}
