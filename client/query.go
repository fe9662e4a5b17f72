package client

import (
	"github.com/opexec/engine/operation"
	"github.com/opexec/engine/store"
)

func defaultQueryModifiers[V any, E any](c *Client) []store.Modifier[V, E] {
	mods := []store.Modifier[V, E]{
		store.Deduplicated[V, E](),
		store.Retry[V, E](c.retryLimit()),
		store.Backoff[V, E](c.backoff()),
		store.Delayer[V, E](c.delayer()),
	}
	if spec := c.defaultRerunSpec(); spec != nil {
		mods = append(mods, store.EnableAutomaticRunning[V, E](spec), store.RerunOnChange[V, E](spec))
	}
	return mods
}

// QueryStore returns the cached Store for q, creating it (with the
// client's default query pipeline: deduplicated, retried with backoff and
// a delayer, and automatically rerun on network/activity change when
// configured) if this is the first request for q's path.
func QueryStore[V any, E any](c *Client, q operation.Query[V, E], extraMods ...store.Modifier[V, E]) *store.Store[V, E] {
	key := q.OpPath.String()
	if existing, ok := c.lookup(key); ok {
		return existing.(*store.Store[V, E])
	}
	mods := append(defaultQueryModifiers[V, E](c), extraMods...)
	s := store.NewStore(store.Config[V, E]{
		Query:     q,
		Modifiers: mods,
		Context:   c.cfg.Context,
		Reporter:  c.cfg.Reporter,
	})
	c.register(key, s)
	return s
}

// Subscribe subscribes handler to s and, on Unsubscribe, checks whether s's
// subscriber count has reached zero and evicts it from c's cache if so.
func Subscribe[V any, E any](c *Client, s *store.Store[V, E], handler store.EventHandler[V, E]) store.Subscription {
	key := s.Path().String()
	inner := s.Subscribe(handler)
	return store.NewSubscription(func() {
		inner.Unsubscribe()
		c.maybeEvict(key)
	})
}
