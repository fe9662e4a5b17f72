package client

import (
	"github.com/opexec/engine/operation"
	"github.com/opexec/engine/store"
)

// SeedFromPage returns the cached Store for q, creating it if necessary.
// When the store is newly created and has not yet run, seed is consulted;
// if it returns a value, that value is applied via SetResult instead of
// leaving the store to fetch it from scratch — the common case of opening
// a detail view for an item already visible in a list a paginated store
// fetched. seed is never consulted for a store that already existed, so a
// fresher in-flight or completed run is never clobbered.
func SeedFromPage[V any, E any](c *Client, q operation.Query[V, E], seed func() (V, bool)) *store.Store[V, E] {
	key := q.OpPath.String()
	_, existed := c.lookup(key)
	s := QueryStore(c, q)
	if existed {
		return s
	}
	if v, ok := seed(); ok {
		if snap := s.State(); !snap.CurrentValue.Valid {
			s.SetResult(operation.Success[V, E](v))
		}
	}
	return s
}
