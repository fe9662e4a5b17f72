package store

import "github.com/opexec/engine/opstate"

// Snapshot is the state shape a plain Query store hands to observers.
// Paginated and mutation stores use opstate.Paginated / opstate.Mutation
// directly rather than this alias.
type Snapshot[V any, E any] = opstate.Single[V, E]
