// Package operation defines the three operation shapes the engine
// executes: plain queries, paginated queries, and mutations. Every
// operation exposes an identity path, a default-state constructor, and a
// run method; Stores wrap these in a modifier chain (see package store).
package operation

import (
	"context"

	"github.com/opexec/engine/opctx"
	"github.com/opexec/engine/opstate"
	"github.com/opexec/engine/path"
)

// FinalResult is the terminal outcome of an operation body: either a
// value or a typed failure, never both.
type FinalResult[V any, E any] struct {
	Value V
	Err   E
	IsErr bool
}

// Success builds a successful FinalResult.
func Success[V any, E any](v V) FinalResult[V, E] {
	return FinalResult[V, E]{Value: v}
}

// Failure builds a failed FinalResult.
func Failure[V any, E any](e E) FinalResult[V, E] {
	return FinalResult[V, E]{Err: e, IsErr: true}
}

// Continuation is passed into an operation's body so it can stream
// intermediate results before returning its terminal outcome. Each yield
// is applied to the owning store's state, and forwarded to subscribers,
// before control returns to the operation body; yields are delivered to
// subscribers in the order they are made.
type Continuation[V any, E any] struct {
	onValue func(V)
	onError func(E)
}

// NewContinuation wires a Continuation to the callbacks a Store installs
// for a single run.
func NewContinuation[V any, E any](onValue func(V), onError func(E)) *Continuation[V, E] {
	return &Continuation[V, E]{onValue: onValue, onError: onError}
}

// Yield emits an intermediate success.
func (c *Continuation[V, E]) Yield(v V) {
	if c.onValue != nil {
		c.onValue(v)
	}
}

// YieldError emits an intermediate failure without ending the run.
func (c *Continuation[V, E]) YieldError(e E) {
	if c.onError != nil {
		c.onError(e)
	}
}

// YieldResult emits either half of a FinalResult as an intermediate update.
func (c *Continuation[V, E]) YieldResult(r FinalResult[V, E]) {
	if r.IsErr {
		c.YieldError(r.Err)
	} else {
		c.Yield(r.Value)
	}
}

// QueryFunc is a query operation's body: a function of the run's context
// and continuation, returning a terminal result.
type QueryFunc[V any, E any] func(ctx context.Context, rc opctx.Context, cont *Continuation[V, E]) FinalResult[V, E]

// Query is a cached, declarative-path read operation.
type Query[V any, E any] struct {
	OpPath  path.Path
	Initial opstate.Optional[V]
	Body    QueryFunc[V, E]
}

// PagingContext is whatever per-direction paging metadata an operation
// needs (a cursor, an offset, a page size) to decide the next/previous
// page id; it travels opaquely through the store to the operation.
type PagingContext any

// PageFetchFunc fetches one page given its id and the paging context.
type PageFetchFunc[V any, E any] func(ctx context.Context, rc opctx.Context, cont *Continuation[V, E], id opstate.PageID, paging PagingContext) FinalResult[V, E]

// PageIDAfterFunc computes the next page id given the last known page and
// paging metadata. Returning ok=false means there is no next page.
type PageIDAfterFunc[V any] func(last opstate.Page[V], paging PagingContext, rc opctx.Context) (id opstate.PageID, ok bool)

// PaginatedQuery is a query whose result is an ordered sequence of pages.
type PaginatedQuery[V any, E any] struct {
	OpPath        path.Path
	FetchPage     PageFetchFunc[V, E]
	// InitialPageID is the id fetched when no page exists yet.
	InitialPageID opstate.PageID
	PageIDAfter   PageIDAfterFunc[V]
	// PageIDBefore is optional; nil means the operation does not support
	// backward pagination.
	PageIDBefore  PageIDAfterFunc[V]
	InitialPaging PagingContext
}

// MutationFunc is a mutation operation's body: arguments are supplied per
// invocation rather than being part of the operation's identity.
type MutationFunc[Args any, V any, E any] func(ctx context.Context, args Args, rc opctx.Context, cont *Continuation[V, E]) FinalResult[V, E]

// Mutation is a write operation invoked with per-call arguments.
type Mutation[Args any, V any, E any] struct {
	OpPath path.Path
	Body   MutationFunc[Args, V, E]
}
