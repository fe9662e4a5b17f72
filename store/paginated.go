package store

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/opexec/engine/opctx"
	"github.com/opexec/engine/operation"
	"github.com/opexec/engine/opstate"
	"github.com/opexec/engine/optask"
	"github.com/opexec/engine/path"
	"github.com/opexec/engine/warnings"
)

// PaginatedSnapshot is the state shape a PaginatedStore hands to observers.
type PaginatedSnapshot[V any, E any] = opstate.Paginated[V, E]

// PaginatedEventHandler mirrors EventHandler for the paginated state shape.
type PaginatedEventHandler[V any, E any] struct {
	OnStateChanged   func(state PaginatedSnapshot[V, E], ctx opctx.Context)
	OnRunStarted     func(ctx opctx.Context)
	OnRunEnded       func(ctx opctx.Context)
	OnResultReceived func(result operation.FinalResult[V, E], ctx opctx.Context)
}

// PaginatedConfig assembles a PaginatedStore.
type PaginatedConfig[V any, E any] struct {
	Query     operation.PaginatedQuery[V, E]
	Modifiers []Modifier[V, E]
	Context   opctx.Context
	Reporter  *warnings.Reporter
}

// PaginatedStore owns the observable state of a paginated query: an
// ordered, double-ended sequence of pages plus the same run machinery a
// plain Store uses for each individual page fetch.
type PaginatedStore[V any, E any] struct {
	opPath   path.Path
	query    operation.PaginatedQuery[V, E]
	runMods  []Modifier[V, E]
	baseCtx  opctx.Context
	reporter *warnings.Reporter
	dropped  atomic.Bool

	mu          sync.Mutex
	state       PaginatedSnapshot[V, E]
	observers   map[int]PaginatedEventHandler[V, E]
	nextObsID   int
	fetchingFwd *optask.Task[V]
	fetchingBwd *optask.Task[V]
}

// NewPaginatedStore builds a PaginatedStore for cfg.Query.
func NewPaginatedStore[V any, E any](cfg PaginatedConfig[V, E]) *PaginatedStore[V, E] {
	reporter := cfg.Reporter
	if reporter == nil {
		reporter = warnings.Default
	}
	var runMods []Modifier[V, E]
	for _, m := range cfg.Modifiers {
		switch m.(type) {
		case dedupModifier[V, E], controlledModifier[V, E], handleEventsModifier[V, E],
			stalenessModifier[V, E], enableAutoRunModifier[V, E], rerunOnChangeModifier[V, E]:
			// Ignored by paginated stores: fetchDirection collapses
			// same-direction fetches whether or not Deduplicated is given,
			// and the others have no effect on a page sequence.
		default:
			runMods = append(runMods, m)
		}
	}
	return &PaginatedStore[V, E]{
		opPath:    cfg.Query.OpPath,
		query:     cfg.Query,
		runMods:   runMods,
		baseCtx:   cfg.Context,
		reporter:  reporter,
		state:     opstate.NewPaginated[V, E](),
		observers: map[int]PaginatedEventHandler[V, E]{},
	}
}

// Path returns the store's identity path.
func (s *PaginatedStore[V, E]) Path() path.Path { return s.opPath }

// State returns the current page sequence and bookkeeping.
func (s *PaginatedStore[V, E]) State() PaginatedSnapshot[V, E] {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Subscribe registers handler for the store's lifecycle events.
func (s *PaginatedStore[V, E]) Subscribe(handler PaginatedEventHandler[V, E]) Subscription {
	s.mu.Lock()
	id := s.nextObsID
	s.nextObsID++
	s.observers[id] = handler
	s.mu.Unlock()
	return Subscription{unsubscribe: func() {
		s.mu.Lock()
		delete(s.observers, id)
		s.mu.Unlock()
	}}
}

func (s *PaginatedStore[V, E]) snapshotHandlers() []PaginatedEventHandler[V, E] {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]PaginatedEventHandler[V, E], 0, len(s.observers))
	for _, h := range s.observers {
		out = append(out, h)
	}
	return out
}

func (s *PaginatedStore[V, E]) fireRunStarted(ctx opctx.Context) {
	for _, h := range s.snapshotHandlers() {
		if h.OnRunStarted != nil {
			h.OnRunStarted(ctx)
		}
	}
}
func (s *PaginatedStore[V, E]) fireRunEnded(ctx opctx.Context) {
	for _, h := range s.snapshotHandlers() {
		if h.OnRunEnded != nil {
			h.OnRunEnded(ctx)
		}
	}
}
func (s *PaginatedStore[V, E]) fireResultReceived(r operation.FinalResult[V, E], ctx opctx.Context) {
	for _, h := range s.snapshotHandlers() {
		if h.OnResultReceived != nil {
			h.OnResultReceived(r, ctx)
		}
	}
}
func (s *PaginatedStore[V, E]) fireStateChanged(snap PaginatedSnapshot[V, E], ctx opctx.Context) {
	for _, h := range s.snapshotHandlers() {
		if h.OnStateChanged != nil {
			h.OnStateChanged(snap, ctx)
		}
	}
}

type pageDirection int

const (
	dirForward pageDirection = iota
	dirBackward
)

// FetchNextPage fetches the page following the current last page (or the
// first page, if none has been fetched yet). Concurrent calls in the same
// direction collapse onto a single fetch. The returned bool reports
// cancellation only; observe the fetched page itself through State or
// Subscribe, the same way a plain Store's callers do.
func (s *PaginatedStore[V, E]) FetchNextPage(ctx context.Context) (operation.FinalResult[V, E], bool) {
	return s.fetchDirection(ctx, dirForward)
}

// FetchPreviousPage fetches the page preceding the current first page. It
// requires the query to have been constructed with PageIDBefore; calling
// it otherwise reports a warning and returns immediately.
func (s *PaginatedStore[V, E]) FetchPreviousPage(ctx context.Context) (operation.FinalResult[V, E], bool) {
	if s.query.PageIDBefore == nil {
		s.reporter.Reportf(warnings.KindOther, "fetch_previous_page called on a query with no PageIDBefore")
		return operation.FinalResult[V, E]{}, true
	}
	return s.fetchDirection(ctx, dirBackward)
}

func (s *PaginatedStore[V, E]) fetchDirection(ctx context.Context, dir pageDirection) (operation.FinalResult[V, E], bool) {
	s.mu.Lock()
	var existing *optask.Task[V]
	if dir == dirForward {
		existing = s.fetchingFwd
	} else {
		existing = s.fetchingBwd
	}
	if existing != nil && existing.State() != optask.StateFinished {
		s.mu.Unlock()
		r := existing.RunIfNeeded(ctx)
		return resultFromTask[V, E](r)
	}

	var last opstate.Page[V]
	var haveLast bool
	if dir == dirForward {
		last, haveLast = s.state.LastPage()
	} else {
		last, haveLast = s.state.FirstPage()
	}

	var id opstate.PageID
	if !haveLast {
		if dir == dirBackward {
			// No page fetched yet: there is nothing to page backward from.
			s.mu.Unlock()
			return operation.FinalResult[V, E]{}, false
		}
		id = s.query.InitialPageID
	} else {
		idFn := s.query.PageIDAfter
		if dir == dirBackward {
			idFn = s.query.PageIDBefore
		}
		var ok bool
		id, ok = idFn(last, s.query.InitialPaging, s.baseCtx)
		if !ok {
			s.mu.Unlock()
			return operation.FinalResult[V, E]{}, false
		}
	}

	rc := s.baseCtx.Clone()
	t := optask.NewWithReporter(rc, func(ctx context.Context, taskID string, taskCtx opctx.Context) (V, error) {
		s.runFetch(ctx, taskID, taskCtx, dir, id)
		var zero V
		return zero, nil
	}, s.reporter)

	// Install the new task before releasing the lock, so a concurrent call
	// observing "no existing fetch" and one installing this one can never
	// both proceed to create their own task for the same direction.
	if dir == dirForward {
		s.fetchingFwd = t
	} else {
		s.fetchingBwd = t
	}
	s.mu.Unlock()

	r := t.RunIfNeeded(ctx)
	return resultFromTask[V, E](r)
}

func resultFromTask[V any, E any](r optask.Result[V]) (operation.FinalResult[V, E], bool) {
	if r.Cancelled {
		return operation.FinalResult[V, E]{}, true
	}
	return operation.FinalResult[V, E]{}, false
}

func (s *PaginatedStore[V, E]) runFetch(ctx context.Context, taskID string, taskCtx opctx.Context, dir pageDirection, id opstate.PageID) {
	rc := setupAll(s.runMods, taskCtx)

	s.mu.Lock()
	s.state = s.state.WithTaskStarted(taskID)
	s.mu.Unlock()
	s.fireRunStarted(rc)

	cont := operation.NewContinuation[V, E](nil, nil)

	runFn := chain(s.runMods, func(ctx context.Context, rc opctx.Context, cont *operation.Continuation[V, E]) operation.FinalResult[V, E] {
		return s.query.FetchPage(ctx, rc, cont, id, s.query.InitialPaging)
	})
	result := runFn(ctx, rc, cont)

	now := opctx.Get(rc, opctx.ClockKey).Now()
	s.mu.Lock()
	if ctx.Err() != nil {
		// Cancelled (e.g. by ResetState): the outcome is not recorded.
	} else if result.IsErr {
		s.state = s.state.WithError(result.Err, now)
	} else {
		page := opstate.Page[V]{ID: id, Value: result.Value}
		if dir == dirForward {
			s.state = s.state.WithPageAppended(page, now)
		} else {
			s.state = s.state.WithPagePrepended(page, now)
		}
	}
	snap := s.state
	s.state = s.state.WithTaskFinished(taskID)
	if dir == dirForward {
		s.fetchingFwd = nil
	} else {
		s.fetchingBwd = nil
	}
	s.mu.Unlock()

	s.fireResultReceived(result, rc)
	s.fireStateChanged(snap, rc)
	s.fireRunEnded(rc)
}

// RefetchAllPages re-fetches every page currently held, unioning the
// results back by id (refetched pages win on conflict; pages appended by a
// concurrent fetch after this call's snapshot survive), per the
// refetch_all_pages decision. The refetched sequence is buffered locally
// and only swapped into state once every constituent fetch has succeeded;
// if any fetch fails, state.Pages is left untouched and only the error is
// recorded.
func (s *PaginatedStore[V, E]) RefetchAllPages(ctx context.Context) {
	s.mu.Lock()
	pages := append([]opstate.Page[V]{}, s.state.Pages...)
	s.mu.Unlock()
	if len(pages) == 0 {
		return
	}

	rc := setupAll(s.runMods, s.baseCtx.Clone())
	refetched := make([]opstate.Page[V], 0, len(pages))
	var lastErr operation.FinalResult[V, E]
	hadErr := false
	for _, p := range pages {
		cont := operation.NewContinuation[V, E](nil, nil)
		runFn := chain(s.runMods, func(ctx context.Context, rc opctx.Context, cont *operation.Continuation[V, E]) operation.FinalResult[V, E] {
			return s.query.FetchPage(ctx, rc, cont, p.ID, s.query.InitialPaging)
		})
		result := runFn(ctx, rc, cont)
		if result.IsErr {
			hadErr = true
			lastErr = result
			continue
		}
		refetched = append(refetched, opstate.Page[V]{ID: p.ID, Value: result.Value})
	}

	now := opctx.Get(rc, opctx.ClockKey).Now()
	s.mu.Lock()
	if hadErr {
		s.state = s.state.WithError(lastErr.Err, now)
	} else {
		s.state = s.state.WithPagesUnion(refetched, now)
	}
	snap := s.state
	s.mu.Unlock()
	s.fireStateChanged(snap, rc)
}

// ResetState cancels every in-flight page fetch and returns state to its
// initial (empty) snapshot, the same reset-wins semantics Store.ResetState
// documents: a cancellation from the reset task is never recorded as a
// state error.
func (s *PaginatedStore[V, E]) ResetState() {
	s.mu.Lock()
	fwd, bwd := s.fetchingFwd, s.fetchingBwd
	s.mu.Unlock()
	if fwd != nil {
		fwd.Cancel()
	}
	if bwd != nil {
		bwd.Cancel()
	}

	s.mu.Lock()
	s.state = opstate.NewPaginated[V, E]()
	s.fetchingFwd = nil
	s.fetchingBwd = nil
	snap := s.state
	s.mu.Unlock()
	s.fireStateChanged(snap, s.baseCtx)
}

func (s *PaginatedStore[V, E]) isDropped() bool { return s.dropped.Load() }
func (s *PaginatedStore[V, E]) MarkDropped()    { s.dropped.Store(true) }

// SubscriberCount reports the number of live subscriptions.
func (s *PaginatedStore[V, E]) SubscriberCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.observers)
}
