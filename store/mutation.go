package store

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"

	"github.com/opexec/engine/opctx"
	"github.com/opexec/engine/operation"
	"github.com/opexec/engine/opstate"
	"github.com/opexec/engine/path"
	"github.com/opexec/engine/warnings"
)

// MutationSnapshot is the state shape a MutationStore hands to observers.
type MutationSnapshot[V any, E any] = opstate.Mutation[V, E]

// MutationEventHandler mirrors EventHandler for the mutation state shape.
type MutationEventHandler[V any, E any] struct {
	OnStateChanged   func(state MutationSnapshot[V, E], ctx opctx.Context)
	OnRunStarted     func(ctx opctx.Context)
	OnRunEnded       func(ctx opctx.Context)
	OnResultReceived func(result operation.FinalResult[V, E], ctx opctx.Context)
}

// MutationConfig assembles a MutationStore.
type MutationConfig[Args any, V any, E any] struct {
	Mutation         operation.Mutation[Args, V, E]
	Modifiers        []Modifier[V, E]
	Context          opctx.Context
	Reporter         *warnings.Reporter
	MaxHistoryLength int
}

// MutationStore owns the bounded attempt history of a write operation.
// Arguments are supplied per call rather than as part of the operation's
// identity; RetryLatest against an empty history is a ProgrammingError, reported
// rather than panicking, since there is no prior attempt to retry.
type MutationStore[Args any, V any, E any] struct {
	opPath   path.Path
	mutation operation.Mutation[Args, V, E]
	runMods  []Modifier[V, E]
	baseCtx  opctx.Context
	reporter *warnings.Reporter
	dropped  atomic.Bool

	mu        sync.Mutex
	state     MutationSnapshot[V, E]
	observers map[int]MutationEventHandler[V, E]
	nextObsID int
	lastArgs  Args
	haveArgs  bool
}

// NewMutationStore builds a MutationStore for cfg.Mutation.
func NewMutationStore[Args any, V any, E any](cfg MutationConfig[Args, V, E]) *MutationStore[Args, V, E] {
	reporter := cfg.Reporter
	if reporter == nil {
		reporter = warnings.Default
	}
	var runMods []Modifier[V, E]
	for _, m := range cfg.Modifiers {
		switch m.(type) {
		case dedupModifier[V, E], controlledModifier[V, E], handleEventsModifier[V, E],
			stalenessModifier[V, E], enableAutoRunModifier[V, E], rerunOnChangeModifier[V, E]:
			// Not meaningful for a per-call mutation; ignored.
		default:
			runMods = append(runMods, m)
		}
	}
	maxLen := cfg.MaxHistoryLength
	if maxLen < 1 {
		maxLen = 1
	}
	return &MutationStore[Args, V, E]{
		opPath:    cfg.Mutation.OpPath,
		mutation:  cfg.Mutation,
		runMods:   runMods,
		baseCtx:   cfg.Context,
		reporter:  reporter,
		state:     opstate.NewMutation[V, E](maxLen),
		observers: map[int]MutationEventHandler[V, E]{},
	}
}

// Path returns the store's identity path.
func (s *MutationStore[Args, V, E]) Path() path.Path { return s.opPath }

// State returns the current attempt history.
func (s *MutationStore[Args, V, E]) State() MutationSnapshot[V, E] {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Subscribe registers handler for the store's lifecycle events.
func (s *MutationStore[Args, V, E]) Subscribe(handler MutationEventHandler[V, E]) Subscription {
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

func (s *MutationStore[Args, V, E]) snapshotHandlers() []MutationEventHandler[V, E] {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]MutationEventHandler[V, E], 0, len(s.observers))
	for _, h := range s.observers {
		out = append(out, h)
	}
	return out
}

func (s *MutationStore[Args, V, E]) fireRunStarted(ctx opctx.Context) {
	for _, h := range s.snapshotHandlers() {
		if h.OnRunStarted != nil {
			h.OnRunStarted(ctx)
		}
	}
}
func (s *MutationStore[Args, V, E]) fireRunEnded(ctx opctx.Context) {
	for _, h := range s.snapshotHandlers() {
		if h.OnRunEnded != nil {
			h.OnRunEnded(ctx)
		}
	}
}
func (s *MutationStore[Args, V, E]) fireResultReceived(r operation.FinalResult[V, E], ctx opctx.Context) {
	for _, h := range s.snapshotHandlers() {
		if h.OnResultReceived != nil {
			h.OnResultReceived(r, ctx)
		}
	}
}
func (s *MutationStore[Args, V, E]) fireStateChanged(snap MutationSnapshot[V, E], ctx opctx.Context) {
	for _, h := range s.snapshotHandlers() {
		if h.OnStateChanged != nil {
			h.OnStateChanged(snap, ctx)
		}
	}
}

// Mutate runs the mutation body with args, recording a new attempt in
// history (trimming the oldest once MaxHistoryLength is exceeded).
func (s *MutationStore[Args, V, E]) Mutate(ctx context.Context, args Args) operation.FinalResult[V, E] {
	attemptID := uuid.NewString()
	taskID := uuid.NewString()
	rc := setupAll(s.runMods, s.baseCtx.Clone())
	now := opctx.Get(rc, opctx.ClockKey).Now()

	s.mu.Lock()
	s.state = s.state.WithAttemptStarted(attemptID, args, now, taskID)
	s.lastArgs = args
	s.haveArgs = true
	s.mu.Unlock()
	s.fireRunStarted(rc)

	cont := operation.NewContinuation[V, E](nil, nil)
	runFn := chain(s.runMods, func(ctx context.Context, rc opctx.Context, cont *operation.Continuation[V, E]) operation.FinalResult[V, E] {
		return s.mutation.Body(ctx, args, rc, cont)
	})
	result := runFn(ctx, rc, cont)

	finishedAt := opctx.Get(rc, opctx.ClockKey).Now()
	var attemptResult opstate.AttemptResult[V, E]
	if result.IsErr {
		attemptResult = opstate.AttemptResult[V, E]{Err: result.Err, IsError: true}
	} else {
		attemptResult = opstate.AttemptResult[V, E]{Value: result.Value}
	}

	s.mu.Lock()
	s.state = s.state.WithAttemptResult(attemptID, attemptResult, finishedAt, taskID)
	snap := s.state
	s.mu.Unlock()

	s.fireResultReceived(result, rc)
	s.fireStateChanged(snap, rc)
	s.fireRunEnded(rc)
	return result
}

// RetryLatest re-runs the mutation with the arguments of the most recent
// attempt. Calling it with no prior attempt is a ProgrammingError: it is
// reported through the warnings channel rather than panicking, and returns
// the zero FinalResult.
func (s *MutationStore[Args, V, E]) RetryLatest(ctx context.Context) operation.FinalResult[V, E] {
	s.mu.Lock()
	args := s.lastArgs
	ok := s.haveArgs
	s.mu.Unlock()
	if !ok {
		s.reporter.Reportf(warnings.KindMutationRunWithoutHistory,
			"retry_latest called on a mutation store with no prior attempt")
		return operation.FinalResult[V, E]{}
	}
	return s.Mutate(ctx, args)
}

// ResetState clears the attempt history back to its initial (empty)
// snapshot, the same reset-wins semantics Store.ResetState documents.
// In-flight attempts are not forcibly cancelled (a mutation's side effect
// may already be underway), but their eventual result is applied to a
// history that has already been cleared.
func (s *MutationStore[Args, V, E]) ResetState() {
	s.mu.Lock()
	maxLen := s.state.MaxHistoryLength
	s.state = opstate.NewMutation[V, E](maxLen)
	s.haveArgs = false
	var zero Args
	s.lastArgs = zero
	snap := s.state
	s.mu.Unlock()
	s.fireStateChanged(snap, s.baseCtx)
}

func (s *MutationStore[Args, V, E]) isDropped() bool { return s.dropped.Load() }
func (s *MutationStore[Args, V, E]) MarkDropped()    { s.dropped.Store(true) }

// SubscriberCount reports the number of live subscriptions.
func (s *MutationStore[Args, V, E]) SubscriberCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.observers)
}
