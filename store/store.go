// Package store implements the Store: the owner of one operation's
// observable state and its in-flight tasks. A Store wraps an
// operation.Query (or PaginatedQuery, or Mutation; see paginated.go and
// mutation.go) in a chain of Modifiers and exposes Run/Subscribe/State to
// callers, the same run-then-observe shape the rest of the engine is built
// around.
package store

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/opexec/engine/observability"
	"github.com/opexec/engine/opctx"
	"github.com/opexec/engine/operation"
	"github.com/opexec/engine/opstate"
	"github.com/opexec/engine/optask"
	"github.com/opexec/engine/path"
	"github.com/opexec/engine/runspec"
	"github.com/opexec/engine/warnings"
)

// Config assembles everything a Store needs at construction time: the
// operation body, its modifier chain, and the base context every run's
// snapshot is derived from. Plain-struct configuration, not functional
// options, matching how this codebase's other long-lived components
// (resilience policies, scheduler configs) are built.
type Config[V any, E any] struct {
	Query     operation.Query[V, E]
	Modifiers []Modifier[V, E]
	Context   opctx.Context
	Reporter  *warnings.Reporter
}

// Store owns one operation's state and coordinates the tasks that update
// it.
type Store[V any, E any] struct {
	opPath   path.Path
	query    operation.Query[V, E]
	runMods  []Modifier[V, E]
	baseCtx  opctx.Context
	reporter *warnings.Reporter
	events   *eventSet[V, E]
	dropped  atomic.Bool

	dedup       bool
	controller  Controller[V, E]
	staleMods   []stalenessModifier[V, E]
	autoRunSpec runspec.Spec

	mu                 sync.Mutex
	state              Snapshot[V, E]
	lastResult         operation.FinalResult[V, E]
	activeTask         *optask.Task[V]
	rerunSub           runspec.Subscription
	rerunLastSatisfied bool
}

// NewStore builds a Store for cfg.Query. cfg.Context supplies the base
// context (clock, task configuration, and any user keys) every run starts
// from; EnableAutomaticRunning/RerunOnChange modifiers layer the
// automatic-run gate on top of it.
func NewStore[V any, E any](cfg Config[V, E]) *Store[V, E] {
	reporter := cfg.Reporter
	if reporter == nil {
		reporter = warnings.Default
	}
	s := &Store[V, E]{
		opPath:   cfg.Query.OpPath,
		query:    cfg.Query,
		baseCtx:  cfg.Context,
		reporter: reporter,
		events:   newEventSet[V, E](),
		state:    opstate.NewSingle[V, E](cfg.Query.Initial),
	}

	var runMods []Modifier[V, E]
	for _, m := range cfg.Modifiers {
		switch mm := m.(type) {
		case dedupModifier[V, E]:
			s.dedup = true
		case controlledModifier[V, E]:
			s.controller = mm.Controller
		case handleEventsModifier[V, E]:
			s.events.addPermanent(mm.Handler)
		case stalenessModifier[V, E]:
			s.staleMods = append(s.staleMods, mm)
		case enableAutoRunModifier[V, E]:
			s.autoRunSpec = mm.Spec
		case rerunOnChangeModifier[V, E]:
			s.wireRerun(mm.Spec)
		default:
			runMods = append(runMods, m)
		}
	}
	s.runMods = runMods

	if s.autoRunSpec != nil {
		spec := s.autoRunSpec
		gate := opctx.AutoRunGate(func() bool { return spec.IsSatisfied(s.baseCtx) })
		s.baseCtx = opctx.Set(s.baseCtx, opctx.EnableAutomaticRunningKey, gate)
	}

	return s
}

func (s *Store[V, E]) wireRerun(spec runspec.Spec) {
	s.rerunLastSatisfied = spec.IsSatisfied(s.baseCtx)
	s.rerunSub = spec.Subscribe(s.baseCtx, func() {
		now := spec.IsSatisfied(s.baseCtx)
		s.mu.Lock()
		prev := s.rerunLastSatisfied
		s.rerunLastSatisfied = now
		s.mu.Unlock()
		if !prev && now {
			s.triggerRerun()
		}
	})
}

// Path returns the store's identity path.
func (s *Store[V, E]) Path() path.Path { return s.opPath }

// Context returns the store's base context, the snapshot every run starts
// from before modifiers layer in per-run keys.
func (s *Store[V, E]) Context() opctx.Context {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.baseCtx
}

// State returns the store's current snapshot.
func (s *Store[V, E]) State() Snapshot[V, E] {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// SubscriberCount reports the number of live subscriptions.
func (s *Store[V, E]) SubscriberCount() int { return s.events.subscriberCount() }

// IsAutomaticRunningEnabled reports whether this store is configured to run
// itself on first subscription and on gated rerun triggers.
func (s *Store[V, E]) IsAutomaticRunningEnabled() bool { return s.autoRunSpec != nil }

// IsStale reports whether any configured staleness predicate currently
// holds against the store's state.
func (s *Store[V, E]) IsStale() bool {
	if len(s.staleMods) == 0 {
		return false
	}
	snap := s.State()
	for _, m := range s.staleMods {
		switch m.Kind {
		case StaleAfterDuration:
			if !snap.ValueLastUpdatedAt.Valid {
				continue
			}
			if time.Since(snap.ValueLastUpdatedAt.Value) >= m.After {
				return true
			}
		case StaleWhenPredicate:
			if m.Predicate != nil && m.Predicate(snap) {
				return true
			}
		case StaleWhenNoValue:
			if !snap.CurrentValue.Valid {
				return true
			}
		}
	}
	return false
}

// Subscribe registers handler for the store's event stream. If this is the
// first live subscription and automatic running is enabled and currently
// satisfied, it triggers a run.
func (s *Store[V, E]) Subscribe(handler EventHandler[V, E]) Subscription {
	_, unsubscribe := s.events.subscribe(handler)
	isFirst := s.events.subscriberCount() == 1
	if isFirst && s.autoRunSpec != nil && s.autoRunSpec.IsSatisfied(s.baseCtx) {
		go s.Run(context.Background())
	}
	return Subscription{unsubscribe: unsubscribe}
}

// Run executes the operation if needed, discarding the completion value;
// observers learn the outcome through State/Subscribe.
func (s *Store[V, E]) Run(ctx context.Context) {
	s.RunTask(ctx)
}

// RunTask executes the operation if needed and returns its terminal
// result. Concurrent callers on a Deduplicated store observe the same
// result from the single underlying execution.
func (s *Store[V, E]) RunTask(ctx context.Context) (result operation.FinalResult[V, E], cancelled bool) {
	t := s.obtainTask()
	r := t.RunIfNeeded(ctx)
	if r.Cancelled {
		return operation.FinalResult[V, E]{}, true
	}
	s.mu.Lock()
	result = s.lastResult
	s.mu.Unlock()
	return result, false
}

func (s *Store[V, E]) obtainTask() *optask.Task[V] {
	s.mu.Lock()
	if s.dedup && s.activeTask != nil && s.activeTask.State() != optask.StateFinished {
		t := s.activeTask
		s.mu.Unlock()
		observability.RecordDedupHit(context.Background())
		return t
	}
	rc := s.baseCtx.Clone()
	t := optask.NewWithReporter(rc, s.doWork, s.reporter)
	if s.dedup {
		s.activeTask = t
	}
	s.mu.Unlock()
	return t
}

func (s *Store[V, E]) doWork(ctx context.Context, taskID string, taskCtx opctx.Context) (V, error) {
	ctx, endSpan := observability.WithSpan(ctx, "store.run")
	defer endSpan()
	start := time.Now()
	defer func() { observability.RecordRunDuration(context.Background(), time.Since(start)) }()

	rc := setupAll(s.runMods, taskCtx)
	rc = opctx.Set(rc, opctx.RunningTaskInfoKey, opctx.RunningTaskInfo{TaskID: taskID})

	s.commitTaskStarted(taskID, rc)

	cont := operation.NewContinuation[V, E](
		func(v V) { s.commitYieldValue(v, rc) },
		func(e E) { s.commitYieldError(e, rc) },
	)

	var controlSub Subscription
	if s.controller != nil {
		controlSub = s.controller.Control(newControls(s))
	}

	runFn := chain(s.runMods, func(ctx context.Context, rc opctx.Context, cont *operation.Continuation[V, E]) operation.FinalResult[V, E] {
		return s.query.Body(ctx, rc, cont)
	})

	result := runFn(ctx, rc, cont)
	controlSub.Unsubscribe()

	if ctx.Err() == nil {
		if result.IsErr {
			s.commitYieldError(result.Err, rc)
		} else {
			s.commitYieldValue(result.Value, rc)
		}
	}
	s.commitTaskFinished(taskID, result, rc)

	var zero V
	return zero, nil
}

func (s *Store[V, E]) commitTaskStarted(taskID string, rc opctx.Context) {
	s.mu.Lock()
	s.state = s.state.WithTaskStarted(taskID)
	s.mu.Unlock()
	s.events.fireRunStarted(rc)
}

func (s *Store[V, E]) commitTaskFinished(taskID string, result operation.FinalResult[V, E], rc opctx.Context) {
	s.mu.Lock()
	s.state = s.state.WithTaskFinished(taskID)
	s.lastResult = result
	if s.dedup && s.activeTask != nil && s.activeTask.ID() == taskID {
		s.activeTask = nil
	}
	s.mu.Unlock()
	s.events.fireRunEnded(rc)
}

func (s *Store[V, E]) commitYieldValue(v V, rc opctx.Context) {
	now := opctx.Get(rc, opctx.ClockKey).Now()
	s.mu.Lock()
	s.state = s.state.WithValue(v, now)
	snap := s.state
	s.mu.Unlock()
	s.events.fireResultReceived(operation.Success[V, E](v), rc)
	s.events.fireStateChanged(snap, rc)
}

func (s *Store[V, E]) commitYieldError(e E, rc opctx.Context) {
	now := opctx.Get(rc, opctx.ClockKey).Now()
	s.mu.Lock()
	s.state = s.state.WithError(e, now)
	snap := s.state
	s.mu.Unlock()
	s.events.fireResultReceived(operation.Failure[V, E](e), rc)
	s.events.fireStateChanged(snap, rc)
}

func (s *Store[V, E]) externalYieldValue(v V) { s.commitYieldValue(v, s.baseCtx) }
func (s *Store[V, E]) externalYieldError(e E) { s.commitYieldError(e, s.baseCtx) }

// ResetState returns the state to its initial snapshot and cancels the
// active task (on a Deduplicated store) without recording its cancellation
// as a state error.
func (s *Store[V, E]) ResetState() {
	s.mu.Lock()
	task := s.activeTask
	s.mu.Unlock()
	if task != nil {
		task.Cancel()
	}
	s.mu.Lock()
	s.state = s.state.Reset()
	snap := s.state
	s.activeTask = nil
	s.mu.Unlock()
	s.events.fireStateChanged(snap, s.baseCtx)
}

// SetResult applies result directly to the store's state as though it were
// the outcome of a zero-length run: it fires exactly one on_result_received
// followed by one on_state_changed, without a surrounding run_started/
// run_ended pair.
func (s *Store[V, E]) SetResult(result operation.FinalResult[V, E]) {
	now := opctx.Get(s.baseCtx, opctx.ClockKey).Now()
	s.mu.Lock()
	if result.IsErr {
		s.state = s.state.WithError(result.Err, now)
	} else {
		s.state = s.state.WithValue(result.Value, now)
	}
	snap := s.state
	s.lastResult = result
	s.mu.Unlock()
	s.events.fireResultReceived(result, s.baseCtx)
	s.events.fireStateChanged(snap, s.baseCtx)
}

func (s *Store[V, E]) triggerRerun() {
	gate := opctx.Get(s.baseCtx, opctx.EnableAutomaticRunningKey)
	if !gate() {
		return
	}
	go s.Run(context.Background())
}

func (s *Store[V, E]) isDropped() bool { return s.dropped.Load() }

// MarkDropped flags the store as evicted from its owning cache; subsequent
// Controls access reports a warning instead of touching torn-down state.
func (s *Store[V, E]) MarkDropped() { s.dropped.Store(true) }

// Close releases resources the store's modifiers hold open (a RerunOnChange
// subscription, most commonly).
func (s *Store[V, E]) Close() {
	if s.rerunSub != nil {
		s.rerunSub.Unsubscribe()
	}
}
