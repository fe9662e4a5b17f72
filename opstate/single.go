package opstate

import "time"

// Single is the per-operation observable state machine for a plain query:
// the latest value, error, in-flight task set, and update bookkeeping.
type Single[V any, E any] struct {
	CurrentValue       Optional[V]
	InitialValue       Optional[V]
	ValueUpdateCount   uint64
	ValueLastUpdatedAt Optional[time.Time]
	Error              Optional[E]
	ErrorUpdateCount   uint64
	ErrorLastUpdatedAt Optional[time.Time]
	ActiveTasks        map[string]struct{}
}

// NewSingle constructs the initial state: current_value = initial_value,
// everything else zeroed.
func NewSingle[V any, E any](initial Optional[V]) Single[V, E] {
	return Single[V, E]{
		CurrentValue: initial,
		InitialValue: initial,
		ActiveTasks:  map[string]struct{}{},
	}
}

func (s Single[V, E]) clone() Single[V, E] {
	cp := s
	cp.ActiveTasks = cloneTaskSet(s.ActiveTasks)
	return cp
}

// IsLoading reports whether any task is currently active against this
// state, the ⇔ active_tasks ≠ ∅ invariant.
func (s Single[V, E]) IsLoading() bool { return len(s.ActiveTasks) > 0 }

// Status derives the coarse read of the state's position.
func (s Single[V, E]) Status() Status {
	return statusFrom(s.IsLoading(), s.ValueLastUpdatedAt, s.ErrorLastUpdatedAt)
}

// WithTaskStarted records a newly active task, making IsLoading true.
func (s Single[V, E]) WithTaskStarted(taskID string) Single[V, E] {
	cp := s.clone()
	cp.ActiveTasks[taskID] = struct{}{}
	return cp
}

// WithTaskFinished removes a task from the active set regardless of the
// outcome it finished with.
func (s Single[V, E]) WithTaskFinished(taskID string) Single[V, E] {
	cp := s.clone()
	delete(cp.ActiveTasks, taskID)
	return cp
}

// WithValue records a successful yield: bumps value_update_count, stamps
// value_last_updated_at at `at`, and clears any prior error since a new
// success is by construction the most recent update.
func (s Single[V, E]) WithValue(v V, at time.Time) Single[V, E] {
	cp := s.clone()
	cp.CurrentValue = Some(v)
	cp.ValueUpdateCount++
	cp.ValueLastUpdatedAt = Some(at)
	cp.Error = None[E]()
	return cp
}

// WithError records a failed yield: bumps error_update_count and stamps
// error_last_updated_at, without touching current_value. Per the Open
// Question decision in SPEC_FULL.md, every yielded error counts even if a
// later success supersedes it.
func (s Single[V, E]) WithError(e E, at time.Time) Single[V, E] {
	cp := s.clone()
	cp.Error = Some(e)
	cp.ErrorUpdateCount++
	cp.ErrorLastUpdatedAt = Some(at)
	return cp
}

// Reset returns the state to its construction-time snapshot: current_value
// reverts to initial_value, counts and timestamps clear, and no task is
// considered active (Store is responsible for actually cancelling any
// in-flight tasks before calling Reset).
func (s Single[V, E]) Reset() Single[V, E] {
	return Single[V, E]{
		CurrentValue: s.InitialValue,
		InitialValue: s.InitialValue,
		ActiveTasks:  map[string]struct{}{},
	}
}
