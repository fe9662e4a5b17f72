// Package optask implements a single scheduled execution of an operation:
// deduplicating run-once semantics, cooperative cancellation, and optional
// dependency ordering among tasks of possibly different value types.
package optask

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/opexec/engine/observability"
	"github.com/opexec/engine/opctx"
	"github.com/opexec/engine/warnings"
)

// State is the task's position in its monotone lifecycle.
type State int

const (
	StateUnscheduled State = iota
	StateRunning
	StateFinished
)

func (s State) String() string {
	switch s {
	case StateUnscheduled:
		return "unscheduled"
	case StateRunning:
		return "running"
	case StateFinished:
		return "finished"
	default:
		return "unknown"
	}
}

// Result is the terminal outcome of a task's work closure.
type Result[V any] struct {
	Value     V
	Err       error
	Cancelled bool
}

// Handle is the type-erased view of a Task used to express dependencies
// between tasks of different value types and to detect dependency cycles.
type Handle interface {
	ID() string
	// awaitDone runs the task if it has not started yet and blocks until it
	// is finished or ctx is done. Errors
	// from the dependency's own work are intentionally not surfaced: §4.4
	// specifies dependency awaiting is best-effort.
	awaitDone(ctx context.Context)
	dependencyIDs() []string
}

// Work is the closure a Task executes once scheduled. It receives the
// task's own id and its copied Context, and must observe ctx cancellation.
type Work[V any] func(ctx context.Context, taskID string, taskCtx opctx.Context) (V, error)

// Task is a single scheduled execution of an operation.
type Task[V any] struct {
	id       string
	taskCtx  opctx.Context
	work     Work[V]
	reporter *warnings.Reporter

	mu      sync.Mutex
	state   State
	result  *Result[V]
	deps    []Handle
	cancel  context.CancelFunc
	done    chan struct{}
	started bool
}

// New allocates a task id and captures the work closure and context
// snapshot. The task does not begin executing until RunIfNeeded is called.
func New[V any](taskCtx opctx.Context, work Work[V]) *Task[V] {
	return NewWithReporter(taskCtx, work, warnings.Default)
}

// NewWithReporter is New, but routes cycle warnings to a specific reporter
// (used by Store so warnings carry store-local context).
func NewWithReporter[V any](taskCtx opctx.Context, work Work[V], reporter *warnings.Reporter) *Task[V] {
	if reporter == nil {
		reporter = warnings.Default
	}
	return &Task[V]{
		id:       uuid.NewString(),
		taskCtx:  taskCtx,
		work:     work,
		reporter: reporter,
		state:    StateUnscheduled,
		done:     make(chan struct{}),
	}
}

// ID returns the task's unique identifier.
func (t *Task[V]) ID() string { return t.id }

// State returns the task's current lifecycle state.
func (t *Task[V]) State() State {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

// Context returns the context snapshot the task was constructed with.
func (t *Task[V]) Context() opctx.Context { return t.taskCtx }

// Schedule records dependencies that must (best-effort) complete before
// this task's work closure runs. A self-dependency, or a dependency that is
// itself already scheduled directly after this task, is reported as a
// cyclic-dependency warning and not recorded. Cycles that pass through
// intermediate tasks are not detected.
func (t *Task[V]) Schedule(after ...Handle) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, h := range after {
		if h == nil {
			continue
		}
		if h.ID() == t.id || dependsOn(h, t.id, map[string]bool{}) {
			t.reporter.Reportf(warnings.KindCyclicDependency,
				fmt.Sprintf("task %s: scheduling after %s would introduce a cyclic dependency", t.id, h.ID()))
			continue
		}
		t.deps = append(t.deps, h)
	}
}

func dependsOn(h Handle, targetID string, seen map[string]bool) bool {
	if seen[h.ID()] {
		return false
	}
	seen[h.ID()] = true
	for _, dep := range h.dependencyIDs() {
		if dep == targetID {
			return true
		}
	}
	return false
}

func (t *Task[V]) dependencyIDs() []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	ids := make([]string, len(t.deps))
	for i, d := range t.deps {
		ids[i] = d.ID()
	}
	return ids
}

func (t *Task[V]) awaitDone(ctx context.Context) {
	t.RunIfNeeded(ctx)
}

// RunIfNeeded is idempotent: the first caller transitions the task to
// running and invokes the work closure (after best-effort dependency
// awaiting); concurrent and later callers observe the same stored result.
func (t *Task[V]) RunIfNeeded(ctx context.Context) Result[V] {
	t.mu.Lock()
	switch t.state {
	case StateFinished:
		r := *t.result
		t.mu.Unlock()
		return r
	case StateRunning:
		done := t.done
		t.mu.Unlock()
		select {
		case <-done:
		case <-ctx.Done():
			return Result[V]{Cancelled: true, Err: ctx.Err()}
		}
		t.mu.Lock()
		r := *t.result
		t.mu.Unlock()
		return r
	}
	runCtx, cancel := context.WithCancel(ctx)
	t.state = StateRunning
	t.cancel = cancel
	t.started = true
	deps := t.deps
	t.mu.Unlock()

	spanCtx, endSpan := observability.WithSpan(runCtx, "optask.run_if_needed")
	defer endSpan()

	t.awaitDependencies(spanCtx, deps)

	var value V
	var err error
	func() {
		defer func() {
			if r := recover(); r != nil {
				err = fmt.Errorf("task %s panicked: %v", t.id, r)
			}
		}()
		value, err = t.work(spanCtx, t.id, t.taskCtx)
	}()

	result := Result[V]{Value: value}
	if runCtx.Err() != nil {
		result = Result[V]{Cancelled: true, Err: runCtx.Err()}
	} else if err != nil {
		result.Err = err
	}
	t.finish(result)
	return result
}

func (t *Task[V]) awaitDependencies(ctx context.Context, deps []Handle) {
	if len(deps) == 0 {
		return
	}
	g, gctx := errgroup.WithContext(ctx)
	for _, d := range deps {
		d := d
		g.Go(func() error {
			d.awaitDone(gctx)
			return nil
		})
	}
	_ = g.Wait()
}

func (t *Task[V]) finish(r Result[V]) {
	t.mu.Lock()
	if t.state == StateFinished {
		t.mu.Unlock()
		return
	}
	t.result = &r
	t.state = StateFinished
	done := t.done
	t.mu.Unlock()
	close(done)
}

// Cancel transitions the task to finished(Cancelled). If unscheduled, it
// finishes immediately; if running, it cancels the underlying context;
// if already finished, it is a no-op. Calling it multiple times is
// idempotent.
func (t *Task[V]) Cancel() {
	t.mu.Lock()
	switch t.state {
	case StateFinished:
		t.mu.Unlock()
		return
	case StateUnscheduled:
		t.mu.Unlock()
		t.finish(Result[V]{Cancelled: true, Err: context.Canceled})
		return
	default: // running
		cancel := t.cancel
		t.mu.Unlock()
		if cancel != nil {
			cancel()
		}
	}
}

// Map returns a derived task sharing t's id and run state, applying f to
// the value on success.
func Map[V any, W any](t *Task[V], f func(V) W) *MappedTask[V, W] {
	return &MappedTask[V, W]{inner: t, f: f}
}

// MappedTask is the read-only, value-transformed view of a Task produced
// by Map. It shares identity and lifecycle with the task it wraps.
type MappedTask[V any, W any] struct {
	inner *Task[V]
	f     func(V) W
}

func (m *MappedTask[V, W]) ID() string                    { return m.inner.ID() }
func (m *MappedTask[V, W]) State() State                  { return m.inner.State() }
func (m *MappedTask[V, W]) awaitDone(ctx context.Context) { m.inner.awaitDone(ctx) }
func (m *MappedTask[V, W]) dependencyIDs() []string       { return m.inner.dependencyIDs() }

// RunIfNeeded runs (or awaits) the underlying task and maps its value.
func (m *MappedTask[V, W]) RunIfNeeded(ctx context.Context) Result[W] {
	r := m.inner.RunIfNeeded(ctx)
	out := Result[W]{Err: r.Err, Cancelled: r.Cancelled}
	if r.Err == nil && !r.Cancelled {
		out.Value = m.f(r.Value)
	}
	return out
}
