package store

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/opexec/engine/opctx"
	"github.com/opexec/engine/operation"
	"github.com/opexec/engine/opstate"
	"github.com/opexec/engine/path"
	"github.com/opexec/engine/runspec"
	warnpkg "github.com/opexec/engine/warnings"
)

type fakeClock struct{ t time.Time }

func (f fakeClock) Now() time.Time { return f.t }

func testCtx() opctx.Context {
	return opctx.Set(opctx.New(), opctx.ClockKey, opctx.Clock(fakeClock{t: time.Unix(0, 0)}))
}

func echoQuery(value int) operation.Query[int, string] {
	return operation.Query[int, string]{
		OpPath:  path.Of("echo"),
		Initial: opstate.None[int](),
		Body: func(ctx context.Context, rc opctx.Context, cont *operation.Continuation[int, string]) operation.FinalResult[int, string] {
			return operation.Success[int, string](value)
		},
	}
}

func TestStoreRunSucceeds(t *testing.T) {
	s := NewStore(Config[int, string]{Query: echoQuery(7), Context: testCtx()})
	s.Run(context.Background())

	state := s.State()
	if !state.CurrentValue.Valid || state.CurrentValue.Value != 7 {
		t.Fatalf("expected value 7, got %+v", state)
	}
	if state.ValueUpdateCount != 1 {
		t.Fatalf("expected one update, got %d", state.ValueUpdateCount)
	}
	if state.IsLoading() {
		t.Fatalf("expected no active tasks after completion")
	}
}

func TestStoreRetryThenSucceeds(t *testing.T) {
	var attempts atomic.Int32
	q := operation.Query[int, string]{
		OpPath:  path.Of("flaky"),
		Initial: opstate.None[int](),
		Body: func(ctx context.Context, rc opctx.Context, cont *operation.Continuation[int, string]) operation.FinalResult[int, string] {
			n := attempts.Add(1)
			if n < 3 {
				return operation.Failure[int, string]("not yet")
			}
			return operation.Success[int, string](99)
		},
	}
	s := NewStore(Config[int, string]{
		Query:     q,
		Context:   testCtx(),
		Modifiers: []Modifier[int, string]{Retry[int, string](5), Delayer[int, string](noopDelayer{})},
	})
	s.Run(context.Background())

	if attempts.Load() != 3 {
		t.Fatalf("expected exactly 3 attempts, got %d", attempts.Load())
	}
	state := s.State()
	if !state.CurrentValue.Valid || state.CurrentValue.Value != 99 {
		t.Fatalf("expected eventual value 99, got %+v", state)
	}
	// Failed attempts are absorbed by the retry loop and never yielded, so
	// none of them counts as an error update.
	if state.ErrorUpdateCount != 0 {
		t.Fatalf("intermediate retry failures are not yielded as errors, expected 0, got %d", state.ErrorUpdateCount)
	}
}

type noopDelayer struct{}

func (noopDelayer) Sleep(ctx context.Context, d time.Duration) error { return nil }

func TestStoreDeduplicatesConcurrentRuns(t *testing.T) {
	var starts atomic.Int32
	release := make(chan struct{})
	q := operation.Query[int, string]{
		OpPath:  path.Of("dedup"),
		Initial: opstate.None[int](),
		Body: func(ctx context.Context, rc opctx.Context, cont *operation.Continuation[int, string]) operation.FinalResult[int, string] {
			starts.Add(1)
			<-release
			return operation.Success[int, string](1)
		},
	}
	s := NewStore(Config[int, string]{
		Query:     q,
		Context:   testCtx(),
		Modifiers: []Modifier[int, string]{Deduplicated[int, string]()},
	})

	var wg sync.WaitGroup
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			s.Run(context.Background())
		}()
	}
	time.Sleep(20 * time.Millisecond)
	close(release)
	wg.Wait()

	if starts.Load() != 1 {
		t.Fatalf("expected a single underlying execution, got %d starts", starts.Load())
	}
	if state := s.State(); state.ValueUpdateCount != 1 {
		t.Fatalf("expected one value update, got %d", state.ValueUpdateCount)
	}
}

// manualSpec is a runspec.Spec a test can flip by hand.
type manualSpec struct {
	mu        sync.Mutex
	satisfied bool
	observers map[int]func()
	nextID    int
}

func newManualSpec(initial bool) *manualSpec {
	return &manualSpec{satisfied: initial, observers: map[int]func(){}}
}

func (m *manualSpec) IsSatisfied(opctx.Context) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.satisfied
}

func (m *manualSpec) Subscribe(ctx opctx.Context, onChange runspec.ChangeFunc) runspec.Subscription {
	m.mu.Lock()
	id := m.nextID
	m.nextID++
	m.observers[id] = onChange
	m.mu.Unlock()
	return manualSub{m: m, id: id}
}

func (m *manualSpec) set(v bool) {
	m.mu.Lock()
	m.satisfied = v
	fns := make([]func(), 0, len(m.observers))
	for _, fn := range m.observers {
		fns = append(fns, fn)
	}
	m.mu.Unlock()
	for _, fn := range fns {
		fn()
	}
}

type manualSub struct {
	m  *manualSpec
	id int
}

func (s manualSub) Unsubscribe() {
	s.m.mu.Lock()
	delete(s.m.observers, s.id)
	s.m.mu.Unlock()
}

func TestStoreRerunsOnSpecSatisfiedTransition(t *testing.T) {
	var runs atomic.Int32
	q := operation.Query[int, string]{
		OpPath:  path.Of("rerun"),
		Initial: opstate.None[int](),
		Body: func(ctx context.Context, rc opctx.Context, cont *operation.Continuation[int, string]) operation.FinalResult[int, string] {
			n := runs.Add(1)
			return operation.Success[int, string](int(n))
		},
	}
	spec := newManualSpec(false)
	s := NewStore(Config[int, string]{
		Query:   q,
		Context: testCtx(),
		Modifiers: []Modifier[int, string]{
			EnableAutomaticRunning[int, string](spec),
			RerunOnChange[int, string](spec),
		},
	})

	sub := s.Subscribe(EventHandler[int, string]{})
	defer sub.Unsubscribe()
	time.Sleep(10 * time.Millisecond)
	if runs.Load() != 0 {
		t.Fatalf("expected no run while spec unsatisfied, got %d", runs.Load())
	}

	spec.set(true)
	time.Sleep(20 * time.Millisecond)
	if runs.Load() != 1 {
		t.Fatalf("expected exactly one run after the false-to-true transition, got %d", runs.Load())
	}
}

func TestStoreMonotoneUpdateCounters(t *testing.T) {
	q := operation.Query[int, string]{
		OpPath:  path.Of("monotone"),
		Initial: opstate.None[int](),
		Body: func(ctx context.Context, rc opctx.Context, cont *operation.Continuation[int, string]) operation.FinalResult[int, string] {
			cont.Yield(1)
			cont.YieldError("transient")
			cont.Yield(2)
			return operation.Success[int, string](3)
		},
	}
	s := NewStore(Config[int, string]{Query: q, Context: testCtx()})
	s.Run(context.Background())

	state := s.State()
	// yields 1, 2 plus the implicit terminal yield of 3: three value updates.
	if state.ValueUpdateCount != 3 {
		t.Fatalf("expected 3 value updates, got %d", state.ValueUpdateCount)
	}
	if state.ErrorUpdateCount != 1 {
		t.Fatalf("expected 1 error update, got %d", state.ErrorUpdateCount)
	}
	if state.CurrentValue.Value != 3 {
		t.Fatalf("expected final current value 3, got %+v", state.CurrentValue)
	}
}

func TestStoreResetStateWinsOverInFlightRun(t *testing.T) {
	release := make(chan struct{})
	started := make(chan struct{})
	q := operation.Query[int, string]{
		OpPath:  path.Of("reset"),
		Initial: opstate.Some(0),
		Body: func(ctx context.Context, rc opctx.Context, cont *operation.Continuation[int, string]) operation.FinalResult[int, string] {
			close(started)
			select {
			case <-release:
			case <-ctx.Done():
			}
			return operation.Success[int, string](123)
		},
	}
	s := NewStore(Config[int, string]{
		Query:     q,
		Context:   testCtx(),
		Modifiers: []Modifier[int, string]{Deduplicated[int, string]()},
	})

	go s.Run(context.Background())
	<-started
	s.ResetState()

	state := s.State()
	if state.CurrentValue.Value != 0 {
		t.Fatalf("expected state reset to initial value 0, got %+v", state.CurrentValue)
	}
	close(release)
}

func TestStoreSetResultOutsideRunFiresNoRunEvents(t *testing.T) {
	s := NewStore(Config[int, string]{Query: echoQuery(0), Context: testCtx()})

	var runStarted, runEnded, resultReceived, stateChanged int
	s.Subscribe(EventHandler[int, string]{
		OnRunStarted:     func(opctx.Context) { runStarted++ },
		OnRunEnded:       func(opctx.Context) { runEnded++ },
		OnResultReceived: func(operation.FinalResult[int, string], opctx.Context) { resultReceived++ },
		OnStateChanged:   func(Snapshot[int, string], opctx.Context) { stateChanged++ },
	})

	s.SetResult(operation.Success[int, string](55))

	if runStarted != 0 || runEnded != 0 {
		t.Fatalf("expected no run_started/run_ended pair, got started=%d ended=%d", runStarted, runEnded)
	}
	if resultReceived != 1 || stateChanged != 1 {
		t.Fatalf("expected exactly one result_received and one state_changed, got %d/%d", resultReceived, stateChanged)
	}
	if v := s.State().CurrentValue; !v.Valid || v.Value != 55 {
		t.Fatalf("expected current value 55, got %+v", v)
	}
}

func TestControlsReportsWarningAfterDrop(t *testing.T) {
	reporter := warnpkg.NewLoggingReporter()
	var warned int
	reporter.Observe(func(w warnpkg.Warning) { warned++ })

	s := NewStore(Config[int, string]{Query: echoQuery(1), Context: testCtx(), Reporter: reporter})
	s.MarkDropped()

	c := newControls(s)
	got := c.State()
	if got.CurrentValue.Valid {
		t.Fatalf("expected zero Snapshot for a dropped store's Controls, got %+v", got)
	}
	if warned != 1 {
		t.Fatalf("expected exactly one reported warning, got %d", warned)
	}
}

func TestStoreCancelledRunDoesNotCommitValue(t *testing.T) {
	q := operation.Query[int, string]{
		OpPath:  path.Of("cancel"),
		Initial: opstate.None[int](),
		Body: func(ctx context.Context, rc opctx.Context, cont *operation.Continuation[int, string]) operation.FinalResult[int, string] {
			<-ctx.Done()
			return operation.FinalResult[int, string]{Err: "cancelled", IsErr: true}
		},
	}
	s := NewStore(Config[int, string]{
		Query:     q,
		Context:   testCtx(),
		Modifiers: []Modifier[int, string]{Deduplicated[int, string]()},
	})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		s.Run(ctx)
		close(done)
	}()
	time.Sleep(10 * time.Millisecond)
	cancel()
	<-done

	if state := s.State(); state.CurrentValue.Valid {
		t.Fatalf("expected a cancelled run to never commit a value, got %+v", state.CurrentValue)
	}
}
