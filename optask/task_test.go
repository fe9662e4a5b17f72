package optask

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/opexec/engine/opctx"
)

func TestRunIfNeededRunsOnce(t *testing.T) {
	var calls int32
	task := New(opctx.New(), func(ctx context.Context, id string, c opctx.Context) (int, error) {
		atomic.AddInt32(&calls, 1)
		return 42, nil
	})
	r1 := task.RunIfNeeded(context.Background())
	r2 := task.RunIfNeeded(context.Background())
	if calls != 1 {
		t.Fatalf("expected work to run exactly once, ran %d times", calls)
	}
	if r1.Value != 42 || r2.Value != 42 {
		t.Fatalf("both callers must observe the stored result")
	}
}

func TestRunIfNeededConcurrentCallersShareResult(t *testing.T) {
	var calls int32
	start := make(chan struct{})
	task := New(opctx.New(), func(ctx context.Context, id string, c opctx.Context) (string, error) {
		<-start
		atomic.AddInt32(&calls, 1)
		return "ok", nil
	})
	results := make(chan Result[string], 4)
	for i := 0; i < 4; i++ {
		go func() { results <- task.RunIfNeeded(context.Background()) }()
	}
	time.Sleep(20 * time.Millisecond)
	close(start)
	for i := 0; i < 4; i++ {
		r := <-results
		if r.Value != "ok" || r.Err != nil {
			t.Fatalf("unexpected result: %+v", r)
		}
	}
	if calls != 1 {
		t.Fatalf("expected exactly one execution, got %d", calls)
	}
}

func TestCancelUnscheduled(t *testing.T) {
	task := New(opctx.New(), func(ctx context.Context, id string, c opctx.Context) (int, error) {
		return 1, nil
	})
	task.Cancel()
	if task.State() != StateFinished {
		t.Fatalf("expected finished state after cancelling an unscheduled task")
	}
	r := task.RunIfNeeded(context.Background())
	if !r.Cancelled {
		t.Fatalf("expected cancelled result")
	}
}

func TestCancelIdempotent(t *testing.T) {
	task := New(opctx.New(), func(ctx context.Context, id string, c opctx.Context) (int, error) {
		<-ctx.Done()
		return 0, ctx.Err()
	})
	go task.RunIfNeeded(context.Background())
	time.Sleep(10 * time.Millisecond)
	task.Cancel()
	task.Cancel()
	time.Sleep(10 * time.Millisecond)
	if task.State() != StateFinished {
		t.Fatalf("expected finished state")
	}
}

func TestScheduleCycleReportedNotFatal(t *testing.T) {
	a := New(opctx.New(), func(ctx context.Context, id string, c opctx.Context) (int, error) { return 1, nil })
	b := New(opctx.New(), func(ctx context.Context, id string, c opctx.Context) (int, error) { return 2, nil })
	b.Schedule(a)
	a.Schedule(b) // would cycle; must be reported, not panic
	ra := a.RunIfNeeded(context.Background())
	if ra.Err != nil || ra.Value != 1 {
		t.Fatalf("cyclic schedule must not prevent the task from running")
	}
}

func TestDependencyFailureIgnoredBestEffort(t *testing.T) {
	dep := New(opctx.New(), func(ctx context.Context, id string, c opctx.Context) (int, error) {
		return 0, errors.New("dependency failed")
	})
	main := New(opctx.New(), func(ctx context.Context, id string, c opctx.Context) (string, error) {
		return "done", nil
	})
	main.Schedule(dep)
	r := main.RunIfNeeded(context.Background())
	if r.Err != nil || r.Value != "done" {
		t.Fatalf("a failing dependency must not prevent the dependent task from running")
	}
}

func TestMapSharesIdentity(t *testing.T) {
	inner := New(opctx.New(), func(ctx context.Context, id string, c opctx.Context) (int, error) {
		return 10, nil
	})
	mapped := Map(inner, func(v int) string { return "v=10" })
	if mapped.ID() != inner.ID() {
		t.Fatalf("mapped task must share identity with its source")
	}
	r := mapped.RunIfNeeded(context.Background())
	if r.Value != "v=10" {
		t.Fatalf("got %q", r.Value)
	}
}
