package store

import (
	"context"
	"sync/atomic"
	"testing"

	"github.com/opexec/engine/opctx"
	"github.com/opexec/engine/operation"
	"github.com/opexec/engine/path"
	warnpkg "github.com/opexec/engine/warnings"
)

func doubleMutation() operation.Mutation[int, int, string] {
	return operation.Mutation[int, int, string]{
		OpPath: path.Of("double"),
		Body: func(ctx context.Context, args int, rc opctx.Context, cont *operation.Continuation[int, string]) operation.FinalResult[int, string] {
			return operation.Success[int, string](args * 2)
		},
	}
}

func TestMutationStoreHistoryBoundedToMax(t *testing.T) {
	s := NewMutationStore(MutationConfig[int, int, string]{
		Mutation:         doubleMutation(),
		Context:          testCtx(),
		MaxHistoryLength: 1,
	})

	s.Mutate(context.Background(), 1)
	s.Mutate(context.Background(), 2)
	s.Mutate(context.Background(), 3)

	state := s.State()
	if len(state.History) != 1 {
		t.Fatalf("expected history bounded to 1 entry, got %d", len(state.History))
	}
	a := state.History[0]
	if !a.CurrentResult.Valid || a.CurrentResult.Value.Value != 6 {
		t.Fatalf("expected only the latest attempt (3*2=6) to survive, got %+v", a)
	}
}

func TestMutationStoreResetStateClearsHistory(t *testing.T) {
	s := NewMutationStore(MutationConfig[int, int, string]{
		Mutation:         doubleMutation(),
		Context:          testCtx(),
		MaxHistoryLength: 5,
	})
	s.Mutate(context.Background(), 1)
	s.Mutate(context.Background(), 2)
	if len(s.State().History) != 2 {
		t.Fatalf("setup: expected 2 attempts before reset")
	}

	s.ResetState()

	if len(s.State().History) != 0 {
		t.Fatalf("expected history cleared after ResetState, got %d", len(s.State().History))
	}

	// RetryLatest after a reset has no prior attempt to reuse.
	result := s.RetryLatest(context.Background())
	if result.IsErr || result.Value != 0 {
		t.Fatalf("expected retry_latest after reset to report no history, got %+v", result)
	}
}

func TestMutationStoreRetryLatestWithNoHistoryReportsWarning(t *testing.T) {
	reporter := warnpkg.NewLoggingReporter()
	var kinds []warnpkg.Kind
	reporter.Observe(func(w warnpkg.Warning) { kinds = append(kinds, w.Kind) })

	s := NewMutationStore(MutationConfig[int, int, string]{
		Mutation:         doubleMutation(),
		Context:          testCtx(),
		Reporter:         reporter,
		MaxHistoryLength: 3,
	})

	result := s.RetryLatest(context.Background())
	if result.IsErr || result.Value != 0 {
		t.Fatalf("expected a zero-value result for retry_latest with no history, got %+v", result)
	}
	if len(kinds) != 1 || kinds[0] != warnpkg.KindMutationRunWithoutHistory {
		t.Fatalf("expected exactly one mutation_run_without_history warning, got %+v", kinds)
	}
	if len(s.State().History) != 0 {
		t.Fatalf("expected retry_latest with no history to leave history untouched")
	}
}

func TestMutationStoreRetryLatestReusesMostRecentArguments(t *testing.T) {
	var seenArgs []int
	q := operation.Mutation[int, int, string]{
		OpPath: path.Of("track"),
		Body: func(ctx context.Context, args int, rc opctx.Context, cont *operation.Continuation[int, string]) operation.FinalResult[int, string] {
			seenArgs = append(seenArgs, args)
			return operation.Success[int, string](args)
		},
	}
	s := NewMutationStore(MutationConfig[int, int, string]{Mutation: q, Context: testCtx(), MaxHistoryLength: 5})

	s.Mutate(context.Background(), 10)
	s.Mutate(context.Background(), 20)
	s.RetryLatest(context.Background())

	if len(seenArgs) != 3 || seenArgs[2] != 20 {
		t.Fatalf("expected retry_latest to reuse the arguments of the most recent attempt (20), got %+v", seenArgs)
	}
}

func TestMutationStoreFailedAttemptRecordsErrorResult(t *testing.T) {
	q := operation.Mutation[int, int, string]{
		OpPath: path.Of("fails"),
		Body: func(ctx context.Context, args int, rc opctx.Context, cont *operation.Continuation[int, string]) operation.FinalResult[int, string] {
			return operation.Failure[int, string]("boom")
		},
	}
	s := NewMutationStore(MutationConfig[int, int, string]{Mutation: q, Context: testCtx(), MaxHistoryLength: 3})

	result := s.Mutate(context.Background(), 1)
	if !result.IsErr || result.Err != "boom" {
		t.Fatalf("expected the failed attempt's result to surface, got %+v", result)
	}
	state := s.State()
	if len(state.History) != 1 || !state.History[0].CurrentResult.Valid || !state.History[0].CurrentResult.Value.IsError {
		t.Fatalf("expected the attempt history to record the failure, got %+v", state.History)
	}
}

func TestMutationStoreConcurrentMutatesEachRecordTheirOwnAttempt(t *testing.T) {
	var calls atomic.Int32
	q := operation.Mutation[int, int, string]{
		OpPath: path.Of("concurrent"),
		Body: func(ctx context.Context, args int, rc opctx.Context, cont *operation.Continuation[int, string]) operation.FinalResult[int, string] {
			calls.Add(1)
			return operation.Success[int, string](args)
		},
	}
	s := NewMutationStore(MutationConfig[int, int, string]{Mutation: q, Context: testCtx(), MaxHistoryLength: 10})

	done := make(chan struct{}, 3)
	for i := 0; i < 3; i++ {
		go func(n int) {
			s.Mutate(context.Background(), n)
			done <- struct{}{}
		}(i)
	}
	for i := 0; i < 3; i++ {
		<-done
	}

	if calls.Load() != 3 {
		t.Fatalf("expected every concurrent Mutate call to run its own attempt, got %d", calls.Load())
	}
	if len(s.State().History) != 3 {
		t.Fatalf("expected 3 distinct attempts recorded, got %d", len(s.State().History))
	}
}
