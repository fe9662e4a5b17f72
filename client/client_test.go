package client

import (
	"context"
	"testing"
	"time"

	"github.com/opexec/engine/opctx"
	"github.com/opexec/engine/operation"
	"github.com/opexec/engine/opstate"
	"github.com/opexec/engine/path"
	"github.com/opexec/engine/store"
)

type fakeClock struct{ t time.Time }

func (f fakeClock) Now() time.Time { return f.t }

func newTestClient() *Client {
	ctx := opctx.Set(opctx.New(), opctx.ClockKey, opctx.Clock(fakeClock{t: time.Unix(0, 0)}))
	return New(Config{Context: ctx, TestingMode: true})
}

func echoQuery(p path.Path, value int) operation.Query[int, string] {
	return operation.Query[int, string]{
		OpPath:  p,
		Initial: opstate.None[int](),
		Body: func(ctx context.Context, rc opctx.Context, cont *operation.Continuation[int, string]) operation.FinalResult[int, string] {
			return operation.Success[int, string](value)
		},
	}
}

func TestQueryStoreIsCachedByPath(t *testing.T) {
	c := newTestClient()
	p := path.Of("users", "1")
	a := QueryStore(c, echoQuery(p, 1))
	b := QueryStore(c, echoQuery(p, 2))
	if a != b {
		t.Fatalf("expected the same store instance for the same path")
	}
}

func TestQueryStoreRunsAndUpdatesState(t *testing.T) {
	c := newTestClient()
	p := path.Of("users", "1")
	s := QueryStore(c, echoQuery(p, 42))

	s.Run(context.Background())

	state := s.State()
	if !state.CurrentValue.Valid || state.CurrentValue.Value != 42 {
		t.Fatalf("expected current value 42, got %+v", state)
	}
	if state.ValueUpdateCount != 1 {
		t.Fatalf("expected exactly one value update, got %d", state.ValueUpdateCount)
	}
}

func TestStoresMatchingPrefix(t *testing.T) {
	c := newTestClient()
	QueryStore(c, echoQuery(path.Of("users", "1"), 1))
	QueryStore(c, echoQuery(path.Of("users", "2"), 2))
	QueryStore(c, echoQuery(path.Of("teams", "1"), 3))

	matches := c.Stores(path.Of("users"))
	if len(matches) != 2 {
		t.Fatalf("expected 2 stores under users/, got %d", len(matches))
	}
}

func TestSubscribeUnsubscribeEvictsFromCache(t *testing.T) {
	c := newTestClient()
	p := path.Of("users", "1")
	s := QueryStore(c, echoQuery(p, 1))

	sub := Subscribe(c, s, store.EventHandler[int, string]{})
	if _, ok := c.lookup(p.String()); !ok {
		t.Fatalf("expected store present in cache while subscribed")
	}

	sub.Unsubscribe()
	if _, ok := c.lookup(p.String()); ok {
		t.Fatalf("expected store evicted from cache once its last subscriber left")
	}
}

func TestClearCacheMarksEveryStoreDropped(t *testing.T) {
	c := newTestClient()
	QueryStore(c, echoQuery(path.Of("users", "1"), 1))
	QueryStore(c, echoQuery(path.Of("users", "2"), 2))

	c.ClearCache()

	if len(c.Stores(path.Of("users"))) != 0 {
		t.Fatalf("expected cache empty after ClearCache")
	}
}

func TestSeedFromPageAppliesSeedOnlyOnce(t *testing.T) {
	c := newTestClient()
	p := path.Of("users", "1")
	calls := 0
	seed := func() (int, bool) {
		calls++
		return 7, true
	}

	s := SeedFromPage(c, echoQuery(p, 0), seed)
	if state := s.State(); !state.CurrentValue.Valid || state.CurrentValue.Value != 7 {
		t.Fatalf("expected seeded value 7, got %+v", state)
	}

	SeedFromPage(c, echoQuery(p, 0), seed)
	if calls != 1 {
		t.Fatalf("expected seed consulted exactly once for an already-cached store, got %d calls", calls)
	}
}

func intPageQuery(p path.Path) operation.PaginatedQuery[int, string] {
	return operation.PaginatedQuery[int, string]{
		OpPath:        p,
		InitialPageID: 0,
		FetchPage: func(ctx context.Context, rc opctx.Context, cont *operation.Continuation[int, string], id opstate.PageID, paging operation.PagingContext) operation.FinalResult[int, string] {
			return operation.Success[int, string](id.(int) * 100)
		},
		PageIDAfter: func(last opstate.Page[int], paging operation.PagingContext, rc opctx.Context) (opstate.PageID, bool) {
			return nil, false
		},
	}
}

func TestSubscribePaginatedUnsubscribeEvictsFromCache(t *testing.T) {
	c := newTestClient()
	p := path.Of("pages", "1")
	s := PaginatedQueryStore(c, intPageQuery(p))

	sub := SubscribePaginated(c, s, store.PaginatedEventHandler[int, string]{})
	if _, ok := c.lookup(p.String()); !ok {
		t.Fatalf("expected paginated store present in cache while subscribed")
	}

	sub.Unsubscribe()
	if _, ok := c.lookup(p.String()); ok {
		t.Fatalf("expected paginated store evicted from cache once its last subscriber left")
	}
}

func TestSubscribeMutationUnsubscribeEvictsFromCache(t *testing.T) {
	c := newTestClient()
	p := path.Of("double", "evict")
	s := MutationStore(c, mutationOp(p), 3)

	sub := SubscribeMutation(c, s, store.MutationEventHandler[int, string]{})
	if _, ok := c.lookup(p.String()); !ok {
		t.Fatalf("expected mutation store present in cache while subscribed")
	}

	sub.Unsubscribe()
	if _, ok := c.lookup(p.String()); ok {
		t.Fatalf("expected mutation store evicted from cache once its last subscriber left")
	}
}

func mutationOp(p path.Path) operation.Mutation[int, int, string] {
	return operation.Mutation[int, int, string]{
		OpPath: p,
		Body: func(ctx context.Context, args int, rc opctx.Context, cont *operation.Continuation[int, string]) operation.FinalResult[int, string] {
			return operation.Success[int, string](args * 2)
		},
	}
}

func TestMutationStoreRetryLatestReusesArguments(t *testing.T) {
	c := newTestClient()
	s := MutationStore(c, mutationOp(path.Of("double")), 3)

	s.Mutate(context.Background(), 5)
	s.RetryLatest(context.Background())

	state := s.State()
	if len(state.History) != 2 {
		t.Fatalf("expected 2 attempts recorded, got %d", len(state.History))
	}
	for _, a := range state.History {
		if !a.CurrentResult.Valid || a.CurrentResult.Value.IsError || a.CurrentResult.Value.Value != 10 {
			t.Fatalf("expected every attempt to resolve to 10, got %+v", a)
		}
	}
}
