package store

import (
	"context"
	"time"

	"github.com/opexec/engine/observability"
	"github.com/opexec/engine/opctx"
	"github.com/opexec/engine/operation"
	"github.com/opexec/engine/resilience"
	"github.com/opexec/engine/runspec"
)

// RunFunc is the shape a Query body and every Modifier wrap: given the
// run's cancellation context and its context snapshot, drive a
// Continuation and return a terminal result.
type RunFunc[V any, E any] func(ctx context.Context, rc opctx.Context, cont *operation.Continuation[V, E]) operation.FinalResult[V, E]

// Modifier changes how a store runs its operation. Setup runs once per run
// before Body executes, letting a modifier install values (a backoff
// policy, a delayer) into the run's context snapshot; Wrap composes the
// modifier's own behavior (retry loops, guards) around the next stage of
// the chain. Some modifiers (Deduplicated, EnableAutomaticRunning,
// Controlled, HandleEvents, the staleness family, RerunOnChange) carry no
// RunFunc behavior of their own and are instead recognized by Store via a
// type switch, because their effect lives outside a single run (across
// runs, or at subscribe/rerun time) rather than inside one.
type Modifier[V any, E any] interface {
	Setup(rc opctx.Context) opctx.Context
	Wrap(next RunFunc[V, E]) RunFunc[V, E]
}

// passthroughModifier is embedded by marker modifiers that contribute no
// per-run wrapping of their own.
type passthroughModifier[V any, E any] struct{}

func (passthroughModifier[V, E]) Setup(rc opctx.Context) opctx.Context { return rc }
func (passthroughModifier[V, E]) Wrap(next RunFunc[V, E]) RunFunc[V, E] { return next }

// retryModifier retries a failed run up to Limit additional times, sleeping
// between attempts according to whatever Backoff/Delayer modifiers set on
// the run context.
type retryModifier[V any, E any] struct {
	Limit int
}

// Retry retries a failing run up to limit additional attempts (so limit=2
// means up to 3 total attempts), consulting the context's backoff function
// and delayer between attempts.
func Retry[V any, E any](limit int) Modifier[V, E] {
	return retryModifier[V, E]{Limit: limit}
}

func (r retryModifier[V, E]) Setup(rc opctx.Context) opctx.Context { return rc }

func (r retryModifier[V, E]) Wrap(next RunFunc[V, E]) RunFunc[V, E] {
	return func(ctx context.Context, rc opctx.Context, cont *operation.Continuation[V, E]) operation.FinalResult[V, E] {
		var last operation.FinalResult[V, E]
		for attempt := 0; attempt <= r.Limit; attempt++ {
			attemptCtx := opctx.Set(rc, opctx.RetryIndexKey, attempt)
			attemptCtx = opctx.Set(attemptCtx, opctx.IsLastRetryAttemptKey, attempt == r.Limit)
			last = next(ctx, attemptCtx, cont)
			if !last.IsErr {
				return last
			}
			if attempt == r.Limit {
				break
			}
			if ctx.Err() != nil {
				break
			}
			observability.RecordRetryAttempt(ctx)
			sleepBetweenAttempts(ctx, attemptCtx, attempt)
		}
		return last
	}
}

func sleepBetweenAttempts(ctx context.Context, rc opctx.Context, attempt int) {
	delayer, _ := opctx.Get(rc, opctx.DelayerKey).(resilience.Delayer)
	backoffFn, _ := opctx.Get(rc, opctx.BackoffFunctionKey).(resilience.BackoffFunction)
	if backoffFn == nil {
		backoffFn = resilience.ZeroBackoff()
	}
	if delayer == nil {
		delayer = resilience.RealDelayer{}
	}
	_ = delayer.Sleep(ctx, backoffFn(attempt))
}

// backoffModifier installs a backoff policy into the run context for Retry
// to consult.
type backoffModifier[V any, E any] struct {
	Fn resilience.BackoffFunction
}

// Backoff installs fn as the run's backoff policy.
func Backoff[V any, E any](fn resilience.BackoffFunction) Modifier[V, E] {
	return backoffModifier[V, E]{Fn: fn}
}

func (b backoffModifier[V, E]) Setup(rc opctx.Context) opctx.Context {
	return opctx.Set(rc, opctx.BackoffFunctionKey, any(b.Fn))
}
func (b backoffModifier[V, E]) Wrap(next RunFunc[V, E]) RunFunc[V, E] { return next }

// delayerModifier installs the Sleep policy a Retry loop should use.
type delayerModifier[V any, E any] struct {
	Delayer resilience.Delayer
}

// Delayer installs d as the run's sleep policy between retry attempts.
func Delayer[V any, E any](d resilience.Delayer) Modifier[V, E] {
	return delayerModifier[V, E]{Delayer: d}
}

func (d delayerModifier[V, E]) Setup(rc opctx.Context) opctx.Context {
	return opctx.Set(rc, opctx.DelayerKey, any(d.Delayer))
}
func (d delayerModifier[V, E]) Wrap(next RunFunc[V, E]) RunFunc[V, E] { return next }

// dedupModifier marks a store as collapsing concurrent run() calls onto a
// single in-flight task. Recognized by Store via type switch; see
// store.go's run() for the actual dedup mechanics (reusing the existing
// in-flight task instead of scheduling a new one).
type dedupModifier[V any, E any] struct{ passthroughModifier[V, E] }

// Deduplicated marks the store so that N concurrent Run calls observe a
// single execution instead of each starting their own task.
func Deduplicated[V any, E any]() Modifier[V, E] { return dedupModifier[V, E]{} }

// enableAutoRunModifier installs the gate a store consults when its first
// non-temporary subscriber arrives.
type enableAutoRunModifier[V any, E any] struct {
	Spec runspec.Spec
}

// EnableAutomaticRunning arms the store to run automatically on first
// subscription, and on every later transition of spec into satisfied,
// whenever spec.IsSatisfied(rc) holds.
func EnableAutomaticRunning[V any, E any](spec runspec.Spec) Modifier[V, E] {
	return enableAutoRunModifier[V, E]{Spec: spec}
}

func (m enableAutoRunModifier[V, E]) Setup(rc opctx.Context) opctx.Context { return rc }
func (m enableAutoRunModifier[V, E]) Wrap(next RunFunc[V, E]) RunFunc[V, E] { return next }

// controlledModifier installs a Controller the store invokes once at the
// start of each run.
type controlledModifier[V any, E any] struct {
	Controller Controller[V, E]
}

// Controlled attaches a Controller invoked at the start of every run.
func Controlled[V any, E any](c Controller[V, E]) Modifier[V, E] {
	return controlledModifier[V, E]{Controller: c}
}

func (m controlledModifier[V, E]) Setup(rc opctx.Context) opctx.Context { return rc }
func (m controlledModifier[V, E]) Wrap(next RunFunc[V, E]) RunFunc[V, E] { return next }

// handleEventsModifier permanently attaches an EventHandler to the store,
// as opposed to a temporary one installed via Subscribe.
type handleEventsModifier[V any, E any] struct {
	Handler EventHandler[V, E]
}

// HandleEvents permanently attaches handler to every run of the store.
func HandleEvents[V any, E any](handler EventHandler[V, E]) Modifier[V, E] {
	return handleEventsModifier[V, E]{Handler: handler}
}

func (m handleEventsModifier[V, E]) Setup(rc opctx.Context) opctx.Context { return rc }
func (m handleEventsModifier[V, E]) Wrap(next RunFunc[V, E]) RunFunc[V, E] { return next }

// StalenessKind distinguishes the three staleness predicates a store can be
// configured with.
type StalenessKind int

const (
	StaleNever StalenessKind = iota
	StaleAfterDuration
	StaleWhenPredicate
	StaleWhenNoValue
)

// stalenessModifier marks a store as stale according to Kind; Store's
// IsStale() consults whichever of these is configured.
type stalenessModifier[V any, E any] struct {
	passthroughModifier[V, E]
	Kind      StalenessKind
	After     time.Duration
	Predicate func(Snapshot[V, E]) bool
}

// StaleAfter marks state stale once d has elapsed since its last update.
func StaleAfter[V any, E any](d time.Duration) Modifier[V, E] {
	return stalenessModifier[V, E]{Kind: StaleAfterDuration, After: d}
}

// StaleWhen marks state stale whenever predicate returns true.
func StaleWhen[V any, E any](predicate func(Snapshot[V, E]) bool) Modifier[V, E] {
	return stalenessModifier[V, E]{Kind: StaleWhenPredicate, Predicate: predicate}
}

// StaleWhenNoValue marks state stale whenever it has never received a
// value, i.e. !CurrentValue.Valid.
func StaleWhenNoValue[V any, E any]() Modifier[V, E] {
	return stalenessModifier[V, E]{Kind: StaleWhenNoValue}
}

// guardedModifier short-circuits a run through a resilience.CircuitBreaker:
// once the breaker opens, runs fail fast with openErr() instead of
// invoking the operation body, until its cool-down elapses and a half-open
// probe succeeds.
type guardedModifier[V any, E any] struct {
	Breaker *resilience.CircuitBreaker
	OpenErr func() E
}

// Guarded attaches breaker to the store's run chain: a chronically failing
// operation stops being invoked (and its retries stop sleeping through a
// backoff that will not help) until the breaker's cool-down elapses.
func Guarded[V any, E any](breaker *resilience.CircuitBreaker, openErr func() E) Modifier[V, E] {
	return guardedModifier[V, E]{Breaker: breaker, OpenErr: openErr}
}

func (g guardedModifier[V, E]) Setup(rc opctx.Context) opctx.Context { return rc }

func (g guardedModifier[V, E]) Wrap(next RunFunc[V, E]) RunFunc[V, E] {
	return func(ctx context.Context, rc opctx.Context, cont *operation.Continuation[V, E]) operation.FinalResult[V, E] {
		if !g.Breaker.Allow() {
			return operation.Failure[V, E](g.OpenErr())
		}
		result := next(ctx, rc, cont)
		g.Breaker.RecordResult(!result.IsErr)
		return result
	}
}

// rateLimitedModifier short-circuits a run through a resilience.RateLimiter:
// once the limiter's budget is exhausted, runs fail fast with limitedErr()
// instead of invoking the operation body.
type rateLimitedModifier[V any, E any] struct {
	Limiter    *resilience.RateLimiter
	LimitedErr func() E
}

// RateLimited attaches limiter to the store's run chain, rejecting runs
// that would exceed the limiter's token bucket / sliding-window budget
// instead of letting them queue behind a retry loop's backoff.
func RateLimited[V any, E any](limiter *resilience.RateLimiter, limitedErr func() E) Modifier[V, E] {
	return rateLimitedModifier[V, E]{Limiter: limiter, LimitedErr: limitedErr}
}

func (m rateLimitedModifier[V, E]) Setup(rc opctx.Context) opctx.Context { return rc }

func (m rateLimitedModifier[V, E]) Wrap(next RunFunc[V, E]) RunFunc[V, E] {
	return func(ctx context.Context, rc opctx.Context, cont *operation.Continuation[V, E]) operation.FinalResult[V, E] {
		if !m.Limiter.Allow() {
			return operation.Failure[V, E](m.LimitedErr())
		}
		return next(ctx, rc, cont)
	}
}

// rerunOnChangeModifier reruns the store whenever spec transitions from
// unsatisfied to satisfied, provided automatic running is enabled.
type rerunOnChangeModifier[V any, E any] struct {
	passthroughModifier[V, E]
	Spec runspec.Spec
}

// RerunOnChange triggers YieldRerun-equivalent behavior on every
// false-to-true transition of spec, gated by automatic running.
func RerunOnChange[V any, E any](spec runspec.Spec) Modifier[V, E] {
	return rerunOnChangeModifier[V, E]{Spec: spec}
}

// chain composes modifiers' Wrap functions outermost-first: the first
// modifier in the slice wraps everything after it, so Retry(Deduplicated,
// ...) runs its loop around the whole remaining chain.
func chain[V any, E any](mods []Modifier[V, E], body RunFunc[V, E]) RunFunc[V, E] {
	wrapped := body
	for i := len(mods) - 1; i >= 0; i-- {
		wrapped = mods[i].Wrap(wrapped)
	}
	return wrapped
}

func setupAll[V any, E any](mods []Modifier[V, E], rc opctx.Context) opctx.Context {
	for _, m := range mods {
		rc = m.Setup(rc)
	}
	return rc
}
